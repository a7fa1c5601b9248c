package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/bigbag/canboot/internal/bootloader"
	"github.com/bigbag/canboot/internal/firmware"
	"github.com/bigbag/canboot/internal/isotp"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}

	if c.Profile != "s32k148" {
		t.Errorf("Profile = %q, want %q", c.Profile, "s32k148")
	}
	if c.CAN.RequestID != 0x7E0 || c.CAN.ResponseID != 0x7E8 {
		t.Errorf("ids = 0x%X/0x%X, want 0x7E0/0x7E8", c.CAN.RequestID, c.CAN.ResponseID)
	}
	if c.Bootloader.BackdoorWindow != bootloader.DefaultBackdoorWindow {
		t.Errorf("BackdoorWindow = %s, want %s", c.Bootloader.BackdoorWindow, bootloader.DefaultBackdoorWindow)
	}
	if c.Bootloader.PollTimeout != bootloader.DefaultPollTimeout {
		t.Errorf("PollTimeout = %s, want %s", c.Bootloader.PollTimeout, bootloader.DefaultPollTimeout)
	}
	if c.CAN.Timeout != time.Second {
		t.Errorf("CAN.Timeout = %s, want 1s", c.CAN.Timeout)
	}
	if c.Bootloader.ReadBufferSize != 256 {
		t.Errorf("ReadBufferSize = %d, want 256", c.Bootloader.ReadBufferSize)
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canboot.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Overlay(t *testing.T) {
	path := writeFile(t, `
profile: s32k118
can:
  transport: socketcan
  interface: vcan0
bootloader:
  poll_timeout: 20ms
  application_check:
    length: 0x1000
    expected: 0xDEADBEEF
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if c.Profile != "s32k118" || c.CAN.Transport != TransportSocketCAN || c.CAN.Interface != "vcan0" {
		t.Errorf("Load() = %+v", c)
	}
	if c.Bootloader.PollTimeout != 20*time.Millisecond {
		t.Errorf("PollTimeout = %s, want 20ms", c.Bootloader.PollTimeout)
	}
	if c.Bootloader.ApplicationCheck != (AppCheck{Length: 0x1000, Expected: 0xDEADBEEF}) {
		t.Errorf("ApplicationCheck = %+v", c.Bootloader.ApplicationCheck)
	}
	// keys absent from the file keep their defaults
	if c.CAN.RequestID != 0x7E0 || c.Checksum != "sum" || c.Bootloader.BackdoorWindow != 500*time.Millisecond {
		t.Errorf("defaults lost: %+v", c)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) expected error")
	}
	if _, err := Load(writeFile(t, "profile: [")); err == nil {
		t.Error("Load(bad yaml) expected error")
	}
	if _, err := Load(writeFile(t, "unknown_key: 1\n")); err == nil {
		t.Error("Load(unknown key) expected error")
	}
}

func TestLoad_Empty(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if c.CAN.Transport != TransportLoopback {
		t.Errorf("Transport = %q, want %q", c.CAN.Transport, TransportLoopback)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{"profile", func(c *Config) { c.Profile = "stm32" }, "unknown board profile"},
		{"checksum", func(c *Config) { c.Checksum = "md5" }, "md5"},
		{"transport", func(c *Config) { c.CAN.Transport = "usb" }, "can.transport"},
		{"slcan baud", func(c *Config) { c.CAN.Transport = TransportSLCAN; c.CAN.Baud = 0 }, "can.baud"},
		{"socketcan iface", func(c *Config) { c.CAN.Transport = TransportSocketCAN; c.CAN.Interface = "" }, "can.interface"},
		{"id range", func(c *Config) { c.CAN.RequestID = 0x20000000 }, "can.request_id"},
		{"same ids", func(c *Config) { c.CAN.ResponseID = c.CAN.RequestID }, "both"},
		{"can timeout", func(c *Config) { c.CAN.Timeout = 0 }, "can.timeout"},
		{"window", func(c *Config) { c.Bootloader.BackdoorWindow = -time.Second }, "backdoor_window"},
		{"poll", func(c *Config) { c.Bootloader.PollTimeout = 0 }, "poll_timeout"},
		{"read buffer", func(c *Config) { c.Bootloader.ReadBufferSize = 5000 }, "read_buffer_size"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "loud"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := Default()
			tt.modify(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLinkConfig(t *testing.T) {
	c, _ := Default()
	c.CAN.BlockSize = 8

	dev := c.LinkConfig()
	if dev.TxID != 0x7E8 || dev.RxID != 0x7E0 || dev.BlockSize != 8 {
		t.Errorf("LinkConfig() = %+v", dev)
	}

	want := isotp.DefaultConfig()
	if dev.TxID != want.TxID || dev.RxID != want.RxID || dev.Timeout != want.Timeout {
		t.Errorf("LinkConfig() = %+v, want ids and timeout of %+v", dev, want)
	}
}

func TestBootloaderOptions(t *testing.T) {
	c, _ := Default()
	c.Bootloader.ApplicationCheck = AppCheck{Length: 0x100, Expected: 1}

	opts, err := c.BootloaderOptions(logrus.New())
	if err != nil {
		t.Fatalf("BootloaderOptions() error = %v", err)
	}
	if len(opts) != 10 {
		t.Errorf("BootloaderOptions() = %d options, want 10", len(opts))
	}

	c.Checksum = "bogus"
	if _, err := c.BootloaderOptions(nil); err == nil {
		t.Error("BootloaderOptions(bad checksum) expected error")
	}
}

func TestBoardProfile(t *testing.T) {
	c, _ := Default()
	c.Profile = "S32K118"
	p, err := c.BoardProfile()
	if err != nil {
		t.Fatalf("BoardProfile() error = %v", err)
	}
	if p.RAM != (firmware.RAM{Start: 0x1FFFFC00, Size: 0x5C00}) {
		t.Errorf("BoardProfile().RAM = %+v", p.RAM)
	}
}

func TestNewLogger(t *testing.T) {
	c, _ := Default()
	c.Log.Level = "debug"
	c.Log.Format = "json"

	log, err := c.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("formatter = %T, want *logrus.JSONFormatter", log.Formatter)
	}

	c.Log.Level = "nope"
	if _, err := c.NewLogger(); err == nil {
		t.Error("NewLogger(bad level) expected error")
	}
}

func TestFlags_Precedence(t *testing.T) {
	defaults, _ := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := BindFlags(fs, defaults)

	if err := fs.Parse([]string{"--profile=s32k118", "--request-id=0x6E0", "--poll-timeout=30ms"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	t.Setenv("CANBOOT_PROFILE", "s32k148")
	t.Setenv("CANBOOT_LOG_LEVEL", "debug")
	t.Setenv("CANBOOT_ALLOW_PROTECTED_READS", "true")
	ApplyEnv(fs, EnvPrefix)

	// the file says xor and transport slcan
	c, _ := Default()
	c.Checksum = "xor"
	c.CAN.Transport = TransportSLCAN
	flags.Apply(fs, c)

	if c.Profile != "s32k118" {
		t.Errorf("Profile = %q, want flag value %q", c.Profile, "s32k118")
	}
	if c.CAN.RequestID != 0x6E0 {
		t.Errorf("RequestID = 0x%X, want 0x6E0", c.CAN.RequestID)
	}
	if c.Bootloader.PollTimeout != 30*time.Millisecond {
		t.Errorf("PollTimeout = %s, want 30ms", c.Bootloader.PollTimeout)
	}
	if c.Log.Level != "debug" || !c.Bootloader.AllowProtectedReads {
		t.Errorf("env not applied: level=%q protected=%v", c.Log.Level, c.Bootloader.AllowProtectedReads)
	}
	if c.Checksum != "xor" || c.CAN.Transport != TransportSLCAN {
		t.Errorf("file values overwritten: checksum=%q transport=%q", c.Checksum, c.CAN.Transport)
	}
}

func TestEnvName(t *testing.T) {
	if got := envName("read-buffer-size", EnvPrefix); got != "CANBOOT_READ_BUFFER_SIZE" {
		t.Errorf("envName() = %q, want %q", got, "CANBOOT_READ_BUFFER_SIZE")
	}
}
