// Package config loads the canboot configuration: embedded defaults, an
// optional YAML file, command line flags and CANBOOT_* environment variables,
// in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/bigbag/canboot/embedded"
	"github.com/bigbag/canboot/internal/board"
	"github.com/bigbag/canboot/internal/bootloader"
	"github.com/bigbag/canboot/internal/can"
	"github.com/bigbag/canboot/internal/firmware"
	"github.com/bigbag/canboot/internal/isotp"
	"github.com/bigbag/canboot/internal/protocol"
)

// Transports
const (
	TransportLoopback  = "loopback"
	TransportSLCAN     = "slcan"
	TransportSocketCAN = "socketcan"
)

// Config is the whole configuration file.
type Config struct {
	Profile    string           `yaml:"profile"`
	Checksum   string           `yaml:"checksum"`
	CAN        CANConfig        `yaml:"can"`
	Bootloader BootloaderConfig `yaml:"bootloader"`
	Flash      FlashConfig      `yaml:"flash"`
	Log        LogConfig        `yaml:"log"`
}

// CANConfig selects the bus and the segmented transfer parameters.
type CANConfig struct {
	Transport  string        `yaml:"transport"`
	Port       string        `yaml:"port"`
	Baud       int           `yaml:"baud"`
	Bitrate    int           `yaml:"bitrate"`
	Interface  string        `yaml:"interface"`
	RequestID  uint32        `yaml:"request_id"`
	ResponseID uint32        `yaml:"response_id"`
	BlockSize  uint8         `yaml:"block_size"`
	STmin      uint8         `yaml:"stmin"`
	Timeout    time.Duration `yaml:"timeout"`
}

// BootloaderConfig tunes the state machine and the session.
type BootloaderConfig struct {
	BackdoorWindow      time.Duration `yaml:"backdoor_window"`
	PollTimeout         time.Duration `yaml:"poll_timeout"`
	ReadBufferSize      int           `yaml:"read_buffer_size"`
	AllowProtectedReads bool          `yaml:"allow_protected_reads"`
	ApplicationCheck    AppCheck      `yaml:"application_check"`
}

// AppCheck is the optional checksum the application must match before it is
// started. A zero Length disables it.
type AppCheck struct {
	Length   uint32 `yaml:"length"`
	Expected uint32 `yaml:"expected"`
}

// FlashConfig locates the file the emulated flash is persisted in.
type FlashConfig struct {
	Image string `yaml:"image"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the embedded defaults.
func Default() (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalStrict(embedded.DefaultConfig(), c); err != nil {
		return nil, errors.Wrap(err, "parse embedded defaults")
	}
	return c, nil
}

// Load reads path over the defaults. Keys missing from the file keep their
// default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return c, nil
}

// Validate checks every field that has a restricted range.
func (c *Config) Validate() error {
	if _, err := board.LookupProfile(c.Profile); err != nil {
		return err
	}
	if _, err := firmware.ParsePolicy(c.Checksum); err != nil {
		return err
	}

	switch c.CAN.Transport {
	case TransportLoopback, TransportSocketCAN:
	case TransportSLCAN:
		if c.CAN.Baud <= 0 {
			return fmt.Errorf("can.baud must be positive, got %d", c.CAN.Baud)
		}
	default:
		return fmt.Errorf("unknown can.transport %q (have %s, %s, %s)",
			c.CAN.Transport, TransportLoopback, TransportSLCAN, TransportSocketCAN)
	}
	if c.CAN.Transport == TransportSocketCAN && c.CAN.Interface == "" {
		return errors.New("can.interface is required for socketcan")
	}
	for name, id := range map[string]uint32{"can.request_id": c.CAN.RequestID, "can.response_id": c.CAN.ResponseID} {
		if id > can.MaxExtendedID {
			return fmt.Errorf("%s 0x%X is not a CAN identifier", name, id)
		}
	}
	if c.CAN.RequestID == c.CAN.ResponseID {
		return fmt.Errorf("can.request_id and can.response_id are both 0x%X", c.CAN.RequestID)
	}
	if c.CAN.Timeout <= 0 {
		return fmt.Errorf("can.timeout must be positive, got %s", c.CAN.Timeout)
	}

	if c.Bootloader.BackdoorWindow < 0 {
		return fmt.Errorf("bootloader.backdoor_window must not be negative, got %s", c.Bootloader.BackdoorWindow)
	}
	if c.Bootloader.PollTimeout <= 0 {
		return fmt.Errorf("bootloader.poll_timeout must be positive, got %s", c.Bootloader.PollTimeout)
	}
	if n := c.Bootloader.ReadBufferSize; n <= 0 || n > protocol.MaxReadBufferSize {
		return fmt.Errorf("bootloader.read_buffer_size must be in 1..%d, got %d", protocol.MaxReadBufferSize, n)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q (have text, json)", c.Log.Format)
	}
	return nil
}

// BoardProfile returns the selected microcontroller variant.
func (c *Config) BoardProfile() (board.Profile, error) {
	return board.LookupProfile(c.Profile)
}

// LinkConfig returns the device side link parameters: requests are received
// on RequestID and responses sent on ResponseID.
func (c *Config) LinkConfig() isotp.Config {
	return isotp.Config{
		TxID:       c.CAN.ResponseID,
		RxID:       c.CAN.RequestID,
		BlockSize:  c.CAN.BlockSize,
		STmin:      c.CAN.STmin,
		Timeout:    c.CAN.Timeout,
		BufferSize: isotp.MaxMessageLen,
	}
}

// BootloaderOptions converts the configuration into bootloader options.
func (c *Config) BootloaderOptions(log logrus.FieldLogger) ([]bootloader.Option, error) {
	profile, err := c.BoardProfile()
	if err != nil {
		return nil, err
	}
	policy, err := firmware.ParsePolicy(c.Checksum)
	if err != nil {
		return nil, err
	}

	opts := []bootloader.Option{
		bootloader.WithLogger(log),
		bootloader.WithLayout(profile.Layout),
		bootloader.WithRAM(profile.RAM),
		bootloader.WithChecksumPolicy(policy),
		bootloader.WithBackdoorWindow(c.Bootloader.BackdoorWindow),
		bootloader.WithPollTimeout(c.Bootloader.PollTimeout),
		bootloader.WithLinkConfig(c.LinkConfig()),
		bootloader.WithReadBufferSize(c.Bootloader.ReadBufferSize),
		bootloader.WithProtectedReads(c.Bootloader.AllowProtectedReads),
	}
	if check := c.Bootloader.ApplicationCheck; check.Length > 0 {
		opts = append(opts, bootloader.WithApplicationCheck(check.Length, check.Expected))
	}
	return opts, nil
}

// NewLogger builds a logrus logger from the log section.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetLevel(level)
	switch strings.ToLower(c.Log.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return log, nil
}
