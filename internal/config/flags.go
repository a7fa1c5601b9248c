package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to the upper-cased flag name to form the
// environment variable consulted for a flag that was not given.
const EnvPrefix = "CANBOOT_"

type field struct {
	name  string
	usage string
	ptr   func(c *Config) interface{}
}

var fields = []field{
	{"profile", "board profile (s32k148, s32k118)", func(c *Config) interface{} { return &c.Profile }},
	{"checksum", "checksum policy (sum, xor, crc32)", func(c *Config) interface{} { return &c.Checksum }},
	{"transport", "CAN transport (loopback, slcan, socketcan)", func(c *Config) interface{} { return &c.CAN.Transport }},
	{"port", "serial port of the SLCAN adapter (auto-detect if empty)", func(c *Config) interface{} { return &c.CAN.Port }},
	{"baud", "serial baud rate of the SLCAN adapter", func(c *Config) interface{} { return &c.CAN.Baud }},
	{"bitrate", "CAN bitrate set on the SLCAN adapter", func(c *Config) interface{} { return &c.CAN.Bitrate }},
	{"interface", "SocketCAN interface", func(c *Config) interface{} { return &c.CAN.Interface }},
	{"request-id", "CAN identifier of requests", func(c *Config) interface{} { return &c.CAN.RequestID }},
	{"response-id", "CAN identifier of responses", func(c *Config) interface{} { return &c.CAN.ResponseID }},
	{"can-timeout", "timeout of each wait inside a segmented transfer", func(c *Config) interface{} { return &c.CAN.Timeout }},
	{"backdoor-window", "how long to listen for a programming request at startup", func(c *Config) interface{} { return &c.Bootloader.BackdoorWindow }},
	{"poll-timeout", "receive timeout of one state machine step", func(c *Config) interface{} { return &c.Bootloader.PollTimeout }},
	{"read-buffer-size", "maximum ReadData response payload", func(c *Config) interface{} { return &c.Bootloader.ReadBufferSize }},
	{"allow-protected-reads", "allow reading the bootloader and configuration regions", func(c *Config) interface{} { return &c.Bootloader.AllowProtectedReads }},
	{"flash-image", "file the emulated flash is kept in", func(c *Config) interface{} { return &c.Flash.Image }},
	{"log-level", "log level (debug, info, warn, error)", func(c *Config) interface{} { return &c.Log.Level }},
	{"log-format", "log format (text, json)", func(c *Config) interface{} { return &c.Log.Format }},
}

// Flags holds the values given on the command line until they are merged
// over a loaded Config.
type Flags struct {
	values Config
}

// BindFlags registers one flag per configurable field on fs. defaults only
// feed the help text.
func BindFlags(fs *pflag.FlagSet, defaults *Config) *Flags {
	f := &Flags{values: *defaults}
	for _, fd := range fields {
		switch p := fd.ptr(&f.values).(type) {
		case *string:
			fs.StringVar(p, fd.name, *p, fd.usage)
		case *int:
			fs.IntVar(p, fd.name, *p, fd.usage)
		case *uint32:
			fs.Uint32Var(p, fd.name, *p, fd.usage)
		case *bool:
			fs.BoolVar(p, fd.name, *p, fd.usage)
		case *time.Duration:
			fs.DurationVar(p, fd.name, *p, fd.usage)
		default:
			panic(fmt.Sprintf("config: flag %s has unsupported type %T", fd.name, p))
		}
	}
	return f
}

// Apply copies every flag set on the command line or by ApplyEnv into dst.
// fs is the flag set that was parsed; with cobra that is the command's
// merged set, not the persistent set the flags were bound on.
func (f *Flags) Apply(fs *pflag.FlagSet, dst *Config) {
	byName := make(map[string]field, len(fields))
	for _, fd := range fields {
		byName[fd.name] = fd
	}
	fs.Visit(func(fl *pflag.Flag) {
		fd, ok := byName[fl.Name]
		if !ok {
			return
		}
		switch d := fd.ptr(dst).(type) {
		case *string:
			*d = *fd.ptr(&f.values).(*string)
		case *int:
			*d = *fd.ptr(&f.values).(*int)
		case *uint32:
			*d = *fd.ptr(&f.values).(*uint32)
		case *bool:
			*d = *fd.ptr(&f.values).(*bool)
		case *time.Duration:
			*d = *fd.ptr(&f.values).(*time.Duration)
		}
	})
}

// ApplyEnv sets every flag of fs not given on the command line from
// prefix+NAME, with dashes turned into underscores. It must run after the
// flags are parsed.
func ApplyEnv(fs *pflag.FlagSet, prefix string) {
	nonset := make(map[string]*pflag.Flag)
	fs.VisitAll(func(fl *pflag.Flag) {
		nonset[fl.Name] = fl
	})
	fs.Visit(func(fl *pflag.Flag) {
		delete(nonset, fl.Name)
	})

	for name, fl := range nonset {
		if v := os.Getenv(envName(name, prefix)); v != "" {
			if err := fs.Set(name, v); err == nil {
				fl.Changed = true
			}
		}
	}
}

func envName(flagName, prefix string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}
