package bootloader

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/canboot/internal/firmware"
	"github.com/bigbag/canboot/internal/isotp"
	"github.com/bigbag/canboot/internal/memory"
	"github.com/bigbag/canboot/internal/protocol"
)

// Defaults for the entry decision and the polling loop.
const (
	DefaultBackdoorWindow = 500 * time.Millisecond
	DefaultPollTimeout    = 100 * time.Millisecond
)

type appCheck struct {
	length   uint32
	expected uint32
}

type options struct {
	log            logrus.FieldLogger
	layout         memory.Layout
	ram            firmware.RAM
	policy         firmware.ChecksumPolicy
	backdoorWindow time.Duration
	pollTimeout    time.Duration
	link           isotp.Config
	readBufferSize int
	protectedReads bool
	appCheck       *appCheck
	onState        func(from, to State)
}

func defaultOptions() options {
	l := logrus.New()
	l.Out = io.Discard
	return options{
		log:            l,
		layout:         memory.DefaultLayout(),
		ram:            firmware.DefaultRAM,
		policy:         firmware.PolicySum,
		backdoorWindow: DefaultBackdoorWindow,
		pollTimeout:    DefaultPollTimeout,
		link:           isotp.DefaultConfig(),
		readBufferSize: protocol.DefaultReadBufferSize,
	}
}

// Option configures a Bootloader.
type Option func(*options)

// WithLogger sets the sink for state transitions and request logs.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithLayout replaces the default flash partition.
func WithLayout(layout memory.Layout) Option {
	return func(o *options) { o.layout = layout }
}

// WithRAM sets the range a valid initial stack pointer must fall in.
func WithRAM(ram firmware.RAM) Option {
	return func(o *options) { o.ram = ram }
}

// WithChecksumPolicy selects the GetChecksum algorithm.
func WithChecksumPolicy(policy firmware.ChecksumPolicy) Option {
	return func(o *options) { o.policy = policy }
}

// WithBackdoorWindow sets how long Entry listens for a programming request
// before deciding to start the application.
func WithBackdoorWindow(d time.Duration) Option {
	return func(o *options) { o.backdoorWindow = d }
}

// WithPollTimeout bounds each receive in Idle, Programming and Error.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithLinkConfig sets identifiers and segmentation parameters. Responses go
// out on cfg.TxID.
func WithLinkConfig(cfg isotp.Config) Option {
	return func(o *options) { o.link = cfg }
}

// WithReadBufferSize caps ReadData responses.
func WithReadBufferSize(n int) Option {
	return func(o *options) { o.readBufferSize = n }
}

// WithProtectedReads lets ReadData and GetChecksum cover the bootloader and
// configuration regions.
func WithProtectedReads(allow bool) Option {
	return func(o *options) { o.protectedReads = allow }
}

// WithApplicationCheck requires the first length bytes of the application
// region to match expected before the application is started.
func WithApplicationCheck(length, expected uint32) Option {
	return func(o *options) { o.appCheck = &appCheck{length: length, expected: expected} }
}

// WithStateHook is called after every transition.
func WithStateHook(fn func(from, to State)) Option {
	return func(o *options) { o.onState = fn }
}
