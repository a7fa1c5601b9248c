//go:build !linux

package socketcan

import (
	"errors"
	"time"

	"github.com/bigbag/canboot/internal/can"
)

var errUnsupported = errors.New("socketcan is only available on linux")

// Conn is a stub for non-Linux platforms.
type Conn struct{}

// Open always fails on non-Linux platforms.
func Open(iface string, ids ...uint32) (*Conn, error) {
	return nil, errUnsupported
}

// Interface is a stub.
func (c *Conn) Interface() string {
	return ""
}

// Transmit is a stub.
func (c *Conn) Transmit(f can.Frame) error {
	return errUnsupported
}

// Receive is a stub.
func (c *Conn) Receive(timeout time.Duration) (can.Frame, error) {
	return can.Frame{}, errUnsupported
}

// Close is a stub.
func (c *Conn) Close() error {
	return errUnsupported
}
