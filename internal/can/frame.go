// Package can defines the classic CAN frame and the transport capability the
// bootloader uses to exchange frames with the bus.
package can

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxDataLen is the payload limit of a classic CAN frame.
const MaxDataLen = 8

// Identifier limits.
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
)

var (
	// ErrTimeout is returned by Receive when no frame arrived in time.
	ErrTimeout = errors.New("can: receive timeout")

	// ErrClosed is returned by a transport after Close.
	ErrClosed = errors.New("can: transport closed")

	// ErrInvalidFrame is returned for a frame that cannot go on the bus.
	ErrInvalidFrame = errors.New("can: invalid frame")

	// ErrBufferFull is returned when the transmit queue cannot take a frame.
	ErrBufferFull = errors.New("can: transmit buffer full")
)

// Frame is a classic (non-FD) data frame.
type Frame struct {
	ID       uint32
	Extended bool
	Len      uint8
	Data     [MaxDataLen]byte
}

// NewFrame builds a frame from a payload of up to 8 bytes.
func NewFrame(id uint32, payload []byte) (Frame, error) {
	f := Frame{ID: id, Extended: id > MaxStandardID}
	if len(payload) > MaxDataLen {
		return f, fmt.Errorf("%w: %d byte payload", ErrInvalidFrame, len(payload))
	}
	f.Len = uint8(copy(f.Data[:], payload))
	return f, f.Validate()
}

// Payload returns the used part of Data.
func (f *Frame) Payload() []byte {
	n := f.Len
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}

// Validate checks the identifier range and length.
func (f Frame) Validate() error {
	if f.Len > MaxDataLen {
		return fmt.Errorf("%w: length %d", ErrInvalidFrame, f.Len)
	}
	if !f.Extended && f.ID > MaxStandardID {
		return fmt.Errorf("%w: standard id 0x%X out of range", ErrInvalidFrame, f.ID)
	}
	if f.ID > MaxExtendedID {
		return fmt.Errorf("%w: extended id 0x%X out of range", ErrInvalidFrame, f.ID)
	}
	return nil
}

// String formats the frame candump style, e.g. "7E0#0201".
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X#", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X#", f.ID)
	}
	for _, c := range f.Payload() {
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}

// Transport moves frames to and from the bus. Receive blocks for at most
// timeout and returns ErrTimeout when nothing arrived.
type Transport interface {
	Transmit(f Frame) error
	Receive(timeout time.Duration) (Frame, error)
}

// Filter passes only frames with the given identifier.
type Filter struct {
	Transport
	ID uint32
}

// Receive discards frames addressed elsewhere until the timeout runs out.
func (r Filter) Receive(timeout time.Duration) (Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := r.Transport.Receive(timeout)
		if err != nil {
			return f, err
		}
		if f.ID == r.ID {
			return f, nil
		}
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return Frame{}, ErrTimeout
		}
	}
}
