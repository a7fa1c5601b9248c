package protocol

import (
	"errors"
	"fmt"

	"github.com/bigbag/canboot/internal/firmware"
	"github.com/bigbag/canboot/internal/memory"
)

var (
	// ErrProgrammingNotEnabled is returned for a gated command outside
	// programming mode.
	ErrProgrammingNotEnabled = errors.New("protocol: programming not enabled")

	// ErrVerificationFailed is returned when the read-back after a write does
	// not match the written data.
	ErrVerificationFailed = errors.New("protocol: write verification failed")
)

// Error is a malformed request: unknown command or wrong payload length.
type Error struct {
	Status  Status
	Command Command
	Msg     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Command, e.Msg)
}

func invalidLength(cmd Command, format string, args ...interface{}) *Error {
	return &Error{Status: StatusInvalidLength, Command: cmd, Msg: fmt.Sprintf(format, args...)}
}

// CommunicationError is a failure to move a message over the link. A failed
// response transmit does not undo the memory operation that preceded it.
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("protocol: %s failed: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// StatusFor maps an error from any layer onto the wire status reported to the
// host. A nil error is StatusOK.
func StatusFor(err error) Status {
	var perr *Error

	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &perr):
		return perr.Status
	case errors.Is(err, ErrProgrammingNotEnabled):
		return StatusProgrammingNotEnabled
	case errors.Is(err, memory.ErrRegionNotAligned):
		return StatusAlignmentError
	case errors.Is(err, memory.ErrProtectedRegionAccess):
		return StatusProtectedRegionAccess
	case errors.Is(err, memory.ErrInvalidRegion):
		return StatusOutOfBounds
	case errors.Is(err, ErrVerificationFailed), errors.Is(err, firmware.ErrChecksumMismatch):
		return StatusVerificationFailed
	default:
		// storage and link failures
		return StatusHardwareError
	}
}
