package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrRegionNotAligned is returned when an address or length violates the
	// page (erase) or word (write) granularity.
	ErrRegionNotAligned = errors.New("memory: region not aligned")

	// ErrInvalidRegion is returned when a range is empty, overflows, or is not
	// contained in the region the operation is allowed on.
	ErrInvalidRegion = errors.New("memory: invalid region")

	// ErrProtectedRegionAccess is returned when a mutating range touches the
	// bootloader or configuration region.
	ErrProtectedRegionAccess = errors.New("memory: protected region access")

	// ErrRegionOverlap is returned by NewManager for an inconsistent layout.
	ErrRegionOverlap = errors.New("memory: regions overlap")
)

// HardwareError wraps a failure reported by the storage collaborator.
type HardwareError struct {
	Op      string
	Address uint32
	Length  uint32
	Err     error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("memory: hardware %s failed at 0x%08X (+%d): %v", e.Op, e.Address, e.Length, e.Err)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}

// IsHardwareError returns true if err is or wraps a HardwareError.
func IsHardwareError(err error) bool {
	var hw *HardwareError
	return errors.As(err, &hw)
}
