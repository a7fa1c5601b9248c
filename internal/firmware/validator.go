package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bigbag/canboot/internal/memory"
)

var (
	// ErrChecksumMismatch is returned by VerifyChecksum.
	ErrChecksumMismatch = errors.New("firmware: checksum mismatch")
)

// RAM is the address range a valid initial stack pointer must point into.
type RAM struct {
	Start uint32
	Size  uint32
}

// DefaultRAM is the S32K148 SRAM_L + SRAM_U block.
var DefaultRAM = RAM{Start: 0x1FFE0000, Size: 0x00040000}

// contains accepts the top-of-RAM address itself, since a full descending
// stack starts one past its last usable word.
func (r RAM) contains(sp uint32) bool {
	return sp > r.Start && uint64(sp) <= uint64(r.Start)+uint64(r.Size)
}

const scratchSize = 256

// Validator inspects the application image and computes checksums. It keeps
// a fixed scratch buffer so checksumming a large range does not allocate.
type Validator struct {
	ram     RAM
	policy  ChecksumPolicy
	scratch [scratchSize]byte
}

// NewValidator creates a Validator for the given RAM range and policy.
func NewValidator(ram RAM, policy ChecksumPolicy) *Validator {
	return &Validator{ram: ram, policy: policy}
}

// Policy returns the checksum policy in use.
func (v *Validator) Policy() ChecksumPolicy {
	return v.policy
}

// Vectors holds the first two words of the application vector table.
type Vectors struct {
	StackPointer uint32
	ResetVector  uint32
}

// ReadVectors reads the initial stack pointer and reset vector.
func (v *Validator) ReadVectors(mem *memory.Manager) (Vectors, error) {
	buf := v.scratch[:8]
	if err := mem.Read(mem.Application().Start, buf); err != nil {
		return Vectors{}, err
	}
	return Vectors{
		StackPointer: binary.LittleEndian.Uint32(buf[0:4]),
		ResetVector:  binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// IsApplicationValid is a cheap sanity check of the vector table: neither word
// may be erased, the stack pointer must point into RAM and the reset vector
// (Thumb bit ignored) must point into the application region. Read failures
// count as invalid.
func (v *Validator) IsApplicationValid(mem *memory.Manager) bool {
	vec, err := v.ReadVectors(mem)
	if err != nil {
		return false
	}
	return v.checkVectors(mem.Application(), vec) == nil
}

// CheckApplication is IsApplicationValid with the reason for rejection.
func (v *Validator) CheckApplication(mem *memory.Manager) error {
	vec, err := v.ReadVectors(mem)
	if err != nil {
		return err
	}
	return v.checkVectors(mem.Application(), vec)
}

func (v *Validator) checkVectors(app memory.Region, vec Vectors) error {
	if vec.StackPointer == memory.ErasedWord || vec.ResetVector == memory.ErasedWord {
		return fmt.Errorf("vector table is erased (sp=0x%08X, reset=0x%08X)", vec.StackPointer, vec.ResetVector)
	}
	if vec.StackPointer%4 != 0 || !v.ram.contains(vec.StackPointer) {
		return fmt.Errorf("stack pointer 0x%08X outside RAM", vec.StackPointer)
	}
	if !app.Contains(vec.ResetVector &^ 1) {
		return fmt.Errorf("reset vector 0x%08X outside %s", vec.ResetVector, app.Name)
	}
	return nil
}

// CalculateChecksum accumulates the configured checksum over
// [address, address+length). Both must be word aligned and the range must lie
// inside one defined region.
func (v *Validator) CalculateChecksum(mem *memory.Manager, address, length uint32) (uint32, error) {
	if address%memory.WordSize != 0 || length%memory.WordSize != 0 {
		return 0, memory.ErrRegionNotAligned
	}
	if _, err := mem.Resolve(address, length); err != nil {
		return 0, err
	}

	acc := newAccumulator(v.policy)
	for done := uint32(0); done < length; {
		n := length - done
		if n > scratchSize {
			n = scratchSize
		}
		chunk := v.scratch[:n]
		if err := mem.Read(address+done, chunk); err != nil {
			return 0, err
		}
		acc.update(chunk)
		done += n
	}
	return acc.sum(), nil
}

// VerifyChecksum compares the checksum of a range against expected.
func (v *Validator) VerifyChecksum(mem *memory.Manager, address, length, expected uint32) error {
	sum, err := v.CalculateChecksum(mem, address, length)
	if err != nil {
		return err
	}
	if sum != expected {
		return fmt.Errorf("%w: 0x%08X != 0x%08X", ErrChecksumMismatch, sum, expected)
	}
	return nil
}
