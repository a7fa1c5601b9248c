// Package flasher provisions an application image into the emulated board's
// flash through the memory manager, the same path the protocol handlers use.
package flasher

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bigbag/canboot/internal/firmware"
	"github.com/bigbag/canboot/internal/memory"
)

// BlockSize is how much is programmed and read back per step.
const BlockSize = 1024

// ErrReadBack is returned when flash does not hold what was just written.
var ErrReadBack = errors.New("flasher: read-back mismatch")

// ProgressCallback is called to report flash progress.
type ProgressCallback func(current, total int)

// Flasher writes images into the application region.
type Flasher struct {
	mem       *memory.Manager
	validator *firmware.Validator
	progress  ProgressCallback
	readBack  [BlockSize]byte
}

// New creates a Flasher over mem. validator supplies the checksum policy
// used for verification.
func New(mem *memory.Manager, validator *firmware.Validator) *Flasher {
	return &Flasher{mem: mem, validator: validator}
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// Blocks returns how many progress steps an image of n bytes takes.
func Blocks(n int) int {
	return (n + BlockSize - 1) / BlockSize
}

// FlashImage erases the pages covering data at address and writes it block
// by block, reading every block back. With verify set the checksum of the
// written range is also compared with the image. data is padded with erased
// bytes to a whole word. It returns the checksum of the padded image.
func (f *Flasher) FlashImage(data []byte, address uint32, verify bool) (uint32, error) {
	if len(data) == 0 {
		return 0, errors.New("empty image")
	}
	image := pad(data)
	size := uint32(len(image))
	eraseSize := (size + memory.PageSize - 1) / memory.PageSize * memory.PageSize

	if err := f.mem.Erase(address, eraseSize); err != nil {
		return 0, fmt.Errorf("erase failed: %w", err)
	}

	totalBlocks := Blocks(len(image))
	for seq := 0; seq < totalBlocks; seq++ {
		start := seq * BlockSize
		end := start + BlockSize
		if end > len(image) {
			end = len(image)
		}
		at := address + uint32(start)

		if err := f.mem.Write(at, image[start:end]); err != nil {
			return 0, fmt.Errorf("write block %d at 0x%08X failed: %w", seq, at, err)
		}
		back := f.readBack[:end-start]
		if err := f.mem.Read(at, back); err != nil {
			return 0, fmt.Errorf("read back block %d failed: %w", seq, err)
		}
		if !bytes.Equal(back, image[start:end]) {
			return 0, fmt.Errorf("%w: block %d at 0x%08X", ErrReadBack, seq, at)
		}

		f.reportProgress(seq+1, totalBlocks)
	}

	expected := firmware.Checksum(f.validator.Policy(), image)
	if verify {
		if err := f.validator.VerifyChecksum(f.mem, address, size, expected); err != nil {
			return 0, fmt.Errorf("verification failed: %w", err)
		}
	}
	return expected, nil
}

func pad(data []byte) []byte {
	rem := len(data) % memory.WordSize
	if rem == 0 {
		return data
	}
	out := make([]byte, len(data)+memory.WordSize-rem)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = 0xFF
	}
	return out
}
