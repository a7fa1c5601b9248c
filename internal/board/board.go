// Package board emulates the hardware collaborators of the bootloader: flash,
// the entry pin and the jump trampoline. It lets the core run unchanged on a
// workstation, with frames coming from a real CAN interface or a loopback.
package board

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/bigbag/canboot/internal/firmware"
	"github.com/bigbag/canboot/internal/memory"
)

// Profile describes one microcontroller variant.
type Profile struct {
	Name   string
	Layout memory.Layout
	RAM    firmware.RAM
}

// Profiles lists the supported variants by name.
var Profiles = map[string]Profile{
	"s32k148": {
		Name:   "s32k148",
		Layout: memory.DefaultLayout(),
		RAM:    firmware.DefaultRAM,
	},
	"s32k118": {
		Name: "s32k118",
		Layout: memory.Layout{
			Bootloader:    memory.Region{Name: "bootloader", Start: 0x00000000, Size: 0x00008000, Protected: true},
			Application:   memory.Region{Name: "application", Start: 0x00008000, Size: 0x00038000},
			Configuration: memory.Region{Name: "configuration", Start: 0x10000000, Size: 0x00001000, Protected: true},
		},
		RAM: firmware.RAM{Start: 0x1FFFFC00, Size: 0x00005C00},
	},
}

// LookupProfile returns the named profile.
func LookupProfile(name string) (Profile, error) {
	p, ok := Profiles[strings.ToLower(name)]
	if !ok {
		names := make([]string, 0, len(Profiles))
		for n := range Profiles {
			names = append(names, n)
		}
		sort.Strings(names)
		return Profile{}, fmt.Errorf("unknown board profile %q (have %s)", name, strings.Join(names, ", "))
	}
	return p, nil
}

// ErrJumpRefused is returned by JumpToEntryPoint when jumps are disabled.
var ErrJumpRefused = errors.New("board: jump to application refused")

// Board is an emulated device. The entry pin may be toggled from another
// goroutine (e.g. a signal handler); everything else belongs to the
// bootloader's goroutine.
type Board struct {
	*Flash

	// RefuseJump makes JumpToEntryPoint fail, emulating a broken trampoline.
	RefuseJump bool

	pin   atomic.Bool
	jumps []uint32
}

// New returns a board with erased flash and the entry pin released.
func New() *Board {
	return &Board{Flash: NewFlash()}
}

// IsEntryPinActive reports the level of the backdoor pin.
func (b *Board) IsEntryPinActive() bool {
	return b.pin.Load()
}

// SetEntryPin drives the backdoor pin.
func (b *Board) SetEntryPin(active bool) {
	b.pin.Store(active)
}

// JumpToEntryPoint records the jump. On real hardware this never returns; the
// emulation returns nil to signal that control has left the bootloader.
func (b *Board) JumpToEntryPoint(address uint32) error {
	if b.RefuseJump {
		return ErrJumpRefused
	}
	b.jumps = append(b.jumps, address)
	return nil
}

// Jumps returns every address passed to JumpToEntryPoint.
func (b *Board) Jumps() []uint32 {
	return append([]uint32(nil), b.jumps...)
}
