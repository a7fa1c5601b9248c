package memory

import "fmt"

// PageSize is the flash erase granularity.
const PageSize = 0x1000

// WordSize is the flash programming granularity.
const WordSize = 4

// ErasedWord is the value of a word in erased flash.
const ErasedWord = 0xFFFFFFFF

// Region is a fixed slice of the flash address space.
type Region struct {
	Name      string
	Start     uint32
	Size      uint32
	Protected bool
}

// NewRegion creates a region, checking page alignment and that it does not
// wrap past the end of the 32-bit address space.
func NewRegion(name string, start, size uint32, protected bool) (Region, error) {
	if start%PageSize != 0 || size%PageSize != 0 {
		return Region{}, ErrRegionNotAligned
	}
	if size == 0 || uint64(start)+uint64(size) > 1<<32 {
		return Region{}, ErrInvalidRegion
	}
	return Region{Name: name, Start: start, Size: size, Protected: protected}, nil
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return uint64(r.Start) + uint64(r.Size)
}

// Contains reports whether address lies inside the region.
func (r Region) Contains(address uint32) bool {
	return address >= r.Start && uint64(address) < r.End()
}

// ContainsRange reports whether [address, address+length) lies entirely inside
// the region. Empty ranges are never contained.
func (r Region) ContainsRange(address, length uint32) bool {
	if length == 0 {
		return false
	}
	return address >= r.Start && uint64(address)+uint64(length) <= r.End()
}

// Intersects reports whether [address, address+length) shares any byte with
// the region.
func (r Region) Intersects(address, length uint32) bool {
	if length == 0 {
		return false
	}
	return uint64(address) < r.End() && uint64(r.Start) < uint64(address)+uint64(length)
}

// Overlaps reports whether two regions share any byte.
func (r Region) Overlaps(o Region) bool {
	return uint64(r.Start) < o.End() && uint64(o.Start) < r.End()
}

func (r Region) String() string {
	kind := "writable"
	if r.Protected {
		kind = "protected"
	}
	return fmt.Sprintf("%s [0x%08X, 0x%08X) %s", r.Name, r.Start, r.End(), kind)
}
