package board

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/bigbag/canboot/internal/memory"
)

// Flash is a sparse, page-granular model of on-chip flash. Pages that were
// never programmed read back as the erased pattern.
//
// With ClearOnly set, programming behaves like NOR flash: bits can only be
// cleared, so rewriting a word without an erase ANDs the old and new values.
type Flash struct {
	ClearOnly bool

	// Injected failures, returned once and then cleared.
	FailErase   error
	FailProgram error
	FailRead    error

	pages map[uint32]*[memory.PageSize]byte
}

// NewFlash returns an empty (fully erased) flash.
func NewFlash() *Flash {
	return &Flash{pages: make(map[uint32]*[memory.PageSize]byte)}
}

func pageBase(address uint32) uint32 {
	return address &^ (memory.PageSize - 1)
}

func (f *Flash) page(base uint32, create bool) *[memory.PageSize]byte {
	p, ok := f.pages[base]
	if !ok && create {
		p = new([memory.PageSize]byte)
		for i := range p {
			p[i] = 0xFF
		}
		f.pages[base] = p
	}
	return p
}

func takeErr(slot *error) error {
	err := *slot
	*slot = nil
	return err
}

// EraseRange erases every page in [address, address+length). Both must be
// page aligned, matching what the flash controller accepts.
func (f *Flash) EraseRange(address, length uint32) error {
	if err := takeErr(&f.FailErase); err != nil {
		return err
	}
	if address%memory.PageSize != 0 || length%memory.PageSize != 0 {
		return fmt.Errorf("flash: erase 0x%08X+0x%X not page aligned", address, length)
	}
	end := uint64(address) + uint64(length)
	for a := uint64(address); a < end; a += memory.PageSize {
		delete(f.pages, uint32(a))
	}
	return nil
}

// ProgramRange programs data at address, one word at a time.
func (f *Flash) ProgramRange(address uint32, data []byte) error {
	if err := takeErr(&f.FailProgram); err != nil {
		return err
	}
	if address%memory.WordSize != 0 || len(data)%memory.WordSize != 0 {
		return fmt.Errorf("flash: program 0x%08X+%d not word aligned", address, len(data))
	}
	for i, b := range data {
		a := address + uint32(i)
		p := f.page(pageBase(a), true)
		off := a - pageBase(a)
		if f.ClearOnly {
			p[off] &= b
		} else {
			p[off] = b
		}
	}
	return nil
}

// ReadRange copies flash contents into buf.
func (f *Flash) ReadRange(address uint32, buf []byte) error {
	if err := takeErr(&f.FailRead); err != nil {
		return err
	}
	for i := range buf {
		a := address + uint32(i)
		p := f.page(pageBase(a), false)
		if p == nil {
			buf[i] = 0xFF
			continue
		}
		buf[i] = p[a-pageBase(a)]
	}
	return nil
}

// Pages returns the number of non-erased pages.
func (f *Flash) Pages() int {
	return len(f.pages)
}

// image file layout: magic, version, then (address, page) records
var imageMagic = [4]byte{'C', 'B', 'F', 'L'}

const imageVersion = 1

// Save writes all programmed pages to w.
func (f *Flash) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(imageMagic[:]); err != nil {
		return err
	}
	if err := bw.WriteByte(imageVersion); err != nil {
		return err
	}

	bases := make([]uint32, 0, len(f.pages))
	for base := range f.pages {
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	var hdr [4]byte
	for _, base := range bases {
		binary.LittleEndian.PutUint32(hdr[:], base)
		if _, err := bw.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := bw.Write(f.pages[base][:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load replaces the flash contents with pages read from r.
func (f *Flash) Load(r io.Reader) error {
	br := bufio.NewReader(r)

	var magic [5]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return errors.Wrap(err, "flash image header")
	}
	if [4]byte(magic[:4]) != imageMagic || magic[4] != imageVersion {
		return fmt.Errorf("flash image: bad header %X", magic)
	}

	pages := make(map[uint32]*[memory.PageSize]byte)
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrap(err, "flash image record")
		}
		base := binary.LittleEndian.Uint32(hdr[:])
		if base%memory.PageSize != 0 {
			return fmt.Errorf("flash image: record at 0x%08X not page aligned", base)
		}
		p := new([memory.PageSize]byte)
		if _, err := io.ReadFull(br, p[:]); err != nil {
			return errors.Wrapf(err, "flash image page 0x%08X", base)
		}
		pages[base] = p
	}

	f.pages = pages
	return nil
}

// SaveFile writes the flash image to path, replacing it atomically.
func (f *Flash) SaveFile(path string) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create flash image")
	}
	if err := f.Save(file); err != nil {
		file.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "write flash image")
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "close flash image")
	}
	return errors.Wrap(os.Rename(tmp, path), "replace flash image")
}

// LoadFile loads the flash image at path. A missing file leaves the flash
// erased.
func (f *Flash) LoadFile(path string) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "open flash image")
	}
	defer file.Close()
	return f.Load(file)
}
