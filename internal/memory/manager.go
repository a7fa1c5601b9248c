package memory

// Storage is the flash access capability provided by the hardware layer.
// Implementations perform the raw operation only; all policy lives in Manager.
type Storage interface {
	EraseRange(address, length uint32) error
	ProgramRange(address uint32, data []byte) error
	ReadRange(address uint32, buf []byte) error
}

// Layout describes the three fixed flash regions.
type Layout struct {
	Bootloader    Region
	Application   Region
	Configuration Region
}

// Default region boundaries.
const (
	BootloaderStart    = 0x00000000
	BootloaderSize     = 0x00010000 // 64 KiB
	ApplicationStart   = 0x00010000
	ApplicationSize    = 0x000F0000 // 960 KiB
	ConfigurationStart = 0x01000000
	ConfigurationSize  = 0x00001000 // 4 KiB
)

// DefaultLayout returns the compiled-in flash partition.
func DefaultLayout() Layout {
	return Layout{
		Bootloader:    Region{Name: "bootloader", Start: BootloaderStart, Size: BootloaderSize, Protected: true},
		Application:   Region{Name: "application", Start: ApplicationStart, Size: ApplicationSize},
		Configuration: Region{Name: "configuration", Start: ConfigurationStart, Size: ConfigurationSize, Protected: true},
	}
}

// Manager mediates every access to flash. It owns the region table and the
// storage capability; no other component touches storage directly.
type Manager struct {
	storage Storage
	regions [3]Region
}

// NewManager validates the layout and returns a manager over storage.
// The bootloader and configuration regions are always treated as protected
// and the application region as writable, whatever the flags in layout say.
func NewManager(storage Storage, layout Layout) (*Manager, error) {
	if storage == nil {
		panic("storage cannot be nil")
	}

	boot, err := NewRegion("bootloader", layout.Bootloader.Start, layout.Bootloader.Size, true)
	if err != nil {
		return nil, err
	}
	app, err := NewRegion("application", layout.Application.Start, layout.Application.Size, false)
	if err != nil {
		return nil, err
	}
	cfg, err := NewRegion("configuration", layout.Configuration.Start, layout.Configuration.Size, true)
	if err != nil {
		return nil, err
	}

	if boot.Overlaps(app) || boot.Overlaps(cfg) || app.Overlaps(cfg) {
		return nil, ErrRegionOverlap
	}

	return &Manager{
		storage: storage,
		regions: [3]Region{boot, app, cfg},
	}, nil
}

// Bootloader returns the bootloader region.
func (m *Manager) Bootloader() Region { return m.regions[0] }

// Application returns the application region.
func (m *Manager) Application() Region { return m.regions[1] }

// Configuration returns the configuration region.
func (m *Manager) Configuration() Region { return m.regions[2] }

// Regions returns all regions in address-table order.
func (m *Manager) Regions() []Region {
	out := make([]Region, len(m.regions))
	copy(out, m.regions[:])
	return out
}

// IsProtected reports whether address falls in the bootloader or
// configuration region.
func (m *Manager) IsProtected(address uint32) bool {
	return m.Bootloader().Contains(address) || m.Configuration().Contains(address)
}

// Resolve returns the single region containing [address, address+length).
func (m *Manager) Resolve(address, length uint32) (Region, error) {
	for _, r := range m.regions {
		if r.ContainsRange(address, length) {
			return r, nil
		}
	}
	return Region{}, ErrInvalidRegion
}

// Erase erases whole pages inside the application region.
func (m *Manager) Erase(address, length uint32) error {
	if address%PageSize != 0 || length%PageSize != 0 {
		return ErrRegionNotAligned
	}
	if err := m.checkWritable(address, length); err != nil {
		return err
	}

	if err := m.storage.EraseRange(address, length); err != nil {
		return &HardwareError{Op: "erase", Address: address, Length: length, Err: err}
	}
	return nil
}

// Write programs data at address inside the application region. Callers are
// expected to verify the result with Read.
func (m *Manager) Write(address uint32, data []byte) error {
	if address%WordSize != 0 || len(data)%WordSize != 0 {
		return ErrRegionNotAligned
	}
	if uint64(len(data)) > 1<<32-1 {
		return ErrInvalidRegion
	}
	length := uint32(len(data))
	if err := m.checkWritable(address, length); err != nil {
		return err
	}

	if err := m.storage.ProgramRange(address, data); err != nil {
		return &HardwareError{Op: "program", Address: address, Length: length, Err: err}
	}
	return nil
}

// Read fills buf from address. Any defined region may be read, but the range
// must lie inside a single one.
func (m *Manager) Read(address uint32, buf []byte) error {
	if uint64(len(buf)) > 1<<32-1 {
		return ErrInvalidRegion
	}
	length := uint32(len(buf))
	if _, err := m.Resolve(address, length); err != nil {
		return err
	}

	if err := m.storage.ReadRange(address, buf); err != nil {
		return &HardwareError{Op: "read", Address: address, Length: length, Err: err}
	}
	return nil
}

// checkWritable is run in full by every mutating call.
func (m *Manager) checkWritable(address, length uint32) error {
	if length == 0 || uint64(address)+uint64(length) > 1<<32 {
		return ErrInvalidRegion
	}
	for _, r := range m.regions {
		if r.Protected && r.Intersects(address, length) {
			return ErrProtectedRegionAccess
		}
	}
	if !m.Application().ContainsRange(address, length) {
		return ErrInvalidRegion
	}
	return nil
}
