package protocol

// Default session parameters.
const (
	DefaultReadBufferSize = 256

	// MaxReadBufferSize keeps a ReadData response within one segmented
	// message.
	MaxReadBufferSize = 4093
)

// Session is the per-boot protocol state.
type Session struct {
	programmingEnabled bool

	// ReadBufferSize caps the payload of a ReadData response.
	ReadBufferSize int

	// AllowProtectedReads lets ReadData and GetChecksum cover the bootloader
	// and configuration regions.
	AllowProtectedReads bool
}

// NewSession returns a session with programming disabled.
func NewSession(readBufferSize int) *Session {
	if readBufferSize <= 0 {
		readBufferSize = DefaultReadBufferSize
	}
	if readBufferSize > MaxReadBufferSize {
		readBufferSize = MaxReadBufferSize
	}
	return &Session{ReadBufferSize: readBufferSize}
}

// ProgrammingEnabled reports whether gated commands are accepted.
func (s *Session) ProgrammingEnabled() bool {
	return s.programmingEnabled
}

// EnableProgramming opens the gate.
func (s *Session) EnableProgramming() {
	s.programmingEnabled = true
}

// Reset closes the gate. It runs on exit from programming mode and on reboot.
func (s *Session) Reset() {
	s.programmingEnabled = false
}
