package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/bigbag/canboot/internal/firmware"
	"github.com/bigbag/canboot/internal/memory"
)

const verifyChunk = 256

// Result describes how a request was handled.
type Result struct {
	Command Command
	Status  Status

	// Err is the cause of a non-OK status.
	Err error

	// Recognised is false for empty messages and unknown commands.
	Recognised bool

	// Reboot asks the caller to leave programming mode and restart.
	Reboot bool
}

// Handler executes requests against memory. Every request yields a
// response; malformed input is reported, never panics. Handler owns fixed
// response and verification buffers and is not safe for concurrent use.
type Handler struct {
	mem       *memory.Manager
	validator *firmware.Validator
	session   *Session

	resp   []byte
	verify [verifyChunk]byte
}

// NewHandler creates a Handler.
func NewHandler(mem *memory.Manager, validator *firmware.Validator, session *Session) *Handler {
	if mem == nil || validator == nil || session == nil {
		panic("protocol: nil dependency")
	}
	size := session.ReadBufferSize
	if size < 4 {
		size = 4
	}
	return &Handler{
		mem:       mem,
		validator: validator,
		session:   session,
		resp:      make([]byte, 2+size),
	}
}

// Session returns the session the handler gates on.
func (h *Handler) Session() *Session {
	return h.session
}

// Handle executes msg and returns the encoded response. The response aliases
// the handler's buffer and is valid until the next call.
func (h *Handler) Handle(msg []byte) ([]byte, Result) {
	if len(msg) == 0 {
		return h.reply(Result{Err: invalidLength(0, "empty message")}, 0)
	}

	cmd := Command(msg[0])
	res := Result{Command: cmd, Recognised: cmd.Known()}
	if !res.Recognised {
		res.Err = &Error{Status: StatusInvalidCommand, Command: cmd, Msg: "unknown command"}
		return h.reply(res, 0)
	}

	if cmd.Gated() && !h.session.ProgrammingEnabled() {
		res.Err = ErrProgrammingNotEnabled
		return h.reply(res, 0)
	}

	var n int
	data := msg[1:]
	switch cmd {
	case CmdGetProtocolVersion:
		n = copy(h.payload(), []byte{VersionMajor, VersionMinor, VersionPatch})
	case CmdSetProgrammingEnabled:
		h.session.EnableProgramming()
	case CmdGetProgrammingEnabled:
		h.payload()[0] = 0
		if h.session.ProgrammingEnabled() {
			h.payload()[0] = 1
		}
		n = 1
	case CmdEraseMemory:
		res.Err = h.erase(data)
	case CmdWriteData:
		res.Err = h.write(data)
	case CmdReadData:
		n, res.Err = h.read(data)
	case CmdGetChecksum:
		n, res.Err = h.checksum(data)
	case CmdReboot:
		res.Reboot = true
	}
	if res.Err != nil {
		n = 0
	}
	return h.reply(res, n)
}

func (h *Handler) payload() []byte {
	return h.resp[2:]
}

func (h *Handler) reply(res Result, n int) ([]byte, Result) {
	res.Status = StatusFor(res.Err)
	h.resp[0] = byte(res.Status)
	h.resp[1] = byte(res.Command)
	return h.resp[:2+n], res
}

func (h *Handler) erase(data []byte) error {
	address, length, _, err := parseRange(CmdEraseMemory, data, false)
	if err != nil {
		return err
	}
	return h.mem.Erase(address, length)
}

// write programs the data and then reads it back. Success is only reported
// when every byte matches.
func (h *Handler) write(data []byte) error {
	address, length, payload, err := parseRange(CmdWriteData, data, true)
	if err != nil {
		return err
	}
	if int(length) != len(payload) {
		return invalidLength(CmdWriteData, "length field %d, data %d bytes", length, len(payload))
	}

	if err := h.mem.Write(address, payload); err != nil {
		return err
	}

	for off := 0; off < len(payload); off += verifyChunk {
		end := off + verifyChunk
		if end > len(payload) {
			end = len(payload)
		}
		chunk := h.verify[:end-off]
		if err := h.mem.Read(address+uint32(off), chunk); err != nil {
			return err
		}
		if !bytes.Equal(chunk, payload[off:end]) {
			return ErrVerificationFailed
		}
	}
	return nil
}

func (h *Handler) read(data []byte) (int, error) {
	address, length, _, err := parseRange(CmdReadData, data, false)
	if err != nil {
		return 0, err
	}
	if length > uint32(h.session.ReadBufferSize) {
		length = uint32(h.session.ReadBufferSize)
	}
	if err := h.checkReadable(address, length); err != nil {
		return 0, err
	}

	out := h.payload()[:length]
	if err := h.mem.Read(address, out); err != nil {
		return 0, err
	}
	return len(out), nil
}

func (h *Handler) checksum(data []byte) (int, error) {
	address, length, _, err := parseRange(CmdGetChecksum, data, false)
	if err != nil {
		return 0, err
	}
	if err := h.checkReadable(address, length); err != nil {
		return 0, err
	}

	sum, err := h.validator.CalculateChecksum(h.mem, address, length)
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(h.payload(), sum)
	return 4, nil
}

// checkReadable denies host reads of the bootloader and configuration
// regions unless the session allows them.
func (h *Handler) checkReadable(address, length uint32) error {
	if h.session.AllowProtectedReads {
		return nil
	}
	if h.mem.Bootloader().Intersects(address, length) || h.mem.Configuration().Intersects(address, length) {
		return memory.ErrProtectedRegionAccess
	}
	return nil
}
