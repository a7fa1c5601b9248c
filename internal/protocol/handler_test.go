package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/bigbag/canboot/internal/board"
	"github.com/bigbag/canboot/internal/firmware"
	"github.com/bigbag/canboot/internal/memory"
)

const appStart = memory.ApplicationStart

func newHandler(t *testing.T) (*Handler, *board.Flash) {
	t.Helper()
	flash := board.NewFlash()
	mem, err := memory.NewManager(flash, memory.DefaultLayout())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	v := firmware.NewValidator(firmware.DefaultRAM, firmware.PolicySum)
	return NewHandler(mem, v, NewSession(DefaultReadBufferSize)), flash
}

func enabledHandler(t *testing.T) (*Handler, *board.Flash) {
	t.Helper()
	h, flash := newHandler(t)
	h.Session().EnableProgramming()
	return h, flash
}

func handle(h *Handler, cmd Command, data []byte) (*Response, Result) {
	raw, res := h.Handle(NewRequest(cmd, data).Encode())
	resp, _ := DecodeResponse(append([]byte(nil), raw...))
	return resp, res
}

func TestHandle_GetProtocolVersion(t *testing.T) {
	h, _ := newHandler(t)
	resp, res := handle(h, CmdGetProtocolVersion, nil)

	if resp.Status != StatusOK || resp.Command != CmdGetProtocolVersion {
		t.Fatalf("response = %+v", resp)
	}
	if !bytes.Equal(resp.Data, []byte{1, 0, 0}) {
		t.Errorf("version = %v, want [1 0 0]", resp.Data)
	}
	if !res.Recognised {
		t.Error("Recognised = false")
	}
}

func TestHandle_ProgrammingGate(t *testing.T) {
	h, _ := newHandler(t)

	resp, _ := handle(h, CmdGetProgrammingEnabled, nil)
	if !bytes.Equal(resp.Data, []byte{0}) {
		t.Errorf("GetProgrammingEnabled before = %v, want [0]", resp.Data)
	}

	resp, _ = handle(h, CmdSetProgrammingEnabled, nil)
	if resp.Status != StatusOK {
		t.Errorf("SetProgrammingEnabled status = %v", resp.Status)
	}

	resp, _ = handle(h, CmdGetProgrammingEnabled, nil)
	if !bytes.Equal(resp.Data, []byte{1}) {
		t.Errorf("GetProgrammingEnabled after = %v, want [1]", resp.Data)
	}
}

func TestHandle_GatedWithoutProgramming(t *testing.T) {
	requests := []struct {
		cmd  Command
		data []byte
	}{
		{CmdEraseMemory, RangeData(appStart, memory.PageSize)},
		{CmdWriteData, WriteDataData(appStart, []byte{1, 2, 3, 4})},
		{CmdReadData, RangeData(appStart, 16)},
		{CmdGetChecksum, RangeData(appStart, 16)},
		// the gate is checked before the payload
		{CmdEraseMemory, nil},
	}

	for _, r := range requests {
		h, flash := newHandler(t)
		flash.ProgramRange(appStart, []byte{0xAA, 0xBB, 0xCC, 0xDD})

		resp, res := handle(h, r.cmd, r.data)
		if resp.Status != StatusProgrammingNotEnabled {
			t.Errorf("%s status = %v, want %v", r.cmd, resp.Status, StatusProgrammingNotEnabled)
		}
		if !errors.Is(res.Err, ErrProgrammingNotEnabled) {
			t.Errorf("%s err = %v, want %v", r.cmd, res.Err, ErrProgrammingNotEnabled)
		}
		if len(resp.Data) != 0 {
			t.Errorf("%s leaked %d payload bytes", r.cmd, len(resp.Data))
		}

		buf := make([]byte, 4)
		flash.ReadRange(appStart, buf)
		if !bytes.Equal(buf, []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
			t.Errorf("%s modified flash: % X", r.cmd, buf)
		}
	}
}

func TestHandle_InvalidCommand(t *testing.T) {
	h, _ := enabledHandler(t)
	raw, res := h.Handle([]byte{0x42, 0x00})

	if !bytes.Equal(raw, []byte{byte(StatusInvalidCommand), 0x42}) {
		t.Errorf("response = % X, want 01 42", raw)
	}
	if res.Recognised {
		t.Error("Recognised = true for unknown command")
	}
}

func TestHandle_EmptyMessage(t *testing.T) {
	h, _ := enabledHandler(t)
	raw, res := h.Handle(nil)

	if !bytes.Equal(raw, []byte{byte(StatusInvalidLength), 0x00}) {
		t.Errorf("response = % X, want 02 00", raw)
	}
	if res.Recognised {
		t.Error("Recognised = true for empty message")
	}
}

func TestHandle_ShortPayload(t *testing.T) {
	for _, cmd := range []Command{CmdEraseMemory, CmdWriteData, CmdReadData, CmdGetChecksum} {
		h, flash := enabledHandler(t)
		resp, _ := handle(h, cmd, []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x10, 0x00})
		if resp.Status != StatusInvalidLength {
			t.Errorf("%s status = %v, want %v", cmd, resp.Status, StatusInvalidLength)
		}
		if flash.Pages() != 0 {
			t.Errorf("%s touched flash", cmd)
		}
	}
}

func TestHandle_WriteLengthMismatch(t *testing.T) {
	h, flash := enabledHandler(t)
	data := WriteDataData(appStart, []byte{1, 2, 3, 4})
	binary.LittleEndian.PutUint32(data[4:8], 8)

	resp, _ := handle(h, CmdWriteData, data)
	if resp.Status != StatusInvalidLength {
		t.Errorf("status = %v, want %v", resp.Status, StatusInvalidLength)
	}
	if flash.Pages() != 0 {
		t.Error("mismatched write touched flash")
	}
}

func TestHandle_WriteReadBack(t *testing.T) {
	h, _ := enabledHandler(t)
	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i * 3)
	}

	// writing the same bytes twice succeeds both times
	for i := 0; i < 2; i++ {
		resp, res := handle(h, CmdWriteData, WriteDataData(appStart, payload))
		if resp.Status != StatusOK {
			t.Fatalf("write %d status = %v (%v)", i, resp.Status, res.Err)
		}
	}

	resp, _ := handle(h, CmdReadData, RangeData(appStart, 200))
	if !bytes.Equal(resp.Data, payload[:200]) {
		t.Errorf("ReadData = % X, want % X", resp.Data, payload[:200])
	}

	// rewriting after erase returns the new bytes, not stale ones
	handle(h, CmdEraseMemory, RangeData(appStart, memory.PageSize))
	fresh := []byte{0x11, 0x22, 0x33, 0x44}
	handle(h, CmdWriteData, WriteDataData(appStart, fresh))
	resp, _ = handle(h, CmdReadData, RangeData(appStart, 4))
	if !bytes.Equal(resp.Data, fresh) {
		t.Errorf("ReadData after rewrite = % X, want % X", resp.Data, fresh)
	}
}

func TestHandle_WriteVerificationFailed(t *testing.T) {
	h, flash := enabledHandler(t)
	flash.ClearOnly = true

	handle(h, CmdWriteData, WriteDataData(appStart, []byte{0x0F, 0x0F, 0x0F, 0x0F}))
	// without an erase the NOR model cannot set bits back
	resp, res := handle(h, CmdWriteData, WriteDataData(appStart, []byte{0xF0, 0xF0, 0xF0, 0xF0}))

	if resp.Status != StatusVerificationFailed {
		t.Errorf("status = %v, want %v", resp.Status, StatusVerificationFailed)
	}
	if !errors.Is(res.Err, ErrVerificationFailed) {
		t.Errorf("err = %v, want %v", res.Err, ErrVerificationFailed)
	}
}

func TestHandle_WriteErrors(t *testing.T) {
	tests := []struct {
		name    string
		address uint32
		data    []byte
		want    Status
	}{
		{"unaligned address", appStart + 2, []byte{1, 2, 3, 4}, StatusAlignmentError},
		{"unaligned length", appStart, []byte{1, 2, 3}, StatusAlignmentError},
		{"bootloader", 0x00000100, []byte{1, 2, 3, 4}, StatusProtectedRegionAccess},
		{"configuration", memory.ConfigurationStart, []byte{1, 2, 3, 4}, StatusProtectedRegionAccess},
		{"past application", 0x000FFFFC, []byte{1, 2, 3, 4, 5, 6, 7, 8}, StatusOutOfBounds},
		{"unmapped", 0x00200000, []byte{1, 2, 3, 4}, StatusOutOfBounds},
		{"empty", appStart, nil, StatusOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, flash := enabledHandler(t)
			resp, _ := handle(h, CmdWriteData, WriteDataData(tt.address, tt.data))
			if resp.Status != tt.want {
				t.Errorf("status = %v, want %v", resp.Status, tt.want)
			}
			if flash.Pages() != 0 {
				t.Error("rejected write touched flash")
			}
		})
	}
}

func TestHandle_EraseErrors(t *testing.T) {
	tests := []struct {
		name    string
		address uint32
		length  uint32
		want    Status
	}{
		{"last page", 0x000FF000, memory.PageSize, StatusOK},
		{"unaligned", appStart + 4, memory.PageSize, StatusAlignmentError},
		{"bootloader", 0x0000F000, memory.PageSize, StatusProtectedRegionAccess},
		{"spans into bootloader", 0x0000F000, 2 * memory.PageSize, StatusProtectedRegionAccess},
		{"past application", 0x000FF000, 2 * memory.PageSize, StatusOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := enabledHandler(t)
			resp, _ := handle(h, CmdEraseMemory, RangeData(tt.address, tt.length))
			if resp.Status != tt.want {
				t.Errorf("status = %v, want %v", resp.Status, tt.want)
			}
		})
	}
}

func TestHandle_EraseThenChecksum(t *testing.T) {
	h, flash := enabledHandler(t)
	flash.ProgramRange(appStart, []byte{0, 0, 0, 0, 1, 2, 3, 4})

	resp, _ := handle(h, CmdEraseMemory, RangeData(appStart, memory.PageSize))
	if resp.Status != StatusOK {
		t.Fatalf("erase status = %v", resp.Status)
	}

	resp, _ = handle(h, CmdGetChecksum, RangeData(appStart, memory.PageSize))
	if resp.Status != StatusOK {
		t.Fatalf("checksum status = %v", resp.Status)
	}
	sum, _ := resp.Uint32()
	erased := bytes.Repeat([]byte{0xFF}, memory.PageSize)
	if want := firmware.Checksum(firmware.PolicySum, erased); sum != want {
		t.Errorf("checksum = 0x%08X, want 0x%08X", sum, want)
	}
}

func TestHandle_ReadCapped(t *testing.T) {
	h, _ := enabledHandler(t)
	resp, _ := handle(h, CmdReadData, RangeData(appStart, 4096))

	if resp.Status != StatusOK {
		t.Fatalf("status = %v", resp.Status)
	}
	if len(resp.Data) != DefaultReadBufferSize {
		t.Errorf("ReadData returned %d bytes, want %d", len(resp.Data), DefaultReadBufferSize)
	}
}

func TestHandle_ProtectedReads(t *testing.T) {
	for _, cmd := range []Command{CmdReadData, CmdGetChecksum} {
		h, _ := enabledHandler(t)

		resp, _ := handle(h, cmd, RangeData(0x00000000, 16))
		if resp.Status != StatusProtectedRegionAccess {
			t.Errorf("%s bootloader status = %v, want %v", cmd, resp.Status, StatusProtectedRegionAccess)
		}
		resp, _ = handle(h, cmd, RangeData(memory.ConfigurationStart, 16))
		if resp.Status != StatusProtectedRegionAccess {
			t.Errorf("%s configuration status = %v, want %v", cmd, resp.Status, StatusProtectedRegionAccess)
		}

		h.Session().AllowProtectedReads = true
		resp, _ = handle(h, cmd, RangeData(0x00000000, 16))
		if resp.Status != StatusOK {
			t.Errorf("%s with AllowProtectedReads status = %v, want OK", cmd, resp.Status)
		}
	}
}

func TestHandle_HardwareError(t *testing.T) {
	h, flash := enabledHandler(t)
	flash.FailErase = errors.New("flash busy")

	resp, res := handle(h, CmdEraseMemory, RangeData(appStart, memory.PageSize))
	if resp.Status != StatusHardwareError {
		t.Errorf("status = %v, want %v", resp.Status, StatusHardwareError)
	}
	if !memory.IsHardwareError(res.Err) {
		t.Errorf("err = %v, want HardwareError", res.Err)
	}
}

func TestHandle_Reboot(t *testing.T) {
	h, _ := enabledHandler(t)
	raw, res := h.Handle([]byte{byte(CmdReboot)})

	if !bytes.Equal(raw, []byte{0x00, 0x08}) {
		t.Errorf("response = % X, want 00 08", raw)
	}
	if !res.Reboot {
		t.Error("Reboot = false")
	}
}
