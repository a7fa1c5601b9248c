package socketcan

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/bigbag/canboot/internal/can"
)

func TestMarshal_Standard(t *testing.T) {
	f, _ := can.NewFrame(0x7E8, []byte{0x02, 0x00, 0x01})
	var raw [FrameSize]byte
	marshal(f, &raw)

	if id := binary.NativeEndian.Uint32(raw[0:4]); id != 0x7E8 {
		t.Errorf("can_id = 0x%X, want 0x7E8", id)
	}
	if raw[4] != 3 {
		t.Errorf("can_dlc = %d, want 3", raw[4])
	}
	if raw[8] != 0x02 || raw[9] != 0x00 || raw[10] != 0x01 {
		t.Errorf("data = % X", raw[8:])
	}
}

func TestMarshal_Extended(t *testing.T) {
	f, _ := can.NewFrame(0x18DA00F1, []byte{0xAB})
	var raw [FrameSize]byte
	marshal(f, &raw)

	if id := binary.NativeEndian.Uint32(raw[0:4]); id != 0x18DA00F1|effFlag {
		t.Errorf("can_id = 0x%X, want 0x%X", id, 0x18DA00F1|effFlag)
	}
}

func TestUnmarshal_RoundTrip(t *testing.T) {
	for _, id := range []uint32{0x000, 0x7E0, 0x800, 0x1FFFFFFF} {
		f, _ := can.NewFrame(id, []byte{1, 2, 3, 4, 5, 6, 7, 8})
		var raw [FrameSize]byte
		marshal(f, &raw)

		got, ok, err := unmarshal(raw[:])
		if err != nil || !ok {
			t.Fatalf("unmarshal(0x%X) = %v, %v", id, ok, err)
		}
		if got != f {
			t.Errorf("unmarshal(0x%X) = %v, want %v", id, got, f)
		}
	}
}

func TestUnmarshal_SkipsRemoteAndError(t *testing.T) {
	for _, flag := range []uint32{rtrFlag, errFlag} {
		var raw [FrameSize]byte
		binary.NativeEndian.PutUint32(raw[0:4], 0x7E0|flag)
		if _, ok, err := unmarshal(raw[:]); ok || err != nil {
			t.Errorf("unmarshal(flag 0x%X) = %v, %v, want skipped", flag, ok, err)
		}
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	if _, _, err := unmarshal(make([]byte, 8)); !errors.Is(err, can.ErrInvalidFrame) {
		t.Errorf("unmarshal(short) error = %v, want %v", err, can.ErrInvalidFrame)
	}

	var raw [FrameSize]byte
	raw[4] = 9
	if _, _, err := unmarshal(raw[:]); !errors.Is(err, can.ErrInvalidFrame) {
		t.Errorf("unmarshal(dlc 9) error = %v, want %v", err, can.ErrInvalidFrame)
	}
}
