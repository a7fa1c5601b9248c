// Package socketcan is a can.Transport over a Linux raw CAN socket.
package socketcan

import (
	"encoding/binary"
	"fmt"

	"github.com/bigbag/canboot/internal/can"
)

// FrameSize is the size of struct can_frame.
const FrameSize = 16

// can_id flag bits
const (
	effFlag = 0x80000000
	rtrFlag = 0x40000000
	errFlag = 0x20000000
	effMask = 0x1FFFFFFF
	sffMask = 0x000007FF
)

// marshal lays f out as struct can_frame.
func marshal(f can.Frame, out *[FrameSize]byte) {
	id := f.ID & sffMask
	if f.Extended {
		id = f.ID&effMask | effFlag
	}
	*out = [FrameSize]byte{}
	binary.NativeEndian.PutUint32(out[0:4], id)
	out[4] = f.Len
	copy(out[8:], f.Data[:])
}

// unmarshal decodes struct can_frame. ok is false for remote and error
// frames, which the bootloader never consumes.
func unmarshal(raw []byte) (f can.Frame, ok bool, err error) {
	if len(raw) < FrameSize {
		return f, false, fmt.Errorf("%w: short read of %d bytes", can.ErrInvalidFrame, len(raw))
	}
	id := binary.NativeEndian.Uint32(raw[0:4])
	if id&(rtrFlag|errFlag) != 0 {
		return f, false, nil
	}
	if id&effFlag != 0 {
		f.ID = id & effMask
		f.Extended = true
	} else {
		f.ID = id & sffMask
	}
	f.Len = raw[4]
	if f.Len > can.MaxDataLen {
		return f, false, fmt.Errorf("%w: dlc %d", can.ErrInvalidFrame, f.Len)
	}
	copy(f.Data[:], raw[8:FrameSize])
	return f, true, nil
}
