// Package slcan speaks the Lawicel ASCII protocol used by serial CAN
// adapters (CANable, USBtin, CANUSB and friends).
package slcan

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/bigbag/canboot/internal/can"
)

const (
	CR   = '\r'
	Bell = 0x07 // adapter error reply
)

// Bitrate commands, S0..S8.
var bitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// BitrateCommand returns the "Sn" setup command for bitrate.
func BitrateCommand(bitrate int) ([]byte, error) {
	code, ok := bitrates[bitrate]
	if !ok {
		return nil, fmt.Errorf("slcan: unsupported bitrate %d", bitrate)
	}
	return []byte{'S', code, CR}, nil
}

// Encode formats a frame as tIIILDD..\r or TIIIIIIIILDD..\r.
func Encode(f can.Frame) []byte {
	payload := f.Payload()
	result := make([]byte, 0, 1+8+1+2*len(payload)+1)

	if f.Extended {
		result = append(result, 'T')
		result = append(result, fmt.Sprintf("%08X", f.ID)...)
	} else {
		result = append(result, 't')
		result = append(result, fmt.Sprintf("%03X", f.ID)...)
	}
	result = append(result, '0'+byte(len(payload)))

	for _, b := range payload {
		result = append(result, hexDigit(b>>4), hexDigit(b&0x0F))
	}

	result = append(result, CR)
	return result
}

func hexDigit(n byte) byte {
	return "0123456789ABCDEF"[n]
}

// Decode parses one frame line, with or without the trailing CR.
func Decode(line []byte) (can.Frame, error) {
	if n := len(line); n > 0 && line[n-1] == CR {
		line = line[:n-1]
	}
	if len(line) == 0 {
		return can.Frame{}, fmt.Errorf("slcan: empty line")
	}

	var f can.Frame
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		idLen = 8
		f.Extended = true
	default:
		return f, fmt.Errorf("slcan: not a data frame: %q", line)
	}

	if len(line) < 1+idLen+1 {
		return f, fmt.Errorf("slcan: short frame: %q", line)
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return f, fmt.Errorf("slcan: bad identifier: %w", err)
	}
	f.ID = uint32(id)

	dlc := line[1+idLen]
	if dlc < '0' || dlc > '8' {
		return f, fmt.Errorf("slcan: bad length %q", dlc)
	}
	f.Len = dlc - '0'

	data := line[2+idLen:]
	if len(data) != 2*int(f.Len) {
		return f, fmt.Errorf("slcan: %d data digits for length %d", len(data), f.Len)
	}
	if _, err := hex.Decode(f.Data[:], data); err != nil {
		return f, fmt.Errorf("slcan: bad data: %w", err)
	}
	return f, f.Validate()
}

// ReadFrame extracts one line from a byte stream.
// Returns the line (including its terminator) and remaining bytes.
func ReadFrame(data []byte) (line []byte, remaining []byte) {
	for i, b := range data {
		if b == CR || b == Bell {
			return data[:i+1], data[i+1:]
		}
	}

	// Line not complete yet
	return nil, data
}
