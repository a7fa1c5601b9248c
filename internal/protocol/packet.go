package protocol

import (
	"encoding/binary"
	"fmt"
)

// Request is one command message: the command byte followed by its payload.
type Request struct {
	Command Command
	Data    []byte
}

// NewRequest creates a new request.
func NewRequest(cmd Command, data []byte) *Request {
	return &Request{Command: cmd, Data: data}
}

// Encode serializes the request for the message link.
func (r *Request) Encode() []byte {
	// Message format:
	// 0: command
	// 1+: command specific payload
	msg := make([]byte, 1+len(r.Data))
	msg[0] = byte(r.Command)
	copy(msg[1:], r.Data)
	return msg
}

// RangeData creates the payload for EraseMemory, ReadData and GetChecksum.
func RangeData(address, length uint32) []byte {
	data := make([]byte, rangeHeaderLen)
	binary.LittleEndian.PutUint32(data[0:4], address)
	binary.LittleEndian.PutUint32(data[4:8], length)
	return data
}

// WriteDataData creates the payload for WriteData.
func WriteDataData(address uint32, payload []byte) []byte {
	data := make([]byte, rangeHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(data[0:4], address)
	binary.LittleEndian.PutUint32(data[4:8], uint32(len(payload)))
	copy(data[rangeHeaderLen:], payload)
	return data
}

// parseRange splits a range-addressed payload. extra reports whether bytes
// may follow the header (WriteData); otherwise the payload must be exactly
// the header.
func parseRange(cmd Command, data []byte, extra bool) (address, length uint32, rest []byte, err error) {
	if len(data) < rangeHeaderLen {
		return 0, 0, nil, invalidLength(cmd, "payload %d bytes, want at least %d", len(data), rangeHeaderLen)
	}
	if !extra && len(data) != rangeHeaderLen {
		return 0, 0, nil, invalidLength(cmd, "payload %d bytes, want %d", len(data), rangeHeaderLen)
	}
	address = binary.LittleEndian.Uint32(data[0:4])
	length = binary.LittleEndian.Uint32(data[4:8])
	return address, length, data[rangeHeaderLen:], nil
}

// Response is a decoded response message.
type Response struct {
	Status  Status
	Command Command
	Data    []byte
}

// DecodeResponse parses a response message.
func DecodeResponse(msg []byte) (*Response, error) {
	// Minimum response is status + command
	if len(msg) < 2 {
		return nil, fmt.Errorf("response too short: %d bytes", len(msg))
	}
	return &Response{
		Status:  Status(msg[0]),
		Command: Command(msg[1]),
		Data:    msg[2:],
	}, nil
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status == StatusOK
}

// ErrorString returns a human-readable error message.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("%s: status=0x%02X (%s)", r.Command, byte(r.Status), StatusMessage(r.Status))
}

// Uint32 returns the little-endian word at the start of Data.
func (r *Response) Uint32() (uint32, error) {
	if len(r.Data) < 4 {
		return 0, fmt.Errorf("response data too short: %d bytes", len(r.Data))
	}
	return binary.LittleEndian.Uint32(r.Data[:4]), nil
}
