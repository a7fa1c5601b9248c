// Package isotp carries messages longer than one CAN frame using ISO 15765-2
// style segmentation: single frames, a first frame followed by consecutive
// frames, and flow control from the receiver.
package isotp

import (
	"errors"
	"fmt"
	"time"

	"github.com/bigbag/canboot/internal/can"
)

// MaxMessageLen is the largest message a 12-bit first frame length can carry.
const MaxMessageLen = 4095

// Protocol control information, high nibble of byte 0.
const (
	pciSingle      = 0x0
	pciFirst       = 0x1
	pciConsecutive = 0x2
	pciFlowControl = 0x3
)

// Flow status, low nibble of a flow control frame.
const (
	flowContinue = 0x0
	flowWait     = 0x1
	flowOverflow = 0x2
)

// PadByte fills unused bytes of transmitted frames.
const PadByte = 0xCC

const maxWaitFrames = 16

var (
	// ErrSequence is returned when a consecutive frame arrives out of order.
	ErrSequence = errors.New("isotp: consecutive frame out of sequence")

	// ErrMalformed is returned for a frame whose PCI cannot start a message.
	ErrMalformed = errors.New("isotp: malformed frame")

	// ErrOverflow is returned when a message does not fit the peer's or our
	// receive buffer.
	ErrOverflow = errors.New("isotp: message too long")

	// ErrAborted is returned when the peer keeps asking to wait.
	ErrAborted = errors.New("isotp: transfer aborted")

	// ErrIncomplete is returned when a first frame was accepted but the
	// consecutive frames stopped before the message was complete.
	ErrIncomplete = errors.New("isotp: transfer incomplete")
)

// Config holds addressing and timing for a Link.
type Config struct {
	// TxID is used for everything we send, RxID filters what we receive.
	TxID uint32
	RxID uint32

	// BlockSize and STmin are advertised in our flow control frames.
	// BlockSize 0 lets the sender transmit the whole message at once.
	BlockSize uint8
	STmin     uint8

	// Timeout bounds each wait inside a transfer (N_Bs and N_Cr).
	Timeout time.Duration

	// BufferSize is the receive buffer; longer messages are refused.
	BufferSize int
}

// DefaultConfig returns the request/response identifiers of the bootloader.
func DefaultConfig() Config {
	return Config{
		TxID:       0x7E8,
		RxID:       0x7E0,
		BlockSize:  0,
		STmin:      0,
		Timeout:    time.Second,
		BufferSize: MaxMessageLen,
	}
}

// HostConfig is DefaultConfig seen from the host end of the bus: requests go
// out on 0x7E0 and responses are taken from 0x7E8.
func HostConfig() Config {
	cfg := DefaultConfig()
	cfg.TxID, cfg.RxID = cfg.RxID, cfg.TxID
	return cfg
}

// Link sends and receives whole messages over a frame transport. It is not
// safe for concurrent use.
type Link struct {
	tr  can.Transport
	cfg Config
	buf []byte
}

// NewLink wraps tr. The receive buffer is allocated once here.
func NewLink(tr can.Transport, cfg Config) *Link {
	if cfg.BufferSize <= 0 || cfg.BufferSize > MaxMessageLen {
		cfg.BufferSize = MaxMessageLen
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &Link{
		tr:  can.Filter{Transport: tr, ID: cfg.RxID},
		cfg: cfg,
		buf: make([]byte, cfg.BufferSize),
	}
}

// Config returns the link configuration.
func (l *Link) Config() Config {
	return l.cfg
}

func (l *Link) frame(payload []byte) can.Frame {
	f := can.Frame{ID: l.cfg.TxID, Extended: l.cfg.TxID > can.MaxStandardID, Len: can.MaxDataLen}
	n := copy(f.Data[:], payload)
	for i := n; i < can.MaxDataLen; i++ {
		f.Data[i] = PadByte
	}
	return f
}

// Send transmits msg, segmenting it when it does not fit a single frame.
func (l *Link) Send(msg []byte) error {
	if len(msg) == 0 {
		return ErrMalformed
	}
	if len(msg) > MaxMessageLen {
		return fmt.Errorf("%w: %d bytes", ErrOverflow, len(msg))
	}

	var hdr [can.MaxDataLen]byte
	if len(msg) <= 7 {
		hdr[0] = pciSingle<<4 | byte(len(msg))
		n := copy(hdr[1:], msg)
		return l.tr.Transmit(l.frame(hdr[:1+n]))
	}

	hdr[0] = pciFirst<<4 | byte(len(msg)>>8)
	hdr[1] = byte(len(msg))
	sent := copy(hdr[2:], msg)
	if err := l.tr.Transmit(l.frame(hdr[:])); err != nil {
		return err
	}

	seq := byte(1)
	for sent < len(msg) {
		bs, stmin, err := l.awaitFlowControl()
		if err != nil {
			return err
		}
		for block := 0; sent < len(msg) && (bs == 0 || block < int(bs)); block++ {
			if block > 0 && stmin > 0 {
				time.Sleep(stmin)
			}
			hdr[0] = pciConsecutive<<4 | seq&0x0F
			n := copy(hdr[1:], msg[sent:])
			if err := l.tr.Transmit(l.frame(hdr[:1+n])); err != nil {
				return err
			}
			sent += n
			seq++
		}
	}
	return nil
}

func (l *Link) awaitFlowControl() (uint8, time.Duration, error) {
	for waits := 0; ; waits++ {
		f, err := l.tr.Receive(l.cfg.Timeout)
		if err != nil {
			return 0, 0, fmt.Errorf("isotp: waiting for flow control: %w", err)
		}
		p := f.Payload()
		if len(p) < 3 || p[0]>>4 != pciFlowControl {
			continue
		}
		switch p[0] & 0x0F {
		case flowContinue:
			return p[1], decodeSTmin(p[2]), nil
		case flowWait:
			if waits >= maxWaitFrames {
				return 0, 0, ErrAborted
			}
		case flowOverflow:
			return 0, 0, ErrOverflow
		default:
			return 0, 0, ErrMalformed
		}
	}
}

// Receive waits up to timeout for the start of a message and then reassembles
// it. The returned slice aliases the link's buffer and is only valid until the
// next call. A timeout before any frame arrived is can.ErrTimeout; a timeout
// after a first frame was accepted is ErrIncomplete.
func (l *Link) Receive(timeout time.Duration) ([]byte, error) {
	f, err := l.tr.Receive(timeout)
	if err != nil {
		return nil, err
	}
	p := f.Payload()
	if len(p) == 0 {
		return nil, ErrMalformed
	}

	switch p[0] >> 4 {
	case pciSingle:
		n := int(p[0] & 0x0F)
		if n == 0 || n > len(p)-1 {
			return nil, ErrMalformed
		}
		if n > len(l.buf) {
			return nil, ErrOverflow
		}
		return l.buf[:copy(l.buf, p[1:1+n])], nil
	case pciFirst:
		if len(p) < can.MaxDataLen {
			return nil, ErrMalformed
		}
		return l.receiveSegmented(p)
	default:
		// a stray consecutive or flow control frame cannot start a message
		return nil, ErrMalformed
	}
}

func (l *Link) receiveSegmented(first []byte) ([]byte, error) {
	total := int(first[0]&0x0F)<<8 | int(first[1])
	if total <= 7 {
		return nil, ErrMalformed
	}
	if total > len(l.buf) {
		l.sendFlowControl(flowOverflow)
		return nil, fmt.Errorf("%w: %d bytes", ErrOverflow, total)
	}

	got := copy(l.buf, first[2:])
	seq := byte(1)
	for got < total {
		if err := l.sendFlowControl(flowContinue); err != nil {
			return nil, err
		}
		for block := 0; got < total && (l.cfg.BlockSize == 0 || block < int(l.cfg.BlockSize)); block++ {
			f, err := l.tr.Receive(l.cfg.Timeout)
			if errors.Is(err, can.ErrTimeout) {
				return nil, fmt.Errorf("%w: %d of %d bytes", ErrIncomplete, got, total)
			}
			if err != nil {
				return nil, fmt.Errorf("isotp: waiting for consecutive frame: %w", err)
			}
			p := f.Payload()
			if len(p) < 2 || p[0]>>4 != pciConsecutive {
				return nil, ErrMalformed
			}
			if p[0]&0x0F != seq&0x0F {
				return nil, fmt.Errorf("%w: got %d, want %d", ErrSequence, p[0]&0x0F, seq&0x0F)
			}
			n := total - got
			if n > len(p)-1 {
				n = len(p) - 1
			}
			got += copy(l.buf[got:], p[1:1+n])
			seq++
		}
	}
	return l.buf[:total], nil
}

func (l *Link) sendFlowControl(status byte) error {
	return l.tr.Transmit(l.frame([]byte{pciFlowControl<<4 | status, l.cfg.BlockSize, l.cfg.STmin}))
}

// decodeSTmin converts the separation time byte: 0x00-0x7F are milliseconds,
// 0xF1-0xF9 are 100-900 microseconds, anything else is treated as 127 ms.
func decodeSTmin(b byte) time.Duration {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	default:
		return 127 * time.Millisecond
	}
}
