package slcan

import (
	"bytes"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/canboot/internal/can"
)

// Port is the byte stream an adapter is attached to. *serial.Port
// implements it.
type Port interface {
	Write(data []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
}

const replyTimeout = 200 * time.Millisecond

// Transport exchanges CAN frames through an SLCAN adapter.
type Transport struct {
	port Port
	log  logrus.FieldLogger
	rx   []byte
	buf  [256]byte
}

// NewTransport wraps an already opened port. The channel is not opened yet.
func NewTransport(port Port, log logrus.FieldLogger) *Transport {
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	return &Transport{port: port, log: log}
}

// Open closes any open channel, sets the bitrate and opens the channel.
func (t *Transport) Open(bitrate int) error {
	setup, err := BitrateCommand(bitrate)
	if err != nil {
		return err
	}

	// a channel left open by a previous session rejects S, so close first and
	// ignore the answer
	t.command([]byte{'C', CR})
	if err := t.command(setup); err != nil {
		return errors.Wrap(err, "set bitrate")
	}
	if err := t.command([]byte{'O', CR}); err != nil {
		return errors.Wrap(err, "open channel")
	}
	t.log.WithField("bitrate", bitrate).Debug("SLCAN channel open")
	return nil
}

// Close closes the CAN channel. The serial port stays open.
func (t *Transport) Close() error {
	return errors.Wrap(t.command([]byte{'C', CR}), "close channel")
}

// Version queries the adapter firmware version ("V" command).
func (t *Transport) Version() (string, error) {
	if _, err := t.port.Write([]byte{'V', CR}); err != nil {
		return "", errors.Wrap(err, "write version request")
	}
	line, err := t.readLine(replyTimeout, func(l []byte) bool { return len(l) > 0 && (l[0] == 'V' || l[0] == Bell) })
	if err != nil {
		return "", err
	}
	if line[0] == Bell {
		return "", errors.New("slcan: adapter rejected version request")
	}
	return string(bytes.TrimRight(line[1:], "\r")), nil
}

func (t *Transport) command(cmd []byte) error {
	if _, err := t.port.Write(cmd); err != nil {
		return err
	}
	line, err := t.readLine(replyTimeout, func(l []byte) bool { return len(l) == 1 })
	if err != nil {
		return err
	}
	if line[0] == Bell {
		return errors.Errorf("slcan: adapter rejected %q", bytes.TrimRight(cmd, "\r"))
	}
	return nil
}

// Transmit sends one frame.
func (t *Transport) Transmit(f can.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if _, err := t.port.Write(Encode(f)); err != nil {
		return errors.Wrap(err, "slcan transmit")
	}
	return nil
}

// Receive returns the next data frame. Acknowledgements and status lines
// are skipped.
func (t *Transport) Receive(timeout time.Duration) (can.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		line, err := t.readLine(time.Until(deadline), func(l []byte) bool { return l[0] == 't' || l[0] == 'T' })
		if err != nil {
			return can.Frame{}, err
		}
		f, err := Decode(line)
		if err == nil {
			return f, nil
		}
		t.log.WithError(err).Debug("Dropping malformed SLCAN line")
	}
}

// readLine returns the first complete line accepted by want, reading from the
// port until timeout. Lines not wanted are dropped.
func (t *Transport) readLine(timeout time.Duration, want func([]byte) bool) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		for {
			line, rest := ReadFrame(t.rx)
			if line == nil {
				break
			}
			t.rx = rest
			if want(line) {
				return line, nil
			}
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, can.ErrTimeout
		}
		n, err := t.port.ReadWithTimeout(t.buf[:], wait)
		if err != nil {
			return nil, errors.Wrap(err, "slcan read")
		}
		t.rx = append(t.rx, t.buf[:n]...)
	}
}
