//go:build linux

package socketcan

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bigbag/canboot/internal/can"
)

// Conn is a bound CAN_RAW socket.
type Conn struct {
	fd    int
	iface string

	closeOnce sync.Once
	closed    bool
	rx        [FrameSize]byte
	tx        [FrameSize]byte
}

// Open binds a raw socket to the named interface (e.g. "can0", "vcan0").
// When ids is not empty the kernel only delivers frames with those
// identifiers.
func Open(iface string, ids ...uint32) (*Conn, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("failed to find interface %s: %w", iface, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket: %w", err)
	}

	if len(ids) > 0 {
		filters := make([]unix.CanFilter, len(ids))
		for i, id := range ids {
			if id > can.MaxStandardID {
				filters[i] = unix.CanFilter{Id: id | effFlag, Mask: effMask | effFlag}
			} else {
				filters[i] = unix.CanFilter{Id: id, Mask: sffMask | effFlag}
			}
		}
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to set CAN filter: %w", err)
		}
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind to %s: %w", iface, err)
	}

	return &Conn{fd: fd, iface: iface}, nil
}

// Interface returns the bound interface name.
func (c *Conn) Interface() string {
	return c.iface
}

// Transmit writes one frame.
func (c *Conn) Transmit(f can.Frame) error {
	if c.closed {
		return can.ErrClosed
	}
	if err := f.Validate(); err != nil {
		return err
	}
	marshal(f, &c.tx)
	n, err := unix.Write(c.fd, c.tx[:])
	if err != nil {
		if err == unix.ENOBUFS {
			return can.ErrBufferFull
		}
		return fmt.Errorf("socketcan: write: %w", err)
	}
	if n != FrameSize {
		return fmt.Errorf("socketcan: short write of %d bytes", n)
	}
	return nil
}

// Receive waits up to timeout for a data frame. Remote and error frames are
// skipped.
func (c *Conn) Receive(timeout time.Duration) (can.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		if c.closed {
			return can.Frame{}, can.ErrClosed
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return can.Frame{}, can.ErrTimeout
		}

		// poll takes milliseconds; round up so short waits do not spin
		ms := int((wait + time.Millisecond - 1) / time.Millisecond)
		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return can.Frame{}, fmt.Errorf("socketcan: poll: %w", err)
		}
		if n == 0 {
			return can.Frame{}, can.ErrTimeout
		}

		r, err := unix.Read(c.fd, c.rx[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return can.Frame{}, fmt.Errorf("socketcan: read: %w", err)
		}
		f, ok, err := unmarshal(c.rx[:r])
		if err != nil {
			return can.Frame{}, err
		}
		if ok {
			return f, nil
		}
	}
}

// Close closes the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed = true
		err = unix.Close(c.fd)
	})
	return err
}
