package can

import (
	"sync"
	"time"
)

// Endpoint is one side of an in-memory bus created by Pipe.
type Endpoint struct {
	rx   chan Frame
	peer *Endpoint

	once   sync.Once
	closed chan struct{}
}

// Pipe returns two connected endpoints. Frames transmitted on one are received
// on the other, in order. Each direction buffers up to depth frames; Transmit
// on a full buffer fails like a bus-off controller would.
func Pipe(depth int) (*Endpoint, *Endpoint) {
	a := &Endpoint{rx: make(chan Frame, depth), closed: make(chan struct{})}
	b := &Endpoint{rx: make(chan Frame, depth), closed: make(chan struct{}), peer: a}
	a.peer = b
	return a, b
}

// Transmit queues f for the peer.
func (e *Endpoint) Transmit(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	select {
	case <-e.closed:
		return ErrClosed
	case <-e.peer.closed:
		return ErrClosed
	default:
	}
	select {
	case e.peer.rx <- f:
		return nil
	default:
		return ErrBufferFull
	}
}

// Receive waits for the next frame from the peer.
func (e *Endpoint) Receive(timeout time.Duration) (Frame, error) {
	// drain queued frames before reporting a close
	select {
	case f := <-e.rx:
		return f, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-e.rx:
		return f, nil
	case <-e.closed:
		return Frame{}, ErrClosed
	case <-timer.C:
		return Frame{}, ErrTimeout
	}
}

// Close stops the endpoint. Further calls on either side fail with ErrClosed.
func (e *Endpoint) Close() error {
	e.once.Do(func() { close(e.closed) })
	return nil
}
