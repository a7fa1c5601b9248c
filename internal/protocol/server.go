package protocol

import (
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/canboot/internal/can"
	"github.com/bigbag/canboot/internal/isotp"
	"github.com/bigbag/canboot/internal/memory"
)

// MessageLink moves whole request and response messages. Receive returns
// can.ErrTimeout when nothing arrived within timeout.
type MessageLink interface {
	Send(msg []byte) error
	Receive(timeout time.Duration) ([]byte, error)
}

// Outcome classifies one server step for the state machine.
type Outcome int

const (
	// OutcomeIdle means no request arrived.
	OutcomeIdle Outcome = iota
	// OutcomeHandled means a request was answered.
	OutcomeHandled
	// OutcomeReboot means a Reboot request was acknowledged.
	OutcomeReboot
	// OutcomeFault means a hardware or link failure; the response, if any,
	// has already been attempted.
	OutcomeFault
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeHandled:
		return "handled"
	case OutcomeReboot:
		return "reboot"
	case OutcomeFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Event is the result of Poll or Serve.
type Event struct {
	Outcome Outcome
	Result  Result
	Err     error
}

// Server answers requests arriving on a MessageLink.
type Server struct {
	link    MessageLink
	handler *Handler
	log     logrus.FieldLogger
}

// NewServer creates a Server. A nil logger discards output.
func NewServer(link MessageLink, handler *Handler, log logrus.FieldLogger) *Server {
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	return &Server{link: link, handler: handler, log: log}
}

// Receive waits up to timeout for the next request without handling it.
// Link-level garbage is answered with a negative acknowledgement and reported
// as handled but unrecognised.
func (s *Server) Receive(timeout time.Duration) ([]byte, *Event) {
	msg, err := s.link.Receive(timeout)
	switch {
	case err == nil:
		return msg, nil
	case errors.Is(err, can.ErrTimeout):
		return nil, &Event{Outcome: OutcomeIdle}
	case errors.Is(err, isotp.ErrMalformed), errors.Is(err, isotp.ErrSequence),
		errors.Is(err, isotp.ErrOverflow), errors.Is(err, isotp.ErrIncomplete):
		s.log.WithError(err).Warn("Discarding malformed message")
		nack := []byte{byte(StatusInvalidLength), 0x00}
		res := Result{Status: StatusInvalidLength, Err: err}
		if err := s.link.Send(nack); err != nil {
			return nil, &Event{Outcome: OutcomeFault, Result: res, Err: &CommunicationError{Op: "transmit", Err: err}}
		}
		return nil, &Event{Outcome: OutcomeHandled, Result: res}
	default:
		return nil, &Event{Outcome: OutcomeFault, Err: &CommunicationError{Op: "receive", Err: err}}
	}
}

// Poll receives and serves at most one request.
func (s *Server) Poll(timeout time.Duration) Event {
	msg, ev := s.Receive(timeout)
	if ev != nil {
		return *ev
	}
	return s.Serve(msg)
}

// Serve handles one request message and transmits the response. A failed
// transmit is a fault but the memory operation is not rolled back.
func (s *Server) Serve(msg []byte) Event {
	resp, res := s.handler.Handle(msg)

	entry := s.log.WithFields(logrus.Fields{
		"command": res.Command.String(),
		"status":  res.Status.String(),
	})
	if res.Err != nil {
		entry.WithError(res.Err).Info("Request rejected")
	} else {
		entry.Debug("Request handled")
	}

	if err := s.link.Send(resp); err != nil {
		return Event{Outcome: OutcomeFault, Result: res, Err: &CommunicationError{Op: "transmit", Err: err}}
	}

	switch {
	case memory.IsHardwareError(res.Err):
		return Event{Outcome: OutcomeFault, Result: res, Err: res.Err}
	case res.Reboot:
		return Event{Outcome: OutcomeReboot, Result: res}
	default:
		return Event{Outcome: OutcomeHandled, Result: res}
	}
}
