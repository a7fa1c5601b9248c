// Package bootloader is the top-level control loop. It decides between
// starting the installed application and staying in programming mode, and it
// is the only component that hands control to the application.
package bootloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/canboot/internal/can"
	"github.com/bigbag/canboot/internal/firmware"
	"github.com/bigbag/canboot/internal/isotp"
	"github.com/bigbag/canboot/internal/memory"
	"github.com/bigbag/canboot/internal/protocol"
)

// ErrJumpFailed is returned when control could not be handed to the
// application. It is fatal.
var ErrJumpFailed = errors.New("bootloader: jump to application failed")

// Board is the hardware capability set the bootloader runs on.
type Board interface {
	memory.Storage
	IsEntryPinActive() bool
	// JumpToEntryPoint transfers control to the vector table at address.
	// On hardware it does not return; a returned nil means control left the
	// bootloader, an error means the jump was impossible.
	JumpToEntryPoint(address uint32) error
}

// Bootloader owns the memory manager, the protocol session and the state.
// All methods must be called from one goroutine.
type Bootloader struct {
	board     Board
	mem       *memory.Manager
	validator *firmware.Validator
	session   *protocol.Session
	server    *protocol.Server
	log       logrus.FieldLogger
	opts      options

	state State

	// request received while deciding in Entry or Error, served in Idle
	pending    []byte
	pendingBuf [isotp.MaxMessageLen]byte
}

// New builds a bootloader over board, exchanging frames on tr.
func New(board Board, tr can.Transport, opts ...Option) (*Bootloader, error) {
	if board == nil || tr == nil {
		return nil, errors.New("bootloader: board and transport are required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	mem, err := memory.NewManager(board, o.layout)
	if err != nil {
		return nil, fmt.Errorf("bootloader: flash layout: %w", err)
	}

	validator := firmware.NewValidator(o.ram, o.policy)
	session := protocol.NewSession(o.readBufferSize)
	session.AllowProtectedReads = o.protectedReads

	handler := protocol.NewHandler(mem, validator, session)
	link := isotp.NewLink(tr, o.link)

	return &Bootloader{
		board:     board,
		mem:       mem,
		validator: validator,
		session:   session,
		server:    protocol.NewServer(link, handler, o.log),
		log:       o.log,
		opts:      o,
		state:     StateEntry,
	}, nil
}

// State returns the current state.
func (b *Bootloader) State() State {
	return b.state
}

// Memory returns the memory manager.
func (b *Bootloader) Memory() *memory.Manager {
	return b.mem
}

// Session returns the protocol session.
func (b *Bootloader) Session() *protocol.Session {
	return b.session
}

// Run steps the machine until the application is started, a fatal error
// occurs or ctx is cancelled. Cancellation is only observed between steps, so
// an erase or write in progress always completes.
func (b *Bootloader) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.Step(); err != nil {
			return err
		}
		if b.state == StateUserProgramActive {
			return nil
		}
	}
}

// Step performs one bounded unit of work in the current state. It only
// returns an error for fatal conditions.
func (b *Bootloader) Step() error {
	switch b.state {
	case StateEntry:
		return b.entry()
	case StateIdle:
		b.serve(true)
	case StateProgramming:
		b.serve(false)
	case StateError:
		b.awaitRecovery()
	case StateUserProgramActive:
		// control has left the bootloader
	}
	return nil
}

func (b *Bootloader) transition(to State, reason string) {
	from := b.state
	b.state = to
	b.log.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Info(reason)
	if b.opts.onState != nil {
		b.opts.onState(from, to)
	}
}

func (b *Bootloader) entry() error {
	b.session.Reset()
	b.pending = nil

	backdoor, err := b.awaitBackdoor(b.opts.backdoorWindow)
	if err != nil {
		b.fail(err)
		return nil
	}
	if backdoor != "" {
		b.transition(StateIdle, backdoor)
		return nil
	}

	if err := b.validator.CheckApplication(b.mem); err != nil {
		b.log.WithError(err).Warn("No valid application")
		b.transition(StateError, "Application invalid")
		return nil
	}
	if c := b.opts.appCheck; c != nil {
		if err := b.validator.VerifyChecksum(b.mem, b.mem.Application().Start, c.length, c.expected); err != nil {
			b.log.WithError(err).Warn("Application checksum rejected")
			b.transition(StateError, "Application invalid")
			return nil
		}
	}

	entryPoint := b.mem.Application().Start
	b.transition(StateUserProgramActive, "Starting application")
	if err := b.board.JumpToEntryPoint(entryPoint); err != nil {
		b.log.WithError(err).Error("Jump to application failed")
		return fmt.Errorf("%w at 0x%08X: %v", ErrJumpFailed, entryPoint, err)
	}
	return nil
}

// awaitBackdoor listens for up to window and returns a non-empty reason when
// the entry pin is active or a request arrived. A received request is kept
// for Idle.
func (b *Bootloader) awaitBackdoor(window time.Duration) (string, error) {
	deadline := time.Now().Add(window)
	for {
		if b.board.IsEntryPinActive() {
			return "Entry pin active", nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return "", nil
		}
		if wait > b.opts.pollTimeout {
			wait = b.opts.pollTimeout
		}

		msg, ev := b.server.Receive(wait)
		if ev == nil {
			b.pending = b.pendingBuf[:copy(b.pendingBuf[:], msg)]
			return "Programming request received", nil
		}
		switch ev.Outcome {
		case protocol.OutcomeHandled:
			// malformed traffic on the request id still means a host is there
			return "Programming request received", nil
		case protocol.OutcomeFault:
			return "", ev.Err
		}
	}
}

func (b *Bootloader) serve(idle bool) {
	var ev protocol.Event
	if b.pending != nil {
		ev = b.server.Serve(b.pending)
		b.pending = nil
	} else {
		ev = b.server.Poll(b.opts.pollTimeout)
	}

	switch ev.Outcome {
	case protocol.OutcomeHandled:
		if idle && ev.Result.Recognised {
			b.transition(StateProgramming, "Entering programming mode")
		}
	case protocol.OutcomeReboot:
		b.session.Reset()
		b.transition(StateEntry, "Reboot requested")
	case protocol.OutcomeFault:
		b.fail(ev.Err)
	}
}

func (b *Bootloader) fail(err error) {
	b.log.WithError(err).WithField("state", b.state.String()).Error("Programming aborted")
	b.session.Reset()
	b.pending = nil
	b.transition(StateError, "Hardware failure")
}

// awaitRecovery returns to Idle once the backdoor is triggered again.
func (b *Bootloader) awaitRecovery() {
	reason, err := b.awaitBackdoor(b.opts.pollTimeout)
	if err != nil {
		b.log.WithError(err).Debug("Link still failing")
		time.Sleep(b.opts.pollTimeout)
		return
	}
	if reason != "" {
		b.transition(StateIdle, reason)
	}
}
