// Package firmware owns the lifecycle of one external firmware emulator:
// connect and handshake, one synchronous step exchange per host tick,
// disconnect, and reconnect with exponential backoff after faults.
//
// State machine:
//
//	Disconnected --Start--> Connecting --handshake ok--> Connected
//	Connecting --connect failure--> Faulted
//	Connected --I/O error | repeated timeouts--> Faulted
//	Connected --protocol error--> Connecting
//	Faulted --backoff elapsed--> Connecting
//	any --Stop--> Disconnected
//
// A single step timeout is not a fault: the step is reported missed and the
// session stays Connected. Consecutive timeouts are counted by a circuit
// breaker that faults the session once it trips.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	wallclock "github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/comalice/lockstepx/clock"
	"github.com/comalice/lockstepx/internal/fsm"
	"github.com/comalice/lockstepx/simerr"
	"github.com/comalice/lockstepx/step"
)

// State is the session lifecycle state.
type State = fsm.StateID

const (
	Disconnected State = iota + 1
	Connecting
	Connected
	Faulted
)

// StateName returns the name of s.
func StateName(s State) string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	evStart fsm.EventID = iota + 1
	evConnected
	evConnectFailed
	evFault
	evProtocolError
	evRetry
	evFatal
	evStop
)

func eventName(ev fsm.EventID) string {
	switch ev {
	case evStart:
		return "start"
	case evConnected:
		return "connected"
	case evConnectFailed:
		return "connect_failed"
	case evFault:
		return "fault"
	case evProtocolError:
		return "protocol_error"
	case evRetry:
		return "retry"
	case evFatal:
		return "fatal"
	case evStop:
		return "stop"
	default:
		return fmt.Sprintf("event(%d)", int(ev))
	}
}

// Conn is an exclusive, bidirectional byte stream to the firmware.
// net.Conn satisfies it.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// Dialer opens connections to the firmware.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Conn, error)

func (f DialFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

var (
	// ErrNotStarted is returned by Step before Start.
	ErrNotStarted = simerr.New(simerr.KindConnection, "step", "not_started", nil)
	// ErrStopped is returned by a step interrupted by Stop.
	ErrStopped = simerr.New(simerr.KindConnection, "step", "stopped", nil)
	// ErrIncompatiblePeer matches the fatal handshake failure.
	ErrIncompatiblePeer = &simerr.Error{Kind: simerr.KindProtocol, Reason: "incompatible_peer"}
)

// Config configures a Session.
type Config struct {
	Form                       WireForm
	PinCount                   int
	ConnectTimeout             time.Duration
	StepTimeout                time.Duration
	MaxConsecutiveTimeouts     uint32
	MaxHandshakeProtocolErrors int
	Backoff                    Backoff
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Form:                       Binary,
		PinCount:                   20,
		ConnectTimeout:             5 * time.Second,
		StepTimeout:                2 * time.Second,
		MaxConsecutiveTimeouts:     3,
		MaxHandshakeProtocolErrors: 2,
		Backoff:                    DefaultBackoff(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PinCount <= 0 {
		c.PinCount = d.PinCount
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.MaxConsecutiveTimeouts == 0 {
		c.MaxConsecutiveTimeouts = d.MaxConsecutiveTimeouts
	}
	if c.MaxHandshakeProtocolErrors <= 0 {
		c.MaxHandshakeProtocolErrors = d.MaxHandshakeProtocolErrors
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = d.Backoff.Initial
	}
	if c.Backoff.Max < c.Backoff.Initial {
		c.Backoff.Max = max(d.Backoff.Max, c.Backoff.Initial)
	}
}

// Stats is a copied view of session counters.
type Stats struct {
	State           State
	Steps           uint64
	Missed          uint64
	Timeouts        uint64
	ProtocolErrors  uint64
	ConnectFailures uint64
	Connects        uint64
	LastTickCount   uint64
	PeerPinCount    uint32
}

// Session is one firmware session. Step must be called from a single
// goroutine; Stop, State and Stats may be called from any goroutine.
type Session struct {
	cfg     Config
	dialer  Dialer
	wall    wallclock.Clock
	logger  *slog.Logger
	id      string
	machine *fsm.Machine

	mu              sync.Mutex
	conn            Conn
	exch            exchanger
	breaker         *gobreaker.CircuitBreaker
	attempts        int
	handshakeErrors int
	nextAttempt     time.Time
	fatal           error
	stats           Stats
}

// Option configures a Session.
type Option func(*Session)

// WithWallClock sets the clock used to schedule reconnect attempts.
func WithWallClock(c wallclock.Clock) Option {
	return func(s *Session) {
		s.wall = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithID sets the session ID used in logs (default: a random UUID).
func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

// New creates a Disconnected session using d to reach the firmware.
func New(d Dialer, cfg Config, opts ...Option) (*Session, error) {
	if d == nil {
		return nil, simerr.InvalidArgument("new firmware session", "nil_dialer")
	}
	cfg.applyDefaults()
	s := &Session{
		cfg:    cfg,
		dialer: d,
		wall:   wallclock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "firmware", "session_id", s.id, "wire_form", cfg.Form.String())

	m, err := s.buildMachine()
	if err != nil {
		return nil, err
	}
	s.machine = m
	if err := m.Start(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) buildMachine() (*fsm.Machine, error) {
	disconnected := &fsm.State{ID: Disconnected, Initial: true}
	connecting := &fsm.State{ID: Connecting}
	connected := &fsm.State{ID: Connected}
	faulted := &fsm.State{ID: Faulted}

	logEntry := func(level slog.Level) fsm.Action {
		return func(ctx context.Context, evt *fsm.Event, from, to fsm.StateID) error {
			attrs := []any{"from", StateName(from), "to", StateName(to)}
			if evt != nil {
				if err, ok := evt.Payload.(error); ok {
					attrs = append(attrs, "error", err)
				}
			}
			s.logger.Log(ctx, level, "firmware session state changed", attrs...)
			return nil
		}
	}
	connecting.OnEntry(logEntry(slog.LevelDebug))
	connected.OnEntry(logEntry(slog.LevelInfo))
	faulted.OnEntry(logEntry(slog.LevelWarn))
	disconnected.OnEntry(logEntry(slog.LevelInfo))

	disconnected.On(evStart, connecting, nil, nil)
	connecting.
		On(evConnected, connected, nil, nil).
		On(evConnectFailed, faulted, nil, nil).
		On(evFatal, disconnected, nil, nil).
		On(evStop, disconnected, nil, nil)
	connected.
		On(evFault, faulted, nil, nil).
		On(evProtocolError, connecting, nil, nil).
		On(evStop, disconnected, nil, nil)
	faulted.
		On(evRetry, connecting, nil, nil).
		On(evFatal, disconnected, nil, nil).
		On(evStop, disconnected, nil, nil)

	return fsm.NewMachine(disconnected, connecting, connected, faulted)
}

func (s *Session) send(ctx context.Context, ev fsm.EventID, payload any) {
	if _, err := s.machine.Send(ctx, fsm.Event{ID: ev, Payload: payload}); err != nil {
		s.logger.Error("state transition failed", "error", err)
	}
}

// Name identifies the session as the firmware subsystem.
func (s *Session) Name() string { return clock.Firmware }

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.machine.Current() }

// StateDiagram returns the lifecycle as Graphviz DOT source with the current
// state highlighted.
func (s *Session) StateDiagram() string {
	return s.machine.ExportDOT(StateName, eventName)
}

// Stats returns a copy of the counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.State = s.machine.Current()
	return st
}

// Err returns the fatal error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Start connects and performs the handshake, bounded by the connect timeout.
// A failed attempt leaves the session Faulted; the next Step retries once the
// backoff elapses.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Err(); err != nil {
		return err
	}
	switch s.State() {
	case Connected:
		return nil
	case Faulted:
		s.send(ctx, evRetry, nil)
	case Disconnected:
		s.send(ctx, evStart, nil)
	}
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(cctx)
	if err != nil {
		return s.connectFailed(ctx, simerr.New(simerr.KindConnection, "connect", "dial", err))
	}

	deadline, _ := cctx.Deadline()
	_ = conn.SetDeadline(deadline)
	stopWatch := context.AfterFunc(cctx, func() { _ = conn.SetDeadline(time.Now()) })
	exch := newExchanger(s.cfg.Form, conn, s.logger)
	ack, err := exch.handshake(s.cfg.PinCount)
	stopWatch()
	if err != nil {
		_ = conn.Close()
		if simerr.KindOf(err) == simerr.KindProtocol {
			return s.handshakeProtocolError(ctx, err)
		}
		return s.connectFailed(ctx, simerr.New(simerr.KindConnection, "handshake", "", err))
	}
	_ = conn.SetDeadline(time.Time{})

	if s.State() != Connecting {
		// Stopped while connecting.
		_ = conn.Close()
		return ErrStopped
	}

	s.mu.Lock()
	s.conn = conn
	s.exch = exch
	s.breaker = s.newBreaker()
	s.attempts = 0
	s.handshakeErrors = 0
	s.stats.Connects++
	s.stats.PeerPinCount = ack.PinCount
	s.mu.Unlock()

	s.send(ctx, evConnected, nil)
	return nil
}

func (s *Session) newBreaker() *gobreaker.CircuitBreaker {
	limit := s.cfg.MaxConsecutiveTimeouts
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "firmware-step-" + s.id,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= limit
		},
		// Only timeouts count toward tripping; other failures fault directly.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, simerr.ErrStepTimeout)
		},
	})
}

func (s *Session) connectFailed(ctx context.Context, err error) error {
	s.mu.Lock()
	s.attempts++
	delay := s.cfg.Backoff.Delay(s.attempts)
	s.nextAttempt = s.wall.Now().Add(delay)
	s.stats.ConnectFailures++
	attempt := s.attempts
	s.mu.Unlock()

	s.logger.Warn("firmware connect failed", "attempt", attempt, "retry_in", delay, "error", err)
	s.send(ctx, evConnectFailed, err)
	return err
}

func (s *Session) handshakeProtocolError(ctx context.Context, err error) error {
	s.mu.Lock()
	s.handshakeErrors++
	s.stats.ProtocolErrors++
	fatal := s.handshakeErrors >= s.cfg.MaxHandshakeProtocolErrors
	if fatal {
		s.fatal = simerr.New(simerr.KindProtocol, "handshake", ErrIncompatiblePeer.Reason, err)
	}
	fatalErr := s.fatal
	s.mu.Unlock()

	if fatal {
		s.logger.Error("firmware peer incompatible", "error", err)
		s.send(ctx, evFatal, err)
		return fatalErr
	}
	return s.connectFailed(ctx, err)
}

// Step sends one request and blocks for its result, bounded by the step
// timeout. On any failure the returned output is marked Missed.
func (s *Session) Step(ctx context.Context, in step.Input) (step.Output, error) {
	missed := step.Output{Sequence: in.Sequence, Missed: true}

	if err := s.ensureConnected(ctx); err != nil {
		s.countMissed()
		return missed, err
	}

	s.mu.Lock()
	conn, exch, cb := s.conn, s.exch, s.breaker
	s.mu.Unlock()
	if conn == nil {
		s.countMissed()
		return missed, ErrStopped
	}

	_ = conn.SetDeadline(time.Now().Add(s.cfg.StepTimeout))
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	res, err := cb.Execute(func() (interface{}, error) {
		return exch.exchange(in)
	})
	stopWatch()

	if err == nil {
		out := res.(step.Output)
		s.mu.Lock()
		s.stats.Steps++
		s.stats.LastTickCount = out.TickCount
		s.mu.Unlock()
		return out, nil
	}

	s.countMissed()
	if s.State() == Disconnected {
		return missed, ErrStopped
	}
	if cerr := ctx.Err(); cerr != nil {
		return missed, cerr
	}

	switch simerr.KindOf(err) {
	case simerr.KindStepTimeout:
		s.mu.Lock()
		s.stats.Timeouts++
		s.mu.Unlock()
		if cb.State() == gobreaker.StateOpen {
			s.logger.Warn("firmware step timeouts exceeded", "limit", s.cfg.MaxConsecutiveTimeouts)
			s.fault(ctx, err)
		} else {
			s.logger.Warn("firmware step timed out", "step_sequence", in.Sequence, "timeout", s.cfg.StepTimeout)
		}
		return missed, err
	case simerr.KindProtocol:
		s.mu.Lock()
		s.stats.ProtocolErrors++
		s.mu.Unlock()
		s.dropConn()
		s.logger.Warn("firmware protocol error, reconnecting", "error", err)
		s.send(ctx, evProtocolError, err)
		return missed, err
	default:
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = simerr.New(simerr.KindConnection, "step", "breaker_open", err)
		}
		s.fault(ctx, err)
		return missed, err
	}
}

func (s *Session) ensureConnected(ctx context.Context) error {
	if err := s.Err(); err != nil {
		return err
	}
	switch s.State() {
	case Connected:
		return nil
	case Disconnected:
		return ErrNotStarted
	case Faulted:
		s.mu.Lock()
		wait := s.nextAttempt.Sub(s.wall.Now())
		s.mu.Unlock()
		if wait > 0 {
			return simerr.New(simerr.KindConnection, "step", "backoff",
				fmt.Errorf("reconnect in %v", wait))
		}
		s.send(ctx, evRetry, nil)
	}
	return s.connect(ctx)
}

func (s *Session) countMissed() {
	s.mu.Lock()
	s.stats.Missed++
	s.mu.Unlock()
}

// fault drops the connection and schedules the first reconnect attempt.
func (s *Session) fault(ctx context.Context, err error) {
	s.dropConn()
	s.mu.Lock()
	s.attempts = 1
	s.nextAttempt = s.wall.Now().Add(s.cfg.Backoff.Delay(1))
	s.mu.Unlock()
	s.send(ctx, evFault, err)
}

func (s *Session) dropConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn, s.exch, s.breaker = nil, nil, nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// LoadImage sends a firmware image to the connected peer.
func (s *Session) LoadImage(ctx context.Context, image []byte) error {
	if s.State() != Connected {
		return simerr.New(simerr.KindConnection, "load image", "not_connected", nil)
	}
	s.mu.Lock()
	conn, exch := s.conn, s.exch
	s.mu.Unlock()
	if conn == nil {
		return ErrStopped
	}
	_ = conn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stopWatch()
	return exch.loadImage(image)
}

// Stop closes the transport, interrupting an in-flight step, and returns to
// Disconnected. Safe to call more than once.
func (s *Session) Stop() error {
	s.send(context.Background(), evStop, nil)
	s.dropConn()
	return nil
}

var (
	_ step.Stepper   = (*Session)(nil)
	_ step.Lifecycle = (*Session)(nil)
)
