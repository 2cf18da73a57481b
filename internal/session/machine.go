// Package session implements a connection lifecycle and protocol state
// machine layered over a Transport, with an Authenticating sub-state for
// private sessions, exponential backoff with jitter on unexpected
// disconnect, a liveness watchdog, and deterministic ordering of inbound
// frames. The connect/read-loop/backoff/reconnect shape generalizes from
// one hardcoded venue and channel type into a Transport-blind machine
// driven by a venue-supplied Authenticator and Subscriber, keeping
// venue-specific protocol logic fully isolated behind those hooks.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"xconnect/internal/multiplex"
	"xconnect/internal/subscription"
	"xconnect/internal/transport"
	"xconnect/internal/xerrors"
)

// Kind distinguishes a public (market data) session from a private
// (authenticated: orders, balances, executions) one.
type Kind string

const (
	Public  Kind = "public"
	Private Kind = "private"
)

// State is the connection lifecycle state.
type State string

const (
	Disconnected  State = "Disconnected"
	Connecting    State = "Connecting"
	Connected     State = "Connected"
	Failed        State = "Failed"
	Disconnecting State = "Disconnecting"
)

// AuthState is the parallel authentication sub-state layered on top of
// Connected for private sessions.
type AuthState string

const (
	Unauthenticated AuthState = "Unauthenticated"
	Authenticating  AuthState = "Authenticating"
	Authenticated   AuthState = "Authenticated"
)

// Default timing constants governing backoff and the liveness watchdog.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	WatchdogInterval      = time.Second
	DeadThreshold         = 15 * time.Second
	StartupGrace          = 10 * time.Second
)

// Backoff computes the jittered exponential reconnect delay:
// delay = min(max_delay, initial_delay * 2^attempt * U[0.85,1.15]). jitter
// must be a uniform sample in [0,1).
func Backoff(attempt int, initial, maxDelay time.Duration, jitter float64) time.Duration {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}
	factor := 0.85 + jitter*0.30
	delay := float64(initial) * pow2(attempt) * factor
	if delay > float64(maxDelay) || delay < 0 {
		return maxDelay
	}
	return time.Duration(delay)
}

func pow2(n int) float64 {
	if n <= 0 {
		return 1
	}
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 2
		if out*float64(DefaultMaxBackoff) > float64(DefaultMaxBackoff)*1e6 {
			break // guard against absurd attempt counts overflowing float64
		}
	}
	return out
}

// Dialer opens a fresh Transport for a (re)connect attempt.
type Dialer func(ctx context.Context) (transport.Transport, error)

// Authenticator performs a private session's venue handshake once the
// transport is open: acquiring a token from the Credential Service if
// absent or expired, sending the wire logon/auth frames, and returning
// once the venue has confirmed authentication.
type Authenticator func(ctx context.Context) error

// Subscriber issues the default subscriptions once a session reaches
// Connected (public) or Authenticated (private).
type Subscriber func(ctx context.Context) error

// Machine drives one Transport through its connection lifecycle.
type Machine struct {
	ID    string
	Kind  Kind
	Venue string

	Dial         Dialer
	Authenticate Authenticator // nil for Public
	Subscribe    Subscriber

	Mux      *multiplex.Multiplexer
	Registry *subscription.Registry

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	clock  func() time.Time
	jitter func() float64
	logger *slog.Logger

	// OnStateChange, OnAuthStateChange, OnMessage, and OnError are invoked
	// outside the internal lock.
	OnStateChange     func(State)
	OnAuthStateChange func(AuthState)
	OnMessage         func([]byte)
	OnError           func(error)

	mu          sync.Mutex
	state       State
	authState   AuthState
	attempt     int
	manualClose bool
	transport   transport.Transport
	lastMsgAt   time.Time
	connectedAt time.Time
	runCancel   context.CancelFunc
}

// Option configures a Machine at construction.
type Option func(*Machine)

// WithClock overrides time.Now, for deterministic tests.
func WithClock(c func() time.Time) Option { return func(m *Machine) { m.clock = c } }

// WithJitter overrides the uniform [0,1) sample used for backoff jitter.
func WithJitter(j func() float64) Option { return func(m *Machine) { m.jitter = j } }

// New creates a Machine. For a Private kind, authenticate must be
// non-nil; subscribe may be nil if the session has no default
// subscriptions.
func New(id string, kind Kind, venue string, dial Dialer, authenticate Authenticator, subscribe Subscriber, logger *slog.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		ID:             id,
		Kind:           kind,
		Venue:          venue,
		Dial:           dial,
		Authenticate:   authenticate,
		Subscribe:      subscribe,
		Mux:            multiplex.New(),
		Registry:       subscription.New(),
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		clock:          time.Now,
		jitter:         pseudoJitter,
		logger:         logger.With("component", "session_machine", "venue", venue, "kind", string(kind)),
		state:          Disconnected,
		authState:      Unauthenticated,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// pseudoJitter is the production default; tests override via WithJitter
// for determinism.
func pseudoJitter() float64 {
	return 0.5
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AuthState returns the current authentication sub-state.
func (m *Machine) AuthState() AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authState
}

// Attempt returns the current reconnect attempt counter.
func (m *Machine) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	if m.OnStateChange != nil {
		m.OnStateChange(s)
	}
}

func (m *Machine) setAuthState(s AuthState) {
	m.mu.Lock()
	m.authState = s
	m.mu.Unlock()
	if m.OnAuthStateChange != nil {
		m.OnAuthStateChange(s)
	}
}

// Connect drives Disconnected/Failed -> Connecting -> Connected
// (-> Authenticating -> Authenticated for Private). It blocks until the
// session reaches its terminal state for this attempt (Connected/
// Authenticated, or Failed with a reconnect scheduled).
func (m *Machine) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.manualClose = false
	m.mu.Unlock()

	m.setState(Connecting)

	t, err := m.Dial(ctx)
	if err != nil {
		m.fail(ctx, xerrors.Transport("dial", err))
		return err
	}
	if err := t.Open(ctx); err != nil {
		m.fail(ctx, xerrors.Transport("open", err))
		return err
	}

	now := m.clock()
	m.mu.Lock()
	m.transport = t
	m.connectedAt = now
	m.lastMsgAt = now
	m.attempt = 0
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.runCancel = cancel
	m.mu.Unlock()
	go m.runLoop(runCtx, t)

	if m.Kind == Private {
		m.setAuthState(Authenticating)
		if m.Authenticate == nil {
			err := errors.New("private session requires an Authenticator")
			m.fail(ctx, xerrors.Auth("authenticate", err))
			return err
		}
		if err := m.Authenticate(ctx); err != nil {
			m.fail(ctx, xerrors.Auth("authenticate", err))
			return err
		}
		m.setAuthState(Authenticated)
	}

	m.setState(Connected)

	if m.Subscribe != nil {
		if err := m.Subscribe(ctx); err != nil {
			m.logger.Error("default subscription failed", "error", err)
			if m.OnError != nil {
				m.OnError(xerrors.Protocol("default subscribe", err))
			}
		}
	}
	return nil
}

func (m *Machine) runLoop(ctx context.Context, t transport.Transport) {
	for {
		select {
		case frame, ok := <-t.Inbound():
			if !ok {
				continue
			}
			m.recordMessage()
			if m.OnMessage != nil {
				m.OnMessage(frame)
			}
		case <-t.Closed():
			m.handleClose(t.Err())
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Machine) recordMessage() {
	m.mu.Lock()
	m.lastMsgAt = m.clock()
	m.mu.Unlock()
}

// Send writes frame over the active transport.
func (m *Machine) Send(frame []byte) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return xerrors.Transport("send", errors.New("no active transport"))
	}
	return t.Send(frame)
}

// SendRequest correlates a request through the Multiplexer, encoding the
// outgoing frame with the allocated request id.
func (m *Machine) SendRequest(ctx context.Context, method string, timeout time.Duration, encode func(reqID string) []byte) ([]byte, error) {
	return m.Mux.Send(ctx, method, timeout, func(reqID string) error {
		return m.Send(encode(reqID))
	})
}

func (m *Machine) handleClose(err error) {
	m.mu.Lock()
	manual := m.manualClose
	m.mu.Unlock()

	m.Mux.FailAll(xerrors.Transport("session closed", err))

	if manual {
		m.setState(Disconnected)
		m.setAuthState(Unauthenticated)
		return
	}

	m.fail(context.Background(), xerrors.Transport("connection lost", err))
}

// fail transitions to Failed, fails every pending request, and schedules
// a reconnect with jittered exponential backoff.
func (m *Machine) fail(ctx context.Context, cause error) {
	m.setState(Failed)
	m.setAuthState(Unauthenticated)
	m.Mux.FailAll(cause)
	if m.OnError != nil {
		m.OnError(cause)
	}

	m.mu.Lock()
	attempt := m.attempt
	m.attempt++
	initial, maxDelay := m.InitialBackoff, m.MaxBackoff
	j := m.jitter
	t := m.transport
	cancel := m.runCancel
	m.transport = nil
	m.runCancel = nil
	m.mu.Unlock()

	// A failure reached before or outside the normal Closed()-driven path
	// (e.g. an auth or default-subscribe error) still owns an open
	// transport and a running read loop; tear both down so a retried
	// Connect starts clean and nothing leaks.
	if cancel != nil {
		cancel()
	}
	if t != nil {
		t.Close()
	}

	delay := Backoff(attempt, initial, maxDelay, j())
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		manual := m.manualClose
		m.mu.Unlock()
		if manual {
			return
		}
		m.Connect(ctx)
	})
}

// Disconnect performs a manual close: sets the manual-close flag,
// cancels timers, fails all pending requests, and closes the transport.
// No reconnect is scheduled.
func (m *Machine) Disconnect() error {
	m.setState(Disconnecting)

	m.mu.Lock()
	m.manualClose = true
	t := m.transport
	cancel := m.runCancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.Mux.FailAll(xerrors.Transport("disconnect requested", nil))

	var err error
	if t != nil {
		err = t.Close()
	}
	m.setState(Disconnected)
	m.setAuthState(Unauthenticated)
	return err
}

// CheckLiveness implements the liveness watchdog: if Connected (which a
// Private session reaches only after authenticating) and past the startup
// grace period, a gap
// since the last inbound message exceeding DeadThreshold declares the
// session dead and triggers a reconnect, exactly as an unexpected
// transport close would. Returns true if the session was found dead.
func (m *Machine) CheckLiveness(now time.Time) bool {
	m.mu.Lock()
	state := m.state
	connectedAt := m.connectedAt
	lastMsg := m.lastMsgAt
	t := m.transport
	m.mu.Unlock()

	if state != Connected {
		return false
	}
	if now.Sub(connectedAt) < StartupGrace {
		return false
	}
	if now.Sub(lastMsg) <= DeadThreshold {
		return false
	}

	m.logger.Warn("liveness watchdog declared session dead", "last_message_at", lastMsg, "now", now)
	if t != nil {
		// Closing the transport delivers on its Closed() channel, which
		// runLoop observes and routes through the same handleClose/fail
		// path as an unexpected drop — the watchdog never calls fail
		// itself, to avoid double-counting one failure as two.
		t.Close()
	}
	return true
}
