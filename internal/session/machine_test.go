package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"xconnect/internal/transport"
)

// fakeTransport is a controllable transport.Transport test double.
type fakeTransport struct {
	mu        sync.Mutex
	openErr   error
	sent      [][]byte
	inbound   chan []byte
	closed    chan struct{}
	closeErr  error
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Open(ctx context.Context) error { return f.openErr }
func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakeTransport) Inbound() <-chan []byte  { return f.inbound }
func (f *fakeTransport) Closed() <-chan struct{} { return f.closed }
func (f *fakeTransport) Err() error              { return f.closeErr }
func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}
func (f *fakeTransport) deliver(frame []byte) { f.inbound <- frame }
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.closeErr = err
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
}

var _ transport.Transport = (*fakeTransport)(nil)

func TestBackoffIsMonotonicAndCapped(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := Backoff(attempt, time.Second, 30*time.Second, 0.5)
		if d < prev {
			t.Fatalf("attempt %d: backoff %v less than previous %v", attempt, d, prev)
		}
		if d > 30*time.Second {
			t.Fatalf("attempt %d: backoff %v exceeds cap", attempt, d)
		}
		prev = d
	}
}

func TestBackoffAppliesJitterBounds(t *testing.T) {
	low := Backoff(2, time.Second, 30*time.Second, 0.0)
	high := Backoff(2, time.Second, 30*time.Second, 0.999)
	if low >= high {
		t.Fatalf("expected jitter(0) < jitter(~1): got %v >= %v", low, high)
	}
	// 2^2 * 1s = 4s; jitter band is [0.85, 1.15] -> [3.4s, 4.6s]
	if low < 3300*time.Millisecond || high > 4700*time.Millisecond {
		t.Fatalf("got low=%v high=%v, want within [3.4s,4.6s] band", low, high)
	}
}

func dialerFor(ft *fakeTransport) Dialer {
	return func(ctx context.Context) (transport.Transport, error) { return ft, nil }
}

func TestPublicSessionConnectsAndSubscribes(t *testing.T) {
	ft := newFakeTransport()
	subscribed := false
	var states []State

	m := New("pub-1", Public, "kraken", dialerFor(ft), nil, func(ctx context.Context) error {
		subscribed = true
		return nil
	}, nil)
	m.OnStateChange = func(s State) { states = append(states, s) }

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !subscribed {
		t.Fatal("expected default Subscribe to be called")
	}
	if m.State() != Connected {
		t.Fatalf("got state %s, want Connected", m.State())
	}
	if len(states) == 0 || states[len(states)-1] != Connected {
		t.Fatalf("got state history %v, want last entry Connected", states)
	}
}

func TestPrivateSessionAuthenticatesBeforeConnected(t *testing.T) {
	ft := newFakeTransport()
	var order []string

	m := New("priv-1", Private, "kraken", dialerFor(ft),
		func(ctx context.Context) error { order = append(order, "auth"); return nil },
		func(ctx context.Context) error { order = append(order, "subscribe"); return nil },
		nil,
	)
	var authStates []AuthState
	m.OnAuthStateChange = func(s AuthState) { authStates = append(authStates, s) }

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.AuthState() != Authenticated {
		t.Fatalf("got auth state %s, want Authenticated", m.AuthState())
	}
	if len(order) != 2 || order[0] != "auth" || order[1] != "subscribe" {
		t.Fatalf("got order %v, want [auth subscribe]", order)
	}
	foundAuthenticating := false
	for _, s := range authStates {
		if s == Authenticating {
			foundAuthenticating = true
		}
	}
	if !foundAuthenticating {
		t.Fatal("expected Authenticating sub-state to be observed")
	}
}

func TestPrivateSessionAuthFailureSchedulesReconnect(t *testing.T) {
	ft := newFakeTransport()
	authErr := errors.New("invalid credentials")

	m := New("priv-2", Private, "kraken", dialerFor(ft),
		func(ctx context.Context) error { return authErr },
		nil, nil,
	)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected authenticate error to propagate")
	}
	if m.State() != Failed {
		t.Fatalf("got state %s, want Failed", m.State())
	}
	if m.Attempt() != 1 {
		t.Fatalf("got attempt %d, want 1", m.Attempt())
	}
}

func TestUnexpectedCloseTriggersFailureAndReconnectSchedule(t *testing.T) {
	ft := newFakeTransport()
	var gotErr error
	m := New("pub-2", Public, "kraken", dialerFor(ft), nil, nil, nil)
	m.OnError = func(err error) { gotErr = err }

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ft.drop(errors.New("connection reset"))
	time.Sleep(20 * time.Millisecond) // let runLoop observe Closed()

	if m.State() != Failed {
		t.Fatalf("got state %s, want Failed", m.State())
	}
	if gotErr == nil {
		t.Fatal("expected OnError to fire for unexpected close")
	}
	if m.Attempt() != 1 {
		t.Fatalf("got attempt %d, want 1 after one unexpected close", m.Attempt())
	}
}

func TestDisconnectIsCleanAndSchedulesNoReconnect(t *testing.T) {
	ft := newFakeTransport()
	m := New("pub-3", Public, "kraken", dialerFor(ft), nil, nil, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State() != Disconnected {
		t.Fatalf("got state %s, want Disconnected", m.State())
	}
	if m.Attempt() != 0 {
		t.Fatalf("got attempt %d, want 0 (no reconnect scheduled on manual disconnect)", m.Attempt())
	}
}

func TestRecordMessageUpdatesLivenessAndWatchdogIsQuietWhenFresh(t *testing.T) {
	ft := newFakeTransport()
	now := time.Now()
	clock := func() time.Time { return now }
	m := New("pub-4", Public, "kraken", dialerFor(ft), nil, nil, nil, WithClock(clock))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ft.deliver([]byte(`{"type":"heartbeat"}`))
	time.Sleep(10 * time.Millisecond)

	dead := m.CheckLiveness(now.Add(StartupGrace + time.Second))
	if dead {
		t.Fatal("expected watchdog to be quiet shortly after a fresh message")
	}
}

func TestWatchdogDeclaresDeadAfterThreshold(t *testing.T) {
	ft := newFakeTransport()
	now := time.Now()
	clock := func() time.Time { return now }
	m := New("pub-5", Public, "kraken", dialerFor(ft), nil, nil, nil, WithClock(clock))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dead := m.CheckLiveness(now.Add(StartupGrace + DeadThreshold + time.Second))
	if !dead {
		t.Fatal("expected watchdog to declare the session dead")
	}
	time.Sleep(20 * time.Millisecond) // let the transport Close()+runLoop propagate
	if m.State() != Failed {
		t.Fatalf("got state %s, want Failed after watchdog trip", m.State())
	}
}

func TestWatchdogRespectsStartupGrace(t *testing.T) {
	ft := newFakeTransport()
	now := time.Now()
	clock := func() time.Time { return now }
	m := New("pub-6", Public, "kraken", dialerFor(ft), nil, nil, nil, WithClock(clock))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Still inside the startup grace window (and short of DeadThreshold).
	dead := m.CheckLiveness(now.Add(StartupGrace - time.Second))
	if dead {
		t.Fatal("expected watchdog to suppress false positives during startup grace")
	}
}
