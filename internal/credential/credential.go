// Package credential implements a token-lifecycle subsystem: obtaining
// and refreshing short-lived session tokens used by authenticated
// sessions, with single-flight refresh, bounded retry, and safe fallback
// to a still-valid cached token on refresh failure.
package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultLifetime matches Kraken's WebSockets token and
	// similarly-shaped venue tokens, valid for 900s.
	DefaultLifetime = 900 * time.Second
	// DefaultBuffer is how long before expiry a refresh is scheduled.
	DefaultBuffer = 300 * time.Second
	// MinBuffer is the floor: a refresh is never scheduled less than this
	// far in the future, even if the computed buffer would put it sooner.
	MinBuffer = 30 * time.Second
	// DefaultRetryBackoff is the fixed delay between failed refresh
	// attempts.
	DefaultRetryBackoff = 60 * time.Second
	// DefaultRetryCap bounds how many consecutive refresh failures are
	// retried before the service resets and waits for the next natural
	// schedule point.
	DefaultRetryCap = 5
)

// Token is an opaque session credential with a known absolute expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token has not yet reached its expiry: never
// hand out a token whose expires_at <= now.
func (t Token) Valid(now time.Time) bool {
	return t.ExpiresAt.After(now)
}

// Fetcher issues a brand new token from the venue's REST endpoint (or, for
// a venue like Polymarket whose "token" is a long-lived API key, derives
// one once).
type Fetcher func(ctx context.Context) (Token, error)

// Clock abstracts time.Now so tests can control expiry without sleeping.
type Clock func() time.Time

// Service implements the GetToken/ScheduleRefresh operations.
type Service struct {
	fetch  Fetcher
	clock  Clock
	buffer time.Duration
	logger *slog.Logger

	mu           sync.Mutex
	cached       *Token
	refreshing   bool
	refreshWait  []chan struct{}
	timer        *time.Timer
	retryCount   int
	callbacks    []func(Token, error)
}

// Option configures a Service at construction.
type Option func(*Service)

// WithBuffer overrides DefaultBuffer.
func WithBuffer(d time.Duration) Option {
	return func(s *Service) { s.buffer = d }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// New creates a credential Service backed by fetch.
func New(fetch Fetcher, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		fetch:  fetch,
		clock:  time.Now,
		buffer: DefaultBuffer,
		logger: logger.With("component", "credential"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleRefresh registers cb to be invoked every time a (successful or
// failed) refresh completes. Multiple callbacks may be registered.
func (s *Service) ScheduleRefresh(cb func(Token, error)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// GetToken returns a currently-valid token, fetching one if the cache is
// empty or expired. At most one fetch is in flight: concurrent callers
// wait on the same operation rather than issuing redundant requests.
func (s *Service) GetToken(ctx context.Context) (Token, error) {
	s.mu.Lock()
	if s.cached != nil && s.cached.Valid(s.clock()) {
		tok := *s.cached
		s.mu.Unlock()
		return tok, nil
	}
	if s.refreshing {
		wait := make(chan struct{})
		s.refreshWait = append(s.refreshWait, wait)
		s.mu.Unlock()
		select {
		case <-wait:
			return s.GetToken(ctx)
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
	}
	s.refreshing = true
	s.mu.Unlock()

	tok, err := s.doFetch(ctx)
	return tok, err
}

// doFetch performs one fetch attempt, updates the cache on success, and
// always wakes waiters and fires callbacks before returning.
func (s *Service) doFetch(ctx context.Context) (Token, error) {
	tok, err := s.fetch(ctx)

	s.mu.Lock()
	defer func() {
		s.refreshing = false
		waiters := s.refreshWait
		s.refreshWait = nil
		s.mu.Unlock()
		for _, w := range waiters {
			close(w)
		}
	}()

	if err != nil {
		s.retryCount++
		s.logger.Warn("token refresh failed", "error", err, "retry_count", s.retryCount)
		s.notifyLocked(Token{}, err)

		// Fall back to the cached token if it is still inside its
		// validity window.
		if s.cached != nil && s.cached.Valid(s.clock()) {
			fallback := *s.cached
			s.scheduleRetryLocked(ctx)
			return fallback, nil
		}
		s.scheduleRetryLocked(ctx)
		return Token{}, err
	}

	s.retryCount = 0
	s.cached = &tok
	s.scheduleNextRefreshLocked(ctx, tok)
	s.notifyLocked(tok, nil)
	return tok, nil
}

func (s *Service) notifyLocked(tok Token, err error) {
	for _, cb := range s.callbacks {
		cb(tok, err)
	}
}

// scheduleNextRefreshLocked arms a single timer at expires_at - buffer,
// floored at MinBuffer from now. Must be called with s.mu held.
func (s *Service) scheduleNextRefreshLocked(ctx context.Context, tok Token) {
	if s.timer != nil {
		s.timer.Stop()
	}
	delay := tok.ExpiresAt.Sub(s.clock()) - s.buffer
	if delay < MinBuffer {
		delay = MinBuffer
	}
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.refreshing {
			s.mu.Unlock()
			return
		}
		s.refreshing = true
		s.mu.Unlock()
		s.doFetch(ctx)
	})
}

// scheduleRetryLocked arms a fixed-backoff retry, up to DefaultRetryCap
// attempts, after which the service resets and waits for the next natural
// GetToken call or scheduled point. Must be called with s.mu held.
func (s *Service) scheduleRetryLocked(ctx context.Context) {
	if s.retryCount > DefaultRetryCap {
		s.retryCount = 0
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(DefaultRetryBackoff, func() {
		s.mu.Lock()
		if s.refreshing {
			s.mu.Unlock()
			return
		}
		s.refreshing = true
		s.mu.Unlock()
		s.doFetch(ctx)
	})
}

// Stop cancels any pending refresh timer.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}
