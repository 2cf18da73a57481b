// Package multiplex correlates outgoing request identifiers to pending
// completions. One Multiplexer belongs to one Session Machine. The
// pending map is guarded by a mutex, since entries are inserted and
// completed from different goroutines; the monotonic request-id counter
// is advanced atomically.
package multiplex

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"xconnect/internal/xerrors"
	"xconnect/pkg/xctype"
)

// Completion is what a caller of SendRequest eventually receives: either a
// raw response payload or an error (timeout, connection closed, venue
// error).
type Completion struct {
	Response []byte
	Err      error
}

// pending tracks one outstanding request.
type pending struct {
	reqID      string
	method     string
	sentAt     time.Time
	timeout    time.Duration
	ch         chan Completion
	timer      *time.Timer
	completed  atomic.Bool
}

// Multiplexer matches inbound frames bearing a request identifier to their
// originator.
type Multiplexer struct {
	mu      sync.Mutex
	counter uint64
	table   map[string]*pending

	// RetryCount/RetryDelay implement the optional retry policy: re-issue
	// up to N times with a fixed delay, allocating a fresh identifier
	// each time. Zero RetryCount disables retries.
	RetryCount int
	RetryDelay time.Duration
}

// New creates an empty multiplexer.
func New() *Multiplexer {
	return &Multiplexer{
		table:      make(map[string]*pending),
		RetryCount: 2,
		RetryDelay: time.Second,
	}
}

// NextRequestID returns the next value of this session's monotonic
// request-id counter, formatted as a decimal string.
func (m *Multiplexer) NextRequestID() string {
	n := atomic.AddUint64(&m.counter, 1)
	return formatUint(n)
}

// Send issues the request and waits for completion, timeout, or ctx
// cancellation. Each attempt (sendOnce) inserts a pending entry under a
// fresh request id and hands it to the caller-supplied sender; a timed-out
// attempt is re-issued up to RetryCount times, RetryDelay apart, and any
// other error returns at once.
func (m *Multiplexer) Send(ctx context.Context, method string, timeout time.Duration, sender func(reqID string) error) ([]byte, error) {
	var lastErr error
	attempts := m.RetryCount + 1
	for attempt := 0; attempt < attempts; attempt++ {
		reqID := m.NextRequestID()
		resp, err := m.sendOnce(ctx, reqID, method, timeout, sender)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		kind, ok := xerrors.Kind(err)
		if !ok || kind != xctype.ErrTimeout {
			// Only a genuine request timeout is retried; any other
			// classified error (or ctx cancellation) returns immediately.
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if attempt < attempts-1 && m.RetryDelay > 0 {
			select {
			case <-time.After(m.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (m *Multiplexer) sendOnce(ctx context.Context, reqID, method string, timeout time.Duration, sender func(reqID string) error) ([]byte, error) {
	p := &pending{
		reqID:   reqID,
		method:  method,
		sentAt:  time.Now(),
		timeout: timeout,
		ch:      make(chan Completion, 1),
	}

	m.mu.Lock()
	m.table[reqID] = p
	m.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		m.completeOnce(p, Completion{Err: xerrors.Timeout(reqID, "request timed out")})
	})

	if err := sender(reqID); err != nil {
		m.completeOnce(p, Completion{Err: xerrors.Transport("send request", err)})
	}

	select {
	case c := <-p.ch:
		return c.Response, c.Err
	case <-ctx.Done():
		m.completeOnce(p, Completion{Err: ctx.Err()})
		return nil, ctx.Err()
	}
}

// Complete delivers a response to the pending request matching reqID. It
// is a no-op if no such request is outstanding (e.g. it already timed
// out); completion itself is guarded against racing with a timeout or
// FailAll firing concurrently.
func (m *Multiplexer) Complete(reqID string, response []byte) {
	m.mu.Lock()
	p := m.table[reqID]
	m.mu.Unlock()
	if p == nil {
		return
	}
	m.completeOnce(p, Completion{Response: response})
}

// Fail delivers an error to the pending request matching reqID, used when
// a venue error response carries a req_id.
func (m *Multiplexer) Fail(reqID string, err error) {
	m.mu.Lock()
	p := m.table[reqID]
	m.mu.Unlock()
	if p == nil {
		return
	}
	m.completeOnce(p, Completion{Err: err})
}

func (m *Multiplexer) completeOnce(p *pending, c Completion) {
	if !p.completed.CompareAndSwap(false, true) {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	m.mu.Lock()
	delete(m.table, p.reqID)
	m.mu.Unlock()
	p.ch <- c
}

// FailAll fails every outstanding request with "connection closed",
// called when the owning session drops.
func (m *Multiplexer) FailAll(reason error) {
	m.mu.Lock()
	all := make([]*pending, 0, len(m.table))
	for _, p := range m.table {
		all = append(all, p)
	}
	m.mu.Unlock()

	for _, p := range all {
		m.completeOnce(p, Completion{Err: reason})
	}
}

// Pending returns the number of currently outstanding requests.
func (m *Multiplexer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}

func formatUint(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
