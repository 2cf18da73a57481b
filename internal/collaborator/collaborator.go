// Package collaborator defines the external interfaces this module
// depends on but does not own: OrderFillStore, PaperFillSimulator, and
// TradeHistoryClient. These are boundaries this module calls but does
// not own the implementation of in production; the in-memory store
// below is a deterministic stand-in used by tests and by this module's
// own entry point, built in the mutex-protected, whole-object-snapshot
// style of a JSON position store but holding orders and fills instead,
// and never touching disk.
package collaborator

import (
	"context"
	"sync"

	"xconnect/pkg/xctype"
)

// OrderFillStore is the single source of truth for orders and fills,
// external to this module.
type OrderFillStore interface {
	Add(ctx context.Context, o xctype.Order) error
	Update(ctx context.Context, o xctype.Order) error
	GetByID(ctx context.Context, internalID string) (xctype.Order, bool, error)
	GetAll(ctx context.Context) ([]xctype.Order, error)
	GetClientOrderIDByExchange(ctx context.Context, exchangeID string) (string, bool, error)
	AddFill(ctx context.Context, f xctype.Fill) error
	HasFill(ctx context.Context, dedupKey string) (bool, error)
}

// PaperFillSimulator backs trading_mode=paper: order creation,
// cancellation, fills, and balances are simulated entirely in-process
// rather than sent to a venue.
type PaperFillSimulator interface {
	SubmitOrder(ctx context.Context, o xctype.Order) (xctype.Order, error)
	CancelOrder(ctx context.Context, internalID string) error
	Balances(ctx context.Context) ([]xctype.Balance, error)
}

// TradeHistoryClient supplies the out-of-band trade history a venue's
// websocket feed may omit on reconnect, used to backfill reconciliation
// gaps.
type TradeHistoryClient interface {
	FillsSince(ctx context.Context, sessionID string, sinceUnixMillis int64) ([]xctype.Fill, error)
}

// MemoryStore is an in-memory OrderFillStore, used by tests for every
// package above the storage boundary and wired by cmd/xconnect-adapter
// as the stand-in store of every venue facade. It is not crash-safe and
// keeps nothing across restarts.
type MemoryStore struct {
	mu            sync.Mutex
	orders        map[string]xctype.Order
	exchangeIndex map[string]string // exchange_id -> internal_id
	fillKeys      map[string]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:        make(map[string]xctype.Order),
		exchangeIndex: make(map[string]string),
		fillKeys:      make(map[string]bool),
	}
}

func (s *MemoryStore) Add(ctx context.Context, o xctype.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.InternalID] = o
	if o.ExchangeID != "" {
		s.exchangeIndex[o.ExchangeID] = o.InternalID
	}
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, o xctype.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.InternalID] = o
	if o.ExchangeID != "" {
		s.exchangeIndex[o.ExchangeID] = o.InternalID
	}
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, internalID string) (xctype.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[internalID]
	return o, ok, nil
}

func (s *MemoryStore) GetAll(ctx context.Context) ([]xctype.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]xctype.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out, nil
}

func (s *MemoryStore) GetClientOrderIDByExchange(ctx context.Context, exchangeID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.exchangeIndex[exchangeID]
	return id, ok, nil
}

func (s *MemoryStore) AddFill(ctx context.Context, f xctype.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fillKeys[f.DedupKey()] = true
	return nil
}

func (s *MemoryStore) HasFill(ctx context.Context, dedupKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fillKeys[dedupKey], nil
}
