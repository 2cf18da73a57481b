// Package order implements an order lifecycle: validating and creating
// orders, computing TTLs, tracking the
// PENDING -> OPEN -> (PARTIALLY_FILLED -> FILLED | CANCELLED | EXPIRED |
// REJECTED) machine, and maintaining the exchange_id -> internal_id
// mapping an execution reconciler depends on. The order-placement flow
// (validate, compute a client id, submit, track locally) generalizes
// from one venue's limit orders to a venue-agnostic, multi-type machine.
package order

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"xconnect/internal/collaborator"
	"xconnect/internal/xerrors"
	"xconnect/pkg/xctype"
)

// DefaultBuyTTL and DefaultSellTTL are the per-side defaults applied when
// neither an explicit TTL nor a configured override is given.
const (
	DefaultBuyTTL  = 16 * time.Second
	DefaultSellTTL = 900 * time.Second
)

// CreateRequest describes a new order prior to validation.
type CreateRequest struct {
	Symbol        xctype.Symbol
	Side          xctype.OrderSide
	Type          xctype.OrderType
	Price         decimal.Decimal // required for Limit
	Size          decimal.Decimal
	TTL           time.Duration // explicit override; zero means use default
	SessionID     string
	ParentOrderID string
	Purpose       string
}

// KnownSymbols reports whether a symbol is tradable, used by creation
// validation. Supplied by the venue's SymbolRules.
type KnownSymbols func(xctype.Symbol) bool

// Manager owns the local live-order cache and the exchange<->internal id
// mapping for one session. It runs on the owning Session Machine's single
// goroutine; the mutex below only guards against the Execution Reconciler
// or a periodic TTL sweep invoking it from elsewhere.
type Manager struct {
	mu     sync.Mutex
	store  collaborator.OrderFillStore
	known  KnownSymbols
	logger *slog.Logger

	live map[string]xctype.Order // internal_id -> order, PENDING..PARTIALLY_FILLED only

	buyTTL  time.Duration
	sellTTL time.Duration

	// OnEvent is invoked (outside the lock) whenever an order's state
	// changes in a way the owning facade must surface to subscribers.
	OnEvent func(xctype.EventType, xctype.OrderUpdatePayload)
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithTTLOverrides overrides the per-side default TTLs via a
// `ttl_overrides` configuration option.
func WithTTLOverrides(buy, sell time.Duration) Option {
	return func(m *Manager) {
		if buy > 0 {
			m.buyTTL = buy
		}
		if sell > 0 {
			m.sellTTL = sell
		}
	}
}

// New creates a Manager backed by store, validating symbols via known.
func New(store collaborator.OrderFillStore, known KnownSymbols, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:   store,
		known:   known,
		logger:  logger.With("component", "order_manager"),
		live:    make(map[string]xctype.Order),
		buyTTL:  DefaultBuyTTL,
		sellTTL: DefaultSellTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Validate enforces order creation constraints.
func (r CreateRequest) Validate(known KnownSymbols) error {
	if r.Type == xctype.Limit && r.Price.IsZero() {
		return xerrors.Validation("", "limit order requires a price")
	}
	if !r.Size.IsPositive() {
		return xerrors.Validation("", "order size must be positive")
	}
	if known != nil && !known(r.Symbol) {
		return xerrors.Validation("", fmt.Sprintf("unknown symbol %q", r.Symbol))
	}
	return nil
}

func (m *Manager) ttlFor(req CreateRequest) time.Duration {
	if req.TTL > 0 {
		return req.TTL
	}
	if req.Side == xctype.Sell {
		return m.sellTTL
	}
	return m.buyTTL
}

// Create validates req, allocates an internal id, computes the order's
// TTL and expiry, and inserts it into both the local cache and the
// external store in state PENDING. The caller is responsible for
// transmitting the resulting order via the private session machine and
// calling Acknowledge/Advance as reports arrive.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (xctype.Order, error) {
	if err := req.Validate(m.known); err != nil {
		return xctype.Order{}, err
	}

	now := time.Now()
	ttl := m.ttlFor(req)
	o := xctype.Order{
		InternalID:    uuid.NewString(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Size:          req.Size,
		RemainingSize: req.Size,
		Status:        xctype.Pending,
		CreatedAt:     now,
		LastUpdated:   now,
		TTL:           ttl,
		ExpiresAt:     now.Add(ttl),
		SessionID:     req.SessionID,
		ParentOrderID: req.ParentOrderID,
		Purpose:       req.Purpose,
	}
	o.ClientOrderID = o.InternalID

	m.mu.Lock()
	m.live[o.InternalID] = o
	m.mu.Unlock()

	if err := m.store.Add(ctx, o); err != nil {
		m.mu.Lock()
		delete(m.live, o.InternalID)
		m.mu.Unlock()
		return xctype.Order{}, xerrors.Reconciliation("", "persist new order", err)
	}
	return o, nil
}

// Acknowledge records the exchange_id assigned by the venue for an order
// still in PENDING, establishing the exchange_id -> internal_id mapping.
func (m *Manager) Acknowledge(ctx context.Context, internalID, exchangeID string) (xctype.Order, error) {
	m.mu.Lock()
	o, ok := m.live[internalID]
	if !ok {
		m.mu.Unlock()
		return xctype.Order{}, xerrors.Reconciliation("", fmt.Sprintf("acknowledge unknown order %s", internalID), nil)
	}
	o.ExchangeID = exchangeID
	o.LastUpdated = time.Now()
	m.live[internalID] = o
	m.mu.Unlock()

	if err := m.store.Update(ctx, o); err != nil {
		return xctype.Order{}, xerrors.Reconciliation(internalID, "persist exchange_id mapping", err)
	}
	return o, nil
}

// RequestCancel marks an order PENDING_CANCEL, the internal substate held
// until a terminal execution report arrives. Cancellation requires an
// exchange_id; if the order is still PENDING without one, the
// caller is expected to cancel by client_order_id instead (the venue
// protocol decides which wire shape that takes).
func (m *Manager) RequestCancel(ctx context.Context, internalID string) (xctype.Order, error) {
	m.mu.Lock()
	o, ok := m.live[internalID]
	if !ok {
		m.mu.Unlock()
		return xctype.Order{}, xerrors.Reconciliation("", fmt.Sprintf("cancel unknown order %s", internalID), nil)
	}
	if !xctype.CanTransition(o.Status, xctype.PendingCancel) {
		m.mu.Unlock()
		return xctype.Order{}, xerrors.Validation(internalID, fmt.Sprintf("cannot cancel order in status %s", o.Status))
	}
	o.Status = xctype.PendingCancel
	o.LastUpdated = time.Now()
	m.live[internalID] = o
	m.mu.Unlock()

	if err := m.store.Update(ctx, o); err != nil {
		return xctype.Order{}, xerrors.Reconciliation(internalID, "persist pending_cancel", err)
	}
	return o, nil
}

// ApplyFill advances an order's filled/remaining sizes and status per a
// new cumulative fill. cumulativeFilled comes from the exchange's
// reported cumulative quantity, not this fill's delta alone, so repeated
// calls are idempotent.
func (m *Manager) ApplyFill(ctx context.Context, internalID string, cumulativeFilled decimal.Decimal, f xctype.Fill) (xctype.Order, error) {
	m.mu.Lock()
	o, ok := m.live[internalID]
	if !ok {
		m.mu.Unlock()
		return xctype.Order{}, xerrors.Reconciliation("", fmt.Sprintf("fill for unknown order %s", internalID), nil)
	}

	o.FilledSize = cumulativeFilled
	o.RemainingSize = o.Size.Sub(cumulativeFilled)
	if o.RemainingSize.IsNegative() {
		o.RemainingSize = decimal.Zero
	}

	var next xctype.OrderStatus
	var eventType xctype.EventType
	if o.RemainingSize.IsZero() {
		next = xctype.Filled
		eventType = xctype.EventOrderFilled
	} else {
		next = xctype.PartiallyFilled
		eventType = xctype.EventOrderPartiallyFilled
	}
	if !xctype.CanTransition(o.Status, next) {
		m.mu.Unlock()
		return xctype.Order{}, xerrors.Reconciliation(internalID, fmt.Sprintf("illegal transition %s -> %s", o.Status, next), nil)
	}
	o.Status = next
	o.LastUpdated = time.Now()
	m.live[internalID] = o
	if next.Terminal() {
		delete(m.live, internalID)
	}
	m.mu.Unlock()

	if err := m.store.Update(ctx, o); err != nil {
		return xctype.Order{}, xerrors.Reconciliation(internalID, "persist fill", err)
	}
	if err := m.store.AddFill(ctx, f); err != nil {
		m.logger.Warn("persist fill record failed", "order_id", internalID, "error", err)
	}

	if m.OnEvent != nil {
		m.OnEvent(eventType, xctype.OrderUpdatePayload{Order: o, Fill: &f})
	}
	return o, nil
}

// AdvanceStatus applies a terminal or non-fill status transition (OPEN,
// CANCELLED, EXPIRED, REJECTED) reported by the venue.
func (m *Manager) AdvanceStatus(ctx context.Context, internalID string, next xctype.OrderStatus) (xctype.Order, error) {
	m.mu.Lock()
	o, ok := m.live[internalID]
	if !ok {
		m.mu.Unlock()
		return xctype.Order{}, xerrors.Reconciliation("", fmt.Sprintf("status update for unknown order %s", internalID), nil)
	}
	if !xctype.CanTransition(o.Status, next) {
		m.mu.Unlock()
		return xctype.Order{}, xerrors.Reconciliation(internalID, fmt.Sprintf("illegal transition %s -> %s", o.Status, next), nil)
	}
	o.Status = next
	o.LastUpdated = time.Now()
	m.live[internalID] = o
	if next.Terminal() {
		delete(m.live, internalID)
	}
	m.mu.Unlock()

	if err := m.store.Update(ctx, o); err != nil {
		return xctype.Order{}, xerrors.Reconciliation(internalID, "persist status update", err)
	}

	if m.OnEvent != nil {
		eventType := xctype.EventOrderUpdate
		if next == xctype.Cancelled {
			eventType = xctype.EventOrderCancelled
		}
		m.OnEvent(eventType, xctype.OrderUpdatePayload{Order: o})
	}
	return o, nil
}

// Get returns the live (non-terminal) order tracked for internalID.
func (m *Manager) Get(internalID string) (xctype.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.live[internalID]
	return o, ok
}

// Live returns a snapshot of every non-terminal order currently tracked,
// used by the TTL sweep and as a last-resort lookup when an execution
// reconciler's other strategies fail to match a report to an order.
func (m *Manager) Live() []xctype.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]xctype.Order, 0, len(m.live))
	for _, o := range m.live {
		out = append(out, o)
	}
	return out
}

// SweepExpired finds live orders whose ExpiresAt has passed and advances
// them to EXPIRED, returning the set that changed. Intended to be called
// periodically by the owning Session Machine's timer.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) []xctype.Order {
	m.mu.Lock()
	var expiring []string
	for id, o := range m.live {
		if !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt) && !o.Status.Terminal() {
			expiring = append(expiring, id)
		}
	}
	m.mu.Unlock()

	out := make([]xctype.Order, 0, len(expiring))
	for _, id := range expiring {
		o, err := m.AdvanceStatus(ctx, id, xctype.Expired)
		if err != nil {
			m.logger.Warn("expire sweep failed", "order_id", id, "error", err)
			continue
		}
		out = append(out, o)
	}
	return out
}
