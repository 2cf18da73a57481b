// Package reconcile implements an execution reconciler: it classifies
// inbound execution reports, matches them to a locally-known order
// through a four-strategy lookup cascade, applies field-preservation
// rules, deduplicates fills, and reconstructs fees and sides the venue
// omitted. It is grounded on gocryptotrader's exchanges/stream/buffer
// discipline of validating an update against held state before ever
// mutating it, generalized here from order-book deltas to execution
// reports, plus a per-session sequence bookkeeping idiom (a small keyed
// map guarding against out-of-session replay) adapted into the
// current-session ownership check of lookup strategy 3.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"xconnect/internal/collaborator"
	"xconnect/internal/order"
	"xconnect/pkg/xctype"
)

// MaxDedupEntries bounds the fill dedup set.
const MaxDedupEntries = 1000

// ExecType is the venue-reported execution report kind, pre-classification.
type ExecType string

const (
	ExecTrade      ExecType = "trade"
	ExecFilled     ExecType = "filled"
	ExecNew        ExecType = "new"
	ExecPendingNew ExecType = "pending_new"
	ExecReplaced   ExecType = "replaced"
	ExecCanceled   ExecType = "canceled"
	ExecExpired    ExecType = "expired"
	ExecRejected   ExecType = "rejected"
)

// class is the reconciler's internal classification of an ExecType.
type class int

const (
	classFill class = iota
	classStatus
	classTerminal
)

func classify(t ExecType) class {
	switch t {
	case ExecTrade, ExecFilled:
		return classFill
	case ExecCanceled, ExecExpired, ExecRejected:
		return classTerminal
	default:
		return classStatus
	}
}

func (t ExecType) terminalStatus() xctype.OrderStatus {
	switch t {
	case ExecCanceled:
		return xctype.Cancelled
	case ExecExpired:
		return xctype.Expired
	case ExecRejected:
		return xctype.Rejected
	default:
		return ""
	}
}

// Report is one execution report from the private session machine. A
// zero-value Side, Price, or Size means
// "not reported by the venue"; FeeObject, USDFee, and FeesArray are the
// three explicit fee shapes tried before reconstruction.
type Report struct {
	ExecType        ExecType
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          xctype.Symbol
	Side            xctype.OrderSide // empty if unreported
	CumulativeQty   decimal.Decimal
	LastFillQty     decimal.Decimal
	LastFillPrice   decimal.Decimal
	Liquidity       xctype.LiquidityIndicator
	Timestamp       time.Time
	TradeID         string
	ExecutionID     string

	FeeObject  *xctype.Fee
	USDFee     decimal.Decimal // strategy (b), zero means absent
	FeesArray  []xctype.Fee    // strategy (c), first entry used
}

// FeeRateLookup supplies the current maker/taker fee rate for the last
// fee-reconstruction strategy.
type FeeRateLookup func(symbol xctype.Symbol, liquidity xctype.LiquidityIndicator) decimal.Decimal

// Reconciler applies inbound execution reports against the order manager
// and external store for one session.
type Reconciler struct {
	mu       sync.Mutex
	orders   *order.Manager
	store    collaborator.OrderFillStore
	sessID   string
	feeRate  FeeRateLookup
	logger   *slog.Logger

	dedup     map[string]bool
	dedupList []string // insertion order, for eviction

	// OnUnreconciled fires when no owning order is found in the current
	// session; an unmatched report is never silently dropped.
	OnUnreconciled func(xctype.UnreconciledExchangeUpdatePayload)
}

// New creates a Reconciler for one session, bound to orders and store.
func New(sessionID string, orders *order.Manager, store collaborator.OrderFillStore, feeRate FeeRateLookup, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if feeRate == nil {
		feeRate = func(xctype.Symbol, xctype.LiquidityIndicator) decimal.Decimal { return decimal.Zero }
	}
	return &Reconciler{
		orders:  orders,
		store:   store,
		sessID:  sessionID,
		feeRate: feeRate,
		logger:  logger.With("component", "execution_reconciler"),
		dedup:   make(map[string]bool),
	}
}

// Apply classifies and processes one execution report.
func (r *Reconciler) Apply(ctx context.Context, rep Report) error {
	internalID, found := r.lookup(ctx, rep)
	if !found {
		r.emitUnreconciled(rep)
		return nil
	}

	existing, ok := r.orders.Get(internalID)
	if !ok {
		// Terminal already; consult the store for field preservation.
		stored, sok, err := r.store.GetByID(ctx, internalID)
		if err != nil || !sok {
			r.emitUnreconciled(rep)
			return nil
		}
		existing = stored
	}

	side := r.recoverSide(rep, existing)
	if side == "" {
		r.logger.Warn("could not recover order side", "internal_id", internalID)
		side = xctype.OrderSide("unknown")
	}

	switch classify(rep.ExecType) {
	case classFill:
		return r.applyFill(ctx, internalID, rep, existing, side)
	case classTerminal:
		status := rep.ExecType.terminalStatus()
		_, err := r.orders.AdvanceStatus(ctx, internalID, status)
		return err
	default: // classStatus: new, pending_new, replaced
		if existing.Status == xctype.Pending {
			_, err := r.orders.AdvanceStatus(ctx, internalID, xctype.Open)
			return err
		}
		return nil
	}
}

// lookup runs a four-strategy cascade to find the order a report
// belongs to, first hit wins.
func (r *Reconciler) lookup(ctx context.Context, rep Report) (string, bool) {
	// 1. Direct lookup by client_order_id.
	if rep.ClientOrderID != "" {
		if _, ok := r.orders.Get(rep.ClientOrderID); ok {
			return rep.ClientOrderID, true
		}
		if o, ok, _ := r.store.GetByID(ctx, rep.ClientOrderID); ok && o.SessionID == r.sessID {
			return rep.ClientOrderID, true
		}
	}

	// 2. Translate exchange_order_id via the local mapping.
	if rep.ExchangeOrderID != "" {
		if id, ok, _ := r.store.GetClientOrderIDByExchange(ctx, rep.ExchangeOrderID); ok {
			return id, true
		}
	}

	// 3. Scan the external store for a matching exchange_id in this session.
	if rep.ExchangeOrderID != "" {
		all, err := r.store.GetAll(ctx)
		if err == nil {
			for _, o := range all {
				if o.ExchangeID == rep.ExchangeOrderID && o.SessionID == r.sessID {
					return o.InternalID, true
				}
			}
		}
	}

	// 4. Scan the in-memory pending-orders table for the same.
	if rep.ExchangeOrderID != "" {
		for _, o := range r.orders.Live() {
			if o.ExchangeID == rep.ExchangeOrderID && o.SessionID == r.sessID {
				return o.InternalID, true
			}
		}
	}

	return "", false
}

// recoverSide falls back to the existing order's side when a report
// omits it.
func (r *Reconciler) recoverSide(rep Report, existing xctype.Order) xctype.OrderSide {
	if rep.Side != "" {
		return rep.Side
	}
	return existing.Side
}

func (r *Reconciler) applyFill(ctx context.Context, internalID string, rep Report, existing xctype.Order, side xctype.OrderSide) error {
	cumulative := rep.CumulativeQty
	if cumulative.IsZero() && !rep.LastFillQty.IsZero() {
		cumulative = existing.FilledSize.Add(rep.LastFillQty)
	}
	price := rep.LastFillPrice
	if price.IsZero() {
		price = existing.Price
	}
	if cumulative.IsZero() || price.IsZero() {
		// Field-preservation rule: never overwrite a valid size/price with
		// zero, and an update that resolves to size 0 is discarded.
		return nil
	}

	fee := r.reconstructFee(rep, existing, price)

	f := xctype.Fill{
		FillID:          rep.ExecutionID,
		InternalOrderID: internalID,
		ExchangeOrderID: rep.ExchangeOrderID,
		Symbol:          existing.Symbol,
		Side:            side,
		Price:           price,
		Size:            rep.LastFillQty,
		Cost:            rep.LastFillQty.Mul(price),
		Fee:             fee,
		Timestamp:       rep.Timestamp,
		Liquidity:       rep.Liquidity,
		SessionID:       r.sessID,
		TradeID:         rep.TradeID,
		ExecutionID:     rep.ExecutionID,
	}

	if r.seenLocked(f.DedupKey()) {
		return nil
	}

	_, err := r.orders.ApplyFill(ctx, internalID, cumulative, f)
	return err
}

// reconstructFee tries four fee strategies in order: an explicit fee
// object, a flat USD fee, a fee array's first entry, or a rate-based
// reconstruction from the venue's current fee schedule.
func (r *Reconciler) reconstructFee(rep Report, existing xctype.Order, price decimal.Decimal) xctype.Fee {
	if rep.FeeObject != nil {
		return *rep.FeeObject
	}
	if !rep.USDFee.IsZero() {
		return xctype.Fee{Amount: rep.USDFee, Currency: "USD"}
	}
	if len(rep.FeesArray) > 0 {
		return rep.FeesArray[0]
	}
	rate := r.feeRate(existing.Symbol, rep.Liquidity)
	cost := rep.LastFillQty.Mul(price)
	return xctype.Fee{
		Amount:        cost.Mul(rate),
		Rate:          rate,
		Reconstructed: true,
	}
}

// seenLocked reports whether key has already been processed, recording it
// if not. The dedup set is bounded; oldest entries are evicted on
// overflow.
func (r *Reconciler) seenLocked(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dedup[key] {
		return true
	}
	r.dedup[key] = true
	r.dedupList = append(r.dedupList, key)
	if len(r.dedupList) > MaxDedupEntries {
		oldest := r.dedupList[0]
		r.dedupList = r.dedupList[1:]
		delete(r.dedup, oldest)
	}
	return false
}

func (r *Reconciler) emitUnreconciled(rep Report) {
	kind := xctype.UnreconciledOrder
	var fill *xctype.Fill
	if classify(rep.ExecType) == classFill {
		kind = xctype.UnreconciledFill
		fill = &xctype.Fill{
			ExchangeOrderID: rep.ExchangeOrderID,
			Symbol:          rep.Symbol,
			Side:            rep.Side,
			Price:           rep.LastFillPrice,
			Size:            rep.LastFillQty,
			Timestamp:       rep.Timestamp,
			Liquidity:       rep.Liquidity,
			SessionID:       r.sessID,
			TradeID:         rep.TradeID,
			ExecutionID:     rep.ExecutionID,
		}
	}
	r.logger.Warn("unreconciled exchange update", "exchange_order_id", rep.ExchangeOrderID, "client_order_id", rep.ClientOrderID, "exec_type", rep.ExecType)
	if r.OnUnreconciled != nil {
		r.OnUnreconciled(xctype.UnreconciledExchangeUpdatePayload{
			Kind:            kind,
			ExchangeOrderID: rep.ExchangeOrderID,
			ClientOrderID:   rep.ClientOrderID,
			SessionID:       r.sessID,
			Fill:            fill,
			RawStatus:       string(rep.ExecType),
		})
	}
}
