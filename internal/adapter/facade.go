// Package adapter implements a facade: the single entry point a
// strategy talks to, wiring one venue's Protocol together with its
// Session Machine(s), an Order-Book Assembler, an Order Lifecycle
// Manager, and an Execution Reconciler into one cooperative event loop.
// One goroutine per market slot collapses into one goroutine per
// Session Machine feeding a single select loop here, avoiding internal
// locks in favor of one loop per adapter rather than per symbol.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"xconnect/internal/collaborator"
	"xconnect/internal/eventbus"
	"xconnect/internal/metrics"
	"xconnect/internal/order"
	"xconnect/internal/orderbook"
	"xconnect/internal/reconcile"
	"xconnect/internal/session"
	"xconnect/internal/subscription"
	"xconnect/internal/venue"
	"xconnect/internal/xerrors"
	"xconnect/pkg/xctype"
)

// Mode selects whether orders are sent to the venue or simulated
// in-process, via a trading_mode configuration option.
type Mode string

const (
	Live  Mode = "live"
	Paper Mode = "paper"
)

// DefaultRequestTimeout bounds how long CreateOrder/CancelOrder/
// SubscribeOrderBook wait for a correlated response before failing.
const DefaultRequestTimeout = 10 * time.Second

// inboundFrame carries one raw wire frame from a Session Machine's
// OnMessage callback into the facade's single event loop, tagged with
// which machine it came from so response frames are completed against
// the right Multiplexer.
type inboundFrame struct {
	from *session.Machine
	raw  []byte
}

// Config wires together one venue's collaborators. Private may be nil
// when Mode is Paper: no authenticated session is ever opened.
type Config struct {
	VenueName string
	Protocol  venue.Protocol

	Public  *session.Machine
	Private *session.Machine

	Book       *orderbook.Assembler
	Orders     *order.Manager
	Reconciler *reconcile.Reconciler

	Bus     *eventbus.Bus
	Metrics *metrics.Registry

	Mode  Mode
	Paper collaborator.PaperFillSimulator

	RequestTimeout   time.Duration
	LivenessInterval time.Duration

	Logger *slog.Logger
}

// Facade is the single entry point a strategy drives: one per venue
// connection, owning exactly one background goroutine (run) plus one
// read-loop goroutine per Session Machine feeding it.
type Facade struct {
	venueName string
	protocol  venue.Protocol

	public  *session.Machine
	private *session.Machine

	book       *orderbook.Assembler
	orders     *order.Manager
	reconciler *reconcile.Reconciler

	bus     *eventbus.Bus
	metrics *metrics.Registry

	mode  Mode
	paper collaborator.PaperFillSimulator

	requestTimeout   time.Duration
	livenessInterval time.Duration

	logger *slog.Logger

	balancesMu sync.Mutex
	balances   map[string]xctype.Balance

	inbox chan inboundFrame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Facade from cfg, installing the callbacks that funnel every
// Session Machine's inbound frames and state transitions into the
// facade's single event loop.
func New(cfg Config) (*Facade, error) {
	if cfg.Protocol == nil {
		return nil, fmt.Errorf("adapter: Config.Protocol is required")
	}
	if cfg.Public == nil {
		return nil, fmt.Errorf("adapter: Config.Public is required")
	}
	if cfg.Mode == Live && cfg.Private == nil {
		return nil, fmt.Errorf("adapter: live mode requires Config.Private")
	}
	if cfg.Mode == Paper && cfg.Paper == nil {
		return nil, fmt.Errorf("adapter: paper mode requires Config.Paper")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = session.WatchdogInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "adapter_facade", "venue", cfg.VenueName)

	f := &Facade{
		venueName:        cfg.VenueName,
		protocol:         cfg.Protocol,
		public:           cfg.Public,
		private:          cfg.Private,
		book:             cfg.Book,
		orders:           cfg.Orders,
		reconciler:       cfg.Reconciler,
		bus:              cfg.Bus,
		metrics:          cfg.Metrics,
		mode:             cfg.Mode,
		paper:            cfg.Paper,
		requestTimeout:   cfg.RequestTimeout,
		livenessInterval: cfg.LivenessInterval,
		logger:           logger,
		balances:         make(map[string]xctype.Balance),
		inbox:            make(chan inboundFrame, 4096),
	}

	f.wireMachine(f.public)
	if f.private != nil {
		f.wireMachine(f.private)
	}
	if f.book != nil {
		f.book.OnUpdate = f.onBookUpdate
		f.book.OnResync = f.onBookResync
		f.book.OnStale = f.onBookStale
	}
	if f.orders != nil {
		f.orders.OnEvent = f.onOrderEvent
	}
	if f.reconciler != nil {
		f.reconciler.OnUnreconciled = f.onUnreconciled
	}

	return f, nil
}

// wireMachine attaches this facade's callbacks to one Session Machine.
// OnMessage pushes the raw frame onto the facade's single inbox rather
// than processing it inline, so decoding, book/order/reconciler mutation,
// and event emission all happen on one goroutine (run), never on the
// Machine's own read-loop goroutine.
func (f *Facade) wireMachine(m *session.Machine) {
	m.OnMessage = func(raw []byte) {
		select {
		case f.inbox <- inboundFrame{from: m, raw: raw}:
		case <-f.ctx.Done():
		}
	}
	m.OnStateChange = func(s session.State) {
		f.logger.Info("session state changed", "kind", m.Kind, "state", s)
		if f.metrics != nil {
			switch s {
			case session.Connected:
				f.metrics.SessionConnects.WithLabelValues(f.venueName, string(m.Kind)).Inc()
			case session.Failed:
				f.metrics.SessionDisconnects.WithLabelValues(f.venueName, "failed").Inc()
			}
		}
		if f.bus != nil {
			evt := xctype.EventDisconnected
			if s == session.Connected {
				evt = xctype.EventConnected
			}
			if s == session.Connected || s == session.Failed {
				f.bus.Publish(xctype.Event{Type: evt, Venue: f.venueName, Timestamp: time.Now()})
			}
		}
	}
	m.OnError = func(err error) {
		f.logger.Error("session error", "kind", m.Kind, "error", err)
		kind, _ := xerrors.Kind(err)
		if kind == xctype.ErrAuth && f.metrics != nil {
			f.metrics.AuthFailures.WithLabelValues(f.venueName).Inc()
		}
		if f.bus != nil {
			f.bus.Publish(xctype.Event{
				Type:      xctype.EventError,
				Venue:     f.venueName,
				Timestamp: time.Now(),
				Payload:   xctype.ErrorPayload{Kind: kind, Message: err.Error()},
			})
		}
	}
}

// Connect opens the public session (and, in Live mode, the private
// session), then starts the facade's single event loop. It returns once
// both sessions have reached their terminal state for this attempt;
// reconnects thereafter are handled entirely inside the Session Machines.
func (f *Facade) Connect(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(context.Background())

	f.wg.Add(1)
	go f.run()

	if err := f.public.Connect(ctx); err != nil {
		return fmt.Errorf("adapter: connect public session: %w", err)
	}
	if f.mode == Live {
		if err := f.private.Connect(ctx); err != nil {
			return fmt.Errorf("adapter: connect private session: %w", err)
		}
	}
	return nil
}

// Disconnect tears down both sessions and stops the event loop.
func (f *Facade) Disconnect() error {
	var firstErr error
	if f.private != nil {
		if err := f.private.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := f.public.Disconnect(); err != nil && firstErr == nil {
		firstErr = err
	}
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	return firstErr
}

// run is the facade's single cooperative event loop: every inbound
// frame, liveness tick, book staleness sweep, and order TTL sweep is
// processed here and only here, so no collaborator needs its own
// internal lock against concurrent use from this package.
func (f *Facade) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case frame, ok := <-f.inbox:
			if !ok {
				return
			}
			f.handleFrame(frame)
		case now := <-ticker.C:
			f.tick(now)
		}
	}
}

func (f *Facade) tick(now time.Time) {
	f.public.CheckLiveness(now)
	if f.private != nil {
		f.private.CheckLiveness(now)
	}
	if f.book != nil {
		f.book.CheckStale(now)
	}
	if f.orders != nil {
		expired := f.orders.SweepExpired(f.ctx, now)
		for range expired {
			if f.metrics != nil {
				f.metrics.CancelsSubmitted.WithLabelValues(f.venueName).Inc()
			}
		}
	}
}

func (f *Facade) handleFrame(frame inboundFrame) {
	decoded, err := f.protocol.DecodeFrame(frame.raw)
	if err != nil {
		f.logger.Warn("decode frame failed", "error", err)
		return
	}

	switch decoded.Kind {
	case venue.FrameResponse:
		frame.from.Mux.Complete(decoded.ReqID, frame.raw)

	case venue.FrameBookSnapshot:
		if f.book != nil && decoded.Book != nil {
			b := decoded.Book
			f.book.ApplySnapshot(b.Symbol, b.Bids, b.Asks, b.Timestamp, b.Sequence, b.HasSeq)
		}

	case venue.FrameBookDelta:
		if f.book != nil && decoded.Book != nil {
			b := decoded.Book
			deltas := make([]orderbook.Delta, 0, len(b.Bids)+len(b.Asks))
			for _, l := range b.Bids {
				deltas = append(deltas, orderbook.Delta{Side: xctype.SideBid, Price: l.Price, Size: l.Size})
			}
			for _, l := range b.Asks {
				deltas = append(deltas, orderbook.Delta{Side: xctype.SideAsk, Price: l.Price, Size: l.Size})
			}
			f.book.ApplyDelta(b.Symbol, deltas, b.Timestamp, b.Sequence, b.HasSeq)
		}

	case venue.FrameTrade:
		if decoded.Trade != nil && f.bus != nil {
			f.bus.Publish(xctype.Event{
				Type:      xctype.EventTrade,
				Venue:     f.venueName,
				Timestamp: decoded.Trade.Timestamp,
				Payload:   *decoded.Trade,
			})
		}

	case venue.FrameExecution:
		if f.reconciler != nil && decoded.Report != nil {
			if err := f.reconciler.Apply(f.ctx, *decoded.Report); err != nil {
				f.logger.Error("reconcile execution report failed", "error", err)
			}
			if f.metrics != nil {
				f.metrics.FillsProcessed.WithLabelValues(f.venueName, string(decoded.Report.Liquidity)).Inc()
			}
		}

	case venue.FrameBalance:
		if decoded.Balances != nil {
			f.applyBalances(decoded.Balances)
		}

	case venue.FrameHeartbeat:
		// No action: recordMessage inside the Session Machine already
		// reset the liveness watchdog's clock for this frame.

	default:
		f.logger.Debug("unhandled frame kind", "kind", decoded.Kind)
	}
}

// applyBalances merges a balance push into the cached snapshot (venues
// send incremental per-asset updates, not always a full refresh) and
// publishes BalancesUpdated with the full merged snapshot.
func (f *Facade) applyBalances(updates []xctype.Balance) {
	f.balancesMu.Lock()
	for _, b := range updates {
		f.balances[b.Asset] = b
	}
	snapshot := make(map[string]xctype.Balance, len(f.balances))
	for asset, b := range f.balances {
		snapshot[asset] = b
	}
	f.balancesMu.Unlock()

	f.logger.Debug("balances updated", "assets", len(updates))

	if f.bus != nil {
		f.bus.Publish(xctype.Event{
			Type:      xctype.EventBalancesUpdated,
			Venue:     f.venueName,
			Timestamp: time.Now(),
			Payload:   xctype.BalancesUpdatedPayload{Balances: snapshot},
		})
	}
}

func (f *Facade) onBookUpdate(u orderbook.Update) {
	if f.metrics != nil {
		f.metrics.BookUpdates.WithLabelValues(f.venueName, string(u.Symbol), "update").Inc()
	}
	if f.bus != nil {
		f.bus.Publish(xctype.Event{
			Type:      xctype.EventOrderBookUpdate,
			Venue:     f.venueName,
			Timestamp: time.Now(),
			Payload: xctype.OrderBookUpdatePayload{
				Symbol:    u.Symbol,
				Bids:      u.Bids,
				Asks:      u.Asks,
				Timestamp: u.Timestamp,
				Sequence:  u.Sequence,
				Crossed:   u.Crossed,
			},
		})
	}
}

func (f *Facade) onBookResync(symbol xctype.Symbol, reason orderbook.ResyncReason) {
	f.logger.Warn("order book resync required", "symbol", symbol, "reason", reason)
	if f.metrics != nil {
		f.metrics.BookSequenceGaps.WithLabelValues(f.venueName, string(symbol)).Inc()
	}
	f.book.Forget(symbol)
	f.public.Registry.Remove(subscription.Key{Channel: "book", Symbol: symbol})
	// SubscribeOrderBook blocks on a Multiplexer round trip whose response
	// this very goroutine (run) must read off the inbox to complete, so it
	// cannot be called inline from a callback handleFrame invokes.
	go func() {
		if err := f.SubscribeOrderBook(f.ctx, symbol); err != nil {
			f.logger.Error("resync resubscribe failed", "symbol", symbol, "error", err)
		}
	}()
}

func (f *Facade) onBookStale(symbol xctype.Symbol) {
	f.logger.Warn("order book stale, recycling connection", "symbol", symbol)
	f.book.Forget(symbol)
	f.public.Disconnect()
	go func() {
		if err := f.public.Connect(f.ctx); err != nil {
			f.logger.Error("reconnect after staleness failed", "error", err)
		}
	}()
}

func (f *Facade) onOrderEvent(evt xctype.EventType, payload xctype.OrderUpdatePayload) {
	if f.bus != nil {
		f.bus.Publish(xctype.Event{Type: evt, Venue: f.venueName, Timestamp: time.Now(), Payload: payload})
	}
}

func (f *Facade) onUnreconciled(payload xctype.UnreconciledExchangeUpdatePayload) {
	f.logger.Warn("unreconciled exchange update", "exchange_order_id", payload.ExchangeOrderID, "kind", payload.Kind)
	if f.metrics != nil {
		f.metrics.UnreconciledUpdates.WithLabelValues(f.venueName, string(payload.Kind)).Inc()
	}
	if f.bus != nil {
		f.bus.Publish(xctype.Event{
			Type:      xctype.EventUnreconciledExchange,
			Venue:     f.venueName,
			Timestamp: time.Now(),
			Payload:   payload,
		})
	}
}

// SubscribeOrderBook, SubscribeTrades, CreateOrder, and CancelOrder each
// wait on a Multiplexer round trip whose response only the run goroutine
// can deliver; callers (a strategy's own goroutine) block safely, but
// none of these may be called from inside run's own callbacks (OnUpdate,
// OnResync, OnUnreconciled) without first handing off to a new goroutine.

// SubscribeOrderBook requests the book channel for symbol on the public
// session and marks it pending in the Subscription Registry until the
// venue acknowledges it.
func (f *Facade) SubscribeOrderBook(ctx context.Context, symbol xctype.Symbol) error {
	return f.subscribe(ctx, "book", symbol)
}

// SubscribeTrades requests the trades channel for symbol on the public
// session.
func (f *Facade) SubscribeTrades(ctx context.Context, symbol xctype.Symbol) error {
	return f.subscribe(ctx, "trades", symbol)
}

func (f *Facade) subscribe(ctx context.Context, channel string, symbol xctype.Symbol) error {
	key := subscription.Key{Channel: channel, Symbol: symbol}
	f.public.Registry.MarkPending(key)

	reqs := []venue.SubscribeRequest{{Channel: channel, Symbol: symbol}}
	_, err := f.public.SendRequest(ctx, "subscribe_"+channel, f.requestTimeout, func(reqID string) []byte {
		frame, encErr := f.protocol.EncodeSubscribe(reqID, reqs)
		if encErr != nil {
			f.logger.Error("encode subscribe failed", "channel", channel, "symbol", symbol, "error", encErr)
			return nil
		}
		return frame
	})
	if err != nil {
		return fmt.Errorf("adapter: subscribe %s %s: %w", channel, symbol, err)
	}
	f.public.Registry.Acknowledge(key)
	return nil
}

// CreateOrder validates and submits a new order through the Order
// Lifecycle Manager, then (in Live mode) transmits it over the private
// session; in Paper mode it is handed to the PaperFillSimulator instead.
func (f *Facade) CreateOrder(ctx context.Context, req order.CreateRequest) (xctype.Order, error) {
	o, err := f.orders.Create(ctx, req)
	if err != nil {
		return xctype.Order{}, err
	}
	if f.metrics != nil {
		f.metrics.OrdersSubmitted.WithLabelValues(f.venueName, string(req.Symbol)).Inc()
	}

	if f.mode == Paper {
		filled, err := f.paper.SubmitOrder(ctx, o)
		if err != nil {
			return xctype.Order{}, fmt.Errorf("adapter: paper submit order: %w", err)
		}
		if filled.ExchangeID != "" {
			if _, err := f.orders.Acknowledge(ctx, o.InternalID, filled.ExchangeID); err != nil {
				f.logger.Error("acknowledge paper order failed", "error", err)
			}
		}
		// Acknowledge only records the exchange_id mapping, per its own
		// doc comment; the simulator's reported status (Open, or
		// immediately Filled for an aggressive paper order) still needs
		// to be applied to the manager's own tracked copy.
		if filled.Status != "" && filled.Status != xctype.Pending {
			if advanced, err := f.orders.AdvanceStatus(ctx, o.InternalID, filled.Status); err == nil {
				return advanced, nil
			}
		}
		return filled, nil
	}

	timer := metrics.StartTimer()
	token := f.credentialValue(ctx)
	resp, err := f.private.SendRequest(ctx, "create_order", f.requestTimeout, func(reqID string) []byte {
		frame, encErr := f.protocol.EncodeOrder(reqID, venue.OrderRequest{Op: venue.OpCreate, Order: o, Token: token})
		if encErr != nil {
			f.logger.Error("encode create order failed", "error", encErr)
			return nil
		}
		return frame
	})
	if err != nil {
		return xctype.Order{}, fmt.Errorf("adapter: submit order: %w", err)
	}
	if f.metrics != nil {
		f.metrics.ObserveOrder(timer, f.venueName)
	}

	if decoded, decErr := f.protocol.DecodeFrame(resp); decErr == nil && decoded.Kind == venue.FrameExecution && decoded.Report != nil {
		if decoded.Report.ExchangeOrderID != "" {
			acked, ackErr := f.orders.Acknowledge(ctx, o.InternalID, decoded.Report.ExchangeOrderID)
			if ackErr == nil {
				o = acked
			}
		}
	}
	return o, nil
}

// CancelOrder requests cancellation of the order identified by
// internalID, delegating to the PaperFillSimulator in Paper mode.
func (f *Facade) CancelOrder(ctx context.Context, internalID string) (xctype.Order, error) {
	o, err := f.orders.RequestCancel(ctx, internalID)
	if err != nil {
		return xctype.Order{}, err
	}
	if f.metrics != nil {
		f.metrics.CancelsSubmitted.WithLabelValues(f.venueName).Inc()
	}

	if f.mode == Paper {
		if err := f.paper.CancelOrder(ctx, internalID); err != nil {
			return xctype.Order{}, fmt.Errorf("adapter: paper cancel order: %w", err)
		}
		return f.orders.AdvanceStatus(ctx, internalID, xctype.Cancelled)
	}

	token := f.credentialValue(ctx)
	_, err = f.private.SendRequest(ctx, "cancel_order", f.requestTimeout, func(reqID string) []byte {
		frame, encErr := f.protocol.EncodeOrder(reqID, venue.OrderRequest{Op: venue.OpCancel, Order: o, Token: token})
		if encErr != nil {
			f.logger.Error("encode cancel order failed", "error", encErr)
			return nil
		}
		return frame
	})
	if err != nil {
		return xctype.Order{}, fmt.Errorf("adapter: cancel order: %w", err)
	}
	return o, nil
}

// CancelAllManaged requests cancellation of every currently live order
// tracked by the Order Lifecycle Manager, continuing past individual
// failures so one stuck order never blocks the rest.
func (f *Facade) CancelAllManaged(ctx context.Context) []error {
	var errs []error
	for _, o := range f.orders.Live() {
		if _, err := f.CancelOrder(ctx, o.InternalID); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// FetchBalances returns the account's current balances: simulated in
// Paper mode, or the most recent snapshot pushed over the private
// session's balance feed in Live mode (the private Session Machine's
// default Subscriber requests that feed on authenticate).
func (f *Facade) FetchBalances(ctx context.Context) ([]xctype.Balance, error) {
	if f.mode == Paper {
		return f.paper.Balances(ctx)
	}
	f.balancesMu.Lock()
	defer f.balancesMu.Unlock()
	if len(f.balances) == 0 {
		return nil, fmt.Errorf("adapter: no balance update received yet from %s", f.venueName)
	}
	out := make([]xctype.Balance, 0, len(f.balances))
	for _, b := range f.balances {
		out = append(out, b)
	}
	return out, nil
}

// GetCurrentFees returns the venue's current fee rate for symbol at the
// given liquidity indicator, consulting the protocol's FeeRules.
func (f *Facade) GetCurrentFees(symbol xctype.Symbol, liquidity xctype.LiquidityIndicator) (xctype.Fee, error) {
	rate := f.protocol.FeeRules(symbol, liquidity)
	return xctype.Fee{Rate: rate}, nil
}

func (f *Facade) credentialValue(ctx context.Context) string {
	cred := f.protocol.Credential()
	if cred == nil {
		return ""
	}
	tok, err := cred.GetToken(ctx)
	if err != nil {
		f.logger.Error("fetch credential token failed", "error", err)
		return ""
	}
	return tok.Value
}
