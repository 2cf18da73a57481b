package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"xconnect/internal/adapter"
	"xconnect/internal/collaborator"
	"xconnect/internal/config"
	"xconnect/internal/eventbus"
	"xconnect/internal/metrics"
	"xconnect/internal/order"
	"xconnect/internal/orderbook"
	"xconnect/internal/reconcile"
	"xconnect/pkg/xctype"
)

// runAdapters builds one Facade per enabled venue and keeps them
// connected until ctx is cancelled (SIGINT/SIGTERM) or a venue build
// fails. It generalizes a single-engine start/wait-for-signal/stop
// shape from one engine to N independent Facades.
func runAdapters(parentCtx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parentCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: reg.Handler()}
		go func() {
			logger.Info("metrics server starting", "addr", cfg.Metrics.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	var facades []*adapter.Facade

	if v := cfg.Venues.Kraken; v != nil && v.Enabled {
		f, err := buildKrakenFacade(v, cfg, reg, logger)
		if err != nil {
			return fmt.Errorf("build kraken facade: %w", err)
		}
		facades = append(facades, f)
	}
	if v := cfg.Venues.Polymarket; v != nil && v.Enabled {
		f, err := buildPolymarketFacade(v, cfg, reg, logger)
		if err != nil {
			return fmt.Errorf("build polymarket facade: %w", err)
		}
		facades = append(facades, f)
	}
	if v := cfg.Venues.CoinbaseFIX; v != nil && v.Enabled {
		f, err := buildCoinbaseFIXFacade(v, cfg, reg, logger)
		if err != nil {
			return fmt.Errorf("build coinbase fix facade: %w", err)
		}
		facades = append(facades, f)
	}

	for _, f := range facades {
		if err := f.Connect(ctx); err != nil {
			logger.Error("facade connect failed", "error", err)
		}
	}

	logger.Info("xconnect-adapter started", "venues", len(facades), "mode", cfg.Mode)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	for _, f := range facades {
		if err := f.Disconnect(); err != nil {
			logger.Error("facade disconnect failed", "error", err)
		}
	}
	return nil
}

// newVenueFacadeDeps builds the venue-agnostic collaborators every
// Facade gets a fresh instance of: a per-venue order book assembler,
// order manager, and reconciler. The in-memory store stands in for a
// real collaborator.OrderFillStore, which this module never owns.
func newVenueFacadeDeps(sessionID string, logger *slog.Logger) (*orderbook.Assembler, *order.Manager, *reconcile.Reconciler, *collaborator.MemoryStore) {
	store := collaborator.NewMemoryStore()
	known := func(xctype.Symbol) bool { return true }
	orders := order.New(store, known, logger)
	book := orderbook.New(orderbook.DefaultDepth, logger)
	reconciler := reconcile.New(sessionID, orders, store, nil, logger)
	return book, orders, reconciler, store
}

func newEventLogger(venue string, bus *eventbus.Bus, logger *slog.Logger) {
	sub := bus.Subscribe()
	go func() {
		for evt := range sub.Events() {
			logger.Debug("event", "venue", venue, "type", evt.Type)
		}
	}()
}
