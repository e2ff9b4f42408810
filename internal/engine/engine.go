// Package engine is the central orchestrator of the tick engine.
//
// It wires together all subsystems:
//
//  1. InstrumentMaster bootstraps the token/symbol universe at startup.
//  2. Connection Manager maintains the single upstream WebSocket and
//     decodes inbound frames into ticks.
//  3. Registry resolves a tick's token to a symbol and tracks
//     subscriptions; the Sharded Tick Processor applies backpressure and
//     invokes callbacks in symbol order.
//  4. Derived-View Engine recomputes option-chain rows from leg/straddle
//     callbacks and feeds row-changed events into the Coalescing
//     Dispatcher.
//  5. The dashboard WS hub is itself a dispatcher sink, broadcasting
//     coalesced batches to connected browsers.
//
// Lifecycle: New() -> Start() -> [runs until context cancellation] -> Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tickengine/internal/codec"
	"tickengine/internal/config"
	"tickengine/internal/conn"
	"tickengine/internal/dispatch"
	"tickengine/internal/instrumentmaster"
	"tickengine/internal/optionchain"
	"tickengine/internal/pipeline"
	"tickengine/internal/registry"
	"tickengine/pkg/types"
)

// Engine orchestrates all components of the tick ingestion system. It
// owns the lifecycle of all goroutines and exposes the pieces a
// collaborator (CLI, dashboard) needs to reach: the registry for
// subscribing symbols, the chain engine for building option chains.
type Engine struct {
	cfg config.Config

	master *instrumentmaster.Master
	reg    *registry.Registry
	conn   *conn.Manager
	pipe   *pipeline.Processor
	chain  *optionchain.Engine
	disp   *dispatch.Dispatcher
	hub    *dispatch.Hub
	server *dispatch.Server

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New fetches the instrument master and wires all engine components.
// The returned Engine is not yet started.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	imClient := instrumentmaster.New(instrumentmaster.Config{
		URL:     cfg.InstrumentMaster.URL,
		Timeout: cfg.InstrumentMaster.Timeout,
	}, logger)

	master, err := imClient.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch instrument master: %w", err)
	}

	reg := registry.New()

	c := codec.New(func(token uint32) int64 {
		inst, ok := master.ByToken(token)
		if !ok || inst.Divisor == 0 {
			return 100
		}
		return inst.Divisor
	})

	connMgr := conn.New(conn.Config{
		WSURL:       cfg.Broker.WSURL,
		APIKey:      cfg.Broker.APIKey,
		AccessToken: cfg.Broker.AccessToken,
	}, c, reg, logger)

	pipe := pipeline.New(pipeline.Config{
		Shards:                cfg.Pipeline.Shards,
		ShardCapacity:         cfg.Pipeline.ShardCapacity,
		SlowCallback:          time.Duration(cfg.Pipeline.SlowCallbackMs) * time.Millisecond,
		EssentialSymbols:      cfg.Pipeline.EssentialSymbols,
		WarningPct:            cfg.Backpressure.WarningPct,
		CriticalPct:           cfg.Backpressure.CriticalPct,
		EmergencyPct:          cfg.Backpressure.EmergencyPct,
		MarketOpen:            cfg.MarketHours.Open,
		MarketClose:           cfg.MarketHours.Close,
		ExtendedHoursPrefixes: cfg.MarketHours.ExtendedHoursPrefixes,
	}, reg, logger)

	var disp *dispatch.Dispatcher
	var hub *dispatch.Hub
	if cfg.Dashboard.Enabled {
		disp = dispatch.New(cfg.Pipeline.CoalesceInterval, logger)
		hub = dispatch.NewHub(logger)
		disp.RegisterSink(hub)
	}

	engineCtx, cancel := context.WithCancel(ctx)

	e := &Engine{
		cfg:    cfg,
		master: master,
		reg:    reg,
		conn:   connMgr,
		pipe:   pipe,
		disp:   disp,
		hub:    hub,
		logger: logger.With("component", "engine"),
		ctx:    engineCtx,
		cancel: cancel,
	}

	e.chain = optionchain.New(reg, e.onRowChanged, false, logger)

	if cfg.Dashboard.Enabled {
		e.server = dispatch.NewServer(dispatch.ServerConfig{
			Port:           cfg.Dashboard.Port,
			AllowedOrigins: cfg.Dashboard.AllowedOrigins,
		}, e, hub, logger)
	}

	return e, nil
}

// Snapshot implements dispatch.SnapshotProvider: it reports the number
// of bound instruments, the current backpressure tier, and the
// connection state, for the dashboard's /api/snapshot endpoint and a
// newly connected client's seed payload.
func (e *Engine) Snapshot() interface{} {
	return map[string]interface{}{
		"instruments": e.master.Len(),
		"tier":        e.pipe.Tier().String(),
		"connState":   e.conn.State().String(),
		"activeModes": len(e.reg.ActiveModes()),
	}
}

// Registry exposes the subscription registry to collaborators that need
// to subscribe symbols (e.g. an operator CLI or replay harness).
func (e *Engine) Registry() *registry.Registry { return e.reg }

// ChainEngine exposes the derived-view engine so a collaborator can
// build option chains.
func (e *Engine) ChainEngine() *optionchain.Engine { return e.chain }

// Start launches all background goroutines: the connection manager's
// run loop, the sharded processor's workers, the tick-routing loop, the
// dispatcher's flush timer, and (if enabled) the dashboard server.
func (e *Engine) Start() error {
	if err := e.conn.Connect(e.ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	e.pipe.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.routeTicks()
	}()

	if e.disp != nil {
		e.disp.Start()
	}

	if e.server != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.server.Start(); err != nil {
				e.logger.Error("dashboard server error", "error", err)
			}
		}()
	}

	return nil
}

// Stop stops the dashboard server and hub, cancels the engine context,
// shuts down the connection manager, then the sharded processor (which
// drains its queues) and the dispatcher, and waits for the remaining
// goroutines to exit.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	if e.server != nil {
		if err := e.server.Stop(); err != nil {
			e.logger.Error("failed to stop dashboard server", "error", err)
		}
	}
	if e.hub != nil {
		e.hub.Stop()
	}

	e.cancel()

	if err := e.conn.Shutdown(); err != nil {
		e.logger.Error("failed to shut down connection manager", "error", err)
	}
	e.pipe.Shutdown()
	if e.disp != nil {
		e.disp.Shutdown()
	}

	e.wg.Wait()
	e.logger.Info("shutdown complete")
}

// routeTicks drains the connection manager's decoded ticks, resolves
// each tick's token to the symbol the registry knows it by, and admits
// it to the sharded processor. A tick for an unbound token is logged
// once per token and dropped.
func (e *Engine) routeTicks() {
	warned := make(map[uint32]bool)
	for {
		select {
		case <-e.ctx.Done():
			return
		case tick, ok := <-e.conn.Ticks():
			if !ok {
				return
			}
			handle, found := e.reg.LookupByToken(tick.Token)
			if !found {
				if !warned[tick.Token] {
					warned[tick.Token] = true
					e.logger.Warn("tick for unbound token", "token", tick.Token)
				}
				continue
			}
			if res := e.pipe.QueueTick(handle.Symbol, tick); res.Err() != nil {
				e.logger.Warn("tick dropped", "symbol", handle.Symbol, "result", res)
			}
		}
	}
}

// onRowChanged publishes every changed option-chain attribute to the
// coalescing dispatcher, keyed by "<underlying>|<strike>" and the
// attribute name, so a burst of leg ticks collapses into one UI update
// per coalesce period.
func (e *Engine) onRowChanged(evt types.RowChangedEvent) {
	if e.disp == nil {
		return
	}
	symbol := evt.Key.Underlying + "|" + evt.Key.Strike.String()
	for _, attr := range evt.Attrs {
		e.disp.Publish(symbol, attrName(attr), evt)
	}
}

func attrName(attr types.RowChangedAttr) string {
	switch attr {
	case types.AttrCEPrice:
		return "ce_price"
	case types.AttrPEPrice:
		return "pe_price"
	case types.AttrStraddle:
		return "straddle"
	case types.AttrATM:
		return "atm"
	case types.AttrHistogram:
		return "histogram"
	case types.AttrVWAP:
		return "vwap"
	case types.AttrStatus:
		return "status"
	default:
		return "unknown"
	}
}
