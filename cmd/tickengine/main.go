// tickengine ingests real-time market ticks over a single upstream
// WebSocket, fans them out to subscribers through a sharded,
// backpressure-aware processor, derives option-chain composites, and
// serves a coalesced live view over a dashboard WebSocket.
//
// Architecture:
//
//	cmd/tickengine/main.go        — entry point: cobra root with serve/replay subcommands
//	internal/engine/engine.go     — orchestrator: wires conn -> registry -> pipeline -> optionchain -> dispatch
//	internal/codec/codec.go       — binary frame decode, JSON subscribe encode
//	internal/conn/conn.go         — single upstream WebSocket with reconnect/resubscribe
//	internal/registry/registry.go — subscription state, callback routing
//	internal/pipeline/pipeline.go — sharded workers, backpressure tiers, tick pooling
//	internal/optionchain/optionchain.go — straddle/ATM/VWAP/histogram derivation
//	internal/dispatch/dispatch.go — coalescing buffer + dashboard WS hub + HTTP server
//	internal/instrumentmaster/instrumentmaster.go — one-shot REST bootstrap of the token universe
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tickengine/internal/codec"
	"tickengine/internal/config"
	"tickengine/internal/engine"
	"tickengine/internal/pipeline"
	"tickengine/internal/registry"
	"tickengine/pkg/types"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "tickengine",
	Short: "Real-time market tick ingestion and fan-out engine",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tick engine until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Feed a captured binary tick dump through the codec and pipeline offline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(args[0])
	},
}

func main() {
	cobra.OnInitialize(loadEnv)
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "configs/config.yaml", "path to config.yaml")
	rootCmd.AddCommand(serveCmd, replayCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnv loads environment variables (TICK_BROKER_API_KEY,
// TICK_BROKER_ACCESS_TOKEN, TICK_CONFIG) from a .env file in the current
// working directory, if present. Errors are ignored since the file is
// optional — credentials may instead come from the real environment.
func loadEnv() {
	_ = godotenv.Load()
}

func loadConfigAndLogger() (*config.Config, *slog.Logger, error) {
	path := cfgPath
	if p := os.Getenv("TICK_CONFIG"); p != "" {
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return cfg, slog.New(handler), nil
}

func runServe() error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	ctx := context.Background()
	eng, err := engine.New(ctx, *cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Dashboard.Enabled {
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}
	logger.Info("tick engine started", "shards", cfg.Pipeline.Shards, "broker", cfg.Broker.WSURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
	return nil
}

// runReplay decodes a captured binary dump (the same container format the
// live connection receives) and pushes each tick through a standalone
// pipeline.Processor for offline debugging, without touching the network
// or the instrument master. Ticks are keyed by a synthetic per-token
// symbol since no registry binding exists outside a live session.
func runReplay(path string) error {
	_, logger, err := loadConfigAndLogger()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read replay file: %w", err)
	}

	c := codec.New(func(token uint32) int64 { return 100 })
	ticks, err := c.Decode(data)
	if err != nil {
		return fmt.Errorf("decode replay file: %w", err)
	}

	proc := pipeline.New(pipeline.Config{
		Shards:        4,
		ShardCapacity: 4096,
		SlowCallback:  50 * time.Millisecond,
	}, noopSubs{}, logger)
	proc.Start()
	defer proc.Shutdown()

	for _, tick := range ticks {
		symbol := fmt.Sprintf("token-%d", tick.Token)
		res := proc.QueueTick(symbol, tick)
		logger.Info("replayed tick", "symbol", symbol, "price", tick.LastPrice, "result", res)
	}

	logger.Info("replay complete", "frames", len(ticks))
	return nil
}

// noopSubs satisfies pipeline.SubscriptionSource for replay mode, where
// there is no live registry: every tick is treated as unbound, so
// Deliver always returns no callbacks to invoke.
type noopSubs struct{}

func (noopSubs) LookupByToken(token uint32) (*registry.SubscriptionHandle, bool) { return nil, false }
func (noopSubs) Deliver(tick types.Tick) ([]registry.Callback, error)           { return nil, nil }

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
