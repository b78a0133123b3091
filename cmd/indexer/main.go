// spin-indexer ingests a live stream of smart-contract events emitted by a
// bonding-curve program, decodes them, durably indexes them under a set of
// secondary indexes in an embedded key-value store, and publishes derived
// real-time views over a WebSocket fanout bus. It also serves HTTP queries
// backed by the same indexes.
//
// Architecture:
//
//	main.go                   — entry point: loads config, wires every
//	                            component, waits for SIGINT/SIGTERM
//	internal/config           — YAML + env + profile-overlay configuration
//	internal/store            — embedded ordered KV (bbolt), one bucket per
//	                            canonical key prefix
//	internal/codec            — binary event decode table
//	internal/indexer          — one atomic Store batch per accepted event
//	internal/aggregator       — token summary + rolling OHLCV candles
//	internal/listener         — resilient log-subscription state machine,
//	                            per-mint worker pool
//	internal/bus              — subscription registry + filtered fanout
//	internal/query            — six read-only paged views + status
//	internal/api              — HTTP/WS facade over query+bus
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spin-indexer/internal/aggregator"
	"spin-indexer/internal/api"
	"spin-indexer/internal/bus"
	"spin-indexer/internal/codec"
	"spin-indexer/internal/config"
	"spin-indexer/internal/indexer"
	"spin-indexer/internal/listener"
	"spin-indexer/internal/query"
	"spin-indexer/internal/store"
	"spin-indexer/pkg/types"
)

const drainDeadline = 5 * time.Second

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SPIN_CONFIG"); p != "" {
		cfgPath = p
	}
	profile := os.Getenv("SPIN_PROFILE")

	cfg, err := config.Load(cfgPath, profile)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(newLogHandler(cfg.Logging))

	st, err := store.Open(cfg.Database.StorePath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	agg := aggregator.New(st)
	for _, spec := range cfg.Solana.CandleIntervals {
		name, seconds, err := parseCandleInterval(spec)
		if err != nil {
			logger.Error("invalid solana.candle_intervals entry", "entry", spec, "error", err)
			os.Exit(1)
		}
		agg.RegisterInterval(types.Interval(name), seconds)
	}

	ix := indexer.New(st, agg)
	eventBus := bus.New(st, logger)

	ctx, cancel := context.WithCancel(context.Background())

	var lst *listener.Listener
	if cfg.Solana.EnableEventListener {
		c := codec.New(cfg.Solana.ProgramID)
		lst = listener.New(listener.Config{
			WSURL:                cfg.Solana.WSURL,
			ProgramID:            cfg.Solana.ProgramID,
			ReconnectInterval:    cfg.Solana.ReconnectInterval(),
			MaxReconnectAttempts: cfg.Solana.MaxReconnectAttempts,
			EventBufferSize:      cfg.Solana.EventBufferSize,
			EventBatchSize:       cfg.Solana.EventBatchSize,
		}, c, ix, eventBus, logger)

		go func() {
			if err := lst.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("listener stopped", "error", err)
			}
		}()
	} else {
		logger.Info("event listener disabled, serving query/bus against an existing store")
	}

	q := query.New(st, listenerStatus{lst})
	apiServer := api.NewServer(cfg.Server, cfg.CORS, q, eventBus, logger)

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("spin-indexer started",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"program_id", cfg.Solana.ProgramID,
		"event_listener_enabled", cfg.Solana.EnableEventListener,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Shutdown sequencing: cancel contexts (stops the listener and its
	// per-mint workers) -> stop the API server -> wait a fixed drainDeadline
	// -> close the Store. Bus outboxes are not explicitly drained; frames
	// still queued when the wait ends are dropped.
	cancel()

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}

	time.Sleep(drainDeadline)

	if err := st.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}
	logger.Info("spin-indexer stopped")
}

type listenerStatus struct {
	l *listener.Listener
}

func (s listenerStatus) Snapshot() listener.Snapshot {
	if s.l == nil {
		return listener.Snapshot{State: "disabled"}
	}
	return s.l.Snapshot()
}

func newLogHandler(cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseCandleInterval parses a "name:seconds" entry from
// solana.candle_intervals (e.g. "m1:60").
func parseCandleInterval(spec string) (name string, seconds int64, err error) {
	sep := -1
	for i, r := range spec {
		if r == ':' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return "", 0, fmt.Errorf("expected name:seconds, got %q", spec)
	}
	name = spec[:sep]
	if _, err := fmt.Sscanf(spec[sep+1:], "%d", &seconds); err != nil {
		return "", 0, fmt.Errorf("invalid seconds in %q: %w", spec, err)
	}
	return name, seconds, nil
}
