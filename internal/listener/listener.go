// Package listener runs the resilient log-subscription state machine
// against the upstream chain node, decodes each notification through
// internal/codec, and feeds accepted events into a per-mint worker pool
// that applies them via internal/indexer and publishes the results to a
// Bus.
//
// Grounded on the teacher's internal/exchange/ws.go reconnect loop
// (exponential backoff, read-deadline watchdog, re-subscribe on
// reconnect), generalized into an explicit state enum so the status
// endpoint can report exactly what the transition table promises: current
// state, last-seen slot, reconnect-attempt count.
package listener

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"spin-indexer/internal/codec"
	"spin-indexer/internal/indexer"
)

const (
	maxBackoff          = 30 * time.Second
	streamingResetDwell = 30 * time.Second
	defaultIdleWatchdog = 90 * time.Second
	defaultNumWorkers   = 8
)

// Config tunes the Listener's connection and worker-pool behavior. Field
// names mirror the solana.* configuration keys from the external
// interfaces contract.
type Config struct {
	WSURL                string
	ProgramID            string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int // 0 means unlimited
	EventBufferSize      int
	EventBatchSize       int // reserved for future batched-notification support
	IdleWatchdog         time.Duration
	NumWorkers           int
}

// Listener owns the upstream WebSocket connection end to end; nobody else
// writes to it (§5's shared-resource rule).
type Listener struct {
	cfg    Config
	codec  *codec.Codec
	pool   *workerPool
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	stateMu         sync.RWMutex
	state           State
	streamEnteredAt time.Time

	lastSlot          atomic.Uint64
	reconnectAttempts atomic.Int32
}

// New builds a Listener. ix is the Indexer events are applied through
// (which owns its own Aggregator reference); bus receives the resulting
// deltas.
func New(cfg Config, c *codec.Codec, ix *indexer.Indexer, bus Publisher, logger *slog.Logger) *Listener {
	if cfg.IdleWatchdog <= 0 {
		cfg.IdleWatchdog = defaultIdleWatchdog
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = defaultNumWorkers
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}

	l := &Listener{
		cfg:    cfg,
		codec:  c,
		logger: logger.With("component", "listener"),
	}
	l.pool = newWorkerPool(cfg.NumWorkers, cfg.EventBufferSize, ix, bus, l.logger)
	return l
}

// Snapshot reports the Listener's current state for the status endpoint.
func (l *Listener) Snapshot() Snapshot {
	l.stateMu.RLock()
	s := l.state
	l.stateMu.RUnlock()
	return Snapshot{
		State:             s.String(),
		LastSeenSlot:      l.lastSlot.Load(),
		ReconnectAttempts: int(l.reconnectAttempts.Load()),
	}
}

func (l *Listener) setState(s State) {
	l.stateMu.Lock()
	from := l.state
	l.state = s
	if s == Streaming {
		l.streamEnteredAt = time.Now()
	}
	l.stateMu.Unlock()
	if from != s {
		l.logger.Info("listener state", "from", from, "to", s)
	}
}

// Run starts the worker pool and drives the FSM until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	l.pool.run(ctx)

	backoff := l.cfg.ReconnectInterval
	if backoff <= 0 {
		backoff = time.Second
	}
	baseBackoff := backoff
	attempts := 0

	for {
		if ctx.Err() != nil {
			l.setState(Terminated)
			return ctx.Err()
		}

		l.setState(Connecting)
		err := l.connectAndStream(ctx)

		if ctx.Err() != nil {
			l.setState(Terminated)
			return ctx.Err()
		}

		// A long enough Streaming dwell resets the backoff/attempt counters
		// (transition table: "reset attempts on a successful Streaming
		// dwell of >= threshold").
		l.stateMu.RLock()
		dwell := time.Since(l.streamEnteredAt)
		wasStreaming := l.state == Streaming
		l.stateMu.RUnlock()
		if wasStreaming && dwell >= streamingResetDwell {
			attempts = 0
			backoff = baseBackoff
		}

		l.logger.Warn("listener disconnected", "error", err, "backoff", backoff)
		l.setState(Backoff)
		attempts++
		l.reconnectAttempts.Store(int32(attempts))

		if l.cfg.MaxReconnectAttempts > 0 && attempts >= l.cfg.MaxReconnectAttempts {
			l.logger.Error("listener exhausted reconnect attempts", "attempts", attempts)
			l.setState(Terminated)
			return fmt.Errorf("listener: exhausted %d reconnect attempts: %w", attempts, err)
		}

		select {
		case <-ctx.Done():
			l.setState(Terminated)
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// connectAndStream dials, subscribes, waits for confirmation, then reads
// notification frames until a transport error, a confirmation failure, or
// an idle-watchdog timeout — any of which return a non-nil error so Run can
// drive the FSM into Backoff.
func (l *Listener) connectAndStream(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	defer func() {
		l.connMu.Lock()
		conn.Close()
		l.conn = nil
		l.connMu.Unlock()
	}()

	l.setState(Subscribing)
	req := newLogsSubscribeRequest(1, l.cfg.ProgramID)
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(l.cfg.IdleWatchdog))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read subscribe confirmation: %w", err)
	}
	resp, err := parseSubscribeResponse(raw)
	if err != nil {
		return fmt.Errorf("confirmation failure: unparseable frame: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("confirmation failure: rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if resp.Result == nil {
		return fmt.Errorf("confirmation failure: no subscription id in response")
	}

	l.setState(Streaming)
	l.logger.Info("subscription confirmed", "subscription_id", *resp.Result)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(l.cfg.IdleWatchdog))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		l.handleNotification(ctx, msg)
	}
}

// handleNotification decodes one logsNotification frame and dispatches
// every accepted event to the worker pool. Malformed frames, failed
// transactions, undecodable payloads and unknown discriminators are
// swallowed per the transient/decode error taxonomy — never fatal to the
// stream. The emitting program of a "Program data:" line is not checked.
func (l *Listener) handleNotification(ctx context.Context, raw []byte) {
	n, err := parseLogsNotification(raw)
	if err != nil || n.Method != "logsNotification" {
		l.logger.Debug("ignoring non-notification frame")
		return
	}
	if n.Params.Result.Value.Err != nil {
		// Failed transaction — no events to extract.
		return
	}

	slot := n.Params.Result.Context.Slot
	sig := n.Params.Result.Value.Signature
	l.lastSlot.Store(slot)
	timestampMs := time.Now().UnixMilli()

	for _, line := range n.Params.Result.Value.Logs {
		payload, ok := extractProgramData(line)
		if !ok {
			continue
		}
		evt, ok, err := l.codec.Decode(payload, sig, slot, timestampMs)
		if err != nil {
			l.logger.Debug("decode error", "error", err, "signature", sig)
			continue
		}
		if !ok || evt == nil {
			continue
		}
		if err := l.pool.dispatch(ctx, *evt); err != nil {
			return
		}
	}
}

// extractProgramData pulls the base64 payload out of an Anchor-style
// "Program data: <base64>" log line.
func extractProgramData(line string) ([]byte, bool) {
	const marker = "Program data: "
	idx := strings.Index(line, marker)
	if idx < 0 {
		return nil, false
	}
	encoded := strings.TrimSpace(line[idx+len(marker):])
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	return decoded, true
}
