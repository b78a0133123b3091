package bus

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spin-indexer/internal/keys"
	"spin-indexer/internal/store"
	"spin-indexer/internal/storeenc"
	"spin-indexer/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedCandles(t *testing.T, st *store.Store, mint string, interval types.Interval, n int) {
	t.Helper()
	batch := &store.Batch{}
	for i := 0; i < n; i++ {
		c := types.Candle{
			Mint:          mint,
			Interval:      interval,
			BucketStartTs: int64(1726627800 + i*30),
			Open:          decimal.NewFromInt(int64(100 + i)),
			High:          decimal.NewFromInt(int64(100 + i)),
			Low:           decimal.NewFromInt(int64(100 + i)),
			Close:         decimal.NewFromInt(int64(100 + i)),
			Volume:        decimal.NewFromInt(10),
			UpdateCount:   1,
		}
		raw, err := storeenc.EncodeCandle(c)
		if err != nil {
			t.Fatalf("encode candle: %v", err)
		}
		batch.Put(store.PrefixCandles, []byte(keys.Candle(mint, interval, c.BucketStartTs)), raw)
	}
	if err := st.BatchApply(batch); err != nil {
		t.Fatalf("seed candles: %v", err)
	}
}

func drainOne(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func frameType(t *testing.T, raw []byte) string {
	t.Helper()
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return envelope.Type
}

func TestSubscribeBackfillThenLive(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	seedCandles(t, st, "M1", types.Interval30s, 5)

	b := New(st, testLogger())
	c := b.RegisterConn("conn-1")
	if got := frameType(t, drainOne(t, c.Outbound())); got != "connection_success" {
		t.Fatalf("first frame type = %q, want connection_success", got)
	}

	if err := b.Subscribe("conn-1", "sub-1", Filter{Mint: "M1", Channel: ChannelCandles, Interval: types.Interval30s}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if got := frameType(t, drainOne(t, c.Outbound())); got != "subscription_confirmed" {
		t.Fatalf("second frame type = %q, want subscription_confirmed", got)
	}

	historyRaw := drainOne(t, c.Outbound())
	if got := frameType(t, historyRaw); got != "history_data" {
		t.Fatalf("third frame type = %q, want history_data", got)
	}
	var history historyDataFrame
	if err := json.Unmarshal(historyRaw, &history); err != nil {
		t.Fatalf("unmarshal history_data: %v", err)
	}
	if history.TotalCount != 5 {
		t.Errorf("total_count = %d, want 5", history.TotalCount)
	}

	delta := types.CandleDelta{
		Kind: types.DeltaNew,
		Candle: types.Candle{
			Mint:          "M1",
			Interval:      types.Interval30s,
			BucketStartTs: 1726627950,
			Open:          decimal.NewFromInt(200),
			High:          decimal.NewFromInt(200),
			Low:           decimal.NewFromInt(200),
			Close:         decimal.NewFromInt(200),
			Volume:        decimal.NewFromInt(5),
		},
	}
	b.PublishCandle("M1", delta)

	liveRaw := drainOne(t, c.Outbound())
	if got := frameType(t, liveRaw); got != "kline_data" {
		t.Fatalf("live frame type = %q, want kline_data", got)
	}
}

func TestLiveUpdateToNewestBackfilledBucketIsDelivered(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	seedCandles(t, st, "M1", types.Interval30s, 5) // newest bucket: 1726627920

	b := New(st, testLogger())
	c := b.RegisterConn("conn-1")
	drainOne(t, c.Outbound()) // connection_success

	if err := b.Subscribe("conn-1", "sub-1", Filter{Mint: "M1", Channel: ChannelCandles, Interval: types.Interval30s}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	drainOne(t, c.Outbound()) // subscription_confirmed
	drainOne(t, c.Outbound()) // history_data

	// An in-place update to the same bucket already delivered by backfill
	// (same kl: key as lastSeen) must still reach the subscriber live.
	update := types.CandleDelta{
		Kind: types.DeltaUpdate,
		Candle: types.Candle{
			Mint:          "M1",
			Interval:      types.Interval30s,
			BucketStartTs: 1726627920,
			Open:          decimal.NewFromInt(104),
			High:          decimal.NewFromInt(110),
			Low:           decimal.NewFromInt(104),
			Close:         decimal.NewFromInt(110),
			Volume:        decimal.NewFromInt(20),
		},
	}
	b.PublishCandle("M1", update)

	liveRaw := drainOne(t, c.Outbound())
	if got := frameType(t, liveRaw); got != "kline_data" {
		t.Fatalf("live frame type = %q, want kline_data (update to the current bucket must not be elided)", got)
	}
}

func TestUnsubscribeStopsFanout(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	b := New(st, testLogger())
	c := b.RegisterConn("conn-1")
	drainOne(t, c.Outbound()) // connection_success

	if err := b.Subscribe("conn-1", "sub-1", Filter{Mint: "M1", Channel: ChannelCandles, Interval: types.Interval30s}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	drainOne(t, c.Outbound()) // subscription_confirmed
	drainOne(t, c.Outbound()) // history_data (empty)

	if err := b.Unsubscribe("conn-1", "sub-1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := frameType(t, drainOne(t, c.Outbound())); got != "unsubscribe_confirmed" {
		t.Fatalf("frame type = %q, want unsubscribe_confirmed", got)
	}

	b.PublishCandle("M1", types.CandleDelta{Candle: types.Candle{Mint: "M1", Interval: types.Interval30s, BucketStartTs: 1}})

	select {
	case frame := <-c.Outbound():
		t.Fatalf("unexpected frame after unsubscribe: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDuplicateSubscriptionIDRejected(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	b := New(st, testLogger())
	c := b.RegisterConn("conn-1")
	drainOne(t, c.Outbound())

	if err := b.Subscribe("conn-1", "sub-1", Filter{Mint: "M1", Channel: ChannelRawEvents}); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	drainOne(t, c.Outbound())
	drainOne(t, c.Outbound())

	if err := b.Subscribe("conn-1", "sub-1", Filter{Mint: "M2", Channel: ChannelRawEvents}); err == nil {
		t.Fatal("expected duplicate subscription_id to be rejected")
	}
}

func TestCloseConnReclaimsSubscriptions(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	b := New(st, testLogger())
	c := b.RegisterConn("conn-1")
	drainOne(t, c.Outbound())

	if err := b.Subscribe("conn-1", "sub-1", Filter{Mint: "M1", Channel: ChannelRawEvents}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	drainOne(t, c.Outbound())
	drainOne(t, c.Outbound())

	b.CloseConn("conn-1")

	b.mu.RLock()
	_, stillIndexed := b.byMint["M1"]
	b.mu.RUnlock()
	if stillIndexed {
		t.Fatal("expected mint index to be cleared after CloseConn")
	}
}

func TestOutboxDropsOldestOnOverflow(t *testing.T) {
	t.Parallel()
	sub := newSubscription("conn-1", "sub-1", Filter{Mint: "M1", Channel: ChannelRawEvents}, "")
	for i := 0; i < outboxCapacity+10; i++ {
		sub.send([]byte{byte(i)})
	}
	if sub.lag.Load() == 0 {
		t.Fatal("expected lag counter to increment after overflow")
	}
	if len(sub.outbox) != outboxCapacity {
		t.Fatalf("outbox len = %d, want %d", len(sub.outbox), outboxCapacity)
	}
}
