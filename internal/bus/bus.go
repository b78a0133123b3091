// Package bus is the pub/sub fanout layer: it accepts client subscriptions
// keyed on (mint, channel), ships a bounded backfill from Store on
// subscribe, then fans out every subsequent Listener-side delta to every
// subscription whose filter matches.
//
// Grounded on the teacher's internal/api/stream.go Hub/Client (register and
// unregister over channels, bounded per-client outbound buffer, ping/pong
// keepalive left to the transport layer built on top of this package),
// generalized from "one channel per connection" to "one outbox per
// (conn_id, sub_id)" since a single connection may run several independent
// subscriptions with different backfill/elision state.
package bus

import (
	"fmt"
	"log/slog"
	"sync"

	"spin-indexer/internal/apierr"
	"spin-indexer/internal/keys"
	"spin-indexer/internal/store"
	"spin-indexer/internal/storeenc"
	"spin-indexer/pkg/types"
)

const (
	defaultBackfillLimit = 300
	connWriteBuffer      = 256
)

// Bus owns the subscription registry and the one Store reference every
// backfill reads from.
type Bus struct {
	store  *store.Store
	logger *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	byMint map[string]map[string]*subscription // mint -> "connID\x00subID" -> subscription

	backfillLimit int
}

// New builds a Bus backed by st.
func New(st *store.Store, logger *slog.Logger) *Bus {
	return &Bus{
		store:         st,
		logger:        logger.With("component", "bus"),
		conns:         make(map[string]*Conn),
		byMint:        make(map[string]map[string]*subscription),
		backfillLimit: defaultBackfillLimit,
	}
}

// RegisterConn opens bookkeeping for a new connection and greets it with a
// connection_success frame.
func (b *Bus) RegisterConn(connID string) *Conn {
	c := newConn(connID, connWriteBuffer)
	b.mu.Lock()
	b.conns[connID] = c
	b.mu.Unlock()
	b.sendDirect(c, connectionSuccessFrame())
	return c
}

// CloseConn reclaims every subscription owned by connID — disconnects MUST
// be detectable and must not leak registry state (§4.F bullet 4).
func (b *Bus) CloseConn(connID string) {
	b.mu.Lock()
	c, ok := b.conns[connID]
	if ok {
		delete(b.conns, connID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = nil
	c.mu.Unlock()

	b.mu.Lock()
	for _, sub := range subs {
		b.unindexLocked(sub)
	}
	b.mu.Unlock()

	close(c.done)
}

// Subscribe registers (conn_id, sub_id) -> filter, ships a backfill frame,
// then atomically installs the live filter so no publish after this call
// can be missed (§4.F steps 1-3).
func (b *Bus) Subscribe(connID, subID string, filter Filter) error {
	b.mu.RLock()
	c, ok := b.conns[connID]
	b.mu.RUnlock()
	if !ok {
		return apierr.InvalidSubscription("unknown connection %q", connID)
	}

	c.mu.Lock()
	if _, exists := c.subs[subID]; exists {
		c.mu.Unlock()
		return apierr.InvalidSubscription("duplicate subscription_id %q", subID)
	}
	c.mu.Unlock()

	frame, lastSeen, err := b.backfill(filter, b.backfillLimit)
	if err != nil {
		return apierr.InvalidSubscription("backfill failed: %v", err)
	}

	sub := newSubscription(connID, subID, filter, lastSeen)

	c.mu.Lock()
	c.subs[subID] = sub
	c.mu.Unlock()
	go c.forward(sub)

	b.mu.Lock()
	mintSubs, ok := b.byMint[filter.Mint]
	if !ok {
		mintSubs = make(map[string]*subscription)
		b.byMint[filter.Mint] = mintSubs
	}
	mintSubs[subKey(connID, subID)] = sub
	b.mu.Unlock()

	b.sendDirect(c, subscriptionConfirmedFrame(subID, filter.Mint, string(filter.Interval)))
	b.sendDirect(c, frame)
	return nil
}

// Unsubscribe removes one registration without touching the rest of the
// connection's subscriptions.
func (b *Bus) Unsubscribe(connID, subID string) error {
	b.mu.RLock()
	c, ok := b.conns[connID]
	b.mu.RUnlock()
	if !ok {
		return apierr.InvalidSubscription("unknown connection %q", connID)
	}

	c.mu.Lock()
	sub, ok := c.subs[subID]
	if ok {
		delete(c.subs, subID)
	}
	c.mu.Unlock()
	if !ok {
		return apierr.InvalidSubscription("unknown subscription_id %q", subID)
	}

	b.mu.Lock()
	b.unindexLocked(sub)
	b.mu.Unlock()
	close(sub.outbox)

	b.sendDirect(c, unsubscribeConfirmedFrame(subID))
	return nil
}

// unindexLocked removes sub from byMint. Caller holds b.mu.
func (b *Bus) unindexLocked(sub *subscription) {
	mintSubs, ok := b.byMint[sub.filter.Mint]
	if !ok {
		return
	}
	delete(mintSubs, subKey(sub.connID, sub.subID))
	if len(mintSubs) == 0 {
		delete(b.byMint, sub.filter.Mint)
	}
}

// HandleInbound parses and executes one client frame, returning an error
// frame's bytes on failure or nil on success (Subscribe/Unsubscribe ship
// their own confirmation frames directly to the connection).
func (b *Bus) HandleInbound(connID string, raw []byte) []byte {
	f, err := ParseInbound(raw)
	if err != nil {
		return errFrame(apierr.BadRequest("malformed frame: %v", err))
	}

	switch f.Type {
	case "subscribe":
		filter := Filter{Mint: f.Symbol, Channel: channelFor(f.Interval), Interval: types.Interval(f.Interval)}
		if err := b.Subscribe(connID, f.SubscriptionID, filter); err != nil {
			return errFrame(asAPIErr(err))
		}
		return nil

	case "unsubscribe":
		if err := b.Unsubscribe(connID, f.SubscriptionID); err != nil {
			return errFrame(asAPIErr(err))
		}
		return nil

	case "history":
		filter := Filter{Mint: f.Symbol, Channel: channelFor(f.Interval), Interval: types.Interval(f.Interval)}
		limit := f.Limit
		if limit <= 0 || limit > b.backfillLimit {
			limit = b.backfillLimit
		}
		frame, _, err := b.backfill(filter, limit)
		if err != nil {
			return errFrame(apierr.BadRequest("history failed: %v", err))
		}
		b.mu.RLock()
		c := b.conns[connID]
		b.mu.RUnlock()
		if c != nil {
			b.sendDirect(c, frame)
		}
		return nil

	default:
		return errFrame(apierr.BadRequest("unknown frame type %q", f.Type))
	}
}

// PublishEvent implements listener.Publisher: fans a decoded event out to
// every raw_events subscription on mint.
func (b *Bus) PublishEvent(mint string, evt types.Event) {
	key := keys.Event(mint, evt.Slot, evt.Kind, evt.Signature)
	frame := mustMarshal(eventDataFrame{
		Type:      "event_data",
		Symbol:    mint,
		EventType: string(evt.Kind),
		Timestamp: evt.TimestampMs,
		EventData: evt,
	})
	b.fanout(mint, ChannelRawEvents, "", key, frame)
}

// PublishCandle implements listener.Publisher: fans a candle delta out to
// every candles subscription on (mint, interval).
func (b *Bus) PublishCandle(mint string, delta types.CandleDelta) {
	key := keys.Candle(mint, delta.Candle.Interval, delta.Candle.BucketStartTs)
	frame := mustMarshal(klineDataFrame{
		Type:      "kline_data",
		Symbol:    mint,
		Interval:  string(delta.Candle.Interval),
		Data:      delta.Candle,
		Timestamp: delta.Candle.BucketStartTs * 1000,
	})
	b.fanout(mint, ChannelCandles, delta.Candle.Interval, key, frame)
}

func (b *Bus) fanout(mint string, channel Channel, interval types.Interval, key string, frame []byte) {
	b.mu.RLock()
	var matches []*subscription
	for _, sub := range b.byMint[mint] {
		if sub.filter.Channel != channel {
			continue
		}
		if channel == ChannelCandles && sub.filter.Interval != interval {
			continue
		}
		matches = append(matches, sub)
	}
	b.mu.RUnlock()

	for _, sub := range matches {
		if key < sub.lastSeen {
			// Already covered by this subscription's own backfill snapshot.
			continue
		}
		sub.send(frame)
	}
}

// backfill reads the most recent `limit` rows matching filter from Store
// and returns the ready-to-send history frame plus the store key of the
// newest row, which becomes the subscription's live-delta elision floor.
func (b *Bus) backfill(filter Filter, limit int) (frame []byte, lastSeen string, err error) {
	switch filter.Channel {
	case ChannelCandles:
		rows, err := b.store.Scan(store.PrefixCandles, []byte(keys.CandlePrefix(filter.Mint, filter.Interval)), nil, limit, store.Reverse)
		if err != nil {
			return nil, "", err
		}
		candles := make([]types.Candle, 0, len(rows))
		for i := len(rows) - 1; i >= 0; i-- { // reverse scan back to chronological order
			c, err := storeenc.DecodeCandle(rows[i].Value)
			if err != nil {
				return nil, "", fmt.Errorf("decode candle: %w", err)
			}
			candles = append(candles, c)
		}
		seen := ""
		if len(rows) > 0 {
			seen = string(rows[0].Key)
		}
		f := historyDataFrame{
			Type:       "history_data",
			Symbol:     filter.Mint,
			Interval:   string(filter.Interval),
			Data:       candles,
			HasMore:    len(rows) == limit,
			TotalCount: len(candles),
		}
		return mustMarshal(f), seen, nil

	case ChannelRawEvents:
		rows, err := b.store.Scan(store.PrefixEvents, []byte(keys.EventMintPrefix(filter.Mint)), nil, limit, store.Reverse)
		if err != nil {
			return nil, "", err
		}
		events := make([]types.Event, 0, len(rows))
		for i := len(rows) - 1; i >= 0; i-- {
			e, err := storeenc.DecodeEvent(rows[i].Value)
			if err != nil {
				return nil, "", fmt.Errorf("decode event: %w", err)
			}
			events = append(events, e)
		}
		seen := ""
		if len(rows) > 0 {
			seen = string(rows[0].Key)
		}
		f := historyEventDataFrame{
			Type:       "history_event_data",
			Symbol:     filter.Mint,
			Data:       events,
			HasMore:    len(rows) == limit,
			TotalCount: len(events),
		}
		return mustMarshal(f), seen, nil

	default:
		return nil, "", fmt.Errorf("unknown channel %q", filter.Channel)
	}
}

func (b *Bus) sendDirect(c *Conn, frame []byte) {
	select {
	case c.writeCh <- frame:
	default:
		b.logger.Warn("dropping frame: connection outbound buffer full", "conn_id", c.id)
	}
}

func channelFor(interval string) Channel {
	if interval == "" {
		return ChannelRawEvents
	}
	return ChannelCandles
}

func subKey(connID, subID string) string { return connID + "\x00" + subID }

func asAPIErr(err error) *apierr.Error {
	if ae, ok := err.(*apierr.Error); ok {
		return ae
	}
	return apierr.InvalidSubscription("%v", err)
}
