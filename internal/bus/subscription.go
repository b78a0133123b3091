package bus

import (
	"sync"
	"sync/atomic"

	"spin-indexer/pkg/types"
)

// Channel is which of a mint's two publish streams a subscription follows.
type Channel string

const (
	ChannelRawEvents Channel = "raw_events"
	ChannelCandles   Channel = "candles"
)

// Filter selects what a subscription receives: Interval only matters for
// ChannelCandles.
type Filter struct {
	Mint     string
	Channel  Channel
	Interval types.Interval
}

const outboxCapacity = 256

// subscription is one (conn_id, sub_id) registration. lastSeen is the store
// key snapshotted at backfill time; any live delta whose key sorts strictly
// before it duplicates something already shipped in history and is elided.
// A delta whose key equals it (e.g. a later update to the newest backfilled
// candle bucket) is still delivered.
type subscription struct {
	connID   string
	subID    string
	filter   Filter
	lastSeen string

	outbox chan []byte
	sendMu sync.Mutex
	lag    atomic.Int64
}

func newSubscription(connID, subID string, filter Filter, lastSeen string) *subscription {
	return &subscription{
		connID:   connID,
		subID:    subID,
		filter:   filter,
		lastSeen: lastSeen,
		outbox:   make(chan []byte, outboxCapacity),
	}
}

// send is non-blocking: a full outbox drops its oldest queued frame and
// bumps lag, so one slow subscriber never stalls the publisher (§4.F).
func (s *subscription) send(frame []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case s.outbox <- frame:
		return
	default:
	}

	select {
	case <-s.outbox:
	default:
	}
	select {
	case s.outbox <- frame:
	default:
	}
	s.lag.Add(1)
}
