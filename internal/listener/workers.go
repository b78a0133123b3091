package listener

import (
	"context"
	"hash/fnv"
	"log/slog"

	"spin-indexer/internal/indexer"
	"spin-indexer/pkg/types"
)

// Publisher is the subset of the Bus the Listener depends on, kept as an
// interface here so internal/bus never needs to import internal/listener —
// the pipeline DAG (Listener owns Indexer/Aggregator/Bus references, no
// back-edge) stays intact.
type Publisher interface {
	PublishEvent(mint string, evt types.Event)
	PublishCandle(mint string, delta types.CandleDelta)
}

// workerPool routes events to a fixed number of per-mint worker goroutines,
// realizing "Indexer is fed via a per-mint queue" (Design Note, §5) without
// an unbounded goroutine per mint. Every event for a given mint is always
// routed to the same worker, so per-mint ordering is preserved; different
// mints may land on the same worker and are then also serialized relative
// to each other, which is allowed (spec only requires per-mint ordering).
type workerPool struct {
	queues []chan types.Event
	ix     *indexer.Indexer
	bus    Publisher
	logger *slog.Logger
}

func newWorkerPool(n, bufferSize int, ix *indexer.Indexer, bus Publisher, logger *slog.Logger) *workerPool {
	if n <= 0 {
		n = 1
	}
	wp := &workerPool{
		queues: make([]chan types.Event, n),
		ix:     ix,
		bus:    bus,
		logger: logger,
	}
	for i := range wp.queues {
		wp.queues[i] = make(chan types.Event, bufferSize)
	}
	return wp
}

// run starts one goroutine per worker queue and returns immediately. Each
// goroutine stops when ctx is cancelled; events still in its queue at that
// point are not applied.
func (wp *workerPool) run(ctx context.Context) {
	for i := range wp.queues {
		go wp.drain(ctx, wp.queues[i])
	}
}

func (wp *workerPool) drain(ctx context.Context, queue chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-queue:
			wp.apply(evt)
		}
	}
}

func (wp *workerPool) apply(evt types.Event) {
	result, err := wp.ix.Apply(evt)
	if err != nil {
		// Storage error: the event was not marked applied; the next
		// delivery (at-least-once from the upstream) retries it.
		wp.logger.Error("apply failed, will retry on redelivery", "mint", evt.Mint, "kind", evt.Kind, "error", err)
		return
	}
	if !result.Applied {
		// Duplicate delivery (tr: dedup hit) — already published once.
		return
	}
	if result.EventDelta != nil {
		wp.bus.PublishEvent(evt.Mint, evt)
	}
	for _, delta := range result.CandleDeltas {
		wp.bus.PublishCandle(evt.Mint, delta)
	}
}

// dispatch routes evt to its mint's worker, blocking (applying backpressure
// to the read loop) if that worker's queue is full. It respects ctx
// cancellation so shutdown never hangs here.
func (wp *workerPool) dispatch(ctx context.Context, evt types.Event) error {
	idx := mintWorker(evt.Mint, len(wp.queues))
	select {
	case wp.queues[idx] <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mintWorker(mint string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(mint))
	return int(h.Sum32()) % n
}
