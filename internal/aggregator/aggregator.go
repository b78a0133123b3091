// Package aggregator maintains per-token summary state and rolling OHLCV
// candles on top of the same Store the Indexer writes to.
//
// Token summary maintenance (Rule 3 monotonicity on latest_price/
// latest_trade_time, unconditional sums) lives in internal/indexer, since it
// shares a read-modify-write cycle with the rest of a variant's mutation set
// (spec.md §4.C's per-variant table). This package owns only the candle
// half of §4.D: bucketing trades into kl: rows and sealing a bucket when a
// later one opens.
package aggregator

import (
	"sort"

	"github.com/shopspring/decimal"

	"spin-indexer/internal/keys"
	"spin-indexer/internal/store"
	"spin-indexer/internal/storeenc"
	"spin-indexer/pkg/types"
)

// defaultIntervals is the fixed interval table from the key layout (§3):
// s1, s30, m5, each an integer number of seconds.
var defaultIntervals = map[types.Interval]int64{
	types.Interval1s:  1,
	types.Interval30s: 30,
	types.Interval5m:  300,
}

// Aggregator folds trade events into rolling candles, one per registered
// interval per mint, reading and writing through the same Store the Indexer
// uses so a candle update lands in the same atomic batch as its triggering
// event.
type Aggregator struct {
	store     *store.Store
	intervals map[types.Interval]int64
}

// New builds an Aggregator seeded with the fixed s1/s30/m5 interval table.
func New(st *store.Store) *Aggregator {
	a := &Aggregator{
		store:     st,
		intervals: make(map[types.Interval]int64, len(defaultIntervals)),
	}
	for name, seconds := range defaultIntervals {
		a.intervals[name] = seconds
	}
	return a
}

// RegisterInterval adds a config-driven interval beyond the fixed table
// (SPEC_FULL.md §4.D's solana.candle_intervals key). bucketSeconds must be a
// positive integer second count to preserve bucket alignment.
func (a *Aggregator) RegisterInterval(name types.Interval, bucketSeconds int64) {
	a.intervals[name] = bucketSeconds
}

// Intervals returns every registered interval name, sorted for deterministic
// iteration order.
func (a *Aggregator) Intervals() []types.Interval {
	names := make([]types.Interval, 0, len(a.intervals))
	for name := range a.intervals {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ApplyTrade folds one trade (price, amount) observed at timestampMs into
// every registered interval's current bucket for mint, staging the
// resulting candle writes into batch. It returns the deltas (new/update/
// final) the caller should hand to Bus, in the order produced — one per
// registered interval, plus a leading "final" delta whenever this trade
// rolls a prior bucket over.
func (a *Aggregator) ApplyTrade(batch *store.Batch, mint string, price, amount decimal.Decimal, timestampMs int64) []types.CandleDelta {
	eventTs := timestampMs / 1000
	var deltas []types.CandleDelta

	for _, interval := range a.Intervals() {
		bucketSeconds := a.intervals[interval]
		bucketTs := (eventTs / bucketSeconds) * bucketSeconds

		prior, hasPrior, err := a.latestCandle(mint, interval)
		if err != nil {
			hasPrior = false
		}

		if hasPrior && prior.BucketStartTs < bucketTs && !prior.IsFinal {
			prior.IsFinal = true
			a.putCandle(batch, prior)
			deltas = append(deltas, types.CandleDelta{Kind: types.DeltaFinal, Candle: prior})
			hasPrior = false
		}

		if hasPrior && prior.BucketStartTs == bucketTs {
			prior.High = maxDecimal(prior.High, price)
			prior.Low = minDecimal(prior.Low, price)
			prior.Close = price
			prior.Volume = prior.Volume.Add(amount)
			prior.UpdateCount++
			a.putCandle(batch, prior)
			deltas = append(deltas, types.CandleDelta{Kind: types.DeltaUpdate, Candle: prior})
			continue
		}

		fresh := types.Candle{
			Mint:          mint,
			Interval:      interval,
			BucketStartTs: bucketTs,
			Open:          price,
			High:          price,
			Low:           price,
			Close:         price,
			Volume:        amount,
			IsFinal:       false,
			UpdateCount:   1,
		}
		a.putCandle(batch, fresh)
		deltas = append(deltas, types.CandleDelta{Kind: types.DeltaNew, Candle: fresh})
	}

	return deltas
}

// latestCandle fetches the most recent (by bucket_start_ts) candle row for
// (mint, interval), if one exists — a single reverse scan of depth 1 against
// the bucket's kl: prefix.
func (a *Aggregator) latestCandle(mint string, interval types.Interval) (types.Candle, bool, error) {
	rows, err := a.store.Scan(store.PrefixCandles, []byte(keys.CandlePrefix(mint, interval)), nil, 1, store.Reverse)
	if err != nil {
		return types.Candle{}, false, err
	}
	if len(rows) == 0 {
		return types.Candle{}, false, nil
	}
	c, err := storeenc.DecodeCandle(rows[0].Value)
	if err != nil {
		return types.Candle{}, false, err
	}
	return c, true, nil
}

func (a *Aggregator) putCandle(batch *store.Batch, c types.Candle) {
	encoded, err := storeenc.EncodeCandle(c)
	if err != nil {
		return
	}
	batch.Put(store.PrefixCandles, []byte(keys.Candle(c.Mint, c.Interval, c.BucketStartTs)), encoded)
}

func maxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
