// Package indexer applies decoded events to every secondary index atomically.
//
// Apply translates one decoded Event into a single Store batch covering
// every index the event affects (spec.md §4.C's per-variant mutation
// table), after checking the tr: dedup key. Per-mint callers are expected
// to serialize calls for the same mint themselves (internal/listener does
// this); Apply does not take any lock of its own, matching §5's "Indexer is
// fed via a per-mint queue" design.
package indexer

import (
	"fmt"

	"github.com/shopspring/decimal"

	"spin-indexer/internal/aggregator"
	"spin-indexer/internal/keys"
	"spin-indexer/internal/store"
	"spin-indexer/internal/storeenc"
	"spin-indexer/pkg/types"
)

// Indexer applies decoded events to the Store's secondary indexes.
type Indexer struct {
	store *store.Store
	agg   *aggregator.Aggregator
}

// New creates an Indexer writing to st and delegating candle maintenance to
// agg; the in: token summary is read-modify-written by the Indexer itself.
func New(st *store.Store, agg *aggregator.Aggregator) *Indexer {
	return &Indexer{store: st, agg: agg}
}

// Result reports what Apply did, for the Listener to turn into Bus deltas.
type Result struct {
	Applied      bool // false means this was a duplicate delivery (dedup hit)
	EventDelta   *types.EventDelta
	CandleDeltas []types.CandleDelta
}

// Apply is the single atomic-mutation entry point described in spec.md §4.C.
// Callers (internal/listener) must serialize calls per-mint; Apply itself
// assumes no concurrent call for the same mint is in flight.
func (ix *Indexer) Apply(evt types.Event) (Result, error) {
	trKey := []byte(keys.Event(evt.Mint, evt.Slot, evt.Kind, evt.Signature))

	if _, exists, err := ix.store.Get(store.PrefixEvents, trKey); err != nil {
		return Result{}, fmt.Errorf("indexer: dedup check: %w", err)
	} else if exists {
		// Invariant 1: duplicates with the same signature are idempotent.
		return Result{Applied: false}, nil
	}

	batch := &store.Batch{}
	encodedEvent, err := storeenc.EncodeEvent(evt)
	if err != nil {
		return Result{}, fmt.Errorf("indexer: encode event: %w", err)
	}
	batch.Put(store.PrefixEvents, trKey, encodedEvent)

	var candleDeltas []types.CandleDelta

	switch evt.Kind {
	case types.KindTokenCreated:
		if err := ix.applyTokenCreated(batch, evt); err != nil {
			return Result{}, err
		}
	case types.KindBuySell:
		deltas, err := ix.applyBuySell(batch, evt)
		if err != nil {
			return Result{}, err
		}
		candleDeltas = deltas
	case types.KindLongShort:
		deltas, err := ix.applyLongShort(batch, evt)
		if err != nil {
			return Result{}, err
		}
		candleDeltas = deltas
	case types.KindPartialClose:
		deltas, err := ix.applyPartialClose(batch, evt)
		if err != nil {
			return Result{}, err
		}
		candleDeltas = deltas
	case types.KindFullClose:
		deltas, err := ix.applyFullClose(batch, evt)
		if err != nil {
			return Result{}, err
		}
		candleDeltas = deltas
	case types.KindForceLiquidate:
		deltas, err := ix.applyForceLiquidate(batch, evt)
		if err != nil {
			return Result{}, err
		}
		candleDeltas = deltas
	case types.KindMilestoneDiscount:
		if err := ix.applyMilestoneDiscount(batch, evt); err != nil {
			return Result{}, err
		}
	default:
		return Result{}, fmt.Errorf("indexer: unknown event kind %q", evt.Kind)
	}

	if err := ix.store.BatchApply(batch); err != nil {
		// Storage error: the event is NOT marked applied (no tr: write
		// actually committed, since BatchApply is all-or-nothing), so the
		// next delivery will retry (spec.md §7).
		return Result{}, fmt.Errorf("indexer: batch apply: %w", err)
	}

	return Result{
		Applied:      true,
		EventDelta:   &types.EventDelta{Mint: evt.Mint, Event: evt},
		CandleDeltas: candleDeltas,
	}, nil
}

func userActivityPut(batch *store.Batch, user, mint string, slot uint64, sig string, evt types.Event) error {
	activity := types.UserActivity{
		User:      user,
		Mint:      mint,
		Slot:      slot,
		Signature: sig,
		Kind:      evt.Kind,
		Event:     evt,
	}
	encoded, err := storeenc.EncodeUserActivity(activity)
	if err != nil {
		return err
	}
	batch.Put(store.PrefixUserLog, []byte(keys.UserActivity(user, mint, slot, sig)), encoded)
	return nil
}

func (ix *Indexer) applyTokenCreated(batch *store.Batch, evt types.Event) error {
	p := evt.TokenCreated
	batch.Put(store.PrefixTokens, []byte(keys.Token(evt.Mint, evt.Slot)), []byte{})

	tok := types.Token{
		Mint:            evt.Mint,
		Name:            p.Name,
		Symbol:          p.Symbol,
		URI:             p.URI,
		CurveAccount:    p.CurveAccount,
		CreateTimestamp: p.CreateTimestamp,
		LatestSlot:      evt.Slot,
		LatestSignature: evt.Signature,
	}
	encoded, err := storeenc.EncodeToken(tok)
	if err != nil {
		return err
	}
	batch.Put(store.PrefixTokenInfo, []byte(keys.TokenInfo(evt.Mint)), encoded)
	return nil
}

func (ix *Indexer) applyBuySell(batch *store.Batch, evt types.Event) ([]types.CandleDelta, error) {
	p := evt.BuySell

	tok, err := ix.loadOrInitToken(evt.Mint)
	if err != nil {
		return nil, err
	}
	// Rule 3: monotonic in (slot, signature); sums add unconditionally.
	if evt.GreaterThan(tok.LatestSlot, tok.LatestSignature) {
		tok.LatestPrice = p.LatestPrice
		tok.LatestTradeTime = evt.TimestampMs / 1000
		tok.LatestSlot = evt.Slot
		tok.LatestSignature = evt.Signature
	}
	tok.TotalSolAmount = tok.TotalSolAmount.Add(p.SolAmount)

	if err := ix.putToken(batch, tok); err != nil {
		return nil, err
	}

	deltas := ix.agg.ApplyTrade(batch, evt.Mint, p.LatestPrice, p.TokenAmount, evt.TimestampMs)
	return deltas, nil
}

// applyLongShort opens a position. A LongShort open carries open_price, so
// it is a price-forming event for candles (spec.md §4.D) the same as a
// BuySell trade; its amount is the margin posted.
func (ix *Indexer) applyLongShort(batch *store.Batch, evt types.Event) ([]types.CandleDelta, error) {
	p := evt.LongShort

	order := types.Order{
		Mint:           evt.Mint,
		Side:           p.Side,
		OrderPDA:       p.OrderPDA,
		Payer:          evt.Payer,
		MarginSol:      p.MarginSol,
		BorrowSol:      p.BorrowSol,
		OpenPrice:      p.OpenPrice,
		LiquidatePrice: p.LiquidatePrice,
		DeadlineUnix:   p.DeadlineUnix,
		OpenSlot:       evt.Slot,
		OpenSignature:  evt.Signature,
	}
	encodedOrder, err := storeenc.EncodeOrder(order)
	if err != nil {
		return nil, err
	}
	batch.Put(store.PrefixOrders, []byte(keys.Order(evt.Mint, p.Side, p.OrderPDA)), encodedOrder)

	if err := userActivityPut(batch, evt.Payer, evt.Mint, evt.Slot, evt.Signature, evt); err != nil {
		return nil, err
	}

	tok, err := ix.loadOrInitToken(evt.Mint)
	if err != nil {
		return nil, err
	}
	tok.TotalMarginSolAmount = tok.TotalMarginSolAmount.Add(p.MarginSol)
	if err := ix.putToken(batch, tok); err != nil {
		return nil, err
	}

	return ix.agg.ApplyTrade(batch, evt.Mint, p.OpenPrice, p.MarginSol, evt.TimestampMs), nil
}

// applyPartialClose reduces a position. It carries latest_price, so it is
// price-forming; its amount is the margin released.
func (ix *Indexer) applyPartialClose(batch *store.Batch, evt types.Event) ([]types.CandleDelta, error) {
	p := evt.PartialClose

	orderKey := []byte(keys.Order(evt.Mint, p.Side, p.OrderPDA))
	raw, exists, err := ix.store.Get(store.PrefixOrders, orderKey)
	if err != nil {
		return nil, err
	}
	if exists {
		order, err := storeenc.DecodeOrder(raw)
		if err != nil {
			return nil, err
		}
		order.MarginSol = order.MarginSol.Sub(p.ReduceAmount)
		if order.MarginSol.IsNegative() {
			order.MarginSol = decimal.Zero
		}
		encoded, err := storeenc.EncodeOrder(order)
		if err != nil {
			return nil, err
		}
		batch.Put(store.PrefixOrders, orderKey, encoded)
	}

	if err := userActivityPut(batch, evt.Payer, evt.Mint, evt.Slot, evt.Signature, evt); err != nil {
		return nil, err
	}

	tok, err := ix.loadOrInitToken(evt.Mint)
	if err != nil {
		return nil, err
	}
	tok.TotalCloseProfit = tok.TotalCloseProfit.Add(p.CloseProfit)
	if err := ix.putToken(batch, tok); err != nil {
		return nil, err
	}

	return ix.agg.ApplyTrade(batch, evt.Mint, p.LatestPrice, p.ReduceAmount, evt.TimestampMs), nil
}

// applyFullClose closes a position entirely. It carries latest_price, so it
// is price-forming; it has no size field of its own (the whole order is
// removed), so it contributes a price print with zero volume.
func (ix *Indexer) applyFullClose(batch *store.Batch, evt types.Event) ([]types.CandleDelta, error) {
	p := evt.FullClose
	batch.Delete(store.PrefixOrders, []byte(keys.Order(evt.Mint, p.Side, p.OrderPDA)))

	if err := userActivityPut(batch, evt.Payer, evt.Mint, evt.Slot, evt.Signature, evt); err != nil {
		return nil, err
	}

	tok, err := ix.loadOrInitToken(evt.Mint)
	if err != nil {
		return nil, err
	}
	tok.TotalCloseProfit = tok.TotalCloseProfit.Add(p.CloseProfit)
	if err := ix.putToken(batch, tok); err != nil {
		return nil, err
	}

	return ix.agg.ApplyTrade(batch, evt.Mint, p.LatestPrice, decimal.Zero, evt.TimestampMs), nil
}

// applyForceLiquidate closes a position involuntarily. It carries
// latest_price, so it is price-forming the same way a full close is.
func (ix *Indexer) applyForceLiquidate(batch *store.Batch, evt types.Event) ([]types.CandleDelta, error) {
	p := evt.ForceLiquidate
	batch.Delete(store.PrefixOrders, []byte(keys.Order(evt.Mint, p.Side, p.OrderPDA)))

	if err := userActivityPut(batch, evt.Payer, evt.Mint, evt.Slot, evt.Signature, evt); err != nil {
		return nil, err
	}

	tok, err := ix.loadOrInitToken(evt.Mint)
	if err != nil {
		return nil, err
	}
	tok.TotalForceLiquidations++
	if err := ix.putToken(batch, tok); err != nil {
		return nil, err
	}

	return ix.agg.ApplyTrade(batch, evt.Mint, p.LatestPrice, decimal.Zero, evt.TimestampMs), nil
}

func (ix *Indexer) applyMilestoneDiscount(batch *store.Batch, evt types.Event) error {
	p := evt.MilestoneDiscount

	tok, err := ix.loadOrInitToken(evt.Mint)
	if err != nil {
		return err
	}
	tok.FeeDiscountBps = p.FeeDiscountBps
	return ix.putToken(batch, tok)
}

func (ix *Indexer) loadOrInitToken(mint string) (types.Token, error) {
	raw, exists, err := ix.store.Get(store.PrefixTokenInfo, []byte(keys.TokenInfo(mint)))
	if err != nil {
		return types.Token{}, err
	}
	if !exists {
		return types.Token{Mint: mint}, nil
	}
	return storeenc.DecodeToken(raw)
}

func (ix *Indexer) putToken(batch *store.Batch, tok types.Token) error {
	encoded, err := storeenc.EncodeToken(tok)
	if err != nil {
		return err
	}
	batch.Put(store.PrefixTokenInfo, []byte(keys.TokenInfo(tok.Mint)), encoded)
	return nil
}
