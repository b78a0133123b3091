package indexer

import (
	"testing"

	"github.com/shopspring/decimal"

	"spin-indexer/internal/aggregator"
	"spin-indexer/internal/keys"
	"spin-indexer/internal/store"
	"spin-indexer/internal/storeenc"
	"spin-indexer/pkg/types"
)

func newTestIndexer(t *testing.T) (*Indexer, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	agg := aggregator.New(st)
	agg.RegisterInterval(types.Interval1s, 1)
	return New(st, agg), st
}

func tokenCreatedEvent(mint string, slot uint64, sig string) types.Event {
	return types.Event{
		Envelope: types.Envelope{
			Kind:        types.KindTokenCreated,
			Mint:        mint,
			Signature:   sig,
			Slot:        slot,
			TimestampMs: 1700000000000,
		},
		TokenCreated: &types.TokenCreatedPayload{
			Name:            "Test Token",
			Symbol:          "TST",
			URI:             "https://example.test/meta.json",
			CurveAccount:    "curve1",
			CreateTimestamp: 1700000000,
		},
	}
}

func buySellEvent(mint string, slot uint64, sig string, price string) types.Event {
	return types.Event{
		Envelope: types.Envelope{
			Kind:        types.KindBuySell,
			Mint:        mint,
			Payer:       "payer1",
			Signature:   sig,
			Slot:        slot,
			TimestampMs: 1700000001000,
		},
		BuySell: &types.BuySellPayload{
			IsBuy:       true,
			TokenAmount: decimal.NewFromInt(1000),
			SolAmount:   decimal.NewFromFloat(0.5),
			LatestPrice: decimal.RequireFromString(price),
		},
	}
}

func TestApplyTokenCreatedWritesTokenInfo(t *testing.T) {
	ix, st := newTestIndexer(t)

	result, err := ix.Apply(tokenCreatedEvent("mintA", 1, "sig1"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected Applied = true on first delivery")
	}

	_, exists, err := st.Get(store.PrefixTokenInfo, []byte(keys.TokenInfo("mintA")))
	if err != nil {
		t.Fatalf("get token info: %v", err)
	}
	if !exists {
		t.Fatalf("expected in:mintA row to exist")
	}
}

func TestApplyDedupesBySignature(t *testing.T) {
	ix, _ := newTestIndexer(t)

	evt := tokenCreatedEvent("mintA", 1, "sig1")
	if _, err := ix.Apply(evt); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	result, err := ix.Apply(evt)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if result.Applied {
		t.Fatalf("expected duplicate delivery to report Applied = false")
	}
}

func TestApplyBuySellUpdatesLatestPriceMonotonically(t *testing.T) {
	ix, st := newTestIndexer(t)

	if _, err := ix.Apply(buySellEvent("mintA", 10, "sig1", "1.5")); err != nil {
		t.Fatalf("apply first trade: %v", err)
	}
	// Lower slot (5 < 10): GreaterThan is false, latest_price must not
	// regress (Rule 3).
	if _, err := ix.Apply(buySellEvent("mintA", 5, "sig0", "9.0")); err != nil {
		t.Fatalf("apply out-of-order trade: %v", err)
	}

	raw, exists, err := st.Get(store.PrefixTokenInfo, []byte(keys.TokenInfo("mintA")))
	if err != nil || !exists {
		t.Fatalf("get token info: exists=%v err=%v", exists, err)
	}
	tok, err := storeenc.DecodeToken(raw)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if !tok.LatestPrice.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("latest_price = %s, want 1.5 (out-of-order trade must not overwrite it)", tok.LatestPrice)
	}
	if !tok.TotalSolAmount.Equal(decimal.NewFromFloat(1.0)) {
		t.Fatalf("total_sol_amount = %s, want 1.0 (sums add unconditionally)", tok.TotalSolAmount)
	}
}

func TestApplyBuySellEmitsCandleDeltas(t *testing.T) {
	ix, _ := newTestIndexer(t)

	result, err := ix.Apply(buySellEvent("mintA", 1, "sig1", "2.0"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(result.CandleDeltas) == 0 {
		t.Fatalf("expected at least one candle delta from a registered interval")
	}
}

func TestApplyLongShortThenFullCloseRemovesOrder(t *testing.T) {
	ix, st := newTestIndexer(t)

	open := types.Event{
		Envelope: types.Envelope{Kind: types.KindLongShort, Mint: "mintA", Payer: "user1", Signature: "sig1", Slot: 1},
		LongShort: &types.LongShortPayload{
			Side:           types.SideUp,
			OrderPDA:       "pda1",
			MarginSol:      decimal.NewFromInt(10),
			BorrowSol:      decimal.NewFromInt(5),
			OpenPrice:      decimal.NewFromInt(1),
			LiquidatePrice: decimal.NewFromFloat(0.5),
		},
	}
	openResult, err := ix.Apply(open)
	if err != nil {
		t.Fatalf("apply open: %v", err)
	}
	if len(openResult.CandleDeltas) == 0 {
		t.Fatalf("expected LongShort open (carries open_price) to be price-forming")
	}

	orderKey := []byte(keys.Order("mintA", types.SideUp, "pda1"))
	if _, exists, err := st.Get(store.PrefixOrders, orderKey); err != nil || !exists {
		t.Fatalf("expected order row after open: exists=%v err=%v", exists, err)
	}

	closeEvt := types.Event{
		Envelope: types.Envelope{Kind: types.KindFullClose, Mint: "mintA", Payer: "user1", Signature: "sig2", Slot: 2},
		FullClose: &types.CloseOrderPayload{
			Side:        types.SideUp,
			OrderPDA:    "pda1",
			CloseProfit: decimal.NewFromInt(2),
			LatestPrice: decimal.NewFromInt(3),
		},
	}
	closeResult, err := ix.Apply(closeEvt)
	if err != nil {
		t.Fatalf("apply close: %v", err)
	}
	if len(closeResult.CandleDeltas) == 0 {
		t.Fatalf("expected FullClose (carries latest_price) to be price-forming")
	}

	if _, exists, err := st.Get(store.PrefixOrders, orderKey); err != nil || exists {
		t.Fatalf("expected order row removed after full close: exists=%v err=%v", exists, err)
	}
}

func TestApplyForceLiquidateRemovesOrderAndCountsIt(t *testing.T) {
	ix, st := newTestIndexer(t)

	open := types.Event{
		Envelope: types.Envelope{Kind: types.KindLongShort, Mint: "mintA", Payer: "user1", Signature: "sig1", Slot: 1},
		LongShort: &types.LongShortPayload{
			Side:           types.SideDn,
			OrderPDA:       "pda2",
			MarginSol:      decimal.NewFromInt(20),
			BorrowSol:      decimal.NewFromInt(10),
			OpenPrice:      decimal.NewFromInt(2),
			LiquidatePrice: decimal.NewFromInt(3),
		},
	}
	if _, err := ix.Apply(open); err != nil {
		t.Fatalf("apply open: %v", err)
	}

	liq := types.Event{
		Envelope: types.Envelope{Kind: types.KindForceLiquidate, Mint: "mintA", Payer: "user1", Signature: "sig2", Slot: 2},
		ForceLiquidate: &types.CloseOrderPayload{
			Side:        types.SideDn,
			OrderPDA:    "pda2",
			CloseProfit: decimal.NewFromInt(-5),
			LatestPrice: decimal.NewFromInt(3),
		},
	}
	liqResult, err := ix.Apply(liq)
	if err != nil {
		t.Fatalf("apply force liquidate: %v", err)
	}
	if len(liqResult.CandleDeltas) == 0 {
		t.Fatalf("expected ForceLiquidate (carries latest_price) to be price-forming")
	}

	orderKey := []byte(keys.Order("mintA", types.SideDn, "pda2"))
	if _, exists, err := st.Get(store.PrefixOrders, orderKey); err != nil || exists {
		t.Fatalf("expected order row removed after force liquidate: exists=%v err=%v", exists, err)
	}

	raw, exists, err := st.Get(store.PrefixTokenInfo, []byte(keys.TokenInfo("mintA")))
	if err != nil || !exists {
		t.Fatalf("get token info: exists=%v err=%v", exists, err)
	}
	tok, err := storeenc.DecodeToken(raw)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if tok.TotalForceLiquidations != 1 {
		t.Fatalf("total_force_liquidations = %d, want 1", tok.TotalForceLiquidations)
	}
}

func TestApplyPartialCloseIsPriceForming(t *testing.T) {
	ix, _ := newTestIndexer(t)

	open := types.Event{
		Envelope: types.Envelope{Kind: types.KindLongShort, Mint: "mintA", Payer: "user1", Signature: "sig1", Slot: 1},
		LongShort: &types.LongShortPayload{
			Side:      types.SideUp,
			OrderPDA:  "pda3",
			MarginSol: decimal.NewFromInt(10),
			OpenPrice: decimal.NewFromInt(1),
		},
	}
	if _, err := ix.Apply(open); err != nil {
		t.Fatalf("apply open: %v", err)
	}

	partial := types.Event{
		Envelope: types.Envelope{Kind: types.KindPartialClose, Mint: "mintA", Payer: "user1", Signature: "sig2", Slot: 2},
		PartialClose: &types.PartialClosePayload{
			Side:         types.SideUp,
			OrderPDA:     "pda3",
			ReduceAmount: decimal.NewFromInt(4),
			CloseProfit:  decimal.NewFromInt(1),
			LatestPrice:  decimal.NewFromInt(2),
		},
	}
	result, err := ix.Apply(partial)
	if err != nil {
		t.Fatalf("apply partial close: %v", err)
	}
	if len(result.CandleDeltas) == 0 {
		t.Fatalf("expected PartialClose (carries latest_price) to be price-forming")
	}
}
