// Package types defines the shared data structures used across all packages.
//
// This package is the common vocabulary for the indexer — event envelopes,
// variant payloads, Token/Order/UserActivity/Candle projections, and the
// candle/event deltas handed to the Bus.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// EventKind identifies which on-chain event variant an envelope carries.
type EventKind string

const (
	KindTokenCreated      EventKind = "token_created"
	KindBuySell           EventKind = "buy_sell"
	KindLongShort         EventKind = "long_short"
	KindForceLiquidate    EventKind = "force_liquidate"
	KindFullClose         EventKind = "full_close"
	KindPartialClose      EventKind = "partial_close"
	KindMilestoneDiscount EventKind = "milestone_discount"
)

// ShortTag returns the stable short tag used in tr: keys (§4.A).
func (k EventKind) ShortTag() string {
	switch k {
	case KindTokenCreated:
		return "tc"
	case KindBuySell:
		return "bs"
	case KindLongShort:
		return "ls"
	case KindForceLiquidate:
		return "fl"
	case KindFullClose:
		return "fc"
	case KindPartialClose:
		return "pc"
	case KindMilestoneDiscount:
		return "md"
	default:
		return "xx"
	}
}

// OrderSide is the opaque side tag chosen by the on-chain producer.
// Treated as an opaque token end-to-end — see DESIGN.md's Open Question
// resolution; it is never reinterpreted as "long" or "short" here.
type OrderSide string

const (
	SideUp OrderSide = "up"
	SideDn OrderSide = "dn"
)

// Interval identifies a registered OHLCV bucket size.
type Interval string

const (
	Interval1s  Interval = "s1"
	Interval30s Interval = "s30"
	Interval5m  Interval = "m5"
)

// ————————————————————————————————————————————————————————————————————————
// Event envelope + variants
// ————————————————————————————————————————————————————————————————————————

// Envelope carries the fields common to every event variant (Data Model §3).
type Envelope struct {
	Kind        EventKind `json:"event_kind"`
	Payer       string    `json:"payer"`        // base58
	Mint        string    `json:"mint"`         // base58
	Signature   string    `json:"signature"`    // base58, unique per transaction
	Slot        uint64    `json:"slot"`         // monotonic block height
	TimestampMs int64     `json:"timestamp_ms"` // unix millis
}

// GreaterThan reports whether (Slot, Signature) is strictly greater than
// (otherSlot, otherSig), compared lexicographically — the (slot, signature)
// tiebreak Rule 3 (monotonic latest_price/latest_trade_time) uses when the
// indexer updates the in: token summary.
func (e Envelope) GreaterThan(otherSlot uint64, otherSig string) bool {
	if e.Slot != otherSlot {
		return e.Slot > otherSlot
	}
	return e.Signature > otherSig
}

// Event is the decoded, typed representation of one on-chain log entry.
// Exactly one of the payload fields is populated, selected by Envelope.Kind.
type Event struct {
	Envelope

	TokenCreated      *TokenCreatedPayload      `json:"token_created,omitempty"`
	BuySell           *BuySellPayload           `json:"buy_sell,omitempty"`
	LongShort         *LongShortPayload         `json:"long_short,omitempty"`
	ForceLiquidate    *CloseOrderPayload        `json:"force_liquidate,omitempty"`
	FullClose         *CloseOrderPayload        `json:"full_close,omitempty"`
	PartialClose      *PartialClosePayload      `json:"partial_close,omitempty"`
	MilestoneDiscount *MilestoneDiscountPayload `json:"milestone_discount,omitempty"`
}

// TokenCreatedPayload is the variant body for EventKind KindTokenCreated.
type TokenCreatedPayload struct {
	Name             string `json:"name"`
	Symbol           string `json:"symbol"`
	URI              string `json:"uri"`
	CurveAccount     string `json:"curve_account"` // base58
	CreateTimestamp  int64  `json:"create_timestamp"`
}

// BuySellPayload is the variant body for EventKind KindBuySell.
type BuySellPayload struct {
	IsBuy       bool            `json:"is_buy"`
	TokenAmount decimal.Decimal `json:"token_amount"`
	SolAmount   decimal.Decimal `json:"sol_amount"`
	LatestPrice decimal.Decimal `json:"latest_price"`
}

// LongShortPayload is the variant body for EventKind KindLongShort (position open).
type LongShortPayload struct {
	Side            OrderSide       `json:"side"`
	OrderPDA        string          `json:"order_pda"` // base58
	MarginSol       decimal.Decimal `json:"margin_sol"`
	BorrowSol       decimal.Decimal `json:"borrow_sol"`
	OpenPrice       decimal.Decimal `json:"open_price"`
	LiquidatePrice  decimal.Decimal `json:"liquidate_price"`
	DeadlineUnix    int64           `json:"deadline_unix"`
}

// CloseOrderPayload is the variant body shared by ForceLiquidate and FullClose,
// both of which remove an Order row entirely (Invariant 5).
type CloseOrderPayload struct {
	Side        OrderSide       `json:"side"`
	OrderPDA    string          `json:"order_pda"`
	CloseProfit decimal.Decimal `json:"close_profit_sol"` // signed
	LatestPrice decimal.Decimal `json:"latest_price"`
}

// PartialClosePayload is the variant body for EventKind KindPartialClose.
type PartialClosePayload struct {
	Side          OrderSide       `json:"side"`
	OrderPDA      string          `json:"order_pda"`
	ReduceAmount  decimal.Decimal `json:"reduce_amount_sol"`
	CloseProfit   decimal.Decimal `json:"close_profit_sol"` // signed
	LatestPrice   decimal.Decimal `json:"latest_price"`
}

// MilestoneDiscountPayload is the variant body for EventKind KindMilestoneDiscount.
type MilestoneDiscountPayload struct {
	MilestoneIndex  uint32 `json:"milestone_index"`
	FeeDiscountBps  uint16 `json:"fee_discount_bps"`
}

// ————————————————————————————————————————————————————————————————————————
// Projections (what Store holds under in:, or:, us:)
// ————————————————————————————————————————————————————————————————————————

// Token is the mutable aggregate + static metadata stored under in:{mint}.
type Token struct {
	Mint          string `json:"mint"`
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	URI           string `json:"uri"`
	CurveAccount  string `json:"curve_account"`
	CreateTimestamp int64 `json:"create_timestamp"`

	LatestPrice          decimal.Decimal `json:"latest_price"`
	LatestTradeTime      int64           `json:"latest_trade_time"`
	LatestSlot           uint64          `json:"latest_slot"`
	LatestSignature      string          `json:"latest_signature"`
	TotalSolAmount       decimal.Decimal `json:"total_sol_amount"`
	TotalMarginSolAmount decimal.Decimal `json:"total_margin_sol_amount"`
	TotalForceLiquidations int64         `json:"total_force_liquidations"`
	TotalCloseProfit     decimal.Decimal `json:"total_close_profit"`
	FeeDiscountBps       uint16          `json:"fee_discount_bps"`
}

// Order is a live position row stored under or:{mint}:{side}:{order_pda}.
// Exists iff the position is open (Invariant 5).
type Order struct {
	Mint           string          `json:"mint"`
	Side           OrderSide       `json:"side"`
	OrderPDA       string          `json:"order_pda"`
	Payer          string          `json:"payer"`
	MarginSol      decimal.Decimal `json:"margin_sol"`
	BorrowSol      decimal.Decimal `json:"borrow_sol"`
	OpenPrice      decimal.Decimal `json:"open_price"`
	LiquidatePrice decimal.Decimal `json:"liquidate_price"`
	DeadlineUnix   int64           `json:"deadline_unix"`
	OpenSlot       uint64          `json:"open_slot"`
	OpenSignature  string          `json:"open_signature"`
}

// UserActivity is one row of a per-user append-only log, keyed
// us:{user}:{mint}:{slot_be}:{sig}.
type UserActivity struct {
	User      string    `json:"user"`
	Mint      string    `json:"mint"`
	Slot      uint64    `json:"slot"`
	Signature string    `json:"signature"`
	Kind      EventKind `json:"event_kind"`
	Event     Event     `json:"event"`
}

// Candle is one OHLCV bar stored under kl:{mint}:{interval}:{bucket_ts_be}.
type Candle struct {
	Mint          string          `json:"mint"`
	Interval      Interval        `json:"interval"`
	BucketStartTs int64           `json:"bucket_start_ts"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        decimal.Decimal `json:"volume"`
	IsFinal       bool            `json:"is_final"`
	UpdateCount   int64           `json:"update_count"`
}

// ————————————————————————————————————————————————————————————————————————
// Real-time fanout deltas (what Aggregator/Indexer hand to Bus)
// ————————————————————————————————————————————————————————————————————————

// DeltaKind distinguishes what kind of change a CandleDelta represents.
type DeltaKind string

const (
	DeltaNew    DeltaKind = "new"
	DeltaUpdate DeltaKind = "update"
	DeltaFinal  DeltaKind = "final"
)

// CandleDelta is emitted by the Aggregator whenever a candle bucket changes.
type CandleDelta struct {
	Kind   DeltaKind `json:"kind"`
	Candle Candle    `json:"candle"`
}

// EventDelta is emitted by the Indexer once an event is durably applied.
type EventDelta struct {
	Mint  string    `json:"mint"`
	Event Event     `json:"event"`
	Time  time.Time `json:"time"`
}
