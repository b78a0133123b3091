// Package keys builds the canonical, human-inspectable keys from the key
// layout table in spec.md §4.A. Every key is printable ASCII with ":" as
// separator, and every numeric component is fixed-width big-endian so
// lexicographic scan order equals numeric order.
package keys

import (
	"encoding/binary"
	"fmt"

	"spin-indexer/pkg/types"
)

// BE64 encodes a uint64 as 8-byte big-endian, hex-printed so the key stays
// printable ASCII (spec.md requires printable-ASCII keys; a raw 8-byte
// binary blob would not scan/print cleanly alongside the ":" literals).
func BE64(v uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return fmt.Sprintf("%016x", buf)
}

// BE64Signed encodes an int64 bucket timestamp the same way, offsetting by
// 2^63 so negative values still sort correctly as unsigned big-endian.
func BE64Signed(v int64) string {
	return BE64(uint64(v) ^ (1 << 63))
}

// Token: mt:{mint}:{slot_be}
func Token(mint string, slot uint64) string {
	return fmt.Sprintf("mt:%s:%s", mint, BE64(slot))
}

// TokenPrefix scans all mt: rows (enumerate all known tokens).
func TokenPrefix() string { return "mt:" }

// Event: tr:{mint}:{slot_be}:{kind}:{sig}
func Event(mint string, slot uint64, kind types.EventKind, sig string) string {
	return fmt.Sprintf("tr:%s:%s:%s:%s", mint, BE64(slot), kind.ShortTag(), sig)
}

// EventMintPrefix scans all tr: rows for one mint.
func EventMintPrefix(mint string) string {
	return fmt.Sprintf("tr:%s:", mint)
}

// Order: or:{mint}:{up|dn}:{order_pda}
func Order(mint string, side types.OrderSide, orderPDA string) string {
	return fmt.Sprintf("or:%s:%s:%s", mint, side, orderPDA)
}

// OrderSidePrefix scans all or: rows for one mint+side.
func OrderSidePrefix(mint string, side types.OrderSide) string {
	return fmt.Sprintf("or:%s:%s:", mint, side)
}

// UserActivity: us:{user}:{mint}:{slot_be}:{sig}
func UserActivity(user, mint string, slot uint64, sig string) string {
	return fmt.Sprintf("us:%s:%s:%s:%s", user, mint, BE64(slot), sig)
}

// UserPrefix scans all us: rows for one user.
func UserPrefix(user string) string {
	return fmt.Sprintf("us:%s:", user)
}

// UserMintPrefix scans all us: rows for one user+mint.
func UserMintPrefix(user, mint string) string {
	return fmt.Sprintf("us:%s:%s:", user, mint)
}

// TokenInfo: in:{mint}
func TokenInfo(mint string) string {
	return fmt.Sprintf("in:%s", mint)
}

// Candle: kl:{mint}:{interval}:{bucket_ts_be}
func Candle(mint string, interval types.Interval, bucketTs int64) string {
	return fmt.Sprintf("kl:%s:%s:%s", mint, interval, BE64Signed(bucketTs))
}

// CandlePrefix scans all kl: rows for one mint+interval.
func CandlePrefix(mint string, interval types.Interval) string {
	return fmt.Sprintf("kl:%s:%s:", mint, interval)
}

// CandleFromBucket builds a seek key for a bounded range scan starting at a
// given bucket timestamp (§4.G list_candles "from").
func CandleFromBucket(mint string, interval types.Interval, fromTs int64) string {
	return Candle(mint, interval, fromTs)
}
