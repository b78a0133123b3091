// Package codec decodes raw on-chain log payloads into typed Event values.
//
// Owns reports whether an emitter program id is the monitored one. Decode
// itself does not check the emitter, and internal/listener does not call
// Owns: it decodes every "Program data:" line of each notification received
// on its logsSubscribe stream (filtered to transactions that mention the
// program id), whichever program emitted the line. The first 8 bytes of the
// payload are a variant
// discriminator; the decoder maintains a table mapping discriminator to a
// per-variant decode function. Unknown discriminators are skipped with a
// counter bumped, never a fatal error (spec.md §4.B).
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"spin-indexer/pkg/types"
)

// Discriminator is the 8-byte variant tag at the head of every payload.
type Discriminator [8]byte

// Stats counts decode outcomes; exposed via the listener/status endpoint.
type Stats struct {
	UnknownDiscriminator atomic.Int64
	DecodeErrors         atomic.Int64
	Decoded              atomic.Int64
}

// Codec decodes raw program log payloads into typed events.
type Codec struct {
	programID string
	table     map[Discriminator]func(body []byte) (types.Event, error)
	Stats     *Stats
}

// New builds a Codec for the given base58 program id.
func New(programID string) *Codec {
	c := &Codec{
		programID: programID,
		Stats:     &Stats{},
	}
	c.table = map[Discriminator]func([]byte) (types.Event, error){
		discFor("TokenCreated"):      decodeTokenCreated,
		discFor("BuySell"):           decodeBuySell,
		discFor("LongShort"):         decodeLongShort,
		discFor("ForceLiquidate"):    decodeCloseOrder(types.KindForceLiquidate),
		discFor("FullClose"):         decodeCloseOrder(types.KindFullClose),
		discFor("PartialClose"):      decodePartialClose,
		discFor("MilestoneDiscount"): decodeMilestoneDiscount,
	}
	return c
}

// ProgramID returns the program id this codec decodes events for.
func (c *Codec) ProgramID() string { return c.programID }

// Owns reports whether a log entry emitted by emitterProgramID belongs to
// this codec's monitored program.
func (c *Codec) Owns(emitterProgramID string) bool {
	return emitterProgramID == c.programID
}

// Decode parses one raw log payload, stamping the signature/slot/timestamp
// the caller passes in (the payload itself never carries them; the listener
// passes the notification's signature and slot and its own receive time in
// unix millis). Returns (nil, false, nil) for an unknown discriminator — never a
// fatal error; malformed payloads return a non-nil error with Stats bumped.
func (c *Codec) Decode(payload []byte, sig string, slot uint64, timestampMs int64) (*types.Event, bool, error) {
	if len(payload) < 8+32+32 {
		c.Stats.DecodeErrors.Add(1)
		return nil, false, fmt.Errorf("codec: payload too short (%d bytes)", len(payload))
	}

	var disc Discriminator
	copy(disc[:], payload[:8])

	decodeFn, ok := c.table[disc]
	if !ok {
		c.Stats.UnknownDiscriminator.Add(1)
		return nil, false, nil
	}

	evt, err := decodeFn(payload[8:])
	if err != nil {
		c.Stats.DecodeErrors.Add(1)
		return nil, false, fmt.Errorf("codec: decode variant: %w", err)
	}

	evt.Signature = sig
	evt.Slot = slot
	evt.TimestampMs = timestampMs
	c.Stats.Decoded.Add(1)
	return &evt, true, nil
}

// discFor derives the 8-byte discriminator for a variant name: the first 8
// bytes of sha256("event:<Name>"), the conventional Anchor-style event-tag
// derivation. Hashing happens once per variant each time New() builds its
// decode table.
func discFor(name string) Discriminator {
	return sha256First8("event:" + name)
}

// ————————————————————————————————————————————————————————————————————————
// Binary field-layout helpers (all little-endian per spec.md §4.B)
// ————————————————————————————————————————————————————————————————————————

type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) remaining() int { return len(c.buf) - c.pos }

func (c *cursor) need(n int) error {
	if c.remaining() < n {
		return fmt.Errorf("unexpected end of payload: need %d, have %d", n, c.remaining())
	}
	return nil
}

func (c *cursor) pubkey() (string, error) {
	if err := c.need(32); err != nil {
		return "", err
	}
	raw := c.buf[c.pos : c.pos+32]
	c.pos += 32
	return base58.Encode(raw), nil
}

func (c *cursor) bool() (bool, error) {
	if err := c.need(1); err != nil {
		return false, err
	}
	v := c.buf[c.pos] != 0
	c.pos++
	return v, nil
}

func (c *cursor) u8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.buf[c.pos]
	c.pos++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *cursor) i64() (int64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := int64(binary.LittleEndian.Uint64(c.buf[c.pos:]))
	c.pos += 8
	return v, nil
}

// u128 reads a 16-byte little-endian unsigned integer into *big.Int, then
// wraps it as decimal.Decimal (Design Note 9: fixed-width internally,
// string-safe at the JSON boundary, no float precision loss).
func (c *cursor) u128() (decimal.Decimal, error) {
	if err := c.need(16); err != nil {
		return decimal.Decimal{}, err
	}
	raw := c.buf[c.pos : c.pos+16]
	c.pos += 16
	return decimal.NewFromBigInt(leBytesToBigInt(raw, false), 0), nil
}

// i128 reads a 16-byte little-endian two's-complement signed integer.
func (c *cursor) i128() (decimal.Decimal, error) {
	if err := c.need(16); err != nil {
		return decimal.Decimal{}, err
	}
	raw := c.buf[c.pos : c.pos+16]
	c.pos += 16
	return decimal.NewFromBigInt(leBytesToBigInt(raw, true), 0), nil
}

// lenString reads a u32 length prefix followed by that many UTF-8 bytes.
func (c *cursor) lenString() (string, error) {
	n, err := c.u32()
	if err != nil {
		return "", err
	}
	if err := c.need(int(n)); err != nil {
		return "", err
	}
	s := string(c.buf[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}

func leBytesToBigInt(raw []byte, signed bool) *big.Int {
	be := make([]byte, len(raw))
	for i, b := range raw {
		be[len(raw)-1-i] = b
	}
	v := new(big.Int).SetBytes(be)
	if signed && len(raw) > 0 && be[0]&0x80 != 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), uint(len(raw)*8))
		v.Sub(v, mod)
	}
	return v
}

// b64 is unused at runtime; kept as a documented helper for anyone feeding
// payloads captured from a JSON-RPC "base64" log notification into Decode.
func b64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
