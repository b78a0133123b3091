// Package storeenc is the single place that marshals/unmarshals projection
// values to and from Store bytes. Every projection type already carries
// decimal.Decimal fields, which marshal as JSON strings — Design Note 9's
// "no precision loss crossing a JSON boundary" applies to the storage
// boundary too, not just the external API boundary.
package storeenc

import (
	"encoding/json"

	"spin-indexer/pkg/types"
)

func EncodeEvent(evt types.Event) ([]byte, error) { return json.Marshal(evt) }

func DecodeEvent(raw []byte) (types.Event, error) {
	var evt types.Event
	err := json.Unmarshal(raw, &evt)
	return evt, err
}

func EncodeToken(tok types.Token) ([]byte, error) { return json.Marshal(tok) }

func DecodeToken(raw []byte) (types.Token, error) {
	var tok types.Token
	err := json.Unmarshal(raw, &tok)
	return tok, err
}

func EncodeOrder(o types.Order) ([]byte, error) { return json.Marshal(o) }

func DecodeOrder(raw []byte) (types.Order, error) {
	var o types.Order
	err := json.Unmarshal(raw, &o)
	return o, err
}

func EncodeCandle(c types.Candle) ([]byte, error) { return json.Marshal(c) }

func DecodeCandle(raw []byte) (types.Candle, error) {
	var c types.Candle
	err := json.Unmarshal(raw, &c)
	return c, err
}

func EncodeUserActivity(u types.UserActivity) ([]byte, error) { return json.Marshal(u) }

func DecodeUserActivity(raw []byte) (types.UserActivity, error) {
	var u types.UserActivity
	err := json.Unmarshal(raw, &u)
	return u, err
}
