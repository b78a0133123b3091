package bus

import (
	"encoding/json"
	"fmt"

	"spin-indexer/internal/apierr"
	"spin-indexer/pkg/types"
)

// InboundFrame is the shape of every frame a connection sends to the Bus.
// Symbol/Interval/SubscriptionID are populated depending on Type; Limit only
// applies to "history".
type InboundFrame struct {
	Type           string `json:"type"` // "subscribe" | "unsubscribe" | "history"
	Symbol         string `json:"symbol"`
	Interval       string `json:"interval,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ParseInbound decodes one client frame.
func ParseInbound(raw []byte) (InboundFrame, error) {
	var f InboundFrame
	err := json.Unmarshal(raw, &f)
	return f, err
}

type historyDataFrame struct {
	Type       string         `json:"type"`
	Symbol     string         `json:"symbol"`
	Interval   string         `json:"interval,omitempty"`
	Data       []types.Candle `json:"data"`
	HasMore    bool           `json:"has_more"`
	TotalCount int            `json:"total_count"`
}

type historyEventDataFrame struct {
	Type       string        `json:"type"`
	Symbol     string        `json:"symbol"`
	Data       []types.Event `json:"data"`
	HasMore    bool          `json:"has_more"`
	TotalCount int           `json:"total_count"`
}

type klineDataFrame struct {
	Type      string       `json:"type"`
	Symbol    string       `json:"symbol"`
	Interval  string       `json:"interval"`
	Data      types.Candle `json:"data"`
	Timestamp int64        `json:"timestamp"`
}

type eventDataFrame struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol"`
	EventType string      `json:"event_type"`
	Timestamp int64       `json:"timestamp"`
	EventData types.Event `json:"event_data"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func connectionSuccessFrame() []byte {
	return mustMarshal(map[string]string{"type": "connection_success"})
}

func subscriptionConfirmedFrame(subID, symbol, interval string) []byte {
	return mustMarshal(map[string]string{
		"type":            "subscription_confirmed",
		"subscription_id": subID,
		"symbol":          symbol,
		"interval":        interval,
	})
}

func unsubscribeConfirmedFrame(subID string) []byte {
	return mustMarshal(map[string]string{"type": "unsubscribe_confirmed", "subscription_id": subID})
}

func errFrame(err *apierr.Error) []byte {
	return mustMarshal(errorFrame{Type: "error", Code: string(err.Code), Message: err.Message})
}

// mustMarshal panics on failure: every frame built here is assembled from
// this package's own types, so a marshal error can only mean a programming
// mistake, never a runtime condition a caller should handle.
func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("bus: marshal frame: %v", err))
	}
	return b
}
