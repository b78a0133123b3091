// Package chainrpc is a small unary JSON-RPC client for the upstream chain
// node, offering getAccountInfo and getSlot lookups. No other package in
// this repository calls it: the Listener neither enriches TokenCreated
// events through it nor bootstraps its starting slot from it.
//
// Every call is rate-limited through a single token bucket shared across
// request kinds — this client issues a handful of point lookups per token,
// never the bulk batch traffic a trading client would generate, so one
// bucket (not a per-category group) is enough.
package chainrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is a unary JSON-RPC client for the chain's rpc_url endpoint.
type Client struct {
	http   *resty.Client
	rl     *TokenBucket
	logger *slog.Logger
}

// New creates a chainrpc Client against rpcURL, rate-limited to 10
// requests/second with a 20-request burst — this client is for occasional
// metadata enrichment, not bulk traffic.
func New(rpcURL string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(rpcURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		rl:     NewTokenBucket(20, 10),
		logger: logger.With("component", "chainrpc"),
	}
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonRPCError   `json:"error"`
}

// AccountInfo is the decoded accountInfo.value shape this client cares
// about: enough to read a token/curve account's raw data for enrichment.
type AccountInfo struct {
	Lamports uint64   `json:"lamports"`
	Owner    string   `json:"owner"`
	Data     []string `json:"data"` // [base64 data, encoding]
}

// GetAccountInfo issues a getAccountInfo unary call for pubkey, requesting
// base64-encoded account data.
func (c *Client) GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getAccountInfo",
		Params: []interface{}{
			pubkey,
			map[string]string{"encoding": "base64"},
		},
	}

	var rpcResp jsonRPCResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&rpcResp).
		Post("")
	if err != nil {
		return nil, fmt.Errorf("chainrpc: getAccountInfo: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("chainrpc: getAccountInfo: status %d: %s", resp.StatusCode(), resp.String())
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("chainrpc: getAccountInfo: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	var wrapper struct {
		Value *AccountInfo `json:"value"`
	}
	if err := json.Unmarshal(rpcResp.Result, &wrapper); err != nil {
		return nil, fmt.Errorf("chainrpc: decode getAccountInfo result: %w", err)
	}
	if wrapper.Value == nil {
		return nil, fmt.Errorf("chainrpc: account %s not found", pubkey)
	}
	return wrapper.Value, nil
}

// GetSlot returns the current highest confirmed slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return 0, err
	}

	req := jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: "getSlot"}

	var rpcResp jsonRPCResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&rpcResp).
		Post("")
	if err != nil {
		return 0, fmt.Errorf("chainrpc: getSlot: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("chainrpc: getSlot: status %d: %s", resp.StatusCode(), resp.String())
	}
	if rpcResp.Error != nil {
		return 0, fmt.Errorf("chainrpc: getSlot: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	var slot uint64
	if err := json.Unmarshal(rpcResp.Result, &slot); err != nil {
		return 0, fmt.Errorf("chainrpc: decode getSlot result: %w", err)
	}
	return slot, nil
}
