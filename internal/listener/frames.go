package listener

import "encoding/json"

// subscribeRequest is the logsSubscribe JSON-RPC call, mirroring real
// Solana JSON-RPC PubSub request shape: params is [filter, options].
type subscribeRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

func newLogsSubscribeRequest(id int, programID string) subscribeRequest {
	return subscribeRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "logsSubscribe",
		Params: []interface{}{
			map[string]interface{}{"mentions": []string{programID}},
			map[string]string{"commitment": "confirmed"},
		},
	}
}

// subscribeResponse is the confirmation frame: result carries the
// subscription id on success, error is set on failure.
type subscribeResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Result  *int64 `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// logsNotification is one logsNotification frame delivered while Streaming.
type logsNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string   `json:"signature"`
				Err       any      `json:"err"`
				Logs      []string `json:"logs"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

func parseSubscribeResponse(raw []byte) (subscribeResponse, error) {
	var resp subscribeResponse
	err := json.Unmarshal(raw, &resp)
	return resp, err
}

func parseLogsNotification(raw []byte) (logsNotification, error) {
	var n logsNotification
	err := json.Unmarshal(raw, &n)
	return n, err
}
