package listener

import "fmt"

// State is one of the six FSM states from the log-subscription contract:
// Disconnected, Connecting, Subscribing, Streaming, Backoff, Terminated.
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribing
	Streaming
	Backoff
	Terminated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case Backoff:
		return "backoff"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is the point-in-time FSM status the status endpoint (§4.G) reports.
type Snapshot struct {
	State             string `json:"state"`
	LastSeenSlot      uint64 `json:"last_seen_slot"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
}
