package listener

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"spin-indexer/internal/codec"
	"spin-indexer/internal/indexer"
	"spin-indexer/internal/store"
	"spin-indexer/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestExtractProgramData(t *testing.T) {
	t.Parallel()
	payload, ok := extractProgramData("Program data: aGVsbG8=")
	if !ok {
		t.Fatal("expected extraction to succeed")
	}
	if string(payload) != "hello" {
		t.Errorf("payload = %q, want hello", payload)
	}

	if _, ok := extractProgramData("Program log: something else"); ok {
		t.Error("expected non-matching line to be rejected")
	}
}

func TestMintWorkerIsStableAndBounded(t *testing.T) {
	t.Parallel()
	n := 4
	idx1 := mintWorker("M1", n)
	idx2 := mintWorker("M1", n)
	if idx1 != idx2 {
		t.Fatalf("expected stable routing for the same mint, got %d then %d", idx1, idx2)
	}
	if idx1 < 0 || idx1 >= n {
		t.Fatalf("worker index %d out of range [0,%d)", idx1, n)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	cases := map[State]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Subscribing:  "subscribing",
		Streaming:    "streaming",
		Backoff:      "backoff",
		Terminated:   "terminated",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}

type recordingPublisher struct {
	events  []types.Event
	candles []types.CandleDelta
}

func (r *recordingPublisher) PublishEvent(mint string, evt types.Event) { r.events = append(r.events, evt) }
func (r *recordingPublisher) PublishCandle(mint string, d types.CandleDelta) {
	r.candles = append(r.candles, d)
}

// fakeUpstream serves one logsSubscribe confirmation followed by a single
// logsNotification frame, then closes — enough to drive the Listener
// through Connecting→Subscribing→Streaming.
func fakeUpstream(t *testing.T, notification string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Drain the subscribe request.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":12345}`)); err != nil {
			return
		}
		if notification != "" {
			conn.WriteMessage(websocket.TextMessage, []byte(notification))
		}
		time.Sleep(50 * time.Millisecond)
	}))
}

func TestListenerReachesStreaming(t *testing.T) {
	t.Parallel()

	notification := `{"method":"logsNotification","params":{"result":{"context":{"slot":101},"value":{"signature":"sig1","err":null,"logs":["Program log: ok"]}}}}`
	srv := fakeUpstream(t, notification)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	st, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	c := codec.New("prog1")
	ix := indexer.New(st, nil)
	pub := &recordingPublisher{}

	l := New(Config{
		WSURL:             wsURL,
		ProgramID:         "prog1",
		ReconnectInterval: 10 * time.Millisecond,
		IdleWatchdog:      200 * time.Millisecond,
		NumWorkers:        2,
		EventBufferSize:   8,
	}, c, ix, pub, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.After(250 * time.Millisecond)
	for {
		snap := l.Snapshot()
		if snap.State == "streaming" || snap.State == "backoff" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("listener never reached streaming, state=%s", snap.State)
		case <-time.After(5 * time.Millisecond):
		}
	}

	<-ctx.Done()
	<-done
}
