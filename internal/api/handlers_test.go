package api

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"

	"spin-indexer/internal/config"
	"spin-indexer/internal/listener"
	"spin-indexer/internal/query"
	"spin-indexer/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

type fakeListenerStatus struct{}

func (fakeListenerStatus) Snapshot() listener.Snapshot {
	return listener.Snapshot{State: "disabled"}
}

func TestOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cors    config.CORSConfig
		reqHost string
		want    bool
	}{
		{
			name:    "cors disabled allows everything",
			origin:  "https://evil.example",
			cors:    config.CORSConfig{Enabled: false},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "empty origin is allowed",
			origin:  "",
			cors:    config.CORSConfig{Enabled: true},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			cors:    config.CORSConfig{Enabled: true},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cors:    config.CORSConfig{Enabled: true},
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cors:    config.CORSConfig{Enabled: true, AllowOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cors:    config.CORSConfig{Enabled: true, AllowOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://spindex.internal:8080",
			cors:    config.CORSConfig{Enabled: true},
			reqHost: "spindex.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := &Handlers{cors: tt.cors}
			if got := h.originAllowed(tt.origin, tt.reqHost); got != tt.want {
				t.Fatalf("originAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	h := &Handlers{}

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("success = false, want true")
	}
}

func TestHandleListTokensRejectsOversizedLimit(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	defer st.Close()

	q := query.New(st, fakeListenerStatus{})
	h := NewHandlers(q, nil, config.CORSConfig{}, discardLogger())

	req := httptest.NewRequest("GET", "/api/query/tokens?limit=5000", nil)
	rec := httptest.NewRecorder()
	h.HandleListTokens(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Success || resp.Error == nil {
		t.Fatalf("expected a failure envelope, got %+v", resp)
	}
}
