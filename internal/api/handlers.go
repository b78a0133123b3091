package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"spin-indexer/internal/apierr"
	"spin-indexer/internal/bus"
	"spin-indexer/internal/config"
	"spin-indexer/internal/query"
	"spin-indexer/pkg/types"
)

// Handlers holds every HTTP/WS handler's dependencies.
type Handlers struct {
	query  *query.Query
	bus    *bus.Bus
	cors   config.CORSConfig
	logger *slog.Logger
}

func NewHandlers(q *query.Query, b *bus.Bus, cors config.CORSConfig, logger *slog.Logger) *Handlers {
	return &Handlers{query: q, bus: b, cors: cors, logger: logger.With("component", "api-handlers")}
}

// envelope is the {success, data, error} shape every /api/query/* response
// carries, mirroring the teacher's JSON response convention made explicit.
type envelope struct {
	Success bool          `json:"success"`
	Data    interface{}   `json:"data,omitempty"`
	Error   *apierr.Error `json:"error,omitempty"`
}

func (h *Handlers) writeOK(w http.ResponseWriter, data interface{}) {
	h.applyCORS(w)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func (h *Handlers) writeErr(w http.ResponseWriter, err error) {
	ae, ok := err.(*apierr.Error)
	if !ok {
		ae = apierr.New(apierr.KindInternal, err.Error())
	}
	status := http.StatusBadRequest
	if ae.Code == apierr.KindInternal {
		status = http.StatusInternalServerError
	} else if ae.Code == apierr.KindNotFound {
		status = http.StatusNotFound
	}
	h.applyCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: ae})
}

func (h *Handlers) applyCORS(w http.ResponseWriter) {
	if !h.cors.Enabled {
		return
	}
	origin := "*"
	if len(h.cors.AllowOrigins) > 0 {
		origin = strings.Join(h.cors.AllowOrigins, ", ")
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeOK(w, map[string]string{"status": "ok"})
}

func pageLimitFrom(q map[string][]string) (page, limit int) {
	page = intParam(q, "page", 0)
	limit = intParam(q, "limit", 100)
	return
}

func intParam(q map[string][]string, key string, def int) int {
	vals, ok := q[key]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return def
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil {
		return def
	}
	return n
}

func orderParam(q map[string][]string) query.Order {
	vals, ok := q["order"]
	if ok && len(vals) > 0 && vals[0] == string(query.OrderDesc) {
		return query.OrderDesc
	}
	return query.OrderAsc
}

func (h *Handlers) HandleListTokens(w http.ResponseWriter, r *http.Request) {
	page, limit := pageLimitFrom(r.URL.Query())
	result, err := h.query.ListTokens(page, limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, result)
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	mint := r.URL.Query().Get("mint")
	page, limit := pageLimitFrom(r.URL.Query())
	result, err := h.query.ListEvents(mint, page, limit, orderParam(r.URL.Query()))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, result)
}

func (h *Handlers) HandleGetTokenDetails(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("mints")
	var mints []string
	if raw != "" {
		mints = strings.Split(raw, ",")
	}
	result, err := h.query.GetTokenDetails(mints)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, result)
}

func (h *Handlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	mint := r.URL.Query().Get("mint")
	side := types.OrderSide(r.URL.Query().Get("side"))
	result, err := h.query.ListOrders(mint, side)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, result)
}

func (h *Handlers) HandleListUserEvents(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	mint := r.URL.Query().Get("mint")
	page, limit := pageLimitFrom(r.URL.Query())
	result, err := h.query.ListUserEvents(user, mint, page, limit, orderParam(r.URL.Query()))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, result)
}

func (h *Handlers) HandleListCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mint := q.Get("mint")
	interval := types.Interval(q.Get("interval"))
	limit := intParam(q, "limit", 300)

	var from, to *int64
	if v := q.Get("from"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			from = &n
		}
	}
	if v := q.Get("to"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			to = &n
		}
	}

	result, err := h.query.ListCandles(mint, interval, from, to, limit, orderParam(q))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeOK(w, result)
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeOK(w, h.query.Status())
}
