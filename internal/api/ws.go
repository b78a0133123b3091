package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// HandleWebSocket upgrades the connection, registers it with the Bus, and
// runs the read/write pumps until the connection closes — generalized from
// the teacher's dashboard Client (read-only, ignores inbound frames) into a
// duplex pump since the Stream API's subscribe/unsubscribe/history frames
// are client-to-server.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return h.originAllowed(req.Header.Get("Origin"), req.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	c := h.bus.RegisterConn(connID)

	go writePump(conn, c)
	readPump(conn, h.bus, connID, h.logger)
}

func writePump(conn *websocket.Conn, c interface{ Outbound() <-chan []byte }) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type inboundHandler interface {
	HandleInbound(connID string, raw []byte) []byte
	CloseConn(connID string)
}

func readPump(conn *websocket.Conn, b inboundHandler, connID string, logger interface {
	Error(msg string, args ...interface{})
}) {
	defer func() {
		b.CloseConn(connID)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("websocket error", "error", err)
			}
			return
		}
		b.HandleInbound(connID, raw)
	}
}

func (h *Handlers) originAllowed(origin, reqHost string) bool {
	if !h.cors.Enabled {
		return true
	}
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	normalized := strings.ToLower(originURL.Scheme) + "://" + strings.ToLower(originURL.Host)

	if len(h.cors.AllowOrigins) > 0 {
		for _, allowed := range h.cors.AllowOrigins {
			if allowed == "*" {
				return true
			}
			u, err := url.Parse(allowed)
			if err != nil {
				continue
			}
			if normalized == strings.ToLower(u.Scheme)+"://"+strings.ToLower(u.Host) {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	if hostOnly, _, err := net.SplitHostPort(reqHost); err == nil {
		return strings.EqualFold(host, hostOnly)
	}
	return strings.EqualFold(host, reqHost)
}
