package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxflow/backend/internal/core"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 4096             // Inbound frames carry no protocol; keep them small
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

// buildCheckOrigin returns the origin filter for WebSocket upgrades. In
// production (ENV=production) only origins listed in ALLOWED_ORIGINS are
// accepted; anywhere else every origin passes.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("ENV")
	allowedRaw := os.Getenv("ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" && allowedRaw != "*" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("WebSocket origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Warn("Rejected WebSocket upgrade from origin", "origin", origin)
			return false
		}
	}

	if env == "production" {
		slog.Warn("⚠️ ALLOWED_ORIGINS not restricted in production, allowing all WebSocket origins")
	}
	return func(r *http.Request) bool { return true }
}

// wsConn pairs one upgraded connection with one hub subscriber. writePump is
// the only goroutine that touches the conn for writes, readPump the only one
// for reads.
type wsConn struct {
	hub  *Hub
	sub  *Subscriber
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

// ServeWS upgrades the request and streams the caller's tenant topic as JSON
// text frames, the same shape SSE delivers.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	p, err := core.PrincipalFrom(r.Context())
	if err != nil {
		http.Error(w, "tenant identity required for streaming", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	ws := &wsConn{
		hub:  h,
		sub:  h.Subscribe(p.TenantID, "ws"),
		conn: conn,
		done: make(chan struct{}),
	}
	go ws.writePump()
	go ws.readPump()
}

// close tears the session down exactly once, whichever pump fails first.
func (ws *wsConn) close() {
	ws.once.Do(func() {
		close(ws.done)
		ws.hub.Unsubscribe(ws.sub)
		ws.conn.Close()
	})
}

func (ws *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.close()
	}()

	for {
		select {
		case ev, ok := <-ws.sub.Events():
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub detached us; say goodbye properly.
				ws.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("Could not encode stream frame", "error", err)
				continue
			}
			if err := ws.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ws.done:
			return
		}
	}
}

// readPump services pongs and close frames; clients send nothing else.
func (ws *wsConn) readPump() {
	defer ws.close()

	ws.conn.SetReadLimit(maxMsgSize)
	ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := ws.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket read error", "tenant_id", ws.sub.TenantID, "error", err)
			}
			return
		}
	}
}
