package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxflow/backend/internal/core"
)

// ServeSSE streams the caller's tenant topic as Server-Sent Events. Headers
// are committed before authentication so a failure still reaches the client
// as an in-stream ERROR frame rather than a broken connection.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	p, err := core.PrincipalFrom(r.Context())
	if err != nil {
		writeSSE(w, Event{
			Type:    EventError,
			Error:   string(core.ErrUnauthorized),
			Message: "tenant identity required for streaming",
			TS:      time.Now().UTC(),
		})
		flusher.Flush()
		return
	}

	sub := h.Subscribe(p.TenantID, "sse")
	defer h.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				slog.Warn("SSE write failed, closing stream", "tenant_id", sub.TenantID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
