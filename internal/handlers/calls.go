package handlers

import (
	"net/http"

	"github.com/voxflow/backend/internal/dispatch"
)

// HandleStartCall dispatches one outbound call through the full pipeline:
// policy gate, provider routing, credit reservation, provider dial.
func HandleStartCall(stores Stores, disp *dispatch.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, s, err := requestStore(r, stores)
		if err != nil {
			respondErr(w, err)
			return
		}

		var req dispatch.StartCallRequest
		if err := decodeJSON(r, &req); err != nil {
			respondErr(w, err)
			return
		}

		res, err := disp.StartCall(r.Context(), s, *p, &req)
		if err != nil {
			respondErr(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"data": res})
	}
}
