package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/voxflow/backend/internal/auth"
	"github.com/voxflow/backend/internal/batch"
	"github.com/voxflow/backend/internal/core"
)

// HandleExecuteEntry is the Cloud Tasks target. Each delivery claims one
// pending entry of the named batch and runs it through the dispatcher.
// Non-2xx responses make the queue redeliver, so only errors that another
// attempt could fix return one.
func HandleExecuteEntry(stores Stores, coord *batch.Coordinator, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			respondErr(w, core.NewError(core.ErrValidation, "could not read task body").WithCause(err))
			return
		}
		if !auth.VerifySignature(body, r.Header.Get(auth.SignatureHeader), secret) {
			slog.Warn("Rejected task delivery with bad signature")
			respondErr(w, core.NewError(core.ErrUnauthorized, "task signature mismatch"))
			return
		}

		var payload batch.ExecuteEntryPayload
		if err := decodeBytes(body, &payload); err != nil {
			respondErr(w, err)
			return
		}
		if payload.BatchID == "" || payload.TenantID == "" {
			respondErr(w, core.NewError(core.ErrValidation, "task payload is missing batch_id or tenant_id"))
			return
		}

		s, err := stores.For(r.Context(), &core.Principal{SubjectID: "tasks", TenantID: payload.TenantID, Service: true}, "")
		if err != nil {
			respondErr(w, err)
			return
		}

		claimed, err := coord.ExecuteNextEntry(r.Context(), s, payload.BatchID)
		if core.IsCode(err, core.ErrNotFound) {
			// The batch is gone; redelivering cannot help.
			respond(w, http.StatusOK, map[string]any{"data": map[string]any{"claimed": false}})
			return
		}
		if err != nil {
			respondErr(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"data": map[string]any{"claimed": claimed}})
	}
}
