package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/voxflow/backend/internal/auth"
	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/dispatch"
	"github.com/voxflow/backend/internal/provider"
)

// providerEvent is the provider's server-message envelope. Providers speak
// camelCase on their webhooks; only our own surface is snake_case.
type providerEvent struct {
	Message struct {
		Type            string  `json:"type"`
		Status          string  `json:"status,omitempty"`
		EndedReason     string  `json:"endedReason,omitempty"`
		DurationSeconds float64 `json:"durationSeconds,omitempty"`
		RecordingURL    string  `json:"recordingUrl,omitempty"`
		Call            struct {
			ID       string         `json:"id"`
			Metadata map[string]any `json:"metadata,omitempty"`
		} `json:"call"`
	} `json:"message"`
}

func (e *providerEvent) metadataString(key string) string {
	v, _ := e.Message.Call.Metadata[key].(string)
	return v
}

// HandleProviderWebhook ingests provider status callbacks and drives the
// call state machine. The payload's metadata carries the call log id and
// tenant the dispatcher planted at dial time.
func HandleProviderWebhook(stores Stores, settler *dispatch.Settler, clients *provider.Registry, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["provider"]
		if !clients.Has(name) {
			respondErr(w, core.NewErrorf(core.ErrNotFound, "unknown provider %q", name))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			respondErr(w, core.NewError(core.ErrValidation, "could not read webhook body").WithCause(err))
			return
		}
		if !auth.VerifySignature(body, r.Header.Get(auth.SignatureHeader), secret) {
			slog.Warn("Rejected provider webhook with bad signature", "provider", name)
			respondErr(w, core.NewError(core.ErrUnauthorized, "webhook signature mismatch"))
			return
		}

		var event providerEvent
		if err := decodeBytes(body, &event); err != nil {
			respondErr(w, err)
			return
		}

		callID := event.metadataString("call_log_id")
		tenantID := event.metadataString("tenant_id")
		if callID == "" || tenantID == "" {
			respondErr(w, core.NewError(core.ErrValidation, "webhook metadata is missing call_log_id or tenant_id"))
			return
		}

		s, err := stores.For(r.Context(), &core.Principal{SubjectID: "provider:" + name, TenantID: tenantID, Service: true}, "")
		if err != nil {
			respondErr(w, err)
			return
		}

		switch event.Message.Type {
		case "status-update":
			status, ok := progressStatus(event.Message.Status)
			if !ok {
				// Statuses we do not track ack as no-ops.
				respond(w, http.StatusOK, map[string]any{"data": map[string]any{"applied": false}})
				return
			}
			updated, err := settler.Advance(r.Context(), s, callID, status, event.Message.Call.ID)
			if err != nil {
				respondErr(w, err)
				return
			}
			respond(w, http.StatusOK, map[string]any{"data": map[string]any{"applied": updated != nil}})

		case "end-of-call-report":
			updated, err := settler.Complete(r.Context(), s, callID, dispatch.Outcome{
				Status:          outcomeStatus(event.Message.EndedReason),
				EndedReason:     event.Message.EndedReason,
				DurationSeconds: int(event.Message.DurationSeconds),
				RecordingURL:    event.Message.RecordingURL,
				ProviderCallRef: event.Message.Call.ID,
			})
			if core.IsCode(err, core.ErrConflict) {
				// The provider retried a report we already settled.
				respond(w, http.StatusOK, map[string]any{"data": map[string]any{"applied": false}})
				return
			}
			if err != nil {
				respondErr(w, err)
				return
			}
			respond(w, http.StatusOK, map[string]any{"data": map[string]any{"applied": true, "status": updated.Status}})

		default:
			respond(w, http.StatusOK, map[string]any{"data": map[string]any{"applied": false}})
		}
	}
}

// progressStatus maps provider live statuses onto our non-terminal states.
func progressStatus(s string) (core.CallStatus, bool) {
	switch s {
	case "ringing":
		return core.CallRinging, true
	case "in-progress", "forwarding":
		return core.CallInProgress, true
	}
	return "", false
}

// outcomeStatus maps the provider's ended reason onto a terminal status.
// Either party hanging up, voicemail included, is a completed call; carrier
// outcomes keep their own states; everything unrecognized is a failure.
func outcomeStatus(endedReason string) core.CallStatus {
	switch {
	case strings.Contains(endedReason, "busy"):
		return core.CallBusy
	case strings.Contains(endedReason, "no-answer"), strings.Contains(endedReason, "did-not-answer"):
		return core.CallNoAnswer
	case strings.Contains(endedReason, "cancel"):
		return core.CallCanceled
	case strings.HasSuffix(endedReason, "-ended-call"), endedReason == "voicemail", endedReason == "completed":
		return core.CallCompleted
	}
	return core.CallFailed
}
