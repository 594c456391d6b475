// Package handlers holds the HTTP handler closures for the public API. Each
// constructor takes its collaborators and returns an http.HandlerFunc; the
// api package wires them onto the router.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/voxflow/backend/internal/batch"
	"github.com/voxflow/backend/internal/core"
)

// maxBodyBytes bounds request bodies; batch triggers are the largest callers
// and stay well under this with thousands of entries.
const maxBodyBytes = 4 << 20

// Stores hands each request a tenant-scoped data store. The production
// implementation resolves the schema from the principal against the tenant
// registry; tests plug a fixed in-memory store.
type Stores interface {
	For(ctx context.Context, p *core.Principal, override string) (batch.Store, error)
}

// respond writes a success envelope. payload keys are merged next to
// "success"; routes differ in their top-level key (data, result, batch).
func respond(w http.ResponseWriter, status int, payload map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// respondErr maps a domain error onto the failure envelope.
func respondErr(w http.ResponseWriter, err error) {
	e := core.AsError(err)
	if e.Code == core.ErrInternal {
		slog.Error("Request failed", "error", err)
	}
	body := map[string]any{
		"success": false,
		"error":   string(e.Code),
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	writeJSON(w, e.HTTPStatus(), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Could not write response body", "error", err)
	}
}

// decodeJSON reads one JSON body into v with a size cap.
func decodeJSON(r *http.Request, v any) error {
	defer io.Copy(io.Discard, r.Body)
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return core.NewError(core.ErrValidation, "request body is not valid JSON").WithCause(err)
	}
	return nil
}

// decodeBytes parses a body that was already read whole for its signature.
func decodeBytes(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return core.NewError(core.ErrValidation, "request body is not valid JSON").WithCause(err)
	}
	return nil
}

// requestStore resolves the caller's principal and a store scoped to it.
func requestStore(r *http.Request, stores Stores) (*core.Principal, batch.Store, error) {
	p, err := core.PrincipalFrom(r.Context())
	if err != nil {
		return nil, nil, err
	}
	s, err := stores.For(r.Context(), p, "")
	if err != nil {
		return nil, nil, err
	}
	return p, s, nil
}
