package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/voxflow/backend/internal/batch"
	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/store"
)

// HandleTriggerBatch accepts a batch of leads, validates them all-or-nothing
// and hands the batch to the coordinator.
func HandleTriggerBatch(stores Stores, coord *batch.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, s, err := requestStore(r, stores)
		if err != nil {
			respondErr(w, err)
			return
		}

		var req batch.TriggerRequest
		if err := decodeJSON(r, &req); err != nil {
			respondErr(w, err)
			return
		}

		b, err := coord.TriggerBatch(r.Context(), s, *p, &req)
		if err != nil {
			respondErr(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"result": b})
	}
}

// HandleBatchStatus returns one batch row with all of its entries.
func HandleBatchStatus(stores Stores, coord *batch.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, s, err := requestStore(r, stores)
		if err != nil {
			respondErr(w, err)
			return
		}

		detail, err := coord.GetBatchStatus(r.Context(), s, mux.Vars(r)["id"])
		if err != nil {
			respondErr(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"batch": detail.Batch, "entries": detail.Entries})
	}
}

// HandleBatchCancel flips a batch to canceled and voids its pending entries.
func HandleBatchCancel(stores Stores, coord *batch.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, s, err := requestStore(r, stores)
		if err != nil {
			respondErr(w, err)
			return
		}

		b, err := coord.CancelBatch(r.Context(), s, mux.Vars(r)["id"])
		if err != nil {
			respondErr(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"batch": b})
	}
}

// HandleBatchView lists batches newest first, filtered and paginated.
func HandleBatchView(stores Stores) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, s, err := requestStore(r, stores)
		if err != nil {
			respondErr(w, err)
			return
		}

		page, limit := pageParams(r)
		batches, err := s.ListBatches(r.Context(), store.BatchFilter{
			Status:  r.URL.Query().Get("status"),
			AgentID: r.URL.Query().Get("agent_id"),
			Limit:   limit,
			Offset:  (page - 1) * limit,
		})
		if err != nil {
			respondErr(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{
			"data":       batches,
			"pagination": map[string]any{"page": page, "limit": limit, "count": len(batches)},
		})
	}
}

// HandleBatchCalls returns the call logs spawned by one batch, paginated.
func HandleBatchCalls(stores Stores) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, s, err := requestStore(r, stores)
		if err != nil {
			respondErr(w, err)
			return
		}

		id := mux.Vars(r)["id"]
		b, err := s.GetBatch(r.Context(), id)
		if err != nil {
			respondErr(w, err)
			return
		}
		if b == nil {
			respondErr(w, core.NewErrorf(core.ErrNotFound, "batch %q not found", id))
			return
		}

		calls, err := s.ListCallsByBatch(r.Context(), id)
		if err != nil {
			respondErr(w, err)
			return
		}

		page, limit := pageParams(r)
		lo := int((page - 1) * limit)
		if lo > len(calls) {
			lo = len(calls)
		}
		hi := lo + int(limit)
		if hi > len(calls) {
			hi = len(calls)
		}
		respond(w, http.StatusOK, map[string]any{
			"data":       calls[lo:hi],
			"batch":      b,
			"pagination": map[string]any{"page": page, "limit": limit, "count": hi - lo, "total": len(calls)},
		})
	}
}

// HandleBatchStats aggregates batch progress and spend over a window.
func HandleBatchStats(stores Stores) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, s, err := requestStore(r, stores)
		if err != nil {
			respondErr(w, err)
			return
		}

		stats, err := s.BatchStatsQuery(r.Context(), store.StatsFilter{
			From: parseDate(r.URL.Query().Get("from")),
			To:   parseDate(r.URL.Query().Get("to")),
		})
		if err != nil {
			respondErr(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"data": stats})
	}
}

func pageParams(r *http.Request) (page, limit uint64) {
	page, _ = strconv.ParseUint(r.URL.Query().Get("page"), 10, 32)
	if page == 0 {
		page = 1
	}
	limit, _ = strconv.ParseUint(r.URL.Query().Get("limit"), 10, 32)
	if limit == 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	return page, limit
}

// parseDate accepts RFC3339 or a bare date; anything else reads as unset.
func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t
	}
	return time.Time{}
}
