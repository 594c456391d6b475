package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/dispatch"
)

// entryOutcome classifies what happened to one claimed entry.
type entryOutcome int

const (
	entryDispatched entryOutcome = iota
	entryFailedFinal
	entryReleased
	entrySkipped
)

// Run drives a batch on the in-process pool: claim a chunk of pending
// entries, dispatch them concurrently, repeat until the table runs dry, then
// finalize. Entries released for retry reappear as pending and are picked up
// by a later chunk. run may be nil when tests call Run directly.
func (c *Coordinator) Run(ctx context.Context, s Store, b *core.Batch, run *batchRun) {
	defer c.untrack(b.ID)

	if b.ScheduledAt != nil {
		if d := time.Until(*b.ScheduledAt); d > 0 {
			slog.Info("Batch waiting for scheduled start", "batch_id", b.ID, "starts_in", d.Round(time.Second))
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return
			}
		}
	}

	if _, err := s.UpdateBatchStatus(ctx, s.DB(), b.ID, core.BatchRunning); err != nil {
		slog.Error("Could not mark batch running", "batch_id", b.ID, "error", err)
		c.abort(ctx, s, b.ID, err)
		return
	}

	chunk := c.cfg.Global().Batch.MaxParallel
	for {
		if run != nil && run.canceled.Load() {
			break
		}
		entries, err := s.ClaimPendingEntries(ctx, b.ID, chunk)
		if err != nil {
			slog.Error("Claiming batch entries failed", "batch_id", b.ID, "error", err)
			c.abort(ctx, s, b.ID, err)
			return
		}
		if len(entries) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, e := range entries {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.executeEntry(ctx, s, b, e, run)
			}()
		}
		wg.Wait()
	}

	c.finalize(ctx, s, b.ID)
}

// ExecuteNextEntry claims and runs a single pending entry. Cloud Tasks
// delivers one task per entry at least once; a delivery that finds nothing
// pending is a duplicate, or raced a cancel, and acks as a no-op. A released
// retry returns an error so the queue redelivers and the entry gets another
// claim.
func (c *Coordinator) ExecuteNextEntry(ctx context.Context, s Store, batchID string) (bool, error) {
	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, core.NewErrorf(core.ErrNotFound, "batch %q not found", batchID)
	}
	if b.Status.IsTerminal() {
		return false, nil
	}
	if b.Status == core.BatchPending {
		if _, err := s.UpdateBatchStatus(ctx, s.DB(), batchID, core.BatchRunning); err != nil {
			return false, err
		}
	}

	entries, err := s.ClaimPendingEntries(ctx, batchID, 1)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		c.finalize(ctx, s, batchID)
		return false, nil
	}

	outcome := c.executeEntry(ctx, s, b, entries[0], nil)
	c.finalize(ctx, s, batchID)
	if outcome == entryReleased {
		return true, core.NewErrorf(core.ErrInternal, "entry %q released for retry", entries[0].ID)
	}
	return true, nil
}

// executeEntry runs one claimed entry through the dispatcher and records the
// result on both the entry row and the batch counters.
func (c *Coordinator) executeEntry(ctx context.Context, s Store, b *core.Batch, e *core.BatchEntry, run *batchRun) entryOutcome {
	if run != nil && run.canceled.Load() {
		if err := s.UpdateEntryResult(ctx, e.ID, core.EntryCanceled, "", "batch canceled"); err != nil {
			slog.Error("Could not mark entry canceled", "entry_id", e.ID, "error", err)
			return entrySkipped
		}
		c.bump(ctx, s, b.ID, "canceled_count", "canceled")
		return entrySkipped
	}

	req := entryRequest(b, e)
	p := core.Principal{SubjectID: b.SubjectID, TenantID: b.TenantID}
	res, err := c.disp.StartCall(ctx, s, p, req)
	if err != nil {
		return c.entryFailed(ctx, s, b, e, err)
	}

	if err := s.UpdateEntryResult(ctx, e.ID, core.EntryDone, res.CallLogID, ""); err != nil {
		slog.Error("Could not record entry result", "entry_id", e.ID, "error", err)
		return entrySkipped
	}
	c.bump(ctx, s, b.ID, "completed_count", "completed")
	return entryDispatched
}

// entryFailed releases the entry for another attempt when the failure is
// provider-side and the batch allows retries; otherwise it is final. Claiming
// already counted this attempt, so the comparison is against the attempt
// number, not the remaining budget.
func (c *Coordinator) entryFailed(ctx context.Context, s Store, b *core.Batch, e *core.BatchEntry, cause error) entryOutcome {
	if retryable(cause) && e.Attempts <= b.MaxRetries {
		if err := s.ReleaseEntryForRetry(ctx, e.ID, cause.Error()); err != nil {
			slog.Error("Could not release entry for retry", "entry_id", e.ID, "error", err)
			return entrySkipped
		}
		slog.Warn("Entry released for retry",
			"batch_id", b.ID,
			"entry_id", e.ID,
			"attempt", e.Attempts,
			"error", cause)
		return entryReleased
	}

	if err := s.UpdateEntryResult(ctx, e.ID, core.EntryFailed, "", cause.Error()); err != nil {
		slog.Error("Could not record entry failure", "entry_id", e.ID, "error", err)
		return entrySkipped
	}
	c.bump(ctx, s, b.ID, "failed_count", "failed")
	return entryFailedFinal
}

// finalize closes the batch once every entry reached a terminal state. A
// batch canceled while running keeps its status; entries left claimed by a
// dead worker keep the batch running until an operator reissues them.
func (c *Coordinator) finalize(ctx context.Context, s Store, batchID string) {
	b, err := s.GetBatch(ctx, batchID)
	if err != nil || b == nil {
		slog.Error("Could not load batch for finalize", "batch_id", batchID, "error", err)
		return
	}
	if b.Status.IsTerminal() {
		return
	}
	if b.CompletedCount+b.FailedCount+b.CanceledCount < b.TotalCount {
		return
	}

	ok, err := s.UpdateBatchStatus(ctx, s.DB(), batchID, core.BatchFinished)
	if err != nil {
		slog.Error("Could not finish batch", "batch_id", batchID, "error", err)
		return
	}
	if ok {
		slog.Info("✅ Batch finished",
			"batch_id", batchID,
			"completed", b.CompletedCount,
			"failed", b.FailedCount,
			"canceled", b.CanceledCount)
	}
}

// abort marks a batch failed after a storage error stopped the runner.
// Remaining pending entries stay pending under the terminal row for an
// operator to reissue.
func (c *Coordinator) abort(ctx context.Context, s Store, batchID string, cause error) {
	if ok, err := s.UpdateBatchStatus(ctx, s.DB(), batchID, core.BatchFailed); err != nil {
		slog.Error("Could not mark batch failed", "batch_id", batchID, "error", err)
	} else if ok {
		slog.Error("❌ Batch aborted", "batch_id", batchID, "error", cause)
	}
}

func (c *Coordinator) bump(ctx context.Context, s Store, batchID, column, outcome string) {
	if err := s.BumpBatchCounter(ctx, s.DB(), batchID, column, 1); err != nil {
		slog.Error("Could not bump batch counter", "batch_id", batchID, "column", column, "error", err)
	}
	if c.metrics != nil {
		c.metrics.RecordBatchEntry(outcome)
	}
}

// entryRequest rebuilds the dispatch request for one entry from the batch
// metadata plus the entry's own variables. Per-entry added_context overrides
// the batch-wide one.
func entryRequest(b *core.Batch, e *core.BatchEntry) *dispatch.StartCallRequest {
	req := &dispatch.StartCallRequest{
		ToNumber: core.PhoneNumber{CountryCode: e.CountryCode, BaseNumber: e.BaseNumber}.E164(),
		AgentID:  b.AgentID,
		LeadName: e.ContactName,
		BatchID:  b.ID,
		EntryID:  e.ID,
	}
	req.VoiceID, _ = b.Metadata["voice_id"].(string)
	req.FromNumber, _ = b.Metadata["from_number"].(string)
	req.AddedContext, _ = b.Metadata["added_context"].(string)
	if v, ok := e.Variables["added_context"].(string); ok && v != "" {
		req.AddedContext = v
	}
	if v, ok := e.Variables["lead_ref"].(string); ok {
		req.LeadRef = v
	}
	if len(e.Variables) > 0 {
		req.Metadata = e.Variables
	}
	return req
}

// retryable separates provider-side trouble, worth another attempt, from
// deterministic rejections like a disabled feature or an empty wallet.
func retryable(err error) bool {
	return core.IsCode(err, core.ErrProviderFailed) || core.IsCode(err, core.ErrInternal)
}
