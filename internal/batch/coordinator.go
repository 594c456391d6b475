// Package batch drives outbound call campaigns: validate a lead list, persist
// it, then push every entry through the dispatcher with bounded parallelism.
package batch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/dispatch"
	"github.com/voxflow/backend/internal/metrics"
	"github.com/voxflow/backend/internal/policy"
	"github.com/voxflow/backend/internal/store"
)

// Store widens the dispatcher store with batch bookkeeping. Both *store.Store
// and store.Memory satisfy it.
type Store interface {
	dispatch.OutcomeStore

	InsertBatchWithEntries(ctx context.Context, b *core.Batch, entries []*core.BatchEntry) error
	GetBatch(ctx context.Context, id string) (*core.Batch, error)
	ListBatches(ctx context.Context, f store.BatchFilter) ([]*core.Batch, error)
	UpdateBatchStatus(ctx context.Context, q store.Querier, id string, target core.BatchStatus) (bool, error)
	BumpBatchCounter(ctx context.Context, q store.Querier, id, column string, delta int) error
	ClaimPendingEntries(ctx context.Context, batchID string, limit int) ([]*core.BatchEntry, error)
	UpdateEntryResult(ctx context.Context, id string, status core.EntryStatus, callID, lastErr string) error
	ReleaseEntryForRetry(ctx context.Context, id, lastErr string) error
	CancelPendingEntries(ctx context.Context, q store.Querier, batchID string) (int64, error)
	ListEntries(ctx context.Context, batchID string) ([]*core.BatchEntry, error)
	BatchStatsQuery(ctx context.Context, f store.StatsFilter) (*core.BatchStats, error)
	ListCallsByBatch(ctx context.Context, batchID string) ([]*core.CallLog, error)
}

// Launcher hands an accepted batch to an execution backend. The Cloud Tasks
// launcher enqueues one HTTP task per entry; when none is configured the
// coordinator runs the batch on an in-process worker pool instead.
type Launcher interface {
	Launch(ctx context.Context, b *core.Batch) error
}

// TriggerRequest is the snake_case wire shape for a batch trigger.
type TriggerRequest struct {
	Name         string       `json:"name,omitempty"`
	AgentID      string       `json:"agent_id"`
	VoiceID      string       `json:"voice_id,omitempty"`
	FromNumber   string       `json:"from_number,omitempty"`
	AddedContext string       `json:"added_context,omitempty"`
	InitiatedBy  string       `json:"initiated_by,omitempty"`
	ScheduledAt  *time.Time   `json:"scheduled_at,omitempty"`
	MaxRetries   int          `json:"max_retries,omitempty"`
	Entries      []EntryInput `json:"entries"`
}

// EntryInput is one lead inside a batch trigger.
type EntryInput struct {
	ToNumber          string         `json:"to_number"`
	LeadName          string         `json:"lead_name,omitempty"`
	LeadRef           string         `json:"lead_ref,omitempty"`
	AddedContext      string         `json:"added_context,omitempty"`
	KnowledgeBaseRefs []string       `json:"knowledge_base_refs,omitempty"`
	Variables         map[string]any `json:"variables,omitempty"`
}

// Detail is the batch-status payload: the row plus all of its entries.
type Detail struct {
	Batch   *core.Batch        `json:"batch"`
	Entries []*core.BatchEntry `json:"entries"`
}

// Coordinator owns batch intake, execution and lifecycle.
type Coordinator struct {
	cfg      *config.Manager
	disp     *dispatch.Dispatcher
	intake   *policy.Gate
	launcher Launcher
	metrics  *metrics.Metrics

	mu   sync.Mutex
	runs map[string]*batchRun
	wg   sync.WaitGroup
}

// batchRun is the in-process cancel flag for a batch this replica drives.
// Cancellation in Cloud Tasks mode is durable instead: pending entries are
// flipped in the database and later deliveries find nothing to claim.
type batchRun struct {
	canceled atomic.Bool
}

// NewCoordinator wires the batch pipeline. The intake gate should carry only
// the feature and business-hours checks: credits are enforced per entry by
// the dispatcher, so a batch may start with less balance than it will burn.
// launcher may be nil, which selects the in-process runner; metrics may be
// nil in tests.
func NewCoordinator(cfg *config.Manager, disp *dispatch.Dispatcher, intake *policy.Gate, launcher Launcher, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		disp:     disp,
		intake:   intake,
		launcher: launcher,
		metrics:  m,
		runs:     make(map[string]*batchRun),
	}
}

// TriggerBatch validates the whole request, inserts the batch with every
// entry pending, and starts execution. Validation is all-or-nothing: one bad
// number rejects the request and nothing is persisted.
func (c *Coordinator) TriggerBatch(ctx context.Context, s Store, p core.Principal, req *TriggerRequest) (*core.Batch, error) {
	if len(req.Entries) == 0 {
		return nil, core.NewError(core.ErrValidation, "batch requires at least one entry")
	}
	if req.AgentID == "" {
		return nil, core.NewError(core.ErrValidation, "agent_id is required")
	}

	phones := make([]core.PhoneNumber, len(req.Entries))
	var invalid []map[string]any
	for i, e := range req.Entries {
		ph, err := core.ParsePhone(e.ToNumber)
		if err != nil {
			invalid = append(invalid, map[string]any{"index": i, "to_number": e.ToNumber})
			continue
		}
		phones[i] = ph
	}
	if len(invalid) > 0 {
		return nil, core.NewError(core.ErrValidation, "entries contain numbers that are not E.164").
			WithDetails(map[string]any{"invalid_entries": invalid})
	}

	agent, err := s.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, core.NewErrorf(core.ErrNotFound, "agent %q not found", req.AgentID)
	}

	pol := c.cfg.PolicyFor(p.TenantID)
	if err := c.intake.Evaluate(ctx, &policy.Request{
		Principal: p,
		AgentID:   req.AgentID,
		Cost:      decimal.NewFromInt(pol.CreditMinimum),
		Wallets:   s,
	}); err != nil {
		return nil, err
	}

	b := &core.Batch{
		ID:          uuid.New().String(),
		TenantID:    p.TenantID,
		SubjectID:   p.SubjectID,
		AgentID:     req.AgentID,
		Name:        req.Name,
		Status:      core.BatchPending,
		TotalCount:  len(req.Entries),
		MaxRetries:  req.MaxRetries,
		ScheduledAt: req.ScheduledAt,
		Metadata:    batchMetadata(req, p),
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = c.cfg.Global().Batch.DefaultRetries
	}

	entries := make([]*core.BatchEntry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = &core.BatchEntry{
			ID:          uuid.New().String(),
			BatchID:     b.ID,
			CountryCode: phones[i].CountryCode,
			BaseNumber:  phones[i].BaseNumber,
			ContactName: e.LeadName,
			Variables:   entryVariables(e),
			Status:      core.EntryPending,
		}
	}

	if err := s.InsertBatchWithEntries(ctx, b, entries); err != nil {
		return nil, core.NewError(core.ErrInternal, "could not create batch").WithCause(err)
	}

	c.start(ctx, s, b)

	slog.Info("📤 Batch accepted",
		"batch_id", b.ID,
		"tenant_id", b.TenantID,
		"agent_id", b.AgentID,
		"total", b.TotalCount)
	return b, nil
}

// GetBatchStatus returns the batch row plus its entries.
func (c *Coordinator) GetBatchStatus(ctx context.Context, s Store, id string) (*Detail, error) {
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, core.NewErrorf(core.ErrNotFound, "batch %q not found", id)
	}
	entries, err := s.ListEntries(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	return &Detail{Batch: b, Entries: entries}, nil
}

// CancelBatch marks the batch canceled and flips everything still pending.
// Entries a worker has already claimed finish their current dispatch; the
// runner sees the terminal status when it finalizes and leaves it in place.
func (c *Coordinator) CancelBatch(ctx context.Context, s Store, id string) (*core.Batch, error) {
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, core.NewErrorf(core.ErrNotFound, "batch %q not found", id)
	}
	if b.Status.IsTerminal() {
		return nil, core.NewErrorf(core.ErrConflict, "batch %q is already %s", id, b.Status)
	}

	var flipped int64
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.UpdateBatchStatus(ctx, tx, id, core.BatchCanceled)
		if err != nil {
			return err
		}
		if !ok {
			return core.NewErrorf(core.ErrConflict, "batch %q is already terminal", id)
		}
		flipped, err = s.CancelPendingEntries(ctx, tx, id)
		if err != nil {
			return err
		}
		if flipped > 0 {
			return s.BumpBatchCounter(ctx, tx, id, "canceled_count", int(flipped))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.flagCanceled(id)
	if c.metrics != nil {
		for i := int64(0); i < flipped; i++ {
			c.metrics.RecordBatchEntry("canceled")
		}
	}

	out, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("🛑 Batch canceled", "batch_id", id, "entries_canceled", flipped)
	return out, nil
}

// Drain blocks until every in-process batch runner has finished. Callers
// race it against the shutdown deadline.
func (c *Coordinator) Drain() { c.wg.Wait() }

// start hands the batch to the configured backend. An enqueue failure falls
// back to the in-process runner so an accepted batch always executes; any
// tasks that did land are harmless because claims are exclusive.
func (c *Coordinator) start(ctx context.Context, s Store, b *core.Batch) {
	if c.launcher != nil {
		err := c.launcher.Launch(ctx, b)
		if err == nil {
			c.record("cloudtasks")
			return
		}
		slog.Warn("↩️ Task enqueue failed, running batch in process", "batch_id", b.ID, "error", err)
	}

	c.record("inline")
	run := c.track(b.ID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Run(context.WithoutCancel(ctx), s, b, run)
	}()
}

func (c *Coordinator) track(id string) *batchRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &batchRun{}
	c.runs[id] = r
	return r
}

func (c *Coordinator) untrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, id)
}

func (c *Coordinator) flagCanceled(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runs[id]; ok {
		r.canceled.Store(true)
	}
}

func (c *Coordinator) record(mode string) {
	if c.metrics != nil {
		c.metrics.RecordBatchStart(mode)
	}
}

// batchMetadata folds the shared call settings into the batch row so the
// executor can rebuild per-entry dispatch requests from storage alone.
func batchMetadata(req *TriggerRequest, p core.Principal) map[string]any {
	md := map[string]any{}
	put := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	put("voice_id", req.VoiceID)
	put("from_number", req.FromNumber)
	put("added_context", req.AddedContext)
	initiated := p.SubjectID
	if initiated == "" {
		initiated = req.InitiatedBy
	}
	put("initiated_by", initiated)
	if len(md) == 0 {
		return nil
	}
	return md
}

func entryVariables(e EntryInput) map[string]any {
	vars := map[string]any{}
	for k, v := range e.Variables {
		vars[k] = v
	}
	if e.LeadRef != "" {
		vars["lead_ref"] = e.LeadRef
	}
	if e.AddedContext != "" {
		vars["added_context"] = e.AddedContext
	}
	if len(e.KnowledgeBaseRefs) > 0 {
		vars["knowledge_base_refs"] = e.KnowledgeBaseRefs
	}
	if len(vars) == 0 {
		return nil
	}
	return vars
}
