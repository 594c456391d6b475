package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/dispatch"
	"github.com/voxflow/backend/internal/ledger"
	"github.com/voxflow/backend/internal/policy"
	"github.com/voxflow/backend/internal/provider"
	"github.com/voxflow/backend/internal/routing"
	"github.com/voxflow/backend/internal/store"
)

var operator = core.Principal{SubjectID: "user-1", TenantID: "tenant-a"}

func testManager(t *testing.T) *config.Manager {
	t.Helper()
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	m, err := config.NewManager(cfg, "")
	require.NoError(t, err)
	return m
}

// acceptLauncher pretends to enqueue so nothing executes until the test
// drives Run or ExecuteNextEntry itself.
type acceptLauncher struct {
	launched []*core.Batch
}

func (a *acceptLauncher) Launch(_ context.Context, b *core.Batch) error {
	a.launched = append(a.launched, b)
	return nil
}

type failingLauncher struct{}

func (failingLauncher) Launch(context.Context, *core.Batch) error {
	return errors.New("queue unreachable")
}

// rejectingClient fails dispatches to one number and delegates the rest.
type rejectingClient struct {
	*provider.MockClient
	reject string
}

func (r *rejectingClient) Dispatch(ctx context.Context, req *provider.DispatchRequest) (*provider.DispatchResult, error) {
	if req.Phone.E164() == r.reject {
		return nil, errors.New("busy carrier trunk")
	}
	return r.MockClient.Dispatch(ctx, req)
}

type denyCheck struct{}

func (denyCheck) Name() string { return "deny" }

func (denyCheck) Evaluate(context.Context, *policy.Request) error {
	return core.NewError(core.ErrFeatureDisabled, "outbound calling is disabled")
}

type harness struct {
	coord *Coordinator
	mem   *store.Memory
	mock  *provider.MockClient
	cfg   *config.Manager
}

func newHarness(t *testing.T, l Launcher, intake ...policy.Check) *harness {
	t.Helper()
	mem := store.NewMemory("tenant_acme")
	mem.SeedWallet("tenant-a", "50")
	mem.SeedAgent(&core.Agent{ID: "agent-1", TenantID: "tenant-a", Name: "Closer", Provider: "vapi", VoiceID: "voice-9"})
	mem.SeedVoice(&core.Voice{ID: "voice-9", Provider: "vapi", Name: "Nova"})
	mem.SeedProviders(&core.Provider{Name: "vapi", Status: core.ProviderActive, Priority: 1})

	mock := provider.NewMockClient("vapi")
	h := &harness{mem: mem, mock: mock, cfg: testManager(t)}
	h.rebuild(mock, l, intake...)
	return h
}

// rebuild wires a coordinator around the given provider client.
func (h *harness) rebuild(c provider.Client, l Launcher, intake ...policy.Check) {
	reg := provider.NewRegistry()
	reg.Register(c)
	disp := dispatch.New(h.cfg, policy.NewGate(nil), routing.NewRouter(h.mem, reg), reg,
		ledger.New(nil), h.mem, nil, nil, time.Second)
	h.coord = NewCoordinator(h.cfg, disp, policy.NewGate(nil, intake...), l, nil)
}

func triggerReq(numbers ...string) *TriggerRequest {
	req := &TriggerRequest{AgentID: "agent-1", Name: "q3 outreach"}
	for _, n := range numbers {
		req.Entries = append(req.Entries, EntryInput{ToNumber: n})
	}
	return req
}

func getBatch(t *testing.T, mem *store.Memory, id string) *core.Batch {
	t.Helper()
	b, err := mem.GetBatch(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b
}

func balance(t *testing.T, mem *store.Memory) string {
	t.Helper()
	w, err := mem.GetWallet(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.NotNil(t, w)
	return w.CurrentBalance.String()
}

// ──────────────────────────── TriggerBatch ────────────────────────────

func TestTriggerBatchRejectsInvalidNumber(t *testing.T) {
	h := newHarness(t, &acceptLauncher{})

	req := triggerReq("+14155550100", "12345", "+14155550102")
	b, err := h.coord.TriggerBatch(context.Background(), h.mem, operator, req)
	require.Error(t, err)
	assert.Nil(t, b)
	assert.True(t, core.IsCode(err, core.ErrValidation))

	de := core.AsError(err)
	invalid, ok := de.Details["invalid_entries"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, invalid, 1)
	assert.Equal(t, 1, invalid[0]["index"])
	assert.Equal(t, "12345", invalid[0]["to_number"])

	batches, err := h.mem.ListBatches(context.Background(), store.BatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, batches, "a rejected trigger must not persist anything")
}

func TestTriggerBatchRequiresEntries(t *testing.T) {
	h := newHarness(t, &acceptLauncher{})

	_, err := h.coord.TriggerBatch(context.Background(), h.mem, operator, triggerReq())
	assert.True(t, core.IsCode(err, core.ErrValidation))
}

func TestTriggerBatchRequiresAgentID(t *testing.T) {
	h := newHarness(t, &acceptLauncher{})

	req := triggerReq("+14155550100")
	req.AgentID = ""
	_, err := h.coord.TriggerBatch(context.Background(), h.mem, operator, req)
	assert.True(t, core.IsCode(err, core.ErrValidation))
}

func TestTriggerBatchUnknownAgent(t *testing.T) {
	h := newHarness(t, &acceptLauncher{})

	req := triggerReq("+14155550100")
	req.AgentID = "ghost"
	_, err := h.coord.TriggerBatch(context.Background(), h.mem, operator, req)
	assert.True(t, core.IsCode(err, core.ErrNotFound))
}

func TestTriggerBatchDeniedByIntakeGate(t *testing.T) {
	h := newHarness(t, &acceptLauncher{}, denyCheck{})

	_, err := h.coord.TriggerBatch(context.Background(), h.mem, operator, triggerReq("+14155550100"))
	assert.True(t, core.IsCode(err, core.ErrFeatureDisabled))

	batches, err := h.mem.ListBatches(context.Background(), store.BatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestTriggerBatchPersistsAndLaunches(t *testing.T) {
	launcher := &acceptLauncher{}
	h := newHarness(t, launcher)

	b, err := h.coord.TriggerBatch(context.Background(), h.mem, operator,
		triggerReq("+14155550100", "+14155550101", "+14155550102"))
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, core.BatchPending, b.Status)
	assert.Equal(t, 3, b.TotalCount)
	assert.Equal(t, 0, b.MaxRetries)
	assert.Equal(t, "user-1", b.Metadata["initiated_by"])

	require.Len(t, launcher.launched, 1)
	assert.Equal(t, b.ID, launcher.launched[0].ID)

	entries, err := h.mem.ListEntries(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, core.EntryPending, e.Status)
		assert.Equal(t, "1", e.CountryCode)
	}
	assert.Empty(t, h.mock.Calls(), "launched batches run later")
}

func TestGetBatchStatusReturnsEntries(t *testing.T) {
	h := newHarness(t, &acceptLauncher{})

	b, err := h.coord.TriggerBatch(context.Background(), h.mem, operator,
		triggerReq("+14155550100", "+14155550101"))
	require.NoError(t, err)

	d, err := h.coord.GetBatchStatus(context.Background(), h.mem, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, d.Batch.ID)
	assert.Len(t, d.Entries, 2)

	_, err = h.coord.GetBatchStatus(context.Background(), h.mem, "ghost")
	assert.True(t, core.IsCode(err, core.ErrNotFound))
}

// ──────────────────────────── Run ────────────────────────────

func TestRunCompletesAllEntries(t *testing.T) {
	h := newHarness(t, &acceptLauncher{})

	b, err := h.coord.TriggerBatch(context.Background(), h.mem, operator,
		triggerReq("+14155550100", "+14155550101", "+14155550102"))
	require.NoError(t, err)

	h.coord.Run(context.Background(), h.mem, b, nil)

	got := getBatch(t, h.mem, b.ID)
	assert.Equal(t, core.BatchFinished, got.Status)
	assert.Equal(t, 3, got.CompletedCount)
	assert.Equal(t, 0, got.FailedCount)
	require.NotNil(t, got.FinishedAt)

	entries, err := h.mem.ListEntries(context.Background(), b.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, core.EntryDone, e.Status)
		assert.NotEmpty(t, e.CallID)
		assert.Equal(t, 1, e.Attempts)
	}

	calls, err := h.mem.ListCallsByBatch(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, core.CallRinging, c.Status)
		assert.Equal(t, b.ID, c.Metadata["batch_id"])
	}

	assert.Equal(t, "41", balance(t, h.mem), "three reservations held")
	assert.Len(t, h.mock.Calls(), 3)
}

func TestRunMixedOutcomes(t *testing.T) {
	h := newHarness(t, &acceptLauncher{})
	h.rebuild(&rejectingClient{MockClient: h.mock, reject: "+14155550101"}, &acceptLauncher{})

	b, err := h.coord.TriggerBatch(context.Background(), h.mem, operator,
		triggerReq("+14155550100", "+14155550101", "+14155550102"))
	require.NoError(t, err)

	h.coord.Run(context.Background(), h.mem, b, nil)

	got := getBatch(t, h.mem, b.ID)
	assert.Equal(t, core.BatchFinished, got.Status)
	assert.Equal(t, 2, got.CompletedCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 0, got.CanceledCount)

	entries, err := h.mem.ListEntries(context.Background(), b.ID)
	require.NoError(t, err)
	for _, e := range entries {
		if e.BaseNumber == "4155550101" {
			assert.Equal(t, core.EntryFailed, e.Status)
			assert.Contains(t, e.LastError, "busy carrier trunk")
			assert.Empty(t, e.CallID)
			continue
		}
		assert.Equal(t, core.EntryDone, e.Status)
		assert.NotEmpty(t, e.CallID)
	}

	// Three reservations went out, the rejected one came back.
	assert.Equal(t, "44", balance(t, h.mem))

	calls, err := h.mem.ListCallsByBatch(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, calls, 3)
	for _, c := range calls {
		if c.Status != core.CallFailed {
			continue
		}
		refund, err := h.mem.GetLedgerEntryByKey(context.Background(), nil, "tenant-a", ledger.RefundKey(c.ID))
		require.NoError(t, err)
		require.NotNil(t, refund)
		assert.Equal(t, "3", refund.Delta.String())
	}
}

func TestRunRetriesProviderFailure(t *testing.T) {
	h := newHarness(t, &acceptLauncher{})
	h.rebuild(&rejectingClient{MockClient: h.mock, reject: "+14155550100"}, &acceptLauncher{})

	req := triggerReq("+14155550100")
	req.MaxRetries = 1
	b, err := h.coord.TriggerBatch(context.Background(), h.mem, operator, req)
	require.NoError(t, err)

	h.coord.Run(context.Background(), h.mem, b, nil)

	got := getBatch(t, h.mem, b.ID)
	assert.Equal(t, core.BatchFinished, got.Status)
	assert.Equal(t, 1, got.FailedCount)

	entries, err := h.mem.ListEntries(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.EntryFailed, entries[0].Status)
	assert.Equal(t, 2, entries[0].Attempts, "one retry after the first failure")

	// Every attempt is its own call log and every reservation was refunded.
	calls, err := h.mem.ListCallsByBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Len(t, calls, 2)
	assert.Equal(t, "50", balance(t, h.mem))
}

// ──────────────────────────── CancelBatch ────────────────────────────

func TestCancelBatchFlipsPendingEntries(t *testing.T) {
	h := newHarness(t, &acceptLauncher{})

	b, err := h.coord.TriggerBatch(context.Background(), h.mem, operator,
		triggerReq("+14155550100", "+14155550101", "+14155550102"))
	require.NoError(t, err)

	out, err := h.coord.CancelBatch(context.Background(), h.mem, b.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchCanceled, out.Status)
	assert.Equal(t, 3, out.CanceledCount)
	require.NotNil(t, out.FinishedAt)

	entries, err := h.mem.ListEntries(context.Background(), b.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, core.EntryCanceled, e.Status)
	}

	_, err = h.coord.CancelBatch(context.Background(), h.mem, b.ID)
	assert.True(t, core.IsCode(err, core.ErrConflict))

	// A runner arriving late finds nothing to claim and leaves the
	// terminal status alone.
	h.coord.Run(context.Background(), h.mem, b, nil)
	got := getBatch(t, h.mem, b.ID)
	assert.Equal(t, core.BatchCanceled, got.Status)
	assert.Equal(t, 3, got.CanceledCount)
	assert.Empty(t, h.mock.Calls())
}

func TestCancelBatchUnknown(t *testing.T) {
	h := newHarness(t, &acceptLauncher{})

	_, err := h.coord.CancelBatch(context.Background(), h.mem, "ghost")
	assert.True(t, core.IsCode(err, core.ErrNotFound))
}

func TestCancelFlagSkipsClaimedEntry(t *testing.T) {
	h := newHarness(t, &acceptLauncher{})

	b, err := h.coord.TriggerBatch(context.Background(), h.mem, operator, triggerReq("+14155550100"))
	require.NoError(t, err)

	claimed, err := h.mem.ClaimPendingEntries(context.Background(), b.ID, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	r := &batchRun{}
	r.canceled.Store(true)
	outcome := h.coord.executeEntry(context.Background(), h.mem, b, claimed[0], r)
	assert.Equal(t, entrySkipped, outcome)

	entries, err := h.mem.ListEntries(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, core.EntryCanceled, entries[0].Status)
	assert.Equal(t, 1, getBatch(t, h.mem, b.ID).CanceledCount)
	assert.Empty(t, h.mock.Calls())
}

// ──────────────────────────── ExecuteNextEntry ────────────────────────────

func TestExecuteNextEntryClaimsOnePerDelivery(t *testing.T) {
	h := newHarness(t, &acceptLauncher{})

	b, err := h.coord.TriggerBatch(context.Background(), h.mem, operator,
		triggerReq("+14155550100", "+14155550101"))
	require.NoError(t, err)

	ran, err := h.coord.ExecuteNextEntry(context.Background(), h.mem, b.ID)
	require.NoError(t, err)
	assert.True(t, ran)
	got := getBatch(t, h.mem, b.ID)
	assert.Equal(t, core.BatchRunning, got.Status)
	assert.Equal(t, 1, got.CompletedCount)

	ran, err = h.coord.ExecuteNextEntry(context.Background(), h.mem, b.ID)
	require.NoError(t, err)
	assert.True(t, ran)
	got = getBatch(t, h.mem, b.ID)
	assert.Equal(t, core.BatchFinished, got.Status)
	assert.Equal(t, 2, got.CompletedCount)

	// Duplicate delivery after the batch finished acks as a no-op.
	ran, err = h.coord.ExecuteNextEntry(context.Background(), h.mem, b.ID)
	require.NoError(t, err)
	assert.False(t, ran)

	_, err = h.coord.ExecuteNextEntry(context.Background(), h.mem, "ghost")
	assert.True(t, core.IsCode(err, core.ErrNotFound))
}

func TestExecuteNextEntrySignalsRetryForRedelivery(t *testing.T) {
	h := newHarness(t, &acceptLauncher{})
	h.rebuild(&rejectingClient{MockClient: h.mock, reject: "+14155550100"}, &acceptLauncher{})

	req := triggerReq("+14155550100")
	req.MaxRetries = 1
	b, err := h.coord.TriggerBatch(context.Background(), h.mem, operator, req)
	require.NoError(t, err)

	// First delivery releases the entry and errors so the queue redelivers.
	ran, err := h.coord.ExecuteNextEntry(context.Background(), h.mem, b.ID)
	assert.True(t, ran)
	require.Error(t, err)

	entries, err := h.mem.ListEntries(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, core.EntryPending, entries[0].Status)
	assert.Equal(t, 1, entries[0].Attempts)

	// Redelivery exhausts the retry budget and closes the batch.
	ran, err = h.coord.ExecuteNextEntry(context.Background(), h.mem, b.ID)
	require.NoError(t, err)
	assert.True(t, ran)

	got := getBatch(t, h.mem, b.ID)
	assert.Equal(t, core.BatchFinished, got.Status)
	assert.Equal(t, 1, got.FailedCount)
}

// ──────────────────────────── inline execution ────────────────────────────

func TestTriggerBatchRunsInlineWithoutLauncher(t *testing.T) {
	h := newHarness(t, nil)

	b, err := h.coord.TriggerBatch(context.Background(), h.mem, operator,
		triggerReq("+14155550100", "+14155550101", "+14155550102"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.mem.GetBatch(context.Background(), b.ID)
		return err == nil && got != nil && got.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)

	got := getBatch(t, h.mem, b.ID)
	assert.Equal(t, core.BatchFinished, got.Status)
	assert.Equal(t, 3, got.CompletedCount)
	assert.Len(t, h.mock.Calls(), 3)
}

func TestTriggerBatchFallsBackWhenEnqueueFails(t *testing.T) {
	h := newHarness(t, failingLauncher{})

	b, err := h.coord.TriggerBatch(context.Background(), h.mem, operator, triggerReq("+14155550100"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.mem.GetBatch(context.Background(), b.ID)
		return err == nil && got != nil && got.Status == core.BatchFinished
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, h.mock.Calls(), 1)
}

// ──────────────────────────── request plumbing ────────────────────────────

func TestBatchSettingsFlowIntoDispatch(t *testing.T) {
	h := newHarness(t, &acceptLauncher{})

	req := triggerReq("+14155550100")
	req.VoiceID = "voice-9"
	req.FromNumber = "+18005550000"
	req.AddedContext = "campaign brief"
	req.Entries[0].LeadName = "Dana"
	req.Entries[0].LeadRef = "crm-77"
	req.Entries[0].AddedContext = "vip lead"
	req.Entries[0].KnowledgeBaseRefs = []string{"kb-1"}

	b, err := h.coord.TriggerBatch(context.Background(), h.mem, operator, req)
	require.NoError(t, err)

	h.coord.Run(context.Background(), h.mem, b, nil)

	calls := h.mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "voice-9", calls[0].VoiceID)
	assert.Equal(t, "Dana", calls[0].Metadata["lead_name"])
	assert.Equal(t, "crm-77", calls[0].Metadata["lead_ref"])
	assert.Equal(t, "vip lead", calls[0].Metadata["added_context"], "entry context overrides the batch one")
	assert.Equal(t, "+18005550000", calls[0].Metadata["from_number"])
	assert.Equal(t, b.ID, calls[0].Metadata["batch_id"])
	assert.Contains(t, calls[0].Metadata, "knowledge_base_refs")
}
