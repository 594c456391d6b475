// Package tests exercises the call orchestration pipeline end to end:
// dispatch through the policy gate into the provider layer, credit
// reservation and settlement on the ledger, batch fan-out, and the tenant
// event streams. The in-memory store and the mock provider stand in for
// Postgres and Vapi, wired together exactly the way cmd/api wires the
// real thing.
package tests

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflow/backend/internal/batch"
	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/dispatch"
	"github.com/voxflow/backend/internal/features"
	"github.com/voxflow/backend/internal/ledger"
	"github.com/voxflow/backend/internal/policy"
	"github.com/voxflow/backend/internal/provider"
	"github.com/voxflow/backend/internal/routing"
	"github.com/voxflow/backend/internal/store"
	"github.com/voxflow/backend/internal/stream"
)

// =============================================================================
// Harness
// =============================================================================

const (
	apexTenant = "tenant-apex"
	apexAgent  = "agent-aria"
	apexVoice  = "voice-nova"
)

func principal() core.Principal {
	return core.Principal{SubjectID: "user-ops", TenantID: apexTenant}
}

// world is the assembled pipeline: one tenant seeded with 50 credits, one
// agent bound to the mock "vapi" provider, outbound calling switched on.
type world struct {
	mgr     *config.Manager
	mem     *store.Memory
	mock    *provider.MockClient
	led     *ledger.Ledger
	disp    *dispatch.Dispatcher
	settler *dispatch.Settler
	coord   *batch.Coordinator
	hub     *stream.Hub
}

type worldConfig struct {
	cfg     *config.Config
	limiter policy.Limiter
}

type worldOption func(*worldConfig)

func withWindow(bh config.BusinessHours) worldOption {
	return func(wc *worldConfig) { wc.cfg.Policy.BusinessHours = bh }
}

func withRateLimit(perMinute int, l policy.Limiter) worldOption {
	return func(wc *worldConfig) {
		wc.cfg.Policy.RateLimitPerMinute = perMinute
		wc.limiter = l
	}
}

func newWorld(t *testing.T, opts ...worldOption) *world {
	t.Helper()

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Policy.BusinessHours = alwaysOpen()
	// Keep heartbeat frames out of the assertions.
	cfg.Stream.HeartbeatInterval = time.Hour

	wc := &worldConfig{cfg: cfg, limiter: policy.NoopLimiter{}}
	for _, o := range opts {
		o(wc)
	}

	mgr, err := config.NewManager(wc.cfg, "")
	require.NoError(t, err)

	mem := store.NewMemory("tenant_apex")
	mem.SeedWallet(apexTenant, "50")
	mem.SeedAgent(&core.Agent{ID: apexAgent, TenantID: apexTenant, Name: "Aria", Provider: "vapi", VoiceID: apexVoice})
	mem.SeedVoice(&core.Voice{ID: apexVoice, Provider: "vapi", Name: "Nova", Language: "en-US"})
	mem.SeedProviders(&core.Provider{Name: "vapi", Status: core.ProviderActive, Priority: 1})
	mem.SeedFeature(apexTenant, wc.cfg.Policy.CallFeatureKey, true)

	mock := provider.NewMockClient("vapi")
	registry := provider.NewRegistry()
	registry.Register(mock)

	hub := stream.NewHub(wc.cfg.Stream, nil)
	t.Cleanup(hub.Close)

	led := ledger.New(nil)
	gate := policy.NewGate(nil,
		policy.FeatureCheck(mgr, features.NewResolver(mem)),
		policy.HoursCheck(mgr, mem),
		policy.CreditCheck(mgr),
		policy.RateCheck(mgr, wc.limiter),
	)
	intake := policy.NewGate(nil,
		policy.FeatureCheck(mgr, features.NewResolver(mem)),
		policy.HoursCheck(mgr, mem),
	)

	disp := dispatch.New(mgr, gate, routing.NewRouter(mem, registry), registry, led, mem, hub, nil, 5*time.Second)

	return &world{
		mgr:     mgr,
		mem:     mem,
		mock:    mock,
		led:     led,
		disp:    disp,
		settler: dispatch.NewSettler(mgr, led, hub, nil),
		coord:   batch.NewCoordinator(mgr, disp, intake, nil, nil),
		hub:     hub,
	}
}

func alwaysOpen() config.BusinessHours {
	return config.BusinessHours{
		Start:    "00:00",
		End:      "23:59",
		Timezone: "UTC",
		Days:     []int{0, 1, 2, 3, 4, 5, 6},
	}
}

// closedWindow returns a one-minute window two hours from now, so the gate
// is shut no matter when the test runs. The start is nudged off 23:59 to
// keep the window inside a single calendar day.
func closedWindow() config.BusinessHours {
	w := time.Now().UTC().Add(2 * time.Hour)
	if w.Hour() == 23 && w.Minute() == 59 {
		w = w.Add(time.Minute)
	}
	end := w.Add(time.Minute)
	return config.BusinessHours{
		Start:    fmt.Sprintf("%02d:%02d", w.Hour(), w.Minute()),
		End:      fmt.Sprintf("%02d:%02d", end.Hour(), end.Minute()),
		Timezone: "UTC",
		Days:     []int{0, 1, 2, 3, 4, 5, 6},
	}
}

func credits(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func balance(t *testing.T, w *world) decimal.Decimal {
	t.Helper()
	wallet, err := w.mem.GetWallet(context.Background(), apexTenant)
	require.NoError(t, err)
	require.NotNil(t, wallet)
	return wallet.CurrentBalance
}

func startCall(t *testing.T, w *world, number string) *dispatch.StartCallResult {
	t.Helper()
	res, err := w.disp.StartCall(context.Background(), w.mem, principal(), &dispatch.StartCallRequest{
		ToNumber: number,
		AgentID:  apexAgent,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func recvFrame(t *testing.T, sub *stream.Subscriber) stream.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "mailbox closed while a frame was expected")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a stream frame")
		return stream.Event{}
	}
}

func assertNoFrame(t *testing.T, sub *stream.Subscriber) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected %s frame", ev.Type)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

// =============================================================================
// 1. CALL LIFECYCLE: reservation, settlement, refunds
// =============================================================================

func TestCallLifecycle_ReservationThenSettlement(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	sub := w.hub.Subscribe(apexTenant, "sse")
	defer w.hub.Unsubscribe(sub)

	res := startCall(t, w, "+14155550142")
	assert.Equal(t, "vapi", res.Provider)
	assert.Equal(t, core.CallRinging, res.Status)
	assert.NotEmpty(t, res.ProviderCallID)

	// The floor is held the moment the call leaves, keyed by the call ID.
	assert.True(t, balance(t, w).Equal(credits(47)), "want 47 after the reservation, got %s", balance(t, w))
	reservation, err := w.mem.GetLedgerEntryByKey(ctx, nil, apexTenant, res.CallLogID)
	require.NoError(t, err)
	require.NotNil(t, reservation)
	assert.True(t, reservation.Delta.Equal(credits(-3)))
	assert.Equal(t, res.CallLogID, reservation.CallID)

	calls := w.mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, res.CallLogID, calls[0].IdempotencyKey)
	assert.Equal(t, apexTenant, calls[0].TenantID)

	// Customer picks up.
	call, err := w.settler.Advance(ctx, w.mem, res.CallLogID, core.CallInProgress, "")
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.Equal(t, core.CallInProgress, call.Status)

	// 150 seconds bills as three started minutes: 9 credits, 3 already held.
	call, err = w.settler.Complete(ctx, w.mem, res.CallLogID, dispatch.Outcome{
		Status:          core.CallCompleted,
		EndedReason:     "customer-ended-call",
		DurationSeconds: 150,
		RecordingURL:    "https://recordings.example.com/apex/" + res.CallLogID + ".wav",
	})
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.Equal(t, core.CallCompleted, call.Status)
	assert.Equal(t, 150, call.DurationSeconds)
	assert.True(t, call.Cost.Equal(credits(9)), "completed call carries its full price, got %s", call.Cost)
	assert.NotEmpty(t, call.RecordingURL)

	assert.True(t, balance(t, w).Equal(credits(41)))
	settle, err := w.mem.GetLedgerEntryByKey(ctx, nil, apexTenant, "settle:"+res.CallLogID)
	require.NoError(t, err)
	require.NotNil(t, settle)
	assert.True(t, settle.Delta.Equal(credits(-6)))

	// Wallet and trail agree, and the subscriber saw every hop in order.
	assert.True(t, w.mem.LedgerSum(apexTenant).Equal(credits(-9)))
	for _, want := range []core.CallStatus{core.CallQueued, core.CallRinging, core.CallInProgress, core.CallCompleted} {
		ev := recvFrame(t, sub)
		require.Equal(t, stream.EventCallUpdate, ev.Type)
		require.NotNil(t, ev.Call)
		assert.Equal(t, res.CallLogID, ev.Call.ID)
		assert.Equal(t, want, ev.Call.Status)
	}
}

func TestCallLifecycle_ShortCallCostsOnlyTheReservation(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	res := startCall(t, w, "+14155550143")
	call, err := w.settler.Complete(ctx, w.mem, res.CallLogID, dispatch.Outcome{
		Status:          core.CallCompleted,
		EndedReason:     "customer-ended-call",
		DurationSeconds: 40,
	})
	require.NoError(t, err)
	assert.True(t, call.Cost.Equal(credits(3)))

	// One started minute equals the reservation: nothing extra to collect.
	assert.True(t, balance(t, w).Equal(credits(47)))
	settle, err := w.mem.GetLedgerEntryByKey(ctx, nil, apexTenant, "settle:"+res.CallLogID)
	require.NoError(t, err)
	assert.Nil(t, settle)
	assert.True(t, w.mem.LedgerSum(apexTenant).Equal(credits(-3)))
}

func TestCallLifecycle_TerminalOutcomeIsFinal(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	res := startCall(t, w, "+14155550144")
	_, err := w.settler.Complete(ctx, w.mem, res.CallLogID, dispatch.Outcome{
		Status:          core.CallCompleted,
		EndedReason:     "customer-ended-call",
		DurationSeconds: 55,
	})
	require.NoError(t, err)

	// A replayed end-of-call webhook must not settle twice.
	_, err = w.settler.Complete(ctx, w.mem, res.CallLogID, dispatch.Outcome{
		Status:          core.CallCompleted,
		EndedReason:     "customer-ended-call",
		DurationSeconds: 55,
	})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrConflict))

	// A stale progress update arriving after the fact is dropped, not an error.
	call, err := w.settler.Advance(ctx, w.mem, res.CallLogID, core.CallInProgress, "")
	require.NoError(t, err)
	assert.Nil(t, call)

	got, err := w.mem.GetCallLog(ctx, res.CallLogID)
	require.NoError(t, err)
	assert.Equal(t, core.CallCompleted, got.Status)
	assert.True(t, balance(t, w).Equal(credits(47)))
	assert.True(t, w.mem.LedgerSum(apexTenant).Equal(credits(-3)))
}

func TestCallLifecycle_ProviderRejectionRefunds(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	w.mock.FailWith(errors.New("vapi: concurrency limit reached"))
	_, err := w.disp.StartCall(ctx, w.mem, principal(), &dispatch.StartCallRequest{
		ToNumber: "+14155550145",
		AgentID:  apexAgent,
	})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrProviderFailed))

	// Wallet made whole, and the trail shows both movements.
	assert.True(t, balance(t, w).Equal(credits(50)))
	assert.True(t, w.mem.LedgerSum(apexTenant).IsZero())
	rows, err := w.mem.ListLedgerEntries(ctx, apexTenant, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	refund := rows[0]
	assert.True(t, refund.Delta.Equal(credits(3)))
	assert.Equal(t, ledger.RefundKey(refund.CallID), refund.IdempotencyKey)

	call, err := w.mem.GetCallLog(ctx, refund.CallID)
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.Equal(t, core.CallFailed, call.Status)
	assert.Contains(t, call.EndedReason, "dispatch:")
}

func TestCallLifecycle_FailureAfterAnswerKeepsReservation(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	res := startCall(t, w, "+14155550146")
	_, err := w.settler.Advance(ctx, w.mem, res.CallLogID, core.CallInProgress, "")
	require.NoError(t, err)

	call, err := w.settler.Complete(ctx, w.mem, res.CallLogID, dispatch.Outcome{
		Status:          core.CallFailed,
		EndedReason:     "provider-error",
		DurationSeconds: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, core.CallFailed, call.Status)

	// The attempt was made: the minimum stays spent.
	assert.True(t, balance(t, w).Equal(credits(47)))
	assert.True(t, w.mem.LedgerSum(apexTenant).Equal(credits(-3)))
}

func TestCallLifecycle_RejectionWhileQueuedRefundsViaWebhook(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	// A call the provider accepted, then rejected before ringing: the
	// status webhook can be the first to learn about it.
	seed := &core.CallLog{
		ID:          "call-early-reject",
		TenantID:    apexTenant,
		SubjectID:   "user-ops",
		AgentID:     apexAgent,
		Provider:    "vapi",
		CountryCode: "1",
		BaseNumber:  "4155550199",
		Status:      core.CallQueued,
	}
	require.NoError(t, w.mem.InsertCallLog(ctx, nil, seed))
	_, err := w.led.Debit(ctx, w.mem, ledger.DebitRequest{
		TenantID:       apexTenant,
		SubjectID:      "user-ops",
		Amount:         credits(3),
		IdempotencyKey: seed.ID,
		CallID:         seed.ID,
		Reason:         "call reservation",
	})
	require.NoError(t, err)

	call, err := w.settler.Complete(ctx, w.mem, seed.ID, dispatch.Outcome{
		Status:      core.CallFailed,
		EndedReason: "assistant-not-found",
	})
	require.NoError(t, err)
	assert.Equal(t, core.CallFailed, call.Status)

	// Never dialed: the reservation comes back.
	assert.True(t, balance(t, w).Equal(credits(50)))
	assert.True(t, w.mem.LedgerSum(apexTenant).IsZero())
}

// =============================================================================
// 2. POLICY GATE: feature flags, dialing windows, credit floor, rate limits
// =============================================================================

func TestGate_DisabledFeatureBlocksBeforeMoneyMoves(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	w.mem.SeedFeature(apexTenant, w.mgr.Global().Policy.CallFeatureKey, false)

	_, err := w.disp.StartCall(ctx, w.mem, principal(), &dispatch.StartCallRequest{
		ToNumber: "+14155550150",
		AgentID:  apexAgent,
	})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrFeatureDisabled))
	de := core.AsError(err)
	require.NotNil(t, de)
	assert.Equal(t, true, de.Details["upgrade_required"])

	// Denied at the gate: no dispatch, no ledger row, no wallet movement.
	assert.Empty(t, w.mock.Calls())
	rows, err := w.mem.ListLedgerEntries(ctx, apexTenant, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.True(t, balance(t, w).Equal(credits(50)))
}

func TestGate_UnknownTenantFailsClosed(t *testing.T) {
	w := newWorld(t)

	ghost := core.Principal{SubjectID: "user-ops", TenantID: "tenant-ghost"}
	_, err := w.disp.StartCall(context.Background(), w.mem, ghost, &dispatch.StartCallRequest{
		ToNumber: "+14155550151",
		AgentID:  apexAgent,
	})
	require.Error(t, err)

	// No flag rows anywhere resolves to disabled, never to open.
	assert.True(t, core.IsCode(err, core.ErrFeatureDisabled))
	assert.Empty(t, w.mock.Calls())
}

func TestGate_OutsideDialingWindow(t *testing.T) {
	w := newWorld(t, withWindow(closedWindow()))

	_, err := w.disp.StartCall(context.Background(), w.mem, principal(), &dispatch.StartCallRequest{
		ToNumber: "+14155550152",
		AgentID:  apexAgent,
	})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrOutsideBusinessHours))
	de := core.AsError(err)
	require.NotNil(t, de)
	assert.Contains(t, de.Details, "next_open_at")

	assert.Empty(t, w.mock.Calls())
	assert.True(t, balance(t, w).Equal(credits(50)))
}

func TestGate_TenantWindowOverridesGlobal(t *testing.T) {
	// Global hours wide open, but the tenant registry carries its own
	// (currently shut) window, and the registry wins.
	w := newWorld(t)

	shut := closedWindow()
	w.mem.SeedTenant(&core.TenantRecord{
		ID:     apexTenant,
		Name:   "Apex",
		Schema: "tenant_apex",
		Plan:   "growth",
		Status: "active",
		Settings: map[string]any{
			"business_hours": map[string]any{
				"start":    shut.Start,
				"end":      shut.End,
				"timezone": shut.Timezone,
				"days":     shut.Days,
			},
		},
	})

	_, err := w.disp.StartCall(context.Background(), w.mem, principal(), &dispatch.StartCallRequest{
		ToNumber: "+14155550153",
		AgentID:  apexAgent,
	})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrOutsideBusinessHours))
}

func TestGate_CreditFloorDeniesBeforeDispatch(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	w.mem.SeedWallet(apexTenant, "2")

	_, err := w.disp.StartCall(ctx, w.mem, principal(), &dispatch.StartCallRequest{
		ToNumber: "+14155550154",
		AgentID:  apexAgent,
	})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrInsufficientFunds))
	de := core.AsError(err)
	require.NotNil(t, de)
	assert.Contains(t, de.Details, "needed")

	assert.Empty(t, w.mock.Calls())
	rows, err := w.mem.ListLedgerEntries(ctx, apexTenant, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.True(t, balance(t, w).Equal(credits(2)))
}

func TestGate_RateLimitCapsTheBurst(t *testing.T) {
	w := newWorld(t, withRateLimit(2, policy.NewMemoryLimiter()))

	startCall(t, w, "+14155550161")
	startCall(t, w, "+14155550162")

	_, err := w.disp.StartCall(context.Background(), w.mem, principal(), &dispatch.StartCallRequest{
		ToNumber: "+14155550163",
		AgentID:  apexAgent,
	})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrRateLimited))

	// Two made it out; the third never reached the wallet.
	assert.Len(t, w.mock.Calls(), 2)
	assert.True(t, balance(t, w).Equal(credits(44)))
}

// =============================================================================
// 3. BATCH ORCHESTRATION: inline runs, intake rules, cancellation
// =============================================================================

func TestBatch_InlineRunCompletesEveryEntry(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	b, err := w.coord.TriggerBatch(ctx, w.mem, principal(), &batch.TriggerRequest{
		Name:    "october-wave",
		AgentID: apexAgent,
		Entries: []batch.EntryInput{
			{ToNumber: "+14155550201", LeadName: "Ada"},
			{ToNumber: "+14155550202", LeadName: "Grace"},
			{ToNumber: "+14155550203", LeadName: "Edsger"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, core.BatchPending, b.Status)
	assert.Equal(t, 3, b.TotalCount)

	w.coord.Drain()

	got, err := w.mem.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.BatchFinished, got.Status)
	assert.Equal(t, 3, got.CompletedCount)
	assert.Zero(t, got.FailedCount)
	require.NotNil(t, got.FinishedAt)

	entries, err := w.mem.ListEntries(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, core.EntryDone, e.Status)
		assert.NotEmpty(t, e.CallID)
		assert.Equal(t, 1, e.Attempts)
	}

	// One reservation per entry, every call stamped with the batch ID.
	assert.True(t, balance(t, w).Equal(credits(41)))
	calls, err := w.mem.ListCallsByBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, calls, 3)
	assert.Len(t, w.mock.Calls(), 3)
}

func TestBatch_OneBadNumberRejectsTheWholeRequest(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	_, err := w.coord.TriggerBatch(ctx, w.mem, principal(), &batch.TriggerRequest{
		Name:    "mixed-bag",
		AgentID: apexAgent,
		Entries: []batch.EntryInput{
			{ToNumber: "+14155550204"},
			{ToNumber: "call me maybe"},
			{ToNumber: "+14155550205"},
		},
	})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrValidation))
	de := core.AsError(err)
	require.NotNil(t, de)
	assert.Contains(t, de.Details, "invalid_entries")

	// Nothing was admitted, not even the valid rows.
	all, err := w.mem.ListBatches(ctx, store.BatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, w.mock.Calls())
	assert.True(t, balance(t, w).Equal(credits(50)))
}

func TestBatch_IntakeAdmitsUnderfundedBatch(t *testing.T) {
	// Batch intake deliberately skips the credit floor: a campaign may be
	// accepted with less balance than it will burn, and entries fail one
	// by one once the wallet runs dry.
	w := newWorld(t)
	ctx := context.Background()

	w.mem.SeedWallet(apexTenant, "4")

	b, err := w.coord.TriggerBatch(ctx, w.mem, principal(), &batch.TriggerRequest{
		Name:    "running-on-fumes",
		AgentID: apexAgent,
		Entries: []batch.EntryInput{
			{ToNumber: "+14155550206"},
			{ToNumber: "+14155550207"},
			{ToNumber: "+14155550208"},
		},
	})
	require.NoError(t, err)

	w.coord.Drain()

	got, err := w.mem.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchFinished, got.Status)
	assert.Equal(t, 1, got.CompletedCount)
	assert.Equal(t, 2, got.FailedCount)

	entries, err := w.mem.ListEntries(ctx, b.ID)
	require.NoError(t, err)
	done, failed := 0, 0
	for _, e := range entries {
		switch e.Status {
		case core.EntryDone:
			done++
		case core.EntryFailed:
			failed++
			assert.Contains(t, e.LastError, "insufficient_credits")
		}
	}
	assert.Equal(t, 1, done)
	assert.Equal(t, 2, failed)

	// Exactly one reservation landed.
	assert.True(t, balance(t, w).Equal(credits(1)))
	assert.True(t, w.mem.LedgerSum(apexTenant).Equal(credits(-3)))
}

func TestBatch_CancelFlipsPendingEntries(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	// A pending batch nothing is running yet.
	b := &core.Batch{
		ID:         "batch-hold",
		TenantID:   apexTenant,
		SubjectID:  "user-ops",
		AgentID:    apexAgent,
		Name:       "on hold",
		Status:     core.BatchPending,
		TotalCount: 2,
		MaxRetries: 1,
	}
	entries := []*core.BatchEntry{
		{ID: "entry-h1", BatchID: b.ID, CountryCode: "1", BaseNumber: "4155550211", Status: core.EntryPending},
		{ID: "entry-h2", BatchID: b.ID, CountryCode: "1", BaseNumber: "4155550212", Status: core.EntryPending},
	}
	require.NoError(t, w.mem.InsertBatchWithEntries(ctx, b, entries))

	got, err := w.coord.CancelBatch(ctx, w.mem, b.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchCanceled, got.Status)
	assert.Equal(t, 2, got.CanceledCount)

	rows, err := w.mem.ListEntries(ctx, b.ID)
	require.NoError(t, err)
	for _, e := range rows {
		assert.Equal(t, core.EntryCanceled, e.Status)
	}

	// Canceling a settled batch is a conflict, not a second flip.
	_, err = w.coord.CancelBatch(ctx, w.mem, b.ID)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrConflict))
}

func TestBatch_ScheduledStartIsHonored(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	start := time.Now()
	delay := 120 * time.Millisecond
	at := start.Add(delay)
	b, err := w.coord.TriggerBatch(ctx, w.mem, principal(), &batch.TriggerRequest{
		Name:        "after-lunch",
		AgentID:     apexAgent,
		ScheduledAt: &at,
		Entries:     []batch.EntryInput{{ToNumber: "+14155550213"}},
	})
	require.NoError(t, err)

	w.coord.Drain()
	assert.GreaterOrEqual(t, time.Since(start), delay, "runner must hold until the scheduled time")

	got, err := w.mem.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchFinished, got.Status)
	assert.Equal(t, 1, got.CompletedCount)
}

// =============================================================================
// 4. TENANT STREAMS: fanout, replay, slow consumers
// =============================================================================

func TestStream_LateSubscriberReplaysLatestSnapshot(t *testing.T) {
	w := newWorld(t)

	res := startCall(t, w, "+14155550170")

	// Subscribing after the fact hands over only the freshest state per call.
	late := w.hub.Subscribe(apexTenant, "sse")
	defer w.hub.Unsubscribe(late)

	ev := recvFrame(t, late)
	assert.Equal(t, stream.EventCallUpdate, ev.Type)
	require.NotNil(t, ev.Call)
	assert.Equal(t, res.CallLogID, ev.Call.ID)
	assert.Equal(t, core.CallRinging, ev.Call.Status)
	assertNoFrame(t, late)
}

func TestStream_TenantsDoNotCrossTalk(t *testing.T) {
	w := newWorld(t)

	rival := w.hub.Subscribe("tenant-rival", "ws")
	defer w.hub.Unsubscribe(rival)
	own := w.hub.Subscribe(apexTenant, "sse")
	defer w.hub.Unsubscribe(own)

	startCall(t, w, "+14155550171")

	ev := recvFrame(t, own)
	require.NotNil(t, ev.Call)
	assert.Equal(t, apexTenant, ev.Call.TenantID)
	assertNoFrame(t, rival)
}

func TestStream_SlowConsumerLosesOldestFrames(t *testing.T) {
	h := stream.NewHub(config.StreamConfig{MailboxSize: 1, HeartbeatInterval: time.Hour}, nil)
	t.Cleanup(h.Close)

	sub := h.Subscribe(apexTenant, "sse")
	for _, st := range []core.CallStatus{core.CallQueued, core.CallRinging, core.CallCompleted} {
		h.CallChanged(&core.CallLog{ID: "call-slow", TenantID: apexTenant, Status: st})
	}

	// A mailbox of one keeps only the freshest frame.
	ev := recvFrame(t, sub)
	require.NotNil(t, ev.Call)
	assert.Equal(t, core.CallCompleted, ev.Call.Status)

	h.Unsubscribe(sub)
	assert.Equal(t, 2, sub.Dropped())
}

// =============================================================================
// 5. MONEY UNDER CONCURRENCY: no overdraft, trail reconciliation
// =============================================================================

func TestConcurrentDispatchNeverOverspends(t *testing.T) {
	w := newWorld(t)

	// Room for exactly four reservations.
	w.mem.SeedWallet(apexTenant, "12")

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = w.disp.StartCall(context.Background(), w.mem, principal(), &dispatch.StartCallRequest{
				ToNumber: fmt.Sprintf("+14155503%03d", i),
				AgentID:  apexAgent,
			})
		}(i)
	}
	wg.Wait()

	dispatched := 0
	for _, err := range errs {
		if err == nil {
			dispatched++
			continue
		}
		assert.True(t, core.IsCode(err, core.ErrInsufficientFunds), "unexpected denial: %v", err)
	}
	assert.Equal(t, 4, dispatched)
	assert.True(t, balance(t, w).IsZero())
	assert.True(t, w.mem.LedgerSum(apexTenant).Equal(credits(-12)))
	assert.Len(t, w.mock.Calls(), 4)
}

func TestWalletAndTrailReconcile(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	// A settles above its reservation: 200s is four started minutes.
	a := startCall(t, w, "+14155550180")
	_, err := w.settler.Complete(ctx, w.mem, a.CallLogID, dispatch.Outcome{
		Status:          core.CallCompleted,
		EndedReason:     "customer-ended-call",
		DurationSeconds: 200,
	})
	require.NoError(t, err)

	// B dies at dial and is refunded.
	w.mock.FailWith(errors.New("vapi: over capacity"))
	_, err = w.disp.StartCall(ctx, w.mem, principal(), &dispatch.StartCallRequest{
		ToNumber: "+14155550181",
		AgentID:  apexAgent,
	})
	require.Error(t, err)
	w.mock.FailWith(nil)

	// C is a top-up, delivered twice by a retrying webhook.
	topup := ledger.CreditRequest{
		TenantID:       apexTenant,
		SubjectID:      "user-ops",
		Amount:         credits(25),
		IdempotencyKey: "topup-2026-08",
		Reason:         "stripe invoice 4242",
	}
	_, err = w.led.Credit(ctx, w.mem, topup)
	require.NoError(t, err)
	rcpt, err := w.led.Credit(ctx, w.mem, topup)
	require.NoError(t, err)
	assert.True(t, rcpt.Replayed)

	// 50 - 12 (A) + 0 (B reserved and refunded) + 25 (C, once).
	sum := w.mem.LedgerSum(apexTenant)
	assert.True(t, sum.Equal(credits(13)), "trail sums to %s", sum)
	assert.True(t, balance(t, w).Equal(credits(63)))
	assert.True(t, balance(t, w).Equal(credits(50).Add(sum)), "wallet drift from the trail")
}
