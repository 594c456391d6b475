package dispatch

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/ledger"
	"github.com/voxflow/backend/internal/metrics"
	"github.com/voxflow/backend/internal/store"
)

// OutcomeStore extends Store with the terminal-outcome update.
// *store.Store satisfies it.
type OutcomeStore interface {
	Store
	UpdateCallOutcome(ctx context.Context, id string, target core.CallStatus, out store.CallOutcome) (bool, error)
}

// Outcome is what a provider callback or CDC row reports about a call.
type Outcome struct {
	Status          core.CallStatus
	EndedReason     string
	DurationSeconds int
	RecordingURL    string
	ProviderCallRef string
}

// Settler applies status transitions reported after dispatch and runs credit
// settlement on terminal ones. Dispatch reserved the credit floor; completion
// debits anything above it, and calls the provider rejected before attempting
// get the reservation back. Every movement is idempotent by key, so the
// webhook and CDC paths can both fire without double-charging.
type Settler struct {
	cfg     *config.Manager
	ledger  *ledger.Ledger
	events  EventSink
	metrics *metrics.Metrics
}

func NewSettler(cfg *config.Manager, led *ledger.Ledger, events EventSink, m *metrics.Metrics) *Settler {
	return &Settler{cfg: cfg, ledger: led, events: events, metrics: m}
}

// Advance applies a non-terminal transition (ringing, in-progress). Returns
// the updated row, or nil when the transition was not legal from the
// current status.
func (st *Settler) Advance(ctx context.Context, s OutcomeStore, callID string, status core.CallStatus, providerRef string) (*core.CallLog, error) {
	if status.IsTerminal() {
		return nil, core.NewErrorf(core.ErrValidation, "%s is terminal, use Complete", status)
	}
	ok, err := s.UpdateCallStatus(ctx, s.DB(), callID, status, providerRef)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	call, err := s.GetCallLog(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call != nil {
		st.publish(call)
	}
	return call, nil
}

// Complete applies a terminal outcome and settles credits. The conditional
// update makes it safe against replays and out-of-order callbacks: a second
// terminal report finds no eligible row and changes nothing (P5).
func (st *Settler) Complete(ctx context.Context, s OutcomeStore, callID string, out Outcome) (*core.CallLog, error) {
	if !out.Status.IsTerminal() {
		return nil, core.NewErrorf(core.ErrValidation, "%s is not a terminal status", out.Status)
	}

	prior, err := s.GetCallLog(ctx, callID)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, core.NewErrorf(core.ErrNotFound, "call %q not found", callID)
	}
	wasQueued := prior.Status == core.CallQueued

	cost := decimal.Zero
	if out.Status == core.CallCompleted {
		cost = st.callCost(prior.TenantID, out.DurationSeconds)
	}

	ok, err := s.UpdateCallOutcome(ctx, callID, out.Status, store.CallOutcome{
		EndedReason:     out.EndedReason,
		DurationSeconds: out.DurationSeconds,
		Cost:            costColumn(cost),
		RecordingURL:    out.RecordingURL,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// Already terminal, or an illegal jump. Either way: no settlement.
		return nil, core.NewErrorf(core.ErrConflict, "call %q cannot transition to %s", callID, out.Status)
	}

	call, err := s.GetCallLog(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call != nil {
		st.publish(call)
	}

	st.settle(ctx, s, prior, out, cost, wasQueued)
	return call, nil
}

// settle moves the money for one terminal call. Failures are logged, not
// returned: the status transition already committed and the idempotency keys
// let a retry (webhook redelivery, CDC replay) finish the job.
func (st *Settler) settle(ctx context.Context, s OutcomeStore, prior *core.CallLog, out Outcome, cost decimal.Decimal, wasQueued bool) {
	pol := st.cfg.PolicyFor(prior.TenantID)
	reservation := decimal.NewFromInt(pol.CreditMinimum)

	switch {
	case out.Status == core.CallCompleted:
		extra := cost.Sub(reservation)
		if !extra.IsPositive() {
			return
		}
		if _, err := st.ledger.Debit(ctx, s, ledger.DebitRequest{
			TenantID:       prior.TenantID,
			SubjectID:      prior.SubjectID,
			Amount:         extra,
			IdempotencyKey: "settle:" + prior.ID,
			CallID:         prior.ID,
			CampaignID:     campaignOf(prior),
			Reason:         "call settlement",
		}); err != nil {
			slog.Error("Settlement debit failed", "call_id", prior.ID, "amount", extra, "error", err)
		}

	case out.Status == core.CallFailed && wasQueued:
		// Provider rejected the call before attempting it.
		if _, err := st.ledger.Credit(ctx, s, ledger.CreditRequest{
			TenantID:       prior.TenantID,
			SubjectID:      prior.SubjectID,
			Amount:         reservation,
			IdempotencyKey: ledger.RefundKey(prior.ID),
			CallID:         prior.ID,
			Reason:         "provider rejected call",
		}); err != nil {
			slog.Error("Rejection refund failed", "call_id", prior.ID, "error", err)
		}

	default:
		// busy, no-answer, canceled, or failed mid-call: the attempt was
		// made, the reservation stands.
	}
}

// callCost prices a completed call: the per-minute rate times started
// minutes, with a one-minute floor.
func (st *Settler) callCost(tenantID string, durationSeconds int) decimal.Decimal {
	rate := decimal.NewFromInt(st.cfg.PolicyFor(tenantID).CallCost)
	minutes := int64((durationSeconds + 59) / 60)
	if minutes < 1 {
		minutes = 1
	}
	return rate.Mul(decimal.NewFromInt(minutes))
}

func (st *Settler) publish(call *core.CallLog) {
	if st.events == nil {
		return
	}
	cp := *call
	st.events.CallChanged(&cp)
}

func campaignOf(call *core.CallLog) string {
	if call.Metadata == nil {
		return ""
	}
	if v, ok := call.Metadata["campaign_id"].(string); ok {
		return v
	}
	return ""
}

func costColumn(cost decimal.Decimal) sql.NullString {
	if cost.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: cost.String(), Valid: true}
}
