// Package dispatch runs the single-call pipeline: validate, gate, route,
// persist, dial, settle. The call log row is committed before the provider
// is contacted so observers always see the call, and the row id doubles as
// the idempotency key for both the provider and the credit reservation.
package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/ledger"
	"github.com/voxflow/backend/internal/metrics"
	"github.com/voxflow/backend/internal/policy"
	"github.com/voxflow/backend/internal/provider"
	"github.com/voxflow/backend/internal/routing"
	"github.com/voxflow/backend/internal/store"
)

// Store is the tenant-schema persistence the pipeline needs. *store.Store
// satisfies it.
type Store interface {
	ledger.Store
	routing.AgentSource
	InsertCallLog(ctx context.Context, q store.Querier, c *core.CallLog) error
	UpdateCallStatus(ctx context.Context, q store.Querier, id string, target core.CallStatus, providerRef string) (bool, error)
	FailQueuedCall(ctx context.Context, q store.Querier, id, reason string) (bool, error)
	GetCallLog(ctx context.Context, id string) (*core.CallLog, error)
	Schema() string
}

// VoiceSource looks up catalog voices. *store.DB satisfies it.
type VoiceSource interface {
	GetVoice(ctx context.Context, id string) (*core.Voice, error)
}

// EventSink receives call rows whose status just changed. The stream hub
// sits behind this in production; tests capture the events directly.
type EventSink interface {
	CallChanged(call *core.CallLog)
}

// StartCallRequest is the v2 snake_case wire shape for one outbound call.
type StartCallRequest struct {
	ToNumber     string         `json:"to_number"`
	AgentID      string         `json:"agent_id"`
	VoiceID      string         `json:"voice_id,omitempty"`
	FromNumber   string         `json:"from_number,omitempty"`
	LeadName     string         `json:"lead_name,omitempty"`
	LeadRef      string         `json:"lead_ref,omitempty"`
	AddedContext string         `json:"added_context,omitempty"`
	CampaignID   string         `json:"campaign_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// Batch executor plumbing, never decoded from the wire.
	BatchID string `json:"-"`
	EntryID string `json:"-"`
}

// StartCallResult reports a dispatched (or failed) call.
type StartCallResult struct {
	CallLogID      string          `json:"call_log_id"`
	ProviderCallID string          `json:"provider_call_id,omitempty"`
	Provider       string          `json:"provider"`
	Status         core.CallStatus `json:"status"`
}

// Dispatcher owns the orchestration pipeline.
type Dispatcher struct {
	cfg         *config.Manager
	gate        *policy.Gate
	router      *routing.Router
	clients     *provider.Registry
	ledger      *ledger.Ledger
	voices      VoiceSource
	events      EventSink
	metrics     *metrics.Metrics
	dialTimeout time.Duration
}

func New(cfg *config.Manager, gate *policy.Gate, router *routing.Router, clients *provider.Registry,
	led *ledger.Ledger, voices VoiceSource, events EventSink, m *metrics.Metrics, dialTimeout time.Duration) *Dispatcher {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:         cfg,
		gate:        gate,
		router:      router,
		clients:     clients,
		ledger:      led,
		voices:      voices,
		events:      events,
		metrics:     m,
		dialTimeout: dialTimeout,
	}
}

// StartCall runs the full pipeline for one call against the given
// tenant-schema store.
func (d *Dispatcher) StartCall(ctx context.Context, s Store, p core.Principal, req *StartCallRequest) (*StartCallResult, error) {
	started := time.Now()

	phone, err := core.ParsePhone(req.ToNumber)
	if err != nil {
		return nil, err
	}
	if req.AgentID == "" {
		return nil, core.NewError(core.ErrValidation, "agent_id is required")
	}

	if err := d.gate.Evaluate(ctx, &policy.Request{
		Principal: p,
		AgentID:   req.AgentID,
		Cost:      decimal.NewFromInt(d.cfg.PolicyFor(p.TenantID).CreditMinimum),
		Wallets:   s,
	}); err != nil {
		return nil, err
	}

	route, err := d.router.Route(ctx, s, req.AgentID)
	if err != nil {
		return nil, err
	}
	client, ok := d.clients.Get(route.Provider.Name)
	if !ok {
		return nil, core.NewErrorf(core.ErrNoProvider, "no client configured for provider %q", route.Provider.Name)
	}

	voiceID := d.resolveVoice(ctx, req, route)

	call := &core.CallLog{
		ID:          uuid.New().String(),
		TenantID:    p.TenantID,
		SubjectID:   p.SubjectID,
		AgentID:     req.AgentID,
		BatchID:     req.BatchID,
		Provider:    route.Provider.Name,
		CountryCode: phone.CountryCode,
		BaseNumber:  phone.BaseNumber,
		VoiceID:     voiceID,
		Status:      core.CallQueued,
		Metadata:    d.callMetadata(req),
	}

	reservation := decimal.NewFromInt(d.cfg.PolicyFor(p.TenantID).CreditMinimum)
	if err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.InsertCallLog(ctx, tx, call); err != nil {
			return err
		}
		_, err := d.ledger.DebitInTx(ctx, s, tx, ledger.DebitRequest{
			TenantID:       p.TenantID,
			SubjectID:      p.SubjectID,
			Amount:         reservation,
			IdempotencyKey: call.ID,
			CallID:         call.ID,
			CampaignID:     req.CampaignID,
			Reason:         "call reservation",
		})
		return err
	}); err != nil {
		// Nothing committed; the wallet and call log are untouched.
		return nil, err
	}
	d.publish(call)
	d.ledger.RollUpCampaign(ctx, s, req.CampaignID, reservation)

	result, dialErr := d.dial(ctx, client, call, route, req)
	if dialErr != nil {
		d.markDispatchFailed(ctx, s, call, dialErr)
		d.observe(route.Provider.Name, "failed", started)
		return nil, dialErr
	}

	call.ProviderCallRef = result.ProviderCallID
	if ok, err := s.UpdateCallStatus(ctx, s.DB(), call.ID, core.CallRinging, result.ProviderCallID); err != nil {
		slog.Error("Call dispatched but status update failed", "call_id", call.ID, "error", err)
	} else if ok {
		call.Status = core.CallRinging
		d.publish(call)
	}

	d.observe(route.Provider.Name, "dispatched", started)
	slog.Info("📞 Call dispatched",
		"call_id", call.ID,
		"tenant_id", p.TenantID,
		"provider", route.Provider.Name,
		"provider_call_id", result.ProviderCallID)

	return &StartCallResult{
		CallLogID:      call.ID,
		ProviderCallID: result.ProviderCallID,
		Provider:       route.Provider.Name,
		Status:         call.Status,
	}, nil
}

// dial issues the provider request under the dial deadline.
func (d *Dispatcher) dial(ctx context.Context, client provider.Client, call *core.CallLog, route *routing.Route, req *StartCallRequest) (*provider.DispatchResult, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	agentID := req.AgentID
	if route.Agent != nil {
		agentID = route.Agent.ID
	}

	dialStart := time.Now()
	result, err := client.Dispatch(dialCtx, &provider.DispatchRequest{
		IdempotencyKey: call.ID,
		TenantID:       call.TenantID,
		AgentID:        agentID,
		Phone:          core.PhoneNumber{CountryCode: call.CountryCode, BaseNumber: call.BaseNumber},
		VoiceID:        call.VoiceID,
		Metadata:       call.Metadata,
	})
	if d.metrics != nil {
		d.metrics.RecordProviderCall(client.Name(), time.Since(dialStart).Seconds())
	}
	if err != nil {
		if core.IsCode(err, core.ErrProviderFailed) {
			return nil, err
		}
		return nil, core.NewError(core.ErrProviderFailed, "provider dispatch failed").WithCause(err)
	}
	return result, nil
}

// markDispatchFailed closes out a call the provider never accepted: the log
// moves to failed and the reservation comes back. The refund only fires when
// the queued -> failed transition actually applied; a call that progressed
// through a webhook in the meantime was accepted and keeps its reservation.
func (d *Dispatcher) markDispatchFailed(ctx context.Context, s Store, call *core.CallLog, cause error) {
	reason := fmt.Sprintf("dispatch: %v", cause)
	ok, err := s.FailQueuedCall(ctx, s.DB(), call.ID, reason)
	if err != nil {
		slog.Error("Could not mark call failed", "call_id", call.ID, "error", err)
		return
	}
	if !ok {
		slog.Warn("Call progressed past queued during failed dispatch, keeping reservation", "call_id", call.ID)
		return
	}
	call.Status = core.CallFailed
	call.EndedReason = reason
	d.publish(call)

	reservation := decimal.NewFromInt(d.cfg.PolicyFor(call.TenantID).CreditMinimum)
	if _, err := d.ledger.Credit(ctx, s, ledger.CreditRequest{
		TenantID:       call.TenantID,
		SubjectID:      call.SubjectID,
		Amount:         reservation,
		IdempotencyKey: ledger.RefundKey(call.ID),
		CallID:         call.ID,
		Reason:         "provider dispatch failed",
	}); err != nil {
		slog.Error("Refund after dispatch failure did not apply", "call_id", call.ID, "error", err)
	}
}

// resolveVoice picks the voice for the call. A missing or unknown voice is
// never fatal; the provider falls back to its default.
func (d *Dispatcher) resolveVoice(ctx context.Context, req *StartCallRequest, route *routing.Route) string {
	voiceID := req.VoiceID
	if voiceID == "" && route.Agent != nil {
		voiceID = route.Agent.VoiceID
	}
	if voiceID == "" || d.voices == nil {
		return voiceID
	}
	v, err := d.voices.GetVoice(ctx, voiceID)
	if err != nil || v == nil {
		slog.Warn("⚠️ Voice not resolvable, proceeding with provider default",
			"voice_id", voiceID, "error", err)
		return ""
	}
	return v.ID
}

func (d *Dispatcher) callMetadata(req *StartCallRequest) map[string]any {
	md := map[string]any{}
	for k, v := range req.Metadata {
		md[k] = v
	}
	if req.LeadName != "" {
		md["lead_name"] = req.LeadName
	}
	if req.LeadRef != "" {
		md["lead_ref"] = req.LeadRef
	}
	if req.AddedContext != "" {
		md["added_context"] = req.AddedContext
	}
	if req.FromNumber != "" {
		md["from_number"] = req.FromNumber
	}
	if req.CampaignID != "" {
		md["campaign_id"] = req.CampaignID
	}
	if req.BatchID != "" {
		md["batch_id"] = req.BatchID
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

func (d *Dispatcher) publish(call *core.CallLog) {
	if d.events == nil {
		return
	}
	cp := *call
	d.events.CallChanged(&cp)
}

func (d *Dispatcher) observe(provider, status string, started time.Time) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(provider, status, time.Since(started).Seconds())
	}
}
