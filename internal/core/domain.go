package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// CallLog is one outbound call as persisted in the tenant schema.
// The call log id doubles as the provider idempotency key.
type CallLog struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	SubjectID       string          `json:"subject_id"`
	AgentID         string          `json:"agent_id"`
	BatchID         string          `json:"batch_id,omitempty"`
	Provider        string          `json:"provider"`
	ProviderCallRef string          `json:"provider_call_ref,omitempty"`
	CountryCode     string          `json:"country_code"`
	BaseNumber      string          `json:"base_number"`
	VoiceID         string          `json:"voice_id,omitempty"`
	Status          CallStatus      `json:"status"`
	EndedReason     string          `json:"ended_reason,omitempty"`
	DurationSeconds int             `json:"duration_seconds"`
	Cost            decimal.Decimal `json:"cost"`
	RecordingURL    string          `json:"recording_url,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PhoneE164 reassembles the stored split number.
func (c *CallLog) PhoneE164() string {
	return "+" + c.CountryCode + c.BaseNumber
}

// Batch is an outbound call campaign.
type Batch struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	SubjectID      string         `json:"subject_id"`
	AgentID        string         `json:"agent_id"`
	Name           string         `json:"name"`
	Status         BatchStatus    `json:"status"`
	TotalCount     int            `json:"total_count"`
	CompletedCount int            `json:"completed_count"`
	FailedCount    int            `json:"failed_count"`
	CanceledCount  int            `json:"canceled_count"`
	MaxRetries     int            `json:"max_retries"`
	ScheduledAt    *time.Time     `json:"scheduled_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// BatchEntry is one planned call inside a batch.
type BatchEntry struct {
	ID          string         `json:"id"`
	BatchID     string         `json:"batch_id"`
	CountryCode string         `json:"country_code"`
	BaseNumber  string         `json:"base_number"`
	ContactName string         `json:"contact_name,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	Status      EntryStatus    `json:"status"`
	CallID      string         `json:"call_id,omitempty"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Wallet is the prepaid credit balance for a tenant.
type Wallet struct {
	TenantID       string          `json:"tenant_id"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// LedgerEntry is one append-only wallet movement. Debits are negative deltas.
type LedgerEntry struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	SubjectID      string          `json:"subject_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Delta          decimal.Decimal `json:"delta"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Reason         string          `json:"reason"`
	CallID         string          `json:"call_id,omitempty"`
	CampaignID     string          `json:"campaign_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Agent maps an AI agent to its voice provider.
type Agent struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Name      string         `json:"name"`
	Provider  string         `json:"provider"`
	VoiceID   string         `json:"voice_id,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Provider is a registered voice provider row.
type Provider struct {
	Name     string         `json:"name"`
	Status   ProviderStatus `json:"status"`
	Priority int            `json:"priority"`
}

// Voice is a selectable provider voice.
type Voice struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
}

// Feature rows, layered: subject override > tenant override > plan > default.
type Feature struct {
	Key          string `json:"key"`
	Description  string `json:"description,omitempty"`
	DefaultValue bool   `json:"default_value"`
}

// PlanFeature attaches a feature value to a subscription plan.
type PlanFeature struct {
	Plan    string `json:"plan"`
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
	Limit   *int64 `json:"limit,omitempty"`
}

// FeatureOverride is a tenant- or subject-scoped override. Tenant overrides
// may expire; expired rows lose to the plan layer.
type FeatureOverride struct {
	TenantID  string     `json:"tenant_id"`
	SubjectID string     `json:"subject_id,omitempty"`
	Key       string     `json:"key"`
	Enabled   bool       `json:"enabled"`
	Limit     *int64     `json:"limit,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Campaign carries the JSON aggregate rolled up from ledger activity.
type Campaign struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Name      string         `json:"name"`
	Aggregate map[string]any `json:"aggregate,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TenantRecord is the public registry row mapping a tenant to its schema.
type TenantRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Schema    string         `json:"schema"`
	Plan      string         `json:"plan"`
	Status    string         `json:"status"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// BatchStats is the aggregate view over a window of batches.
type BatchStats struct {
	TotalBatches   int             `json:"total_batches"`
	TotalCalls     int             `json:"total_calls"`
	CompletedCalls int             `json:"completed_calls"`
	FailedCalls    int             `json:"failed_calls"`
	CanceledCalls  int             `json:"canceled_calls"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	ByStatus       map[string]int  `json:"by_status"`
}
