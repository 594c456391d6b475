package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/voxflow/backend/internal/core"
)

// Memory is an in-memory stand-in for the SQL store with the same
// conditional-update and uniqueness semantics. The load generator runs the
// full pipeline against it, and the end-to-end tests use it in place of
// Postgres. Not durable, one process only.
type Memory struct {
	mu     sync.Mutex
	txMu   sync.Mutex
	schema string

	wallets   map[string]decimal.Decimal
	ledgerByK map[string]*core.LedgerEntry
	ledgerSeq []*core.LedgerEntry
	calls     map[string]*core.CallLog
	agents    map[string]*core.Agent
	batches   map[string]*core.Batch
	entries   map[string]*core.BatchEntry
	voices    map[string]*core.Voice
	tenants   map[string]*core.TenantRecord
	keys      map[string]*ServiceKeyRow
	providers []*core.Provider
	features  map[string]bool // key: tenant|subject|feature layered seeds
	campaigns map[string]int  // roll-up call counts

	// failures on demand, for exercising error paths
	FailDebit  error
	FailInsert error
}

func NewMemory(schema string) *Memory {
	return &Memory{
		schema:    schema,
		wallets:   map[string]decimal.Decimal{},
		ledgerByK: map[string]*core.LedgerEntry{},
		calls:     map[string]*core.CallLog{},
		agents:    map[string]*core.Agent{},
		batches:   map[string]*core.Batch{},
		entries:   map[string]*core.BatchEntry{},
		voices:    map[string]*core.Voice{},
		tenants:   map[string]*core.TenantRecord{},
		features:  map[string]bool{},
		campaigns: map[string]int{},
	}
}

func (m *Memory) Schema() string { return m.schema }

// DB returns nil; Memory methods ignore their Querier argument.
func (m *Memory) DB() *DB { return nil }

// WithTx snapshots the money- and call-bearing maps and restores them when
// fn fails, mirroring a rollback closely enough for the pipeline's
// insert+debit transaction. Transactions are serialized on txMu so a
// rollback can only ever undo its own writes, the way row locks serialize
// the conditional debit in Postgres.
func (m *Memory) WithTx(_ context.Context, fn func(tx *sql.Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	wallets := make(map[string]decimal.Decimal, len(m.wallets))
	for k, v := range m.wallets {
		wallets[k] = v
	}
	ledgerByK := make(map[string]*core.LedgerEntry, len(m.ledgerByK))
	for k, v := range m.ledgerByK {
		ledgerByK[k] = v
	}
	ledgerSeq := append([]*core.LedgerEntry(nil), m.ledgerSeq...)
	calls := make(map[string]*core.CallLog, len(m.calls))
	for k, v := range m.calls {
		calls[k] = v
	}
	m.mu.Unlock()

	if err := fn(nil); err != nil {
		m.mu.Lock()
		m.wallets = wallets
		m.ledgerByK = ledgerByK
		m.ledgerSeq = ledgerSeq
		m.calls = calls
		m.mu.Unlock()
		return err
	}
	return nil
}

// ──────────────────────────── seeding ────────────────────────────

func (m *Memory) SeedWallet(tenantID string, balance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[tenantID] = decimal.RequireFromString(balance)
}

func (m *Memory) SeedAgent(a *core.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
}

func (m *Memory) SeedVoice(v *core.Voice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voices[v.ID] = v
}

func (m *Memory) SeedProviders(rows ...*core.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = rows
}

func (m *Memory) SeedTenant(t *core.TenantRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
}

func (m *Memory) SeedServiceKey(k *ServiceKeyRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]*ServiceKeyRow{}
	}
	m.keys[k.ID] = k
}

// SeedFeature enables or disables a feature for every subject of a tenant.
func (m *Memory) SeedFeature(tenantID, key string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features[tenantID+"|"+key] = enabled
}

// ──────────────────────────── wallets + ledger ────────────────────────────

func (m *Memory) GetWallet(_ context.Context, tenantID string) (*core.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.wallets[tenantID]
	if !ok {
		return nil, nil
	}
	return &core.Wallet{TenantID: tenantID, CurrentBalance: bal, UpdatedAt: time.Now()}, nil
}

func (m *Memory) DebitWallet(_ context.Context, _ Querier, tenantID string, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	if m.FailDebit != nil {
		return decimal.Zero, false, m.FailDebit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.wallets[tenantID]
	if !ok || bal.LessThan(amount) {
		return decimal.Zero, false, nil
	}
	bal = bal.Sub(amount)
	m.wallets[tenantID] = bal
	return bal, true, nil
}

func (m *Memory) CreditWallet(_ context.Context, _ Querier, tenantID string, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.wallets[tenantID].Add(amount)
	m.wallets[tenantID] = bal
	return bal, nil
}

func (m *Memory) InsertLedgerEntry(_ context.Context, _ Querier, e *core.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.ledgerByK[e.TenantID+"|"+e.IdempotencyKey]; dup {
		return &pq.Error{Code: "23505", Constraint: "ledger_entries_tenant_id_idempotency_key_key"}
	}
	cp := *e
	cp.CreatedAt = time.Now()
	m.ledgerByK[e.TenantID+"|"+e.IdempotencyKey] = &cp
	m.ledgerSeq = append(m.ledgerSeq, &cp)
	return nil
}

func (m *Memory) GetLedgerEntryByKey(_ context.Context, _ Querier, tenantID, key string) (*core.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.ledgerByK[tenantID+"|"+key]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) ListLedgerEntries(_ context.Context, tenantID string, limit int) ([]*core.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.LedgerEntry
	for i := len(m.ledgerSeq) - 1; i >= 0; i-- {
		if m.ledgerSeq[i].TenantID != tenantID {
			continue
		}
		cp := *m.ledgerSeq[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) RollUpCampaignSpend(_ context.Context, campaignID string, _ decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[campaignID]++
	return nil
}

// LedgerSum adds up every delta for a tenant; the e2e tests check it against
// the wallet balance.
func (m *Memory) LedgerSum(tenantID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, e := range m.ledgerSeq {
		if e.TenantID == tenantID {
			sum = sum.Add(e.Delta)
		}
	}
	return sum
}

// ──────────────────────────── call logs ────────────────────────────

func (m *Memory) InsertCallLog(_ context.Context, _ Querier, c *core.CallLog) error {
	if m.FailInsert != nil {
		return m.FailInsert
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.calls[c.ID] = &cp
	return nil
}

func (m *Memory) GetCallLog(_ context.Context, id string) (*core.CallLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) UpdateCallStatus(_ context.Context, _ Querier, id string, target core.CallStatus, providerRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok || !core.CanTransition(c.Status, target) {
		return false, nil
	}
	c.Status = target
	if providerRef != "" {
		c.ProviderCallRef = providerRef
	}
	c.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) FailQueuedCall(_ context.Context, _ Querier, id, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok || c.Status != core.CallQueued {
		return false, nil
	}
	c.Status = core.CallFailed
	c.EndedReason = reason
	c.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) UpdateCallOutcome(_ context.Context, id string, target core.CallStatus, out CallOutcome) (bool, error) {
	if !target.IsTerminal() {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok || !core.CanTransition(c.Status, target) {
		return false, nil
	}
	c.Status = target
	c.EndedReason = out.EndedReason
	c.DurationSeconds = out.DurationSeconds
	if out.Cost.Valid {
		c.Cost = decimal.RequireFromString(out.Cost.String)
	}
	if out.RecordingURL != "" {
		c.RecordingURL = out.RecordingURL
	}
	c.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) ListCallsByBatch(_ context.Context, batchID string) ([]*core.CallLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.CallLog
	for _, c := range m.calls {
		if c.BatchID == batchID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ──────────────────────────── agents + catalog ────────────────────────────

func (m *Memory) GetAgent(_ context.Context, id string) (*core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetVoice(_ context.Context, id string) (*core.Voice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.voices[id]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) ListProviders(_ context.Context) ([]*core.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Provider, len(m.providers))
	for i, p := range m.providers {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) GetTenant(_ context.Context, id string) (*core.TenantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) GetServiceKey(_ context.Context, keyID string) (*ServiceKeyRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

// ResolveFeatureRows serves the feature resolver from SeedFeature values:
// a seeded key reads as a tenant-level override, everything else is absent.
func (m *Memory) ResolveFeatureRows(_ context.Context, tenantID, _, _, key string) (*FeatureRows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := &FeatureRows{}
	if enabled, ok := m.features[tenantID+"|"+key]; ok {
		e := enabled
		rows.TenantEnabled = &e
	}
	return rows, nil
}

// ──────────────────────────── batches ────────────────────────────

func (m *Memory) InsertBatchWithEntries(_ context.Context, b *core.Batch, entries []*core.BatchEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	cb := *b
	cb.CreatedAt = now
	cb.UpdatedAt = now
	m.batches[b.ID] = &cb
	for _, e := range entries {
		ce := *e
		ce.CreatedAt = now
		ce.UpdatedAt = now
		m.entries[e.ID] = &ce
	}
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (*core.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) ListBatches(_ context.Context, f BatchFilter) ([]*core.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Batch
	for _, b := range m.batches {
		if f.Status != "" && string(b.Status) != f.Status {
			continue
		}
		if f.AgentID != "" && b.AgentID != f.AgentID {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= uint64(len(out)) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && uint64(len(out)) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateBatchStatus(_ context.Context, _ Querier, id string, target core.BatchStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, s := range core.BatchAllowedFrom(target) {
		if s == b.Status {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	b.Status = target
	b.UpdatedAt = time.Now()
	if target.IsTerminal() {
		t := time.Now()
		b.FinishedAt = &t
	}
	return true, nil
}

func (m *Memory) BumpBatchCounter(_ context.Context, _ Querier, id, column string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil
	}
	switch column {
	case "completed_count":
		b.CompletedCount += delta
	case "failed_count":
		b.FailedCount += delta
	case "canceled_count":
		b.CanceledCount += delta
	}
	b.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ClaimPendingEntries(_ context.Context, batchID string, limit int) ([]*core.BatchEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*core.BatchEntry
	for _, e := range m.entries {
		if e.BatchID == batchID && e.Status == core.EntryPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*core.BatchEntry, 0, len(pending))
	for _, e := range pending {
		e.Status = core.EntryClaimed
		e.Attempts++
		e.UpdatedAt = time.Now()
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) UpdateEntryResult(_ context.Context, id string, status core.EntryStatus, callID, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	e.Status = status
	if callID != "" {
		e.CallID = callID
	}
	if lastErr != "" {
		e.LastError = lastErr
	}
	e.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ReleaseEntryForRetry(_ context.Context, id, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.Status != core.EntryClaimed {
		return nil
	}
	e.Status = core.EntryPending
	e.LastError = lastErr
	e.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) CancelPendingEntries(_ context.Context, _ Querier, batchID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.BatchID == batchID && e.Status == core.EntryPending {
			e.Status = core.EntryCanceled
			e.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListEntries(_ context.Context, batchID string) ([]*core.BatchEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.BatchEntry
	for _, e := range m.entries {
		if e.BatchID == batchID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) BatchStatsQuery(_ context.Context, f StatsFilter) (*core.BatchStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &core.BatchStats{ByStatus: map[string]int{}}
	for _, b := range m.batches {
		stats.TotalBatches++
		stats.TotalCalls += b.TotalCount
		stats.CompletedCalls += b.CompletedCount
		stats.FailedCalls += b.FailedCount
		stats.ByStatus[string(b.Status)]++
	}
	for _, c := range m.calls {
		if !c.Cost.IsZero() {
			stats.TotalCost = stats.TotalCost.Add(c.Cost)
		}
	}
	return stats, nil
}
