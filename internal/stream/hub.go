package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/metrics"
)

// Mirror carries serialized hub events to sibling replicas. Implementations
// must return quickly; delivery work belongs on their own goroutines.
type Mirror interface {
	Forward(tenantID string, payload []byte)
}

// Subscriber is one attached stream consumer. Events arrive on the mailbox
// channel; the hub closes it on Unsubscribe and on hub shutdown, so readers
// can range until it drains.
type Subscriber struct {
	ID        string
	TenantID  string
	transport string
	mailbox   chan Event
	dropped   int
}

// Events returns the subscriber's mailbox.
func (s *Subscriber) Events() <-chan Event { return s.mailbox }

// Dropped reports how many frames overflowed this mailbox. Hub lock guards
// the counter; read it only after unsubscribing.
func (s *Subscriber) Dropped() int { return s.dropped }

type replayEntry struct {
	event Event
	at    time.Time
}

// Hub fans call updates out to per-tenant subscribers. Mailboxes are bounded;
// when one is full the oldest queued frame is discarded so a slow consumer
// sees fresh state, never backpressure. The hub remembers the latest event
// per (tenant, call) for a short window and replays those snapshots to each
// new subscriber.
type Hub struct {
	cfg     config.StreamConfig
	metrics *metrics.Metrics
	origin  string

	mu      sync.RWMutex
	topics  map[string]map[*Subscriber]struct{}
	latest  map[string]map[string]replayEntry
	mirrors []Mirror
	closed  bool

	done chan struct{}
}

// NewHub builds the hub and starts its heartbeat loop.
func NewHub(cfg config.StreamConfig, m *metrics.Metrics) *Hub {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 64
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 5 * time.Minute
	}
	h := &Hub{
		cfg:     cfg,
		metrics: m,
		origin:  uuid.New().String(),
		topics:  make(map[string]map[*Subscriber]struct{}),
		latest:  make(map[string]map[string]replayEntry),
		done:    make(chan struct{}),
	}
	go h.heartbeatLoop()
	return h
}

// AttachMirror registers a cross-instance transport. Mirrored events carry
// this hub's origin so the echo coming back through Ingest is dropped.
func (h *Hub) AttachMirror(m Mirror) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mirrors = append(h.mirrors, m)
}

// Subscribe attaches a consumer to a tenant topic and queues the retained
// snapshots. transport tags the subscriber gauge ("sse", "ws").
func (h *Hub) Subscribe(tenantID, transport string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		transport: transport,
		mailbox:   make(chan Event, h.cfg.MailboxSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.mailbox)
		return sub
	}
	if h.topics[tenantID] == nil {
		h.topics[tenantID] = make(map[*Subscriber]struct{})
	}
	h.topics[tenantID][sub] = struct{}{}

	h.pruneLocked(time.Now())
	for _, entry := range h.latest[tenantID] {
		h.offerLocked(sub, entry.event, true)
	}

	if h.metrics != nil {
		h.metrics.SubscriberChange(transport, 1)
	}
	slog.Info("Stream subscriber attached", "tenant_id", tenantID, "transport", transport, "subscriber_id", sub.ID)
	return sub
}

// Unsubscribe detaches the consumer and closes its mailbox.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[sub.TenantID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.TenantID)
	}
	close(sub.mailbox)
	if h.metrics != nil {
		h.metrics.SubscriberChange(sub.transport, -1)
	}
	slog.Info("Stream subscriber detached", "tenant_id", sub.TenantID, "transport", sub.transport,
		"subscriber_id", sub.ID, "dropped_frames", sub.dropped)
}

// CallChanged publishes a call snapshot to the owning tenant's topic and
// mirrors it to sibling replicas. Satisfies the event sinks of the dispatch
// pipeline and the change listener.
func (h *Hub) CallChanged(call *core.CallLog) {
	if call == nil || call.TenantID == "" {
		return
	}
	ev := Event{Type: EventCallUpdate, Call: call, TS: time.Now().UTC()}
	h.publish(call.TenantID, ev, true)
}

// Ingest feeds a mirrored frame from another replica into the local topic.
// Frames originated by this hub are echoes and are discarded.
func (h *Hub) Ingest(payload []byte) {
	var wire wireEvent
	if err := json.Unmarshal(payload, &wire); err != nil {
		slog.Warn("Dropping malformed mirrored stream frame", "error", err)
		return
	}
	if wire.Origin == h.origin {
		return
	}
	ev := wire.Event
	if ev.Call == nil || ev.Call.TenantID == "" {
		return
	}
	h.publish(ev.Call.TenantID, ev, false)
}

func (h *Hub) publish(tenantID string, ev Event, mirror bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if ev.Call != nil {
		if h.latest[tenantID] == nil {
			h.latest[tenantID] = make(map[string]replayEntry)
		}
		h.latest[tenantID][ev.Call.ID] = replayEntry{event: ev, at: time.Now()}
	}
	for sub := range h.topics[tenantID] {
		h.offerLocked(sub, ev, true)
	}
	mirrors := h.mirrors
	h.mu.Unlock()

	if !mirror || len(mirrors) == 0 {
		return
	}
	payload, err := json.Marshal(wireEvent{Origin: h.origin, Event: ev})
	if err != nil {
		slog.Warn("Could not encode stream frame for mirroring", "error", err)
		return
	}
	for _, m := range mirrors {
		m.Forward(tenantID, payload)
	}
}

// offerLocked queues ev without ever blocking. displace=false frames (the
// heartbeat) are skipped when the mailbox is full; anything else evicts the
// oldest queued frame first.
func (h *Hub) offerLocked(sub *Subscriber, ev Event, displace bool) {
	select {
	case sub.mailbox <- ev:
		return
	default:
	}
	if !displace {
		return
	}
	select {
	case <-sub.mailbox:
		sub.dropped++
		if h.metrics != nil {
			h.metrics.RecordStreamDrop(sub.TenantID)
		}
	default:
	}
	select {
	case sub.mailbox <- ev:
	default:
	}
}

func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case now := <-ticker.C:
			h.broadcastHeartbeat(now.UTC())
		}
	}
}

func (h *Hub) broadcastHeartbeat(now time.Time) {
	ev := Event{Type: EventHeartbeat, TS: now}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.pruneLocked(now)
	for _, subs := range h.topics {
		for sub := range subs {
			h.offerLocked(sub, ev, false)
		}
	}
}

// pruneLocked expires replay snapshots past the window. Caller holds mu.
func (h *Hub) pruneLocked(now time.Time) {
	cutoff := now.Add(-h.cfg.ReplayWindow)
	for tenant, entries := range h.latest {
		for id, entry := range entries {
			if entry.at.Before(cutoff) {
				delete(entries, id)
			}
		}
		if len(entries) == 0 {
			delete(h.latest, tenant)
		}
	}
}

// SubscriberCount reports attached consumers across all tenants.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	return n
}

// Close stops the heartbeat and detaches every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	for tenant, subs := range h.topics {
		for sub := range subs {
			close(sub.mailbox)
			if h.metrics != nil {
				h.metrics.SubscriberChange(sub.transport, -1)
			}
		}
		delete(h.topics, tenant)
	}
	h.mu.Unlock()
	slog.Info("Stream hub closed")
}
