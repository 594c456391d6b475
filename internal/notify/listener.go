// Package notify turns Postgres NOTIFY messages from the call-log triggers
// into enriched stream events.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/voxflow/backend/internal/core"
	"github.com/voxflow/backend/internal/metrics"
)

const (
	minReconnect = 10 * time.Second
	maxReconnect = time.Minute

	// pingInterval keeps the listener connection honest on idle channels.
	pingInterval = 90 * time.Second

	fetchTimeout = 5 * time.Second
)

// ChangePayload is the JSON body the notify_call_change trigger emits. It
// names the row, not its contents: the listener re-reads the row so stream
// events always carry current data, even when notifications coalesce.
type ChangePayload struct {
	Schema   string `json:"schema"`
	Table    string `json:"table"`
	Action   string `json:"action"`
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Status   string `json:"status"`
	BatchID  string `json:"batch_id,omitempty"`
}

// RowSource fetches the enriched call row a notification points at.
type RowSource interface {
	FetchCall(ctx context.Context, schema, id string) (*core.CallLog, error)
}

// Sink receives the enriched rows. The stream hub sits behind this.
type Sink interface {
	CallChanged(call *core.CallLog)
}

// Listener owns the LISTEN connection. pq.Listener reconnects on its own
// with backoff between minReconnect and maxReconnect; this wrapper observes
// those events, guards idle connections with pings, and fans payloads out.
type Listener struct {
	dsn      string
	channels []string
	source   RowSource
	sink     Sink
	metrics  *metrics.Metrics

	pl   *pq.Listener
	done chan struct{}
}

// New builds a listener for the given channels. metrics may be nil in tests.
func New(dsn string, channels []string, src RowSource, sink Sink, m *metrics.Metrics) *Listener {
	return &Listener{
		dsn:      dsn,
		channels: channels,
		source:   src,
		sink:     sink,
		metrics:  m,
		done:     make(chan struct{}),
	}
}

// Start opens the connection, subscribes every channel and launches the
// receive loop.
func (l *Listener) Start(ctx context.Context) error {
	l.pl = pq.NewListener(l.dsn, minReconnect, maxReconnect, l.connectionEvent)
	for _, ch := range l.channels {
		if err := l.pl.Listen(ch); err != nil {
			l.pl.Close()
			return err
		}
	}

	go l.loop(ctx)
	slog.Info("🔌 Change listener started", "channels", l.channels)
	return nil
}

// Close stops the loop and tears down the connection.
func (l *Listener) Close() error {
	close(l.done)
	if l.pl == nil {
		return nil
	}
	return l.pl.Close()
}

func (l *Listener) connectionEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		slog.Info("Change listener connected")
	case pq.ListenerEventReconnected:
		slog.Warn("⚠️ Change listener reconnected, notifications may have been missed")
		if l.metrics != nil {
			l.metrics.RecordReconnect()
		}
	case pq.ListenerEventDisconnected:
		slog.Warn("Change listener disconnected", "error", err)
	case pq.ListenerEventConnectionAttemptFailed:
		slog.Warn("Change listener connection attempt failed", "error", err)
	}
}

func (l *Listener) loop(ctx context.Context) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case n := <-l.pl.Notify:
			// A nil notification marks a re-established connection.
			if n == nil {
				continue
			}
			l.Handle(ctx, n.Extra)
		case <-ping.C:
			if err := l.pl.Ping(); err != nil {
				slog.Warn("Change listener ping failed", "error", err)
			}
		}
	}
}

// Handle processes one raw notification payload: decode, re-read the row,
// fan out. Malformed or stale payloads are dropped with a warning; the
// change stream must never take the service down.
func (l *Listener) Handle(ctx context.Context, raw string) {
	var p ChangePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		slog.Warn("Dropping malformed change notification", "error", err)
		return
	}
	if p.Table != "call_logs" || p.ID == "" || p.Schema == "" {
		slog.Warn("Dropping unexpected change notification", "table", p.Table, "id", p.ID)
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	call, err := l.source.FetchCall(fetchCtx, p.Schema, p.ID)
	cancel()
	if err != nil {
		slog.Warn("Could not enrich change notification", "call_id", p.ID, "schema", p.Schema, "error", err)
		return
	}
	if call == nil {
		slog.Warn("Change notification for unknown call", "call_id", p.ID, "schema", p.Schema)
		return
	}

	if l.metrics != nil {
		l.metrics.RecordChangeEvent(p.Table)
	}
	l.sink.CallChanged(call)
}
