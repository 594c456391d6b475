// Package stream fans call updates out to per-tenant subscribers over SSE
// and WebSocket, with optional Redis and Pub/Sub mirrors for other replicas.
package stream

import (
	"time"

	"github.com/voxflow/backend/internal/core"
)

const (
	EventCallUpdate = "CALL_UPDATE"
	EventHeartbeat  = "HEARTBEAT"
	EventError      = "ERROR"
)

// Event is one frame on a tenant stream. The same JSON shape rides SSE data
// frames and WebSocket text messages.
type Event struct {
	Type    string        `json:"type"`
	Call    *core.CallLog `json:"call,omitempty"`
	Error   string        `json:"error,omitempty"`
	Message string        `json:"message,omitempty"`
	TS      time.Time     `json:"ts"`
}

// wireEvent is the cross-instance envelope. Origin lets a replica drop the
// echo of its own mirror publishes.
type wireEvent struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}
