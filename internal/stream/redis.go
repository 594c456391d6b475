package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// channelPrefix namespaces the per-tenant mirror channels: stream:<tenant>.
const channelPrefix = "stream:"

// RedisBridge mirrors hub frames over Redis Pub/Sub so every replica sees
// every tenant's call updates regardless of which instance produced them.
type RedisBridge struct {
	rdb *redis.Client
	hub *Hub
}

func NewRedisBridge(rdb *redis.Client, hub *Hub) *RedisBridge {
	return &RedisBridge{rdb: rdb, hub: hub}
}

// Forward publishes one frame to the tenant's channel. Fire and forget: a
// failed publish costs sibling replicas this frame and nothing else.
func (b *RedisBridge) Forward(tenantID string, payload []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.rdb.Publish(ctx, channelPrefix+tenantID, payload).Err(); err != nil {
			slog.Warn("Stream mirror publish failed", "tenant_id", tenantID, "error", err)
		}
	}()
}

// Run feeds mirrored frames from every tenant channel into the hub until ctx
// ends. Run it in its own goroutine; it only returns on shutdown.
func (b *RedisBridge) Run(ctx context.Context) {
	sub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	slog.Info("🔁 Redis stream bridge started", "pattern", channelPrefix+"*")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.hub.Ingest([]byte(msg.Payload))
		}
	}
}
