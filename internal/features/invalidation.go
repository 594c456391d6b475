package features

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// invalidationChannel fans cache invalidations across instances. Payload is
// a tenant id, or "*" to flush everything.
const invalidationChannel = "feature_invalidations"

// PublishInvalidation tells every instance to drop cached resolutions for a
// tenant. Pass "*" after catalog-wide changes.
func PublishInvalidation(ctx context.Context, rdb *redis.Client, tenantID string) error {
	return rdb.Publish(ctx, invalidationChannel, tenantID).Err()
}

// SubscribeInvalidations applies remote invalidations to the resolver until
// ctx ends. Run it in its own goroutine; it only returns on shutdown.
func (r *Resolver) SubscribeInvalidations(ctx context.Context, rdb *redis.Client) {
	sub := rdb.Subscribe(ctx, invalidationChannel)
	defer sub.Close()

	ch := sub.Channel()
	slog.Info("Feature invalidation subscriber started", "channel", invalidationChannel)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload == "*" {
				r.InvalidateAll()
				continue
			}
			r.Invalidate(msg.Payload)
		}
	}
}
