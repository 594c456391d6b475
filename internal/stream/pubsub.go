package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/voxflow/backend/internal/config"
)

// PubSubMirror publishes every hub frame to a Google Cloud Pub/Sub topic for
// durable delivery to downstream consumers (analytics, CRM sync). Ordering
// is per tenant: messages carry the tenant ID as ordering key.
type PubSubMirror struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubMirror connects to Pub/Sub and ensures the topic exists. It errors
// when the project or topic is unset so main can simply skip the mirror.
func NewPubSubMirror(ctx context.Context, cfg config.GCPConfig) (*PubSubMirror, error) {
	if cfg.ProjectID == "" || cfg.PubSubTopic == "" {
		return nil, fmt.Errorf("pub/sub mirror is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(cfg.PubSubTopic)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pubsub topic exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, cfg.PubSubTopic)
		if err != nil {
			// Another replica may have created it between Exists and here.
			if status.Code(err) != codes.AlreadyExists {
				client.Close()
				return nil, fmt.Errorf("pubsub create topic: %w", err)
			}
			topic = client.Topic(cfg.PubSubTopic)
		} else {
			slog.Info("Created Pub/Sub topic", "topic", cfg.PubSubTopic)
		}
	}
	topic.EnableMessageOrdering = true

	slog.Info("✅ Pub/Sub mirror connected", "topic", fmt.Sprintf("projects/%s/topics/%s", cfg.ProjectID, cfg.PubSubTopic))
	return &PubSubMirror{client: client, topic: topic}, nil
}

// Forward publishes one frame keyed by tenant. The publish result is checked
// off the hot path; a failure is logged and the frame lost to Pub/Sub only.
func (p *PubSubMirror) Forward(tenantID string, payload []byte) {
	result := p.topic.Publish(context.Background(), &pubsub.Message{
		Data:        payload,
		Attributes:  map[string]string{"tenant_id": tenantID},
		OrderingKey: tenantID,
	})
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			slog.Warn("Pub/Sub mirror publish failed", "tenant_id", tenantID, "error", err)
			// A publish error pauses the ordering key until resumed.
			p.topic.ResumePublish(tenantID)
		}
	}()
}

// Close flushes pending publishes and releases the client.
func (p *PubSubMirror) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	slog.Info("🔌 Pub/Sub mirror closed")
	return nil
}
