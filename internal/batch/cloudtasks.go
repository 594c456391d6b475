package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/voxflow/backend/internal/auth"
	"github.com/voxflow/backend/internal/config"
	"github.com/voxflow/backend/internal/core"
)

// taskDispatchDeadline bounds one execute-entry delivery: a full dispatch
// round trip plus settlement bookkeeping, with slack for a slow provider.
const taskDispatchDeadline = 2 * time.Minute

// ExecuteEntryPayload is the body each task POSTs to the execute-entry
// endpoint. The executor resolves the tenant schema from it and claims one
// pending entry of the batch.
type ExecuteEntryPayload struct {
	BatchID  string `json:"batch_id"`
	TenantID string `json:"tenant_id"`
}

// TasksLauncher enqueues one Cloud Task per batch entry. Tasks are
// interchangeable: each delivery claims whichever entry is still pending, so
// at-least-once delivery never double-runs a lead.
type TasksLauncher struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
	secret    string
	timeout   time.Duration
}

// NewTasksLauncher connects to Cloud Tasks. It errors when the queue settings
// are incomplete so main can fall back to the in-process runner.
func NewTasksLauncher(ctx context.Context, cfg config.GCPConfig) (*TasksLauncher, error) {
	if cfg.ProjectID == "" || cfg.TasksQueue == "" || cfg.TaskTargetURL == "" {
		return nil, fmt.Errorf("cloud tasks queue is not fully configured")
	}

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloud tasks client: %w", err)
	}

	l := &TasksLauncher{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", cfg.ProjectID, cfg.Location, cfg.TasksQueue),
		targetURL: cfg.TaskTargetURL,
		secret:    cfg.TaskSecret,
		timeout:   5 * time.Second,
	}
	slog.Info("🔌 Cloud Tasks launcher ready", "queue", l.queuePath, "target", l.targetURL)
	return l, nil
}

// Launch enqueues one task per entry in the batch. Scheduled batches carry a
// ScheduleTime so the queue holds every task until the start time. The first
// enqueue failure aborts; the caller falls back to the in-process runner and
// any tasks that already landed become harmless duplicates.
func (l *TasksLauncher) Launch(ctx context.Context, b *core.Batch) error {
	payload, err := json.Marshal(ExecuteEntryPayload{BatchID: b.ID, TenantID: b.TenantID})
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}

	headers := map[string]string{
		"Content-Type":       "application/json",
		auth.SignatureHeader: "sha256=" + auth.SignPayload(payload, l.secret),
	}

	for i := 0; i < b.TotalCount; i++ {
		task := &taskspb.Task{
			DispatchDeadline: durationpb.New(taskDispatchDeadline),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        l.targetURL,
					Headers:    headers,
					Body:       payload,
				},
			},
		}
		if b.ScheduledAt != nil && b.ScheduledAt.After(time.Now()) {
			task.ScheduleTime = timestamppb.New(*b.ScheduledAt)
		}

		enqCtx, cancel := context.WithTimeout(ctx, l.timeout)
		_, err := l.client.CreateTask(enqCtx, &taskspb.CreateTaskRequest{
			Parent: l.queuePath,
			Task:   task,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("enqueue entry task %d of %d: %w", i+1, b.TotalCount, err)
		}
	}

	slog.Info("📤 Batch entries enqueued", "batch_id", b.ID, "tasks", b.TotalCount)
	return nil
}

// Close releases the underlying gRPC connection.
func (l *TasksLauncher) Close() error { return l.client.Close() }
