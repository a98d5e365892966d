package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-rbac/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) *JobsCLI {
	opts := jobs.RedisOpt(redisAddr)
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported job by name. Only the assignment sweep can be
// started by hand; event tasks are produced by the API.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	switch name {
	case jobs.TaskAssignmentSweep, "sweep":
		info, err := c.client.EnqueueContext(ctx, jobs.NewAssignmentSweepTask())
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return nil, errors.New("jobs cli: a sweep is already queued")
		}
		return info, err
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// InspectQueues reports every worker queue.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]jobs.QueueStatus, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	return jobs.InspectQueues(c.inspector)
}

// ListScheduled returns up to size scheduled tasks per queue.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	var out []*asynq.TaskInfo
	for _, queue := range jobs.Queues() {
		tasks, err := c.inspector.ListScheduledTasks(queue, asynq.PageSize(size), asynq.Page(1))
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, err
		}
		out = append(out, tasks...)
	}
	return out, nil
}
