package jobs

import (
	"context"
	"errors"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
)

// Client enqueues RBAC events and manual job runs.
type Client struct {
	client *asynq.Client
}

var _ rbac.Publisher = (*Client)(nil)

// RedisOpt builds connection options from host:port or a redis:// URL. An
// unparsable URL is kept as the address so the connection error surfaces on use.
func RedisOpt(addr string) asynq.RedisClientOpt {
	if strings.Contains(addr, "://") {
		if opt, err := asynq.ParseRedisURI(addr); err == nil {
			if client, ok := opt.(asynq.RedisClientOpt); ok {
				return client
			}
		}
	}
	return asynq.RedisClientOpt{Addr: addr}
}

// NewClient constructs an asynq-backed client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	if redisOpts.Addr == "" {
		return nil, errors.New("jobs: redis address required")
	}
	return &Client{client: asynq.NewClient(redisOpts)}, nil
}

// Publish enqueues an RBAC event for the audit worker. Re-publishing an
// event id already queued is a no-op.
func (c *Client) Publish(ctx context.Context, event rbac.Event) error {
	task, err := NewRBACEventTask(event)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// EnqueueAssignmentSweep triggers an immediate expiry sweep. A sweep already
// queued within the uniqueness window is reported as ErrDuplicateTask.
func (c *Client) EnqueueAssignmentSweep(ctx context.Context) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(ctx, NewAssignmentSweepTask())
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
