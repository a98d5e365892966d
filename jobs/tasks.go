package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
)

const (
	// QueueEvents carries RBAC change events to the audit sink.
	QueueEvents = "rbac_events"
	// QueueMaintenance carries periodic housekeeping such as the expiry sweep.
	QueueMaintenance = "rbac_maintenance"
	// TaskRBACEvent delivers one RBAC change event to the audit sink.
	TaskRBACEvent = "rbac:event"
	// TaskAssignmentSweep deactivates expired role assignments.
	TaskAssignmentSweep = "rbac:assignment_sweep"
)

// NewRBACEventTask wraps an event as an Asynq task. The event id doubles as
// the task id so a re-published event is not processed twice.
func NewRBACEventTask(event rbac.Event) (*asynq.Task, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode rbac event: %w", err)
	}
	return asynq.NewTask(TaskRBACEvent, data,
		asynq.Queue(QueueEvents),
		asynq.TaskID(event.ID.String()),
		asynq.MaxRetry(10),
	), nil
}

// Queues lists every queue the worker serves, in priority order.
func Queues() []string {
	return []string{QueueEvents, QueueMaintenance}
}

// NewAssignmentSweepTask creates the expiry sweep task. Overlapping manual
// and cron triggers within a minute collapse into one run.
func NewAssignmentSweepTask() *asynq.Task {
	return asynq.NewTask(TaskAssignmentSweep, nil,
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(3),
		asynq.Unique(time.Minute),
	)
}
