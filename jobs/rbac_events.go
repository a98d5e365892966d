package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-rbac/internal/jobs"
	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
)

// EventSink consumes RBAC events. audit.Recorder satisfies it.
type EventSink interface {
	Record(ctx context.Context, event rbac.Event) error
}

// EventAuditJob fans RBAC events out to the audit trail.
type EventAuditJob struct {
	Sink    EventSink
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewEventAuditJob constructs the job handler.
func NewEventAuditJob(sink EventSink, logger *slog.Logger, metrics *jobmetrics.Metrics) *EventAuditJob {
	return &EventAuditJob{Sink: sink, Logger: logger, Metrics: metrics}
}

// Handle records one event. Undecodable payloads are dropped without retry.
func (j *EventAuditJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sink == nil {
		return errors.New("rbac event: handler not configured")
	}
	var event rbac.Event
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return fmt.Errorf("rbac event: decode: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(jobName(TaskRBACEvent))
	defer func() {
		err = tracker.End(err)
	}()
	if err := j.Sink.Record(ctx, event); err != nil {
		logger := j.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("rbac event audit failed",
			slog.String("event_id", event.ID.String()),
			slog.String("type", string(event.Type)),
			slog.Any("error", err))
		return err
	}
	return nil
}

func jobName(taskType string) string {
	return strings.NewReplacer(":", "_").Replace(taskType)
}
