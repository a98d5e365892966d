package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-rbac/internal/jobs"
)

// AssignmentSweeper deactivates expired assignments. rbac.Service satisfies it.
type AssignmentSweeper interface {
	SweepExpiredAssignments(ctx context.Context) (int64, error)
}

// AssignmentSweepJob runs the expiry sweep on a schedule.
type AssignmentSweepJob struct {
	Sweeper AssignmentSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAssignmentSweepJob constructs the job handler.
func NewAssignmentSweepJob(sweeper AssignmentSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *AssignmentSweepJob {
	return &AssignmentSweepJob{Sweeper: sweeper, Logger: logger, Metrics: metrics}
}

// Handle executes the sweep.
func (j *AssignmentSweepJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("assignment sweep: handler not configured")
	}
	tracker := j.Metrics.Track(jobName(TaskAssignmentSweep))
	defer func() {
		err = tracker.End(err)
	}()

	n, err := j.Sweeper.SweepExpiredAssignments(ctx)
	if err != nil {
		j.logger().Error("assignment sweep failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddAffected(jobName(TaskAssignmentSweep), n)
	if n > 0 {
		j.logger().Info("expired assignments deactivated", slog.Int64("count", n))
	}
	return nil
}

func (j *AssignmentSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
