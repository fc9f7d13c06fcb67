package worker

import (
	"context"
	"time"

	"github.com/glimmr/pricepipe/pkg/broker"
	"github.com/glimmr/pricepipe/pkg/jobstore"
)

type controlKey struct{}

// JobControl is handed to stage handlers through the context. It lets
// long-running work extend its own lease, report progress and append
// operator-facing log lines without holding a broker reference.
type JobControl struct {
	JobID        string
	WorkerID     string
	LockDuration time.Duration

	broker broker.Broker
	store  *jobstore.Store
}

// ExtendLease pushes the job's visibility timeout out by the queue's lock
// duration. The parsing engine calls this every N processed rows so a slow
// multi-gigabyte parse is never mistaken for a stall.
func (c *JobControl) ExtendLease(ctx context.Context) error {
	return c.broker.ExtendLease(ctx, c.JobID, c.WorkerID, c.LockDuration)
}

// ReportProgress records row-count-granularity progress. Best-effort.
func (c *JobControl) ReportProgress(ctx context.Context, pct int, message string) {
	_ = c.broker.UpdateProgress(ctx, c.JobID, pct, message)
}

// Log appends a structured line to the job's log table. Best-effort.
func (c *JobControl) Log(ctx context.Context, level, message string, data any) {
	if c.store == nil {
		return
	}
	_ = c.store.AppendLog(ctx, c.JobID, level, message, data)
}

// WithControl attaches a JobControl to the context.
func WithControl(ctx context.Context, c *JobControl) context.Context {
	return context.WithValue(ctx, controlKey{}, c)
}

// ControlFromContext returns the current JobControl, or nil outside a
// job handler.
func ControlFromContext(ctx context.Context) *JobControl {
	if c, ok := ctx.Value(controlKey{}).(*JobControl); ok {
		return c
	}
	return nil
}
