package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glimmr/pricepipe/pkg/broker"
	"github.com/glimmr/pricepipe/pkg/config"
	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/jobstore"
)

// EnqueueOverride carries per-call deviations from the queue's defaults.
// Zero values mean "use the queue default".
type EnqueueOverride struct {
	Priority    int
	MaxAttempts int
	Delay       time.Duration
	RunAt       *time.Time
	UniqueKey    string
	ScheduleID   *uint
	LockDuration time.Duration
}

// Enqueuer is the single enqueue path: it applies the queue table's default
// job options, marshals the payload, dispatches to the broker and writes the
// job store's audit row. The pipeline hand-off, the scheduler and the admin
// facade all go through it.
type Enqueuer struct {
	Broker broker.Broker
	Store  *jobstore.Store
	Queues map[string]config.QueueConfig
}

// Enqueue creates a job on the named queue. Unknown queues fail fast; they
// are a configuration error, never retried.
func (e *Enqueuer) Enqueue(ctx context.Context, queue, name string, payload any, over EnqueueOverride) (string, error) {
	qc, ok := e.Queues[queue]
	if !ok {
		return "", fmt.Errorf("%w: %q", core.ErrQueueNotFound, queue)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload for %s: %w", name, err)
	}

	opts := broker.EnqueueOptions{
		Priority:    qc.Priority,
		MaxAttempts: qc.Attempts,
		Backoff: core.Backoff{
			Type:  core.BackoffType(qc.Backoff.Type),
			Delay: qc.Backoff.Delay,
		},
		Delay:        over.Delay,
		RunAt:        over.RunAt,
		UniqueKey:    over.UniqueKey,
		ScheduleID:   over.ScheduleID,
		LockDuration: over.LockDuration,
	}
	if over.Priority != 0 {
		opts.Priority = over.Priority
	}
	if over.MaxAttempts > 0 {
		opts.MaxAttempts = over.MaxAttempts
	}

	jobID, err := e.Broker.Enqueue(ctx, queue, name, raw, opts)
	if err != nil {
		return "", err
	}

	if e.Store != nil {
		job, gerr := e.Broker.GetJob(ctx, jobID)
		if gerr == nil && job != nil {
			if rerr := e.Store.RecordEnqueued(ctx, job); rerr != nil && !errors.Is(rerr, context.Canceled) {
				// History is best-effort; dispatch already succeeded.
				_ = rerr
			}
		}
	}

	return jobID, nil
}

// EnqueueNext dispatches a stage's downstream jobs. A duplicate unique key
// is not an error: the suppressed enqueue means equivalent work is already
// queued or running.
func (e *Enqueuer) EnqueueNext(ctx context.Context, next []core.NextJob) error {
	for _, n := range next {
		_, err := e.Enqueue(ctx, n.Queue, n.Name, n.Payload, EnqueueOverride{
			Priority:  n.Priority,
			Delay:     n.Delay,
			UniqueKey: n.UniqueKey,
		})
		if err != nil {
			if errors.Is(err, core.ErrDuplicateJob) {
				continue
			}
			return fmt.Errorf("hand-off enqueue %s/%s: %w", n.Queue, n.Name, err)
		}
	}
	return nil
}
