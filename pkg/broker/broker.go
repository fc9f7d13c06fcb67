// Package broker provides the durable priority-queue capability the engine
// is built on: enqueue, lease with a visibility timeout, ack/nack with
// backoff, lease extension and progress reporting, plus the administrative
// operations (pause, resume, drain, obliterate) and the retention purge
// used by the cleanup sweep.
//
// The GORM implementation below treats the relational store as the queue,
// with leases expressed as locked_by/locked_until columns; a lease that
// expires without an ack, nack or extension makes the job leasable again by
// another worker. Any backend honoring at-least-once delivery and per-job
// visibility timeouts can replace it.
package broker

import (
	"context"
	"time"

	"github.com/glimmr/pricepipe/pkg/core"
)

// Failure describes a nack.
type Failure struct {
	Message string
	Stack   string
	// RetryAt overrides the queue's backoff computation when non-nil.
	RetryAt *time.Time
	// Terminal fails the job regardless of remaining attempts.
	Terminal bool
}

// EnqueueOptions carries per-job overrides of the queue's defaults.
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
	Backoff     core.Backoff
	Delay       time.Duration
	RunAt       *time.Time
	UniqueKey   string
	ScheduleID  *uint
	// LockDuration overrides the queue's lease duration when positive.
	LockDuration time.Duration
}

// Broker is the queue capability boundary from the engine's point of view.
// Delivery is at-least-once; stages must be idempotent.
type Broker interface {
	Migrate(ctx context.Context) error

	Enqueue(ctx context.Context, queue, name string, payload []byte, opts EnqueueOptions) (string, error)

	// Lease claims the highest-priority ready job on the queue for the
	// worker, for lockDuration. Returns nil when nothing is ready.
	Lease(ctx context.Context, queue, workerID string, lockDuration time.Duration) (*core.Job, error)

	// Ack completes the job; only the leasing worker may ack.
	Ack(ctx context.Context, jobID, workerID string, output []byte) error

	// Nack records a failure. The job is re-enqueued with a backoff delay
	// unless its attempts are exhausted (or the failure is terminal), in
	// which case it fails for good. Returns the updated job so callers can
	// tell retry from terminal failure.
	Nack(ctx context.Context, jobID, workerID string, failure Failure) (*core.Job, error)

	// ExtendLease pushes the visibility timeout out; long-running work
	// must call this or be redelivered.
	ExtendLease(ctx context.Context, jobID, workerID string, d time.Duration) error

	UpdateProgress(ctx context.Context, jobID string, pct int, message string) error

	// Administrative operations.
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	// Drain discards waiting and delayed jobs; active jobs finish.
	Drain(ctx context.Context, queue string) (int64, error)
	// Obliterate discards every job except those currently active.
	Obliterate(ctx context.Context, queue string) (int64, error)

	// Purge enforces a retention policy for one (queue, state) pair:
	// it deletes entries older than maxAge beyond the maxCount most
	// recent. State "stalled" means active with an expired lease.
	Purge(ctx context.Context, queue string, state core.JobStatus, maxAge time.Duration, maxCount int) (int64, error)

	GetJob(ctx context.Context, jobID string) (*core.Job, error)
	Counts(ctx context.Context, queue string) (map[core.JobStatus]int64, error)
}

// StateStalled is the synthetic state name retention policies use for
// active jobs whose lease has expired.
const StateStalled core.JobStatus = "stalled"
