// Package worker runs one fixed-size pool per queue, pulling leased jobs and
// executing the registered stage handler. Each queue makes progress
// independently up to its configured concurrency ceiling; a single job's
// execution is synchronous from its worker's point of view.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimmr/pricepipe/pkg/broker"
	"github.com/glimmr/pricepipe/pkg/config"
	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/jobstore"
	"github.com/glimmr/pricepipe/pkg/logging"
)

// Handler executes one pipeline stage. On success it may return downstream
// jobs to enqueue; a skipped result completes the job as a no-op.
type Handler interface {
	Process(ctx context.Context, job *core.Job) (*core.Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *core.Job) (*core.Result, error)

// Process implements Handler.
func (f HandlerFunc) Process(ctx context.Context, job *core.Job) (*core.Result, error) {
	return f(ctx, job)
}

// Pool pulls leased jobs from every configured queue and dispatches them to
// registered handlers.
type Pool struct {
	Enqueuer

	bus          *core.Bus
	log          *logging.Logger
	workerID     string
	pollInterval time.Duration
	storageRetry RetryConfig

	mu       sync.RWMutex
	handlers map[string]Handler

	wg sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithPollInterval overrides the lease polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollInterval = d }
}

// WithWorkerID pins the worker identity; useful in tests.
func WithWorkerID(id string) Option {
	return func(p *Pool) { p.workerID = id }
}

// NewPool creates a worker pool over the queue table.
func NewPool(b broker.Broker, store *jobstore.Store, queues map[string]config.QueueConfig, bus *core.Bus, log *logging.Logger, opts ...Option) *Pool {
	p := &Pool{
		Enqueuer: Enqueuer{
			Broker: b,
			Store:  store,
			Queues: queues,
		},
		bus:          bus,
		log:          log,
		workerID:     uuid.New().String(),
		pollInterval: 250 * time.Millisecond,
		storageRetry: DefaultRetryConfig(),
		handlers:     make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a handler to a job name.
func (p *Pool) Register(jobName string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobName] = h
}

// WorkerID returns the pool's worker identity.
func (p *Pool) WorkerID() string {
	return p.workerID
}

// Start launches the per-queue worker goroutines and blocks until the
// context is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	for queue, qc := range p.Queues {
		n := qc.Concurrency
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.runWorker(ctx, queue, qc)
		}
		p.log.WithFields(logging.Fields{"queue": queue, "concurrency": n}).
			Info("queue workers started")
	}

	<-ctx.Done()
	p.wg.Wait()
	return ctx.Err()
}

func (p *Pool) runWorker(ctx context.Context, queue string, qc config.QueueConfig) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := p.Broker.Lease(ctx, queue, p.workerID, qc.LockDuration)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					p.log.WithError(err).WithField("queue", queue).Error("failed to lease")
				}
				continue
			}
			if job != nil {
				p.processJob(ctx, job, qc)
			}
		}
	}
}

func (p *Pool) processJob(ctx context.Context, job *core.Job, qc config.QueueConfig) {
	startTime := time.Now()
	log := p.log.WithFields(logging.Fields{
		"job_id":  job.ID,
		"job":     job.Name,
		"queue":   job.Queue,
		"attempt": job.Attempt,
	})

	p.mu.RLock()
	h, ok := p.handlers[job.Name]
	p.mu.RUnlock()
	if !ok {
		// A missing handler is a configuration error; retrying cannot fix it.
		log.Error("no handler registered")
		p.nack(ctx, job, broker.Failure{
			Message:  fmt.Sprintf("no handler registered for %s", job.Name),
			Terminal: true,
		}, nil)
		return
	}

	if p.Store != nil {
		if err := p.Store.RecordStarted(ctx, job); err != nil {
			log.WithError(err).Warn("failed to record job start")
		}
	}
	p.bus.Emit(&core.JobStarted{Job: job, Timestamp: startTime})

	// Heartbeat keeps the lease alive for work that outlives one lock
	// window but never calls ExtendLease itself.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	go p.runHeartbeat(heartbeatCtx, job, qc.LockDuration)

	result, err := p.executeHandler(ctx, job, h, qc)
	cancelHeartbeat()

	if err != nil {
		p.handleError(ctx, job, err, log)
		return
	}

	// Hand-off before ack: an ack failure redelivers the job and may
	// duplicate downstream work, which stages tolerate by re-checking the
	// checkpoint entity's status. The reverse order could lose hand-offs.
	if result != nil && len(result.Next) > 0 {
		if err := p.EnqueueNext(ctx, result.Next); err != nil {
			p.handleError(ctx, job, err, log)
			return
		}
	}

	var output []byte
	if result != nil {
		if result.Skipped {
			output, _ = json.Marshal(map[string]any{"skipped": true, "reason": result.SkipReason})
			log.WithField("reason", result.SkipReason).Info("job skipped")
		} else if result.Output != nil {
			output, _ = json.Marshal(result.Output)
		}
	}

	ackErr := retryWithBackoff(ctx, p.storageRetry, func() error {
		return p.Broker.Ack(ctx, job.ID, p.workerID, output)
	})
	if ackErr != nil {
		log.WithError(ackErr).Error("failed to ack job")
		return
	}
	if p.Store != nil {
		if err := p.Store.RecordCompleted(ctx, job.ID, output); err != nil {
			log.WithError(err).Warn("failed to record completion")
		}
	}
	p.bus.Emit(&core.JobCompleted{Job: job, Duration: time.Since(startTime), Timestamp: time.Now()})
	log.WithField("duration", time.Since(startTime).String()).Info("job completed")
}

func (p *Pool) executeHandler(ctx context.Context, job *core.Job, h Handler, qc config.QueueConfig) (result *core.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	jobCtx := WithControl(ctx, &JobControl{
		JobID:        job.ID,
		WorkerID:     p.workerID,
		LockDuration: qc.LockDuration,
		broker:       p.Broker,
		store:        p.Store,
	})
	return h.Process(jobCtx, job)
}

func (p *Pool) runHeartbeat(ctx context.Context, job *core.Job, lockDuration time.Duration) {
	interval := lockDuration / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, p.storageRetry, func() error {
				return p.Broker.ExtendLease(ctx, job.ID, p.workerID, lockDuration)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				p.log.WithError(err).WithField("job_id", job.ID).Warn("heartbeat failed")
			}
		}
	}
}

func (p *Pool) handleError(ctx context.Context, job *core.Job, err error, log *logging.Logger) {
	stack := string(debug.Stack())

	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		p.nack(ctx, job, broker.Failure{Message: err.Error(), Stack: stack, Terminal: true}, log)
		return
	}

	failure := broker.Failure{Message: err.Error(), Stack: stack}
	var retryAfter *core.RetryAfterError
	if errors.As(err, &retryAfter) {
		at := time.Now().Add(retryAfter.Delay)
		failure.RetryAt = &at
	}
	p.nack(ctx, job, failure, log)
}

// nack reports the failure to broker, job store and event bus, emitting
// JobRetrying or JobFailed according to the broker's decision.
func (p *Pool) nack(ctx context.Context, job *core.Job, failure broker.Failure, log *logging.Logger) {
	var updated *core.Job
	err := retryWithBackoff(ctx, p.storageRetry, func() error {
		var nackErr error
		updated, nackErr = p.Broker.Nack(ctx, job.ID, p.workerID, failure)
		return nackErr
	})
	if err != nil {
		if log != nil {
			log.WithError(err).Error("failed to nack job")
		}
		return
	}

	terminal := updated.Status == core.StatusFailed
	if p.Store != nil {
		if rerr := p.Store.RecordFailed(ctx, job.ID, failure.Message, failure.Stack, terminal); rerr != nil && log != nil {
			log.WithError(rerr).Warn("failed to record failure")
		}
	}

	if terminal {
		p.bus.Emit(&core.JobFailed{Job: updated, Error: errors.New(failure.Message), Timestamp: time.Now()})
		if log != nil {
			log.WithField("error", failure.Message).Error("job failed permanently")
		}
		return
	}

	next := time.Now()
	if updated.RunAt != nil {
		next = *updated.RunAt
	}
	p.bus.Emit(&core.JobRetrying{
		Job:       updated,
		Attempt:   updated.Attempt,
		Error:     errors.New(failure.Message),
		NextRunAt: next,
		Timestamp: time.Now(),
	})
	if log != nil {
		log.WithFields(logging.Fields{"error": failure.Message, "next_run_at": next}).
			Warn("job scheduled for redelivery")
	}
}
