package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/glimmr/pricepipe/pkg/core"
)

// queueState persists the paused flag per queue.
type queueState struct {
	Queue     string `gorm:"primaryKey;size:64"`
	Paused    bool   `gorm:"default:false"`
	UpdatedAt time.Time
}

// GormBroker implements Broker over a relational store.
type GormBroker struct {
	db  *gorm.DB
	bus *core.Bus
}

// NewGormBroker creates a GORM-backed broker.
func NewGormBroker(db *gorm.DB) *GormBroker {
	return &GormBroker{db: db}
}

// SetBus attaches an event bus; the broker emits JobStalled when an
// expired lease is redelivered to another worker.
func (b *GormBroker) SetBus(bus *core.Bus) {
	b.bus = bus
}

// Migrate creates the broker's tables.
func (b *GormBroker) Migrate(ctx context.Context) error {
	return b.db.WithContext(ctx).AutoMigrate(&core.Job{}, &queueState{})
}

// Enqueue adds a job to the queue.
func (b *GormBroker) Enqueue(ctx context.Context, queue, name string, payload []byte, opts EnqueueOptions) (string, error) {
	if queue == "" {
		return "", core.ErrQueueNotFound
	}
	job := &core.Job{
		ID:           uuid.New().String(),
		Queue:        queue,
		Name:         name,
		Payload:      payload,
		Priority:     opts.Priority,
		Status:       core.StatusWaiting,
		MaxAttempts:  opts.MaxAttempts,
		BackoffType:  opts.Backoff.Type,
		BackoffDelay: opts.Backoff.Delay,
		UniqueKey:    opts.UniqueKey,
		ScheduleID:   opts.ScheduleID,
		LockDuration: opts.LockDuration,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.BackoffType == "" {
		job.BackoffType = core.BackoffExponential
	}
	if opts.Delay > 0 {
		runAt := time.Now().Add(opts.Delay)
		job.RunAt = &runAt
		job.Status = core.StatusDelayed
	}
	if opts.RunAt != nil {
		job.RunAt = opts.RunAt
		job.Status = core.StatusDelayed
	}

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if opts.UniqueKey != "" {
			var count int64
			err := tx.Model(&core.Job{}).
				Where("unique_key = ?", opts.UniqueKey).
				Where("status IN ?", []core.JobStatus{core.StatusWaiting, core.StatusDelayed, core.StatusActive}).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return core.ErrDuplicateJob
			}
		}
		return tx.Create(job).Error
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// Lease fetches and locks the next ready job on the queue. Ready means
// waiting, delayed with a due run_at, or active with an expired lease
// (stalled redelivery). Higher priority dispatches first among ready jobs.
func (b *GormBroker) Lease(ctx context.Context, queue, workerID string, lockDuration time.Duration) (*core.Job, error) {
	if lockDuration <= 0 {
		lockDuration = 5 * time.Minute
	}

	var leased *core.Job
	var stalled bool
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var qs queueState
		if err := tx.First(&qs, "queue = ?", queue).Error; err == nil && qs.Paused {
			return nil
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now()

		// A stalled job whose attempts are exhausted must fail rather
		// than be redelivered; loop past such candidates.
		for i := 0; i < 3; i++ {
			var job core.Job
			result := tx.
				Clauses(leaseLock(tx.Dialector.Name())...).
				Where("queue = ?", queue).
				Where(
					tx.Where("status = ?", core.StatusWaiting).
						Or("status = ? AND run_at <= ?", core.StatusDelayed, now).
						Or("status = ? AND locked_until < ?", core.StatusActive, now),
				).
				Order("priority DESC, enqueued_at ASC").
				First(&job)
			if result.Error != nil {
				if errors.Is(result.Error, gorm.ErrRecordNotFound) {
					return nil
				}
				return result.Error
			}

			if job.Status == core.StatusActive && job.Attempt >= job.MaxAttempts {
				finished := now
				job.Status = core.StatusFailed
				job.LastError = core.SanitizeErrorMessage("lease expired with attempts exhausted")
				job.LockedBy = ""
				job.LockedUntil = nil
				job.FinishedAt = &finished
				if err := tx.Save(&job).Error; err != nil {
					return err
				}
				continue
			}

			stalled = job.Status == core.StatusActive

			lock := lockDuration
			if job.LockDuration > 0 {
				lock = job.LockDuration
			}
			lockUntil := now.Add(lock)
			started := now
			job.Status = core.StatusActive
			job.LockedBy = workerID
			job.LockedUntil = &lockUntil
			job.StartedAt = &started
			job.Attempt++
			if err := tx.Save(&job).Error; err != nil {
				return err
			}
			leased = &job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if leased != nil && stalled && b.bus != nil {
		b.bus.Emit(&core.JobStalled{JobID: leased.ID, Queue: leased.Queue, Timestamp: time.Now()})
	}
	return leased, nil
}

// leaseLock returns the row-locking clause the lease select needs to keep
// two concurrent workers from reading the same candidate. SQLite has no
// FOR UPDATE and serializes writers anyway.
func leaseLock(dialect string) []clause.Expression {
	if dialect == "postgres" {
		return []clause.Expression{clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}}
	}
	return nil
}

// Ack marks a job completed. Only the leasing worker may ack.
func (b *GormBroker) Ack(ctx context.Context, jobID, workerID string, output []byte) error {
	now := time.Now()
	result := b.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Updates(map[string]any{
			"status":       core.StatusCompleted,
			"output":       output,
			"progress":     100,
			"finished_at":  now,
			"locked_by":    "",
			"locked_until": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// Nack records a failure, re-enqueueing with backoff or failing terminally
// once attempts are exhausted or the failure is terminal.
func (b *GormBroker) Nack(ctx context.Context, jobID, workerID string, failure Failure) (*core.Job, error) {
	var updated core.Job
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job core.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrJobNotFound
			}
			return err
		}
		if job.LockedBy != workerID {
			return core.ErrJobNotOwned
		}

		job.LastError = core.SanitizeErrorMessage(failure.Message)
		job.ErrorStack = core.SanitizeErrorMessage(failure.Stack)
		job.LockedBy = ""
		job.LockedUntil = nil

		if failure.Terminal || job.Attempt >= job.MaxAttempts {
			now := time.Now()
			job.Status = core.StatusFailed
			job.FinishedAt = &now
		} else {
			var next time.Time
			if failure.RetryAt != nil {
				next = *failure.RetryAt
			} else {
				next = time.Now().Add(job.BackoffPolicy().Next(job.Attempt))
			}
			job.Status = core.StatusDelayed
			job.RunAt = &next
		}

		if err := tx.Save(&job).Error; err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ExtendLease pushes a running job's visibility timeout out by d.
func (b *GormBroker) ExtendLease(ctx context.Context, jobID, workerID string, d time.Duration) error {
	lockUntil := time.Now().Add(d)
	result := b.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.StatusActive).
		Update("locked_until", lockUntil)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// UpdateProgress records completion percentage and a free-text message.
func (b *GormBroker) UpdateProgress(ctx context.Context, jobID string, pct int, message string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return b.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{"progress": pct, "progress_msg": message}).Error
}

// Pause stops the queue from leasing jobs until resumed.
func (b *GormBroker) Pause(ctx context.Context, queue string) error {
	return b.db.WithContext(ctx).
		Where("queue = ?", queue).
		Assign(map[string]any{"paused": true}).
		FirstOrCreate(&queueState{Queue: queue, Paused: true}).Error
}

// Resume re-enables leasing on a paused queue.
func (b *GormBroker) Resume(ctx context.Context, queue string) error {
	return b.db.WithContext(ctx).
		Model(&queueState{}).
		Where("queue = ?", queue).
		Update("paused", false).Error
}

// Drain discards waiting and delayed jobs on the queue.
func (b *GormBroker) Drain(ctx context.Context, queue string) (int64, error) {
	result := b.db.WithContext(ctx).
		Where("queue = ? AND status IN ?", queue,
			[]core.JobStatus{core.StatusWaiting, core.StatusDelayed}).
		Delete(&core.Job{})
	return result.RowsAffected, result.Error
}

// Obliterate discards every job on the queue except those currently active;
// an active job cannot be interrupted mid-flight.
func (b *GormBroker) Obliterate(ctx context.Context, queue string) (int64, error) {
	result := b.db.WithContext(ctx).
		Where("queue = ? AND status <> ?", queue, core.StatusActive).
		Delete(&core.Job{})
	return result.RowsAffected, result.Error
}

// Purge deletes, for one (queue, state) pair, entries older than maxAge
// beyond the maxCount most-recent. Nothing younger than maxAge is ever
// removed, and the maxCount most-recent survive regardless of age.
func (b *GormBroker) Purge(ctx context.Context, queue string, state core.JobStatus, maxAge time.Duration, maxCount int) (int64, error) {
	now := time.Now()
	cutoff := now.Add(-maxAge)

	query := b.db.WithContext(ctx).Model(&core.Job{}).Where("queue = ?", queue)
	var ageColumn string
	switch state {
	case core.StatusCompleted, core.StatusFailed:
		query = query.Where("status = ?", state)
		ageColumn = "finished_at"
	case StateStalled:
		query = query.Where("status = ? AND locked_until < ?", core.StatusActive, now)
		ageColumn = "locked_until"
	default:
		return 0, core.ErrQueueNotFound
	}

	var ids []string
	err := query.
		Where(ageColumn+" < ?", cutoff).
		Order(ageColumn + " DESC").
		Offset(maxCount).
		Limit(10000).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := b.db.WithContext(ctx).Where("id IN ?", ids).Delete(&core.Job{})
	return result.RowsAffected, result.Error
}

// GetJob retrieves a job by id; nil when not found.
func (b *GormBroker) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := b.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Counts returns the per-status job counts for a queue.
func (b *GormBroker) Counts(ctx context.Context, queue string) (map[core.JobStatus]int64, error) {
	type row struct {
		Status core.JobStatus
		N      int64
	}
	var rows []row
	err := b.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("status, count(*) as n").
		Where("queue = ?", queue).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[core.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
