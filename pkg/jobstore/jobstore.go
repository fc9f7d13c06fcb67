// Package jobstore records every job's lifecycle independently of the
// broker's transient dispatch state: the broker is the dispatch mechanism,
// the store is the audit and history mechanism. It also keeps the
// append-only structured log-per-job table used for operator debugging.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/glimmr/pricepipe/pkg/core"
)

// Store persists job history rows and job logs.
type Store struct {
	db *gorm.DB
}

// New creates a Store.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the job store tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.JobRecord{}, &core.JobLog{})
}

// RecordEnqueued creates (or refreshes) the history row for a job.
func (s *Store) RecordEnqueued(ctx context.Context, job *core.Job) error {
	rec := &core.JobRecord{
		ID:         job.ID,
		Queue:      job.Queue,
		Name:       job.Name,
		Payload:    job.Payload,
		Status:     job.Status,
		Attempt:    job.Attempt,
		EnqueuedAt: job.EnqueuedAt,
	}
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now()
	}
	return s.db.WithContext(ctx).Save(rec).Error
}

// RecordStarted marks the history row active for the current attempt.
func (s *Store) RecordStarted(ctx context.Context, job *core.Job) error {
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&core.JobRecord{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"status":     core.StatusActive,
			"attempt":    job.Attempt,
			"started_at": now,
		}).Error
}

// RecordCompleted marks the history row completed with its output.
func (s *Store) RecordCompleted(ctx context.Context, jobID string, output []byte) error {
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&core.JobRecord{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":      core.StatusCompleted,
			"output":      output,
			"finished_at": now,
		}).Error
}

// RecordFailed records an attempt failure; terminal marks the row failed
// for good, otherwise it goes back to delayed pending redelivery.
func (s *Store) RecordFailed(ctx context.Context, jobID, errMsg, stack string, terminal bool) error {
	updates := map[string]any{
		"last_error":  core.SanitizeErrorMessage(errMsg),
		"error_stack": core.SanitizeErrorMessage(stack),
	}
	if terminal {
		updates["status"] = core.StatusFailed
		updates["finished_at"] = time.Now()
	} else {
		updates["status"] = core.StatusDelayed
	}
	return s.db.WithContext(ctx).
		Model(&core.JobRecord{}).
		Where("id = ?", jobID).
		Updates(updates).Error
}

// FailStale marks rows stuck active past the threshold as failed with a
// synthetic reason; the monitor calls this every sweep.
func (s *Store) FailStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	result := s.db.WithContext(ctx).
		Model(&core.JobRecord{}).
		Where("status = ? AND started_at < ?", core.StatusActive, cutoff).
		Updates(map[string]any{
			"status":      core.StatusFailed,
			"last_error":  "marked failed by monitor: active past stale threshold",
			"finished_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}

// GetRecord fetches one history row; nil when absent.
func (s *Store) GetRecord(ctx context.Context, jobID string) (*core.JobRecord, error) {
	var rec core.JobRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns recent history rows, optionally filtered.
func (s *Store) ListRecords(ctx context.Context, queue string, status core.JobStatus, limit int) ([]core.JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Model(&core.JobRecord{})
	if queue != "" {
		q = q.Where("queue = ?", queue)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var recs []core.JobRecord
	err := q.Order("enqueued_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

// AppendLog attaches one structured log line to a job.
func (s *Store) AppendLog(ctx context.Context, jobID, level, message string, data any) error {
	var raw []byte
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			raw = nil
		}
	}
	return s.db.WithContext(ctx).Create(&core.JobLog{
		JobID:   jobID,
		Level:   level,
		Message: message,
		Data:    raw,
	}).Error
}

// GetLogs returns a job's log lines in append order.
func (s *Store) GetLogs(ctx context.Context, jobID string) ([]core.JobLog, error) {
	var logs []core.JobLog
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&logs).Error
	return logs, err
}

// ResetLogs deletes a job's log lines.
func (s *Store) ResetLogs(ctx context.Context, jobID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Delete(&core.JobLog{})
	return result.RowsAffected, result.Error
}
