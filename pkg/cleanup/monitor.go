package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/glimmr/pricepipe/pkg/config"
	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/jobstore"
	"github.com/glimmr/pricepipe/pkg/logging"
	"github.com/glimmr/pricepipe/pkg/worker"
)

// Monitor repairs stuck work on an interval: stale job-store rows are
// failed, and files stranded mid-pipeline are re-queued for download.
type Monitor struct {
	db    *gorm.DB
	store *jobstore.Store
	enq   *worker.Enqueuer
	cfg   config.MonitorConfig
	log   *logging.Logger
}

func NewMonitor(db *gorm.DB, store *jobstore.Store, enq *worker.Enqueuer, cfg config.MonitorConfig, log *logging.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StaleRunningAfter <= 0 {
		cfg.StaleRunningAfter = time.Hour
	}
	if cfg.OrphanAfter <= 0 {
		cfg.OrphanAfter = 30 * time.Minute
	}
	return &Monitor{db: db, store: store, enq: enq, cfg: cfg, log: log}
}

// Run sweeps on the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs every repair once. Each repair failure is logged and the
// sweep continues.
func (m *Monitor) Sweep(ctx context.Context) {
	if n, err := m.store.FailStale(ctx, m.cfg.StaleRunningAfter); err != nil {
		m.log.WithError(err).Error("failed to fail stale job records")
	} else if n > 0 {
		m.log.WithField("count", n).Warn("stale job records failed")
	}

	if n, err := m.requeueOrphanedFiles(ctx); err != nil {
		m.log.WithError(err).Error("failed to requeue orphaned files")
	} else if n > 0 {
		m.log.WithField("count", n).Warn("orphaned files requeued")
	}

	if n, err := m.retryTransientFailures(ctx); err != nil {
		m.log.WithError(err).Error("failed to retry transient file failures")
	} else if n > 0 {
		m.log.WithField("count", n).Info("transiently-failed files requeued")
	}
}

// requeueOrphanedFiles finds files that entered the pipeline but never
// produced an artifact and have not moved since the orphan threshold, then
// queues a fresh download for each. The unique key keeps it to one requeue
// per file per sweep cycle regardless of how often the monitor fires.
func (m *Monitor) requeueOrphanedFiles(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.cfg.OrphanAfter)

	var files []core.TransparencyFile
	err := m.db.WithContext(ctx).
		Where("processing_status IN ? AND storage_key = '' AND updated_at < ?",
			[]core.ProcessingStatus{core.FilePending, core.FileProcessing}, cutoff).
		Limit(100).
		Find(&files).Error
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, f := range files {
		_, err := m.enq.Enqueue(ctx, core.QueueDownload, core.JobFileDownload,
			&core.DownloadPayload{FileID: f.ID, HospitalID: f.HospitalID, URL: f.URL},
			worker.EnqueueOverride{
				Priority:  10, // jump ahead of freshly-discovered work
				UniqueKey: fmt.Sprintf("download-file-%d", f.ID),
			})
		if err != nil {
			if errors.Is(err, core.ErrDuplicateJob) {
				continue
			}
			m.log.WithError(err).WithField("file_id", f.ID).Error("orphan requeue failed")
			continue
		}
		requeued++
	}
	return requeued, nil
}

// retryTransientFailures gives failed files whose recorded error looks
// transient one more pass through the pipeline, clearing the error so the
// file is not retried again unless it fails again.
func (m *Monitor) retryTransientFailures(ctx context.Context) (int, error) {
	var files []core.TransparencyFile
	err := m.db.WithContext(ctx).
		Where("processing_status = ? AND error_message <> ''", core.FileFailed).
		Limit(100).
		Find(&files).Error
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, f := range files {
		if !worker.IsTransientMessage(f.ErrorMessage) {
			continue
		}

		err := m.db.WithContext(ctx).Model(&core.TransparencyFile{}).
			Where("id = ?", f.ID).
			Updates(map[string]any{
				"processing_status": core.FilePending,
				"error_message":     "",
			}).Error
		if err != nil {
			return requeued, err
		}

		_, err = m.enq.Enqueue(ctx, core.QueueDownload, core.JobFileDownload,
			&core.DownloadPayload{FileID: f.ID, HospitalID: f.HospitalID, URL: f.URL},
			worker.EnqueueOverride{UniqueKey: fmt.Sprintf("download-file-%d", f.ID)})
		if err != nil && !errors.Is(err, core.ErrDuplicateJob) {
			m.log.WithError(err).WithField("file_id", f.ID).Error("transient retry enqueue failed")
			continue
		}
		requeued++
	}
	return requeued, nil
}
