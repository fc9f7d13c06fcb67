// Package admin is the operator facade: queue control, schedule management,
// manual pipeline triggers and status queries. It composes the broker,
// scheduler, job store and pipeline repository behind one surface so
// command handlers and any future HTTP layer stay thin.
package admin

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/glimmr/pricepipe/pkg/broker"
	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/jobstore"
	"github.com/glimmr/pricepipe/pkg/pipeline"
	"github.com/glimmr/pricepipe/pkg/scheduler"
	"github.com/glimmr/pricepipe/pkg/worker"
)

type Admin struct {
	db     *gorm.DB
	broker broker.Broker
	store  *jobstore.Store
	sched  *scheduler.Scheduler
	repo   *pipeline.Repo
	enq    *worker.Enqueuer
}

func New(db *gorm.DB, b broker.Broker, store *jobstore.Store, sched *scheduler.Scheduler, repo *pipeline.Repo, enq *worker.Enqueuer) *Admin {
	return &Admin{db: db, broker: b, store: store, sched: sched, repo: repo, enq: enq}
}

// Queue control.

func (a *Admin) PauseQueue(ctx context.Context, queue string) error {
	return a.broker.Pause(ctx, queue)
}

func (a *Admin) ResumeQueue(ctx context.Context, queue string) error {
	return a.broker.Resume(ctx, queue)
}

func (a *Admin) DrainQueue(ctx context.Context, queue string) (int64, error) {
	return a.broker.Drain(ctx, queue)
}

func (a *Admin) ObliterateQueue(ctx context.Context, queue string) (int64, error) {
	return a.broker.Obliterate(ctx, queue)
}

func (a *Admin) QueueCounts(ctx context.Context, queue string) (map[core.JobStatus]int64, error) {
	return a.broker.Counts(ctx, queue)
}

// Manual triggers.

// TriggerScan starts a discovery scan outside any schedule.
func (a *Admin) TriggerScan(ctx context.Context, states []string, testMode, forceRefresh bool) (string, error) {
	return a.enq.Enqueue(ctx, core.QueueDiscovery, core.JobDiscoveryScan,
		&core.ScanPayload{States: states, TestMode: testMode, ForceRefresh: forceRefresh},
		worker.EnqueueOverride{})
}

// TriggerDownload re-queues one file's download.
func (a *Admin) TriggerDownload(ctx context.Context, fileID uint, forceRefresh bool) (string, error) {
	file, err := a.repo.GetFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	if file == nil {
		return "", fmt.Errorf("file %d not found", fileID)
	}
	return a.enq.Enqueue(ctx, core.QueueDownload, core.JobFileDownload,
		&core.DownloadPayload{FileID: file.ID, HospitalID: file.HospitalID, URL: file.URL, ForceRefresh: forceRefresh},
		worker.EnqueueOverride{UniqueKey: fmt.Sprintf("download-file-%d", file.ID)})
}

// TriggerExport queues a price export for one hospital.
func (a *Admin) TriggerExport(ctx context.Context, hospitalID uint, format string) (string, error) {
	return a.enq.Enqueue(ctx, core.QueueExport, core.JobPriceExport,
		&core.ExportPayload{HospitalID: hospitalID, Format: format},
		worker.EnqueueOverride{})
}

// Job and file inspection.

// JobStatus combines the broker's live view with the job store's audit row
// and operator log lines.
type JobStatus struct {
	Job    *core.Job
	Record *core.JobRecord
	Logs   []core.JobLog
}

func (a *Admin) GetJobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := a.broker.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	record, err := a.store.GetRecord(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil && record == nil {
		return nil, core.ErrJobNotFound
	}
	logs, err := a.store.GetLogs(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobStatus{Job: job, Record: record, Logs: logs}, nil
}

func (a *Admin) ListJobRecords(ctx context.Context, queue string, status core.JobStatus, limit int) ([]core.JobRecord, error) {
	return a.store.ListRecords(ctx, queue, status, limit)
}

func (a *Admin) ResetJobLogs(ctx context.Context, jobID string) (int64, error) {
	return a.store.ResetLogs(ctx, jobID)
}

// ListFiles returns transparency files filtered by processing status;
// empty status means all.
func (a *Admin) ListFiles(ctx context.Context, status core.ProcessingStatus, limit int) ([]core.TransparencyFile, error) {
	if limit <= 0 {
		limit = 100
	}
	q := a.db.WithContext(ctx).Order("updated_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("processing_status = ?", status)
	}
	var files []core.TransparencyFile
	return files, q.Find(&files).Error
}

func (a *Admin) GetAnalytics(ctx context.Context, hospitalID uint) (*core.HospitalAnalytics, error) {
	return a.repo.GetAnalytics(ctx, hospitalID)
}

// Schedule management, delegated to the scheduler so timers stay in sync
// with the rows.

func (a *Admin) CreateTemplate(ctx context.Context, tmpl *core.JobTemplate) error {
	return a.sched.CreateTemplate(ctx, tmpl)
}

func (a *Admin) CreateSchedule(ctx context.Context, sched *core.JobSchedule) error {
	return a.sched.CreateSchedule(ctx, sched)
}

func (a *Admin) UpdateSchedule(ctx context.Context, sched *core.JobSchedule) error {
	return a.sched.UpdateSchedule(ctx, sched)
}

func (a *Admin) DeleteSchedule(ctx context.Context, id uint) error {
	return a.sched.DeleteSchedule(ctx, id)
}

func (a *Admin) EnableSchedule(ctx context.Context, id uint) error {
	return a.sched.SetEnabled(ctx, id, true)
}

func (a *Admin) DisableSchedule(ctx context.Context, id uint) error {
	return a.sched.SetEnabled(ctx, id, false)
}

func (a *Admin) RunScheduleNow(ctx context.Context, id uint) error {
	return a.sched.RunNow(ctx, id)
}

func (a *Admin) ListSchedules(ctx context.Context) ([]core.JobSchedule, error) {
	return a.sched.ListSchedules(ctx)
}
