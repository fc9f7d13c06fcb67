// Package scheduler turns persisted cron schedules into concrete jobs. Each
// enabled schedule owns one live timer in a registry keyed by schedule id;
// the registry's lifecycle is tied to the component, not the process. A
// periodic reconciliation pass closes the gap between persisted schedule
// state and in-memory timers after restarts.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/glimmr/pricepipe/pkg/config"
	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/logging"
	"github.com/glimmr/pricepipe/pkg/worker"
)

// Scheduler fires cron schedules against job templates.
type Scheduler struct {
	db  *gorm.DB
	enq *worker.Enqueuer
	bus *core.Bus
	log *logging.Logger
	cfg config.SchedulerConfig

	mu     sync.Mutex
	timers map[uint]*time.Timer
	firing map[uint]bool

	runCtx context.Context
	wg     sync.WaitGroup
}

// New creates a Scheduler.
func New(db *gorm.DB, enq *worker.Enqueuer, bus *core.Bus, cfg config.SchedulerConfig, log *logging.Logger) *Scheduler {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Minute
	}
	if cfg.FallbackDelay <= 0 {
		cfg.FallbackDelay = time.Hour
	}
	return &Scheduler{
		db:     db,
		enq:    enq,
		bus:    bus,
		log:    log,
		cfg:    cfg,
		timers: make(map[uint]*time.Timer),
		firing: make(map[uint]bool),
	}
}

// Migrate creates the template and schedule tables.
func (s *Scheduler) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.JobTemplate{}, &core.JobSchedule{})
}

// Start arms every enabled schedule, runs the reconciliation loop and the
// outcome tracker, and blocks until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runCtx = ctx

	var schedules []core.JobSchedule
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Find(&schedules).Error; err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	for i := range schedules {
		s.arm(&schedules[i])
	}
	s.log.WithField("count", len(schedules)).Info("schedules armed")

	events := s.bus.Subscribe(256)
	s.wg.Add(1)
	go s.trackOutcomes(ctx, events)

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.detachAll()
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// nextRun resolves the schedule's cron expression in its timezone; an
// unparseable expression logs and falls back to a fixed delay rather than
// crashing the scheduler.
func (s *Scheduler) nextRun(sched *core.JobSchedule, from time.Time) time.Time {
	next, err := NextRun(sched.CronExpression, sched.Timezone, from)
	if err != nil {
		s.log.WithError(err).WithField("schedule", sched.Name).
			Warn("unparseable cron expression, using fallback delay")
		return from.Add(s.cfg.FallbackDelay)
	}
	return next
}

// arm registers a live timer for the schedule, computing and persisting
// nextRunAt when absent or already past.
func (s *Scheduler) arm(sched *core.JobSchedule) {
	now := time.Now()
	next := now
	if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
		next = *sched.NextRunAt
	} else if sched.NextRunAt == nil {
		next = s.nextRun(sched, now)
		s.db.Model(&core.JobSchedule{}).Where("id = ?", sched.ID).Update("next_run_at", next)
	}
	// A past-due nextRunAt fires immediately; fire() recomputes from now,
	// so a long outage produces one catch-up firing, not a storm.

	id := sched.ID
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
}

// fire executes one cron firing. At most one firing per schedule is in
// flight at a time; nextRunAt is recomputed immediately after, success or
// failure.
func (s *Scheduler) fire(id uint) {
	s.mu.Lock()
	if s.firing[id] {
		s.mu.Unlock()
		return
	}
	s.firing[id] = true
	delete(s.timers, id)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.firing, id)
		s.mu.Unlock()
	}()

	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	var sched core.JobSchedule
	if err := s.db.WithContext(ctx).First(&sched, id).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.WithError(err).WithField("schedule_id", id).Error("failed to load schedule")
		}
		return
	}
	if !sched.Enabled {
		return
	}

	now := time.Now()
	jobID, err := s.enqueueFromTemplate(ctx, &sched, now)

	next := s.nextRun(&sched, now)
	updates := map[string]any{
		"last_run_at": now,
		"next_run_at": next,
	}
	if err == nil {
		updates["last_job_id"] = jobID
	}
	if uerr := s.db.WithContext(ctx).Model(&core.JobSchedule{}).Where("id = ?", id).Updates(updates).Error; uerr != nil {
		s.log.WithError(uerr).WithField("schedule", sched.Name).Error("failed to update schedule after firing")
	}

	if err != nil {
		s.log.WithError(err).WithField("schedule", sched.Name).Error("schedule firing failed")
		s.noteFailure(ctx, id)
	} else {
		s.log.WithFields(logging.Fields{"schedule": sched.Name, "job_id": jobID, "next_run_at": next}).
			Info("schedule fired")
	}

	sched.NextRunAt = &next
	if sched.Enabled {
		s.arm(&sched)
	}
}

// enqueueFromTemplate merges the template with the schedule's overrides
// field-by-field and dispatches the job, annotating the payload with the
// firing's provenance.
func (s *Scheduler) enqueueFromTemplate(ctx context.Context, sched *core.JobSchedule, executedAt time.Time) (string, error) {
	var tmpl core.JobTemplate
	if err := s.db.WithContext(ctx).First(&tmpl, sched.TemplateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", core.ErrTemplateNotFound
		}
		return "", err
	}

	payload, err := mergePayload(tmpl.Payload, sched.PayloadOverride, core.ScheduleMeta{
		ScheduleID:   sched.ID,
		ScheduleName: sched.Name,
		ExecutedAt:   executedAt,
	})
	if err != nil {
		return "", err
	}

	over := worker.EnqueueOverride{
		Priority:     tmpl.Priority,
		MaxAttempts:  tmpl.MaxAttempts,
		LockDuration: tmpl.Timeout,
		ScheduleID:   &sched.ID,
	}
	if sched.PriorityOverride != nil {
		over.Priority = *sched.PriorityOverride
	}
	if sched.MaxAttemptsOverride != nil {
		over.MaxAttempts = *sched.MaxAttemptsOverride
	}
	if sched.TimeoutOverride != nil {
		over.LockDuration = *sched.TimeoutOverride
	}

	return s.enq.Enqueue(ctx, tmpl.Queue, tmpl.JobName, payload, over)
}

// mergePayload overlays the override fragment onto the template fragment
// field-by-field and attaches the schedule annotation.
func mergePayload(base, override []byte, meta core.ScheduleMeta) (map[string]any, error) {
	merged := map[string]any{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("invalid template payload: %w", err)
		}
	}
	if len(override) > 0 {
		var over map[string]any
		if err := json.Unmarshal(override, &over); err != nil {
			return nil, fmt.Errorf("invalid schedule payload override: %w", err)
		}
		for k, v := range over {
			merged[k] = v
		}
	}
	merged["schedule"] = meta
	return merged, nil
}

// trackOutcomes consumes the event stream and maintains each schedule's
// consecutive-failure counter: reset on completion, incremented on terminal
// failure, auto-disable at the threshold.
func (s *Scheduler) trackOutcomes(ctx context.Context, events <-chan core.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case *core.JobCompleted:
				if e.Job.ScheduleID != nil {
					s.noteSuccess(ctx, *e.Job.ScheduleID)
				}
			case *core.JobFailed:
				if e.Job.ScheduleID != nil {
					s.noteFailure(ctx, *e.Job.ScheduleID)
				}
			}
		}
	}
}

func (s *Scheduler) noteSuccess(ctx context.Context, id uint) {
	err := s.db.WithContext(ctx).Model(&core.JobSchedule{}).
		Where("id = ?", id).
		Update("consecutive_failures", 0).Error
	if err != nil {
		s.log.WithError(err).WithField("schedule_id", id).Warn("failed to reset failure counter")
	}
}

func (s *Scheduler) noteFailure(ctx context.Context, id uint) {
	var sched core.JobSchedule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&sched, id).Error; err != nil {
			return err
		}
		sched.ConsecutiveFailures++
		if sched.DisableOnMaxFailures && sched.ConsecutiveFailures >= sched.MaxConsecutiveFailures {
			sched.Enabled = false
		}
		return tx.Save(&sched).Error
	})
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.WithError(err).WithField("schedule_id", id).Warn("failed to record schedule failure")
		}
		return
	}
	if !sched.Enabled {
		s.detach(id)
		s.log.WithFields(logging.Fields{
			"schedule":             sched.Name,
			"consecutive_failures": sched.ConsecutiveFailures,
		}).Warn("schedule auto-disabled after repeated failures")
	}
}

// reconcile restarts timers for enabled schedules that have none, e.g.
// after a process restart left persisted nextRunAt values with no live
// timer behind them.
func (s *Scheduler) reconcile(ctx context.Context) {
	var schedules []core.JobSchedule
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Find(&schedules).Error; err != nil {
		s.log.WithError(err).Error("reconcile: failed to list schedules")
		return
	}
	for i := range schedules {
		sched := &schedules[i]
		s.mu.Lock()
		_, hasTimer := s.timers[sched.ID]
		inFlight := s.firing[sched.ID]
		s.mu.Unlock()
		if hasTimer || inFlight {
			continue
		}
		s.log.WithField("schedule", sched.Name).Info("reconcile: restarting schedule timer")
		s.arm(sched)
	}
}

func (s *Scheduler) detach(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) detachAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// --- administrative operations ---

// CreateTemplate persists a job template.
func (s *Scheduler) CreateTemplate(ctx context.Context, tmpl *core.JobTemplate) error {
	return s.db.WithContext(ctx).Create(tmpl).Error
}

// GetTemplate fetches a template by name; nil when absent.
func (s *Scheduler) GetTemplate(ctx context.Context, name string) (*core.JobTemplate, error) {
	var tmpl core.JobTemplate
	err := s.db.WithContext(ctx).First(&tmpl, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// CreateSchedule persists a schedule. An invalid cron expression fails
// fast; it is a caller error, never retried. The timer is armed when the
// schedule is enabled.
func (s *Scheduler) CreateSchedule(ctx context.Context, sched *core.JobSchedule) error {
	next, err := NextRun(sched.CronExpression, sched.Timezone, time.Now())
	if err != nil {
		return err
	}
	sched.NextRunAt = &next

	var count int64
	if err := s.db.WithContext(ctx).Model(&core.JobTemplate{}).Where("id = ?", sched.TemplateID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return core.ErrTemplateNotFound
	}

	if err := s.db.WithContext(ctx).Create(sched).Error; err != nil {
		return err
	}
	if sched.Enabled {
		s.arm(sched)
	}
	return nil
}

// UpdateSchedule persists changes and re-arms the timer.
func (s *Scheduler) UpdateSchedule(ctx context.Context, sched *core.JobSchedule) error {
	if _, err := NextRun(sched.CronExpression, sched.Timezone, time.Now()); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(sched).Error; err != nil {
		return err
	}
	s.detach(sched.ID)
	if sched.Enabled {
		s.arm(sched)
	}
	return nil
}

// DeleteSchedule removes the schedule and detaches its live timer.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id uint) error {
	s.detach(id)
	result := s.db.WithContext(ctx).Delete(&core.JobSchedule{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrScheduleNotFound
	}
	return nil
}

// SetEnabled flips a schedule on or off, re-arming or detaching its timer.
// Re-enabling resets the consecutive-failure counter.
func (s *Scheduler) SetEnabled(ctx context.Context, id uint, enabled bool) error {
	var sched core.JobSchedule
	if err := s.db.WithContext(ctx).First(&sched, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.ErrScheduleNotFound
		}
		return err
	}
	sched.Enabled = enabled
	if enabled {
		sched.ConsecutiveFailures = 0
		next := s.nextRun(&sched, time.Now())
		sched.NextRunAt = &next
	}
	if err := s.db.WithContext(ctx).Save(&sched).Error; err != nil {
		return err
	}
	if enabled {
		s.arm(&sched)
	} else {
		s.detach(id)
	}
	return nil
}

// RunNow fires the schedule immediately, outside its cron cadence. The
// firing runs synchronously; a concurrent cron firing of the same schedule
// makes it a no-op.
func (s *Scheduler) RunNow(ctx context.Context, id uint) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&core.JobSchedule{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return core.ErrScheduleNotFound
	}
	s.fire(id)
	return nil
}

// ListSchedules returns all schedules.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]core.JobSchedule, error) {
	var schedules []core.JobSchedule
	err := s.db.WithContext(ctx).Order("id ASC").Find(&schedules).Error
	return schedules, err
}
