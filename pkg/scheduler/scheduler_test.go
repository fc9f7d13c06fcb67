package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/glimmr/pricepipe/pkg/broker"
	"github.com/glimmr/pricepipe/pkg/config"
	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/jobstore"
	"github.com/glimmr/pricepipe/pkg/logging"
	"github.com/glimmr/pricepipe/pkg/worker"
)

func setupScheduler(t *testing.T) (*Scheduler, broker.Broker, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	ctx := context.Background()
	b := broker.NewGormBroker(db)
	require.NoError(t, b.Migrate(ctx))
	store := jobstore.New(db)
	require.NoError(t, store.Migrate(ctx))

	enq := &worker.Enqueuer{
		Broker: b,
		Store:  store,
		Queues: map[string]config.QueueConfig{
			"discovery": {
				Attempts:     3,
				Backoff:      config.BackoffConfig{Type: "exponential", Delay: time.Second},
				Concurrency:  1,
				LockDuration: time.Minute,
			},
		},
	}

	s := New(db, enq, core.NewBus(), config.SchedulerConfig{}, logging.Discard())
	require.NoError(t, s.Migrate(ctx))
	return s, b, db
}

func createScanSchedule(t *testing.T, s *Scheduler) *core.JobSchedule {
	t.Helper()
	ctx := context.Background()

	tmpl := &core.JobTemplate{
		Name:        "nightly-scan",
		Queue:       "discovery",
		JobName:     core.JobDiscoveryScan,
		Payload:     []byte(`{"states":["CA","TX"]}`),
		Priority:    2,
		MaxAttempts: 3,
	}
	require.NoError(t, s.CreateTemplate(ctx, tmpl))

	sched := &core.JobSchedule{
		Name:                   "nightly-scan-2am",
		TemplateID:             tmpl.ID,
		CronExpression:         "0 2 * * *",
		Timezone:               "UTC",
		Enabled:                true,
		MaxConsecutiveFailures: 3,
		DisableOnMaxFailures:   true,
	}
	require.NoError(t, s.CreateSchedule(ctx, sched))
	return sched
}

func TestCreateScheduleComputesNextRun(t *testing.T) {
	s, _, db := setupScheduler(t)
	sched := createScanSchedule(t, s)

	var loaded core.JobSchedule
	require.NoError(t, db.First(&loaded, sched.ID).Error)
	require.NotNil(t, loaded.NextRunAt)
	assert.True(t, loaded.NextRunAt.After(time.Now()))
}

func TestCreateScheduleRejectsInvalidCron(t *testing.T) {
	s, _, _ := setupScheduler(t)
	ctx := context.Background()

	tmpl := &core.JobTemplate{Name: "t", Queue: "discovery", JobName: core.JobDiscoveryScan}
	require.NoError(t, s.CreateTemplate(ctx, tmpl))

	err := s.CreateSchedule(ctx, &core.JobSchedule{
		Name:           "bad",
		TemplateID:     tmpl.ID,
		CronExpression: "not a cron",
	})
	assert.ErrorIs(t, err, core.ErrInvalidCron)
}

func TestRunNowEnqueuesAnnotatedJob(t *testing.T) {
	s, b, db := setupScheduler(t)
	sched := createScanSchedule(t, s)
	ctx := context.Background()

	require.NoError(t, s.RunNow(ctx, sched.ID))

	var loaded core.JobSchedule
	require.NoError(t, db.First(&loaded, sched.ID).Error)
	require.NotNil(t, loaded.LastRunAt)
	require.NotEmpty(t, loaded.LastJobID)

	job, err := b.GetJob(ctx, loaded.LastJobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "discovery", job.Queue)
	assert.Equal(t, core.JobDiscoveryScan, job.Name)
	require.NotNil(t, job.ScheduleID)
	assert.Equal(t, sched.ID, *job.ScheduleID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, []any{"CA", "TX"}, payload["states"])
	meta, ok := payload["schedule"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "nightly-scan-2am", meta["scheduleName"])
}

func TestFireAdvancesNextRunAt(t *testing.T) {
	s, _, db := setupScheduler(t)
	sched := createScanSchedule(t, s)
	ctx := context.Background()

	var before core.JobSchedule
	require.NoError(t, db.First(&before, sched.ID).Error)

	require.NoError(t, s.RunNow(ctx, sched.ID))

	var after core.JobSchedule
	require.NoError(t, db.First(&after, sched.ID).Error)
	require.NotNil(t, after.NextRunAt)
	require.NotNil(t, after.LastRunAt)
	assert.True(t, after.NextRunAt.After(*after.LastRunAt),
		"next run must be strictly after the firing that computed it")

	// Firing again advances last_run_at monotonically.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.RunNow(ctx, sched.ID))
	var again core.JobSchedule
	require.NoError(t, db.First(&again, sched.ID).Error)
	assert.True(t, again.LastRunAt.After(*after.LastRunAt))
}

func TestScheduleOverridesApply(t *testing.T) {
	s, b, db := setupScheduler(t)
	ctx := context.Background()

	tmpl := &core.JobTemplate{
		Name:        "scan-template",
		Queue:       "discovery",
		JobName:     core.JobDiscoveryScan,
		Payload:     []byte(`{"states":["CA"],"testMode":false}`),
		Priority:    1,
		MaxAttempts: 3,
	}
	require.NoError(t, s.CreateTemplate(ctx, tmpl))

	prio := 9
	attempts := 1
	timeout := 2 * time.Hour
	sched := &core.JobSchedule{
		Name:                "smoke-scan",
		TemplateID:          tmpl.ID,
		CronExpression:      "0 3 * * *",
		Enabled:             true,
		PriorityOverride:    &prio,
		MaxAttemptsOverride: &attempts,
		TimeoutOverride:     &timeout,
		PayloadOverride:     []byte(`{"testMode":true}`),
	}
	require.NoError(t, s.CreateSchedule(ctx, sched))
	require.NoError(t, s.RunNow(ctx, sched.ID))

	var loaded core.JobSchedule
	require.NoError(t, db.First(&loaded, sched.ID).Error)
	job, err := b.GetJob(ctx, loaded.LastJobID)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, 9, job.Priority)
	assert.Equal(t, 1, job.MaxAttempts)
	assert.Equal(t, 2*time.Hour, job.LockDuration)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, true, payload["testMode"])
	assert.Equal(t, []any{"CA"}, payload["states"])
}

func TestConsecutiveFailuresAutoDisable(t *testing.T) {
	s, _, db := setupScheduler(t)
	sched := createScanSchedule(t, s)
	ctx := context.Background()

	// Two failures: still enabled, counter visible.
	s.noteFailure(ctx, sched.ID)
	s.noteFailure(ctx, sched.ID)

	var loaded core.JobSchedule
	require.NoError(t, db.First(&loaded, sched.ID).Error)
	assert.Equal(t, 2, loaded.ConsecutiveFailures)
	assert.True(t, loaded.Enabled)

	// A success in between resets the counter.
	s.noteSuccess(ctx, sched.ID)
	require.NoError(t, db.First(&loaded, sched.ID).Error)
	assert.Equal(t, 0, loaded.ConsecutiveFailures)

	// Three consecutive failures hit the threshold and disable.
	s.noteFailure(ctx, sched.ID)
	s.noteFailure(ctx, sched.ID)
	s.noteFailure(ctx, sched.ID)
	require.NoError(t, db.First(&loaded, sched.ID).Error)
	assert.Equal(t, 3, loaded.ConsecutiveFailures)
	assert.False(t, loaded.Enabled)
}

func TestReEnableResetsCounterAndNextRun(t *testing.T) {
	s, _, db := setupScheduler(t)
	sched := createScanSchedule(t, s)
	ctx := context.Background()

	s.noteFailure(ctx, sched.ID)
	s.noteFailure(ctx, sched.ID)
	s.noteFailure(ctx, sched.ID)

	var disabled core.JobSchedule
	require.NoError(t, db.First(&disabled, sched.ID).Error)
	require.False(t, disabled.Enabled)

	require.NoError(t, s.SetEnabled(ctx, sched.ID, true))

	var enabled core.JobSchedule
	require.NoError(t, db.First(&enabled, sched.ID).Error)
	assert.True(t, enabled.Enabled)
	assert.Equal(t, 0, enabled.ConsecutiveFailures)
	require.NotNil(t, enabled.NextRunAt)
	assert.True(t, enabled.NextRunAt.After(time.Now()))
}

func TestDisabledScheduleDoesNotFire(t *testing.T) {
	s, b, _ := setupScheduler(t)
	sched := createScanSchedule(t, s)
	ctx := context.Background()

	require.NoError(t, s.SetEnabled(ctx, sched.ID, false))
	s.fire(sched.ID)

	counts, err := b.Counts(ctx, "discovery")
	require.NoError(t, err)
	assert.Zero(t, counts[core.StatusWaiting])
}
