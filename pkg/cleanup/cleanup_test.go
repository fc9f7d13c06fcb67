package cleanup

import (
	"context"
	"fmt"
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

func setupCleanup(t *testing.T) (*gorm.DB, broker.Broker, *jobstore.Store) {
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
	require.NoError(t, db.AutoMigrate(&core.TransparencyFile{}))
	return db, b, store
}

// seedTerminalJob inserts a finished broker row directly; the cleaner only
// looks at status and finished_at.
func seedTerminalJob(t *testing.T, db *gorm.DB, id, queue string, status core.JobStatus, finishedAgo time.Duration) {
	t.Helper()
	finished := time.Now().Add(-finishedAgo)
	require.NoError(t, db.Create(&core.Job{
		ID:         id,
		Queue:      queue,
		Name:       core.JobFileDownload,
		Status:     status,
		FinishedAt: &finished,
	}).Error)
}

func TestCleanerPurgesOldBeyondRetainedCount(t *testing.T) {
	db, b, _ := setupCleanup(t)

	// Four aged completions plus one fresh. Retention keeps everything
	// younger than an hour and, within the aged set, the two most recent.
	for i := 0; i < 4; i++ {
		seedTerminalJob(t, db, fmt.Sprintf("old-%d", i), "download",
			core.StatusCompleted, 2*time.Hour+time.Duration(i)*time.Minute)
	}
	seedTerminalJob(t, db, "fresh", "download", core.StatusCompleted, time.Minute)

	queues := map[string]config.QueueConfig{
		"download": {Cleanup: config.QueueCleanup{
			Completed: config.RetentionPolicy{MaxAge: time.Hour, MaxCount: 2},
		}},
	}
	c := NewCleaner(b, queues, time.Hour, logging.Discard())

	totals := c.Sweep(context.Background())
	assert.Equal(t, int64(2), totals["download"])

	var remaining []core.Job
	require.NoError(t, db.Order("id ASC").Find(&remaining).Error)
	require.Len(t, remaining, 3)
	ids := []string{remaining[0].ID, remaining[1].ID, remaining[2].ID}
	assert.Equal(t, []string{"fresh", "old-0", "old-1"}, ids)

	// A second sweep finds nothing aged beyond the retained count.
	totals = c.Sweep(context.Background())
	assert.Equal(t, int64(0), totals["download"])
}

func TestCleanerHonorsPerStatePolicies(t *testing.T) {
	db, b, _ := setupCleanup(t)

	seedTerminalJob(t, db, "done", "parse", core.StatusCompleted, 48*time.Hour)
	seedTerminalJob(t, db, "dead", "parse", core.StatusFailed, 48*time.Hour)

	// Only completed jobs have a policy; failures are kept.
	queues := map[string]config.QueueConfig{
		"parse": {Cleanup: config.QueueCleanup{
			Completed: config.RetentionPolicy{MaxAge: time.Hour, MaxCount: 0},
		}},
	}
	c := NewCleaner(b, queues, time.Hour, logging.Discard())

	totals := c.Sweep(context.Background())
	assert.Equal(t, int64(1), totals["parse"])

	var remaining []core.Job
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "dead", remaining[0].ID)
}

func monitorFixture(t *testing.T) (*gorm.DB, broker.Broker, *jobstore.Store, *Monitor) {
	t.Helper()
	db, b, store := setupCleanup(t)

	enq := &worker.Enqueuer{
		Broker: b,
		Store:  store,
		Queues: map[string]config.QueueConfig{
			core.QueueDownload: {Attempts: 3, LockDuration: time.Minute},
		},
	}
	m := NewMonitor(db, store, enq, config.MonitorConfig{
		Interval:          time.Minute,
		StaleRunningAfter: time.Hour,
		OrphanAfter:       30 * time.Minute,
	}, logging.Discard())
	return db, b, store, m
}

func TestMonitorFailsStaleJobRecords(t *testing.T) {
	db, _, store, m := monitorFixture(t)
	ctx := context.Background()

	started := time.Now().Add(-2 * time.Hour)
	require.NoError(t, db.Create(&core.JobRecord{
		ID: "stale", Queue: "download", Name: core.JobFileDownload,
		Status: core.StatusActive, StartedAt: &started,
	}).Error)
	recent := time.Now().Add(-time.Minute)
	require.NoError(t, db.Create(&core.JobRecord{
		ID: "live", Queue: "download", Name: core.JobFileDownload,
		Status: core.StatusActive, StartedAt: &recent,
	}).Error)

	m.Sweep(ctx)

	rec, err := store.GetRecord(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.LastError)

	rec, err = store.GetRecord(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, rec.Status)
}

func TestMonitorRequeuesOrphanedFileOnce(t *testing.T) {
	db, b, _, m := monitorFixture(t)
	ctx := context.Background()

	file := &core.TransparencyFile{
		ExternalID: "f-1", HospitalID: 1,
		URL:              "http://host/a.csv",
		ProcessingStatus: core.FileProcessing,
	}
	require.NoError(t, db.Create(file).Error)
	// Backdate past the orphan threshold; autoUpdateTime stamped "now".
	require.NoError(t, db.Model(file).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	m.Sweep(ctx)
	m.Sweep(ctx)

	// The unique key collapses repeated sweeps into one queued download.
	counts, err := b.Counts(ctx, core.QueueDownload)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[core.StatusWaiting])
}

func TestMonitorIgnoresFreshAndStoredFiles(t *testing.T) {
	db, b, _, m := monitorFixture(t)
	ctx := context.Background()

	// Fresh pending file: inside the orphan window.
	require.NoError(t, db.Create(&core.TransparencyFile{
		ExternalID: "fresh", HospitalID: 1, ProcessingStatus: core.FilePending,
	}).Error)

	// Stalled-looking but already has a stored artifact.
	stored := &core.TransparencyFile{
		ExternalID: "stored", HospitalID: 1,
		ProcessingStatus: core.FileProcessing, StorageKey: "hospitals/1/x",
	}
	require.NoError(t, db.Create(stored).Error)
	require.NoError(t, db.Model(stored).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	m.Sweep(ctx)

	counts, err := b.Counts(ctx, core.QueueDownload)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts[core.StatusWaiting])
}

func TestMonitorRetriesTransientFailuresOnly(t *testing.T) {
	db, b, _, m := monitorFixture(t)
	ctx := context.Background()

	transient := &core.TransparencyFile{
		ExternalID: "t-1", HospitalID: 1,
		URL:              "http://host/t.csv",
		ProcessingStatus: core.FileFailed,
		ErrorMessage:     "fetch http://host/t.csv: connection reset by peer",
	}
	require.NoError(t, db.Create(transient).Error)

	permanent := &core.TransparencyFile{
		ExternalID: "p-1", HospitalID: 1,
		URL:              "http://host/p.csv",
		ProcessingStatus: core.FileFailed,
		ErrorMessage:     "charges.pdf: unsupported file layout",
	}
	require.NoError(t, db.Create(permanent).Error)

	m.Sweep(ctx)

	var retried core.TransparencyFile
	require.NoError(t, db.First(&retried, transient.ID).Error)
	assert.Equal(t, core.FilePending, retried.ProcessingStatus)
	assert.Empty(t, retried.ErrorMessage)

	var untouched core.TransparencyFile
	require.NoError(t, db.First(&untouched, permanent.ID).Error)
	assert.Equal(t, core.FileFailed, untouched.ProcessingStatus)
	assert.NotEmpty(t, untouched.ErrorMessage)

	counts, err := b.Counts(ctx, core.QueueDownload)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[core.StatusWaiting])
}
