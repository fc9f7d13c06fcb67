package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"github.com/glimmr/pricepipe/pkg/objstore"
	"github.com/glimmr/pricepipe/pkg/registry"
	"github.com/glimmr/pricepipe/pkg/worker"
)

// fakeRegistry serves a fixed directory.
type fakeRegistry struct {
	hospitals map[string][]registry.HospitalInfo
	err       error
}

func (f *fakeRegistry) ListHospitals(ctx context.Context, state string) ([]registry.HospitalInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hospitals[state], nil
}

type fixture struct {
	db     *gorm.DB
	broker broker.Broker
	store  *jobstore.Store
	repo   *Repo
	blobs  *objstore.MemoryStorage
	reg    *fakeRegistry
	stages *Stages
	pool   *worker.Pool
	cfg    *config.Config
}

func setupPipeline(t *testing.T) *fixture {
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
	repo := NewRepo(db)
	require.NoError(t, repo.Migrate())

	queues := make(map[string]config.QueueConfig)
	for name, qc := range config.DefaultQueues() {
		qc.LockDuration = time.Minute
		qc.Backoff = config.BackoffConfig{Type: "fixed", Delay: 20 * time.Millisecond}
		queues[name] = qc
	}

	cfg := &config.Config{
		Queues:   queues,
		Registry: config.RegistryConfig{States: []string{"CA"}},
		Parser:   config.ParserConfig{BatchSize: 4, ProgressEveryRows: 1000},
	}

	blobs := objstore.NewMemoryStorage()
	reg := &fakeRegistry{hospitals: map[string][]registry.HospitalInfo{}}

	bus := core.NewBus()
	t.Cleanup(bus.Close)

	pool := worker.NewPool(b, store, queues, bus, logging.Discard(),
		worker.WithPollInterval(10*time.Millisecond))
	stages := NewStages(repo, reg, blobs, cfg, logging.Discard())
	stages.Register(pool)

	return &fixture{
		db: db, broker: b, store: store, repo: repo,
		blobs: blobs, reg: reg, stages: stages, pool: pool, cfg: cfg,
	}
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = f.pool.Start(ctx) }()
	t.Cleanup(cancel)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(15 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func seedHospitalAndFile(t *testing.T, f *fixture) (*core.Hospital, *core.TransparencyFile) {
	t.Helper()
	ctx := context.Background()
	h := &core.Hospital{ExternalID: "h-1", Name: "General", State: "CA"}
	require.NoError(t, f.repo.UpsertHospital(ctx, h))
	file := &core.TransparencyFile{ExternalID: "f-1", HospitalID: h.ID, Filename: "charges.csv", URL: "http://example.invalid/charges.csv"}
	require.NoError(t, f.repo.UpsertFile(ctx, file))
	return h, file
}

// chargeCSV builds a 10-row file with one row missing its code.
func chargeCSV() string {
	var b strings.Builder
	b.WriteString("code,description,gross charge,cash price,payer aetna\n")
	for i := 0; i < 10; i++ {
		if i == 4 {
			b.WriteString(",no code,100,80,90\n")
			continue
		}
		fmt.Fprintf(&b, "9921%d,Office visit level %d,%d,%d,%d\n", i%10, i, 100+i, 80+i, 90+i)
	}
	return b.String()
}

func TestScanUpsertsAndQueuesDownloads(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	f.reg.hospitals["CA"] = []registry.HospitalInfo{{
		ID: "h-1", Name: "General", State: "CA", City: "Fresno",
		Files: []registry.FileInfo{
			{ID: "f-1", URL: "http://host/a.csv", Filename: "a.csv"},
			{ID: "f-2", URL: "http://host/b.json", Filename: "b.json"},
		},
	}}

	payload := mustJSON(t, &core.ScanPayload{States: []string{"CA"}})
	res, err := f.stages.Scan(ctx, &core.Job{ID: "j1", Name: core.JobDiscoveryScan, Payload: payload})
	require.NoError(t, err)
	require.Len(t, res.Next, 2)
	assert.Equal(t, core.QueueDownload, res.Next[0].Queue)

	var hospitals int64
	require.NoError(t, f.db.Model(&core.Hospital{}).Count(&hospitals).Error)
	assert.Equal(t, int64(1), hospitals)

	var files int64
	require.NoError(t, f.db.Model(&core.TransparencyFile{}).Count(&files).Error)
	assert.Equal(t, int64(2), files)

	// A second scan is idempotent: same rows, same downloads queued again
	// (the unique key suppresses duplicates at enqueue time).
	res, err = f.stages.Scan(ctx, &core.Job{ID: "j2", Name: core.JobDiscoveryScan, Payload: payload})
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&core.TransparencyFile{}).Count(&files).Error)
	assert.Equal(t, int64(2), files)
	assert.Len(t, res.Next, 2)
}

func TestScanSkipsCompletedFilesUnlessForced(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	f.reg.hospitals["CA"] = []registry.HospitalInfo{{
		ID: "h-1", Name: "General", State: "CA",
		Files: []registry.FileInfo{{ID: "f-1", URL: "http://host/a.csv", Filename: "a.csv"}},
	}}

	payload := mustJSON(t, &core.ScanPayload{States: []string{"CA"}})
	_, err := f.stages.Scan(ctx, &core.Job{ID: "j1", Name: core.JobDiscoveryScan, Payload: payload})
	require.NoError(t, err)

	var file core.TransparencyFile
	require.NoError(t, f.db.First(&file, "external_id = ?", "f-1").Error)
	require.NoError(t, f.repo.SetFileStatus(ctx, file.ID, core.FileCompleted, ""))

	res, err := f.stages.Scan(ctx, &core.Job{ID: "j2", Name: core.JobDiscoveryScan, Payload: payload})
	require.NoError(t, err)
	assert.Empty(t, res.Next)

	forced := mustJSON(t, &core.ScanPayload{States: []string{"CA"}, ForceRefresh: true})
	res, err = f.stages.Scan(ctx, &core.Job{ID: "j3", Name: core.JobDiscoveryScan, Payload: forced})
	require.NoError(t, err)
	assert.Len(t, res.Next, 1)
}

func TestDownloadStoresArtifactAndQueuesParse(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	body := chargeCSV()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	_, file := seedHospitalAndFile(t, f)

	payload := mustJSON(t, &core.DownloadPayload{FileID: file.ID, HospitalID: file.HospitalID, URL: srv.URL})
	res, err := f.stages.Download(ctx, &core.Job{ID: "j1", Name: core.JobFileDownload, Payload: payload})
	require.NoError(t, err)
	require.Len(t, res.Next, 1)
	assert.Equal(t, core.QueueParse, res.Next[0].Queue)

	updated, err := f.repo.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FileDownloaded, updated.ProcessingStatus)
	assert.Equal(t, int64(len(body)), updated.Size)
	assert.NotEmpty(t, updated.ContentHash)
	assert.NotEmpty(t, updated.StorageKey)

	exists, err := f.blobs.Exists(ctx, updated.StorageKey)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDownloadUnchangedContentShortCircuits(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	body := chargeCSV()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	_, file := seedHospitalAndFile(t, f)
	payload := mustJSON(t, &core.DownloadPayload{FileID: file.ID, HospitalID: file.HospitalID, URL: srv.URL})

	_, err := f.stages.Download(ctx, &core.Job{ID: "j1", Name: core.JobFileDownload, Payload: payload})
	require.NoError(t, err)
	require.NoError(t, f.repo.SetFileStatus(ctx, file.ID, core.FileCompleted, ""))

	res, err := f.stages.Download(ctx, &core.Job{ID: "j2", Name: core.JobFileDownload, Payload: payload})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.Next)
}

func TestDownloadRateLimitDefersRetry(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	_, file := seedHospitalAndFile(t, f)
	payload := mustJSON(t, &core.DownloadPayload{FileID: file.ID, HospitalID: file.HospitalID, URL: srv.URL})

	_, err := f.stages.Download(ctx, &core.Job{ID: "j1", Name: core.JobFileDownload, Payload: payload})
	require.Error(t, err)
	var retryAfter *core.RetryAfterError
	require.ErrorAs(t, err, &retryAfter)
	assert.Equal(t, time.Minute, retryAfter.Delay)
}

func TestDownloadGoneURLFailsTerminally(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	_, file := seedHospitalAndFile(t, f)
	payload := mustJSON(t, &core.DownloadPayload{FileID: file.ID, HospitalID: file.HospitalID, URL: srv.URL})

	_, err := f.stages.Download(ctx, &core.Job{ID: "j1", Name: core.JobFileDownload, Payload: payload})
	require.Error(t, err)
	var noRetry *core.NoRetryError
	assert.ErrorAs(t, err, &noRetry)

	updated, err := f.repo.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FileFailed, updated.ProcessingStatus)
	assert.NotEmpty(t, updated.ErrorMessage)
}

func TestParseMissingPrerequisiteSkips(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	_, file := seedHospitalAndFile(t, f)
	payload := mustJSON(t, &core.ParsePayload{FileID: file.ID, HospitalID: file.HospitalID, Filename: file.Filename})
	res, err := f.stages.Parse(ctx, &core.Job{ID: "j1", Name: core.JobFileParse, Payload: payload})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	gone := mustJSON(t, &core.ParsePayload{FileID: 9999, HospitalID: 1, Filename: "x.csv"})
	res, err = f.stages.Parse(ctx, &core.Job{ID: "j2", Name: core.JobFileParse, Payload: gone})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestParsePersistsBatchesAndQueuesNormalize(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	_, file := seedHospitalAndFile(t, f)
	key := "hospitals/test/charges.csv"
	require.NoError(t, f.blobs.Upload(ctx, key, strings.NewReader(chargeCSV()), int64(len(chargeCSV())), "text/csv"))
	require.NoError(t, f.repo.SetFileDownloaded(ctx, file.ID, int64(len(chargeCSV())), "hash", key, time.Now()))

	payload := mustJSON(t, &core.ParsePayload{FileID: file.ID, HospitalID: file.HospitalID, StorageKey: key, Filename: "charges.csv"})
	res, err := f.stages.Parse(ctx, &core.Job{ID: "j1", Name: core.JobFileParse, Payload: payload})
	require.NoError(t, err)

	// 9 accepted records with batch size 4: three batches, three
	// normalize jobs, plus one analytics refresh.
	var count int64
	require.NoError(t, f.db.Model(&core.PriceRecord{}).Where("file_id = ?", file.ID).Count(&count).Error)
	assert.Equal(t, int64(9), count)

	normalizeJobs, analyticsJobs := 0, 0
	for _, n := range res.Next {
		switch n.Queue {
		case core.QueueNormalize:
			normalizeJobs++
		case core.QueueAnalytics:
			analyticsJobs++
		}
	}
	assert.Equal(t, 3, normalizeJobs)
	assert.Equal(t, 1, analyticsJobs)

	updated, err := f.repo.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FileCompleted, updated.ProcessingStatus)

	// Re-parse without force is a no-op.
	res, err = f.stages.Parse(ctx, &core.Job{ID: "j2", Name: core.JobFileParse, Payload: payload})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	require.NoError(t, f.db.Model(&core.PriceRecord{}).Where("file_id = ?", file.ID).Count(&count).Error)
	assert.Equal(t, int64(9), count)
}

func TestParseEmptyFileFailsTerminally(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	_, file := seedHospitalAndFile(t, f)
	empty := "code,description\n,\n"
	key := "hospitals/test/empty.csv"
	require.NoError(t, f.blobs.Upload(ctx, key, strings.NewReader(empty), int64(len(empty)), "text/csv"))
	require.NoError(t, f.repo.SetFileDownloaded(ctx, file.ID, int64(len(empty)), "hash", key, time.Now()))

	payload := mustJSON(t, &core.ParsePayload{FileID: file.ID, HospitalID: file.HospitalID, StorageKey: key, Filename: "empty.csv"})
	_, err := f.stages.Parse(ctx, &core.Job{ID: "j1", Name: core.JobFileParse, Payload: payload})
	require.Error(t, err)
	var noRetry *core.NoRetryError
	assert.ErrorAs(t, err, &noRetry)

	updated, err := f.repo.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FileFailed, updated.ProcessingStatus)
}

func TestNormalizeScoresBatchAndIsIdempotent(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	_, file := seedHospitalAndFile(t, f)
	records := []core.PriceRecord{
		{FileID: file.ID, HospitalID: file.HospitalID, Code: "99213", Description: "Office visit",
			GrossCharge: 185, DiscountedCash: 120, PayerRates: []byte(`{"aetna":150,"uhc":140}`)},
		{FileID: file.ID, HospitalID: file.HospitalID, Code: "470", Description: "Joint replacement", GrossCharge: 42000},
		{FileID: file.ID, HospitalID: file.HospitalID, Code: "misc", Description: "Misc"},
	}
	require.NoError(t, f.repo.InsertPriceBatch(ctx, records))

	payload := mustJSON(t, &core.NormalizePayload{FileID: file.ID, HospitalID: file.HospitalID, BatchSize: 10})
	res, err := f.stages.Normalize(ctx, &core.Job{ID: "j1", Name: core.JobPriceNormalize, Payload: payload})
	require.NoError(t, err)
	require.False(t, res.Skipped)

	var scored []core.PriceRecord
	require.NoError(t, f.db.Where("file_id = ?", file.ID).Order("id ASC").Find(&scored).Error)
	require.Len(t, scored, 3)

	first := scored[0]
	assert.True(t, first.Normalized)
	assert.Equal(t, core.CodeTypeCPT, first.CodeType)
	assert.Equal(t, 140.0, first.MinNegotiatedRate)
	assert.Equal(t, 150.0, first.MaxNegotiatedRate)
	assert.Equal(t, core.QualityHigh, first.QualityTier)

	assert.Equal(t, core.CodeTypeDRG, scored[1].CodeType)
	assert.Equal(t, core.QualityLow, scored[2].QualityTier)

	// Everything is scored: a redelivered batch job no-ops.
	res, err = f.stages.Normalize(ctx, &core.Job{ID: "j2", Name: core.JobPriceNormalize, Payload: payload})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestAnalyticsAggregates(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	h, file := seedHospitalAndFile(t, f)
	records := []core.PriceRecord{
		{FileID: file.ID, HospitalID: h.ID, Code: "99213", Description: "Office visit", GrossCharge: 100,
			Category: "imaging", QualityTier: core.QualityHigh, Normalized: true},
		{FileID: file.ID, HospitalID: h.ID, Code: "99214", Description: "Office visit", GrossCharge: 300,
			Category: "imaging", QualityTier: core.QualityMedium, Normalized: true},
		{FileID: file.ID, HospitalID: h.ID, Code: "470", Description: "Joint", GrossCharge: 0,
			Category: "surgery", QualityTier: core.QualityLow, Normalized: true},
	}
	require.NoError(t, f.repo.InsertPriceBatch(ctx, records))

	payload := mustJSON(t, &core.AnalyticsPayload{HospitalID: h.ID})
	_, err := f.stages.Analytics(ctx, &core.Job{ID: "j1", Name: core.JobAnalyticsRefresh, Payload: payload})
	require.NoError(t, err)

	a, err := f.repo.GetAnalytics(ctx, h.ID)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, int64(3), a.RecordCount)
	assert.Equal(t, 200.0, a.AvgGrossCharge) // zero charges excluded from avg
	assert.Equal(t, 100.0, a.MinGrossCharge)
	assert.Equal(t, 300.0, a.MaxGrossCharge)
	assert.Equal(t, int64(1), a.HighQualityCount)
	assert.Equal(t, int64(1), a.MediumQualityCount)
	assert.Equal(t, int64(1), a.LowQualityCount)
	assert.Contains(t, string(a.CategoryCounts), `"imaging":2`)
}

func TestExportWritesCSV(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	h, file := seedHospitalAndFile(t, f)
	require.NoError(t, f.repo.InsertPriceBatch(ctx, []core.PriceRecord{
		{FileID: file.ID, HospitalID: h.ID, Code: "99213", CodeType: core.CodeTypeCPT,
			Description: "Office visit", GrossCharge: 185, QualityTier: core.QualityHigh, Normalized: true},
	}))

	payload := mustJSON(t, &core.ExportPayload{HospitalID: h.ID})
	res, err := f.stages.Export(ctx, &core.Job{ID: "j1", Name: core.JobPriceExport, Payload: payload})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	assert.Equal(t, 1, f.blobs.Len())

	// An empty hospital skips.
	empty := mustJSON(t, &core.ExportPayload{HospitalID: 9999})
	res, err = f.stages.Export(ctx, &core.Job{ID: "j2", Name: core.JobPriceExport, Payload: empty})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

// TestPipelineEndToEnd drives download -> parse -> normalize -> analytics
// through the worker pool itself.
func TestPipelineEndToEnd(t *testing.T) {
	f := setupPipeline(t)
	ctx := context.Background()

	body := chargeCSV()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	h, file := seedHospitalAndFile(t, f)

	_, err := f.pool.Enqueue(ctx, core.QueueDownload, core.JobFileDownload,
		&core.DownloadPayload{FileID: file.ID, HospitalID: h.ID, URL: srv.URL},
		worker.EnqueueOverride{})
	require.NoError(t, err)

	f.run(t)

	waitFor(t, 15*time.Second, func() bool {
		var n int64
		f.db.Model(&core.PriceRecord{}).
			Where("file_id = ? AND normalized = ?", file.ID, true).Count(&n)
		if n != 9 {
			return false
		}
		a, _ := f.repo.GetAnalytics(ctx, h.ID)
		return a != nil && a.RecordCount == 9
	})

	updated, err := f.repo.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FileCompleted, updated.ProcessingStatus)

	var tiers []string
	require.NoError(t, f.db.Model(&core.PriceRecord{}).
		Where("file_id = ?", file.ID).
		Distinct("quality_tier").
		Pluck("quality_tier", &tiers).Error)
	assert.NotEmpty(t, tiers)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
