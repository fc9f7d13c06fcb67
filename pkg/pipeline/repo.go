// Package pipeline implements the stage processors: scan, download, parse,
// normalize, analytics and export. Each stage is a worker.Handler keyed by
// job name; the transparency file row is the durable checkpoint stages
// re-check so redelivered jobs stay idempotent.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/glimmr/pricepipe/pkg/core"
)

// Repo is the pipeline's persistence layer over hospitals, files, price
// records and analytics.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Migrate() error {
	return r.db.AutoMigrate(
		&core.Hospital{},
		&core.TransparencyFile{},
		&core.PriceRecord{},
		&core.HospitalAnalytics{},
	)
}

// UpsertHospital creates or refreshes a directory entry, keyed by the
// registry's external id. The row's primary key is filled in either way.
func (r *Repo) UpsertHospital(ctx context.Context, h *core.Hospital) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "state", "city", "address", "updated_at"}),
	}).Create(h).Error
	if err != nil {
		return err
	}
	if h.ID == 0 {
		// Conflict-update paths don't return the id on every driver.
		var existing core.Hospital
		if err := r.db.WithContext(ctx).Where("external_id = ?", h.ExternalID).First(&existing).Error; err != nil {
			return err
		}
		h.ID = existing.ID
	}
	return nil
}

// UpsertFile creates or refreshes a transparency file row. Existing rows
// keep their processing status and artifacts; only the advertised URL and
// filename are refreshed.
func (r *Repo) UpsertFile(ctx context.Context, f *core.TransparencyFile) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"url", "filename", "updated_at"}),
	}).Create(f).Error
	if err != nil {
		return err
	}
	if f.ID == 0 {
		var existing core.TransparencyFile
		if err := r.db.WithContext(ctx).Where("external_id = ?", f.ExternalID).First(&existing).Error; err != nil {
			return err
		}
		f.ID = existing.ID
	}
	return nil
}

func (r *Repo) GetFile(ctx context.Context, id uint) (*core.TransparencyFile, error) {
	var f core.TransparencyFile
	err := r.db.WithContext(ctx).First(&f, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// SetFileStatus transitions the processing status, recording or clearing
// the error message.
func (r *Repo) SetFileStatus(ctx context.Context, id uint, status core.ProcessingStatus, errMsg string) error {
	return r.db.WithContext(ctx).Model(&core.TransparencyFile{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processing_status": status,
			"error_message":     core.SanitizeErrorMessage(errMsg),
		}).Error
}

// SetFileDownloaded records the download artifact on the file row.
func (r *Repo) SetFileDownloaded(ctx context.Context, id uint, size int64, hash, storageKey string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&core.TransparencyFile{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"size":              size,
			"content_hash":      hash,
			"storage_key":       storageKey,
			"processing_status": core.FileDownloaded,
			"last_retrieved_at": at,
			"error_message":     "",
		}).Error
}

// TouchFileRetrieved bumps last_retrieved_at without changing artifacts;
// used when an unchanged hash short-circuits re-processing.
func (r *Repo) TouchFileRetrieved(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&core.TransparencyFile{}).
		Where("id = ?", id).
		Update("last_retrieved_at", at).Error
}

// InsertPriceBatch persists one parsed batch.
func (r *Repo) InsertPriceBatch(ctx context.Context, records []core.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(records, len(records)).Error
}

// DeleteRecordsForFile clears all price records of a file ahead of a
// forced re-parse.
func (r *Repo) DeleteRecordsForFile(ctx context.Context, fileID uint) error {
	return r.db.WithContext(ctx).
		Where("file_id = ?", fileID).
		Delete(&core.PriceRecord{}).Error
}

// SelectUnnormalized fetches up to limit unscored records for a file. The
// normalize stage selects its batch here at processing time, so duplicate
// deliveries of the same batch job converge instead of double-scoring.
func (r *Repo) SelectUnnormalized(ctx context.Context, fileID uint, limit int) ([]core.PriceRecord, error) {
	var records []core.PriceRecord
	err := r.db.WithContext(ctx).
		Where("file_id = ? AND normalized = ?", fileID, false).
		Order("id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// SaveNormalized writes back a scored record.
func (r *Repo) SaveNormalized(ctx context.Context, rec *core.PriceRecord) error {
	return r.db.WithContext(ctx).Model(rec).
		Select("code", "code_type", "min_negotiated_rate", "max_negotiated_rate",
			"category", "quality_tier", "normalized", "updated_at").
		Updates(rec).Error
}

// HospitalIDsWithRecords lists hospitals that have at least one price
// record; the all-hospitals analytics refresh iterates this.
func (r *Repo) HospitalIDsWithRecords(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&core.PriceRecord{}).
		Distinct("hospital_id").
		Pluck("hospital_id", &ids).Error
	return ids, err
}

// RefreshAnalytics recomputes and upserts one hospital's aggregates.
func (r *Repo) RefreshAnalytics(ctx context.Context, hospitalID uint) (*core.HospitalAnalytics, error) {
	db := r.db.WithContext(ctx)

	type chargeAgg struct {
		Count int64
		Avg   float64
		Min   float64
		Max   float64
	}
	var agg chargeAgg
	err := db.Model(&core.PriceRecord{}).
		Select("COUNT(*) as count, "+
			"COALESCE(AVG(CASE WHEN gross_charge > 0 THEN gross_charge END), 0) as avg, "+
			"COALESCE(MIN(CASE WHEN gross_charge > 0 THEN gross_charge END), 0) as min, "+
			"COALESCE(MAX(gross_charge), 0) as max").
		Where("hospital_id = ?", hospitalID).
		Scan(&agg).Error
	if err != nil {
		return nil, err
	}

	type tierCount struct {
		QualityTier core.QualityTier
		N           int64
	}
	var tiers []tierCount
	err = db.Model(&core.PriceRecord{}).
		Select("quality_tier, COUNT(*) as n").
		Where("hospital_id = ? AND normalized = ?", hospitalID, true).
		Group("quality_tier").
		Scan(&tiers).Error
	if err != nil {
		return nil, err
	}

	type catCount struct {
		Category string
		N        int64
	}
	var cats []catCount
	err = db.Model(&core.PriceRecord{}).
		Select("category, COUNT(*) as n").
		Where("hospital_id = ? AND category <> ''", hospitalID).
		Group("category").
		Scan(&cats).Error
	if err != nil {
		return nil, err
	}

	categoryCounts := make(map[string]int64, len(cats))
	for _, c := range cats {
		categoryCounts[c.Category] = c.N
	}
	catJSON, _ := json.Marshal(categoryCounts)

	a := &core.HospitalAnalytics{
		HospitalID:     hospitalID,
		RecordCount:    agg.Count,
		AvgGrossCharge: agg.Avg,
		MinGrossCharge: agg.Min,
		MaxGrossCharge: agg.Max,
		CategoryCounts: catJSON,
		RefreshedAt:    time.Now(),
	}
	for _, t := range tiers {
		switch t.QualityTier {
		case core.QualityHigh:
			a.HighQualityCount = t.N
		case core.QualityMedium:
			a.MediumQualityCount = t.N
		case core.QualityLow:
			a.LowQualityCount = t.N
		}
	}

	err = db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "hospital_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"record_count", "avg_gross_charge", "min_gross_charge", "max_gross_charge",
			"high_quality_count", "medium_quality_count", "low_quality_count",
			"category_counts", "refreshed_at",
		}),
	}).Create(a).Error
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetAnalytics returns the stored aggregate for a hospital, nil if never
// refreshed.
func (r *Repo) GetAnalytics(ctx context.Context, hospitalID uint) (*core.HospitalAnalytics, error) {
	var a core.HospitalAnalytics
	err := r.db.WithContext(ctx).Where("hospital_id = ?", hospitalID).First(&a).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// NormalizedRecordsPage pages through a hospital's scored records for
// export, keyed by id to keep the scan index-only.
func (r *Repo) NormalizedRecordsPage(ctx context.Context, hospitalID uint, afterID uint, limit int) ([]core.PriceRecord, error) {
	var records []core.PriceRecord
	err := r.db.WithContext(ctx).
		Where("hospital_id = ? AND normalized = ? AND id > ?", hospitalID, true, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
