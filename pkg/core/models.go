package core

import (
	"time"
)

// ProcessingStatus tracks a transparency file through the pipeline. The file
// row is the durable checkpoint that lets the monitor re-queue orphaned work.
type ProcessingStatus string

const (
	FilePending    ProcessingStatus = "pending"
	FileProcessing ProcessingStatus = "processing"
	FileDownloaded ProcessingStatus = "downloaded"
	FileCompleted  ProcessingStatus = "completed"
	FileFailed     ProcessingStatus = "failed"
)

// Hospital is a facility known to the external registry.
type Hospital struct {
	ID         uint   `gorm:"primaryKey"`
	ExternalID string `gorm:"uniqueIndex;size:64;not null"`
	Name       string `gorm:"size:255"`
	State      string `gorm:"index;size:2"`
	City       string `gorm:"size:128"`
	Address    string `gorm:"size:255"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TransparencyFile is a hospital-published price file discovered by the
// scan stage.
type TransparencyFile struct {
	ID         uint   `gorm:"primaryKey"`
	ExternalID string `gorm:"uniqueIndex;size:128;not null"`
	HospitalID uint   `gorm:"index;not null"`
	URL        string `gorm:"size:2048"`
	Filename   string `gorm:"size:512"`
	Size       int64
	// SHA-256 of the downloaded bytes; unchanged hashes short-circuit
	// re-parsing unless a force refresh is requested.
	ContentHash string `gorm:"size:64"`
	// Object-storage key after download; empty until downloaded.
	StorageKey string `gorm:"size:1024"`

	ProcessingStatus ProcessingStatus `gorm:"index;size:16;default:'pending'"`
	LastRetrievedAt  *time.Time
	ErrorMessage     string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Code families recognized by the normalizer.
const (
	CodeTypeCPT   = "CPT"
	CodeTypeDRG   = "DRG"
	CodeTypeHCPCS = "HCPCS"
	CodeTypeICD10 = "ICD-10"
	CodeTypeOther = "other"
)

// QualityTier is the coarse confidence rating for a normalized record.
type QualityTier string

const (
	QualityHigh   QualityTier = "high"
	QualityMedium QualityTier = "medium"
	QualityLow    QualityTier = "low"
)

// PriceRecord is the normalized output of parsing one charge line. Created
// in bulk by the parse stage, mutated in place by the normalizer, read by
// analytics.
type PriceRecord struct {
	ID         uint `gorm:"primaryKey"`
	FileID     uint `gorm:"index:idx_price_file_norm;not null"`
	HospitalID uint `gorm:"index;not null"`

	Code        string `gorm:"index;size:64;not null"`
	CodeType    string `gorm:"size:16"`
	Description string `gorm:"size:1024;not null"`

	GrossCharge        float64
	DiscountedCash     float64
	MinNegotiatedRate  float64
	MaxNegotiatedRate  float64
	// JSON map of payer name -> negotiated rate.
	PayerRates []byte `gorm:"type:bytes"`

	Category    string      `gorm:"index;size:32"`
	QualityTier QualityTier `gorm:"size:8"`
	// False until the normalize stage has scored the record; lets the
	// normalizer select its batch by file rather than by id list.
	Normalized bool `gorm:"index:idx_price_file_norm;default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HospitalAnalytics is the per-hospital aggregate recomputed by the
// analytics-refresh stage.
type HospitalAnalytics struct {
	ID         uint `gorm:"primaryKey"`
	HospitalID uint `gorm:"uniqueIndex;not null"`

	RecordCount    int64
	AvgGrossCharge float64
	MinGrossCharge float64
	MaxGrossCharge float64

	HighQualityCount   int64
	MediumQualityCount int64
	LowQualityCount    int64

	// JSON map of category -> record count.
	CategoryCounts []byte `gorm:"type:bytes"`

	RefreshedAt time.Time
}

// JobTemplate is a reusable job definition from which schedules and manual
// triggers derive concrete jobs.
type JobTemplate struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex;size:128;not null"`
	Queue       string `gorm:"size:64;not null"`
	JobName     string `gorm:"size:128;not null"`
	Payload     []byte `gorm:"type:bytes"` // default payload fragment
	Priority    int
	MaxAttempts int
	BackoffType BackoffType   `gorm:"size:16"`
	BackoffDelay time.Duration
	Timeout     time.Duration // lease duration override; 0 = queue default

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobSchedule binds a cron expression and timezone to a template.
type JobSchedule struct {
	ID         uint   `gorm:"primaryKey"`
	Name       string `gorm:"uniqueIndex;size:128;not null"`
	TemplateID uint   `gorm:"index;not null"`

	CronExpression string `gorm:"size:128;not null"`
	Timezone       string `gorm:"size:64;default:'UTC'"`
	Enabled        bool   `gorm:"index;default:true"`

	// Per-schedule overrides; nil/zero means "use the template's value".
	PriorityOverride    *int
	MaxAttemptsOverride *int
	TimeoutOverride     *time.Duration
	PayloadOverride     []byte `gorm:"type:bytes"`

	ConsecutiveFailures    int  `gorm:"default:0"`
	MaxConsecutiveFailures int  `gorm:"default:5"`
	DisableOnMaxFailures   bool `gorm:"default:true"`

	NextRunAt *time.Time `gorm:"index"`
	LastRunAt *time.Time
	LastJobID string `gorm:"size:36"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobRecord is the Job Store's audit row, independent of the broker's
// transient dispatch state.
type JobRecord struct {
	ID      string `gorm:"primaryKey;size:36"` // same id as the broker job
	Queue   string `gorm:"index;size:64"`
	Name    string `gorm:"index;size:128"`
	Payload []byte `gorm:"type:bytes"`

	Status     JobStatus `gorm:"index;size:16"`
	Attempt    int
	Output     []byte `gorm:"type:bytes"`
	LastError  string `gorm:"type:text"`
	ErrorStack string `gorm:"type:text"`

	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// JobLog is one append-only structured log line attached to a job,
// used for operator-facing debugging.
type JobLog struct {
	ID        uint   `gorm:"primaryKey"`
	JobID     string `gorm:"index;size:36;not null"`
	Level     string `gorm:"size:8"`
	Message   string `gorm:"type:text"`
	Data      []byte `gorm:"type:bytes"` // optional structured payload, JSON
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
