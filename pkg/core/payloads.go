package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue names. Queues are static configuration, not created at runtime.
const (
	QueueDiscovery = "discovery"
	QueueDownload  = "download"
	QueueParse     = "parse"
	QueueNormalize = "normalize"
	QueueAnalytics = "analytics"
	QueueExport    = "export"
)

// Job names, one per pipeline stage.
const (
	JobDiscoveryScan    = "discovery-scan"
	JobFileDownload     = "file-download"
	JobFileParse        = "file-parse"
	JobPriceNormalize   = "price-normalize"
	JobAnalyticsRefresh = "analytics-refresh"
	JobPriceExport      = "price-export"
)

// ScanPayload drives a discovery scan over the external registry.
type ScanPayload struct {
	States []string `json:"states"`
	// TestMode limits the scan to the first jurisdiction and a handful of
	// files per hospital.
	TestMode bool `json:"testMode,omitempty"`
	// ForceRefresh re-queues downloads even for files already completed.
	ForceRefresh bool `json:"forceRefresh,omitempty"`

	ScheduleMeta *ScheduleMeta `json:"schedule,omitempty"`
}

// DownloadPayload fetches one transparency file into object storage.
type DownloadPayload struct {
	FileID       uint   `json:"fileId"`
	HospitalID   uint   `json:"hospitalId"`
	URL          string `json:"url"`
	ForceRefresh bool   `json:"forceRefresh,omitempty"`

	ScheduleMeta *ScheduleMeta `json:"schedule,omitempty"`
}

// ParsePayload extracts price records from a downloaded file.
type ParsePayload struct {
	FileID       uint   `json:"fileId"`
	HospitalID   uint   `json:"hospitalId"`
	StorageKey   string `json:"storageKey"`
	Filename     string `json:"filename"`
	ForceRefresh bool   `json:"forceRefresh,omitempty"`

	ScheduleMeta *ScheduleMeta `json:"schedule,omitempty"`
}

// NormalizePayload scores one batch of freshly-parsed records. The batch is
// selected by file + hospital at processing time rather than by id list, so
// record ids never cross the queue boundary.
type NormalizePayload struct {
	FileID     uint `json:"fileId"`
	HospitalID uint `json:"hospitalId"`
	BatchSize  int  `json:"batchSize"`

	ScheduleMeta *ScheduleMeta `json:"schedule,omitempty"`
}

// AnalyticsPayload refreshes aggregates; zero HospitalID means all hospitals.
type AnalyticsPayload struct {
	HospitalID uint `json:"hospitalId,omitempty"`

	ScheduleMeta *ScheduleMeta `json:"schedule,omitempty"`
}

// ExportPayload streams a hospital's normalized records to object storage.
type ExportPayload struct {
	HospitalID uint   `json:"hospitalId"`
	Format     string `json:"format,omitempty"` // only "csv" today

	ScheduleMeta *ScheduleMeta `json:"schedule,omitempty"`
}

// ScheduleMeta annotates payloads of jobs created by a cron firing.
type ScheduleMeta struct {
	ScheduleID   uint      `json:"scheduleId"`
	ScheduleName string    `json:"scheduleName"`
	ExecutedAt   time.Time `json:"executedAt"`
}

// DecodePayload decodes raw payload bytes into the concrete struct for the
// given job name. Payloads are decoded once at the queue boundary, never
// deep inside stage logic.
func DecodePayload(jobName string, raw []byte) (any, error) {
	var target any
	switch jobName {
	case JobDiscoveryScan:
		target = &ScanPayload{}
	case JobFileDownload:
		target = &DownloadPayload{}
	case JobFileParse:
		target = &ParsePayload{}
	case JobPriceNormalize:
		target = &NormalizePayload{}
	case JobAnalyticsRefresh:
		target = &AnalyticsPayload{}
	case JobPriceExport:
		target = &ExportPayload{}
	default:
		return nil, fmt.Errorf("pricepipe: no payload type for job %q", jobName)
	}
	if len(raw) == 0 {
		return target, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("pricepipe: decode %s payload: %w", jobName, err)
	}
	return target, nil
}
