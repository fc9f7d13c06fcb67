package core

import (
	"time"
)

// JobStatus represents the current state of a job on the broker.
type JobStatus string

const (
	StatusWaiting   JobStatus = "waiting"   // Ready to be leased
	StatusDelayed   JobStatus = "delayed"   // Waiting for run_at (initial delay or retry backoff)
	StatusActive    JobStatus = "active"    // Leased by a worker
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// BackoffType selects how retry delays grow across attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff describes a retry delay policy.
type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

// Next returns the delay before redelivery after the given failed attempt.
// Attempts are 1-based: exponential backoff yields delay * 2^(attempt-1).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch b.Type {
	case BackoffExponential:
		return b.Delay * (1 << (attempt - 1))
	default:
		return b.Delay
	}
}

// Job represents one unit of dispatched pipeline work. A job is owned by
// exactly one queue for its lifetime; retries re-use the same row with an
// incremented attempt count. Attempt counts deliveries: it is incremented
// when the job is leased.
type Job struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Queue        string    `gorm:"index:idx_jobs_queue_status;size:64;not null"`
	Name         string    `gorm:"index;size:128;not null"`
	Payload      []byte    `gorm:"type:bytes"`
	Priority     int       `gorm:"index;default:0"`
	Status       JobStatus `gorm:"index:idx_jobs_queue_status;size:16;default:'waiting'"`
	Attempt      int       `gorm:"default:0"`
	MaxAttempts  int       `gorm:"default:3"`
	BackoffType  BackoffType `gorm:"size:16;default:'exponential'"`
	BackoffDelay time.Duration

	Progress    int    `gorm:"default:0"` // 0..100
	ProgressMsg string `gorm:"size:255"`

	Output     []byte `gorm:"type:bytes"`
	LastError  string `gorm:"type:text"`
	ErrorStack string `gorm:"type:text"`

	RunAt      *time.Time `gorm:"index"`
	EnqueuedAt time.Time  `gorm:"autoCreateTime"`
	StartedAt  *time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`

	LockedBy    string     `gorm:"size:64"`
	LockedUntil *time.Time `gorm:"index"`
	// LockDuration overrides the queue's lease duration when positive
	// (schedule timeout overrides land here).
	LockDuration time.Duration

	UniqueKey string `gorm:"index;size:255"`

	// Set when the job was created by a cron firing.
	ScheduleID *uint `gorm:"index"`
}

// Backoff returns the job's retry delay policy.
func (j *Job) BackoffPolicy() Backoff {
	return Backoff{Type: j.BackoffType, Delay: j.BackoffDelay}
}

// Terminal reports whether the job can no longer be delivered.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// NextJob describes a downstream job a stage wants enqueued on success.
// Hand-off is not transactional with the stage's own writes; downstream
// stages must be idempotent on the checkpoint entity's current status.
type NextJob struct {
	Queue    string
	Name     string
	Payload  any
	Priority int
	Delay    time.Duration

	// UniqueKey, when set, suppresses the enqueue if a job with the same
	// key is already waiting or active.
	UniqueKey string
}

// Result is what a stage processor returns on success.
type Result struct {
	Output any
	Next   []NextJob

	// Skipped marks a no-op outcome for permanently-gone prerequisites;
	// the job completes instead of burning retries.
	Skipped    bool
	SkipReason string
}
