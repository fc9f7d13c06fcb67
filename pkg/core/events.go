package core

import (
	"sync"
	"time"
)

// Event is the interface for all pipeline events.
type Event interface {
	eventMarker()
}

// JobStarted is emitted when a worker begins processing a leased job.
type JobStarted struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	Job       *Job
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobFailed is emitted when a job fails terminally.
type JobFailed struct {
	Job       *Job
	Error     error
	Timestamp time.Time
}

func (*JobFailed) eventMarker() {}

// JobRetrying is emitted when a failed job is scheduled for redelivery.
type JobRetrying struct {
	Job       *Job
	Attempt   int
	Error     error
	NextRunAt time.Time
	Timestamp time.Time
}

func (*JobRetrying) eventMarker() {}

// JobStalled is emitted when a job whose lease expired without an ack,
// nack or extension is redelivered to another worker.
type JobStalled struct {
	JobID     string
	Queue     string
	Timestamp time.Time
}

func (*JobStalled) eventMarker() {}

// Bus is an explicit event stream. Components that care about job outcomes
// (scheduler failure tracking, notifications) subscribe rather than hooking
// into the worker directly. Emit never blocks: slow subscribers drop events.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a buffered channel of future events.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Emit delivers an event to all subscribers, dropping on full buffers.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
