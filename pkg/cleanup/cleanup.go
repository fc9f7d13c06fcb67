// Package cleanup hosts the two background sweeps: the retention cleaner
// over the broker's job table and the monitor that repairs stuck work.
package cleanup

import (
	"context"
	"time"

	"github.com/glimmr/pricepipe/pkg/broker"
	"github.com/glimmr/pricepipe/pkg/config"
	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/logging"
)

// Cleaner applies each queue's retention policy on an interval.
type Cleaner struct {
	broker   broker.Broker
	queues   map[string]config.QueueConfig
	interval time.Duration
	log      *logging.Logger
}

func NewCleaner(b broker.Broker, queues map[string]config.QueueConfig, interval time.Duration, log *logging.Logger) *Cleaner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Cleaner{broker: b, queues: queues, interval: interval, log: log}
}

// Run sweeps on the configured interval until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep purges every (queue, state) pair once. A failing queue is logged
// and skipped; one bad queue never starves the others of cleanup.
func (c *Cleaner) Sweep(ctx context.Context) map[string]int64 {
	totals := make(map[string]int64, len(c.queues))
	for queue, qc := range c.queues {
		var removed int64
		for _, sp := range []struct {
			state  core.JobStatus
			policy config.RetentionPolicy
		}{
			{core.StatusCompleted, qc.Cleanup.Completed},
			{core.StatusFailed, qc.Cleanup.Failed},
			{broker.StateStalled, qc.Cleanup.Stalled},
		} {
			if sp.policy.MaxAge <= 0 && sp.policy.MaxCount <= 0 {
				continue
			}
			n, err := c.broker.Purge(ctx, queue, sp.state, sp.policy.MaxAge, sp.policy.MaxCount)
			if err != nil {
				c.log.WithError(err).WithFields(logging.Fields{
					"queue": queue,
					"state": sp.state,
				}).Error("retention purge failed")
				continue
			}
			removed += n
		}
		totals[queue] = removed
		if removed > 0 {
			c.log.WithFields(logging.Fields{"queue": queue, "removed": removed}).
				Info("retention purge")
		}
	}
	return totals
}
