package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glimmr/pricepipe/pkg/admin"
	"github.com/glimmr/pricepipe/pkg/broker"
	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/jobstore"
	"github.com/glimmr/pricepipe/pkg/pipeline"
	"github.com/glimmr/pricepipe/pkg/scheduler"
	"github.com/glimmr/pricepipe/pkg/worker"
)

// newAdmin wires the operator facade for one-shot commands.
func newAdmin() (*admin.Admin, error) {
	cfg, log, gdb, err := setup()
	if err != nil {
		return nil, err
	}
	b := broker.NewGormBroker(gdb)
	store := jobstore.New(gdb)
	repo := pipeline.NewRepo(gdb)
	enq := &worker.Enqueuer{Broker: b, Store: store, Queues: cfg.Queues}
	sched := scheduler.New(gdb, enq, nil, cfg.Scheduler, log)
	return admin.New(gdb, b, store, sched, repo, enq), nil
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control job queues",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status <queue>",
	Short: "Show per-state job counts for a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAdmin()
		if err != nil {
			return err
		}
		counts, err := a.QueueCounts(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, s := range []core.JobStatus{core.StatusWaiting, core.StatusDelayed, core.StatusActive, core.StatusCompleted, core.StatusFailed} {
			fmt.Printf("%-10s %d\n", s, counts[s])
		}
		return nil
	},
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause <queue>",
	Short: "Stop leasing jobs from a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAdmin()
		if err != nil {
			return err
		}
		return a.PauseQueue(cmd.Context(), args[0])
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume <queue>",
	Short: "Resume leasing jobs from a paused queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAdmin()
		if err != nil {
			return err
		}
		return a.ResumeQueue(cmd.Context(), args[0])
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain <queue>",
	Short: "Discard waiting and delayed jobs; active jobs finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAdmin()
		if err != nil {
			return err
		}
		n, err := a.DrainQueue(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("drained %d jobs\n", n)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueStatusCmd, queuePauseCmd, queueResumeCmd, queueDrainCmd)
	rootCmd.AddCommand(queueCmd)
}
