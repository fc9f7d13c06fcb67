package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glimmr/pricepipe/pkg/broker"
	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/jobstore"
	"github.com/glimmr/pricepipe/pkg/worker"
)

var (
	scanStates       []string
	scanTestMode     bool
	scanForceRefresh bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Queue a discovery scan and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, gdb, err := setup()
		if err != nil {
			return err
		}

		enq := &worker.Enqueuer{
			Broker: broker.NewGormBroker(gdb),
			Store:  jobstore.New(gdb),
			Queues: cfg.Queues,
		}
		jobID, err := enq.Enqueue(cmd.Context(), core.QueueDiscovery, core.JobDiscoveryScan,
			&core.ScanPayload{
				States:       scanStates,
				TestMode:     scanTestMode,
				ForceRefresh: scanForceRefresh,
			},
			worker.EnqueueOverride{})
		if err != nil {
			return err
		}
		log.WithField("job_id", jobID).Info("scan queued")
		fmt.Println(jobID)
		return nil
	},
}

func init() {
	scanCmd.Flags().StringSliceVar(&scanStates, "states", nil, "states to scan (default: configured states)")
	scanCmd.Flags().BoolVar(&scanTestMode, "test-mode", false, "limit the scan to one state and a few files per hospital")
	scanCmd.Flags().BoolVar(&scanForceRefresh, "force-refresh", false, "re-download files even when already processed")
	rootCmd.AddCommand(scanCmd)
}
