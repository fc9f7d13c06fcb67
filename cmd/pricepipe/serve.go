package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimmr/pricepipe/pkg/broker"
	"github.com/glimmr/pricepipe/pkg/cleanup"
	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/jobstore"
	"github.com/glimmr/pricepipe/pkg/objstore"
	"github.com/glimmr/pricepipe/pkg/pipeline"
	"github.com/glimmr/pricepipe/pkg/registry"
	"github.com/glimmr/pricepipe/pkg/scheduler"
	"github.com/glimmr/pricepipe/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline workers, scheduler and background sweeps",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, gdb, err := setup()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		b := broker.NewGormBroker(gdb)
		store := jobstore.New(gdb)
		repo := pipeline.NewRepo(gdb)
		if err := migrateAll(ctx, b, store, repo, gdb, cfg, log); err != nil {
			return err
		}

		var blobs objstore.ObjectStorage
		if cfg.Storage.Endpoint == "" {
			log.Warn("no storage endpoint configured, using in-memory object storage")
			blobs = objstore.NewMemoryStorage()
		} else {
			s3, err := objstore.NewS3Storage(cfg.Storage)
			if err != nil {
				return err
			}
			if err := s3.EnsureBucket(ctx); err != nil {
				return err
			}
			blobs = s3
		}

		bus := core.NewBus()
		defer bus.Close()
		b.SetBus(bus)

		pool := worker.NewPool(b, store, cfg.Queues, bus, log)
		stages := pipeline.NewStages(repo, registry.NewClient(cfg.Registry), blobs, cfg, log)
		stages.Register(pool)

		sched := scheduler.New(gdb, &pool.Enqueuer, bus, cfg.Scheduler, log)
		cleaner := cleanup.NewCleaner(b, cfg.Queues, cfg.Cleanup.Interval, log)
		monitor := cleanup.NewMonitor(gdb, store, &pool.Enqueuer, cfg.Monitor, log)

		var wg sync.WaitGroup
		for _, run := range []func(context.Context) error{
			sched.Start,
			cleaner.Run,
			monitor.Run,
		} {
			wg.Add(1)
			go func(run func(context.Context) error) {
				defer wg.Done()
				if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.WithError(err).Error("background service stopped")
				}
			}(run)
		}

		log.Info("pipeline started")
		err = pool.Start(ctx)
		wg.Wait()
		log.Info("pipeline stopped")

		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
