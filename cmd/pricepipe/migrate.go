package main

import (
	"context"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/glimmr/pricepipe/pkg/broker"
	"github.com/glimmr/pricepipe/pkg/config"
	"github.com/glimmr/pricepipe/pkg/jobstore"
	"github.com/glimmr/pricepipe/pkg/logging"
	"github.com/glimmr/pricepipe/pkg/pipeline"
	"github.com/glimmr/pricepipe/pkg/scheduler"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, gdb, err := setup()
		if err != nil {
			return err
		}
		b := broker.NewGormBroker(gdb)
		store := jobstore.New(gdb)
		repo := pipeline.NewRepo(gdb)
		if err := migrateAll(cmd.Context(), b, store, repo, gdb, cfg, log); err != nil {
			return err
		}
		log.Info("migrations applied")
		return nil
	},
}

func migrateAll(ctx context.Context, b broker.Broker, store *jobstore.Store, repo *pipeline.Repo, gdb *gorm.DB, cfg *config.Config, log *logging.Logger) error {
	if err := b.Migrate(ctx); err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	if err := repo.Migrate(); err != nil {
		return err
	}
	sched := scheduler.New(gdb, nil, nil, cfg.Scheduler, log)
	return sched.Migrate(ctx)
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
