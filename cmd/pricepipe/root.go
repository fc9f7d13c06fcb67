package main

import (
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/glimmr/pricepipe/pkg/config"
	"github.com/glimmr/pricepipe/pkg/db"
	"github.com/glimmr/pricepipe/pkg/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pricepipe",
	Short: "Hospital price transparency ingestion pipeline",
	Long: `pricepipe discovers hospital price transparency files, downloads and
parses them, and normalizes the extracted prices into queryable records.
All pipeline work runs through a durable job queue with retries, cron
schedules and automatic cleanup.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
}

// setup loads configuration and opens the shared database handle.
func setup() (*config.Config, *logging.Logger, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log := logging.New(&logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "pricepipe",
		File:        cfg.Log.File,
	})
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, gdb, nil
}
