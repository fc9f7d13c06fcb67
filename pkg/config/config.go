// Package config loads pipeline configuration from YAML + environment.
// The per-queue table here is the single source of truth read by both the
// worker pool and the cleanup sweep.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Queues    map[string]QueueConfig `mapstructure:"queues"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Parser    ParserConfig    `mapstructure:"parser"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	DSN    string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

type RegistryConfig struct {
	BaseURL string   `mapstructure:"base_url"`
	APIKey  string   `mapstructure:"api_key"`
	States  []string `mapstructure:"states"`
	// Pause between jurisdictions; polite-crawl pacing.
	ScanDelay time.Duration `mapstructure:"scan_delay"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RetentionPolicy bounds how long and how many terminal jobs a queue keeps.
type RetentionPolicy struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	MaxCount int           `mapstructure:"max_count"`
}

// QueueCleanup is the per-state retention table for one queue.
type QueueCleanup struct {
	Completed RetentionPolicy `mapstructure:"completed"`
	Failed    RetentionPolicy `mapstructure:"failed"`
	Stalled   RetentionPolicy `mapstructure:"stalled"`
}

type BackoffConfig struct {
	Type  string        `mapstructure:"type"` // fixed | exponential
	Delay time.Duration `mapstructure:"delay"`
}

// QueueConfig is one row of the queue table: default job options plus the
// worker concurrency ceiling, lease duration and retention policy.
type QueueConfig struct {
	Priority     int           `mapstructure:"priority"`
	Attempts     int           `mapstructure:"attempts"`
	Backoff      BackoffConfig `mapstructure:"backoff"`
	Concurrency  int           `mapstructure:"concurrency"`
	LockDuration time.Duration `mapstructure:"lock_duration"`
	Cleanup      QueueCleanup  `mapstructure:"cleanup"`
}

type SchedulerConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	// Fallback delay when a cron expression cannot be parsed at all.
	FallbackDelay time.Duration `mapstructure:"fallback_delay"`
}

type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// Job Store rows stuck active longer than this are failed.
	StaleRunningAfter time.Duration `mapstructure:"stale_running_after"`
	// Files stuck pending/processing longer than this with no artifact are
	// re-queued for download.
	OrphanAfter time.Duration `mapstructure:"orphan_after"`
}

type CleanupConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ParserConfig struct {
	// Records per persisted batch; bounds transaction size and memory.
	BatchSize int `mapstructure:"batch_size"`
	// Progress + lease extension cadence during streaming parses.
	ProgressEveryRows int `mapstructure:"progress_every_rows"`
}

// Load reads configuration from the given path (or ./configs, .) with env
// override. Missing file is fine; defaults cover every key.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.BindEnv("database.dsn", "DATABASE_DSN")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("registry.base_url", "REGISTRY_BASE_URL")
	v.BindEnv("registry.api_key", "REGISTRY_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/pricepipe.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "transparency-files")
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("registry.base_url", "https://registry.example.com/api")
	v.SetDefault("registry.states", []string{})
	v.SetDefault("registry.scan_delay", "2s")
	v.SetDefault("registry.timeout", "60s")

	v.SetDefault("scheduler.reconcile_interval", "1m")
	v.SetDefault("scheduler.fallback_delay", "1h")

	v.SetDefault("monitor.interval", "5m")
	v.SetDefault("monitor.stale_running_after", "1h")
	v.SetDefault("monitor.orphan_after", "30m")

	v.SetDefault("cleanup.interval", "1h")

	v.SetDefault("parser.batch_size", 500)
	v.SetDefault("parser.progress_every_rows", 1000)

	for name, qc := range DefaultQueues() {
		prefix := "queues." + name + "."
		v.SetDefault(prefix+"priority", qc.Priority)
		v.SetDefault(prefix+"attempts", qc.Attempts)
		v.SetDefault(prefix+"backoff.type", qc.Backoff.Type)
		v.SetDefault(prefix+"backoff.delay", qc.Backoff.Delay.String())
		v.SetDefault(prefix+"concurrency", qc.Concurrency)
		v.SetDefault(prefix+"lock_duration", qc.LockDuration.String())
		v.SetDefault(prefix+"cleanup.completed.max_age", qc.Cleanup.Completed.MaxAge.String())
		v.SetDefault(prefix+"cleanup.completed.max_count", qc.Cleanup.Completed.MaxCount)
		v.SetDefault(prefix+"cleanup.failed.max_age", qc.Cleanup.Failed.MaxAge.String())
		v.SetDefault(prefix+"cleanup.failed.max_count", qc.Cleanup.Failed.MaxCount)
		v.SetDefault(prefix+"cleanup.stalled.max_age", qc.Cleanup.Stalled.MaxAge.String())
		v.SetDefault(prefix+"cleanup.stalled.max_count", qc.Cleanup.Stalled.MaxCount)
	}
}

// DefaultQueues returns the static queue table. Parsing is capped at
// concurrency 1 with a long lease to bound peak memory on multi-gigabyte
// files; the other queues run with modest concurrency.
func DefaultQueues() map[string]QueueConfig {
	std := QueueCleanup{
		Completed: RetentionPolicy{MaxAge: 24 * time.Hour, MaxCount: 1000},
		Failed:    RetentionPolicy{MaxAge: 7 * 24 * time.Hour, MaxCount: 5000},
		Stalled:   RetentionPolicy{MaxAge: 2 * time.Hour, MaxCount: 100},
	}
	return map[string]QueueConfig{
		"discovery": {
			Attempts:     3,
			Backoff:      BackoffConfig{Type: "exponential", Delay: 30 * time.Second},
			Concurrency:  2,
			LockDuration: 20 * time.Minute,
			Cleanup:      std,
		},
		"download": {
			Attempts:     3,
			Backoff:      BackoffConfig{Type: "exponential", Delay: 10 * time.Second},
			Concurrency:  3,
			LockDuration: 15 * time.Minute,
			Cleanup:      std,
		},
		"parse": {
			Attempts:     2,
			Backoff:      BackoffConfig{Type: "fixed", Delay: time.Minute},
			Concurrency:  1,
			LockDuration: 45 * time.Minute,
			Cleanup:      std,
		},
		"normalize": {
			Attempts:     3,
			Backoff:      BackoffConfig{Type: "exponential", Delay: 5 * time.Second},
			Concurrency:  2,
			LockDuration: 10 * time.Minute,
			Cleanup:      std,
		},
		"analytics": {
			Attempts:     2,
			Backoff:      BackoffConfig{Type: "fixed", Delay: 30 * time.Second},
			Concurrency:  2,
			LockDuration: 10 * time.Minute,
			Cleanup:      std,
		},
		"export": {
			Attempts:     2,
			Backoff:      BackoffConfig{Type: "fixed", Delay: 30 * time.Second},
			Concurrency:  2,
			LockDuration: 15 * time.Minute,
			Cleanup:      std,
		},
	}
}
