package config

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string     `env:"FIELDSYNC_LISTEN_ADDR" envDefault:":8080"`
	LogLevel   slog.Level `env:"FIELDSYNC_LOG_LEVEL" envDefault:"info"`

	// StoreDriver selects sqlite or postgres; StoreDSN is the database path
	// or connection string respectively.
	StoreDriver string `env:"FIELDSYNC_STORE_DRIVER" envDefault:"sqlite"`
	StoreDSN    string `env:"FIELDSYNC_STORE_DSN" envDefault:"fieldsync.db"`

	// StorageRoot is the object storage directory for project data and
	// packages. ScratchRoot holds per-job scratch directories. AssetsDir,
	// when set, is mounted read-only into every worker.
	StorageRoot string `env:"FIELDSYNC_STORAGE_ROOT" envDefault:"data"`
	ScratchRoot string `env:"FIELDSYNC_SCRATCH_ROOT" envDefault:"scratch"`
	AssetsDir   string `env:"FIELDSYNC_ASSETS_DIR"`

	// Backend names the worker backend to use: localproc or clusterjob.
	Backend   string `env:"FIELDSYNC_BACKEND" envDefault:"localproc"`
	WorkerBin string `env:"FIELDSYNC_WORKER_BIN" envDefault:"fieldsync-worker"`

	// ToolkitBin is the external GIS toolkit invoked by workers.
	ToolkitBin string `env:"FIELDSYNC_TOOLKIT_BIN" envDefault:"gis-toolkit"`

	// Dispatcher tuning.
	Slots               int           `env:"FIELDSYNC_DISPATCHER_SLOTS" envDefault:"2"`
	PollInterval        time.Duration `env:"FIELDSYNC_POLL_INTERVAL" envDefault:"5s"`
	LaunchRetries       int           `env:"FIELDSYNC_LAUNCH_RETRIES" envDefault:"3"`
	OrphanSweepInterval time.Duration `env:"FIELDSYNC_ORPHAN_SWEEP_INTERVAL" envDefault:"1m"`

	// WorkerTimeoutS caps one worker run, in seconds. Workers that exceed
	// it are killed and their job fails with a timeout.
	WorkerTimeoutS int `env:"WORKER_TIMEOUT_S" envDefault:"600"`

	// Per-worker resource limits. Zero means unlimited.
	WorkerCPULimit   int `env:"FIELDSYNC_WORKER_CPU_LIMIT"`
	WorkerMemLimitMB int `env:"FIELDSYNC_WORKER_MEM_LIMIT_MB"`

	// Cluster backend settings, used when Backend is clusterjob.
	ClusterBaseURL   string `env:"FIELDSYNC_CLUSTER_BASE_URL"`
	ClusterNamespace string `env:"FIELDSYNC_CLUSTER_NAMESPACE" envDefault:"fieldsync"`
	ClusterImage     string `env:"FIELDSYNC_CLUSTER_IMAGE" envDefault:"fieldsync-worker:latest"`
	ClusterToken     string `env:"FIELDSYNC_CLUSTER_TOKEN"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.StoreDriver != StoreSQLite && cfg.StoreDriver != StorePostgres {
		return Config{}, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if cfg.Slots < 1 {
		return Config{}, fmt.Errorf("dispatcher slots must be at least 1, got %d", cfg.Slots)
	}
	if cfg.Backend == "clusterjob" && cfg.ClusterBaseURL == "" {
		return Config{}, fmt.Errorf("FIELDSYNC_CLUSTER_BASE_URL is required for the clusterjob backend")
	}
	return cfg, nil
}

// WorkerTimeout returns the worker run cap as a duration.
func (c Config) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutS) * time.Second
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
