package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	InstanceID string       `json:"instance_id" yaml:"instance_id"`
	DataDir    string       `json:"data_dir" yaml:"data_dir"`
	Logger     *slog.Logger `json:"-" yaml:"-"`

	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Engine        EngineConfig        `json:"engine" yaml:"engine"`
	HTTP          HTTPConfig          `json:"http" yaml:"http"`
	Schedule      ScheduleConfig      `json:"schedule" yaml:"schedule"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"
	StorageBadger   StorageDriver = "badger"
	StoragePostgres StorageDriver = "postgres"
)

type StorageConfig struct {
	Driver      StorageDriver `json:"driver" yaml:"driver"`
	PostgresDSN string        `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
	SyncWrites  bool          `json:"sync_writes" yaml:"sync_writes"`
}

type EngineConfig struct {
	DispatchPoolSize  int           `json:"dispatch_pool_size" yaml:"dispatch_pool_size"`
	SyncWorkerTimeout time.Duration `json:"sync_worker_timeout" yaml:"sync_worker_timeout"`
	MaxAdvanceDepth   int           `json:"max_advance_depth" yaml:"max_advance_depth"`
	CallbackBaseURL   string        `json:"callback_base_url,omitempty" yaml:"callback_base_url,omitempty"`
	WriteRetries      int           `json:"write_retries" yaml:"write_retries"`
	DrainTimeout      time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
}

type HTTPConfig struct {
	Addr            string        `json:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	EnableCORS      bool          `json:"enable_cors" yaml:"enable_cors"`
	AllowedOrigins  []string      `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`

	// RateLimitPerSecond <= 0 disables per-client rate limiting.
	RateLimitPerSecond float64 `json:"rate_limit_per_second" yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `json:"rate_limit_burst" yaml:"rate_limit_burst"`
}

type ScheduleConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
}

type ObservabilityConfig struct {
	EnableMetrics bool   `json:"enable_metrics" yaml:"enable_metrics"`
	EnablePprof   bool   `json:"enable_pprof" yaml:"enable_pprof"`
	Namespace     string `json:"namespace" yaml:"namespace"`
}
