package domain

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"
)

func DefaultConfig() *Config {
	return &Config{
		Storage:       DefaultStorageConfig(),
		Engine:        DefaultEngineConfig(),
		HTTP:          DefaultHTTPConfig(),
		Schedule:      DefaultScheduleConfig(),
		Observability: DefaultObservabilityConfig(),
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Driver:     StorageBadger,
		SyncWrites: true,
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DispatchPoolSize:  16,
		SyncWorkerTimeout: 30 * time.Second,
		MaxAdvanceDepth:   1000,
		WriteRetries:      5,
		DrainTimeout:      30 * time.Second,
	}
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Enabled: true,
	}
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		EnableMetrics: true,
		Namespace:     "weft",
	}
}

// NewConfigFromSimple fills a config from the values most embeddings care
// about. An empty dataDir falls back to in-memory storage, an empty httpAddr
// leaves the HTTP surface off.
func NewConfigFromSimple(instanceID, httpAddr, dataDir string, logger *slog.Logger) *Config {
	config := DefaultConfig()
	config.InstanceID = instanceID
	config.HTTP.Addr = httpAddr
	config.DataDir = dataDir
	config.Logger = logger

	if logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if dataDir == "" {
		config.Storage.Driver = StorageMemory
	}

	return config
}

func (c *Config) WithMemoryStorage() *Config {
	c.Storage.Driver = StorageMemory
	return c
}

func (c *Config) WithBadgerStorage(dataDir string) *Config {
	c.Storage.Driver = StorageBadger
	if dataDir != "" {
		c.DataDir = dataDir
	}
	return c
}

func (c *Config) WithPostgresStorage(dsn string) *Config {
	c.Storage.Driver = StoragePostgres
	c.Storage.PostgresDSN = dsn
	return c
}

func (c *Config) WithEngineSettings(poolSize int, syncTimeout time.Duration, writeRetries int) *Config {
	c.Engine.DispatchPoolSize = poolSize
	c.Engine.SyncWorkerTimeout = syncTimeout
	c.Engine.WriteRetries = writeRetries
	return c
}

func (c *Config) WithCallbackBaseURL(baseURL string) *Config {
	c.Engine.CallbackBaseURL = baseURL
	return c
}

func (c *Config) WithCORS(origins ...string) *Config {
	c.HTTP.EnableCORS = true
	c.HTTP.AllowedOrigins = origins
	return c
}

func (c *Config) WithRateLimit(perSecond float64, burst int) *Config {
	c.HTTP.RateLimitPerSecond = perSecond
	c.HTTP.RateLimitBurst = burst
	return c
}

func (c *Config) WithSchedules(enabled bool) *Config {
	c.Schedule.Enabled = enabled
	return c
}

func (c *Config) WithMetrics(enabled bool) *Config {
	c.Observability.EnableMetrics = enabled
	return c
}

func (c *Config) WithPprof(enabled bool) *Config {
	c.Observability.EnablePprof = enabled
	return c
}

func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return NewConfigError("instance_id", ErrInvalidInput)
	}
	if c.Logger == nil {
		return NewConfigError("logger", ErrInvalidInput)
	}

	// An empty HTTP.Addr is valid: it means the HTTP surface is off.
	switch c.Storage.Driver {
	case StorageMemory, "":
	case StorageBadger:
		if c.DataDir == "" {
			return NewConfigError("data_dir", ErrInvalidInput)
		}
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return NewConfigError("storage.postgres_dsn", ErrInvalidInput)
		}
	default:
		return NewConfigError("storage.driver", fmt.Errorf("unknown driver %q", c.Storage.Driver))
	}

	if c.Engine.DispatchPoolSize <= 0 {
		return NewConfigError("engine.dispatch_pool_size", ErrInvalidInput)
	}
	if c.Engine.SyncWorkerTimeout <= 0 {
		return NewConfigError("engine.sync_worker_timeout", ErrInvalidInput)
	}
	if c.Engine.MaxAdvanceDepth <= 0 {
		return NewConfigError("engine.max_advance_depth", ErrInvalidInput)
	}
	if c.Engine.CallbackBaseURL != "" {
		if _, err := url.Parse(c.Engine.CallbackBaseURL); err != nil {
			return NewConfigError("engine.callback_base_url", err)
		}
	}

	if c.Schedule.Location != "" {
		if _, err := time.LoadLocation(c.Schedule.Location); err != nil {
			return NewConfigError("schedule.location", err)
		}
	}

	return nil
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{
		Field: field,
		Err:   err,
	}
}
