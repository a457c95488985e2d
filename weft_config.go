package weft

import (
	"log/slog"
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

type Config = domain.Config

type StorageConfig = domain.StorageConfig

type EngineConfig = domain.EngineConfig

type HTTPConfig = domain.HTTPConfig

type ScheduleConfig = domain.ScheduleConfig

type ObservabilityConfig = domain.ObservabilityConfig

type StorageDriver = domain.StorageDriver

const (
	StorageMemory   StorageDriver = domain.StorageMemory
	StorageBadger   StorageDriver = domain.StorageBadger
	StoragePostgres StorageDriver = domain.StoragePostgres
)

// ConfigError reports which configuration field failed validation.
type ConfigError = domain.ConfigError

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

func DefaultEngineConfig() EngineConfig {
	return domain.DefaultEngineConfig()
}

func DefaultHTTPConfig() HTTPConfig {
	return domain.DefaultHTTPConfig()
}

type ConfigBuilder struct {
	config *Config
}

// NewConfigBuilder seeds a builder with the common settings. The zero logger
// discards; use WithLogger to attach one.
func NewConfigBuilder(instanceID, httpAddr, dataDir string) *ConfigBuilder {
	return &ConfigBuilder{config: domain.NewConfigFromSimple(instanceID, httpAddr, dataDir, nil)}
}

func (cb *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	cb.config.Logger = logger
	return cb
}

func (cb *ConfigBuilder) WithMemoryStorage() *ConfigBuilder {
	cb.config.WithMemoryStorage()
	return cb
}

func (cb *ConfigBuilder) WithBadgerStorage(dataDir string) *ConfigBuilder {
	cb.config.WithBadgerStorage(dataDir)
	return cb
}

func (cb *ConfigBuilder) WithPostgresStorage(dsn string) *ConfigBuilder {
	cb.config.WithPostgresStorage(dsn)
	return cb
}

func (cb *ConfigBuilder) WithEngineSettings(poolSize int, syncTimeout time.Duration, writeRetries int) *ConfigBuilder {
	cb.config.WithEngineSettings(poolSize, syncTimeout, writeRetries)
	return cb
}

func (cb *ConfigBuilder) WithCallbackBaseURL(baseURL string) *ConfigBuilder {
	cb.config.WithCallbackBaseURL(baseURL)
	return cb
}

func (cb *ConfigBuilder) WithCORS(origins ...string) *ConfigBuilder {
	cb.config.WithCORS(origins...)
	return cb
}

func (cb *ConfigBuilder) WithRateLimit(perSecond float64, burst int) *ConfigBuilder {
	cb.config.WithRateLimit(perSecond, burst)
	return cb
}

func (cb *ConfigBuilder) WithSchedules(enabled bool) *ConfigBuilder {
	cb.config.WithSchedules(enabled)
	return cb
}

func (cb *ConfigBuilder) WithMetrics(enabled bool) *ConfigBuilder {
	cb.config.WithMetrics(enabled)
	return cb
}

func (cb *ConfigBuilder) WithPprof(enabled bool) *ConfigBuilder {
	cb.config.WithPprof(enabled)
	return cb
}

func (cb *ConfigBuilder) Build() *Config {
	return cb.config
}
