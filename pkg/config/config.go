// Package config holds the engine configuration, loaded from YAML and
// validated with struct tags plus cross-field rules.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dd0wney/graphstore/pkg/index"
	"github.com/dd0wney/graphstore/pkg/logging"
	"github.com/dd0wney/graphstore/pkg/schema"
	"github.com/dd0wney/graphstore/pkg/wal"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultFilePrefix           = "graph"
	DefaultFlushInterval        = 100 * time.Millisecond
	DefaultMaxQueuedBytes       = 4 << 20
	DefaultCacheSize            = 10000
	DefaultAutoSaveThreshold    = 50000
	DefaultAutoCompactThreshold = 1000000
	DefaultMaintenanceTimeout   = 30 * time.Second
	DefaultWorkers              = 4

	// SnapshotFileName is the state snapshot inside DataDir.
	SnapshotFileName = "state.snapshot"
)

// Config configures a store.
type Config struct {
	DataDir    string `yaml:"data_dir" validate:"required"`
	FilePrefix string `yaml:"file_prefix" validate:"required,excludesall=/"`
	SchemaFile string `yaml:"schema_file"`

	// Compression snappy-compresses node payloads in newly created logs.
	Compression      bool   `yaml:"compression"`
	ValueIndexEngine string `yaml:"value_index_engine" validate:"required"`

	FlushInterval  time.Duration `yaml:"flush_interval"`
	MaxQueuedBytes int           `yaml:"max_queued_bytes" validate:"gte=0"`
	CacheSize      int           `yaml:"cache_size" validate:"gte=0"`

	// AutoSaveThreshold saves index state after this many actions since the
	// last save. Zero disables it.
	AutoSaveThreshold int64 `yaml:"auto_save_threshold"`

	// AutoCompactThreshold starts a hot-swapping rewrite once this many
	// truncatable actions accumulate. Zero disables it.
	AutoCompactThreshold int64 `yaml:"auto_compact_threshold"`

	// Cron expressions (standard five-field syntax) for scheduled work.
	SaveSchedule    string `yaml:"save_schedule"`
	CompactSchedule string `yaml:"compact_schedule"`

	// StrictStateFile fails Open on an unusable snapshot instead of
	// rebuilding from the log.
	StrictStateFile bool `yaml:"strict_state_file"`

	MaintenanceTimeout time.Duration `yaml:"maintenance_timeout"`
	Workers            int           `yaml:"workers" validate:"gte=0,lte=256"`
	LogLevel           string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`

	Backup *wal.S3Config `yaml:"backup,omitempty"`
}

// Default returns a configuration rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		DataDir:              dataDir,
		FilePrefix:           DefaultFilePrefix,
		ValueIndexEngine:     index.EngineMemory,
		FlushInterval:        DefaultFlushInterval,
		MaxQueuedBytes:       DefaultMaxQueuedBytes,
		CacheSize:            DefaultCacheSize,
		AutoSaveThreshold:    DefaultAutoSaveThreshold,
		AutoCompactThreshold: DefaultAutoCompactThreshold,
		MaintenanceTimeout:   DefaultMaintenanceTimeout,
		Workers:              DefaultWorkers,
		LogLevel:             "info",
	}
}

// Load reads a YAML file over the defaults and validates the result.
// LOG_LEVEL in the environment overrides log_level.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	return NewValidator("Config").
		Struct(c).
		OneOf("ValueIndexEngine", c.ValueIndexEngine, []string{index.EngineMemory}).
		RangeDuration("FlushInterval", c.FlushInterval, 0, time.Minute).
		NonNegative("AutoSaveThreshold", c.AutoSaveThreshold).
		NonNegative("AutoCompactThreshold", c.AutoCompactThreshold).
		When(c.SaveSchedule != "", func(v *Validator) {
			v.Custom("SaveSchedule", func() error { return validSchedule(c.SaveSchedule) })
		}).
		When(c.CompactSchedule != "", func(v *Validator) {
			v.Custom("CompactSchedule", func() error { return validSchedule(c.CompactSchedule) })
		}).
		When(c.FlushInterval == 0, func(v *Validator) {
			v.Positive("MaxQueuedBytes", c.MaxQueuedBytes)
		}).
		Validate()
}

// Settings returns the options covered by the schema checksum.
func (c *Config) Settings() schema.Settings {
	return schema.Settings{
		ValueIndexEngine: c.ValueIndexEngine,
		FilePrefix:       c.FilePrefix,
		Compression:      c.Compression,
	}
}

// SnapshotPath is where index state is saved.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.DataDir, SnapshotFileName)
}

// Level returns the configured log level.
func (c *Config) Level() logging.Level {
	return logging.ParseLevel(DefaultOr(c.LogLevel, "info"))
}

// WALOptions returns the log options for this configuration.
func (c *Config) WALOptions(logger logging.Logger) wal.Options {
	return wal.Options{
		CompressPayloads: c.Compression,
		FlushInterval:    c.FlushInterval,
		MaxQueuedBytes:   c.MaxQueuedBytes,
		Logger:           logger,
	}
}

func validSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}
