package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dd0wney/graphstore/pkg/logging"
	"github.com/dd0wney/graphstore/pkg/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default(t.TempDir())
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join(cfg.DataDir, SnapshotFileName), cfg.SnapshotPath())
	assert.Equal(t, logging.InfoLevel, cfg.Level())
}

func TestParse(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	cfg, err := Parse([]byte(`
data_dir: /var/lib/graphstore
file_prefix: people
compression: true
flush_interval: 250ms
save_schedule: "*/5 * * * *"
backup:
  bucket: graph-backups
  prefix: nightly
`))
	require.NoError(t, err)
	assert.Equal(t, "people", cfg.FilePrefix)
	assert.True(t, cfg.Compression)
	assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, DefaultCacheSize, cfg.CacheSize, "unset fields keep defaults")
	require.NotNil(t, cfg.Backup)
	assert.Equal(t, "graph-backups", cfg.Backup.Bucket)

	settings := cfg.Settings()
	assert.Equal(t, "people", settings.FilePrefix)
	assert.True(t, settings.Compression)

	opts := cfg.WALOptions(logging.NewNopLogger())
	assert.True(t, opts.CompressPayloads)
	assert.Equal(t, 250*time.Millisecond, opts.FlushInterval)
}

func TestParseEnvOverridesLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	cfg, err := Parse([]byte("data_dir: /tmp/x\nlog_level: error\n"))
	require.NoError(t, err)
	assert.Equal(t, logging.DebugLevel, cfg.Level())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing data dir", func(c *Config) { c.DataDir = "" }, "DataDir"},
		{"prefix with slash", func(c *Config) { c.FilePrefix = "a/b" }, "FilePrefix"},
		{"unknown engine", func(c *Config) { c.ValueIndexEngine = "btree" }, "ValueIndexEngine"},
		{"bad cron", func(c *Config) { c.SaveSchedule = "every tuesday" }, "SaveSchedule"},
		{"bad compact cron", func(c *Config) { c.CompactSchedule = "* *" }, "CompactSchedule"},
		{"negative threshold", func(c *Config) { c.AutoCompactThreshold = -1 }, "AutoCompactThreshold"},
		{"no flush trigger", func(c *Config) { c.FlushInterval = 0; c.MaxQueuedBytes = 0 }, "MaxQueuedBytes"},
		{"flush interval too long", func(c *Config) { c.FlushInterval = time.Hour }, "FlushInterval"},
		{"unknown level", func(c *Config) { c.LogLevel = "loud" }, "LogLevel"},
		{"backup without bucket", func(c *Config) { c.Backup = &wal.S3Config{} }, "Bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("/data")
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q does not mention %s", err, tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "graphstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /srv/graph\nworkers: 8\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/graph", cfg.DataDir)
	assert.Equal(t, 8, cfg.Workers)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("workers: 1000\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestDefaultOr(t *testing.T) {
	assert.Equal(t, "x", DefaultOr("", "x"))
	assert.Equal(t, "y", DefaultOr("y", "x"))
	assert.Equal(t, 3, DefaultOr(0, 3))
}
