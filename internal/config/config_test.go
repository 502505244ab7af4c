package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate_WritesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, firstRun, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, firstRun)
	assert.Equal(t, "sqlite", cfg.DB.Dialect)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.FileExists(t, path)

	again, firstRun, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, firstRun)
	assert.Equal(t, cfg.StorageDir, again.StorageDir)
}

func TestLoadOrCreate_ClampsValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{"db":{"dialect":" MySQL ","dsn":"x"},"batch_size":999999,"workers":-1,"lock":{},"scheduler":{"auto_start":false,"reload_seconds":-5}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, _, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.DB.Dialect)
	assert.Equal(t, MaxBatchSize, cfg.BatchSize)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "auto", cfg.Lock.Backend)
	assert.False(t, cfg.Scheduler.AutoStart)
	assert.Equal(t, 60, cfg.Scheduler.ReloadSeconds)
}

func TestClampBatchSize(t *testing.T) {
	assert.Equal(t, DefaultBatchSize, ClampBatchSize(0))
	assert.Equal(t, MinBatchSize, ClampBatchSize(5))
	assert.Equal(t, 2500, ClampBatchSize(2500))
	assert.Equal(t, MaxBatchSize, ClampBatchSize(10_000))
}
