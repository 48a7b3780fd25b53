package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taxa.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFile_Overlay(t *testing.T) {
	path := writeConfig(t, `
mode          = "lazy"
max_retries   = 0
fetch_timeout = "5s"
stub_margin   = 1.25
cache_size    = 0
`)
	cfg, err := LoadFile(path, Default())
	require.NoError(t, err)

	assert.Equal(t, ModeLazy, cfg.Mode)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 1.25, cfg.StubMargin)
	assert.Equal(t, 0, cfg.CacheSize)

	// Untouched fields keep their defaults.
	assert.Equal(t, 20*time.Millisecond, cfg.YieldBudget)
	assert.Equal(t, 2.5, cfg.PrewarmMargin)
	assert.Equal(t, 100, cfg.MaxNameLen)
}

func TestLoadFile_BadDuration(t *testing.T) {
	_, err := LoadFile(writeConfig(t, `debounce = "soon"`), Default())
	assert.ErrorContains(t, err, "debounce")
}

func TestLoadFile_Invalid(t *testing.T) {
	_, err := LoadFile(writeConfig(t, `resolver_concurrency = 1`), Default())
	assert.ErrorContains(t, err, "resolver_concurrency")
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.hcl"), Default())
	assert.Error(t, err)
}

func TestValidate_CollectsAll(t *testing.T) {
	c := Default()
	c.Mode = "turbo"
	c.StubMargin = 3
	c.CacheSize = -1
	err := c.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "turbo")
	assert.ErrorContains(t, err, "stub_margin")
	assert.ErrorContains(t, err, "cache_size")
}
