package v3dv

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigEmpty(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseConfigOverrides(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
always_flush = true
poll_interval_us = 250
query_timeout_ms = 1500
max_wait_threads = 4

[bo_cache]
max_mb = 16
cache_time_ms = 200
disabled = true
`))
	require.NoError(t, err)

	assert.True(t, cfg.AlwaysFlush)
	assert.Equal(t, 250*time.Microsecond, cfg.PollInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.QueryTimeout)
	assert.Equal(t, 4, cfg.MaxWaitThreads)
	assert.Equal(t, 16, cfg.BOCache.MaxMB)
	assert.Equal(t, 200*time.Millisecond, cfg.BOCache.CacheTime)
	assert.True(t, cfg.BOCache.Disabled)
}

func TestParseConfigPartialKeepsDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("max_wait_threads = 0\n"))
	require.NoError(t, err)

	want := DefaultConfig()
	want.MaxWaitThreads = 0
	assert.Equal(t, want, cfg)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown key", "always_flsh = true\n"},
		{"unknown table key", "[bo_cache]\nsize = 3\n"},
		{"wrong type", "always_flush = \"yes\"\n"},
		{"negative threads", "max_wait_threads = -2\n"},
		{"syntax", "always_flush = \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v3dv.toml")
	require.NoError(t, os.WriteFile(path, []byte("always_flush = true\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.AlwaysFlush)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
