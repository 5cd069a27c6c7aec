package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:8941", cfg.Server.Addr())
	assert.Equal(t, 2*time.Second, cfg.Server.SSERetry())
	assert.Equal(t, 5, cfg.Client.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.RetryBaseDelay())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, 8941, cfg.Server.Port)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.json")
	doc := `{
		"server": {"host": "127.0.0.1", "port": 9000, "auth_token": "from-file",
			"ring_capacity": 64, "sse_retry_ms": 1000, "rate_limit": 10,
			"rate_burst": 20, "read_timeout_sec": 30},
		"client": {"base_url": "http://127.0.0.1:9000", "max_attempts": 3,
			"retry_base_delay_ms": 100, "retry_max_delay_ms": 1000},
		"log": {"level": "debug"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	t.Setenv("BRIDGE_TOKEN", "from-env")
	t.Setenv("BRIDGE_PORT", "9100")
	t.Setenv("BRIDGE_RATE_BURST", "33")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Environment wins over the file.
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Server.AuthToken)
	assert.Equal(t, "from-env", cfg.Client.AuthToken)
	assert.Equal(t, 33, cfg.Server.RateBurst)

	assert.Equal(t, 64, cfg.Server.RingCapacity)
	assert.Equal(t, 3, cfg.Client.MaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
