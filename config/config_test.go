package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "custody-node-0", cfg.NodeID)
	require.Equal(t, "5000", cfg.HTTPPort)
	require.Equal(t, 30*time.Second, cfg.ProbeInterval)
	require.Equal(t, 3, cfg.FailureCeiling)
	require.Equal(t, 3, cfg.RetryCeiling)
	require.Equal(t, 30*time.Second, cfg.DrainInterval)
	require.NotEmpty(t, cfg.PostgresDSN)
	require.NotEmpty(t, cfg.LedgerRPC)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custodyd.toml")
	content := `
node_id = "custody-node-7"
http_port = "8080"
retry_ceiling = 5
drain_interval = "10s"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "custody-node-7", cfg.NodeID)
	require.Equal(t, "8080", cfg.HTTPPort)
	require.Equal(t, 5, cfg.RetryCeiling)
	require.Equal(t, 10*time.Second, cfg.DrainInterval)
	// Unset keys keep their defaults.
	require.Equal(t, 3, cfg.FailureCeiling)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custodyd.toml")
	require.NoError(t, os.WriteFile(path, []byte("failure_ceiling = 0\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
