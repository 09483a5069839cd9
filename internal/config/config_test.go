package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7447", cfg.ListenAddr)
	assert.Equal(t, "reef.db", cfg.DatabasePath)
	assert.Equal(t, 500, cfg.MaxQueryLimit)
	assert.Empty(t, cfg.SearchHost, "search mirror is off by default")
	assert.Zero(t, cfg.Policy.MinPowDifficulty)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("REEF_LISTEN", "127.0.0.1:9000")
	t.Setenv("REEF_DB_PATH", "/tmp/other.db")
	t.Setenv("REEF_MAX_QUERY_LIMIT", "50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "/tmp/other.db", cfg.DatabasePath)
	assert.Equal(t, 50, cfg.MaxQueryLimit)
}

func TestLoad_TLSMustBePaired(t *testing.T) {
	t.Setenv("REEF_TLS_CERT", "/etc/cert.pem")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_PolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
min_pow_difficulty: 16
require_auth: true
restricted_pubkeys:
  - deadbeef
rate_limit:
  events_per_second: 2.5
  burst: 10
`), 0o644))
	t.Setenv("REEF_POLICY_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Policy.MinPowDifficulty)
	assert.True(t, cfg.Policy.RequireAuth)
	assert.Equal(t, []string{"deadbeef"}, cfg.Policy.RestrictedPubkeys)
	assert.Equal(t, 2.5, cfg.Policy.RateLimit.EventsPerSecond)
	assert.Equal(t, 10, cfg.Policy.RateLimit.Burst)
}

func TestLoad_PolicyFileErrors(t *testing.T) {
	t.Setenv("REEF_POLICY_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err, "a named policy file must exist")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_pow_difficulty: 400\n"), 0o644))
	t.Setenv("REEF_POLICY_FILE", path)
	_, err = Load()
	require.Error(t, err, "difficulty beyond 256 bits is unsatisfiable")
}
