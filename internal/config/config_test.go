package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Executor.UnfillTimeout)
	assert.Equal(t, 5, cfg.Executor.MaxResubmitAttempts)
	assert.Equal(t, time.Second, cfg.Executor.RateLimit.InitialWait)
	assert.Equal(t, 30*time.Second, cfg.Executor.RateLimit.MaxWait)
	assert.Equal(t, 60*time.Second, cfg.Executor.CompletionWaitCeiling)
	assert.True(t, cfg.Executor.AutoMakerPrice)
	assert.False(t, cfg.Executor.DryRun)

	assert.Equal(t, 10*time.Second, cfg.Failover.HealthCheckInterval)
	assert.Equal(t, 3, cfg.Failover.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Failover.FailoverCooldown)
	assert.Equal(t, 5*time.Minute, cfg.Failover.RecoveryWaitTime)

	assert.Equal(t, 30*time.Second, cfg.Reconciler.SyncCheckInterval)
	assert.Equal(t, 0.001, cfg.Reconciler.PositionSizeTolerance)
	assert.True(t, cfg.Reconciler.ConfirmBeforeRepair)
	assert.Equal(t, 500, cfg.Reconciler.HistoryLength)

	assert.Equal(t, 0.005, cfg.Quality.SlippageCriticalThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Quality.RollingWindowTime)
	assert.Equal(t, 3.0, cfg.Quality.AnomalySensitivity)

	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "exec", cfg.NATS.SubjectPrefix)
	assert.Empty(t, cfg.Endpoints)
}

func TestLoad_FileOverridesAndEndpoints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
executor:
  unfill_timeout_ms: 250
  dry_run: true
failover:
  failure_threshold: 5
nats:
  enabled: true
  url: nats://broker:4222
endpoints:
  - id: binance-main
    exchange: binance
    priority: 1
    is_primary: true
    api_key_env: BINANCE_KEY
    api_secret_env: BINANCE_SECRET
  - id: binance-backup
    exchange: binance
    priority: 2
    testnet: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Executor.UnfillTimeout)
	assert.True(t, cfg.Executor.DryRun)
	// untouched keys keep defaults
	assert.Equal(t, 100*time.Millisecond, cfg.Executor.CheckInterval)
	assert.Equal(t, 5, cfg.Failover.FailureThreshold)

	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)

	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, "binance-main", cfg.Endpoints[0].ID)
	assert.True(t, cfg.Endpoints[0].IsPrimary)
	assert.Equal(t, 2, cfg.Endpoints[1].Priority)
	assert.True(t, cfg.Endpoints[1].Testnet)

	t.Setenv("BINANCE_KEY", "k-123")
	assert.Equal(t, "k-123", cfg.Endpoints[0].APIKey())
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
