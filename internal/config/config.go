// Package config loads every knob of the execution core from a YAML file
// with environment overrides. Durations are declared in milliseconds in
// the file and surfaced as time.Duration in the component configs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/execms/oms/internal/executor"
	"github.com/execms/oms/internal/failover"
	"github.com/execms/oms/internal/quality"
	"github.com/execms/oms/internal/ratelimit"
	"github.com/execms/oms/internal/reconciler"
)

// Endpoint describes one venue registration. Credentials are named by
// environment variable so the file never carries secrets.
type Endpoint struct {
	ID                string  `mapstructure:"id"`
	Exchange          string  `mapstructure:"exchange"` // binance | mock
	Priority          int     `mapstructure:"priority"`
	IsPrimary         bool    `mapstructure:"is_primary"`
	APIKeyEnv         string  `mapstructure:"api_key_env"`
	APISecretEnv      string  `mapstructure:"api_secret_env"`
	Testnet           bool    `mapstructure:"testnet"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// APIKey resolves the key from the configured environment variable.
func (e Endpoint) APIKey() string { return os.Getenv(e.APIKeyEnv) }

// APISecret resolves the secret from the configured environment variable.
func (e Endpoint) APISecret() string { return os.Getenv(e.APISecretEnv) }

// NATS configures the optional event bridge.
type NATS struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Config aggregates every component's settings.
type Config struct {
	Executor   executor.Config
	Failover   failover.Config
	Reconciler reconciler.Config
	Quality    quality.Config
	Endpoints  []Endpoint
	NATS       NATS
}

func setDefaults(v *viper.Viper) {
	// executor
	v.SetDefault("executor.unfill_timeout_ms", 500)
	v.SetDefault("executor.check_interval_ms", 100)
	v.SetDefault("executor.max_resubmit_attempts", 5)
	v.SetDefault("executor.price_slippage", 0.001)
	v.SetDefault("executor.rate_limit_initial_wait_ms", 1000)
	v.SetDefault("executor.rate_limit_max_wait_ms", 30000)
	v.SetDefault("executor.rate_limit_backoff_multiplier", 2.0)
	v.SetDefault("executor.rate_limit_max_raises", 5)
	v.SetDefault("executor.max_concurrent_per_account", 5)
	v.SetDefault("executor.max_concurrent_global", 20)
	v.SetDefault("executor.queue_timeout_ms", 30000)
	v.SetDefault("executor.default_post_only", false)
	v.SetDefault("executor.auto_maker_price", true)
	v.SetDefault("executor.maker_price_offset", 0.0001)
	v.SetDefault("executor.dry_run", false)
	v.SetDefault("executor.dry_run_fill_delay_ms", 100)
	v.SetDefault("executor.dry_run_slippage", 0.0001)
	v.SetDefault("executor.nonce_retry_delay_ms", 100)
	v.SetDefault("executor.completion_wait_ceiling_ms", 60000)

	// failover
	v.SetDefault("failover.health_check_interval_ms", 10000)
	v.SetDefault("failover.health_check_timeout_ms", 5000)
	v.SetDefault("failover.failure_threshold", 3)
	v.SetDefault("failover.recovery_threshold", 3)
	v.SetDefault("failover.latency_warning_threshold_ms", 500)
	v.SetDefault("failover.latency_critical_threshold_ms", 2000)
	v.SetDefault("failover.latency_window_size", 20)
	v.SetDefault("failover.enable_auto_failover", true)
	v.SetDefault("failover.failover_cooldown_ms", 60000)
	v.SetDefault("failover.enable_auto_recovery", true)
	v.SetDefault("failover.recovery_wait_time_ms", 300000)

	// reconciler
	v.SetDefault("reconciler.sync_check_interval_ms", 30000)
	v.SetDefault("reconciler.force_full_sync_interval_ms", 300000)
	v.SetDefault("reconciler.sync_timeout_ms", 10000)
	v.SetDefault("reconciler.position_size_tolerance", 0.001)
	v.SetDefault("reconciler.balance_tolerance", 0.0001)
	v.SetDefault("reconciler.heartbeat_interval_ms", 5000)
	v.SetDefault("reconciler.heartbeat_timeout_ms", 15000)
	v.SetDefault("reconciler.partition_threshold", 3)
	v.SetDefault("reconciler.enable_auto_repair", true)
	v.SetDefault("reconciler.confirm_before_repair", true)
	v.SetDefault("reconciler.max_repair_attempts", 3)
	v.SetDefault("reconciler.history_length", 500)

	// quality
	v.SetDefault("quality.slippage_warning_threshold", 0.002)
	v.SetDefault("quality.slippage_critical_threshold", 0.005)
	v.SetDefault("quality.slippage_anomaly_threshold", 0.01)
	v.SetDefault("quality.execution_time_warning_ms", 5000)
	v.SetDefault("quality.execution_time_critical_ms", 15000)
	v.SetDefault("quality.execution_time_anomaly_ms", 60000)
	v.SetDefault("quality.fill_rate_warning", 0.8)
	v.SetDefault("quality.fill_rate_critical", 0.5)
	v.SetDefault("quality.statistics_window_size", 1000)
	v.SetDefault("quality.rolling_window_time_ms", 86400000)
	v.SetDefault("quality.short_term_window_time_ms", 3600000)
	v.SetDefault("quality.aggregation_interval_ms", 60000)
	v.SetDefault("quality.enable_anomaly_detection", true)
	v.SetDefault("quality.anomaly_sensitivity", 3.0)

	// nats
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "exec")
}

// Load reads the config file at path; an empty path yields pure defaults.
// Environment variables prefixed OMS_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("OMS")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Executor: executor.Config{
			UnfillTimeout:       ms(v, "executor.unfill_timeout_ms"),
			CheckInterval:       ms(v, "executor.check_interval_ms"),
			MaxResubmitAttempts: v.GetInt("executor.max_resubmit_attempts"),
			PriceSlippage:       v.GetFloat64("executor.price_slippage"),
			RateLimit: ratelimit.Config{
				InitialWait: ms(v, "executor.rate_limit_initial_wait_ms"),
				MaxWait:     ms(v, "executor.rate_limit_max_wait_ms"),
				Multiplier:  v.GetFloat64("executor.rate_limit_backoff_multiplier"),
				MaxRaises:   v.GetInt("executor.rate_limit_max_raises"),
			},
			MaxConcurrentPerAccount: v.GetInt("executor.max_concurrent_per_account"),
			MaxConcurrentGlobal:     v.GetInt("executor.max_concurrent_global"),
			QueueTimeout:            ms(v, "executor.queue_timeout_ms"),
			DefaultPostOnly:         v.GetBool("executor.default_post_only"),
			AutoMakerPrice:          v.GetBool("executor.auto_maker_price"),
			MakerPriceOffset:        v.GetFloat64("executor.maker_price_offset"),
			DryRun:                  v.GetBool("executor.dry_run"),
			DryRunFillDelay:         ms(v, "executor.dry_run_fill_delay_ms"),
			DryRunSlippage:          v.GetFloat64("executor.dry_run_slippage"),
			NonceRetryDelay:         ms(v, "executor.nonce_retry_delay_ms"),
			CompletionWaitCeiling:   ms(v, "executor.completion_wait_ceiling_ms"),
		},
		Failover: failover.Config{
			HealthCheckInterval: ms(v, "failover.health_check_interval_ms"),
			HealthCheckTimeout:  ms(v, "failover.health_check_timeout_ms"),
			FailureThreshold:    v.GetInt("failover.failure_threshold"),
			RecoveryThreshold:   v.GetInt("failover.recovery_threshold"),
			LatencyWarning:      ms(v, "failover.latency_warning_threshold_ms"),
			LatencyCritical:     ms(v, "failover.latency_critical_threshold_ms"),
			LatencyWindowSize:   v.GetInt("failover.latency_window_size"),
			EnableAutoFailover:  v.GetBool("failover.enable_auto_failover"),
			FailoverCooldown:    ms(v, "failover.failover_cooldown_ms"),
			EnableAutoRecovery:  v.GetBool("failover.enable_auto_recovery"),
			RecoveryWaitTime:    ms(v, "failover.recovery_wait_time_ms"),
		},
		Reconciler: reconciler.Config{
			SyncCheckInterval:     ms(v, "reconciler.sync_check_interval_ms"),
			ForceFullSyncInterval: ms(v, "reconciler.force_full_sync_interval_ms"),
			SyncTimeout:           ms(v, "reconciler.sync_timeout_ms"),
			PositionSizeTolerance: v.GetFloat64("reconciler.position_size_tolerance"),
			BalanceTolerance:      v.GetFloat64("reconciler.balance_tolerance"),
			HeartbeatInterval:     ms(v, "reconciler.heartbeat_interval_ms"),
			HeartbeatTimeout:      ms(v, "reconciler.heartbeat_timeout_ms"),
			PartitionThreshold:    v.GetInt("reconciler.partition_threshold"),
			EnableAutoRepair:      v.GetBool("reconciler.enable_auto_repair"),
			ConfirmBeforeRepair:   v.GetBool("reconciler.confirm_before_repair"),
			MaxRepairAttempts:     v.GetInt("reconciler.max_repair_attempts"),
			HistoryLength:         v.GetInt("reconciler.history_length"),
		},
		Quality: quality.Config{
			SlippageWarningThreshold:  v.GetFloat64("quality.slippage_warning_threshold"),
			SlippageCriticalThreshold: v.GetFloat64("quality.slippage_critical_threshold"),
			SlippageAnomalyThreshold:  v.GetFloat64("quality.slippage_anomaly_threshold"),
			ExecutionTimeWarning:      ms(v, "quality.execution_time_warning_ms"),
			ExecutionTimeCritical:     ms(v, "quality.execution_time_critical_ms"),
			ExecutionTimeAnomaly:      ms(v, "quality.execution_time_anomaly_ms"),
			FillRateWarning:           v.GetFloat64("quality.fill_rate_warning"),
			FillRateCritical:          v.GetFloat64("quality.fill_rate_critical"),
			StatisticsWindowSize:      v.GetInt("quality.statistics_window_size"),
			RollingWindowTime:         ms(v, "quality.rolling_window_time_ms"),
			ShortTermWindowTime:       ms(v, "quality.short_term_window_time_ms"),
			AggregationInterval:       ms(v, "quality.aggregation_interval_ms"),
			EnableAnomalyDetection:    v.GetBool("quality.enable_anomaly_detection"),
			AnomalySensitivity:        v.GetFloat64("quality.anomaly_sensitivity"),
		},
		NATS: NATS{
			Enabled:       v.GetBool("nats.enabled"),
			URL:           v.GetString("nats.url"),
			SubjectPrefix: v.GetString("nats.subject_prefix"),
		},
	}

	if err := v.UnmarshalKey("endpoints", &cfg.Endpoints); err != nil {
		return nil, fmt.Errorf("parse endpoints: %w", err)
	}
	return cfg, nil
}

func ms(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}
