package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.GetHTTPAddr())
	assert.Equal(t, BackendMemory, cfg.TraceStore)
	assert.Equal(t, 30*time.Second, cfg.BudgetAllowances().Total)
	assert.Equal(t, 5, cfg.WorkerConfig().MaxConcurrent)

	policy := cfg.Policy()
	assert.Equal(t, 2, policy.MaxReplans)
	assert.Equal(t, []domain.TriggerType{
		domain.TriggerToolFailure,
		domain.TriggerTimeout,
		domain.TriggerEmptyResult,
	}, policy.AllowedTriggers)
	assert.NoError(t, policy.Validate())
	assert.Equal(t, time.Hour, cfg.ControlLoop.SessionIdleTTL)
	assert.Equal(t, 5*time.Minute, cfg.ControlLoop.SessionSweepInterval)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("OPSQUERY_HTTP_PORT", "9000")
	t.Setenv("BUDGET_TOTAL", "45s")
	t.Setenv("EXECUTOR_FAIL_FAST", "true")
	t.Setenv("CONTROL_LOOP_ALLOWED_TRIGGERS", "timeout")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, 45*time.Second, cfg.Budget.Total)
	assert.True(t, cfg.WorkerConfig().FailFast)
	assert.Equal(t, []domain.TriggerType{domain.TriggerTimeout}, cfg.Policy().AllowedTriggers)
}

func TestLoad_PolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[control_loop]
max_replans = 4
allowed_triggers = ["tool_failure"]
min_interval_seconds = 0.5
cooling_period_seconds = 60
critical_override = true
`), 0o600))
	t.Setenv("POLICY_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	policy := cfg.Policy()
	assert.Equal(t, 4, policy.MaxReplans)
	assert.Equal(t, []domain.TriggerType{domain.TriggerToolFailure}, policy.AllowedTriggers)
	assert.Equal(t, 500*time.Millisecond, policy.MinInterval)
	assert.Equal(t, time.Minute, policy.CoolingPeriod)
	assert.True(t, policy.CriticalOverride)
	// untouched keys keep their env values
	assert.True(t, policy.EnableAutomaticReplan)
	assert.Equal(t, 2, policy.CoolingThreshold)
}

func TestLoadPolicyFile_Errors(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.LoadPolicyFile(filepath.Join(t.TempDir(), "missing.toml")))

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[control_loop\n"), 0o600))
	assert.Error(t, cfg.LoadPolicyFile(path))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad port", func(c *Config) { c.HTTPPort = 0 }, "invalid HTTP port"},
		{"bad trace store", func(c *Config) { c.TraceStore = "s3" }, "unsupported trace store backend"},
		{"redis without addr", func(c *Config) { c.EventBus = BackendRedis; c.Redis.Addr = "" }, "redis address is required"},
		{"no concurrency", func(c *Config) { c.Executor.MaxConcurrent = 0 }, "max concurrent"},
		{"no attempts", func(c *Config) { c.Executor.MaxRetries = 0 }, "max retries"},
		{"zero budget", func(c *Config) { c.Budget.Compose = 0 }, "budget allowances"},
		{"interval above cooling", func(c *Config) { c.ControlLoop.MinInterval = time.Hour }, "invalid control loop policy"},
		{"unknown trigger", func(c *Config) { c.ControlLoop.AllowedTriggers = []string{"boredom"} }, "invalid control loop policy"},
		{"idle ttl below cooling", func(c *Config) { c.ControlLoop.SessionIdleTTL = time.Second }, "session idle TTL"},
		{"negative idle ttl", func(c *Config) { c.ControlLoop.SessionIdleTTL = -time.Minute }, "session idle TTL"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
