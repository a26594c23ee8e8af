package config

import (
	"fmt"
	"os"
	"time"

	"github.com/aescanero/opsquery/internal/application/budget"
	"github.com/aescanero/opsquery/internal/application/controlloop"
	"github.com/aescanero/opsquery/internal/application/workers"
	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/caarlos0/env/v10"
	"github.com/pelletier/go-toml/v2"
)

// Backend names for TRACE_STORE and EVENT_BUS
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all configuration for opsquery
type Config struct {
	// Server configuration
	HTTPPort int    `env:"OPSQUERY_HTTP_PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// TraceStore and EventBus select memory or redis
	TraceStore string `env:"TRACE_STORE" envDefault:"memory"`
	EventBus   string `env:"EVENT_BUS" envDefault:"memory"`

	Redis       RedisConfig
	Budget      BudgetConfig
	Executor    ExecutorConfig
	ControlLoop ControlLoopConfig
	Neo4j       Neo4jConfig

	// HistoryDBPath enables the history tool when set
	HistoryDBPath string `env:"HISTORY_DB_PATH"`

	// PolicyFile is an optional TOML file overriding ControlLoop
	PolicyFile string `env:"POLICY_FILE"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	TraceTTL      time.Duration `env:"REDIS_TRACE_TTL" envDefault:"24h"`
	StreamMaxLen  int64         `env:"REDIS_STREAM_MAX_LEN" envDefault:"10000"`
	ConsumerGroup string        `env:"REDIS_CONSUMER_GROUP" envDefault:"opsquery"`
	ConsumerName  string        `env:"REDIS_CONSUMER_NAME" envDefault:"opsquery-1"`
}

// BudgetConfig holds the per-request time allowances
type BudgetConfig struct {
	Total   time.Duration `env:"BUDGET_TOTAL" envDefault:"30s"`
	Plan    time.Duration `env:"BUDGET_PLAN" envDefault:"10s"`
	Execute time.Duration `env:"BUDGET_EXECUTE" envDefault:"20s"`
	Compose time.Duration `env:"BUDGET_COMPOSE" envDefault:"5s"`
}

// ExecutorConfig holds parallel executor configuration
type ExecutorConfig struct {
	MaxConcurrent       int           `env:"EXECUTOR_MAX_CONCURRENT" envDefault:"5"`
	ContinueOnError     bool          `env:"EXECUTOR_CONTINUE_ON_ERROR" envDefault:"true"`
	FailFast            bool          `env:"EXECUTOR_FAIL_FAST" envDefault:"false"`
	TaskTimeout         time.Duration `env:"EXECUTOR_TASK_TIMEOUT" envDefault:"10s"`
	MaxRetries          int           `env:"EXECUTOR_MAX_RETRIES" envDefault:"3"`
	RetryBackoff        time.Duration `env:"EXECUTOR_RETRY_BACKOFF" envDefault:"100ms"`
	HealthCheckInterval time.Duration `env:"EXECUTOR_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// ControlLoopConfig holds the session replanning policy
type ControlLoopConfig struct {
	MaxReplans            int           `env:"CONTROL_LOOP_MAX_REPLANS" envDefault:"2"`
	AllowedTriggers       []string      `env:"CONTROL_LOOP_ALLOWED_TRIGGERS" envDefault:"tool_failure,timeout,empty_result"`
	EnableAutomaticReplan bool          `env:"CONTROL_LOOP_ENABLE_AUTOMATIC_REPLAN" envDefault:"true"`
	MinInterval           time.Duration `env:"CONTROL_LOOP_MIN_INTERVAL" envDefault:"1s"`
	CoolingPeriod         time.Duration `env:"CONTROL_LOOP_COOLING_PERIOD" envDefault:"30s"`
	CoolingThreshold      int           `env:"CONTROL_LOOP_COOLING_THRESHOLD" envDefault:"2"`
	CriticalOverride      bool          `env:"CONTROL_LOOP_CRITICAL_OVERRIDE" envDefault:"false"`

	// SessionIdleTTL evicts session runtimes unused for that long; 0 keeps them forever
	SessionIdleTTL       time.Duration `env:"CONTROL_LOOP_SESSION_IDLE_TTL" envDefault:"1h"`
	SessionSweepInterval time.Duration `env:"CONTROL_LOOP_SESSION_SWEEP_INTERVAL" envDefault:"5m"`
}

// Neo4jConfig enables the graph tool when URI is set
type Neo4jConfig struct {
	URI      string `env:"NEO4J_URI"`
	User     string `env:"NEO4J_USER" envDefault:"neo4j"`
	Password string `env:"NEO4J_PASSWORD"`
	Database string `env:"NEO4J_DATABASE"`
}

// Load reads configuration from environment variables and the optional policy file
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.PolicyFile != "" {
		if err := cfg.LoadPolicyFile(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// policyFile is the TOML shape of a control loop policy. Durations are
// seconds; absent keys keep the current value.
type policyFile struct {
	ControlLoop struct {
		MaxReplans            *int     `toml:"max_replans"`
		AllowedTriggers       []string `toml:"allowed_triggers"`
		EnableAutomaticReplan *bool    `toml:"enable_automatic_replan"`
		MinIntervalSeconds    *float64 `toml:"min_interval_seconds"`
		CoolingPeriodSeconds  *float64 `toml:"cooling_period_seconds"`
		CoolingThreshold      *int     `toml:"cooling_threshold"`
		CriticalOverride      *bool    `toml:"critical_override"`
	} `toml:"control_loop"`
}

// LoadPolicyFile overlays the [control_loop] table of a TOML file on the
// current control loop settings
func (c *Config) LoadPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var pf policyFile
	if err := toml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	f := pf.ControlLoop
	cl := &c.ControlLoop
	if f.MaxReplans != nil {
		cl.MaxReplans = *f.MaxReplans
	}
	if f.AllowedTriggers != nil {
		cl.AllowedTriggers = f.AllowedTriggers
	}
	if f.EnableAutomaticReplan != nil {
		cl.EnableAutomaticReplan = *f.EnableAutomaticReplan
	}
	if f.MinIntervalSeconds != nil {
		cl.MinInterval = seconds(*f.MinIntervalSeconds)
	}
	if f.CoolingPeriodSeconds != nil {
		cl.CoolingPeriod = seconds(*f.CoolingPeriodSeconds)
	}
	if f.CoolingThreshold != nil {
		cl.CoolingThreshold = *f.CoolingThreshold
	}
	if f.CriticalOverride != nil {
		cl.CriticalOverride = *f.CriticalOverride
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}

	for name, backend := range map[string]string{"trace store": c.TraceStore, "event bus": c.EventBus} {
		if backend != BackendMemory && backend != BackendRedis {
			return fmt.Errorf("unsupported %s backend: %s (must be memory or redis)", name, backend)
		}
	}
	if (c.TraceStore == BackendRedis || c.EventBus == BackendRedis) && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Executor.MaxConcurrent < 1 {
		return fmt.Errorf("executor max concurrent must be at least 1")
	}
	if c.Executor.MaxRetries < 1 {
		return fmt.Errorf("executor max retries must be at least 1")
	}

	b := c.Budget
	if b.Total <= 0 || b.Plan <= 0 || b.Execute <= 0 || b.Compose <= 0 {
		return fmt.Errorf("budget allowances must be positive")
	}

	if err := c.Policy().Validate(); err != nil {
		return err
	}
	if ttl := c.ControlLoop.SessionIdleTTL; ttl < 0 || (ttl > 0 && ttl < c.ControlLoop.CoolingPeriod) {
		return fmt.Errorf("session idle TTL must be 0 or at least the cooling period (%s)", c.ControlLoop.CoolingPeriod)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// BudgetAllowances returns the timeout budget allowances
func (c *Config) BudgetAllowances() budget.Config {
	return budget.Config{
		Total:   c.Budget.Total,
		Plan:    c.Budget.Plan,
		Execute: c.Budget.Execute,
		Compose: c.Budget.Compose,
	}
}

// WorkerConfig returns the parallel executor configuration
func (c *Config) WorkerConfig() workers.Config {
	return workers.Config{
		MaxConcurrent:   c.Executor.MaxConcurrent,
		ContinueOnError: c.Executor.ContinueOnError,
		FailFast:        c.Executor.FailFast,
		TaskTimeout:     c.Executor.TaskTimeout,
		MaxRetries:      c.Executor.MaxRetries,
		RetryBackoff:    c.Executor.RetryBackoff,
	}
}

// Policy returns the control loop policy
func (c *Config) Policy() controlloop.Policy {
	triggers := make([]domain.TriggerType, 0, len(c.ControlLoop.AllowedTriggers))
	for _, t := range c.ControlLoop.AllowedTriggers {
		triggers = append(triggers, domain.TriggerType(t))
	}
	return controlloop.Policy{
		MaxReplans:            c.ControlLoop.MaxReplans,
		AllowedTriggers:       triggers,
		EnableAutomaticReplan: c.ControlLoop.EnableAutomaticReplan,
		MinInterval:           c.ControlLoop.MinInterval,
		CoolingPeriod:         c.ControlLoop.CoolingPeriod,
		CoolingThreshold:      c.ControlLoop.CoolingThreshold,
		CriticalOverride:      c.ControlLoop.CriticalOverride,
	}
}
