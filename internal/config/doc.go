// Package config provides configuration management for opsquery.
//
// Configuration is loaded from environment variables using the env package.
// The control loop policy may be overridden by a TOML file named by POLICY_FILE:
//
//	[control_loop]
//	max_replans = 3
//	allowed_triggers = ["tool_failure", "timeout"]
//	min_interval_seconds = 0.5
//	cooling_period_seconds = 60
//
// Typical wiring:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	sessions, err := controlloop.NewRegistry(cfg.Policy(), logger)
//	executor := workers.NewParallelExecutor(tools, cfg.WorkerConfig(), metrics, logger)
package config
