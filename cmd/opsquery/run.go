package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aescanero/opsquery/internal/application/orchestrator"
	"github.com/aescanero/opsquery/internal/config"
	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func runCmd() *cobra.Command {
	var (
		planPath  string
		tenantID  string
		sessionID string
		compact   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one plan and print its trace",
		Long: `Run one plan read from a JSON file ("-" for stdin) and print the
resulting trace as JSON. The exit status is non-zero when the pipeline
stopped early.

Tools available: echo, plus cypher/graph when NEO4J_URI is set and
sqlhistory/history when HISTORY_DB_PATH is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := readPlan(planPath)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// one-shot runs keep traces in memory and log only problems
			cfg.TraceStore = config.BackendMemory
			cfg.EventBus = config.BackendMemory
			if cfg.LogLevel == "info" {
				cfg.LogLevel = "warn"
			}

			return runPlan(cmd.Context(), cfg, orchestrator.QueryRequest{
				SessionID: sessionID,
				TenantID:  tenantID,
				Plan:      plan,
			}, compact)
		},
	}

	cmd.Flags().StringVarP(&planPath, "plan", "p", "", "plan JSON file, - for stdin")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id passed to every tool call")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id for control loop accounting")
	cmd.Flags().BoolVar(&compact, "compact", false, "print the trace on one line")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

func readPlan(path string) (*domain.Plan, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var plan domain.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &plan, nil
}

func runPlan(ctx context.Context, cfg *config.Config, req orchestrator.QueryRequest, compact bool) error {
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	trace, runErr := a.manager.Submit(ctx, req)
	if trace != nil {
		enc := json.NewEncoder(os.Stdout)
		if !compact {
			enc.SetIndent("", "  ")
		}
		if err := enc.Encode(trace); err != nil {
			return fmt.Errorf("write trace: %w", err)
		}
	}
	if runErr != nil {
		logger.Debug("run stopped early", zap.Error(runErr))
		return runErr
	}
	return nil
}
