package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aescanero/opsquery/internal/application/orchestrator"
	"github.com/aescanero/opsquery/internal/config"
	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"kind": "plan",
		"primary": {"tool": "echo", "params": {"name": "srv-001"}},
		"graph": {"tool": "echo"},
		"tool_dependencies": [
			{"tool_id": "graph", "depends_on": ["primary"], "output_mapping": {"seed": "{primary.data.name}"}}
		]
	}`), 0o600))

	plan, err := readPlan(path)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanKindPlan, plan.Kind)
	assert.Equal(t, []string{domain.ToolGraph, domain.ToolPrimary}, plan.ToolIDs())
	require.Len(t, plan.ToolDependencies, 1)
	assert.Equal(t, "{primary.data.name}", plan.ToolDependencies[0].OutputMapping["seed"])

	_, err = readPlan(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = readPlan(bad)
	assert.ErrorContains(t, err, "parse plan")
}

func TestNewAppInMemory(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.TraceStore = config.BackendMemory
	cfg.EventBus = config.BackendMemory
	cfg.Neo4j.URI = ""
	cfg.HistoryDBPath = filepath.Join(t.TempDir(), "history.db")

	a, err := newApp(context.Background(), cfg, initLogger("error"))
	require.NoError(t, err)
	defer a.Close()

	trace, err := a.manager.Submit(context.Background(), orchestrator.QueryRequest{
		TenantID: "acme",
		Plan: &domain.Plan{
			Kind:    domain.PlanKindPlan,
			Primary: &domain.SubSpec{Tool: "echo", Params: map[string]any{"name": "srv-001"}},
			History: &domain.SubSpec{Params: map[string]any{"ci_id": "srv-001"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, trace.SuccessfulTools)
}
