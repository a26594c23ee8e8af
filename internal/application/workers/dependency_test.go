package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// seedResolver resolves "primary.rows[0].ci_id" style mappings without the
// full reference parser
type seedResolver struct{}

func (seedResolver) Resolve(toolID string, mapping map[string]any, previous map[string]any) (map[string]any, []domain.Reference) {
	out := make(map[string]any, len(mapping))
	var refs []domain.Reference
	for param, expr := range mapping {
		var value any
		if primary, ok := previous["primary"].(map[string]any); ok {
			if data, ok := primary["data"].(map[string]any); ok {
				if rows, ok := data["rows"].([]any); ok && len(rows) > 0 {
					if row, ok := rows[0].(map[string]any); ok {
						value = row["ci_id"]
					}
				}
			}
		}
		out[param] = value
		refs = append(refs, domain.Reference{ToolID: toolID, Param: param, Expression: expr.(string), Resolved: value != nil})
	}
	return out, refs
}

func TestDependencyExecutorSkipsTasksWithFailedDependency(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, call domain.ToolCall, n int) (domain.ToolResult, error) {
		if call.ToolID == "a" {
			return domain.ToolResult{}, errors.New("boom")
		}
		return ok(nil)
	})
	cfg := testConfig()
	cfg.MaxRetries = 1
	e := NewDependencyAwareExecutor(NewParallelExecutor(exec, cfg, nil, zaptest.NewLogger(t)), nil)

	deps := []domain.ToolDependency{
		{ToolID: "a"},
		{ToolID: "b", DependsOn: []string{"a"}},
		{ToolID: "c"},
	}
	result, err := e.ExecutePlan(context.Background(), domain.ToolContext{}, deps, map[string]TaskSpec{})
	require.NoError(t, err)

	assert.Equal(t, 0, exec.Calls("b"))
	assert.True(t, IsDependencyFailure(result.Tasks["b"]))
	assert.ErrorIs(t, result.Tasks["b"].Err, domain.ErrDependencyFailed)
	assert.Equal(t, domain.TaskStateFailed, result.Tasks["b"].State)
	assert.True(t, result.Tasks["c"].Succeeded())
	assert.Equal(t, []string{"a", "b"}, result.FailedTools())
	assert.Equal(t, []string{"c"}, e.Completed())
	assert.Equal(t, []string{"a", "b"}, e.Failed())
	assert.Equal(t, 3, result.Total)
	assert.False(t, result.Aborted)
}

func TestDependencyExecutorFeedsResultsForward(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, call domain.ToolCall, n int) (domain.ToolResult, error) {
		if call.ToolID == "primary" {
			return ok(map[string]any{"rows": []any{map[string]any{"ci_id": "srv-001"}}})
		}
		return ok(map[string]any{"neighbours": 4})
	})
	e := NewDependencyAwareExecutor(NewParallelExecutor(exec, testConfig(), nil, zaptest.NewLogger(t)), seedResolver{})

	deps := []domain.ToolDependency{
		{ToolID: "primary"},
		{
			ToolID:        "graph",
			DependsOn:     []string{"primary"},
			OutputMapping: map[string]any{"seed_id": "{primary.data.rows[0].ci_id}"},
		},
	}
	specs := map[string]TaskSpec{
		"primary": {ToolID: "primary", Tool: "ci_search", Params: map[string]any{"query": "srv"}},
		"graph": {
			ToolID:        "graph",
			Tool:          "graph_expand",
			Params:        map[string]any{"depth": 2},
			OutputMapping: deps[1].OutputMapping,
		},
	}

	result, err := e.ExecutePlan(context.Background(), domain.ToolContext{TraceID: "tr-1"}, deps, specs)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Successful)
	assert.Equal(t, []string{"primary", "graph"}, result.Order)
	assert.Equal(t, map[string]any{"depth": 2, "seed_id": "srv-001"}, exec.Params("graph"))
	require.Len(t, result.References, 1)
	assert.Equal(t, "seed_id", result.References[0].Param)
	assert.True(t, result.References[0].Resolved)

	// static params of the task spec stay untouched
	assert.NotContains(t, specs["graph"].Params, "seed_id")
}

func TestDependencyExecutorFailFastAbortsLaterGroups(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, call domain.ToolCall, n int) (domain.ToolResult, error) {
		if call.ToolID == "a" {
			return domain.ToolResult{Success: false, Error: "denied"}, nil
		}
		return ok(nil)
	})
	cfg := testConfig()
	cfg.FailFast = true
	e := NewDependencyAwareExecutor(NewParallelExecutor(exec, cfg, nil, zaptest.NewLogger(t)), nil)

	groups := [][]string{{"a", "b"}, {"c"}, {"d"}}
	result := e.ExecuteGroups(context.Background(), domain.ToolContext{}, groups, map[string]TaskSpec{})

	assert.True(t, result.Aborted)
	assert.Equal(t, 1, exec.Calls("b"))
	assert.Equal(t, 0, exec.Calls("c"))
	assert.Equal(t, 0, exec.Calls("d"))
	assert.ErrorIs(t, result.Tasks["c"].Err, domain.ErrAborted)
	assert.ErrorIs(t, result.Tasks["d"].Err, domain.ErrAborted)
	assert.Len(t, result.Groups, 1)
	assert.Equal(t, 4, result.Total)
}

func TestDependencyExecutorAbortsWhenContextEnds(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, call domain.ToolCall, n int) (domain.ToolResult, error) {
		return ok(nil)
	})
	e := NewDependencyAwareExecutor(NewParallelExecutor(exec, testConfig(), nil, zaptest.NewLogger(t)), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := e.ExecuteGroups(ctx, domain.ToolContext{}, [][]string{{"a"}, {"b"}}, map[string]TaskSpec{})

	assert.True(t, result.Aborted)
	assert.Equal(t, 0, exec.Calls("a"))
	assert.ErrorIs(t, result.Tasks["a"].Err, domain.ErrAborted)
	assert.ErrorIs(t, result.Tasks["a"].Err, context.Canceled)
}

func TestTimeOutUnfinishedKeepsFinishedTasks(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, call domain.ToolCall, n int) (domain.ToolResult, error) {
		switch call.ToolID {
		case "b":
			<-ctx.Done()
			return domain.ToolResult{}, ctx.Err()
		case "e":
			return domain.ToolResult{Success: false, Error: "denied"}, nil
		}
		return ok(map[string]any{"rows": []any{"srv-001"}})
	})
	cfg := testConfig()
	cfg.MaxRetries = 1
	e := NewDependencyAwareExecutor(NewParallelExecutor(exec, cfg, nil, zaptest.NewLogger(t)), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	groups := [][]string{{"a", "e"}, {"b"}, {"c"}}
	partial := e.ExecuteGroups(ctx, domain.ToolContext{}, groups, map[string]TaskSpec{})

	cause := fmt.Errorf("%w: execute", domain.ErrPhaseTimeout)
	result := partial.TimeOutUnfinished([]string{"a", "b", "c", "d", "e"}, cause, time.Now())

	assert.Equal(t, domain.TaskStateCompleted, result.Tasks["a"].State)
	assert.Equal(t, domain.TaskStateFailed, result.Tasks["e"].State)
	assert.Equal(t, domain.TaskStateTimedOut, result.Tasks["b"].State)
	assert.Equal(t, domain.TaskStateTimedOut, result.Tasks["c"].State)
	assert.ErrorIs(t, result.Tasks["c"].Err, domain.ErrPhaseTimeout)
	assert.Equal(t, domain.TaskStateTimedOut, result.Tasks["d"].State)
	assert.ErrorIs(t, result.Tasks["d"].Err, domain.ErrPhaseTimeout)

	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 4, result.Failed)
	assert.Equal(t, []string{"b", "c", "d"}, result.TimedOut())
	assert.Equal(t, true, result.Previous["a"].(map[string]any)["success"])
}

func TestTimeOutUnfinishedOnEmptyResult(t *testing.T) {
	cause := fmt.Errorf("%w: execute", domain.ErrPhaseTimeout)
	result := new(DependencyExecutionResult).TimeOutUnfinished([]string{"primary", "graph"}, cause, time.Now())

	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, []string{"graph", "primary"}, result.TimedOut())
	assert.NotNil(t, result.References)
}

func TestDependencyExecutionResultJSONReportsMilliseconds(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, call domain.ToolCall, n int) (domain.ToolResult, error) {
		return ok(nil)
	})
	e := NewDependencyAwareExecutor(NewParallelExecutor(exec, testConfig(), nil, zaptest.NewLogger(t)), nil)
	result := e.ExecuteGroups(context.Background(), domain.ToolContext{}, [][]string{{"a"}}, map[string]TaskSpec{})
	result.TotalElapsed = 42 * time.Millisecond
	result.Groups[0].TotalElapsed = 7 * time.Millisecond

	raw, err := json.Marshal(result)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, float64(42), doc["total_elapsed_ms"])
	assert.NotContains(t, doc, "total_elapsed")

	group := doc["groups"].([]any)[0].(map[string]any)
	assert.Equal(t, float64(7), group["total_elapsed_ms"])
	task := doc["tasks"].(map[string]any)["a"].(map[string]any)
	assert.Contains(t, task, "elapsed_ms")
}

func TestComputeExecutionOrder(t *testing.T) {
	e := NewDependencyAwareExecutor(NewParallelExecutor(nil, testConfig(), nil, nil), nil)
	e.AddDependency("primary", nil)
	e.AddDependency("graph", []string{"primary"})
	e.AddDependency("metric", []string{"primary"})
	e.AddDependency("simulation", []string{"graph", "metric"})

	groups, err := e.ComputeExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"primary"}, {"graph", "metric"}, {"simulation"}}, groups)
}

func TestComputeExecutionOrderRejectsCycle(t *testing.T) {
	e := NewDependencyAwareExecutor(NewParallelExecutor(nil, testConfig(), nil, nil), nil)
	e.AddDependency("a", []string{"b"})
	e.AddDependency("b", []string{"a"})
	e.AddDependency("c", nil)

	_, err := e.ComputeExecutionOrder()
	require.ErrorIs(t, err, domain.ErrDependencyCycle)

	var cycle *domain.CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "b"}, cycle.Participants)
}
