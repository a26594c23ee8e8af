package orchestrator

import (
	"testing"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDetermineStrategy(t *testing.T) {
	tests := []struct {
		name string
		deps []domain.ToolDependency
		want Strategy
	}{
		{
			name: "independent tools",
			deps: []domain.ToolDependency{{ToolID: "primary"}, {ToolID: "secondary"}, {ToolID: "metric"}},
			want: StrategyParallel,
		},
		{
			name: "empty",
			deps: nil,
			want: StrategyParallel,
		},
		{
			name: "single chain",
			deps: []domain.ToolDependency{
				{ToolID: "primary"},
				{ToolID: "graph", DependsOn: []string{"primary"}},
				{ToolID: "simulation", DependsOn: []string{"graph"}},
			},
			want: StrategySerial,
		},
		{
			name: "fan out",
			deps: []domain.ToolDependency{
				{ToolID: "primary"},
				{ToolID: "graph", DependsOn: []string{"primary"}},
				{ToolID: "metric", DependsOn: []string{"primary"}},
			},
			want: StrategyDAG,
		},
		{
			name: "chain plus independent tool",
			deps: []domain.ToolDependency{
				{ToolID: "primary"},
				{ToolID: "graph", DependsOn: []string{"primary"}},
				{ToolID: "secondary"},
			},
			want: StrategyDAG,
		},
		{
			name: "fan in",
			deps: []domain.ToolDependency{
				{ToolID: "primary"},
				{ToolID: "secondary"},
				{ToolID: "simulation", DependsOn: []string{"primary", "secondary"}},
			},
			want: StrategyDAG,
		},
	}

	p := NewExecutionPlanner(zaptest.NewLogger(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.DetermineStrategy(tt.deps))
		})
	}
}

func TestCreateExecutionGroups(t *testing.T) {
	p := NewExecutionPlanner(zaptest.NewLogger(t))

	groups, err := p.CreateExecutionGroups([]domain.ToolDependency{
		{ToolID: "secondary"}, {ToolID: "primary"}, {ToolID: "metric"},
	}, StrategyParallel)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"metric", "primary", "secondary"}}, groups)

	groups, err = p.CreateExecutionGroups([]domain.ToolDependency{
		{ToolID: "simulation", DependsOn: []string{"graph"}},
		{ToolID: "graph", DependsOn: []string{"primary"}},
		{ToolID: "primary"},
	}, StrategySerial)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"primary"}, {"graph"}, {"simulation"}}, groups)

	groups, err = p.CreateExecutionGroups([]domain.ToolDependency{
		{ToolID: "primary"},
		{ToolID: "graph", DependsOn: []string{"primary"}},
		{ToolID: "metric", DependsOn: []string{"primary"}},
		{ToolID: "simulation", DependsOn: []string{"graph", "metric"}},
	}, StrategyDAG)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"primary"}, {"graph", "metric"}, {"simulation"}}, groups)

	groups, err = p.CreateExecutionGroups(nil, StrategyParallel)
	require.NoError(t, err)
	assert.Equal(t, [][]string{}, groups)

	_, err = p.CreateExecutionGroups([]domain.ToolDependency{{ToolID: "a"}}, Strategy("random"))
	assert.Error(t, err)
}

func TestPlanCoversEveryToolOnce(t *testing.T) {
	p := NewExecutionPlanner(zaptest.NewLogger(t))
	deps := []domain.ToolDependency{
		{ToolID: "primary"},
		{ToolID: "secondary"},
		{ToolID: "graph", DependsOn: []string{"primary"}},
		{ToolID: "history", DependsOn: []string{"primary"}},
		{ToolID: "simulation", DependsOn: []string{"graph", "secondary"}},
	}

	strategy, groups, err := p.Plan(deps)
	require.NoError(t, err)
	assert.Equal(t, StrategyDAG, strategy)

	level := make(map[string]int)
	for i, g := range groups {
		for _, id := range g {
			_, dup := level[id]
			require.False(t, dup, id)
			level[id] = i
		}
	}
	assert.Len(t, level, 5)
	for _, d := range deps {
		for _, dep := range d.DependsOn {
			assert.Less(t, level[dep], level[d.ToolID])
		}
	}
}

func TestPlanRejectsCycle(t *testing.T) {
	p := NewExecutionPlanner(zaptest.NewLogger(t))
	_, _, err := p.Plan([]domain.ToolDependency{
		{ToolID: "graph", DependsOn: []string{"metric"}},
		{ToolID: "metric", DependsOn: []string{"graph"}},
	})
	assert.ErrorIs(t, err, domain.ErrDependencyCycle)
}
