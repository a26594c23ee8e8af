package orchestrator

import (
	"fmt"

	"github.com/aescanero/opsquery/pkg/domain"
	"go.uber.org/zap"
)

// Strategy is how a plan's tools are scheduled
type Strategy string

const (
	StrategyParallel Strategy = "parallel"
	StrategySerial   Strategy = "serial"
	StrategyDAG      Strategy = "dag"
)

// ExecutionPlanner classifies dependency graphs and builds execution groups
type ExecutionPlanner struct {
	logger *zap.Logger
}

// NewExecutionPlanner creates an execution planner
func NewExecutionPlanner(logger *zap.Logger) *ExecutionPlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionPlanner{logger: logger}
}

// DetermineStrategy returns PARALLEL when no tool depends on another,
// SERIAL when the tools form one linear chain and DAG otherwise
func (p *ExecutionPlanner) DetermineStrategy(deps []domain.ToolDependency) Strategy {
	independent := true
	for _, d := range deps {
		if len(d.DependsOn) > 0 {
			independent = false
			break
		}
	}
	if independent {
		return StrategyParallel
	}

	if isSingleChain(domain.NewDependencyGraph(deps)) {
		return StrategySerial
	}
	return StrategyDAG
}

// isSingleChain reports whether every node has at most one dependency and
// one dependent, and all nodes hang off a single root
func isSingleChain(g domain.DependencyGraph) bool {
	dependents := g.Dependents()
	roots := 0
	for id, deps := range g {
		if len(deps) > 1 || len(dependents[id]) > 1 {
			return false
		}
		if len(deps) == 0 {
			roots++
		}
	}
	if roots != 1 {
		return false
	}
	_, err := g.TopologicalSort()
	return err == nil
}

// CreateExecutionGroups builds the ordered execution groups for a strategy
func (p *ExecutionPlanner) CreateExecutionGroups(deps []domain.ToolDependency, strategy Strategy) ([][]string, error) {
	g := domain.NewDependencyGraph(deps)
	if len(g) == 0 {
		return [][]string{}, nil
	}

	var groups [][]string
	switch strategy {
	case StrategyParallel:
		groups = [][]string{g.Nodes()}

	case StrategySerial:
		order, err := g.TopologicalSort()
		if err != nil {
			return nil, err
		}
		groups = make([][]string, 0, len(order))
		for _, id := range order {
			groups = append(groups, []string{id})
		}

	case StrategyDAG:
		levels, err := g.Levels()
		if err != nil {
			return nil, err
		}
		groups = levels

	default:
		return nil, fmt.Errorf("unknown execution strategy: %s", strategy)
	}

	p.logger.Debug("execution groups created",
		zap.String("strategy", string(strategy)),
		zap.Int("groups", len(groups)),
		zap.Int("tools", len(g)))

	return groups, nil
}

// Plan classifies the dependencies and builds their groups in one call
func (p *ExecutionPlanner) Plan(deps []domain.ToolDependency) (Strategy, [][]string, error) {
	strategy := p.DetermineStrategy(deps)
	groups, err := p.CreateExecutionGroups(deps, strategy)
	if err != nil {
		return strategy, nil, err
	}
	return strategy, groups, nil
}
