package orchestrator

import (
	"fmt"
	"sort"

	"github.com/aescanero/opsquery/pkg/domain"
	"go.uber.org/zap"
)

// primarySeedReference points at the first row returned by the primary lookup
const primarySeedReference = "{primary.data.rows[0].ci_id}"

// inferredDependents lists the sub-specs that need identifiers from the
// primary lookup, with the parameter each one receives
var inferredDependents = map[string]string{
	domain.ToolGraph:   "seed_id",
	domain.ToolMetric:  "ci_id",
	domain.ToolHistory: "ci_id",
}

// DependencyAnalyzer turns a plan into tool dependencies
type DependencyAnalyzer struct {
	logger *zap.Logger
}

// NewDependencyAnalyzer creates a dependency analyzer
func NewDependencyAnalyzer(logger *zap.Logger) *DependencyAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DependencyAnalyzer{logger: logger}
}

// ExtractDependencies returns one dependency entry per tool of the plan,
// sorted by tool id. Explicit dependencies are used as given; otherwise they
// are inferred from which sub-specs are present.
func (a *DependencyAnalyzer) ExtractDependencies(plan *domain.Plan) ([]domain.ToolDependency, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: plan is nil", domain.ErrInvalidPlan)
	}

	specs := plan.SubSpecs()
	var deps []domain.ToolDependency

	if len(plan.ToolDependencies) > 0 {
		explicit, err := a.explicitDependencies(plan.ToolDependencies, specs)
		if err != nil {
			return nil, err
		}
		deps = explicit
		a.logger.Debug("using explicit dependencies", zap.Int("count", len(deps)))
	} else {
		deps = a.inferDependencies(specs)
		a.logger.Debug("inferred dependencies", zap.Int("count", len(deps)))
	}

	sort.Slice(deps, func(i, j int) bool { return deps[i].ToolID < deps[j].ToolID })
	return deps, nil
}

// explicitDependencies copies the declared dependencies and adds an empty
// entry for every present tool that was not declared
func (a *DependencyAnalyzer) explicitDependencies(declared []domain.ToolDependency, specs map[string]*domain.SubSpec) ([]domain.ToolDependency, error) {
	seen := make(map[string]bool, len(declared))
	deps := make([]domain.ToolDependency, 0, len(specs))

	for _, d := range declared {
		if _, ok := specs[d.ToolID]; !ok {
			return nil, fmt.Errorf("%w: %s is not part of the plan", domain.ErrUnknownDependency, d.ToolID)
		}
		for _, dep := range d.DependsOn {
			if _, ok := specs[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", domain.ErrUnknownDependency, d.ToolID, dep)
			}
		}
		seen[d.ToolID] = true
		deps = append(deps, d.Clone())
	}

	for id := range specs {
		if !seen[id] {
			deps = append(deps, domain.ToolDependency{ToolID: id, DependsOn: []string{}})
		}
	}
	return deps, nil
}

// inferDependencies derives dependencies from the sub-specs that are present
func (a *DependencyAnalyzer) inferDependencies(specs map[string]*domain.SubSpec) []domain.ToolDependency {
	_, hasPrimary := specs[domain.ToolPrimary]
	deps := make([]domain.ToolDependency, 0, len(specs))

	for id, spec := range specs {
		dep := domain.ToolDependency{ToolID: id, DependsOn: []string{}}

		if param, ok := inferredDependents[id]; ok && hasPrimary {
			dep.DependsOn = []string{domain.ToolPrimary}
			if _, static := spec.Params[param]; !static {
				dep.OutputMapping = map[string]any{param: primarySeedReference}
			}
		}
		deps = append(deps, dep)
	}
	return deps
}

// BuildDependencyGraph returns the adjacency map tool -> dependencies
func (a *DependencyAnalyzer) BuildDependencyGraph(deps []domain.ToolDependency) domain.DependencyGraph {
	return domain.NewDependencyGraph(deps)
}

// TopologicalSort orders tools so every dependency precedes its dependents.
// A cycle yields a *domain.CycleError naming the tools caught in it.
func (a *DependencyAnalyzer) TopologicalSort(deps []domain.ToolDependency) ([]string, error) {
	order, err := domain.NewDependencyGraph(deps).TopologicalSort()
	if err != nil {
		a.logger.Warn("dependency cycle detected", zap.Error(err))
		return nil, err
	}
	return order, nil
}
