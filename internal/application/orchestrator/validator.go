package orchestrator

import (
	"fmt"

	"github.com/aescanero/opsquery/pkg/domain"
)

// Validator validates plan structures
type Validator struct{}

// NewValidator creates a new plan validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a plan structure
func (v *Validator) Validate(p *domain.Plan) error {
	if p == nil {
		return fmt.Errorf("%w: plan is nil", domain.ErrInvalidPlan)
	}

	switch p.Kind {
	case domain.PlanKindDirect:
		if p.Answer == nil {
			return fmt.Errorf("%w: direct plan requires an answer", domain.ErrInvalidPlan)
		}
		return nil
	case domain.PlanKindReject:
		return nil
	case domain.PlanKindPlan:
	default:
		return fmt.Errorf("%w: unknown plan kind %q", domain.ErrInvalidPlan, p.Kind)
	}

	specs := p.SubSpecs()
	if len(specs) == 0 {
		return fmt.Errorf("%w: plan must have at least one tool", domain.ErrInvalidPlan)
	}

	// Validate sub-specs
	for id, spec := range specs {
		if err := v.validateSubSpec(id, spec); err != nil {
			return fmt.Errorf("invalid sub-spec %s: %w", id, err)
		}
	}

	// Validate explicit dependencies
	declared := make(map[string]bool)
	for _, dep := range p.ToolDependencies {
		if dep.ToolID == "" {
			return fmt.Errorf("%w: dependency tool_id is required", domain.ErrInvalidPlan)
		}
		if declared[dep.ToolID] {
			return fmt.Errorf("%w: duplicate dependency entry for %s", domain.ErrInvalidPlan, dep.ToolID)
		}
		declared[dep.ToolID] = true

		if _, exists := specs[dep.ToolID]; !exists {
			return fmt.Errorf("%w: %s is not part of the plan", domain.ErrUnknownDependency, dep.ToolID)
		}
		for _, on := range dep.DependsOn {
			if _, exists := specs[on]; !exists {
				return fmt.Errorf("%w: %s depends on %s", domain.ErrUnknownDependency, dep.ToolID, on)
			}
		}
	}

	return nil
}

// validateSubSpec validates a single sub-spec
func (v *Validator) validateSubSpec(id string, spec *domain.SubSpec) error {
	if id == "" {
		return fmt.Errorf("%w: tool id is required", domain.ErrInvalidPlan)
	}
	if spec.TimeoutMs < 0 {
		return fmt.Errorf("%w: negative timeout", domain.ErrInvalidPlan)
	}
	return nil
}
