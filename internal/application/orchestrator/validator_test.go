package orchestrator

import (
	"testing"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/stretchr/testify/assert"
)

func TestValidator(t *testing.T) {
	tests := []struct {
		name    string
		plan    *domain.Plan
		wantErr error
	}{
		{name: "nil plan", plan: nil, wantErr: domain.ErrInvalidPlan},
		{name: "direct with answer", plan: &domain.Plan{Kind: domain.PlanKindDirect, Answer: "42"}},
		{name: "direct without answer", plan: &domain.Plan{Kind: domain.PlanKindDirect}, wantErr: domain.ErrInvalidPlan},
		{name: "reject", plan: &domain.Plan{Kind: domain.PlanKindReject, RejectReason: "out of scope"}},
		{name: "unknown kind", plan: &domain.Plan{Kind: "maybe"}, wantErr: domain.ErrInvalidPlan},
		{name: "plan without tools", plan: &domain.Plan{Kind: domain.PlanKindPlan}, wantErr: domain.ErrInvalidPlan},
		{name: "plan with tool", plan: &domain.Plan{Kind: domain.PlanKindPlan, Primary: &domain.SubSpec{}}},
		{
			name:    "negative timeout",
			plan:    &domain.Plan{Kind: domain.PlanKindPlan, Primary: &domain.SubSpec{TimeoutMs: -1}},
			wantErr: domain.ErrInvalidPlan,
		},
		{
			name: "dependency without tool id",
			plan: &domain.Plan{
				Kind:             domain.PlanKindPlan,
				Primary:          &domain.SubSpec{},
				ToolDependencies: []domain.ToolDependency{{DependsOn: []string{"primary"}}},
			},
			wantErr: domain.ErrInvalidPlan,
		},
		{
			name: "duplicate dependency entry",
			plan: &domain.Plan{
				Kind:    domain.PlanKindPlan,
				Primary: &domain.SubSpec{},
				Graph:   &domain.SubSpec{},
				ToolDependencies: []domain.ToolDependency{
					{ToolID: "graph", DependsOn: []string{"primary"}},
					{ToolID: "graph"},
				},
			},
			wantErr: domain.ErrInvalidPlan,
		},
		{
			name: "dependency on absent tool",
			plan: &domain.Plan{
				Kind:             domain.PlanKindPlan,
				Graph:            &domain.SubSpec{},
				ToolDependencies: []domain.ToolDependency{{ToolID: "graph", DependsOn: []string{"primary"}}},
			},
			wantErr: domain.ErrUnknownDependency,
		},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.plan)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
