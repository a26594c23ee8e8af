package domain

import (
	"sort"
)

// PlanKind is the outcome produced by the upstream planner
type PlanKind string

const (
	PlanKindDirect PlanKind = "direct"
	PlanKindReject PlanKind = "reject"
	PlanKindPlan   PlanKind = "plan"
)

// Well-known sub-spec slots. The slot name doubles as the tool id.
const (
	ToolPrimary    = "primary"
	ToolSecondary  = "secondary"
	ToolAggregate  = "aggregate"
	ToolGraph      = "graph"
	ToolMetric     = "metric"
	ToolHistory    = "history"
	ToolSimulation = "simulation"
)

// SubSpec describes one tool invocation inside a plan
type SubSpec struct {
	// Tool is the backend name the executor dispatches on. Empty means the slot name.
	Tool      string         `json:"tool,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMs int            `json:"timeout_ms,omitempty"`
}

// Plan is the structured intent handed to the orchestrator
type Plan struct {
	Kind         PlanKind          `json:"kind"`
	Query        string            `json:"query,omitempty"`
	Answer       any               `json:"answer,omitempty"`
	RejectReason string            `json:"reject_reason,omitempty"`
	Assets       map[string]string `json:"applied_assets,omitempty"`

	Primary    *SubSpec `json:"primary,omitempty"`
	Secondary  *SubSpec `json:"secondary,omitempty"`
	Aggregate  *SubSpec `json:"aggregate,omitempty"`
	Graph      *SubSpec `json:"graph,omitempty"`
	Metric     *SubSpec `json:"metric,omitempty"`
	History    *SubSpec `json:"history,omitempty"`
	Simulation *SubSpec `json:"simulation,omitempty"`

	ToolDependencies []ToolDependency `json:"tool_dependencies,omitempty"`
}

// GetKind returns the plan kind, or "" for a nil plan
func (p *Plan) GetKind() PlanKind {
	if p == nil {
		return ""
	}
	return p.Kind
}

// GetQuery returns the query, or "" for a nil plan
func (p *Plan) GetQuery() string {
	if p == nil {
		return ""
	}
	return p.Query
}

// GetAssets returns the applied assets, or nil for a nil plan
func (p *Plan) GetAssets() map[string]string {
	if p == nil {
		return nil
	}
	return p.Assets
}

// SubSpecs returns the present sub-specs keyed by tool id
func (p *Plan) SubSpecs() map[string]*SubSpec {
	specs := make(map[string]*SubSpec)
	if p == nil {
		return specs
	}

	slots := map[string]*SubSpec{
		ToolPrimary:    p.Primary,
		ToolSecondary:  p.Secondary,
		ToolAggregate:  p.Aggregate,
		ToolGraph:      p.Graph,
		ToolMetric:     p.Metric,
		ToolHistory:    p.History,
		ToolSimulation: p.Simulation,
	}
	for id, spec := range slots {
		if spec != nil {
			specs[id] = spec
		}
	}
	return specs
}

// ToolIDs returns the ids of the present sub-specs in sorted order
func (p *Plan) ToolIDs() []string {
	specs := p.SubSpecs()
	ids := make([]string, 0, len(specs))
	for id := range specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ToolName returns the backend name for a slot
func (s *SubSpec) ToolName(toolID string) string {
	if s == nil || s.Tool == "" {
		return toolID
	}
	return s.Tool
}

// ToolDependency declares which tools a tool waits for and how their
// outputs feed its parameters.
type ToolDependency struct {
	ToolID        string         `json:"tool_id"`
	DependsOn     []string       `json:"depends_on"`
	OutputMapping map[string]any `json:"output_mapping,omitempty"`
}

// Clone returns a deep copy of the slice and map fields
func (d ToolDependency) Clone() ToolDependency {
	out := ToolDependency{
		ToolID:    d.ToolID,
		DependsOn: append([]string(nil), d.DependsOn...),
	}
	if d.OutputMapping != nil {
		out.OutputMapping = make(map[string]any, len(d.OutputMapping))
		for k, v := range d.OutputMapping {
			out.OutputMapping[k] = v
		}
	}
	return out
}

// ToolContext is threaded through every tool call for tenant isolation and correlation
type ToolContext struct {
	TenantID  string `json:"tenant_id"`
	TraceID   string `json:"trace_id"`
	RequestID string `json:"request_id"`
}

// ToolCall is a single invocation handed to a tool executor
type ToolCall struct {
	ToolID  string         `json:"tool_id"`
	Tool    string         `json:"tool"`
	Context ToolContext    `json:"context"`
	Params  map[string]any `json:"params"`
}

// ToolResult is what a tool executor returns
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AsMap returns the shape used when the result is referenced by dependent tools
func (r ToolResult) AsMap() map[string]any {
	return map[string]any{
		"success": r.Success,
		"data":    r.Data,
		"error":   r.Error,
	}
}
