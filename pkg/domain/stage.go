package domain

import (
	"time"
)

// Phase is a budgeted slice of a request
type Phase string

const (
	PhasePlan    Phase = "plan"
	PhaseExecute Phase = "execute"
	PhaseCompose Phase = "compose"
	PhaseTotal   Phase = "total"
)

// StageName identifies one step of the fixed pipeline
type StageName string

const (
	StageRoutePlan StageName = "route_plan"
	StageValidate  StageName = "validate"
	StageExecute   StageName = "execute"
	StageCompose   StageName = "compose"
	StagePresent   StageName = "present"
)

// Stages lists the pipeline in execution order
var Stages = []StageName{StageRoutePlan, StageValidate, StageExecute, StageCompose, StagePresent}

// DiagnosticStatus classifies a stage outcome
type DiagnosticStatus string

const (
	StatusOK      DiagnosticStatus = "ok"
	StatusWarning DiagnosticStatus = "warning"
	StatusError   DiagnosticStatus = "error"
)

// ReasonSkipped marks stages that did no work for the current plan kind
const ReasonSkipped = "skipped"

// Diagnostics summarises the health of one stage output
type Diagnostics struct {
	Status     DiagnosticStatus `json:"status"`
	Warnings   []string         `json:"warnings"`
	Errors     []string         `json:"errors"`
	EmptyFlags map[string]bool  `json:"empty_flags"`
	Counts     map[string]int   `json:"counts"`
}

// Reference records how a dependent parameter was resolved
type Reference struct {
	ToolID     string `json:"tool_id"`
	Param      string `json:"param"`
	Expression string `json:"expression"`
	Resolved   bool   `json:"resolved"`
}

// StageInput is what a stage was given
type StageInput struct {
	StageName     StageName         `json:"stage_name"`
	AppliedAssets map[string]string `json:"applied_assets,omitempty"`
	Params        map[string]any    `json:"params,omitempty"`
	PrevOutput    map[string]any    `json:"prev_output,omitempty"`
}

// StageOutput is what a stage produced
type StageOutput struct {
	StageName   StageName      `json:"stage_name"`
	Result      map[string]any `json:"result"`
	Diagnostics Diagnostics    `json:"diagnostics"`
	References  []Reference    `json:"references,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
}

// StageRecord pairs the input and output of one stage run. Attempt is 0 for
// the first pass and n for the pass following the n-th replan.
type StageRecord struct {
	TraceID    string      `json:"trace_id"`
	Attempt    int         `json:"attempt"`
	Input      StageInput  `json:"input"`
	Output     StageOutput `json:"output"`
	RecordedAt time.Time   `json:"recorded_at"`
}
