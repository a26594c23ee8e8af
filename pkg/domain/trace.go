package domain

import (
	"time"
)

// TraceStatus is the overall outcome of a request
type TraceStatus string

const (
	TraceStatusRunning   TraceStatus = "running"
	TraceStatusCompleted TraceStatus = "completed"
	TraceStatusPartial   TraceStatus = "partial"
	TraceStatusRejected  TraceStatus = "rejected"
	TraceStatusFailed    TraceStatus = "failed"
)

// Trace is the append-only record of one request through the pipeline
type Trace struct {
	TraceID         string          `json:"trace_id"`
	RequestID       string          `json:"request_id"`
	TenantID        string          `json:"tenant_id"`
	SessionID       string          `json:"session_id,omitempty"`
	PlanKind        PlanKind        `json:"plan_kind"`
	Status          TraceStatus     `json:"status"`
	Stages          []StageRecord   `json:"stages"`
	Replans         []ReplanEvent   `json:"replans"`
	Final           map[string]any  `json:"final,omitempty"`
	Error           string          `json:"error,omitempty"`
	SuccessfulTools int             `json:"successful_tools"`
	FailedTools     int             `json:"failed_tools"`
	PhaseTimesMs    map[Phase]int64 `json:"phase_times_ms,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// NewTrace starts an empty trace
func NewTrace(traceID string, tc ToolContext, kind PlanKind, startedAt time.Time) *Trace {
	return &Trace{
		TraceID:   traceID,
		RequestID: tc.RequestID,
		TenantID:  tc.TenantID,
		PlanKind:  kind,
		Status:    TraceStatusRunning,
		Stages:    []StageRecord{},
		Replans:   []ReplanEvent{},
		StartedAt: startedAt,
	}
}

// AppendStage adds a stage record
func (t *Trace) AppendStage(rec StageRecord) {
	t.Stages = append(t.Stages, rec)
}

// AppendReplan adds a replan event
func (t *Trace) AppendReplan(ev ReplanEvent) {
	t.Replans = append(t.Replans, ev)
}

// LastStage returns the most recent record for a stage, if any
func (t *Trace) LastStage(name StageName) (StageRecord, bool) {
	for i := len(t.Stages) - 1; i >= 0; i-- {
		if t.Stages[i].Input.StageName == name {
			return t.Stages[i], true
		}
	}
	return StageRecord{}, false
}
