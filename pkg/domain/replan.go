package domain

import (
	"time"
)

// TriggerType is the kind of signal that may justify a replan
type TriggerType string

const (
	TriggerToolFailure     TriggerType = "tool_failure"
	TriggerTimeout         TriggerType = "timeout"
	TriggerEmptyResult     TriggerType = "empty_result"
	TriggerPolicyViolation TriggerType = "policy_violation"
)

// Valid reports whether t is a known trigger type
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerToolFailure, TriggerTimeout, TriggerEmptyResult, TriggerPolicyViolation:
		return true
	}
	return false
}

// Severity grades a replan trigger
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ReplanTrigger is a signal raised by a stage
type ReplanTrigger struct {
	Type      TriggerType `json:"trigger_type"`
	StageName StageName   `json:"stage_name"`
	Severity  Severity    `json:"severity"`
	Reason    string      `json:"reason"`
	Timestamp time.Time   `json:"timestamp"`
}

// Replan event types
const (
	EventTypeReplan       = "replan"
	EventTypeReplanDenied = "replan_denied"
)

// ReplanPatch captures the plan before and after a replan
type ReplanPatch struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// ReplanEvent is an append-only log entry for a replan decision
type ReplanEvent struct {
	ID                string         `json:"id"`
	TraceID           string         `json:"trace_id"`
	EventType         string         `json:"event_type"`
	StageName         StageName      `json:"stage_name"`
	Trigger           ReplanTrigger  `json:"trigger"`
	Patch             ReplanPatch    `json:"patch"`
	Timestamp         time.Time      `json:"timestamp"`
	DecisionMetadata  map[string]any `json:"decision_metadata,omitempty"`
	ExecutionMetadata map[string]any `json:"execution_metadata,omitempty"`
}
