// Package ports defines the interfaces the orchestration engine depends on.
//
// Adapters under pkg/adapters implement them; the application layer only
// ever sees these interfaces.
package ports

import (
	"context"
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
)

// ToolExecutor runs one tool call. Implementations must honor ctx cancellation
// if they want abandoned calls to stop server-side.
type ToolExecutor interface {
	Execute(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error)
}

// ToolExecutorFunc adapts a function to ToolExecutor
type ToolExecutorFunc func(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error)

// Execute calls f
func (f ToolExecutorFunc) Execute(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error) {
	return f(ctx, call)
}

// TraceSink receives stage records and replan events as they happen
type TraceSink interface {
	RecordStage(ctx context.Context, rec domain.StageRecord) error
	RecordReplan(ctx context.Context, ev domain.ReplanEvent) error
}

// TraceStore persists whole traces
type TraceStore interface {
	TraceSink

	SaveTrace(ctx context.Context, trace *domain.Trace) error
	GetTrace(ctx context.Context, traceID string) (*domain.Trace, error)
	ListTraces(ctx context.Context) ([]string, error)
}

// Replanner produces a revised plan in response to a trigger
type Replanner interface {
	Replan(ctx context.Context, plan *domain.Plan, trigger domain.ReplanTrigger) (*domain.Plan, error)
}

// EventType is the type of a bus event
type EventType string

const (
	EventTypeStageRecorded  EventType = "stage.recorded"
	EventTypeReplanRecorded EventType = "replan.recorded"
	EventTypeTraceCompleted EventType = "trace.completed"
)

// TopicTraces carries every trace event
const TopicTraces = "traces"

// Event is a message published on the event bus
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TraceID   string         `json:"trace_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventHandler handles a single event
type EventHandler func(ctx context.Context, event Event) error

// EventBus publishes and subscribes to events by topic
type EventBus interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// MetricsCollector records orchestration metrics
type MetricsCollector interface {
	RecordToolExecution(tool string, state domain.TaskState, duration time.Duration)
	RecordToolRetry(tool string)
	RecordStage(stage domain.StageName, status domain.DiagnosticStatus, duration time.Duration)
	RecordReplanDecision(trigger domain.TriggerType, allowed bool)
	RecordBudgetExhausted(phase domain.Phase)
	RecordRequest(kind domain.PlanKind, status domain.TraceStatus, duration time.Duration)
	RecordExecutorStatus(capacity, inFlight int)
}
