package events

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/aescanero/opsquery/pkg/ports"
	"github.com/oklog/ulid/v2"
)

// PublishingSink forwards stage records and replan events to an optional
// inner sink and publishes each one on TopicTraces.
type PublishingSink struct {
	next ports.TraceSink
	bus  ports.EventBus
}

// NewPublishingSink creates a sink publishing on bus. next may be nil.
func NewPublishingSink(next ports.TraceSink, bus ports.EventBus) *PublishingSink {
	return &PublishingSink{next: next, bus: bus}
}

// RecordStage records rec and publishes a stage.recorded event
func (s *PublishingSink) RecordStage(ctx context.Context, rec domain.StageRecord) error {
	if s.next != nil {
		if err := s.next.RecordStage(ctx, rec); err != nil {
			return err
		}
	}

	return s.publish(ctx, ports.Event{
		Type:    ports.EventTypeStageRecorded,
		TraceID: rec.TraceID,
		Data: map[string]any{
			"stage":       string(rec.Input.StageName),
			"attempt":     rec.Attempt,
			"status":      string(rec.Output.Diagnostics.Status),
			"duration_ms": rec.Output.DurationMs,
			"warnings":    rec.Output.Diagnostics.Warnings,
			"errors":      rec.Output.Diagnostics.Errors,
		},
	})
}

// RecordReplan records ev and publishes a replan.recorded event
func (s *PublishingSink) RecordReplan(ctx context.Context, ev domain.ReplanEvent) error {
	if s.next != nil {
		if err := s.next.RecordReplan(ctx, ev); err != nil {
			return err
		}
	}

	return s.publish(ctx, ports.Event{
		Type:    ports.EventTypeReplanRecorded,
		TraceID: ev.TraceID,
		Data: map[string]any{
			"replan_id":  ev.ID,
			"event_type": ev.EventType,
			"stage":      string(ev.StageName),
			"trigger":    string(ev.Trigger.Type),
			"severity":   string(ev.Trigger.Severity),
			"reason":     ev.Trigger.Reason,
		},
	})
}

func (s *PublishingSink) publish(ctx context.Context, event ports.Event) error {
	if s.bus == nil {
		return nil
	}

	event.ID = ulid.Make().String()
	event.Timestamp = time.Now()
	if err := s.bus.Publish(ctx, ports.TopicTraces, event); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}
