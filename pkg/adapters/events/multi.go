package events

import (
	"context"
	"errors"

	"github.com/aescanero/opsquery/pkg/ports"
)

// MultiBus publishes to every bus and subscribes on the first one.
// It lets a process stream events to local WebSocket clients while
// also publishing them to Redis.
type MultiBus struct {
	buses []ports.EventBus
}

// NewMultiBus creates a bus over buses. The first bus serves subscriptions.
func NewMultiBus(first ports.EventBus, rest ...ports.EventBus) *MultiBus {
	return &MultiBus{buses: append([]ports.EventBus{first}, rest...)}
}

// Publish publishes to every bus and joins their errors
func (m *MultiBus) Publish(ctx context.Context, topic string, event ports.Event) error {
	var errs []error
	for _, bus := range m.buses {
		if err := bus.Publish(ctx, topic, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe subscribes on the first bus
func (m *MultiBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	return m.buses[0].Subscribe(ctx, topic, handler)
}

// Unsubscribe unsubscribes on the first bus
func (m *MultiBus) Unsubscribe(ctx context.Context, topic string) error {
	return m.buses[0].Unsubscribe(ctx, topic)
}

// Close closes every bus
func (m *MultiBus) Close() error {
	var errs []error
	for _, bus := range m.buses {
		if err := bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
