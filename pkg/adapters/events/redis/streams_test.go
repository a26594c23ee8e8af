package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/aescanero/opsquery/pkg/ports"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGetStreamKey(t *testing.T) {
	assert.Equal(t, "opsquery:events:traces", getStreamKey(ports.TopicTraces))
}

func TestDecodeMessage(t *testing.T) {
	data, err := json.Marshal(ports.Event{ID: "ev-1", Type: ports.EventTypeStageRecorded, TraceID: "t-1"})
	require.NoError(t, err)

	ev, err := decodeMessage(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": string(data)}})
	require.NoError(t, err)
	assert.Equal(t, "ev-1", ev.ID)
	assert.Equal(t, ports.EventTypeStageRecorded, ev.Type)

	_, err = decodeMessage(redis.XMessage{ID: "2-0", Values: map[string]interface{}{}})
	assert.Error(t, err)

	_, err = decodeMessage(redis.XMessage{ID: "3-0", Values: map[string]interface{}{"data": "{"}})
	assert.Error(t, err)
}

func TestNewStreamsEventBus_RequiresGroup(t *testing.T) {
	_, err := NewStreamsEventBus(nil, "", "c-1", 0, nil)
	assert.Error(t, err)
}

func TestStreamsEventBus_Redis(t *testing.T) {
	addr := os.Getenv("OPSQUERY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OPSQUERY_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	topic := "test-" + ulid.Make().String()
	bus, err := NewStreamsEventBus(client, "opsquery-test", "c-1", 1000, zap.NewNop())
	require.NoError(t, err)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan ports.Event, 1)
	require.NoError(t, bus.Subscribe(ctx, topic, func(_ context.Context, ev ports.Event) error {
		received <- ev
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, topic, ports.Event{ID: "ev-1", Type: ports.EventTypeTraceCompleted}))

	select {
	case ev := <-received:
		assert.Equal(t, "ev-1", ev.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	require.NoError(t, bus.Unsubscribe(ctx, topic))
	client.Del(ctx, getStreamKey(topic))
}
