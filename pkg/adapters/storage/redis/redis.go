package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "opsquery:trace:"

// TraceStore implements ports.TraceStore using Redis.
//
// A saved trace is one JSON string. Stages and replans recorded while the
// request runs are appended to per-trace lists so they can be read before
// the trace is saved.
type TraceStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewTraceStore creates a new Redis trace store. A zero ttl keeps keys forever.
func NewTraceStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *TraceStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TraceStore{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// RecordStage appends a stage record to the trace's stage list
func (s *TraceStore) RecordStage(ctx context.Context, rec domain.StageRecord) error {
	if rec.TraceID == "" {
		return fmt.Errorf("stage record has no trace id")
	}
	return s.push(ctx, getStagesKey(rec.TraceID), rec)
}

// RecordReplan appends a replan event to the trace's replan list
func (s *TraceStore) RecordReplan(ctx context.Context, ev domain.ReplanEvent) error {
	if ev.TraceID == "" {
		return fmt.Errorf("replan event has no trace id")
	}
	return s.push(ctx, getReplansKey(ev.TraceID), ev)
}

func (s *TraceStore) push(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", key, err)
	}
	return nil
}

// SaveTrace stores a whole trace and drops its live lists
func (s *TraceStore) SaveTrace(ctx context.Context, trace *domain.Trace) error {
	if trace == nil || trace.TraceID == "" {
		return fmt.Errorf("trace has no id")
	}

	data, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, getTraceKey(trace.TraceID), data, s.ttl)
		pipe.Del(ctx, getStagesKey(trace.TraceID), getReplansKey(trace.TraceID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save trace: %w", err)
	}

	s.logger.Debug("trace saved",
		zap.String("trace_id", trace.TraceID),
		zap.String("status", string(trace.Status)),
		zap.Int("stages", len(trace.Stages)))

	return nil
}

// GetTrace retrieves a saved trace, or the live records of a running one
func (s *TraceStore) GetTrace(ctx context.Context, traceID string) (*domain.Trace, error) {
	data, err := s.client.Get(ctx, getTraceKey(traceID)).Bytes()
	if err == nil {
		var trace domain.Trace
		if err := json.Unmarshal(data, &trace); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trace: %w", err)
		}
		return &trace, nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("failed to get trace: %w", err)
	}

	return s.liveTrace(ctx, traceID)
}

func (s *TraceStore) liveTrace(ctx context.Context, traceID string) (*domain.Trace, error) {
	var stages, replans *redis.StringSliceCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		stages = pipe.LRange(ctx, getStagesKey(traceID), 0, -1)
		replans = pipe.LRange(ctx, getReplansKey(traceID), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read live trace: %w", err)
	}
	if len(stages.Val()) == 0 && len(replans.Val()) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrTraceNotFound, traceID)
	}

	trace := &domain.Trace{
		TraceID: traceID,
		Status:  domain.TraceStatusRunning,
		Stages:  make([]domain.StageRecord, 0, len(stages.Val())),
		Replans: make([]domain.ReplanEvent, 0, len(replans.Val())),
	}
	for _, raw := range stages.Val() {
		var rec domain.StageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn("skipping malformed stage record",
				zap.String("trace_id", traceID),
				zap.Error(err))
			continue
		}
		trace.AppendStage(rec)
	}
	for _, raw := range replans.Val() {
		var ev domain.ReplanEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			s.logger.Warn("skipping malformed replan event",
				zap.String("trace_id", traceID),
				zap.Error(err))
			continue
		}
		trace.AppendReplan(ev)
	}
	if len(trace.Stages) > 0 {
		trace.StartedAt = trace.Stages[0].RecordedAt
	}
	return trace, nil
}

// ListTraces returns the ids of saved and running traces in sorted order
func (s *TraceStore) ListTraces(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var cursor uint64

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan traces: %w", err)
		}

		for _, key := range keys {
			if id := traceIDFromKey(key); id != "" {
				seen[id] = struct{}{}
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// traceIDFromKey strips the prefix and any list suffix from a key
func traceIDFromKey(key string) string {
	id := strings.TrimPrefix(key, keyPrefix)
	id = strings.TrimSuffix(id, ":stages")
	id = strings.TrimSuffix(id, ":replans")
	return id
}

func getTraceKey(traceID string) string {
	return fmt.Sprintf("%s%s", keyPrefix, traceID)
}

func getStagesKey(traceID string) string {
	return fmt.Sprintf("%s%s:stages", keyPrefix, traceID)
}

func getReplansKey(traceID string) string {
	return fmt.Sprintf("%s%s:replans", keyPrefix, traceID)
}
