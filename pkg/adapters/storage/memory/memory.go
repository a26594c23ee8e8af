package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/opsquery/pkg/domain"
)

// TraceStore implements ports.TraceStore in memory.
// Stages and replans recorded before SaveTrace are readable as a running trace.
type TraceStore struct {
	traces  map[string]*domain.Trace
	pending map[string]*domain.Trace
	mu      sync.RWMutex
}

// NewTraceStore creates a new in-memory trace store
func NewTraceStore() *TraceStore {
	return &TraceStore{
		traces:  make(map[string]*domain.Trace),
		pending: make(map[string]*domain.Trace),
	}
}

// RecordStage appends a stage record to the live trace
func (s *TraceStore) RecordStage(ctx context.Context, rec domain.StageRecord) error {
	if rec.TraceID == "" {
		return fmt.Errorf("stage record has no trace id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.live(rec.TraceID).AppendStage(rec)
	return nil
}

// RecordReplan appends a replan event to the live trace
func (s *TraceStore) RecordReplan(ctx context.Context, ev domain.ReplanEvent) error {
	if ev.TraceID == "" {
		return fmt.Errorf("replan event has no trace id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.live(ev.TraceID).AppendReplan(ev)
	return nil
}

// live returns the running trace for id. Caller must hold the write lock.
func (s *TraceStore) live(id string) *domain.Trace {
	t, ok := s.pending[id]
	if !ok {
		t = &domain.Trace{
			TraceID: id,
			Status:  domain.TraceStatusRunning,
			Stages:  []domain.StageRecord{},
			Replans: []domain.ReplanEvent{},
		}
		s.pending[id] = t
	}
	return t
}

// SaveTrace stores a trace, replacing any live records for it
func (s *TraceStore) SaveTrace(ctx context.Context, trace *domain.Trace) error {
	if trace == nil || trace.TraceID == "" {
		return fmt.Errorf("trace has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.traces[trace.TraceID] = copyTrace(trace)
	delete(s.pending, trace.TraceID)
	return nil
}

// GetTrace retrieves a trace
func (s *TraceStore) GetTrace(ctx context.Context, traceID string) (*domain.Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.traces[traceID]; ok {
		return copyTrace(t), nil
	}
	if t, ok := s.pending[traceID]; ok {
		return copyTrace(t), nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrTraceNotFound, traceID)
}

// ListTraces returns every known trace id in sorted order
func (s *TraceStore) ListTraces(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.traces)+len(s.pending))
	for id := range s.traces {
		ids = append(ids, id)
	}
	for id := range s.pending {
		if _, saved := s.traces[id]; !saved {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func copyTrace(t *domain.Trace) *domain.Trace {
	cp := *t
	cp.Stages = append([]domain.StageRecord{}, t.Stages...)
	cp.Replans = append([]domain.ReplanEvent{}, t.Replans...)
	if t.PhaseTimesMs != nil {
		cp.PhaseTimesMs = make(map[domain.Phase]int64, len(t.PhaseTimesMs))
		for k, v := range t.PhaseTimesMs {
			cp.PhaseTimesMs[k] = v
		}
	}
	return &cp
}
