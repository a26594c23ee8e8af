package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/opsquery/internal/application/controlloop"
	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/aescanero/opsquery/pkg/ports"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// QueryRequest is one query submitted for orchestration
type QueryRequest struct {
	SessionID string       `json:"session_id"`
	TenantID  string       `json:"tenant_id"`
	RequestID string       `json:"request_id,omitempty"`
	Plan      *domain.Plan `json:"plan" binding:"required"`
}

// Manager coordinates request execution
type Manager struct {
	factory  *Factory
	store    ports.TraceStore
	eventBus ports.EventBus
	logger   *zap.Logger

	// Track active requests
	requests sync.Map // map[string]*requestContext
}

// requestContext holds state for a single in-flight request
type requestContext struct {
	traceID    string
	sessionID  string
	startedAt  time.Time
	cancelFunc context.CancelFunc
}

// NewManager creates a new request manager. eventBus may be nil.
func NewManager(factory *Factory, store ports.TraceStore, eventBus ports.EventBus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		factory:  factory,
		store:    store,
		eventBus: eventBus,
		logger:   logger,
	}
}

// Submit runs a query to completion and stores its trace. The trace is
// returned together with the error of a pipeline that stopped early.
func (m *Manager) Submit(ctx context.Context, req QueryRequest) (*domain.Trace, error) {
	if req.Plan == nil {
		return nil, fmt.Errorf("%w: plan is required", domain.ErrInvalidPlan)
	}

	tc := domain.ToolContext{
		TenantID:  req.TenantID,
		TraceID:   uuid.New().String(),
		RequestID: req.RequestID,
	}
	if tc.RequestID == "" {
		tc.RequestID = uuid.New().String()
	}

	orch, err := m.factory.New(req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.requests.Store(tc.TraceID, &requestContext{
		traceID:    tc.TraceID,
		sessionID:  req.SessionID,
		startedAt:  time.Now(),
		cancelFunc: cancel,
	})
	defer m.requests.Delete(tc.TraceID)

	m.logger.Info("query submitted",
		zap.String("trace_id", tc.TraceID),
		zap.String("request_id", tc.RequestID),
		zap.String("session_id", req.SessionID),
		zap.String("plan_kind", string(req.Plan.Kind)))

	trace, runErr := orch.Run(runCtx, tc, req.Plan)

	// the trace is kept even when the caller went away
	saveCtx := context.WithoutCancel(ctx)
	if err := m.store.SaveTrace(saveCtx, trace); err != nil {
		m.logger.Error("failed to save trace",
			zap.String("trace_id", trace.TraceID),
			zap.Error(err))
	}
	m.publishCompleted(saveCtx, trace)

	return trace, runErr
}

// publishCompleted announces a finished trace on the event bus
func (m *Manager) publishCompleted(ctx context.Context, trace *domain.Trace) {
	if m.eventBus == nil {
		return
	}

	event := ports.Event{
		ID:        ulid.Make().String(),
		Type:      ports.EventTypeTraceCompleted,
		Timestamp: time.Now(),
		TraceID:   trace.TraceID,
		Data: map[string]any{
			"status":           trace.Status,
			"session_id":       trace.SessionID,
			"successful_tools": trace.SuccessfulTools,
			"failed_tools":     trace.FailedTools,
			"replans":          len(trace.Replans),
		},
	}
	if err := m.eventBus.Publish(ctx, ports.TopicTraces, event); err != nil {
		m.logger.Error("failed to publish trace completed event",
			zap.String("trace_id", trace.TraceID),
			zap.Error(err))
	}
}

// GetTrace retrieves a stored trace
func (m *Manager) GetTrace(ctx context.Context, traceID string) (*domain.Trace, error) {
	trace, err := m.store.GetTrace(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trace: %w", err)
	}
	return trace, nil
}

// ListTraces returns the ids of stored traces
func (m *Manager) ListTraces(ctx context.Context) ([]string, error) {
	return m.store.ListTraces(ctx)
}

// Cancel cancels an in-flight request
func (m *Manager) Cancel(traceID string) error {
	val, ok := m.requests.Load(traceID)
	if !ok {
		return fmt.Errorf("%w: %s is not running", domain.ErrTraceNotFound, traceID)
	}

	rc := val.(*requestContext)
	rc.cancelFunc()

	m.logger.Info("request cancelled",
		zap.String("trace_id", traceID),
		zap.String("session_id", rc.sessionID),
		zap.Duration("running_for", time.Since(rc.startedAt)))
	return nil
}

// Active returns the trace ids of in-flight requests
func (m *Manager) Active() []string {
	var ids []string
	m.requests.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// ControlLoopStats returns the control loop counters of a session
func (m *Manager) ControlLoopStats(sessionID string) (controlloop.Stats, bool) {
	sessions := m.factory.Sessions()
	if sessions == nil {
		return controlloop.Stats{}, false
	}
	rt, ok := sessions.Lookup(sessionID)
	if !ok {
		return controlloop.Stats{}, false
	}
	return rt.Stats(), true
}

// ForgetSession drops the control loop runtime of a session
func (m *Manager) ForgetSession(sessionID string) bool {
	sessions := m.factory.Sessions()
	if sessions == nil {
		return false
	}
	return sessions.Forget(sessionID)
}

// Shutdown cancels every in-flight request
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down request manager")

	m.requests.Range(func(_, value any) bool {
		value.(*requestContext).cancelFunc()
		return true
	})

	m.logger.Info("request manager shut down complete")
	return nil
}
