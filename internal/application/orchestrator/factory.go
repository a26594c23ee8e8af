package orchestrator

import (
	"github.com/aescanero/opsquery/internal/application/budget"
	"github.com/aescanero/opsquery/internal/application/controlloop"
	"github.com/aescanero/opsquery/internal/application/workers"
	"github.com/aescanero/opsquery/pkg/ports"
	"go.uber.org/zap"
)

// Factory builds one StageOrchestrator per request. The parallel executor
// is shared by every request; each orchestrator gets a new TimeoutBudget
// and the control loop runtime of its session.
type Factory struct {
	executor  *workers.ParallelExecutor
	budgetCfg budget.Config
	sessions  *controlloop.Registry
	replanner ports.Replanner
	sink      ports.TraceSink
	metrics   ports.MetricsCollector
	logger    *zap.Logger
}

// FactoryOption customizes a Factory
type FactoryOption func(*Factory)

// WithReplanner enables replanning through r
func WithReplanner(r ports.Replanner) FactoryOption {
	return func(f *Factory) {
		f.replanner = r
	}
}

// WithSink sends stage records and replan events to s
func WithSink(s ports.TraceSink) FactoryOption {
	return func(f *Factory) {
		f.sink = s
	}
}

// WithMetrics records orchestration metrics through m
func WithMetrics(m ports.MetricsCollector) FactoryOption {
	return func(f *Factory) {
		f.metrics = m
	}
}

// NewFactory creates a factory. sessions may be nil, which disables replanning.
func NewFactory(executor *workers.ParallelExecutor, budgetCfg budget.Config, sessions *controlloop.Registry, logger *zap.Logger, opts ...FactoryOption) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{
		executor:  executor,
		budgetCfg: budgetCfg,
		sessions:  sessions,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// New builds an orchestrator for one request of the given session
func (f *Factory) New(sessionID string) (*StageOrchestrator, error) {
	var runtime *controlloop.Runtime
	if f.sessions != nil && sessionID != "" {
		runtime = f.sessions.Get(sessionID)
	}

	return NewStageOrchestrator(Dependencies{
		SessionID: sessionID,
		Executor:  f.executor,
		Budget:    budget.New(f.budgetCfg),
		Runtime:   runtime,
		Replanner: f.replanner,
		Sink:      f.sink,
		Metrics:   f.metrics,
		Logger:    f.logger.With(zap.String("session_id", sessionID)),
	})
}

// Sessions returns the control loop registry
func (f *Factory) Sessions() *controlloop.Registry {
	return f.sessions
}

// Executor returns the shared parallel executor
func (f *Factory) Executor() *workers.ParallelExecutor {
	return f.executor
}
