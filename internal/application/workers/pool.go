package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/aescanero/opsquery/pkg/ports"
	"go.uber.org/zap"
)

// Config holds executor configuration
type Config struct {
	MaxConcurrent   int
	ContinueOnError bool
	FailFast        bool
	TaskTimeout     time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
}

// DefaultConfig returns the default executor configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   5,
		ContinueOnError: true,
		FailFast:        false,
		TaskTimeout:     10 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    100 * time.Millisecond,
	}
}

// TaskError is a per-task failure entry
type TaskError struct {
	ToolID string `json:"tool_id"`
	State  string `json:"state"`
	Error  string `json:"error"`
}

// ExecutionSummary is the outcome of one batch of tasks
type ExecutionSummary struct {
	Successful   int            `json:"successful"`
	Failed       int            `json:"failed"`
	Total        int            `json:"total"`
	Results      []*domain.Task `json:"results"`
	Errors       []TaskError    `json:"errors"`
	TotalElapsed time.Duration  `json:"-"`
}

// MarshalJSON reports the elapsed time in milliseconds
func (s ExecutionSummary) MarshalJSON() ([]byte, error) {
	type summary ExecutionSummary
	return json.Marshal(struct {
		summary
		TotalElapsedMs int64 `json:"total_elapsed_ms"`
	}{summary(s), s.TotalElapsed.Milliseconds()})
}

// ParallelExecutor runs tasks concurrently under a semaphore
type ParallelExecutor struct {
	cfg     Config
	runner  *TaskRunner
	metrics ports.MetricsCollector
	logger  *zap.Logger

	// sem bounds in-flight tool calls across every batch run by this executor
	sem      chan struct{}
	inFlight atomic.Int64
}

// NewParallelExecutor creates a parallel executor
func NewParallelExecutor(
	executor ports.ToolExecutor,
	cfg Config,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *ParallelExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}

	return &ParallelExecutor{
		cfg:     cfg,
		runner:  NewTaskRunner(executor, cfg.RetryBackoff, metrics, logger),
		metrics: metrics,
		logger:  logger,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Config returns the executor configuration
func (p *ParallelExecutor) Config() Config {
	return p.cfg
}

// NewTask builds a pending task with the executor's default timeout and retries
func (p *ParallelExecutor) NewTask(toolID, tool string, params map[string]any, timeout time.Duration) *domain.Task {
	if timeout <= 0 {
		timeout = p.cfg.TaskTimeout
	}
	return domain.NewTask(toolID, tool, params, timeout, p.cfg.MaxRetries)
}

// Capacity returns the semaphore size
func (p *ParallelExecutor) Capacity() int {
	return cap(p.sem)
}

// InFlight returns the number of tasks currently holding a slot
func (p *ParallelExecutor) InFlight() int {
	return int(p.inFlight.Load())
}

// Execute dispatches every task concurrently, bounded by MaxConcurrent.
// A failing task never cancels its siblings. With ContinueOnError=false no
// new task is dispatched after the first failure; those tasks are reported
// as failed with ErrDispatchHalted.
func (p *ParallelExecutor) Execute(ctx context.Context, tc domain.ToolContext, tasks []*domain.Task) *ExecutionSummary {
	start := time.Now()

	var halted atomic.Bool
	var wg sync.WaitGroup

	for _, task := range tasks {
		if !p.cfg.ContinueOnError && halted.Load() {
			p.halt(task, domain.ErrDispatchHalted)
			continue
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			p.halt(task, fmt.Errorf("%w: %w", domain.ErrDispatchHalted, ctx.Err()))
			continue
		}

		// a sibling may have failed while we waited for a slot
		if !p.cfg.ContinueOnError && halted.Load() {
			<-p.sem
			p.halt(task, domain.ErrDispatchHalted)
			continue
		}

		wg.Add(1)
		go func(t *domain.Task) {
			defer wg.Done()
			defer p.release()
			p.acquire()

			p.run(ctx, tc, t)
			if !t.Succeeded() {
				halted.Store(true)
			}
		}(task)
	}

	wg.Wait()

	summary := summarize(tasks)
	summary.TotalElapsed = time.Since(start)

	p.logger.Info("execution group finished",
		zap.String("trace_id", tc.TraceID),
		zap.Int("total", summary.Total),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", summary.TotalElapsed))

	return summary
}

// run executes one task, converting a runner panic into a task failure
func (p *ParallelExecutor) run(ctx context.Context, tc domain.ToolContext, task *domain.Task) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("task runner panicked",
				zap.String("tool_id", task.ToolID),
				zap.Any("panic", rec))
			if !task.State.IsTerminal() {
				_ = task.Fail(fmt.Errorf("%w: %v", domain.ErrToolPanicked, rec), nil, time.Now())
			}
		}
	}()
	p.runner.Run(ctx, tc, task)
}

func (p *ParallelExecutor) acquire() {
	n := p.inFlight.Add(1)
	if p.metrics != nil {
		p.metrics.RecordExecutorStatus(p.Capacity(), int(n))
	}
}

func (p *ParallelExecutor) release() {
	n := p.inFlight.Add(-1)
	<-p.sem
	if p.metrics != nil {
		p.metrics.RecordExecutorStatus(p.Capacity(), int(n))
	}
}

// halt records a task that was never dispatched
func (p *ParallelExecutor) halt(task *domain.Task, err error) {
	_ = task.Fail(fmt.Errorf("%s: %w", task.ToolID, err), nil, time.Now())
	p.logger.Debug("task not dispatched",
		zap.String("tool_id", task.ToolID),
		zap.Error(err))
}

// summarize counts outcomes in input order
func summarize(tasks []*domain.Task) *ExecutionSummary {
	summary := &ExecutionSummary{
		Total:   len(tasks),
		Results: tasks,
		Errors:  []TaskError{},
	}
	for _, t := range tasks {
		if t.Succeeded() {
			summary.Successful++
			continue
		}
		summary.Failed++
		summary.Errors = append(summary.Errors, TaskError{
			ToolID: t.ToolID,
			State:  string(t.State),
			Error:  t.ErrorString(),
		})
	}
	return summary
}
