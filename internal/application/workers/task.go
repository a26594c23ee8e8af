package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/aescanero/opsquery/pkg/ports"
	"go.uber.org/zap"
)

// TaskRunner drives a single task through its attempts
type TaskRunner struct {
	executor ports.ToolExecutor
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	backoff  time.Duration
	now      func() time.Time
}

// NewTaskRunner creates a task runner. backoff is the linear retry step:
// attempt n waits (n-1) * backoff before starting.
func NewTaskRunner(executor ports.ToolExecutor, backoff time.Duration, metrics ports.MetricsCollector, logger *zap.Logger) *TaskRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskRunner{
		executor: executor,
		metrics:  metrics,
		logger:   logger,
		backoff:  backoff,
		now:      time.Now,
	}
}

// attemptOutcome is what one attempt produced
type attemptOutcome struct {
	result domain.ToolResult
	err    error
}

// Run executes the task until it succeeds, fails definitively or runs out of
// attempts. Executor errors and timeouts are retried; a result with
// Success=false is final. The task always ends in a terminal state.
func (r *TaskRunner) Run(ctx context.Context, tc domain.ToolContext, task *domain.Task) {
	if err := task.Start(r.now()); err != nil {
		r.logger.Error("task not runnable", zap.String("tool_id", task.ToolID), zap.Error(err))
		return
	}

	attempts := task.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	lastTimedOut := false

	for attempt := 1; attempt <= attempts; attempt++ {
		task.Attempts = attempt

		if attempt > 1 {
			if r.metrics != nil {
				r.metrics.RecordToolRetry(task.Tool)
			}
			if err := r.wait(ctx, time.Duration(attempt-1)*r.backoff); err != nil {
				lastErr = fmt.Errorf("%w: %s: %w", domain.ErrTaskFailed, task.ToolID, err)
				break
			}
		}

		result, timedOut, err := r.attempt(ctx, tc, task)
		if err == nil {
			if result.Success {
				_ = task.Complete(result, r.now())
				r.finish(task)
				return
			}
			_ = task.Fail(fmt.Errorf("%w: %s: %s", domain.ErrTaskFailed, task.ToolID, result.Error), &result, r.now())
			r.finish(task)
			return
		}

		lastErr = err
		lastTimedOut = timedOut
		r.logger.Debug("task attempt failed",
			zap.String("tool_id", task.ToolID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Bool("timed_out", timedOut),
			zap.Error(err))

		if ctx.Err() != nil {
			break
		}
	}

	if lastTimedOut {
		_ = task.TimeOut(lastErr, r.now())
	} else {
		_ = task.Fail(lastErr, nil, r.now())
	}
	r.finish(task)
}

// attempt runs one executor call raced against the task timeout. On timeout
// the call's context is cancelled and the call is abandoned.
func (r *TaskRunner) attempt(ctx context.Context, tc domain.ToolContext, task *domain.Task) (domain.ToolResult, bool, error) {
	attemptCtx := ctx
	cancel := func() {}
	if task.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	defer cancel()

	call := domain.ToolCall{
		ToolID:  task.ToolID,
		Tool:    task.Tool,
		Context: tc,
		Params:  task.Params,
	}

	startedAt := r.now()
	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- attemptOutcome{err: fmt.Errorf("%w: %v", domain.ErrToolPanicked, rec)}
			}
		}()
		res, err := r.executor.Execute(attemptCtx, call)
		done <- attemptOutcome{result: res, err: err}
	}()

	timeoutErr := func() error {
		return &domain.TimeoutError{
			Phase:   domain.PhaseExecute,
			Tool:    task.ToolID,
			Elapsed: r.now().Sub(startedAt),
			Limit:   task.Timeout,
		}
	}

	select {
	case out := <-done:
		if out.err == nil {
			return out.result, false, nil
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return domain.ToolResult{}, true, timeoutErr()
		}
		return domain.ToolResult{}, false, fmt.Errorf("%w: %s: %w", domain.ErrTaskFailed, task.ToolID, out.err)
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return domain.ToolResult{}, true, timeoutErr()
		}
		return domain.ToolResult{}, false, fmt.Errorf("%w: %s: %w", domain.ErrTaskFailed, task.ToolID, attemptCtx.Err())
	}
}

// wait sleeps for d unless ctx ends first
func (r *TaskRunner) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish logs and records metrics for a terminal task
func (r *TaskRunner) finish(task *domain.Task) {
	if r.metrics != nil {
		r.metrics.RecordToolExecution(task.Tool, task.State, task.Elapsed)
	}

	if task.Succeeded() {
		r.logger.Debug("task completed",
			zap.String("tool_id", task.ToolID),
			zap.String("tool", task.Tool),
			zap.Int("attempts", task.Attempts),
			zap.Duration("elapsed", task.Elapsed))
		return
	}

	r.logger.Warn("task did not complete",
		zap.String("tool_id", task.ToolID),
		zap.String("tool", task.Tool),
		zap.String("state", string(task.State)),
		zap.Int("attempts", task.Attempts),
		zap.Duration("elapsed", task.Elapsed),
		zap.String("error", task.ErrorString()))
}
