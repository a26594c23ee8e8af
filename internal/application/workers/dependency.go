package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
	"go.uber.org/zap"
)

// ParamResolver resolves a task's output mapping against earlier results
type ParamResolver interface {
	Resolve(toolID string, mapping map[string]any, previous map[string]any) (map[string]any, []domain.Reference)
}

// TaskSpec describes a task before its dependent parameters are known
type TaskSpec struct {
	ToolID        string
	Tool          string
	Params        map[string]any
	OutputMapping map[string]any
	Timeout       time.Duration
}

// DependencyExecutionResult is the outcome of running all groups of a plan
type DependencyExecutionResult struct {
	Groups       []*ExecutionSummary     `json:"groups"`
	Tasks        map[string]*domain.Task `json:"tasks"`
	Order        []string                `json:"order"`
	Previous     map[string]any          `json:"-"`
	References   []domain.Reference      `json:"references"`
	Successful   int                     `json:"successful"`
	Failed       int                     `json:"failed"`
	Total        int                     `json:"total"`
	Aborted      bool                    `json:"aborted"`
	TotalElapsed time.Duration           `json:"-"`
}

// MarshalJSON reports the elapsed time in milliseconds
func (r DependencyExecutionResult) MarshalJSON() ([]byte, error) {
	type result DependencyExecutionResult
	return json.Marshal(struct {
		result
		TotalElapsedMs int64 `json:"total_elapsed_ms"`
	}{result(r), r.TotalElapsed.Milliseconds()})
}

// TimedOut returns the ids of tasks that ended timed out, sorted
func (r *DependencyExecutionResult) TimedOut() []string {
	var ids []string
	for id, t := range r.Tasks {
		if t.State == domain.TaskStateTimedOut {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// FailedTools returns the ids of tasks that did not complete, sorted
func (r *DependencyExecutionResult) FailedTools() []string {
	var ids []string
	for id, t := range r.Tasks {
		if !t.Succeeded() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// TimeOutUnfinished returns a copy of the result where every task cut short
// by cancellation, or never dispatched because of it, is timed out with
// cause. Tools in ids that the result never reached are added timed out.
// Completed tasks and definitive failures are kept as they are.
func (r *DependencyExecutionResult) TimeOutUnfinished(ids []string, cause error, now time.Time) *DependencyExecutionResult {
	out := &DependencyExecutionResult{
		Groups:       r.Groups,
		Tasks:        make(map[string]*domain.Task, len(ids)),
		Previous:     make(map[string]any, len(ids)),
		References:   r.References,
		Aborted:      r.Aborted,
		TotalElapsed: r.TotalElapsed,
	}
	if out.References == nil {
		out.References = []domain.Reference{}
	}

	add := func(task *domain.Task) {
		out.Tasks[task.ToolID] = task
		out.Order = append(out.Order, task.ToolID)
		out.Previous[task.ToolID] = task.Outcome().AsMap()
		out.Total++
		if task.Succeeded() {
			out.Successful++
		} else {
			out.Failed++
		}
	}

	for _, id := range r.Order {
		task, ok := r.Tasks[id]
		if !ok {
			continue
		}
		if _, seen := out.Tasks[id]; seen {
			continue
		}
		if interrupted(task) {
			replaced := timedOutTask(task.ToolID, task.Tool, task.Params, task.StartedAt, cause, now)
			replaced.Attempts = task.Attempts
			task = replaced
		}
		add(task)
	}
	for _, id := range ids {
		if _, ok := out.Tasks[id]; !ok {
			add(timedOutTask(id, id, nil, time.Time{}, cause, now))
		}
	}
	return out
}

// interrupted reports whether a task failed only because its context ended
func interrupted(task *domain.Task) bool {
	if task.Succeeded() || task.State == domain.TaskStateTimedOut {
		return false
	}
	return errors.Is(task.Err, context.Canceled) || errors.Is(task.Err, context.DeadlineExceeded)
}

func timedOutTask(toolID, tool string, params map[string]any, startedAt time.Time, cause error, now time.Time) *domain.Task {
	if startedAt.IsZero() {
		startedAt = now
	}
	task := domain.NewTask(toolID, tool, params, 0, 1)
	_ = task.Start(startedAt)
	_ = task.TimeOut(fmt.Errorf("%s: %w", toolID, cause), now)
	return task
}

// DependencyAwareExecutor runs execution groups in order, gating each task on
// the outcome of its dependencies. It keeps per-plan bookkeeping, so create
// one per plan execution; the embedded ParallelExecutor may be shared.
type DependencyAwareExecutor struct {
	*ParallelExecutor

	resolver ParamResolver

	mu           sync.Mutex
	dependencies map[string][]string
	completed    map[string]bool
	failed       map[string]bool
}

// NewDependencyAwareExecutor wraps a parallel executor with dependency tracking
func NewDependencyAwareExecutor(parallel *ParallelExecutor, resolver ParamResolver) *DependencyAwareExecutor {
	return &DependencyAwareExecutor{
		ParallelExecutor: parallel,
		resolver:         resolver,
		dependencies:     make(map[string][]string),
		completed:        make(map[string]bool),
		failed:           make(map[string]bool),
	}
}

// AddDependency registers the dependencies of a tool
func (e *DependencyAwareExecutor) AddDependency(toolID string, deps []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dependencies[toolID] = append([]string(nil), deps...)
}

// ComputeExecutionOrder groups the registered tools by dependency level
func (e *DependencyAwareExecutor) ComputeExecutionOrder() ([][]string, error) {
	e.mu.Lock()
	deps := make([]domain.ToolDependency, 0, len(e.dependencies))
	for id, on := range e.dependencies {
		deps = append(deps, domain.ToolDependency{ToolID: id, DependsOn: on})
	}
	e.mu.Unlock()

	return domain.NewDependencyGraph(deps).Levels()
}

// Completed returns the sorted ids of tools that completed
func (e *DependencyAwareExecutor) Completed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedKeys(e.completed)
}

// Failed returns the sorted ids of tools that failed for any reason
func (e *DependencyAwareExecutor) Failed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedKeys(e.failed)
}

// ExecutePlan registers the dependencies, computes the groups and runs them
func (e *DependencyAwareExecutor) ExecutePlan(ctx context.Context, tc domain.ToolContext, deps []domain.ToolDependency, specs map[string]TaskSpec) (*DependencyExecutionResult, error) {
	for _, d := range deps {
		e.AddDependency(d.ToolID, d.DependsOn)
	}
	groups, err := e.ComputeExecutionOrder()
	if err != nil {
		return nil, err
	}
	return e.ExecuteGroups(ctx, tc, groups, specs), nil
}

// ExecuteGroups runs the groups in order. Before a group starts, tasks whose
// dependency failed are recorded as failed without being dispatched. Results
// of each group feed the output mappings of later groups. With FailFast the
// remaining groups are aborted after the first failure.
func (e *DependencyAwareExecutor) ExecuteGroups(ctx context.Context, tc domain.ToolContext, groups [][]string, specs map[string]TaskSpec) *DependencyExecutionResult {
	start := time.Now()
	result := &DependencyExecutionResult{
		Groups:     make([]*ExecutionSummary, 0, len(groups)),
		Tasks:      make(map[string]*domain.Task),
		Previous:   make(map[string]any),
		References: []domain.Reference{},
	}

	for i, group := range groups {
		if result.Aborted || ctx.Err() != nil {
			cause := error(domain.ErrAborted)
			if !result.Aborted {
				cause = fmt.Errorf("%w: %w", domain.ErrAborted, ctx.Err())
				result.Aborted = true
			}
			e.skipGroup(group, specs, cause, result)
			continue
		}

		var runnable []*domain.Task
		groupFailed := false

		for _, id := range group {
			spec, ok := specs[id]
			if !ok {
				spec = TaskSpec{ToolID: id}
			}

			if dep := e.failedDependency(id); dep != "" {
				task := e.NewTask(id, spec.Tool, spec.Params, spec.Timeout)
				_ = task.Fail(fmt.Errorf("%s: %w: %s", id, domain.ErrDependencyFailed, dep), nil, time.Now())
				e.record(task, result)
				groupFailed = true
				e.logger.Info("task skipped, dependency failed",
					zap.String("trace_id", tc.TraceID),
					zap.String("tool_id", id),
					zap.String("dependency", dep))
				continue
			}

			params := copyParams(spec.Params)
			if len(spec.OutputMapping) > 0 && e.resolver != nil {
				resolved, refs := e.resolver.Resolve(id, spec.OutputMapping, result.Previous)
				for k, v := range resolved {
					params[k] = v
				}
				result.References = append(result.References, refs...)
			}

			runnable = append(runnable, e.NewTask(id, spec.Tool, params, spec.Timeout))
		}

		summary := e.Execute(ctx, tc, runnable)
		result.Groups = append(result.Groups, summary)
		for _, task := range summary.Results {
			e.record(task, result)
			if !task.Succeeded() {
				groupFailed = true
			}
		}

		e.logger.Debug("execution group done",
			zap.String("trace_id", tc.TraceID),
			zap.Int("group", i),
			zap.Int("size", len(group)),
			zap.Bool("failed", groupFailed))

		if groupFailed && e.cfg.FailFast {
			result.Aborted = true
		}
	}

	result.TotalElapsed = time.Since(start)
	return result
}

// failedDependency returns the first registered dependency of id that failed
func (e *DependencyAwareExecutor) failedDependency(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	deps := append([]string(nil), e.dependencies[id]...)
	sort.Strings(deps)
	for _, dep := range deps {
		if e.failed[dep] {
			return dep
		}
	}
	return ""
}

// skipGroup records every task of a group as aborted
func (e *DependencyAwareExecutor) skipGroup(group []string, specs map[string]TaskSpec, cause error, result *DependencyExecutionResult) {
	for _, id := range group {
		spec := specs[id]
		task := e.NewTask(id, spec.Tool, spec.Params, spec.Timeout)
		_ = task.Fail(fmt.Errorf("%s: %w", id, cause), nil, time.Now())
		e.record(task, result)
	}
}

// record folds a terminal task into the bookkeeping and the result
func (e *DependencyAwareExecutor) record(task *domain.Task, result *DependencyExecutionResult) {
	e.mu.Lock()
	if task.Succeeded() {
		e.completed[task.ToolID] = true
	} else {
		e.failed[task.ToolID] = true
	}
	e.mu.Unlock()

	result.Tasks[task.ToolID] = task
	result.Order = append(result.Order, task.ToolID)
	result.Previous[task.ToolID] = task.Outcome().AsMap()
	result.Total++
	if task.Succeeded() {
		result.Successful++
	} else {
		result.Failed++
	}
}

// IsDependencyFailure reports whether a task failed because of a dependency
func IsDependencyFailure(task *domain.Task) bool {
	return task != nil && errors.Is(task.Err, domain.ErrDependencyFailed)
}

func copyParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
