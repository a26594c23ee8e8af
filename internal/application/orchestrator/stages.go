package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aescanero/opsquery/internal/application/budget"
	"github.com/aescanero/opsquery/internal/application/controlloop"
	"github.com/aescanero/opsquery/internal/application/workers"
	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/aescanero/opsquery/pkg/ports"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// stagePhases maps the budgeted stages to their phase. validate and present
// only check the total budget.
var stagePhases = map[domain.StageName]domain.Phase{
	domain.StageRoutePlan: domain.PhasePlan,
	domain.StageExecute:   domain.PhaseExecute,
	domain.StageCompose:   domain.PhaseCompose,
}

// drainTimeout bounds the wait for cancelled tasks after the execute phase
// times out
const drainTimeout = 250 * time.Millisecond

// Dependencies are the collaborators of a StageOrchestrator. Runtime,
// Replanner, Sink and Metrics may be nil; replanning needs both Runtime
// and Replanner.
type Dependencies struct {
	SessionID string
	Executor  *workers.ParallelExecutor
	Budget    *budget.TimeoutBudget
	Runtime   *controlloop.Runtime
	Replanner ports.Replanner
	Sink      ports.TraceSink
	Metrics   ports.MetricsCollector
	Logger    *zap.Logger
}

// StageOrchestrator drives one request through route_plan, validate,
// execute, compose and present. It owns the request's TimeoutBudget, so
// build a fresh one for every request.
type StageOrchestrator struct {
	analyzer  *DependencyAnalyzer
	planner   *ExecutionPlanner
	mapper    *DataFlowMapper
	validator *Validator

	sessionID string
	executor  *workers.ParallelExecutor
	budget    *budget.TimeoutBudget
	runtime   *controlloop.Runtime
	replanner ports.Replanner
	sink      ports.TraceSink
	metrics   ports.MetricsCollector
	logger    *zap.Logger
	now       func() time.Time
}

// NewStageOrchestrator creates a stage orchestrator
func NewStageOrchestrator(d Dependencies) (*StageOrchestrator, error) {
	if d.Executor == nil {
		return nil, errors.New("orchestrator: executor is required")
	}
	if d.Budget == nil {
		return nil, errors.New("orchestrator: budget is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	return &StageOrchestrator{
		analyzer:  NewDependencyAnalyzer(d.Logger),
		planner:   NewExecutionPlanner(d.Logger),
		mapper:    NewDataFlowMapper(),
		validator: NewValidator(),
		sessionID: d.SessionID,
		executor:  d.Executor,
		budget:    d.Budget,
		runtime:   d.Runtime,
		replanner: d.Replanner,
		sink:      d.Sink,
		metrics:   d.Metrics,
		logger:    d.Logger,
		now:       time.Now,
	}, nil
}

// Budget returns the request budget
func (o *StageOrchestrator) Budget() *budget.TimeoutBudget {
	return o.budget
}

// run is the state of one pass through the pipeline
type run struct {
	ctx     context.Context
	tc      domain.ToolContext
	trace   *domain.Trace
	plan    *domain.Plan
	attempt int
	prev    map[string]any
}

// stageResult is what a stage body hands back for recording
type stageResult struct {
	result      map[string]any
	collections map[string]any
	failures    []string
	refs        []domain.Reference
	skipped     bool
}

// schedule is the output of the validate stage
type schedule struct {
	deps     []domain.ToolDependency
	strategy Strategy
	groups   [][]string
}

// execution is the output of the execute stage
type execution struct {
	result       *workers.DependencyExecutionResult
	phaseTimeout error
}

// Run executes the pipeline for plan. The returned trace is always non-nil.
// A non-nil error means the pipeline stopped early: the plan was invalid,
// its dependencies form a cycle, the total budget ran out or ctx ended.
func (o *StageOrchestrator) Run(ctx context.Context, tc domain.ToolContext, plan *domain.Plan) (*domain.Trace, error) {
	if tc.TraceID == "" {
		tc.TraceID = uuid.New().String()
	}
	kind := plan.GetKind()

	r := &run{
		ctx:   ctx,
		tc:    tc,
		trace: domain.NewTrace(tc.TraceID, tc, kind, o.now()),
		plan:  plan,
	}
	r.trace.SessionID = o.sessionID

	o.logger.Info("request started",
		zap.String("trace_id", tc.TraceID),
		zap.String("request_id", tc.RequestID),
		zap.String("plan_kind", string(kind)))

	if err := o.routePlan(r); err != nil {
		return o.fail(r, err)
	}

	switch plan.Kind {
	case domain.PlanKindDirect, domain.PlanKindReject:
		return o.runShortCircuit(r)
	default:
		return o.runPlan(r)
	}
}

// routePlan validates the plan under the plan phase
func (o *StageOrchestrator) routePlan(r *run) error {
	var stageErr error
	o.stage(r, domain.StageRoutePlan, map[string]any{"query": r.plan.GetQuery()}, func() stageResult {
		stageErr = o.budget.ExecuteWithTimeout(r.ctx, domain.PhasePlan, func(context.Context) error {
			return o.validator.Validate(r.plan)
		})

		result := map[string]any{
			"kind":  r.plan.GetKind(),
			"tools": r.plan.ToolIDs(),
		}
		if stageErr != nil {
			result["error"] = stageErr.Error()
		}
		return stageResult{result: result, collections: map[string]any{}}
	})
	return stageErr
}

// runShortCircuit records the skipped stages of a DIRECT or REJECT plan
// and presents the planner's answer
func (o *StageOrchestrator) runShortCircuit(r *run) (*domain.Trace, error) {
	for _, name := range []domain.StageName{domain.StageValidate, domain.StageExecute, domain.StageCompose} {
		o.stage(r, name, nil, func() stageResult {
			return stageResult{
				result:  map[string]any{"reason": domain.ReasonSkipped, "plan_kind": r.plan.Kind},
				skipped: true,
			}
		})
	}

	var fatal error
	o.stage(r, domain.StagePresent, nil, func() stageResult {
		if fatal = o.budget.CheckTotalTimeout(); fatal != nil {
			return stageResult{result: map[string]any{"error": fatal.Error()}}
		}
		final := map[string]any{"kind": r.plan.Kind}
		if r.plan.Kind == domain.PlanKindDirect {
			final["answer"] = r.plan.Answer
		} else {
			final["reason"] = r.plan.RejectReason
		}
		r.trace.Final = final
		return stageResult{result: final, collections: map[string]any{}}
	})
	if fatal != nil {
		return o.fail(r, fatal)
	}

	status := domain.TraceStatusCompleted
	if r.plan.Kind == domain.PlanKindReject {
		status = domain.TraceStatusRejected
	}
	return o.finish(r, status), nil
}

// runPlan runs validate and execute, replanning while the control loop
// allows it, then composes and presents the results
func (o *StageOrchestrator) runPlan(r *run) (*domain.Trace, error) {
	var (
		sched *schedule
		exec  *execution
		err   error
	)
	for {
		if sched, err = o.validate(r); err != nil {
			return o.fail(r, err)
		}
		if exec, err = o.execute(r, sched); err != nil {
			return o.fail(r, err)
		}

		trigger, ok := o.detectTrigger(exec)
		if !ok || !o.replan(r, trigger) {
			break
		}
		r.attempt++
	}

	composed := o.compose(r, exec)

	if err := o.present(r, sched, exec, composed); err != nil {
		return o.fail(r, err)
	}

	res := exec.result
	r.trace.SuccessfulTools = res.Successful
	r.trace.FailedTools = res.Failed

	status := domain.TraceStatusCompleted
	switch {
	case res.Failed > 0 && res.Successful > 0:
		status = domain.TraceStatusPartial
	case res.Failed > 0:
		status = domain.TraceStatusFailed
	}
	return o.finish(r, status), nil
}

// validate extracts the dependencies and builds the execution groups
func (o *StageOrchestrator) validate(r *run) (*schedule, error) {
	var (
		sched    *schedule
		stageErr error
	)
	o.stage(r, domain.StageValidate, map[string]any{"tools": r.plan.ToolIDs()}, func() stageResult {
		if stageErr = o.budget.CheckTotalTimeout(); stageErr != nil {
			return stageResult{result: map[string]any{"error": stageErr.Error()}}
		}

		deps, err := o.analyzer.ExtractDependencies(r.plan)
		if err != nil {
			stageErr = err
			return stageResult{result: map[string]any{"error": err.Error()}}
		}
		strategy, groups, err := o.planner.Plan(deps)
		if err != nil {
			stageErr = err
			return stageResult{result: map[string]any{"error": err.Error(), "dependencies": deps}}
		}

		sched = &schedule{deps: deps, strategy: strategy, groups: groups}
		return stageResult{
			result: map[string]any{
				"strategy":     strategy,
				"groups":       groups,
				"dependencies": deps,
			},
			collections: map[string]any{"groups": groups},
		}
	})
	return sched, stageErr
}

// execute runs the groups under the execute phase. A phase timeout is not
// fatal: tools that finished keep their results, the rest are reported
// timed out and the pipeline continues.
func (o *StageOrchestrator) execute(r *run, sched *schedule) (*execution, error) {
	var (
		exec  *execution
		fatal error
	)
	params := map[string]any{"strategy": sched.strategy, "groups": sched.groups}

	o.stage(r, domain.StageExecute, params, func() stageResult {
		dae := workers.NewDependencyAwareExecutor(o.executor, o.mapper)
		for _, d := range sched.deps {
			dae.AddDependency(d.ToolID, d.DependsOn)
		}
		specs := taskSpecs(r.plan, sched.deps)

		partial := make(chan *workers.DependencyExecutionResult, 1)
		err := o.budget.ExecuteWithTimeout(r.ctx, domain.PhaseExecute, func(ctx context.Context) error {
			partial <- dae.ExecuteGroups(ctx, r.tc, sched.groups, specs)
			return nil
		})

		exec = &execution{}
		switch {
		case err == nil:
			exec.result = <-partial
		case domain.IsFatal(err) || r.ctx.Err() != nil:
			fatal = err
			o.recordTimeout(err)
			return stageResult{result: map[string]any{"error": err.Error()}}
		default:
			o.recordTimeout(err)
			exec.phaseTimeout = err
			exec.result = o.drainExecution(r, partial, err)
		}

		result := map[string]any{
			"strategy":   sched.strategy,
			"tools":      toolSummaries(exec.result),
			"successful": exec.result.Successful,
			"failed":     exec.result.Failed,
			"total":      exec.result.Total,
			"aborted":    exec.result.Aborted,
		}
		if exec.phaseTimeout != nil {
			result["error"] = exec.phaseTimeout.Error()
		}
		return stageResult{
			result:      result,
			collections: toolData(exec.result),
			failures:    toolFailures(exec.result),
			refs:        exec.result.References,
		}
	})

	if fatal != nil {
		return nil, fatal
	}
	return exec, nil
}

// compose folds the tool results into one payload under the compose phase
func (o *StageOrchestrator) compose(r *run, exec *execution) map[string]any {
	var composed map[string]any
	o.stage(r, domain.StageCompose, map[string]any{"tools": len(exec.result.Tasks)}, func() stageResult {
		var out map[string]any
		err := o.budget.ExecuteWithTimeout(r.ctx, domain.PhaseCompose, func(context.Context) error {
			out = composeResults(exec.result)
			return nil
		})
		if err != nil {
			o.recordTimeout(err)
			composed = map[string]any{"error": err.Error()}
			return stageResult{result: composed, failures: toolFailures(exec.result)}
		}

		composed = out
		return stageResult{
			result:      composed,
			collections: toolData(exec.result),
			failures:    toolFailures(exec.result),
			refs:        exec.result.References,
		}
	})
	return composed
}

// present builds the final payload. It fails when the total budget is spent.
func (o *StageOrchestrator) present(r *run, sched *schedule, exec *execution, composed map[string]any) error {
	var fatal error
	o.stage(r, domain.StagePresent, nil, func() stageResult {
		if fatal = o.budget.CheckTotalTimeout(); fatal != nil {
			o.recordTimeout(fatal)
			return stageResult{result: map[string]any{"error": fatal.Error()}}
		}

		res := exec.result
		failed := res.FailedTools()
		if failed == nil {
			failed = []string{}
		}
		final := map[string]any{
			"kind":             domain.PlanKindPlan,
			"strategy":         sched.strategy,
			"results":          composed["results"],
			"references":       res.References,
			"successful_tools": res.Successful,
			"failed_tools":     res.Failed,
			"failed":           failed,
			"partial":          res.Failed > 0 && res.Successful > 0,
			"attempts":         r.attempt + 1,
		}
		r.trace.Final = final
		return stageResult{
			result:      final,
			collections: toolData(res),
			failures:    toolFailures(res),
			refs:        res.References,
		}
	})
	return fatal
}

// detectTrigger derives a replan trigger from an execution, if any
func (o *StageOrchestrator) detectTrigger(exec *execution) (domain.ReplanTrigger, bool) {
	res := exec.result
	failed := res.FailedTools()
	timedOut := res.TimedOut()

	trigger := domain.ReplanTrigger{
		StageName: domain.StageExecute,
		Severity:  domain.SeverityHigh,
		Timestamp: o.now(),
	}

	switch {
	case exec.phaseTimeout != nil:
		trigger.Type = domain.TriggerTimeout
		trigger.Reason = exec.phaseTimeout.Error()
	case len(failed) > 0 && len(timedOut) == len(failed):
		trigger.Type = domain.TriggerTimeout
		trigger.Reason = "tools timed out: " + strings.Join(timedOut, ", ")
	case len(failed) > 0:
		trigger.Type = domain.TriggerToolFailure
		trigger.Reason = "tools failed: " + strings.Join(failed, ", ")
	case res.Total > 0 && allEmpty(res):
		trigger.Type = domain.TriggerEmptyResult
		trigger.Severity = domain.SeverityMedium
		trigger.Reason = "every tool returned an empty result"
	default:
		return domain.ReplanTrigger{}, false
	}

	if res.Total > 0 && res.Successful == 0 {
		trigger.Severity = domain.SeverityCritical
	}
	return trigger, true
}

// replan asks the control loop for permission and, if granted, swaps in the
// replanner's plan. It reports whether the pipeline should run again.
func (o *StageOrchestrator) replan(r *run, trigger domain.ReplanTrigger) bool {
	if o.runtime == nil || o.replanner == nil {
		return false
	}

	decision, reservation := o.runtime.Reserve(trigger)
	if o.metrics != nil {
		o.metrics.RecordReplanDecision(trigger.Type, decision.Allowed)
	}
	if !decision.Allowed {
		o.emitReplan(r, o.replanEvent(r, domain.EventTypeReplanDenied, trigger, decision, nil))
		return false
	}

	next, err := o.replanner.Replan(r.ctx, r.plan, trigger)
	if err == nil && (next == nil || next.Kind != domain.PlanKindPlan) {
		err = fmt.Errorf("%w: no executable plan returned", domain.ErrReplannerFailed)
	}
	if err == nil {
		err = o.validator.Validate(next)
	}
	if err != nil {
		reservation.Release()
		o.logger.Warn("replan failed, keeping current results",
			zap.String("trace_id", r.tc.TraceID),
			zap.String("trigger", string(trigger.Type)),
			zap.Error(err))
		return false
	}

	ev := o.replanEvent(r, domain.EventTypeReplan, trigger, decision, next)
	reservation.Commit(ev)
	o.emitReplan(r, ev)
	r.plan = next

	o.logger.Info("replanning",
		zap.String("trace_id", r.tc.TraceID),
		zap.String("trigger", string(trigger.Type)),
		zap.String("severity", string(trigger.Severity)),
		zap.Int("attempt", r.attempt+1))
	return true
}

func (o *StageOrchestrator) replanEvent(r *run, eventType string, trigger domain.ReplanTrigger, decision controlloop.Decision, next *domain.Plan) domain.ReplanEvent {
	stats := o.runtime.Stats()
	ev := domain.ReplanEvent{
		ID:        ulid.Make().String(),
		TraceID:   r.tc.TraceID,
		EventType: eventType,
		StageName: trigger.StageName,
		Trigger:   trigger,
		Patch:     domain.ReplanPatch{Before: r.plan},
		Timestamp: o.now(),
		DecisionMetadata: map[string]any{
			"allowed":      decision.Allowed,
			"reason":       decision.Reason,
			"override":     decision.Override,
			"replan_count": stats.ReplanCount,
			"max_replans":  stats.MaxReplans,
		},
		ExecutionMetadata: map[string]any{
			"attempt":        r.attempt,
			"elapsed_ms":     o.budget.Elapsed().Milliseconds(),
			"remaining_ms":   o.budget.Remaining().Milliseconds(),
			"session_id":     r.trace.SessionID,
			"phase_times_ms": o.budget.PhaseTimesMs(),
		},
	}
	if next != nil {
		ev.Patch.After = next
	}
	return ev
}

// emitReplan appends a replan event to the trace and the sink
func (o *StageOrchestrator) emitReplan(r *run, ev domain.ReplanEvent) {
	r.trace.AppendReplan(ev)
	if o.sink == nil {
		return
	}
	if err := o.sink.RecordReplan(r.ctx, ev); err != nil {
		o.logger.Warn("failed to record replan event",
			zap.String("trace_id", ev.TraceID),
			zap.String("event_id", ev.ID),
			zap.Error(err))
	}
}

// stage runs body and records its output. Stage durations are checked
// against their phase allowance; an overrun becomes a warning.
func (o *StageOrchestrator) stage(r *run, name domain.StageName, params map[string]any, body func() stageResult) domain.StageOutput {
	input := domain.StageInput{
		StageName:     name,
		AppliedAssets: r.plan.GetAssets(),
		Params:        params,
		PrevOutput:    r.prev,
	}

	started := o.now()
	out := body()
	duration := o.now().Sub(started)

	if out.result == nil {
		out.result = map[string]any{}
	}
	diag := Diagnose(out.result, out.collections, out.failures, out.skipped)
	if phase, ok := stagePhases[name]; ok {
		if err := o.budget.CheckPhaseTimeout(phase, duration); err != nil && diag.Status != domain.StatusError {
			warn(&diag, err.Error())
		}
	}

	output := domain.StageOutput{
		StageName:   name,
		Result:      out.result,
		Diagnostics: diag,
		References:  out.refs,
		DurationMs:  duration.Milliseconds(),
	}
	rec := domain.StageRecord{
		TraceID:    r.tc.TraceID,
		Attempt:    r.attempt,
		Input:      input,
		Output:     output,
		RecordedAt: o.now(),
	}
	r.trace.AppendStage(rec)
	r.prev = out.result

	if o.metrics != nil {
		o.metrics.RecordStage(name, diag.Status, duration)
	}
	if o.sink != nil {
		if err := o.sink.RecordStage(r.ctx, rec); err != nil {
			o.logger.Warn("failed to record stage",
				zap.String("trace_id", rec.TraceID),
				zap.String("stage", string(name)),
				zap.Error(err))
		}
	}

	o.logger.Debug("stage finished",
		zap.String("trace_id", rec.TraceID),
		zap.String("stage", string(name)),
		zap.Int("attempt", r.attempt),
		zap.String("status", string(diag.Status)),
		zap.Duration("duration", duration))

	return output
}

// recordTimeout counts phase and budget timeouts
func (o *StageOrchestrator) recordTimeout(err error) {
	var te *domain.TimeoutError
	if o.metrics != nil && errors.As(err, &te) && te.Tool == "" {
		o.metrics.RecordBudgetExhausted(te.Phase)
	}
}

// fail closes the trace as failed
func (o *StageOrchestrator) fail(r *run, err error) (*domain.Trace, error) {
	r.trace.Error = err.Error()
	o.logger.Error("request failed",
		zap.String("trace_id", r.tc.TraceID),
		zap.Error(err))
	return o.finish(r, domain.TraceStatusFailed), err
}

// finish stamps the trace with its final status and timings
func (o *StageOrchestrator) finish(r *run, status domain.TraceStatus) *domain.Trace {
	now := o.now()
	r.trace.Status = status
	r.trace.PhaseTimesMs = o.budget.PhaseTimesMs()
	r.trace.CompletedAt = &now

	elapsed := now.Sub(r.trace.StartedAt)
	if o.metrics != nil {
		o.metrics.RecordRequest(r.trace.PlanKind, status, elapsed)
	}
	o.logger.Info("request finished",
		zap.String("trace_id", r.tc.TraceID),
		zap.String("status", string(status)),
		zap.Int("successful_tools", r.trace.SuccessfulTools),
		zap.Int("failed_tools", r.trace.FailedTools),
		zap.Int("replans", len(r.trace.Replans)),
		zap.Duration("elapsed", elapsed))
	return r.trace
}

// taskSpecs builds one task spec per sub-spec of the plan
func taskSpecs(plan *domain.Plan, deps []domain.ToolDependency) map[string]workers.TaskSpec {
	mappings := make(map[string]map[string]any, len(deps))
	for _, d := range deps {
		mappings[d.ToolID] = d.OutputMapping
	}

	specs := make(map[string]workers.TaskSpec)
	for id, sub := range plan.SubSpecs() {
		specs[id] = workers.TaskSpec{
			ToolID:        id,
			Tool:          sub.ToolName(id),
			Params:        sub.Params,
			OutputMapping: mappings[id],
			Timeout:       time.Duration(sub.TimeoutMs) * time.Millisecond,
		}
	}
	return specs
}

// drainExecution waits for the cancelled groups to hand back what they
// finished, then times out everything left. When the groups do not return
// within drainTimeout every tool is reported timed out.
func (o *StageOrchestrator) drainExecution(r *run, partial <-chan *workers.DependencyExecutionResult, cause error) *workers.DependencyExecutionResult {
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()

	ids := r.plan.ToolIDs()
	select {
	case res := <-partial:
		return res.TimeOutUnfinished(ids, cause, o.now())
	case <-timer.C:
		o.logger.Warn("execution groups did not stop after the execute phase timed out",
			zap.String("trace_id", r.tc.TraceID),
			zap.Duration("waited", drainTimeout))
		return new(workers.DependencyExecutionResult).TimeOutUnfinished(ids, cause, o.now())
	}
}

// toolSummaries describes every task of an execution
func toolSummaries(res *workers.DependencyExecutionResult) map[string]any {
	out := make(map[string]any, len(res.Tasks))
	for id, t := range res.Tasks {
		summary := map[string]any{
			"tool":       t.Tool,
			"state":      t.State,
			"attempts":   t.Attempts,
			"elapsed_ms": t.Elapsed.Milliseconds(),
		}
		if msg := t.ErrorString(); msg != "" {
			summary["error"] = msg
		}
		if workers.IsDependencyFailure(t) {
			summary["skipped_by_dependency"] = true
		}
		out[id] = summary
	}
	return out
}

// toolData returns the data of every successful task
func toolData(res *workers.DependencyExecutionResult) map[string]any {
	out := make(map[string]any, len(res.Tasks))
	for id, t := range res.Tasks {
		if t.Succeeded() && t.Result != nil {
			out[id] = t.Result.Data
		}
	}
	return out
}

// toolFailures lists "tool: error" for every task that did not complete
func toolFailures(res *workers.DependencyExecutionResult) []string {
	var out []string
	for _, id := range res.FailedTools() {
		out = append(out, id+": "+res.Tasks[id].ErrorString())
	}
	return out
}

// composeResults folds successful tool data with the failure summary
func composeResults(res *workers.DependencyExecutionResult) map[string]any {
	errs := make(map[string]string)
	var succeeded []string
	for _, id := range res.Order {
		t := res.Tasks[id]
		if t.Succeeded() {
			succeeded = append(succeeded, id)
			continue
		}
		errs[id] = t.ErrorString()
	}
	if succeeded == nil {
		succeeded = []string{}
	}
	failed := res.FailedTools()
	if failed == nil {
		failed = []string{}
	}

	return map[string]any{
		"results":          toolData(res),
		"successful_tools": succeeded,
		"failed_tools":     failed,
		"tool_errors":      errs,
		"references":       res.References,
	}
}

// allEmpty reports whether every successful task returned no items
func allEmpty(res *workers.DependencyExecutionResult) bool {
	for _, t := range res.Tasks {
		if !t.Succeeded() || t.Result == nil {
			continue
		}
		if n, ok := ItemCount(t.Result.Data); !ok || n > 0 {
			return false
		}
	}
	return true
}
