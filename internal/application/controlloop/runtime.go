package controlloop

import (
	"sync"
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
	"go.uber.org/zap"
)

// Decision reasons
const (
	ReasonAllowed           = "allowed"
	ReasonDisabled          = "automatic replan disabled"
	ReasonTriggerNotAllowed = "trigger type not allowed"
	ReasonMaxReplans        = "max replans reached"
	ReasonMinInterval       = "min interval not elapsed"
	ReasonCooling           = "cooling period active"
)

// Decision is the outcome of a replan evaluation
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
	Override bool   `json:"override,omitempty"`
}

// Stats is a read-only snapshot of the runtime counters
type Stats struct {
	ReplanCount    int                        `json:"replan_count"`
	MaxReplans     int                        `json:"max_replans"`
	LastReplanTime *time.Time                 `json:"last_replan_time,omitempty"`
	TriggerCounts  map[domain.TriggerType]int `json:"trigger_counts"`
	HistoryLength  int                        `json:"history_length"`
	InCooling      bool                       `json:"in_cooling"`
	Pending        int                        `json:"pending_replans"`
}

// Option customizes a Runtime
type Option func(*Runtime)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		r.now = now
	}
}

// Runtime authorizes replans for one session. It is long-lived and safe for
// concurrent use; counters only grow for the lifetime of the instance.
type Runtime struct {
	policy Policy
	now    func() time.Time
	logger *zap.Logger

	mu             sync.Mutex
	replanCount    int
	lastReplanTime time.Time
	replanTimes    []time.Time
	history        []domain.ReplanEvent
	triggerCounts  map[domain.TriggerType]int

	// replans granted by Reserve and not yet committed or released
	pending        int
	lastReservedAt time.Time
	lastActivity   time.Time
}

// NewRuntime creates a runtime after validating the policy
func NewRuntime(policy Policy, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runtime{
		policy:        policy,
		now:           time.Now,
		logger:        logger,
		triggerCounts: make(map[domain.TriggerType]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lastActivity = r.now()
	return r, nil
}

// Policy returns the policy the runtime enforces
func (r *Runtime) Policy() Policy {
	return r.policy
}

// ShouldReplan reports whether a replan is permitted for the trigger
func (r *Runtime) ShouldReplan(trigger domain.ReplanTrigger) bool {
	return r.Evaluate(trigger).Allowed
}

// Evaluate returns the replan decision together with its reason. It does
// not hold a slot; use Reserve when the replan is carried out afterwards.
func (r *Runtime) Evaluate(trigger domain.ReplanTrigger) Decision {
	r.mu.Lock()
	now := r.now()
	decision := r.evaluateLocked(trigger, now)
	r.lastActivity = now
	r.mu.Unlock()

	r.logDenied(trigger, decision)
	return decision
}

// Reserve evaluates the trigger and, when allowed, holds a replan slot in
// the same critical section. Concurrent requests of one session therefore
// cannot overshoot MaxReplans. The reservation must be committed once the
// replan happened or released when it did not.
func (r *Runtime) Reserve(trigger domain.ReplanTrigger) (Decision, *Reservation) {
	r.mu.Lock()
	now := r.now()
	decision := r.evaluateLocked(trigger, now)
	r.lastActivity = now
	var res *Reservation
	if decision.Allowed {
		r.pending++
		r.lastReservedAt = now
		res = &Reservation{runtime: r}
	}
	r.mu.Unlock()

	r.logDenied(trigger, decision)
	return decision, res
}

func (r *Runtime) logDenied(trigger domain.ReplanTrigger, decision Decision) {
	if decision.Allowed {
		return
	}
	r.logger.Info("replan denied",
		zap.String("trigger", string(trigger.Type)),
		zap.String("stage", string(trigger.StageName)),
		zap.String("severity", string(trigger.Severity)),
		zap.String("reason", decision.Reason))
}

func (r *Runtime) evaluateLocked(trigger domain.ReplanTrigger, now time.Time) Decision {
	if !r.policy.EnableAutomaticReplan {
		return Decision{Reason: ReasonDisabled}
	}
	if !r.policy.Allows(trigger.Type) {
		return Decision{Reason: ReasonTriggerNotAllowed}
	}
	if r.replanCount+r.pending >= r.policy.MaxReplans {
		return Decision{Reason: ReasonMaxReplans}
	}

	override := r.policy.CriticalOverride && trigger.Severity == domain.SeverityCritical
	if !override {
		last := r.lastReplanTime
		if r.pending > 0 && r.lastReservedAt.After(last) {
			last = r.lastReservedAt
		}
		if !last.IsZero() && now.Sub(last) < r.policy.MinInterval {
			return Decision{Reason: ReasonMinInterval}
		}
		if r.inCoolingLocked(now) {
			return Decision{Reason: ReasonCooling}
		}
	}

	return Decision{Allowed: true, Reason: ReasonAllowed, Override: override}
}

// inCoolingLocked reports whether enough replans fell inside the trailing
// cooling period to hold further replans back
func (r *Runtime) inCoolingLocked(now time.Time) bool {
	if r.policy.CoolingPeriod <= 0 {
		return false
	}
	recent := r.pending
	for _, at := range r.replanTimes {
		if now.Sub(at) < r.policy.CoolingPeriod {
			recent++
		}
	}
	return recent >= r.policy.CoolingThreshold
}

// RecordReplan registers a replan that was carried out
func (r *Runtime) RecordReplan(event domain.ReplanEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(event)
}

func (r *Runtime) recordLocked(event domain.ReplanEvent) {
	now := r.now()
	r.lastActivity = now
	r.replanCount++
	r.lastReplanTime = now
	r.replanTimes = append(r.replanTimes, now)
	r.history = append(r.history, event)
	r.triggerCounts[event.Trigger.Type]++

	r.logger.Info("replan recorded",
		zap.String("event_id", event.ID),
		zap.String("trace_id", event.TraceID),
		zap.String("trigger", string(event.Trigger.Type)),
		zap.Int("replan_count", r.replanCount))
}

// idleFor reports how long the runtime has gone without an evaluation or a
// replan. busy is true while a reservation is outstanding.
func (r *Runtime) idleFor() (idle time.Duration, busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().Sub(r.lastActivity), r.pending > 0
}

// History returns a copy of the recorded replan events
func (r *Runtime) History() []domain.ReplanEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.ReplanEvent, len(r.history))
	copy(out, r.history)
	return out
}

// Stats returns a snapshot of the counters
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[domain.TriggerType]int, len(r.triggerCounts))
	for k, v := range r.triggerCounts {
		counts[k] = v
	}

	stats := Stats{
		ReplanCount:   r.replanCount,
		MaxReplans:    r.policy.MaxReplans,
		TriggerCounts: counts,
		HistoryLength: len(r.history),
		InCooling:     r.inCoolingLocked(r.now()),
		Pending:       r.pending,
	}
	if !r.lastReplanTime.IsZero() {
		last := r.lastReplanTime
		stats.LastReplanTime = &last
	}
	return stats
}

// Reservation is a replan slot held by Reserve
type Reservation struct {
	runtime *Runtime
	done    bool
}

// Commit records the replan and frees the slot. Only the first Commit or
// Release of a reservation has an effect.
func (res *Reservation) Commit(event domain.ReplanEvent) {
	if res == nil {
		return
	}
	r := res.runtime
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.done {
		return
	}
	res.done = true
	r.pending--
	r.recordLocked(event)
}

// Release frees the slot without recording a replan
func (res *Reservation) Release() {
	if res == nil {
		return
	}
	r := res.runtime
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.done {
		return
	}
	res.done = true
	r.pending--
	r.lastActivity = r.now()
}
