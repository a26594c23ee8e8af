package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
)

// Config holds the per-request allowances
type Config struct {
	Total   time.Duration
	Plan    time.Duration
	Execute time.Duration
	Compose time.Duration
}

// DefaultConfig returns the default allowances
func DefaultConfig() Config {
	return Config{
		Total:   30 * time.Second,
		Plan:    10 * time.Second,
		Execute: 20 * time.Second,
		Compose: 5 * time.Second,
	}
}

// Option customizes a TimeoutBudget
type Option func(*TimeoutBudget)

// WithClock overrides the time source used for elapsed/remaining computations
func WithClock(now func() time.Time) Option {
	return func(b *TimeoutBudget) {
		b.now = now
	}
}

// WithStartTime overrides the request start time
func WithStartTime(start time.Time) Option {
	return func(b *TimeoutBudget) {
		b.start = start
	}
}

// TimeoutBudget is the shared timer of one request. Create one per request;
// never reuse it across requests.
type TimeoutBudget struct {
	cfg   Config
	now   func() time.Time
	start time.Time

	mu         sync.Mutex
	phaseTimes map[domain.Phase]time.Duration
}

// New starts a budget
func New(cfg Config, opts ...Option) *TimeoutBudget {
	b := &TimeoutBudget{
		cfg:        cfg,
		now:        time.Now,
		phaseTimes: make(map[domain.Phase]time.Duration),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.start.IsZero() {
		b.start = b.now()
	}
	return b
}

// Config returns the configured allowances
func (b *TimeoutBudget) Config() Config {
	return b.cfg
}

// StartTime returns when the request started
func (b *TimeoutBudget) StartTime() time.Time {
	return b.start
}

// Elapsed returns the time spent since the request started
func (b *TimeoutBudget) Elapsed() time.Duration {
	return b.now().Sub(b.start)
}

// Remaining returns the unspent total allowance; negative once overrun
func (b *TimeoutBudget) Remaining() time.Duration {
	return b.cfg.Total - b.Elapsed()
}

// IsExhausted reports whether the total allowance has been overrun
func (b *TimeoutBudget) IsExhausted() bool {
	return b.Elapsed() > b.cfg.Total
}

// PhaseLimit returns the configured allowance of a phase
func (b *TimeoutBudget) PhaseLimit(phase domain.Phase) (time.Duration, error) {
	switch phase {
	case domain.PhasePlan:
		return b.cfg.Plan, nil
	case domain.PhaseExecute:
		return b.cfg.Execute, nil
	case domain.PhaseCompose:
		return b.cfg.Compose, nil
	case domain.PhaseTotal:
		return b.cfg.Total, nil
	default:
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownPhase, phase)
	}
}

// CheckPhaseTimeout fails when elapsed exceeds the phase allowance
func (b *TimeoutBudget) CheckPhaseTimeout(phase domain.Phase, elapsed time.Duration) error {
	limit, err := b.PhaseLimit(phase)
	if err != nil {
		return err
	}
	if elapsed > limit {
		return &domain.TimeoutError{Phase: phase, Elapsed: elapsed, Limit: limit}
	}
	return nil
}

// CheckTotalTimeout fails once the total allowance is overrun
func (b *TimeoutBudget) CheckTotalTimeout() error {
	elapsed := b.Elapsed()
	if elapsed > b.cfg.Total {
		return &domain.TimeoutError{Phase: domain.PhaseTotal, Elapsed: elapsed, Limit: b.cfg.Total}
	}
	return nil
}

// RemainingForPhase returns the phase allowance capped by the total remaining time
func (b *TimeoutBudget) RemainingForPhase(phase domain.Phase) time.Duration {
	limit, err := b.PhaseLimit(phase)
	if err != nil {
		return 0
	}
	remaining := b.Remaining()
	if remaining < 0 {
		remaining = 0
	}
	if limit < remaining {
		return limit
	}
	return remaining
}

// RecordPhase stores the time spent in a phase; the last write wins
func (b *TimeoutBudget) RecordPhase(phase domain.Phase, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phaseTimes[phase] = elapsed
}

// PhaseTimes returns a snapshot of recorded phase times
func (b *TimeoutBudget) PhaseTimes() map[domain.Phase]time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[domain.Phase]time.Duration, len(b.phaseTimes))
	for k, v := range b.phaseTimes {
		out[k] = v
	}
	return out
}

// PhaseTimesMs returns recorded phase times in milliseconds
func (b *TimeoutBudget) PhaseTimesMs() map[domain.Phase]int64 {
	times := b.PhaseTimes()
	out := make(map[domain.Phase]int64, len(times))
	for k, v := range times {
		out[k] = v.Milliseconds()
	}
	return out
}

// ExecuteWithTimeout runs op under min(phase allowance, total remaining).
// It fails with a total timeout before invoking op when the budget is
// already exhausted. On timeout op's context is cancelled and op is
// abandoned; whether the work behind it stops depends on op honoring ctx.
// The elapsed time is recorded for the phase whatever the outcome.
func (b *TimeoutBudget) ExecuteWithTimeout(ctx context.Context, phase domain.Phase, op func(ctx context.Context) error) error {
	if err := b.CheckTotalTimeout(); err != nil {
		return err
	}

	phaseLimit, err := b.PhaseLimit(phase)
	if err != nil {
		return err
	}

	totalRemaining := b.Remaining()
	deadline := phaseLimit
	boundByTotal := false
	if totalRemaining < deadline {
		deadline = totalRemaining
		boundByTotal = true
	}

	opCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	startedAt := b.now()
	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	deadlineErr := func() error {
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case boundByTotal:
			return &domain.TimeoutError{Phase: domain.PhaseTotal, Elapsed: b.Elapsed(), Limit: b.cfg.Total}
		default:
			return &domain.TimeoutError{Phase: phase, Elapsed: b.now().Sub(startedAt), Limit: phaseLimit}
		}
	}

	var result error
	select {
	case result = <-done:
		// op gave up because of our deadline rather than failing on its own
		if opCtx.Err() != nil && (errors.Is(result, context.DeadlineExceeded) || errors.Is(result, context.Canceled)) {
			result = deadlineErr()
		}
	case <-opCtx.Done():
		result = deadlineErr()
	}

	b.RecordPhase(phase, b.now().Sub(startedAt))
	return result
}
