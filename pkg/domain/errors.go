package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors
var (
	ErrDependencyCycle    = errors.New("dependency cycle detected")
	ErrUnknownDependency  = errors.New("dependency references unknown tool")
	ErrInvalidPlan        = errors.New("invalid plan")
	ErrTaskFailed         = errors.New("task failed")
	ErrTaskTimeout        = errors.New("task timed out")
	ErrPhaseTimeout       = errors.New("phase timed out")
	ErrBudgetExhausted    = errors.New("request budget exhausted")
	ErrDependencyFailed   = errors.New("dependency failed")
	ErrDispatchHalted     = errors.New("dispatch halted after failure")
	ErrAborted            = errors.New("execution aborted")
	ErrInvalidPolicy      = errors.New("invalid control loop policy")
	ErrInvalidTransition  = errors.New("invalid task state transition")
	ErrToolNotRegistered  = errors.New("tool not registered")
	ErrTraceNotFound      = errors.New("trace not found")
	ErrToolPanicked       = errors.New("tool panicked")
	ErrReplannerFailed    = errors.New("replanner failed")
	ErrUnknownPhase       = errors.New("unknown phase")
	ErrUnknownTriggerType = errors.New("unknown trigger type")
)

// CycleError names the tools left unsorted when a dependency cycle stops
// topological ordering.
type CycleError struct {
	Participants []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected among: %s", strings.Join(e.Participants, ", "))
}

func (e *CycleError) Unwrap() error {
	return ErrDependencyCycle
}

// TimeoutError is raised when a phase, a tool or the whole request runs past its limit.
// Tool is set only for per-task timeouts.
type TimeoutError struct {
	Phase   Phase
	Tool    string
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	subject := string(e.Phase)
	if e.Tool != "" {
		subject = "tool " + e.Tool
	}
	return fmt.Sprintf("%s timeout: elapsed %dms exceeds limit %dms",
		subject, e.Elapsed.Milliseconds(), e.Limit.Milliseconds())
}

func (e *TimeoutError) Unwrap() error {
	switch {
	case e.Tool != "":
		return ErrTaskTimeout
	case e.Phase == PhaseTotal:
		return ErrBudgetExhausted
	default:
		return ErrPhaseTimeout
	}
}

// ElapsedMs returns the elapsed time in milliseconds
func (e *TimeoutError) ElapsedMs() int64 { return e.Elapsed.Milliseconds() }

// LimitMs returns the configured limit in milliseconds
func (e *TimeoutError) LimitMs() int64 { return e.Limit.Milliseconds() }

// IsFatal reports whether err must stop the whole pipeline
func IsFatal(err error) bool {
	return errors.Is(err, ErrDependencyCycle) || errors.Is(err, ErrBudgetExhausted)
}
