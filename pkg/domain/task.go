package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskState is the lifecycle state of a task
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateTimedOut  TaskState = "timed_out"
)

// IsTerminal reports whether no further transition is allowed
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateTimedOut
}

// Task is one tool invocation together with its execution bookkeeping.
// A task moves pending -> running -> {completed, failed, timed_out}; it may
// also go straight from pending to failed when it is never dispatched.
type Task struct {
	ToolID     string         `json:"tool_id"`
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params,omitempty"`
	Timeout    time.Duration  `json:"-"`
	MaxRetries int            `json:"max_retries"`

	State     TaskState     `json:"state"`
	Attempts  int           `json:"attempts"`
	Elapsed   time.Duration `json:"-"`
	Result    *ToolResult   `json:"result,omitempty"`
	Err       error         `json:"-"`
	StartedAt time.Time     `json:"started_at,omitempty"`
}

// NewTask creates a pending task
func NewTask(toolID, tool string, params map[string]any, timeout time.Duration, maxRetries int) *Task {
	if tool == "" {
		tool = toolID
	}
	return &Task{
		ToolID:     toolID,
		Tool:       tool,
		Params:     params,
		Timeout:    timeout,
		MaxRetries: maxRetries,
		State:      TaskStatePending,
	}
}

// Start moves the task to running
func (t *Task) Start(now time.Time) error {
	if t.State != TaskStatePending {
		return fmt.Errorf("%w: %s cannot start from %s", ErrInvalidTransition, t.ToolID, t.State)
	}
	t.State = TaskStateRunning
	t.StartedAt = now
	return nil
}

// Complete records a successful result
func (t *Task) Complete(result ToolResult, now time.Time) error {
	if t.State != TaskStateRunning {
		return fmt.Errorf("%w: %s cannot complete from %s", ErrInvalidTransition, t.ToolID, t.State)
	}
	t.State = TaskStateCompleted
	t.Result = &result
	t.Elapsed = now.Sub(t.StartedAt)
	return nil
}

// Fail records a terminal failure. Pending tasks may fail without running.
func (t *Task) Fail(err error, result *ToolResult, now time.Time) error {
	if t.State.IsTerminal() {
		return fmt.Errorf("%w: %s already %s", ErrInvalidTransition, t.ToolID, t.State)
	}
	if t.State == TaskStateRunning {
		t.Elapsed = now.Sub(t.StartedAt)
	}
	t.State = TaskStateFailed
	t.Err = err
	t.Result = result
	return nil
}

// TimeOut records that the final attempt ran past its deadline
func (t *Task) TimeOut(err error, now time.Time) error {
	if t.State != TaskStateRunning {
		return fmt.Errorf("%w: %s cannot time out from %s", ErrInvalidTransition, t.ToolID, t.State)
	}
	t.State = TaskStateTimedOut
	t.Err = err
	t.Elapsed = now.Sub(t.StartedAt)
	return nil
}

// Succeeded reports whether the task completed successfully
func (t *Task) Succeeded() bool {
	return t.State == TaskStateCompleted
}

// ErrorString returns the terminal error message, if any
func (t *Task) ErrorString() string {
	if t.Err != nil {
		return t.Err.Error()
	}
	if t.Result != nil && t.Result.Error != "" {
		return t.Result.Error
	}
	return ""
}

// Outcome returns the result as seen by dependent tools
func (t *Task) Outcome() ToolResult {
	if t.Succeeded() && t.Result != nil {
		return *t.Result
	}
	out := ToolResult{Success: false, Error: t.ErrorString()}
	if t.Result != nil {
		out.Data = t.Result.Data
	}
	return out
}

// MarshalJSON reports the timeout and elapsed time in milliseconds
func (t Task) MarshalJSON() ([]byte, error) {
	type task Task
	return json.Marshal(struct {
		task
		TimeoutMs int64 `json:"timeout_ms"`
		ElapsedMs int64 `json:"elapsed_ms"`
	}{task(t), t.Timeout.Milliseconds(), t.Elapsed.Milliseconds()})
}
