// Package metrics provides MetricsCollector implementations.
//
// The prometheus subpackage is the production collector; Noop discards everything.
package metrics

import (
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/aescanero/opsquery/pkg/ports"
)

var _ ports.MetricsCollector = Noop{}

// Noop implements MetricsCollector and records nothing
type Noop struct{}

func (Noop) RecordToolExecution(string, domain.TaskState, time.Duration) {}
func (Noop) RecordToolRetry(string) {}
func (Noop) RecordStage(domain.StageName, domain.DiagnosticStatus, time.Duration) {}
func (Noop) RecordReplanDecision(domain.TriggerType, bool) {}
func (Noop) RecordBudgetExhausted(domain.Phase) {}
func (Noop) RecordRequest(domain.PlanKind, domain.TraceStatus, time.Duration) {}
func (Noop) RecordExecutorStatus(int, int) {}
