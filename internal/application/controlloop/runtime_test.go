package controlloop

import (
	"sync"
	"testing"
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func trigger(tt domain.TriggerType, sev domain.Severity) domain.ReplanTrigger {
	return domain.ReplanTrigger{
		Type:      tt,
		StageName: domain.StageExecute,
		Severity:  sev,
		Reason:    "test",
		Timestamp: time.Now(),
	}
}

func newRuntime(t *testing.T, p Policy) (*Runtime, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rt, err := NewRuntime(p, zaptest.NewLogger(t), WithClock(clock.Now))
	require.NoError(t, err)
	return rt, clock
}

func record(rt *Runtime, tr domain.ReplanTrigger) {
	rt.RecordReplan(domain.ReplanEvent{ID: "ev", EventType: domain.EventTypeReplan, Trigger: tr})
}

func TestShouldReplanFreshRuntime(t *testing.T) {
	rt, _ := newRuntime(t, DefaultPolicy())
	assert.True(t, rt.ShouldReplan(trigger(domain.TriggerToolFailure, domain.SeverityHigh)))
}

func TestShouldReplanMaxReplans(t *testing.T) {
	p := DefaultPolicy()
	p.MaxReplans = 2
	p.MinInterval = 0
	p.CoolingPeriod = 0
	rt, clock := newRuntime(t, p)

	tr := trigger(domain.TriggerTimeout, domain.SeverityMedium)
	for i := 0; i < 2; i++ {
		require.True(t, rt.ShouldReplan(tr))
		record(rt, tr)
		clock.Advance(time.Minute)
	}

	for _, tt := range []domain.TriggerType{domain.TriggerToolFailure, domain.TriggerTimeout, domain.TriggerEmptyResult} {
		d := rt.Evaluate(trigger(tt, domain.SeverityCritical))
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonMaxReplans, d.Reason)
	}
}

func TestShouldReplanMinInterval(t *testing.T) {
	p := DefaultPolicy()
	p.MinInterval = 5 * time.Second
	p.CoolingPeriod = 10 * time.Second
	p.CoolingThreshold = 5
	p.MaxReplans = 10
	rt, clock := newRuntime(t, p)

	tr := trigger(domain.TriggerToolFailure, domain.SeverityHigh)
	record(rt, tr)

	clock.Advance(2 * time.Second)
	d := rt.Evaluate(tr)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMinInterval, d.Reason)

	clock.Advance(3 * time.Second)
	assert.True(t, rt.ShouldReplan(tr))
}

func TestShouldReplanTriggerNotAllowed(t *testing.T) {
	rt, _ := newRuntime(t, DefaultPolicy())
	d := rt.Evaluate(trigger(domain.TriggerPolicyViolation, domain.SeverityCritical))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonTriggerNotAllowed, d.Reason)
}

func TestShouldReplanDisabled(t *testing.T) {
	p := DefaultPolicy()
	p.EnableAutomaticReplan = false
	rt, _ := newRuntime(t, p)
	d := rt.Evaluate(trigger(domain.TriggerToolFailure, domain.SeverityCritical))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDisabled, d.Reason)
}

func TestShouldReplanCoolingWindow(t *testing.T) {
	p := DefaultPolicy()
	p.MaxReplans = 10
	p.MinInterval = time.Second
	p.CoolingPeriod = time.Minute
	p.CoolingThreshold = 2
	rt, clock := newRuntime(t, p)

	tr := trigger(domain.TriggerEmptyResult, domain.SeverityLow)
	record(rt, tr)
	clock.Advance(2 * time.Second)
	record(rt, tr)
	clock.Advance(2 * time.Second)

	d := rt.Evaluate(tr)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCooling, d.Reason)
	assert.True(t, rt.Stats().InCooling)

	clock.Advance(time.Minute)
	assert.True(t, rt.ShouldReplan(tr))
}

func TestCriticalOverrideSkipsIntervalAndCooling(t *testing.T) {
	p := DefaultPolicy()
	p.MaxReplans = 3
	p.MinInterval = 10 * time.Second
	p.CoolingPeriod = time.Minute
	p.CoolingThreshold = 1
	p.CriticalOverride = true
	rt, _ := newRuntime(t, p)

	record(rt, trigger(domain.TriggerToolFailure, domain.SeverityHigh))

	assert.False(t, rt.ShouldReplan(trigger(domain.TriggerToolFailure, domain.SeverityHigh)))

	d := rt.Evaluate(trigger(domain.TriggerToolFailure, domain.SeverityCritical))
	assert.True(t, d.Allowed)
	assert.True(t, d.Override)

	// override never lifts the replan budget or the allowed set
	assert.False(t, rt.ShouldReplan(trigger(domain.TriggerPolicyViolation, domain.SeverityCritical)))
}

func TestCriticalWithoutOverrideIsGated(t *testing.T) {
	p := DefaultPolicy()
	p.MinInterval = 10 * time.Second
	p.CoolingPeriod = time.Minute
	rt, _ := newRuntime(t, p)

	record(rt, trigger(domain.TriggerToolFailure, domain.SeverityHigh))
	d := rt.Evaluate(trigger(domain.TriggerToolFailure, domain.SeverityCritical))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMinInterval, d.Reason)
}

func TestRecordReplanUpdatesStats(t *testing.T) {
	rt, _ := newRuntime(t, DefaultPolicy())

	record(rt, trigger(domain.TriggerToolFailure, domain.SeverityHigh))
	record(rt, trigger(domain.TriggerTimeout, domain.SeverityHigh))
	record(rt, trigger(domain.TriggerToolFailure, domain.SeverityHigh))

	stats := rt.Stats()
	assert.Equal(t, 3, stats.ReplanCount)
	assert.Equal(t, 3, stats.HistoryLength)
	assert.Equal(t, 2, stats.TriggerCounts[domain.TriggerToolFailure])
	assert.Equal(t, 1, stats.TriggerCounts[domain.TriggerTimeout])
	require.NotNil(t, stats.LastReplanTime)

	// snapshot is detached from the runtime
	stats.TriggerCounts[domain.TriggerTimeout] = 99
	assert.Equal(t, 1, rt.Stats().TriggerCounts[domain.TriggerTimeout])
	assert.Len(t, rt.History(), 3)
}

func TestRecordReplanConcurrent(t *testing.T) {
	p := DefaultPolicy()
	p.MaxReplans = 1000
	rt, _ := newRuntime(t, p)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr := trigger(domain.TriggerTimeout, domain.SeverityLow)
			rt.ShouldReplan(tr)
			record(rt, tr)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, rt.Stats().ReplanCount)
	assert.Equal(t, 50, rt.Stats().TriggerCounts[domain.TriggerTimeout])
}

func TestReserveBoundsConcurrentReplans(t *testing.T) {
	p := DefaultPolicy()
	p.MaxReplans = 1
	p.MinInterval = 0
	p.CoolingPeriod = 0
	rt, _ := newRuntime(t, p)

	var (
		reserved sync.WaitGroup
		done     sync.WaitGroup
		allowed  sync.Map
	)
	// holds every goroutine between its decision and its commit, the window
	// in which the replanner runs
	gate := make(chan struct{})

	for i := 0; i < 8; i++ {
		reserved.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			tr := trigger(domain.TriggerToolFailure, domain.SeverityHigh)
			decision, res := rt.Reserve(tr)
			reserved.Done()
			<-gate
			if decision.Allowed {
				allowed.Store(i, true)
				res.Commit(domain.ReplanEvent{ID: "ev", EventType: domain.EventTypeReplan, Trigger: tr})
			}
		}(i)
	}
	reserved.Wait()
	close(gate)
	done.Wait()

	granted := 0
	allowed.Range(func(_, _ any) bool {
		granted++
		return true
	})
	assert.Equal(t, 1, granted)

	stats := rt.Stats()
	assert.Equal(t, 1, stats.ReplanCount)
	assert.Equal(t, 0, stats.Pending)
}

func TestReservationRelease(t *testing.T) {
	p := DefaultPolicy()
	p.MaxReplans = 1
	p.MinInterval = 0
	p.CoolingPeriod = 0
	rt, _ := newRuntime(t, p)
	tr := trigger(domain.TriggerTimeout, domain.SeverityHigh)

	decision, res := rt.Reserve(tr)
	require.True(t, decision.Allowed)
	require.NotNil(t, res)
	assert.Equal(t, 1, rt.Stats().Pending)

	denied, none := rt.Reserve(tr)
	assert.False(t, denied.Allowed)
	assert.Equal(t, ReasonMaxReplans, denied.Reason)
	assert.Nil(t, none)
	assert.False(t, rt.ShouldReplan(tr))

	res.Release()
	res.Release()
	assert.Equal(t, 0, rt.Stats().Pending)
	assert.Equal(t, 0, rt.Stats().ReplanCount)

	decision, res = rt.Reserve(tr)
	require.True(t, decision.Allowed)
	res.Commit(domain.ReplanEvent{ID: "ev", Trigger: tr})
	res.Commit(domain.ReplanEvent{ID: "ev", Trigger: tr})
	res.Release()

	stats := rt.Stats()
	assert.Equal(t, 1, stats.ReplanCount)
	assert.Equal(t, 0, stats.Pending)
	assert.Len(t, rt.History(), 1)
}

func TestReserveHonorsMinIntervalOfPendingReplan(t *testing.T) {
	p := DefaultPolicy()
	p.MaxReplans = 5
	p.MinInterval = time.Second
	p.CoolingPeriod = time.Minute
	p.CoolingThreshold = 5
	rt, clock := newRuntime(t, p)
	tr := trigger(domain.TriggerTimeout, domain.SeverityHigh)

	first, res := rt.Reserve(tr)
	require.True(t, first.Allowed)

	second, _ := rt.Reserve(tr)
	assert.False(t, second.Allowed)
	assert.Equal(t, ReasonMinInterval, second.Reason)

	clock.Advance(2 * time.Second)
	third, other := rt.Reserve(tr)
	assert.True(t, third.Allowed)

	res.Release()
	other.Release()
}

func TestPolicyValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Policy)
		valid  bool
	}{
		{"default", func(p *Policy) {}, true},
		{"interval above cooling", func(p *Policy) {
			p.MinInterval = time.Minute
			p.CoolingPeriod = time.Second
		}, false},
		{"interval equals cooling", func(p *Policy) {
			p.MinInterval = time.Minute
			p.CoolingPeriod = time.Minute
		}, true},
		{"negative max replans", func(p *Policy) { p.MaxReplans = -1 }, false},
		{"unknown trigger", func(p *Policy) {
			p.AllowedTriggers = []domain.TriggerType{"solar_flare"}
		}, false},
		{"zero cooling threshold", func(p *Policy) { p.CoolingThreshold = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			_, err := NewRuntime(p, nil)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrInvalidPolicy)
			}
		})
	}
}

func TestPolicyValidateConcurrent(t *testing.T) {
	valid := DefaultPolicy()
	invalid := DefaultPolicy()
	invalid.MinInterval = time.Hour

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- valid.Validate()
		}()
		go func() {
			defer wg.Done()
			if err := invalid.Validate(); err == nil {
				errs <- assert.AnError
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestRegistryOneRuntimePerSession(t *testing.T) {
	reg, err := NewRegistry(DefaultPolicy(), zaptest.NewLogger(t))
	require.NoError(t, err)

	a := reg.Get("session-a")
	assert.Same(t, a, reg.Get("session-a"))
	assert.NotSame(t, a, reg.Get("session-b"))

	_, ok := reg.Lookup("session-c")
	assert.False(t, ok)
	assert.Equal(t, []string{"session-a", "session-b"}, reg.Sessions())
}

func TestRegistryPruneEvictsIdleSessions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg, err := NewRegistry(DefaultPolicy(), zaptest.NewLogger(t), WithClock(clock.Now))
	require.NoError(t, err)

	reg.Get("session-a")
	b := reg.Get("session-b")

	clock.Advance(30 * time.Minute)
	b.Evaluate(trigger(domain.TriggerTimeout, domain.SeverityHigh))
	clock.Advance(40 * time.Minute)

	assert.Equal(t, []string{"session-a"}, reg.Prune(time.Hour))
	_, ok := reg.Lookup("session-a")
	assert.False(t, ok)
	_, ok = reg.Lookup("session-b")
	assert.True(t, ok)

	// a fresh runtime replaces the evicted one
	assert.Equal(t, 0, reg.Get("session-a").Stats().ReplanCount)
}

func TestRegistryPruneKeepsReservedSessions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg, err := NewRegistry(DefaultPolicy(), zaptest.NewLogger(t), WithClock(clock.Now))
	require.NoError(t, err)

	decision, res := reg.Get("session-a").Reserve(trigger(domain.TriggerTimeout, domain.SeverityHigh))
	require.True(t, decision.Allowed)

	clock.Advance(2 * time.Hour)
	assert.Empty(t, reg.Prune(time.Hour))

	res.Release()
	clock.Advance(2 * time.Hour)
	assert.Equal(t, []string{"session-a"}, reg.Prune(time.Hour))
}

func TestRegistryForget(t *testing.T) {
	reg, err := NewRegistry(DefaultPolicy(), zaptest.NewLogger(t))
	require.NoError(t, err)

	a := reg.Get("session-a")
	assert.True(t, reg.Forget("session-a"))
	assert.False(t, reg.Forget("session-a"))
	assert.NotSame(t, a, reg.Get("session-a"))
}

func TestRegistryEvictionLoop(t *testing.T) {
	// the loop may still log after Stop returns
	reg, err := NewRegistry(DefaultPolicy(), zap.NewNop())
	require.NoError(t, err)
	reg.Get("session-a")

	reg.StartEviction(5*time.Millisecond, time.Millisecond)
	defer reg.Stop()

	assert.Eventually(t, func() bool {
		return len(reg.Sessions()) == 0
	}, time.Second, 5*time.Millisecond)
}
