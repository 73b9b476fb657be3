package xroute

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"
)

// TriggerContext is the execution history a Trigger sees. Zero times mean the
// task has not run yet.
type TriggerContext struct {
	Now           time.Time
	LastScheduled time.Time
	LastActual    time.Time
	LastCompleted time.Time
}

// Trigger computes when a scheduled task runs next. Returning false ends the schedule.
type Trigger interface {
	NextFireTime(tc TriggerContext) (time.Time, bool)
}

// TriggerFunc lets a plain function satisfy Trigger.
type TriggerFunc func(tc TriggerContext) (time.Time, bool)

func (f TriggerFunc) NextFireTime(tc TriggerContext) (time.Time, bool) { return f(tc) }

type periodicSpec struct {
	initialDelay time.Duration
	fixedRate    bool
}

// TriggerOption tunes periodic triggers.
type TriggerOption func(*periodicSpec)

// InitialDelay postpones the first fire by d.
func InitialDelay(d time.Duration) TriggerOption {
	return func(s *periodicSpec) { s.initialDelay = d }
}

// FixedRate measures the period between scheduled starts instead of from the
// previous completion.
func FixedRate() TriggerOption {
	return func(s *periodicSpec) { s.fixedRate = true }
}

func nextPeriodic(tc TriggerContext, period time.Duration, spec periodicSpec) time.Time {
	var next time.Time
	switch {
	case tc.LastScheduled.IsZero():
		next = tc.Now.Add(spec.initialDelay)
	case spec.fixedRate:
		next = tc.LastScheduled.Add(period)
	default:
		next = tc.LastCompleted.Add(period)
	}
	if next.Before(tc.Now) {
		next = tc.Now
	}
	return next
}

// PeriodicTrigger fires every period, fixed-delay unless FixedRate is given.
type PeriodicTrigger struct {
	period time.Duration
	spec   periodicSpec
}

func NewPeriodicTrigger(period time.Duration, opts ...TriggerOption) *PeriodicTrigger {
	t := &PeriodicTrigger{period: max(period, 0)}
	for _, o := range opts {
		o(&t.spec)
	}
	return t
}

func (t *PeriodicTrigger) Period() time.Duration { return t.period }

func (t *PeriodicTrigger) NextFireTime(tc TriggerContext) (time.Time, bool) {
	return nextPeriodic(tc, t.period, t.spec), true
}

// DynamicPeriodicTrigger is a PeriodicTrigger whose period may change while the
// schedule runs. The next computation uses whatever period was stored last.
type DynamicPeriodicTrigger struct {
	period atomic.Int64
	spec   periodicSpec
}

func NewDynamicPeriodicTrigger(period time.Duration, opts ...TriggerOption) *DynamicPeriodicTrigger {
	t := &DynamicPeriodicTrigger{}
	t.SetPeriod(period)
	for _, o := range opts {
		o(&t.spec)
	}
	return t
}

// SetPeriod is safe to call from any goroutine, including from inside the
// scheduled task itself.
func (t *DynamicPeriodicTrigger) SetPeriod(d time.Duration) {
	t.period.Store(int64(max(d, 0)))
}

func (t *DynamicPeriodicTrigger) Period() time.Duration { return time.Duration(t.period.Load()) }

func (t *DynamicPeriodicTrigger) NextFireTime(tc TriggerContext) (time.Time, bool) {
	return nextPeriodic(tc, t.Period(), t.spec), true
}

// CronTrigger fires according to a cron expression with a leading seconds field,
// e.g. "*/5 * * * * *", or a descriptor such as "@every 1m".
type CronTrigger struct {
	expr     string
	schedule cron.Schedule
}

func NewCronTrigger(expr string) (*CronTrigger, error) {
	s, err := cron.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("xroute: invalid cron expression %q: %w", expr, err)
	}
	return &CronTrigger{expr: expr, schedule: s}, nil
}

func (t *CronTrigger) String() string { return t.expr }

func (t *CronTrigger) NextFireTime(tc TriggerContext) (time.Time, bool) {
	base := tc.Now
	if tc.LastCompleted.After(base) {
		base = tc.LastCompleted
	}
	next := t.schedule.Next(base)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// LimitTrigger lets inner fire at most n times, then ends the schedule.
func LimitTrigger(inner Trigger, n int) Trigger {
	return &limitTrigger{inner: inner, limit: int64(n)}
}

// OnceTrigger fires a single time, immediately.
func OnceTrigger() Trigger {
	return LimitTrigger(NewPeriodicTrigger(0), 1)
}

type limitTrigger struct {
	inner Trigger
	limit int64
	fired atomic.Int64
}

func (t *limitTrigger) NextFireTime(tc TriggerContext) (time.Time, bool) {
	if t.fired.Load() >= t.limit {
		return time.Time{}, false
	}
	next, ok := t.inner.NextFireTime(tc)
	if ok {
		t.fired.Add(1)
	}
	return next, ok
}
