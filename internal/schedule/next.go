// Package schedule decides when the job fires: it computes the next fire
// from the last completion, catches up or skips after downtime, keeps a
// single armed timer, and persists its state after every run.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aatumaykin/pipetimer/internal/job"
)

// IntervalSchedule fires a fixed interval after a reference time. Unlike
// cron.Every it does not round to whole seconds.
type IntervalSchedule struct {
	Interval time.Duration
}

var _ cron.Schedule = IntervalSchedule{}

// Next returns t + interval.
func (s IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

// Upcoming returns the n fire times following from.
func (s IntervalSchedule) Upcoming(from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = s.Next(t)
		out = append(out, t)
	}
	return out
}

// NextFire returns last completion + interval, or now + initialDelay when
// the job has never completed.
func NextFire(st State, interval, initialDelay time.Duration, now time.Time) time.Time {
	if st.LastCompletion == nil {
		return now.Add(initialDelay)
	}
	return IntervalSchedule{Interval: interval}.Next(*st.LastCompletion)
}

// Plan is the startup decision.
type Plan struct {
	FireAt  time.Time
	Trigger job.Trigger
	// Missed counts fire boundaries that passed while nothing was running.
	Missed int
}

// PlanStart decides the first fire after startup. When the fire time has
// passed, a persistent schedule fires once immediately as a catch-up; a
// non-persistent one skips ahead to the first boundary after now.
func PlanStart(st State, interval, initialDelay time.Duration, persistent bool, now time.Time) Plan {
	fireAt := NextFire(st, interval, initialDelay, now)
	if st.LastCompletion == nil || now.Before(fireAt) {
		return Plan{FireAt: fireAt, Trigger: job.TriggerScheduled}
	}

	last := *st.LastCompletion
	// k is the smallest number of intervals with last + k*interval > now.
	k := int64(now.Sub(last)/interval) + 1
	missed := int(k - 1)

	if persistent {
		return Plan{FireAt: now, Trigger: job.TriggerCatchUp, Missed: missed}
	}
	return Plan{
		FireAt:  last.Add(time.Duration(k) * interval),
		Trigger: job.TriggerScheduled,
		Missed:  missed,
	}
}
