package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aatumaykin/pipetimer/internal/job"
)

func ptr(t time.Time) *time.Time { return &t }

func TestNextFire(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	t0 := time.Date(2026, 4, 30, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		state        State
		interval     time.Duration
		initialDelay time.Duration
		want         time.Time
	}{
		{
			name:     "never run fires now",
			interval: time.Hour,
			want:     now,
		},
		{
			name:         "never run honours initial delay",
			interval:     time.Hour,
			initialDelay: 30 * time.Second,
			want:         now.Add(30 * time.Second),
		},
		{
			name:     "anchored to completion",
			state:    State{LastCompletion: ptr(t0.Add(5 * time.Minute))},
			interval: 24 * time.Hour,
			want:     t0.Add(5*time.Minute + 24*time.Hour),
		},
		{
			name:     "sub-second interval is not rounded",
			state:    State{LastCompletion: ptr(t0.Add(123 * time.Nanosecond))},
			interval: 1500 * time.Millisecond,
			want:     t0.Add(1500*time.Millisecond + 123*time.Nanosecond),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextFire(tt.state, tt.interval, tt.initialDelay, now)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestNextFire_NoDrift(t *testing.T) {
	intervals := []time.Duration{time.Second, 90 * time.Minute, 24 * time.Hour, 7*time.Hour + 13*time.Nanosecond}
	for _, interval := range intervals {
		completion := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 1000; i++ {
			// runs take a varying amount of time
			completion = completion.Add(time.Duration(i%7) * time.Millisecond)
			next := NextFire(State{LastCompletion: ptr(completion)}, interval, 0, completion)
			if !assert.Equal(t, interval, next.Sub(completion)) {
				return
			}
			completion = next
		}
	}
}

func TestIntervalSchedule_Upcoming(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := IntervalSchedule{Interval: 6 * time.Hour}.Upcoming(from, 3)
	assert.Equal(t, []time.Time{
		from.Add(6 * time.Hour),
		from.Add(12 * time.Hour),
		from.Add(18 * time.Hour),
	}, got)
	assert.Empty(t, IntervalSchedule{Interval: time.Hour}.Upcoming(from, 0))
}

func TestPlanStart(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	interval := time.Hour

	tests := []struct {
		name        string
		state       State
		persistent  bool
		wantFireAt  time.Time
		wantTrigger job.Trigger
		wantMissed  int
	}{
		{
			name:        "never run",
			state:       State{},
			persistent:  true,
			wantFireAt:  now,
			wantTrigger: job.TriggerScheduled,
		},
		{
			name:        "fire still ahead",
			state:       State{LastCompletion: ptr(now.Add(-20 * time.Minute))},
			persistent:  true,
			wantFireAt:  now.Add(40 * time.Minute),
			wantTrigger: job.TriggerScheduled,
		},
		{
			name:        "persistent catches up once",
			state:       State{LastCompletion: ptr(now.Add(-3*time.Hour - 30*time.Minute))},
			persistent:  true,
			wantFireAt:  now,
			wantTrigger: job.TriggerCatchUp,
			wantMissed:  3,
		},
		{
			name:        "non-persistent skips to next boundary",
			state:       State{LastCompletion: ptr(now.Add(-3*time.Hour - 30*time.Minute))},
			persistent:  false,
			wantFireAt:  now.Add(30 * time.Minute),
			wantTrigger: job.TriggerScheduled,
			wantMissed:  3,
		},
		{
			name:        "non-persistent exactly on a boundary",
			state:       State{LastCompletion: ptr(now.Add(-2 * time.Hour))},
			persistent:  false,
			wantFireAt:  now.Add(time.Hour),
			wantTrigger: job.TriggerScheduled,
			wantMissed:  2,
		},
		{
			name:        "persistent just past fire time",
			state:       State{LastCompletion: ptr(now.Add(-time.Hour - time.Second))},
			persistent:  true,
			wantFireAt:  now,
			wantTrigger: job.TriggerCatchUp,
			wantMissed:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := PlanStart(tt.state, interval, 0, tt.persistent, now)
			assert.True(t, tt.wantFireAt.Equal(plan.FireAt), "want %s, got %s", tt.wantFireAt, plan.FireAt)
			assert.Equal(t, tt.wantTrigger, plan.Trigger)
			assert.Equal(t, tt.wantMissed, plan.Missed)
		})
	}
}
