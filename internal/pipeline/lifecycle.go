package pipeline

import (
	"sync"
	"time"

	"github.com/aatumaykin/pipetimer/internal/errors"
)

// Phase is a run lifecycle state.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseScheduled     Phase = "scheduled"
	PhaseRunning       Phase = "running"
	PhaseSucceeded     Phase = "succeeded"
	PhaseFailed        Phase = "failed"
	PhaseTimedOut      Phase = "timed_out"
	PhaseHookRunning   Phase = "hook_running"
	PhaseHookSucceeded Phase = "hook_succeeded"
	PhaseHookFailed    Phase = "hook_failed"
)

// Phases lists every phase in lifecycle order.
var Phases = []Phase{
	PhaseIdle, PhaseScheduled, PhaseRunning,
	PhaseSucceeded, PhaseFailed, PhaseTimedOut,
	PhaseHookRunning, PhaseHookSucceeded, PhaseHookFailed,
}

// PhaseNames returns Phases as strings, for metric labels.
func PhaseNames() []string {
	names := make([]string, len(Phases))
	for i, p := range Phases {
		names[i] = string(p)
	}
	return names
}

var transitions = map[Phase][]Phase{
	PhaseIdle:          {PhaseScheduled},
	PhaseScheduled:     {PhaseRunning, PhaseIdle},
	PhaseRunning:       {PhaseSucceeded, PhaseFailed, PhaseTimedOut},
	PhaseSucceeded:     {PhaseHookRunning, PhaseIdle},
	PhaseFailed:        {PhaseIdle},
	PhaseTimedOut:      {PhaseIdle},
	PhaseHookRunning:   {PhaseHookSucceeded, PhaseHookFailed},
	PhaseHookSucceeded: {PhaseIdle},
	PhaseHookFailed:    {PhaseIdle},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Lifecycle tracks the current phase. Safe for concurrent use.
type Lifecycle struct {
	mu       sync.RWMutex
	phase    Phase
	since    time.Time
	now      func() time.Time
	onChange func(Phase)
}

// NewLifecycle starts in PhaseIdle. onChange may be nil.
func NewLifecycle(now func() time.Time, onChange func(Phase)) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	l := &Lifecycle{phase: PhaseIdle, since: now(), now: now, onChange: onChange}
	if onChange != nil {
		onChange(PhaseIdle)
	}
	return l
}

// Transition moves to the given phase, or returns an error and stays put
// if the move is not allowed.
func (l *Lifecycle) Transition(to Phase) error {
	l.mu.Lock()
	from := l.phase
	if !CanTransition(from, to) {
		l.mu.Unlock()
		return errors.Newf("invalid phase transition %s -> %s", from, to)
	}
	l.phase = to
	l.since = l.now()
	l.mu.Unlock()

	if l.onChange != nil {
		l.onChange(to)
	}
	return nil
}

// Reset forces PhaseIdle. Used after a recovered panic.
func (l *Lifecycle) Reset() {
	l.mu.Lock()
	l.phase = PhaseIdle
	l.since = l.now()
	l.mu.Unlock()

	if l.onChange != nil {
		l.onChange(PhaseIdle)
	}
}

// Phase returns the current phase and when it was entered.
func (l *Lifecycle) Phase() (Phase, time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.phase, l.since
}
