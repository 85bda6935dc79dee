// Package activity is the durable, queryable record of what the scheduler,
// the job and the hook did. Events are appended asynchronously by a single
// writer into SQLite and can be queried by time, source, severity, run and
// message pattern, followed in real time, and pruned by age or count.
package activity

import (
	"time"
)

// Source identifies the component that produced an event.
type Source string

const (
	SourceScheduler Source = "scheduler"
	SourceJob       Source = "job"
	SourceHook      Source = "hook"
)

// Event kinds.
const (
	KindSchedulerStart     = "scheduler.start"
	KindSchedulerStop      = "scheduler.stop"
	KindScheduleArmed      = "schedule.armed"
	KindFire               = "fire"
	KindFireSkip           = "fire.skip"
	KindFireMissed         = "fire.missed"
	KindTrigger            = "trigger.manual"
	KindRunStart           = "run.start"
	KindRunEnd             = "run.end"
	KindRunPanic           = "run.panic"
	KindHookSkip           = "hook.skip"
	KindStateLoadFailed    = "state.load_failed"
	KindStatePersistFailed = "state.persist_failed"
	KindRetentionPrune     = "retention.prune"
)

// Event is one activity log entry. ID is assigned by the store on commit.
type Event struct {
	ID       int64          `json:"id" yaml:"id"`
	Time     time.Time      `json:"time" yaml:"time"`
	Source   Source         `json:"source" yaml:"source"`
	Severity Severity       `json:"severity" yaml:"severity"`
	Kind     string         `json:"kind" yaml:"kind"`
	RunID    uint64         `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Message  string         `json:"message" yaml:"message"`
	Fields   map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Recorder accepts events. Implemented by Store; components depend on this
// so they can be tested without a database.
type Recorder interface {
	Append(ev Event) error
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Append(Event) error { return nil }
