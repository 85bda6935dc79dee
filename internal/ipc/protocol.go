// Package ipc is the daemon control socket: one JSON request and one JSON
// response per connection over a Unix socket.
package ipc

import (
	"time"

	"github.com/aatumaykin/pipetimer/internal/pipeline"
	"github.com/aatumaykin/pipetimer/internal/schedule"
)

// Request types.
const (
	TypeStatus  = "status"
	TypeTrigger = "trigger"
	TypeTimers  = "timers"
)

// Request is sent by the CLI.
type Request struct {
	Type string `json:"type"`
	// Wait makes a trigger request block until the fire completes.
	Wait bool `json:"wait,omitempty"`
	// Count is the number of upcoming fire times for a timers request.
	Count int `json:"count,omitempty"`
}

// Response is sent back by the daemon.
type Response struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Status  *StatusReply  `json:"status,omitempty"`
	Trigger *TriggerReply `json:"trigger,omitempty"`
	Timers  []time.Time   `json:"timers,omitempty"`
}

// StatusReply describes the running daemon.
type StatusReply struct {
	PID       int             `json:"pid" yaml:"pid"`
	Instance  string          `json:"instance" yaml:"instance"`
	StartedAt time.Time       `json:"started_at" yaml:"started_at"`
	Scheduler schedule.Status `json:"scheduler" yaml:"scheduler"`
	Pipeline  pipeline.Status `json:"pipeline" yaml:"pipeline"`
}

// TriggerReply reports a manual trigger. Completed is only set for waited
// requests whose fire ran.
type TriggerReply struct {
	Accepted  bool              `json:"accepted" yaml:"accepted"`
	Completed bool              `json:"completed" yaml:"completed"`
	Outcome   *schedule.Outcome `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Error     string            `json:"error,omitempty" yaml:"error,omitempty"`
}
