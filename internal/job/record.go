package job

import (
	"time"
)

// Status is the outcome of a run.
type Status string

const (
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusTimedOut     Status = "timed_out"
	StatusLaunchFailed Status = "launch_failed"
	// StatusSkipped marks a request that never ran: a hook whose job did
	// not succeed, or a fire dropped by the overlap guard.
	StatusSkipped Status = "skipped"
)

// RunRecord describes one execution of a job or hook. It is finalized when
// the run ends and not modified afterwards.
type RunRecord struct {
	ID        uint64    `json:"id" yaml:"id"`
	Kind      Kind      `json:"kind" yaml:"kind"`
	Name      string    `json:"name" yaml:"name"`
	Trigger   Trigger   `json:"trigger" yaml:"trigger"`
	ParentID  uint64    `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	PID       int       `json:"pid,omitempty" yaml:"pid,omitempty"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	EndedAt   time.Time `json:"ended_at" yaml:"ended_at"`
	Status    Status    `json:"status" yaml:"status"`
	ExitCode  int       `json:"exit_code" yaml:"exit_code"`

	// OutputPath is the stored combined output, empty when not stored.
	OutputPath  string `json:"output_path,omitempty" yaml:"output_path,omitempty"`
	Output      string `json:"output,omitempty" yaml:"output,omitempty"`
	OutputBytes int64  `json:"output_bytes" yaml:"output_bytes"`
	StdoutBytes int64  `json:"stdout_bytes" yaml:"stdout_bytes"`
	StderrBytes int64  `json:"stderr_bytes" yaml:"stderr_bytes"`
	Truncated   bool   `json:"truncated,omitempty" yaml:"truncated,omitempty"`

	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Succeeded reports whether the run exited with status 0.
func (r RunRecord) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// Ran reports whether a run id was assigned, i.e. the request got past
// the guard and was recorded.
func (r RunRecord) Ran() bool {
	return r.ID != 0
}

// Duration is the wall time of the run.
func (r RunRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
