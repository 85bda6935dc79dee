// Package errors provides error handling for pipetimer.
//
// It re-exports github.com/cockroachdb/errors (stack traces, wrapping,
// hints, markers) and defines the scheduler's error taxonomy. Taxonomy
// errors are attached with Mark so that Is keeps working through any amount
// of wrapping:
//
//	err := errors.Wrap(execErr, "start job")
//	return errors.Mark(err, errors.ErrLaunch)
//
//	if errors.Is(err, errors.ErrLaunch) {
//	    // record a failed run, keep scheduling
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Taxonomy. Only ErrConfig is fatal, and only at startup.
var (
	// ErrConfig marks malformed or missing configuration.
	ErrConfig = New("configuration error")

	// ErrLaunch marks a job or hook that could not be started
	// (executable not found, permission denied, bad working directory).
	ErrLaunch = New("launch error")

	// ErrRuntimeFailure marks a process that exited with a non-zero status.
	ErrRuntimeFailure = New("runtime failure")

	// ErrTimedOut marks a process that was terminated because its timeout expired.
	ErrTimedOut = New("timed out")

	// ErrHookFailure marks a failed post-success hook. It never propagates
	// into the job's own status.
	ErrHookFailure = New("hook failure")

	// ErrPersistence marks a failure to read or write schedule state.
	ErrPersistence = New("persistence error")
)

// Kind is a short, stable name for a taxonomy class. Used in activity
// event fields and metric labels.
type Kind string

const (
	KindNone        Kind = ""
	KindConfig      Kind = "config"
	KindLaunch      Kind = "launch"
	KindRuntime     Kind = "runtime"
	KindTimedOut    Kind = "timed_out"
	KindHook        Kind = "hook"
	KindPersistence Kind = "persistence"
	KindUnknown     Kind = "unknown"
)

// Classify returns the taxonomy class of err.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case Is(err, ErrConfig):
		return KindConfig
	case Is(err, ErrLaunch):
		return KindLaunch
	case Is(err, ErrTimedOut):
		return KindTimedOut
	case Is(err, ErrRuntimeFailure):
		return KindRuntime
	case Is(err, ErrHookFailure):
		return KindHook
	case Is(err, ErrPersistence):
		return KindPersistence
	default:
		return KindUnknown
	}
}

// IsFatal reports whether err must stop the process. Everything except a
// configuration error is survivable.
func IsFatal(err error) bool {
	return err != nil && Is(err, ErrConfig)
}
