// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parexec

import "errors"

// ErrCheckpointed is returned by Job.Checkpoint after the resumable
// state has been persisted. The user function must propagate it as
// its error result; the worker boundary translates it into a
// Suspended outcome. It is a control signal, not a failure.
var ErrCheckpointed = errors.New("job checkpointed")

// Failure messages with reserved meanings.
const (
	// Terminated is reported when a worker process or remote task
	// vanished without delivering a result. It is indistinguishable
	// from a deliberate kill.
	Terminated = "terminated"
	// Checkpointed is reported when a job that was not asked to
	// checkpoint (local or inline) suspended itself anyway.
	Checkpointed = "checkpointed"
)

// A Failure is a transportable stand-in for an error raised by a
// user function. Arbitrary error values cannot be serialized across
// process and machine boundaries; a Failure, which carries only the
// formatted message, always can. A job's final result is either the
// function's return value or a Failure, never both.
type Failure struct {
	Msg string
}

// Error implements error.
func (f *Failure) Error() string { return f.Msg }

// OutcomeKind discriminates the variants of an Outcome.
type OutcomeKind int

const (
	// OutcomeValue indicates a normal return; Outcome.Value holds the
	// function's result.
	OutcomeValue OutcomeKind = iota
	// OutcomeSuspended indicates the job checkpointed and exited; its
	// resumable state is on disk.
	OutcomeSuspended
	// OutcomeFailed indicates the function returned an error or panicked;
	// Outcome.Msg holds the formatted failure.
	OutcomeFailed
)

var outcomeKinds = [...]string{
	OutcomeValue:     "value",
	OutcomeSuspended: "suspended",
	OutcomeFailed:    "failed",
}

func (k OutcomeKind) String() string { return outcomeKinds[k] }

// An Outcome is the tagged result delivered across the worker
// boundary: exactly one of a returned value, a checkpoint-requested
// suspension, or a failure. Modeling suspension as an explicit
// variant avoids relying on the absence of an error to mean success.
type Outcome struct {
	Kind  OutcomeKind
	Value interface{}
	Msg   string
	// Fatal marks failures that must abort the whole batch, such as
	// checkpoint I/O errors: losing a checkpoint silently would make
	// resumption produce wrong results.
	Fatal bool
}

// Result reports the outcome as a caller-facing Result.
func (o Outcome) Result() Result {
	switch o.Kind {
	case OutcomeValue:
		return Result{Value: o.Value}
	case OutcomeSuspended:
		return Result{Err: &Failure{Msg: Checkpointed}}
	default:
		return Result{Err: &Failure{Msg: o.Msg}}
	}
}

// A Result is the final product of one job: the user function's
// return value, or a Failure if the job errored or was terminated.
type Result struct {
	Value interface{}
	Err   error
}
