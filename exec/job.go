// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/grailbio/base/status"
	"github.com/grailbio/parexec"
)

// jobState represents the scheduling state of one job. States are
// owned and mutated exclusively by the evaluation loop; workers
// communicate only through their dedicated channel or future and the
// filesystem, so no locking is needed.
type jobState int

const (
	// jobWaiting indicates the job is waiting to be dispatched,
	// either for its first run or after a checkpoint.
	jobWaiting jobState = iota
	// jobInline indicates the job is running synchronously inside the
	// evaluation loop (debug mode).
	jobInline
	// jobLocal indicates the job is running in a local worker process.
	jobLocal
	// jobRemote indicates the job is running on the remote batch
	// cluster.
	jobRemote
	// jobOk indicates the job finished and delivered a result.
	jobOk
	// jobErr indicates the job finished with a failure.
	jobErr
	// jobAwaitCheckpoint indicates a remote job has checkpointed and
	// the loop is waiting for its checkpoint file to become visible.
	jobAwaitCheckpoint

	maxState
)

var states = [...]string{
	jobWaiting:         "WAITING",
	jobInline:          "INLINE",
	jobLocal:           "LOCAL",
	jobRemote:          "REMOTE",
	jobOk:              "OK",
	jobErr:             "ERROR",
	jobAwaitCheckpoint: "CHECKPOINT",
}

// String returns the state as an upper-case string.
func (s jobState) String() string { return states[s] }

// final tells whether the state is terminal.
func (s jobState) final() bool { return s == jobOk || s == jobErr }

// running tells whether a job in this state is currently executing.
func (s jobState) running() bool { return s == jobInline || s == jobLocal || s == jobRemote }

// A job is the per-run bookkeeping for one input: its immutable
// descriptor (id, invocation, derived path prefixes) and the mutable
// state owned by the evaluation loop.
type job struct {
	index int
	id    string
	inv   parexec.Invocation

	// cpPrefix is the job's checkpoint key: checkpoint and progress
	// files are cpPrefix + suffix. logPrefix names the job's stdout
	// and stderr log files.
	cpPrefix  string
	logPrefix string

	state  jobState
	result parexec.Result

	// resumptions counts the checkpoints consumed by this job so far.
	// Dispatch prefers jobs with fewer resumptions, biasing the
	// scheduler toward finishing jobs that have not yet needed one.
	resumptions int

	// run is the in-flight unit of work (local worker or remote
	// future) while the job is running; nil otherwise.
	run reaper

	status *status.Task
}

// String returns a short, human-readable description of the job.
func (j *job) String() string {
	s := fmt.Sprintf("job %s [%d] %s", j.id, j.index, j.state)
	if j.result.Err != nil {
		s += ": " + j.result.Err.Error()
	}
	return s
}

// A reaper is a pollable unit of in-flight work. tryReap returns the
// unit's outcome if it has completed; it never blocks. Both execution
// backends (local worker processes and remote futures) implement it,
// so the evaluation loop depends only on this interface.
type reaper interface {
	tryReap() (parexec.Outcome, bool)
}
