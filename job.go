// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parexec

import (
	"context"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/parexec/checkpoint"
)

// A Job is the execution context threaded into a running user
// function. It carries the job's identity, its checkpoint location,
// and its soft deadline, and provides the progress-report and
// checkpoint calls of the framework contract. Context is threaded
// explicitly as a parameter rather than through process-global state,
// so any number of jobs may run in one process.
type Job struct {
	ctx      context.Context
	id       string
	prefix   string
	inv      Invocation
	deadline time.Time
	resumed  bool
}

// NewJob creates the execution context for one job run. It is
// used by the exec package and by RestoreAndRun; user functions
// receive their Job from the framework.
func NewJob(ctx context.Context, id, prefix string, inv Invocation, deadline time.Time, resumed bool) *Job {
	return &Job{ctx: ctx, id: id, prefix: prefix, inv: inv, deadline: deadline, resumed: resumed}
}

// ID returns the job's identifier, unique within its batch.
func (j *Job) ID() string { return j.id }

// Resumed tells whether this run was restored from a checkpoint.
func (j *Job) Resumed() bool { return j.resumed }

// Context returns the context governing this job run.
func (j *Job) Context() context.Context { return j.ctx }

// Progress records the job's progress as a fraction in [0, 1] and
// reports whether the framework is asking the job to checkpoint.
// Once Progress returns true, the function should assemble a
// resumable state and return the result of Checkpoint.
//
// Progress involves a small file write, so it should not be called
// too frequently; but it must be called often enough that a remote
// job can save its state between the soft deadline and the cluster's
// hard kill. Only jobs with a soft deadline (remote dispatch) are
// ever asked to checkpoint.
func (j *Job) Progress(frac float64) bool {
	if err := checkpoint.WriteProgress(j.ctx, j.prefix, frac); err != nil {
		log.Error.Printf("%s: progress: %v", j.id, err)
	}
	return !j.deadline.IsZero() && time.Now().After(j.deadline)
}

// Checkpoint persists state, together with the job's func and
// original arguments, as the job's live checkpoint, and returns
// ErrCheckpointed for the function to propagate as its error result.
// The framework will later re-invoke the function with this exact
// state as its resume argument.
//
// A failed checkpoint write is returned as a fatal error and aborts
// the whole batch: swallowing it would make resumption produce wrong
// results.
func (j *Job) Checkpoint(state interface{}) error {
	rec := checkpoint.Record{Func: j.inv.Func, State: state, Args: j.inv.Args}
	if _, err := checkpoint.Write(j.ctx, j.prefix, rec, ""); err != nil {
		return errors.E(errors.Fatal, "checkpoint", j.id, err)
	}
	return ErrCheckpointed
}

// WriteCheckpoint persists a tagged diagnostic checkpoint without
// suspending the job. This comes handy when an error is captured
// inside the function and the state should be examined later with
// RestoreAndRun; tag may describe the error. The returned path names
// the written file. Tagged checkpoints are not swept at batch exit.
func (j *Job) WriteCheckpoint(state interface{}, tag string) (string, error) {
	rec := checkpoint.Record{Func: j.inv.Func, State: state, Args: j.inv.Args}
	return checkpoint.Write(j.ctx, j.prefix, rec, tag)
}
