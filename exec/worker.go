// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/parexec"
	"github.com/grailbio/parexec/checkpoint"
)

// workerEnv marks a process as a local parexec worker. Processes
// started with it read a gob-encoded Request from standard input, run
// the job, and deliver the gob-encoded Outcome on file descriptor 3.
const workerEnv = "PAREXEC_WORKER"

// resultFd is the file descriptor on which a worker process delivers
// its outcome; it is the first entry of the launching Cmd's ExtraFiles.
const resultFd = 3

// fatalErr is used to match fatal errors.
var fatalErr = errors.E(errors.Fatal)

// A Request fully describes one job run. Requests are serializable
// and are delivered to local worker processes over their standard
// input and to remote machines by RPC.
type Request struct {
	// ID is the job's identifier, unique within the batch.
	ID string
	// Inv names the registered func and carries the job's arguments.
	Inv parexec.Invocation
	// CheckpointPrefix is the job's checkpoint key: the job's
	// checkpoint and progress files live at this prefix.
	CheckpointPrefix string
	// Deadline is the job's soft time budget. After it elapses, the
	// job's Progress calls return true, asking it to checkpoint. Zero
	// means the job is never asked (local and inline dispatch).
	Deadline time.Duration
}

// runJob executes one job run to completion, suspension, or failure.
// It consumes the job's live checkpoint, if one exists, as the resume
// state. Failures, returned errors as well as panics, are captured
// and reported in the outcome, never re-raised: error values raised by
// arbitrary user code may not be transportable across the worker
// boundary.
func runJob(ctx context.Context, req Request) (out parexec.Outcome) {
	state, resumed, err := checkpoint.Consume(ctx, req.CheckpointPrefix)
	if err != nil {
		// Checkpoint loss must abort the batch, not just the job:
		// resuming without it would silently produce wrong results.
		return parexec.Outcome{
			Kind:  parexec.OutcomeFailed,
			Msg:   fmt.Sprintf("reading checkpoint for %s: %v", req.ID, err),
			Fatal: true,
		}
	}
	var deadline time.Time
	if req.Deadline > 0 {
		deadline = time.Now().Add(req.Deadline)
	}
	job := parexec.NewJob(ctx, req.ID, req.CheckpointPrefix, req.Inv, deadline, resumed)
	defer func() {
		if e := recover(); e != nil {
			out = parexec.Outcome{
				Kind: parexec.OutcomeFailed,
				Msg:  fmt.Sprintf("panic while running %s: %v\n%s", req.ID, e, string(debug.Stack())),
			}
		}
	}()
	value, err := req.Inv.Invoke(job, state)
	switch {
	case err == nil:
		return parexec.Outcome{Kind: parexec.OutcomeValue, Value: value}
	case err == parexec.ErrCheckpointed:
		return parexec.Outcome{Kind: parexec.OutcomeSuspended}
	case errors.Match(fatalErr, err):
		return parexec.Outcome{Kind: parexec.OutcomeFailed, Msg: err.Error(), Fatal: true}
	default:
		return parexec.Outcome{Kind: parexec.OutcomeFailed, Msg: err.Error()}
	}
}

// maybeWorker runs the local worker protocol and exits if this
// process was launched as a worker; otherwise it is a no-op. It is
// called by Start, which must therefore run after all funcs have been
// registered.
func maybeWorker() {
	if os.Getenv(workerEnv) == "" {
		return
	}
	var req Request
	if err := gob.NewDecoder(os.Stdin).Decode(&req); err != nil {
		log.Error.Printf("worker: reading request: %v", err)
		os.Exit(2)
	}
	out := runJob(backgroundcontext.Get(), req)
	result := os.NewFile(resultFd, "result")
	code := 0
	if err := gob.NewEncoder(result).Encode(out); err != nil {
		log.Error.Printf("worker %s: delivering outcome: %v", req.ID, err)
		code = 2
	}
	if err := result.Close(); err != nil {
		log.Error.Printf("worker %s: closing result pipe: %v", req.ID, err)
		code = 2
	}
	os.Exit(code)
}
