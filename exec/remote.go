// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"os"

	"github.com/grailbio/base/data"
	"github.com/grailbio/parexec"
)

// Params carry the cluster resource requirements attached to each
// remote submission. Systems are free to ignore parameters they have
// no use for.
type Params struct {
	// Project is the accounting project under which the work is
	// submitted.
	Project string
	// Priority is the scheduling priority, in the target system's own
	// scale.
	Priority int
	// Memory is the amount of memory reserved for each job.
	Memory data.Size
	// Threads is the number of CPUs reserved for each job.
	Threads int
}

// defaultParams returns the params used when the user supplies none.
func defaultParams() Params {
	return Params{
		Project: os.Getenv("PAREXEC_DEFAULT_PROJECT"),
		Memory:  8 * data.GiB,
		Threads: 1,
	}
}

// A System dispatches requests to a remote batch cluster. Remote jobs
// must see the batch's checkpoint directory, so a session that uses a
// System needs a shared checkpoint path (e.g. on S3).
//
// Submit may block while cluster capacity is acquired; the evaluation
// loop runs submissions asynchronously and rate-limits them, since
// cluster schedulers tend to throttle bursty clients.
type System interface {
	// Name returns a short name for the system, for logs and status
	// displays.
	Name() string
	// Submit dispatches the request for remote execution and returns a
	// future for its outcome.
	Submit(ctx context.Context, req Request, params Params) (Future, error)
	// Shutdown releases the system's cluster resources. It is called
	// once, after the batch's last job has been reaped.
	Shutdown()
}

// A Future is a handle on one remotely running request. It is pollable
// and never blocks.
type Future interface {
	// Done reports whether the request has finished, and if so, its
	// outcome.
	Done() (parexec.Outcome, bool)
}

// remoteRun adapts a Future to the evaluation loop's reaper.
type remoteRun struct {
	future Future
}

// tryReap implements reaper.
func (r remoteRun) tryReap() (parexec.Outcome, bool) {
	return r.future.Done()
}

// submitRemote dispatches the request to the system in the
// background, returning a reaper immediately so that a blocking
// Submit cannot stall the evaluation loop. A submission error is
// fatal: the system has already retried what it reasonably could, and
// losing cluster access midway is not a per-job failure.
func submitRemote(ctx context.Context, system System, req Request, params Params) reaper {
	r := &remoteSubmit{donec: make(chan submitResult, 1)}
	go func() {
		future, err := system.Submit(ctx, req, params)
		r.donec <- submitResult{future, err}
	}()
	return r
}

type submitResult struct {
	future Future
	err    error
}

type remoteSubmit struct {
	donec chan submitResult
	run   reaper
}

// tryReap implements reaper.
func (r *remoteSubmit) tryReap() (parexec.Outcome, bool) {
	if r.run == nil {
		select {
		case res := <-r.donec:
			if res.err != nil {
				return parexec.Outcome{Kind: parexec.OutcomeFailed, Msg: res.err.Error(), Fatal: true}, true
			}
			r.run = remoteRun{res.future}
		default:
			return parexec.Outcome{}, false
		}
	}
	return r.run.tryReap()
}
