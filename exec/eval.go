// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec runs batches of parexec jobs. A session dispatches
// each job to a local worker process while the local budget allows,
// and to a remote batch system beyond that. Remote jobs run under a
// soft deadline and may suspend themselves by checkpointing; the
// evaluation loop watches for their checkpoints and reschedules them,
// preferring jobs that have checkpointed the fewest times.
//
// Job state is tracked by a single evaluation loop per batch. The
// loop is a poller: workers and futures are reaped without blocking,
// and remote checkpoint files are discovered by polling the
// checkpoint directory, since they may be written by another host.
package exec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/parexec"
	"github.com/grailbio/parexec/checkpoint"
	"github.com/spaolacci/murmur3"
	"golang.org/x/time/rate"
)

// An Input is one job of a batch: an identifier together with the
// arguments applied to the batch's func.
type Input struct {
	// ID identifies the job within the batch. It is used in log and
	// checkpoint file names and so should be filesystem friendly. IDs
	// must be unique within the batch; an empty ID defaults to "jobN"
	// where N is the input's position.
	ID string
	// Args are the arguments applied to the batch's func for this job.
	Args []interface{}
}

// Run applies the func f to each of the inputs, in parallel, and
// returns one result per input, in input order. Jobs run in local
// worker processes up to the session's local budget; the overflow is
// dispatched to the session's remote system, if any. Run returns when
// every job has either delivered a value or failed permanently.
//
// Per-job failures are reported in the job's Result and do not stop
// the batch. Run itself returns an error only when the whole batch
// must be abandoned: a fatal job outcome, a lost checkpoint, a
// submission failure, or ctx cancellation.
//
// Run panics with a type error if any input's arguments do not match
// f's signature.
func (s *Session) Run(ctx context.Context, f *parexec.FuncValue, inputs []Input) ([]parexec.Result, error) {
	if len(inputs) == 0 {
		return nil, errors.E(errors.Invalid, "exec.Run: no inputs")
	}
	if s.logDir == "" {
		return nil, errors.E(errors.Invalid, "exec.Run: no log directory configured")
	}
	if s.checkpointDir == "" {
		return nil, errors.E(errors.Invalid, "exec.Run: no checkpoint directory configured")
	}
	b, err := s.newBatch(f, inputs)
	if err != nil {
		return nil, err
	}
	log.Printf("batch %s: %d jobs, logs %s, checkpoints %s",
		b.name, len(b.jobs), b.logDir, b.checkpointDir)
	defer b.cleanup()
	if err := b.eval(ctx); err != nil {
		return nil, err
	}
	results := make([]parexec.Result, len(b.jobs))
	for i, j := range b.jobs {
		results[i] = j.result
	}
	return results, nil
}

// A batch is one Run invocation: its jobs and the batch-scoped
// directories and display handles.
type batch struct {
	sess          *Session
	name          string
	logDir        string
	checkpointDir string
	jobs          []*job
	group         *status.Group
}

// newBatch derives the batch's name and directories and builds the
// per-job bookkeeping. The batch name carries a tag derived from
// host, pid, and time, so that concurrent and successive runs of the
// same func keep their files apart; the log directory doubles as the
// uniqueness check.
func (s *Session) newBatch(f *parexec.FuncValue, inputs []Input) (*batch, error) {
	b := &batch{sess: s}
	if err := os.MkdirAll(s.logDir, 0777); err != nil {
		return nil, errors.E("exec.Run", s.logDir, err)
	}
	for i := 0; ; i++ {
		b.name = f.Name() + "__" + randTag()
		b.logDir = filepath.Join(s.logDir, b.name)
		err := os.Mkdir(b.logDir, 0777)
		if err == nil {
			break
		}
		if !os.IsExist(err) || i == 9 {
			return nil, errors.E("exec.Run", b.logDir, err)
		}
	}
	b.checkpointDir = file.Join(s.checkpointDir, b.name)
	seen := make(map[string]bool, len(inputs))
	b.jobs = make([]*job, len(inputs))
	for i, in := range inputs {
		id := in.ID
		if id == "" {
			id = fmt.Sprintf("job%d", i)
		}
		if seen[id] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("exec.Run: duplicate job id %q", id))
		}
		seen[id] = true
		b.jobs[i] = &job{
			index:     i,
			id:        id,
			inv:       f.Invocation(in.Args...),
			cpPrefix:  file.Join(b.checkpointDir, id),
			logPrefix: filepath.Join(b.logDir, id),
		}
	}
	if s.status != nil {
		b.group = s.status.Group(b.name)
	}
	return b, nil
}

// cleanup sweeps the batch's live checkpoint and progress files and
// retires its status display. Tagged diagnostic checkpoints survive
// the sweep. Sweeping runs on the background context so that it still
// happens when the batch was canceled.
func (b *batch) cleanup() {
	prefixes := make([]string, len(b.jobs))
	for i, j := range b.jobs {
		prefixes[i] = j.cpPrefix
		if j.status != nil {
			j.status.Done()
			j.status = nil
		}
	}
	if err := checkpoint.Sweep(backgroundcontext.Get(), prefixes...); err != nil {
		log.Error.Printf("batch %s: sweeping checkpoints: %v", b.name, err)
	}
}

// eval drives the batch to completion. Each pass reaps finished
// workers and futures, promotes remote jobs whose checkpoints have
// become visible, dispatches waiting jobs into the available budget,
// and publishes progress; passes are separated by the session's poll
// interval. Dispatches are spaced by the session's dispatch interval,
// one per second by default, since both process spawning and cluster
// submission misbehave under bursts.
func (b *batch) eval(ctx context.Context) error {
	s := b.sess
	limiter := rate.NewLimiter(rate.Every(s.dispatchInterval), 1)
	for {
		for _, j := range b.jobs {
			if !j.state.running() {
				continue
			}
			out, ok := j.run.tryReap()
			if !ok {
				continue
			}
			j.run = nil
			if err := b.finish(j, out); err != nil {
				return err
			}
		}
		for _, j := range b.jobs {
			if j.state != jobAwaitCheckpoint {
				continue
			}
			ok, err := checkpoint.Exists(ctx, j.cpPrefix)
			if err != nil {
				return errors.E(errors.Fatal, "polling checkpoint", j.id, err)
			}
			if ok {
				j.state = jobWaiting
				j.resumptions++
			}
		}
		for {
			j := b.pickWaiting()
			if j == nil {
				break
			}
			mode := b.pickMode()
			if mode == jobWaiting {
				break
			}
			if !limiter.Allow() {
				break
			}
			if err := b.dispatch(ctx, j, mode); err != nil {
				return err
			}
		}
		b.publishProgress(ctx)
		if b.done() {
			return nil
		}
		select {
		case <-time.After(s.pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pickWaiting returns the next job to dispatch: among waiting jobs,
// the one that has consumed the fewest checkpoints, breaking ties by
// input order. Jobs that have never had to suspend are finished first.
func (b *batch) pickWaiting() *job {
	var pick *job
	for _, j := range b.jobs {
		if j.state != jobWaiting {
			continue
		}
		if pick == nil || j.resumptions < pick.resumptions {
			pick = j
		}
	}
	return pick
}

// pickMode chooses where the next dispatch goes: inline in debug
// sessions, locally while the local budget allows, remotely while the
// remote budget allows, and nowhere (jobWaiting) when both budgets
// are exhausted.
func (b *batch) pickMode() jobState {
	s := b.sess
	if s.debug {
		return jobInline
	}
	var nlocal, nremote int
	for _, j := range b.jobs {
		switch j.state {
		case jobLocal:
			nlocal++
		case jobRemote:
			nremote++
		}
	}
	if nlocal < s.local {
		return jobLocal
	}
	if s.system != nil && nremote < s.remote {
		return jobRemote
	}
	return jobWaiting
}

// dispatch starts one run of j in the chosen mode.
func (b *batch) dispatch(ctx context.Context, j *job, mode jobState) error {
	s := b.sess
	req := Request{
		ID:               j.id,
		Inv:              j.inv,
		CheckpointPrefix: j.cpPrefix,
	}
	if mode == jobRemote {
		// Only remote jobs get a deadline: local ones are not at the
		// mercy of a cluster's hard kill.
		req.Deadline = s.softDeadline
	}
	if j.status == nil && b.group != nil {
		j.status = b.group.Start(j.id)
	}
	j.state = mode
	switch mode {
	case jobInline:
		out := runJob(ctx, req)
		return b.finish(j, out)
	case jobLocal:
		run, err := localRun(req, j.logPrefix)
		if err != nil {
			return errors.E(errors.Fatal, "starting worker", j.id, err)
		}
		j.run = run
	case jobRemote:
		j.run = submitRemote(ctx, s.system, req, s.params)
	}
	return nil
}

// finish records the outcome of one run of j. A suspension is honored
// only for remote runs: a local or inline job that checkpoints had no
// deadline asking it to, so its suspension is recorded as an error
// and the job is not rescheduled. Its checkpoint remains on disk
// until the batch sweep, available for inspection while the batch
// runs.
func (b *batch) finish(j *job, out parexec.Outcome) error {
	wasRemote := j.state == jobRemote
	switch out.Kind {
	case parexec.OutcomeValue:
		j.state = jobOk
		j.result = out.Result()
	case parexec.OutcomeSuspended:
		if wasRemote {
			j.state = jobAwaitCheckpoint
			break
		}
		// The job was never asked to checkpoint; record its suspension
		// as an error rather than rescheduling it. Its checkpoint stays
		// on disk until the batch sweep.
		j.state = jobErr
		j.result = out.Result()
	case parexec.OutcomeFailed:
		j.state = jobErr
		j.result = out.Result()
		if out.Fatal {
			return errors.E(errors.Fatal, fmt.Sprintf("job %s: %s", j.id, out.Msg))
		}
		// Keep the failure with the job's own output.
		b.logError(j, out.Msg)
	}
	if j.status != nil {
		switch {
		case j.state == jobOk:
			j.status.Print("done")
		case j.state == jobAwaitCheckpoint:
			j.status.Print(parexec.Checkpointed)
		case j.result.Err != nil:
			j.status.Printf("error: %s", j.result.Err)
		}
	}
	if j.state.final() && j.status != nil {
		j.status.Done()
		j.status = nil
	}
	return nil
}

// logError appends msg to the job's stderr log, so that remote
// failures are found next to the job's own output.
func (b *batch) logError(j *job, msg string) {
	f, err := appendLog(j.logPrefix + ".stderr")
	if err != nil {
		log.Error.Printf("%s: %v", j.id, err)
		return
	}
	fmt.Fprintln(f, msg)
	if err := f.Close(); err != nil {
		log.Error.Printf("%s: %v", j.id, err)
	}
}

// done tells whether every job has reached a terminal state.
func (b *batch) done() bool {
	for _, j := range b.jobs {
		if !j.state.final() {
			return false
		}
	}
	return true
}

// publishProgress refreshes the status display: a per-state census
// and the mean in-flight progress on the group line, and last-reported
// progress on each running job's line.
func (b *batch) publishProgress(ctx context.Context) {
	if b.group == nil {
		return
	}
	var census [maxState]int
	for _, j := range b.jobs {
		census[j.state]++
		if j.status != nil && (j.state.running() || j.state == jobAwaitCheckpoint) {
			j.status.Printf("%s %.0f%%", strings.ToLower(j.state.String()),
				checkpoint.ReadProgress(ctx, j.cpPrefix))
		}
	}
	pct, _ := b.inflightProgress(ctx)
	b.group.Printf("%.0f%% wait:%d loc:%d rem:%d end:%d err:%d cpt:%d",
		pct,
		census[jobWaiting], census[jobLocal]+census[jobInline], census[jobRemote],
		census[jobOk], census[jobErr], census[jobAwaitCheckpoint])
}

// inflightProgress returns the mean of the last-reported progress
// percentages of the jobs currently running or awaiting their
// checkpoints, along with their number. A job that has not reported
// yet counts as 0; finished and waiting jobs are not counted at all.
func (b *batch) inflightProgress(ctx context.Context) (float64, int) {
	var (
		sum float64
		n   int
	)
	for _, j := range b.jobs {
		if !j.state.running() && j.state != jobAwaitCheckpoint {
			continue
		}
		sum += checkpoint.ReadProgress(ctx, j.cpPrefix)
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

// randTag returns a short tag to keep batch directories distinct
// across hosts, processes, and time.
func randTag() string {
	host, _ := os.Hostname()
	h := murmur3.Sum32([]byte(fmt.Sprintf("%s:%d:%d", host, os.Getpid(), time.Now().UnixNano())))
	return fmt.Sprintf("%08x", h)
}
