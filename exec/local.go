// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"encoding/gob"
	"fmt"
	"os"
	osexec "os/exec"

	"github.com/grailbio/base/log"
	"github.com/grailbio/parexec"
)

// A spawnFunc starts one local worker for the given request and
// returns a reaper for its outcome. The spawned worker owns the two
// log files and must close them when it is done with them. Tests
// substitute an in-process implementation.
type spawnFunc func(req Request, stdout, stderr *os.File) (reaper, error)

var spawn spawnFunc = spawnProcess

// localRun dispatches the request to a fresh local worker process,
// appending the worker's stdout and stderr to the job's log files.
// Appending, not truncating, keeps the output of earlier runs of a
// resumed job.
func localRun(req Request, logPrefix string) (reaper, error) {
	stdout, err := appendLog(logPrefix + ".stdout")
	if err != nil {
		return nil, err
	}
	stderr, err := appendLog(logPrefix + ".stderr")
	if err != nil {
		stdout.Close()
		return nil, err
	}
	return spawn(req, stdout, stderr)
}

func appendLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
}

// A localWorker tracks one spawned worker process. A single goroutine
// per worker collects the outcome from the result pipe and then waits
// on the process, delivering exactly one Outcome on donec; tryReap
// only polls that channel, so reaping never blocks the evaluation
// loop on a wedged worker.
type localWorker struct {
	donec chan parexec.Outcome
	out   parexec.Outcome
	done  bool
}

// tryReap implements reaper.
func (w *localWorker) tryReap() (parexec.Outcome, bool) {
	if w.done {
		return w.out, true
	}
	select {
	case out := <-w.donec:
		w.out, w.done = out, true
		return out, true
	default:
		return parexec.Outcome{}, false
	}
}

// spawnProcess re-executes the current binary as a worker process.
// The worker is the same binary so that its func registry matches;
// the request travels on the worker's stdin and the outcome comes
// back on an inherited pipe, keeping stdout and stderr free for the
// user function.
//
// A worker that exits without delivering an outcome, for example
// because the kernel killed it, is reported as a "terminated"
// failure.
func spawnProcess(req Request, stdout, stderr *os.File) (r reaper, err error) {
	defer func() {
		if err != nil {
			stdout.Close()
			stderr.Close()
		}
	}()
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd := osexec.Command(exe)
	cmd.Env = append(os.Environ(), workerEnv+"=1")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{pw}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	// The child holds its own copies now.
	pw.Close()
	stdout.Close()
	stderr.Close()
	go func() {
		if err := gob.NewEncoder(stdin).Encode(req); err != nil {
			log.Error.Printf("worker %s: sending request: %v", req.ID, err)
		}
		stdin.Close()
	}()
	w := &localWorker{donec: make(chan parexec.Outcome, 1)}
	go func() {
		var out parexec.Outcome
		decErr := gob.NewDecoder(pr).Decode(&out)
		pr.Close()
		waitErr := cmd.Wait()
		if decErr != nil {
			// No outcome made it out of the process; all we know is
			// that it is gone.
			msg := parexec.Terminated
			if waitErr != nil {
				msg = fmt.Sprintf("%s: %v", parexec.Terminated, waitErr)
			}
			out = parexec.Outcome{Kind: parexec.OutcomeFailed, Msg: msg}
		}
		w.donec <- out
	}()
	return w, nil
}
