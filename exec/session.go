// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"os"
	"runtime"
	"time"

	"github.com/grailbio/base/status"
)

const (
	// DefaultSoftDeadline is the soft time budget handed to remote
	// jobs when none is configured. It should be comfortably below the
	// cluster's hard kill time so that a job has room to checkpoint
	// after its budget elapses.
	DefaultSoftDeadline = 45 * time.Minute

	// DefaultPollInterval paces the evaluation loop.
	DefaultPollInterval = time.Second
)

// A Session runs batches of jobs. It holds the execution
// configuration shared by all batches run through it: the local
// worker budget, the optional remote system, and the log and
// checkpoint directories.
//
// A session is created by Start. All funcs must be created before
// Start is called, and in a deterministic order; this is provided by
// default when funcs are created as part of package initialization.
type Session struct {
	debug         bool
	local         int
	remote        int
	system        System
	softDeadline  time.Duration
	logDir        string
	checkpointDir string
	pollInterval  time.Duration
	params        Params
	status        *status.Status

	// dispatchInterval is the minimum spacing between dispatches.
	// Process spawning and cluster submission both misbehave under
	// bursts. Tests shorten it.
	dispatchInterval time.Duration
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Debug configures the session to run every job inline in the
// calling goroutine, with no workers and no parallelism, so that an
// ordinary debugger and stack traces work.
var Debug Option = func(s *Session) {
	s.debug = true
}

// Local configures the session's local worker budget: at most n
// worker processes run on this host at a time. The default budget is
// runtime.NumCPU.
func Local(n int) Option {
	if n <= 0 {
		panic("exec.Local: n <= 0")
	}
	return func(s *Session) {
		s.local = n
	}
}

// Remote configures the session to dispatch jobs to the provided
// system whenever the local worker budget is exhausted. At most n
// jobs run remotely at a time; n <= 0 means no limit.
func Remote(system System, n int) Option {
	return func(s *Session) {
		s.system = system
		s.remote = n
	}
}

// SoftDeadline configures the soft time budget handed to remote jobs.
func SoftDeadline(d time.Duration) Option {
	if d <= 0 {
		panic("exec.SoftDeadline: d <= 0")
	}
	return func(s *Session) {
		s.softDeadline = d
	}
}

// LogDir configures the directory under which per-batch log
// directories are created. It must be a local path. The default is
// taken from the environment variable PAREXEC_LOG_PATH.
func LogDir(dir string) Option {
	return func(s *Session) {
		s.logDir = dir
	}
}

// CheckpointDir configures the directory under which per-batch
// checkpoint directories are created. Any filesystem registered with
// grailbio/base/file may be named; sessions with a remote system need
// a path the cluster can see, such as an S3 prefix. The default is
// taken from the environment variable PAREXEC_CHECKPOINT_PATH.
func CheckpointDir(dir string) Option {
	return func(s *Session) {
		s.checkpointDir = dir
	}
}

// PollInterval configures the pacing of the evaluation loop: how
// often workers are reaped and the filesystem is polled for remote
// checkpoints.
func PollInterval(d time.Duration) Option {
	if d <= 0 {
		panic("exec.PollInterval: d <= 0")
	}
	return func(s *Session) {
		s.pollInterval = d
	}
}

// Resources configures the cluster resource parameters attached to
// remote submissions.
func Resources(params Params) Option {
	return func(s *Session) {
		s.params = params
	}
}

// Status configures the session with a status object to which batch
// progress is reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Start creates and starts a new session, configuring it according to
// the provided options. Start must be called from the main binary
// path, after all funcs have been registered: when the binary was
// launched as a local worker, Start runs the requested job and exits
// instead of returning.
func Start(options ...Option) *Session {
	maybeWorker()
	s := &Session{
		local:         runtime.NumCPU(),
		softDeadline:  DefaultSoftDeadline,
		pollInterval:  DefaultPollInterval,
		logDir:        os.Getenv("PAREXEC_LOG_PATH"),
		checkpointDir: os.Getenv("PAREXEC_CHECKPOINT_PATH"),
		params:        defaultParams(),

		dispatchInterval: time.Second,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.system != nil && s.remote <= 0 {
		// Effectively unlimited; the cluster is the limit.
		s.remote = 1 << 20
	}
	return s
}

// Shutdown releases the session's remote resources, if any. It
// should be called once, after the session's last batch.
func (s *Session) Shutdown() {
	if s.system != nil {
		s.system.Shutdown()
	}
}
