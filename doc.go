// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package parexec runs a single user-supplied function over many
	independent inputs, spreading the work between a bounded pool of
	local worker processes and a remote batch cluster, with transparent
	checkpoint/resume so that long-running or preemptible jobs never
	lose progress.

	Functions run under parexec have the signature

		func(job *parexec.Job, state StateT, args...) (ResultT, error)

	and are registered with parexec.Func:

		var count = parexec.Func(func(job *parexec.Job, state *countState, n int) (int, error) {
			i := 0
			if state != nil {
				i = state.Next
			}
			for ; i < n; i++ {
				// ... one unit of the demanding calculation ...
				if job.Progress(float64(i) / float64(n)) {
					return 0, job.Checkpoint(&countState{Next: i})
				}
			}
			return n, nil
		})

	The state argument is the zero value on a first run; when a job is
	resumed from a checkpoint, it holds the state previously passed to
	Checkpoint. Functions that intend to be interrupted must call
	Progress regularly: when it returns true, the framework is asking
	the job to stop, and the function should assemble a resumable state
	and return the result of job.Checkpoint. Only remote jobs are asked
	to checkpoint by the framework; local jobs may still checkpoint
	themselves with WriteCheckpoint.

	Errors returned (or panics raised) by the function are captured and
	reported as a Failure carrying the formatted message, since the
	underlying error values are not guaranteed to survive transport
	across process or machine boundaries.

	Because Go cannot serialize code to be executed remotely, parexec
	follows the same constraints as Bigslice: all funcs must be created
	by parexec.Func before exec.Start is called, in deterministic
	order. If funcs are global variables and exec.Start is called from
	the program's main, the program is compliant. Checkpoint files name
	funcs by registration index and can thus be restored only by the
	same binary.

	Keep arguments and return values small; use files for large
	results. Checkpoint and progress files may be placed on any
	filesystem registered with github.com/grailbio/base/file (e.g. S3),
	which is how checkpoints written on remote machines become visible
	to the coordinating process.
*/
package parexec
