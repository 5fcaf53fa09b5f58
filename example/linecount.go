// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package example holds a small worked example of a resumable
// parexec func. See linecount_test.go for how it is run and resumed.
package example

import (
	"bufio"
	"io"
	"io/ioutil"

	"github.com/grailbio/base/file"
	"github.com/grailbio/parexec"
)

// State is LineCount's resumable state: the byte offset of the next
// unread line and the count so far. Checkpoints are taken only at
// line boundaries, so a resumed run never sees a torn line.
type State struct {
	Offset int64
	Lines  int
}

// LineCount counts the lines of the file at path, reporting progress
// and checkpointing its position whenever asked. The path may name
// any filesystem registered with grailbio/base/file.
var LineCount = parexec.Func(func(job *parexec.Job, state State, path string) (int, error) {
	ctx := job.Context()
	f, err := file.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer f.Close(ctx)
	info, err := f.Stat(ctx)
	if err != nil {
		return 0, err
	}
	r := f.Reader(ctx)
	if state.Offset > 0 {
		if _, err := io.CopyN(ioutil.Discard, r, state.Offset); err != nil {
			return 0, err
		}
	}
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			state.Offset += int64(len(line))
			state.Lines++
		}
		switch err {
		case nil:
		case io.EOF:
			job.Progress(1)
			return state.Lines, nil
		default:
			return 0, err
		}
		if job.Progress(float64(state.Offset) / float64(info.Size())) {
			return 0, job.Checkpoint(state)
		}
	}
})
