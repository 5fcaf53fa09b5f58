// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import "testing"

func TestJobState(t *testing.T) {
	for state, name := range map[jobState]string{
		jobWaiting:         "WAITING",
		jobLocal:           "LOCAL",
		jobRemote:          "REMOTE",
		jobAwaitCheckpoint: "CHECKPOINT",
	} {
		if got, want := state.String(), name; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	for _, state := range []jobState{jobWaiting, jobInline, jobLocal, jobRemote, jobAwaitCheckpoint} {
		if state.final() {
			t.Errorf("state %s should not be final", state)
		}
	}
	for _, state := range []jobState{jobOk, jobErr} {
		if !state.final() {
			t.Errorf("state %s should be final", state)
		}
		if state.running() {
			t.Errorf("state %s should not be running", state)
		}
	}
	for _, state := range []jobState{jobInline, jobLocal, jobRemote} {
		if !state.running() {
			t.Errorf("state %s should be running", state)
		}
	}
}
