// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package example

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/parexec"
	"github.com/grailbio/parexec/checkpoint"
	"github.com/grailbio/parexec/exec"
	"github.com/grailbio/testutil"
)

func writeLines(t *testing.T, dir, name string, n int) string {
	t.Helper()
	var buf []byte
	for i := 0; i < n; i++ {
		buf = append(buf, fmt.Sprintf("line %d\n", i)...)
	}
	path := filepath.Join(dir, name)
	if err := ioutil.WriteFile(path, buf, 0666); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLineCount(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	sess := exec.Start(
		exec.Debug,
		exec.LogDir(filepath.Join(dir, "logs")),
		exec.CheckpointDir(filepath.Join(dir, "checkpoints")),
		exec.PollInterval(10*time.Millisecond),
	)
	inputs := []exec.Input{
		{ID: "small", Args: []interface{}{writeLines(t, dir, "small", 10)}},
		{ID: "large", Args: []interface{}{writeLines(t, dir, "large", 1000)}},
	}
	results, err := sess.Run(context.Background(), LineCount, inputs)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []int{10, 1000} {
		if results[i].Err != nil {
			t.Fatal(results[i].Err)
		}
		if got := results[i].Value.(int); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

// Run LineCount past its deadline so that it checkpoints, then
// restore it from the checkpoint file and let it finish.
func TestLineCountResume(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	path := writeLines(t, dir, "input", 100)
	prefix := filepath.Join(dir, "job0")

	inv := LineCount.Invocation(path)
	job := parexec.NewJob(ctx, "job0", prefix, inv, time.Now().Add(-time.Second), false)
	_, err := inv.Invoke(job, nil)
	if err != parexec.ErrCheckpointed {
		t.Fatalf("got %v, want %v", err, parexec.ErrCheckpointed)
	}

	v, err := parexec.RestoreAndRun(ctx, checkpoint.Path(prefix, ""))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v.(int), 100; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
