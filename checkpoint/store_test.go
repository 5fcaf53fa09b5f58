// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package checkpoint

import (
	"context"
	"encoding/gob"
	"path/filepath"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

type testState struct {
	Cursor int
	Seen   map[string]int
	Rows   []string
}

func init() {
	gob.Register(testState{})
	gob.Register([]int{})
}

func TestWriteRead(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	prefix := filepath.Join(dir, "job0")

	fz := fuzz.New().NilChance(0).NumElements(1, 100)
	var state testState
	fz.Fuzz(&state)
	rec := Record{Func: 3, State: state, Args: []interface{}{"input.tsv", 42}}
	path, err := Write(ctx, prefix, rec, "")
	assert.NoError(t, err)
	assert.EQ(t, path, prefix+Suffix)

	got, err := Read(ctx, path)
	assert.NoError(t, err)
	assert.EQ(t, got.Func, rec.Func)
	assert.EQ(t, got.Args, rec.Args)
	if !reflect.DeepEqual(got.State, state) {
		t.Errorf("got %v, want %v", got.State, state)
	}

	state2, err := ReadState(ctx, path)
	assert.NoError(t, err)
	if !reflect.DeepEqual(state2, state) {
		t.Errorf("got %v, want %v", state2, state)
	}
}

func TestConsume(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	prefix := filepath.Join(dir, "job0")

	state, ok, err := Consume(ctx, prefix)
	assert.NoError(t, err)
	if ok {
		t.Fatalf("consumed nonexistent checkpoint: %v", state)
	}

	_, err = Write(ctx, prefix, Record{Func: 0, State: []int{1, 2, 3}}, "")
	assert.NoError(t, err)
	ok, err = Exists(ctx, prefix)
	assert.NoError(t, err)
	assert.EQ(t, ok, true)

	state, ok, err = Consume(ctx, prefix)
	assert.NoError(t, err)
	assert.EQ(t, ok, true)
	assert.EQ(t, state, []int{1, 2, 3})

	// Consuming deletes; a stale record must never be seen twice.
	ok, err = Exists(ctx, prefix)
	assert.NoError(t, err)
	assert.EQ(t, ok, false)
	_, ok, err = Consume(ctx, prefix)
	assert.NoError(t, err)
	assert.EQ(t, ok, false)
}

func TestTagged(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	prefix := filepath.Join(dir, "job0")

	path, err := Write(ctx, prefix, Record{State: []int{7}}, "indexerror")
	assert.NoError(t, err)
	assert.EQ(t, path, prefix+Suffix+"_indexerror")

	// A tagged checkpoint is invisible to the live-checkpoint calls.
	ok, err := Exists(ctx, prefix)
	assert.NoError(t, err)
	assert.EQ(t, ok, false)
	_, ok, err = Consume(ctx, prefix)
	assert.NoError(t, err)
	assert.EQ(t, ok, false)

	// And it survives a sweep.
	assert.NoError(t, Sweep(ctx, prefix))
	got, err := Read(ctx, path)
	assert.NoError(t, err)
	assert.EQ(t, got.State, []int{7})
}

func TestProgress(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	prefix := filepath.Join(dir, "job0")

	if got := ReadProgress(ctx, prefix); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
	for _, c := range []struct {
		frac float64
		want float64
	}{
		{0, 0},
		{0.111, 12},
		{0.5, 50},
		{1, 100},
		{-3, 0},
		{1.5, 100},
	} {
		assert.NoError(t, WriteProgress(ctx, prefix, c.frac))
		if got := ReadProgress(ctx, prefix); got != c.want {
			t.Errorf("frac %v: got %v, want %v", c.frac, got, c.want)
		}
	}
}

func TestSweep(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	prefixes := []string{filepath.Join(dir, "job0"), filepath.Join(dir, "job1")}

	_, err := Write(ctx, prefixes[0], Record{State: []int{1}}, "")
	assert.NoError(t, err)
	assert.NoError(t, WriteProgress(ctx, prefixes[0], 0.5))
	// job1 has no files at all; sweeping it must not be an error.
	assert.NoError(t, Sweep(ctx, prefixes...))
	ok, err := Exists(ctx, prefixes[0])
	assert.NoError(t, err)
	assert.EQ(t, ok, false)
	if got := ReadProgress(ctx, prefixes[0]); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
	// Sweeping is idempotent.
	assert.NoError(t, Sweep(ctx, prefixes...))
}
