// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parexec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/parexec/typecheck"
)

type countState struct {
	N int
}

var count = Func(func(job *Job, state countState, incr int, label string) (int, error) {
	return state.N + incr, nil
})

var nilable = Func(func(job *Job, state countState, xs []int, m map[string]int) (int, error) {
	return len(xs) + len(m), nil
})

func expectTypeError(t *testing.T, message string, fn func()) {
	t.Helper()
	defer func() {
		e := recover()
		if e == nil {
			t.Fatal("expected type error")
		}
		err, ok := e.(*typecheck.Error)
		if !ok {
			t.Fatalf("expected type error, got %v", e)
		}
		if !strings.Contains(err.Error(), message) {
			t.Fatalf("error %q does not contain %q", err, message)
		}
	}()
	fn()
}

func TestFuncSignature(t *testing.T) {
	expectTypeError(t, "not a func", func() { Func(123) })
	expectTypeError(t, "must not be variadic", func() {
		Func(func(job *Job, state int, xs ...int) (int, error) { return 0, nil })
	})
	expectTypeError(t, "must take a *parexec.Job", func() {
		Func(func(state int) (int, error) { return 0, nil })
	})
	expectTypeError(t, "must return (result, error)", func() {
		Func(func(job *Job, state int) int { return 0 })
	})
}

func TestInvocationTypecheck(t *testing.T) {
	expectTypeError(t, "wrong number of arguments", func() { count.Invocation(1) })
	expectTypeError(t, "wrong type for argument 0", func() { count.Invocation("one", "label") })
	expectTypeError(t, "untyped nil", func() { count.Invocation(nil, "label") })
	// Untyped nil is allowed for nilable argument types.
	nilable.Invocation(nil, nil)
	count.Invocation(3, "label")
}

func TestInvoke(t *testing.T) {
	inv := count.Invocation(3, "label")
	job := NewJob(context.Background(), "job0", "", inv, time.Time{}, false)

	// A nil state stands for a first run: the func sees its zero value.
	v, err := inv.Invoke(job, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v.(int), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	v, err = inv.Invoke(job, countState{N: 39})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v.(int), 42; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFuncValue(t *testing.T) {
	if got, want := count.NumArg(), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	inv := count.Invocation(1, "x")
	if got, want := inv.FuncValue(), count; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !strings.Contains(count.Name(), "parexec") {
		t.Errorf("name %q does not name the package", count.Name())
	}
}
