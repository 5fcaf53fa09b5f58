// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package typecheck

import (
	"fmt"
	"runtime"
	"strings"
	"testing"
)

func TestErrorf(t *testing.T) {
	_, file, line, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("no caller")
	}
	err := Errorf(0, "argument %d is bad", 3)
	if got, want := err.File, file; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := err.Line, line+4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := err.Error(), fmt.Sprintf("%s:%d: argument 3 is bad", file, line+4); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPanicf(t *testing.T) {
	defer func() {
		e := recover()
		if e == nil {
			t.Fatal("expected panic")
		}
		err, ok := e.(*Error)
		if !ok {
			t.Fatalf("panicked with %v, not a typecheck error", e)
		}
		if !strings.Contains(err.Error(), "error_test.go") {
			t.Errorf("error %q does not name the caller's file", err)
		}
		if !strings.HasSuffix(err.Error(), "wrong shape") {
			t.Errorf("error %q does not carry the message", err)
		}
	}()
	Panicf(0, "wrong %s", "shape")
}
