// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parexec

import (
	"encoding/gob"
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/grailbio/parexec/typecheck"
)

var (
	typeOfJob   = reflect.TypeOf((*Job)(nil))
	typeOfError = reflect.TypeOf((*error)(nil)).Elem()
)

var (
	// funcs is the global registry of funcs. We rely on deterministic
	// registration order (guaranteed by Go's variable initialization
	// for a single compiler) so that a func can be named across
	// process and machine boundaries by its registration index.
	funcs []*FuncValue
	// funcsBusy is used to detect data races in registration.
	funcsBusy int32
)

// A FuncValue represents a parexec function, as returned by Func.
type FuncValue struct {
	fn    reflect.Value
	name  string
	state reflect.Type
	args  []reflect.Type
	ret   reflect.Type
	index int
}

// Name returns the registered function's name, stripped of its
// package path. It is used to derive default batch names.
func (f *FuncValue) Name() string { return f.name }

// NumArg returns the number of job arguments taken by f, i.e.,
// excluding the *Job and state parameters.
func (f *FuncValue) NumArg() int { return len(f.args) }

// Arg returns the type of the i'th job argument of f.
func (f *FuncValue) Arg(i int) reflect.Type { return f.args[i] }

// Invocation creates an invocation representing the function f
// applied to the provided arguments. Invocation panics with a type
// error if the provided arguments do not match in type or arity.
func (f *FuncValue) Invocation(args ...interface{}) Invocation {
	argTypes := make([]reflect.Type, len(args))
	for i, arg := range args {
		argTypes[i] = reflect.TypeOf(arg)
	}
	f.typecheck(argTypes...)
	for i, arg := range args {
		if f.args[i].Kind() == reflect.Interface && arg != nil {
			gob.Register(arg)
		}
	}
	return Invocation{Func: uint64(f.index), Args: args}
}

func (f *FuncValue) typecheck(args ...reflect.Type) {
	if len(args) != len(f.args) {
		typecheck.Panicf(2, "wrong number of arguments: function takes %d arguments, got %d",
			len(f.args), len(args))
	}
	for i := range args {
		expect, have := f.args[i], args[i]
		if have == nil {
			// Untyped nil is fine for any nilable argument type.
			switch expect.Kind() {
			case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
				continue
			}
			typecheck.Panicf(2, "wrong type for argument %d: untyped nil for %s", i, expect)
		}
		switch expect.Kind() {
		case reflect.Interface:
			if !have.Implements(expect) {
				typecheck.Panicf(2, "wrong type for argument %d: type %s does not implement interface %s", i, have, expect)
			}
		default:
			if have != expect {
				typecheck.Panicf(2, "wrong type for argument %d: expected %s, got %s", i, expect, have)
			}
		}
	}
}

// invoke applies f to the provided resume state and arguments on
// behalf of the given job. The state may be nil, in which case the
// function receives the zero value of its declared state type (a
// first run).
func (f *FuncValue) invoke(job *Job, state interface{}, args []interface{}) (interface{}, error) {
	in := make([]reflect.Value, 0, 2+len(args))
	in = append(in, reflect.ValueOf(job))
	if state == nil {
		in = append(in, reflect.Zero(f.state))
	} else {
		in = append(in, reflect.ValueOf(state))
	}
	for i, arg := range args {
		if arg == nil {
			in = append(in, reflect.Zero(f.args[i]))
		} else {
			in = append(in, reflect.ValueOf(arg))
		}
	}
	out := f.fn.Call(in)
	var err error
	if e := out[1].Interface(); e != nil {
		err = e.(error)
	}
	return out[0].Interface(), err
}

// registerGobType registers typ's values with gob so that arguments,
// states, and results can cross process boundaries. Interface types
// register their dynamic values at invocation time instead.
func registerGobType(typ reflect.Type) {
	switch typ.Kind() {
	case reflect.Interface:
	case reflect.Ptr:
		gob.Register(reflect.New(typ.Elem()).Interface())
	default:
		gob.Register(reflect.Zero(typ).Interface())
	}
}

// Func creates a parexec function from the provided function value.
// The function must have the form
//
//	func(job *parexec.Job, state StateT, args...) (ResultT, error)
//
// where StateT is the type of the resumable state passed to
// job.Checkpoint, and args are the per-job arguments supplied at
// invocation time. Func panics with a type error if fn does not
// conform. Argument, state, and result types are registered with gob
// so that invocations and checkpoints can be serialized.
func Func(fn interface{}) *FuncValue {
	fv := reflect.ValueOf(fn)
	ftype := fv.Type()
	if ftype.Kind() != reflect.Func {
		typecheck.Panicf(1, "parexec.Func: argument to Func is a %T, not a func", fn)
	}
	if ftype.IsVariadic() {
		typecheck.Panicf(1, "parexec.Func: func must not be variadic")
	}
	if ftype.NumIn() < 2 || ftype.In(0) != typeOfJob {
		typecheck.Panicf(1, "parexec.Func: func must take a *parexec.Job followed by a state argument")
	}
	if ftype.NumOut() != 2 || ftype.Out(1) != typeOfError {
		typecheck.Panicf(1, "parexec.Func: func must return (result, error)")
	}
	v := &FuncValue{
		fn:    fv,
		name:  funcName(fv),
		state: ftype.In(1),
		ret:   ftype.Out(0),
	}
	registerGobType(v.state)
	registerGobType(v.ret)
	for i := 2; i < ftype.NumIn(); i++ {
		typ := ftype.In(i)
		v.args = append(v.args, typ)
		registerGobType(typ)
	}
	if atomic.AddInt32(&funcsBusy, 1) != 1 {
		panic("parexec.Func: data race")
	}
	v.index = len(funcs)
	funcs = append(funcs, v)
	if atomic.AddInt32(&funcsBusy, -1) != 0 {
		panic("parexec.Func: data race")
	}
	return v
}

// funcName derives a short name for the registered function. Funcs
// declared as package-level variables report as "glob..funcN"; these
// are renamed so that batch names stay filesystem friendly.
func funcName(fv reflect.Value) string {
	name := runtime.FuncForPC(fv.Pointer()).Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Replace(name, "glob.", "", 1)
	name = strings.Replace(name, ".", "_", -1)
	if name == "" {
		name = "func"
	}
	return name
}

// An Invocation names a registered func together with one job's
// arguments. Invocations can be transmitted across process
// boundaries and thus may be invoked by workers and remote machines
// running the same binary.
type Invocation struct {
	Func uint64
	Args []interface{}
}

// FuncValue returns the registered func named by this invocation.
func (i Invocation) FuncValue() *FuncValue {
	return funcs[i.Func]
}

// Invoke applies the invocation's func to the provided resume state
// on behalf of job. A nil state denotes a first run.
func (i Invocation) Invoke(job *Job, state interface{}) (interface{}, error) {
	return funcs[i.Func].invoke(job, state, i.Args)
}
