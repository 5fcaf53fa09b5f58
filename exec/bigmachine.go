// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/parexec"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&workerService{})
}

// retryPolicy is used when cluster machines fail to come up.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// Bigmachine returns a System that runs jobs on a bigmachine cluster,
// one job per machine at a time. The pool is primed with machines
// workers on the first submission and grows on demand after
// that; machines that fail are discarded and replaced. The params are
// passed to every machine start, and may be used to configure machine
// size, AMI, and so on, according to the underlying bigmachine system.
func Bigmachine(system bigmachine.System, machines int, params ...bigmachine.Param) System {
	return &bigmachineSystem{system: system, machines: machines, params: params}
}

type bigmachineSystem struct {
	system   bigmachine.System
	machines int
	params   []bigmachine.Param

	once    sync.Once
	b       *bigmachine.B
	initErr error

	mu   sync.Mutex
	idle []*bigmachine.Machine
}

// Name implements System.
func (s *bigmachineSystem) Name() string {
	return "bigmachine/" + s.system.Name()
}

// Submit implements System. The call returns once a healthy machine
// has been leased for the request; the RPC itself proceeds in the
// background.
func (s *bigmachineSystem) Submit(ctx context.Context, req Request, params Params) (Future, error) {
	var (
		m   *bigmachine.Machine
		err error
	)
	for retries := 0; ; retries++ {
		m, err = s.acquire(ctx, params)
		if err == nil {
			break
		}
		log.Error.Printf("%s: acquiring machine for %s: %v", s.Name(), req.ID, err)
		if err = retry.Wait(ctx, retryPolicy, retries); err != nil {
			return nil, err
		}
	}
	f := &bigmachineFuture{donec: make(chan parexec.Outcome, 1)}
	go func() {
		var out parexec.Outcome
		err := m.RetryCall(ctx, "Worker.Run", req, &out)
		machineErr := m.Err()
		if err == nil || machineErr == nil {
			s.release(m)
		}
		f.donec <- callOutcome(out, err, machineErr, m.Addr)
	}()
	return f, nil
}

// callOutcome classifies the result of one Worker.Run call. A machine
// lost mid-run yields a "terminated" outcome, mirroring a killed
// local worker; a call error on a healthy machine is an ordinary
// per-job failure.
func callOutcome(out parexec.Outcome, callErr, machineErr error, addr string) parexec.Outcome {
	switch {
	case callErr == nil:
		return out
	case machineErr != nil:
		return parexec.Outcome{
			Kind: parexec.OutcomeFailed,
			Msg:  fmt.Sprintf("%s: machine %s: %v", parexec.Terminated, addr, machineErr),
		}
	default:
		return parexec.Outcome{Kind: parexec.OutcomeFailed, Msg: callErr.Error()}
	}
}

// Shutdown implements System.
func (s *bigmachineSystem) Shutdown() {
	if s.b != nil {
		s.b.Shutdown()
	}
}

// acquire leases a healthy machine from the idle pool, starting a
// fresh one when the pool is empty.
func (s *bigmachineSystem) acquire(ctx context.Context, params Params) (*bigmachine.Machine, error) {
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	for n := len(s.idle); n > 0; n = len(s.idle) {
		m := s.idle[n-1]
		s.idle = s.idle[:n-1]
		if m.Err() == nil {
			s.mu.Unlock()
			return m, nil
		}
		log.Printf("%s: dropping lost machine %s: %v", s.Name(), m.Addr, m.Err())
	}
	s.mu.Unlock()
	machines, err := s.start(ctx, 1)
	if err != nil {
		return nil, err
	}
	return machines[0], nil
}

func (s *bigmachineSystem) release(m *bigmachine.Machine) {
	s.mu.Lock()
	s.idle = append(s.idle, m)
	s.mu.Unlock()
}

// init starts the bigmachine instance and primes the machine pool.
func (s *bigmachineSystem) init(ctx context.Context) error {
	s.once.Do(func() {
		s.b = bigmachine.Start(s.system)
		if s.machines <= 0 {
			return
		}
		machines, err := s.start(ctx, s.machines)
		if err != nil {
			s.initErr = err
			return
		}
		s.mu.Lock()
		s.idle = append(s.idle, machines...)
		s.mu.Unlock()
	})
	return s.initErr
}

// start starts n machines with the worker service installed and waits
// until all of them are running.
func (s *bigmachineSystem) start(ctx context.Context, n int) ([]*bigmachine.Machine, error) {
	params := append([]bigmachine.Param{bigmachine.Services{"Worker": &workerService{}}}, s.params...)
	machines, err := s.b.Start(ctx, n, params...)
	if err != nil {
		return nil, err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range machines {
		m := m
		g.Go(func() error {
			select {
			case <-m.Wait(bigmachine.Running):
				return m.Err()
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return machines, nil
}

// bigmachineFuture delivers the outcome of one remote RPC.
type bigmachineFuture struct {
	donec chan parexec.Outcome
	out   parexec.Outcome
	done  bool
}

// Done implements Future.
func (f *bigmachineFuture) Done() (parexec.Outcome, bool) {
	if f.done {
		return f.out, true
	}
	select {
	case out := <-f.donec:
		f.out, f.done = out, true
		return out, true
	default:
		return parexec.Outcome{}, false
	}
}

// workerService is the service installed on every cluster machine. It
// runs jobs on behalf of the coordinating process; both sides run the
// same binary, so the func registries agree.
type workerService struct{}

// Run executes one job run and replies with its outcome. The RPC
// itself fails only on transport or infrastructure errors; job
// failures travel inside the outcome.
func (*workerService) Run(ctx context.Context, req Request, reply *parexec.Outcome) error {
	*reply = runJob(ctx, req)
	return nil
}
