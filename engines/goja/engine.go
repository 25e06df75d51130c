// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"

	jspolicy "github.com/buke/js-policy"
	"github.com/buke/js-policy/httpbridge"
)

// Engine implements jspolicy.Engine on top of goja.
// Every evaluation gets a freshly constructed event loop and runtime, so no
// script-defined global survives an invocation.
type Engine struct {
	sandbox *Sandbox
	closed  atomic.Bool
}

// NewFactory returns a jspolicy.EngineFactory producing engines bound to sandbox.
func NewFactory(sandbox *Sandbox) jspolicy.EngineFactory {
	return func() (jspolicy.Engine, error) {
		if sandbox == nil {
			return nil, fmt.Errorf("sandbox cannot be nil")
		}
		return &Engine{sandbox: sandbox}, nil
	}
}

// DefaultFactory returns a factory bound to the process-wide sandbox.
// Initialization errors surface when the factory is first called.
func DefaultFactory() jspolicy.EngineFactory {
	return func() (jspolicy.Engine, error) {
		sandbox, err := Initialize()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sandbox: %w", err)
		}
		return &Engine{sandbox: sandbox}, nil
	}
}

// loopScheduler runs jobs on the loop until it is stopped. Jobs scheduled
// afterwards, and jobs still queued when the loop stops, are declined so
// their exchanges are released without touching the runtime.
type loopScheduler struct {
	mu      sync.Mutex
	loop    *eventloop.EventLoop
	stopped bool
	next    uint64
	queued  map[uint64]func(bool)
}

func newLoopScheduler(loop *eventloop.EventLoop) *loopScheduler {
	return &loopScheduler{loop: loop, queued: make(map[uint64]func(bool))}
}

func (s *loopScheduler) schedule(job func(run bool)) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		job(false)
		return
	}
	id := s.next
	s.next++
	s.queued[id] = job
	s.mu.Unlock()

	s.loop.RunOnLoop(func(*goja.Runtime) {
		if job := s.take(id); job != nil {
			job(true)
		}
	})
}

func (s *loopScheduler) take(id uint64) func(bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.queued[id]
	delete(s.queued, id)
	return job
}

// stop halts the loop and declines whatever it left unrun.
func (s *loopScheduler) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.loop.Stop()

	s.mu.Lock()
	dropped := s.queued
	s.queued = nil
	s.mu.Unlock()
	for _, job := range dropped {
		job(false)
	}
}

// Evaluate runs the invocation's script. Outbound calls issued by the script
// are always drained before Evaluate returns, whether the script succeeded or not.
func (e *Engine) Evaluate(ctx context.Context, inv *jspolicy.Invocation) (*jspolicy.Outcome, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("engine is closed")
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	loop := eventloop.NewEventLoop()
	loop.Start()
	sched := newLoopScheduler(loop)

	bridge := httpbridge.NewBridge(ctx, e.sandbox.transport, sched.schedule)
	state := &evalState{result: jspolicy.NewResult()}

	var stopInterrupt func() bool
	done := make(chan error, 1)
	loop.RunOnLoop(func(vm *goja.Runtime) {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic during evaluation: %v", r)
			}
		}()
		stopInterrupt = context.AfterFunc(ctx, func() {
			vm.Interrupt(ctx.Err())
		})
		done <- e.run(ctx, vm, inv, bridge, state)
	})
	scriptErr := <-done

	// Callbacks keep running on the loop while the bridge drains
	drainErr := bridge.Drain(ctx)
	sched.stop()
	if stopInterrupt != nil {
		stopInterrupt()
	}

	cause := errors.Join(scriptErr, state.callbackErr, drainErr)
	if cause != nil {
		e.sandbox.logger.Error("Script execution failed",
			"script", inv.Script.FileName,
			"phase", inv.Phase.String(),
			"elapsed", time.Since(start),
			"error", cause)
		return &jspolicy.Outcome{
			Result: jspolicy.ExecutionFailure(),
			Cause:  &jspolicy.ScriptError{FileName: inv.Script.FileName, Err: cause},
		}, nil
	}

	e.sandbox.logger.Debug("Script evaluated",
		"script", inv.Script.FileName,
		"phase", inv.Phase.String(),
		"state", state.result.State(),
		"elapsed", time.Since(start))
	return &jspolicy.Outcome{Result: state.result.Clone(), Output: state.output}, nil
}

// run prepares the runtime, installs the bindings, then runs the prelude and
// the script in the same runtime. It runs on the loop goroutine.
func (e *Engine) run(ctx context.Context, vm *goja.Runtime, inv *jspolicy.Invocation, bridge *httpbridge.Bridge, state *evalState) error {
	if err := e.sandbox.prepare(vm); err != nil {
		return err
	}

	b := &binder{
		vm:      vm,
		ctx:     ctx,
		inv:     inv,
		bridge:  bridge,
		state:   state,
		logger:  e.sandbox.logger,
		console: e.sandbox.Option.EnableConsole,
	}
	if err := b.install(); err != nil {
		return err
	}

	program, err := goja.Compile(inv.Script.FileName, inv.Script.Content, true)
	if err != nil {
		return err
	}
	if _, err := vm.RunProgram(e.sandbox.prelude); err != nil {
		return fmt.Errorf("failed to run prelude: %w", err)
	}
	value, err := vm.RunProgram(program)
	if err != nil {
		return err
	}
	if value != nil {
		if s, ok := value.Export().(string); ok {
			state.output = s
		}
	}
	return nil
}

// Close marks the engine as closed. Evaluations hold no state between calls.
func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

// evalState is the host-owned state of one evaluation. It is written on the
// loop goroutine and read after the loop has stopped.
type evalState struct {
	result      *jspolicy.Result
	output      string
	callbackErr error
}

func (s *evalState) failCallback(err error) {
	if s.callbackErr == nil {
		s.callbackErr = err
	}
}
