// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jspolicy

import (
	"fmt"
	"sync/atomic"
	"time"
)

// workerAction represents an action that can be performed on a worker.
type workerAction int

const (
	actionStop   workerAction = iota // Stop the worker
	actionRetire                     // Retire the worker after TTL or max executions
)

// String returns the string representation of a workerAction.
func (a workerAction) String() string {
	switch a {
	case actionStop:
		return "stop"
	case actionRetire:
		return "retire"
	default:
		return "unknown"
	}
}

// workerActionRequest represents a request to perform an action on a worker.
type workerActionRequest struct {
	action workerAction
	done   chan error
}

// worker evaluates invocations one at a time on its own goroutine.
// Evaluation blocks until the invocation's outbound calls drain, so a worker
// is never an I/O goroutine.
type worker struct {
	executor *Executor
	name     string
	workerId uint32

	taskQueue   chan *task
	actionQueue chan *workerActionRequest
	initCh      chan error
	done        chan struct{} // Closed when run returns

	lastUsedNano int64  // Timestamp of last task execution (atomic, nanoseconds)
	taskCount    uint32 // Number of tasks executed by this worker (atomic)

	engine Engine
}

// newWorker creates a new worker instance.
func newWorker(executor *Executor, name string, workerId uint32) *worker {
	return &worker{
		executor:     executor,
		name:         name,
		workerId:     workerId,
		taskQueue:    make(chan *task, executor.options.queueSize),
		actionQueue:  make(chan *workerActionRequest, 1),
		initCh:       make(chan error, 1),
		done:         make(chan struct{}),
		lastUsedNano: time.Now().UnixNano(),
	}
}

// getTaskCount returns the number of tasks executed by this worker.
func (w *worker) getTaskCount() uint32 {
	return atomic.LoadUint32(&w.taskCount)
}

// getLastUsed returns the timestamp of the last task execution.
func (w *worker) getLastUsed() time.Time {
	return time.Unix(0, atomic.LoadInt64(&w.lastUsedNano))
}

func (w *worker) initEngine() error {
	engine, err := w.executor.engineFactory()
	if err != nil {
		return fmt.Errorf("failed to create script engine: %w", err)
	}
	w.engine = engine
	return nil
}

func (w *worker) closeEngine() error {
	if w.engine == nil {
		return nil
	}
	err := w.engine.Close()
	if err != nil && w.executor.logger != nil {
		w.executor.logger.Error("Failed to close script engine",
			"worker", w.name,
			"error", err)
	}
	w.engine = nil
	return err
}

// run is the main worker loop that processes tasks and actions.
func (w *worker) run() {
	defer func() {
		_ = w.closeEngine()
		close(w.done)
	}()

	var pendingActions []*workerActionRequest
	selfRetired := false

	if err := w.initEngine(); err != nil {
		w.initCh <- err
		close(w.initCh)
		if w.executor.logger != nil {
			w.executor.logger.Error("Failed to initialize script engine",
				"worker", w.name,
				"error", err,
			)
		}
		return
	}
	w.initCh <- nil
	close(w.initCh)

	for {
		// Control actions wait until queued tasks are done
		for len(pendingActions) > 0 && len(w.taskQueue) == 0 {
			action := pendingActions[0]
			pendingActions = pendingActions[1:]
			w.executeAction(action)
			if selfRetired && action.action == actionRetire {
				return
			}
		}

		select {
		case t := <-w.taskQueue:
			if t == nil {
				return // Channel closed
			}
			w.executeTask(t)
			if !selfRetired && w.checkAndRetireIfNeeded(&pendingActions) {
				selfRetired = true
				if w.executor.logger != nil {
					w.executor.logger.Debug("Worker reached max executions, retiring",
						"worker", w.name,
						"taskCount", w.getTaskCount(),
					)
				}
			}
		case req := <-w.actionQueue:
			pendingActions = append(pendingActions, req)
		}
	}
}

// executeAction executes a worker action.
func (w *worker) executeAction(req *workerActionRequest) {
	if req == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if w.executor.logger != nil {
				w.executor.logger.Error("Panic recovered in executeAction",
					"worker", w.name,
					"action", req.action.String(),
					"error", r)
			}
			if req.done != nil {
				req.done <- fmt.Errorf("panic in executeAction: %v", r)
			}
		}
	}()

	switch req.action {
	case actionStop, actionRetire:
		req.done <- w.closeEngine()
	default:
		req.done <- nil
	}
}

// executeTask evaluates a single invocation.
func (w *worker) executeTask(t *task) {
	defer func() {
		if r := recover(); r != nil {
			t.resultChan <- &taskResult{
				err: fmt.Errorf("panic in worker %s: %v", w.name, r),
			}
			if w.executor.logger != nil {
				w.executor.logger.Error("Task execution panic",
					"worker", w.name,
					"taskCount", w.getTaskCount(),
					"error", r)
			}
		}
		atomic.StoreInt64(&w.lastUsedNano, time.Now().UnixNano())
		atomic.AddUint32(&w.taskCount, 1)
	}()

	// The caller already gave up on this task
	if err := t.ctx.Err(); err != nil {
		t.setStatus(taskStatusCompleted)
		t.resultChan <- &taskResult{err: fmt.Errorf("%w: %w", ErrExecuteTimeout, err)}
		return
	}

	t.setStatus(taskStatusRunning)
	outcome, err := w.engine.Evaluate(t.ctx, t.invocation)
	t.setStatus(taskStatusCompleted)
	t.resultChan <- &taskResult{outcome: outcome, err: err}
}

func (w *worker) sendAction(action workerAction) {
	req := &workerActionRequest{
		action: action,
		done:   make(chan error, 1),
	}
	select {
	case w.actionQueue <- req:
		select {
		case <-req.done:
		case <-w.done:
		}
	case <-w.done:
	}
	close(w.taskQueue)
	close(w.actionQueue)
}

// stop gracefully stops the worker and closes its channels.
func (w *worker) stop() {
	w.sendAction(actionStop)
}

// retire releases a worker removed by the pool's cleanup.
func (w *worker) retire() {
	w.sendAction(actionRetire)
}

// checkAndRetireIfNeeded queues a retire action once maxExecutions is reached.
// The worker is removed from the pool first so no new tasks are routed to it.
func (w *worker) checkAndRetireIfNeeded(pendingActions *[]*workerActionRequest) bool {
	max := w.executor.options.maxExecutions
	if max == 0 || w.getTaskCount() < max {
		return false
	}
	p := w.executor.pool
	if _, loaded := p.workers.LoadAndDelete(w.workerId); !loaded {
		return false
	}
	p.removeWorkerFromList(w.workerId)
	atomic.AddUint32(&p.workerCount, ^uint32(0)) // -1

	*pendingActions = append(*pendingActions, &workerActionRequest{
		action: actionRetire,
		done:   make(chan error, 1),
	})
	w.notifyPoolReplenish()
	return true
}

// notifyPoolReplenish asks the pool to restore minPoolSize.
func (w *worker) notifyPoolReplenish() {
	select {
	case w.executor.pool.replenishChan <- struct{}{}:
	default:
	}
}
