// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jspolicy

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// pool manages the evaluation workers using lock-free bookkeeping.
type pool struct {
	executor        *Executor     // Reference to the parent executor
	workers         sync.Map      // Worker ID to *worker
	workerIds       atomic.Value  // Stores *[]uint32 for round-robin selection (copy-on-write)
	workerCount     uint32        // Atomic: current number of workers in the pool
	roundRobinIndex uint32        // Current index for round-robin selection (atomic)
	workerIdCounter uint32        // Counter for generating unique worker IDs (atomic)
	stopCleanup     chan struct{} // Signals the cleanup goroutine to stop
	replenishChan   chan struct{} // Signals worker replenishment
	stopped         atomic.Bool   // Set once stop has been called
}

// newPool creates a new worker pool.
func newPool(e *Executor) *pool {
	p := &pool{
		executor:      e,
		stopCleanup:   make(chan struct{}),
		replenishChan: make(chan struct{}, 1),
	}
	emptyIds := make([]uint32, 0)
	p.workerIds.Store(&emptyIds)
	return p
}

// start creates the minimum number of workers and the cleanup goroutine.
func (p *pool) start() error {
	for i := uint32(0); i < p.executor.options.minPoolSize; i++ {
		if _, err := p.createWorker(); err != nil {
			return fmt.Errorf("failed to create worker %d: %w", i, err)
		}
	}

	if p.executor.options.workerTTL > 0 || p.executor.options.maxExecutions > 0 {
		go p.retireWorkers()
	}

	if p.executor.logger != nil {
		p.executor.logger.Debug("Worker pool started",
			"minPoolSize", p.executor.options.minPoolSize,
			"maxPoolSize", p.executor.options.maxPoolSize,
			"queueSize", p.executor.options.queueSize,
			"workerTTL", p.executor.options.workerTTL,
			"maxExecutions", p.executor.options.maxExecutions,
			"executeTimeout", p.executor.options.executeTimeout,
			"initialWorkers", atomic.LoadUint32(&p.workerCount),
		)
	}
	return nil
}

// stop shuts down the pool and all workers.
func (p *pool) stop() error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCleanup)

	p.workers.Range(func(key, value interface{}) bool {
		value.(*worker).stop()
		p.workers.Delete(key)
		return true
	})

	emptyIds := make([]uint32, 0)
	p.workerIds.Store(&emptyIds)
	atomic.StoreUint32(&p.workerCount, 0)

	if p.executor.logger != nil {
		p.executor.logger.Debug("Worker pool stopped")
	}
	return nil
}

// addWorkerToList adds a worker ID to the round-robin list using copy-on-write.
func (p *pool) addWorkerToList(workerId uint32) {
	for {
		oldIdsPtr := p.workerIds.Load().(*[]uint32)
		oldIds := *oldIdsPtr
		newIds := make([]uint32, len(oldIds)+1)
		copy(newIds, oldIds)
		newIds[len(oldIds)] = workerId

		if p.workerIds.CompareAndSwap(oldIdsPtr, &newIds) {
			return
		}
	}
}

// removeWorkerFromList removes a worker ID from the round-robin list using copy-on-write.
func (p *pool) removeWorkerFromList(workerId uint32) {
	for {
		oldIdsPtr := p.workerIds.Load().(*[]uint32)
		newIds := make([]uint32, 0, len(*oldIdsPtr))
		for _, id := range *oldIdsPtr {
			if id != workerId {
				newIds = append(newIds, id)
			}
		}

		if p.workerIds.CompareAndSwap(oldIdsPtr, &newIds) {
			return
		}
	}
}

// createWorker creates and starts a new worker, respecting maxPoolSize.
func (p *pool) createWorker() (*worker, error) {
	newCount := atomic.AddUint32(&p.workerCount, 1)
	if newCount > p.executor.options.maxPoolSize {
		atomic.AddUint32(&p.workerCount, ^uint32(0)) // -1
		return nil, fmt.Errorf("max pool size reached")
	}

	workerId := atomic.AddUint32(&p.workerIdCounter, 1)
	w := newWorker(p.executor, "worker-"+strconv.FormatUint(uint64(workerId), 10), workerId)

	go w.run()

	// The worker reports engine construction before it accepts tasks
	if err := <-w.initCh; err != nil {
		atomic.AddUint32(&p.workerCount, ^uint32(0)) // -1
		return nil, fmt.Errorf("worker initialization failed: %w", err)
	}

	p.workers.Store(workerId, w)
	p.addWorkerToList(workerId)

	return w, nil
}

// selectWorker picks a worker round-robin, skipping workers above selectThreshold.
func (p *pool) selectWorker() *worker {
	workerIds := *p.workerIds.Load().(*[]uint32)
	listLen := len(workerIds)
	if listLen == 0 {
		return nil
	}

	startIndex := atomic.AddUint32(&p.roundRobinIndex, 1) % uint32(listLen)
	queueThreshold := int(float64(p.executor.options.queueSize) * p.executor.options.selectThreshold)
	for i := 0; i < listLen; i++ {
		index := (startIndex + uint32(i)) % uint32(listLen)
		if w, ok := p.workers.Load(workerIds[index]); ok {
			if len(w.(*worker).taskQueue) < queueThreshold {
				return w.(*worker)
			}
		}
	}

	// All workers are busy: fall back to plain round-robin
	if w, ok := p.workers.Load(workerIds[startIndex]); ok {
		return w.(*worker)
	}
	return nil
}

// getOrCreateWorker returns a worker, growing the pool when load crosses createThreshold.
func (p *pool) getOrCreateWorker() (*worker, error) {
	if w := p.selectWorker(); w != nil {
		queueThreshold := int(float64(p.executor.options.queueSize) * p.executor.options.createThreshold)
		if len(w.taskQueue) < queueThreshold {
			return w, nil
		}
	}

	current := atomic.LoadUint32(&p.workerCount)
	if current < p.executor.options.maxPoolSize {
		if p.executor.logger != nil {
			p.executor.logger.Debug("Creating new worker due to high load",
				"currentWorkers", current,
				"maxPoolSize", p.executor.options.maxPoolSize)
		}
		if w, err := p.createWorker(); err == nil {
			return w, nil
		}
	}

	w := p.selectWorker()
	if w == nil {
		return nil, fmt.Errorf("no available worker in pool")
	}
	return w, nil
}

// execute hands an invocation to a worker and waits for its outcome.
func (p *pool) execute(ctx context.Context, inv *Invocation) (*Outcome, error) {
	if p.stopped.Load() {
		return nil, ErrExecutorNotStarted
	}
	if timeout := p.executor.options.executeTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	w, err := p.getOrCreateWorker()
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	t := newTask(ctx, inv)
	select {
	case w.taskQueue <- t:
	case <-w.done:
		return nil, fmt.Errorf("worker %s exited before accepting the task", w.name)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrExecuteTimeout, ctx.Err())
	}

	select {
	case result := <-t.resultChan:
		return result.unwrap()
	case <-w.done:
		// The worker may have finished the task right before exiting
		select {
		case result := <-t.resultChan:
			return result.unwrap()
		default:
			return nil, fmt.Errorf("worker %s exited before evaluating the task", w.name)
		}
	case <-ctx.Done():
		// The engine observes the same context and interrupts the script
		return nil, fmt.Errorf("%w: %w", ErrExecuteTimeout, ctx.Err())
	}
}

// retireWorkers runs the background cleanup process for idle or overused workers.
func (p *pool) retireWorkers() {
	interval := time.Minute
	if p.executor.options.workerTTL > 0 {
		interval = p.executor.options.workerTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.performCleanup()
		case <-p.replenishChan:
			p.replenish()
		case <-p.stopCleanup:
			return
		}
	}
}

// shouldRemoveWorker reports whether a worker exceeded its TTL or execution budget.
func (p *pool) shouldRemoveWorker(w *worker, now time.Time) bool {
	if ttl := p.executor.options.workerTTL; ttl > 0 && now.Sub(w.getLastUsed()) > ttl {
		return true
	}
	if max := p.executor.options.maxExecutions; max > 0 && w.getTaskCount() >= max {
		return true
	}
	return false
}

// performCleanup removes idle or overused workers while keeping minPoolSize.
func (p *pool) performCleanup() {
	now := time.Now()
	current := atomic.LoadUint32(&p.workerCount)
	if current <= p.executor.options.minPoolSize {
		return
	}

	var retired []*worker
	p.workers.Range(func(key, value interface{}) bool {
		w := value.(*worker)
		if !p.shouldRemoveWorker(w, now) {
			return true
		}
		if current-uint32(len(retired)) <= p.executor.options.minPoolSize {
			return false
		}
		if _, loaded := p.workers.LoadAndDelete(key); loaded {
			p.removeWorkerFromList(w.workerId)
			atomic.AddUint32(&p.workerCount, ^uint32(0)) // -1
			retired = append(retired, w)
		}
		return true
	})

	remaining := atomic.LoadUint32(&p.workerCount)
	for _, w := range retired {
		go func(w *worker) {
			executions := w.getTaskCount()
			idle := now.Sub(w.getLastUsed())
			w.retire()
			reason := "idle timeout"
			if max := p.executor.options.maxExecutions; max > 0 && executions >= max {
				reason = "max executions reached"
			}
			if p.executor.logger != nil {
				p.executor.logger.Debug("Worker removed",
					"worker", w.name,
					"reason", reason,
					"executions", executions,
					"idleTime", idle,
					"remainingWorkers", remaining)
			}
		}(w)
	}
}

// replenish creates workers until minPoolSize is met again.
func (p *pool) replenish() {
	for atomic.LoadUint32(&p.workerCount) < p.executor.options.minPoolSize {
		if _, err := p.createWorker(); err != nil {
			if p.executor.logger != nil {
				p.executor.logger.Error("Failed to create replenishment worker", "error", err)
			}
			return
		}
	}
}
