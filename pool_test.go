// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jspolicy

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_NewPoolAndStartStop(t *testing.T) {
	exec := &Executor{
		engineFactory: mockEngineFactory(),
		options: &ExecutorOption{
			minPoolSize: 1,
			maxPoolSize: 2,
			queueSize:   2,
		},
	}
	p := newPool(exec)
	if p == nil {
		t.Fatal("newPool returned nil")
	}
	if err := p.start(); err != nil {
		t.Fatalf("pool start failed: %v", err)
	}
	if got := atomic.LoadUint32(&p.workerCount); got != 1 {
		t.Errorf("expected 1 worker after start, got %d", got)
	}
	if err := p.stop(); err != nil {
		t.Fatalf("pool stop failed: %v", err)
	}
}

func TestPool_CreateWorkerAndSelect(t *testing.T) {
	exec := &Executor{
		engineFactory: mockEngineFactory(),
		options: &ExecutorOption{
			minPoolSize:     1,
			maxPoolSize:     2,
			queueSize:       2,
			selectThreshold: 0.75,
		},
	}
	p := newPool(exec)
	defer p.stop()
	w, err := p.createWorker()
	if err != nil {
		t.Fatalf("createWorker failed: %v", err)
	}
	if w == nil {
		t.Fatal("createWorker returned nil worker")
	}
	if selected := p.selectWorker(); selected != w {
		t.Fatal("selectWorker should return the only worker")
	}
}

func TestPool_CreateWorker_MaxPoolSize(t *testing.T) {
	exec := &Executor{
		engineFactory: mockEngineFactory(),
		options: &ExecutorOption{
			minPoolSize: 1,
			maxPoolSize: 1,
			queueSize:   2,
		},
	}
	p := newPool(exec)
	defer p.stop()
	if _, err := p.createWorker(); err != nil {
		t.Fatalf("createWorker failed: %v", err)
	}
	if _, err := p.createWorker(); err == nil {
		t.Fatal("expected max pool size error")
	}
	if got := atomic.LoadUint32(&p.workerCount); got != 1 {
		t.Errorf("workerCount should stay at 1, got %d", got)
	}
}

func TestPool_CreateWorker_FactoryError(t *testing.T) {
	exec := &Executor{
		engineFactory: func() (Engine, error) { return nil, errors.New("factory error") },
		options: &ExecutorOption{
			minPoolSize: 1,
			maxPoolSize: 1,
			queueSize:   2,
		},
	}
	p := newPool(exec)
	if _, err := p.createWorker(); err == nil {
		t.Fatal("expected factory error")
	}
	if got := atomic.LoadUint32(&p.workerCount); got != 0 {
		t.Errorf("failed worker should not be counted, got %d", got)
	}
}

func TestPool_GetOrCreateWorker(t *testing.T) {
	exec := &Executor{
		engineFactory: mockEngineFactory(),
		options: &ExecutorOption{
			minPoolSize:     1,
			maxPoolSize:     2,
			queueSize:       2,
			createThreshold: 1.0, // Only create new worker if queue is full
			selectThreshold: 1.0,
		},
	}
	p := newPool(exec)
	defer p.stop()
	w1, err := p.getOrCreateWorker()
	if err != nil {
		t.Fatalf("getOrCreateWorker failed: %v", err)
	}
	w2, err := p.getOrCreateWorker()
	if err != nil {
		t.Fatalf("getOrCreateWorker failed: %v", err)
	}
	if w1 != w2 {
		t.Error("getOrCreateWorker should return the same worker if it is not loaded")
	}
}

func TestPool_Execute(t *testing.T) {
	exec := &Executor{
		engineFactory: mockEngineFactory(),
		options: &ExecutorOption{
			minPoolSize:    1,
			maxPoolSize:    2,
			queueSize:      2,
			executeTimeout: 1 * time.Second,
		},
	}
	p := newPool(exec)
	if err := p.start(); err != nil {
		t.Fatalf("pool start failed: %v", err)
	}
	defer p.stop()
	outcome, err := p.execute(context.Background(), newTestInvocation("1"))
	if err != nil {
		t.Fatalf("pool execute failed: %v", err)
	}
	if outcome == nil || outcome.Output != "1" {
		t.Errorf("unexpected execute result: %+v", outcome)
	}
}

func TestPool_Execute_CallerCancel(t *testing.T) {
	exec := &Executor{
		engineFactory: func() (Engine, error) {
			return &mockEngine{
				evaluateFunc: func(ctx context.Context, inv *Invocation) (*Outcome, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				},
			}, nil
		},
		options: &ExecutorOption{
			minPoolSize: 1,
			maxPoolSize: 1,
			queueSize:   2,
		},
	}
	p := newPool(exec)
	if err := p.start(); err != nil {
		t.Fatalf("pool start failed: %v", err)
	}
	defer p.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.execute(ctx, newTestInvocation("1")); !errors.Is(err, ErrExecuteTimeout) {
		t.Fatalf("expected ErrExecuteTimeout, got %v", err)
	}
}

func TestPool_Stop(t *testing.T) {
	exec := &Executor{
		engineFactory: mockEngineFactory(),
		options: &ExecutorOption{
			minPoolSize: 2,
			maxPoolSize: 2,
			queueSize:   2,
		},
	}
	p := newPool(exec)
	if err := p.start(); err != nil {
		t.Fatalf("pool start failed: %v", err)
	}
	if err := p.stop(); err != nil {
		t.Errorf("pool stop failed: %v", err)
	}
	if ids := *p.workerIds.Load().(*[]uint32); len(ids) != 0 {
		t.Errorf("expected no worker ids after stop, got %v", ids)
	}
	if _, err := p.execute(context.Background(), newTestInvocation("1")); !errors.Is(err, ErrExecutorNotStarted) {
		t.Errorf("expected ErrExecutorNotStarted after stop, got %v", err)
	}
}

func TestPool_RemoveWorkerFromList(t *testing.T) {
	p := newPool(&Executor{options: &ExecutorOption{}})
	for _, id := range []uint32{1, 2, 3, 4} {
		p.addWorkerToList(id)
	}
	p.removeWorkerFromList(3)
	expected := []uint32{1, 2, 4}
	if got := *p.workerIds.Load().(*[]uint32); !reflect.DeepEqual(got, expected) {
		t.Errorf("removeWorkerFromList failed, got %v, want %v", got, expected)
	}
}

func TestPool_ShouldRemoveWorker(t *testing.T) {
	exec := &Executor{
		options: &ExecutorOption{
			workerTTL:     1 * time.Millisecond,
			maxExecutions: 1,
		},
	}
	p := newPool(exec)
	w := &worker{}
	// Should remove if idle for longer than TTL
	w.lastUsedNano = time.Now().Add(-2 * time.Millisecond).UnixNano()
	if !p.shouldRemoveWorker(w, time.Now()) {
		t.Error("shouldRemoveWorker should return true for idle worker")
	}
	// Should remove if exceeded maxExecutions
	w.lastUsedNano = time.Now().UnixNano()
	w.taskCount = 2
	if !p.shouldRemoveWorker(w, time.Now()) {
		t.Error("shouldRemoveWorker should return true for overused worker")
	}
	// Should not remove if active and not overused
	w.taskCount = 0
	w.lastUsedNano = time.Now().UnixNano()
	if p.shouldRemoveWorker(w, time.Now()) {
		t.Error("shouldRemoveWorker should return false for active worker")
	}
}

func TestPool_PerformCleanup(t *testing.T) {
	exec := &Executor{
		engineFactory: mockEngineFactory(),
		options: &ExecutorOption{
			minPoolSize: 1,
			maxPoolSize: 2,
			workerTTL:   1 * time.Millisecond,
			queueSize:   1,
		},
	}
	p := newPool(exec)
	exec.pool = p
	defer p.stop()

	w1, _ := p.createWorker()
	w2, _ := p.createWorker()
	atomic.StoreInt64(&w1.lastUsedNano, time.Now().Add(-time.Second).UnixNano())
	atomic.StoreInt64(&w2.lastUsedNano, time.Now().Add(-time.Second).UnixNano())

	p.performCleanup()

	// One idle worker is retired, the other is kept to honor minPoolSize
	if got := atomic.LoadUint32(&p.workerCount); got != 1 {
		t.Errorf("expected 1 worker after cleanup, got %d", got)
	}
	if ids := *p.workerIds.Load().(*[]uint32); len(ids) != 1 {
		t.Errorf("expected 1 worker id after cleanup, got %v", ids)
	}
}

func TestPool_Replenish(t *testing.T) {
	exec := &Executor{
		engineFactory: mockEngineFactory(),
		options: &ExecutorOption{
			minPoolSize: 2,
			maxPoolSize: 2,
			queueSize:   1,
		},
	}
	p := newPool(exec)
	defer p.stop()
	p.replenish()
	if got := atomic.LoadUint32(&p.workerCount); got != 2 {
		t.Errorf("expected replenish to reach minPoolSize, got %d", got)
	}
}

func TestPool_Concurrency(t *testing.T) {
	exec := &Executor{
		engineFactory: mockEngineFactory(),
		options: &ExecutorOption{
			minPoolSize:    2,
			maxPoolSize:    4,
			queueSize:      2,
			executeTimeout: 1 * time.Second,
		},
	}
	p := newPool(exec)
	if err := p.start(); err != nil {
		t.Fatalf("pool start failed: %v", err)
	}
	defer p.stop()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.execute(context.Background(), newTestInvocation("c")); err != nil {
				t.Errorf("concurrent execute failed: %v", err)
			}
		}()
	}
	wg.Wait()
}
