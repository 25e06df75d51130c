// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jspolicy

import (
	"context"
	"sync/atomic"
)

// taskStatus represents the current status of a task.
type taskStatus int32

const (
	taskStatusPending   taskStatus = iota // Task is waiting for a worker
	taskStatusRunning                     // Task is being evaluated
	taskStatusCompleted                   // Task evaluation has completed
)

// taskResult represents the result of task execution.
type taskResult struct {
	outcome *Outcome // Evaluation outcome (nil if err is set)
	err     error    // Engine-level error
}

func (r *taskResult) unwrap() (*Outcome, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.outcome, nil
}

// task represents one invocation queued for a worker.
type task struct {
	ctx        context.Context  // Invocation context, cancelled on timeout
	invocation *Invocation      // Payload to evaluate
	resultChan chan *taskResult // Channel to receive the execution result
	status     atomic.Int32     // Current taskStatus
}

// newTask creates a new task instance for the given invocation.
func newTask(ctx context.Context, inv *Invocation) *task {
	t := &task{
		ctx:        ctx,
		invocation: inv,
		resultChan: make(chan *taskResult, 1), // Buffered so an abandoned task never blocks its worker
	}
	t.status.Store(int32(taskStatusPending))
	return t
}

func (t *task) setStatus(s taskStatus) {
	t.status.Store(int32(s))
}

func (t *task) getStatus() taskStatus {
	return taskStatus(t.status.Load())
}
