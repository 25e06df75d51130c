// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package httpbridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Callback receives exactly one of resp or err.
type Callback func(resp *ClientResponse, err error)

// Scheduler hands job to the goroutine that owns the script runtime. Every
// job must be called exactly once: with run set when the owner executes it,
// or with run cleared when the owner has stopped and will not.
type Scheduler func(job func(run bool))

// Bridge tracks the outbound calls of one invocation.
// A call counts as outstanding until it has completed and its callback, if
// any, has returned.
type Bridge struct {
	ctx       context.Context
	transport *Transport
	schedule  Scheduler

	wg      sync.WaitGroup
	pending atomic.Int32
	total   atomic.Int32
}

// NewBridge creates the bridge of one invocation. Calls are bound to ctx.
// A nil schedule runs callbacks on the I/O goroutine that completed the call.
func NewBridge(ctx context.Context, transport *Transport, schedule Scheduler) *Bridge {
	if schedule == nil {
		schedule = func(job func(bool)) { job(true) }
	}
	return &Bridge{ctx: ctx, transport: transport, schedule: schedule}
}

// Send issues spec asynchronously and returns its exchange handle.
// cb, when not nil, is invoked at most once: through the scheduler, or earlier
// through Exchange.Settle. It is skipped when the scheduler has stopped.
func (b *Bridge) Send(spec ExchangeSpec, cb Callback) *Exchange {
	ex := newExchange(spec, cb, b.release)
	b.wg.Add(1)
	b.pending.Add(1)
	b.total.Add(1)

	go func() {
		resp, err := b.transport.Do(b.ctx, spec)
		ex.complete(resp, err)
		if err != nil {
			b.transport.logger.Debug("Outbound call failed", "url", spec.URL, "error", err)
		}
		if cb == nil {
			ex.settle(false)
			return
		}
		b.schedule(ex.settle)
	}()
	return ex
}

func (b *Bridge) release() {
	b.pending.Add(-1)
	b.wg.Done()
}

// Pending returns the number of calls not yet settled.
func (b *Bridge) Pending() int {
	return int(b.pending.Load())
}

// Drain blocks until every call issued so far, including calls issued from
// callbacks, has settled. Individual failures do not end the wait early.
// It must not be called from the scheduler's goroutine.
func (b *Bridge) Drain(ctx context.Context) error {
	start := time.Now()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("%w: %d still pending: %w", ErrDrainTimeout, b.Pending(), ctx.Err())
	}

	if b.transport.observer != nil {
		b.transport.observer.ObserveDrain(int(b.total.Load()), err, time.Since(start))
	}
	return err
}
