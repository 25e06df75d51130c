// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package httpbridge

import (
	"context"
	"sync/atomic"
)

// Exchange is the handle of one outbound call.
// resp and err are written once, before done is closed.
type Exchange struct {
	spec ExchangeSpec
	done chan struct{}
	resp *ClientResponse
	err  error

	cb      Callback
	release func()
	settled atomic.Bool
}

func newExchange(spec ExchangeSpec, cb Callback, release func()) *Exchange {
	return &Exchange{spec: spec, done: make(chan struct{}), cb: cb, release: release}
}

// settle runs the callback when run is set and releases the exchange from its
// bridge. Only the first call has any effect. The flag is claimed before the
// callback runs, so a callback waiting on its own exchange does not recurse.
func (e *Exchange) settle(run bool) {
	if !e.settled.CompareAndSwap(false, true) {
		return
	}
	if e.release != nil {
		defer e.release()
	}
	if run && e.cb != nil {
		e.cb(e.resp, e.err)
	}
}

// Settle runs the callback of a completed exchange on the calling goroutine
// unless it has already run. It must be called from the scheduler's goroutine
// and reports whether the exchange was complete.
func (e *Exchange) Settle() bool {
	if !e.IsComplete() {
		return false
	}
	e.settle(true)
	return true
}

func (e *Exchange) complete(resp *ClientResponse, err error) {
	e.resp, e.err = resp, err
	close(e.done)
}

// Spec returns the call this exchange was created for.
func (e *Exchange) Spec() ExchangeSpec {
	return e.spec
}

// Done is closed once the call has completed or failed.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the call completes or ctx is done.
func (e *Exchange) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Exchange) IsComplete() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Response returns the response, or nil while pending or after a failure.
func (e *Exchange) Response() *ClientResponse {
	if !e.IsComplete() {
		return nil
	}
	return e.resp
}

// Err returns the failure cause, or nil while pending or after a success.
func (e *Exchange) Err() error {
	if !e.IsComplete() {
		return nil
	}
	return e.err
}

func (e *Exchange) IsSuccess() bool {
	return e.IsComplete() && e.err == nil
}

func (e *Exchange) IsError() bool {
	return e.IsComplete() && e.err != nil
}
