// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package httpbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridge_SendAndDrain(t *testing.T) {
	srv := newEchoServer(t)
	observer := &recordingObserver{}
	tr, err := NewTransport(DefaultConfig(), WithObserver(observer))
	require.NoError(t, err)

	b := NewBridge(context.Background(), tr, nil)
	var mu sync.Mutex
	statuses := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		b.Send(ExchangeSpec{URL: srv.URL}, func(resp *ClientResponse, err error) {
			assert.NoError(t, err)
			mu.Lock()
			statuses = append(statuses, resp.Status)
			mu.Unlock()
		})
	}

	require.NoError(t, b.Drain(context.Background()))
	require.Equal(t, 0, b.Pending())
	require.Len(t, statuses, 5)
	require.Equal(t, []int{5}, observer.drains)
}

func TestBridge_DrainDoesNotFailFast(t *testing.T) {
	var slowDone atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		slowDone.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, _ := NewTransport(DefaultConfig())
	b := NewBridge(context.Background(), tr, nil)

	failed := b.Send(ExchangeSpec{URL: "ftp://example.com"}, nil)
	slow := b.Send(ExchangeSpec{URL: srv.URL}, nil)

	require.NoError(t, b.Drain(context.Background()))
	require.True(t, failed.IsError())
	require.ErrorIs(t, failed.Err(), ErrSchemeNotAllowed)
	require.True(t, slow.IsSuccess())
	require.True(t, slowDone.Load())
}

func TestBridge_CallbackExactlyOnce(t *testing.T) {
	tr, _ := NewTransport(DefaultConfig())
	b := NewBridge(context.Background(), tr, nil)

	var calls atomic.Int32
	b.Send(ExchangeSpec{URL: "http://"}, func(resp *ClientResponse, err error) {
		calls.Add(1)
		assert.Nil(t, resp)
		assert.Error(t, err)
	})
	require.NoError(t, b.Drain(context.Background()))
	require.Equal(t, int32(1), calls.Load())
}

func TestBridge_ScheduledCallbacksAndNestedSends(t *testing.T) {
	srv := newEchoServer(t)
	tr, _ := NewTransport(DefaultConfig())

	// A single goroutine owns the callbacks, like a script event loop
	jobs := make(chan func(), 16)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case fn := <-jobs:
				fn()
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	b := NewBridge(context.Background(), tr, func(job func(bool)) { jobs <- func() { job(true) } })
	var order []string
	b.Send(ExchangeSpec{URL: srv.URL}, func(resp *ClientResponse, err error) {
		order = append(order, "outer")
		b.Send(ExchangeSpec{URL: srv.URL}, func(resp *ClientResponse, err error) {
			order = append(order, "inner")
		})
	})

	require.NoError(t, b.Drain(context.Background()))
	done := make(chan []string)
	jobs <- func() { done <- append([]string(nil), order...) }
	require.Equal(t, []string{"outer", "inner"}, <-done)
}

func TestBridge_DrainTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	observer := &recordingObserver{}
	tr, _ := NewTransport(DefaultConfig(), WithObserver(observer))
	b := NewBridge(context.Background(), tr, nil)
	ex := b.Send(ExchangeSpec{URL: srv.URL}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Drain(ctx)
	require.ErrorIs(t, err, ErrDrainTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, b.Pending())
	require.False(t, ex.IsComplete())
	require.Nil(t, ex.Response())
	require.Nil(t, ex.Err())
	require.Len(t, observer.drainErrs, 1)
	require.Error(t, observer.drainErrs[0])
}

func TestExchange_Wait(t *testing.T) {
	srv := newEchoServer(t)
	tr, _ := NewTransport(DefaultConfig())
	b := NewBridge(context.Background(), tr, nil)

	ex := b.Send(ExchangeSpec{URL: srv.URL, Method: http.MethodPut}, nil)
	require.Equal(t, http.MethodPut, ex.Spec().Method)
	require.NoError(t, ex.Wait(context.Background()))
	require.True(t, ex.IsComplete())
	require.True(t, ex.IsSuccess())
	require.False(t, ex.IsError())
	require.Equal(t, http.StatusCreated, ex.Response().Status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pending := newExchange(ExchangeSpec{}, nil, nil)
	require.ErrorIs(t, pending.Wait(ctx), context.Canceled)
}

func TestBridge_StoppedSchedulerReleasesCalls(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	tr, _ := NewTransport(DefaultConfig())

	// The runtime owner has gone away: every job is declined
	var stopped atomic.Bool
	var called atomic.Int32
	schedule := func(job func(bool)) { job(!stopped.Load()) }

	before := runtime.NumGoroutine()
	for i := 0; i < 10; i++ {
		b := NewBridge(context.Background(), tr, schedule)
		b.Send(ExchangeSpec{URL: srv.URL}, func(*ClientResponse, error) { called.Add(1) })

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		require.ErrorIs(t, b.Drain(ctx), ErrDrainTimeout)
		cancel()
		stopped.Store(true)
		require.Equal(t, 1, b.Pending())

		release <- struct{}{}
		require.Eventually(t, func() bool { return b.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
		stopped.Store(false)
	}
	require.Zero(t, called.Load(), "declined callbacks never run")

	// The drain waiters have all exited
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExchange_SettleRunsCallbackOnce(t *testing.T) {
	srv := newEchoServer(t)
	tr, _ := NewTransport(DefaultConfig())

	jobs := make(chan func(bool), 1)
	b := NewBridge(context.Background(), tr, func(job func(bool)) { jobs <- job })

	var calls int
	ex := b.Send(ExchangeSpec{URL: srv.URL}, func(resp *ClientResponse, err error) {
		require.NoError(t, err)
		calls++
	})
	require.NoError(t, ex.Wait(context.Background()))
	require.Eventually(t, func() bool { return len(jobs) == 1 }, 2*time.Second, 5*time.Millisecond)

	// Settling ahead of the queued job runs the callback and frees the barrier
	require.True(t, ex.Settle())
	require.Equal(t, 1, calls)
	require.Equal(t, 0, b.Pending())

	(<-jobs)(true)
	require.True(t, ex.Settle())
	require.Equal(t, 1, calls)
	require.NoError(t, b.Drain(context.Background()))

	pending := newExchange(ExchangeSpec{}, nil, nil)
	require.False(t, pending.Settle())
}
