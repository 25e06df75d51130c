// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/stretchr/testify/require"

	jspolicy "github.com/buke/js-policy"
)

// newCalleeServer echoes the method, the X-In header and the body after an optional delay.
func newCalleeServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Out", r.Header.Get("X-In"))
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, "%s:%s", r.Method, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHttpClient_DrainBarrier(t *testing.T) {
	srv := newCalleeServer(t, 50*time.Millisecond)
	engine := newTestEngine(t)

	inv := newHTTPInvocation(fmt.Sprintf(`
		for (let i = 0; i < 5; i++) {
			httpClient.get('%s/?n=' + i, function (resp, err) {
				if (err) { throw err; }
				response.headers.set('X-Call-' + i, String(resp.status));
			});
		}
		'sent'
	`, srv.URL))

	outcome := evaluate(t, engine, inv)
	require.Equal(t, jspolicy.StateSuccess, outcome.Result.State())
	require.Equal(t, "sent", outcome.Output)
	for i := 0; i < 5; i++ {
		require.Equal(t, "202", inv.Response.Headers().Get(fmt.Sprintf("X-Call-%d", i)))
	}
}

func TestHttpClient_FireAndForget(t *testing.T) {
	hits := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		hits <- struct{}{}
	}))
	defer srv.Close()
	engine := newTestEngine(t)

	evaluate(t, engine, newHTTPInvocation(fmt.Sprintf("httpClient.get('%s');", srv.URL)))
	select {
	case <-hits:
	default:
		t.Fatal("evaluation returned before the outbound call completed")
	}
}

func TestHttpClient_SendRequest(t *testing.T) {
	srv := newCalleeServer(t, 0)
	engine := newTestEngine(t)

	inv := newHTTPInvocation(fmt.Sprintf(`
		var req = new Request('%s/things', 'POST', {'X-In': ['a', 'b']}, 'payload');
		var ex = httpClient.send(req, function (resp, err) {
			context.setAttribute('status', resp.getStatus());
			context.setAttribute('out', resp.headers.get('X-Out'));
		});
		ex.waitForComplete();
		[req.method, ex.isComplete(), ex.isSuccess(), ex.isError(), ex.response().body, ex.getError()].join('|')
	`, srv.URL))

	outcome := evaluate(t, engine, inv)
	require.Equal(t, "POST|true|true|false|POST:payload|", outcome.Output)
	require.EqualValues(t, http.StatusAccepted, inv.Context.Attribute("status"))
	require.Equal(t, "a", inv.Context.Attribute("out"))
}

func TestHttpClient_GetForcesMethod(t *testing.T) {
	srv := newCalleeServer(t, 0)
	engine := newTestEngine(t)

	outcome := evaluate(t, engine, newHTTPInvocation(fmt.Sprintf(`
		var ex = httpClient.get(new Request('%s', 'DELETE'));
		ex.waitForComplete().getResponse().body
	`, srv.URL)))
	require.Equal(t, "GET:", outcome.Output)
}

func TestHttpClient_RequestConstructor(t *testing.T) {
	engine := newTestEngine(t)

	outcome := evaluate(t, engine, newHTTPInvocation(`
		var r = new Request('http://callee.local');
		[r.url, r.method, typeof r.headers, r.payload].join('|')
	`))
	require.Equal(t, "http://callee.local|GET|object|", outcome.Output)

	requireExecutionFailure(t, evaluate(t, engine, newHTTPInvocation("new Request();")))
	requireExecutionFailure(t, evaluate(t, engine, newHTTPInvocation("httpClient.get();")))
	requireExecutionFailure(t, evaluate(t, engine, newHTTPInvocation("httpClient.send({method: 'GET'});")))
}

func TestHttpClient_FailureDeliveredToScript(t *testing.T) {
	engine := newTestEngine(t)

	inv := newHTTPInvocation(`
		var ex = httpClient.get('ftp://callee.local/file', function (resp, err) {
			context.setAttribute('resp', resp === null);
			context.setAttribute('err', String(err));
		});
		ex.waitForComplete();
		ex.isError() && ex.response() === null && ex.error() !== null ? 'failed' : 'unexpected'
	`)

	outcome := evaluate(t, engine, inv)
	require.Equal(t, jspolicy.StateSuccess, outcome.Result.State(), "outbound failures do not fail the invocation")
	require.Equal(t, "failed", outcome.Output)
	require.Equal(t, true, inv.Context.Attribute("resp"))
	require.Contains(t, inv.Context.Attribute("err"), "scheme must be http or https")
}

func TestHttpClient_CallbackErrorFails(t *testing.T) {
	srv := newCalleeServer(t, 0)
	engine := newTestEngine(t)

	outcome := evaluate(t, engine, newHTTPInvocation(fmt.Sprintf(`
		httpClient.get('%s', function () { throw new Error('callback boom'); });
	`, srv.URL)))
	requireExecutionFailure(t, outcome)
	require.Contains(t, outcome.Cause.Error(), "callback boom")
}

func TestHttpClient_NonFunctionCallback(t *testing.T) {
	engine := newTestEngine(t)

	outcome := evaluate(t, engine, newHTTPInvocation("httpClient.get('http://callee.local', 'nope');"))
	requireExecutionFailure(t, outcome)
	require.Contains(t, outcome.Cause.Error(), "callback must be a function")
}

func TestHttpClient_DrainAfterThrow(t *testing.T) {
	srv := newCalleeServer(t, 50*time.Millisecond)
	engine := newTestEngine(t)

	inv := newHTTPInvocation(fmt.Sprintf(`
		httpClient.get('%s', function (resp) { response.headers.set('X-Late', 'landed'); });
		throw new Error('after send');
	`, srv.URL))

	outcome := evaluate(t, engine, inv)
	requireExecutionFailure(t, outcome)
	require.Equal(t, "landed", inv.Response.Headers().Get("X-Late"), "calls are drained even when the script throws")
}

func TestHttpClient_DrainTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	engine := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcome, err := engine.Evaluate(ctx, newHTTPInvocation(fmt.Sprintf(`
		httpClient.get('%s', function (resp, err) { if (err) { throw err; } });
	`, srv.URL)))
	require.NoError(t, err)
	requireExecutionFailure(t, outcome)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestHttpClient_WaitForCompleteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	engine := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	outcome, err := engine.Evaluate(ctx, newHTTPInvocation(fmt.Sprintf("httpClient.get('%s').waitForComplete(); 'done'", srv.URL)))
	require.NoError(t, err)
	requireExecutionFailure(t, outcome)
	require.True(t, strings.Contains(outcome.Cause.Error(), "deadline exceeded"))
}

func TestHttpClient_WaitForCompleteRunsCallback(t *testing.T) {
	srv := newCalleeServer(t, 20*time.Millisecond)
	engine := newTestEngine(t)

	inv := newHTTPInvocation(fmt.Sprintf(`
		var status = 'unset';
		var ex = httpClient.get('%s', function (resp) {
			status = String(resp.status);
			context.setAttribute('calls', (context.getAttribute('calls') || 0) + 1);
		});
		ex.waitForComplete();
		ex.waitForComplete();
		status + '/' + ex.response().status
	`, srv.URL))

	outcome := evaluate(t, engine, inv)
	require.Equal(t, jspolicy.StateSuccess, outcome.Result.State())
	require.Equal(t, "202/202", outcome.Output)
	require.EqualValues(t, 1, inv.Context.Attribute("calls"), "the callback runs once")
}

func TestHttpClient_WaitForCompleteInsideCallback(t *testing.T) {
	srv := newCalleeServer(t, 0)
	engine := newTestEngine(t)

	inv := newHTTPInvocation(fmt.Sprintf(`
		var ex = httpClient.get('%s', function (resp) {
			ex.waitForComplete();
			response.headers.set('X-Nested', String(resp.status));
		});
		ex.waitForComplete();
		response.headers.get('X-Nested')
	`, srv.URL))

	outcome := evaluate(t, engine, inv)
	require.Equal(t, jspolicy.StateSuccess, outcome.Result.State())
	require.Equal(t, "202", outcome.Output)
}

func TestHttpClient_DrainTimeoutReleasesCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	engine := newTestEngine(t)

	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		outcome, err := engine.Evaluate(ctx, newHTTPInvocation(fmt.Sprintf(`
			httpClient.get('%s', function () { response.headers.set('X-Late', 'yes'); });
		`, srv.URL)))
		cancel()
		require.NoError(t, err)
		requireExecutionFailure(t, outcome)
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+4
	}, 5*time.Second, 20*time.Millisecond, "timed-out invocations must not leave goroutines behind")
}

func TestLoopScheduler_DeclinesAfterStop(t *testing.T) {
	loop := eventloop.NewEventLoop()
	loop.Start()
	sched := newLoopScheduler(loop)

	ran := make(chan bool, 1)
	sched.schedule(func(run bool) { ran <- run })
	require.True(t, <-ran)

	sched.stop()
	sched.schedule(func(run bool) { ran <- run })
	require.False(t, <-ran)
}
