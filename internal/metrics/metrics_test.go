// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jspolicy "github.com/buke/js-policy"
	"github.com/buke/js-policy/httpbridge"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveInvocation(t *testing.T) {
	m := New()

	m.ObserveInvocation(jspolicy.PhaseRequest, &jspolicy.Outcome{Result: jspolicy.NewResult()}, nil, 5*time.Millisecond)

	declared := jspolicy.NewResult()
	declared.SetState(jspolicy.StateFailure)
	declared.SetKey("RATE_LIMITED")
	m.ObserveInvocation(jspolicy.PhaseRequest, &jspolicy.Outcome{Result: declared}, nil, time.Millisecond)

	m.ObserveInvocation(jspolicy.PhaseResponse, &jspolicy.Outcome{
		Result: jspolicy.ExecutionFailure(),
		Cause:  errors.New("boom"),
	}, nil, time.Millisecond)
	m.ObserveInvocation(jspolicy.PhaseResponse, nil, jspolicy.ErrExecuteTimeout, time.Second)

	require.Equal(t, 1.0, testutil.ToFloat64(m.invocationsTotal.WithLabelValues("request", OutcomeSuccess, "")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.invocationsTotal.WithLabelValues("request", OutcomeFailure, "RATE_LIMITED")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.invocationsTotal.WithLabelValues("response", OutcomeError, jspolicy.ExecutionFailureKey)))
	require.Equal(t, 2, testutil.CollectAndCount(m.invocationDuration))
}

func TestObserveExchange(t *testing.T) {
	m := New()

	m.ObserveExchange(http.MethodGet, http.StatusOK, nil, time.Millisecond)
	m.ObserveExchange(http.MethodGet, http.StatusOK, nil, time.Millisecond)
	m.ObserveExchange(http.MethodPost, 0, httpbridge.ErrHostNotAllowed, 0)

	require.Equal(t, 2.0, testutil.ToFloat64(m.exchangesTotal.WithLabelValues("GET", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.exchangesTotal.WithLabelValues("POST", "error")))
}

func TestObserveDrain(t *testing.T) {
	m := New()

	m.ObserveDrain(3, nil, time.Millisecond)
	m.ObserveDrain(1, fmt.Errorf("%w: 1 still pending", httpbridge.ErrDrainTimeout), time.Second)
	m.ObserveDrain(0, errors.New("other"), 0)

	require.Equal(t, 1.0, testutil.ToFloat64(m.drainsTotal.WithLabelValues("complete")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.drainsTotal.WithLabelValues("timeout")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.drainsTotal.WithLabelValues("error")))
	require.Equal(t, 1, testutil.CollectAndCount(m.drainDuration))
}

func TestRecordConfigReload(t *testing.T) {
	m := New()
	m.RecordConfigReload("success")
	m.RecordConfigReload("error")
	m.RecordConfigReload("success")

	require.Equal(t, 2.0, testutil.ToFloat64(m.configReloads.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.configReloads.WithLabelValues("error")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveInvocation(jspolicy.PhaseRequest, &jspolicy.Outcome{Result: jspolicy.NewResult()}, nil, time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `jspolicy_invocations_total{key="",outcome="success",phase="request"} 1`)
	require.Contains(t, string(body), "jspolicy_invocation_duration_seconds_bucket")
}

func TestRegistry(t *testing.T) {
	m := New()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	// Vectors without observations are not gathered
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "jspolicy_drain_duration_seconds")
	require.Contains(t, names, "jspolicy_drain_exchanges")
}
