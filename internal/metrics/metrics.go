// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes Prometheus collectors for script invocations and
// the outbound calls they make.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	jspolicy "github.com/buke/js-policy"
	"github.com/buke/js-policy/httpbridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jspolicy"

// Outcome label values for invocations.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure" // Declared by the script
	OutcomeError   = "error"   // Script or engine error
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	exchangesTotal     *prometheus.CounterVec
	exchangeDuration   *prometheus.HistogramVec
	drainsTotal        *prometheus.CounterVec
	drainDuration      prometheus.Histogram
	drainExchanges     prometheus.Histogram
	configReloads      *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	_ jspolicy.Observer   = (*Metrics)(nil)
	_ httpbridge.Observer = (*Metrics)(nil)
)

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of script invocations",
			},
			[]string{"phase", "outcome", "key"},
		),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Script invocation latency including drain",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		exchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchanges_total",
				Help:      "Total number of outbound calls made by scripts",
			},
			[]string{"method", "status"},
		),
		exchangeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exchange_duration_seconds",
				Help:      "Outbound call latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		drainsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drains_total",
				Help:      "Total number of end-of-invocation drains",
			},
			[]string{"result"},
		),
		drainDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "drain_duration_seconds",
				Help:      "Time spent waiting for outbound calls after the script returned",
				Buckets:   prometheus.DefBuckets,
			},
		),
		drainExchanges: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "drain_exchanges",
				Help:      "Outbound calls issued per invocation",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
			},
		),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of configuration reload attempts",
			},
			[]string{"status"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.invocationsTotal,
		m.invocationDuration,
		m.exchangesTotal,
		m.exchangeDuration,
		m.drainsTotal,
		m.drainDuration,
		m.drainExchanges,
		m.configReloads,
	)

	return m
}

// ObserveInvocation records one executed invocation.
func (m *Metrics) ObserveInvocation(phase jspolicy.Phase, outcome *jspolicy.Outcome, err error, elapsed time.Duration) {
	label, key := invocationOutcome(outcome, err)
	m.invocationsTotal.WithLabelValues(phase.String(), label, key).Inc()
	m.invocationDuration.WithLabelValues(phase.String()).Observe(elapsed.Seconds())
}

func invocationOutcome(outcome *jspolicy.Outcome, err error) (string, string) {
	switch {
	case err != nil || outcome == nil || outcome.Result == nil:
		return OutcomeError, jspolicy.ExecutionFailureKey
	case outcome.Cause != nil:
		return OutcomeError, outcome.Result.Key()
	case outcome.Result.State() == jspolicy.StateFailure:
		return OutcomeFailure, outcome.Result.Key()
	default:
		return OutcomeSuccess, ""
	}
}

// ObserveExchange records one outbound call. Transport failures are labelled "error".
func (m *Metrics) ObserveExchange(method string, status int, err error, elapsed time.Duration) {
	label := "error"
	if err == nil {
		label = strconv.Itoa(status)
	}
	m.exchangesTotal.WithLabelValues(method, label).Inc()
	m.exchangeDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveDrain records the end-of-invocation barrier.
func (m *Metrics) ObserveDrain(exchanges int, err error, elapsed time.Duration) {
	result := "complete"
	if errors.Is(err, httpbridge.ErrDrainTimeout) {
		result = "timeout"
	} else if err != nil {
		result = "error"
	}
	m.drainsTotal.WithLabelValues(result).Inc()
	m.drainDuration.Observe(elapsed.Seconds())
	m.drainExchanges.Observe(float64(exchanges))
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
