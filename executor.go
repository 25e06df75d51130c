// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jspolicy

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/buke/js-policy"

// ExecutorOption contains configuration options for the script executor
type ExecutorOption struct {
	minPoolSize     uint32        // Minimum number of workers in the pool
	maxPoolSize     uint32        // Maximum number of workers in the pool
	queueSize       uint32        // Size of the task queue per worker
	workerTTL       time.Duration // Worker time-to-live for idle cleanup
	maxExecutions   uint32        // Maximum executions per worker before its engine is recycled
	executeTimeout  time.Duration // Upper bound for one evaluation including drain
	createThreshold float64       // Queue load threshold for creating new workers (0.0-1.0)
	selectThreshold float64       // Queue load threshold for skipping busy workers (0.0-1.0)
}

// Executor runs invocations on a pool of workers dedicated to blocking work.
// Evaluation blocks while outbound calls drain, so it never runs on the caller's I/O path.
type Executor struct {
	options       *ExecutorOption // Configuration options
	pool          *pool           // Worker pool
	engineFactory EngineFactory   // Creates one engine per worker

	logger   *slog.Logger // Logger instance
	observer Observer     // Optional metrics sink
	tracer   trace.Tracer // Span source for invocations
}

// Start initializes and starts the worker pool.
// Engine construction errors surface here, before any invocation is accepted.
func (e *Executor) Start() error {
	if e.pool == nil {
		return ErrExecutorNotStarted
	}
	return e.pool.start()
}

// Execute evaluates one invocation and returns its outcome.
func (e *Executor) Execute(ctx context.Context, inv *Invocation) (*Outcome, error) {
	if e.pool == nil {
		return nil, ErrExecutorNotStarted
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "jspolicy.execute", trace.WithAttributes(
		attribute.String("jspolicy.phase", inv.Phase.String()),
		attribute.String("jspolicy.script", inv.Script.FileName),
	))
	defer span.End()

	start := time.Now()
	outcome, err := e.pool.execute(ctx, inv)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case outcome.Result.State() == StateFailure:
		span.SetAttributes(
			attribute.Int("jspolicy.failure.code", outcome.Result.Code()),
			attribute.String("jspolicy.failure.key", outcome.Result.Key()),
		)
		if outcome.Cause != nil {
			span.RecordError(outcome.Cause)
		}
	}

	if e.observer != nil {
		e.observer.ObserveInvocation(inv.Phase, outcome, err, elapsed)
	}
	return outcome, err
}

// Stop stops the executor and shuts down all workers
func (e *Executor) Stop() error {
	if e.pool == nil {
		return ErrExecutorNotStarted
	}
	return e.pool.stop()
}

// NewExecutor creates a new executor with the given options
func NewExecutor(opts ...func(*Executor)) (*Executor, error) {
	cpuCount := runtime.GOMAXPROCS(0)

	executor := &Executor{
		logger: slog.Default(), // Default logger
		tracer: otel.Tracer(tracerName),
		options: &ExecutorOption{
			minPoolSize:     uint32(cpuCount),     // Default to CPU count
			maxPoolSize:     uint32(cpuCount * 4), // Workers mostly wait on outbound calls
			queueSize:       256,                  // Default queue size
			workerTTL:       0,                    // No TTL by default
			maxExecutions:   0,                    // No execution limit by default
			executeTimeout:  0,                    // Rely on the transport timeouts by default
			createThreshold: 0.5,                  // Create new worker at 50% load
			selectThreshold: 0.75,                 // Skip worker at 75% load
		},
	}

	// Apply configuration options
	for _, opt := range opts {
		opt(executor)
	}

	if executor.engineFactory == nil {
		return nil, fmt.Errorf("script engine factory must be provided")
	}
	if executor.options.minPoolSize > executor.options.maxPoolSize {
		executor.options.maxPoolSize = executor.options.minPoolSize
	}

	executor.pool = newPool(executor)

	return executor, nil
}

// WithEngine configures the engine factory used by every worker
func WithEngine(engineFactory EngineFactory) func(*Executor) {
	return func(executor *Executor) {
		executor.engineFactory = engineFactory
	}
}

// WithLogger configures the logger for the executor
func WithLogger(logger *slog.Logger) func(*Executor) {
	return func(executor *Executor) {
		executor.logger = logger
	}
}

// WithObserver registers a sink for per-invocation measurements
func WithObserver(observer Observer) func(*Executor) {
	return func(executor *Executor) {
		executor.observer = observer
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider
func WithTracerProvider(tp trace.TracerProvider) func(*Executor) {
	return func(executor *Executor) {
		if tp != nil {
			executor.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithMinPoolSize(size uint32) func(*Executor) {
	return func(executor *Executor) {
		if size > 0 {
			executor.options.minPoolSize = size
		}
	}
}

func WithMaxPoolSize(size uint32) func(*Executor) {
	return func(executor *Executor) {
		if size > 0 {
			executor.options.maxPoolSize = size
		}
	}
}

func WithQueueSize(size uint32) func(*Executor) {
	return func(executor *Executor) {
		if size > 0 {
			executor.options.queueSize = size
		}
	}
}

func WithWorkerTTL(ttl time.Duration) func(*Executor) {
	return func(executor *Executor) {
		if ttl > 0 {
			executor.options.workerTTL = ttl
		}
	}
}

func WithMaxExecutions(max uint32) func(*Executor) {
	return func(executor *Executor) {
		if max > 0 {
			executor.options.maxExecutions = max
		}
	}
}

// WithExecuteTimeout bounds one evaluation. On expiry the script is
// interrupted and pending outbound calls are abandoned.
func WithExecuteTimeout(timeout time.Duration) func(*Executor) {
	return func(executor *Executor) {
		if timeout > 0 {
			executor.options.executeTimeout = timeout
		}
	}
}

func WithCreateThreshold(threshold float64) func(*Executor) {
	return func(executor *Executor) {
		if threshold > 0 && threshold <= 1.0 {
			executor.options.createThreshold = threshold
		}
	}
}

func WithSelectThreshold(threshold float64) func(*Executor) {
	return func(executor *Executor) {
		if threshold > 0 && threshold <= 1.0 {
			executor.options.selectThreshold = threshold
		}
	}
}
