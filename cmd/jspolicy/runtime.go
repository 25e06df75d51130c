// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	jspolicy "github.com/buke/js-policy"
	gojaengine "github.com/buke/js-policy/engines/goja"
	"github.com/buke/js-policy/httpbridge"
	"github.com/buke/js-policy/internal/config"
	"github.com/buke/js-policy/internal/metrics"
	"github.com/buke/js-policy/policy"
)

// runtime is the executor stack shared by every policy built from one configuration.
type runtime struct {
	metrics  *metrics.Metrics
	sandbox  *gojaengine.Sandbox
	executor *jspolicy.Executor
	logger   *slog.Logger
}

func newRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	m := metrics.New()

	transport, err := httpbridge.NewTransport(cfg.Transport,
		httpbridge.WithLogger(logger),
		httpbridge.WithObserver(m))
	if err != nil {
		return nil, fmt.Errorf("failed to create outbound transport: %w", err)
	}

	// The sandbox is process-wide: the first runtime's options and transport
	// are the ones every later runtime shares.
	sandboxOpts := append(cfg.Sandbox.Options(),
		gojaengine.WithTransport(transport),
		gojaengine.WithLogger(logger))
	sandbox, err := gojaengine.Initialize(sandboxOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize script sandbox: %w", err)
	}

	execOpts := append([]func(*jspolicy.Executor){
		jspolicy.WithEngine(gojaengine.NewFactory(sandbox)),
		jspolicy.WithLogger(logger),
		jspolicy.WithObserver(m),
	}, cfg.Executor.Options()...)
	executor, err := jspolicy.NewExecutor(execOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	if err := executor.Start(); err != nil {
		return nil, fmt.Errorf("failed to start executor: %w", err)
	}

	return &runtime{metrics: m, sandbox: sandbox, executor: executor, logger: logger}, nil
}

// policy builds a policy on top of the shared executor.
func (r *runtime) policy(cfg policy.Config) (*policy.Policy, error) {
	return policy.New(cfg, r.executor, policy.WithLogger(r.logger))
}

func (r *runtime) close() {
	if err := r.executor.Stop(); err != nil {
		r.logger.Error("Failed to stop executor", "error", err)
	}
}
