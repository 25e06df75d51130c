// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jspolicy_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"

	jspolicy "github.com/buke/js-policy"
	gojaengine "github.com/buke/js-policy/engines/goja"
	"github.com/buke/js-policy/pipeline"
)

func Example() {
	logger := slog.New(slog.DiscardHandler)

	// Build the sandbox every evaluation starts from
	sandbox, err := gojaengine.NewSandbox(gojaengine.WithLogger(logger))
	if err != nil {
		fmt.Printf("Failed to create sandbox: %v\n", err)
		return
	}

	executor, err := jspolicy.NewExecutor(
		jspolicy.WithEngine(gojaengine.NewFactory(sandbox)),
		jspolicy.WithLogger(logger),
		jspolicy.WithMinPoolSize(1),
	)
	if err != nil {
		fmt.Printf("Failed to create executor: %v\n", err)
		return
	}
	if err := executor.Start(); err != nil {
		fmt.Printf("Failed to start executor: %v\n", err)
		return
	}
	defer executor.Stop()

	// Reject requests without an API key
	script := &jspolicy.Script{
		FileName: "api-key.js",
		Content: `
if (!request.headers.containsKey('X-Api-Key')) {
  result.state = State.FAILURE;
  result.code = 401;
  result.key = 'API_KEY_MISSING';
  result.error = 'Unauthorized';
}`,
	}

	inv := &jspolicy.Invocation{
		Phase:    jspolicy.PhaseRequest,
		Script:   script,
		Request:  pipeline.NewRequest(httptest.NewRequest("GET", "http://gateway.local/orders", nil)),
		Response: pipeline.NewResponse(),
		Context:  pipeline.NewExecutionContext(),
	}

	outcome, err := executor.Execute(context.Background(), inv)
	if err != nil {
		fmt.Printf("Execution error: %v\n", err)
		return
	}
	fmt.Printf("State: %s\n", outcome.Result.State())
	fmt.Printf("Interrupt: %v\n", outcome.Result.Failure())

	// Output:
	// State: FAILURE
	// Interrupt: 401 API_KEY_MISSING: Unauthorized
}
