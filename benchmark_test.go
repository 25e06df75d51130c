// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jspolicy_test

import (
	"context"
	"testing"

	jspolicy "github.com/buke/js-policy"
)

// A header policy with some string work, close to what gateways run per request.
const benchmarkScript = `
var key = request.headers.get('X-Api-Key') || '';
if (key.length < 8) {
  result.state = State.FAILURE;
  result.code = 401;
  result.error = 'Unauthorized';
} else {
  request.headers.set('X-Consumer', key.substring(0, 4).toUpperCase());
}
`

// BenchmarkExecutor_Goja measures one request-phase evaluation including the
// per-invocation runtime setup.
func BenchmarkExecutor_Goja(b *testing.B) {
	executor := newGojaExecutor(b,
		jspolicy.WithMinPoolSize(16), // Fixed pool size for stable results
		jspolicy.WithMaxPoolSize(16),
	)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			inv, req := requestInvocation(benchmarkScript, "http://gateway.local/")
			req.Headers().Set("X-Api-Key", "abcd1234")
			outcome, err := executor.Execute(context.Background(), inv)
			if err != nil {
				b.Errorf("Execute failed: %v", err)
				continue
			}
			if outcome.Result.State() != jspolicy.StateSuccess {
				b.Errorf("unexpected state %s", outcome.Result.State())
			}
		}
	})
}
