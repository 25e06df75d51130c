// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jspolicy

import "time"

// Observer receives one measurement per executed invocation.
// outcome is nil when err is set.
type Observer interface {
	ObserveInvocation(phase Phase, outcome *Outcome, err error, elapsed time.Duration)
}
