// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jspolicy

import "errors"

var (
	ErrInvalidInvocation  = errors.New("invalid invocation")
	ErrUnknownState       = errors.New("unknown result state")
	ErrExecutorNotStarted = errors.New("worker pool is not initialized")
	ErrExecuteTimeout     = errors.New("timeout waiting for task result")
)

// ScriptError wraps an error raised while evaluating a script.
type ScriptError struct {
	FileName string
	Err      error
}

func (e *ScriptError) Error() string {
	return "script " + e.FileName + ": " + e.Err.Error()
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}
