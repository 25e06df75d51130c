// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jspolicy

import (
	"fmt"
	"net/http"
)

// State is the outcome declared by a script.
type State string

const (
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

const (
	// ExecutionFailureKey marks failures caused by the script itself rather than declared by it.
	ExecutionFailureKey = "JAVASCRIPT_EXECUTION_FAILURE"

	// ExecutionFailureMessage is the client-visible message for script execution failures.
	ExecutionFailureMessage = "Internal Server Error"

	// DefaultFailureCode is the status code used when a script does not pick one.
	DefaultFailureCode = http.StatusInternalServerError
)

// ParseState converts a script-provided value into a State.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateSuccess, StateFailure:
		return State(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
	}
}

// Result is the host-owned outcome object a script writes to.
// It starts in StateSuccess and never moves back once it reaches StateFailure.
type Result struct {
	state       State
	code        int
	key         string
	message     string
	contentType string
}

// NewResult returns a result in its initial state.
func NewResult() *Result {
	return &Result{state: StateSuccess, code: DefaultFailureCode}
}

// ExecutionFailure returns the result used when a script could not complete.
func ExecutionFailure() *Result {
	return &Result{
		state:   StateFailure,
		code:    DefaultFailureCode,
		key:     ExecutionFailureKey,
		message: ExecutionFailureMessage,
	}
}

func (r *Result) State() State        { return r.state }
func (r *Result) Code() int           { return r.code }
func (r *Result) Key() string         { return r.key }
func (r *Result) Message() string     { return r.message }
func (r *Result) ContentType() string { return r.contentType }

// SetState moves the result to s. Reverting a failure is ignored and reported as false.
func (r *Result) SetState(s State) bool {
	if r.state == StateFailure && s != StateFailure {
		return false
	}
	r.state = s
	return true
}

// SetCode sets the HTTP status code carried by a failure. The value is kept
// as declared; writers of the interrupt decide how to send it.
func (r *Result) SetCode(code int) { r.code = code }

func (r *Result) SetKey(key string)                 { r.key = key }
func (r *Result) SetMessage(message string)         { r.message = message }
func (r *Result) SetContentType(contentType string) { r.contentType = contentType }

// Clone returns an independent copy of the result.
func (r *Result) Clone() *Result {
	c := *r
	return &c
}

// Failure returns the interrupt payload, or nil when the result is a success.
func (r *Result) Failure() *Failure {
	if r.state != StateFailure {
		return nil
	}
	return &Failure{
		StatusCode:  r.code,
		Key:         r.key,
		Message:     r.message,
		ContentType: r.contentType,
	}
}

// Failure is the payload of an interrupt. Empty Key and ContentType mean absent.
type Failure struct {
	StatusCode  int    `json:"http_status_code"`
	Key         string `json:"key,omitempty"`
	Message     string `json:"message"`
	ContentType string `json:"-"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Key != "" {
		return fmt.Sprintf("%d %s: %s", f.StatusCode, f.Key, f.Message)
	}
	return fmt.Sprintf("%d: %s", f.StatusCode, f.Message)
}
