// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jspolicy

import (
	"context"
	"fmt"
)

// Phase identifies the pipeline stage a script is attached to.
type Phase int

const (
	PhaseRequest         Phase = iota // Request headers and attributes, no body
	PhaseResponse                     // Response headers and attributes, no body
	PhaseRequestContent               // Buffered request body
	PhaseResponseContent              // Buffered response body
	PhaseMessageRequest               // One streamed message on the request side
	PhaseMessageResponse              // One streamed message on the response side
)

// String returns the string representation of a Phase.
func (p Phase) String() string {
	switch p {
	case PhaseRequest:
		return "request"
	case PhaseResponse:
		return "response"
	case PhaseRequestContent:
		return "request_content"
	case PhaseResponseContent:
		return "response_content"
	case PhaseMessageRequest:
		return "message_request"
	case PhaseMessageResponse:
		return "message_response"
	default:
		return "unknown"
	}
}

// IsMessage reports whether the phase evaluates scripts against a single message.
func (p Phase) IsMessage() bool {
	return p == PhaseMessageRequest || p == PhaseMessageResponse
}

// Script is a named piece of script source.
type Script struct {
	Content  string // Script source
	FileName string // Name used in stack traces
}

// Invocation is the context payload for one script evaluation.
// Exactly one of the Request/Response pair or Message is populated, matching Phase.
type Invocation struct {
	Phase  Phase
	Script *Script

	Request  Request  // Request facade (HTTP phases)
	Response Response // Response facade (HTTP phases)
	Message  Message  // Message facade (message phases)
	Context  ExecutionContext

	// RequestContent and ResponseContent hold the buffered bodies. A nil value
	// means the body was not read and scripts may not access it.
	RequestContent  *string
	ResponseContent *string
}

// Validate checks the binding invariants of the invocation.
func (inv *Invocation) Validate() error {
	if inv == nil {
		return fmt.Errorf("%w: invocation cannot be nil", ErrInvalidInvocation)
	}
	if inv.Script == nil {
		return fmt.Errorf("%w: script cannot be nil", ErrInvalidInvocation)
	}
	if inv.Context == nil {
		return fmt.Errorf("%w: execution context is required", ErrInvalidInvocation)
	}
	httpPair := inv.Request != nil || inv.Response != nil
	if inv.Phase.IsMessage() {
		if inv.Message == nil {
			return fmt.Errorf("%w: phase %s requires a message", ErrInvalidInvocation, inv.Phase)
		}
		if httpPair {
			return fmt.Errorf("%w: phase %s must not carry request or response", ErrInvalidInvocation, inv.Phase)
		}
		return nil
	}
	if inv.Message != nil {
		return fmt.Errorf("%w: phase %s must not carry a message", ErrInvalidInvocation, inv.Phase)
	}
	if inv.Request == nil || inv.Response == nil {
		return fmt.Errorf("%w: phase %s requires request and response", ErrInvalidInvocation, inv.Phase)
	}
	return nil
}

// Outcome is what an evaluation produced.
type Outcome struct {
	Result *Result // Snapshot of the script's result object
	Output string  // Last value of the script when it is a string, otherwise empty
	Cause  error   // Script error that forced the failure, kept for logging only
}

// Engine evaluates scripts in a sandbox.
type Engine interface {
	// Evaluate runs the invocation's script and returns its outcome. Script
	// errors are folded into the outcome; the returned error is reserved for
	// failures of the engine itself.
	Evaluate(ctx context.Context, inv *Invocation) (*Outcome, error)

	// Close releases the engine's resources.
	Close() error
}

// EngineFactory creates Engine instances, one per worker.
type EngineFactory func() (Engine, error)
