// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package policy turns script outcomes into pipeline decisions: continue,
// continue with a new body, or interrupt.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	jspolicy "github.com/buke/js-policy"
)

// Runner evaluates one invocation. *jspolicy.Executor implements it.
type Runner interface {
	Execute(ctx context.Context, inv *jspolicy.Invocation) (*jspolicy.Outcome, error)
}

// Exchange is the facade set of one HTTP exchange.
type Exchange struct {
	Request  jspolicy.Request
	Response jspolicy.Response
	Context  jspolicy.ExecutionContext
}

// Decision is the result of one phase.
type Decision struct {
	// Interrupt is set when the pipeline must stop.
	Interrupt *jspolicy.Failure

	// Content is the body to resume with in content phases. It is the
	// original body unless Overridden is set.
	Content    []byte
	Overridden bool
}

// Continue reports whether the pipeline proceeds.
func (d *Decision) Continue() bool {
	return d.Interrupt == nil
}

// Policy applies a Config through a Runner.
type Policy struct {
	cfg    Config
	runner Runner
	logger *slog.Logger

	request  plan
	response plan
}

// Option configures a Policy.
type Option func(*Policy)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a policy. The phase plans are computed once.
func New(cfg Config, runner Runner, opts ...Option) (*Policy, error) {
	if runner == nil {
		return nil, errors.New("runner cannot be nil")
	}
	p := &Policy{
		cfg:    cfg,
		runner: runner,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.request = cfg.requestPlan()
	p.response = cfg.responsePlan()
	return p, nil
}

// Config returns the configuration the policy was built from.
func (p *Policy) Config() Config {
	return p.cfg
}

// NeedsRequestContent reports whether OnRequest expects the buffered request body.
func (p *Policy) NeedsRequestContent() bool {
	return len(p.request.content) > 0
}

// NeedsResponseContent reports whether OnResponse expects the buffered response body.
func (p *Policy) NeedsResponseContent() bool {
	return len(p.response.content) > 0
}

// OnRequest runs the request side. body is only read when NeedsRequestContent is true.
func (p *Policy) OnRequest(ctx context.Context, x Exchange, body []byte) *Decision {
	return p.onHTTP(ctx, x, p.request, jspolicy.PhaseRequest, jspolicy.PhaseRequestContent, body)
}

// OnResponse runs the response side. body is only read when NeedsResponseContent is true.
func (p *Policy) OnResponse(ctx context.Context, x Exchange, body []byte) *Decision {
	return p.onHTTP(ctx, x, p.response, jspolicy.PhaseResponse, jspolicy.PhaseResponseContent, body)
}

func (p *Policy) onHTTP(ctx context.Context, x Exchange, pl plan, phase, contentPhase jspolicy.Phase, body []byte) *Decision {
	switch {
	case pl.empty():
		return &Decision{}
	case pl.headers != nil:
		inv := &jspolicy.Invocation{
			Phase:    phase,
			Script:   &jspolicy.Script{FileName: pl.headers.name, Content: pl.headers.content},
			Request:  x.Request,
			Response: x.Response,
			Context:  x.Context,
		}
		outcome, err := p.run(ctx, inv)
		if err != nil {
			return &Decision{Interrupt: jspolicy.ExecutionFailure().Failure()}
		}
		return &Decision{Interrupt: outcome.Result.Failure()}
	default:
		return p.runChain(ctx, x, pl.content, contentPhase, body)
	}
}

// runChain evaluates the content scripts in order. Each non-empty output is the
// body seen by the next script. The first failure stops the chain.
func (p *Policy) runChain(ctx context.Context, x Exchange, chain []namedScript, phase jspolicy.Phase, body []byte) *Decision {
	current := string(body)
	for _, s := range chain {
		content := current
		inv := &jspolicy.Invocation{
			Phase:    phase,
			Script:   &jspolicy.Script{FileName: s.name, Content: s.content},
			Request:  x.Request,
			Response: x.Response,
			Context:  x.Context,
		}
		if phase == jspolicy.PhaseRequestContent {
			inv.RequestContent = &content
		} else {
			inv.ResponseContent = &content
		}

		outcome, err := p.run(ctx, inv)
		if err != nil {
			return &Decision{Interrupt: jspolicy.ExecutionFailure().Failure()}
		}
		if f := outcome.Result.Failure(); f != nil {
			return &Decision{Interrupt: f}
		}
		if outcome.Output != "" {
			current = outcome.Output
		}
	}

	if p.cfg.OverrideContent {
		return &Decision{Content: []byte(current), Overridden: true}
	}
	return &Decision{Content: body}
}

// OnMessageRequest runs Script against one request-side message.
func (p *Policy) OnMessageRequest(ctx context.Context, msg jspolicy.Message, ec jspolicy.ExecutionContext) *Decision {
	return p.onMessage(ctx, jspolicy.PhaseMessageRequest, msg, ec)
}

// OnMessageResponse runs Script against one response-side message.
func (p *Policy) OnMessageResponse(ctx context.Context, msg jspolicy.Message, ec jspolicy.ExecutionContext) *Decision {
	return p.onMessage(ctx, jspolicy.PhaseMessageResponse, msg, ec)
}

// onMessage interrupts only the given message. With OverrideContent the
// script's string output replaces the message content.
func (p *Policy) onMessage(ctx context.Context, phase jspolicy.Phase, msg jspolicy.Message, ec jspolicy.ExecutionContext) *Decision {
	if isBlank(p.cfg.Script) {
		return &Decision{}
	}
	inv := &jspolicy.Invocation{
		Phase:   phase,
		Script:  &jspolicy.Script{FileName: "script", Content: p.cfg.Script},
		Message: msg,
		Context: ec,
	}
	outcome, err := p.run(ctx, inv)
	if err != nil {
		return &Decision{Interrupt: jspolicy.ExecutionFailure().Failure()}
	}
	if f := outcome.Result.Failure(); f != nil {
		return &Decision{Interrupt: f}
	}
	if p.cfg.OverrideContent {
		msg.SetContent([]byte(outcome.Output))
		return &Decision{Content: msg.Content(), Overridden: true}
	}
	return &Decision{}
}

func (p *Policy) run(ctx context.Context, inv *jspolicy.Invocation) (*jspolicy.Outcome, error) {
	outcome, err := p.runner.Execute(ctx, inv)
	if err == nil && outcome == nil {
		err = fmt.Errorf("runner returned no outcome")
	}
	if err != nil {
		p.logger.Error("An error occurred while executing script",
			"script", inv.Script.FileName,
			"phase", inv.Phase.String(),
			"error", err)
		return nil, err
	}
	if outcome.Cause != nil {
		p.logger.Debug("Script failed during execution",
			"script", inv.Script.FileName,
			"phase", inv.Phase.String(),
			"error", outcome.Cause)
	}
	return outcome, nil
}
