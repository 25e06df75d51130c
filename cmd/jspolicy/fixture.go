// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	jspolicy "github.com/buke/js-policy"
	"github.com/buke/js-policy/pipeline"
	"gopkg.in/yaml.v3"
)

// values is a header or parameter value list. YAML may give a scalar or a sequence.
type values []string

func (v *values) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*v = values{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*v = list
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
	}
}

func toHeader(m map[string]values) http.Header {
	h := http.Header{}
	for name, vs := range m {
		for _, v := range vs {
			h.Add(name, v)
		}
	}
	return h
}

// fixture describes the exchange a script is evaluated against.
type fixture struct {
	Phase    string          `yaml:"phase"`
	Request  requestFixture  `yaml:"request"`
	Response responseFixture `yaml:"response"`
	Message  *messageFixture `yaml:"message"`
	Context  contextFixture  `yaml:"context"`
}

type requestFixture struct {
	Method         string            `yaml:"method"`
	URL            string            `yaml:"url"`
	RemoteAddr     string            `yaml:"remoteAddr"`
	ContextPath    string            `yaml:"contextPath"`
	Headers        map[string]values `yaml:"headers"`
	PathParameters map[string]values `yaml:"pathParameters"`
	Content        *string           `yaml:"content"` // nil when the body is not read
}

type responseFixture struct {
	Status  int               `yaml:"status"`
	Reason  string            `yaml:"reason"`
	Headers map[string]values `yaml:"headers"`
	Content *string           `yaml:"content"`
}

type messageFixture struct {
	Headers    map[string]values `yaml:"headers"`
	Content    string            `yaml:"content"`
	Attributes map[string]any    `yaml:"attributes"`
}

type contextFixture struct {
	Attributes   map[string]any               `yaml:"attributes"`
	Dictionaries map[string]map[string]string `yaml:"dictionaries"`
	Properties   map[string]string            `yaml:"properties"`
}

func loadFixture(path string) (*fixture, error) {
	f := &fixture{}
	if path == "" {
		return f, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	if err := yaml.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture %s: %w", path, err)
	}
	return f, nil
}

func parsePhase(s string) (jspolicy.Phase, error) {
	for p := jspolicy.PhaseRequest; p <= jspolicy.PhaseMessageResponse; p++ {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// built holds the facades of one fixture so their state can be reported afterwards.
type built struct {
	request  *pipeline.Request
	response *pipeline.Response
	message  *pipeline.Message
	context  *pipeline.ExecutionContext
}

// invocation builds the facades for phase. Content phases always read the
// body of their own direction.
func (f *fixture) invocation(phase jspolicy.Phase, script *jspolicy.Script) (*jspolicy.Invocation, *built, error) {
	b := &built{
		context: pipeline.NewExecutionContext(
			pipeline.WithAttributes(f.Context.Attributes),
			pipeline.WithDictionaries(f.Context.Dictionaries),
			pipeline.WithProperties(f.Context.Properties)),
	}
	inv := &jspolicy.Invocation{Phase: phase, Script: script, Context: b.context}

	if phase.IsMessage() {
		m := f.Message
		if m == nil {
			m = &messageFixture{}
		}
		b.message = pipeline.NewMessage([]byte(m.Content), toHeader(m.Headers))
		for name, v := range m.Attributes {
			b.message.SetAttribute(name, v)
		}
		inv.Message = b.message
		return inv, b, nil
	}

	rf := f.Request
	method := rf.Method
	if method == "" {
		method = http.MethodGet
	}
	target := rf.URL
	if target == "" {
		target = "http://localhost/"
	}
	hr, err := http.NewRequest(method, target, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid request: %w", err)
	}
	for name, vs := range rf.Headers {
		for _, v := range vs {
			hr.Header.Add(name, v)
		}
	}
	if rf.RemoteAddr != "" {
		hr.RemoteAddr = rf.RemoteAddr
	}
	pathParams := url.Values{}
	for name, vs := range rf.PathParameters {
		pathParams[name] = vs
	}
	b.request = pipeline.NewRequest(hr,
		pipeline.WithContextPath(rf.ContextPath),
		pipeline.WithPathParameters(pathParams))

	b.response = pipeline.NewResponse()
	if f.Response.Status != 0 {
		b.response.SetStatus(f.Response.Status)
	}
	if f.Response.Reason != "" {
		b.response.SetReason(f.Response.Reason)
	}
	for name, vs := range f.Response.Headers {
		for _, v := range vs {
			b.response.Headers().Add(name, v)
		}
	}

	inv.Request = b.request
	inv.Response = b.response
	switch phase {
	case jspolicy.PhaseRequestContent:
		inv.RequestContent = orEmpty(rf.Content)
	case jspolicy.PhaseResponseContent:
		inv.ResponseContent = orEmpty(f.Response.Content)
	}
	return inv, b, nil
}

func orEmpty(s *string) *string {
	if s == nil {
		empty := ""
		return &empty
	}
	return s
}
