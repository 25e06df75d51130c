// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package gateway is a reverse proxy that applies a script policy on the
// request and response path of every exchange.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	jspolicy "github.com/buke/js-policy"
	"github.com/buke/js-policy/pipeline"
	"github.com/buke/js-policy/policy"
)

const DefaultMaxBodySize = 10 << 20 // 10MB

// Config configures the gateway.
type Config struct {
	Upstream     string                       `mapstructure:"upstream" yaml:"upstream"`
	ContextPath  string                       `mapstructure:"contextPath" yaml:"contextPath"`
	MaxBodySize  int64                        `mapstructure:"maxBodySize" yaml:"maxBodySize"`
	Templates    map[string]string            `mapstructure:"templates" yaml:"templates"`
	Dictionaries map[string]map[string]string `mapstructure:"dictionaries" yaml:"dictionaries"`
	Properties   map[string]string            `mapstructure:"properties" yaml:"properties"`
}

var (
	errBodyTooLarge = &jspolicy.Failure{StatusCode: http.StatusRequestEntityTooLarge, Key: "REQUEST_CONTENT_TOO_LARGE", Message: "Request Entity Too Large"}
	errBadGateway   = &jspolicy.Failure{StatusCode: http.StatusBadGateway, Key: "GATEWAY_ERROR", Message: "Bad Gateway"}
)

// interruptError carries a response-side interrupt out of ModifyResponse.
type interruptError struct {
	failure *jspolicy.Failure
}

func (e *interruptError) Error() string {
	return "interrupted: " + e.failure.Error()
}

type exchangeKey struct{}

// exchangeState is what the response side needs from the request side.
type exchangeState struct {
	policy   *policy.Policy
	exchange policy.Exchange
}

// Gateway proxies to one upstream.
type Gateway struct {
	cfg      Config
	upstream *url.URL
	policy   atomic.Pointer[policy.Policy]
	renderer *Renderer
	router   chi.Router
	proxy    *httputil.ReverseProxy
	logger   *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithTransport replaces the transport used to reach the upstream.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) {
		g.proxy.Transport = rt
	}
}

// New creates a gateway applying p.
func New(cfg Config, p *policy.Policy, opts ...Option) (*Gateway, error) {
	if p == nil {
		return nil, errors.New("policy cannot be nil")
	}
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream must be an absolute url: %q", cfg.Upstream)
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	cfg.ContextPath = strings.TrimSuffix(cfg.ContextPath, "/")

	renderer, err := NewRenderer(cfg.Templates)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:      cfg,
		upstream: upstream,
		renderer: renderer,
		logger:   slog.Default(),
	}
	g.policy.Store(p)
	g.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(g.upstream)
			pr.SetXForwarded()
		},
		ModifyResponse: g.onResponse,
		ErrorHandler:   g.onProxyError,
	}
	for _, opt := range opts {
		opt(g)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(cfg.ContextPath+"/*", http.HandlerFunc(g.handle))
	if cfg.ContextPath != "" {
		r.Handle(cfg.ContextPath, http.HandlerFunc(g.handle))
	}
	g.router = r
	return g, nil
}

// SetPolicy swaps the policy. Exchanges already in flight keep the old one.
func (g *Gateway) SetPolicy(p *policy.Policy) {
	if p != nil {
		g.policy.Store(p)
	}
}

// Policy returns the active policy.
func (g *Gateway) Policy() *policy.Policy {
	return g.policy.Load()
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) handle(w http.ResponseWriter, r *http.Request) {
	p := g.policy.Load()

	var pathParams url.Values
	if rc := chi.RouteContext(r.Context()); rc != nil {
		pathParams = url.Values{}
		for i, key := range rc.URLParams.Keys {
			// A mounting router leaves an empty catch-all behind
			if i >= len(rc.URLParams.Values) || rc.URLParams.Values[i] == "" {
				continue
			}
			pathParams.Set(key, rc.URLParams.Values[i])
		}
	}
	req := pipeline.NewRequest(r,
		pipeline.WithContextPath(g.cfg.ContextPath),
		pipeline.WithPathParameters(pathParams))
	x := policy.Exchange{
		Request:  req,
		Response: pipeline.NewResponse(),
		Context: pipeline.NewExecutionContext(
			pipeline.WithDictionaries(g.cfg.Dictionaries),
			pipeline.WithProperties(g.cfg.Properties)),
	}

	var body []byte
	if p.NeedsRequestContent() {
		b, err := readLimited(r.Body, g.cfg.MaxBodySize)
		if err != nil {
			g.interrupt(w, r, errBodyTooLarge)
			return
		}
		body = b
	}

	d := p.OnRequest(r.Context(), x, body)
	if !d.Continue() {
		g.interrupt(w, r, d.Interrupt)
		return
	}

	out := req.HTTPRequest()
	if p.NeedsRequestContent() {
		setBody(out, d.Content)
	}
	ctx := context.WithValue(out.Context(), exchangeKey{}, &exchangeState{policy: p, exchange: x})
	g.proxy.ServeHTTP(w, out.WithContext(ctx))
}

// onResponse runs the response side of the policy before the upstream
// response is copied to the client.
func (g *Gateway) onResponse(resp *http.Response) error {
	st, ok := resp.Request.Context().Value(exchangeKey{}).(*exchangeState)
	if !ok {
		return nil
	}

	// Headers set by request-side scripts reach the client
	for name, values := range st.exchange.Response.Headers() {
		resp.Header[name] = values
	}
	view := pipeline.ResponseFrom(resp)
	x := st.exchange
	x.Response = view

	var body []byte
	if st.policy.NeedsResponseContent() {
		b, err := readLimited(resp.Body, g.cfg.MaxBodySize)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read upstream body: %w", err)
		}
		body = b
	}

	d := st.policy.OnResponse(resp.Request.Context(), x, body)
	if !d.Continue() {
		return &interruptError{failure: d.Interrupt}
	}
	view.Apply(resp)
	if st.policy.NeedsResponseContent() {
		resp.Body = io.NopCloser(bytes.NewReader(d.Content))
		resp.ContentLength = int64(len(d.Content))
		resp.Header.Set("Content-Length", strconv.Itoa(len(d.Content)))
	}
	return nil
}

func (g *Gateway) onProxyError(w http.ResponseWriter, r *http.Request, err error) {
	var ie *interruptError
	if errors.As(err, &ie) {
		g.interrupt(w, r, ie.failure)
		return
	}
	g.logger.Error("Upstream call failed", "url", r.URL.String(), "error", err)
	g.interrupt(w, r, errBadGateway)
}

func (g *Gateway) interrupt(w http.ResponseWriter, r *http.Request, f *jspolicy.Failure) {
	g.logger.Debug("Exchange interrupted",
		"method", r.Method,
		"path", r.URL.Path,
		"status", f.StatusCode,
		"key", f.Key)
	if err := g.renderer.Render(w, f); err != nil {
		g.logger.Error("Failed to render interrupt", "key", f.Key, "error", err)
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return []byte{}, nil
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return b, nil
}

func setBody(r *http.Request, body []byte) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}
