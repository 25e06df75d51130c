// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package pipeline provides net/http backed implementations of the facades
// scripts are evaluated against.
package pipeline

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// HeaderTransactionID carries the transaction id across hops.
	HeaderTransactionID = "X-Transaction-Id"
	// HeaderClientIdentifier lets callers name themselves.
	HeaderClientIdentifier = "X-Client-Identifier"
)

// Request is the script view of an incoming *http.Request.
// Headers and parameters are live: script mutations are seen by the proxy.
type Request struct {
	id               string
	transactionID    string
	clientIdentifier string
	contextPath      string
	originalHost     string
	timestamp        time.Time

	req            *http.Request
	parameters     url.Values
	pathParameters url.Values
}

// RequestOption customizes a Request.
type RequestOption func(*Request)

// WithContextPath sets the mount point of the API. PathInfo is the path below it.
func WithContextPath(contextPath string) RequestOption {
	return func(r *Request) {
		r.contextPath = strings.TrimSuffix(contextPath, "/")
	}
}

// WithPathParameters sets the parameters extracted by the router.
func WithPathParameters(params url.Values) RequestOption {
	return func(r *Request) {
		r.pathParameters = params
	}
}

// NewRequest wraps req. A missing transaction id header is filled with the
// request id, and the header is set on req so it reaches the backend.
func NewRequest(req *http.Request, opts ...RequestOption) *Request {
	r := &Request{
		id:             uuid.New().String(),
		timestamp:      time.Now(),
		req:            req,
		originalHost:   req.Host,
		parameters:     req.URL.Query(),
		pathParameters: url.Values{},
	}
	for _, opt := range opts {
		opt(r)
	}

	r.transactionID = req.Header.Get(HeaderTransactionID)
	if r.transactionID == "" {
		r.transactionID = r.id
		req.Header.Set(HeaderTransactionID, r.transactionID)
	}
	r.clientIdentifier = req.Header.Get(HeaderClientIdentifier)
	if r.clientIdentifier == "" {
		r.clientIdentifier = r.transactionID
	}
	return r
}

// HTTPRequest returns the wrapped request with script parameter changes applied to its query.
func (r *Request) HTTPRequest() *http.Request {
	r.req.URL.RawQuery = r.parameters.Encode()
	return r.req
}

func (r *Request) ID() string               { return r.id }
func (r *Request) TransactionID() string    { return r.transactionID }
func (r *Request) ClientIdentifier() string { return r.clientIdentifier }
func (r *Request) URI() string              { return r.req.URL.RequestURI() }
func (r *Request) Host() string             { return r.req.Host }
func (r *Request) OriginalHost() string     { return r.originalHost }
func (r *Request) Path() string             { return r.req.URL.Path }
func (r *Request) ContextPath() string      { return r.contextPath }
func (r *Request) Parameters() url.Values   { return r.parameters }
func (r *Request) PathParameters() url.Values {
	return r.pathParameters
}
func (r *Request) Headers() http.Header  { return r.req.Header }
func (r *Request) Method() string        { return r.req.Method }
func (r *Request) Version() string       { return r.req.Proto }
func (r *Request) Timestamp() time.Time  { return r.timestamp }
func (r *Request) RemoteAddress() string { return hostOnly(r.req.RemoteAddr) }

// PathInfo returns the path below the context path.
func (r *Request) PathInfo() string {
	info := strings.TrimPrefix(r.req.URL.Path, r.contextPath)
	if info == "" {
		return "/"
	}
	return info
}

func (r *Request) Scheme() string {
	if r.req.TLS != nil {
		return "https"
	}
	if s := r.req.URL.Scheme; s != "" {
		return s
	}
	return "http"
}

// LocalAddress returns the address the connection was accepted on, when known.
func (r *Request) LocalAddress() string {
	if addr, ok := r.req.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		return hostOnly(addr.String())
	}
	return ""
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
