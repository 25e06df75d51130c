// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"net/http"
	"strconv"
)

// Response is the script view of a backend response.
type Response struct {
	status   int
	reason   string
	headers  http.Header
	trailers http.Header
}

// NewResponse returns an empty 200 response, used before the backend answered.
func NewResponse() *Response {
	return &Response{
		status:   http.StatusOK,
		reason:   http.StatusText(http.StatusOK),
		headers:  http.Header{},
		trailers: http.Header{},
	}
}

// ResponseFrom wraps resp. Header mutations apply to resp directly.
func ResponseFrom(resp *http.Response) *Response {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if resp.Trailer == nil {
		resp.Trailer = http.Header{}
	}
	return &Response{
		status:   resp.StatusCode,
		reason:   http.StatusText(resp.StatusCode),
		headers:  resp.Header,
		trailers: resp.Trailer,
	}
}

func (r *Response) Status() int             { return r.status }
func (r *Response) Reason() string          { return r.reason }
func (r *Response) SetReason(reason string) { r.reason = reason }
func (r *Response) Headers() http.Header    { return r.headers }
func (r *Response) Trailers() http.Header   { return r.trailers }

// SetStatus changes the status and resets the reason to the standard text.
func (r *Response) SetStatus(code int) {
	r.status = code
	r.reason = http.StatusText(code)
}

// Apply copies status and reason back onto resp.
func (r *Response) Apply(resp *http.Response) {
	resp.StatusCode = r.status
	resp.Status = strconv.Itoa(r.status) + " " + r.reason
}
