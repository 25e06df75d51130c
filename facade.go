// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jspolicy

import (
	"net/http"
	"net/url"
	"time"
)

// Request is the read view of the incoming request handed to scripts.
// Headers returns the live header map; mutations are visible to the pipeline.
type Request interface {
	ID() string
	TransactionID() string
	ClientIdentifier() string
	URI() string
	Host() string
	OriginalHost() string
	Path() string
	PathInfo() string
	ContextPath() string
	Parameters() url.Values
	PathParameters() url.Values
	Headers() http.Header
	Method() string
	Scheme() string
	Version() string
	Timestamp() time.Time
	RemoteAddress() string
	LocalAddress() string
}

// Response is the read/write view of the backend response handed to scripts.
type Response interface {
	Status() int
	SetStatus(code int)
	Reason() string
	SetReason(reason string)
	Headers() http.Header
	Trailers() http.Header
}

// Message is a single streamed message.
type Message interface {
	ID() string
	Headers() http.Header
	Attribute(name string) any
	SetAttribute(name string, value any)
	RemoveAttribute(name string)
	Attributes() map[string]any
	Content() []byte
	SetContent(content []byte)
}

// ExecutionContext exposes pipeline-scoped state to scripts.
type ExecutionContext interface {
	Attribute(name string) any
	SetAttribute(name string, value any)
	RemoveAttribute(name string)
	AttributeNames() []string
	Attributes() map[string]any
	Dictionaries() map[string]map[string]string
	Properties() map[string]string
}
