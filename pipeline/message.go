// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"net/http"

	"github.com/google/uuid"
)

// Message is one streamed message.
type Message struct {
	id         string
	headers    http.Header
	attributes map[string]any
	content    []byte
}

// NewMessage creates a message with a fresh id.
func NewMessage(content []byte, headers http.Header) *Message {
	if headers == nil {
		headers = http.Header{}
	}
	return &Message{
		id:         uuid.New().String(),
		headers:    headers,
		attributes: map[string]any{},
		content:    content,
	}
}

func (m *Message) ID() string                { return m.id }
func (m *Message) Headers() http.Header      { return m.headers }
func (m *Message) Attribute(name string) any { return m.attributes[name] }
func (m *Message) RemoveAttribute(name string) {
	delete(m.attributes, name)
}
func (m *Message) Attributes() map[string]any { return m.attributes }
func (m *Message) Content() []byte            { return m.content }
func (m *Message) SetContent(content []byte)  { m.content = content }

func (m *Message) SetAttribute(name string, value any) {
	m.attributes[name] = value
}
