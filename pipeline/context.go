// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"sort"
	"sync"

	jspolicy "github.com/buke/js-policy"
)

var (
	_ jspolicy.Request          = (*Request)(nil)
	_ jspolicy.Response         = (*Response)(nil)
	_ jspolicy.Message          = (*Message)(nil)
	_ jspolicy.ExecutionContext = (*ExecutionContext)(nil)
)

// ExecutionContext holds the attributes shared by every phase of one exchange.
// Attributes may be touched from the proxy and from scripts, so access is locked.
type ExecutionContext struct {
	mu           sync.RWMutex
	attributes   map[string]any
	dictionaries map[string]map[string]string
	properties   map[string]string
}

// ContextOption customizes an ExecutionContext.
type ContextOption func(*ExecutionContext)

// WithDictionaries exposes read-only key/value dictionaries.
func WithDictionaries(d map[string]map[string]string) ContextOption {
	return func(c *ExecutionContext) {
		c.dictionaries = d
	}
}

// WithProperties exposes read-only API properties.
func WithProperties(p map[string]string) ContextOption {
	return func(c *ExecutionContext) {
		c.properties = p
	}
}

// WithAttributes seeds the attribute map.
func WithAttributes(attrs map[string]any) ContextOption {
	return func(c *ExecutionContext) {
		for k, v := range attrs {
			c.attributes[k] = v
		}
	}
}

func NewExecutionContext(opts ...ContextOption) *ExecutionContext {
	c := &ExecutionContext{
		attributes:   map[string]any{},
		dictionaries: map[string]map[string]string{},
		properties:   map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ExecutionContext) Attribute(name string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attributes[name]
}

func (c *ExecutionContext) SetAttribute(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attributes[name] = value
}

func (c *ExecutionContext) RemoveAttribute(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attributes, name)
}

// AttributeNames returns the attribute names in sorted order.
func (c *ExecutionContext) AttributeNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.attributes))
	for name := range c.attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Attributes returns a snapshot of the attributes.
func (c *ExecutionContext) Attributes() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.attributes))
	for k, v := range c.attributes {
		out[k] = v
	}
	return out
}

func (c *ExecutionContext) Dictionaries() map[string]map[string]string { return c.dictionaries }
func (c *ExecutionContext) Properties() map[string]string              { return c.properties }
