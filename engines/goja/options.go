// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"fmt"
	"log/slog"

	"github.com/buke/js-policy/httpbridge"
)

// SandboxOption holds the tunables of a Sandbox.
type SandboxOption struct {
	MaxCallStackSize int
	EnableConsole    bool
	ExtraStripped    []string
	TransportConfig  httpbridge.Config
}

// Option configures a Sandbox.
type Option func(*Sandbox) error

// WithMaxCallStackSize sets the maximum call stack size of every runtime.
// A value of 0 or less means no limit.
func WithMaxCallStackSize(size int) Option {
	return func(s *Sandbox) error {
		s.Option.MaxCallStackSize = size
		return nil
	}
}

// WithEnableConsole exposes a console object that writes to the sandbox logger.
func WithEnableConsole() Option {
	return func(s *Sandbox) error {
		s.Option.EnableConsole = true
		return nil
	}
}

// WithStrippedIdentifiers removes additional globals before any script runs.
func WithStrippedIdentifiers(names ...string) Option {
	return func(s *Sandbox) error {
		for _, name := range names {
			if name == "" {
				return fmt.Errorf("stripped identifier cannot be empty")
			}
		}
		s.Option.ExtraStripped = append(s.Option.ExtraStripped, names...)
		return nil
	}
}

// WithTransportConfig configures the shared outbound transport.
func WithTransportConfig(cfg httpbridge.Config) Option {
	return func(s *Sandbox) error {
		s.Option.TransportConfig = cfg
		return nil
	}
}

// WithTransport shares an existing outbound transport instead of building one.
func WithTransport(t *httpbridge.Transport) Option {
	return func(s *Sandbox) error {
		if t == nil {
			return fmt.Errorf("transport cannot be nil")
		}
		s.transport = t
		return nil
	}
}

// WithLogger sets the logger used for script errors and console output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sandbox) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}
