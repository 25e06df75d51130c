// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	_ "embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dop251/goja"

	"github.com/buke/js-policy/httpbridge"
)

//go:embed prelude.js
var preludeSource string

//go:embed lockdown.js
var lockdownSource string

// strippedIdentifiers are removed from the global scope of every runtime:
// code loading, process termination, nested evaluation, host I/O, and the
// event loop's module and timer globals.
var strippedIdentifiers = []string{
	"load", "loadWithNewGlobal",
	"exit", "quit",
	"eval",
	"print", "echo", "readFully", "readLine",
	"require", "console",
	"setTimeout", "setInterval", "setImmediate",
	"clearTimeout", "clearInterval", "clearImmediate",
}

// Sandbox is the process-wide, read-only configuration every evaluation is
// built from. It owns the outbound transport shared by all invocations.
type Sandbox struct {
	Option *SandboxOption

	transport *httpbridge.Transport
	logger    *slog.Logger
	stripped  []string
	prelude   *goja.Program
	lockdown  *goja.Program
}

var (
	initOnce   sync.Once
	initShared *Sandbox
	initErr    error
)

// Initialize returns the process-wide sandbox, creating it on first call.
// Concurrent first calls block until creation finishes. Options passed after
// the first call are ignored.
func Initialize(opts ...Option) (*Sandbox, error) {
	initOnce.Do(func() {
		initShared, initErr = NewSandbox(opts...)
	})
	return initShared, initErr
}

// NewSandbox builds a sandbox and verifies it by preparing one runtime, so a
// broken configuration fails here instead of on the first invocation.
func NewSandbox(opts ...Option) (*Sandbox, error) {
	s := &Sandbox{
		Option: &SandboxOption{TransportConfig: httpbridge.DefaultConfig()},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	s.stripped = append(append([]string{}, strippedIdentifiers...), s.Option.ExtraStripped...)

	lockdown, err := goja.Compile("lockdown.js", lockdownSource, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile lockdown script: %w", err)
	}
	s.lockdown = lockdown

	prelude, err := goja.Compile("prelude.js", preludeSource, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile prelude: %w", err)
	}
	s.prelude = prelude

	if s.transport == nil {
		t, err := httpbridge.NewTransport(s.Option.TransportConfig, httpbridge.WithLogger(s.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create outbound transport: %w", err)
		}
		s.transport = t
	}

	vm := goja.New()
	if err := s.prepare(vm); err != nil {
		return nil, fmt.Errorf("failed to prepare runtime: %w", err)
	}
	if _, err := vm.RunProgram(s.prelude); err != nil {
		return nil, fmt.Errorf("failed to run prelude: %w", err)
	}

	s.logger.Debug("Script sandbox initialized",
		"stripped", len(s.stripped),
		"console", s.Option.EnableConsole,
		"maxCallStackSize", s.Option.MaxCallStackSize)
	return s, nil
}

// Transport returns the shared outbound transport.
func (s *Sandbox) Transport() *httpbridge.Transport {
	return s.transport
}

// Prelude returns the source run ahead of every script.
func (s *Sandbox) Prelude() string {
	return preludeSource
}

// prepare removes dangerous globals from a fresh runtime and locks the
// code-compiling constructors. It runs before any binding is installed.
func (s *Sandbox) prepare(vm *goja.Runtime) error {
	if s.Option.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(s.Option.MaxCallStackSize)
	}
	global := vm.GlobalObject()
	for _, name := range s.stripped {
		if err := global.Delete(name); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	if _, err := vm.RunProgram(s.lockdown); err != nil {
		return fmt.Errorf("failed to lock constructors: %w", err)
	}
	return nil
}
