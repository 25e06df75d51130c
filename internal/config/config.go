// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package config loads the jspolicy configuration file and watches it for changes.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	jspolicy "github.com/buke/js-policy"
	gojaengine "github.com/buke/js-policy/engines/goja"
	"github.com/buke/js-policy/gateway"
	"github.com/buke/js-policy/httpbridge"
	"github.com/buke/js-policy/policy"
)

// EnvPrefix prefixes environment overrides, e.g. JSPOLICY_GATEWAY_UPSTREAM.
const EnvPrefix = "JSPOLICY"

// Config is the complete file configuration.
type Config struct {
	Listen      string            `mapstructure:"listen" yaml:"listen"`
	MetricsPath string            `mapstructure:"metricsPath" yaml:"metricsPath"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Executor    ExecutorConfig    `mapstructure:"executor" yaml:"executor"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox" yaml:"sandbox"`
	Transport   httpbridge.Config `mapstructure:"transport" yaml:"transport"`
	Policy      policy.Config     `mapstructure:"policy" yaml:"policy"`
	Gateway     gateway.Config    `mapstructure:"gateway" yaml:"gateway"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// ExecutorConfig mirrors the executor's functional options. Zero values keep the executor defaults.
type ExecutorConfig struct {
	MinPoolSize     uint32        `mapstructure:"minPoolSize" yaml:"minPoolSize"`
	MaxPoolSize     uint32        `mapstructure:"maxPoolSize" yaml:"maxPoolSize"`
	QueueSize       uint32        `mapstructure:"queueSize" yaml:"queueSize"`
	WorkerTTL       time.Duration `mapstructure:"workerTTL" yaml:"workerTTL"`
	MaxExecutions   uint32        `mapstructure:"maxExecutions" yaml:"maxExecutions"`
	ExecuteTimeout  time.Duration `mapstructure:"executeTimeout" yaml:"executeTimeout"`
	CreateThreshold float64       `mapstructure:"createThreshold" yaml:"createThreshold"`
	SelectThreshold float64       `mapstructure:"selectThreshold" yaml:"selectThreshold"`
}

// SandboxConfig mirrors the sandbox options.
type SandboxConfig struct {
	MaxCallStackSize    int      `mapstructure:"maxCallStackSize" yaml:"maxCallStackSize"`
	EnableConsole       bool     `mapstructure:"enableConsole" yaml:"enableConsole"`
	StrippedIdentifiers []string `mapstructure:"strippedIdentifiers" yaml:"strippedIdentifiers"`
}

// Default returns the configuration used for keys the file does not set.
func Default() Config {
	return Config{
		Listen:      ":8080",
		MetricsPath: "/metrics",
		Log:         LogConfig{Level: "info", Format: "text"},
		Transport:   httpbridge.DefaultConfig(),
		Gateway:     gateway.Config{MaxBodySize: gateway.DefaultMaxBodySize},
	}
}

// Validate reports configuration errors that would otherwise surface at startup.
func (c *Config) Validate() error {
	var errs []error
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if t := c.Executor.CreateThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("executor.createThreshold must be within [0, 1], got %v", t))
	}
	if t := c.Executor.SelectThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("executor.selectThreshold must be within [0, 1], got %v", t))
	}
	if c.Executor.MaxPoolSize > 0 && c.Executor.MinPoolSize > c.Executor.MaxPoolSize {
		errs = append(errs, fmt.Errorf("executor.minPoolSize %d exceeds maxPoolSize %d",
			c.Executor.MinPoolSize, c.Executor.MaxPoolSize))
	}
	for _, name := range c.Sandbox.StrippedIdentifiers {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("sandbox.strippedIdentifiers cannot contain empty names"))
			break
		}
	}
	if c.Transport.MaxBodySize < 0 {
		errs = append(errs, fmt.Errorf("transport.maxBodySize cannot be negative"))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the logger described by c.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Options converts c into executor options. Unset fields are omitted.
func (c ExecutorConfig) Options() []func(*jspolicy.Executor) {
	var opts []func(*jspolicy.Executor)
	if c.MinPoolSize > 0 {
		opts = append(opts, jspolicy.WithMinPoolSize(c.MinPoolSize))
	}
	if c.MaxPoolSize > 0 {
		opts = append(opts, jspolicy.WithMaxPoolSize(c.MaxPoolSize))
	}
	if c.QueueSize > 0 {
		opts = append(opts, jspolicy.WithQueueSize(c.QueueSize))
	}
	if c.WorkerTTL > 0 {
		opts = append(opts, jspolicy.WithWorkerTTL(c.WorkerTTL))
	}
	if c.MaxExecutions > 0 {
		opts = append(opts, jspolicy.WithMaxExecutions(c.MaxExecutions))
	}
	if c.ExecuteTimeout > 0 {
		opts = append(opts, jspolicy.WithExecuteTimeout(c.ExecuteTimeout))
	}
	if c.CreateThreshold > 0 {
		opts = append(opts, jspolicy.WithCreateThreshold(c.CreateThreshold))
	}
	if c.SelectThreshold > 0 {
		opts = append(opts, jspolicy.WithSelectThreshold(c.SelectThreshold))
	}
	return opts
}

// Options converts c into sandbox options.
func (c SandboxConfig) Options() []gojaengine.Option {
	var opts []gojaengine.Option
	if c.MaxCallStackSize > 0 {
		opts = append(opts, gojaengine.WithMaxCallStackSize(c.MaxCallStackSize))
	}
	if c.EnableConsole {
		opts = append(opts, gojaengine.WithEnableConsole())
	}
	if len(c.StrippedIdentifiers) > 0 {
		opts = append(opts, gojaengine.WithStrippedIdentifiers(c.StrippedIdentifiers...))
	}
	return opts
}
