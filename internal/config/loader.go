// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader reads the configuration file layered over defaults and
// JSPOLICY_* environment variables.
type Loader struct {
	v      *viper.Viper
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current *Config
	watch   sync.Once
}

type LoaderOption func(*Loader)

func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoader creates a loader for path. An empty path loads defaults and environment only.
func NewLoader(path string, opts ...LoaderOption) *Loader {
	l := &Loader{
		v:      viper.New(),
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	setDefaults(l.v, Default())
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	if path != "" {
		l.v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			l.v.SetConfigType("yaml")
		}
	}
	return l
}

// setDefaults registers every leaf key so environment overrides apply to it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("listen", d.Listen)
	v.SetDefault("metricsPath", d.MetricsPath)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("executor.minPoolSize", d.Executor.MinPoolSize)
	v.SetDefault("executor.maxPoolSize", d.Executor.MaxPoolSize)
	v.SetDefault("executor.queueSize", d.Executor.QueueSize)
	v.SetDefault("executor.workerTTL", d.Executor.WorkerTTL)
	v.SetDefault("executor.maxExecutions", d.Executor.MaxExecutions)
	v.SetDefault("executor.executeTimeout", d.Executor.ExecuteTimeout)
	v.SetDefault("executor.createThreshold", d.Executor.CreateThreshold)
	v.SetDefault("executor.selectThreshold", d.Executor.SelectThreshold)

	v.SetDefault("sandbox.maxCallStackSize", d.Sandbox.MaxCallStackSize)
	v.SetDefault("sandbox.enableConsole", d.Sandbox.EnableConsole)
	v.SetDefault("sandbox.strippedIdentifiers", d.Sandbox.StrippedIdentifiers)

	v.SetDefault("transport.insecureSkipVerify", d.Transport.InsecureSkipVerify)
	v.SetDefault("transport.maxConnsPerHost", d.Transport.MaxConnsPerHost)
	v.SetDefault("transport.keepAlive", d.Transport.KeepAlive)
	v.SetDefault("transport.connectTimeout", d.Transport.ConnectTimeout)
	v.SetDefault("transport.requestTimeout", d.Transport.RequestTimeout)
	v.SetDefault("transport.allowedHosts", d.Transport.AllowedHosts)
	v.SetDefault("transport.maxBodySize", d.Transport.MaxBodySize)

	v.SetDefault("policy.script", d.Policy.Script)
	v.SetDefault("policy.onRequestScript", d.Policy.OnRequestScript)
	v.SetDefault("policy.onResponseScript", d.Policy.OnResponseScript)
	v.SetDefault("policy.onRequestContentScript", d.Policy.OnRequestContentScript)
	v.SetDefault("policy.onResponseContentScript", d.Policy.OnResponseContentScript)
	v.SetDefault("policy.readContent", d.Policy.ReadContent)
	v.SetDefault("policy.overrideContent", d.Policy.OverrideContent)

	v.SetDefault("gateway.upstream", d.Gateway.Upstream)
	v.SetDefault("gateway.contextPath", d.Gateway.ContextPath)
	v.SetDefault("gateway.maxBodySize", d.Gateway.MaxBodySize)
}

// Viper exposes the underlying instance so commands can bind their flags.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Path returns the configuration file path, empty when none is used.
func (l *Loader) Path() string {
	return l.path
}

// Load reads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
		}
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	l.logger.Debug("Configuration loaded", "path", l.path)
	return cfg, nil
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

func (l *Loader) readAndDecode() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	cfg := Default()
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := l.restoreKeyCase(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// restoreKeyCase re-reads the maps whose keys are matched case-sensitively.
// Viper folds every key to lower case, which would break interrupt keys
// such as RATE_LIMITED.
func (l *Loader) restoreKeyCase(cfg *Config) error {
	if l.path == "" {
		return nil
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", l.path, err)
	}
	var doc struct {
		Gateway struct {
			Templates    map[string]string            `yaml:"templates"`
			Dictionaries map[string]map[string]string `yaml:"dictionaries"`
			Properties   map[string]string            `yaml:"properties"`
		} `yaml:"gateway"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", l.path, err)
	}
	if doc.Gateway.Templates != nil {
		cfg.Gateway.Templates = doc.Gateway.Templates
	}
	if doc.Gateway.Dictionaries != nil {
		cfg.Gateway.Dictionaries = doc.Gateway.Dictionaries
	}
	if doc.Gateway.Properties != nil {
		cfg.Gateway.Properties = doc.Gateway.Properties
	}
	return nil
}

// Watch reloads the configuration whenever the file changes and reports the
// result to onChange. A failed reload keeps the previous configuration and
// passes it along with the error. Watch is a no-op without a file.
func (l *Loader) Watch(onChange func(*Config, error)) {
	if l.path == "" {
		return
	}
	l.watch.Do(func() {
		l.v.OnConfigChange(func(e fsnotify.Event) {
			l.reload(e, onChange)
		})
		l.v.WatchConfig()
		l.logger.Info("Watching config file for changes", "path", l.path)
	})
}

func (l *Loader) reload(e fsnotify.Event, onChange func(*Config, error)) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	l.logger.Info("Config file changed, reloading", "path", e.Name, "op", e.Op.String())

	cfg, err := l.readAndDecode()
	if err != nil {
		l.logger.Error("Failed to reload config", "path", l.path, "error", err)
		if onChange != nil {
			onChange(l.Current(), err)
		}
		return
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	if onChange != nil {
		onChange(cfg, nil)
	}
}
