// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package httpbridge lets scripts issue outbound HTTP calls asynchronously
// and lets the host join all of an invocation's calls before it continues.
package httpbridge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultMaxConnsPerHost = 30
	DefaultConnectTimeout  = 3 * time.Second
	DefaultMaxBodySize     = 1 << 20 // 1MB
)

var (
	ErrHostNotAllowed   = errors.New("host not allowed")
	ErrSchemeNotAllowed = errors.New("scheme must be http or https")
	ErrBodyTooLarge     = errors.New("response body exceeds max size")
	ErrDrainTimeout     = errors.New("timeout draining outbound calls")
)

// Config configures the shared outbound transport.
type Config struct {
	// InsecureSkipVerify disables TLS verification so scripts can reach
	// callees with self-signed certificates.
	InsecureSkipVerify bool          `mapstructure:"insecureSkipVerify" yaml:"insecureSkipVerify"`
	MaxConnsPerHost    int           `mapstructure:"maxConnsPerHost" yaml:"maxConnsPerHost"`
	KeepAlive          bool          `mapstructure:"keepAlive" yaml:"keepAlive"`
	ConnectTimeout     time.Duration `mapstructure:"connectTimeout" yaml:"connectTimeout"`
	// RequestTimeout bounds one exchange end to end. Zero leaves only the connect timeout.
	RequestTimeout time.Duration `mapstructure:"requestTimeout" yaml:"requestTimeout"`
	// AllowedHosts restricts callees to these hosts and their subdomains. Empty allows all.
	AllowedHosts []string `mapstructure:"allowedHosts" yaml:"allowedHosts"`
	MaxBodySize  int64    `mapstructure:"maxBodySize" yaml:"maxBodySize"`
}

// DefaultConfig returns the transport defaults: TLS verification off, 30
// connections per host, no keep-alive and a 3s connect timeout.
func DefaultConfig() Config {
	return Config{
		InsecureSkipVerify: true,
		MaxConnsPerHost:    DefaultMaxConnsPerHost,
		KeepAlive:          false,
		ConnectTimeout:     DefaultConnectTimeout,
		MaxBodySize:        DefaultMaxBodySize,
	}
}

// ExchangeSpec describes one outbound call.
type ExchangeSpec struct {
	URL     string
	Method  string
	Headers http.Header
	Payload *string
}

// ClientResponse is the response handed back to the script.
type ClientResponse struct {
	Status  int
	Body    string
	Headers http.Header
}

// Observer receives one measurement per outbound call and per drain.
type Observer interface {
	ObserveExchange(method string, status int, err error, elapsed time.Duration)
	ObserveDrain(exchanges int, err error, elapsed time.Duration)
}

// Transport is the outbound HTTP client shared by every invocation.
type Transport struct {
	cfg      Config
	client   *resty.Client
	logger   *slog.Logger
	observer Observer
}

// Option configures a Transport.
type Option func(*Transport)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(t *Transport) {
		t.observer = observer
	}
}

// NewTransport builds the shared transport from cfg. Zero values fall back to DefaultConfig.
func NewTransport(cfg Config, opts ...Option) (*Transport, error) {
	defaults := DefaultConfig()
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = defaults.MaxConnsPerHost
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaults.MaxBodySize
	}
	hosts := make([]string, 0, len(cfg.AllowedHosts))
	for i, h := range cfg.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			return nil, fmt.Errorf("allowed host %d is empty", i)
		}
		hosts = append(hosts, h)
	}
	cfg.AllowedHosts = hosts

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	if !cfg.KeepAlive {
		dialer.KeepAlive = -1
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, // #nosec G402
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		DisableKeepAlives:   !cfg.KeepAlive,
	}

	t := &Transport{
		cfg:    cfg,
		client: resty.NewWithClient(&http.Client{Transport: tr}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Config returns the effective configuration.
func (t *Transport) Config() Config {
	return t.cfg
}

// Do performs one outbound call.
func (t *Transport) Do(ctx context.Context, spec ExchangeSpec) (resp *ClientResponse, err error) {
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = http.MethodGet
	}

	start := time.Now()
	defer func() {
		if t.observer != nil {
			status := 0
			if resp != nil {
				status = resp.Status
			}
			t.observer.ObserveExchange(method, status, err, time.Since(start))
		}
	}()

	if err := t.checkURL(spec.URL); err != nil {
		return nil, err
	}

	if t.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()
	}

	req := t.client.R().SetContext(ctx).SetDoNotParseResponse(true)
	for name, values := range spec.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if spec.Payload != nil {
		req.SetBody(*spec.Payload)
	}

	res, err := req.Execute(method, spec.URL)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	raw := res.RawBody()
	defer raw.Close()

	body, err := io.ReadAll(io.LimitReader(raw, t.cfg.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > t.cfg.MaxBodySize {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, t.cfg.MaxBodySize)
	}

	t.logger.Debug("Outbound call completed",
		"method", method,
		"url", spec.URL,
		"status", res.StatusCode(),
		"elapsed", time.Since(start))

	return &ClientResponse{
		Status:  res.StatusCode(),
		Body:    string(body),
		Headers: res.Header().Clone(),
	}, nil
}

func (t *Transport) checkURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrSchemeNotAllowed, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid url: missing host")
	}
	if len(t.cfg.AllowedHosts) == 0 {
		return nil
	}
	host := strings.ToLower(parsed.Hostname())
	for _, allowed := range t.cfg.AllowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
}
