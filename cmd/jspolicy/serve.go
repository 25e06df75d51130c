// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/buke/js-policy/gateway"
	"github.com/buke/js-policy/internal/config"
)

const (
	healthPath      = "/-/healthy"
	shutdownTimeout = 10 * time.Second
)

// server is the gateway plus its operational endpoints.
type server struct {
	rt      *runtime
	gateway *gateway.Gateway
	handler http.Handler
	logger  *slog.Logger
}

func newServer(cfg *config.Config, logger *slog.Logger, opts ...gateway.Option) (*server, error) {
	if cfg.Gateway.Upstream == "" {
		return nil, errors.New("gateway.upstream is required")
	}
	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return nil, err
	}
	p, err := rt.policy(cfg.Policy)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to create policy: %w", err)
	}
	gw, err := gateway.New(cfg.Gateway, p, append([]gateway.Option{gateway.WithLogger(logger)}, opts...)...)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.MetricsPath != "" {
		r.Handle(cfg.MetricsPath, rt.metrics.Handler())
	}
	r.Mount("/", gw)

	return &server{rt: rt, gateway: gw, handler: r, logger: logger}, nil
}

// reload swaps in the policy of a changed configuration. Other sections
// take effect on restart.
func (s *server) reload(cfg *config.Config, err error) {
	if err != nil {
		s.rt.metrics.RecordConfigReload("error")
		return
	}
	p, err := s.rt.policy(cfg.Policy)
	if err != nil {
		s.logger.Error("Failed to rebuild policy, keeping the active one", "error", err)
		s.rt.metrics.RecordConfigReload("error")
		return
	}
	s.gateway.SetPolicy(p)
	s.rt.metrics.RecordConfigReload("success")
	s.logger.Info("Policy reloaded",
		"readContent", cfg.Policy.ReadContent,
		"overrideContent", cfg.Policy.OverrideContent)
}

func (s *server) close() {
	s.rt.close()
}

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the policy gateway in front of an upstream",
		Long: `Run a reverse proxy that applies the configured policy to every exchange.

Endpoints:
  /-/healthy      Health check
  /metrics        Prometheus metrics (metricsPath)
  everything else Proxied to gateway.upstream

Policy scripts are reloaded when the config file changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer srv.close()

			a.loader.Watch(srv.reload)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return listenAndServe(ctx, &http.Server{
				Addr:              a.cfg.Listen,
				Handler:           srv.handler,
				ReadHeaderTimeout: 10 * time.Second,
			}, a.logger)
		},
	}

	cmd.Flags().String("listen", ":8080", "Address to listen on")
	cmd.Flags().String("upstream", "", "Upstream base url")
	return cmd
}

// listenAndServe runs hs until ctx is done, then shuts it down gracefully.
func listenAndServe(ctx context.Context, hs *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening", "addr", hs.Addr)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}
