// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"

	"github.com/buke/js-policy/internal/config"
	"github.com/spf13/cobra"
)

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",
	"listen":     "listen",
	"upstream":   "gateway.upstream",
}

// app carries what the persistent pre-run resolved for the subcommands.
type app struct {
	loader *config.Loader
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "jspolicy",
		Short: "Sandboxed JavaScript policies for HTTP gateways",
		Long: `jspolicy - Run JavaScript policies against HTTP exchanges.

Scripts inspect and mutate requests, responses and streamed messages, call
other services through httpClient and interrupt the exchange by setting the
result to FAILURE.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			a.loader = config.NewLoader(path)

			v := a.loader.Viper()
			for name, key := range flagKeys {
				if f := cmd.Flags().Lookup(name); f != nil {
					_ = v.BindPFlag(key, f)
				}
			}

			cfg, err := a.loader.Load()
			if err != nil {
				return err
			}
			logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Path to a config yaml")
	cmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().String("log-format", "text", "Log format: text or json")

	cmd.AddCommand(newEvalCmd(a))
	cmd.AddCommand(newServeCmd(a))
	return cmd
}
