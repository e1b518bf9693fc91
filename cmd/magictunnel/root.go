package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"magictunnel/internal/app"
	"magictunnel/internal/infra/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
	jsonOutput bool
	offline    bool
	level      zap.AtomicLevel
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{
		logLevel: "info",
		level:    zap.NewAtomicLevel(),
		logger:   zap.NewNop(),
	}

	root := &cobra.Command{
		Use:           "magictunnel",
		Short:         "MCP proxy that aggregates local capabilities and upstream servers behind one endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return opts.initLogger()
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = opts.logger.Sync()
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (defaults plus MAGICTUNNEL_* env when empty)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output JSON")

	root.AddCommand(
		newServeCmd(opts),
		newValidateCmd(opts),
		newToolsCmd(opts),
		newDiscoverCmd(opts),
		newMetricsCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

// initLogger builds a production logger on stderr; stdout carries the MCP stream.
func (o *rootOptions) initLogger() error {
	level, err := zapcore.ParseLevel(o.logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	o.level.SetLevel(level)

	cfg := zap.NewProductionConfig()
	cfg.Level = o.level
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	o.logger = logger
	return nil
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.NewLoader(o.logger).Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.offline {
		cfg.Upstream.Servers = nil
	}
	return cfg, nil
}

// withApplication wires the proxy, loads the registry, and hands it to fn.
func (o *rootOptions) withApplication(ctx context.Context, fn func(*app.Application) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	application, cleanup, err := app.InitializeApplication(ctx, cfg, o.logger)
	if err != nil {
		return err
	}
	defer cleanup()
	defer application.Close()
	if err := application.Prepare(ctx); err != nil {
		return err
	}
	return fn(application)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the aggregated tool set over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			application, cleanup, err := app.InitializeApplication(ctx, cfg, opts.logger)
			if err != nil {
				return err
			}
			defer cleanup()
			return application.Serve(ctx, nil)
		},
	}
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and capability files without connecting upstreams",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.offline = true
			return opts.withApplication(cmd.Context(), func(application *app.Application) error {
				snapshot := application.Registry().Snapshot()
				if opts.jsonOutput {
					return writeJSON(map[string]any{
						"valid":   true,
						"tools":   snapshot.Len(),
						"version": snapshot.Version,
					})
				}
				fmt.Printf("config ok: %d local tools\n", snapshot.Len())
				return nil
			})
		},
	}
}
