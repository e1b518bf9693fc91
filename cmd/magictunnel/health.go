package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/health/grpc_health_v1"

	"magictunnel/internal/infra/rpc"
)

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var (
		addr    string
		server  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running proxy's gRPC health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				addr = cfg.Admin.HealthAddr
			}
			if addr == "" {
				return errors.New("no health address: pass --addr or set admin.health_addr")
			}
			service := ""
			if server != "" {
				service = rpc.UpstreamServicePrefix + server
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			status, err := rpc.CheckHealth(ctx, addr, service)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				if err := writeJSON(map[string]any{"service": service, "status": status.String()}); err != nil {
					return err
				}
			} else {
				fmt.Println(status.String())
			}
			if status != grpc_health_v1.HealthCheckResponse_SERVING {
				return exitSilent(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "health server address (defaults to admin.health_addr)")
	cmd.Flags().StringVar(&server, "server", "", "upstream server id to check instead of the overall status")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}
