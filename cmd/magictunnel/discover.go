package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"magictunnel/internal/app"
	"magictunnel/internal/domain"
)

func newDiscoverCmd(opts *rootOptions) *cobra.Command {
	var (
		threshold float64
		extra     string
	)
	cmd := &cobra.Command{
		Use:   "discover <request>",
		Short: "Show which tool smart discovery picks for a request, without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.DiscoveryRequest{
				Request:             strings.Join(args, " "),
				Context:             extra,
				IncludeErrorDetails: true,
			}
			if cmd.Flags().Changed("threshold") {
				req.ConfidenceThreshold = &threshold
			}
			return opts.withApplication(cmd.Context(), func(application *app.Application) error {
				resp, err := application.Discover(cmd.Context(), req)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(resp)
				}
				meta := resp.Metadata
				if !resp.Success {
					fmt.Printf("no match: %s\n", resp.Error)
				} else {
					fmt.Printf("tool: %s\nconfidence: %.2f\n", meta.OriginalTool, meta.Confidence)
				}
				if meta.Reasoning != "" {
					fmt.Printf("reasoning: %s\n", meta.Reasoning)
				}
				for _, alt := range meta.Alternatives {
					fmt.Printf("  alternative: %s (%.2f)\n", alt.ToolName, alt.Confidence)
				}
				if !resp.Success {
					return exitSilent(2)
				}
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "confidence threshold override (0..1)")
	cmd.Flags().StringVar(&extra, "context", "", "extra context for parameter mapping")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "skip upstream servers")
	return cmd
}
