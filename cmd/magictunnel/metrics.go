package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"magictunnel/internal/app"
	"magictunnel/internal/infra/metrics"
)

func newMetricsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Inspect persisted tool execution metrics",
	}
	cmd.AddCommand(newMetricsToolsCmd(opts), newMetricsDumpCmd(opts))
	return cmd
}

func newMetricsToolsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Summarize per-tool statistics from metrics storage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.offline = true
			return opts.withApplication(cmd.Context(), func(application *app.Application) error {
				summaries := application.Collector().Summaries()
				if opts.jsonOutput {
					return writeJSON(summaries)
				}
				return printSummaries(summaries)
			})
		},
	}
}

func newMetricsDumpCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the Prometheus exposition of this process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.offline = true
			return opts.withApplication(cmd.Context(), func(application *app.Application) error {
				families, err := application.Gatherer().Gather()
				if err != nil {
					return err
				}
				encoder := expfmt.NewEncoder(os.Stdout, expfmt.NewFormat(expfmt.TypeTextPlain))
				for _, family := range families {
					if err := encoder.Encode(family); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func printSummaries(summaries []metrics.ToolSummary) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tCALLS\tSUCCESS\tP50\tP95\tLAST USED")
	for _, s := range summaries {
		lastUsed := "-"
		if !s.LastUsed.IsZero() {
			lastUsed = s.LastUsed.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%s\t%s\t%s\n",
			s.Name,
			s.Total,
			s.SuccessRate*100,
			s.MedianLatency.Round(time.Millisecond),
			s.P95Latency.Round(time.Millisecond),
			lastUsed,
		)
	}
	return w.Flush()
}
