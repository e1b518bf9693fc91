package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"magictunnel/internal/app"
	"magictunnel/internal/domain"
	"magictunnel/internal/infra/capability"
	"magictunnel/internal/infra/view"
)

func newToolsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and edit the aggregated tool set",
	}
	cmd.PersistentFlags().BoolVar(&opts.offline, "offline", false, "skip upstream servers")
	cmd.AddCommand(
		newToolsListCmd(opts),
		newToolsShowCmd(opts),
		newToolsFlagCmd(opts, "hide", "hidden", "Hide a tool from listings", func(s *capability.Store, path, name string) (bool, error) {
			return s.SetToolHidden(path, name, true)
		}),
		newToolsFlagCmd(opts, "unhide", "unhidden", "Show a hidden tool in listings", func(s *capability.Store, path, name string) (bool, error) {
			return s.SetToolHidden(path, name, false)
		}),
		newToolsFlagCmd(opts, "enable", "enabled", "Enable a tool", func(s *capability.Store, path, name string) (bool, error) {
			return s.SetToolEnabled(path, name, true)
		}),
		newToolsFlagCmd(opts, "disable", "disabled", "Disable a tool", func(s *capability.Store, path, name string) (bool, error) {
			return s.SetToolEnabled(path, name, false)
		}),
	)
	return cmd
}

func newToolsListCmd(opts *rootOptions) *cobra.Command {
	var (
		all   bool
		query string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tools visible to the configured user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return opts.withApplication(ctx, func(application *app.Application) error {
				listOpts := view.ListOptions{IncludeHidden: all, IncludeDisabled: all}
				var (
					result view.Result
					err    error
				)
				if query != "" {
					result, err = application.View().Search(ctx, application.User(), query, listOpts)
				} else {
					result, err = application.View().List(ctx, application.User(), listOpts)
				}
				if err != nil {
					return err
				}
				sourceOf := func(name string) domain.Source {
					source, _ := application.Registry().Source(name)
					return source
				}
				if opts.jsonOutput {
					tools := make([]map[string]any, 0, len(result.Tools))
					for _, tool := range result.Tools {
						tools = append(tools, toolJSON(tool, sourceOf(tool.Name)))
					}
					return writeJSON(map[string]any{
						"version":  result.SnapshotVersion,
						"excluded": result.ExcludedCount,
						"tools":    tools,
					})
				}
				return printTools(result.Tools, sourceOf)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include hidden and disabled tools")
	cmd.Flags().StringVar(&query, "search", "", "filter by keyword")
	return cmd
}

func newToolsShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApplication(ctx, func(application *app.Application) error {
				tool, err := application.View().Get(ctx, application.User(), args[0])
				if err != nil {
					return err
				}
				source, _ := application.Registry().Source(tool.Name)
				return writeJSON(toolJSON(tool, source))
			})
		},
	}
}

type toolEdit func(store *capability.Store, path, name string) (bool, error)

// newToolsFlagCmd edits the capability file that defines the tool. A running
// server with watch enabled picks the change up on its own.
func newToolsFlagCmd(opts *rootOptions, use, done, short string, edit toolEdit) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			store := capability.NewStore(opts.logger)
			path, err := store.FindTool(cfg.Capabilities.Paths, args[0])
			if err != nil {
				return err
			}
			changed, err := edit(store, path, args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(map[string]any{"tool": args[0], "file": path, "changed": changed})
			}
			if !changed {
				fmt.Printf("%s: already %s\n", args[0], done)
				return nil
			}
			fmt.Printf("%s: %s in %s\n", args[0], done, path)
			return nil
		},
	}
}
