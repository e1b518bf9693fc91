package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"magictunnel/internal/domain"
)

func writeJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func toolJSON(tool domain.Tool, source domain.Source) map[string]any {
	out := map[string]any{
		"name":        tool.Name,
		"description": tool.Description,
		"routing":     string(tool.Routing.Kind),
		"hidden":      tool.Hidden,
		"enabled":     tool.Enabled,
		"source":      sourceLabel(source),
	}
	if len(tool.InputSchema) > 0 {
		out["inputSchema"] = tool.InputSchema
	}
	return out
}

func sourceLabel(source domain.Source) string {
	if source.ServerID != "" {
		return string(source.Kind) + ":" + source.ServerID
	}
	return string(source.Kind)
}

func printTools(tools []domain.Tool, sourceOf func(string) domain.Source) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tROUTING\tSOURCE\tFLAGS\tDESCRIPTION")
	for _, tool := range tools {
		var flags []string
		if tool.Hidden {
			flags = append(flags, "hidden")
		}
		if !tool.Enabled {
			flags = append(flags, "disabled")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			tool.Name,
			tool.Routing.Kind,
			sourceLabel(sourceOf(tool.Name)),
			strings.Join(flags, ","),
			firstLine(tool.Description),
		)
	}
	return w.Flush()
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return line
}
