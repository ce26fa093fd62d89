package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dwizi/maestro-console/internal/consoleerr"
	"github.com/dwizi/maestro-console/internal/status"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

var categoryStyles = map[status.Category]lipgloss.Style{
	status.Running:   lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
	status.Paused:    lipgloss.NewStyle().Foreground(lipgloss.Color("179")),
	status.Completed: lipgloss.NewStyle().Foreground(lipgloss.Color("111")),
	status.Cancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
	status.Faulted:   lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
	status.Unknown:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
}

var outcomeStyles = map[string]lipgloss.Style{
	"accepted": lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
	"rejected": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	"failed":   lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
}

func outputFormat(cmd *cobra.Command) (string, error) {
	format, err := cmd.Flags().GetString("output")
	if err != nil {
		return "", err
	}
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "", formatTable:
		return formatTable, nil
	case formatJSON, formatYAML:
		return format, nil
	default:
		return "", fmt.Errorf("%w: unknown output format %q (use table, json or yaml)", consoleerr.ErrValidation, format)
	}
}

// render writes value as JSON or YAML, or calls table to print rows. Table
// output goes through lipgloss so colour is dropped when out is not a terminal.
func render(cmd *cobra.Command, value any, table func(w *tabwriter.Writer)) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch format {
	case formatJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	case formatYAML:
		return writeYAML(out, value)
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	table(w)
	if err := w.Flush(); err != nil {
		return err
	}
	_, err = lipgloss.Fprint(out, buf.String())
	return err
}

// writeYAML goes through JSON first so keys match the registry field names.
func writeYAML(out io.Writer, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	encoder := yaml.NewEncoder(out)
	encoder.SetIndent(2)
	if err := encoder.Encode(generic); err != nil {
		return err
	}
	return encoder.Close()
}

// styledStatus renders the category colour; callers keep it in the last
// column so escape sequences never shift tabwriter alignment.
func styledStatus(raw string) string {
	category := status.Categorize(raw)
	label := raw
	if strings.TrimSpace(label) == "" {
		label = category.String()
	}
	return categoryStyles[category].Render(label)
}

func styledOutcome(outcome string) string {
	style, ok := outcomeStyles[outcome]
	if !ok {
		return outcome
	}
	return style.Render(outcome)
}

func dash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
