// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/envrun/envrun/internal/build"
)

// freshnessUnknown is shown when an environment's inputs could not be hashed.
const freshnessUnknown = "unknown"

// environmentRow is one line of list-environments output.
type environmentRow struct {
	Name      string     `json:"name"`
	Base      string     `json:"base"`
	Manifest  string     `json:"manifest"`
	Ports     []int      `json:"ports,omitempty"`
	Freshness string     `json:"freshness"`
	Image     string     `json:"image,omitempty"`
	BuiltAt   *time.Time `json:"built_at,omitempty"`
}

func newListCommand(app *App, flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list-environments",
		Aliases: []string{"ls"},
		Short:   "List environments with their freshness and image",
		Long: `List the declared environments.

Freshness is "fresh" when the current image matches the manifest, "stale"
when the manifest changed since the last build and "absent" when the
environment was never built. Listing never builds anything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.listEnvironments(cmd.Context(), flags, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	return cmd
}

func (a *App) listEnvironments(ctx context.Context, flags *globalFlags, asJSON bool) error {
	s, err := a.openSession(ctx, flags)
	if err != nil {
		return reportError(a.stderr, err, flags.verbose)
	}
	defer s.Close()

	rows := make([]environmentRow, 0, s.registry.Len())
	for _, d := range s.registry.List() {
		row := environmentRow{
			Name:      d.Name,
			Base:      d.Base,
			Manifest:  d.Manifest,
			Ports:     d.PortSet(),
			Freshness: freshnessUnknown,
		}
		st, err := s.coord.Status(ctx, d.Name)
		if err != nil {
			s.logger.Warn("could not determine freshness", "env", d.Name, "err", err)
		} else {
			row.Freshness = string(st.Freshness)
			if st.Freshness != build.FreshnessAbsent {
				builtAt := st.Record.BuiltAt
				row.Image = st.Record.ImageRef
				row.BuiltAt = &builtAt
			}
		}
		rows = append(rows, row)
	}

	if asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			return reportError(a.stderr, fmt.Errorf("encode environments: %w", err), s.verbose)
		}
		return nil
	}

	fmt.Fprintln(a.stdout, renderEnvironmentTable(rows))
	return nil
}

// renderEnvironmentTable lays rows out as a bordered table.
func renderEnvironmentTable(rows []environmentRow) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorMuted)).
		Headers("ENVIRONMENT", "BASE", "FRESHNESS", "IMAGE").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			if row < 0 || row >= len(rows) {
				return tableCellStyle
			}
			style := tableCellStyle
			switch col {
			case 0:
				style = style.Foreground(ColorHighlight)
			case 2:
				style = style.Foreground(freshnessColor(rows[row].Freshness))
			case 3:
				style = style.Foreground(ColorVerbose)
			}
			return style
		})

	for _, r := range rows {
		image := r.Image
		if image == "" {
			image = "-"
		}
		t.Row(r.Name, r.Base, r.Freshness, image)
	}
	return t.String()
}

func freshnessColor(freshness string) lipgloss.Color {
	switch freshness {
	case string(build.FreshnessFresh):
		return ColorSuccess
	case string(build.FreshnessStale):
		return ColorWarning
	case freshnessUnknown:
		return ColorError
	default:
		return ColorMuted
	}
}
