// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newValidateCommand(app *App, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and environment file",
		Long: `Load the configuration and the environment file and register every
environment, reporting the first problem found. No container engine is needed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.validate(cmd.Context(), flags)
		},
	}
}

func (a *App) validate(ctx context.Context, flags *globalFlags) error {
	ws, err := a.loadWorkspace(ctx, flags)
	if err != nil {
		return reportError(a.stderr, err, flags.verbose)
	}

	fmt.Fprintf(a.stdout, "%s %s %s\n",
		SuccessStyle.Render("✓"),
		ws.file.Path,
		SubtitleStyle.Render(fmt.Sprintf("(%d environments)", ws.registry.Len())))

	for _, d := range ws.registry.List() {
		line := "  " + CmdStyle.Render(d.Name) + " " + d.Base
		if ports := d.PortSet(); len(ports) > 0 {
			parts := make([]string, len(ports))
			for i, p := range ports {
				parts[i] = fmt.Sprint(p)
			}
			line += " " + VerboseStyle.Render("ports "+strings.Join(parts, ","))
		}
		fmt.Fprintln(a.stdout, line)
	}
	return nil
}
