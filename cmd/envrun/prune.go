// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPruneCommand(app *App, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove images superseded by newer builds",
		Long: `Remove envrun images that are not the current build of their environment.

Images of environments that are no longer declared are removed too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.prune(cmd.Context(), flags)
		},
	}
}

func (a *App) prune(ctx context.Context, flags *globalFlags) error {
	s, err := a.openSession(ctx, flags)
	if err != nil {
		return reportError(a.stderr, err, flags.verbose)
	}
	defer s.Close()

	removed, err := s.coord.Prune(ctx)
	for _, ref := range removed {
		fmt.Fprintf(a.stdout, "%s %s\n", SuccessStyle.Render("removed"), VerboseStyle.Render(ref))
	}
	if err != nil {
		return reportError(a.stderr, err, s.verbose)
	}
	if len(removed) == 0 {
		fmt.Fprintln(a.stdout, SubtitleStyle.Render("Nothing to prune."))
	}
	return nil
}
