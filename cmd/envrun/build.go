// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/envrun/envrun/internal/build"
)

type (
	buildParams struct {
		names []string
		all   bool
	}

	// buildOutcome is the result of one forced rebuild.
	buildOutcome struct {
		name     string
		result   build.Result
		err      error
		duration time.Duration
	}
)

func newBuildCommand(app *App, flags *globalFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "build [environment...]",
		Short: "Rebuild environment images ignoring the cache",
		Long: `Rebuild environment images ignoring the cache.

Every named environment is rebuilt from scratch, even when its manifest did
not change. Distinct environments build concurrently.`,
		Example: `  envrun build crewai
  envrun build --all`,
		Args: func(_ *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("--all cannot be combined with environment names")
			}
			if !all && len(args) == 0 {
				return errors.New("requires at least one environment name or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.buildEnvironments(cmd.Context(), flags, buildParams{names: args, all: all})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "rebuild every declared environment")

	return cmd
}

// buildEnvironments force-rebuilds the requested environments. Every failure
// is reported; the exit code is that of the first failing environment in
// argument order.
func (a *App) buildEnvironments(ctx context.Context, flags *globalFlags, p buildParams) error {
	s, err := a.openSession(ctx, flags)
	if err != nil {
		return reportError(a.stderr, err, flags.verbose)
	}
	defer s.Close()

	names := p.names
	if p.all {
		names = s.registry.Names()
	}

	outcomes := make([]buildOutcome, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			start := time.Now()
			res, err := s.coord.Rebuild(ctx, name)
			outcomes[i] = buildOutcome{name: name, result: res, err: err, duration: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()

	var first *ExitError
	for _, o := range outcomes {
		if o.err != nil {
			code, id := classifyError(o.err)
			renderError(a.stderr, o.err, id, s.verbose)
			if first == nil {
				first = &ExitError{Code: code, Err: o.err}
			}
			continue
		}
		fmt.Fprintf(a.stdout, "%s %s %s %s\n",
			SuccessStyle.Render("✓"),
			CmdStyle.Render(o.name),
			VerboseStyle.Render(o.result.Record.ImageRef),
			SubtitleStyle.Render(fmt.Sprintf("(%s)", o.duration.Round(100*time.Millisecond))))
	}

	if first != nil {
		return first
	}
	return nil
}
