// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the envrun command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the envrun command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "envrun",
		Short: "Build and run isolated dependency environments",
		Long: TitleStyle.Render("envrun") + SubtitleStyle.Render(" - Build and run isolated dependency environments") + `

envrun builds one container image per declared environment, each holding
its own (possibly conflicting) dependency set, and runs commands in the
environment you name. Images are rebuilt only when the manifest changes.

Environments are declared in envrun.cue, envrun.yaml or envrun.toml.

` + SubtitleStyle.Render("Examples:") + `
  envrun ls                              List environments and their freshness
  envrun run crewai -- python app.py     Run a script in the crewai environment
  envrun run -i langchain -- bash        Open a shell with ports published
  envrun build --all                     Rebuild every environment`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default is $HOME/.config/envrun/config.cue)")
	pf.StringVar(&flags.envFile, "envfile", "", "environment file (default is envrun.cue, .yaml, .yml or .toml in the working directory)")
	pf.StringVar(&flags.engine, "engine", "", "container engine: podman, docker or docker-api")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose output")
	pf.StringVar(&flags.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")

	rootCmd.AddCommand(
		newRunCommand(app, flags),
		newBuildCommand(app, flags),
		newListCommand(app, flags),
		newPruneCommand(app, flags),
		newValidateCommand(app, flags),
	)

	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI and exits the process. It is called by main.main.
func Execute() {
	rootCmd := NewRootCommand(NewApp(Dependencies{}))

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
		fang.WithErrorHandler(handleError),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(ExitGeneric)
	}
}

// handleError prints errors that command handlers did not report themselves,
// such as usage errors. An ExitError has already been rendered or is a
// child's exit status.
func handleError(w io.Writer, styles fang.Styles, err error) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return
	}
	fang.DefaultErrorHandler(w, styles, err)
}
