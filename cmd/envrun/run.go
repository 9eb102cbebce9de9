// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/envrun/envrun/internal/dispatch"
)

// runParams bundles the inputs of the run command so runEnvironment can be
// tested without cobra.
type runParams struct {
	environment string
	command     []string
	interactive bool
}

func newRunCommand(app *App, flags *globalFlags) *cobra.Command {
	var interactive bool

	cmd := &cobra.Command{
		Use:   "run <environment> -- <command...>",
		Short: "Run a command inside an environment",
		Long: `Run a command inside an environment.

The environment is built first when its manifest changed since the last
build. The command's exit code becomes envrun's exit code. envrun reserves
120 (unknown environment), 121 (build failure), 122 (the command could not
be launched), 130 (cancelled) and 78 (configuration error).

With the docker and podman engines, a container the daemon fails to start
(for example a published port already in use) exits 125 and that code is
passed through as the command's. The docker-api engine reports the same
condition as a launch failure (122).`,
		Example: `  envrun run crewai -- python examples/crew.py
  envrun run --interactive langchain -- python -m app --port 8000`,
		Args: func(_ *cobra.Command, args []string) error {
			_, _, err := splitRunArgs(args)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			env, command, _ := splitRunArgs(args)
			return app.runEnvironment(cmd.Context(), flags, runParams{
				environment: env,
				command:     command,
				interactive: interactive,
			})
		},
	}
	// Everything after the environment name belongs to the command.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "attach stdin, allocate a TTY and publish the environment's ports")

	return cmd
}

// splitRunArgs separates the environment name from the command. Flag parsing
// stops at the environment name, so a "--" right after it is still present.
func splitRunArgs(args []string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, errors.New("requires an environment name and a command, e.g. `envrun run crewai -- python app.py`")
	}
	command := args[1:]
	if len(command) > 0 && command[0] == "--" {
		command = command[1:]
	}
	if len(command) == 0 {
		return "", nil, fmt.Errorf("requires a command to run in %q, e.g. `envrun run %s -- python app.py`", args[0], args[0])
	}
	return args[0], command, nil
}

// runEnvironment dispatches one run request. A non-zero exit code of the
// command is returned as an unreported ExitError.
func (a *App) runEnvironment(ctx context.Context, flags *globalFlags, p runParams) error {
	ws, err := a.loadWorkspace(ctx, flags)
	if err != nil {
		return reportError(a.stderr, err, flags.verbose)
	}
	// An undeclared name is reported before any engine is contacted.
	if _, err := ws.registry.Lookup(p.environment); err != nil {
		return reportError(a.stderr, err, ws.verbose)
	}

	s, err := a.openSessionFor(ctx, ws, flags)
	if err != nil {
		return reportError(a.stderr, err, ws.verbose)
	}
	defer s.Close()

	res, err := s.dispatcher.Run(ctx, dispatch.RunRequest{
		Environment: p.environment,
		Command:     p.command,
		Interactive: p.interactive,
		Stdin:       a.stdin,
		Stdout:      a.stdout,
		Stderr:      a.stderr,
	})
	if err != nil {
		return reportError(a.stderr, err, s.verbose)
	}

	s.logger.Debug("run finished", "run_id", res.ID, "env", res.Environment, "image", res.ImageRef, "exit_code", res.ExitCode)
	if res.ExitCode != 0 {
		return &ExitError{Code: res.ExitCode}
	}
	return nil
}
