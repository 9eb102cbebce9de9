// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// ttyRunner runs an engine command attached to the host terminal and returns
// the command's exit code.
type ttyRunner func(ctx context.Context, cmd *exec.Cmd, stdin *os.File, stdout io.Writer) (int, error)

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// runWithPTY starts cmd on a pseudo-terminal sized like stdin, switches the
// host terminal to raw mode and relays input and output until cmd exits.
func runWithPTY(_ context.Context, cmd *exec.Cmd, stdin *os.File, stdout io.Writer) (int, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return 0, fmt.Errorf("start pseudo-terminal: %w", err)
	}
	defer func() { _ = ptmx.Close() }()

	_ = pty.InheritSize(stdin, ptmx)

	fd := int(stdin.Fd())
	if oldState, err := term.MakeRaw(fd); err == nil {
		defer func() { _ = term.Restore(fd, oldState) }()
	}

	if stdout == nil {
		stdout = os.Stdout
	}
	go func() { _, _ = io.Copy(ptmx, stdin) }()
	// Reading the master fails with EIO once the command exits.
	_, _ = io.Copy(stdout, ptmx)

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, err
	}
	return 0, nil
}
