// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/envrun/envrun/internal/issue"
	"github.com/envrun/envrun/internal/registry"
)

// issueStyle is the glamour style used for catalog entries.
const issueStyle = "dark"

// formatErrorForDisplay formats an error for user display. ActionableErrors
// use their own Format; verbose mode adds the cause chain.
func formatErrorForDisplay(err error, verbose bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verbose)
	}
	return err.Error()
}

// renderError writes err to w. Unknown environments list the declared names;
// verbose mode appends the markdown help of the matching catalog entry.
func renderError(w io.Writer, err error, id issue.Id, verbose bool) {
	fmt.Fprintln(w, ErrorStyle.Render("Error:")+" "+formatErrorForDisplay(err, verbose))

	var unknown *registry.UnknownEnvironmentError
	if errors.As(err, &unknown) && len(unknown.Known) > 0 {
		fmt.Fprintln(w, SubtitleStyle.Render("Declared environments: ")+CmdStyle.Render(strings.Join(unknown.Known, ", ")))
	}

	if !verbose || id == 0 {
		return
	}
	entry := issue.Get(id)
	if entry == nil {
		return
	}
	rendered, renderErr := entry.Render(issueStyle)
	if renderErr != nil {
		log.Warn("failed to render issue catalog entry", "issue", id, "err", renderErr)
		return
	}
	fmt.Fprint(w, rendered)
}

// reportError renders err and converts it to the ExitError carrying its
// reserved exit code. The ExitError tells Execute the error was reported.
func reportError(w io.Writer, err error, verbose bool) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	code, id := classifyError(err)
	renderError(w, err, id, verbose)
	return &ExitError{Code: code, Err: err}
}
