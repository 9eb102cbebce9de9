// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/envrun/envrun/internal/build"
	"github.com/envrun/envrun/internal/container"
	"github.com/envrun/envrun/internal/dispatch"
	"github.com/envrun/envrun/internal/issue"
	"github.com/envrun/envrun/internal/registry"
	"github.com/envrun/envrun/pkg/envfile"
)

// Reserved exit codes. Any other code returned by `run` is the child's own.
const (
	ExitGeneric            = 1
	ExitConfig             = 78
	ExitUnknownEnvironment = 120
	ExitBuildFailure       = 121
	ExitExecutionFailure   = 122
	ExitCancelled          = 130
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
// A nil Err means the code is a child's exit status and nothing was reported.
type ExitError struct {
	Code int
	Err  error
}

// Error returns the error message for ExitError.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Unwrap returns the underlying error, if any.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// classifyError maps err to its reserved exit code and the catalog entry
// that explains it. Cancellation is checked first: a run cancelled while
// building carries both the cancel and the build context in its chain.
func classifyError(err error) (int, issue.Id) {
	switch {
	case errors.Is(err, dispatch.ErrCancelled), errors.Is(err, context.Canceled):
		return ExitCancelled, issue.CancelledId
	case errors.Is(err, registry.ErrUnknownEnvironment):
		return ExitUnknownEnvironment, issue.UnknownEnvironmentId
	case errors.Is(err, build.ErrBuildFailure):
		return ExitBuildFailure, issue.BuildFailedId
	case errors.Is(err, container.ErrEngineNotAvailable):
		return ExitExecutionFailure, issue.ContainerEngineNotFoundId
	case errors.Is(err, dispatch.ErrExecutionFailure):
		return ExitExecutionFailure, issue.ExecutionFailedId
	case errors.Is(err, registry.ErrDuplicateEnvironment):
		return ExitConfig, issue.DuplicateEnvironmentId
	case errors.Is(err, envfile.ErrInvalidDescriptor):
		return ExitConfig, issue.InvalidDescriptorId
	case errors.Is(err, envfile.ErrNotFound):
		return ExitConfig, issue.EnvFileNotFoundId
	}

	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		switch ae.Issue {
		case issue.ConfigLoadFailedId, issue.EnvFileParseErrorId, issue.EnvFileNotFoundId:
			return ExitConfig, ae.Issue
		}
	}
	return ExitGeneric, 0
}
