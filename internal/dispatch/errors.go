// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"errors"
	"fmt"

	"github.com/envrun/envrun/internal/build"
	"github.com/envrun/envrun/internal/registry"
	"github.com/envrun/envrun/pkg/envfile"
)

var (
	// ErrExecutionFailure is the sentinel wrapped by ExecutionFailureError.
	ErrExecutionFailure = errors.New("execution failure")
	// ErrCancelled is the sentinel wrapped by CancelledError.
	ErrCancelled = errors.New("cancelled")
)

type (
	// ExecutionFailureError reports a command that could not be launched.
	// A command that ran and exited non-zero is not an execution failure.
	ExecutionFailureError struct {
		Name   string
		Stage  envfile.Stage
		Reason string
		Cause  error
	}

	// CancelledError reports a request stopped by its context. Stage is where
	// the request was when the cancellation was observed.
	CancelledError struct {
		Name  string
		Stage envfile.Stage
		Cause error
	}
)

func (e *ExecutionFailureError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("environment %q: %s: %s", e.Name, ErrExecutionFailure, e.Reason)
	}
	return fmt.Sprintf("environment %q: %s: %s: %v", e.Name, ErrExecutionFailure, e.Reason, e.Cause)
}

func (e *ExecutionFailureError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrExecutionFailure}
	}
	return []error{ErrExecutionFailure, e.Cause}
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("environment %q: run %s during %s", e.Name, ErrCancelled, e.Stage)
}

func (e *CancelledError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrCancelled}
	}
	return []error{ErrCancelled, e.Cause}
}

// Failure kinds reported in transitions, logs and metrics.
const (
	KindUnknownEnvironment = "UnknownEnvironment"
	KindBuildFailure       = "BuildFailure"
	KindExecutionFailure   = "ExecutionFailure"
	KindCancelled          = "Cancelled"
	KindInternal           = "Internal"
)

// FailureKind classifies err into one of the Kind constants.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, registry.ErrUnknownEnvironment):
		return KindUnknownEnvironment
	case errors.Is(err, build.ErrBuildFailure):
		return KindBuildFailure
	case errors.Is(err, ErrExecutionFailure):
		return KindExecutionFailure
	default:
		return KindInternal
	}
}
