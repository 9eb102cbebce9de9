// SPDX-License-Identifier: MPL-2.0

package build

import (
	"errors"
	"fmt"

	"github.com/envrun/envrun/pkg/envfile"
)

// ErrBuildFailure is the sentinel wrapped by BuildFailureError.
var ErrBuildFailure = errors.New("build failure")

// BuildFailureError reports an environment whose image could not be built.
// No record is written and no command runs against the environment.
type BuildFailureError struct {
	Name   string
	Stage  envfile.Stage
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *BuildFailureError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("environment %q: %s: %s", e.Name, ErrBuildFailure, e.Reason)
	}
	return fmt.Sprintf("environment %q: %s: %s: %v", e.Name, ErrBuildFailure, e.Reason, e.Cause)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *BuildFailureError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrBuildFailure}
	}
	return []error{ErrBuildFailure, e.Cause}
}

func newBuildFailure(name, reason string, cause error) *BuildFailureError {
	return &BuildFailureError{Name: name, Stage: envfile.StageBuild, Reason: reason, Cause: cause}
}
