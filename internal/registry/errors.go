// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"errors"
	"fmt"

	"github.com/envrun/envrun/pkg/envfile"
)

var (
	// ErrDuplicateEnvironment is the sentinel wrapped by DuplicateEnvironmentError.
	ErrDuplicateEnvironment = errors.New("duplicate environment")
	// ErrUnknownEnvironment is the sentinel wrapped by UnknownEnvironmentError.
	ErrUnknownEnvironment = errors.New("unknown environment")
)

type (
	// DuplicateEnvironmentError is returned when a name is registered twice.
	// The first registration is kept.
	DuplicateEnvironmentError struct {
		Name  string
		Stage envfile.Stage
	}

	// UnknownEnvironmentError is returned when a name is not registered.
	UnknownEnvironmentError struct {
		Name  string
		Stage envfile.Stage
		// Known lists the registered names, for suggestions.
		Known []string
	}
)

func (e *DuplicateEnvironmentError) Error() string {
	return fmt.Sprintf("%s: environment %q is already registered", e.Stage, e.Name)
}

func (e *DuplicateEnvironmentError) Unwrap() error { return ErrDuplicateEnvironment }

func (e *UnknownEnvironmentError) Error() string {
	return fmt.Sprintf("%s: unknown environment %q", e.Stage, e.Name)
}

func (e *UnknownEnvironmentError) Unwrap() error { return ErrUnknownEnvironment }
