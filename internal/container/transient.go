// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// transientMarkers are error fragments of engine failures that usually clear
// up on retry: daemon restarts, socket hiccups and rootless storage races.
var transientMarkers = []string{
	"connection refused",
	"connection reset by peer",
	"connection timed out",
	"i/o timeout",
	"Cannot connect to the Docker daemon",
	"ping_group_range",
	"OCI runtime error",
	"error creating overlay mount",
	"error mounting layer",
}

// IsTransientError reports whether err is a container engine error that may
// succeed on retry. Context cancellation and deadline errors are never
// transient.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Exit code 125 is a generic engine failure (storage or cgroup glitches).
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 125 {
		return true
	}

	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
