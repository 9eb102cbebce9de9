// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package build

// acquireEnvLock is unavailable off Linux, where the engine often runs in a
// VM that a host-side flock cannot reach. Builds are serialized in-process only.
func acquireEnvLock(_, _ string) (*envLock, error) {
	return nil, errFlockUnavailable
}

type envLock struct{}

// Release is a no-op.
func (l *envLock) Release() {}
