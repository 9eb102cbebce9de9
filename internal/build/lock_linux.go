// SPDX-License-Identifier: MPL-2.0

//go:build linux

package build

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// envLock holds a blocking exclusive flock on <dir>/<env>.lock, serializing
// builds of one environment across envrun processes on the host. The kernel
// releases the lock when the descriptor is closed, including on crash.
type envLock struct {
	file *os.File
}

// acquireEnvLock blocks until the lock for env is held.
func acquireEnvLock(dir, env string) (*envLock, error) {
	if dir == "" {
		return nil, errFlockUnavailable
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory %s: %w", dir, err)
	}

	lockPath := filepath.Join(dir, env+".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}
	return &envLock{file: f}, nil
}

// Release unlocks and closes the lock file. It is safe to call on nil and
// more than once.
func (l *envLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
}
