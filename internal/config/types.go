// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// ContainerEnginePodman uses the Podman CLI.
	ContainerEnginePodman ContainerEngine = "podman"
	// ContainerEngineDocker uses the Docker CLI.
	ContainerEngineDocker ContainerEngine = "docker"
	// ContainerEngineDockerAPI talks to the Docker Engine API directly.
	ContainerEngineDockerAPI ContainerEngine = "docker-api"

	// DefaultWorkdir is where the host working directory is mounted in run containers.
	DefaultWorkdir = "/workspace"
)

var (
	// ErrInvalidContainerEngine is returned when a ContainerEngine value is not recognized.
	ErrInvalidContainerEngine = errors.New("invalid container engine")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// ContainerEngine selects the isolation backend.
	ContainerEngine string

	// InvalidContainerEngineError is returned when a ContainerEngine value is not recognized.
	// It wraps ErrInvalidContainerEngine for errors.Is() compatibility.
	InvalidContainerEngineError struct {
		Value ContainerEngine
	}

	// InvalidConfigError aggregates every field-level validation failure of a Config.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the application configuration.
	Config struct {
		// ContainerEngine selects the backend used to build and run environments.
		ContainerEngine ContainerEngine `json:"container_engine" mapstructure:"container_engine"`
		// EnvFile points at the environment file. Empty means discover it in the working directory.
		EnvFile string `json:"envfile" mapstructure:"envfile"`
		UI      UIConfig      `json:"ui" mapstructure:"ui"`
		Build   BuildConfig   `json:"build" mapstructure:"build"`
		State   StateConfig   `json:"state" mapstructure:"state"`
		Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
		Run     RunConfig     `json:"run" mapstructure:"run"`
	}

	UIConfig struct {
		// Verbose enables debug logging and markdown issue help.
		Verbose bool `json:"verbose" mapstructure:"verbose"`
	}

	BuildConfig struct {
		// LockDir holds the per-environment build lock files shared across processes.
		LockDir string `json:"lock_dir" mapstructure:"lock_dir"`
		// Quiet suppresses build output on stderr.
		Quiet bool `json:"quiet" mapstructure:"quiet"`
	}

	StateConfig struct {
		// Persist keeps build records in a sqlite database between invocations.
		Persist bool `json:"persist" mapstructure:"persist"`
		// Path is the sqlite database path.
		Path string `json:"path" mapstructure:"path"`
	}

	MetricsConfig struct {
		// Textfile, when set, receives a Prometheus text exposition on exit.
		Textfile string `json:"textfile" mapstructure:"textfile"`
	}

	RunConfig struct {
		// MountWorkdir mounts the host working directory into run containers.
		MountWorkdir bool `json:"mount_workdir" mapstructure:"mount_workdir"`
		// Workdir is the container path the host directory is mounted at.
		Workdir string `json:"workdir" mapstructure:"workdir"`
	}
)

// String returns the string representation of the ContainerEngine.
func (ce ContainerEngine) String() string { return string(ce) }

// Validate returns nil if the ContainerEngine is one of the known engines.
func (ce ContainerEngine) Validate() error {
	switch ce {
	case ContainerEnginePodman, ContainerEngineDocker, ContainerEngineDockerAPI:
		return nil
	default:
		return &InvalidContainerEngineError{Value: ce}
	}
}

func (e *InvalidContainerEngineError) Error() string {
	return fmt.Sprintf("invalid container engine %q (valid: podman, docker, docker-api)", e.Value)
}

func (e *InvalidContainerEngineError) Unwrap() error { return ErrInvalidContainerEngine }

func (e *InvalidConfigError) Error() string {
	msgs := make([]string, 0, len(e.FieldErrors))
	for _, fe := range e.FieldErrors {
		msgs = append(msgs, fe.Error())
	}
	return fmt.Sprintf("invalid config: %s", strings.Join(msgs, "; "))
}

func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// Validate checks the constraints the CUE schema cannot express on values
// that arrive through environment overrides.
func (c *Config) Validate() error {
	var errs []error
	if err := c.ContainerEngine.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.State.Persist && strings.TrimSpace(c.State.Path) == "" {
		errs = append(errs, errors.New("state.path must be set when state.persist is enabled"))
	}
	if c.Run.MountWorkdir && !strings.HasPrefix(c.Run.Workdir, "/") {
		errs = append(errs, fmt.Errorf("run.workdir %q must be an absolute container path", c.Run.Workdir))
	}
	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}

// DefaultConfig returns the default configuration. Directory-valued defaults
// are filled in by the loader because they depend on the host.
func DefaultConfig() *Config {
	return &Config{
		ContainerEngine: ContainerEngineDocker,
		UI:              UIConfig{Verbose: false},
		Build:           BuildConfig{Quiet: true},
		State:           StateConfig{Persist: true},
		Run:             RunConfig{MountWorkdir: true, Workdir: DefaultWorkdir},
	}
}
