// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	EngineTypePodman    EngineType = "podman"
	EngineTypeDocker    EngineType = "docker"
	EngineTypeDockerAPI EngineType = "docker-api"
)

// ErrEngineNotAvailable is the sentinel wrapped by EngineNotAvailableError.
var ErrEngineNotAvailable = errors.New("container engine not available")

type (
	// Engine is the isolation backend capability: build images, run commands in
	// them, and inspect or remove what was built.
	Engine interface {
		// Name returns the engine name (docker, podman or docker-api).
		Name() string
		// Available reports whether the engine can be reached.
		Available() bool
		// Version returns the engine server version.
		Version(ctx context.Context) (string, error)

		// Build builds an image. A failing build step returns an error.
		Build(ctx context.Context, opts BuildOptions) error
		// Run runs a command in a new container. A non-zero exit code of the
		// command is reported in RunResult.ExitCode, not as an error.
		Run(ctx context.Context, opts RunOptions) (*RunResult, error)
		// Remove removes a container by name or ID. Removing a container that
		// does not exist is not an error.
		Remove(ctx context.Context, containerID string, force bool) error
		// ImageExists checks if an image exists locally.
		ImageExists(ctx context.Context, image string) (bool, error)
		// ListImages returns local images carrying the given label key.
		ListImages(ctx context.Context, label string) ([]ImageInfo, error)
		// RemoveImage removes an image.
		RemoveImage(ctx context.Context, image string, force bool) error
	}

	// EngineType identifies the container engine type.
	EngineType string

	// BuildOptions contains options for building an image.
	BuildOptions struct {
		// ContextDir is the build context directory.
		ContextDir string
		// Dockerfile is the path to the Dockerfile (relative to ContextDir).
		Dockerfile string
		// Tag is the image tag.
		Tag string
		// Labels are attached to the built image.
		Labels map[string]string
		// BuildArgs are build-time variables.
		BuildArgs map[string]string
		// NoCache disables the layer cache.
		NoCache bool
		// Stdout receives build output.
		Stdout io.Writer
		// Stderr receives build errors.
		Stderr io.Writer
	}

	// RunOptions contains options for running a container.
	RunOptions struct {
		// Image is the image to run.
		Image string
		// Command is the command to run.
		Command []string
		// WorkDir is the working directory inside the container.
		WorkDir string
		// Env contains environment variables.
		Env map[string]string
		// Volumes are bind mounts in "host:container[:options]" format.
		Volumes []string
		// Ports are published ports in "host:container" format.
		Ports []string
		// Remove removes the container after it exits.
		Remove bool
		// Name is the container name.
		Name string
		// Labels are attached to the container.
		Labels map[string]string
		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer
		// Interactive keeps stdin open.
		Interactive bool
		// TTY allocates a pseudo-TTY.
		TTY bool
	}

	// RunResult contains the result of running a container.
	RunResult struct {
		// ContainerID is the container ID, when the engine reports one.
		ContainerID string
		// ExitCode is the exit code of the command.
		ExitCode int
	}

	// ImageInfo describes one local image.
	ImageInfo struct {
		// Ref is a repository:tag reference of the image.
		Ref string
		// Labels are the image labels.
		Labels map[string]string
		// Created is the image creation time.
		Created time.Time
	}

	// EngineNotAvailableError is returned when no usable engine was found.
	EngineNotAvailableError struct {
		Engine string
		Reason string
	}
)

func (e *EngineNotAvailableError) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// Unwrap returns ErrEngineNotAvailable for errors.Is.
func (e *EngineNotAvailableError) Unwrap() error { return ErrEngineNotAvailable }

// NewEngine creates a container engine based on preference. The CLI engines
// fall back to each other; docker-api falls back to the docker CLI.
func NewEngine(preferredType EngineType) (Engine, error) {
	switch preferredType {
	case EngineTypePodman:
		if engine := NewPodmanEngine(); engine.Available() {
			return engine, nil
		}
		if engine := NewDockerEngine(); engine.Available() {
			return engine, nil
		}
		return nil, &EngineNotAvailableError{
			Engine: "podman",
			Reason: "podman is not installed or not accessible, and docker fallback is also not available",
		}

	case EngineTypeDocker:
		if engine := NewDockerEngine(); engine.Available() {
			return engine, nil
		}
		if engine := NewPodmanEngine(); engine.Available() {
			return engine, nil
		}
		return nil, &EngineNotAvailableError{
			Engine: "docker",
			Reason: "docker is not installed or not accessible, and podman fallback is also not available",
		}

	case EngineTypeDockerAPI:
		api, err := NewAPIEngine()
		if err == nil && api.Available() {
			return api, nil
		}
		if api != nil {
			_ = api.Close()
		}
		if engine := NewDockerEngine(); engine.Available() {
			return engine, nil
		}
		reason := "the docker daemon did not answer and the docker CLI fallback is not available"
		if err != nil {
			reason = err.Error()
		}
		return nil, &EngineNotAvailableError{Engine: "docker-api", Reason: reason}

	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferredType)
	}
}

// AutoDetectEngine tries to find an available container engine, Podman first.
func AutoDetectEngine() (Engine, error) {
	if podman := NewPodmanEngine(); podman.Available() {
		return podman, nil
	}
	if docker := NewDockerEngine(); docker.Available() {
		return docker, nil
	}
	return nil, &EngineNotAvailableError{
		Engine: "any",
		Reason: "no container engine (podman or docker) is available on this system",
	}
}
