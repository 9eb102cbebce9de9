// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/envrun/envrun/internal/issue"
)

type (
	// ExecCommandFunc is the function signature for creating exec.Cmd.
	// This allows injection of mock implementations for testing.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// VolumeFormatFunc rewrites a "host:container[:options]" mount before it is
	// passed to -v. Podman uses it to add SELinux labels.
	VolumeFormatFunc func(volume string) string

	// BaseCLIEngineOption configures a BaseCLIEngine.
	BaseCLIEngineOption func(*BaseCLIEngine)

	// BaseCLIEngine provides the implementation shared by CLI-based engines.
	// Docker and Podman embed it and add the engine-specific Available,
	// Version and ImageExists methods.
	BaseCLIEngine struct {
		name            string
		binaryPath      string
		execCommand     ExecCommandFunc
		volumeFormatter VolumeFormatFunc
	}

	// InteractiveCommander is implemented by engines that can hand out the raw
	// run command, so the caller can attach it to a pseudo-terminal.
	InteractiveCommander interface {
		InteractiveCommand(ctx context.Context, opts RunOptions) *exec.Cmd
	}

	// inspectedImage is the subset of `image inspect` output envrun reads.
	// Podman reports labels at the top level as well as under Config.
	inspectedImage struct {
		RepoTags []string          `json:"RepoTags"`
		Created  time.Time         `json:"Created"`
		Labels   map[string]string `json:"Labels"`
		Config   struct {
			Labels map[string]string `json:"Labels"`
		} `json:"Config"`
	}
)

// WithName sets the engine name used in error messages.
func WithName(name string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.name = name
	}
}

// WithExecCommand sets a custom exec command function for testing.
func WithExecCommand(fn ExecCommandFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.execCommand = fn
	}
}

// WithVolumeFormatter sets a custom volume formatter function.
func WithVolumeFormatter(fn VolumeFormatFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.volumeFormatter = fn
	}
}

// NewBaseCLIEngine creates a new base engine with the given binary path.
func NewBaseCLIEngine(binaryPath string, opts ...BaseCLIEngineOption) *BaseCLIEngine {
	e := &BaseCLIEngine{
		binaryPath:      binaryPath,
		execCommand:     exec.CommandContext,
		volumeFormatter: func(v string) string { return v },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the engine name used in error messages.
func (e *BaseCLIEngine) Name() string {
	return e.name
}

// BinaryPath returns the path to the container engine binary.
func (e *BaseCLIEngine) BinaryPath() string {
	return e.binaryPath
}

// BuildArgs constructs arguments for a build command.
//
// Generated command: <binary> build [options] <context>
func (e *BaseCLIEngine) BuildArgs(opts BuildOptions) []string {
	args := []string{"build"}

	if opts.Dockerfile != "" {
		dockerfilePath := opts.Dockerfile
		if !filepath.IsAbs(dockerfilePath) && opts.ContextDir != "" {
			dockerfilePath = filepath.Join(opts.ContextDir, dockerfilePath)
		}
		args = append(args, "-f", dockerfilePath)
	}

	if opts.Tag != "" {
		args = append(args, "-t", opts.Tag)
	}

	if opts.NoCache {
		args = append(args, "--no-cache")
	}

	for _, k := range slices.Sorted(maps.Keys(opts.Labels)) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}

	for _, k := range slices.Sorted(maps.Keys(opts.BuildArgs)) {
		args = append(args, "--build-arg", k+"="+opts.BuildArgs[k])
	}

	args = append(args, opts.ContextDir)

	return args
}

// RunArgs constructs arguments for a run command. Map-valued options are
// emitted in key order so the result is deterministic.
//
// Generated command: <binary> run [options] <image> [command...]
func (e *BaseCLIEngine) RunArgs(opts RunOptions) []string {
	args := []string{"run"}

	if opts.Remove {
		args = append(args, "--rm")
	}

	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}

	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}

	if opts.Interactive {
		args = append(args, "-i")
	}

	if opts.TTY {
		args = append(args, "-t")
	}

	for _, k := range slices.Sorted(maps.Keys(opts.Labels)) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}

	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}

	for _, v := range opts.Volumes {
		args = append(args, "-v", e.volumeFormatter(v))
	}

	for _, p := range opts.Ports {
		args = append(args, "-p", p)
	}

	args = append(args, opts.Image)
	args = append(args, opts.Command...)

	return args
}

// RemoveArgs constructs arguments for a container remove command.
func (e *BaseCLIEngine) RemoveArgs(containerID string, force bool) []string {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, containerID)
	return args
}

// RemoveImageArgs constructs arguments for an image remove command.
func (e *BaseCLIEngine) RemoveImageArgs(image string, force bool) []string {
	args := []string{"rmi"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, image)
	return args
}

// ListImagesArgs constructs arguments listing the references of images that
// carry the label key.
func (e *BaseCLIEngine) ListImagesArgs(label string) []string {
	return []string{"image", "ls", "--filter", "label=" + label, "--format", "{{.Repository}}:{{.Tag}}"}
}

// RunCommandStatus executes a command and returns only the error status.
func (e *BaseCLIEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	cmd := e.CreateCommand(ctx, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command %s %v failed: %w", e.binaryPath, args, err)
	}
	return nil
}

// RunCommandWithOutput executes a command with stdout captured to a buffer.
func (e *BaseCLIEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	cmd := e.CreateCommand(ctx, args...)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command %s %v failed: %w", e.binaryPath, args, err)
	}

	return out.String(), nil
}

// CreateCommand creates an exec.Cmd for the given arguments.
func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

// Build builds an image from a Dockerfile.
func (e *BaseCLIEngine) Build(ctx context.Context, opts BuildOptions) error {
	args := e.BuildArgs(opts)

	cmd := e.CreateCommand(ctx, args...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	if err := cmd.Run(); err != nil {
		return buildContainerError(e.name, opts, err)
	}

	return nil
}

// Run runs a command in a container and returns the result.
// A non-zero exit code is captured in RunResult.ExitCode; only failures to
// start the engine binary are returned as errors.
func (e *BaseCLIEngine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	args := e.RunArgs(opts)

	cmd := e.CreateCommand(ctx, args...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	err := cmd.Run()

	result := &RunResult{ContainerID: opts.Name}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, runContainerError(e.name, opts, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	return result, nil
}

// InteractiveCommand returns the unstarted run command for opts.
func (e *BaseCLIEngine) InteractiveCommand(ctx context.Context, opts RunOptions) *exec.Cmd {
	return e.CreateCommand(ctx, e.RunArgs(opts)...)
}

// Remove force-removes a container. A missing container is not an error.
func (e *BaseCLIEngine) Remove(ctx context.Context, containerID string, force bool) error {
	args := e.RemoveArgs(containerID, force)
	cmd := e.CreateCommand(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if isNoSuchContainer(stderr.String()) {
			return nil
		}
		return fmt.Errorf("command %s %v failed: %w: %s", e.binaryPath, args, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// RemoveImage removes an image.
func (e *BaseCLIEngine) RemoveImage(ctx context.Context, image string, force bool) error {
	return e.RunCommandStatus(ctx, e.RemoveImageArgs(image, force)...)
}

// ListImages lists images carrying label and inspects them for their labels
// and creation time.
func (e *BaseCLIEngine) ListImages(ctx context.Context, label string) ([]ImageInfo, error) {
	out, err := e.RunCommandWithOutput(ctx, e.ListImagesArgs(label)...)
	if err != nil {
		return nil, err
	}

	refs := parseImageRefs(out)
	if len(refs) == 0 {
		return nil, nil
	}

	raw, err := e.RunCommandWithOutput(ctx, append([]string{"image", "inspect"}, refs...)...)
	if err != nil {
		return nil, err
	}
	return decodeInspectedImages([]byte(raw), refs)
}

// parseImageRefs extracts unique repository:tag references, skipping
// untagged images.
func parseImageRefs(out string) []string {
	var refs []string
	for line := range strings.SplitSeq(out, "\n") {
		ref := strings.TrimSpace(line)
		if ref == "" || strings.Contains(ref, "<none>") || slices.Contains(refs, ref) {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// decodeInspectedImages maps `image inspect` output back to the requested refs.
// The inspect array is in argument order.
func decodeInspectedImages(data []byte, refs []string) ([]ImageInfo, error) {
	var inspected []inspectedImage
	if err := json.Unmarshal(data, &inspected); err != nil {
		return nil, fmt.Errorf("decode image inspect output: %w", err)
	}
	if len(inspected) != len(refs) {
		return nil, fmt.Errorf("image inspect returned %d entries for %d images", len(inspected), len(refs))
	}

	images := make([]ImageInfo, 0, len(refs))
	for i, img := range inspected {
		labels := img.Config.Labels
		if len(labels) == 0 {
			labels = img.Labels
		}
		images = append(images, ImageInfo{
			Ref:     refs[i],
			Labels:  maps.Clone(labels),
			Created: img.Created,
		})
	}
	return images, nil
}

func isNoSuchContainer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no container with name or id")
}

// buildContainerError creates an actionable error for image build failures.
func buildContainerError(engine string, opts BuildOptions, cause error) error {
	ctx := issue.NewErrorContext().
		WithOperation("build container image").
		WithIssue(issue.BuildFailedId)

	switch {
	case opts.Tag != "":
		ctx.WithResource(opts.Tag)
	case opts.ContextDir != "":
		ctx.WithResource(opts.ContextDir)
	}

	ctx.WithSuggestion("Check that every package in the manifest resolves against the base image")
	ctx.WithSuggestion("Ensure the base image is available (try: " + engine + " pull <base-image>)")
	ctx.WithSuggestion("Run with --verbose to see full build output")

	return ctx.Wrap(cause).BuildError()
}

// runContainerError creates an actionable error for container launch failures.
func runContainerError(engine string, opts RunOptions, cause error) error {
	return issue.NewErrorContext().
		WithOperation("run container").
		WithResource(opts.Image).
		WithIssue(issue.ExecutionFailedId).
		WithSuggestion("Verify the image exists (try: " + engine + " images)").
		WithSuggestion("Ensure published ports don't conflict with running services").
		Wrap(cause).
		BuildError()
}
