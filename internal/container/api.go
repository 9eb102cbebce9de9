// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const (
	pingAttempts = 3
	pingBackoff  = 200 * time.Millisecond
	pingTimeout  = 5 * time.Second
)

type (
	// APIEngine implements the Engine interface against the Docker Engine API,
	// without shelling out to a CLI.
	APIEngine struct {
		client *client.Client
	}

	imageBuildMessage struct {
		Stream      string `json:"stream"`
		Status      string `json:"status"`
		ID          string `json:"id"`
		Error       string `json:"error"`
		ErrorDetail struct {
			Message string `json:"message"`
		} `json:"errorDetail"`
	}
)

// NewAPIEngine creates a Docker API client from the environment (DOCKER_HOST,
// DOCKER_CERT_PATH, ...) with API version negotiation.
func NewAPIEngine(opts ...client.Opt) (*APIEngine, error) {
	all := append([]client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}, opts...)
	c, err := client.NewClientWithOpts(all...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &APIEngine{client: c}, nil
}

// Name returns the engine name.
func (e *APIEngine) Name() string {
	return string(EngineTypeDockerAPI)
}

// Available pings the daemon, retrying transient failures.
func (e *APIEngine) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	err := RetryWithBackoff(ctx, pingAttempts, pingBackoff, func(int) (bool, error) {
		ping, err := e.client.Ping(ctx)
		if err != nil {
			return IsTransientError(err), err
		}
		if ping.APIVersion == "" {
			return false, errors.New("docker ping returned empty API version")
		}
		return false, nil
	})
	return err == nil
}

// Version returns the daemon version.
func (e *APIEngine) Version(ctx context.Context) (string, error) {
	v, err := e.client.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get docker version: %w", err)
	}
	return v.Version, nil
}

// Build tars the context directory and streams it to the daemon. The
// Dockerfile must live inside the context.
func (e *APIEngine) Build(ctx context.Context, opts BuildOptions) error {
	dockerfile, err := relativeDockerfile(opts.ContextDir, opts.Dockerfile)
	if err != nil {
		return buildContainerError(e.Name(), opts, err)
	}

	buildCtx, err := archive.TarWithOptions(opts.ContextDir, &archive.TarOptions{})
	if err != nil {
		return buildContainerError(e.Name(), opts, fmt.Errorf("create build context: %w", err))
	}
	defer buildCtx.Close()

	buildArgs := make(map[string]*string, len(opts.BuildArgs))
	for k, v := range opts.BuildArgs {
		buildArgs[k] = &v
	}

	resp, err := e.client.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{opts.Tag},
		Dockerfile:  dockerfile,
		Labels:      maps.Clone(opts.Labels),
		BuildArgs:   buildArgs,
		NoCache:     opts.NoCache,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return buildContainerError(e.Name(), opts, err)
	}
	defer resp.Body.Close()

	if err := streamBuildOutput(resp.Body, opts.Stdout); err != nil {
		return buildContainerError(e.Name(), opts, err)
	}
	return nil
}

// streamBuildOutput decodes the daemon's JSON message stream, forwards build
// output to w and turns an error message into an error.
func streamBuildOutput(r io.Reader, w io.Writer) error {
	if w == nil {
		w = io.Discard
	}
	decoder := json.NewDecoder(r)
	for {
		var msg imageBuildMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if m := strings.TrimSpace(msg.Error); m != "" {
			return errors.New(m)
		}
		if m := strings.TrimSpace(msg.ErrorDetail.Message); m != "" {
			return errors.New(m)
		}
		switch {
		case msg.Stream != "":
			fmt.Fprint(w, msg.Stream)
		case msg.Status != "":
			fmt.Fprintln(w, strings.TrimSpace(msg.ID+" "+msg.Status))
		}
	}
}

// Run creates, attaches and starts a container, then waits for it to exit.
// Cancelling ctx stops waiting; the caller removes the container by name.
func (e *APIEngine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	exposed, bindings, err := nat.ParsePortSpecs(opts.Ports)
	if err != nil {
		return nil, runContainerError(e.Name(), opts, err)
	}

	env := make([]string, 0, len(opts.Env))
	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		env = append(env, k+"="+opts.Env[k])
	}

	attachStdin := opts.Interactive && opts.Stdin != nil
	cfg := &container.Config{
		Image:        opts.Image,
		Cmd:          opts.Command,
		Env:          env,
		WorkingDir:   opts.WorkDir,
		Labels:       maps.Clone(opts.Labels),
		Tty:          opts.TTY,
		OpenStdin:    attachStdin,
		StdinOnce:    attachStdin,
		AttachStdin:  attachStdin,
		AttachStdout: true,
		AttachStderr: true,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		Binds:        opts.Volumes,
		PortBindings: bindings,
	}

	created, err := e.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return nil, runContainerError(e.Name(), opts, err)
	}
	id := created.ID
	if opts.Remove {
		defer func() {
			_ = e.Remove(context.WithoutCancel(ctx), id, true)
		}()
	}

	attach, err := e.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  attachStdin,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, runContainerError(e.Name(), opts, err)
	}
	defer attach.Close()

	statusCh, errCh := e.client.ContainerWait(ctx, id, container.WaitConditionNextExit)

	if err := e.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, runContainerError(e.Name(), opts, err)
	}

	if attachStdin {
		go func() {
			_, _ = io.Copy(attach.Conn, opts.Stdin)
			_ = attach.CloseWrite()
		}()
	}

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		stdout, stderr := orDiscard(opts.Stdout), orDiscard(opts.Stderr)
		if opts.TTY {
			_, _ = io.Copy(stdout, attach.Reader)
			return
		}
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
	}()

	select {
	case status := <-statusCh:
		<-outputDone
		if status.Error != nil && status.Error.Message != "" {
			return nil, runContainerError(e.Name(), opts, errors.New(status.Error.Message))
		}
		return &RunResult{ContainerID: id, ExitCode: int(status.StatusCode)}, nil
	case err := <-errCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, runContainerError(e.Name(), opts, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Remove removes a container. A missing container is not an error.
func (e *APIEngine) Remove(ctx context.Context, containerID string, force bool) error {
	err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// ImageExists checks if an image exists.
func (e *APIEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := e.client.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	return true, nil
}

// ListImages returns tagged images carrying the label key.
func (e *APIEngine) ListImages(ctx context.Context, label string) ([]ImageInfo, error) {
	summaries, err := e.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	var images []ImageInfo
	for _, s := range summaries {
		for _, tag := range s.RepoTags {
			if strings.Contains(tag, "<none>") {
				continue
			}
			images = append(images, ImageInfo{
				Ref:     tag,
				Labels:  maps.Clone(s.Labels),
				Created: time.Unix(s.Created, 0),
			})
		}
	}
	return images, nil
}

// RemoveImage removes an image.
func (e *APIEngine) RemoveImage(ctx context.Context, ref string, force bool) error {
	if _, err := e.client.ImageRemove(ctx, ref, image.RemoveOptions{Force: force, PruneChildren: true}); err != nil {
		return fmt.Errorf("remove image %s: %w", ref, err)
	}
	return nil
}

// Close releases the API client.
func (e *APIEngine) Close() error {
	return e.client.Close()
}

// relativeDockerfile returns the Dockerfile path relative to contextDir, as
// the build API expects.
func relativeDockerfile(contextDir, dockerfile string) (string, error) {
	if dockerfile == "" {
		return "Dockerfile", nil
	}
	if !filepath.IsAbs(dockerfile) {
		return filepath.ToSlash(dockerfile), nil
	}
	rel, err := filepath.Rel(contextDir, dockerfile)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("dockerfile %q is outside the build context %q", dockerfile, contextDir)
	}
	return filepath.ToSlash(rel), nil
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
