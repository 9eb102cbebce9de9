// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/envrun/envrun/internal/issue"
)

func TestDockerEngine_Build(t *testing.T) {
	t.Parallel()

	engine, recorder := newMockDocker(t)
	var out bytes.Buffer
	recorder.Stdout = "Successfully built 0123\n"

	err := engine.Build(context.Background(), BuildOptions{
		ContextDir: "/tmp/ctx",
		Tag:        "envrun/crewai:0123456789ab",
		Labels:     map[string]string{"io.envrun.environment": "crewai"},
		Stdout:     &out,
	})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	recorder.AssertInvocationCount(t, 1)
	if !recorder.HasArgPair("-t", "envrun/crewai:0123456789ab") {
		t.Errorf("missing tag, args: %v", recorder.LastArgs())
	}
	if !recorder.HasArgPair("--label", "io.envrun.environment=crewai") {
		t.Errorf("missing label, args: %v", recorder.LastArgs())
	}
	if !strings.Contains(out.String(), "Successfully built") {
		t.Errorf("build output not forwarded: %q", out.String())
	}
}

func TestDockerEngine_BuildFailure(t *testing.T) {
	t.Parallel()

	engine, recorder := newMockDocker(t)
	recorder.ExitCode = 1

	err := engine.Build(context.Background(), BuildOptions{ContextDir: "/tmp/ctx", Tag: "envrun/crewai:x"})
	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("Build() = %v, want *issue.ActionableError", err)
	}
	if ae.Issue != issue.BuildFailedId || ae.Resource != "envrun/crewai:x" {
		t.Errorf("error = %+v", ae)
	}
}

func TestDockerEngine_RunPassesExitCode(t *testing.T) {
	t.Parallel()

	engine, recorder := newMockDocker(t)
	recorder.ExitCode = 7
	recorder.Stdout = "partial output"

	var stdout bytes.Buffer
	result, err := engine.Run(context.Background(), RunOptions{
		Image:   "envrun/crewai:x",
		Command: []string{"sh", "-c", "exit 7"},
		Name:    "envrun-crewai-1234abcd",
		Stdout:  &stdout,
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", result.ExitCode)
	}
	if result.ContainerID != "envrun-crewai-1234abcd" {
		t.Errorf("ContainerID = %q", result.ContainerID)
	}
	if stdout.String() != "partial output" {
		t.Errorf("stdout = %q", stdout.String())
	}
	recorder.AssertArgsContain(t, "sh -c exit 7")
}

func TestBaseCLIEngine_RunLaunchFailure(t *testing.T) {
	t.Parallel()

	e := NewBaseCLIEngine("/nonexistent/envrun-test-binary", WithName("docker"))
	_, err := e.Run(context.Background(), RunOptions{Image: "img"})
	var ae *issue.ActionableError
	if !errors.As(err, &ae) || ae.Issue != issue.ExecutionFailedId {
		t.Errorf("Run() = %v, want ExecutionFailed actionable error", err)
	}
}

func TestDockerEngine_RemoveMissingContainer(t *testing.T) {
	t.Parallel()

	engine, recorder := newMockDocker(t)
	recorder.ExitCode = 1
	recorder.Stderr = "Error response from daemon: No such container: envrun-crewai-x"

	if err := engine.Remove(context.Background(), "envrun-crewai-x", true); err != nil {
		t.Errorf("Remove() of missing container = %v, want nil", err)
	}
	recorder.AssertArgsContain(t, "rm -f envrun-crewai-x")

	recorder.Stderr = "permission denied"
	if err := engine.Remove(context.Background(), "envrun-crewai-x", true); err == nil {
		t.Error("Remove() should surface other failures")
	}
}

func TestDockerEngine_ImageExists(t *testing.T) {
	t.Parallel()

	engine, recorder := newMockDocker(t)
	ok, err := engine.ImageExists(context.Background(), "envrun/crewai:x")
	if err != nil || !ok {
		t.Errorf("ImageExists() = %v, %v, want true", ok, err)
	}
	recorder.AssertArgsContain(t, "image inspect envrun/crewai:x")

	recorder.ExitCode = 1
	ok, err = engine.ImageExists(context.Background(), "envrun/crewai:x")
	if err != nil || ok {
		t.Errorf("ImageExists() = %v, %v, want false", ok, err)
	}
}

func TestDockerEngine_ListImages(t *testing.T) {
	t.Parallel()

	engine, recorder := newMockDocker(t)
	recorder.StdoutFor = func(args []string) string {
		switch {
		case len(args) > 1 && args[1] == "ls":
			return "envrun/crewai:aaa\nenvrun/crewai:bbb\n"
		case len(args) > 1 && args[1] == "inspect":
			return `[{"Created":"2024-05-01T10:00:00Z","Config":{"Labels":{"io.envrun.environment":"crewai","io.envrun.manifest-hash":"aaa"}}},
			{"Created":"2024-05-02T10:00:00Z","Config":{"Labels":{"io.envrun.environment":"crewai","io.envrun.manifest-hash":"bbb"}}}]`
		}
		return ""
	}

	images, err := engine.ListImages(context.Background(), "io.envrun.environment")
	if err != nil {
		t.Fatalf("ListImages() error: %v", err)
	}
	recorder.AssertInvocationCount(t, 2)
	if len(images) != 2 || images[1].Ref != "envrun/crewai:bbb" || images[1].Labels["io.envrun.manifest-hash"] != "bbb" {
		t.Errorf("ListImages() = %+v", images)
	}
}

func TestDockerEngine_ListImagesEmpty(t *testing.T) {
	t.Parallel()

	engine, recorder := newMockDocker(t)
	images, err := engine.ListImages(context.Background(), "io.envrun.environment")
	if err != nil || len(images) != 0 {
		t.Errorf("ListImages() = %v, %v, want empty", images, err)
	}
	recorder.AssertInvocationCount(t, 1)
}

func TestPodmanEngine_ListImagesStripsLocalhost(t *testing.T) {
	t.Parallel()

	engine, recorder := newMockPodman(t)
	recorder.StdoutFor = func(args []string) string {
		if len(args) > 1 && args[1] == "ls" {
			return "localhost/envrun/langchain:ccc\n"
		}
		return `[{"Created":"2024-05-01T10:00:00Z","Labels":{"io.envrun.environment":"langchain"}}]`
	}

	images, err := engine.ListImages(context.Background(), "io.envrun.environment")
	if err != nil {
		t.Fatalf("ListImages() error: %v", err)
	}
	if len(images) != 1 || images[0].Ref != "envrun/langchain:ccc" {
		t.Errorf("ListImages() = %+v", images)
	}
}

func TestPodmanEngine_ImageExistsUsesExists(t *testing.T) {
	t.Parallel()

	engine, recorder := newMockPodman(t)
	if _, err := engine.ImageExists(context.Background(), "envrun/x:y"); err != nil {
		t.Fatalf("ImageExists() error: %v", err)
	}
	recorder.AssertArgsContain(t, "image exists envrun/x:y")
}

func TestEngineNotAvailableError(t *testing.T) {
	t.Parallel()

	err := error(&EngineNotAvailableError{Engine: "podman", Reason: "not installed"})
	if !errors.Is(err, ErrEngineNotAvailable) {
		t.Error("EngineNotAvailableError should wrap ErrEngineNotAvailable")
	}
	if !strings.Contains(err.Error(), "podman") {
		t.Errorf("Error() = %q", err.Error())
	}
	if _, err := NewEngine("lxc"); err == nil {
		t.Error("NewEngine() should reject unknown engine types")
	}
}
