// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/envrun/envrun/internal/build"
	"github.com/envrun/envrun/internal/config"
	"github.com/envrun/envrun/internal/container"
	"github.com/envrun/envrun/internal/container/containertest"
	"github.com/envrun/envrun/internal/testutil"
)

const sampleEnvFile = `environments: [
	{
		name:     "crewai"
		manifest: "requirements-crewai.txt"
		base:     "python:3.11-slim"
		ports: [8000]
		env: OPENAI_API_KEY: "sk-test"
	},
	{
		name:     "langchain"
		manifest: "requirements-langchain.txt"
		base:     "python:3.11-slim"
	},
]
`

type (
	// cliFixture runs commands against an in-memory engine in a temp project.
	cliFixture struct {
		dir    string
		cfg    *config.Config
		engine *containertest.Engine

		mu          sync.Mutex
		engineTypes []container.EngineType
		engineErr   error
	}

	staticConfig struct {
		cfg *config.Config
		err error
	}

	cliResult struct {
		stdout string
		stderr string
		err    error
	}
)

func (s staticConfig) Load(context.Context, config.LoadOptions) (*config.Config, error) {
	if s.err != nil {
		return nil, s.err
	}
	cfg := *s.cfg
	return &cfg, nil
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "envrun.cue", sampleEnvFile)
	testutil.WriteFile(t, dir, "requirements-crewai.txt", "crewai==0.28.8\n")
	testutil.WriteFile(t, dir, "requirements-langchain.txt", "langchain==0.2.0\nlanggraph==0.0.55\n")

	cfg := config.DefaultConfig()
	cfg.Build.LockDir = filepath.Join(dir, ".cache", "locks")
	cfg.State.Persist = false

	return &cliFixture{dir: dir, cfg: cfg, engine: containertest.NewEngine()}
}

func (f *cliFixture) run(t *testing.T, ctx context.Context, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := NewApp(Dependencies{
		Config: staticConfig{cfg: f.cfg},
		NewEngine: func(et container.EngineType) (container.Engine, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.engineTypes = append(f.engineTypes, et)
			if f.engineErr != nil {
				return nil, f.engineErr
			}
			return f.engine, nil
		},
		Getwd:  func() (string, error) { return f.dir, nil },
		Stdin:  strings.NewReader(""),
		Stdout: &stdout,
		Stderr: &stderr,
	})

	root := NewRootCommand(app)
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SilenceErrors = true
	err := root.ExecuteContext(ctx)
	return cliResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error %v (%T) is not an *ExitError", err, err)
	}
	return exitErr.Code
}

func TestRun_ExitCodePassthrough(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	f.engine.OnRun = func(_ context.Context, opts container.RunOptions) (*container.RunResult, error) {
		return &container.RunResult{ContainerID: opts.Name, ExitCode: 7}, nil
	}

	res := f.run(t, t.Context(), "run", "crewai", "--", "sh", "-c", "exit 7")
	if got := exitCode(t, res.err); got != 7 {
		t.Fatalf("exit code = %d, want 7", got)
	}
	var exitErr *ExitError
	if errors.As(res.err, &exitErr) && exitErr.Err != nil {
		t.Errorf("child exit status must not carry an error, got %v", exitErr.Err)
	}
	if strings.Contains(res.stderr, "Error:") {
		t.Errorf("stderr reports an error for a child exit status:\n%s", res.stderr)
	}

	runs := f.engine.Runs()
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if got := strings.Join(runs[0].Command, " "); got != "sh -c exit 7" {
		t.Errorf("command = %q", got)
	}
	if runs[0].Env["OPENAI_API_KEY"] != "sk-test" {
		t.Errorf("descriptor env not injected: %v", runs[0].Env)
	}
	if len(runs[0].Volumes) != 1 || !strings.HasPrefix(runs[0].Volumes[0], f.dir+":") {
		t.Errorf("working directory not mounted: %v", runs[0].Volumes)
	}
}

func TestRun_SuccessAndCacheHit(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	for range 3 {
		if res := f.run(t, t.Context(), "run", "langchain", "--", "python", "-V"); res.err != nil {
			t.Fatalf("run error: %v\nstderr:\n%s", res.err, res.stderr)
		}
	}
	if got := f.engine.BuildCount(); got != 1 {
		t.Errorf("builds = %d, want 1 across invocations", got)
	}
	if got := len(f.engine.Runs()); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
}

func TestRun_RebuildsAfterManifestChange(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	if res := f.run(t, t.Context(), "run", "crewai", "--", "true"); res.err != nil {
		t.Fatalf("first run: %v", res.err)
	}
	testutil.WriteFile(t, f.dir, "requirements-crewai.txt", "crewai==0.30.0\n")
	if res := f.run(t, t.Context(), "run", "crewai", "--", "true"); res.err != nil {
		t.Fatalf("second run: %v", res.err)
	}
	if res := f.run(t, t.Context(), "run", "crewai", "--", "true"); res.err != nil {
		t.Fatalf("third run: %v", res.err)
	}

	builds := f.engine.Builds()
	if len(builds) != 2 {
		t.Fatalf("builds = %d, want 2", len(builds))
	}
	if builds[0].Tag == builds[1].Tag {
		t.Errorf("rebuild reused tag %s", builds[0].Tag)
	}
}

func TestRun_FailureExitCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		args      []string
		setup     func(*cliFixture)
		wantCode  int
		wantInErr string
		noBuild   bool
		noEngine  bool
	}{
		{
			name:      "unknown environment",
			args:      []string{"run", "pytorch", "--", "python"},
			wantCode:  ExitUnknownEnvironment,
			wantInErr: "crewai, langchain",
			noBuild:   true,
		},
		{
			name: "unknown environment with engine unavailable",
			args: []string{"run", "pytorch", "--", "python"},
			setup: func(f *cliFixture) {
				f.engineErr = &container.EngineNotAvailableError{Engine: "docker", Reason: "not installed"}
			},
			wantCode:  ExitUnknownEnvironment,
			wantInErr: "crewai, langchain",
			noBuild:   true,
			noEngine:  true,
		},
		{
			name: "build failure",
			args: []string{"run", "crewai", "--", "python"},
			setup: func(f *cliFixture) {
				f.engine.OnBuild = func(context.Context, container.BuildOptions) error {
					return errors.New("pip: no matching distribution")
				}
			},
			wantCode:  ExitBuildFailure,
			wantInErr: "no matching distribution",
		},
		{
			name: "engine not available",
			args: []string{"run", "crewai", "--", "python"},
			setup: func(f *cliFixture) {
				f.engineErr = &container.EngineNotAvailableError{Engine: "docker", Reason: "not installed"}
			},
			wantCode:  ExitExecutionFailure,
			wantInErr: "not installed",
			noBuild:   true,
		},
		{
			name: "launch failure",
			args: []string{"run", "crewai", "--", "python"},
			setup: func(f *cliFixture) {
				f.engine.OnRun = func(context.Context, container.RunOptions) (*container.RunResult, error) {
					return nil, errors.New("exec: docker: broken pipe")
				}
			},
			wantCode:  ExitExecutionFailure,
			wantInErr: "broken pipe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newCLIFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			res := f.run(t, t.Context(), tt.args...)
			if got := exitCode(t, res.err); got != tt.wantCode {
				t.Fatalf("exit code = %d, want %d\nstderr:\n%s", got, tt.wantCode, res.stderr)
			}
			if !strings.Contains(res.stderr, tt.wantInErr) {
				t.Errorf("stderr missing %q:\n%s", tt.wantInErr, res.stderr)
			}
			if tt.noEngine {
				f.mu.Lock()
				opened := len(f.engineTypes)
				f.mu.Unlock()
				if opened != 0 {
					t.Errorf("engine opened %d times, want 0", opened)
				}
			}
			if tt.noBuild && f.engine.BuildCount() != 0 {
				t.Errorf("builds = %d, want 0", f.engine.BuildCount())
			}
			if tt.wantCode != ExitExecutionFailure || tt.name == "engine not available" {
				if runs := len(f.engine.Runs()); runs != 0 {
					t.Errorf("runs = %d, want 0", runs)
				}
			}
		})
	}
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	res := f.run(t, ctx, "run", "crewai", "--", "sleep", "60")
	if got := exitCode(t, res.err); got != ExitCancelled {
		t.Fatalf("exit code = %d, want %d\nstderr:\n%s", got, ExitCancelled, res.stderr)
	}
	if len(f.engine.Runs()) != 0 {
		t.Error("a cancelled request must not run")
	}
}

func TestRun_ArgsValidation(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"run"},
		{"run", "crewai"},
		{"run", "crewai", "--"},
	} {
		f := newCLIFixture(t)
		res := f.run(t, t.Context(), args...)
		if res.err == nil {
			t.Errorf("%v: expected an argument error", args)
			continue
		}
		var exitErr *ExitError
		if errors.As(res.err, &exitErr) {
			t.Errorf("%v: argument errors are left to the error handler, got ExitError %d", args, exitErr.Code)
		}
	}
}

func TestSplitRunArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		args    []string
		env     string
		command []string
	}{
		{[]string{"crewai", "--", "sh", "-c", "exit 7"}, "crewai", []string{"sh", "-c", "exit 7"}},
		{[]string{"crewai", "python", "-V"}, "crewai", []string{"python", "-V"}},
		{[]string{"crewai", "--", "--", "x"}, "crewai", []string{"--", "x"}},
		{[]string{"crewai", "langchain", "--", "python"}, "crewai", []string{"langchain", "--", "python"}},
	}
	for _, tt := range tests {
		env, command, err := splitRunArgs(tt.args)
		if err != nil {
			t.Errorf("splitRunArgs(%q) error: %v", tt.args, err)
			continue
		}
		if env != tt.env || !slices.Equal(command, tt.command) {
			t.Errorf("splitRunArgs(%q) = %q, %q", tt.args, env, command)
		}
	}
}

func TestRun_EngineFlagOverridesConfig(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	if res := f.run(t, t.Context(), "--engine", "podman", "run", "crewai", "--", "true"); res.err != nil {
		t.Fatalf("run error: %v", res.err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engineTypes) != 1 || f.engineTypes[0] != container.EngineTypePodman {
		t.Errorf("engine types = %v, want [podman]", f.engineTypes)
	}
}

func TestEngineFlagInvalid(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	res := f.run(t, t.Context(), "--engine", "lxc", "ls")
	if got := exitCode(t, res.err); got != ExitConfig {
		t.Fatalf("exit code = %d, want %d", got, ExitConfig)
	}
	if len(f.engineTypes) != 0 {
		t.Error("engine must not be created for an invalid --engine")
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	t.Run("named environments are rebuilt every time", func(t *testing.T) {
		t.Parallel()

		f := newCLIFixture(t)
		for range 2 {
			res := f.run(t, t.Context(), "build", "crewai")
			if res.err != nil {
				t.Fatalf("build error: %v\nstderr:\n%s", res.err, res.stderr)
			}
			if !strings.Contains(res.stdout, "crewai") || !strings.Contains(res.stdout, "envrun/crewai:") {
				t.Errorf("stdout = %q", res.stdout)
			}
		}
		builds := f.engine.Builds()
		if len(builds) != 2 {
			t.Fatalf("builds = %d, want 2", len(builds))
		}
		for _, b := range builds {
			if !b.NoCache {
				t.Errorf("forced build of %s without NoCache", b.Tag)
			}
		}
	})

	t.Run("all", func(t *testing.T) {
		t.Parallel()

		f := newCLIFixture(t)
		res := f.run(t, t.Context(), "build", "--all")
		if res.err != nil {
			t.Fatalf("build --all error: %v", res.err)
		}
		if got := f.engine.BuildCount(); got != 2 {
			t.Errorf("builds = %d, want 2", got)
		}
		if !strings.Contains(res.stdout, "crewai") || !strings.Contains(res.stdout, "langchain") {
			t.Errorf("stdout = %q", res.stdout)
		}
	})

	t.Run("failure of one environment", func(t *testing.T) {
		t.Parallel()

		f := newCLIFixture(t)
		f.engine.OnBuild = func(_ context.Context, opts container.BuildOptions) error {
			if opts.Labels[build.LabelEnvironment] == "langchain" {
				return errors.New("resolver conflict")
			}
			return nil
		}
		res := f.run(t, t.Context(), "build", "--all")
		if got := exitCode(t, res.err); got != ExitBuildFailure {
			t.Fatalf("exit code = %d, want %d", got, ExitBuildFailure)
		}
		if !strings.Contains(res.stdout, "crewai") {
			t.Errorf("successful build not reported: %q", res.stdout)
		}
		if !strings.Contains(res.stderr, "resolver conflict") {
			t.Errorf("stderr = %q", res.stderr)
		}
	})

	t.Run("unknown environment", func(t *testing.T) {
		t.Parallel()

		f := newCLIFixture(t)
		res := f.run(t, t.Context(), "build", "crewai", "nope")
		if got := exitCode(t, res.err); got != ExitUnknownEnvironment {
			t.Fatalf("exit code = %d, want %d", got, ExitUnknownEnvironment)
		}
	})

	t.Run("requires names or all", func(t *testing.T) {
		t.Parallel()

		f := newCLIFixture(t)
		if res := f.run(t, t.Context(), "build"); res.err == nil {
			t.Error("expected an argument error")
		}
		if res := f.run(t, t.Context(), "build", "--all", "crewai"); res.err == nil {
			t.Error("expected an argument error")
		}
	})
}

func TestListEnvironments_JSON(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	if res := f.run(t, t.Context(), "build", "crewai"); res.err != nil {
		t.Fatalf("build error: %v", res.err)
	}
	testutil.WriteFile(t, f.dir, "requirements-langchain.txt", "langchain==0.3.0\n")

	res := f.run(t, t.Context(), "ls", "--json")
	if res.err != nil {
		t.Fatalf("ls error: %v\nstderr:\n%s", res.err, res.stderr)
	}

	var rows []environmentRow
	if err := json.Unmarshal([]byte(res.stdout), &rows); err != nil {
		t.Fatalf("decode %q: %v", res.stdout, err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Name != "crewai" || rows[0].Freshness != string(build.FreshnessFresh) || !strings.HasPrefix(rows[0].Image, "envrun/crewai:") {
		t.Errorf("crewai row = %+v", rows[0])
	}
	if rows[0].BuiltAt == nil || len(rows[0].Ports) != 1 || rows[0].Ports[0] != 8000 {
		t.Errorf("crewai row = %+v", rows[0])
	}
	if rows[1].Name != "langchain" || rows[1].Freshness != string(build.FreshnessAbsent) || rows[1].Image != "" {
		t.Errorf("langchain row = %+v", rows[1])
	}
	if f.engine.BuildCount() != 1 {
		t.Errorf("listing must not build, builds = %d", f.engine.BuildCount())
	}
}

func TestListEnvironments_Table(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	if res := f.run(t, t.Context(), "build", "langchain"); res.err != nil {
		t.Fatalf("build error: %v", res.err)
	}
	testutil.WriteFile(t, f.dir, "requirements-langchain.txt", "langchain==0.3.0\n")

	res := f.run(t, t.Context(), "list-environments")
	if res.err != nil {
		t.Fatalf("list error: %v", res.err)
	}
	for _, want := range []string{"ENVIRONMENT", "crewai", "absent", "langchain", "stale", "python:3.11-slim"} {
		if !strings.Contains(res.stdout, want) {
			t.Errorf("table missing %q:\n%s", want, res.stdout)
		}
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	old := "envrun/crewai:000000000000"
	f.engine.AddImage(old, map[string]string{
		build.LabelEnvironment:  "crewai",
		build.LabelManifestHash: strings.Repeat("0", 64),
		build.LabelBuiltAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339Nano),
	}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	if res := f.run(t, t.Context(), "build", "crewai"); res.err != nil {
		t.Fatalf("build error: %v", res.err)
	}

	res := f.run(t, t.Context(), "prune")
	if res.err != nil {
		t.Fatalf("prune error: %v\nstderr:\n%s", res.err, res.stderr)
	}
	if !strings.Contains(res.stdout, old) {
		t.Errorf("stdout = %q, want %s removed", res.stdout, old)
	}
	if exists, _ := f.engine.ImageExists(t.Context(), old); exists {
		t.Errorf("%s still exists", old)
	}

	res = f.run(t, t.Context(), "prune")
	if res.err != nil || !strings.Contains(res.stdout, "Nothing to prune") {
		t.Errorf("second prune = %q, %v", res.stdout, res.err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()

		f := newCLIFixture(t)
		res := f.run(t, t.Context(), "validate")
		if res.err != nil {
			t.Fatalf("validate error: %v\nstderr:\n%s", res.err, res.stderr)
		}
		for _, want := range []string{"envrun.cue", "2 environments", "crewai", "langchain", "ports 8000"} {
			if !strings.Contains(res.stdout, want) {
				t.Errorf("stdout missing %q:\n%s", want, res.stdout)
			}
		}
		if len(f.engineTypes) != 0 {
			t.Error("validate must not create an engine")
		}
	})

	t.Run("invalid entry is named", func(t *testing.T) {
		t.Parallel()

		f := newCLIFixture(t)
		path := testutil.WriteFile(t, f.dir, "broken.yaml", `environments:
  - name: crewai
    manifest: requirements-crewai.txt
    base: python:3.11-slim
  - name: langchain
    manifest: requirements-langchain.txt
    base: ""
`)
		res := f.run(t, t.Context(), "--envfile", path, "validate")
		if got := exitCode(t, res.err); got != ExitConfig {
			t.Fatalf("exit code = %d, want %d", got, ExitConfig)
		}
		if !strings.Contains(res.stderr, "environments[1] (langchain)") {
			t.Errorf("stderr does not name the entry:\n%s", res.stderr)
		}
	})

	t.Run("duplicate environment", func(t *testing.T) {
		t.Parallel()

		f := newCLIFixture(t)
		testutil.WriteFile(t, f.dir, "dup.toml", `[[environments]]
name = "crewai"
manifest = "requirements-crewai.txt"
base = "python:3.11-slim"

[[environments]]
name = "crewai"
manifest = "requirements-langchain.txt"
base = "python:3.12-slim"
`)
		res := f.run(t, t.Context(), "--envfile", "dup.toml", "validate")
		if got := exitCode(t, res.err); got != ExitConfig {
			t.Fatalf("exit code = %d, want %d", got, ExitConfig)
		}
		if !strings.Contains(res.stderr, "already registered") {
			t.Errorf("stderr = %q", res.stderr)
		}
	})

	t.Run("missing environment file", func(t *testing.T) {
		t.Parallel()

		f := newCLIFixture(t)
		if err := os.Remove(filepath.Join(f.dir, "envrun.cue")); err != nil {
			t.Fatal(err)
		}
		res := f.run(t, t.Context(), "validate")
		if got := exitCode(t, res.err); got != ExitConfig {
			t.Fatalf("exit code = %d, want %d", got, ExitConfig)
		}
	})

	t.Run("config load failure", func(t *testing.T) {
		t.Parallel()

		var stderr bytes.Buffer
		app := NewApp(Dependencies{
			Config: staticConfig{err: errors.New("config.cue: expected '}'")},
			Getwd:  func() (string, error) { return t.TempDir(), nil },
			Stdout: &bytes.Buffer{},
			Stderr: &stderr,
		})
		root := NewRootCommand(app)
		root.SetArgs([]string{"validate"})
		root.SilenceErrors = true
		err := root.ExecuteContext(t.Context())
		if got := exitCode(t, err); got != ExitConfig {
			t.Fatalf("exit code = %d, want %d", got, ExitConfig)
		}
		if !strings.Contains(stderr.String(), "expected '}'") {
			t.Errorf("stderr = %q", stderr.String())
		}
	})
}

func TestMetricsFile(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	path := filepath.Join(f.dir, "metrics", "envrun.prom")
	if res := f.run(t, t.Context(), "--metrics-file", path, "run", "crewai", "--", "true"); res.err != nil {
		t.Fatalf("run error: %v", res.err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, want := range []string{"envrun_dispatch_runs_total", "envrun_build_builds_total", `env="crewai"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metrics missing %q:\n%s", want, data)
		}
	}
}

func TestPersistedState(t *testing.T) {
	t.Parallel()

	f := newCLIFixture(t)
	f.cfg.State.Persist = true
	f.cfg.State.Path = filepath.Join(f.dir, ".cache", "state.db")

	if res := f.run(t, t.Context(), "build", "crewai"); res.err != nil {
		t.Fatalf("build error: %v\nstderr:\n%s", res.err, res.stderr)
	}
	if _, err := os.Stat(f.cfg.State.Path); err != nil {
		t.Fatalf("state database not created: %v", err)
	}
	if res := f.run(t, t.Context(), "run", "crewai", "--", "true"); res.err != nil {
		t.Fatalf("run error: %v", res.err)
	}
	if got := f.engine.BuildCount(); got != 1 {
		t.Errorf("builds = %d, want 1", got)
	}
}
