// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"io"
	"maps"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/envrun/envrun/internal/build"
	"github.com/envrun/envrun/internal/container"
	"github.com/envrun/envrun/pkg/envfile"
)

const (
	// LabelRunID marks containers with the request that started them.
	LabelRunID = "io.envrun.run-id"

	// EnvEnvironment and EnvRunID are injected into every command unless
	// the environment defines them.
	EnvEnvironment = "ENVRUN_ENVIRONMENT"
	EnvRunID       = "ENVRUN_RUN_ID"

	removeTimeout = 30 * time.Second
)

type (
	// Resolver looks up environment descriptors by name.
	Resolver interface {
		Lookup(name string) (envfile.Descriptor, error)
	}

	// Builder makes sure an environment's image is current.
	Builder interface {
		EnsureFresh(ctx context.Context, name string) (build.Result, error)
	}

	// Recorder observes finished requests.
	Recorder interface {
		ObserveRun(env, outcome string, d time.Duration)
	}

	// Clock supplies transition timestamps.
	Clock interface {
		Now() time.Time
	}

	// RunRequest asks for command to run in an environment.
	RunRequest struct {
		// ID names the request in logs and container names. A UUID is
		// generated when empty.
		ID          string
		Environment string
		Command     []string
		// Interactive attaches stdin, allocates a TTY when stdin is a terminal
		// and publishes the environment's ports.
		Interactive bool

		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer
	}

	// Result describes a completed request.
	Result struct {
		ID          string
		Environment string
		ImageRef    string
		// Built is true when the request triggered a build.
		Built    bool
		ExitCode int
	}

	// Option configures a Dispatcher.
	Option func(*Dispatcher)

	// Dispatcher executes run requests. It is safe for concurrent use.
	Dispatcher struct {
		resolver Resolver
		builder  Builder
		engine   container.Engine
		logger   *log.Logger
		metrics  Recorder
		observer Observer
		clock    Clock

		hostWorkdir      string
		containerWorkdir string

		attachTTY ttyRunner
	}

	realClock   struct{}
	nopRecorder struct{}
)

func (realClock) Now() time.Time                          { return time.Now() }
func (nopRecorder) ObserveRun(string, string, time.Duration) {}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *log.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the request observer.
func WithMetrics(r Recorder) Option {
	return func(d *Dispatcher) { d.metrics = r }
}

// WithObserver receives every state transition.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithClock replaces the clock used for transition timestamps.
func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithWorkdirMount mounts hostDir at containerDir and runs commands there.
func WithWorkdirMount(hostDir, containerDir string) Option {
	return func(d *Dispatcher) {
		d.hostWorkdir = hostDir
		d.containerWorkdir = containerDir
	}
}

// New creates a Dispatcher.
func New(resolver Resolver, builder Builder, engine container.Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver:  resolver,
		builder:   builder,
		engine:    engine,
		logger:    log.New(io.Discard),
		metrics:   nopRecorder{},
		clock:     realClock{},
		attachTTY: runWithPTY,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run resolves req's environment, ensures its image is current and runs the
// command in it. The command's exit code is returned in Result.ExitCode
// whatever its value. Errors are *registry.UnknownEnvironmentError,
// *build.BuildFailureError, *ExecutionFailureError or *CancelledError.
func (d *Dispatcher) Run(ctx context.Context, req RunRequest) (Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	t := &tracker{d: d, id: req.ID, env: req.Environment, state: StatePending}
	start := time.Now()

	res, err := d.run(ctx, t, req)
	if err != nil {
		t.fail(err)
		d.metrics.ObserveRun(req.Environment, FailureKind(err), time.Since(start))
		return res, err
	}
	t.complete(res.ExitCode)
	d.metrics.ObserveRun(req.Environment, string(StateCompleted), time.Since(start))
	return res, nil
}

func (d *Dispatcher) run(ctx context.Context, t *tracker, req RunRequest) (Result, error) {
	res := Result{ID: req.ID, Environment: req.Environment}

	t.moveTo(StateResolving)
	if err := ctx.Err(); err != nil {
		return res, &CancelledError{Name: req.Environment, Stage: envfile.StageResolve, Cause: err}
	}
	desc, err := d.resolver.Lookup(req.Environment)
	if err != nil {
		return res, err
	}

	t.moveTo(StateBuilding)
	built, err := d.builder.EnsureFresh(ctx, req.Environment)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, &CancelledError{Name: req.Environment, Stage: envfile.StageBuild, Cause: ctxErr}
		}
		return res, err
	}
	res.ImageRef, res.Built = built.Record.ImageRef, built.Built

	t.moveTo(StateExecuting)
	exitCode, err := d.execute(ctx, req, desc, built.Record.ImageRef)
	if err != nil {
		return res, err
	}
	res.ExitCode = exitCode
	return res, nil
}

func (d *Dispatcher) execute(ctx context.Context, req RunRequest, desc envfile.Descriptor, image string) (int, error) {
	exists, err := d.engine.ImageExists(ctx, image)
	if err != nil {
		return 0, &ExecutionFailureError{Name: desc.Name, Stage: envfile.StageExecute, Reason: "inspect image " + image, Cause: err}
	}
	if !exists {
		return 0, &ExecutionFailureError{Name: desc.Name, Stage: envfile.StageExecute, Reason: "image " + image + " is missing; run `envrun build " + desc.Name + "`"}
	}

	opts := d.runOptions(req, desc, image)
	d.logger.Info("running command", "run_id", req.ID, "env", desc.Name, "image", image, "container", opts.Name)

	var (
		result *container.RunResult
		runErr error
	)
	stdin, isTTY := terminalInput(req.Stdin)
	commander, canAttach := d.engine.(container.InteractiveCommander)
	if req.Interactive && isTTY && canAttach {
		opts.TTY = true
		var code int
		code, runErr = d.attachTTY(ctx, commander.InteractiveCommand(ctx, opts), stdin, opts.Stdout)
		result = &container.RunResult{ContainerID: opts.Name, ExitCode: code}
	} else {
		opts.TTY = req.Interactive && isTTY
		result, runErr = d.engine.Run(ctx, opts)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		d.removeContainer(ctx, req.ID, opts.Name)
		return 0, &CancelledError{Name: desc.Name, Stage: envfile.StageExecute, Cause: ctxErr}
	}
	if runErr != nil {
		return 0, &ExecutionFailureError{Name: desc.Name, Stage: envfile.StageExecute, Reason: "launch command", Cause: runErr}
	}
	return result.ExitCode, nil
}

// runOptions builds the engine options for req.
func (d *Dispatcher) runOptions(req RunRequest, desc envfile.Descriptor, image string) container.RunOptions {
	env := maps.Clone(desc.Env)
	if env == nil {
		env = make(map[string]string, 2)
	}
	if _, ok := env[EnvEnvironment]; !ok {
		env[EnvEnvironment] = desc.Name
	}
	if _, ok := env[EnvRunID]; !ok {
		env[EnvRunID] = req.ID
	}

	opts := container.RunOptions{
		Image:   image,
		Command: req.Command,
		Env:     env,
		Remove:  true,
		Name:    ContainerName(desc.Name, req.ID),
		Labels: map[string]string{
			build.LabelEnvironment: desc.Name,
			LabelRunID:             req.ID,
		},
		Stdout: req.Stdout,
		Stderr: req.Stderr,
	}
	if d.hostWorkdir != "" && d.containerWorkdir != "" {
		opts.Volumes = []string{d.hostWorkdir + ":" + d.containerWorkdir}
		opts.WorkDir = d.containerWorkdir
	}
	if req.Interactive {
		opts.Interactive = true
		opts.Stdin = req.Stdin
		for _, p := range desc.PortSet() {
			port := strconv.Itoa(p)
			opts.Ports = append(opts.Ports, port+":"+port)
		}
	}
	return opts
}

// removeContainer force-removes a cancelled request's container with a fresh
// context, so its published ports are free when Run returns.
func (d *Dispatcher) removeContainer(ctx context.Context, runID, name string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()
	if err := d.engine.Remove(rmCtx, name, true); err != nil {
		d.logger.Warn("failed to remove cancelled container", "run_id", runID, "container", name, "error", err)
	}
}

// ContainerName returns the container name of a request: envrun-<env>-<id[:8]>.
func ContainerName(env, runID string) string {
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return "envrun-" + env + "-" + runID
}

// terminalInput returns r as a terminal file when it is one.
func terminalInput(r io.Reader) (*os.File, bool) {
	f, ok := r.(*os.File)
	if !ok || f == nil {
		return nil, false
	}
	return f, isTerminal(f)
}
