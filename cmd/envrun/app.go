// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/envrun/envrun/internal/build"
	"github.com/envrun/envrun/internal/buildstate"
	"github.com/envrun/envrun/internal/config"
	"github.com/envrun/envrun/internal/container"
	"github.com/envrun/envrun/internal/dispatch"
	"github.com/envrun/envrun/internal/issue"
	"github.com/envrun/envrun/internal/metrics"
	"github.com/envrun/envrun/internal/registry"
	"github.com/envrun/envrun/pkg/envfile"
)

type (
	// ConfigProvider loads configuration using explicit options.
	ConfigProvider interface {
		Load(ctx context.Context, opts config.LoadOptions) (*config.Config, error)
	}

	// EngineFactory returns the container engine for a configured engine type.
	EngineFactory func(container.EngineType) (container.Engine, error)

	// App is the composition root of the CLI. Every command handler receives
	// an App and builds the services it needs through it.
	App struct {
		config    ConfigProvider
		newEngine EngineFactory
		getwd     func() (string, error)
		stdin     io.Reader
		stdout    io.Writer
		stderr    io.Writer
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults by NewApp.
	Dependencies struct {
		Config    ConfigProvider
		NewEngine EngineFactory
		Getwd     func() (string, error)
		Stdin     io.Reader
		Stdout    io.Writer
		Stderr    io.Writer
	}

	// globalFlags holds the persistent flag values.
	globalFlags struct {
		configPath  string
		envFile     string
		engine      string
		verbose     bool
		metricsFile string
	}

	// workspace is the validated startup state: configuration plus the
	// registered environments. Loading it never touches a container engine.
	workspace struct {
		cfg      *config.Config
		logger   *log.Logger
		verbose  bool
		workdir  string
		file     *envfile.File
		registry *registry.Registry
	}

	// session adds the engine and the services built on top of it.
	session struct {
		*workspace
		engine      container.Engine
		coord       *build.Coordinator
		dispatcher  *dispatch.Dispatcher
		metrics     *metrics.Metrics
		store       buildstate.Store
		metricsPath string
	}
)

// NewApp creates an App with defaults for omitted dependencies.
func NewApp(deps Dependencies) *App {
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	if deps.NewEngine == nil {
		deps.NewEngine = container.NewEngine
	}
	if deps.Getwd == nil {
		deps.Getwd = os.Getwd
	}
	if deps.Stdin == nil {
		deps.Stdin = os.Stdin
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}

	return &App{
		config:    deps.Config,
		newEngine: deps.NewEngine,
		getwd:     deps.Getwd,
		stdin:     deps.Stdin,
		stdout:    deps.Stdout,
		stderr:    deps.Stderr,
	}
}

// newLogger returns the CLI logger: debug level when verbose, warn otherwise.
func newLogger(w io.Writer, verbose bool) *log.Logger {
	level := log.WarnLevel
	if verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(w, log.Options{
		Prefix: "envrun",
		Level:  level,
	})
}

// loadWorkspace loads the configuration, applies flag overrides, then parses
// the environment file and registers every entry. Any failure is fatal.
func (a *App) loadWorkspace(ctx context.Context, flags *globalFlags) (*workspace, error) {
	cfg, err := a.config.Load(ctx, config.LoadOptions{ConfigFilePath: flags.configPath})
	if err != nil {
		var ae *issue.ActionableError
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, issue.NewErrorContext().
			WithOperation("load configuration").
			WithResource(flags.configPath).
			WithIssue(issue.ConfigLoadFailedId).
			Wrap(err).
			BuildError()
	}

	if flags.engine != "" {
		engine := config.ContainerEngine(flags.engine)
		if err := engine.Validate(); err != nil {
			return nil, issue.NewErrorContext().
				WithOperation("select container engine").
				WithResource(flags.engine).
				WithIssue(issue.ConfigLoadFailedId).
				WithSuggestion("Use one of: podman, docker, docker-api").
				Wrap(err).
				BuildError()
		}
		cfg.ContainerEngine = engine
	}

	verbose := flags.verbose || cfg.UI.Verbose
	logger := newLogger(a.stderr, verbose)

	wd, err := a.getwd()
	if err != nil {
		return nil, issue.WrapWithOperation(err, "determine working directory")
	}

	path, err := resolveEnvFile(wd, flags.envFile, cfg.EnvFile)
	if err != nil {
		return nil, err
	}
	logger.Debug("loading environment file", "path", path)

	file, err := envfile.ParseFile(path)
	if err != nil {
		id := issue.EnvFileParseErrorId
		switch {
		case errors.Is(err, fs.ErrNotExist):
			id = issue.EnvFileNotFoundId
		case errors.Is(err, envfile.ErrInvalidDescriptor):
			id = issue.InvalidDescriptorId
		}
		return nil, issue.NewErrorContext().
			WithOperation("load environment file").
			WithResource(path).
			WithIssue(id).
			Wrap(err).
			BuildError()
	}

	reg := registry.New()
	if err := reg.RegisterFile(file); err != nil {
		id := issue.InvalidDescriptorId
		if errors.Is(err, registry.ErrDuplicateEnvironment) {
			id = issue.DuplicateEnvironmentId
		}
		return nil, issue.NewErrorContext().
			WithOperation("register environments").
			WithResource(path).
			WithIssue(id).
			Wrap(err).
			BuildError()
	}

	return &workspace{
		cfg:      cfg,
		logger:   logger,
		verbose:  verbose,
		workdir:  wd,
		file:     file,
		registry: reg,
	}, nil
}

// resolveEnvFile picks the --envfile flag, then the configured path, then
// discovery in wd. Relative paths resolve against wd.
func resolveEnvFile(wd, flagPath, configured string) (string, error) {
	path := flagPath
	if path == "" {
		path = configured
	}
	if path == "" {
		found, err := envfile.Discover(wd)
		if err != nil {
			return "", issue.NewErrorContext().
				WithOperation("find environment file").
				WithResource(wd).
				WithIssue(issue.EnvFileNotFoundId).
				WithSuggestion("Create envrun.cue in this directory or pass --envfile").
				Wrap(err).
				BuildError()
		}
		return found, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(wd, path)
	}
	return path, nil
}

// openSession loads the workspace and builds the engine, coordinator and
// dispatcher. The build table is re-seeded before openSession returns.
func (a *App) openSession(ctx context.Context, flags *globalFlags) (*session, error) {
	ws, err := a.loadWorkspace(ctx, flags)
	if err != nil {
		return nil, err
	}
	return a.openSessionFor(ctx, ws, flags)
}

// openSessionFor connects the container engine for an already loaded
// workspace.
func (a *App) openSessionFor(ctx context.Context, ws *workspace, flags *globalFlags) (*session, error) {
	engineType := container.EngineType(ws.cfg.ContainerEngine)
	engine, err := a.newEngine(engineType)
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("connect to container engine").
			WithResource(string(engineType)).
			WithIssue(issue.ContainerEngineNotFoundId).
			Wrap(err).
			BuildError()
	}
	ws.logger.Debug("container engine selected", "engine", engine.Name())

	m := metrics.New()
	buildOpts := []build.Option{
		build.WithLogger(ws.logger),
		build.WithMetrics(m),
		build.WithLockDir(ws.cfg.Build.LockDir),
	}
	if ws.verbose || !ws.cfg.Build.Quiet {
		buildOpts = append(buildOpts, build.WithBuildOutput(a.stderr))
	}

	var store buildstate.Store
	if ws.cfg.State.Persist {
		sqlite, err := buildstate.NewSQLiteStore(ctx, ws.cfg.State.Path)
		if err != nil {
			ws.logger.Warn("build history disabled", "path", ws.cfg.State.Path, "err", err)
		} else {
			store = sqlite
			buildOpts = append(buildOpts, build.WithStore(store))
		}
	}

	coord := build.New(ws.registry, engine, buildOpts...)
	if err := coord.Reseed(ctx); err != nil {
		ws.logger.Warn("could not re-seed build records", "err", err)
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(ws.logger),
		dispatch.WithMetrics(m),
	}
	if ws.cfg.Run.MountWorkdir {
		dispatchOpts = append(dispatchOpts, dispatch.WithWorkdirMount(ws.workdir, ws.cfg.Run.Workdir))
	}

	metricsPath := flags.metricsFile
	if metricsPath == "" {
		metricsPath = ws.cfg.Metrics.Textfile
	}

	return &session{
		workspace:   ws,
		engine:      engine,
		coord:       coord,
		dispatcher:  dispatch.New(ws.registry, coord, engine, dispatchOpts...),
		metrics:     m,
		store:       store,
		metricsPath: metricsPath,
	}, nil
}

// Close writes the metrics textfile and releases the store and engine.
// Failures are logged; they never change the command's exit code.
func (s *session) Close() {
	if s.metricsPath != "" {
		if err := s.metrics.WriteTextfile(s.metricsPath); err != nil {
			s.logger.Warn("could not write metrics", "path", s.metricsPath, "err", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("could not close build history", "err", err)
		}
	}
	if closer, ok := s.engine.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Debug("could not close container engine", "err", err)
		}
	}
}
