// SPDX-License-Identifier: MPL-2.0

package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/envrun/envrun/internal/buildstate"
	"github.com/envrun/envrun/internal/container"
	"github.com/envrun/envrun/pkg/envfile"
)

// Image labels written on every environment image.
const (
	LabelEnvironment  = "io.envrun.environment"
	LabelManifestHash = "io.envrun.manifest-hash"
	LabelBuiltAt      = "io.envrun.built-at"
)

const (
	// FreshnessFresh means the record matches the current build inputs.
	FreshnessFresh Freshness = "fresh"
	// FreshnessStale means a record exists but the build inputs changed.
	FreshnessStale Freshness = "stale"
	// FreshnessAbsent means the environment was never built.
	FreshnessAbsent Freshness = "absent"

	// OutcomeBuilt and OutcomeFailed label build observations.
	OutcomeBuilt  = "built"
	OutcomeFailed = "failed"

	reseedAttempts = 3
	reseedBackoff  = 250 * time.Millisecond
)

type (
	// Resolver looks up environment descriptors by name.
	Resolver interface {
		Lookup(name string) (envfile.Descriptor, error)
	}

	// Clock supplies build timestamps.
	Clock interface {
		Now() time.Time
	}

	// Recorder observes cache lookups and builds.
	Recorder interface {
		ObserveCacheLookup(env string, hit bool)
		ObserveBuild(env, outcome string, d time.Duration)
	}

	// Freshness classifies an environment's record against its current inputs.
	Freshness string

	// Result is the outcome of EnsureFresh or Rebuild.
	Result struct {
		Record buildstate.Record
		// Built is true when this call (or the in-flight build it joined) built
		// a new image.
		Built bool
	}

	// Status describes an environment without building it.
	Status struct {
		Name      string
		Freshness Freshness
		// Hash is the hash of the current build inputs.
		Hash string
		// Record is the zero value when Freshness is FreshnessAbsent.
		Record buildstate.Record
	}

	// Option configures a Coordinator.
	Option func(*Coordinator)

	// Coordinator owns the BuildRecord table and every image build.
	Coordinator struct {
		resolver   Resolver
		engine     container.Engine
		table      *buildstate.Table
		store      buildstate.Store
		logger     *log.Logger
		metrics    Recorder
		clock      Clock
		lockDir    string
		contextDir string
		output     io.Writer

		group    singleflight.Group
		mu       sync.Mutex
		envLocks map[string]*sync.Mutex
	}

	realClock   struct{}
	nopRecorder struct{}
)

func (realClock) Now() time.Time { return time.Now() }

func (nopRecorder) ObserveCacheLookup(string, bool)            {}
func (nopRecorder) ObserveBuild(string, string, time.Duration) {}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the build observer.
func WithMetrics(r Recorder) Option {
	return func(c *Coordinator) { c.metrics = r }
}

// WithClock replaces the clock used for BuiltAt.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithTable shares an existing record table.
func WithTable(t *buildstate.Table) Option {
	return func(c *Coordinator) { c.table = t }
}

// WithStore persists records after each build and reloads them on Reseed.
func WithStore(s buildstate.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithLockDir enables cross-process build locks in dir.
func WithLockDir(dir string) Option {
	return func(c *Coordinator) { c.lockDir = dir }
}

// WithContextDir sets the parent directory of generated build contexts.
func WithContextDir(dir string) Option {
	return func(c *Coordinator) { c.contextDir = dir }
}

// WithBuildOutput forwards engine build output to w.
func WithBuildOutput(w io.Writer) Option {
	return func(c *Coordinator) { c.output = w }
}

// New creates a Coordinator building through engine.
func New(resolver Resolver, engine container.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		resolver: resolver,
		engine:   engine,
		logger:   log.New(io.Discard),
		metrics:  nopRecorder{},
		clock:    realClock{},
		output:   io.Discard,
		envLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.table == nil {
		c.table = buildstate.NewTable()
	}
	return c
}

// Table returns the record table.
func (c *Coordinator) Table() *buildstate.Table {
	return c.table
}

// EnsureFresh returns the record of an image built from name's current
// inputs, building one first when the recorded hash differs or no record
// exists. Concurrent callers for one environment share a single build.
func (c *Coordinator) EnsureFresh(ctx context.Context, name string) (Result, error) {
	d, err := c.resolver.Lookup(name)
	if err != nil {
		return Result{}, err
	}
	hash, err := ManifestHash(d)
	if err != nil {
		return Result{}, newBuildFailure(name, "hash build inputs", err)
	}

	if rec, ok := c.table.Get(name); ok && rec.Fresh(hash) {
		c.metrics.ObserveCacheLookup(name, true)
		c.logger.Debug("cache hit", "env", name, "image", rec.ImageRef)
		return Result{Record: rec}, nil
	}
	c.metrics.ObserveCacheLookup(name, false)

	return c.buildShared(ctx, d, hash, false)
}

// Rebuild builds name's image regardless of its record.
func (c *Coordinator) Rebuild(ctx context.Context, name string) (Result, error) {
	d, err := c.resolver.Lookup(name)
	if err != nil {
		return Result{}, err
	}
	hash, err := ManifestHash(d)
	if err != nil {
		return Result{}, newBuildFailure(name, "hash build inputs", err)
	}
	return c.buildShared(ctx, d, hash, true)
}

// Status reports name's freshness without building.
func (c *Coordinator) Status(_ context.Context, name string) (Status, error) {
	d, err := c.resolver.Lookup(name)
	if err != nil {
		return Status{}, err
	}
	hash, err := ManifestHash(d)
	if err != nil {
		return Status{}, newBuildFailure(name, "hash build inputs", err)
	}

	st := Status{Name: name, Hash: hash, Freshness: FreshnessAbsent}
	if rec, ok := c.table.Get(name); ok {
		st.Record = rec
		st.Freshness = FreshnessStale
		if rec.Fresh(hash) {
			st.Freshness = FreshnessFresh
		}
	}
	return st, nil
}

// buildShared runs build once per key; concurrent callers wait for and
// share its result. A waiting caller whose ctx ends returns ctx.Err(). When
// the shared build is cancelled by the caller that started it, the others
// retry under their own ctx.
func (c *Coordinator) buildShared(ctx context.Context, d envfile.Descriptor, hash string, force bool) (Result, error) {
	key := d.Name
	if force {
		key = "force:" + d.Name
	}

	for {
		ch := c.group.DoChan(key, func() (any, error) {
			return c.build(ctx, d, hash, force)
		})

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				if res.Shared && isContextError(res.Err) && ctx.Err() == nil {
					c.logger.Debug("in-flight build was cancelled by its owner, retrying", "env", d.Name)
					continue
				}
				return Result{}, res.Err
			}
			if res.Shared {
				c.logger.Debug("joined in-flight build", "env", d.Name)
			}
			return res.Val.(Result), nil
		}
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Coordinator) build(ctx context.Context, d envfile.Descriptor, hash string, force bool) (Result, error) {
	mu := c.envMutex(d.Name)
	mu.Lock()
	defer mu.Unlock()

	lock, err := acquireEnvLock(c.lockDir, d.Name)
	if err != nil && !errors.Is(err, errFlockUnavailable) {
		return Result{}, newBuildFailure(d.Name, "acquire build lock", err)
	}
	defer lock.Release()

	if !force {
		// Another caller or process may have finished the build while we waited.
		c.refreshFromStore(ctx)
		if rec, ok := c.table.Get(d.Name); ok && rec.Fresh(hash) {
			return Result{Record: rec}, nil
		}
	}

	bc, err := prepareBuildContext(d, c.contextDir)
	if err != nil {
		c.metrics.ObserveBuild(d.Name, OutcomeFailed, 0)
		return Result{}, newBuildFailure(d.Name, "prepare build context", err)
	}
	defer bc.cleanup()

	builtAt := c.clock.Now().UTC()
	opts := bc.opts
	opts.Tag = ImageTag(d.Name, hash)
	opts.NoCache = force
	opts.Labels = map[string]string{
		LabelEnvironment:  d.Name,
		LabelManifestHash: hash,
		LabelBuiltAt:      builtAt.Format(time.RFC3339Nano),
	}
	opts.Stdout = c.output
	opts.Stderr = c.output

	c.logger.Info("building environment", "env", d.Name, "image", opts.Tag, "hash", hash[:tagHashLen], "forced", force)
	start := time.Now()
	if err := c.engine.Build(ctx, opts); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		c.metrics.ObserveBuild(d.Name, OutcomeFailed, time.Since(start))
		c.logger.Error("build failed", "env", d.Name, "image", opts.Tag, "error", err)
		return Result{}, newBuildFailure(d.Name, "image build failed", err)
	}
	elapsed := time.Since(start)
	c.metrics.ObserveBuild(d.Name, OutcomeBuilt, elapsed)

	rec := buildstate.Record{
		Environment:  d.Name,
		ManifestHash: hash,
		BuiltAt:      builtAt,
		ImageRef:     opts.Tag,
	}
	c.table.Put(rec)
	if c.store != nil {
		if err := c.store.Save(ctx, rec); err != nil {
			c.logger.Warn("failed to persist build record", "env", d.Name, "error", err)
		}
	}
	c.logger.Info("environment built", "env", d.Name, "image", rec.ImageRef, "duration", elapsed.Round(time.Millisecond))

	return Result{Record: rec, Built: true}, nil
}

func (c *Coordinator) envMutex(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.envLocks[name]
	if !ok {
		mu = &sync.Mutex{}
		c.envLocks[name] = mu
	}
	return mu
}

func (c *Coordinator) refreshFromStore(ctx context.Context) {
	if c.store == nil {
		return
	}
	records, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn("failed to reload build records", "error", err)
		return
	}
	c.table.Seed(records...)
}

// Reseed rebuilds the table from persisted records and labelled images. The
// newest image per environment wins. Persisted records whose image is gone
// are dropped from the table and the store. When the image scan fails the
// persisted records are seeded unfiltered and the scan error is returned.
func (c *Coordinator) Reseed(ctx context.Context) error {
	var records []buildstate.Record
	if c.store != nil {
		var err error
		records, err = c.store.Load(ctx)
		if err != nil {
			c.logger.Warn("failed to load build records", "error", err)
		}
	}

	var images []container.ImageInfo
	err := container.RetryWithBackoff(ctx, reseedAttempts, reseedBackoff, func(int) (bool, error) {
		var err error
		images, err = c.engine.ListImages(ctx, LabelEnvironment)
		return container.IsTransientError(err), err
	})
	if err != nil {
		c.table.Seed(records...)
		c.logger.Debug("build records reseeded without image scan", "records", c.table.Len())
		return fmt.Errorf("scan environment images: %w", err)
	}

	present := make(map[string]bool, len(images))
	scanned := make([]buildstate.Record, 0, len(images))
	for _, img := range images {
		present[img.Ref] = true
		if rec, ok := recordFromImage(img); ok {
			scanned = append(scanned, rec)
		}
	}

	persisted := make([]buildstate.Record, 0, len(records))
	for _, rec := range records {
		if present[rec.ImageRef] {
			persisted = append(persisted, rec)
			continue
		}
		c.logger.Debug("dropping record of removed image", "env", rec.Environment, "image", rec.ImageRef)
		if err := c.store.Delete(ctx, rec.Environment); err != nil {
			c.logger.Warn("failed to delete build record", "env", rec.Environment, "error", err)
		}
	}

	c.table.Seed(persisted...)
	c.table.Seed(scanned...)
	c.logger.Debug("build records reseeded", "records", c.table.Len(), "images", len(images))
	return nil
}

// recordFromImage rebuilds a record from an image's labels.
func recordFromImage(img container.ImageInfo) (buildstate.Record, bool) {
	env := img.Labels[LabelEnvironment]
	hash := img.Labels[LabelManifestHash]
	if env == "" || hash == "" || img.Ref == "" {
		return buildstate.Record{}, false
	}
	builtAt, err := time.Parse(time.RFC3339Nano, img.Labels[LabelBuiltAt])
	if err != nil {
		builtAt = img.Created
	}
	return buildstate.Record{
		Environment:  env,
		ManifestHash: hash,
		BuiltAt:      builtAt,
		ImageRef:     img.Ref,
	}, true
}

// Prune removes labelled images that are not the current record of their
// environment and returns the removed references.
func (c *Coordinator) Prune(ctx context.Context) ([]string, error) {
	images, err := c.engine.ListImages(ctx, LabelEnvironment)
	if err != nil {
		return nil, fmt.Errorf("scan environment images: %w", err)
	}

	var (
		removed []string
		errs    []error
	)
	for _, img := range images {
		env := img.Labels[LabelEnvironment]
		if rec, ok := c.table.Get(env); ok && rec.ImageRef == img.Ref {
			continue
		}
		if err := c.engine.RemoveImage(ctx, img.Ref, false); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", img.Ref, err))
			continue
		}
		c.logger.Info("removed superseded image", "env", env, "image", img.Ref)
		removed = append(removed, img.Ref)
	}
	return removed, errors.Join(errs...)
}
