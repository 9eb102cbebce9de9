// SPDX-License-Identifier: MPL-2.0

package containertest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/envrun/envrun/internal/container"
)

// ErrNoSuchImage is returned by Run and RemoveImage for unknown images.
var ErrNoSuchImage = errors.New("no such image")

type (
	// BuildHook replaces the default build behavior. Returning nil records the
	// image as built.
	BuildHook func(ctx context.Context, opts container.BuildOptions) error

	// RunHook replaces the default run behavior (exit code 0).
	RunHook func(ctx context.Context, opts container.RunOptions) (*container.RunResult, error)

	// Engine is a concurrency-safe in-memory container.Engine. Built images
	// are kept in memory with their labels so that listing and removal behave
	// like a real engine.
	Engine struct {
		mu      sync.Mutex
		images  map[string]container.ImageInfo
		builds  []container.BuildOptions
		runs    []container.RunOptions
		removed []string

		// OnBuild, when set, runs for every Build call.
		OnBuild BuildHook
		// OnRun, when set, runs for every Run call whose image exists.
		OnRun RunHook
		// ListErr is returned by ListImages when set.
		ListErr error
		// Now timestamps built images; time.Now when nil.
		Now func() time.Time
	}
)

var _ container.Engine = (*Engine)(nil)

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	return &Engine{images: make(map[string]container.ImageInfo)}
}

// AddImage registers an existing image.
func (e *Engine) AddImage(ref string, labels map[string]string, created time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images[ref] = container.ImageInfo{Ref: ref, Labels: maps.Clone(labels), Created: created}
}

// Builds returns the options of every Build call, in call order.
func (e *Engine) Builds() []container.BuildOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.builds)
}

// BuildCount returns the number of Build calls.
func (e *Engine) BuildCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.builds)
}

// Runs returns the options of every Run call, in call order.
func (e *Engine) Runs() []container.RunOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.runs)
}

// Removed returns the containers passed to Remove.
func (e *Engine) Removed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.removed)
}

// Name returns "fake".
func (e *Engine) Name() string { return "fake" }

// Available always reports true.
func (e *Engine) Available() bool { return true }

// Version returns a fixed version.
func (e *Engine) Version(context.Context) (string, error) { return "0.0.0-fake", nil }

// Build records opts, runs OnBuild and stores the image on success.
func (e *Engine) Build(ctx context.Context, opts container.BuildOptions) error {
	e.mu.Lock()
	e.builds = append(e.builds, opts)
	hook := e.OnBuild
	e.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, opts); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	e.AddImage(opts.Tag, opts.Labels, now())
	return nil
}

// Run records opts and runs OnRun. Running an unknown image fails.
func (e *Engine) Run(ctx context.Context, opts container.RunOptions) (*container.RunResult, error) {
	e.mu.Lock()
	e.runs = append(e.runs, opts)
	_, ok := e.images[opts.Image]
	hook := e.OnRun
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("run %s: %w", opts.Image, ErrNoSuchImage)
	}
	if hook != nil {
		return hook(ctx, opts)
	}
	return &container.RunResult{ContainerID: opts.Name}, nil
}

// Remove records the container name.
func (e *Engine) Remove(_ context.Context, containerID string, _ bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, containerID)
	return nil
}

// ImageExists reports whether ref was built or added.
func (e *Engine) ImageExists(_ context.Context, ref string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.images[ref]
	return ok, nil
}

// ListImages returns images carrying label, sorted by reference.
func (e *Engine) ListImages(_ context.Context, label string) ([]container.ImageInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ListErr != nil {
		return nil, e.ListErr
	}
	var out []container.ImageInfo
	for _, img := range e.images {
		if _, ok := img.Labels[label]; ok {
			img.Labels = maps.Clone(img.Labels)
			out = append(out, img)
		}
	}
	slices.SortFunc(out, func(a, b container.ImageInfo) int { return cmp.Compare(a.Ref, b.Ref) })
	return out, nil
}

// RemoveImage deletes ref.
func (e *Engine) RemoveImage(_ context.Context, ref string, _ bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.images[ref]; !ok {
		return fmt.Errorf("remove %s: %w", ref, ErrNoSuchImage)
	}
	delete(e.images, ref)
	return nil
}
