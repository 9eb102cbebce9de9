// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"

	"github.com/envrun/envrun/pkg/envfile"
)

type (
	// StatFunc reports file metadata. It matches os.Stat.
	StatFunc func(name string) (fs.FileInfo, error)

	// Option configures a Registry.
	Option func(*Registry)

	// Registry is a concurrency-safe, name-indexed set of descriptors.
	Registry struct {
		mu    sync.RWMutex
		envs  map[string]envfile.Descriptor
		ports map[int]string // published port -> owning environment
		stat  StatFunc
	}
)

// WithStat replaces the manifest existence check.
func WithStat(fn StatFunc) Option {
	return func(r *Registry) { r.stat = fn }
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		envs:  make(map[string]envfile.Descriptor),
		ports: make(map[int]string),
		stat:  os.Stat,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds d. It fails with *DuplicateEnvironmentError when the name is
// taken and with *envfile.InvalidDescriptorError when d does not validate, its
// manifest does not exist or one of its ports is already published by another
// environment. A failed registration leaves the registry unchanged.
func (r *Registry) Register(d envfile.Descriptor) error {
	if err := d.Validate(); err != nil {
		var ide *envfile.InvalidDescriptorError
		if errors.As(err, &ide) {
			ide.Stage = envfile.StageRegister
		}
		return err
	}

	var fieldErrs []error
	if err := r.checkFile("manifest", d.Manifest); err != nil {
		fieldErrs = append(fieldErrs, err)
	}
	if d.Dockerfile != "" {
		if err := r.checkFile("dockerfile", d.Dockerfile); err != nil {
			fieldErrs = append(fieldErrs, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.envs[d.Name]; exists {
		return &DuplicateEnvironmentError{Name: d.Name, Stage: envfile.StageRegister}
	}

	for _, p := range d.PortSet() {
		if owner, taken := r.ports[p]; taken {
			fieldErrs = append(fieldErrs, fmt.Errorf("ports: %d is already published by environment %q", p, owner))
		}
	}
	if len(fieldErrs) > 0 {
		return &envfile.InvalidDescriptorError{
			Name:        d.Name,
			Index:       -1,
			Stage:       envfile.StageRegister,
			FieldErrors: fieldErrs,
		}
	}

	r.envs[d.Name] = d.Clone()
	for _, p := range d.Ports {
		r.ports[p] = d.Name
	}
	return nil
}

// RegisterFile registers every descriptor of f in file order and stops at the
// first failure. Errors for invalid entries carry the entry's index.
func (r *Registry) RegisterFile(f *envfile.File) error {
	for i, d := range f.Environments {
		if err := r.Register(d); err != nil {
			var ide *envfile.InvalidDescriptorError
			if errors.As(err, &ide) {
				ide.Index = i
			}
			return err
		}
	}
	return nil
}

// Lookup returns a copy of the descriptor registered under name.
func (r *Registry) Lookup(name string) (envfile.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.envs[name]
	if !ok {
		return envfile.Descriptor{}, &UnknownEnvironmentError{
			Name:  name,
			Stage: envfile.StageResolve,
			Known: r.namesLocked(),
		}
	}
	return d.Clone(), nil
}

// List returns copies of all descriptors sorted by name.
func (r *Registry) List() []envfile.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]envfile.Descriptor, 0, len(r.envs))
	for _, name := range r.namesLocked() {
		out = append(out, r.envs[name].Clone())
	}
	return out
}

// Names returns the registered names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

// Len returns the number of registered environments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.envs)
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.envs))
	for name := range r.envs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) checkFile(field, path string) error {
	info, err := r.stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %s does not exist", field, path)
		}
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %s is a directory", field, path)
	}
	return nil
}
