// SPDX-License-Identifier: MPL-2.0

package envfile

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
)

const (
	// StageLoad marks errors raised while reading the environment file.
	StageLoad Stage = "load"
	// StageRegister marks errors raised while registering a descriptor.
	StageRegister Stage = "register"
	// StageResolve marks errors raised while resolving a run request.
	StageResolve Stage = "resolve"
	// StageBuild marks errors raised while building an environment image.
	StageBuild Stage = "build"
	// StageExecute marks errors raised while executing a command.
	StageExecute Stage = "execute"

	maxPort = 65535
)

var (
	// ErrInvalidDescriptor is the sentinel wrapped by InvalidDescriptorError.
	ErrInvalidDescriptor = errors.New("invalid environment descriptor")

	namePattern   = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*$`)
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

type (
	// Stage names the point in a request's life where an error originated.
	Stage string

	// Descriptor declares one isolated dependency environment.
	Descriptor struct {
		// Name is the unique key of the environment. It becomes part of image
		// tags, so it is restricted to lowercase letters, digits, '.', '_' and '-'.
		Name string `json:"name" yaml:"name" toml:"name"`
		// Manifest is the path of the dependency manifest (requirements.txt,
		// pyproject.toml, package.json, ...).
		Manifest string `json:"manifest" yaml:"manifest" toml:"manifest"`
		// Base is the base runtime image reference the manifest is installed on.
		Base string `json:"base" yaml:"base" toml:"base"`
		// Ports are published (host port = container port) for interactive runs.
		Ports []int `json:"ports,omitempty" yaml:"ports,omitempty" toml:"ports,omitempty"`
		// Env is injected into every command run in the environment.
		Env map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
		// Install overrides the install command derived from the manifest name.
		Install string `json:"install,omitempty" yaml:"install,omitempty" toml:"install,omitempty"`
		// Dockerfile replaces the generated Dockerfile. It is built with the
		// manifest's directory as context.
		Dockerfile string `json:"dockerfile,omitempty" yaml:"dockerfile,omitempty" toml:"dockerfile,omitempty"`
	}

	// InvalidDescriptorError reports every problem found in one descriptor.
	InvalidDescriptorError struct {
		// Name is the descriptor name (may be empty when the name itself is missing).
		Name string
		// Index is the position in the environment file, or -1.
		Index int
		// Stage is StageLoad or StageRegister.
		Stage       Stage
		FieldErrors []error
	}
)

// Error implements the error interface.
func (e *InvalidDescriptorError) Error() string {
	var sb strings.Builder
	if e.Index >= 0 {
		fmt.Fprintf(&sb, "environments[%d]", e.Index)
		if e.Name != "" {
			fmt.Fprintf(&sb, " (%s)", e.Name)
		}
	} else {
		fmt.Fprintf(&sb, "environment %q", e.Name)
	}
	sb.WriteString(": ")
	sb.WriteString(ErrInvalidDescriptor.Error())
	for i, fe := range e.FieldErrors {
		if i == 0 {
			sb.WriteString(": ")
		} else {
			sb.WriteString("; ")
		}
		sb.WriteString(fe.Error())
	}
	return sb.String()
}

// Unwrap returns ErrInvalidDescriptor for errors.Is.
func (e *InvalidDescriptorError) Unwrap() error { return ErrInvalidDescriptor }

// Validate checks the descriptor fields that do not need the filesystem.
// It returns nil or an *InvalidDescriptorError with Index -1.
func (d Descriptor) Validate() error {
	var errs []error

	switch {
	case d.Name == "":
		errs = append(errs, errors.New("name: must not be empty"))
	case !namePattern.MatchString(d.Name):
		errs = append(errs, fmt.Errorf("name: %q must match %s", d.Name, namePattern))
	}
	if strings.TrimSpace(d.Manifest) == "" {
		errs = append(errs, errors.New("manifest: must not be empty"))
	}
	if strings.TrimSpace(d.Base) == "" {
		errs = append(errs, errors.New("base: must not be empty"))
	}

	seen := make(map[int]bool, len(d.Ports))
	for i, p := range d.Ports {
		if p < 1 || p > maxPort {
			errs = append(errs, fmt.Errorf("ports[%d]: %d out of range 1-%d", i, p, maxPort))
			continue
		}
		if seen[p] {
			errs = append(errs, fmt.Errorf("ports[%d]: duplicate port %d", i, p))
		}
		seen[p] = true
	}

	for _, k := range slices.Sorted(maps.Keys(d.Env)) {
		if !envKeyPattern.MatchString(k) {
			errs = append(errs, fmt.Errorf("env: invalid variable name %q", k))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return &InvalidDescriptorError{Name: d.Name, Index: -1, FieldErrors: errs}
}

// Clone returns a deep copy, so registered descriptors stay immutable.
func (d Descriptor) Clone() Descriptor {
	c := d
	c.Ports = slices.Clone(d.Ports)
	c.Env = maps.Clone(d.Env)
	return c
}

// PortSet returns the ports sorted ascending.
func (d Descriptor) PortSet() []int {
	ports := slices.Clone(d.Ports)
	slices.Sort(ports)
	return ports
}
