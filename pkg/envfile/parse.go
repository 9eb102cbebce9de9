// SPDX-License-Identifier: MPL-2.0

package envfile

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/shell"

	"github.com/envrun/envrun/pkg/cueutil"
)

const (
	// FormatCUE is the CUE environment file format.
	FormatCUE Format = "cue"
	// FormatYAML is the YAML environment file format.
	FormatYAML Format = "yaml"
	// FormatTOML is the TOML environment file format.
	FormatTOML Format = "toml"

	// BaseName is the file name (without extension) searched by Discover.
	BaseName = "envrun"
)

//go:embed envfile_schema.cue
var schema []byte

// ErrNotFound is returned by Discover when no environment file exists.
var ErrNotFound = errors.New("no environment file found")

type (
	// Format identifies an environment file encoding.
	Format string

	// File is a parsed environment file.
	File struct {
		// Path is the absolute path the file was read from.
		Path         string       `json:"-" yaml:"-" toml:"-"`
		Environments []Descriptor `json:"environments" yaml:"environments" toml:"environments"`
	}

	// ParseOption tunes Parse.
	ParseOption func(*parseOptions)

	parseOptions struct {
		lookupEnv func(string) string
	}
)

// WithLookupEnv replaces os.Getenv for env value expansion.
func WithLookupEnv(fn func(string) string) ParseOption {
	return func(o *parseOptions) { o.lookupEnv = fn }
}

// FormatFor returns the format implied by path's extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%s: unsupported environment file extension (want .cue, .yaml, .yml or .toml)", path)
	}
}

// Discover returns the first of envrun.cue, envrun.yaml, envrun.yml and
// envrun.toml that exists in dir.
func Discover(dir string) (string, error) {
	for _, ext := range []string{".cue", ".yaml", ".yml", ".toml"} {
		candidate := filepath.Join(dir, BaseName+ext)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNotFound, dir)
}

// ParseFile reads and parses the environment file at path.
func ParseFile(path string, opts ...ParseOption) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read environment file: %w", err)
	}
	return Parse(abs, data, opts...)
}

// Parse decodes data as the environment file at path. Every entry is
// validated; the first invalid entry aborts parsing with an
// *InvalidDescriptorError naming its index and name.
func Parse(path string, data []byte, opts ...ParseOption) (*File, error) {
	o := parseOptions{lookupEnv: os.Getenv}
	for _, opt := range opts {
		opt(&o)
	}

	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}

	var f File
	switch format {
	case FormatCUE:
		res, err := cueutil.ParseAndDecode[File](schema, data, "#EnvFile", cueutil.WithFilename(path))
		if err != nil {
			return nil, err
		}
		f = *res.Value
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	f.Path = path

	if len(f.Environments) == 0 {
		return nil, fmt.Errorf("%s: environments: at least one environment is required", path)
	}

	dir := filepath.Dir(path)
	for i := range f.Environments {
		d := &f.Environments[i]
		if err := d.Validate(); err != nil {
			var ide *InvalidDescriptorError
			if errors.As(err, &ide) {
				ide.Index = i
				ide.Stage = StageLoad
			}
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := d.resolve(dir, o.lookupEnv); err != nil {
			return nil, fmt.Errorf("%s: %w", path, &InvalidDescriptorError{
				Name: d.Name, Index: i, Stage: StageLoad, FieldErrors: []error{err},
			})
		}
	}

	return &f, nil
}

// Names returns the environment names in file order.
func (f *File) Names() []string {
	names := make([]string, len(f.Environments))
	for i, d := range f.Environments {
		names[i] = d.Name
	}
	return names
}

// resolve anchors relative paths at dir and expands env values.
func (d *Descriptor) resolve(dir string, lookupEnv func(string) string) error {
	d.Manifest = absUnder(dir, d.Manifest)
	if d.Dockerfile != "" {
		d.Dockerfile = absUnder(dir, d.Dockerfile)
	}
	for _, k := range slices.Sorted(maps.Keys(d.Env)) {
		expanded, err := shell.Expand(d.Env[k], lookupEnv)
		if err != nil {
			return fmt.Errorf("env.%s: %w", k, err)
		}
		d.Env[k] = expanded
	}
	return nil
}

func absUnder(dir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(dir, p)
}
