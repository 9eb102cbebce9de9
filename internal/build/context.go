// SPDX-License-Identifier: MPL-2.0

package build

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/envrun/envrun/internal/container"
	"github.com/envrun/envrun/pkg/envfile"
)

const (
	// manifestDir is where the manifest is copied inside generated images.
	manifestDir = "/opt/envrun"

	// BuildArgManifest carries the manifest file name into custom Dockerfiles.
	BuildArgManifest = "ENVRUN_MANIFEST"
	// BuildArgBase carries the base image reference into custom Dockerfiles.
	BuildArgBase = "ENVRUN_BASE"
)

// errNoInstallCommand is returned for manifests without a known installer.
var errNoInstallCommand = errors.New("no install command known for manifest; set install in the environment file")

// buildContext is a prepared docker build context.
type buildContext struct {
	opts    container.BuildOptions
	cleanup func()
}

// prepareBuildContext returns the build options for d. A descriptor with a
// custom Dockerfile is built in place with the manifest's directory as
// context; otherwise a temporary context holding the manifest and a
// generated Dockerfile is created under parent.
func prepareBuildContext(d envfile.Descriptor, parent string) (*buildContext, error) {
	args := map[string]string{
		BuildArgManifest: filepath.Base(d.Manifest),
		BuildArgBase:     d.Base,
	}

	if d.Dockerfile != "" {
		return &buildContext{
			opts: container.BuildOptions{
				ContextDir: filepath.Dir(d.Manifest),
				Dockerfile: d.Dockerfile,
				BuildArgs:  args,
			},
			cleanup: func() {},
		}, nil
	}

	install := InstallCommand(d)
	if install == "" {
		return nil, errNoInstallCommand
	}

	if parent == "" {
		parent = os.TempDir()
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create build context parent directory: %w", err)
	}
	tmpDir, err := os.MkdirTemp(parent, "ctx-"+d.Name+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	cleanup := func() {
		_ = os.RemoveAll(tmpDir)
	}

	if err := copyFile(d.Manifest, filepath.Join(tmpDir, filepath.Base(d.Manifest))); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to copy manifest: %w", err)
	}

	dockerfilePath := filepath.Join(tmpDir, "Dockerfile")
	if err := os.WriteFile(dockerfilePath, []byte(generateDockerfile(d, install)), 0o644); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to write Dockerfile: %w", err)
	}

	return &buildContext{
		opts: container.BuildOptions{
			ContextDir: tmpDir,
			Dockerfile: dockerfilePath,
			BuildArgs:  args,
		},
		cleanup: cleanup,
	}, nil
}

// generateDockerfile creates the Dockerfile content for an environment image.
func generateDockerfile(d envfile.Descriptor, install string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "FROM %s\n\n", d.Base)
	fmt.Fprintf(&sb, "# envrun environment %s\n", d.Name)
	fmt.Fprintf(&sb, "WORKDIR %s\n", manifestDir)
	fmt.Fprintf(&sb, "COPY %s %s/\n", filepath.Base(d.Manifest), manifestDir)
	fmt.Fprintf(&sb, "RUN %s\n", install)
	// Commands run from the mounted workdir, not from the install directory.
	sb.WriteString("WORKDIR /\n")

	return sb.String()
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) (err error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := dstFile.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	_, err = io.Copy(dstFile, srcFile)
	return err
}
