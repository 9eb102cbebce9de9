// SPDX-License-Identifier: MPL-2.0

package build

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/envrun/envrun/pkg/envfile"
)

const (
	// TagRepoPrefix prefixes every environment image repository.
	TagRepoPrefix = "envrun/"
	// tagHashLen is the number of hash characters used in image tags.
	tagHashLen = 12
)

// installCommands maps manifest file names to the command that installs them.
// A %s verb is replaced by the manifest file name.
var installCommands = []struct {
	match   func(name string) bool
	command string
}{
	{matchRequirements, "pip install --no-cache-dir -r %s"},
	{exactly("pyproject.toml"), "pip install --no-cache-dir ."},
	{exactly("package.json"), "npm install --omit=dev"},
	{exactly("go.mod"), "go mod download"},
	{exactly("Gemfile"), "bundle install"},
	{exactly("environment.yml"), "conda env update -n base -f %s"},
	{exactly("environment.yaml"), "conda env update -n base -f %s"},
}

func matchRequirements(name string) bool {
	return strings.HasPrefix(name, "requirements") && strings.HasSuffix(name, ".txt")
}

func exactly(want string) func(string) bool {
	return func(name string) bool { return name == want }
}

// InstallCommand returns the command that installs d's manifest. An explicit
// Install wins; otherwise the command is derived from the manifest file name.
// The empty string means no default is known.
func InstallCommand(d envfile.Descriptor) string {
	if d.Install != "" {
		return d.Install
	}
	name := filepath.Base(d.Manifest)
	for _, ic := range installCommands {
		if ic.match(name) {
			if strings.Contains(ic.command, "%s") {
				return fmt.Sprintf(ic.command, name)
			}
			return ic.command
		}
	}
	return ""
}

// ManifestHash hashes every input that determines d's image: base image,
// install command, manifest content and custom Dockerfile content.
func ManifestHash(d envfile.Descriptor) (string, error) {
	h := sha256.New()

	fmt.Fprintf(h, "base:%s\n", d.Base)
	fmt.Fprintf(h, "install:%s\n", InstallCommand(d))

	manifestHash, err := calculateFileHash(d.Manifest)
	if err != nil {
		return "", fmt.Errorf("hash manifest: %w", err)
	}
	fmt.Fprintf(h, "manifest:%s:%s\n", filepath.Base(d.Manifest), manifestHash)

	if d.Dockerfile != "" {
		dfHash, err := calculateFileHash(d.Dockerfile)
		if err != nil {
			return "", fmt.Errorf("hash dockerfile: %w", err)
		}
		fmt.Fprintf(h, "dockerfile:%s\n", dfHash)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// ImageTag returns the image reference for an environment built from hash.
func ImageTag(name, hash string) string {
	if len(hash) > tagHashLen {
		hash = hash[:tagHashLen]
	}
	return TagRepoPrefix + name + ":" + hash
}

// calculateFileHash calculates the SHA256 hash of a file's contents.
func calculateFileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
