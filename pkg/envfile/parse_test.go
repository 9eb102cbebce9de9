// SPDX-License-Identifier: MPL-2.0

package envfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleCUE = `
environments: [
	{
		name:     "crewai"
		manifest: "envs/crewai/requirements.txt"
		base:     "python:3.11-slim"
		ports: [8000]
		env: {OPENAI_API_KEY: "${OPENAI_API_KEY:-unset}", MODE: "crew"}
	},
	{
		name:     "langchain"
		manifest: "/abs/langchain/pyproject.toml"
		base:     "python:3.12-slim"
		ports: [8001, 8501]
	},
]
`

const sampleYAML = `
environments:
  - name: crewai
    manifest: envs/crewai/requirements.txt
    base: python:3.11-slim
    ports: [8000]
    env:
      OPENAI_API_KEY: ${OPENAI_API_KEY:-unset}
  - name: langchain
    manifest: envs/langchain/requirements.txt
    base: python:3.12-slim
    install: pip install --no-cache-dir -r requirements.txt
`

const sampleTOML = `
[[environments]]
name = "crewai"
manifest = "envs/crewai/requirements.txt"
base = "python:3.11-slim"
ports = [8000]

[environments.env]
OPENAI_API_KEY = "${OPENAI_API_KEY:-unset}"

[[environments]]
name = "langchain"
manifest = "envs/langchain/requirements.txt"
base = "python:3.12-slim"
`

func lookupNone(string) string { return "" }

func TestParse_Formats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		data string
	}{
		{"cue", "/proj/envrun.cue", sampleCUE},
		{"yaml", "/proj/envrun.yaml", sampleYAML},
		{"yml", "/proj/envrun.yml", sampleYAML},
		{"toml", "/proj/envrun.toml", sampleTOML},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f, err := Parse(tt.file, []byte(tt.data), WithLookupEnv(lookupNone))
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			if got := strings.Join(f.Names(), ","); got != "crewai,langchain" {
				t.Fatalf("names = %q", got)
			}
			crew := f.Environments[0]
			if want := filepath.Join("/proj", "envs", "crewai", "requirements.txt"); crew.Manifest != want {
				t.Errorf("manifest = %q, want %q", crew.Manifest, want)
			}
			if crew.Env["OPENAI_API_KEY"] != "unset" {
				t.Errorf("expanded env = %q, want %q", crew.Env["OPENAI_API_KEY"], "unset")
			}
			if len(crew.Ports) != 1 || crew.Ports[0] != 8000 {
				t.Errorf("ports = %v", crew.Ports)
			}
			if f.Path != tt.file {
				t.Errorf("path = %q", f.Path)
			}
		})
	}
}

func TestParse_AbsoluteManifestKept(t *testing.T) {
	t.Parallel()

	f, err := Parse("/proj/envrun.cue", []byte(sampleCUE), WithLookupEnv(lookupNone))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got := f.Environments[1].Manifest; got != "/abs/langchain/pyproject.toml" {
		t.Errorf("manifest = %q", got)
	}
}

func TestParse_EnvExpansionUsesLookup(t *testing.T) {
	t.Parallel()

	lookup := func(k string) string {
		if k == "OPENAI_API_KEY" {
			return "sk-test"
		}
		return ""
	}
	f, err := Parse("/proj/envrun.yaml", []byte(sampleYAML), WithLookupEnv(lookup))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got := f.Environments[0].Env["OPENAI_API_KEY"]; got != "sk-test" {
		t.Errorf("OPENAI_API_KEY = %q", got)
	}
}

func TestParse_InvalidEntryIsNamed(t *testing.T) {
	t.Parallel()

	data := `
environments:
  - name: crewai
    manifest: requirements.txt
    base: python:3.11-slim
  - name: langchain
    manifest: requirements.txt
    base: ""
    ports: [8000, 8000]
`
	_, err := Parse("/proj/envrun.yaml", []byte(data), WithLookupEnv(lookupNone))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("error should wrap ErrInvalidDescriptor: %v", err)
	}
	var ide *InvalidDescriptorError
	if !errors.As(err, &ide) {
		t.Fatalf("expected *InvalidDescriptorError, got %T", err)
	}
	if ide.Index != 1 || ide.Name != "langchain" || ide.Stage != StageLoad {
		t.Errorf("got index=%d name=%q stage=%q", ide.Index, ide.Name, ide.Stage)
	}
	msg := err.Error()
	for _, want := range []string{"environments[1] (langchain)", "base", "duplicate port 8000"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q should contain %q", msg, want)
		}
	}
}

func TestParse_CUESchemaRejectsUnknownField(t *testing.T) {
	t.Parallel()

	data := `environments: [{name: "a", manifest: "m.txt", base: "b", image: "x"}]`
	if _, err := Parse("/proj/envrun.cue", []byte(data)); err == nil {
		t.Fatal("expected schema error for unknown field")
	}
}

func TestParse_RejectsMalformedImageName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		data string
	}{
		{"cue trailing hyphen", "/proj/envrun.cue", `environments: [{name: "crew-", manifest: "m.txt", base: "b"}]`},
		{"cue repeated dots", "/proj/envrun.cue", `environments: [{name: "a..b", manifest: "m.txt", base: "b"}]`},
		{"yaml mixed separators", "/proj/envrun.yaml", "environments:\n  - name: a__-b\n    manifest: m.txt\n    base: b\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse(tt.path, []byte(tt.data)); err == nil {
				t.Fatal("expected an error for a name that is not a valid image name")
			}
		})
	}
}

func TestParse_YAMLRejectsUnknownField(t *testing.T) {
	t.Parallel()

	data := "environments:\n  - name: a\n    manifest: m.txt\n    base: b\n    image: x\n"
	if _, err := Parse("/proj/envrun.yaml", []byte(data)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParse_EmptyEnvironments(t *testing.T) {
	t.Parallel()

	if _, err := Parse("/proj/envrun.yaml", []byte("environments: []\n")); err == nil {
		t.Fatal("expected error for empty environment list")
	}
}

func TestParse_UnsupportedExtension(t *testing.T) {
	t.Parallel()

	if _, err := Parse("/proj/envrun.json", []byte("{}")); err == nil {
		t.Fatal("expected error for .json")
	}
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := Discover(dir); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty dir: got %v, want ErrNotFound", err)
	}

	for _, name := range []string{"envrun.toml", "envrun.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(""), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover() error: %v", err)
	}
	if filepath.Base(got) != "envrun.yaml" {
		t.Errorf("Discover() = %q, want envrun.yaml to win over envrun.toml", got)
	}
}

func TestParseFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "envrun.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := ParseFile(path, WithLookupEnv(lookupNone))
	if err != nil {
		t.Fatalf("ParseFile() error: %v", err)
	}
	if want := filepath.Join(dir, "envs", "crewai", "requirements.txt"); f.Environments[0].Manifest != want {
		t.Errorf("manifest = %q, want %q", f.Environments[0].Manifest, want)
	}
}

func TestParseFile_AgentsExample(t *testing.T) {
	t.Parallel()

	path := filepath.Join("..", "..", "examples", "agents", "envrun.cue")
	f, err := ParseFile(path, WithLookupEnv(func(string) string { return "" }))
	if err != nil {
		t.Fatalf("ParseFile(%s) error: %v", path, err)
	}
	if got := strings.Join(f.Names(), ","); got != "crewai,langchain" {
		t.Errorf("Names() = %q", got)
	}
	for _, d := range f.Environments {
		if _, err := os.Stat(d.Manifest); err != nil {
			t.Errorf("%s: manifest %s: %v", d.Name, d.Manifest, err)
		}
		if d.Env["OPENAI_API_KEY"] != "" {
			t.Errorf("%s: OPENAI_API_KEY = %q, want empty default", d.Name, d.Env["OPENAI_API_KEY"])
		}
	}
	if ports := f.Environments[1].PortSet(); len(ports) != 1 || ports[0] != 8000 {
		t.Errorf("langchain ports = %v, want [8000]", ports)
	}
}
