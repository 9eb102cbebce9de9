// SPDX-License-Identifier: MPL-2.0

// Package envfile defines the environment descriptor and the environment file
// that declares them.
//
// An environment file lists isolated dependency environments. Each entry names
// a dependency manifest, the base runtime image the manifest is installed on,
// the ports the environment may publish and the variables injected into every
// command run inside it:
//
//	environments: [
//		{name: "crewai", manifest: "envs/crewai/requirements.txt", base: "python:3.11-slim", ports: [8000]},
//		{name: "langchain", manifest: "envs/langchain/requirements.txt", base: "python:3.12-slim", ports: [8001]},
//	]
//
// The same document may be written as CUE (validated against an embedded
// schema), YAML or TOML; the format is chosen by file extension. Relative
// paths resolve against the file's directory, and env values go through POSIX
// parameter expansion against the host environment.
package envfile
