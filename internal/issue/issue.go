// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"cmp"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/slices"
)

type Id int

const (
	EnvFileNotFoundId Id = iota + 1
	EnvFileParseErrorId
	ConfigLoadFailedId
	InvalidDescriptorId
	DuplicateEnvironmentId
	UnknownEnvironmentId
	ContainerEngineNotFoundId
	BuildFailedId
	ExecutionFailedId
	CancelledId
)

type MarkdownMsg string

type HttpLink string

type Issue struct {
	id       Id          // ID used to lookup the issue
	mdMsg    MarkdownMsg // Markdown text that will be rendered
	docLinks []HttpLink  // project documentation for the issue
	extLinks []HttpLink  // external links that might be useful for the user
}

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

func (i *Issue) Render(stylePath string) (string, error) {
	md := string(i.mdMsg)
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		md += "\n\n## See also\n"
		for _, link := range i.docLinks {
			md += "- [" + string(link) + "](" + string(link) + ")\n"
		}
		for _, link := range i.extLinks {
			md += "- [" + string(link) + "](" + string(link) + ")\n"
		}
	}
	return render(md, stylePath)
}

var (
	render = glamour.Render

	envFileNotFoundIssue = &Issue{
		id: EnvFileNotFoundId,
		mdMsg: `
# No environment file found!

envrun looks for one of these files in the current directory:

1. envrun.cue
2. envrun.yaml / envrun.yml
3. envrun.toml

## Things you can try:
- Point envrun at a file explicitly:
~~~
$ envrun --envfile ./path/to/envrun.cue ls
~~~

- Or create one:
~~~cue
environments: [
  {
    name:     "crewai"
    manifest: "requirements-crewai.txt"
    base:     "python:3.11-slim"
    ports: [8000]
  },
]
~~~`,
	}

	envFileParseErrorIssue = &Issue{
		id: EnvFileParseErrorId,
		mdMsg: `
# Failed to parse the environment file!

The environment file could not be decoded or did not match the schema.

## Common causes:
- A required field is missing (` + "`name`, `manifest`, `base`" + `)
- A field name is misspelled; unknown fields are rejected
- The environment list is empty

## Things you can try:
- Validate the file on its own:
~~~
$ envrun validate
~~~`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration!

The configuration file exists but could not be read or validated.

## Things you can try:
- Check ~/.config/envrun/config.cue for syntax errors
- Use a different file with ` + "`--config`" + `
- Override single keys with ENVRUN_* environment variables, e.g.
~~~
$ ENVRUN_CONTAINER_ENGINE=podman envrun ls
~~~`,
	}

	invalidDescriptorIssue = &Issue{
		id: InvalidDescriptorId,
		mdMsg: `
# Invalid environment descriptor!

An environment entry failed validation and could not be registered.

## Rules:
- Names are lowercase and start with a letter or digit
- The manifest file must exist (relative paths resolve from the environment file)
- Ports are between 1 and 65535 and no two environments may publish the same port`,
	}

	duplicateEnvironmentIssue = &Issue{
		id: DuplicateEnvironmentId,
		mdMsg: `
# Duplicate environment!

Two entries in the environment file share the same name. The first one is kept.

## Things you can try:
- Rename one of the entries
- Remove the stale copy`,
	}

	unknownEnvironmentIssue = &Issue{
		id: UnknownEnvironmentId,
		mdMsg: `
# Unknown environment!

The requested environment is not declared in the environment file.

## Things you can try:
- List the declared environments:
~~~
$ envrun ls
~~~`,
	}

	containerEngineNotFoundIssue = &Issue{
		id: ContainerEngineNotFoundId,
		mdMsg: `
# Container engine not found!

envrun builds and runs every environment in a container, which requires Docker or Podman.

## Things you can try:
- Install Docker or Podman and make sure it is in your PATH
- Choose the engine explicitly:
~~~
$ envrun --engine podman ls
~~~
- Talk to the Docker daemon directly without the CLI:
~~~
$ envrun --engine docker-api ls
~~~`,
		extLinks: []HttpLink{
			"https://docs.docker.com/get-docker/",
			"https://podman.io/getting-started/installation",
		},
	}

	buildFailedIssue = &Issue{
		id: BuildFailedId,
		mdMsg: `
# Environment build failed!

The image for the environment could not be built. Nothing was executed.

## Common causes:
- A package in the manifest does not resolve against the base image
- The base image tag does not exist
- The install command exits non-zero

## Things you can try:
- Rebuild with output shown:
~~~
$ envrun --verbose build <environment>
~~~`,
	}

	executionFailedIssue = &Issue{
		id: ExecutionFailedId,
		mdMsg: `
# Failed to launch the command!

The command could not be started inside the environment. A command that started
and exited non-zero is not reported here; its exit code is passed through.

## Common causes:
- The container engine stopped responding
- The image was removed after it was built
- A published port is already in use on the host`,
	}

	cancelledIssue = &Issue{
		id: CancelledId,
		mdMsg: `
# Run cancelled!

The run was interrupted. The container was stopped and removed, releasing its ports.`,
	}

	issues = map[Id]*Issue{
		envFileNotFoundIssue.Id():         envFileNotFoundIssue,
		envFileParseErrorIssue.Id():       envFileParseErrorIssue,
		configLoadFailedIssue.Id():        configLoadFailedIssue,
		invalidDescriptorIssue.Id():       invalidDescriptorIssue,
		duplicateEnvironmentIssue.Id():    duplicateEnvironmentIssue,
		unknownEnvironmentIssue.Id():      unknownEnvironmentIssue,
		containerEngineNotFoundIssue.Id(): containerEngineNotFoundIssue,
		buildFailedIssue.Id():             buildFailedIssue,
		executionFailedIssue.Id():         executionFailedIssue,
		cancelledIssue.Id():               cancelledIssue,
	}
)

// Values returns every catalog entry ordered by Id.
func Values() []*Issue {
	out := make([]*Issue, 0, len(issues))
	for _, i := range issues {
		out = append(out, i)
	}
	slices.SortFunc(out, func(a, b *Issue) int {
		return cmp.Compare(a.id, b.id)
	})
	return out
}

func Get(id Id) *Issue {
	return issues[id]
}
