// SPDX-License-Identifier: MPL-2.0

// Package container provides the isolation backend envrun builds and runs
// environments on.
//
// The Engine interface covers image builds, command runs, labelled image
// listing and cleanup. DockerEngine and PodmanEngine shell out to the
// respective CLI through BaseCLIEngine; APIEngine talks to the Docker Engine
// API directly. NewEngine selects an implementation with fallback when the
// preferred one is unavailable.
package container
