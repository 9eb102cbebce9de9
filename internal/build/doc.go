// SPDX-License-Identifier: MPL-2.0

// Package build keeps environment images current.
//
// A Coordinator hashes an environment's build inputs (manifest content, base
// image, install command and custom Dockerfile), compares the hash with the
// environment's BuildRecord and builds a new image through a container.Engine
// when they differ. Builds of distinct environments run concurrently; builds
// of one environment are serialized within the process (singleflight plus a
// per-environment mutex) and, on Linux, across processes through an flock on
// <lock_dir>/<env>.lock.
//
// Images are tagged envrun/<name>:<hash[:12]> and carry the io.envrun.*
// labels, which Reseed uses to rebuild the record table at startup.
package build
