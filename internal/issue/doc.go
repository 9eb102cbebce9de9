// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable errors and a catalog of markdown help
// pages for the failures users most often hit: missing environment files,
// unknown environments, failed builds and missing container engines.
package issue
