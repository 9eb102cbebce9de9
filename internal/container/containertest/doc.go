// SPDX-License-Identifier: MPL-2.0

// Package containertest provides an in-memory container.Engine for tests of
// packages that build images and run commands through an engine.
package containertest
