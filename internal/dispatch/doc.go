// SPDX-License-Identifier: MPL-2.0

// Package dispatch routes run requests to their environment.
//
// A request moves through Pending, Resolving, Building and Executing to
// Completed or Failed. Building is always entered; a cache hit passes through
// it without work. The command's exit code is returned unchanged: a non-zero
// exit is a successful dispatch. Cancelling the request context stops the
// command and force-removes its container, releasing published ports, before
// Run returns a CancelledError.
package dispatch
