// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helpers shared by envrun's tests: a controllable
// clock, a limiter for real container work and file fixtures that fail the
// test on error.
package testutil
