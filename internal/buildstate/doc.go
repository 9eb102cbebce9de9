// SPDX-License-Identifier: MPL-2.0

// Package buildstate holds the BuildRecord table: one record per environment
// proving which manifest hash its current image was built from.
//
// The Table is the only shared mutable state of a running envrun process and
// is safe for concurrent use. A Store persists records between processes;
// SQLiteStore is the on-disk implementation.
package buildstate
