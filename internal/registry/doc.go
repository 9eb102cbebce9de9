// SPDX-License-Identifier: MPL-2.0

// Package registry holds the name-indexed set of environment descriptors.
//
// Registration enforces unique names, existing manifests and disjoint published
// ports. Descriptors are copied on the way in and out so a registered
// environment cannot be modified.
package registry
