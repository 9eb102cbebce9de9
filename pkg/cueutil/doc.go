// SPDX-License-Identifier: MPL-2.0

// Package cueutil holds the CUE decoding flow shared by the environment file
// parser and the configuration loader.
//
// Both callers embed a schema, unify the user's document with one root
// definition of that schema, validate it and decode it into a Go value:
//
//	//go:embed envfile_schema.cue
//	var schema []byte
//
//	res, err := cueutil.ParseAndDecode[File](schema, data, "#EnvFile",
//	    cueutil.WithFilename("envrun.cue"))
//
// Errors are rewritten so that every message starts with the file name and
// the JSON-style path of the offending field (environments[1].ports[0]).
package cueutil
