// SPDX-License-Identifier: MPL-2.0

// Package config handles application configuration using Viper with CUE as the file format.
//
// Configuration is loaded from ~/.config/envrun/config.cue (XDG_CONFIG_HOME on Linux,
// ~/Library/Application Support/envrun/config.cue on macOS, %APPDATA%\envrun\config.cue
// on Windows) or from the file named by --config. The file is validated against the
// embedded config_schema.cue; any key can be overridden with an ENVRUN_* environment
// variable where dots become underscores (ENVRUN_BUILD_LOCK_DIR).
package config
