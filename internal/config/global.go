// SPDX-License-Identifier: MPL-2.0

package config

// configDirOverride and cacheDirOverride let tests bypass os.UserHomeDir and
// os.UserCacheDir, which do not reliably respect HOME on every platform.
var (
	configDirOverride string
	cacheDirOverride  string
)

// Reset clears test overrides. Call from test cleanup to restore defaults.
func Reset() {
	configDirOverride = ""
	cacheDirOverride = ""
}

// SetConfigDirOverride sets a custom config directory path.
func SetConfigDirOverride(dir string) {
	configDirOverride = dir
}

// SetCacheDirOverride sets a custom cache directory path.
func SetCacheDirOverride(dir string) {
	cacheDirOverride = dir
}
