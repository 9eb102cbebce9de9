// SPDX-License-Identifier: MPL-2.0

package build

import "errors"

// errFlockUnavailable means no cross-process lock is taken: the platform has
// no usable flock or no lock directory is configured.
var errFlockUnavailable = errors.New("flock not available")
