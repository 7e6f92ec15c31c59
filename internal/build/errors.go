package build

import "errors"

// ErrConfig marks a fatal startup misconfiguration (spec.md §7 ConfigError):
// invalid W/B, or BUFFER_LIMIT smaller than the largest candidate file.
// Detected before any image I/O begins.
var ErrConfig = errors.New("build: invalid configuration")
