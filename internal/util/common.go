package util

import "time"

// Common timeout durations shared across the pipeline's network-facing code.
const (
	DefaultFetchTimeout   = 5 * time.Second
	DefaultConnectTimeout = 3 * time.Second
	ShortTimeout          = 2 * time.Second
)
