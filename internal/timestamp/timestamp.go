// Package timestamp normalizes per-track chunk timestamps before they
// reach the muxer, per the first-timestamp offset/passthrough behavior.
package timestamp

import "github.com/streamforge/encodeworker/internal/config"

// Track normalizes timestamps for one media track. Each track (video,
// audio) gets its own Track, matching the source's per-track (not
// shared-origin) first-timestamp semantics.
type Track struct {
	behavior config.FirstTimestampBehavior
	firstSet bool
	firstUs  int64
}

// NewTrack builds a Track for the given behavior.
func NewTrack(behavior config.FirstTimestampBehavior) *Track {
	return &Track{behavior: behavior}
}

// Normalize rewrites timestampUs according to the track's behavior. hasTS
// is false for missing/non-numeric timestamps, which pass through
// unchanged with no side effect.
func (t *Track) Normalize(timestampUs int64, hasTS bool) int64 {
	if !hasTS {
		return timestampUs
	}
	if t.behavior == config.FirstTimestampPassthrough {
		return timestampUs
	}

	if !t.firstSet {
		t.firstSet = true
		t.firstUs = timestampUs
		return 0
	}

	adjusted := timestampUs - t.firstUs
	if adjusted < 0 {
		return 0
	}
	return adjusted
}

// Reset clears the recorded first timestamp, for session reinitialization.
func (t *Track) Reset() {
	t.firstSet = false
	t.firstUs = 0
}
