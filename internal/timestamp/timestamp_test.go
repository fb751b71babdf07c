package timestamp

import (
	"testing"

	"github.com/streamforge/encodeworker/internal/config"
)

func TestOffsetModeFirstChunkIsZero(t *testing.T) {
	tr := NewTrack(config.FirstTimestampOffset)
	if got := tr.Normalize(5_000, true); got != 0 {
		t.Errorf("first chunk = %d, want 0", got)
	}
	if got := tr.Normalize(15_000, true); got != 10_000 {
		t.Errorf("second chunk = %d, want 10000", got)
	}
}

func TestOffsetModeClampsAtZero(t *testing.T) {
	tr := NewTrack(config.FirstTimestampOffset)
	tr.Normalize(10_000, true)
	if got := tr.Normalize(5_000, true); got != 0 {
		t.Errorf("out-of-order chunk = %d, want clamped to 0", got)
	}
}

func TestPassthroughModeUnchanged(t *testing.T) {
	tr := NewTrack(config.FirstTimestampPassthrough)
	if got := tr.Normalize(5_000, true); got != 5_000 {
		t.Errorf("passthrough first = %d, want 5000", got)
	}
	if got := tr.Normalize(15_000, true); got != 15_000 {
		t.Errorf("passthrough second = %d, want 15000", got)
	}
}

func TestMissingTimestampPassesThroughWithoutSideEffect(t *testing.T) {
	tr := NewTrack(config.FirstTimestampOffset)
	if got := tr.Normalize(999, false); got != 999 {
		t.Errorf("missing timestamp = %d, want unchanged", got)
	}
	// The missing timestamp must not have been recorded as "first".
	if got := tr.Normalize(5_000, true); got != 0 {
		t.Errorf("first real chunk = %d, want 0", got)
	}
}
