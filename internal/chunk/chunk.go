// Package chunk holds the wire-shaped data types that flow from encoder
// engines through the muxer to the host, shared by encoderdriver, muxer,
// and orchestrator so none of them needs to import another's package just
// for a struct definition.
package chunk

// Kind distinguishes a key (sync) chunk from a delta (predicted) chunk.
type Kind string

const (
	Key   Kind = "key"
	Delta Kind = "delta"
)

// Meta carries codec-specific out-of-band data alongside an encoded chunk,
// e.g. a decoder description (AVCC record, AudioSpecificConfig) that only
// accompanies the first chunk of a track.
type Meta struct {
	DecoderDescription []byte
}

// Encoded is one encoder output unit: one video picture or one audio
// access unit, plus its timing and type tag.
type Encoded struct {
	Kind        Kind
	TimestampUs int64
	DurationUs  int64 // 0 means "unknown"
	Data        []byte
	Meta        Meta
}

// DataChunkEvent is a streaming-mode container byte run forwarded to the
// host as soon as the muxer produces it.
type DataChunkEvent struct {
	Container string
	Chunk     []byte
	Offset    uint64
	IsHeader  bool
}
