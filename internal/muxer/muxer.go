// Package muxer wraps the MP4 and WebM container libraries behind one
// uniform chunk-append + finalize interface, forwarding streaming-mode
// output as DataChunkEvents.
package muxer

import (
	"github.com/streamforge/encodeworker/internal/chunk"
	"github.com/streamforge/encodeworker/internal/config"
	"github.com/streamforge/encodeworker/internal/pipelineerr"
)

// Adapter is the common contract a container backend implements: append
// encoded chunks as they arrive, then produce (or finish streaming) the
// finished container.
type Adapter interface {
	AddVideoChunk(c chunk.Encoded) error
	AddAudioChunk(c chunk.Encoded) error
	// Finalize returns the complete container in batch mode, or nil in
	// streaming mode (the container was already streamed via DataChunk
	// events); it must still be called to write any trailing boxes.
	Finalize() ([]byte, error)
}

// Codec describes the negotiated codec tuple a Muxer is constructed with.
type Codec struct {
	VideoCodecString string
	AudioCodecString string
	Width, Height    int
	SampleRate       int
	Channels         int
}

// New builds the Adapter for container, wiring batch vs streaming output
// per cfg.LatencyMode. onDataChunk is only invoked in streaming mode.
func New(container config.Container, codecTuple Codec, disableAudio bool, latencyMode config.LatencyMode, onDataChunk func(chunk.DataChunkEvent)) (Adapter, error) {
	switch container {
	case config.ContainerWebM:
		return newWebM(codecTuple, disableAudio, latencyMode, onDataChunk), nil
	case config.ContainerMP4:
		return newMP4(codecTuple, disableAudio, latencyMode, onDataChunk), nil
	default:
		return nil, pipelineerr.ConfigurationErrorf(nil, "unknown container %q", container)
	}
}
