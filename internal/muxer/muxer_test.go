package muxer

import (
	"testing"

	"github.com/streamforge/encodeworker/internal/chunk"
	"github.com/streamforge/encodeworker/internal/config"
	"github.com/streamforge/encodeworker/internal/pipelineerr"
)

func TestNewRejectsUnknownContainer(t *testing.T) {
	_, err := New(config.Container("flv"), Codec{}, false, config.LatencyModeQuality, nil)
	pe, ok := pipelineerr.As(err)
	if !ok || pe.Kind != pipelineerr.ConfigurationError {
		t.Fatalf("got %v, want ConfigurationError", err)
	}
}

func annexBKeyFrame() []byte {
	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	idr := []byte{0x65, 0x88, 0x84, 0x00}
	startCode := []byte{0x00, 0x00, 0x00, 0x01}
	var out []byte
	for _, nalu := range [][]byte{sps, pps, idr} {
		out = append(out, startCode...)
		out = append(out, nalu...)
	}
	return out
}

func annexBDeltaFrame() []byte {
	slice := []byte{0x41, 0x9a, 0x24, 0x6c}
	return append([]byte{0x00, 0x00, 0x00, 0x01}, slice...)
}

func TestMP4BatchModeProducesSingleBufferWithFtyp(t *testing.T) {
	var events []chunk.DataChunkEvent
	adapter, err := New(config.ContainerMP4, Codec{
		VideoCodecString: "avc1.42001f",
		AudioCodecString: "mp4a.40.2",
		Width:            640, Height: 480,
		SampleRate: 48000, Channels: 2,
	}, false, config.LatencyModeQuality, func(e chunk.DataChunkEvent) { events = append(events, e) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := adapter.AddVideoChunk(chunk.Encoded{Kind: chunk.Key, TimestampUs: 0, Data: annexBKeyFrame()}); err != nil {
		t.Fatalf("AddVideoChunk key: %v", err)
	}
	if err := adapter.AddAudioChunk(chunk.Encoded{Kind: chunk.Key, TimestampUs: 0, Data: []byte{0xaa, 0xbb}}); err != nil {
		t.Fatalf("AddAudioChunk: %v", err)
	}
	if err := adapter.AddVideoChunk(chunk.Encoded{Kind: chunk.Delta, TimestampUs: 33000, Data: annexBDeltaFrame()}); err != nil {
		t.Fatalf("AddVideoChunk delta: %v", err)
	}

	out, err := adapter.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("batch mode must not emit DataChunkEvents, got %d", len(events))
	}
	if len(out) < 8 || string(out[4:8]) != "ftyp" {
		t.Fatalf("expected an ftyp box at the start of the mp4 buffer, got %x", out[:min(len(out), 8)])
	}
}

func TestMP4RejectsFirstVideoChunkNotKeyFrame(t *testing.T) {
	adapter, err := New(config.ContainerMP4, Codec{Width: 640, Height: 480, SampleRate: 48000, Channels: 2}, true, config.LatencyModeQuality, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = adapter.AddVideoChunk(chunk.Encoded{Kind: chunk.Delta, TimestampUs: 0, Data: annexBDeltaFrame()})
	pe, ok := pipelineerr.As(err)
	if !ok || pe.Kind != pipelineerr.MuxingFailed {
		t.Fatalf("got %v, want MuxingFailed", err)
	}
}

func TestWebMStreamingEmitsHeaderOnceAtOffsetZero(t *testing.T) {
	var events []chunk.DataChunkEvent
	adapter, err := New(config.ContainerWebM, Codec{
		VideoCodecString: "vp09.00.10.08",
		Width:            320, Height: 240,
		SampleRate: 48000, Channels: 1,
	}, false, config.LatencyModeRealtime, func(e chunk.DataChunkEvent) { events = append(events, e) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := adapter.AddVideoChunk(chunk.Encoded{Kind: chunk.Key, TimestampUs: 0, Data: []byte{0x01, 0x02}}); err != nil {
		t.Fatalf("AddVideoChunk: %v", err)
	}
	if err := adapter.AddAudioChunk(chunk.Encoded{Kind: chunk.Key, TimestampUs: 0, Data: []byte{0xaa}}); err != nil {
		t.Fatalf("AddAudioChunk: %v", err)
	}
	if err := adapter.AddVideoChunk(chunk.Encoded{Kind: chunk.Key, TimestampUs: 1000, Data: []byte{0x03, 0x04}}); err != nil {
		t.Fatalf("AddVideoChunk 2: %v", err)
	}
	if _, err := adapter.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	headerCount := 0
	for i, e := range events {
		if e.IsHeader {
			headerCount++
			if e.Offset != 0 {
				t.Errorf("header event must be at offset 0, got %d", e.Offset)
			}
			if i != 0 {
				t.Errorf("header event must be first, got index %d", i)
			}
		}
	}
	if headerCount != 1 {
		t.Fatalf("got %d header events, want exactly 1", headerCount)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
