package orchestrator

import (
	"math"
	"testing"
)

func TestDecodeVideoFrameRejectsWrongSize(t *testing.T) {
	_, err := decodeVideoFrame([]byte{1, 2, 3}, 4, 4)
	pe := classify(err)
	if pe.Kind != "video-encoding-error" {
		t.Fatalf("got kind %q, want video-encoding-error", pe.Kind)
	}
}

func TestDecodeVideoFrameI420Layout(t *testing.T) {
	width, height := 2, 2
	ySize := width * height
	cSize := ((width + 1) / 2) * ((height + 1) / 2)
	buf := make([]byte, ySize+2*cSize)
	for i := range buf {
		buf[i] = byte(i)
	}

	img, err := decodeVideoFrame(buf, width, height)
	if err != nil {
		t.Fatalf("decodeVideoFrame: %v", err)
	}
	if img.Bounds().Dx() != width || img.Bounds().Dy() != height {
		t.Fatalf("got bounds %v, want %dx%d", img.Bounds(), width, height)
	}
}

func TestDecodePlanarFloat32RoundTrip(t *testing.T) {
	channels, frames := 2, 3
	want := [][]float32{{0.1, 0.2, 0.3}, {-0.1, -0.2, -0.3}}

	buf := make([]byte, 0, channels*frames*4)
	for ch := 0; ch < channels; ch++ {
		for i := 0; i < frames; i++ {
			bits := math.Float32bits(want[ch][i])
			buf = append(buf, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
		}
	}

	got, err := decodePlanarFloat32(buf, channels, frames)
	if err != nil {
		t.Fatalf("decodePlanarFloat32: %v", err)
	}
	for ch := range want {
		for i := range want[ch] {
			if got[ch][i] != want[ch][i] {
				t.Errorf("channel %d sample %d: got %v, want %v", ch, i, got[ch][i], want[ch][i])
			}
		}
	}
}

func TestDecodePlanarFloat32RejectsWrongSize(t *testing.T) {
	_, err := decodePlanarFloat32([]byte{0, 1, 2, 3}, 2, 3)
	pe := classify(err)
	if pe.Kind != "audio-encoding-error" {
		t.Fatalf("got kind %q, want audio-encoding-error", pe.Kind)
	}
}
