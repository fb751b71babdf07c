package config

import (
	"encoding/json"
	"testing"

	"github.com/streamforge/encodeworker/internal/pipelineerr"
)

func TestDecodeAppliesDefaults(t *testing.T) {
	raw := json.RawMessage(`{"width":640,"height":480,"videoBitrate":1000000}`)
	cfg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Container != ContainerMP4 {
		t.Errorf("container default = %q, want mp4", cfg.Container)
	}
	if cfg.LatencyMode != LatencyModeQuality {
		t.Errorf("latencyMode default = %q, want quality", cfg.LatencyMode)
	}
	if cfg.FrameRate != 30 {
		t.Errorf("frameRate default = %v, want 30", cfg.FrameRate)
	}
	if cfg.SampleRate != 48000 {
		t.Errorf("sampleRate default = %v, want 48000", cfg.SampleRate)
	}
}

func TestDecodeRejectsNoEnabledTrack(t *testing.T) {
	raw := json.RawMessage(`{"width":640,"height":480}`)
	_, err := Decode(raw)
	if err == nil {
		t.Fatal("expected error when no track is enabled")
	}
	pe, ok := pipelineerr.As(err)
	if !ok || pe.Kind != pipelineerr.ConfigurationError {
		t.Errorf("got %v, want ConfigurationError", err)
	}
}

func TestDecodeRejectsVideoWithoutDimensions(t *testing.T) {
	raw := json.RawMessage(`{"videoBitrate":1000000}`)
	_, err := Decode(raw)
	if err == nil {
		t.Fatal("expected error when videoBitrate>0 but width/height are 0")
	}
}

func TestDecodeAudioOnlyIsValid(t *testing.T) {
	raw := json.RawMessage(`{"audioBitrate":128000,"sampleRate":48000,"channels":2}`)
	cfg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.VideoEnabled() {
		t.Error("video should not be enabled")
	}
	if !cfg.AudioEnabled() {
		t.Error("audio should be enabled")
	}
}

func TestDecodeRejectsInvalidContainer(t *testing.T) {
	raw := json.RawMessage(`{"audioBitrate":128000,"sampleRate":48000,"channels":2,"container":"mkv"}`)
	_, err := Decode(raw)
	if err == nil {
		t.Fatal("expected error for unknown container")
	}
}

func TestDecodeRejectsNegativeKeyFrameInterval(t *testing.T) {
	raw := json.RawMessage(`{"audioBitrate":128000,"sampleRate":48000,"channels":2,"keyFrameInterval":-1}`)
	_, err := Decode(raw)
	if err == nil {
		t.Fatal("expected error for negative keyFrameInterval")
	}
}
