package negotiator

import (
	"testing"

	"github.com/streamforge/encodeworker/internal/config"
	"github.com/streamforge/encodeworker/internal/logging"
	"github.com/streamforge/encodeworker/internal/pipelineerr"
)

func fakeVideoProbe(rejectProfiles ...string) VideoProbeFunc {
	rejected := make(map[string]bool, len(rejectProfiles))
	for _, p := range rejectProfiles {
		rejected[p] = true
	}
	return func(codec config.VideoCodec, hw config.HardwarePreference, candidate string, cfg config.EncoderConfig) (bool, string, error) {
		if hw != config.HardwareNoPreference {
			return false, "", nil
		}
		if rejected[candidate] {
			return false, "", nil
		}
		return true, candidate, nil
	}
}

func fakeAudioProbeAlwaysOK(codec config.AudioCodec, hw config.HardwarePreference, candidate string, cfg config.EncoderConfig) (bool, string, int, error) {
	if hw != config.HardwareNoPreference {
		return false, "", 0, nil
	}
	return true, candidate, cfg.Channels, nil
}

func baseConfig(t *testing.T) config.EncoderConfig {
	t.Helper()
	cfg, err := config.Decode([]byte(`{
		"width":640,"height":480,"frameRate":30,
		"videoBitrate":1000000,"audioBitrate":128000,
		"sampleRate":48000,"channels":2,
		"codec":{"video":"avc","audio":"aac"},
		"container":"mp4","latencyMode":"quality"
	}`))
	if err != nil {
		t.Fatalf("base config: %v", err)
	}
	return cfg
}

func TestNegotiateBatchAVCAACHappyPath(t *testing.T) {
	n := &Negotiator{VideoProbe: fakeVideoProbe(), AudioProbe: fakeAudioProbeAlwaysOK, log: logging.Named("negotiator-test")}
	res, err := n.Negotiate(baseConfig(t))
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if res.ActualVideoCodec != "avc1.42001f" {
		t.Errorf("video codec = %q, want avc1.42001f", res.ActualVideoCodec)
	}
	if res.ActualAudioCodec != "mp4a.40.2" {
		t.Errorf("audio codec = %q, want mp4a.40.2", res.ActualAudioCodec)
	}
}

func TestNegotiateHDProfileCascade(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Width, cfg.Height = 1920, 1080

	n := &Negotiator{
		VideoProbe: fakeVideoProbe("avc1.640028", "avc1.4d0028"),
		AudioProbe: fakeAudioProbeAlwaysOK,
		log:        logging.Named("negotiator-test"),
	}
	res, err := n.Negotiate(cfg)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if res.ActualVideoCodec != "avc1.420028" {
		t.Errorf("video codec = %q, want avc1.420028", res.ActualVideoCodec)
	}
}

func TestNegotiateAudioDisabled(t *testing.T) {
	cfg := baseConfig(t)
	cfg.AudioBitrate = 0

	n := &Negotiator{VideoProbe: fakeVideoProbe(), AudioProbe: fakeAudioProbeAlwaysOK, log: logging.Named("negotiator-test")}
	res, err := n.Negotiate(cfg)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !res.DisableAudio {
		t.Error("expected DisableAudio=true")
	}
	if res.ActualAudioCodec != "" {
		t.Errorf("expected no audio codec, got %q", res.ActualAudioCodec)
	}
}

func TestNegotiateUnsupportedCodecCascadesToAVC(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Codec.Video = config.VideoCodecVP9

	videoProbe := func(codec config.VideoCodec, hw config.HardwarePreference, candidate string, cfg config.EncoderConfig) (bool, string, error) {
		if codec == config.VideoCodecVP9 {
			return false, "", nil
		}
		if hw != config.HardwareNoPreference {
			return false, "", nil
		}
		return true, candidate, nil
	}

	n := &Negotiator{VideoProbe: videoProbe, AudioProbe: fakeAudioProbeAlwaysOK, log: logging.Named("negotiator-test")}
	res, err := n.Negotiate(cfg)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if len(res.ActualVideoCodec) < 5 || res.ActualVideoCodec[:5] != "avc1." {
		t.Errorf("video codec = %q, want avc1.* fallback", res.ActualVideoCodec)
	}
}

func TestNegotiateAllCodecsRejectedIsNotSupported(t *testing.T) {
	cfg := baseConfig(t)
	alwaysFail := func(config.VideoCodec, config.HardwarePreference, string, config.EncoderConfig) (bool, string, error) {
		return false, "", nil
	}
	n := &Negotiator{VideoProbe: alwaysFail, AudioProbe: fakeAudioProbeAlwaysOK, log: logging.Named("negotiator-test")}
	_, err := n.Negotiate(cfg)
	pe, ok := pipelineerr.As(err)
	if !ok || pe.Kind != pipelineerr.NotSupported {
		t.Fatalf("got %v, want NotSupported", err)
	}
}

func TestNegotiateChannelMismatchIsConfigurationError(t *testing.T) {
	cfg := baseConfig(t)
	badAudio := func(codec config.AudioCodec, hw config.HardwarePreference, candidate string, cfg config.EncoderConfig) (bool, string, int, error) {
		if hw != config.HardwareNoPreference {
			return false, "", 0, nil
		}
		return true, candidate, 1, nil
	}
	n := &Negotiator{VideoProbe: fakeVideoProbe(), AudioProbe: badAudio, log: logging.Named("negotiator-test")}
	_, err := n.Negotiate(cfg)
	pe, ok := pipelineerr.As(err)
	if !ok || pe.Kind != pipelineerr.ConfigurationError {
		t.Fatalf("got %v, want ConfigurationError", err)
	}
}
