// Package negotiator picks a supported {codec string, hardware preference}
// tuple for a session's configured video/audio codecs, following the
// fallback cascades described by the pipeline's codec negotiation rules.
package negotiator

import (
	"fmt"

	"github.com/streamforge/encodeworker/internal/config"
	"github.com/streamforge/encodeworker/internal/logging"
	"github.com/streamforge/encodeworker/internal/pipelineerr"
)

// Result is the outcome of a successful negotiation.
type Result struct {
	ActualVideoCodec string // codec string, e.g. "avc1.640028"; empty if video disabled
	ActualAudioCodec string // codec string, e.g. "mp4a.40.2"; empty if audio disabled
	DisableAudio     bool
	AudioChannels    int
}

// VideoProbeFunc reports whether codec can be built with the given hardware
// preference against cfg, returning the codec string it actually produced
// (which may differ from the candidate, e.g. a driver-normalized string).
// Tests substitute this to simulate hardware/software fallback cascades
// without needing real encoders.
type VideoProbeFunc func(codec config.VideoCodec, hw config.HardwarePreference, candidate string, cfg config.EncoderConfig) (supported bool, codecString string, err error)

// AudioProbeFunc is the audio analogue of VideoProbeFunc; it additionally
// reports the engine's observed channel count for the channel-count
// validation step.
type AudioProbeFunc func(codec config.AudioCodec, hw config.HardwarePreference, candidate string, cfg config.EncoderConfig) (supported bool, codecString string, numberOfChannels int, err error)

// Negotiator runs the codec negotiation algorithm. VideoProbe/AudioProbe
// default to DefaultVideoProbe/DefaultAudioProbe but are exported so a
// caller (or a test) can inject a fake probe.
type Negotiator struct {
	VideoProbe VideoProbeFunc
	AudioProbe AudioProbeFunc

	log *logging.Logger
}

// New builds a Negotiator wired to the real probes grounded on
// pion/mediadevices codec builders.
func New() *Negotiator {
	return &Negotiator{
		VideoProbe: DefaultVideoProbe,
		AudioProbe: DefaultAudioProbe,
		log:        logging.Named("negotiator"),
	}
}

// hardwareTiers is the per-codec probe order: try the
// requested preference first, then prefer-software, then no-preference,
// skipping a tier already attempted.
func hardwareTiers(requested config.HardwarePreference) []config.HardwarePreference {
	tiers := []config.HardwarePreference{requested, config.HardwarePreferSoftware, config.HardwareNoPreference}
	seen := make(map[config.HardwarePreference]bool, 3)
	out := make([]config.HardwarePreference, 0, 3)
	for _, t := range tiers {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// videoCascade lists the video codecs to try, in order, starting from
// requested. vp9/hevc/av1 fall back to avc; avc and
// vp8 have no cross-codec fallback.
func videoCascade(requested config.VideoCodec) []config.VideoCodec {
	switch requested {
	case config.VideoCodecVP9, config.VideoCodecHEVC, config.VideoCodecAV1:
		return []config.VideoCodec{requested, config.VideoCodecAVC}
	default:
		return []config.VideoCodec{requested}
	}
}

// audioCascade is opus<->aac, one-way: try requested, then the other.
func audioCascade(requested config.AudioCodec) []config.AudioCodec {
	other := config.AudioCodecAAC
	if requested == config.AudioCodecAAC {
		other = config.AudioCodecOpus
	}
	return []config.AudioCodec{requested, other}
}

// defaultVideoCodec and defaultAudioCodec.
func defaultVideoCodec(c config.Container) config.VideoCodec {
	if c == config.ContainerWebM {
		return config.VideoCodecVP9
	}
	return config.VideoCodecAVC
}

func defaultAudioCodec(c config.Container) config.AudioCodec {
	if c == config.ContainerWebM {
		return config.AudioCodecOpus
	}
	return config.AudioCodecAAC
}

// Negotiate runs the full algorithm against cfg and returns the resolved
// codec tuple, or a *pipelineerr.Error (NotSupported / ConfigurationError,
// or InitializationFailed when a probe itself errors) on failure.
func (n *Negotiator) Negotiate(cfg config.EncoderConfig) (*Result, error) {
	res := &Result{}

	if cfg.VideoEnabled() {
		videoCodec, codecStr, err := n.negotiateVideo(cfg)
		if err != nil {
			return nil, err
		}
		res.ActualVideoCodec = codecStr
		_ = videoCodec
	}

	if !cfg.AudioEnabled() {
		res.DisableAudio = true
		return res, nil
	}

	audioCodec, codecStr, channels, err := n.negotiateAudio(cfg)
	if err != nil {
		return nil, err
	}
	if channels != cfg.Channels {
		return nil, pipelineerr.ConfigurationErrorf(nil,
			"audio engine reports %d channels, configured channels=%d", channels, cfg.Channels)
	}
	res.ActualAudioCodec = codecStr
	res.AudioChannels = channels
	_ = audioCodec
	return res, nil
}

// Probe is a capability-query entry point that runs the same negotiation
// algorithm without constructing any Drivers, so a standalone capability
// check and the Orchestrator's initialize path share one code path.
func (n *Negotiator) Probe(cfg config.EncoderConfig) (*Result, error) {
	return n.Negotiate(cfg)
}

func (n *Negotiator) negotiateVideo(cfg config.EncoderConfig) (config.VideoCodec, string, error) {
	requested := cfg.Codec.Video
	if requested == "" {
		requested = defaultVideoCodec(cfg.Container)
	}

	for _, codec := range videoCascade(requested) {
		candidate := videoCandidateString(codec, cfg)
		if cfg.CodecString.Video != "" {
			candidate = cfg.CodecString.Video
		}

		for _, profileCandidate := range videoProfileFallbacks(codec, candidate) {
			for _, hw := range hardwareTiers(cfg.HardwareAcceleration) {
				ok, actual, err := n.VideoProbe(codec, hw, profileCandidate, cfg)
				if err != nil {
					return "", "", pipelineerr.InitializationFailedf(err, "probe video codec %s", codec)
				}
				if ok {
					if codec != requested {
						n.log.Warnf("video codec %s unsupported, fell back to %s", requested, codec)
					}
					return codec, actual, nil
				}
			}
		}
	}

	return "", "", pipelineerr.NotSupportedf(nil, "no supported video codec for request %s", requested)
}

func (n *Negotiator) negotiateAudio(cfg config.EncoderConfig) (config.AudioCodec, string, int, error) {
	requested := cfg.Codec.Audio
	if requested == "" {
		requested = defaultAudioCodec(cfg.Container)
	}

	for _, codec := range audioCascade(requested) {
		candidate := audioCandidateString(codec)
		if cfg.CodecString.Audio != "" {
			candidate = cfg.CodecString.Audio
		}

		for _, hw := range hardwareTiers(cfg.HardwareAcceleration) {
			ok, actual, channels, err := n.AudioProbe(codec, hw, candidate, cfg)
			if err != nil {
				return "", "", 0, pipelineerr.InitializationFailedf(err, "probe audio codec %s", codec)
			}
			if ok {
				if codec != requested {
					n.log.Warnf("audio codec %s unsupported, fell back to %s", requested, codec)
				}
				return codec, actual, channels, nil
			}
		}
	}

	return "", "", 0, pipelineerr.NotSupportedf(nil, "no supported audio codec for request %s", requested)
}

// videoProfileFallbacks expands an AVC candidate into the descending
// profile cascade ("Probe order on HD:
// avc1.640028 → avc1.4d0028 → avc1.420028"): the level byte stays fixed,
// only the profile identifier steps down High -> Main -> Baseline. Other
// codecs have no profile cascade of their own, only the cross-codec one.
func videoProfileFallbacks(codec config.VideoCodec, candidate string) []string {
	if codec != config.VideoCodecAVC || len(candidate) < len("avc1.XXYYZZ") {
		return []string{candidate}
	}
	level := candidate[len(candidate)-2:]
	prefix := candidate[:5] // "avc1."
	profile := candidate[5:7]

	order := []string{"64", "4d", "42"}
	start := 0
	for i, p := range order {
		if p == profile {
			start = i
			break
		}
	}
	out := make([]string, 0, len(order)-start)
	for _, p := range order[start:] {
		out = append(out, fmt.Sprintf("%s%s00%s", prefix, p, level))
	}
	return out
}
