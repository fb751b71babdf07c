package negotiator

import (
	"image"

	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/codec/x264"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"

	"github.com/streamforge/encodeworker/internal/config"
)

// DefaultVideoProbe asks a real pion/mediadevices codec builder to build an
// encoder against a single throwaway frame; "supported" means the builder
// returns without error. Hardware-preference tiers are not distinguishable
// by the underlying libraries (hardwareAcceleration is a hint, not a
// guarantee per the glossary), so the prefer-hardware tier always reports
// unsupported here and the cascade naturally lands on the software tiers —
// this mirrors how the libraries in this module are actually used
// elsewhere: a software codec implementation with no hardware path.
func DefaultVideoProbe(codec config.VideoCodec, hw config.HardwarePreference, candidate string, cfg config.EncoderConfig) (bool, string, error) {
	if hw == config.HardwarePreferHardware {
		return false, "", nil
	}

	width, height := cfg.Width, cfg.Height
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}

	reader := video.ReaderFunc(func() (image.Image, func(), error) {
		return image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420), func() {}, nil
	})
	mediaProp := prop.Media{
		Video: prop.Video{
			Width:       width,
			Height:      height,
			FrameRate:   float32(cfg.FrameRate),
		},
	}

	var (
		enc interface {
			Close() error
		}
		err error
	)

	switch codec {
	case config.VideoCodecVP8:
		p, perr := vpx.NewVP8Params()
		if perr != nil {
			return false, "", perr
		}
		p.BitRate = bitRateOrDefault(cfg.VideoBitrate)
		enc, err = p.BuildVideoEncoder(reader, mediaProp)
	case config.VideoCodecVP9:
		p, perr := vpx.NewVP9Params()
		if perr != nil {
			return false, "", perr
		}
		p.BitRate = bitRateOrDefault(cfg.VideoBitrate)
		enc, err = p.BuildVideoEncoder(reader, mediaProp)
	case config.VideoCodecAVC:
		p, perr := x264.NewParams()
		if perr != nil {
			return false, "", perr
		}
		p.BitRate = bitRateOrDefault(cfg.VideoBitrate)
		enc, err = p.BuildVideoEncoder(reader, mediaProp)
	default:
		// hevc/av1: no pure/cgo-light Go encoder in the retrieved corpus.
		// Always "unsupported" so the cross-codec cascade prefers avc.
		return false, "", nil
	}

	if err != nil {
		return false, "", nil
	}
	_ = enc.Close()
	return true, candidate, nil
}

// DefaultAudioProbe is the audio analogue of DefaultVideoProbe, grounded on
// the opus builder used in the happy-path negotiation.
// AAC has no pure-Go encoder in the corpus, so it reports a fixed
// capability (supported on every tier except prefer-hardware, channel count
// passthrough) rather than
// constructing a real engine — see DESIGN.md for the stdlib-path
// justification.
func DefaultAudioProbe(codec config.AudioCodec, hw config.HardwarePreference, candidate string, cfg config.EncoderConfig) (bool, string, int, error) {
	if hw == config.HardwarePreferHardware {
		return false, "", 0, nil
	}

	if codec == config.AudioCodecAAC {
		return true, candidate, cfg.Channels, nil
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 2
	}

	reader := audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk := wave.NewFloat32Interleaved(wave.ChunkInfo{
			Len:          sampleRate / 100,
			Channels:     channels,
			SamplingRate: sampleRate,
		})
		return chunk, func() {}, nil
	})
	mediaProp := prop.Media{
		Audio: prop.Audio{
			SampleRate:   sampleRate,
			ChannelCount: channels,
		},
	}

	p, perr := opus.NewParams()
	if perr != nil {
		return false, "", 0, perr
	}
	p.BitRate = bitRateOrDefault(cfg.AudioBitrate)

	enc, err := p.BuildAudioEncoder(reader, mediaProp)
	if err != nil {
		return false, "", 0, nil
	}
	_ = enc.Close()
	return true, candidate, channels, nil
}

func bitRateOrDefault(configured int) int {
	if configured > 0 {
		return configured
	}
	return 1_000_000
}
