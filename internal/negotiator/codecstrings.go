package negotiator

import (
	"fmt"

	"github.com/streamforge/encodeworker/internal/config"
)

// avcProfileLevel resolves the AVC profile/level table:
// ties are broken toward the higher profile at a given resolution tier.
func avcProfileLevel(width, height int, frameRate float64) (profile string, level byte) {
	// The tier is read off the shorter side, the "p" figure of a resolution
	// (640x480 is 480p, 1920x1080 is 1080p).
	dim := width
	if height < dim {
		dim = height
	}
	switch {
	case dim <= 480 && frameRate <= 30:
		return "42", 0x1f
	case dim <= 720 && frameRate <= 30:
		return "4d", 0x1f
	case dim <= 1080 && frameRate <= 30:
		return "64", 0x28
	default:
		return "64", 0x33
	}
}

// avcCodecString builds an RFC 6381 "avc1.PPCCLL" string, constraint byte
// fixed at 00, following the GenerateCodecString convention used for
// mediacommon's mp4.CodecH264.
func avcCodecString(width, height int, frameRate float64) string {
	profile, level := avcProfileLevel(width, height, frameRate)
	return fmt.Sprintf("avc1.%s00%02x", profile, level)
}

// vp9CodecString builds "vp09.00.<level>.08".
func vp9CodecString(width, height int) string {
	level := 31
	if width > 1920 || height > 1080 {
		level = 41
	}
	return fmt.Sprintf("vp09.00.%02d.08", level)
}

const (
	hevcCodecStringConservative = "hev1.1.6.L93.B0"
	av1CodecStringConservative  = "av01.0.04M.08"
	aacCodecStringLC            = "mp4a.40.2"
	opusCodecString             = "opus"
)

// videoCandidateString computes the starting candidate for a video codec
// before any profile or hardware fallback,.
func videoCandidateString(codec config.VideoCodec, cfg config.EncoderConfig) string {
	switch codec {
	case config.VideoCodecAVC:
		return avcCodecString(cfg.Width, cfg.Height, cfg.FrameRate)
	case config.VideoCodecVP9, config.VideoCodecVP8:
		return vp9CodecString(cfg.Width, cfg.Height)
	case config.VideoCodecHEVC:
		return hevcCodecStringConservative
	case config.VideoCodecAV1:
		return av1CodecStringConservative
	default:
		return string(codec)
	}
}

// audioCandidateString computes the starting candidate for an audio codec.
func audioCandidateString(codec config.AudioCodec) string {
	switch codec {
	case config.AudioCodecAAC:
		return aacCodecStringLC
	case config.AudioCodecOpus:
		return opusCodecString
	default:
		return string(codec)
	}
}
