// Package config holds the EncoderConfig wire type and the session state
// carried across a pipeline run, along with their defaulting and validation
// rules.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/creasty/defaults"
	"gopkg.in/dealancer/validate.v2"

	"github.com/streamforge/encodeworker/internal/logging"
	"github.com/streamforge/encodeworker/internal/pipelineerr"
)

type VideoCodec string

const (
	VideoCodecAVC  VideoCodec = "avc"
	VideoCodecHEVC VideoCodec = "hevc"
	VideoCodecVP9  VideoCodec = "vp9"
	VideoCodecVP8  VideoCodec = "vp8"
	VideoCodecAV1  VideoCodec = "av1"
)

type AudioCodec string

const (
	AudioCodecAAC  AudioCodec = "aac"
	AudioCodecOpus AudioCodec = "opus"
)

type Container string

const (
	ContainerMP4  Container = "mp4"
	ContainerWebM Container = "webm"
)

type LatencyMode string

const (
	LatencyModeQuality  LatencyMode = "quality"
	LatencyModeRealtime LatencyMode = "realtime"
)

type HardwarePreference string

const (
	HardwareNoPreference   HardwarePreference = "no-preference"
	HardwarePreferHardware HardwarePreference = "prefer-hardware"
	HardwarePreferSoftware HardwarePreference = "prefer-software"
)

type FirstTimestampBehavior string

const (
	FirstTimestampOffset      FirstTimestampBehavior = "offset"
	FirstTimestampPassthrough FirstTimestampBehavior = "passthrough"
)

// CodecChoice is config.codec: the requested video/audio codec family.
// Either field may be empty; the Negotiator fills in the container-specific
// default.
type CodecChoice struct {
	Video VideoCodec `json:"video,omitempty"`
	Audio AudioCodec `json:"audio,omitempty"`
}

// CodecStringOverride is config.codecString: an explicit codec string that
// bypasses the Negotiator's own string generation when set.
type CodecStringOverride struct {
	Video string `json:"video,omitempty"`
	Audio string `json:"audio,omitempty"`
}

// EncoderConfig is the immutable per-session configuration sent with
// initialize. Defaults are applied with creasty/defaults, structural field
// checks with dealancer/validate.v2; cross-field invariants that the tags
// cannot express are checked by Validate below.
type EncoderConfig struct {
	Width  int `json:"width" default:"0"`
	Height int `json:"height" default:"0"`

	FrameRate float64 `json:"frameRate" default:"30"`

	VideoBitrate int `json:"videoBitrate" default:"0"`
	AudioBitrate int `json:"audioBitrate" default:"0"`

	SampleRate int `json:"sampleRate" default:"48000"`
	Channels   int `json:"channels" default:"2"`

	Codec       CodecChoice         `json:"codec"`
	CodecString CodecStringOverride `json:"codecString"`

	Container Container `json:"container" default:"mp4" validate:"empty=false"`

	LatencyMode LatencyMode `json:"latencyMode" default:"quality" validate:"empty=false"`

	HardwareAcceleration HardwarePreference `json:"hardwareAcceleration" default:"no-preference" validate:"empty=false"`

	// KeyFrameInterval, zero means "encoder default" (no forced key frames).
	KeyFrameInterval int `json:"keyFrameInterval,omitempty"`

	FirstTimestampBehavior FirstTimestampBehavior `json:"firstTimestampBehavior" default:"offset" validate:"empty=false"`

	VideoEncoderConfig map[string]any `json:"videoEncoderConfig,omitempty"`
	AudioEncoderConfig map[string]any `json:"audioEncoderConfig,omitempty"`
}

// VideoEnabled reports whether the video track is enabled (
// videoBitrate==0 disables it).
func (c *EncoderConfig) VideoEnabled() bool { return c.VideoBitrate > 0 }

// AudioEnabled reports whether the audio track is enabled.
func (c *EncoderConfig) AudioEnabled() bool { return c.AudioBitrate > 0 }

// Validate checks the cross-field invariants that the struct tags cannot
// express on their own. Call after Decode, which already ran defaulting
// and tag validation.
func (c *EncoderConfig) Validate() error {
	switch c.Container {
	case ContainerMP4, ContainerWebM:
	default:
		return pipelineerr.ConfigurationErrorf(nil, "container must be mp4 or webm, got %q", c.Container)
	}
	switch c.LatencyMode {
	case LatencyModeQuality, LatencyModeRealtime:
	default:
		return pipelineerr.ConfigurationErrorf(nil, "latencyMode must be quality or realtime, got %q", c.LatencyMode)
	}
	switch c.HardwareAcceleration {
	case HardwareNoPreference, HardwarePreferHardware, HardwarePreferSoftware:
	default:
		return pipelineerr.ConfigurationErrorf(nil, "hardwareAcceleration invalid: %q", c.HardwareAcceleration)
	}
	switch c.FirstTimestampBehavior {
	case FirstTimestampOffset, FirstTimestampPassthrough:
	default:
		return pipelineerr.ConfigurationErrorf(nil, "firstTimestampBehavior invalid: %q", c.FirstTimestampBehavior)
	}
	if !c.VideoEnabled() && !c.AudioEnabled() {
		return pipelineerr.ConfigurationErrorf(nil, "at least one of videoBitrate, audioBitrate must be > 0")
	}
	if c.VideoEnabled() && (c.Width <= 0 || c.Height <= 0) {
		return pipelineerr.ConfigurationErrorf(nil, "videoBitrate>0 requires width>0 and height>0")
	}
	if c.VideoEnabled() && c.FrameRate <= 0 {
		return pipelineerr.ConfigurationErrorf(nil, "videoBitrate>0 requires frameRate>0")
	}
	if c.AudioEnabled() && (c.SampleRate <= 0 || c.Channels <= 0) {
		return pipelineerr.ConfigurationErrorf(nil, "audioBitrate>0 requires sampleRate>0 and channels>0")
	}
	if c.KeyFrameInterval < 0 {
		return pipelineerr.ConfigurationErrorf(nil, "keyFrameInterval must be >= 0")
	}
	return nil
}

// Decode parses, defaults, and validates an EncoderConfig from raw JSON, the
// shape it crosses the host<->worker boundary in. It never panics: the
// dealancer/validate.v2 library panics on malformed tag expressions, which
// can only happen from a programmer error in this package, not from
// untrusted input, so that panic path is not repeated here for field
// content — decode/tag errors are returned as ConfigurationError.
func Decode(raw json.RawMessage) (EncoderConfig, error) {
	var cfg EncoderConfig
	if err := defaults.Set(&cfg); err != nil {
		return EncoderConfig{}, pipelineerr.InternalErrorf(err, "set config defaults")
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return EncoderConfig{}, pipelineerr.ConfigurationErrorf(err, "decode config")
		}
	}
	if err := validate.Validate(&cfg); err != nil {
		return EncoderConfig{}, pipelineerr.ConfigurationErrorf(err, "validate config")
	}
	if err := cfg.Validate(); err != nil {
		return EncoderConfig{}, err
	}
	return cfg, nil
}

// SessionState is the mutable per-session state carried from initialize to
// the next initialize or teardown. The encoder/muxer handles themselves are
// typed in their owning packages (encoderdriver, muxer) to avoid an import
// cycle; this struct holds only the bookkeeping the orchestrator needs
// directly.
type SessionState struct {
	ChannelID string
	Config    EncoderConfig

	Cancelled bool

	ProcessedVideoFrames uint64
	TotalFrames          *uint64

	FirstVideoTimestampUs *int64
	FirstAudioTimestampUs *int64

	FrameCounter uint64

	Logger    *logging.Logger
	StartedAt int64 // unix nanos, log-field only, never pipeline semantics
}

// NewSessionState builds the bookkeeping struct for a fresh initialize,
// resetting everything the previous session may have left behind.
func NewSessionState(channelID string, cfg EncoderConfig, totalFrames *uint64, log *logging.Logger, startedAt int64) *SessionState {
	return &SessionState{
		ChannelID:   channelID,
		Config:      cfg,
		TotalFrames: totalFrames,
		Logger:      log,
		StartedAt:   startedAt,
	}
}

// String implements fmt.Stringer for log fields.
func (s *SessionState) String() string {
	return fmt.Sprintf("session(%s, video=%v audio=%v container=%s)",
		s.ChannelID, s.Config.VideoEnabled(), s.Config.AudioEnabled(), s.Config.Container)
}
