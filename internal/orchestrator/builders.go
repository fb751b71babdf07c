package orchestrator

import (
	"encoding/binary"
	"image"
	"math"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/codec/x264"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/streamforge/encodeworker/internal/config"
	"github.com/streamforge/encodeworker/internal/pipelineerr"
)

func videoMediaProp(cfg config.EncoderConfig) prop.Media {
	return prop.Media{Video: prop.Video{Width: cfg.Width, Height: cfg.Height, FrameRate: float32(cfg.FrameRate)}}
}

func audioMediaProp(cfg config.EncoderConfig) prop.Media {
	return prop.Media{Audio: prop.Audio{SampleRate: cfg.SampleRate, ChannelCount: cfg.Channels}}
}

// newVideoEncoderBuilder/newAudioEncoderBuilder are indirected through
// package vars so tests can substitute a fake codec.VideoEncoderBuilder/
// codec.AudioEncoderBuilder without spinning a real vpx/x264/opus encoder,
// the same seam encoderdriver's own tests use for their fake builders.
var (
	newVideoEncoderBuilder = videoEncoderBuilder
	newAudioEncoderBuilder = audioEncoderBuilder
)

// videoEncoderBuilder picks the pion/mediadevices codec params matching the
// negotiated video codec family, mirroring the construction
// DefaultVideoProbe already used to decide the codec was buildable in the
// first place.
func videoEncoderBuilder(requested config.VideoCodec, cfg config.EncoderConfig) (codec.VideoEncoderBuilder, error) {
	bitRate := bitRateOrDefault(cfg.VideoBitrate)
	switch requested {
	case config.VideoCodecVP8:
		p, err := vpx.NewVP8Params()
		if err != nil {
			return nil, pipelineerr.InitializationFailedf(err, "build vp8 params")
		}
		p.BitRate = bitRate
		return &p, nil
	case config.VideoCodecVP9:
		p, err := vpx.NewVP9Params()
		if err != nil {
			return nil, pipelineerr.InitializationFailedf(err, "build vp9 params")
		}
		p.BitRate = bitRate
		return &p, nil
	default:
		p, err := x264.NewParams()
		if err != nil {
			return nil, pipelineerr.InitializationFailedf(err, "build avc params")
		}
		p.BitRate = bitRate
		return &p, nil
	}
}

func audioEncoderBuilder(cfg config.EncoderConfig) (codec.AudioEncoderBuilder, error) {
	p, err := opus.NewParams()
	if err != nil {
		return nil, pipelineerr.InitializationFailedf(err, "build opus params")
	}
	p.BitRate = bitRateOrDefault(cfg.AudioBitrate)
	return &p, nil
}

// defaultVideoCodecFor mirrors the Negotiator's own container default, used
// here only to pick which encoder params to build once negotiation has
// already approved a video codec string for that family.
func defaultVideoCodecFor(c config.Container) config.VideoCodec {
	if c == config.ContainerWebM {
		return config.VideoCodecVP9
	}
	return config.VideoCodecAVC
}

func bitRateOrDefault(configured int) int {
	if configured > 0 {
		return configured
	}
	return 1_000_000
}

// decodeVideoFrame interprets buf as a planar I420 (YCbCr 4:2:0) buffer of
// exactly width*height*3/2 bytes, the pixel layout the negotiated software
// encoders (vpx/x264) consume directly.
func decodeVideoFrame(buf []byte, width, height int) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, pipelineerr.VideoEncodingErrorf(nil, "decode video frame: invalid dimensions %dx%d", width, height)
	}
	ySize := width * height
	cSize := ((width + 1) / 2) * ((height + 1) / 2)
	want := ySize + 2*cSize
	if len(buf) != want {
		return nil, pipelineerr.VideoEncodingErrorf(nil, "decode video frame: got %d bytes, want %d for %dx%d I420", len(buf), want, width, height)
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	copy(img.Y, buf[:ySize])
	copy(img.Cb, buf[ySize:ySize+cSize])
	copy(img.Cr, buf[ySize+cSize:])
	return img, nil
}

// decodePlanarFloat32 reinterprets buf as numberOfChannels interleaved-by-
// channel little-endian float32 arrays (channel 0's numberOfFrames samples,
// then channel 1's, ...), the layout transport.AddAudioDataData documents
// for the binary frame.
func decodePlanarFloat32(buf []byte, numberOfChannels, numberOfFrames int) ([][]float32, error) {
	if numberOfChannels <= 0 || numberOfFrames <= 0 {
		return nil, pipelineerr.AudioEncodingErrorf(nil, "decode audio data: invalid shape channels=%d frames=%d", numberOfChannels, numberOfFrames)
	}
	want := numberOfChannels * numberOfFrames * 4
	if len(buf) != want {
		return nil, pipelineerr.AudioEncodingErrorf(nil, "decode audio data: got %d bytes, want %d for %d channels x %d frames", len(buf), want, numberOfChannels, numberOfFrames)
	}

	planar := make([][]float32, numberOfChannels)
	offset := 0
	for ch := 0; ch < numberOfChannels; ch++ {
		samples := make([]float32, numberOfFrames)
		for i := 0; i < numberOfFrames; i++ {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[offset : offset+4]))
			offset += 4
		}
		planar[ch] = samples
	}
	return planar, nil
}
