package muxer

import (
	"encoding/binary"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/streamforge/encodeworker/internal/chunk"
	"github.com/streamforge/encodeworker/internal/config"
	"github.com/streamforge/encodeworker/internal/pipelineerr"
)

const (
	videoTimeScale = 90000
	videoTrackID   = 1
	audioTrackID   = 2
)

// splitAnnexB parses an Annex-B bitstream into its NAL units, separating
// the SPS/PPS parameter sets (if present) from the slice NAL units.
func splitAnnexB(data []byte) (sps, pps []byte, slices [][]byte, err error) {
	var annexB h264.AnnexB
	if err := annexB.Unmarshal(data); err != nil {
		return nil, nil, nil, pipelineerr.VideoEncodingErrorf(err, "parse annex-b bitstream")
	}
	for _, nalu := range annexB {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			sps = append([]byte(nil), nalu...)
		case h264.NALUTypePPS:
			pps = append([]byte(nil), nalu...)
		default:
			slices = append(slices, nalu)
		}
	}
	return sps, pps, slices, nil
}

// avcc length-prefixes each NAL unit (4-byte big-endian length) the way
// the AVCC sample format used inside MP4/fMP4 requires, as opposed to the
// Annex-B start-code delimiting the raw H.264 bitstream uses.
func avcc(nalus [][]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += 4 + len(nalu)
	}
	out := make([]byte, 0, n)
	var lenBuf [4]byte
	for _, nalu := range nalus {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(nalu)))
		out = append(out, lenBuf[:]...)
		out = append(out, nalu...)
	}
	return out
}

// MP4 is the Muxer Adapter backend for the "mp4" container. It emits
// fragmented MP4 (an init segment of ftyp+moov, followed by moof+mdat
// parts) since that is the representation that supports true streaming
// output; batch mode simply concatenates every part into one buffer.
type MP4 struct {
	mu sync.Mutex

	videoCodecString string
	audioCodecString string
	sampleRate       int
	channels         int
	hasAudio         bool

	latencyMode config.LatencyMode
	onDataChunk func(chunk.DataChunkEvent)

	initSent       bool
	offset         uint64
	batchBuf       []byte
	sequenceNumber uint32

	videoSPS, videoPPS []byte
	videoFirstDTS      int64
	videoLastDTS       int64
	audioFirstDTS      int64
	audioLastDTS       int64

	finalized bool
}

func newMP4(codecTuple Codec, disableAudio bool, latencyMode config.LatencyMode, onDataChunk func(chunk.DataChunkEvent)) *MP4 {
	return &MP4{
		videoCodecString: codecTuple.VideoCodecString,
		audioCodecString: codecTuple.AudioCodecString,
		sampleRate:       codecTuple.SampleRate,
		channels:         codecTuple.Channels,
		hasAudio:         !disableAudio,
		latencyMode:      latencyMode,
		onDataChunk:      onDataChunk,
		sequenceNumber:   1,
	}
}

func (m *MP4) emit(data []byte, isHeader bool) {
	if m.latencyMode == config.LatencyModeRealtime {
		m.onDataChunk(chunk.DataChunkEvent{Container: "mp4", Chunk: append([]byte(nil), data...), Offset: m.offset, IsHeader: isHeader})
	} else {
		m.batchBuf = append(m.batchBuf, data...)
	}
	m.offset += uint64(len(data))
}

func (m *MP4) audioConfig() mpeg4audio.AudioSpecificConfig {
	return mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   m.sampleRate,
		ChannelCount: m.channels,
	}
}

// writeInitSegment builds the ftyp+moov init segment once the first video
// keyframe has yielded SPS/PPS. Before that, AddVideoChunk rejects a
// non-key or SPS/PPS-less chunk and AddAudioChunk rejects every chunk, both
// with MuxingFailed.
func (m *MP4) writeInitSegment() error {
	tracks := []*fmp4.InitTrack{
		{
			ID:        videoTrackID,
			TimeScale: videoTimeScale,
			Codec:     &mp4.CodecH264{SPS: m.videoSPS, PPS: m.videoPPS},
		},
	}
	if m.hasAudio {
		tracks = append(tracks, &fmp4.InitTrack{
			ID:        audioTrackID,
			TimeScale: uint32(m.sampleRate),
			Codec:     &mp4.CodecMPEG4Audio{Config: m.audioConfig()},
		})
	}

	init := &fmp4.Init{Tracks: tracks}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return pipelineerr.MuxingFailedf(err, "marshal mp4 init segment")
	}
	m.emit(buf.Bytes(), true)
	m.initSent = true
	return nil
}

func scaleUs(timestampUs int64, timeScale uint32) int64 {
	if timestampUs <= 0 {
		return 0
	}
	return (timestampUs * int64(timeScale)) / 1_000_000
}

// AddVideoChunk appends one H.264 video sample. The first chunk must be a
// key frame: its SPS/PPS pair seeds the init segment, which is then
// flushed before the sample itself.
func (m *MP4) AddVideoChunk(c chunk.Encoded) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return pipelineerr.MuxingFailedf(nil, "add_video_chunk after finalize")
	}

	sps, pps, slices, err := splitAnnexB(c.Data)
	if err != nil {
		return err
	}
	payload := avcc(slices)

	if !m.initSent {
		if c.Kind != chunk.Key {
			return pipelineerr.MuxingFailedf(nil, "first video chunk must be a key frame to seed the mp4 init segment")
		}
		if len(sps) == 0 || len(pps) == 0 {
			return pipelineerr.MuxingFailedf(nil, "key frame missing SPS/PPS, cannot seed mp4 init segment")
		}
		m.videoSPS, m.videoPPS = sps, pps
		if err := m.writeInitSegment(); err != nil {
			return err
		}
	}

	dts := scaleUs(c.TimestampUs, videoTimeScale)
	if m.videoFirstDTS == 0 {
		m.videoFirstDTS = dts
	}
	sample := &fmp4.Sample{IsNonSyncSample: c.Kind != chunk.Key, Payload: payload}
	if m.videoLastDTS != 0 {
		if d := dts - m.videoLastDTS; d > 0 {
			sample.Duration = uint32(d)
		}
	}
	if sample.Duration == 0 {
		sample.Duration = videoTimeScale / 30
	}

	base := dts - m.videoFirstDTS
	if base < 0 {
		base = 0
	}
	part := &fmp4.Part{
		SequenceNumber: m.sequenceNumber,
		Tracks: []*fmp4.PartTrack{
			{ID: videoTrackID, BaseTime: uint64(base), Samples: []*fmp4.Sample{sample}},
		},
	}
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return pipelineerr.MuxingFailedf(err, "marshal mp4 video part")
	}
	m.emit(buf.Bytes(), false)
	m.videoLastDTS = dts
	m.sequenceNumber++
	return nil
}

// AddAudioChunk appends one AAC audio sample. Chunks arriving before the
// init segment is seeded by the first video key frame are dropped with an
// error, matching the muxer's video-led initialization order.
func (m *MP4) AddAudioChunk(c chunk.Encoded) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return pipelineerr.MuxingFailedf(nil, "add_audio_chunk after finalize")
	}
	if !m.hasAudio {
		return pipelineerr.MuxingFailedf(nil, "add_audio_chunk but audio is disabled for this session")
	}
	if !m.initSent {
		return pipelineerr.MuxingFailedf(nil, "add_audio_chunk before mp4 init segment is seeded by a video key frame")
	}

	dts := scaleUs(c.TimestampUs, uint32(m.sampleRate))
	if m.audioFirstDTS == 0 {
		m.audioFirstDTS = dts
	}
	sample := &fmp4.Sample{IsNonSyncSample: false, Payload: c.Data}
	if m.audioLastDTS != 0 {
		if d := dts - m.audioLastDTS; d > 0 {
			sample.Duration = uint32(d)
		}
	}
	if sample.Duration == 0 {
		sample.Duration = 1024
	}

	base := dts - m.audioFirstDTS
	if base < 0 {
		base = 0
	}
	part := &fmp4.Part{
		SequenceNumber: m.sequenceNumber,
		Tracks: []*fmp4.PartTrack{
			{ID: audioTrackID, BaseTime: uint64(base), Samples: []*fmp4.Sample{sample}},
		},
	}
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return pipelineerr.MuxingFailedf(err, "marshal mp4 audio part")
	}
	m.emit(buf.Bytes(), false)
	m.audioLastDTS = dts
	m.sequenceNumber++
	return nil
}

// Finalize returns the accumulated buffer in batch mode, or nil in
// streaming mode.
func (m *MP4) Finalize() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return nil, pipelineerr.MuxingFailedf(nil, "finalize called twice")
	}
	m.finalized = true
	if m.latencyMode == config.LatencyModeRealtime {
		return nil, nil
	}
	return m.batchBuf, nil
}
