package muxer

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/streamforge/encodeworker/internal/chunk"
	"github.com/streamforge/encodeworker/internal/config"
	"github.com/streamforge/encodeworker/internal/pipelineerr"
)

// ─── EBML encoding helpers ───────────────────────────────────────────────

// ebmlVint encodes v as an EBML variable-length integer for element sizes.
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idSegUID       = []byte{0x73, 0xA4}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the codec private data (OpusHead) required by WebM for Opus
// audio tracks, parameterized by channel count.
func opusHead(channels int) []byte {
	if channels <= 0 {
		channels = 1
	}
	return []byte{
		'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
		0x01,
		byte(channels),
		0x38, 0x01, // pre-skip = 312 (LE)
		0x80, 0xBB, 0x00, 0x00, // input sample rate = 48000 (LE), informational
		0x00, 0x00,
		0x00,
	}
}

func videoCodecID(videoCodecString string) string {
	if len(videoCodecString) >= 4 && videoCodecString[:4] == "vp09" {
		return "V_VP9"
	}
	return "V_VP8"
}

const audioCodecIDOpus = "A_OPUS"

// webmInitSegment returns the EBML header + Segment(unknown size) + Info +
// Tracks. The video track's CodecID is V_VP9 for a "vp09" codec string and
// V_VP8 for any other string (including an avc1 one); the audio track is
// always written as A_OPUS with an OpusHead, whatever audio codec was
// negotiated.
func webmInitSegment(width, height int, videoCodec string, hasAudio bool, sampleRate, channels int) []byte {
	var buf bytes.Buffer

	ebmlBody := ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)
	buf.Write(ebmlElem(idEBML, ebmlBody))

	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	segUID := uuid.New()
	infoBody := ebmlConcat(
		ebmlElem(idSegUID, segUID[:]),
		ebmlElem(idTcScale, ebmlUint(1000000)),
		ebmlElem(idMuxApp, []byte("encodeworker")),
		ebmlElem(idWrtApp, []byte("encodeworker")),
	)
	buf.Write(ebmlElem(idInfo, infoBody))

	videoBody := ebmlConcat(
		ebmlElem(idPixelW, ebmlUint(uint64(width))),
		ebmlElem(idPixelH, ebmlUint(uint64(height))),
	)
	videoEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(1)),
		ebmlElem(idTrackUID, ebmlUint(1)),
		ebmlElem(idTrackType, ebmlUint(1)),
		ebmlElem(idCodecID, []byte(videoCodecID(videoCodec))),
		ebmlElem(idVideo, videoBody),
	)
	tracksBody := ebmlElem(idTrackEntry, videoEntry)

	if hasAudio {
		freqBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(freqBytes, math.Float32bits(float32(sampleRate)))
		audioBody := ebmlConcat(
			ebmlElem(idSampFreq, freqBytes),
			ebmlElem(idChannels, ebmlUint(uint64(channels))),
		)
		audioEntry := ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(2)),
			ebmlElem(idTrackUID, ebmlUint(2)),
			ebmlElem(idTrackType, ebmlUint(2)),
			ebmlElem(idCodecID, []byte(audioCodecIDOpus)),
			ebmlElem(idCodecPrv, opusHead(channels)),
			ebmlElem(idAudio, audioBody),
		)
		tracksBody = ebmlConcat(tracksBody, ebmlElem(idTrackEntry, audioEntry))
	}
	buf.Write(ebmlElem(idTracks, tracksBody))
	return buf.Bytes()
}

func webmCluster(clusterMs int64, blocks []byte) []byte {
	tcElem := ebmlElem(idTimecode, ebmlUint(uint64(clusterMs)))
	return ebmlElem(idCluster, ebmlConcat(tcElem, blocks))
}

// webmSimpleBlock encodes one SimpleBlock. trackNum: 1=video, 2=audio.
func webmSimpleBlock(trackNum int, relMs int16, keyframe bool, data []byte) []byte {
	trackVint := ebmlVint(uint64(trackNum))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	content := make([]byte, len(trackVint)+2+1+len(data))
	copy(content, trackVint)
	binary.BigEndian.PutUint16(content[len(trackVint):], uint16(relMs))
	content[len(trackVint)+2] = flags
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

type webmAudioFrame struct {
	tsMs int64
	data []byte
}

// WebM is the Muxer Adapter backend for the "webm" container, adapted
// from a single-session live WebM broadcaster into a one-shot Muxer that
// either buffers the whole file (batch) or forwards each piece as a
// DataChunkEvent (streaming).
type WebM struct {
	mu sync.Mutex

	width, height int
	videoCodec    string
	sampleRate    int
	channels      int
	hasAudio      bool

	latencyMode config.LatencyMode
	onDataChunk func(chunk.DataChunkEvent)

	initSent bool
	offset   uint64
	batchBuf bytes.Buffer

	clusterStartMs int64
	clusterBlocks  bytes.Buffer
	clusterOpen    bool

	audioQ []webmAudioFrame

	finalized bool
}

func newWebM(codecTuple Codec, disableAudio bool, latencyMode config.LatencyMode, onDataChunk func(chunk.DataChunkEvent)) *WebM {
	return &WebM{
		width:       codecTuple.Width,
		height:      codecTuple.Height,
		videoCodec:  codecTuple.VideoCodecString,
		sampleRate:  codecTuple.SampleRate,
		channels:    codecTuple.Channels,
		hasAudio:    !disableAudio,
		latencyMode: latencyMode,
		onDataChunk: onDataChunk,
	}
}

func (w *WebM) emit(data []byte, isHeader bool) {
	if w.latencyMode == config.LatencyModeRealtime {
		w.onDataChunk(chunk.DataChunkEvent{Container: "webm", Chunk: append([]byte(nil), data...), Offset: w.offset, IsHeader: isHeader})
	} else {
		w.batchBuf.Write(data)
	}
	w.offset += uint64(len(data))
}

func (w *WebM) ensureInit() {
	if w.initSent {
		return
	}
	seg := webmInitSegment(w.width, w.height, w.videoCodec, w.hasAudio, w.sampleRate, w.channels)
	w.emit(seg, true)
	w.initSent = true
}

// AddVideoChunk opens a new cluster at every keyframe (a seekable boundary
// point), draining any queued audio into the new cluster first.
func (w *WebM) AddVideoChunk(c chunk.Encoded) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return pipelineerr.MuxingFailedf(nil, "add_video_chunk after finalize")
	}

	w.ensureInit()
	tsMs := c.TimestampUs / 1000
	keyframe := c.Kind == chunk.Key

	if keyframe && w.clusterOpen {
		w.flushClusterLocked()
	}
	if !w.clusterOpen {
		w.clusterStartMs = tsMs
		if len(w.audioQ) > 0 && w.audioQ[0].tsMs < tsMs {
			w.clusterStartMs = w.audioQ[0].tsMs
		}
		w.clusterOpen = true
		w.clusterBlocks.Reset()

		remaining := w.audioQ[:0]
		for _, af := range w.audioQ {
			rel := af.tsMs - w.clusterStartMs
			if rel < -30000 || rel > 30000 {
				continue
			}
			w.clusterBlocks.Write(webmSimpleBlock(2, int16(rel), false, af.data))
		}
		w.audioQ = remaining
	}

	relMs := int16(tsMs - w.clusterStartMs)
	w.clusterBlocks.Write(webmSimpleBlock(1, relMs, keyframe, c.Data))

	if w.latencyMode == config.LatencyModeRealtime {
		w.flushClusterLocked()
	}
	return nil
}

// AddAudioChunk queues audio until the next video frame opens a cluster
// and drains it, keeping audio in order relative to the cluster it lands in.
func (w *WebM) AddAudioChunk(c chunk.Encoded) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return pipelineerr.MuxingFailedf(nil, "add_audio_chunk after finalize")
	}
	w.ensureInit()
	tsMs := c.TimestampUs / 1000
	w.audioQ = append(w.audioQ, webmAudioFrame{tsMs: tsMs, data: c.Data})
	return nil
}

func (w *WebM) flushClusterLocked() {
	if !w.clusterOpen || w.clusterBlocks.Len() == 0 {
		w.clusterOpen = false
		return
	}
	cluster := webmCluster(w.clusterStartMs, w.clusterBlocks.Bytes())
	w.clusterOpen = false
	w.clusterBlocks.Reset()
	w.emit(cluster, false)
}

// Finalize flushes any open cluster. In batch mode it returns the full
// accumulated buffer; in streaming mode it returns nil, the bytes having
// already been streamed.
func (w *WebM) Finalize() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return nil, pipelineerr.MuxingFailedf(nil, "finalize called twice")
	}
	w.finalized = true

	w.ensureInit()
	w.flushClusterLocked()

	if w.latencyMode == config.LatencyModeRealtime {
		return nil, nil
	}
	return append([]byte(nil), w.batchBuf.Bytes()...), nil
}
