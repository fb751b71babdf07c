// Package orchestrator owns the per-session pipeline state machine: it
// runs the Negotiator, wires the Encoder Drivers to the Muxer Adapter, and
// dispatches inbound Host messages to the right effect, mirroring the
// message-type switch a long-lived session actor uses to route its own
// inbound signals.
package orchestrator

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/streamforge/encodeworker/internal/chunk"
	"github.com/streamforge/encodeworker/internal/config"
	"github.com/streamforge/encodeworker/internal/encoderdriver"
	"github.com/streamforge/encodeworker/internal/logging"
	"github.com/streamforge/encodeworker/internal/muxer"
	"github.com/streamforge/encodeworker/internal/negotiator"
	"github.com/streamforge/encodeworker/internal/pipelineerr"
	"github.com/streamforge/encodeworker/internal/timestamp"
	"github.com/streamforge/encodeworker/internal/transport"
	"github.com/streamforge/encodeworker/internal/util"
)

// phase is the session-level lifecycle state.
type phase int

const (
	phaseIdle phase = iota
	phaseRunning
	phaseCancelled
	phaseFinalized
)

// sender is the subset of *transport.Conn the session writes through; a
// session may have its primary connection and, once connectAudioPort
// fires, a second one multiplexed onto the same dispatch loop.
type sender interface {
	WriteWorkerMessage(transport.WorkerMessage) error
}

// Session runs one channel's encode pipeline end to end: negotiate codecs,
// drive the video/audio encoders, feed the muxer, and report back over the
// transport. All mutation happens on the dispatch goroutine started by
// run(); Submit is the only method safe to call from other goroutines.
type Session struct {
	id  string
	log *logging.Logger

	negotiator *negotiator.Negotiator

	inbox chan transport.HostMessage

	mu        sync.Mutex
	primary   sender
	audioPort sender

	state phase

	cfg      config.EncoderConfig
	video    *encoderdriver.Video
	audio    *encoderdriver.Audio
	mux      muxer.Adapter
	videoTS  *timestamp.Track
	audioTS  *timestamp.Track
	hasAudio bool
	errLog   *util.RingBuffer[string]
}

// NewSession builds an idle session for channel id. The session does
// nothing until run() is started by the owning Manager.
func NewSession(id string) *Session {
	return &Session{
		id:         id,
		log:        logging.Named("orchestrator"),
		negotiator: negotiator.New(),
		inbox:      make(chan transport.HostMessage, 256),
		errLog:     util.NewRingBuffer[string](64),
	}
}

// Submit enqueues msg for the dispatch loop. Safe for concurrent callers
// (the primary and audio-port read goroutines both call this).
func (s *Session) Submit(msg transport.HostMessage) {
	s.inbox <- msg
}

// classify recovers the *pipelineerr.Error every component in this module
// is supposed to return, falling back to an internal-error wrapper for the
// rare dependency error (e.g. a raw pion/mediadevices build failure) that
// never passed through the taxonomy.
func classify(err error) *pipelineerr.Error {
	if pe, ok := pipelineerr.As(err); ok {
		return pe
	}
	return pipelineerr.InternalErrorf(err, "unclassified pipeline error")
}

// run drains the inbox on the session's single dispatch goroutine: one
// mutation path, no locking needed for pipeline state (only for the sender
// fields, which concurrent Submit callers never touch directly). A session
// is reusable across finalize/cancel: a later initialize resets state and
// resumes dispatch on the same loop rather than requiring a fresh
// goroutine; the loop only ends when the Manager closes the inbox.
func (s *Session) run() {
	for msg := range s.inbox {
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg transport.HostMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.sendError(pipelineerr.InternalErrorf(nil, "dispatch %s: panic: %v", msg.Type, r))
		}
	}()

	if s.state == phaseCancelled && msg.Type != transport.TypeInitialize {
		return
	}

	switch msg.Type {
	case transport.TypeInitialize:
		s.handleInitialize(msg.Initialize)
	case transport.TypeAddVideoFrame:
		s.handleAddVideoFrame(msg.AddVideoFrame, msg.Binary)
	case transport.TypeAddAudioData:
		s.handleAddAudioData(msg.AddAudioData, msg.Binary)
	case transport.TypeConnectAudioPort:
		// Handled out of band by Manager.AttachAudioPort, which installs
		// s.audioPort directly; an envelope of this type reaching the
		// dispatch loop itself is a no-op.
	case transport.TypeFinalize:
		s.handleFinalize()
	case transport.TypeCancel:
		s.handleCancel()
	default:
		s.warn("ignoring unknown message type %q", msg.Type)
	}
}

func (s *Session) handleInitialize(data *transport.InitializeData) {
	if data == nil {
		s.sendError(pipelineerr.InitializationFailedf(nil, "initialize: missing config"))
		return
	}
	if err := data.Config.Validate(); err != nil {
		s.sendError(classify(err))
		return
	}

	result, err := s.negotiator.Negotiate(data.Config)
	if err != nil {
		s.sendError(classify(err))
		return
	}

	videoDriver := encoderdriver.NewVideo()
	audioDriver := encoderdriver.NewAudio()

	codecTuple := muxer.Codec{
		VideoCodecString: result.ActualVideoCodec,
		AudioCodecString: result.ActualAudioCodec,
		Width:            data.Config.Width,
		Height:           data.Config.Height,
		SampleRate:       data.Config.SampleRate,
		Channels:         result.AudioChannels,
	}
	muxAdapter, err := muxer.New(data.Config.Container, codecTuple, result.DisableAudio, data.Config.LatencyMode, s.emitDataChunk)
	if err != nil {
		s.sendError(classify(err))
		return
	}

	if data.Config.VideoEnabled() {
		videoRequested := data.Config.Codec.Video
		if videoRequested == "" {
			videoRequested = defaultVideoCodecFor(data.Config.Container)
		}
		// A vp9/hevc/av1 request the Negotiator moved to avc is built as avc.
		if strings.HasPrefix(result.ActualVideoCodec, "avc1.") {
			videoRequested = config.VideoCodecAVC
		}
		videoBuilder, err := newVideoEncoderBuilder(videoRequested, data.Config)
		if err != nil {
			s.sendError(classify(err))
			return
		}
		emitProgress := data.Config.LatencyMode == config.LatencyModeQuality
		if err := videoDriver.Configure(videoBuilder, videoMediaProp(data.Config), uint64(data.Config.KeyFrameInterval), data.TotalFrames, emitProgress, s.onVideoChunk, s.onProgress, s.onDriverError); err != nil {
			s.sendError(classify(err))
			return
		}
	}
	if !result.DisableAudio {
		audioBuilder, err := newAudioEncoderBuilder(data.Config)
		if err != nil {
			s.sendError(classify(err))
			return
		}
		if err := audioDriver.Configure(audioBuilder, audioMediaProp(data.Config), result.AudioChannels, s.onAudioChunk, s.onDriverError); err != nil {
			s.sendError(classify(err))
			return
		}
	}

	s.cfg = data.Config
	s.video = videoDriver
	s.audio = audioDriver
	s.mux = muxAdapter
	s.videoTS = timestamp.NewTrack(data.Config.FirstTimestampBehavior)
	s.audioTS = timestamp.NewTrack(data.Config.FirstTimestampBehavior)
	s.hasAudio = !result.DisableAudio
	s.state = phaseRunning

	var actualAudio *string
	if !result.DisableAudio {
		a := result.ActualAudioCodec
		actualAudio = &a
	}
	s.send(transport.WorkerMessage{
		Type:        transport.TypeInitialized,
		Initialized: &transport.InitializedData{ActualVideoCodec: result.ActualVideoCodec, ActualAudioCodec: actualAudio},
	})
}

func (s *Session) handleAddVideoFrame(data *transport.AddVideoFrameData, binary []byte) {
	if s.state != phaseRunning || s.video == nil {
		s.warn("addVideoFrame while not running, dropping")
		return
	}
	if data == nil {
		s.sendError(pipelineerr.VideoEncodingErrorf(nil, "addVideoFrame: missing payload"))
		return
	}

	img, err := decodeVideoFrame(binary, s.cfg.Width, s.cfg.Height)
	if err != nil {
		s.sendError(classify(err))
		return
	}

	ts := s.videoTS.Normalize(data.TimestampUs, true)
	if err := s.video.Encode(img, nil, ts); err != nil {
		s.sendError(classify(err))
		return
	}
	s.emitQueueSize()
}

func (s *Session) handleAddAudioData(data *transport.AddAudioDataData, binary []byte) {
	if s.state != phaseRunning || s.audio == nil {
		s.warn("addAudioData while not running, dropping")
		return
	}
	if data == nil {
		s.sendError(pipelineerr.AudioEncodingErrorf(nil, "addAudioData: missing payload"))
		return
	}

	planar, err := decodePlanarFloat32(binary, data.NumberOfChannels, data.NumberOfFrames)
	if err != nil {
		s.sendError(classify(err))
		return
	}

	ts := s.audioTS.Normalize(data.TimestampUs, true)
	if err := s.audio.EncodePlanarFloat32(planar, data.SampleRate, data.NumberOfFrames, data.NumberOfChannels, ts); err != nil {
		s.sendError(classify(err))
		return
	}
	s.emitQueueSize()
}

func (s *Session) handleFinalize() {
	if s.state != phaseRunning {
		s.warn("finalize while not running, ignoring")
		return
	}

	var g errgroup.Group
	if s.video != nil {
		g.Go(s.video.Flush)
	}
	if s.audio != nil {
		g.Go(s.audio.Flush)
	}
	if err := g.Wait(); err != nil {
		s.sendError(classify(err))
		return
	}

	var output []byte
	if s.mux != nil {
		out, err := s.mux.Finalize()
		if err != nil {
			s.sendError(classify(err))
			return
		}
		output = out
	}

	s.closeDrivers()
	s.state = phaseFinalized

	msg := transport.WorkerMessage{Type: transport.TypeFinalized, Finalized: &transport.FinalizedData{HasOutput: len(output) > 0}}
	if len(output) > 0 {
		msg.Binary = output
	}
	s.send(msg)
}

func (s *Session) handleCancel() {
	if s.state == phaseCancelled {
		return
	}
	s.closeDrivers()
	s.mux = nil
	s.state = phaseCancelled
	s.send(transport.WorkerMessage{Type: transport.TypeCancelled})
}

func (s *Session) closeDrivers() {
	if s.video != nil {
		if err := s.video.Close(); err != nil {
			s.warn("close video driver: %v", err)
		}
	}
	if s.audio != nil {
		if err := s.audio.Close(); err != nil {
			s.warn("close audio driver: %v", err)
		}
	}
}

func (s *Session) onVideoChunk(c chunk.Encoded) {
	if s.state != phaseRunning || s.mux == nil {
		return
	}
	if err := s.mux.AddVideoChunk(c); err != nil {
		s.sendError(classify(err))
	}
}

func (s *Session) onAudioChunk(c chunk.Encoded) {
	if s.state != phaseRunning || s.mux == nil {
		return
	}
	if err := s.mux.AddAudioChunk(c); err != nil {
		s.sendError(classify(err))
	}
}

func (s *Session) onProgress(processed, total uint64) {
	if s.state != phaseRunning {
		return
	}
	s.send(transport.WorkerMessage{Type: transport.TypeProgress, Progress: &transport.ProgressData{ProcessedFrames: processed, TotalFrames: total}})
}

func (s *Session) onDriverError(err *pipelineerr.Error) {
	s.errLog.Push(err.Error())
	s.sendError(err)
}

func (s *Session) emitDataChunk(e chunk.DataChunkEvent) {
	if s.state == phaseFinalized || s.state == phaseCancelled {
		return
	}
	s.send(transport.WorkerMessage{
		Type: transport.TypeDataChunk,
		DataChunk: &transport.DataChunkData{
			Container: e.Container,
			Offset:    e.Offset,
			IsHeader:  e.IsHeader,
		},
		Binary: e.Chunk,
	})
}

func (s *Session) emitQueueSize() {
	var vq, aq uint32
	if s.video != nil {
		vq = s.video.QueueSize()
	}
	if s.audio != nil {
		aq = s.audio.QueueSize()
	}
	s.send(transport.WorkerMessage{Type: transport.TypeQueueSize, QueueSize: &transport.QueueSizeData{VideoQueueSize: vq, AudioQueueSize: aq}})
}

func (s *Session) sendError(err *pipelineerr.Error) {
	s.errLog.Push(err.Error())
	s.send(transport.NewErrorMessage(err))
}

func (s *Session) warn(format string, args ...any) {
	s.log.Warnf("session %s: %s", s.id, fmt.Sprintf(format, args...))
	s.errLog.Push(fmt.Sprintf(format, args...))
}

// send always writes on the primary connection: connectAudioPort only
// changes where inbound messages come from (attachAudioPort feeds them
// into the same Submit channel as the primary connection), so every
// outbound reply still has exactly one destination.
func (s *Session) send(msg transport.WorkerMessage) {
	s.mu.Lock()
	dst := s.primary
	s.mu.Unlock()
	if dst == nil {
		return
	}
	if err := dst.WriteWorkerMessage(msg); err != nil {
		s.log.Warnf("session %s: write %s: %v", s.id, msg.Type, err)
	}
}

// attachAudioPort installs conn as the session's secondary message source.
func (s *Session) attachAudioPort(conn *transport.Conn) {
	s.mu.Lock()
	s.audioPort = conn
	s.mu.Unlock()

	for {
		msg, err := conn.ReadHostMessage()
		if err != nil {
			return
		}
		s.Submit(msg)
	}
}
