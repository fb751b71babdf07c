package orchestrator

import (
	"testing"
	"time"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/streamforge/encodeworker/internal/chunk"
	"github.com/streamforge/encodeworker/internal/config"
	"github.com/streamforge/encodeworker/internal/transport"
)

type fakeSender struct {
	sent []transport.WorkerMessage
}

func (f *fakeSender) WriteWorkerMessage(msg transport.WorkerMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

type fakeAudioReadCloser struct {
	r audio.Reader
}

func (f *fakeAudioReadCloser) Read() (codec.EncodedBuffer, func(), error) {
	_, release, err := f.r.Read()
	if err != nil {
		return codec.EncodedBuffer{}, nil, err
	}
	return codec.EncodedBuffer{Data: []byte{0xaa}, Timestamp: time.Now()}, release, nil
}

func (f *fakeAudioReadCloser) Close() error         { return nil }
func (f *fakeAudioReadCloser) SetBitRate(int) error { return nil }
func (f *fakeAudioReadCloser) ForceKeyFrame() error { return nil }

type fakeAudioBuilder struct{}

func (fakeAudioBuilder) BuildAudioEncoder(r audio.Reader, p prop.Media) (codec.ReadCloser, error) {
	return &fakeAudioReadCloser{r: r}, nil
}

// withFakeAudioBuilder substitutes newAudioEncoderBuilder for the duration
// of one test so handleInitialize never spins a real opus encoder, and
// restores it on cleanup.
func withFakeAudioBuilder(t *testing.T) {
	t.Helper()
	orig := newAudioEncoderBuilder
	newAudioEncoderBuilder = func(config.EncoderConfig) (codec.AudioEncoderBuilder, error) {
		return fakeAudioBuilder{}, nil
	}
	t.Cleanup(func() { newAudioEncoderBuilder = orig })
}

func newTestSession() (*Session, *fakeSender) {
	sess := NewSession("chan-1")
	fs := &fakeSender{}
	sess.primary = fs
	return sess, fs
}

func TestDispatchUnknownTypeWarnsWithoutReply(t *testing.T) {
	sess, fs := newTestSession()
	sess.dispatch(transport.HostMessage{Type: "bogus"})
	if len(fs.sent) != 0 {
		t.Fatalf("got %d replies, want 0", len(fs.sent))
	}
}

func TestDispatchFinalizeWhileIdleIsIgnored(t *testing.T) {
	sess, fs := newTestSession()
	sess.dispatch(transport.HostMessage{Type: transport.TypeFinalize, Finalize: true})
	if len(fs.sent) != 0 {
		t.Fatalf("got %d replies, want 0", len(fs.sent))
	}
	if sess.state != phaseIdle {
		t.Fatalf("got state %v, want phaseIdle", sess.state)
	}
}

func TestDispatchAddVideoFrameWhileIdleIsDropped(t *testing.T) {
	sess, fs := newTestSession()
	sess.dispatch(transport.HostMessage{
		Type:          transport.TypeAddVideoFrame,
		AddVideoFrame: &transport.AddVideoFrameData{TimestampUs: 0},
		Binary:        []byte{1, 2, 3},
	})
	if len(fs.sent) != 0 {
		t.Fatalf("got %d replies, want 0", len(fs.sent))
	}
}

func TestDispatchCancelIsIdempotent(t *testing.T) {
	sess, fs := newTestSession()
	sess.dispatch(transport.HostMessage{Type: transport.TypeCancel, Cancel: true})
	if len(fs.sent) != 1 || fs.sent[0].Type != transport.TypeCancelled {
		t.Fatalf("got %+v, want exactly one cancelled reply", fs.sent)
	}

	sess.dispatch(transport.HostMessage{Type: transport.TypeCancel, Cancel: true})
	if len(fs.sent) != 1 {
		t.Fatalf("second cancel must be a no-op, got %d replies", len(fs.sent))
	}
}

func TestDispatchCancelThenInitializeResumesDispatch(t *testing.T) {
	withFakeAudioBuilder(t)

	sess, fs := newTestSession()
	sess.negotiator.VideoProbe = func(config.VideoCodec, config.HardwarePreference, string, config.EncoderConfig) (bool, string, error) {
		return false, "", nil
	}
	sess.negotiator.AudioProbe = func(config.AudioCodec, config.HardwarePreference, string, config.EncoderConfig) (bool, string, int, error) {
		return true, "opus", 2, nil
	}

	sess.dispatch(transport.HostMessage{Type: transport.TypeCancel, Cancel: true})
	if sess.state != phaseCancelled {
		t.Fatalf("got state %v, want phaseCancelled", sess.state)
	}

	sess.dispatch(transport.HostMessage{
		Type: transport.TypeInitialize,
		Initialize: &transport.InitializeData{Config: config.EncoderConfig{
			AudioBitrate: 64000, SampleRate: 48000, Channels: 2,
			Container: config.ContainerWebM, LatencyMode: config.LatencyModeQuality,
			HardwareAcceleration: config.HardwareNoPreference,
			FirstTimestampBehavior: config.FirstTimestampOffset,
		}},
	})

	if len(fs.sent) != 2 {
		t.Fatalf("got %d replies, want 2 (cancelled, then initialized/error)", len(fs.sent))
	}
	if fs.sent[1].Type != transport.TypeInitialized {
		t.Fatalf("got reply type %q, want initialized: %+v", fs.sent[1].Type, fs.sent[1])
	}
}

func TestHandleInitializeMissingConfigIsInitializationFailed(t *testing.T) {
	sess, fs := newTestSession()
	sess.handleInitialize(nil)

	if len(fs.sent) != 1 || fs.sent[0].Type != transport.TypeError {
		t.Fatalf("got %+v, want exactly one error reply", fs.sent)
	}
	if fs.sent[0].Error.Type != "initialization-failed" {
		t.Fatalf("got kind %q, want initialization-failed", fs.sent[0].Error.Type)
	}
}

func TestHandleInitializeNoSupportedVideoCodecReportsError(t *testing.T) {
	sess, fs := newTestSession()
	sess.negotiator.VideoProbe = func(config.VideoCodec, config.HardwarePreference, string, config.EncoderConfig) (bool, string, error) {
		return false, "", nil
	}

	sess.handleInitialize(&transport.InitializeData{Config: config.EncoderConfig{
		Width: 640, Height: 480, FrameRate: 30, VideoBitrate: 1_000_000,
		Container: config.ContainerMP4, LatencyMode: config.LatencyModeQuality,
		HardwareAcceleration:   config.HardwareNoPreference,
		FirstTimestampBehavior: config.FirstTimestampOffset,
	}})

	if len(fs.sent) != 1 || fs.sent[0].Type != transport.TypeError {
		t.Fatalf("got %+v, want exactly one error reply", fs.sent)
	}
	if fs.sent[0].Error.Type != "not-supported" {
		t.Fatalf("got kind %q, want not-supported", fs.sent[0].Error.Type)
	}
	if sess.state != phaseIdle {
		t.Fatalf("a failed initialize must leave the session Idle, got %v", sess.state)
	}
}

func TestEmitDataChunkSuppressedAfterCancel(t *testing.T) {
	sess, fs := newTestSession()
	sess.state = phaseCancelled
	sess.emitDataChunk(chunk.DataChunkEvent{Container: "webm", Chunk: []byte{1}})
	if len(fs.sent) != 0 {
		t.Fatalf("got %d dataChunk replies after cancel, want 0", len(fs.sent))
	}
}
