package encoderdriver

import (
	"io"
	"sync"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"

	"github.com/streamforge/encodeworker/internal/chunk"
	"github.com/streamforge/encodeworker/internal/pipelineerr"
)

type audioFrameItem struct {
	data        wave.Audio
	release     func()
	timestampUs int64
}

// channelAudioReader is the audio analogue of channelVideoReader: it queues
// each submitted timestampUs in submission order so readLoop can pair it
// back up with the chunk the encoder emits for that sample.
type channelAudioReader struct {
	frames chan audioFrameItem

	mu   sync.Mutex
	pend []int64
}

func (r *channelAudioReader) Read() (wave.Audio, func(), error) {
	item, ok := <-r.frames
	if !ok {
		return nil, nil, io.EOF
	}
	r.mu.Lock()
	r.pend = append(r.pend, item.timestampUs)
	r.mu.Unlock()
	return item.data, item.release, nil
}

// nextTimestamp returns the timestampUs queued for the oldest sample the
// encoder has pulled but not yet emitted a chunk for.
func (r *channelAudioReader) nextTimestamp() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pend) == 0 {
		return 0
	}
	ts := r.pend[0]
	r.pend = r.pend[1:]
	return ts
}

// Audio is the audio-track Encoder Driver.
type Audio struct {
	stateMachine

	enc    codec.ReadCloser
	reader *channelAudioReader

	configuredChannels int

	onChunk func(chunk.Encoded)

	drainCond *sync.Cond
	closeOnce sync.Once
}

// NewAudio builds an unconfigured audio driver.
func NewAudio() *Audio {
	a := &Audio{}
	a.drainCond = sync.NewCond(&a.mu)
	return a
}

// Configure builds the underlying codec engine.
func (a *Audio) Configure(builder codec.AudioEncoderBuilder, mediaProp prop.Media, configuredChannels int, onChunk func(chunk.Encoded), onError func(*pipelineerr.Error)) error {
	if err := a.requireState(Unconfigured, "configure"); err != nil {
		return err
	}

	a.reader = &channelAudioReader{frames: make(chan audioFrameItem, 64)}
	enc, err := builder.BuildAudioEncoder(a.reader, mediaProp)
	if err != nil {
		return pipelineerr.InitializationFailedf(err, "build audio encoder")
	}

	a.enc = enc
	a.configuredChannels = configuredChannels
	a.onChunk = onChunk
	a.onError = onError

	a.setState(Configured)
	go a.readLoop()
	return nil
}

func (a *Audio) readLoop() {
	for {
		buf, release, err := a.enc.Read()
		if err != nil {
			if err == io.EOF {
				return
			}
			a.poison(pipelineerr.AudioEncodingErrorf(err, "audio encoder read"))
			return
		}

		a.onChunk(chunk.Encoded{
			Kind:        chunk.Key,
			TimestampUs: a.reader.nextTimestamp(),
			Data:        append([]byte(nil), buf.Data...),
		})
		if release != nil {
			release()
		}

		a.mu.Lock()
		a.queueSize--
		a.drainCond.Broadcast()
		a.mu.Unlock()
	}
}

// EncodeAudioData submits an already-constructed audio-data value.
func (a *Audio) EncodeAudioData(data wave.Audio, release func(), timestampUs int64) error {
	return a.submit(data, release, timestampUs)
}

// EncodePlanarFloat32 constructs audio-data from planar Float32 channel
// arrays, rejecting a channel-count mismatch before building anything.
func (a *Audio) EncodePlanarFloat32(planar [][]float32, sampleRate, numberOfFrames, numberOfChannels int, timestampUs int64) error {
	if numberOfChannels != a.configuredChannels {
		return pipelineerr.ConfigurationErrorf(nil, "audio data has %d channels, configured channels=%d", numberOfChannels, a.configuredChannels)
	}

	chunkInfo := wave.ChunkInfo{Len: numberOfFrames, Channels: numberOfChannels, SamplingRate: sampleRate}
	buf := wave.NewFloat32Interleaved(chunkInfo)
	for ch := 0; ch < numberOfChannels && ch < len(planar); ch++ {
		for i := 0; i < numberOfFrames && i < len(planar[ch]); i++ {
			buf.Data[i*numberOfChannels+ch] = wave.Float32Sample(planar[ch][i])
		}
	}

	return a.submit(buf, nil, timestampUs)
}

func (a *Audio) submit(data wave.Audio, release func(), timestampUs int64) error {
	if st := a.State(); st != Configured {
		return pipelineerr.AudioEncodingErrorf(nil, "encode: driver not configured (state=%s)", st)
	}

	a.mu.Lock()
	a.queueSize++
	a.mu.Unlock()

	// release is forwarded to the codec engine and called once it is done
	// with data (in readLoop), not here.
	a.reader.frames <- audioFrameItem{data: data, release: release, timestampUs: timestampUs}
	return nil
}

// QueueSize reports the backpressure counter (submitted minus emitted).
func (a *Audio) QueueSize() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queueSizeLocked()
}

// Flush blocks until every submitted sample has produced an encoded chunk.
func (a *Audio) Flush() error {
	if err := a.requireState(Configured, "flush"); err != nil {
		return err
	}
	a.setState(Flushing)

	a.mu.Lock()
	for a.queueSize > 0 {
		a.drainCond.Wait()
	}
	a.mu.Unlock()

	a.setState(Configured)
	return nil
}

// Close releases the codec engine. Safe to call more than once.
func (a *Audio) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.setState(Closed)
		if a.reader != nil {
			close(a.reader.frames)
		}
		if a.enc != nil {
			err = a.enc.Close()
		}
	})
	return err
}
