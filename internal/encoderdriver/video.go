package encoderdriver

import (
	"image"
	"io"
	"sync"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/streamforge/encodeworker/internal/chunk"
	"github.com/streamforge/encodeworker/internal/logging"
	"github.com/streamforge/encodeworker/internal/pipelineerr"
)

type videoFrameItem struct {
	img         image.Image
	release     func()
	timestampUs int64
}

// channelVideoReader adapts a push-style Encode() call into the pull-style
// video.Reader the codec engine drives internally. video.Reader's signature
// has no room for a timestamp, so the submitted timestampUs is queued
// separately in submission order and paired back up with the chunk readLoop
// receives for that frame via nextTimestamp.
type channelVideoReader struct {
	frames chan videoFrameItem

	mu   sync.Mutex
	pend []int64
}

func (r *channelVideoReader) Read() (image.Image, func(), error) {
	item, ok := <-r.frames
	if !ok {
		return nil, nil, io.EOF
	}
	r.mu.Lock()
	r.pend = append(r.pend, item.timestampUs)
	r.mu.Unlock()
	return item.img, item.release, nil
}

// nextTimestamp returns the timestampUs queued for the oldest frame the
// encoder has pulled but not yet emitted a chunk for.
func (r *channelVideoReader) nextTimestamp() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pend) == 0 {
		return 0
	}
	ts := r.pend[0]
	r.pend = r.pend[1:]
	return ts
}

// Video is the video-track Encoder Driver.
type Video struct {
	stateMachine

	enc    codec.ReadCloser
	reader *channelVideoReader

	keyFrameInterval uint64
	processedFrames  uint64
	totalFrames      *uint64
	emitProgress     bool

	onChunk    func(chunk.Encoded)
	onProgress func(processed uint64, total uint64)

	drainCond *sync.Cond
	closeOnce sync.Once

	log *logging.Logger
}

// NewVideo builds an unconfigured video driver.
func NewVideo() *Video {
	v := &Video{log: logging.Named("encoderdriver.video")}
	v.drainCond = sync.NewCond(&v.mu)
	return v
}

// Configure builds the underlying codec engine from builder/mediaProp and
// starts the driver's read loop. keyFrameInterval==0 means "no forced key
// frames" (encoder default).
func (v *Video) Configure(builder codec.VideoEncoderBuilder, mediaProp prop.Media, keyFrameInterval uint64, totalFrames *uint64, emitProgress bool, onChunk func(chunk.Encoded), onProgress func(processed, total uint64), onError func(*pipelineerr.Error)) error {
	if err := v.requireState(Unconfigured, "configure"); err != nil {
		return err
	}

	v.reader = &channelVideoReader{frames: make(chan videoFrameItem, 64)}
	enc, err := builder.BuildVideoEncoder(v.reader, mediaProp)
	if err != nil {
		return pipelineerr.InitializationFailedf(err, "build video encoder")
	}

	v.enc = enc
	v.keyFrameInterval = keyFrameInterval
	v.totalFrames = totalFrames
	v.emitProgress = emitProgress
	v.onChunk = onChunk
	v.onProgress = onProgress
	v.onError = onError

	v.setState(Configured)
	go v.readLoop()
	return nil
}

func (v *Video) readLoop() {
	first := true
	for {
		buf, release, err := v.enc.Read()
		if err != nil {
			if err == io.EOF {
				return
			}
			v.poison(pipelineerr.VideoEncodingErrorf(err, "video encoder read"))
			return
		}

		kind := chunk.Delta
		if first {
			kind = chunk.Key
			first = false
		}

		v.onChunk(chunk.Encoded{
			Kind:        kind,
			TimestampUs: v.reader.nextTimestamp(),
			Data:        append([]byte(nil), buf.Data...),
		})
		if release != nil {
			release()
		}

		v.mu.Lock()
		v.queueSize--
		v.drainCond.Broadcast()
		v.mu.Unlock()
	}
}

// Encode submits one decoded frame. If keyFrameInterval is set and the
// frame counter lands on it, a key-frame hint is forced on the encoder
// before the frame is pushed.
func (v *Video) Encode(img image.Image, release func(), timestampUs int64) error {
	if st := v.State(); st != Configured {
		return pipelineerr.VideoEncodingErrorf(nil, "encode: driver not configured (state=%s)", st)
	}

	v.mu.Lock()
	due := v.keyFrameInterval > 0 && v.processedFrames%v.keyFrameInterval == 0
	v.mu.Unlock()
	if due {
		if err := v.enc.ForceKeyFrame(); err != nil {
			v.log.Warnf("force key frame: %v", err)
		}
	}

	v.mu.Lock()
	v.queueSize++
	v.mu.Unlock()

	// release is handed to the codec engine via channelVideoReader and is
	// called once the engine is actually done with img (in readLoop), not
	// here — calling it now would race the encoder's own use of the frame.
	v.reader.frames <- videoFrameItem{img: img, release: release, timestampUs: timestampUs}

	v.mu.Lock()
	v.processedFrames++
	processed := v.processedFrames
	v.mu.Unlock()

	if v.emitProgress && v.totalFrames != nil && v.onProgress != nil {
		v.onProgress(processed, *v.totalFrames)
	}
	return nil
}

// QueueSize reports the backpressure counter (submitted minus emitted).
func (v *Video) QueueSize() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.queueSizeLocked()
}

// ProcessedFrames returns the frame counter for progress reporting.
func (v *Video) ProcessedFrames() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.processedFrames
}

// Flush blocks until every submitted frame has produced an encoded chunk,
// then returns the driver to Configured.
func (v *Video) Flush() error {
	if err := v.requireState(Configured, "flush"); err != nil {
		return err
	}
	v.setState(Flushing)

	v.mu.Lock()
	for v.queueSize > 0 {
		v.drainCond.Wait()
	}
	v.mu.Unlock()

	v.setState(Configured)
	return nil
}

// Close releases the codec engine and closes the frame channel. Safe to
// call more than once.
func (v *Video) Close() error {
	var err error
	v.closeOnce.Do(func() {
		v.setState(Closed)
		if v.reader != nil {
			close(v.reader.frames)
		}
		if v.enc != nil {
			err = v.enc.Close()
		}
	})
	return err
}
