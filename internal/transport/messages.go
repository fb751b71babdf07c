// Package transport carries the Host<->Worker message protocol over a
// gorilla/websocket connection, mirroring the tagged JSON envelope the
// teacher's MQ protocol uses (MQMsg/MQAck with a "type" discriminator),
// generalized into one closed sum type per direction.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/streamforge/encodeworker/internal/config"
	"github.com/streamforge/encodeworker/internal/pipelineerr"
)

// Host->Worker message type discriminators.
const (
	TypeInitialize       = "initialize"
	TypeAddVideoFrame    = "addVideoFrame"
	TypeAddAudioData     = "addAudioData"
	TypeConnectAudioPort = "connectAudioPort"
	TypeFinalize         = "finalize"
	TypeCancel           = "cancel"
)

// Worker->Host message type discriminators.
const (
	TypeInitialized = "initialized"
	TypeProgress    = "progress"
	TypeQueueSize   = "queueSize"
	TypeDataChunk   = "dataChunk"
	TypeFinalized   = "finalized"
	TypeCancelled   = "cancelled"
	TypeError       = "error"
)

// envelope is the wire shape for every frame: a type discriminator plus the
// type-specific payload, exactly like mq.MQMsg's Type/Payload split.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// InitializeData is the payload of an "initialize" Host->Worker message.
type InitializeData struct {
	Config      config.EncoderConfig `json:"config"`
	TotalFrames *uint64              `json:"totalFrames,omitempty"`
}

// AddVideoFrameData is the payload of an "addVideoFrame" message; the frame
// bytes themselves travel as the binary frame immediately following this
// JSON frame (see Conn.ReadHostMessage).
type AddVideoFrameData struct {
	TimestampUs int64 `json:"timestamp_us"`
}

// AddAudioDataData is the payload of an "addAudioData" message. When
// NumberOfChannels planar float32 buffers are attached, they arrive as one
// binary frame holding NumberOfChannels*NumberOfFrames float32 values in
// channel-major order (channel 0's samples, then channel 1's, ...).
type AddAudioDataData struct {
	TimestampUs      int64  `json:"timestamp_us"`
	Format           string `json:"format"`
	SampleRate       int    `json:"sampleRate"`
	NumberOfFrames   int    `json:"numberOfFrames"`
	NumberOfChannels int    `json:"numberOfChannels"`
}

// HostMessage is the decoded form of one inbound frame, with Binary set
// when the message type carries a trailing binary payload.
type HostMessage struct {
	Type             string
	Initialize       *InitializeData
	AddVideoFrame    *AddVideoFrameData
	AddAudioData     *AddAudioDataData
	ConnectAudioPort bool
	Finalize         bool
	Cancel           bool
	Binary           []byte
}

func decodeHostMessage(raw []byte) (HostMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return HostMessage{}, pipelineerr.WorkerErrorf(err, "decode host message envelope")
	}

	msg := HostMessage{Type: env.Type}
	switch env.Type {
	case TypeInitialize:
		var d InitializeData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return HostMessage{}, pipelineerr.ConfigurationErrorf(err, "decode initialize payload")
		}
		msg.Initialize = &d
	case TypeAddVideoFrame:
		var d AddVideoFrameData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return HostMessage{}, pipelineerr.WorkerErrorf(err, "decode addVideoFrame payload")
		}
		msg.AddVideoFrame = &d
	case TypeAddAudioData:
		var d AddAudioDataData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return HostMessage{}, pipelineerr.WorkerErrorf(err, "decode addAudioData payload")
		}
		msg.AddAudioData = &d
	case TypeConnectAudioPort:
		msg.ConnectAudioPort = true
	case TypeFinalize:
		msg.Finalize = true
	case TypeCancel:
		msg.Cancel = true
	default:
		return HostMessage{}, pipelineerr.WorkerErrorf(nil, "unknown host message type %q", env.Type)
	}
	return msg, nil
}

// hasBinaryPayload reports whether msgType's frame is followed by a binary
// frame the caller must read before dispatching.
func hasBinaryPayload(msgType string) bool {
	return msgType == TypeAddVideoFrame || msgType == TypeAddAudioData
}

// ErrorDetail is the payload shape of a worker "error" message.
type ErrorDetail struct {
	Message string           `json:"message"`
	Type    pipelineerr.Kind `json:"type"`
	Stack   string           `json:"stack,omitempty"`
}

// WorkerMessage is the outbound counterpart of HostMessage: exactly one of
// the typed fields is set, matching env.Type. Binary, if non-nil, is
// written as the binary frame immediately following the JSON frame.
type WorkerMessage struct {
	Type        string
	Initialized *InitializedData
	Progress    *ProgressData
	QueueSize   *QueueSizeData
	DataChunk   *DataChunkData
	Finalized   *FinalizedData
	Error       *ErrorDetail
	Binary      []byte
}

type InitializedData struct {
	ActualVideoCodec string  `json:"actualVideoCodec"`
	ActualAudioCodec *string `json:"actualAudioCodec"`
}

type ProgressData struct {
	ProcessedFrames uint64 `json:"processedFrames"`
	TotalFrames     uint64 `json:"totalFrames"`
}

type QueueSizeData struct {
	VideoQueueSize uint32 `json:"videoQueueSize"`
	AudioQueueSize uint32 `json:"audioQueueSize"`
}

// DataChunkData is the payload of a "dataChunk" message; Chunk itself
// travels as the trailing binary frame.
type DataChunkData struct {
	Container string `json:"container"`
	Offset    uint64 `json:"offset"`
	IsHeader  bool   `json:"isHeader"`
}

// FinalizedData is the payload of a "finalized" message; Output, when
// HasOutput is true, travels as the trailing binary frame.
type FinalizedData struct {
	HasOutput bool `json:"hasOutput"`
}

func encodeWorkerMessage(msg WorkerMessage) ([]byte, error) {
	var data any
	switch msg.Type {
	case TypeInitialized:
		data = msg.Initialized
	case TypeProgress:
		data = msg.Progress
	case TypeQueueSize:
		data = msg.QueueSize
	case TypeDataChunk:
		data = msg.DataChunk
	case TypeFinalized:
		data = msg.Finalized
	case TypeCancelled:
		data = struct{}{}
	case TypeError:
		data = msg.Error
	default:
		return nil, fmt.Errorf("transport: unknown worker message type %q", msg.Type)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal %s payload: %w", msg.Type, err)
	}
	return json.Marshal(envelope{Type: msg.Type, Data: raw})
}

// NewErrorMessage builds the WorkerMessage for a *pipelineerr.Error,
// attaching a stack trace only when the error carries one (internal-error
// and unknown, per the closed error taxonomy).
func NewErrorMessage(err *pipelineerr.Error) WorkerMessage {
	detail := ErrorDetail{Message: err.Message, Type: err.Kind}
	if len(err.Stack) > 0 {
		detail.Stack = string(err.Stack)
	}
	return WorkerMessage{Type: TypeError, Error: &detail}
}
