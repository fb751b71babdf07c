package transport

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/streamforge/encodeworker/internal/pipelineerr"
)

// Conn wraps one gorilla/websocket connection with the envelope-plus-
// optional-binary-frame read/write contract the protocol uses. Reads are
// only ever done from the one goroutine that owns the connection
// (Manager.HandlePrimary or the audio-port loop), which hands each message
// to the session's dispatch loop; writes are
// serialized with writeMu since the host can receive progress/queueSize/
// dataChunk messages concurrently with the orchestrator processing new
// inbound frames.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// NewConn wraps an already-upgraded websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// ReadHostMessage reads one JSON frame and, if the message type carries a
// trailing binary payload, the binary frame that must immediately follow
// it. The caller owns Binary from this call onward; this is the transport
// layer's analogue of a structured-clone transfer.
func (c *Conn) ReadHostMessage() (HostMessage, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return HostMessage{}, pipelineerr.WorkerErrorf(err, "read host message frame")
	}
	if mt != websocket.TextMessage {
		return HostMessage{}, pipelineerr.WorkerErrorf(nil, "expected a text frame for the message envelope, got frame type %d", mt)
	}

	msg, err := decodeHostMessage(data)
	if err != nil {
		return HostMessage{}, err
	}

	if hasBinaryPayload(msg.Type) {
		bmt, bdata, err := c.ws.ReadMessage()
		if err != nil {
			return HostMessage{}, pipelineerr.WorkerErrorf(err, "read binary frame for %s", msg.Type)
		}
		if bmt != websocket.BinaryMessage {
			return HostMessage{}, pipelineerr.WorkerErrorf(nil, "expected a binary frame to follow %s, got frame type %d", msg.Type, bmt)
		}
		msg.Binary = bdata
	}
	return msg, nil
}

// WriteWorkerMessage sends msg as a text frame and, if non-nil, msg.Binary
// as the immediately following binary frame. Safe for concurrent use.
func (c *Conn) WriteWorkerMessage(msg WorkerMessage) error {
	raw, err := encodeWorkerMessage(msg)
	if err != nil {
		return pipelineerr.WorkerErrorf(err, "encode worker message")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return pipelineerr.WorkerErrorf(err, "write %s frame", msg.Type)
	}
	if msg.Binary != nil {
		if err := c.ws.WriteMessage(websocket.BinaryMessage, msg.Binary); err != nil {
			return pipelineerr.WorkerErrorf(err, "write %s binary frame", msg.Type)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
