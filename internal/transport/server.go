package transport

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/streamforge/encodeworker/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SessionHost is implemented by the orchestrator's session registry: it
// owns dispatching inbound messages to the right session and attaching a
// secondary audio-port connection to an already-running one.
type SessionHost interface {
	// HandlePrimary feeds conn's messages to its session, blocking until
	// conn stops delivering messages (disconnect or read error); finalize
	// and cancel do not end it.
	HandlePrimary(sessionID string, conn *Conn)
	// AttachAudioPort hands conn to the already-running session as its
	// secondary audio input, blocking until that connection closes.
	AttachAudioPort(sessionID string, conn *Conn) error
}

// RegisterWorker mounts the Host<->Worker WebSocket endpoint on mux,
// generalized from a single-purpose media WebSocket route into a protocol
// carrying the full encode pipeline message set in both directions.
//
// GET /worker?session={id}            — primary duplex connection
// GET /worker?session={id}&role=audio — secondary connectAudioPort connection
func RegisterWorker(mux *http.ServeMux, host SessionHost) {
	log := logging.Named("transport")

	mux.HandleFunc("/worker", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session")
		if sessionID == "" {
			http.Error(w, "missing session query parameter", http.StatusBadRequest)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("worker upgrade failed: %v", err)
			return
		}
		conn := NewConn(ws)

		if r.URL.Query().Get("role") == "audio" {
			if err := host.AttachAudioPort(sessionID, conn); err != nil {
				log.Warnf("session %s: attach audio port: %v", sessionID, err)
				conn.Close()
			}
			return
		}

		host.HandlePrimary(sessionID, conn)
	})
}
