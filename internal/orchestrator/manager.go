package orchestrator

import (
	"sync"

	"github.com/streamforge/encodeworker/internal/logging"
	"github.com/streamforge/encodeworker/internal/pipelineerr"
	"github.com/streamforge/encodeworker/internal/transport"
)

// Manager is the session registry: one Session per channel id, created on
// first contact and torn down when its primary connection drops.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	log *logging.Logger
}

// NewManager builds an empty session registry satisfying
// transport.SessionHost.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		log:      logging.Named("orchestrator"),
	}
}

func (m *Manager) getOrCreate(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[id]; ok {
		return sess, false
	}
	sess := NewSession(id)
	m.sessions[id] = sess
	return sess, true
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// HandlePrimary implements transport.SessionHost: it owns conn for the
// session's whole lifetime, feeding inbound frames to the dispatch loop and
// blocking until the connection drops.
func (m *Manager) HandlePrimary(sessionID string, conn *transport.Conn) {
	sess, created := m.getOrCreate(sessionID)
	sess.mu.Lock()
	sess.primary = conn
	sess.mu.Unlock()

	if created {
		go sess.run()
	}

	defer func() {
		m.remove(sessionID)
		sess.Submit(transport.HostMessage{Type: transport.TypeCancel})
		conn.Close()
	}()

	for {
		msg, err := conn.ReadHostMessage()
		if err != nil {
			m.log.Debugf("session %s: primary connection ended: %v", sessionID, err)
			return
		}
		sess.Submit(msg)
	}
}

// AttachAudioPort implements transport.SessionHost: it hands conn to an
// already-running session as a second inbound source, blocking until the
// connection drops. Attaching to a session that doesn't exist yet is a
// caller error, since connectAudioPort only makes sense after initialize.
func (m *Manager) AttachAudioPort(sessionID string, conn *transport.Conn) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return pipelineerr.WorkerErrorf(nil, "connectAudioPort: no running session %q", sessionID)
	}

	sess.attachAudioPort(conn)
	return nil
}
