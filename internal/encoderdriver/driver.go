// Package encoderdriver implements the Encoder Driver state machine for
// both the video and audio tracks: it configures a codec engine, submits
// frames/samples, and surfaces encoded chunks and errors to the
// Orchestrator.
package encoderdriver

import (
	"sync"

	"github.com/streamforge/encodeworker/internal/pipelineerr"
)

// State is the per-driver lifecycle state.
type State int

const (
	Unconfigured State = iota
	Configured
	Flushing
	Closed
	// Poisoned is reached when the error callback fires; encode calls are
	// then rejected until the next configure (a fresh session).
	Poisoned
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case Flushing:
		return "flushing"
	case Closed:
		return "closed"
	case Poisoned:
		return "poisoned"
	default:
		return "unknown"
	}
}

// stateMachine is embedded by both Video and Audio drivers.
type stateMachine struct {
	mu    sync.Mutex
	state State

	queueSize int64 // submitted - emitted, read via QueueSize()

	onError func(*pipelineerr.Error)
}

func (s *stateMachine) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stateMachine) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// requireState returns a fatal InitializationFailed-class error if the
// driver isn't in want, following the illegal-transition rule
// ("configure is illegal (fatal)" from Configured).
func (s *stateMachine) requireState(want State, action string) error {
	s.mu.Lock()
	got := s.state
	s.mu.Unlock()
	if got != want {
		return pipelineerr.InitializationFailedf(nil, "%s: illegal from state %s (want %s)", action, got, want)
	}
	return nil
}

// poison moves the driver to Poisoned and reports err through the error
// callback; it may be called from any state.
func (s *stateMachine) poison(err *pipelineerr.Error) {
	s.setState(Poisoned)
	if s.onError != nil {
		s.onError(err)
	}
}

// queueSizeLocked reports the current backpressure counter (submitted minus
// emitted), read through QueueSize by the Orchestrator after each
// successful submission.
// Callers must hold s.mu, or call through a type that guards it (both
// Video and Audio do).
func (s *stateMachine) queueSizeLocked() uint32 {
	if s.queueSize < 0 {
		return 0
	}
	return uint32(s.queueSize)
}
