package transport

import (
	"sync"
	"time"

	"github.com/morezero/browser-relay/pkg/metrics"
)

// ConnectionState is the transport lifecycle: DISCONNECTED → CONNECTING → CONNECTED → DISCONNECTED.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
)

// StateSnapshot is a copy of the connection state.
type StateSnapshot struct {
	Mode  Mode            `json:"mode"`
	State ConnectionState `json:"state"`
	// Since is when State was entered.
	Since time.Time `json:"since"`
	// LastHeartbeat is the last liveness exchange while CONNECTED.
	LastHeartbeat time.Time `json:"lastHeartbeat,omitempty"`
	// Attempts counts connection attempts since the last successful connect.
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
}

// Connected reports whether the snapshot is CONNECTED.
func (s StateSnapshot) Connected() bool {
	return s.State == StateConnected
}

// stateTracker is written by the owning transport only; everyone else reads snapshots.
type stateTracker struct {
	mu   sync.RWMutex
	snap StateSnapshot
}

func newStateTracker(mode Mode) *stateTracker {
	return &stateTracker{snap: StateSnapshot{Mode: mode, State: StateDisconnected, Since: time.Now()}}
}

func (s *stateTracker) connecting() {
	s.mu.Lock()
	s.snap.Attempts++
	s.enter(StateConnecting)
	s.mu.Unlock()
}

func (s *stateTracker) connected() {
	s.mu.Lock()
	s.snap.Attempts = 0
	s.snap.LastError = ""
	s.snap.LastHeartbeat = time.Now()
	s.enter(StateConnected)
	s.mu.Unlock()
}

func (s *stateTracker) disconnected(err error) {
	s.mu.Lock()
	if err != nil {
		s.snap.LastError = err.Error()
	}
	s.enter(StateDisconnected)
	s.mu.Unlock()
}

func (s *stateTracker) heartbeat(at time.Time) {
	s.mu.Lock()
	if s.snap.State == StateConnected {
		s.snap.LastHeartbeat = at
	}
	s.mu.Unlock()
}

// enter must be called with mu held.
func (s *stateTracker) enter(state ConnectionState) {
	if s.snap.State != state {
		s.snap.State = state
		s.snap.Since = time.Now()
	}
	metrics.SetConnected(string(s.snap.Mode), state == StateConnected)
}

func (s *stateTracker) snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
