package probehub

import (
	"fmt"
	"sync"
	"time"
)

// SessionState is a node of the §4.7 state machine.
type SessionState string

const (
	StateNew             SessionState = "NEW"
	StateAwaitingClient   SessionState = "AWAITING_CLIENT"
	StateAttached         SessionState = "ATTACHED"
	StateDraining         SessionState = "DRAINING"
	StateStopped          SessionState = "STOPPED"
)

// StopReason records why a session reached STOPPED. It is kept on the
// Session and written to the audit log's stop_reason (GET /history);
// /status reports probe connectivity only, not session state or stop
// reasons.
type StopReason string

const (
	ReasonNone          StopReason = ""
	ReasonDisconnect    StopReason = "disconnect"
	ReasonServerExited  StopReason = "server_exited"
	ReasonAttachTimeout StopReason = "attach_timeout"
	ReasonForced        StopReason = "forced"
)

// Session is the live record for a debug or print dispatch (§3
// "Session"). It is owned by the supervisor once handed off by the
// dispatcher, and destroyed on any terminal transition.
type Session struct {
	ProbeID       int
	Mode          Mode
	Target        string
	ContainerName string
	StartedAt     time.Time
	Ports         AllocatedPorts

	mu         sync.RWMutex
	state      SessionState
	stopReason StopReason
}

func newSession(probeID int, mode Mode, target, containerName string, ports AllocatedPorts) *Session {
	return &Session{
		ProbeID:       probeID,
		Mode:          mode,
		Target:        target,
		ContainerName: containerName,
		StartedAt:     time.Now(),
		Ports:         ports,
		state:         StateNew,
	}
}

// State returns the session's current state and terminal reason, if any.
func (s *Session) State() (SessionState, StopReason) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.stopReason
}

func (s *Session) setState(state SessionState, reason StopReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if reason != ReasonNone {
		s.stopReason = reason
	}
}

// primaryPort is the port presence polling watches: the GDB port for
// debug sessions, the print port for print sessions (§4.7).
func (s *Session) primaryPort() int {
	if s.Mode == ModePrint {
		return s.Ports.Print
	}
	return s.Ports.GDB
}

// SessionTable is the in-memory, per-probe session registry (§5: "no
// global shared mutable state beyond the immutable config and the
// in-memory session table keyed by probe id"). Never persisted; a
// restart always starts with an empty table regardless of what
// containers happen to still be running.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[int]*Session
}

// NewSessionTable returns an empty session table.
func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: map[int]*Session{}}
}

// TryInsert registers sess for its probe id, failing if one is already
// present — enforces "at most one session per probe id" (§3 invariant).
func (t *SessionTable) TryInsert(sess *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[sess.ProbeID]; exists {
		return fmt.Errorf("session already exists for probe %d", sess.ProbeID)
	}
	t.sessions[sess.ProbeID] = sess
	return nil
}

// Get returns the live session for probeID, if any.
func (t *SessionTable) Get(probeID int) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[probeID]
	return s, ok
}

// Remove deletes the session for probeID, if present.
func (t *SessionTable) Remove(probeID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, probeID)
}

// All returns a snapshot of every live session.
func (t *SessionTable) All() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}
