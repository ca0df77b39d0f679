package registry

import (
	"errors"
	"sync"

	"voice-bridge/internal/voicecall/session"
)

var (
	ErrDuplicateSession = errors.New("session already registered")
	ErrSessionNotFound  = errors.New("session not found")
)

// Registry tracks the calls currently being bridged. Sessions are keyed by
// session ID; a call SID maps to the most recent session for that call.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*session.CallSession
	byCallSID map[string]string
}

func New() *Registry {
	return &Registry{
		sessions:  make(map[string]*session.CallSession),
		byCallSID: make(map[string]string),
	}
}

func (r *Registry) Insert(s *session.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.SessionID]; ok {
		return ErrDuplicateSession
	}
	r.sessions[s.SessionID] = s
	r.byCallSID[s.CallSID] = s.SessionID
	return nil
}

func (r *Registry) Lookup(sessionID string) (*session.CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (r *Registry) LookupByCallSID(callSID string) (*session.CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCallSID[callSID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return r.sessions[id], nil
}

// Delete removes the session. Deleting an unknown session is a no-op.
func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if r.byCallSID[s.CallSID] != sessionID {
		return
	}
	delete(r.byCallSID, s.CallSID)

	// Another leg of the same call may still be live; point at the newest.
	var newest *session.CallSession
	for _, other := range r.sessions {
		if other.CallSID != s.CallSID {
			continue
		}
		if newest == nil || other.StartTime.After(newest.StartTime) {
			newest = other
		}
	}
	if newest != nil {
		r.byCallSID[s.CallSID] = newest.SessionID
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot copies every active session.
func (r *Registry) Snapshot() []session.Snapshot {
	r.mu.RLock()
	sessions := make([]*session.CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]session.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}
