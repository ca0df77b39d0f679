package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"voice-bridge/internal/voicecall/transcript"

	"github.com/google/uuid"
)

type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusDraining   Status = "draining"
	StatusClosed     Status = "closed"
)

var statusOrder = map[Status]int{
	StatusConnecting: 0,
	StatusActive:     1,
	StatusDraining:   2,
	StatusClosed:     3,
}

var ErrInvalidTransition = errors.New("invalid status transition")

// EventType names what a watcher is told about
type EventType string

const (
	EventStatus     EventType = "call_status"
	EventTranscript EventType = "transcript"
)

type Event struct {
	Type   EventType         `json:"type"`
	CallID string            `json:"call_sid"`
	Status Status            `json:"status,omitempty"`
	Entry  *transcript.Entry `json:"entry,omitempty"`
}

// Snapshot is a point-in-time copy of a session safe to serialize.
type Snapshot struct {
	CallSID      string             `json:"call_sid"`
	SessionID    string             `json:"session_id"`
	CallerNumber string             `json:"caller_number"`
	StreamSID    string             `json:"stream_sid"`
	StartTime    time.Time          `json:"start_time"`
	Status       Status             `json:"status"`
	Transcript   []transcript.Entry `json:"transcript"`
}

// CallSession is one bridged call leg. CallSID and SessionID never change
// after construction.
type CallSession struct {
	CallSID      string
	SessionID    string
	CallerNumber string
	StartTime    time.Time
	Transcript   *transcript.Recorder

	mu          sync.RWMutex
	streamSID   string
	engineID    string
	status      Status
	watchers    map[int]chan Event
	nextWatcher int
}

func New(callSID, callerNumber string, now time.Time) *CallSession {
	return &CallSession{
		CallSID:      callSID,
		SessionID:    uuid.New().String(),
		CallerNumber: callerNumber,
		StartTime:    now,
		Transcript:   transcript.NewRecorder(),
		status:       StatusConnecting,
		watchers:     make(map[int]chan Event),
	}
}

func (s *CallSession) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Transition moves the status forward. Moving to the current status is a
// no-op; moving backwards is an error.
func (s *CallSession) Transition(to Status) error {
	s.mu.Lock()
	target, ok := statusOrder[to]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	current := statusOrder[s.status]
	if target == current {
		s.mu.Unlock()
		return nil
	}
	if target < current {
		from := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.status = to
	s.broadcastLocked(Event{Type: EventStatus, CallID: s.CallSID, Status: to})
	if to == StatusClosed {
		for id, ch := range s.watchers {
			close(ch)
			delete(s.watchers, id)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *CallSession) StreamSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSID
}

func (s *CallSession) SetStreamSID(streamSID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamSID = streamSID
}

// EngineCallID is the engine's identifier for the negotiated session.
func (s *CallSession) EngineCallID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engineID
}

func (s *CallSession) SetEngineCallID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engineID = id
}

// AppendTranscript records an utterance and tells watchers about it.
func (s *CallSession) AppendTranscript(role, text string, at time.Time) (transcript.Entry, error) {
	entry, err := s.Transcript.Append(role, text, at)
	if err != nil {
		return transcript.Entry{}, err
	}
	s.mu.Lock()
	s.broadcastLocked(Event{Type: EventTranscript, CallID: s.CallSID, Entry: &entry})
	s.mu.Unlock()
	return entry, nil
}

func (s *CallSession) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		CallSID:      s.CallSID,
		SessionID:    s.SessionID,
		CallerNumber: s.CallerNumber,
		StreamSID:    s.streamSID,
		StartTime:    s.StartTime,
		Status:       s.status,
		Transcript:   s.Transcript.Snapshot(),
	}
}

// Watch subscribes to status and transcript events. The channel is closed
// when the session closes or cancel is called. Slow watchers miss events
// rather than stall the call.
func (s *CallSession) Watch(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if w, ok := s.watchers[id]; ok {
				close(w)
				delete(s.watchers, id)
			}
		})
	}
	return ch, cancel
}

func (s *CallSession) broadcastLocked(event Event) {
	for _, ch := range s.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}
