package transcript

import (
	"errors"
	"sync"
	"time"
)

const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

var (
	ErrSealed     = errors.New("transcript is sealed")
	ErrIncomplete = errors.New("transcript entry requires role and text")
)

// Entry is one utterance. Timestamps serialize as RFC 3339.
type Entry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder is an append-only transcript for one call. Once sealed it never
// changes again, so a snapshot taken by Seal is final.
type Recorder struct {
	mu      sync.RWMutex
	entries []Entry
	sealed  bool
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Append(role, text string, at time.Time) (Entry, error) {
	if role == "" || text == "" {
		return Entry{}, ErrIncomplete
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return Entry{}, ErrSealed
	}
	entry := Entry{Role: role, Text: text, Timestamp: at}
	r.entries = append(r.entries, entry)
	return entry, nil
}

// Seal stops further appends and returns the final entries. Repeated calls
// return the same contents.
func (r *Recorder) Seal() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	return r.copyLocked()
}

func (r *Recorder) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyLocked()
}

func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Recorder) copyLocked() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
