package finalizer

import (
	"context"
	"math"
	"strings"
	"time"

	"voice-bridge/internal/observability"
	"voice-bridge/internal/store"
	"voice-bridge/internal/voicecall/session"
	"voice-bridge/internal/voicecall/transcript"
)

const (
	HangUpByAgent = "agent"
	HangUpByUser  = "user"

	EventCallCompleted = "call.completed"

	DefaultCostPerMinute = 0.05

	persistTimeout = 10 * time.Second
)

var agentClosingPhrases = []string{"goodbye", "bye", "end", "hang up", "terminate"}

// Result is the reconciled outcome of one call.
type Result struct {
	DurationSeconds int
	Cost            float64
	HangUpBy        string
	EndTime         time.Time
	Transcript      []transcript.Entry
}

// Compute derives duration, cost and hang-up attribution. It has no side effects.
func Compute(start, end time.Time, entries []transcript.Entry, costPerMinute float64) Result {
	seconds := int(end.Sub(start) / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	return Result{
		DurationSeconds: seconds,
		Cost:            Cost(seconds, costPerMinute),
		HangUpBy:        HangUpBy(entries),
		EndTime:         end,
		Transcript:      entries,
	}
}

// Cost is the engine charge rounded to cents.
func Cost(seconds int, costPerMinute float64) float64 {
	return math.Round(float64(seconds)/60*costPerMinute*100) / 100
}

// HangUpBy attributes the hang-up to the agent when one of its last
// utterances sounds like a farewell. Single-entry transcripts are always
// attributed to the user.
func HangUpBy(entries []transcript.Entry) string {
	if len(entries) <= 1 {
		return HangUpByUser
	}
	from := len(entries) - 3
	if from < 0 {
		from = 0
	}
	for i := len(entries) - 1; i >= from; i-- {
		if entries[i].Role != transcript.RoleAgent {
			continue
		}
		text := strings.ToLower(entries[i].Text)
		for _, phrase := range agentClosingPhrases {
			if strings.Contains(text, phrase) {
				return HangUpByAgent
			}
		}
	}
	return HangUpByUser
}

type CallRecordStore interface {
	UpdateCallRecord(ctx context.Context, update store.CallRecordUpdate) error
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, key, eventType string, payload interface{}) error
}

// CallCompleted is published once per finalized call.
type CallCompleted struct {
	CallSID           string    `json:"call_sid"`
	SessionID         string    `json:"session_id"`
	EngineCallID      string    `json:"engine_call_id,omitempty"`
	CallerNumber      string    `json:"caller_number,omitempty"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	DurationSeconds   int       `json:"duration_seconds"`
	Cost              float64   `json:"ultravox_cost"`
	HangUpBy          string    `json:"hang_up_by"`
	TranscriptEntries int       `json:"transcript_entries"`
}

type Finalizer struct {
	store         CallRecordStore
	publisher     EventPublisher
	costPerMinute float64
	logger        *observability.Logger
	now           func() time.Time
}

// New builds a finalizer. publisher may be nil when event streaming is off.
func New(store CallRecordStore, publisher EventPublisher, costPerMinute float64, logger *observability.Logger) *Finalizer {
	if costPerMinute <= 0 {
		costPerMinute = DefaultCostPerMinute
	}
	return &Finalizer{
		store:         store,
		publisher:     publisher,
		costPerMinute: costPerMinute,
		logger:        logger,
		now:           time.Now,
	}
}

// Finalize seals the transcript and persists the call record. Persistence
// and publishing failures are logged, never returned, so teardown always
// completes.
func (f *Finalizer) Finalize(ctx context.Context, s *session.CallSession) Result {
	// The relay context is already cancelled by the time we get here.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	entries := s.Transcript.Seal()
	result := Compute(s.StartTime, f.now(), entries, f.costPerMinute)

	update := store.CallRecordUpdate{
		CallSID:         s.CallSID,
		DurationSeconds: result.DurationSeconds,
		Transcript:      toStoreTranscript(entries),
		EndTime:         result.EndTime,
		UltravoxCallID:  s.EngineCallID(),
		UltravoxCost:    result.Cost,
		HangUpBy:        result.HangUpBy,
	}
	if err := f.store.UpdateCallRecord(ctx, update); err != nil {
		f.logger.Error(ctx, "failed to persist call record", err)
	}

	if f.publisher != nil {
		event := CallCompleted{
			CallSID:           s.CallSID,
			SessionID:         s.SessionID,
			EngineCallID:      s.EngineCallID(),
			CallerNumber:      s.CallerNumber,
			StartTime:         s.StartTime,
			EndTime:           result.EndTime,
			DurationSeconds:   result.DurationSeconds,
			Cost:              result.Cost,
			HangUpBy:          result.HangUpBy,
			TranscriptEntries: len(entries),
		}
		if err := f.publisher.PublishEvent(ctx, s.CallSID, EventCallCompleted, event); err != nil {
			f.logger.Error(ctx, "failed to publish call completed event", err)
		}
	}

	f.logger.Metrics(ctx,
		observability.MetricField{Key: "call_sid", Value: s.CallSID},
		observability.MetricField{Key: "session_id", Value: s.SessionID},
		observability.MetricField{Key: "duration_seconds", Value: result.DurationSeconds},
		observability.MetricField{Key: "ultravox_cost", Value: result.Cost},
		observability.MetricField{Key: "hang_up_by", Value: result.HangUpBy},
		observability.MetricField{Key: "transcript_entries", Value: len(entries)},
	)
	return result
}

func toStoreTranscript(entries []transcript.Entry) store.TranscriptJSON {
	out := make(store.TranscriptJSON, len(entries))
	for i, e := range entries {
		out[i] = store.TranscriptEntry{
			Role:      e.Role,
			Text:      e.Text,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	return out
}
