package finalizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voice-bridge/internal/observability"
	"voice-bridge/internal/store"
	"voice-bridge/internal/voicecall/session"
	"voice-bridge/internal/voicecall/transcript"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeCallStore struct {
	mu      sync.Mutex
	updates []store.CallRecordUpdate
	err     error
}

func (f *fakeCallStore) UpdateCallRecord(ctx context.Context, update store.CallRecordUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.updates = append(f.updates, update)
	return f.err
}

type publishedEvent struct {
	key       string
	eventType string
	payload   interface{}
}

type fakePublisher struct {
	events []publishedEvent
	err    error
}

func (f *fakePublisher) PublishEvent(ctx context.Context, key, eventType string, payload interface{}) error {
	f.events = append(f.events, publishedEvent{key: key, eventType: eventType, payload: payload})
	return f.err
}

func entries(pairs ...string) []transcript.Entry {
	out := make([]transcript.Entry, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, transcript.Entry{Role: pairs[i], Text: pairs[i+1], Timestamp: time.Now()})
	}
	return out
}

func TestCompute_Cost(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		elapsed     time.Duration
		wantSeconds int
		wantCost    float64
	}{
		{name: "125 seconds", elapsed: 125 * time.Second, wantSeconds: 125, wantCost: 0.10},
		{name: "fractional seconds truncate", elapsed: 59*time.Second + 900*time.Millisecond, wantSeconds: 59, wantCost: 0.05},
		{name: "one hour", elapsed: time.Hour, wantSeconds: 3600, wantCost: 3.00},
		{name: "zero", elapsed: 0, wantSeconds: 0, wantCost: 0},
		{name: "clock skew clamps to zero", elapsed: -time.Second, wantSeconds: 0, wantCost: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(start, start.Add(tt.elapsed), nil, 0.05)
			assert.Equal(t, tt.wantSeconds, got.DurationSeconds)
			assert.InDelta(t, tt.wantCost, got.Cost, 1e-9)
		})
	}
}

func TestHangUpBy(t *testing.T) {
	tests := []struct {
		name    string
		entries []transcript.Entry
		want    string
	}{
		{name: "empty", entries: nil, want: HangUpByUser},
		{name: "single agent farewell", entries: entries("agent", "Goodbye!"), want: HangUpByUser},
		{name: "agent says goodbye last", entries: entries("user", "thanks", "agent", "Goodbye!"), want: HangUpByAgent},
		{name: "user says bye", entries: entries("agent", "Anything else?", "user", "bye"), want: HangUpByUser},
		{name: "farewell within last three", entries: entries("agent", "I will hang up now", "user", "ok", "user", "..."), want: HangUpByAgent},
		{name: "farewell older than last three", entries: entries("agent", "bye", "user", "a", "user", "b", "user", "c"), want: HangUpByUser},
		{name: "substring match", entries: entries("user", "hi", "agent", "We'll send it by the weekend"), want: HangUpByAgent},
		{name: "case insensitive", entries: entries("user", "hi", "agent", "TERMINATE"), want: HangUpByAgent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HangUpBy(tt.entries))
		})
	}
}

func TestCompute_Idempotent(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	e := entries("user", "hi", "agent", "bye")

	assert.Equal(t, Compute(start, end, e, 0.05), Compute(start, end, e, 0.05))
}

func TestFinalizer_Finalize(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := observability.NewLoggerFromZap(zap.New(core))
	callStore := &fakeCallStore{}
	publisher := &fakePublisher{}

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := session.New("CA1", "+1555", start)
	s.SetEngineCallID("uv-1")
	_, err := s.AppendTranscript("user", "thanks", start)
	require.NoError(t, err)
	_, err = s.AppendTranscript("agent", "Goodbye!", start)
	require.NoError(t, err)

	f := New(callStore, publisher, 0.05, logger)
	f.now = func() time.Time { return start.Add(125 * time.Second) }

	// A cancelled relay context must not stop persistence.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := f.Finalize(ctx, s)

	assert.Equal(t, 125, result.DurationSeconds)
	assert.InDelta(t, 0.10, result.Cost, 1e-9)
	assert.Equal(t, HangUpByAgent, result.HangUpBy)
	_, err = s.Transcript.Append(transcript.RoleUser, "late", time.Now())
	assert.ErrorIs(t, err, transcript.ErrSealed)

	require.Len(t, callStore.updates, 1)
	update := callStore.updates[0]
	assert.Equal(t, "CA1", update.CallSID)
	assert.Equal(t, "uv-1", update.UltravoxCallID)
	require.Len(t, update.Transcript, 2)
	assert.Equal(t, "Goodbye!", update.Transcript[1].Text)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, EventCallCompleted, publisher.events[0].eventType)
	assert.Equal(t, "CA1", publisher.events[0].key)

	metrics := logs.FilterMessage("Metrics").All()
	require.Len(t, metrics, 1)
	assert.Equal(t, "agent", metrics[0].ContextMap()["hang_up_by"])
}

func TestFinalizer_FailuresAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := observability.NewLoggerFromZap(zap.New(core))
	callStore := &fakeCallStore{err: errors.New("db down")}
	publisher := &fakePublisher{err: errors.New("broker down")}

	s := session.New("CA1", "", time.Now())
	result := New(callStore, publisher, 0.05, logger).Finalize(context.Background(), s)

	assert.Equal(t, HangUpByUser, result.HangUpBy)
	assert.Len(t, logs.FilterMessage("failed to persist call record").All(), 1)
	assert.Len(t, logs.FilterMessage("failed to publish call completed event").All(), 1)
}

func TestFinalizer_NilPublisher(t *testing.T) {
	callStore := &fakeCallStore{}
	logger := observability.NewLoggerFromZap(zap.NewNop())

	s := session.New("CA1", "", time.Now())
	New(callStore, nil, 0, logger).Finalize(context.Background(), s)
	assert.Len(t, callStore.updates, 1)
}
