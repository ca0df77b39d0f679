package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"voice-bridge/internal/clients/ultravox"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/voice/audio"
	"voice-bridge/internal/voicecall/finalizer"
	"voice-bridge/internal/voicecall/session"
	"voice-bridge/internal/voicecall/tools"
	"voice-bridge/internal/voicecall/twilio"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errConnClosed = errors.New("use of closed connection")

type message struct {
	messageType int
	data        []byte
}

// fakeConn delivers queued inbound messages and records outbound ones.
// Once the queue is drained ReadMessage blocks until Close unless
// eofWhenDrained is set.
type fakeConn struct {
	inbound        chan message
	eofWhenDrained bool

	mu       sync.Mutex
	written  []message
	closed   chan struct{}
	closeOne sync.Once
	writeErr error
}

func newFakeConn(eofWhenDrained bool, msgs ...message) *fakeConn {
	c := &fakeConn{
		inbound:        make(chan message, len(msgs)+16),
		eofWhenDrained: eofWhenDrained,
		closed:         make(chan struct{}),
	}
	for _, m := range msgs {
		c.inbound <- m
	}
	return c
}

func (c *fakeConn) push(m message) {
	c.inbound <- m
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.inbound:
		return m.messageType, m.data, nil
	default:
	}
	if c.eofWhenDrained {
		return 0, nil, errConnClosed
	}
	select {
	case m := <-c.inbound:
		return m.messageType, m.data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, message{messageType: messageType, data: data})
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOne.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writes() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]message, len(c.written))
	copy(out, c.written)
	return out
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []tools.Invocation
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, call tools.Call, inv tools.Invocation) tools.Response {
	d.mu.Lock()
	d.calls = append(d.calls, inv)
	d.mu.Unlock()

	switch inv.ToolName {
	case tools.ToolHangUp:
		return tools.Response{InvocationID: inv.ID, Kind: tools.KindHangUp, Result: `{"success":true}`}
	case tools.ToolLookupOrder:
		return tools.Response{InvocationID: inv.ID, Result: `{"success":true}`}
	default:
		return tools.Response{InvocationID: inv.ID, Error: "unsupported tool: " + inv.ToolName}
	}
}

type fakeFinalizer struct {
	mu       sync.Mutex
	count    int
	statuses []session.Status
}

func (f *fakeFinalizer) Finalize(ctx context.Context, s *session.CallSession) finalizer.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	f.statuses = append(f.statuses, s.Status())
	entries := s.Transcript.Seal()
	return finalizer.Result{HangUpBy: finalizer.HangUpBy(entries), Transcript: entries}
}

func textFrame(t *testing.T, v interface{}) message {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return message{messageType: websocket.TextMessage, data: data}
}

func startFrame(t *testing.T) message {
	return textFrame(t, map[string]interface{}{
		"event":     "start",
		"streamSid": "MZ1",
		"start":     map[string]interface{}{"streamSid": "MZ1", "callSid": "CA1"},
	})
}

func mediaFrame(t *testing.T, mulaw []byte) message {
	return textFrame(t, map[string]interface{}{
		"event":     "media",
		"streamSid": "MZ1",
		"media":     map[string]interface{}{"payload": audio.BytesToBase64(mulaw)},
	})
}

func stopFrame(t *testing.T) message {
	return textFrame(t, map[string]interface{}{"event": "stop", "streamSid": "MZ1"})
}

func newTestRelay(t *testing.T) (*Relay, *fakeDispatcher, *fakeFinalizer) {
	d := &fakeDispatcher{}
	f := &fakeFinalizer{}
	return New(d, f, observability.NewLoggerFromZap(zaptest.NewLogger(t))), d, f
}

func runWithTimeout(t *testing.T, r *Relay, sess *session.CallSession, telephony, engine Conn) Result {
	t.Helper()
	done := make(chan Result, 1)
	go func() { done <- r.Run(context.Background(), sess, telephony, engine) }()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
		return Result{}
	}
}

func TestRun_TelephonyToEngine(t *testing.T) {
	r, _, fin := newTestRelay(t)
	sess := session.New("CA1", "+15550001111", time.Now())

	telephony := newFakeConn(false,
		textFrame(t, map[string]string{"event": "connected"}),
		startFrame(t),
		message{messageType: websocket.TextMessage, data: []byte("{not json")},
		mediaFrame(t, []byte{0xFF, 0x7F, 0x00}),
		stopFrame(t),
	)
	engine := newFakeConn(false)

	res := runWithTimeout(t, r, sess, telephony, engine)
	require.NoError(t, res.Err)

	assert.Equal(t, "MZ1", sess.StreamSID())
	writes := engine.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, websocket.BinaryMessage, writes[0].messageType)
	assert.Len(t, writes[0].data, 3*2*2)

	assert.True(t, telephony.isClosed())
	assert.True(t, engine.isClosed())
	assert.Equal(t, 1, fin.count)
	assert.Equal(t, []session.Status{session.StatusDraining}, fin.statuses)
	assert.Equal(t, session.StatusClosed, sess.Status())
	assert.False(t, res.AgentHungUp)
}

func TestRun_EngineToTelephony(t *testing.T) {
	r, _, fin := newTestRelay(t)
	sess := session.New("CA1", "", time.Now())

	telephony := newFakeConn(false, startFrame(t))
	engine := newFakeConn(false)

	done := make(chan Result, 1)
	go func() { done <- r.Run(context.Background(), sess, telephony, engine) }()

	require.Eventually(t, func() bool { return sess.StreamSID() == "MZ1" }, time.Second, 5*time.Millisecond)

	engine.push(message{messageType: websocket.BinaryMessage, data: make([]byte, 320)})
	engine.push(textFrame(t, map[string]string{"type": "transcript", "role": "user", "text": "hello"}))
	engine.push(textFrame(t, map[string]string{"type": "transcript", "role": "agent", "delta": "Hi"}))
	engine.push(textFrame(t, map[string]string{"type": "state", "state": "listening"}))
	engine.push(message{messageType: websocket.TextMessage, data: []byte(`{"no":"type"}`)})
	engine.push(textFrame(t, map[string]string{"type": "playback_clear_buffer"}))
	engine.push(textFrame(t, map[string]string{"type": "transcript", "role": "agent", "text": "Goodbye then"}))

	require.Eventually(t, func() bool { return len(telephony.writes()) == 2 && sess.Transcript.Len() == 2 },
		time.Second, 5*time.Millisecond)
	telephony.Close()

	var res Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
	}

	writes := telephony.writes()
	media, err := twilio.ParseEvent(writes[0].data)
	require.NoError(t, err)
	assert.Equal(t, twilio.EventMedia, media.Event)
	assert.Equal(t, "MZ1", media.StreamSid)
	frame, err := media.AudioFrame()
	require.NoError(t, err)
	assert.Len(t, frame.Payload, 80)

	assert.JSONEq(t, `{"event":"clear","streamSid":"MZ1"}`, string(writes[1].data))

	assert.Equal(t, 1, fin.count)
	assert.Equal(t, finalizer.HangUpByAgent, res.Record.HangUpBy)
	require.Len(t, res.Record.Transcript, 2)
	assert.Equal(t, "hello", res.Record.Transcript[0].Text)
}

func TestRun_EngineAudioBeforeStartIsDropped(t *testing.T) {
	r, _, _ := newTestRelay(t)
	sess := session.New("CA1", "", time.Now())

	telephony := newFakeConn(false)
	engine := newFakeConn(true, message{messageType: websocket.BinaryMessage, data: make([]byte, 320)})

	res := runWithTimeout(t, r, sess, telephony, engine)
	require.NoError(t, res.Err)
	assert.Empty(t, telephony.writes())
	assert.Equal(t, session.StatusClosed, sess.Status())
}

func TestRun_ToolInvocation(t *testing.T) {
	r, d, fin := newTestRelay(t)
	sess := session.New("CA1", "", time.Now())

	telephony := newFakeConn(false, startFrame(t))
	engine := newFakeConn(false,
		textFrame(t, map[string]interface{}{
			"type": "client_tool_invocation", "toolName": "lookupOrder", "invocationId": "inv-1",
			"parameters": map[string]interface{}{"orderIdentifier": map[string]string{"orderNumber": "ORD-1"}},
		}),
		textFrame(t, map[string]interface{}{"type": "client_tool_invocation", "toolName": "teleport", "invocationId": "inv-2"}),
		textFrame(t, map[string]interface{}{"type": "client_tool_invocation", "toolName": "hangUp", "invocationId": "inv-3"}),
		textFrame(t, map[string]string{"type": "transcript", "role": "user", "text": "never read"}),
	)

	res := runWithTimeout(t, r, sess, telephony, engine)
	require.NoError(t, res.Err)
	assert.True(t, res.AgentHungUp)

	require.Len(t, d.calls, 3)
	assert.JSONEq(t, `{"orderIdentifier":{"orderNumber":"ORD-1"}}`, string(d.calls[0].Parameters))

	writes := engine.writes()
	require.Len(t, writes, 3)
	var results []ultravox.ToolResult
	for _, w := range writes {
		var tr ultravox.ToolResult
		require.NoError(t, json.Unmarshal(w.data, &tr))
		results = append(results, tr)
	}
	assert.Equal(t, ultravox.ToolResult{Type: "client_tool_result", InvocationID: "inv-1", Result: `{"success":true}`}, results[0])
	assert.Equal(t, "unsupported tool: teleport", results[1].Error)
	assert.Empty(t, results[1].Result)
	assert.Equal(t, "inv-3", results[2].InvocationID)
	assert.Equal(t, ultravox.ResponseTypeHangUp, results[2].ResponseType)

	assert.Equal(t, 0, sess.Transcript.Len())
	assert.Equal(t, 1, fin.count)
	assert.True(t, telephony.isClosed())
}

func TestRun_StatusTransitions(t *testing.T) {
	r, _, _ := newTestRelay(t)
	sess := session.New("CA1", "", time.Now())
	events, cancel := sess.Watch(16)
	defer cancel()

	telephony := newFakeConn(true, startFrame(t))
	engine := newFakeConn(false)
	runWithTimeout(t, r, sess, telephony, engine)

	var statuses []session.Status
	for e := range events {
		if e.Type == session.EventStatus {
			statuses = append(statuses, e.Status)
		}
	}
	assert.Equal(t, []session.Status{session.StatusActive, session.StatusDraining, session.StatusClosed}, statuses)
}

func TestRun_EngineWriteFailure(t *testing.T) {
	r, _, fin := newTestRelay(t)
	sess := session.New("CA1", "", time.Now())

	telephony := newFakeConn(false, startFrame(t), mediaFrame(t, []byte{1, 2, 3}))
	engine := newFakeConn(false)
	engine.writeErr = errors.New("broken pipe")

	res := runWithTimeout(t, r, sess, telephony, engine)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "engine link")
	assert.Equal(t, 1, fin.count)
	assert.Equal(t, session.StatusClosed, sess.Status())
}
