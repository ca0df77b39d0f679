package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	twiliorest "voice-bridge/internal/clients/twilio"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/store"
	"voice-bridge/internal/voicecall/finalizer"
	"voice-bridge/internal/voicecall/processor"
	"voice-bridge/internal/voicecall/registry"
	"voice-bridge/internal/voicecall/relay"
	"voice-bridge/internal/voicecall/session"
	"voice-bridge/internal/voicecall/twilio"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeProcessor struct {
	mu         sync.Mutex
	identities []twilio.Identity
	frames     []string
}

func (p *fakeProcessor) HandleMediaStream(ctx context.Context, telephony relay.Conn, identity twilio.Identity) (processor.Outcome, error) {
	_, data, err := telephony.ReadMessage()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identities = append(p.identities, identity)
	if err == nil {
		p.frames = append(p.frames, string(data))
	}
	return processor.Outcome{CallSID: identity.CallSID, Record: finalizer.Result{HangUpBy: finalizer.HangUpByUser}}, nil
}

type fakeCallStore struct {
	mu      sync.Mutex
	ensured []store.CreateCallParams
	err     error
}

func (s *fakeCallStore) EnsureCall(ctx context.Context, params store.CreateCallParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.ensured = append(s.ensured, params)
	return nil
}

type fakeCaller struct {
	calls []twiliorest.OutboundCall
	err   error
}

func (f *fakeCaller) CreateCall(ctx context.Context, call twiliorest.OutboundCall) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, call)
	return "CA-out", nil
}

type fixture struct {
	router    *gin.Engine
	processor *fakeProcessor
	store     *fakeCallStore
	caller    *fakeCaller
	registry  *registry.Registry
}

func newFixture(t *testing.T, withCaller bool) *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{
		processor: &fakeProcessor{},
		store:     &fakeCallStore{},
		caller:    &fakeCaller{},
		registry:  registry.New(),
	}
	var caller OutboundCaller
	if withCaller {
		caller = f.caller
	}
	h := New(f.processor, f.store, caller, f.registry, "bridge.example.com",
		observability.NewLoggerFromZap(zaptest.NewLogger(t)))

	f.router = gin.New()
	f.router.POST("/api/calls/incoming-call", h.HandleIncomingCall)
	f.router.POST("/api/calls/outbound", h.HandleOutboundCall)
	f.router.GET("/media-stream", h.HandleMediaStream)
	f.router.GET("/ws/calls", h.HandleCallControl)
	return f
}

func postForm(router http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleIncomingCall(t *testing.T) {
	f := newFixture(t, true)

	w := postForm(f.router, "/api/calls/incoming-call", url.Values{
		"CallSid": {"CA1"},
		"From":    {"+15550001111"},
		"To":      {"+15550002222"},
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/xml")
	body := w.Body.String()
	assert.Contains(t, body, `url="wss://bridge.example.com/media-stream"`)
	assert.Contains(t, body, `value="CA1"`)
	assert.Contains(t, body, `value="+15550001111"`)

	require.Len(t, f.store.ensured, 1)
	assert.Equal(t, store.CreateCallParams{
		CallSID:    "CA1",
		FromNumber: "+15550001111",
		ToNumber:   "+15550002222",
		Direction:  store.CallDirectionInbound,
		Status:     store.CallStatusInProgress,
	}, f.store.ensured[0])
}

func TestHandleIncomingCall_Apology(t *testing.T) {
	tests := []struct {
		name     string
		form     url.Values
		storeErr error
	}{
		{name: "missing call sid", form: url.Values{"From": {"+15550001111"}}},
		{name: "store failure", form: url.Values{"CallSid": {"CA1"}}, storeErr: errors.New("db down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.store.err = tt.storeErr

			w := postForm(f.router, "/api/calls/incoming-call", tt.form)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), "<Say>")
			assert.Contains(t, w.Body.String(), "<Hangup")
			assert.NotContains(t, w.Body.String(), "<Stream")
		})
	}
}

func postJSON(router http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleOutboundCall(t *testing.T) {
	f := newFixture(t, true)

	w := postJSON(f.router, "/api/calls/outbound", map[string]string{"to": "+15550001111", "from": "+15550002222"})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp OutboundCallResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "CA-out", resp.CallSID)
	assert.Equal(t, store.CallStatusInitiated, resp.Status)

	require.Len(t, f.caller.calls, 1)
	assert.Contains(t, f.caller.calls[0].TwiML, "wss://bridge.example.com/media-stream")
	assert.Contains(t, f.caller.calls[0].TwiML, `name="direction"`)
	assert.Contains(t, f.caller.calls[0].TwiML, `value="outbound"`)
	require.Len(t, f.store.ensured, 1)
	assert.Equal(t, store.CallDirectionOutbound, f.store.ensured[0].Direction)
	assert.Equal(t, "+15550002222", f.store.ensured[0].FromNumber)
}

func TestHandleOutboundCall_Errors(t *testing.T) {
	tests := []struct {
		name       string
		withCaller bool
		callerErr  error
		body       map[string]string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "invalid number",
			withCaller: true,
			body:       map[string]string{"to": "555", "from": "+15550002222"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_INPUT",
		},
		{
			name:       "telephony disabled",
			body:       map[string]string{"to": "+15550001111", "from": "+15550002222"},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "TELEPHONY_DISABLED",
		},
		{
			name:       "twilio rejects number",
			withCaller: true,
			callerErr:  twiliorest.ErrInvalidNumber,
			body:       map[string]string{"to": "+15550001111", "from": "+15550002222"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_PHONE_NUMBER",
		},
		{
			name:       "twilio failure",
			withCaller: true,
			callerErr:  twiliorest.ErrRequestFailed,
			body:       map[string]string{"to": "+15550001111", "from": "+15550002222"},
			wantStatus: http.StatusBadGateway,
			wantCode:   "TELEPHONY_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.withCaller)
			f.caller.err = tt.callerErr

			w := postJSON(f.router, "/api/calls/outbound", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp["code"])
			assert.Empty(t, f.store.ensured)
		})
	}
}

func dialWS(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandleMediaStream(t *testing.T) {
	f := newFixture(t, true)
	server := httptest.NewServer(f.router)
	defer server.Close()

	conn := dialWS(t, server, "/media-stream?callSid=CA1&callerNumber=%2B15550001111")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"connected"}`)))

	require.Eventually(t, func() bool {
		f.processor.mu.Lock()
		defer f.processor.mu.Unlock()
		return len(f.processor.identities) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.processor.mu.Lock()
	defer f.processor.mu.Unlock()
	assert.Equal(t, twilio.Identity{CallSID: "CA1", CallerNumber: "+15550001111"}, f.processor.identities[0])
	assert.Equal(t, []string{`{"event":"connected"}`}, f.processor.frames)
}

func TestHandleCallControl(t *testing.T) {
	f := newFixture(t, true)
	sess := session.New("CA1", "+15550001111", time.Now())
	require.NoError(t, f.registry.Insert(sess))

	server := httptest.NewServer(f.router)
	defer server.Close()
	conn := dialWS(t, server, "/ws/calls")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "join_call", "call_sid": "CA-unknown"}))
	var resp controlResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "call not found", resp.Message)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "join_call", "call_sid": "CA1"}))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "call_status", resp.Type)
	require.NotNil(t, resp.Call)
	assert.Equal(t, sess.SessionID, resp.Call.SessionID)
	assert.Equal(t, session.StatusConnecting, resp.Call.Status)

	require.NoError(t, sess.Transition(session.StatusActive))
	_, err := sess.AppendTranscript("user", "hello", time.Now())
	require.NoError(t, err)

	var event session.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, session.EventStatus, event.Type)
	assert.Equal(t, session.StatusActive, event.Status)

	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, session.EventTranscript, event.Type)
	require.NotNil(t, event.Entry)
	assert.Equal(t, "hello", event.Entry.Text)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe"}))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "error", resp.Type)
	assert.Contains(t, resp.Message, "unsupported message type")
}
