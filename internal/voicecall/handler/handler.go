package handler

import (
	"context"
	"net/http"

	twiliorest "voice-bridge/internal/clients/twilio"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/store"
	"voice-bridge/internal/voicecall/processor"
	"voice-bridge/internal/voicecall/relay"
	"voice-bridge/internal/voicecall/session"
	"voice-bridge/internal/voicecall/twilio"

	"github.com/gorilla/websocket"
)

type MediaStreamProcessor interface {
	HandleMediaStream(ctx context.Context, telephony relay.Conn, identity twilio.Identity) (processor.Outcome, error)
}

type CallStore interface {
	EnsureCall(ctx context.Context, params store.CreateCallParams) error
}

type OutboundCaller interface {
	CreateCall(ctx context.Context, call twiliorest.OutboundCall) (string, error)
}

type SessionLookup interface {
	LookupByCallSID(callSID string) (*session.CallSession, error)
}

type Handler struct {
	voiceProcessor MediaStreamProcessor
	calls          CallStore
	// caller is nil when Twilio REST credentials are not configured.
	caller       OutboundCaller
	sessions     SessionLookup
	serverDomain string
	logger       *observability.Logger
}

func New(
	voiceProcessor MediaStreamProcessor,
	calls CallStore,
	caller OutboundCaller,
	sessions SessionLookup,
	serverDomain string,
	logger *observability.Logger,
) Handler {
	return Handler{
		voiceProcessor: voiceProcessor,
		calls:          calls,
		caller:         caller,
		sessions:       sessions,
		serverDomain:   serverDomain,
		logger:         logger,
	}
}

// upgrader is a shared WebSocket upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}
