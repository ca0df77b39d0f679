package processor

import (
	"context"
	"time"

	"voice-bridge/internal/clients/ultravox"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/store"
	"voice-bridge/internal/voicecall/registry"
	"voice-bridge/internal/voicecall/relay"
	"voice-bridge/internal/voicecall/session"
)

const historyCallLimit = 3

type Negotiator interface {
	CreateSession(ctx context.Context, req ultravox.SessionRequest) (ultravox.Session, error)
}

type CallStore interface {
	EnsureCall(ctx context.Context, params store.CreateCallParams) error
	UpdateCallStatus(ctx context.Context, callSID string, status store.CallStatus) error
	ListRecentCallsByNumber(ctx context.Context, fromNumber, excludeCallSID string, limit int) ([]store.Call, error)
}

type Bridge interface {
	Run(ctx context.Context, sess *session.CallSession, telephony, engine relay.Conn) relay.Result
}

// CallTerminator ends the telephony call remotely.
type CallTerminator interface {
	EndCall(ctx context.Context, callSID string) error
}

// DialFunc opens the engine media link.
type DialFunc func(ctx context.Context, joinURL string, timeout time.Duration) (relay.Conn, error)

// DialEngine dials the engine over a websocket.
func DialEngine(ctx context.Context, joinURL string, timeout time.Duration) (relay.Conn, error) {
	conn, err := ultravox.Dial(ctx, joinURL, timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// AgentConfig is the persona every call is negotiated with.
type AgentConfig struct {
	SystemPrompt string
	FirstMessage string
	Voice        string
	LanguageHint string
}

type Config struct {
	Agent                AgentConfig
	Tools                []ultravox.SelectedTool
	StartFrameTimeout    time.Duration
	EngineConnectTimeout time.Duration
}

type Dependencies struct {
	Negotiator Negotiator
	Dial       DialFunc
	Store      CallStore
	Registry   *registry.Registry
	Bridge     Bridge
	Finalizer  relay.CallFinalizer
	// Terminator may be nil when Twilio REST credentials are not configured.
	Terminator CallTerminator
}

type VoiceCallProcessor struct {
	config     Config
	negotiator Negotiator
	dial       DialFunc
	store      CallStore
	registry   *registry.Registry
	bridge     Bridge
	finalizer  relay.CallFinalizer
	terminator CallTerminator
	logger     *observability.Logger
	now        func() time.Time
}

func NewVoiceCallProcessor(config Config, deps Dependencies, logger *observability.Logger) *VoiceCallProcessor {
	if deps.Dial == nil {
		deps.Dial = DialEngine
	}
	return &VoiceCallProcessor{
		config:     config,
		negotiator: deps.Negotiator,
		dial:       deps.Dial,
		store:      deps.Store,
		registry:   deps.Registry,
		bridge:     deps.Bridge,
		finalizer:  deps.Finalizer,
		terminator: deps.Terminator,
		logger:     logger,
		now:        time.Now,
	}
}
