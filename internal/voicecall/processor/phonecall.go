package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voice-bridge/internal/clients/ultravox"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/store"
	"voice-bridge/internal/voicecall/finalizer"
	"voice-bridge/internal/voicecall/relay"
	"voice-bridge/internal/voicecall/session"
	"voice-bridge/internal/voicecall/twilio"
)

const terminateTimeout = 10 * time.Second

var (
	ErrMissingCallSID   = errors.New("call sid could not be resolved")
	ErrNegotiation      = errors.New("failed to negotiate engine session")
	ErrEngineConnection = errors.New("failed to connect to engine")
)

// Outcome summarizes a bridged call.
type Outcome struct {
	CallSID     string
	SessionID   string
	Record      finalizer.Result
	AgentHungUp bool
}

// HandleMediaStream runs one call from an accepted telephony socket to its
// finalized record. The call is timed from the moment the socket is handed
// over, so negotiation counts towards its duration. identity carries whatever the connect request already
// told us; the rest comes from the start frame. The telephony link is closed
// by the bridge; callers should still close it on error.
func (v *VoiceCallProcessor) HandleMediaStream(ctx context.Context, telephony relay.Conn, identity twilio.Identity) (Outcome, error) {
	accepted := v.now()
	identity, err := v.resolveIdentity(telephony, identity)
	if err != nil {
		v.logger.Error(ctx, "failed to resolve call identity", err)
		return Outcome{}, err
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "call_sid", Value: identity.CallSID},
		observability.Field{Key: "stream_sid", Value: identity.StreamSID},
	)

	if err := v.store.EnsureCall(ctx, callParams(identity, accepted)); err != nil {
		v.logger.Error(ctx, "failed to ensure call record", err)
	}

	engineSession, err := v.negotiator.CreateSession(ctx, v.sessionRequest(ctx, identity))
	if err != nil {
		v.logger.Error(ctx, "engine negotiation failed", err)
		if serr := v.store.UpdateCallStatus(ctx, identity.CallSID, store.CallStatusFailed); serr != nil {
			v.logger.Error(ctx, "failed to mark call failed", serr)
		}
		return Outcome{}, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}

	sess := session.New(identity.CallSID, identity.CallerNumber, accepted)
	sess.SetStreamSID(identity.StreamSID)
	sess.SetEngineCallID(engineSession.CallID)
	if err := v.registry.Insert(sess); err != nil {
		return Outcome{}, err
	}
	defer v.registry.Delete(sess.SessionID)

	ctx = observability.WithFields(ctx, observability.Field{Key: "session_id", Value: sess.SessionID})
	v.logger.Info(ctx, fmt.Sprintf("engine session %s negotiated", engineSession.CallID))

	engine, err := v.dial(ctx, engineSession.JoinURL, v.config.EngineConnectTimeout)
	if err != nil {
		v.logger.Error(ctx, "failed to dial engine", err)
		record := v.abandon(ctx, sess)
		return Outcome{CallSID: sess.CallSID, SessionID: sess.SessionID, Record: record},
			fmt.Errorf("%w: %w", ErrEngineConnection, err)
	}

	result := v.bridge.Run(ctx, sess, telephony, engine)
	outcome := Outcome{
		CallSID:     sess.CallSID,
		SessionID:   sess.SessionID,
		Record:      result.Record,
		AgentHungUp: result.AgentHungUp,
	}

	if result.AgentHungUp && v.terminator != nil {
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
		defer cancel()
		if err := v.terminator.EndCall(endCtx, sess.CallSID); err != nil {
			v.logger.Error(ctx, "failed to end call after agent hang up", err)
		}
	}
	return outcome, nil
}

// callParams describes the row to create when the stream wins the race with
// the webhook or the outbound handler. For calls we placed the remote party
// is the callee.
func callParams(identity twilio.Identity, accepted time.Time) store.CreateCallParams {
	params := store.CreateCallParams{
		CallSID:    identity.CallSID,
		FromNumber: identity.CallerNumber,
		Direction:  store.CallDirectionInbound,
		Status:     store.CallStatusInProgress,
		StartTime:  accepted,
	}
	if identity.Direction == string(store.CallDirectionOutbound) {
		params.FromNumber = ""
		params.ToNumber = identity.CallerNumber
		params.Direction = store.CallDirectionOutbound
	}
	return params
}

func (v *VoiceCallProcessor) resolveIdentity(telephony relay.Conn, identity twilio.Identity) (twilio.Identity, error) {
	if identity.CallSID == "" {
		start, err := twilio.AwaitStart(telephony, v.config.StartFrameTimeout)
		if err != nil {
			return identity, err
		}
		identity = identity.Merge(start.Start)
		if identity.StreamSID == "" {
			identity.StreamSID = start.StreamSid
		}
	}
	if identity.CallSID == "" {
		return identity, ErrMissingCallSID
	}
	return identity, nil
}

// abandon closes a session that never reached the bridge. The call still
// gets its record.
func (v *VoiceCallProcessor) abandon(ctx context.Context, sess *session.CallSession) finalizer.Result {
	if err := sess.Transition(session.StatusDraining); err != nil {
		v.logger.Error(ctx, "failed to drain session", err)
	}
	record := v.finalizer.Finalize(ctx, sess)
	if err := sess.Transition(session.StatusClosed); err != nil {
		v.logger.Error(ctx, "failed to close session", err)
	}
	return record
}

func (v *VoiceCallProcessor) sessionRequest(ctx context.Context, identity twilio.Identity) ultravox.SessionRequest {
	return ultravox.SessionRequest{
		SystemPrompt: v.config.Agent.SystemPrompt,
		FirstMessage: v.config.Agent.FirstMessage,
		Voice:        v.config.Agent.Voice,
		LanguageHint: v.config.Agent.LanguageHint,
		CallHistory:  v.callHistory(ctx, identity),
		Tools:        v.config.Tools,
	}
}

// callHistory summarizes the caller's previous calls for the prompt. A
// lookup failure only costs the agent some context.
func (v *VoiceCallProcessor) callHistory(ctx context.Context, identity twilio.Identity) string {
	if identity.CallerNumber == "" {
		return ""
	}
	calls, err := v.store.ListRecentCallsByNumber(ctx, identity.CallerNumber, identity.CallSID, historyCallLimit)
	if err != nil {
		v.logger.WarnWithError(ctx, "failed to load call history", err)
		return ""
	}

	var b strings.Builder
	for _, call := range calls {
		if len(call.Transcription) == 0 {
			continue
		}
		fmt.Fprintf(&b, "Call on %s:\n", call.StartTime.UTC().Format(time.RFC3339))
		for _, entry := range call.Transcription {
			fmt.Fprintf(&b, "%s: %s\n", entry.Role, entry.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
