package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voice-bridge/internal/clients/ultravox"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/voice/audio"
	"voice-bridge/internal/voicecall/finalizer"
	"voice-bridge/internal/voicecall/session"
	"voice-bridge/internal/voicecall/tools"
	"voice-bridge/internal/voicecall/twilio"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Conn is one side of the bridge. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type ToolDispatcher interface {
	Dispatch(ctx context.Context, call tools.Call, inv tools.Invocation) tools.Response
}

type CallFinalizer interface {
	Finalize(ctx context.Context, s *session.CallSession) finalizer.Result
}

// Result is what the bridge reports once both links are down.
type Result struct {
	Record finalizer.Result
	// AgentHungUp is set when the engine invoked the hang-up tool.
	AgentHungUp bool
	// Err is the first link failure, nil when the call ended normally.
	Err error
}

type Relay struct {
	dispatcher ToolDispatcher
	finalizer  CallFinalizer
	logger     *observability.Logger
	now        func() time.Time
}

func New(dispatcher ToolDispatcher, fin CallFinalizer, logger *observability.Logger) *Relay {
	return &Relay{
		dispatcher: dispatcher,
		finalizer:  fin,
		logger:     logger,
		now:        time.Now,
	}
}

// lockedConn serializes writes. Both loops write to the engine link.
type lockedConn struct {
	Conn
	mu sync.Mutex
}

func (c *lockedConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

type bridge struct {
	*Relay
	sess        *session.CallSession
	telephony   Conn
	engine      Conn
	activate    sync.Once
	agentHungUp atomic.Bool
}

// Run bridges the two links until either side ends, then finalizes the call
// exactly once and closes the session. Both links are closed on return.
func (r *Relay) Run(ctx context.Context, sess *session.CallSession, telephony, engine Conn) Result {
	ctx = observability.WithCall(ctx, sess.CallSID, sess.SessionID)
	b := &bridge{
		Relay:     r,
		sess:      sess,
		telephony: &lockedConn{Conn: telephony},
		engine:    &lockedConn{Conn: engine},
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return b.telephonyToEngine(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return b.engineToTelephony(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		b.telephony.Close()
		b.engine.Close()
		return nil
	})
	err := g.Wait()
	cancel()

	if err != nil {
		r.logger.Error(ctx, "bridge ended with error", err)
	}
	if terr := sess.Transition(session.StatusDraining); terr != nil {
		r.logger.Error(ctx, "failed to drain session", terr)
	}
	record := r.finalizer.Finalize(ctx, sess)
	if terr := sess.Transition(session.StatusClosed); terr != nil {
		r.logger.Error(ctx, "failed to close session", terr)
	}

	r.logger.Info(ctx, "bridge closed")
	return Result{Record: record, AgentHungUp: b.agentHungUp.Load(), Err: err}
}

func (b *bridge) markActive(ctx context.Context) {
	b.activate.Do(func() {
		if err := b.sess.Transition(session.StatusActive); err != nil {
			b.logger.WarnWithError(ctx, "failed to activate session", err)
		}
	})
}

func (b *bridge) telephonyToEngine(ctx context.Context) error {
	for {
		_, data, err := b.telephony.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.InfoWithError(ctx, "telephony link closed", err)
			}
			return nil
		}
		b.markActive(ctx)

		event, err := twilio.ParseEvent(data)
		if err != nil {
			b.logger.WarnWithError(ctx, "skipping telephony frame", err)
			continue
		}

		switch event.Event {
		case twilio.EventStart:
			b.sess.SetStreamSID(event.StreamSid)
			b.logger.Info(ctx, fmt.Sprintf("media stream %s started", event.StreamSid))
		case twilio.EventMedia:
			frame, err := event.AudioFrame()
			if err != nil {
				b.logger.WarnWithError(ctx, "skipping telephony audio", err)
				continue
			}
			pcm, err := audio.Transcode(frame, audio.EncodingPCM16k)
			if err != nil {
				b.logger.WarnWithError(ctx, "failed to transcode telephony audio", err)
				continue
			}
			if err := b.engine.WriteMessage(websocket.BinaryMessage, pcm.Payload); err != nil {
				return linkError(ctx, "engine", err)
			}
		case twilio.EventStop:
			b.logger.Info(ctx, "media stream stopped")
			return nil
		}
	}
}

func (b *bridge) engineToTelephony(ctx context.Context) error {
	for {
		messageType, data, err := b.engine.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.InfoWithError(ctx, "engine link closed", err)
			}
			return nil
		}
		b.markActive(ctx)

		if messageType == websocket.BinaryMessage {
			if err := b.forwardAudio(ctx, data); err != nil {
				return err
			}
			continue
		}

		msg, err := ultravox.ParseServerMessage(data)
		if err != nil {
			b.logger.WarnWithError(ctx, "skipping engine message", err)
			continue
		}

		switch msg.Type {
		case ultravox.MessageTypeTranscript:
			if _, err := b.sess.AppendTranscript(msg.Role, msg.Text, b.now()); err != nil {
				b.logger.Debug(ctx, fmt.Sprintf("transcript message not recorded: %v", err))
			}
		case ultravox.MessageTypeToolInvocation:
			hangUp, err := b.invokeTool(ctx, msg)
			if err != nil {
				return err
			}
			if hangUp {
				b.agentHungUp.Store(true)
				b.logger.Info(ctx, "agent hung up")
				return nil
			}
		case ultravox.MessageTypePlaybackClearBuffer:
			frame, err := twilio.EncodeClear(b.sess.StreamSID())
			if err != nil {
				b.logger.Error(ctx, "failed to encode clear frame", err)
				continue
			}
			if err := b.telephony.WriteMessage(websocket.TextMessage, frame); err != nil {
				return linkError(ctx, "telephony", err)
			}
		case ultravox.MessageTypeState:
			b.logger.Debug(ctx, fmt.Sprintf("engine state %s", msg.State))
		}
	}
}

func (b *bridge) forwardAudio(ctx context.Context, pcm []byte) error {
	streamSID := b.sess.StreamSID()
	if streamSID == "" {
		b.logger.Debug(ctx, "dropping engine audio before stream start")
		return nil
	}
	frame, err := audio.Transcode(audio.Frame{Encoding: audio.EncodingPCM16k, Payload: pcm}, audio.EncodingMuLaw8k)
	if err != nil {
		b.logger.WarnWithError(ctx, "failed to transcode engine audio", err)
		return nil
	}
	out, err := twilio.EncodeMedia(streamSID, frame)
	if err != nil {
		b.logger.WarnWithError(ctx, "failed to encode media frame", err)
		return nil
	}
	if err := b.telephony.WriteMessage(websocket.TextMessage, out); err != nil {
		return linkError(ctx, "telephony", err)
	}
	return nil
}

// invokeTool dispatches and writes the result before the next engine read.
func (b *bridge) invokeTool(ctx context.Context, msg ultravox.ServerMessage) (bool, error) {
	resp := b.dispatcher.Dispatch(ctx, tools.Call{
		CallSID:      b.sess.CallSID,
		SessionID:    b.sess.SessionID,
		CallerNumber: b.sess.CallerNumber,
		Transcript:   b.sess.Transcript,
	}, tools.Invocation{
		ID:         msg.InvocationID,
		ToolName:   msg.ToolName,
		Parameters: msg.Parameters,
	})

	result := ultravox.ToolResult{
		InvocationID: resp.InvocationID,
		Result:       resp.Result,
		Error:        resp.Error,
	}
	hangUp := resp.Kind == tools.KindHangUp && resp.Error == ""
	if hangUp {
		result.ResponseType = ultravox.ResponseTypeHangUp
	}

	out, err := ultravox.EncodeToolResult(result)
	if err != nil {
		b.logger.Error(ctx, "failed to encode tool result", err)
		return hangUp, nil
	}
	if err := b.engine.WriteMessage(websocket.TextMessage, out); err != nil {
		return false, linkError(ctx, "engine", err)
	}
	return hangUp, nil
}

// linkError reports a write failure unless the bridge is already tearing down.
func linkError(ctx context.Context, link string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("failed to write to %s link: %w", link, err)
}
