package handler

import (
	"fmt"

	"voice-bridge/internal/observability"
	"voice-bridge/internal/voicecall/twilio"

	"github.com/gin-gonic/gin"
)

// HandleMediaStream upgrades Twilio's media stream and bridges it until the
// call ends.
func (h *Handler) HandleMediaStream(c *gin.Context) {
	ctx := c.Request.Context()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error(ctx, "failed to upgrade media stream", err)
		return
	}
	defer conn.Close()

	identity := twilio.Identity{
		CallSID:      c.Query(twilio.ParamCallSID),
		CallerNumber: c.Query(twilio.ParamCallerNumber),
	}

	outcome, err := h.voiceProcessor.HandleMediaStream(ctx, conn, identity)
	if err != nil {
		h.logger.Error(ctx, "media stream ended with error", err)
		return
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "call_sid", Value: outcome.CallSID},
		observability.Field{Key: "session_id", Value: outcome.SessionID},
	)
	h.logger.Info(ctx, fmt.Sprintf("call finished after %ds, hung up by %s",
		outcome.Record.DurationSeconds, outcome.Record.HangUpBy))
}
