package handler

import (
	"fmt"
	"net/http"

	twiliorest "voice-bridge/internal/clients/twilio"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/store"
	"voice-bridge/internal/voicecall/twilio"

	"github.com/gin-gonic/gin"
)

const contentTypeXML = "text/xml; charset=utf-8"

// HandleIncomingCall answers Twilio's voice webhook with TwiML that streams
// the call into the bridge. It always answers 200 so Twilio does not retry;
// failures get an apology instead.
func (h *Handler) HandleIncomingCall(c *gin.Context) {
	ctx := c.Request.Context()
	callSID := c.PostForm("CallSid")
	from := c.PostForm("From")
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "call_sid", Value: callSID},
		observability.Field{Key: "from", Value: from},
	)

	if callSID == "" {
		h.logger.Warn(ctx, "incoming call webhook without CallSid")
		h.respondApology(c)
		return
	}

	err := h.calls.EnsureCall(ctx, store.CreateCallParams{
		CallSID:    callSID,
		FromNumber: from,
		ToNumber:   c.PostForm("To"),
		Direction:  store.CallDirectionInbound,
		Status:     store.CallStatusInProgress,
	})
	if err != nil {
		h.logger.Error(ctx, "failed to record incoming call", err)
		h.respondApology(c)
		return
	}

	response, err := twiliorest.ConnectStream(twiliorest.MediaStreamURL(h.serverDomain), twiliorest.StreamParameters{
		twilio.ParamCallSID:      callSID,
		twilio.ParamCallerNumber: from,
	})
	if err != nil {
		h.logger.Error(ctx, "failed to build stream TwiML", err)
		h.respondApology(c)
		return
	}

	h.logger.Info(ctx, fmt.Sprintf("streaming incoming call to %s", h.serverDomain))
	c.Data(http.StatusOK, contentTypeXML, []byte(response))
}

func (h *Handler) respondApology(c *gin.Context) {
	response, err := twiliorest.Apology()
	if err != nil {
		h.logger.Error(c.Request.Context(), "failed to build apology TwiML", err)
		c.Status(http.StatusOK)
		return
	}
	c.Data(http.StatusOK, contentTypeXML, []byte(response))
}
