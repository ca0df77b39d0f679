package handler

import (
	"errors"
	"net/http"

	"voice-bridge/internal/apierrors"
	twiliorest "voice-bridge/internal/clients/twilio"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/store"
	"voice-bridge/internal/voicecall/twilio"

	"github.com/gin-gonic/gin"
)

var errTelephonyDisabled = errors.New("twilio credentials are not configured")

type OutboundCallRequest struct {
	To   string `json:"to" binding:"required,e164"`
	From string `json:"from" binding:"required,e164"`
}

type OutboundCallResponse struct {
	CallSID string           `json:"call_sid"`
	Status  store.CallStatus `json:"status"`
}

// HandleOutboundCall places a call whose audio streams into the bridge.
func (h *Handler) HandleOutboundCall(c *gin.Context) {
	ctx := c.Request.Context()

	var req OutboundCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.ValidationError(c, err)
		return
	}
	if h.caller == nil {
		apierrors.ServiceUnavailable(c, apierrors.CodeTelephonyDisabled, "Outbound calling is not enabled", errTelephonyDisabled)
		return
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "to", Value: req.To},
		observability.Field{Key: "from", Value: req.From},
	)

	response, err := twiliorest.ConnectStream(twiliorest.MediaStreamURL(h.serverDomain), twiliorest.StreamParameters{
		twilio.ParamCallerNumber: req.To,
		twilio.ParamDirection:    string(store.CallDirectionOutbound),
	})
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}

	callSID, err := h.caller.CreateCall(ctx, twiliorest.OutboundCall{To: req.To, From: req.From, TwiML: response})
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}

	ctx = observability.WithFields(ctx, observability.Field{Key: "call_sid", Value: callSID})
	err = h.calls.EnsureCall(ctx, store.CreateCallParams{
		CallSID:    callSID,
		FromNumber: req.From,
		ToNumber:   req.To,
		Direction:  store.CallDirectionOutbound,
		Status:     store.CallStatusInitiated,
	})
	if err != nil {
		// The call is already ringing; the media stream recreates the row.
		h.logger.Error(ctx, "failed to record outbound call", err)
	}

	c.JSON(http.StatusCreated, OutboundCallResponse{CallSID: callSID, Status: store.CallStatusInitiated})
}
