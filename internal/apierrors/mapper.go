package apierrors

import (
	"errors"

	"voice-bridge/internal/clients/twilio"
	"voice-bridge/internal/clients/ultravox"
	"voice-bridge/internal/store"
	"voice-bridge/internal/voicecall/processor"
	"voice-bridge/internal/voicecall/registry"

	"github.com/gin-gonic/gin"
)

// RespondWithError maps domain errors to a sanitized JSON response. Unknown
// errors become a 500.
func RespondWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrSessionNotFound):
		NotFound(c, "Call not found")

	// Telephony REST errors
	case errors.Is(err, twilio.ErrInvalidNumber):
		BadRequest(c, CodeInvalidPhoneNumber, "The phone number is not valid")
	case errors.Is(err, twilio.ErrNumberNotReachable):
		BadRequest(c, CodeNumberUnreachable, "The phone number cannot receive calls")
	case errors.Is(err, twilio.ErrAuthentication), errors.Is(err, twilio.ErrRequestFailed):
		BadGateway(c, CodeTelephonyError, "The telephony provider rejected the request", err)

	// Voice engine negotiation errors
	case errors.Is(err, ultravox.ErrAuthenticationFailed):
		BadGateway(c, CodeVoiceEngineAuth, "The voice engine rejected our credentials", err)
	case errors.Is(err, ultravox.ErrInvalidRequest):
		BadGateway(c, CodeVoiceEngineRequest, "The voice engine rejected the session request", err)
	case errors.Is(err, ultravox.ErrServiceUnavailable),
		errors.Is(err, ultravox.ErrEngineUnreachable),
		errors.Is(err, processor.ErrEngineConnection):
		ServiceUnavailable(c, CodeVoiceEngineDown, "The voice engine is temporarily unavailable. Please try again later.", err)

	case errors.Is(err, processor.ErrMissingCallSID):
		BadRequest(c, CodeCallIdentityMissing, "The call could not be identified")

	default:
		InternalError(c, err)
	}
}
