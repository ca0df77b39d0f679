package apierrors

import (
	"net/http"

	"voice-bridge/internal/observability"

	"github.com/gin-gonic/gin"
)

var logger = observability.NewLogger()

// Error codes returned to API clients
const (
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeInvalidPhoneNumber  = "INVALID_PHONE_NUMBER"
	CodeNumberUnreachable   = "NUMBER_UNREACHABLE"
	CodeTelephonyDisabled   = "TELEPHONY_DISABLED"
	CodeTelephonyError      = "TELEPHONY_ERROR"
	CodeVoiceEngineAuth     = "VOICE_ENGINE_AUTH_FAILED"
	CodeVoiceEngineRequest  = "VOICE_ENGINE_INVALID_REQUEST"
	CodeVoiceEngineDown     = "VOICE_ENGINE_UNAVAILABLE"
	CodeCallIdentityMissing = "CALL_IDENTITY_MISSING"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorResponse is the JSON structure returned to API clients
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// respond writes the error response and logs correlation info
func respond(c *gin.Context, statusCode int, code, message string) {
	ctx := c.Request.Context()
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "status_code", Value: statusCode},
		observability.Field{Key: "error_code", Value: code},
		observability.Field{Key: "error_message", Value: message},
	)
	logger.Info(ctx, "API error response")

	c.JSON(statusCode, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	respond(c, http.StatusNotFound, CodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, code, message string) {
	respond(c, http.StatusBadRequest, code, message)
}

// BadGateway sends a 502 response and logs the upstream error
func BadGateway(c *gin.Context, code, message string, upstreamErr error) {
	logger.Error(c.Request.Context(), "upstream error", upstreamErr)
	respond(c, http.StatusBadGateway, code, message)
}

// ServiceUnavailable sends a 503 response and logs the internal error
func ServiceUnavailable(c *gin.Context, code, message string, internalErr error) {
	ctx := c.Request.Context()
	logger.Error(ctx, "service unavailable", internalErr)
	respond(c, http.StatusServiceUnavailable, code, message)
}

// InternalError sends a sanitized 500 response - never exposes internal details
func InternalError(c *gin.Context, internalErr error) {
	ctx := c.Request.Context()
	logger.Error(ctx, "internal error", internalErr)
	respond(c, http.StatusInternalServerError, CodeInternal, "An internal error occurred. Please try again later.")
}
