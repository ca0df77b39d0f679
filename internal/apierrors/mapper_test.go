package apierrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"voice-bridge/internal/clients/twilio"
	"voice-bridge/internal/clients/ultravox"
	"voice-bridge/internal/store"
	"voice-bridge/internal/voicecall/processor"
	"voice-bridge/internal/voicecall/registry"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "call not found", err: fmt.Errorf("lookup: %w", store.ErrNotFound), wantStatus: http.StatusNotFound, wantCode: CodeNotFound},
		{name: "session not found", err: registry.ErrSessionNotFound, wantStatus: http.StatusNotFound, wantCode: CodeNotFound},
		{name: "invalid number", err: twilio.ErrInvalidNumber, wantStatus: http.StatusBadRequest, wantCode: CodeInvalidPhoneNumber},
		{name: "unreachable number", err: twilio.ErrNumberNotReachable, wantStatus: http.StatusBadRequest, wantCode: CodeNumberUnreachable},
		{name: "twilio auth", err: twilio.ErrAuthentication, wantStatus: http.StatusBadGateway, wantCode: CodeTelephonyError},
		{
			name:       "engine auth",
			err:        fmt.Errorf("%w: %w", processor.ErrNegotiation, &ultravox.NegotiationError{Kind: ultravox.ErrAuthenticationFailed, StatusCode: 401}),
			wantStatus: http.StatusBadGateway,
			wantCode:   CodeVoiceEngineAuth,
		},
		{name: "engine invalid request", err: ultravox.ErrInvalidRequest, wantStatus: http.StatusBadGateway, wantCode: CodeVoiceEngineRequest},
		{name: "engine down", err: ultravox.ErrServiceUnavailable, wantStatus: http.StatusServiceUnavailable, wantCode: CodeVoiceEngineDown},
		{name: "engine dial", err: processor.ErrEngineConnection, wantStatus: http.StatusServiceUnavailable, wantCode: CodeVoiceEngineDown},
		{name: "missing call sid", err: processor.ErrMissingCallSID, wantStatus: http.StatusBadRequest, wantCode: CodeCallIdentityMissing},
		{name: "unknown", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			RespondWithError(c, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.NotContains(t, resp.Error, "boom")
		})
	}
}
