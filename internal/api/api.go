package api

import (
	"context"
	"net/http"
	"time"

	"voice-bridge/internal/apierrors"
	voiceCallHandler "voice-bridge/internal/voicecall/handler"

	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 2 * time.Second

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type API struct {
	router           *gin.RouterGroup
	database         HealthChecker
	voiceCallHandler voiceCallHandler.Handler
}

func New(router *gin.RouterGroup, database HealthChecker, voiceCallHandler voiceCallHandler.Handler) API {
	return API{
		router:           router,
		database:         database,
		voiceCallHandler: voiceCallHandler,
	}
}

func (a *API) RegisterRoutes() {
	a.Health()
	a.router.GET("/media-stream", a.voiceCallHandler.HandleMediaStream)
	a.router.GET("/ws/calls", a.voiceCallHandler.HandleCallControl)

	apiGroup := a.router.Group("/api")
	{
		callsGroup := apiGroup.Group("/calls")
		callsGroup.POST("/incoming-call", a.voiceCallHandler.HandleIncomingCall)
		callsGroup.POST("/outbound", a.voiceCallHandler.HandleOutboundCall)
	}
}

func (a *API) Health() {
	a.router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		if err := a.database.Ping(ctx); err != nil {
			apierrors.ServiceUnavailable(c, "DATABASE_UNAVAILABLE", "Database is unreachable", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
}
