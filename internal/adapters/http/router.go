package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceClient/internal/app/orch"
	"github.com/dkeye/VoiceClient/internal/config"
	"github.com/dkeye/VoiceClient/internal/domain"
)

const requestTimeout = 30 * time.Second

// Controller is the room controller surface the API exposes.
type Controller interface {
	JoinRoom(ctx context.Context, room domain.RoomID, display string) error
	LeaveRoom(ctx context.Context) error
	StartPlayback(ctx context.Context, mountpoint domain.MountpointID) error
	StopPlayback(ctx context.Context) error
	Status() orch.Status
}

type joinRequest struct {
	Room    domain.RoomID `json:"room" binding:"required"`
	Display string        `json:"display"`
}

type playbackRequest struct {
	Mountpoint domain.MountpointID `json:"mountpoint" binding:"required"`
}

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// BearerMiddleware rejects requests without the configured token. An empty
// secret disables the check.
func BearerMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, ctl Controller, defaultDisplay string) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	api := r.Group("/api", BearerMiddleware(cfg.Secret))
	api.GET("/status", func(c *gin.Context) { c.JSON(http.StatusOK, ctl.Status()) })

	api.POST("/room", func(c *gin.Context) {
		var req joinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid room"})
			return
		}
		if req.Display == "" {
			req.Display = defaultDisplay
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		if err := ctl.JoinRoom(ctx, req.Room, req.Display); err != nil {
			respondError(c, "join room", err)
			return
		}
		c.JSON(http.StatusOK, ctl.Status())
	})
	api.DELETE("/room", func(c *gin.Context) {
		if err := ctl.LeaveRoom(c.Request.Context()); err != nil {
			respondError(c, "leave room", err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/playback", func(c *gin.Context) {
		var req playbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid mountpoint"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		if err := ctl.StartPlayback(ctx, req.Mountpoint); err != nil {
			respondError(c, "start playback", err)
			return
		}
		c.JSON(http.StatusOK, ctl.Status())
	})
	api.DELETE("/playback", func(c *gin.Context) {
		if err := ctl.StopPlayback(c.Request.Context()); err != nil {
			respondError(c, "stop playback", err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

func respondError(c *gin.Context, op string, err error) {
	status := http.StatusBadGateway
	var gwErr *domain.GatewayError
	switch {
	case errors.Is(err, domain.ErrConnectionUnavailable), errors.Is(err, domain.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTransactionTimeout):
		status = http.StatusGatewayTimeout
	case errors.As(err, &gwErr):
		status = http.StatusConflict
	}
	log.Warn().Str("module", "adapters.http").Str("request_id", c.GetString("request_id")).Err(err).Msg(op)
	c.JSON(status, gin.H{"error": err.Error()})
}
