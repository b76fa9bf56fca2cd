package http

import (
	"net/http"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/errors"
	"meshcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RelayStats reports live relay state.
type RelayStats interface {
	ConnectedPeers() int
}

// SessionHandler exposes read-only session membership next to the relay.
type SessionHandler struct {
	sessions ports.SessionRepository
	relay    RelayStats
}

func NewSessionHandler(sessions ports.SessionRepository, relay RelayStats) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		relay:    relay,
	}
}

func (h *SessionHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/sessions/:id", h.GetSession)
		api.GET("/stats", h.GetStats)
	}
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := validation.ValidateSessionID(sessionID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	members, err := h.sessions.Members(c.Request.Context(), domain.SessionID(sessionID))
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "list session members").
			WithContext("session", sessionID))
		return
	}
	if members == nil {
		members = []domain.PeerID{}
	}

	c.JSON(http.StatusOK, gin.H{
		"session": sessionID,
		"members": members,
		"count":   len(members),
	})
}

func (h *SessionHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_peers": h.relay.ConnectedPeers(),
		"timestamp":       time.Now().Unix(),
	})
}
