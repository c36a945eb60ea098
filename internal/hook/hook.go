// Package hook implements the local HTTP endpoint hooks running inside a
// sandbox post agent-status pings to, per spec.md §4.9.
package hook

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clauderon/clauderon/internal/apperror"
	"github.com/clauderon/clauderon/internal/logging"
	"github.com/clauderon/clauderon/internal/session"
)

// Ping is the payload a hook posts: the session id, its reported status,
// and the timestamp the hook observed it at. The timestamp is accepted but
// not currently trusted over the server's own receive time, since sandbox
// clocks are not guaranteed to be synchronized with the daemon host.
type Ping struct {
	SessionID string    `json:"session_id" binding:"required"`
	Status    string    `json:"status" binding:"required"`
	Timestamp time.Time `json:"timestamp"`
}

var validStatuses = map[string]session.ClaudeStatus{
	"working":          session.ClaudeStatusWorking,
	"waiting_approval": session.ClaudeStatusWaitingApproval,
	"waiting_input":    session.ClaudeStatusWaitingInput,
	"idle":             session.ClaudeStatusIdle,
}

// Handler implements the hook ingestion endpoint.
type Handler struct {
	manager Manager
	hub     *Hub
	log     *logging.Logger
}

// Manager is the manager method the hook handler calls into. Defined
// locally (rather than importing internal/manager) to keep this package's
// dependency surface to the one operation it actually needs.
type Manager interface {
	UpdateClaudeStatus(ctx context.Context, id string, status session.ClaudeStatus) error
}

// NewHandler builds a hook Handler. hub may be nil, in which case status
// pings are applied to the manager but never pushed to any UI client.
func NewHandler(m Manager, hub *Hub, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Default()
	}
	return &Handler{manager: m, hub: hub, log: log}
}

// RegisterRoutes wires the hook endpoints onto router, following the
// teacher's SetupRoutes(router *gin.RouterGroup, ...) convention.
func RegisterRoutes(router *gin.RouterGroup, m Manager, hub *Hub, log *logging.Logger) {
	h := NewHandler(m, hub, log)
	router.POST("/status", h.PostStatus)
	if hub != nil {
		router.GET("/ws", hub.ServeWS)
	}
}

// PostStatus ingests one hook status ping. Per spec.md §4.9, hook failures
// are silently ignored inside the sandbox — this handler still reports a
// real HTTP status so operators can see ingestion problems in the daemon's
// own logs, but the hook script itself never surfaces or retries them.
func (h *Handler) PostStatus(c *gin.Context) {
	var ping Ping
	if err := c.ShouldBindJSON(&ping); err != nil {
		h.log.Debug("malformed hook payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	status, ok := validStatuses[ping.Status]
	if !ok {
		h.log.Debug("unknown hook status", zap.String("status", ping.Status), zap.String("session_id", ping.SessionID))
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	if err := h.manager.UpdateClaudeStatus(c.Request.Context(), ping.SessionID, status); err != nil {
		if apperror.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
			return
		}
		h.log.WithError(err).Warn("failed to apply hook status update", zap.String("session_id", ping.SessionID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if h.hub != nil {
		h.hub.BroadcastStatus(StatusUpdate{SessionID: ping.SessionID, Status: status, Timestamp: time.Now().UTC()})
	}

	c.Status(http.StatusNoContent)
}
