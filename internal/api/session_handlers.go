package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sessionforge/orchestrator/internal/middleware"
	"github.com/sessionforge/orchestrator/internal/provider"
	"github.com/sessionforge/orchestrator/internal/service"
	"github.com/sessionforge/orchestrator/internal/shell"
	"github.com/sessionforge/orchestrator/pkg/config"
	"github.com/sessionforge/orchestrator/pkg/logger"
)

// SessionHandler serves the session lifecycle endpoints
type SessionHandler struct {
	sessions *service.SessionService
	cfg      *config.Config
	upgrader websocket.Upgrader
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions *service.SessionService, cfg *config.Config) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// CreateSession handles POST /api/sessions
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req provider.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := h.sessions.CreateSession(c.Request.Context(), &req)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// ListSessions handles GET /api/sessions
func (h *SessionHandler) ListSessions(c *gin.Context) {
	infos, err := h.sessions.ListSessions(c.Request.Context())
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": infos, "count": len(infos)})
}

// GetSession handles GET /api/sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	info, err := h.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if info == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// DeleteSession handles DELETE /api/sessions/:id
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	existed, err := h.sessions.DeleteSession(c.Request.Context(), c.Param("id"), "client_request")
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if !existed {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ExecRequest is the body for POST /api/sessions/:id/exec
type ExecRequest struct {
	Command        string `json:"command" binding:"required"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Async          bool   `json:"async"`
}

// Exec handles POST /api/sessions/:id/exec
func (h *SessionHandler) Exec(c *gin.Context) {
	var req ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := c.Param("id")
	if req.Async {
		handle, err := h.sessions.ExecuteAsync(c.Request.Context(), sessionID, req.Command)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, handle)
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	result, err := h.sessions.Execute(c.Request.Context(), sessionID, req.Command, timeout)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// JobStatus handles GET /api/sessions/:id/jobs/:job
func (h *SessionHandler) JobStatus(c *gin.Context) {
	handle := &provider.JobHandle{
		SessionID: c.Param("id"),
		JobID:     c.Param("job"),
		JobName:   c.Param("job"),
		Provider:  c.Query("provider"),
	}
	if handle.Provider == "" {
		info, err := h.sessions.GetSession(c.Request.Context(), handle.SessionID)
		if err != nil {
			middleware.AbortWithError(c, err)
			return
		}
		if info == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		handle.Provider = info.Provider
	}

	result, err := h.sessions.JobStatus(c.Request.Context(), handle)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Shell handles GET /api/sessions/:id/shell (WebSocket upgrade)
func (h *SessionHandler) Shell(c *gin.Context) {
	sessionID := c.Param("id")

	stream, err := h.sessions.OpenShell(c.Request.Context(), sessionID)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		stream.Close()
		logger.Error("WebSocket upgrade failed", err, map[string]interface{}{
			"session_id": sessionID,
		})
		return
	}

	idle := time.Duration(h.cfg.ShellIdleTimeoutMinutes) * time.Minute
	hard := time.Duration(h.cfg.ShellMaxDurationHours) * time.Hour

	bridge := shell.NewBridge(sessionID, conn, stream, idle, hard)
	bridge.OnClose = func(cause shell.CloseCause) {
		// Hitting a shell limit ends the session itself
		if cause == shell.CauseIdle || cause == shell.CauseMaxDuration {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := h.sessions.DeleteSession(ctx, sessionID, "shell_"+string(cause)); err != nil {
				logger.Error("Shell-triggered delete failed", err, map[string]interface{}{
					"session_id": sessionID,
				})
			}
		}
	}
	bridge.Run(c.Request.Context())
}
