package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sessionforge/orchestrator/internal/events"
	"github.com/sessionforge/orchestrator/internal/middleware"
)

// EventHandler serves the system event query endpoint
type EventHandler struct{}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// QueryEvents handles GET /api/events
func (h *EventHandler) QueryEvents(c *gin.Context) {
	filters := events.EventFilters{
		SessionID: c.Query("session_id"),
		UserID:    c.Query("user_id"),
	}

	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			filters.Types = append(filters.Types, events.EventType(t))
		}
	}
	if v := c.Query("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start time"})
			return
		}
		filters.StartTime = t
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end time"})
			return
		}
		filters.EndTime = t
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filters.Limit = limit
	}

	result, err := events.GetEventBus().Query(filters)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": result, "count": len(result)})
}
