package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sessionforge/orchestrator/internal/middleware"
	"github.com/sessionforge/orchestrator/internal/service"
)

// BillingHandler serves credit and billing endpoints
type BillingHandler struct {
	billing *service.BillingService
}

// NewBillingHandler creates a new billing handler
func NewBillingHandler(billing *service.BillingService) *BillingHandler {
	return &BillingHandler{billing: billing}
}

// GetBalance handles GET /api/users/:id/credits
func (h *BillingHandler) GetBalance(c *gin.Context) {
	balance, _, err := h.billing.CheckUserCreditBalance(c.Param("id"), 0)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("id"), "credits": balance})
}

// GetHistory handles GET /api/users/:id/credits/history
func (h *BillingHandler) GetHistory(c *gin.Context) {
	var start, end *time.Time
	if v := c.Query("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start time"})
			return
		}
		start = &t
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end time"})
			return
		}
		end = &t
	}

	history, err := h.billing.GetCreditHistory(c.Param("id"), start, end)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": history, "count": len(history)})
}

// PurchaseRequest is the body for POST /api/users/:id/credits/purchase
type PurchaseRequest struct {
	Amount float64 `json:"amount" binding:"required,gt=0"`
	Method string  `json:"method"`
}

// PurchaseCredits handles POST /api/users/:id/credits/purchase
func (h *BillingHandler) PurchaseCredits(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	balance, err := h.billing.PurchaseCredits(c.Param("id"), req.Amount)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("id"), "credits": balance})
}

// EstimateRequest is the body for POST /api/billing/estimate
type EstimateRequest struct {
	UserID        string  `json:"user_id" binding:"required"`
	DurationHours float64 `json:"duration_hours" binding:"required,gt=0"`
	Tier          string  `json:"tier"`
}

// Estimate handles POST /api/billing/estimate
func (h *BillingHandler) Estimate(c *gin.Context) {
	var req EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cost, err := h.billing.CalculateSessionCost(req.UserID, req.DurationHours, req.Tier)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"estimated_cost": cost})
}

// GetSessionBilling handles GET /api/sessions/:id/billing
func (h *BillingHandler) GetSessionBilling(c *gin.Context) {
	info, err := h.billing.GetSessionBillingInfo(c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
