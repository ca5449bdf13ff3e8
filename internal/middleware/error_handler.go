package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/pkg/logger"
)

// ErrorResponse is the standard error body
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ErrorHandler catches panics and collected request errors
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic recovered", nil, map[string]interface{}{
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
					"panic":  r,
				})
				c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
					Error: "Internal server error",
					Code:  "INTERNAL_ERROR",
				})
			}
		}()

		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			err := c.Errors.Last().Err
			status, code := StatusFor(err)
			logger.Error("Request error", err, map[string]interface{}{
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
				"code":   code,
			})
			c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		}
	}
}

// StatusFor maps domain errors to an HTTP status and machine-readable code
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrTemplateNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrBillingExists):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrBelowMinimumPurchase):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, models.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "INSUFFICIENT_CREDITS"
	case errors.Is(err, models.ErrQuotaExceeded):
		return http.StatusForbidden, "QUOTA_EXCEEDED"
	case errors.Is(err, models.ErrProviderUnavailable), errors.Is(err, models.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE"
	case errors.Is(err, models.ErrTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// AbortWithError writes the mapped error response and stops the chain
func AbortWithError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}
