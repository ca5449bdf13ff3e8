package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sessionforge/orchestrator/internal/middleware"
	"github.com/sessionforge/orchestrator/pkg/config"
)

// SetupRouter wires all handlers into a gin engine
func SetupRouter(
	sessionHandler *SessionHandler,
	billingHandler *BillingHandler,
	workspaceHandler *WorkspaceHandler,
	storageHandler *StorageHandler,
	templateHandler *TemplateHandler,
	eventHandler *EventHandler,
	healthHandler *HealthHandler,
	cfg *config.Config,
) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.RateLimitMiddleware(middleware.GlobalRateLimiter))

	// Health endpoints (no rate limit sensitive paths)
	router.GET("/health", healthHandler.HealthCheck)
	router.HEAD("/health", healthHandler.HealthCheck)
	router.GET("/ready", healthHandler.ReadinessCheck)
	router.GET("/live", healthHandler.LivenessCheck)

	// Prometheus scrape endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		sessions := api.Group("/sessions")
		{
			sessions.POST("", middleware.RateLimitMiddleware(middleware.CreateRateLimiter), sessionHandler.CreateSession)
			sessions.GET("", sessionHandler.ListSessions)
			sessions.GET("/:id", sessionHandler.GetSession)
			sessions.DELETE("/:id", sessionHandler.DeleteSession)
			sessions.POST("/:id/exec", sessionHandler.Exec)
			sessions.GET("/:id/jobs/:job", sessionHandler.JobStatus)
			sessions.GET("/:id/shell", sessionHandler.Shell)
			sessions.GET("/:id/billing", billingHandler.GetSessionBilling)
			sessions.POST("/:id/storage", storageHandler.AttachStorage)
			sessions.GET("/:id/storage", storageHandler.ListAttachments)
			sessions.DELETE("/:id/storage/:storage", storageHandler.DetachStorage)
		}

		users := api.Group("/users")
		{
			users.POST("", workspaceHandler.CreateUser)
			users.GET("/:id", workspaceHandler.GetUser)
			users.GET("/:id/workspaces", workspaceHandler.ListWorkspaces)
			users.GET("/:id/credits", billingHandler.GetBalance)
			users.GET("/:id/credits/history", billingHandler.GetHistory)
			users.POST("/:id/credits/purchase", middleware.RateLimitMiddleware(middleware.PurchaseRateLimiter), billingHandler.PurchaseCredits)
		}

		workspaces := api.Group("/workspaces")
		{
			workspaces.POST("", workspaceHandler.CreateWorkspace)
			workspaces.GET("/:id", workspaceHandler.GetWorkspace)
			workspaces.DELETE("/:id", workspaceHandler.DeleteWorkspace)
			workspaces.GET("/:id/storage", storageHandler.ListWorkspaceStorage)
		}

		storage := api.Group("/storage")
		{
			storage.POST("", storageHandler.CreateStorage)
			storage.POST("/:id/assign", storageHandler.AssignStorage)
		}

		templates := api.Group("/templates")
		{
			templates.POST("", templateHandler.CreateTemplate)
			templates.GET("", templateHandler.ListTemplates)
			templates.GET("/:id", templateHandler.GetTemplate)
			templates.PUT("/:id", templateHandler.UpdateTemplate)
			templates.DELETE("/:id", templateHandler.DeleteTemplate)
		}

		api.POST("/billing/estimate", billingHandler.Estimate)
		api.GET("/events", eventHandler.QueryEvents)
	}

	return router
}
