package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sessionforge/orchestrator/internal/middleware"
	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/internal/repository"
)

// WorkspaceHandler serves user and workspace endpoints
type WorkspaceHandler struct {
	store repository.Store
}

// NewWorkspaceHandler creates a new workspace handler
func NewWorkspaceHandler(store repository.Store) *WorkspaceHandler {
	return &WorkspaceHandler{store: store}
}

// CreateUserRequest is the body for POST /api/users
type CreateUserRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Name     string `json:"name"`
	UserType string `json:"user_type"`
}

// CreateUser handles POST /api/users
func (h *WorkspaceHandler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userType := models.UserType(req.UserType)
	if userType == "" {
		userType = models.UserTypeFree
	}
	user := &models.User{
		Email:    req.Email,
		Name:     req.Name,
		UserType: userType,
	}
	if err := h.store.CreateUser(user); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

// GetUser handles GET /api/users/:id
func (h *WorkspaceHandler) GetUser(c *gin.Context) {
	user, err := h.store.GetUser(c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// CreateWorkspaceRequest is the body for POST /api/workspaces
type CreateWorkspaceRequest struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id" binding:"required"`
	Name            string `json:"name" binding:"required"`
	ResourcePackage string `json:"resource_package"`
	Description     string `json:"description"`
}

// CreateWorkspace handles POST /api/workspaces
func (h *WorkspaceHandler) CreateWorkspace(c *gin.Context) {
	var req CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.store.GetUser(req.UserID); err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	ws := &models.Workspace{
		ID:              req.ID,
		UserID:          req.UserID,
		Name:            req.Name,
		ResourcePackage: req.ResourcePackage,
		Description:     req.Description,
	}
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	if err := h.store.CreateWorkspace(ws); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ws)
}

// ListWorkspaces handles GET /api/users/:id/workspaces
func (h *WorkspaceHandler) ListWorkspaces(c *gin.Context) {
	workspaces, err := h.store.ListWorkspaces(c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": workspaces, "count": len(workspaces)})
}

// GetWorkspace handles GET /api/workspaces/:id
func (h *WorkspaceHandler) GetWorkspace(c *gin.Context) {
	ws, err := h.store.GetWorkspace(c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

// DeleteWorkspace handles DELETE /api/workspaces/:id
func (h *WorkspaceHandler) DeleteWorkspace(c *gin.Context) {
	if err := h.store.DeleteWorkspace(c.Param("id")); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
