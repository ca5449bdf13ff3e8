package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sessionforge/orchestrator/internal/middleware"
	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/internal/service"
)

// StorageHandler serves storage resource and attachment endpoints
type StorageHandler struct {
	storage *service.StorageService
}

// NewStorageHandler creates a new storage handler
func NewStorageHandler(storage *service.StorageService) *StorageHandler {
	return &StorageHandler{storage: storage}
}

// CreateStorageRequest is the body for POST /api/storage
type CreateStorageRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	StorageType string `json:"storage_type" binding:"required"`
	Name        string `json:"name"`
	SizeGB      int    `json:"size_gb" binding:"required,gt=0"`
}

// CreateStorage handles POST /api/storage
func (h *StorageHandler) CreateStorage(c *gin.Context) {
	var req CreateStorageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.storage.CreateStorageResource(req.UserID, models.StorageType(req.StorageType), req.Name, req.SizeGB)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// AssignRequest is the body for POST /api/storage/:id/assign
type AssignRequest struct {
	WorkspaceID string `json:"workspace_id" binding:"required"`
	SetDefault  bool   `json:"set_default"`
}

// AssignStorage handles POST /api/storage/:id/assign
func (h *StorageHandler) AssignStorage(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resourceID := c.Param("id")
	if err := h.storage.AssignToWorkspace(resourceID, req.WorkspaceID); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if req.SetDefault {
		if err := h.storage.SetWorkspaceDefault(req.WorkspaceID, resourceID); err != nil {
			middleware.AbortWithError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"assigned": true})
}

// ListWorkspaceStorage handles GET /api/workspaces/:id/storage
func (h *StorageHandler) ListWorkspaceStorage(c *gin.Context) {
	resources, err := h.storage.ListWorkspaceStorage(c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"storage": resources, "count": len(resources)})
}

// AttachRequest is the body for POST /api/sessions/:id/storage
type AttachRequest struct {
	StorageID  string `json:"storage_id" binding:"required"`
	MountPath  string `json:"mount_path"`
	AccessMode string `json:"access_mode"`
}

// AttachStorage handles POST /api/sessions/:id/storage
func (h *StorageHandler) AttachStorage(c *gin.Context) {
	var req AttachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.storage.AttachToSession(c.Param("id"), req.StorageID, req.MountPath, models.AccessMode(req.AccessMode))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attached": true})
}

// DetachStorage handles DELETE /api/sessions/:id/storage/:storage
func (h *StorageHandler) DetachStorage(c *gin.Context) {
	if err := h.storage.DetachFromSession(c.Param("id"), c.Param("storage")); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"detached": true})
}

// ListAttachments handles GET /api/sessions/:id/storage
func (h *StorageHandler) ListAttachments(c *gin.Context) {
	attachments, err := h.storage.ListSessionAttachments(c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachments": attachments, "count": len(attachments)})
}
