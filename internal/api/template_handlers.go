package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sessionforge/orchestrator/internal/middleware"
	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/internal/service"
)

// TemplateHandler serves session template endpoints
type TemplateHandler struct {
	templates *service.TemplateService
}

// NewTemplateHandler creates a new template handler
func NewTemplateHandler(templates *service.TemplateService) *TemplateHandler {
	return &TemplateHandler{templates: templates}
}

// CreateTemplate handles POST /api/templates
func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	var tpl models.Template
	if err := c.ShouldBindJSON(&tpl); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.templates.CreateTemplate(&tpl); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

// GetTemplate handles GET /api/templates/:id
func (h *TemplateHandler) GetTemplate(c *gin.Context) {
	tpl, err := h.templates.GetTemplate(c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

// UpdateTemplate handles PUT /api/templates/:id
func (h *TemplateHandler) UpdateTemplate(c *gin.Context) {
	var tpl models.Template
	if err := c.ShouldBindJSON(&tpl); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tpl.ID = c.Param("id")
	if err := h.templates.UpdateTemplate(&tpl); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

// DeleteTemplate handles DELETE /api/templates/:id
func (h *TemplateHandler) DeleteTemplate(c *gin.Context) {
	if err := h.templates.DeleteTemplate(c.Param("id")); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ListTemplates handles GET /api/templates
func (h *TemplateHandler) ListTemplates(c *gin.Context) {
	var tags []string
	if raw := c.Query("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}

	templates, err := h.templates.ListTemplates(
		c.Query("category"),
		models.UserType(c.Query("user_type")),
		tags,
	)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates, "count": len(templates)})
}
