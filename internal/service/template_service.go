package service

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/internal/repository"
	"github.com/sessionforge/orchestrator/pkg/logger"
)

// TemplateService manages reusable session specification overlays
type TemplateService struct {
	store repository.Store
}

// NewTemplateService creates a new template service
func NewTemplateService(store repository.Store) *TemplateService {
	return &TemplateService{store: store}
}

// CreateTemplate validates and persists a new template
func (s *TemplateService) CreateTemplate(tpl *models.Template) error {
	if strings.TrimSpace(tpl.Name) == "" {
		return fmt.Errorf("%w: template name is required", models.ErrInvalidInput)
	}
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	if tpl.MaxTTLMinutes > 0 && tpl.DefaultTTLMinutes > tpl.MaxTTLMinutes {
		return fmt.Errorf("%w: default TTL exceeds max TTL", models.ErrInvalidInput)
	}

	if err := s.store.CreateTemplate(tpl); err != nil {
		return err
	}
	logger.Info("Template created", map[string]interface{}{
		"template_id": tpl.ID,
		"name":        tpl.Name,
		"category":    tpl.Category,
	})
	return nil
}

// GetTemplate fetches a template by id
func (s *TemplateService) GetTemplate(templateID string) (*models.Template, error) {
	return s.store.GetTemplate(templateID)
}

// UpdateTemplate persists changes to an existing template
func (s *TemplateService) UpdateTemplate(tpl *models.Template) error {
	if _, err := s.store.GetTemplate(tpl.ID); err != nil {
		return err
	}
	return s.store.UpdateTemplate(tpl)
}

// DeleteTemplate removes a template
func (s *TemplateService) DeleteTemplate(templateID string) error {
	return s.store.DeleteTemplate(templateID)
}

// ListTemplates returns templates visible to the given user type, optionally
// filtered by category and tags, most used first.
func (s *TemplateService) ListTemplates(category string, userType models.UserType, tags []string) ([]models.Template, error) {
	return s.store.ListTemplates(category, userType, tags)
}
