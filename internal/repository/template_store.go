package repository

import (
	"errors"
	"time"

	"github.com/sessionforge/orchestrator/internal/models"
	"gorm.io/gorm"
)

// ---- Templates ----

func (s *gormStore) CreateTemplate(tpl *models.Template) error {
	return translateError(s.db.Create(tpl).Error)
}

func (s *gormStore) GetTemplate(templateID string) (*models.Template, error) {
	var tpl models.Template
	if err := s.db.First(&tpl, "id = ?", templateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrTemplateNotFound
		}
		return nil, translateError(err)
	}
	return &tpl, nil
}

func (s *gormStore) UpdateTemplate(tpl *models.Template) error {
	return translateError(s.db.Save(tpl).Error)
}

func (s *gormStore) DeleteTemplate(templateID string) error {
	result := s.db.Delete(&models.Template{}, "id = ?", templateID)
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrTemplateNotFound
	}
	return nil
}

// ListTemplates filters by category, allowed user type and tags. User-type
// and tag filters are applied in memory since both live in JSON columns.
func (s *gormStore) ListTemplates(category string, userType models.UserType, tags []string) ([]models.Template, error) {
	query := s.db.Order("usage_count DESC, name ASC")
	if category != "" {
		query = query.Where("category = ?", category)
	}

	var templates []models.Template
	if err := query.Find(&templates).Error; err != nil {
		return nil, translateError(err)
	}

	filtered := make([]models.Template, 0, len(templates))
	for _, tpl := range templates {
		if userType != "" && !tpl.AllowsUserType(userType) {
			continue
		}
		if !hasAllTags(&tpl, tags) {
			continue
		}
		filtered = append(filtered, tpl)
	}
	return filtered, nil
}

func hasAllTags(tpl *models.Template, tags []string) bool {
	for _, tag := range tags {
		if !tpl.HasTag(tag) {
			return false
		}
	}
	return true
}

// IncrementTemplateUsage bumps the usage counter and last-used timestamp
func (s *gormStore) IncrementTemplateUsage(templateID string) error {
	now := time.Now().UTC()
	result := s.db.Model(&models.Template{}).
		Where("id = ?", templateID).
		Updates(map[string]interface{}{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"last_used_at": now,
		})
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrTemplateNotFound
	}
	return nil
}
