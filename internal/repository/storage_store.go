package repository

import (
	"errors"
	"time"

	"github.com/sessionforge/orchestrator/internal/models"
	"gorm.io/gorm"
)

// ---- Storage resources & attachments ----

func (s *gormStore) CreateStorageResource(res *models.StorageResource) error {
	return translateError(s.db.Create(res).Error)
}

func (s *gormStore) AssignStorageToWorkspace(resourceID, workspaceID string) error {
	result := s.db.Model(&models.StorageResource{}).
		Where("id = ?", resourceID).
		Update("workspace_id", workspaceID)
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetWorkspaceDefaultStorage makes the resource the default of its type for
// the workspace. Any previous default of the same type is cleared in the same
// transaction, preserving the at-most-one-default invariant, and the mirror
// column on the workspace row is updated.
func (s *gormStore) SetWorkspaceDefaultStorage(workspaceID, resourceID string) error {
	return translateError(s.db.Transaction(func(tx *gorm.DB) error {
		var res models.StorageResource
		if err := tx.First(&res, "id = ?", resourceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.ErrNotFound
			}
			return err
		}

		if err := tx.Model(&models.StorageResource{}).
			Where("workspace_id = ? AND storage_type = ? AND is_default = ?", workspaceID, res.StorageType, true).
			Update("is_default", false).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"workspace_id": workspaceID,
			"is_default":   true,
		}
		if err := tx.Model(&models.StorageResource{}).
			Where("id = ?", resourceID).Updates(updates).Error; err != nil {
			return err
		}

		column := "default_bucket_id"
		if res.StorageType == models.StorageFilestore {
			column = "default_filestore_id"
		}
		return tx.Model(&models.Workspace{}).
			Where("id = ?", workspaceID).
			Update(column, resourceID).Error
	}))
}

func (s *gormStore) ListWorkspaceStorage(workspaceID string) ([]models.StorageResource, error) {
	var resources []models.StorageResource
	if err := s.db.Where("workspace_id = ?", workspaceID).Find(&resources).Error; err != nil {
		return nil, translateError(err)
	}
	return resources, nil
}

func (s *gormStore) CountUserStorage(userID string, storageType models.StorageType) (int64, error) {
	var count int64
	err := s.db.Model(&models.StorageResource{}).
		Where("user_id = ? AND storage_type = ?", userID, storageType).
		Count(&count).Error
	if err != nil {
		return 0, translateError(err)
	}
	return count, nil
}

func (s *gormStore) AttachSessionStorage(att *models.SessionAttachment) error {
	if att.AttachedAt.IsZero() {
		att.AttachedAt = time.Now().UTC()
	}
	return translateError(s.db.Create(att).Error)
}

func (s *gormStore) DetachSessionStorage(sessionID, storageID string) error {
	now := time.Now().UTC()
	result := s.db.Model(&models.SessionAttachment{}).
		Where("session_id = ? AND storage_id = ? AND detached_at IS NULL", sessionID, storageID).
		Update("detached_at", now)
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *gormStore) ListSessionAttachments(sessionID string) ([]models.SessionAttachment, error) {
	var attachments []models.SessionAttachment
	if err := s.db.Where("session_id = ?", sessionID).Find(&attachments).Error; err != nil {
		return nil, translateError(err)
	}
	return attachments, nil
}
