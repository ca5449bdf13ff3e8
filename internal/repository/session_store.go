package repository

import (
	"github.com/sessionforge/orchestrator/internal/models"
)

// ---- Sessions ----

func (s *gormStore) CreateSession(session *models.Session) error {
	if session.ID == "" || session.WorkspaceID == "" {
		return models.ErrInvalidInput
	}
	return translateError(s.db.Create(session).Error)
}

func (s *gormStore) GetSession(sessionID string) (*models.Session, error) {
	var session models.Session
	if err := s.db.First(&session, "id = ?", sessionID).Error; err != nil {
		return nil, translateError(err)
	}
	return &session, nil
}

func (s *gormStore) UpdateSession(session *models.Session) error {
	return translateError(s.db.Save(session).Error)
}

func (s *gormStore) UpdateSessionStatus(sessionID string, status models.SessionStatus) error {
	result := s.db.Model(&models.Session{}).Where("id = ?", sessionID).
		Update("status", status)
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *gormStore) DeleteSession(sessionID string) error {
	result := s.db.Delete(&models.Session{}, "id = ?", sessionID)
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListSessions returns all sessions, optionally scoped to a workspace
func (s *gormStore) ListSessions(workspaceID string) ([]models.Session, error) {
	query := s.db.Order("created_at ASC")
	if workspaceID != "" {
		query = query.Where("workspace_id = ?", workspaceID)
	}

	var sessions []models.Session
	if err := query.Find(&sessions).Error; err != nil {
		return nil, translateError(err)
	}
	return sessions, nil
}
