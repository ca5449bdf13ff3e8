package repository

import (
	"errors"
	"time"

	"github.com/sessionforge/orchestrator/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ---- Session billing ----

// StartSessionBilling opens the billing row for a session. At most one row
// per session: a second start fails with ErrBillingExists.
func (s *gormStore) StartSessionBilling(sessionID, userID string, hourlyRate float64) (*models.SessionBilling, error) {
	if hourlyRate < 0 {
		return nil, models.ErrInvalidInput
	}

	row := &models.SessionBilling{
		SessionID:  sessionID,
		UserID:     userID,
		HourlyRate: hourlyRate,
		StartTime:  time.Now().UTC(),
		Status:     models.BillingActive,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.SessionBilling
		err := tx.First(&existing, "session_id = ?", sessionID).Error
		if err == nil {
			return models.ErrBillingExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(row).Error
	})
	if err != nil {
		if errors.Is(err, models.ErrBillingExists) {
			return nil, models.ErrBillingExists
		}
		err = translateError(err)
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrBillingExists
		}
		return nil, err
	}
	return row, nil
}

// StopSessionBilling atomically completes the active row and deducts the
// session cost from the owner. Only the first call moves active → completed;
// later calls return (false, ErrBillingNotActive). Partial failure rolls the
// row back.
//
// The deduction is clamped at the available balance so the committed balance
// never goes negative; the billing row still records the full cost.
func (s *gormStore) StopSessionBilling(sessionID string, totalHours float64) (bool, error) {
	if totalHours < 0 {
		return false, models.ErrInvalidInput
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var row models.SessionBilling
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "session_id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.ErrBillingNotActive
			}
			return err
		}
		if row.Status != models.BillingActive {
			return models.ErrBillingNotActive
		}

		now := time.Now().UTC()
		hours := models.Round4(totalHours)
		cost := models.CostFor(row.HourlyRate, totalHours)

		updates := map[string]interface{}{
			"end_time":    now,
			"total_hours": hours,
			"total_cost":  cost,
			"status":      models.BillingCompleted,
		}
		if err := tx.Model(&models.SessionBilling{}).
			Where("session_id = ? AND status = ?", sessionID, models.BillingActive).
			Updates(updates).Error; err != nil {
			return err
		}

		if cost > 0 {
			sid := sessionID
			if err := deductCreditsTx(tx, row.UserID, cost, "session runtime", &sid, nil, true); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, models.ErrBillingNotActive) {
			return false, models.ErrBillingNotActive
		}
		return false, translateError(err)
	}
	return true, nil
}

func (s *gormStore) GetSessionBillingInfo(sessionID string) (*models.SessionBilling, error) {
	var row models.SessionBilling
	if err := s.db.First(&row, "session_id = ?", sessionID).Error; err != nil {
		return nil, translateError(err)
	}
	return &row, nil
}

// ListActiveSessionsForMonitor joins running sessions with their active
// billing rows for the monitor loop.
func (s *gormStore) ListActiveSessionsForMonitor() ([]models.ActiveSessionRow, error) {
	var rows []models.ActiveSessionRow
	err := s.db.Raw(`
		SELECT sessions.id           AS session_id,
		       sessions.workspace_id AS workspace_id,
		       sessions.user_id      AS user_id,
		       sessions.provider     AS provider,
		       sessions.created_at   AS session_created_at,
		       session_billings.hourly_rate AS hourly_rate,
		       session_billings.start_time  AS billing_start
		FROM sessions
		JOIN session_billings ON session_billings.session_id = sessions.id
		WHERE sessions.status = ? AND session_billings.status = ?
		ORDER BY session_billings.start_time ASC
	`, models.StatusRunning, models.BillingActive).Scan(&rows).Error
	if err != nil {
		return nil, translateError(err)
	}
	return rows, nil
}

func (s *gormStore) ListActiveBillingRows() ([]models.SessionBilling, error) {
	var rows []models.SessionBilling
	if err := s.db.Where("status = ?", models.BillingActive).
		Order("start_time ASC").Find(&rows).Error; err != nil {
		return nil, translateError(err)
	}
	return rows, nil
}
