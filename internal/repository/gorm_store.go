package repository

import (
	"time"

	"github.com/sessionforge/orchestrator/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormStore is the Postgres-backed Store
type gormStore struct {
	db *gorm.DB
}

// NewStore creates a Store on top of an initialized GORM handle
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// ---- Users ----

func (s *gormStore) CreateUser(user *models.User) error {
	return translateError(s.db.Create(user).Error)
}

func (s *gormStore) GetUser(userID string) (*models.User, error) {
	var user models.User
	if err := s.db.First(&user, "id = ?", userID).Error; err != nil {
		return nil, translateError(err)
	}
	return &user, nil
}

func (s *gormStore) UpdateUser(user *models.User) error {
	return translateError(s.db.Save(user).Error)
}

// DeleteUser cascades to workspaces, sessions, billing rows and ledger
// entries via the foreign-key constraints plus an explicit sweep of the
// tables GORM does not constrain.
func (s *gormStore) DeleteUser(userID string) error {
	return translateError(s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.SessionBilling{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.CreditTransaction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.Session{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.StorageResource{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.Workspace{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.User{}, "id = ?", userID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrNotFound
		}
		return nil
	}))
}

// ---- Credits ----

func (s *gormStore) GetUserCredits(userID string) (float64, error) {
	user, err := s.GetUser(userID)
	if err != nil {
		return 0, err
	}
	return user.Credits, nil
}

// AddCredits increments the balance and appends a ledger entry in one
// transaction.
func (s *gormStore) AddCredits(userID string, amount float64, source, description string) error {
	if amount <= 0 {
		return models.ErrInvalidInput
	}
	return translateError(s.db.Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&user, "id = ?", userID).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.User{}).Where("id = ?", userID).
			Update("credits", gorm.Expr("credits + ?", amount)).Error; err != nil {
			return err
		}
		txn := models.CreditTransaction{
			UserID:      userID,
			Amount:      models.Round4(amount),
			Source:      source,
			Description: description,
			CreatedAt:   time.Now().UTC(),
		}
		return tx.Create(&txn).Error
	}))
}

// DeductCredits debits the balance and appends a ledger entry atomically.
// Fails with ErrInsufficientCredits when the balance cannot cover the amount;
// in that case neither the balance nor the ledger changes.
func (s *gormStore) DeductCredits(userID string, amount float64, reason string, sessionID, storageResourceID *string) error {
	if amount <= 0 {
		return models.ErrInvalidInput
	}
	return translateError(s.db.Transaction(func(tx *gorm.DB) error {
		return deductCreditsTx(tx, userID, amount, reason, sessionID, storageResourceID, false)
	}))
}

// deductCreditsTx performs the debit inside an existing transaction. When
// clamp is true the debit is capped at the available balance instead of
// failing; the ledger records the clamped amount so the ledger sum still
// equals the balance.
func deductCreditsTx(tx *gorm.DB, userID string, amount float64, reason string, sessionID, storageResourceID *string, clamp bool) error {
	var user models.User
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&user, "id = ?", userID).Error; err != nil {
		return err
	}

	debit := amount
	if user.Credits < amount {
		if !clamp {
			return models.ErrInsufficientCredits
		}
		debit = user.Credits
	}
	if debit < 0 {
		debit = 0
	}

	if debit > 0 {
		if err := tx.Model(&models.User{}).Where("id = ?", userID).
			Update("credits", gorm.Expr("credits - ?", debit)).Error; err != nil {
			return err
		}
	}

	txn := models.CreditTransaction{
		UserID:            userID,
		Amount:            models.Round4(-debit),
		Source:            reason,
		SessionID:         sessionID,
		StorageResourceID: storageResourceID,
		CreatedAt:         time.Now().UTC(),
	}
	return tx.Create(&txn).Error
}

func (s *gormStore) GetCreditHistory(userID string, start, end *time.Time) ([]models.CreditTransaction, error) {
	query := s.db.Where("user_id = ?", userID)
	if start != nil {
		query = query.Where("created_at >= ?", *start)
	}
	if end != nil {
		query = query.Where("created_at <= ?", *end)
	}

	var txns []models.CreditTransaction
	if err := query.Order("created_at ASC, id ASC").Find(&txns).Error; err != nil {
		return nil, translateError(err)
	}
	return txns, nil
}

// ---- Workspaces ----

func (s *gormStore) CreateWorkspace(ws *models.Workspace) error {
	return translateError(s.db.Create(ws).Error)
}

func (s *gormStore) GetWorkspace(workspaceID string) (*models.Workspace, error) {
	var ws models.Workspace
	if err := s.db.First(&ws, "id = ?", workspaceID).Error; err != nil {
		return nil, translateError(err)
	}
	return &ws, nil
}

func (s *gormStore) ListWorkspaces(userID string) ([]models.Workspace, error) {
	var workspaces []models.Workspace
	if err := s.db.Where("user_id = ?", userID).Find(&workspaces).Error; err != nil {
		return nil, translateError(err)
	}
	return workspaces, nil
}

func (s *gormStore) DeleteWorkspace(workspaceID string) error {
	result := s.db.Delete(&models.Workspace{}, "id = ?", workspaceID)
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ---- Notifications ----

func (s *gormStore) CreateNotification(n *models.Notification) error {
	return translateError(s.db.Create(n).Error)
}
