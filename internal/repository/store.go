package repository

import (
	"time"

	"github.com/sessionforge/orchestrator/internal/models"
)

// Store is the narrow system-of-record contract the core consumes. The GORM
// implementation backs it with Postgres; tests substitute an in-memory fake.
//
// Multi-row invariants (credit mutation + ledger append, billing stop +
// deduction) are committed as single transactions by every implementation.
type Store interface {
	// Users
	CreateUser(user *models.User) error
	GetUser(userID string) (*models.User, error)
	UpdateUser(user *models.User) error
	DeleteUser(userID string) error

	// Credits
	GetUserCredits(userID string) (float64, error)
	AddCredits(userID string, amount float64, source, description string) error
	DeductCredits(userID string, amount float64, reason string, sessionID, storageResourceID *string) error
	GetCreditHistory(userID string, start, end *time.Time) ([]models.CreditTransaction, error)

	// Workspaces
	CreateWorkspace(ws *models.Workspace) error
	GetWorkspace(workspaceID string) (*models.Workspace, error)
	ListWorkspaces(userID string) ([]models.Workspace, error)
	DeleteWorkspace(workspaceID string) error

	// Sessions
	CreateSession(session *models.Session) error
	GetSession(sessionID string) (*models.Session, error)
	UpdateSession(session *models.Session) error
	UpdateSessionStatus(sessionID string, status models.SessionStatus) error
	DeleteSession(sessionID string) error
	ListSessions(workspaceID string) ([]models.Session, error)

	// Billing
	StartSessionBilling(sessionID, userID string, hourlyRate float64) (*models.SessionBilling, error)
	StopSessionBilling(sessionID string, totalHours float64) (bool, error)
	GetSessionBillingInfo(sessionID string) (*models.SessionBilling, error)
	ListActiveSessionsForMonitor() ([]models.ActiveSessionRow, error)
	ListActiveBillingRows() ([]models.SessionBilling, error)

	// Storage resources & attachments
	CreateStorageResource(res *models.StorageResource) error
	AssignStorageToWorkspace(resourceID, workspaceID string) error
	SetWorkspaceDefaultStorage(workspaceID, resourceID string) error
	ListWorkspaceStorage(workspaceID string) ([]models.StorageResource, error)
	CountUserStorage(userID string, storageType models.StorageType) (int64, error)
	AttachSessionStorage(att *models.SessionAttachment) error
	DetachSessionStorage(sessionID, storageID string) error
	ListSessionAttachments(sessionID string) ([]models.SessionAttachment, error)

	// Templates
	CreateTemplate(tpl *models.Template) error
	GetTemplate(templateID string) (*models.Template, error)
	UpdateTemplate(tpl *models.Template) error
	DeleteTemplate(templateID string) error
	ListTemplates(category string, userType models.UserType, tags []string) ([]models.Template, error)
	IncrementTemplateUsage(templateID string) error

	// Notifications
	CreateNotification(n *models.Notification) error
}
