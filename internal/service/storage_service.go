package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/sessionforge/orchestrator/internal/events"
	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/internal/repository"
	"github.com/sessionforge/orchestrator/pkg/config"
	"github.com/sessionforge/orchestrator/pkg/logger"
)

// StorageService manages bucket and filestore resources, their workspace
// assignment and their attachment to sessions.
type StorageService struct {
	store   repository.Store
	billing *BillingService
	cfg     *config.Config
}

// NewStorageService creates a new storage service
func NewStorageService(store repository.Store, billing *BillingService, cfg *config.Config) *StorageService {
	return &StorageService{store: store, billing: billing, cfg: cfg}
}

// CreateStorageResource provisions a storage resource for a user, enforcing
// per-user-type quotas and rejecting resources the user cannot afford for
// even one month.
func (s *StorageService) CreateStorageResource(userID string, storageType models.StorageType, name string, sizeGB int) (*models.StorageResource, error) {
	if sizeGB <= 0 {
		return nil, fmt.Errorf("%w: size must be positive", models.ErrInvalidInput)
	}
	if storageType != models.StorageBucket && storageType != models.StorageFilestore {
		return nil, fmt.Errorf("%w: unknown storage type %q", models.ErrInvalidInput, storageType)
	}

	user, err := s.store.GetUser(userID)
	if err != nil {
		return nil, err
	}

	quota := s.cfg.StorageQuota(string(user.UserType), string(storageType))
	if quota >= 0 {
		count, err := s.store.CountUserStorage(userID, storageType)
		if err != nil {
			return nil, err
		}
		if count >= int64(quota) {
			return nil, fmt.Errorf("%w: %s quota of %d reached", models.ErrQuotaExceeded, storageType, quota)
		}
	}

	monthlyCost := s.billing.CalculateStorageCost(string(storageType), sizeGB, 30)
	if monthlyCost > 0 && !user.CanAfford(monthlyCost) {
		return nil, fmt.Errorf("%w: %s of %d GB costs %.2f/month, balance is %.2f",
			models.ErrInsufficientCredits, storageType, sizeGB, monthlyCost, user.Credits)
	}

	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("%s-%s", storageType, time.Now().UTC().Format("20060102150405"))
	}

	res := &models.StorageResource{
		UserID:       userID,
		StorageType:  storageType,
		ResourceName: name,
		SizeGB:       sizeGB,
		State:        "ready",
		AccessMode:   models.AccessReadWrite,
	}
	if err := s.store.CreateStorageResource(res); err != nil {
		return nil, err
	}

	events.PublishStorageCreated(userID, res.ID, string(storageType), sizeGB)
	logger.Info("Storage resource created", map[string]interface{}{
		"resource_id":  res.ID,
		"user_id":      userID,
		"storage_type": storageType,
		"size_gb":      sizeGB,
	})
	return res, nil
}

// AssignToWorkspace binds a storage resource to a workspace
func (s *StorageService) AssignToWorkspace(resourceID, workspaceID string) error {
	if _, err := s.store.GetWorkspace(workspaceID); err != nil {
		return err
	}
	return s.store.AssignStorageToWorkspace(resourceID, workspaceID)
}

// SetWorkspaceDefault marks a resource as the workspace default for its
// storage type, demoting any previous default.
func (s *StorageService) SetWorkspaceDefault(workspaceID, resourceID string) error {
	return s.store.SetWorkspaceDefaultStorage(workspaceID, resourceID)
}

// ListWorkspaceStorage lists all storage assigned to a workspace
func (s *StorageService) ListWorkspaceStorage(workspaceID string) ([]models.StorageResource, error) {
	return s.store.ListWorkspaceStorage(workspaceID)
}

// AttachToSession mounts a storage resource into a session
func (s *StorageService) AttachToSession(sessionID, storageID, mountPath string, mode models.AccessMode) error {
	if mode == "" {
		mode = models.AccessReadWrite
	}
	att := &models.SessionAttachment{
		SessionID:  sessionID,
		StorageID:  storageID,
		MountPath:  mountPath,
		AccessMode: mode,
		AttachedAt: time.Now().UTC(),
	}
	if err := s.store.AttachSessionStorage(att); err != nil {
		return err
	}
	logger.Info("Storage attached to session", map[string]interface{}{
		"session_id": sessionID,
		"storage_id": storageID,
		"mount_path": mountPath,
	})
	return nil
}

// DetachFromSession records the detachment of a storage resource
func (s *StorageService) DetachFromSession(sessionID, storageID string) error {
	return s.store.DetachSessionStorage(sessionID, storageID)
}

// ListSessionAttachments lists all attachments of a session
func (s *StorageService) ListSessionAttachments(sessionID string) ([]models.SessionAttachment, error) {
	return s.store.ListSessionAttachments(sessionID)
}
