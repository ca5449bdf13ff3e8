package models

import (
	"time"

	"gorm.io/datatypes"
)

// SessionStatus is the persisted lifecycle state of a session
type SessionStatus string

const (
	StatusCreating   SessionStatus = "creating"
	StatusRunning    SessionStatus = "running"
	StatusTerminated SessionStatus = "terminated"
	StatusFailed     SessionStatus = "failed"
	StatusExpired    SessionStatus = "expired"
)

// ProviderJobs and ProviderPods are the two supported backends
const (
	ProviderJobs = "jobs"
	ProviderPods = "pods"
	ProviderAuto = "auto"
)

// Session is the durable record of one compute environment
type Session struct {
	ID          string        `gorm:"primaryKey;size:64" json:"id"`
	WorkspaceID string        `gorm:"index;size:64;not null" json:"workspace_id"`
	UserID      string        `gorm:"index;size:36" json:"user_id"` // denormalized from workspace owner
	Provider    string        `gorm:"size:16" json:"provider"`
	Status      SessionStatus `gorm:"size:16;default:creating" json:"status"`

	// StorageConfig is an opaque mapping describing storage the session was
	// created with (bucket name, persistent volume size, mounts).
	StorageConfig datatypes.JSONMap `json:"storage_config"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Attachments []SessionAttachment `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"attachments,omitempty"`
}

// IsActive reports whether the session counts against running-session policy
func (s *Session) IsActive() bool {
	return s.Status == StatusCreating || s.Status == StatusRunning
}
