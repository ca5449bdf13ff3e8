package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StorageType distinguishes object buckets from shared filestores
type StorageType string

const (
	StorageBucket    StorageType = "bucket"
	StorageFilestore StorageType = "filestore"
)

// AccessMode for an attachment or resource
type AccessMode string

const (
	AccessReadWrite AccessMode = "RW"
	AccessReadOnly  AccessMode = "RO"
)

// StorageResource is a provisioned bucket or filestore owned by a user,
// optionally assigned to a workspace.
type StorageResource struct {
	ID           string      `gorm:"primaryKey;size:64" json:"id"`
	UserID       string      `gorm:"index;size:36;not null" json:"user_id"`
	WorkspaceID  *string     `gorm:"index;size:64" json:"workspace_id,omitempty"`
	StorageType  StorageType `gorm:"size:16;not null" json:"storage_type"`
	ResourceName string      `gorm:"size:128" json:"resource_name"`
	SizeGB       int         `json:"size_gb"`
	State        string      `gorm:"size:32;default:ready" json:"state"`

	// At most one default per (workspace, storage type); the workspace row
	// mirrors the default ids.
	IsDefault bool `gorm:"default:false" json:"is_default"`

	AutoMount  bool       `gorm:"default:false" json:"auto_mount"`
	MountPath  string     `gorm:"size:256" json:"mount_path"`
	AccessMode AccessMode `gorm:"size:4;default:RW" json:"access_mode"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *StorageResource) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// SessionAttachment links a session to a storage resource for its lifetime
type SessionAttachment struct {
	SessionID  string     `gorm:"primaryKey;size:64" json:"session_id"`
	StorageID  string     `gorm:"primaryKey;size:64" json:"storage_id"`
	MountPath  string     `gorm:"size:256" json:"mount_path"`
	AccessMode AccessMode `gorm:"size:4;default:RW" json:"access_mode"`
	AttachedAt time.Time  `json:"attached_at"`
	DetachedAt *time.Time `json:"detached_at,omitempty"`
}
