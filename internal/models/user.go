package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserType classifies an account for pricing and quota purposes
type UserType string

const (
	UserTypeFree       UserType = "free"
	UserTypePro        UserType = "pro"
	UserTypeEnterprise UserType = "enterprise"
	UserTypeAdmin      UserType = "admin"
)

// User represents a tenant account
type User struct {
	ID       string   `gorm:"primaryKey;size:36" json:"id"`
	Email    string   `gorm:"uniqueIndex;size:255;not null" json:"email"`
	Name     string   `gorm:"size:100" json:"name"`
	UserType UserType `gorm:"size:20;default:free" json:"user_type"`

	// Credits is the current balance in USD. Mutated only through the
	// store's credit primitives so the ledger stays consistent.
	Credits float64 `gorm:"type:decimal(12,4);default:0" json:"credits"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relationships
	Workspaces []Workspace `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"workspaces,omitempty"`
}

// BeforeCreate hook to generate UUID
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// CanAfford checks if the user has at least the given balance
func (u *User) CanAfford(amount float64) bool {
	return u.Credits >= amount
}

// Workspace groups sessions and default storage for a user
type Workspace struct {
	ID              string `gorm:"primaryKey;size:64" json:"id"`
	UserID          string `gorm:"index;size:36;not null" json:"user_id"`
	Name            string `gorm:"size:100" json:"name"`
	ResourcePackage string `gorm:"size:32" json:"resource_package"`
	Description     string `gorm:"size:512" json:"description"`

	DefaultBucketID    *string `gorm:"size:64" json:"default_bucket_id,omitempty"`
	DefaultFilestoreID *string `gorm:"size:64" json:"default_filestore_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Sessions []Session `gorm:"foreignKey:WorkspaceID;constraint:OnDelete:CASCADE" json:"sessions,omitempty"`
}

// Notification is a user-visible record emitted by the monitor kill path.
// Delivery is handled by an external transport.
type Notification struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"index;size:36;not null" json:"user_id"`
	SessionID string    `gorm:"size:64" json:"session_id,omitempty"`
	Reason    string    `gorm:"size:64" json:"reason"`
	Message   string    `gorm:"size:512" json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return nil
}
