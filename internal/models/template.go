package models

import (
	"time"

	"gorm.io/datatypes"
)

// Template is a named, reusable session specification overlay.
// Applying a template fills in resource, image, storage, TTL and environment
// defaults the caller did not set, and bumps the usage counter.
type Template struct {
	ID          string `gorm:"primaryKey;size:64" json:"id"`
	Name        string `gorm:"size:128;not null" json:"name"`
	Description string `gorm:"size:512" json:"description"`
	Category    string `gorm:"size:64;index" json:"category"` // dev, data, ml, etc.

	// AllowedUserTypes restricts which account types may use the template.
	// Empty means unrestricted.
	AllowedUserTypes datatypes.JSONSlice[string] `json:"allowed_user_types"`

	// Resource and image defaults
	ResourcePackage string `gorm:"size:32" json:"resource_package"`
	ImageType       string `gorm:"size:32" json:"image_type"`
	ImageURL        string `gorm:"size:256" json:"image_url"`
	ImageTag        string `gorm:"size:64" json:"image_tag"`

	// Storage defaults
	RequestPersistentStorage bool `json:"request_persistent_storage"`
	PersistentStorageSizeGB  int  `json:"persistent_storage_size_gb"`
	RequestBucket            bool `json:"request_bucket"`
	BucketSizeGB             int  `json:"bucket_size_gb"`

	// TTL defaults (minutes)
	DefaultTTLMinutes int `json:"default_ttl_minutes"`
	MaxTTLMinutes     int `json:"max_ttl_minutes"`

	// DefaultEnv is merged under the caller's env (caller wins on conflict)
	DefaultEnv datatypes.JSONMap `json:"default_env"`

	// PreInstall commands run in order before the session is handed over
	PreInstall datatypes.JSONSlice[string] `json:"pre_install"`

	Tags datatypes.JSONSlice[string] `json:"tags"`

	UsageCount int64      `gorm:"default:0" json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllowsUserType reports whether the template is usable by the given type
func (t *Template) AllowsUserType(userType UserType) bool {
	if len(t.AllowedUserTypes) == 0 {
		return true
	}
	for _, allowed := range t.AllowedUserTypes {
		if allowed == string(userType) {
			return true
		}
	}
	return false
}

// HasTag reports whether the template carries the given tag
func (t *Template) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}
