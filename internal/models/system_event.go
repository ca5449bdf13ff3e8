package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SystemEvent is the durable form of an event-bus event
type SystemEvent struct {
	gorm.Model
	EventID   string         `gorm:"uniqueIndex;size:255" json:"event_id"`
	Type      string         `gorm:"index;size:100" json:"type"`
	Timestamp time.Time      `gorm:"index" json:"timestamp"`
	Source    string         `gorm:"size:100" json:"source"`
	SessionID string         `gorm:"index;size:64" json:"session_id,omitempty"`
	UserID    string         `gorm:"index;size:36" json:"user_id,omitempty"`
	Data      datatypes.JSON `gorm:"type:jsonb" json:"data"`
}

// TableName overrides the table name
func (SystemEvent) TableName() string {
	return "system_events"
}
