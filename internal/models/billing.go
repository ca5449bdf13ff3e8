package models

import (
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BillingStatus is the state of a session billing row
type BillingStatus string

const (
	BillingActive    BillingStatus = "active"
	BillingCompleted BillingStatus = "completed"
	BillingCancelled BillingStatus = "cancelled"
)

// SessionBilling tracks one session's cost accounting.
// At most one row per session; active rows have no end time.
type SessionBilling struct {
	SessionID  string        `gorm:"primaryKey;size:64" json:"session_id"`
	UserID     string        `gorm:"index;size:36;not null" json:"user_id"`
	HourlyRate float64       `gorm:"type:decimal(10,4);not null" json:"hourly_rate"`
	StartTime  time.Time     `gorm:"not null;index" json:"start_time"`
	EndTime    *time.Time    `json:"end_time,omitempty"`
	TotalHours *float64      `gorm:"type:decimal(12,4)" json:"total_hours,omitempty"`
	TotalCost  *float64      `gorm:"type:decimal(12,4)" json:"total_cost,omitempty"`
	Status     BillingStatus `gorm:"size:16;default:active;index" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditTransaction is one entry in the append-only credit ledger.
// Positive amounts are credits, negative amounts are debits. The sum of all
// entries for a user equals the user's current balance.
type CreditTransaction struct {
	ID                string    `gorm:"primaryKey;size:36" json:"id"`
	UserID            string    `gorm:"index;size:36;not null" json:"user_id"`
	Amount            float64   `gorm:"type:decimal(12,4);not null" json:"amount"`
	Source            string    `gorm:"size:64" json:"source"`
	Description       string    `gorm:"size:512" json:"description"`
	SessionID         *string   `gorm:"size:64" json:"session_id,omitempty"`
	StorageResourceID *string   `gorm:"size:64" json:"storage_resource_id,omitempty"`
	CreatedAt         time.Time `gorm:"index" json:"created_at"`
}

func (t *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return nil
}

// ActiveSessionRow is the joined view the monitor iterates: a running session
// together with its active billing row.
type ActiveSessionRow struct {
	SessionID        string    `json:"session_id"`
	WorkspaceID      string    `json:"workspace_id"`
	UserID           string    `json:"user_id"`
	Provider         string    `json:"provider"`
	SessionCreatedAt time.Time `json:"session_created_at"`
	HourlyRate       float64   `json:"hourly_rate"`
	BillingStart     time.Time `json:"billing_start"`
}

// Round4 rounds a monetary or hour value to 4 decimal places
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// CostFor computes the cost for a duration at an hourly rate, 4-decimal rounded
func CostFor(hourlyRate, hours float64) float64 {
	return Round4(hourlyRate * hours)
}

// HoursBetween returns the fractional hours between two instants with
// sub-second precision. A 30-second interval yields a nonzero value.
func HoursBetween(start, end time.Time) float64 {
	return end.Sub(start).Seconds() / 3600.0
}
