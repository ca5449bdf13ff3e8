package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sessionforge/orchestrator/internal/events"
	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/internal/monitoring"
	"github.com/sessionforge/orchestrator/internal/repository"
	"github.com/sessionforge/orchestrator/pkg/config"
	"github.com/sessionforge/orchestrator/pkg/logger"
)

// BillingService translates session wall-clock into money, debits users
// atomically and maintains the append-only credit ledger.
type BillingService struct {
	store repository.Store
	cfg   *config.Config

	// stop_billing is serialized per session so the monitor's kill path and
	// a concurrent client delete cannot double-charge. Entries are never
	// removed; handing out a fresh mutex while a holder is still inside
	// would break the serialization.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBillingService creates a new billing service
func NewBillingService(store repository.Store, cfg *config.Config) *BillingService {
	return &BillingService{
		store: store,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *BillingService) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// CalculateSessionCost computes the cost of a session for a user, applying
// the symbolic tier multiplier, rounded to 4 decimal places.
func (s *BillingService) CalculateSessionCost(userID string, durationHours float64, tier string) (float64, error) {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return 0, err
	}
	rate := s.cfg.HourlyRate(string(user.UserType)) * s.cfg.TierMultiplier(tier)
	return models.CostFor(rate, durationHours), nil
}

// CalculateStorageCost computes storage cost from the monthly per-GB rate,
// prorated by duration in days over a 30-day month.
func (s *BillingService) CalculateStorageCost(storageType string, sizeGB int, durationDays float64) float64 {
	monthlyRate := s.cfg.StorageMonthlyRate(storageType)
	return models.Round4(monthlyRate * float64(sizeGB) * (durationDays / 30.0))
}

// EffectiveHourlyRate is the per-hour price a session of the given tier
// costs the given user.
func (s *BillingService) EffectiveHourlyRate(user *models.User, tier string) float64 {
	return models.Round4(s.cfg.HourlyRate(string(user.UserType)) * s.cfg.TierMultiplier(tier))
}

// StartSessionBilling opens the billing row for a session
func (s *BillingService) StartSessionBilling(sessionID, userID, tier string) (*models.SessionBilling, error) {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return nil, err
	}

	rate := s.EffectiveHourlyRate(user, tier)
	billing, err := s.store.StartSessionBilling(sessionID, userID, rate)
	if err != nil {
		return nil, err
	}

	events.PublishBillingStarted(sessionID, userID, rate)
	logger.Info("Session billing started", map[string]interface{}{
		"session_id":  sessionID,
		"user_id":     userID,
		"hourly_rate": rate,
		"tier":        tier,
	})
	return billing, nil
}

// StopSessionBilling closes the billing row and debits the user for the
// elapsed wall-clock. Idempotent: a second stop for the same session is a
// no-op returning (false, nil).
func (s *BillingService) StopSessionBilling(sessionID string) (bool, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	billing, err := s.store.GetSessionBillingInfo(sessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			monitoring.BillingStopsTotal.WithLabelValues("noop").Inc()
			return false, nil
		}
		return false, err
	}
	if billing.Status != models.BillingActive {
		monitoring.BillingStopsTotal.WithLabelValues("noop").Inc()
		return false, nil
	}

	totalHours := models.HoursBetween(billing.StartTime, time.Now().UTC())
	stopped, err := s.store.StopSessionBilling(sessionID, totalHours)
	if err != nil {
		if errors.Is(err, models.ErrBillingNotActive) {
			monitoring.BillingStopsTotal.WithLabelValues("noop").Inc()
			return false, nil
		}
		monitoring.BillingStopsTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if !stopped {
		monitoring.BillingStopsTotal.WithLabelValues("noop").Inc()
		return false, nil
	}

	cost := models.CostFor(billing.HourlyRate, totalHours)
	monitoring.BillingStopsTotal.WithLabelValues("stopped").Inc()
	monitoring.CreditsDeductedTotal.Add(cost)
	events.PublishBillingStopped(sessionID, billing.UserID, models.Round4(totalHours), cost)
	if cost > 0 {
		events.PublishCreditsDeducted(billing.UserID, sessionID, cost)
	}

	logger.Info("Session billing stopped", map[string]interface{}{
		"session_id":  sessionID,
		"user_id":     billing.UserID,
		"total_hours": models.Round4(totalHours),
		"total_cost":  cost,
	})
	return true, nil
}

// PurchaseCredits adds purchased credits to a user's balance. Purchases
// below the configured minimum are rejected; a configured bonus percentage
// is granted on top of the paid amount.
func (s *BillingService) PurchaseCredits(userID string, amount float64) (float64, error) {
	if amount < s.cfg.CreditMinPurchase {
		return 0, fmt.Errorf("%w: minimum purchase is %.2f", models.ErrBelowMinimumPurchase, s.cfg.CreditMinPurchase)
	}

	bonus := models.Round4(amount * s.cfg.CreditBonusPercent / 100.0)
	total := models.Round4(amount + bonus)

	description := fmt.Sprintf("credit purchase of %.2f", amount)
	if bonus > 0 {
		description = fmt.Sprintf("credit purchase of %.2f (+%.2f bonus)", amount, bonus)
	}
	if err := s.store.AddCredits(userID, total, "credit_purchase", description); err != nil {
		return 0, err
	}

	balance, err := s.store.GetUserCredits(userID)
	if err != nil {
		return 0, err
	}

	monitoring.CreditsPurchasedTotal.Add(total)
	events.PublishCreditsPurchased(userID, amount, bonus, balance)
	logger.Info("Credits purchased", map[string]interface{}{
		"user_id": userID,
		"amount":  amount,
		"bonus":   bonus,
		"balance": balance,
	})
	return balance, nil
}

// CheckUserCreditBalance returns the current balance and whether the user
// can afford the given cost.
func (s *BillingService) CheckUserCreditBalance(userID string, cost float64) (float64, bool, error) {
	balance, err := s.store.GetUserCredits(userID)
	if err != nil {
		return 0, false, err
	}
	return balance, balance >= cost, nil
}

// GetSessionBillingInfo returns the billing row for a session,
// ErrNotFound if none exists
func (s *BillingService) GetSessionBillingInfo(sessionID string) (*models.SessionBilling, error) {
	return s.store.GetSessionBillingInfo(sessionID)
}

// GetCreditHistory returns the user's ledger, oldest first
func (s *BillingService) GetCreditHistory(userID string, start, end *time.Time) ([]models.CreditTransaction, error) {
	return s.store.GetCreditHistory(userID, start, end)
}
