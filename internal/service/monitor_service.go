package service

import (
	"context"
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

// Kill reasons reported by the monitor
const (
	ReasonOrphanedSession = "orphaned_session"
	ReasonExtremeDuration = "extreme_duration_exceeded"
	ReasonExtremeCost     = "extreme_cost_exceeded"
	ReasonZeroCredits     = "zero_credits"
	ReasonCreditsCritical = "credits_critically_low"
)

// MonitorService enforces runtime policy on active sessions independent of
// client activity: orphans, runaway duration, runaway cost and exhausted
// credits all lead to a kill.
type MonitorService struct {
	store    repository.Store
	sessions *SessionService
	billing  *BillingService
	cfg      *config.Config

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewMonitorService creates a new session monitor
func NewMonitorService(store repository.Store, sessions *SessionService, billing *BillingService, cfg *config.Config) *MonitorService {
	return &MonitorService{
		store:    store,
		sessions: sessions,
		billing:  billing,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// Start launches the monitor and zombie-cleanup background loops
func (m *MonitorService) Start() {
	go m.monitorLoop()
	go m.zombieLoop()
	logger.Info("Session monitor started", map[string]interface{}{
		"check_interval_minutes": m.cfg.MonitorCheckIntervalMinutes,
		"max_duration_hours":     m.cfg.MonitorMaxDurationHours,
		"max_cost_usd":           m.cfg.MonitorMaxCostUSD,
	})
}

// Stop terminates the background loops. Safe to call more than once.
func (m *MonitorService) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		logger.Info("Session monitor stopped", nil)
	})
}

func (m *MonitorService) monitorLoop() {
	interval := time.Duration(m.cfg.MonitorCheckIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.RunChecks(context.Background())
		}
	}
}

func (m *MonitorService) zombieLoop() {
	interval := time.Duration(m.cfg.MonitorZombieIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.CleanupZombieBillings(context.Background())
		}
	}
}

// RunChecks evaluates every active session once. Sessions are checked
// sequentially; the checks short-circuit on the first violation.
func (m *MonitorService) RunChecks(ctx context.Context) {
	started := time.Now()
	defer func() {
		monitoring.MonitorCheckDuration.Observe(time.Since(started).Seconds())
	}()

	rows, err := m.store.ListActiveSessionsForMonitor()
	if err != nil {
		logger.Error("Monitor failed to list active sessions", err, nil)
		return
	}

	for _, row := range rows {
		if reason := m.evaluate(ctx, &row); reason != "" {
			m.kill(ctx, &row, reason)
		}
	}
}

// evaluate returns the kill reason for one session, or "" to leave it alone.
// Order matters: age floor, orphan, duration, cost, credits.
func (m *MonitorService) evaluate(ctx context.Context, row *models.ActiveSessionRow) string {
	now := time.Now().UTC()

	ageMinutes := now.Sub(row.BillingStart).Minutes()
	if ageMinutes < m.cfg.MonitorMinSessionAgeMinutes {
		return ""
	}

	exists, err := m.sessions.ExistsOnProvider(ctx, row.Provider, row.SessionID)
	if err != nil {
		logger.Warn("Monitor session lookup failed", map[string]interface{}{
			"session_id": row.SessionID,
			"error":      err.Error(),
		})
		return ""
	}
	if !exists {
		return ReasonOrphanedSession
	}

	hoursUsed := models.HoursBetween(row.BillingStart, now)
	if hoursUsed > m.cfg.MonitorMaxDurationHours {
		return ReasonExtremeDuration
	}

	rate := clamp(row.HourlyRate, 0, m.cfg.MonitorHourlyRateClampUSD)
	currentCost := hoursUsed * rate
	if currentCost > m.cfg.MonitorMaxCostUSD {
		return ReasonExtremeCost
	}

	credits, err := m.store.GetUserCredits(row.UserID)
	if err != nil {
		logger.Warn("Monitor credit lookup failed", map[string]interface{}{
			"session_id": row.SessionID,
			"user_id":    row.UserID,
			"error":      err.Error(),
		})
		return ""
	}
	if credits <= 0 {
		events.PublishCreditsExhausted(row.UserID, row.SessionID)
		return ReasonZeroCredits
	}
	if credits < row.HourlyRate*m.cfg.MonitorLowCreditRunwayFrac {
		return ReasonCreditsCritical
	}
	return ""
}

// kill terminates a session for the given reason: stop billing, delete the
// session, notify the user. Every step past the re-confirm is best-effort.
func (m *MonitorService) kill(ctx context.Context, row *models.ActiveSessionRow, reason string) {
	info, err := m.sessions.GetSession(ctx, row.SessionID)
	if err != nil || (info == nil && reason != ReasonOrphanedSession) {
		return
	}

	// Fresh sessions get a grace period for every reason except orphans
	if reason != ReasonOrphanedSession && info != nil {
		graceMinutes := time.Since(info.CreatedAt).Minutes()
		if graceMinutes < m.cfg.MonitorGracePeriodMinutes {
			logger.Info("Kill aborted, session within grace period", map[string]interface{}{
				"session_id": row.SessionID,
				"reason":     reason,
				"age_min":    graceMinutes,
			})
			return
		}
	}

	logger.Warn("Monitor killing session", map[string]interface{}{
		"session_id": row.SessionID,
		"user_id":    row.UserID,
		"reason":     reason,
	})

	if _, err := m.billing.StopSessionBilling(row.SessionID); err != nil {
		logger.Error("Monitor billing stop failed", err, map[string]interface{}{
			"session_id": row.SessionID,
		})
	}

	if _, err := m.sessions.DeleteSession(ctx, row.SessionID, reason); err != nil {
		logger.Error("Monitor session delete failed", err, map[string]interface{}{
			"session_id": row.SessionID,
		})
	}

	if err := m.store.CreateNotification(&models.Notification{
		UserID:    row.UserID,
		SessionID: row.SessionID,
		Reason:    reason,
		Message:   killMessage(reason, row.SessionID),
	}); err != nil {
		logger.Error("Failed to record kill notification", err, map[string]interface{}{
			"session_id": row.SessionID,
		})
	}

	monitoring.MonitorKillsTotal.WithLabelValues(reason).Inc()
	events.PublishMonitorKill(row.SessionID, row.UserID, reason)
}

func killMessage(reason, sessionID string) string {
	switch reason {
	case ReasonOrphanedSession:
		return fmt.Sprintf("Session %s was removed: its backend resource no longer exists.", sessionID)
	case ReasonExtremeDuration:
		return fmt.Sprintf("Session %s was terminated after exceeding the maximum allowed duration.", sessionID)
	case ReasonExtremeCost:
		return fmt.Sprintf("Session %s was terminated after exceeding the maximum allowed cost.", sessionID)
	case ReasonZeroCredits:
		return fmt.Sprintf("Session %s was terminated: your credit balance is exhausted.", sessionID)
	case ReasonCreditsCritical:
		return fmt.Sprintf("Session %s was terminated: your credit balance is critically low.", sessionID)
	default:
		return fmt.Sprintf("Session %s was terminated by policy.", sessionID)
	}
}

// CleanupZombieBillings closes active billing rows whose session no longer
// exists in the store. Such rows accrue cost forever if left alone.
func (m *MonitorService) CleanupZombieBillings(ctx context.Context) {
	rows, err := m.store.ListActiveBillingRows()
	if err != nil {
		logger.Error("Zombie cleanup failed to list billing rows", err, nil)
		return
	}

	cleaned := 0
	for _, row := range rows {
		if _, err := m.store.GetSession(row.SessionID); err == nil {
			continue
		}
		if stopped, err := m.billing.StopSessionBilling(row.SessionID); err != nil {
			logger.Error("Failed to close zombie billing", err, map[string]interface{}{
				"session_id": row.SessionID,
			})
		} else if stopped {
			cleaned++
			monitoring.ZombieBillingsCleaned.Inc()
		}
	}

	if cleaned > 0 {
		logger.Info("Zombie billing rows closed", map[string]interface{}{
			"count": cleaned,
		})
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
