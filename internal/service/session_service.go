package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/sessionforge/orchestrator/internal/events"
	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/internal/monitoring"
	"github.com/sessionforge/orchestrator/internal/provider"
	"github.com/sessionforge/orchestrator/internal/repository"
	"github.com/sessionforge/orchestrator/pkg/config"
	"github.com/sessionforge/orchestrator/pkg/logger"
)

// SessionService is the orchestration brain: it validates requests, applies
// templates, picks a provider, drives the session lifecycle and keeps the
// in-memory cache coherent with the store.
type SessionService struct {
	store   repository.Store
	billing *BillingService
	cfg     *config.Config
	drivers map[string]provider.Driver

	cacheMu sync.RWMutex
	cache   map[string]*provider.SessionInfo

	restoreOnce sync.Once
}

// NewSessionService creates the session manager over the given drivers
func NewSessionService(store repository.Store, billing *BillingService, cfg *config.Config, drivers ...provider.Driver) *SessionService {
	byName := make(map[string]provider.Driver, len(drivers))
	for _, d := range drivers {
		byName[d.Name()] = d
	}
	return &SessionService{
		store:   store,
		billing: billing,
		cfg:     cfg,
		drivers: byName,
		cache:   make(map[string]*provider.SessionInfo),
	}
}

// driverFor resolves a provider name to its driver. Unknown names fall back
// to pods, the more capable backend.
func (s *SessionService) driverFor(name string) provider.Driver {
	if d, ok := s.drivers[name]; ok {
		return d
	}
	logger.Warn("Unknown provider, falling back to pods", map[string]interface{}{
		"provider": name,
	})
	return s.drivers[models.ProviderPods]
}

// restore loads all persisted sessions into the cache and refreshes each
// from its provider once. Runs at most once per process lifetime.
func (s *SessionService) restore(ctx context.Context) {
	s.restoreOnce.Do(func() {
		sessions, err := s.store.ListSessions("")
		if err != nil {
			logger.Error("Startup restoration failed to list sessions", err, nil)
			return
		}

		restored := 0
		for _, sess := range sessions {
			if !sess.IsActive() {
				continue
			}
			driver := s.driverFor(sess.Provider)
			info, err := driver.Get(ctx, sess.ID)
			if err != nil {
				logger.Warn("Restoration provider refresh failed", map[string]interface{}{
					"session_id": sess.ID,
					"error":      err.Error(),
				})
			}
			if info == nil {
				info = minimalInfo(&sess)
			}
			s.cacheMu.Lock()
			s.cache[sess.ID] = info
			s.cacheMu.Unlock()
			restored++
		}

		logger.Info("Session cache restored", map[string]interface{}{
			"sessions": restored,
		})
	})
}

// minimalInfo reconstructs a SessionInfo from a bare store row. Unrecognized
// persisted providers default to pods.
func minimalInfo(sess *models.Session) *provider.SessionInfo {
	prov := sess.Provider
	if prov != models.ProviderJobs && prov != models.ProviderPods {
		logger.Warn("Persisted session has unknown provider", map[string]interface{}{
			"session_id": sess.ID,
			"provider":   prov,
		})
		prov = models.ProviderPods
	}
	return &provider.SessionInfo{
		ID:          sess.ID,
		Provider:    prov,
		WorkspaceID: sess.WorkspaceID,
		Status:      string(sess.Status),
		CreatedAt:   sess.CreatedAt,
	}
}

// applyTemplate overlays template defaults onto the request. The caller wins
// on env conflicts; resource, image and storage fields are filled only where
// the caller left them empty.
func (s *SessionService) applyTemplate(req *provider.SessionRequest, user *models.User) error {
	if req.TemplateID == "" {
		return nil
	}

	tpl, err := s.store.GetTemplate(req.TemplateID)
	if err != nil {
		return err
	}
	if !tpl.AllowsUserType(user.UserType) {
		return fmt.Errorf("%w: template %s not allowed for user type %s",
			models.ErrInvalidInput, tpl.ID, user.UserType)
	}

	if req.ResourcePackage == "" {
		req.ResourcePackage = tpl.ResourcePackage
	}
	if req.Image.ImageType == "" && req.Image.ImageURL == "" {
		req.Image.ImageType = tpl.ImageType
		req.Image.ImageURL = tpl.ImageURL
		req.Image.ImageTag = tpl.ImageTag
	}
	if !req.RequestPersistentStorage && tpl.RequestPersistentStorage {
		req.RequestPersistentStorage = true
		req.PersistentStorageSizeGB = tpl.PersistentStorageSizeGB
	}
	if !req.RequestBucket && tpl.RequestBucket {
		req.RequestBucket = true
		req.BucketSizeGB = tpl.BucketSizeGB
	}

	// Adopt the template TTL only when the caller kept the system default
	if tpl.DefaultTTLMinutes > 0 &&
		(req.TTLMinutes == 0 || req.TTLMinutes == s.cfg.DefaultTTLMinutes) {
		req.TTLMinutes = tpl.DefaultTTLMinutes
	}
	if tpl.MaxTTLMinutes > 0 && req.TTLMinutes > tpl.MaxTTLMinutes {
		req.TTLMinutes = tpl.MaxTTLMinutes
	}

	merged := make(map[string]string, len(tpl.DefaultEnv)+len(req.Env))
	for k, v := range tpl.DefaultEnv {
		if str, ok := v.(string); ok {
			merged[k] = str
		} else {
			merged[k] = fmt.Sprintf("%v", v)
		}
	}
	for k, v := range req.Env {
		merged[k] = v
	}
	req.Env = merged
	req.PreInstall = append([]string(nil), tpl.PreInstall...)

	if err := s.store.IncrementTemplateUsage(tpl.ID); err != nil {
		logger.Warn("Failed to bump template usage", map[string]interface{}{
			"template_id": tpl.ID,
			"error":       err.Error(),
		})
	}
	return nil
}

// CreateSession validates the request, applies the template, creates the
// backend resource, persists the row and opens billing. Provider failures
// leave no store writes behind; billing failures roll the session back.
func (s *SessionService) CreateSession(ctx context.Context, req *provider.SessionRequest) (*provider.SessionInfo, error) {
	s.restore(ctx)

	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.WorkspaceID) == "" {
		return nil, fmt.Errorf("%w: session_id and workspace_id are required", models.ErrInvalidInput)
	}

	ws, err := s.store.GetWorkspace(req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ws.UserID)
	if err != nil {
		return nil, err
	}

	if err := s.applyTemplate(req, user); err != nil {
		return nil, err
	}
	if req.ResourcePackage == "" {
		req.ResourcePackage = ws.ResourcePackage
	}
	if req.TTLMinutes <= 0 {
		req.TTLMinutes = s.cfg.DefaultTTLMinutes
	}
	if req.User == "" {
		req.User = user.Email
	}
	if req.Namespace == "" {
		req.Namespace = ws.ID
	}

	provName, fellBack := provider.Select(req)
	if fellBack {
		logger.Warn("Requested provider not supported, using pods", map[string]interface{}{
			"session_id": req.SessionID,
			"requested":  req.Provider,
		})
	}
	req.Provider = provName
	driver := s.driverFor(provName)

	info, err := driver.Create(ctx, req)
	if err != nil {
		monitoring.SessionCreateFailuresTotal.WithLabelValues(provName).Inc()
		return nil, err
	}

	row := &models.Session{
		ID:            req.SessionID,
		WorkspaceID:   req.WorkspaceID,
		UserID:        user.ID,
		Provider:      provName,
		Status:        models.SessionStatus(info.Status),
		StorageConfig: storageConfigFor(req),
	}
	if err := s.store.CreateSession(row); err != nil {
		go s.teardownProvider(driver, req.SessionID)
		monitoring.SessionCreateFailuresTotal.WithLabelValues(provName).Inc()
		return nil, err
	}

	s.cacheMu.Lock()
	s.cache[req.SessionID] = info
	s.cacheMu.Unlock()

	if _, err := s.billing.StartSessionBilling(req.SessionID, user.ID, req.ResourcePackage); err != nil {
		go s.teardownProvider(driver, req.SessionID)
		s.cacheMu.Lock()
		delete(s.cache, req.SessionID)
		s.cacheMu.Unlock()
		if derr := s.store.DeleteSession(req.SessionID); derr != nil {
			logger.Error("Failed to roll back session row after billing failure", derr, map[string]interface{}{
				"session_id": req.SessionID,
			})
		}
		monitoring.SessionCreateFailuresTotal.WithLabelValues(provName).Inc()
		return nil, err
	}

	monitoring.SessionsCreatedTotal.WithLabelValues(provName).Inc()
	monitoring.ActiveSessions.WithLabelValues(provName).Inc()
	events.PublishSessionCreated(req.SessionID, user.ID, provName)

	logger.Info("Session created", map[string]interface{}{
		"session_id":   req.SessionID,
		"workspace_id": req.WorkspaceID,
		"provider":     provName,
		"status":       info.Status,
	})
	return info, nil
}

func (s *SessionService) teardownProvider(driver provider.Driver, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := driver.Delete(ctx, sessionID); err != nil {
		logger.Error("Best-effort provider teardown failed", err, map[string]interface{}{
			"session_id": sessionID,
		})
	}
}

func storageConfigFor(req *provider.SessionRequest) datatypes.JSONMap {
	cfg := datatypes.JSONMap{}
	if req.RequestBucket {
		cfg["bucket"] = "sess-" + req.SessionID + "-bucket"
		if req.BucketSizeGB > 0 {
			cfg["bucket_size_gb"] = req.BucketSizeGB
		}
	}
	if req.RequestPersistentStorage {
		cfg["persistent_storage_gb"] = req.PersistentStorageSizeGB
		cfg["mount_path"] = "/workspace"
	}
	return cfg
}

// ListSessions returns the union of cache and store, refreshed best-effort
// from the providers.
func (s *SessionService) ListSessions(ctx context.Context) ([]*provider.SessionInfo, error) {
	s.restore(ctx)

	stored, err := s.store.ListSessions("")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]*models.Session, len(stored))
	for i := range stored {
		seen[stored[i].ID] = &stored[i]
	}

	s.cacheMu.RLock()
	ids := make([]string, 0, len(s.cache)+len(stored))
	for id := range s.cache {
		ids = append(ids, id)
	}
	s.cacheMu.RUnlock()
	for id := range seen {
		s.cacheMu.RLock()
		_, cached := s.cache[id]
		s.cacheMu.RUnlock()
		if !cached {
			ids = append(ids, id)
		}
	}

	out := make([]*provider.SessionInfo, 0, len(ids))
	for _, id := range ids {
		info := s.refreshSession(ctx, id, seen[id])
		if info != nil {
			out = append(out, info)
		}
	}
	return out, nil
}

// refreshSession re-reads one session from its provider and reconciles the
// cache and store with what the backend reports.
func (s *SessionService) refreshSession(ctx context.Context, sessionID string, row *models.Session) *provider.SessionInfo {
	s.cacheMu.RLock()
	cached := s.cache[sessionID]
	s.cacheMu.RUnlock()

	base := cached
	if base == nil && row != nil {
		base = minimalInfo(row)
	}
	if base == nil {
		return nil
	}

	driver := s.driverFor(base.Provider)
	fresh, err := driver.Get(ctx, sessionID)
	if err != nil {
		logger.Warn("Provider refresh failed", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
	if fresh != nil {
		if fresh.WorkspaceID == "" {
			fresh.WorkspaceID = base.WorkspaceID
		}
		if fresh.CreatedAt.IsZero() || (base.CreatedAt.Before(fresh.CreatedAt) && !base.CreatedAt.IsZero()) {
			fresh.CreatedAt = base.CreatedAt
		}
		base = fresh
	}

	// The provider is the authority on liveness: a store row still marked
	// running gets downgraded when the backend disagrees.
	if row != nil && row.Status == models.StatusRunning && base.Status != string(models.StatusRunning) {
		if err := s.store.UpdateSessionStatus(sessionID, models.SessionStatus(base.Status)); err != nil {
			logger.Warn("Failed to reconcile session status", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
	}

	s.cacheMu.Lock()
	s.cache[sessionID] = base
	s.cacheMu.Unlock()
	return base
}

// GetSession resolves a session through cache, store and provider. Returns
// (nil, nil) iff it is absent from all three.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*provider.SessionInfo, error) {
	s.restore(ctx)

	s.cacheMu.RLock()
	cached, ok := s.cache[sessionID]
	s.cacheMu.RUnlock()
	if ok {
		if info := s.refreshSession(ctx, sessionID, nil); info != nil {
			return info, nil
		}
		return cached, nil
	}

	row, err := s.store.GetSession(sessionID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if row != nil {
		return s.refreshSession(ctx, sessionID, row), nil
	}

	// Not cached, not stored: last resort, ask the providers directly
	for _, name := range []string{models.ProviderPods, models.ProviderJobs} {
		driver, ok := s.drivers[name]
		if !ok {
			continue
		}
		info, err := driver.Get(ctx, sessionID)
		if err != nil {
			logger.Warn("Provider lookup failed", map[string]interface{}{
				"session_id": sessionID,
				"provider":   name,
				"error":      err.Error(),
			})
			continue
		}
		if info != nil {
			s.cacheMu.Lock()
			s.cache[sessionID] = info
			s.cacheMu.Unlock()
			return info, nil
		}
	}
	return nil, nil
}

// DeleteSession removes the session from cache and store, stops billing and
// tears the backend down asynchronously. Returns true if a session existed
// at any layer; the backend is not guaranteed to be gone on return.
func (s *SessionService) DeleteSession(ctx context.Context, sessionID, reason string) (bool, error) {
	s.restore(ctx)

	info, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}

	s.cacheMu.Lock()
	delete(s.cache, sessionID)
	s.cacheMu.Unlock()

	row, err := s.store.GetSession(sessionID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return false, err
	}
	userID := ""
	if row != nil {
		userID = row.UserID
		if err := s.store.DeleteSession(sessionID); err != nil && !errors.Is(err, models.ErrNotFound) {
			return false, err
		}
	}

	if _, err := s.billing.StopSessionBilling(sessionID); err != nil {
		logger.Error("Best-effort billing stop failed during delete", err, map[string]interface{}{
			"session_id": sessionID,
		})
	}

	driver := s.driverFor(info.Provider)
	go s.teardownProvider(driver, sessionID)

	monitoring.SessionsDeletedTotal.WithLabelValues(info.Provider, reason).Inc()
	monitoring.ActiveSessions.WithLabelValues(info.Provider).Dec()
	events.PublishSessionDeleted(sessionID, userID, reason)

	logger.Info("Session deleted", map[string]interface{}{
		"session_id": sessionID,
		"provider":   info.Provider,
		"reason":     reason,
	})
	return true, nil
}

// Execute runs a command synchronously in a session
func (s *SessionService) Execute(ctx context.Context, sessionID, command string, timeout time.Duration) (*provider.ExecResult, error) {
	info, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, models.ErrNotFound
	}

	driver := s.driverFor(info.Provider)
	started := time.Now()
	result, err := driver.Execute(ctx, sessionID, command, timeout)
	if err != nil {
		return nil, err
	}

	monitoring.ExecDuration.WithLabelValues(info.Provider).Observe(time.Since(started).Seconds())
	if result.ReturnCode == provider.ReturnCodeTimeout {
		monitoring.ExecTimeoutsTotal.WithLabelValues(info.Provider).Inc()
	}
	return result, nil
}

// ExecuteAsync submits a command for background execution
func (s *SessionService) ExecuteAsync(ctx context.Context, sessionID, command string) (*provider.JobHandle, error) {
	info, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, models.ErrNotFound
	}
	return s.driverFor(info.Provider).ExecuteAsync(ctx, sessionID, command)
}

// JobStatus reports the state of an asynchronously submitted command
func (s *SessionService) JobStatus(ctx context.Context, handle *provider.JobHandle) (*provider.ExecResult, error) {
	return s.driverFor(handle.Provider).JobStatus(ctx, handle)
}

// ExistsOnProvider reports whether the session's backend resource is still
// present on the named provider.
func (s *SessionService) ExistsOnProvider(ctx context.Context, providerName, sessionID string) (bool, error) {
	info, err := s.driverFor(providerName).Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// OpenShell opens a bidirectional shell stream into the session
func (s *SessionService) OpenShell(ctx context.Context, sessionID string) (provider.ShellStream, error) {
	info, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, models.ErrNotFound
	}
	return s.driverFor(info.Provider).OpenShell(ctx, sessionID)
}
