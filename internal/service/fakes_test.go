package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/internal/provider"
	"github.com/sessionforge/orchestrator/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		DefaultTTLMinutes:       60,
		DefaultImage:            "ubuntu:24.04",
		PersistentStorageSizeGB: 10,

		RateFree:       0.05,
		RatePro:        0.025,
		RateEnterprise: 0.01,
		RateAdmin:      0.0,

		MultiplierSmall:  1.0,
		MultiplierMedium: 1.5,
		MultiplierLarge:  2.0,
		MultiplierGPU:    5.0,

		StorageRateBucket:    0.02,
		StorageRateFilestore: 0.17,

		CreditMinPurchase:  10.0,
		CreditBonusPercent: 0.0,

		QuotaBucketsFree:       1,
		QuotaBucketsPro:        5,
		QuotaBucketsEnterprise: 20,
		QuotaFilestoresFree:    1,
		QuotaFilestoresPro:     3,
		QuotaFilestoresEnt:     10,

		MonitorMaxDurationHours:     48,
		MonitorMaxCostUSD:           500,
		MonitorMinSessionAgeMinutes: 0,
		MonitorGracePeriodMinutes:   0,
		MonitorLowCreditRunwayFrac:  0.1,
		MonitorHourlyRateClampUSD:   1000,
	}
}

// fakeStore is an in-memory Store with the same error taxonomy and credit
// semantics as the GORM implementation.
type fakeStore struct {
	mu sync.Mutex

	users       map[string]*models.User
	workspaces  map[string]*models.Workspace
	sessions    map[string]*models.Session
	billings    map[string]*models.SessionBilling
	ledger      []models.CreditTransaction
	storage     map[string]*models.StorageResource
	attachments []models.SessionAttachment
	templates   map[string]*models.Template
	notes       []models.Notification

	failStartBilling error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      make(map[string]*models.User),
		workspaces: make(map[string]*models.Workspace),
		sessions:   make(map[string]*models.Session),
		billings:   make(map[string]*models.SessionBilling),
		storage:    make(map[string]*models.StorageResource),
		templates:  make(map[string]*models.Template),
	}
}

func (f *fakeStore) CreateUser(user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if _, ok := f.users[user.ID]; ok {
		return models.ErrConflict
	}
	cp := *user
	f.users[user.ID] = &cp
	return nil
}

func (f *fakeStore) GetUser(userID string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) UpdateUser(user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.ID]; !ok {
		return models.ErrNotFound
	}
	cp := *user
	f.users[user.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteUser(userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[userID]; !ok {
		return models.ErrNotFound
	}
	delete(f.users, userID)
	return nil
}

func (f *fakeStore) GetUserCredits(userID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return 0, models.ErrNotFound
	}
	return u.Credits, nil
}

func (f *fakeStore) AddCredits(userID string, amount float64, source, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return models.ErrNotFound
	}
	u.Credits = models.Round4(u.Credits + amount)
	f.ledger = append(f.ledger, models.CreditTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		Source:      source,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
	return nil
}

func (f *fakeStore) DeductCredits(userID string, amount float64, reason string, sessionID, storageResourceID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if amount <= 0 {
		return models.ErrInvalidInput
	}
	return f.deductLocked(userID, amount, reason, sessionID, storageResourceID, false)
}

// deductLocked debits the balance and appends a ledger row. Without clamp an
// uncovered amount fails with ErrInsufficientCredits and nothing changes;
// with clamp the debit is capped at the available balance and the ledger
// records the amount actually taken.
func (f *fakeStore) deductLocked(userID string, amount float64, reason string, sessionID, storageResourceID *string, clamp bool) error {
	u, ok := f.users[userID]
	if !ok {
		return models.ErrNotFound
	}
	taken := amount
	if taken > u.Credits {
		if !clamp {
			return models.ErrInsufficientCredits
		}
		taken = u.Credits
	}
	u.Credits = models.Round4(u.Credits - taken)
	f.ledger = append(f.ledger, models.CreditTransaction{
		ID:                uuid.NewString(),
		UserID:            userID,
		Amount:            -taken,
		Source:            reason,
		SessionID:         sessionID,
		StorageResourceID: storageResourceID,
		CreatedAt:         time.Now().UTC(),
	})
	return nil
}

func (f *fakeStore) GetCreditHistory(userID string, start, end *time.Time) ([]models.CreditTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CreditTransaction
	for _, tx := range f.ledger {
		if tx.UserID != userID {
			continue
		}
		if start != nil && tx.CreatedAt.Before(*start) {
			continue
		}
		if end != nil && tx.CreatedAt.After(*end) {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (f *fakeStore) CreateWorkspace(ws *models.Workspace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workspaces[ws.ID]; ok {
		return models.ErrConflict
	}
	cp := *ws
	f.workspaces[ws.ID] = &cp
	return nil
}

func (f *fakeStore) GetWorkspace(workspaceID string) (*models.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[workspaceID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *ws
	return &cp, nil
}

func (f *fakeStore) ListWorkspaces(userID string) ([]models.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Workspace
	for _, ws := range f.workspaces {
		if ws.UserID == userID {
			out = append(out, *ws)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteWorkspace(workspaceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workspaces[workspaceID]; !ok {
		return models.ErrNotFound
	}
	delete(f.workspaces, workspaceID)
	return nil
}

func (f *fakeStore) CreateSession(session *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[session.ID]; ok {
		return models.ErrConflict
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	cp := *session
	f.sessions[session.ID] = &cp
	return nil
}

func (f *fakeStore) GetSession(sessionID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) UpdateSession(session *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[session.ID]; !ok {
		return models.ErrNotFound
	}
	cp := *session
	f.sessions[session.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateSessionStatus(sessionID string, status models.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return models.ErrNotFound
	}
	s.Status = status
	return nil
}

func (f *fakeStore) DeleteSession(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return models.ErrNotFound
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeStore) ListSessions(workspaceID string) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.sessions {
		if workspaceID == "" || s.WorkspaceID == workspaceID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) StartSessionBilling(sessionID, userID string, hourlyRate float64) (*models.SessionBilling, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStartBilling != nil {
		return nil, f.failStartBilling
	}
	if b, ok := f.billings[sessionID]; ok && b.Status == models.BillingActive {
		return nil, models.ErrBillingExists
	}
	b := &models.SessionBilling{
		SessionID:  sessionID,
		UserID:     userID,
		HourlyRate: hourlyRate,
		StartTime:  time.Now().UTC(),
		Status:     models.BillingActive,
	}
	f.billings[sessionID] = b
	cp := *b
	return &cp, nil
}

func (f *fakeStore) StopSessionBilling(sessionID string, totalHours float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.billings[sessionID]
	if !ok {
		return false, models.ErrNotFound
	}
	if b.Status != models.BillingActive {
		return false, models.ErrBillingNotActive
	}
	now := time.Now().UTC()
	cost := models.CostFor(b.HourlyRate, totalHours)
	hours := models.Round4(totalHours)
	b.EndTime = &now
	b.TotalHours = &hours
	b.TotalCost = &cost
	b.Status = models.BillingCompleted
	if cost > 0 {
		if err := f.deductLocked(b.UserID, cost, "session_usage", &b.SessionID, nil, true); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (f *fakeStore) GetSessionBillingInfo(sessionID string) (*models.SessionBilling, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.billings[sessionID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeStore) ListActiveSessionsForMonitor() ([]models.ActiveSessionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ActiveSessionRow
	for id, s := range f.sessions {
		if !s.IsActive() {
			continue
		}
		b, ok := f.billings[id]
		if !ok || b.Status != models.BillingActive {
			continue
		}
		out = append(out, models.ActiveSessionRow{
			SessionID:        id,
			WorkspaceID:      s.WorkspaceID,
			UserID:           s.UserID,
			Provider:         s.Provider,
			SessionCreatedAt: s.CreatedAt,
			HourlyRate:       b.HourlyRate,
			BillingStart:     b.StartTime,
		})
	}
	return out, nil
}

func (f *fakeStore) ListActiveBillingRows() ([]models.SessionBilling, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SessionBilling
	for _, b := range f.billings {
		if b.Status == models.BillingActive {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateStorageResource(res *models.StorageResource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	cp := *res
	f.storage[res.ID] = &cp
	return nil
}

func (f *fakeStore) AssignStorageToWorkspace(resourceID, workspaceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.storage[resourceID]
	if !ok {
		return models.ErrNotFound
	}
	res.WorkspaceID = &workspaceID
	return nil
}

func (f *fakeStore) SetWorkspaceDefaultStorage(workspaceID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.storage[resourceID]
	if !ok {
		return models.ErrNotFound
	}
	for _, other := range f.storage {
		if other.WorkspaceID != nil && *other.WorkspaceID == workspaceID && other.StorageType == res.StorageType {
			other.IsDefault = false
		}
	}
	res.IsDefault = true
	return nil
}

func (f *fakeStore) ListWorkspaceStorage(workspaceID string) ([]models.StorageResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.StorageResource
	for _, res := range f.storage {
		if res.WorkspaceID != nil && *res.WorkspaceID == workspaceID {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (f *fakeStore) CountUserStorage(userID string, storageType models.StorageType) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, res := range f.storage {
		if res.UserID == userID && res.StorageType == storageType {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) AttachSessionStorage(att *models.SessionAttachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, have := range f.attachments {
		if have.SessionID == att.SessionID && have.StorageID == att.StorageID && have.DetachedAt == nil {
			return models.ErrConflict
		}
	}
	f.attachments = append(f.attachments, *att)
	return nil
}

func (f *fakeStore) DetachSessionStorage(sessionID, storageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.attachments {
		att := &f.attachments[i]
		if att.SessionID == sessionID && att.StorageID == storageID && att.DetachedAt == nil {
			now := time.Now().UTC()
			att.DetachedAt = &now
			return nil
		}
	}
	return models.ErrNotFound
}

func (f *fakeStore) ListSessionAttachments(sessionID string) ([]models.SessionAttachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SessionAttachment
	for _, att := range f.attachments {
		if att.SessionID == sessionID && att.DetachedAt == nil {
			out = append(out, att)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateTemplate(tpl *models.Template) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	if _, ok := f.templates[tpl.ID]; ok {
		return models.ErrConflict
	}
	cp := *tpl
	f.templates[tpl.ID] = &cp
	return nil
}

func (f *fakeStore) GetTemplate(templateID string) (*models.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tpl, ok := f.templates[templateID]
	if !ok {
		return nil, models.ErrTemplateNotFound
	}
	cp := *tpl
	return &cp, nil
}

func (f *fakeStore) UpdateTemplate(tpl *models.Template) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.templates[tpl.ID]; !ok {
		return models.ErrTemplateNotFound
	}
	cp := *tpl
	f.templates[tpl.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteTemplate(templateID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.templates[templateID]; !ok {
		return models.ErrTemplateNotFound
	}
	delete(f.templates, templateID)
	return nil
}

func (f *fakeStore) ListTemplates(category string, userType models.UserType, tags []string) ([]models.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Template
	for _, tpl := range f.templates {
		if category != "" && tpl.Category != category {
			continue
		}
		if userType != "" && !tpl.AllowsUserType(userType) {
			continue
		}
		match := true
		for _, tag := range tags {
			if !tpl.HasTag(tag) {
				match = false
				break
			}
		}
		if match {
			out = append(out, *tpl)
		}
	}
	return out, nil
}

func (f *fakeStore) IncrementTemplateUsage(templateID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tpl, ok := f.templates[templateID]
	if !ok {
		return models.ErrTemplateNotFound
	}
	tpl.UsageCount++
	now := time.Now().UTC()
	tpl.LastUsedAt = &now
	return nil
}

func (f *fakeStore) CreateNotification(n *models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	f.notes = append(f.notes, *n)
	return nil
}

func (f *fakeStore) notifications() []models.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Notification(nil), f.notes...)
}

func (f *fakeStore) billingStatus(sessionID string) models.BillingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.billings[sessionID]
	if !ok {
		return ""
	}
	return b.Status
}

// rewindBilling shifts an active billing row's start back in time
func (f *fakeStore) rewindBilling(sessionID string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.billings[sessionID]; ok {
		b.StartTime = b.StartTime.Add(-d)
	}
}

// fakeDriver is an in-memory provider.Driver recording lifecycle calls
type fakeDriver struct {
	name string

	mu       sync.Mutex
	sessions map[string]*provider.SessionInfo
	deleted  []string

	failCreate error
}

func newFakeDriver(name string) *fakeDriver {
	return &fakeDriver{name: name, sessions: make(map[string]*provider.SessionInfo)}
}

func (d *fakeDriver) Name() string { return d.name }

func (d *fakeDriver) Create(ctx context.Context, req *provider.SessionRequest) (*provider.SessionInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCreate != nil {
		return nil, d.failCreate
	}
	info := &provider.SessionInfo{
		ID:          req.SessionID,
		Provider:    d.name,
		WorkspaceID: req.WorkspaceID,
		User:        req.User,
		Namespace:   req.Namespace,
		Status:      string(models.StatusRunning),
		CreatedAt:   time.Now().UTC(),
	}
	d.sessions[req.SessionID] = info
	return info, nil
}

func (d *fakeDriver) Get(ctx context.Context, sessionID string) (*provider.SessionInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

func (d *fakeDriver) Delete(ctx context.Context, sessionID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, sessionID)
	if _, ok := d.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(d.sessions, sessionID)
	return true, nil
}

func (d *fakeDriver) Execute(ctx context.Context, sessionID, command string, timeout time.Duration) (*provider.ExecResult, error) {
	return &provider.ExecResult{Success: true, ReturnCode: 0, Stdout: "ok\n"}, nil
}

func (d *fakeDriver) ExecuteAsync(ctx context.Context, sessionID, command string) (*provider.JobHandle, error) {
	return &provider.JobHandle{
		Status:    "submitted",
		JobID:     uuid.NewString(),
		SessionID: sessionID,
		Provider:  d.name,
	}, nil
}

func (d *fakeDriver) JobStatus(ctx context.Context, handle *provider.JobHandle) (*provider.ExecResult, error) {
	return &provider.ExecResult{Success: false, ReturnCode: -1, Stderr: "job still running"}, nil
}

func (d *fakeDriver) OpenShell(ctx context.Context, sessionID string) (provider.ShellStream, error) {
	return nil, models.ErrProviderUnavailable
}

func (d *fakeDriver) deleteCount(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, id := range d.deleted {
		if id == sessionID {
			n++
		}
	}
	return n
}

// forget drops the backend resource without recording a delete, simulating
// an out-of-band loss (node failure, manual kubectl delete).
func (d *fakeDriver) forget(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}
