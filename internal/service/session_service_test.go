package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/internal/provider"
)

type sessionFixture struct {
	store   *fakeStore
	billing *BillingService
	svc     *SessionService
	pods    *fakeDriver
	jobs    *fakeDriver
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	store := newFakeStore()
	cfg := testConfig()
	billing := NewBillingService(store, cfg)
	pods := newFakeDriver(models.ProviderPods)
	jobs := newFakeDriver(models.ProviderJobs)
	svc := NewSessionService(store, billing, cfg, pods, jobs)

	seedUser(t, store, "u1", models.UserTypeFree, 100)
	require.NoError(t, store.CreateWorkspace(&models.Workspace{
		ID:              "ws1",
		UserID:          "u1",
		Name:            "dev",
		ResourcePackage: "small",
	}))
	return &sessionFixture{store: store, billing: billing, svc: svc, pods: pods, jobs: jobs}
}

func TestCreateSessionDefaultsToJobs(t *testing.T) {
	fx := newSessionFixture(t)

	info, err := fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ws1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderJobs, info.Provider)
	assert.Equal(t, string(models.StatusRunning), info.Status)

	row, err := fx.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderJobs, row.Provider)
	assert.Equal(t, "u1", row.UserID)

	billing, err := fx.store.GetSessionBillingInfo("s1")
	require.NoError(t, err)
	assert.Equal(t, models.BillingActive, billing.Status)
	assert.Equal(t, 0.05, billing.HourlyRate)
}

func TestCreateSessionShellHintPicksPods(t *testing.T) {
	fx := newSessionFixture(t)

	info, err := fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ws1",
		NeedsShell:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderPods, info.Provider)
}

func TestCreateSessionUnsupportedProviderFallsBack(t *testing.T) {
	fx := newSessionFixture(t)

	info, err := fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ws1",
		Provider:    "workstations",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderPods, info.Provider)

	row, err := fx.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderPods, row.Provider)
}

func TestCreateSessionValidatesInput(t *testing.T) {
	fx := newSessionFixture(t)

	_, err := fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		WorkspaceID: "ws1",
	})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		SessionID: "s1",
	})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ghost",
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreateSessionProviderFailureLeavesNoTrace(t *testing.T) {
	fx := newSessionFixture(t)
	fx.jobs.failCreate = models.ErrBackendUnavailable

	_, err := fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ws1",
	})
	require.ErrorIs(t, err, models.ErrBackendUnavailable)

	_, err = fx.store.GetSession("s1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = fx.store.GetSessionBillingInfo("s1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreateSessionBillingFailureRollsBack(t *testing.T) {
	fx := newSessionFixture(t)
	fx.store.failStartBilling = models.ErrBillingExists

	_, err := fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ws1",
	})
	require.ErrorIs(t, err, models.ErrBillingExists)

	// the session row is rolled back and the backend resource torn down
	_, err = fx.store.GetSession("s1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Eventually(t, func() bool {
		return fx.jobs.deleteCount("s1") > 0
	}, 2*time.Second, 10*time.Millisecond)

	info, err := fx.svc.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestApplyTemplateOverlay(t *testing.T) {
	fx := newSessionFixture(t)
	require.NoError(t, fx.store.CreateTemplate(&models.Template{
		ID:                "tpl1",
		Name:              "python-dev",
		ResourcePackage:   "medium",
		ImageType:         "python",
		DefaultTTLMinutes: 120,
		MaxTTLMinutes:     240,
		DefaultEnv:        datatypes.JSONMap{"PYTHONUNBUFFERED": "1", "MODE": "template"},
		PreInstall:        datatypes.JSONSlice[string]{"pip install requests"},
	}))

	req := &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ws1",
		TemplateID:  "tpl1",
		Env:         map[string]string{"MODE": "caller"},
	}
	_, err := fx.svc.CreateSession(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "medium", req.ResourcePackage)
	assert.Equal(t, "python", req.Image.ImageType)
	// the template TTL replaces the untouched default
	assert.Equal(t, 120, req.TTLMinutes)
	// caller env wins on conflict, template fills the rest
	assert.Equal(t, "caller", req.Env["MODE"])
	assert.Equal(t, "1", req.Env["PYTHONUNBUFFERED"])
	assert.Equal(t, []string{"pip install requests"}, req.PreInstall)

	tpl, err := fx.store.GetTemplate("tpl1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tpl.UsageCount)

	// the medium tier raises the billed rate
	billing, err := fx.store.GetSessionBillingInfo("s1")
	require.NoError(t, err)
	assert.Equal(t, 0.075, billing.HourlyRate)
}

func TestApplyTemplateCallerTTLWins(t *testing.T) {
	fx := newSessionFixture(t)
	require.NoError(t, fx.store.CreateTemplate(&models.Template{
		ID:                "tpl1",
		Name:              "clamped",
		DefaultTTLMinutes: 120,
		MaxTTLMinutes:     180,
	}))

	req := &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ws1",
		TemplateID:  "tpl1",
		TTLMinutes:  90,
	}
	_, err := fx.svc.CreateSession(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 90, req.TTLMinutes)

	// a caller TTL above the template maximum is clamped
	req2 := &provider.SessionRequest{
		SessionID:   "s2",
		WorkspaceID: "ws1",
		TemplateID:  "tpl1",
		TTLMinutes:  999,
	}
	_, err = fx.svc.CreateSession(context.Background(), req2)
	require.NoError(t, err)
	assert.Equal(t, 180, req2.TTLMinutes)
}

func TestApplyTemplateUserTypeRestriction(t *testing.T) {
	fx := newSessionFixture(t)
	require.NoError(t, fx.store.CreateTemplate(&models.Template{
		ID:               "tpl1",
		Name:             "enterprise-only",
		AllowedUserTypes: datatypes.JSONSlice[string]{"enterprise"},
	}))

	_, err := fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ws1",
		TemplateID:  "tpl1",
	})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestGetSessionAbsentEverywhere(t *testing.T) {
	fx := newSessionFixture(t)

	info, err := fx.svc.GetSession(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestGetSessionFoundOnProviderOnly(t *testing.T) {
	fx := newSessionFixture(t)
	_, err := fx.pods.Create(context.Background(), &provider.SessionRequest{
		SessionID:   "orphan",
		WorkspaceID: "ws1",
	})
	require.NoError(t, err)

	info, err := fx.svc.GetSession(context.Background(), "orphan")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, models.ProviderPods, info.Provider)
}

func TestListSessionsReconcilesStatus(t *testing.T) {
	fx := newSessionFixture(t)

	_, err := fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ws1",
	})
	require.NoError(t, err)

	list, err := fx.svc.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].ID)
	assert.Equal(t, string(models.StatusRunning), list[0].Status)
}

func TestDeleteSessionStopsBillingAndTearsDown(t *testing.T) {
	fx := newSessionFixture(t)

	_, err := fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ws1",
	})
	require.NoError(t, err)
	fx.store.rewindBilling("s1", time.Hour)

	existed, err := fx.svc.DeleteSession(context.Background(), "s1", "user_request")
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = fx.store.GetSession("s1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, models.BillingCompleted, fx.store.billingStatus("s1"))

	// one hour at the free rate was charged
	balance, err := fx.store.GetUserCredits("u1")
	require.NoError(t, err)
	assert.InDelta(t, 99.95, balance, 0.001)

	assert.Eventually(t, func() bool {
		return fx.jobs.deleteCount("s1") > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeleteSessionIsIdempotent(t *testing.T) {
	fx := newSessionFixture(t)

	_, err := fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ws1",
	})
	require.NoError(t, err)

	existed, err := fx.svc.DeleteSession(context.Background(), "s1", "user_request")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = fx.svc.DeleteSession(context.Background(), "s1", "user_request")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestExecuteRoutesToProvider(t *testing.T) {
	fx := newSessionFixture(t)

	_, err := fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ws1",
	})
	require.NoError(t, err)

	result, err := fx.svc.Execute(context.Background(), "s1", "echo hi", time.Minute)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ReturnCode)

	_, err = fx.svc.Execute(context.Background(), "ghost", "echo hi", time.Minute)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExecuteAsyncReturnsHandle(t *testing.T) {
	fx := newSessionFixture(t)

	_, err := fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ws1",
	})
	require.NoError(t, err)

	handle, err := fx.svc.ExecuteAsync(context.Background(), "s1", "sleep 5")
	require.NoError(t, err)
	assert.Equal(t, "submitted", handle.Status)
	assert.Equal(t, "s1", handle.SessionID)
	assert.NotEmpty(t, handle.JobID)

	result, err := fx.svc.JobStatus(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, -1, result.ReturnCode)
}

func TestExistsOnProvider(t *testing.T) {
	fx := newSessionFixture(t)

	_, err := fx.svc.CreateSession(context.Background(), &provider.SessionRequest{
		SessionID:   "s1",
		WorkspaceID: "ws1",
	})
	require.NoError(t, err)

	exists, err := fx.svc.ExistsOnProvider(context.Background(), models.ProviderJobs, "s1")
	require.NoError(t, err)
	assert.True(t, exists)

	fx.jobs.forget("s1")
	exists, err = fx.svc.ExistsOnProvider(context.Background(), models.ProviderJobs, "s1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStorageConfigFor(t *testing.T) {
	cfg := storageConfigFor(&provider.SessionRequest{
		SessionID:                "s1",
		RequestBucket:            true,
		BucketSizeGB:             5,
		RequestPersistentStorage: true,
		PersistentStorageSizeGB:  10,
	})
	assert.Equal(t, "sess-s1-bucket", cfg["bucket"])
	assert.Equal(t, 5, cfg["bucket_size_gb"])
	assert.Equal(t, 10, cfg["persistent_storage_gb"])
	assert.Equal(t, "/workspace", cfg["mount_path"])

	empty := storageConfigFor(&provider.SessionRequest{SessionID: "s2"})
	assert.Empty(t, empty)
}
