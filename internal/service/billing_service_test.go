package service

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionforge/orchestrator/internal/models"
	"github.com/sessionforge/orchestrator/internal/repository"
)

var _ repository.Store = (*fakeStore)(nil)

func seedUser(t *testing.T, store *fakeStore, id string, userType models.UserType, credits float64) {
	t.Helper()
	require.NoError(t, store.CreateUser(&models.User{
		ID:       id,
		Email:    id + "@example.com",
		UserType: userType,
		Credits:  credits,
	}))
}

func TestEffectiveHourlyRate(t *testing.T) {
	svc := NewBillingService(newFakeStore(), testConfig())

	free := &models.User{UserType: models.UserTypeFree}
	pro := &models.User{UserType: models.UserTypePro}
	admin := &models.User{UserType: models.UserTypeAdmin}

	assert.Equal(t, 0.05, svc.EffectiveHourlyRate(free, "small"))
	assert.Equal(t, 0.075, svc.EffectiveHourlyRate(free, "medium"))
	assert.Equal(t, 0.25, svc.EffectiveHourlyRate(free, "gpu"))
	assert.Equal(t, 0.05, svc.EffectiveHourlyRate(pro, "large"))
	assert.Equal(t, 0.0, svc.EffectiveHourlyRate(admin, "gpu"))
	// unknown tier falls back to small
	assert.Equal(t, 0.05, svc.EffectiveHourlyRate(free, "xxl"))
}

func TestCalculateSessionCost(t *testing.T) {
	store := newFakeStore()
	seedUser(t, store, "u1", models.UserTypeFree, 100)
	svc := NewBillingService(store, testConfig())

	cost, err := svc.CalculateSessionCost("u1", 2, "medium")
	require.NoError(t, err)
	assert.Equal(t, 0.15, cost)

	_, err = svc.CalculateSessionCost("ghost", 1, "small")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCalculateStorageCost(t *testing.T) {
	svc := NewBillingService(newFakeStore(), testConfig())

	// 10 GB bucket for a full month at 0.02/GB-month
	assert.Equal(t, 0.2, svc.CalculateStorageCost("bucket", 10, 30))
	// filestore is priced much higher
	assert.Equal(t, 1.7, svc.CalculateStorageCost("filestore", 10, 30))
	// prorated to half a month
	assert.Equal(t, 0.1, svc.CalculateStorageCost("bucket", 10, 15))
}

func TestStopSessionBillingChargesFractionalHours(t *testing.T) {
	store := newFakeStore()
	seedUser(t, store, "u1", models.UserTypeFree, 100)
	svc := NewBillingService(store, testConfig())

	_, err := svc.StartSessionBilling("s1", "u1", "small")
	require.NoError(t, err)

	// a 30-second session must cost more than zero
	store.rewindBilling("s1", 30*time.Second)

	stopped, err := svc.StopSessionBilling("s1")
	require.NoError(t, err)
	assert.True(t, stopped)

	balance, err := store.GetUserCredits("u1")
	require.NoError(t, err)
	assert.Less(t, balance, 100.0)
	assert.InDelta(t, 100.0-0.0004, balance, 0.0002)

	billing, err := svc.GetSessionBillingInfo("s1")
	require.NoError(t, err)
	assert.Equal(t, models.BillingCompleted, billing.Status)
	require.NotNil(t, billing.TotalCost)
	assert.Greater(t, *billing.TotalCost, 0.0)
	require.NotNil(t, billing.EndTime)
}

func TestStopSessionBillingIsIdempotent(t *testing.T) {
	store := newFakeStore()
	seedUser(t, store, "u1", models.UserTypeFree, 100)
	svc := NewBillingService(store, testConfig())

	_, err := svc.StartSessionBilling("s1", "u1", "small")
	require.NoError(t, err)
	store.rewindBilling("s1", time.Hour)

	stopped, err := svc.StopSessionBilling("s1")
	require.NoError(t, err)
	assert.True(t, stopped)

	balance, err := store.GetUserCredits("u1")
	require.NoError(t, err)

	// a second stop is a no-op and charges nothing
	stopped, err = svc.StopSessionBilling("s1")
	require.NoError(t, err)
	assert.False(t, stopped)

	again, err := store.GetUserCredits("u1")
	require.NoError(t, err)
	assert.Equal(t, balance, again)
}

func TestStopSessionBillingConcurrentStopsChargeOnce(t *testing.T) {
	store := newFakeStore()
	seedUser(t, store, "u1", models.UserTypeFree, 100)
	svc := NewBillingService(store, testConfig())

	_, err := svc.StartSessionBilling("s1", "u1", "small")
	require.NoError(t, err)
	store.rewindBilling("s1", time.Hour)

	lock := svc.sessionLock("s1")

	var wg sync.WaitGroup
	var stops int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stopped, err := svc.StopSessionBilling("s1")
			assert.NoError(t, err)
			if stopped {
				atomic.AddInt64(&stops, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, stops)

	balance, err := store.GetUserCredits("u1")
	require.NoError(t, err)
	assert.InDelta(t, 100-0.05, balance, 1e-9)

	// the per-session mutex stays registered, so late stoppers keep
	// serializing on the same lock
	assert.Same(t, lock, svc.sessionLock("s1"))
}

func TestStopSessionBillingUnknownSession(t *testing.T) {
	svc := NewBillingService(newFakeStore(), testConfig())

	stopped, err := svc.StopSessionBilling("ghost")
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestStopSessionBillingClampsAtZero(t *testing.T) {
	store := newFakeStore()
	seedUser(t, store, "u1", models.UserTypeFree, 0.01)
	svc := NewBillingService(store, testConfig())

	_, err := svc.StartSessionBilling("s1", "u1", "small")
	require.NoError(t, err)
	// two hours at 0.05/h costs 0.10, far above the balance
	store.rewindBilling("s1", 2*time.Hour)

	stopped, err := svc.StopSessionBilling("s1")
	require.NoError(t, err)
	assert.True(t, stopped)

	balance, err := store.GetUserCredits("u1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)
}

func TestStartSessionBillingRejectsDuplicate(t *testing.T) {
	store := newFakeStore()
	seedUser(t, store, "u1", models.UserTypeFree, 100)
	svc := NewBillingService(store, testConfig())

	_, err := svc.StartSessionBilling("s1", "u1", "small")
	require.NoError(t, err)

	_, err = svc.StartSessionBilling("s1", "u1", "small")
	assert.ErrorIs(t, err, models.ErrBillingExists)
}

func TestPurchaseCredits(t *testing.T) {
	store := newFakeStore()
	seedUser(t, store, "u1", models.UserTypeFree, 5)
	cfg := testConfig()
	cfg.CreditBonusPercent = 10
	svc := NewBillingService(store, cfg)

	balance, err := svc.PurchaseCredits("u1", 20)
	require.NoError(t, err)
	// 5 existing + 20 paid + 2 bonus
	assert.Equal(t, 27.0, balance)

	history, err := svc.GetCreditHistory("u1", nil, nil)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 22.0, history[0].Amount)
	assert.Equal(t, "credit_purchase", history[0].Source)
}

func TestPurchaseCreditsBelowMinimum(t *testing.T) {
	store := newFakeStore()
	seedUser(t, store, "u1", models.UserTypeFree, 0)
	svc := NewBillingService(store, testConfig())

	_, err := svc.PurchaseCredits("u1", 9.99)
	assert.ErrorIs(t, err, models.ErrBelowMinimumPurchase)

	balance, err := store.GetUserCredits("u1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)
}

func TestCheckUserCreditBalance(t *testing.T) {
	store := newFakeStore()
	seedUser(t, store, "u1", models.UserTypeFree, 3)
	svc := NewBillingService(store, testConfig())

	balance, ok, err := svc.CheckUserCreditBalance("u1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3.0, balance)
	assert.True(t, ok)

	_, ok, err = svc.CheckUserCreditBalance("u1", 3.5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeductCreditsInsufficientBalance(t *testing.T) {
	store := newFakeStore()
	seedUser(t, store, "u1", models.UserTypeFree, 1.00)

	// one cent over the balance fails and changes nothing
	err := store.DeductCredits("u1", 1.01, "manual_adjustment", nil, nil)
	require.ErrorIs(t, err, models.ErrInsufficientCredits)

	balance, err := store.GetUserCredits("u1")
	require.NoError(t, err)
	assert.Equal(t, 1.00, balance)

	history, err := store.GetCreditHistory("u1", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, history)

	// the exact balance is still deductible
	require.NoError(t, store.DeductCredits("u1", 1.00, "manual_adjustment", nil, nil))
	balance, err = store.GetUserCredits("u1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)

	history, err = store.GetCreditHistory("u1", nil, nil)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, -1.00, history[0].Amount)
}

func TestDeductCreditsRejectsNonPositiveAmount(t *testing.T) {
	store := newFakeStore()
	seedUser(t, store, "u1", models.UserTypeFree, 5)

	assert.ErrorIs(t, store.DeductCredits("u1", 0, "manual_adjustment", nil, nil), models.ErrInvalidInput)
	assert.ErrorIs(t, store.DeductCredits("u1", -1, "manual_adjustment", nil, nil), models.ErrInvalidInput)

	balance, err := store.GetUserCredits("u1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, balance)
}

func TestGetCreditHistoryWindow(t *testing.T) {
	store := newFakeStore()
	seedUser(t, store, "u1", models.UserTypeFree, 0)
	svc := NewBillingService(store, testConfig())

	require.NoError(t, store.AddCredits("u1", 10, "credit_purchase", "first"))
	require.NoError(t, store.AddCredits("u1", 20, "credit_purchase", "second"))

	all, err := svc.GetCreditHistory("u1", nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	future := time.Now().UTC().Add(time.Hour)
	none, err := svc.GetCreditHistory("u1", &future, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}
