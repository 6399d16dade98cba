package job

import (
	"context"
	"testing"
	"time"

	"paysettle/internal/audit"
	"paysettle/internal/config"
	"paysettle/internal/model"
	"paysettle/internal/ratelimit"
	"paysettle/internal/repository"
	"paysettle/internal/service"
	"paysettle/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const jobUser = "0f3a6c2e-5b71-4d98-a2c4-6e1b9d7f3a05"

func seedTransaction(t *testing.T, db *gorm.DB, order *model.Order, status string) *model.PaymentTransaction {
	t.Helper()
	trans := &model.PaymentTransaction{
		TransactionNo:  "TXN" + uuid.NewString()[:12],
		OrderID:        order.ID,
		UserID:         order.UserID,
		Amount:         order.AmountInMinorUnits(),
		Currency:       "INR",
		GatewayOrderID: "order_" + uuid.NewString()[:14],
		Status:         status,
	}
	require.NoError(t, repository.NewPaymentTransactionRepository(db).Create(context.Background(), nil, trans))
	return trans
}

func TestReconcileJob_RepairsPendingOrders(t *testing.T) {
	db := testutil.NewTestDB(t)
	order := testutil.SeedOrder(t, db, jobUser, 12.00)
	untouched := testutil.SeedOrder(t, db, jobUser, 12.00)
	seedTransaction(t, db, order, model.TransactionStatusCompleted)
	seedTransaction(t, db, untouched, model.TransactionStatusCreated)

	settlement := service.NewSettlement(db, nil, nil, audit.NewGormSink(db))
	NewReconcileJob(db, settlement).reconcile(context.Background())

	orderRepo := repository.NewOrderRepository(db)
	got, err := orderRepo.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusCompleted, got.PaymentStatus)

	got, err = orderRepo.GetByID(context.Background(), untouched.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPending, got.PaymentStatus)

	n, err := repository.NewAuditRepository(db).CountByEventType(context.Background(), audit.EventSettlementReconciled)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIntentExpiryJob_FailsStaleIntentsOnly(t *testing.T) {
	db := testutil.NewTestDB(t)
	order := testutil.SeedOrder(t, db, jobUser, 12.00)
	stale := seedTransaction(t, db, order, model.TransactionStatusCreated)

	settlement := service.NewSettlement(db, nil, nil, audit.Nop{})
	cfg := &config.Config{Business: config.BusinessConfig{IntentExpiry: 30 * time.Minute}}
	job := NewIntentExpiryJob(db, cfg, settlement)

	job.expireStale(context.Background())
	txRepo := repository.NewPaymentTransactionRepository(db)
	got, err := txRepo.GetByID(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusCreated, got.Status)

	job.now = func() time.Time { return time.Now().Add(time.Hour) }
	job.expireStale(context.Background())

	got, err = txRepo.GetByID(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusFailed, got.Status)
	assert.Equal(t, "expired", got.FailureReason)

	o, err := repository.NewOrderRepository(db).GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPending, o.PaymentStatus)
}

func TestRateLimitPruneJob_DeletesIdleRecords(t *testing.T) {
	db := testutil.NewTestDB(t)
	tracker := ratelimit.NewTracker(db)
	policy := ratelimit.Policy{Scope: model.RateLimitScopeForm, Threshold: 5, Window: time.Hour, Cooldown: time.Hour}

	_, err := tracker.Hit(context.Background(), policy, "ip:192.0.2.1")
	require.NoError(t, err)

	cfg := &config.Config{Business: config.BusinessConfig{RateLimitRetention: 30 * 24 * time.Hour}}
	job := NewRateLimitPruneJob(tracker, cfg)

	job.prune(context.Background())
	var count int64
	require.NoError(t, db.Model(&model.RateLimitRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	job.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	job.prune(context.Background())
	require.NoError(t, db.Model(&model.RateLimitRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPaymentJobs_StopEndsLoop(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := &config.Config{}
	settlement := service.NewSettlement(db, nil, nil, audit.NewGormSink(db))

	jobs := map[string]interface {
		Start(context.Context)
		Stop()
	}{
		"reconcile": NewReconcileJob(db, settlement),
		"expiry":    NewIntentExpiryJob(db, cfg, settlement),
		"prune":     NewRateLimitPruneJob(ratelimit.NewTracker(db), cfg),
	}

	for name, j := range jobs {
		t.Run(name, func(t *testing.T) {
			done := make(chan struct{})
			go func() {
				j.Start(context.Background())
				close(done)
			}()

			j.Stop()
			j.Stop()

			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("任务未在 Stop 后退出")
			}
		})
	}
}
