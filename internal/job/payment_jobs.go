package job

import (
	"context"
	"sync"
	"time"

	"paysettle/internal/config"
	"paysettle/internal/ratelimit"
	"paysettle/internal/repository"
	"paysettle/internal/service"

	"gorm.io/gorm"
)

// ============================================================================
// 对账任务：流水已完成但订单仍为 pending
// ============================================================================

type ReconcileJob struct {
	txRepo     *repository.PaymentTransactionRepository
	settlement *service.Settlement
	stopCh     chan struct{}
	stopOnce   sync.Once
	interval   time.Duration
	batchSize  int
}

func NewReconcileJob(db *gorm.DB, settlement *service.Settlement) *ReconcileJob {
	return &ReconcileJob{
		txRepo:     repository.NewPaymentTransactionRepository(db),
		settlement: settlement,
		stopCh:     make(chan struct{}),
		interval:   30 * time.Second,
		batchSize:  50,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	loop(ctx, "ReconcileJob", j.interval, j.stopCh, j.reconcile)
}

func (j *ReconcileJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

func (j *ReconcileJob) reconcile(ctx context.Context) {
	list, err := j.txRepo.ListUnreconciled(ctx, j.batchSize)
	if err != nil {
		jobLogger(ctx).Error().Err(err).Msg("查询待对账流水失败")
		return
	}
	if len(list) == 0 {
		return
	}

	repaired := 0
	for _, trans := range list {
		if err := j.settlement.Reconcile(ctx, trans); err != nil {
			jobLogger(ctx).Error().Err(err).
				Str("order_id", trans.OrderID).
				Str("transaction_no", trans.TransactionNo).
				Msg("对账修复失败")
			continue
		}
		repaired++
	}
	jobLogger(ctx).Info().Int("found", len(list)).Int("repaired", repaired).Msg("对账完成")
}

// ============================================================================
// 意图过期任务：长时间未验签的流水标记为失败，订单保持 pending
// ============================================================================

type IntentExpiryJob struct {
	txRepo     *repository.PaymentTransactionRepository
	settlement *service.Settlement
	expiry     time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
	interval   time.Duration
	batchSize  int
	now        func() time.Time
}

func NewIntentExpiryJob(db *gorm.DB, cfg *config.Config, settlement *service.Settlement) *IntentExpiryJob {
	return &IntentExpiryJob{
		txRepo:     repository.NewPaymentTransactionRepository(db),
		settlement: settlement,
		expiry:     cfg.Business.IntentExpiry,
		stopCh:     make(chan struct{}),
		interval:   time.Minute,
		batchSize:  100,
		now:        time.Now,
	}
}

func (j *IntentExpiryJob) Start(ctx context.Context) {
	loop(ctx, "IntentExpiryJob", j.interval, j.stopCh, j.expireStale)
}

func (j *IntentExpiryJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

func (j *IntentExpiryJob) expireStale(ctx context.Context) {
	list, err := j.txRepo.ListStaleCreated(ctx, j.now().Add(-j.expiry), j.batchSize)
	if err != nil {
		jobLogger(ctx).Error().Err(err).Msg("查询过期意图失败")
		return
	}
	if len(list) == 0 {
		return
	}

	expired := 0
	for _, trans := range list {
		won, err := j.settlement.Expire(ctx, trans)
		if err != nil {
			jobLogger(ctx).Error().Err(err).Str("transaction_no", trans.TransactionNo).Msg("标记意图过期失败")
			continue
		}
		if won {
			expired++
		}
	}
	jobLogger(ctx).Info().Int("expired", expired).Msg("过期意图处理完成")
}

// ============================================================================
// 限流记录清理
// ============================================================================

type RateLimitPruneJob struct {
	tracker   *ratelimit.Tracker
	retention time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	interval  time.Duration
	now       func() time.Time
}

func NewRateLimitPruneJob(tracker *ratelimit.Tracker, cfg *config.Config) *RateLimitPruneJob {
	return &RateLimitPruneJob{
		tracker:   tracker,
		retention: cfg.Business.RateLimitRetention,
		stopCh:    make(chan struct{}),
		interval:  time.Hour,
		now:       time.Now,
	}
}

func (j *RateLimitPruneJob) Start(ctx context.Context) {
	loop(ctx, "RateLimitPruneJob", j.interval, j.stopCh, j.prune)
}

func (j *RateLimitPruneJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

func (j *RateLimitPruneJob) prune(ctx context.Context) {
	deleted, err := j.tracker.Prune(ctx, j.now().Add(-j.retention))
	if err != nil {
		jobLogger(ctx).Error().Err(err).Msg("清理限流记录失败")
		return
	}
	if deleted > 0 {
		jobLogger(ctx).Info().Int64("deleted", deleted).Msg("限流记录清理完成")
	}
}
