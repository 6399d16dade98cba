package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"paysettle/internal/audit"
	"paysettle/internal/config"
	"paysettle/internal/infrastructure/gateway"
	"paysettle/internal/infrastructure/lock"
	"paysettle/internal/metrics"
	"paysettle/internal/model"
	"paysettle/internal/ratelimit"
	"paysettle/internal/repository"
	"paysettle/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	defaultCurrency      = "INR"
	maxIdempotencyKeyLen = 128
	lockRetryInterval    = 100 * time.Millisecond
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// IntentGateway 网关侧创建支付意图
type IntentGateway interface {
	CreateOrder(ctx context.Context, req *gateway.CreateOrderRequest) (*gateway.Order, error)
}

// CreateIntentRequest 创建支付意图请求；ClaimedAmount 为客户端声称的金额（最小货币单位）
type CreateIntentRequest struct {
	UserID         string
	OrderID        string
	ClaimedAmount  int64
	Currency       string
	IdempotencyKey string
	Network        model.NetworkContext
}

// IntentResponse 客户端拉起收银台所需信息
type IntentResponse struct {
	TransactionNo  string `json:"transaction_no"`
	GatewayOrderID string `json:"gateway_order_id"`
	OrderID        string `json:"order_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	KeyID          string `json:"key_id"`
	Status         string `json:"status"`
	Replayed       bool   `json:"replayed"`
}

// IntentService 支付意图管理
type IntentService struct {
	rdb       *redis.Client
	gateway   IntentGateway
	tracker   *ratelimit.Tracker
	policy    ratelimit.Policy
	sink      audit.Sink
	orderRepo *repository.OrderRepository
	txRepo    *repository.PaymentTransactionRepository
	keyID     string
	lockTTL   time.Duration
	group     singleflight.Group
	tracer    trace.Tracer
}

// NewIntentService rdb 可以为 nil，此时退化为进程内合并 + 唯一索引兜底
func NewIntentService(db *gorm.DB, rdb *redis.Client, cfg *config.Config, gw IntentGateway, tracker *ratelimit.Tracker, sink audit.Sink) *IntentService {
	return &IntentService{
		rdb:       rdb,
		gateway:   gw,
		tracker:   tracker,
		policy:    ratelimit.NewPolicy(model.RateLimitScopePaymentIntent, cfg.RateLimit.PaymentIntent),
		sink:      sink,
		orderRepo: repository.NewOrderRepository(db),
		txRepo:    repository.NewPaymentTransactionRepository(db),
		keyID:     cfg.Gateway.KeyID,
		lockTTL:   cfg.Gateway.Timeout + 5*time.Second,
		tracer:    otel.Tracer("paysettle/intent"),
	}
}

// CreateIntent 为订单创建网关支付意图
//
// 【关键点】
// 1. 金额以服务端订单为准，客户端金额只用于比对，不一致直接拒绝且不调用网关
// 2. 相同 (用户, 幂等键) 只会产生一条流水：进程内 singleflight -> Redis 锁 -> 唯一索引兜底
// 3. 网关超时/错误不落库，客户端用同一个幂等键重试
// 4. 已存在的幂等键先回放再限流，重试不计入额度
func (s *IntentService) CreateIntent(ctx context.Context, req *CreateIntentRequest) (*IntentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "IntentService.CreateIntent", trace.WithAttributes(
		attribute.String("order_id", req.OrderID),
	))
	defer span.End()

	if req.UserID == "" {
		s.reject(ctx, req, audit.EventIntentUnauthorized, "unauthorized", nil)
		return nil, ErrUnauthorized
	}

	if req.Currency == "" {
		req.Currency = defaultCurrency
	}
	if !currencyPattern.MatchString(req.Currency) || len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		return nil, ErrMalformedRequest
	}

	// 带原幂等键的重试直接回放，不占用限流额度
	if req.IdempotencyKey != "" {
		if resp, err := s.replay(ctx, req); resp != nil || err != nil {
			return resp, err
		}
	}

	if err := s.throttle(ctx, req); err != nil {
		return nil, err
	}

	if _, err := uuid.Parse(req.OrderID); err != nil {
		s.reject(ctx, req, audit.EventIntentNotFound, "not_found", map[string]interface{}{"reason": "malformed_order_id"})
		return nil, ErrNotFound
	}

	if req.IdempotencyKey == "" {
		return s.create(ctx, req)
	}

	// 同进程内相同幂等键的并发请求共享一次执行结果
	v, err, _ := s.group.Do(req.UserID+":"+req.IdempotencyKey, func() (interface{}, error) {
		return s.createIdempotent(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	resp := *v.(*IntentResponse)
	return &resp, nil
}

func (s *IntentService) throttle(ctx context.Context, req *CreateIntentRequest) error {
	identities := []string{"user:" + req.UserID}
	if req.Network.IP != "" {
		identities = append(identities, "ip:"+req.Network.IP)
	}

	for _, identity := range identities {
		d, err := s.tracker.Hit(ctx, s.policy, identity)
		if err != nil {
			// 节流是尽力而为，计数失败不阻断支付
			zerolog.Ctx(ctx).Warn().Err(err).Str("identity", identity).Msg("[Intent] 限流计数失败")
			continue
		}
		if !d.Allowed {
			s.reject(ctx, req, audit.EventIntentRateLimited, "rate_limited", map[string]interface{}{
				"identity":      identity,
				"blocked_until": d.BlockedUntil,
			})
			rl := &RateLimitedError{Scope: s.policy.Scope}
			if d.BlockedUntil != nil {
				rl.BlockedUntil = *d.BlockedUntil
			}
			return rl
		}
	}
	return nil
}

func (s *IntentService) createIdempotent(ctx context.Context, req *CreateIntentRequest) (*IntentResponse, error) {
	if resp, err := s.replay(ctx, req); resp != nil || err != nil {
		return resp, err
	}

	if s.rdb != nil {
		l := lock.NewIntentLock(s.rdb, req.UserID, req.IdempotencyKey, uuid.NewString(), s.lockTTL)
		maxRetries := int(s.lockTTL / lockRetryInterval)
		if err := l.Lock(ctx, lockRetryInterval, maxRetries); err != nil {
			// 锁只是优化，拿不到时仍由唯一索引保证只有一条流水
			zerolog.Ctx(ctx).Warn().Err(err).Str("lock_key", l.Key()).Msg("[Intent] 获取意图锁失败，继续执行")
		} else {
			defer func() {
				if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
					zerolog.Ctx(ctx).Warn().Err(err).Str("lock_key", l.Key()).Msg("[Intent] 释放意图锁失败")
				}
			}()
			// 双重检查：等锁期间可能已被其他实例创建
			if resp, err := s.replay(ctx, req); resp != nil || err != nil {
				return resp, err
			}
		}
	}

	return s.create(ctx, req)
}

// replay 幂等键已存在时返回原流水；没有记录时返回 nil, nil
func (s *IntentService) replay(ctx context.Context, req *CreateIntentRequest) (*IntentResponse, error) {
	existing, err := s.txRepo.GetByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("查询幂等记录失败: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if existing.OrderID != req.OrderID {
		// 同一个幂等键不允许用于不同订单
		return nil, ErrMalformedRequest
	}
	if existing.Status == model.TransactionStatusFailed {
		return nil, ErrTransactionFailed
	}

	metrics.IntentsTotal.WithLabelValues("replayed").Inc()
	s.sink.Record(ctx, audit.Event{
		Type:     audit.EventIntentReplayed,
		Identity: req.UserID,
		Detail: map[string]interface{}{
			"order_id":         req.OrderID,
			"idempotency_key":  req.IdempotencyKey,
			"transaction_no":   existing.TransactionNo,
			"gateway_order_id": existing.GatewayOrderID,
		},
		Network: req.Network,
	})
	return s.toResponse(existing, true), nil
}

func (s *IntentService) create(ctx context.Context, req *CreateIntentRequest) (*IntentResponse, error) {
	logger := zerolog.Ctx(ctx).With().Str("order_id", req.OrderID).Str("user_id", req.UserID).Logger()

	order, err := s.orderRepo.GetByIDForUser(ctx, req.OrderID, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			s.reject(ctx, req, audit.EventIntentNotFound, "not_found", nil)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}

	switch order.PaymentStatus {
	case model.PaymentStatusCompleted:
		s.reject(ctx, req, audit.EventIntentAlreadyPaid, "already_paid", nil)
		return nil, ErrAlreadyPaid
	case model.PaymentStatusFailed:
		s.reject(ctx, req, audit.EventIntentOrderClosed, "order_closed", nil)
		return nil, ErrOrderClosed
	}

	expected := order.AmountInMinorUnits()
	if req.ClaimedAmount != expected {
		logger.Warn().Int64("claimed", req.ClaimedAmount).Int64("expected", expected).Msg("[Intent] 客户端金额与订单不一致")
		s.reject(ctx, req, audit.EventIntentAmountMismatch, "amount_mismatch", map[string]interface{}{
			"claimed_amount":  req.ClaimedAmount,
			"expected_amount": expected,
		})
		return nil, ErrAmountMismatch
	}

	transactionNo := idgen.GenerateTransactionNo()
	start := time.Now()
	gwOrder, err := s.gateway.CreateOrder(ctx, &gateway.CreateOrderRequest{
		Amount:   expected,
		Currency: req.Currency,
		Receipt:  idgen.GenerateReceiptNo(),
		Notes: map[string]string{
			"order_id":        req.OrderID,
			"user_id":         req.UserID,
			"ip":              req.Network.IP,
			"user_agent":      req.Network.UserAgent,
			"idempotency_key": req.IdempotencyKey,
		},
	})
	if err == nil && gwOrder.Amount != 0 && gwOrder.Amount != expected {
		err = fmt.Errorf("%w: 网关返回金额 %d 与订单金额 %d 不一致", gateway.ErrUpstream, gwOrder.Amount, expected)
	}
	if err != nil {
		outcome, svcErr := "error", ErrGatewayError
		if errors.Is(err, gateway.ErrTimeout) {
			outcome, svcErr = "timeout", ErrGatewayTimeout
		}
		metrics.GatewayLatency.WithLabelValues("create_order", outcome).Observe(time.Since(start).Seconds())
		logger.Error().Err(err).Msg("[Intent] 网关创建意图失败")
		s.reject(ctx, req, audit.EventIntentGatewayError, "gateway_"+outcome, map[string]interface{}{
			"error":           err.Error(),
			"idempotency_key": req.IdempotencyKey,
		})
		return nil, svcErr
	}
	metrics.GatewayLatency.WithLabelValues("create_order", "ok").Observe(time.Since(start).Seconds())

	trans := &model.PaymentTransaction{
		TransactionNo:    transactionNo,
		OrderID:          order.ID,
		UserID:           req.UserID,
		Amount:           expected,
		Currency:         req.Currency,
		GatewayOrderID:   gwOrder.ID,
		Status:           model.TransactionStatusCreated,
		CreatedIP:        req.Network.IP,
		CreatedUserAgent: req.Network.UserAgent,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		trans.IdempotencyKey = &key
	}

	if err := s.txRepo.Create(ctx, nil, trans); err != nil {
		if errors.Is(err, repository.ErrDuplicateRequest) && req.IdempotencyKey != "" {
			// 另一个实例先写入了同一幂等键，返回已有流水
			logger.Info().Str("idempotency_key", req.IdempotencyKey).Msg("[Intent] 幂等键并发冲突，返回已有流水")
			if resp, rerr := s.replay(ctx, req); resp != nil || rerr != nil {
				return resp, rerr
			}
			return nil, ErrStoreConflict
		}
		if errors.Is(err, repository.ErrDuplicateRequest) {
			return nil, ErrStoreConflict
		}
		return nil, fmt.Errorf("保存支付流水失败: %w", err)
	}

	metrics.IntentsTotal.WithLabelValues("created").Inc()
	s.sink.Record(ctx, audit.Event{
		Type:     audit.EventIntentCreated,
		Identity: req.UserID,
		Detail: map[string]interface{}{
			"order_id":         order.ID,
			"transaction_no":   trans.TransactionNo,
			"gateway_order_id": trans.GatewayOrderID,
			"amount":           trans.Amount,
			"currency":         trans.Currency,
			"idempotency_key":  req.IdempotencyKey,
		},
		Network: req.Network,
	})
	logger.Info().Str("transaction_no", trans.TransactionNo).Str("gateway_order_id", trans.GatewayOrderID).Msg("[Intent] 支付意图创建成功")

	return s.toResponse(trans, false), nil
}

func (s *IntentService) reject(ctx context.Context, req *CreateIntentRequest, eventType, outcome string, extra map[string]interface{}) {
	metrics.IntentsTotal.WithLabelValues(outcome).Inc()
	detail := map[string]interface{}{"order_id": req.OrderID}
	for k, v := range extra {
		detail[k] = v
	}
	s.sink.Record(ctx, audit.Event{
		Type:     eventType,
		Identity: req.UserID,
		Detail:   detail,
		Network:  req.Network,
	})
}

func (s *IntentService) toResponse(trans *model.PaymentTransaction, replayed bool) *IntentResponse {
	return &IntentResponse{
		TransactionNo:  trans.TransactionNo,
		GatewayOrderID: trans.GatewayOrderID,
		OrderID:        trans.OrderID,
		Amount:         trans.Amount,
		Currency:       trans.Currency,
		KeyID:          s.keyID,
		Status:         trans.Status,
		Replayed:       replayed,
	}
}
