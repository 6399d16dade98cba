package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"paysettle/internal/audit"
	"paysettle/internal/config"
	"paysettle/internal/metrics"
	"paysettle/internal/model"
	"paysettle/internal/repository"
	"paysettle/pkg/signature"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var (
	gatewayOrderIDPattern   = regexp.MustCompile(`^order_[A-Za-z0-9]{14}$`)
	gatewayPaymentIDPattern = regexp.MustCompile(`^pay_[A-Za-z0-9]{14}$`)
	signaturePattern        = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// VerifyRequest 客户端转交的网关回调参数
type VerifyRequest struct {
	UserID           string
	OrderID          string
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	Network          model.NetworkContext
}

type VerifyResult struct {
	Verified      bool   `json:"verified"`
	OrderID       string `json:"order_id"`
	TransactionNo string `json:"transaction_no"`
	Replayed      bool   `json:"replayed"`
}

// VerifyService 网关回调验签
type VerifyService struct {
	txRepo     *repository.PaymentTransactionRepository
	settlement *Settlement
	sink       audit.Sink
	secret     string
	ttl        time.Duration
	tracer     trace.Tracer
	now        func() time.Time
}

func NewVerifyService(db *gorm.DB, cfg *config.Config, settlement *Settlement, sink audit.Sink) *VerifyService {
	return &VerifyService{
		txRepo:     repository.NewPaymentTransactionRepository(db),
		settlement: settlement,
		sink:       sink,
		secret:     cfg.Security.WebhookSecret,
		ttl:        cfg.Security.VerificationTTL,
		tracer:     otel.Tracer("paysettle/verify"),
		now:        time.Now,
	}
}

// Verify 校验网关回调并触发结算
//
// 【关键点】检查顺序固定：身份 -> 格式 -> 归属 -> 终态 -> 时效 -> 签名
// 已完成的流水直接返回成功，不重复验签也不重复副作用
func (s *VerifyService) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResult, error) {
	ctx, span := s.tracer.Start(ctx, "VerifyService.Verify", trace.WithAttributes(
		attribute.String("order_id", req.OrderID),
		attribute.String("gateway_order_id", req.GatewayOrderID),
	))
	defer span.End()

	if req.UserID == "" {
		s.reject(ctx, req, audit.EventVerifyUnauthorized, "unauthorized", nil)
		return nil, ErrUnauthorized
	}

	if field := malformedField(req); field != "" {
		s.reject(ctx, req, audit.EventVerifyMalformed, "malformed", map[string]interface{}{"field": field})
		return nil, ErrMalformedRequest
	}

	trans, err := s.txRepo.GetForVerification(ctx, req.GatewayOrderID, req.UserID, req.OrderID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			s.reject(ctx, req, audit.EventVerifyNotFound, "not_found", nil)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询支付流水失败: %w", err)
	}

	switch trans.Status {
	case model.TransactionStatusCompleted:
		s.reject(ctx, req, audit.EventVerifyReplayed, "replayed", map[string]interface{}{"transaction_no": trans.TransactionNo})
		return &VerifyResult{Verified: true, OrderID: trans.OrderID, TransactionNo: trans.TransactionNo, Replayed: true}, nil
	case model.TransactionStatusFailed:
		metrics.VerificationsTotal.WithLabelValues("transaction_failed").Inc()
		return nil, ErrTransactionFailed
	}

	// ttl 未配置时同样视为过期
	if s.ttl <= 0 || s.now().Sub(trans.CreatedAt) > s.ttl {
		s.reject(ctx, req, audit.EventVerifyExpired, "expired", map[string]interface{}{
			"transaction_no": trans.TransactionNo,
			"created_at":     trans.CreatedAt,
			"ttl_seconds":    s.ttl.Seconds(),
		})
		return nil, ErrVerificationExpired
	}

	if s.secret == "" {
		zerolog.Ctx(ctx).Error().Msg("[Verify] 未配置验签密钥，拒绝所有回调")
		s.reject(ctx, req, audit.EventVerifyConfigMissing, "config_missing", nil)
		return nil, ErrSignatureInvalid
	}

	if !signature.Verify(s.secret, req.GatewayOrderID, req.GatewayPaymentID, req.Signature) {
		s.reject(ctx, req, audit.EventVerifySignatureInvalid, "signature_invalid", map[string]interface{}{
			"transaction_no": trans.TransactionNo,
			"payment_id":     req.GatewayPaymentID,
		})
		if _, err := s.settlement.Fail(ctx, trans, "signature_invalid", req.Network); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("transaction_no", trans.TransactionNo).Msg("[Verify] 标记流水失败出错")
		}
		return nil, ErrSignatureInvalid
	}

	res, err := s.settlement.Settle(ctx, trans, req.OrderID, req.UserID, req.GatewayPaymentID, req.Network)
	if err != nil {
		metrics.VerificationsTotal.WithLabelValues("settle_error").Inc()
		span.RecordError(err)
		return nil, err
	}

	outcome := "verified"
	if !res.Won {
		outcome = "replayed"
	}
	metrics.VerificationsTotal.WithLabelValues(outcome).Inc()

	return &VerifyResult{
		Verified:      true,
		OrderID:       trans.OrderID,
		TransactionNo: trans.TransactionNo,
		Replayed:      !res.Won,
	}, nil
}

func malformedField(req *VerifyRequest) string {
	switch {
	case !gatewayOrderIDPattern.MatchString(req.GatewayOrderID):
		return "gateway_order_id"
	case !gatewayPaymentIDPattern.MatchString(req.GatewayPaymentID):
		return "gateway_payment_id"
	case !signaturePattern.MatchString(req.Signature):
		return "signature"
	}
	if _, err := uuid.Parse(req.OrderID); err != nil {
		return "order_id"
	}
	return ""
}

func (s *VerifyService) reject(ctx context.Context, req *VerifyRequest, eventType, outcome string, extra map[string]interface{}) {
	metrics.VerificationsTotal.WithLabelValues(outcome).Inc()
	detail := map[string]interface{}{
		"order_id":         req.OrderID,
		"gateway_order_id": req.GatewayOrderID,
	}
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
