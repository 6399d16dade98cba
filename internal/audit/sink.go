// Package audit 安全审计落库
//
// 审计是纯观测用途：写失败只记本地日志，绝不影响支付主链路
package audit

import (
	"context"
	"encoding/json"
	"time"

	"paysettle/internal/metrics"
	"paysettle/internal/model"
	"paysettle/internal/repository"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 审计事件类型
const (
	EventIntentUnauthorized   = "intent.unauthorized"
	EventIntentRateLimited    = "intent.rate_limited"
	EventIntentReplayed       = "intent.replayed"
	EventIntentNotFound       = "intent.not_found"
	EventIntentAlreadyPaid    = "intent.already_paid"
	EventIntentOrderClosed    = "intent.order_closed"
	EventIntentAmountMismatch = "intent.amount_mismatch"
	EventIntentGatewayError   = "intent.gateway_error"
	EventIntentCreated        = "intent.created"

	EventVerifyUnauthorized     = "verify.unauthorized"
	EventVerifyMalformed        = "verify.malformed"
	EventVerifyNotFound         = "verify.not_found"
	EventVerifyReplayed         = "verify.replayed"
	EventVerifyExpired          = "verify.expired"
	EventVerifySignatureInvalid = "verify.signature_invalid"
	EventVerifyConfigMissing    = "verify.config_missing"

	EventSettlementCompleted     = "settlement.completed"
	EventSettlementLostRace      = "settlement.lost_race"
	EventSettlementFailed        = "settlement.failed"
	EventSettlementOrderPending  = "settlement.order_update_failed"
	EventSettlementLoyaltyFailed = "settlement.loyalty_failed"
	EventSettlementNotifyFailed  = "settlement.notify_failed"
	EventSettlementReconciled    = "settlement.reconciled"
	EventIntentExpired           = "intent.expired"

	EventLoginSuccess = "auth.login_success"
	EventLoginFailed  = "auth.login_failed"
	EventLoginBlocked = "auth.login_blocked"
)

var fraudSignals = map[string]bool{
	EventIntentUnauthorized:     true,
	EventIntentAmountMismatch:   true,
	EventVerifyUnauthorized:     true,
	EventVerifySignatureInvalid: true,
}

// IsFraudSignal 该类事件本身就是安全监控信号
func IsFraudSignal(eventType string) bool {
	return fraudSignals[eventType]
}

// Event 一条待写入的审计事实
type Event struct {
	Type     string
	Identity string
	Detail   map[string]interface{}
	Network  model.NetworkContext
}

// Sink 审计写入口，实现方必须吞掉自身错误
type Sink interface {
	Record(ctx context.Context, e Event)
}

const writeTimeout = 3 * time.Second

// GormSink 写入 security_audit_log 表
type GormSink struct {
	repo *repository.AuditRepository
}

func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{repo: repository.NewAuditRepository(db)}
}

// Record 追加一条审计记录
//
// 使用脱离请求取消的 context，客户端断开也要把决策轨迹写完
func (s *GormSink) Record(ctx context.Context, e Event) {
	if IsFraudSignal(e.Type) {
		metrics.FraudSignalsTotal.WithLabelValues(e.Type).Inc()
	}

	detail, err := json.Marshal(e.Detail)
	if err != nil {
		detail = []byte(`{}`)
	}

	entry := &model.SecurityAuditLog{
		EventType: e.Type,
		Detail:    datatypes.JSON(detail),
		IPAddress: e.Network.IP,
		UserAgent: e.Network.UserAgent,
	}
	if e.Identity != "" {
		identity := e.Identity
		entry.Identity = &identity
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := s.repo.Create(writeCtx, entry); err != nil {
		metrics.AuditWriteFailures.Inc()
		zerolog.Ctx(ctx).Error().Err(err).
			Str("event_type", e.Type).
			Str("identity", e.Identity).
			RawJSON("detail", detail).
			Msg("[Audit] 审计写入失败")
	}
}

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
