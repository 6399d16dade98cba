package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"paysettle/internal/audit"
	"paysettle/internal/config"
	"paysettle/internal/infrastructure/gateway"
	"paysettle/internal/model"
	"paysettle/internal/ratelimit"
	"paysettle/internal/repository"
	"paysettle/internal/testutil"
	"paysettle/pkg/signature"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testSecret = "whsec_test_secret"
	testUser   = "8d1c7f0e-3a52-4c11-9a0b-2f8e6d4c1b01"
	otherUser  = "5b2e9a47-0d6f-4e38-8c1a-7f3b2d9e6a02"
)

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{PaymentSettled: "payment.settled", PaymentFailed: "payment.failed"},
		},
		Gateway: config.GatewayConfig{KeyID: "rzp_test_key", Timeout: 30 * time.Second},
		Security: config.SecurityConfig{
			WebhookSecret:   testSecret,
			VerificationTTL: 5 * time.Minute,
			JWTSecret:       "jwt-test-secret",
			JWTTTL:          time.Hour,
		},
		RateLimit: config.RateLimitConfig{
			Login:         config.RateLimitPolicy{Threshold: 5, WarnMargin: 2, Window: 15 * time.Minute, Cooldown: 30 * time.Minute},
			PaymentIntent: config.RateLimitPolicy{Threshold: 100, WarnMargin: 3, Window: time.Minute, Cooldown: 5 * time.Minute},
			Form:          config.RateLimitPolicy{Threshold: 5, WarnMargin: 1, Window: time.Hour, Cooldown: time.Hour},
		},
		Notification: config.NotificationConfig{AdminRecipients: []string{"ops@paysettle.test"}},
	}
}

func randomAlnum(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

func newPaymentID() string {
	return "pay_" + randomAlnum(14)
}

// fakeGateway 默认回显金额并生成合法的意图ID
type fakeGateway struct {
	mu       sync.Mutex
	calls    int
	requests []*gateway.CreateOrderRequest
	createFn func(req *gateway.CreateOrderRequest) (*gateway.Order, error)
}

func (g *fakeGateway) CreateOrder(_ context.Context, req *gateway.CreateOrderRequest) (*gateway.Order, error) {
	g.mu.Lock()
	g.calls++
	g.requests = append(g.requests, req)
	fn := g.createFn
	g.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return &gateway.Order{
		ID:       "order_" + randomAlnum(14),
		Entity:   "order",
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Status:   "created",
	}, nil
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeNotifier struct {
	mu      sync.Mutex
	settled []Notification
	failed  []Notification
	err     error
}

func (n *fakeNotifier) PaymentSettled(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.settled = append(n.settled, notification)
	return nil
}

func (n *fakeNotifier) PaymentFailed(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.failed = append(n.failed, notification)
	return nil
}

func (n *fakeNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.settled), len(n.failed)
}

type fakeLoyalty struct {
	mu       sync.Mutex
	calls    int
	redeemFn func(userID string, points int64, orderID string) (*RedeemResult, error)
}

func (l *fakeLoyalty) Redeem(_ context.Context, userID string, points int64, orderID string, _ *string) (*RedeemResult, error) {
	l.mu.Lock()
	l.calls++
	fn := l.redeemFn
	l.mu.Unlock()

	if fn != nil {
		return fn(userID, points, orderID)
	}
	return &RedeemResult{Success: true, RedemptionNo: "RDM-test"}, nil
}

func (l *fakeLoyalty) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type harness struct {
	db         *gorm.DB
	cfg        *config.Config
	gw         *fakeGateway
	notifier   *fakeNotifier
	loyalty    *fakeLoyalty
	settlement *Settlement
	intents    *IntentService
	verify     *VerifyService
	audits     *repository.AuditRepository
	txRepo     *repository.PaymentTransactionRepository
	orderRepo  *repository.OrderRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithConfig(t, testConfig())
}

func newHarnessWithConfig(t *testing.T, cfg *config.Config) *harness {
	t.Helper()

	db := testutil.NewTestDB(t)
	h := &harness{
		db:        db,
		cfg:       cfg,
		gw:        &fakeGateway{},
		notifier:  &fakeNotifier{},
		loyalty:   &fakeLoyalty{},
		audits:    repository.NewAuditRepository(db),
		txRepo:    repository.NewPaymentTransactionRepository(db),
		orderRepo: repository.NewOrderRepository(db),
	}
	sink := audit.NewGormSink(db)
	h.settlement = NewSettlement(db, h.loyalty, h.notifier, sink)
	h.intents = NewIntentService(db, nil, cfg, h.gw, ratelimit.NewTracker(db), sink)
	h.verify = NewVerifyService(db, cfg, h.settlement, sink)
	return h
}

func (h *harness) network() model.NetworkContext {
	return model.NetworkContext{IP: "203.0.113.7", UserAgent: "paysettle-test/1.0"}
}

func (h *harness) createIntent(t *testing.T, order *model.Order, key string) *IntentResponse {
	t.Helper()
	resp, err := h.intents.CreateIntent(context.Background(), &CreateIntentRequest{
		UserID:         order.UserID,
		OrderID:        order.ID,
		ClaimedAmount:  order.AmountInMinorUnits(),
		IdempotencyKey: key,
		Network:        h.network(),
	})
	require.NoError(t, err)
	return resp
}

func (h *harness) verifyRequest(resp *IntentResponse, userID, paymentID string) *VerifyRequest {
	return &VerifyRequest{
		UserID:           userID,
		OrderID:          resp.OrderID,
		GatewayOrderID:   resp.GatewayOrderID,
		GatewayPaymentID: paymentID,
		Signature:        signature.Sign(testSecret, resp.GatewayOrderID, paymentID),
		Network:          h.network(),
	}
}

func (h *harness) auditCount(t *testing.T, eventType string) int64 {
	t.Helper()
	n, err := h.audits.CountByEventType(context.Background(), eventType)
	require.NoError(t, err)
	return n
}

func (h *harness) transactionCount(t *testing.T, orderID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&model.PaymentTransaction{}).Where("order_id = ?", orderID).Count(&n).Error)
	return n
}

func (h *harness) reloadOrder(t *testing.T, id string) *model.Order {
	t.Helper()
	order, err := h.orderRepo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return order
}

func (h *harness) reloadTransaction(t *testing.T, gatewayOrderID string) *model.PaymentTransaction {
	t.Helper()
	var trans model.PaymentTransaction
	require.NoError(t, h.db.Where("gateway_order_id = ?", gatewayOrderID).First(&trans).Error)
	return &trans
}

// barrier 等待 n 个参与者全部到达，超时后放行
func barrier(n int, timeout time.Duration) func() {
	var mu sync.Mutex
	arrived := 0
	release := make(chan struct{})
	return func() {
		mu.Lock()
		arrived++
		if arrived == n {
			close(release)
		}
		mu.Unlock()
		select {
		case <-release:
		case <-time.After(timeout):
		}
	}
}

var errBoom = errors.New("boom")
