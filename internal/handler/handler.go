package handler

import (
	"errors"

	"paysettle/internal/audit"
	"paysettle/internal/config"
	"paysettle/internal/model"
	"paysettle/internal/ratelimit"
	"paysettle/internal/service"
	"paysettle/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	authService   *service.AuthService
	intentService *service.IntentService
	verifyService *service.VerifyService
	orderService  *service.OrderService
	tracker       *ratelimit.Tracker
	formPolicy    ratelimit.Policy
}

// NewHandler 创建处理器实例；结算状态机由调用方创建，后台对账任务共用同一个实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config, gw service.IntentGateway, settlement *service.Settlement, sink audit.Sink) *Handler {
	tracker := ratelimit.NewTracker(db)
	return &Handler{
		authService:   service.NewAuthService(db, cfg, tracker, sink),
		intentService: service.NewIntentService(db, rdb, cfg, gw, tracker, sink),
		verifyService: service.NewVerifyService(db, cfg, settlement, sink),
		orderService:  service.NewOrderService(db),
		tracker:       tracker,
		formPolicy:    ratelimit.NewPolicy(model.RateLimitScopeForm, cfg.RateLimit.Form),
	}
}

func networkContext(c *gin.Context) model.NetworkContext {
	return model.NetworkContext{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// writeError 把业务错误映射为统一响应
//
// 未知错误只记日志，不把内部信息返回给客户端
func writeError(c *gin.Context, err error) {
	var rl *service.RateLimitedError
	switch {
	case errors.As(err, &rl):
		response.TooManyRequests(c, service.ErrRateLimited.Error(), gin.H{"blocked_until": rl.BlockedUntil})
	case errors.Is(err, service.ErrUnauthorized):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, service.ErrNotFound):
		response.BusinessError(c, response.CodeOrderNotFound, err.Error())
	case errors.Is(err, service.ErrAlreadyPaid):
		response.BusinessError(c, response.CodeAlreadyPaid, err.Error())
	case errors.Is(err, service.ErrAmountMismatch):
		response.BusinessError(c, response.CodeAmountMismatch, err.Error())
	case errors.Is(err, service.ErrOrderClosed), errors.Is(err, service.ErrTransactionFailed):
		response.BusinessError(c, response.CodeOrderClosed, err.Error())
	case errors.Is(err, service.ErrVerificationExpired):
		response.BusinessError(c, response.CodeVerificationExpired, err.Error())
	case errors.Is(err, service.ErrSignatureInvalid):
		response.BusinessError(c, response.CodeVerificationFailed, err.Error())
	case service.IsRetryable(err):
		response.RetryableError(c, response.CodeGatewayUnavailable, err.Error(), nil)
	case errors.Is(err, service.ErrMalformedRequest):
		response.BusinessError(c, response.CodeMalformedRequest, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		response.BusinessError(c, response.CodeInvalidCredentials, err.Error())
	case errors.Is(err, service.ErrStoreConflict):
		response.BusinessError(c, response.CodeBusinessError, "请求冲突，请稍后重试")
	default:
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.Request.URL.Path).Msg("请求处理失败")
		response.ServerError(c, "服务器内部错误")
	}
}

// ============================================================
// 登录相关接口
// ============================================================

type CredentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register 注册
// POST /api/v1/auth/register
func (h *Handler) Register(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	user, err := h.authService.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrStoreConflict) {
			response.BusinessError(c, response.CodeBusinessError, "该邮箱已注册")
			return
		}
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id": user.ID,
		"email":   user.Email,
	})
}

// Login 登录
// POST /api/v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	res, err := h.authService.Login(c.Request.Context(), req.Email, req.Password, networkContext(c))
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, res)
}

// ============================================================
// 支付相关接口
// ============================================================

// CreateIntentRequest 创建支付意图；amount 为客户端展示的金额（最小货币单位），仅用于比对
type CreateIntentRequest struct {
	OrderID  string `json:"order_id" binding:"required"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// CreateIntent 创建支付意图
// POST /api/v1/payment/intents
// Header: Idempotency-Key
func (h *Handler) CreateIntent(c *gin.Context) {
	var req CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	resp, err := h.intentService.CreateIntent(c.Request.Context(), &service.CreateIntentRequest{
		UserID:         currentUserID(c),
		OrderID:        req.OrderID,
		ClaimedAmount:  req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		Network:        networkContext(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, resp)
}

// VerifyPaymentRequest 客户端转交的网关回调参数，格式校验在业务层完成
type VerifyPaymentRequest struct {
	OrderID          string `json:"order_id"`
	GatewayOrderID   string `json:"gateway_order_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	Signature        string `json:"signature"`
}

// VerifyPayment 验签并结算
// POST /api/v1/payment/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	var req VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	res, err := h.verifyService.Verify(c.Request.Context(), &service.VerifyRequest{
		UserID:           currentUserID(c),
		OrderID:          req.OrderID,
		GatewayOrderID:   req.GatewayOrderID,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.Signature,
		Network:          networkContext(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, res)
}

// GetPaymentStatus 查询订单支付状态
// GET /api/v1/payment/orders/:order_id
func (h *Handler) GetPaymentStatus(c *gin.Context) {
	view, err := h.orderService.GetPaymentStatus(c.Request.Context(), currentUserID(c), c.Param("order_id"))
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, view)
}
