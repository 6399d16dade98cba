package handler

import (
	"net/http"
	"strings"
	"time"

	"paysettle/internal/ratelimit"
	"paysettle/internal/service"
	"paysettle/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDHeader = "X-Request-ID"
	ctxKeyUserID    = "user_id"
)

// LoggerMiddleware 请求日志，为每个请求生成 request_id 并放入 context 中的 logger
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		logger := log.With().Str("request_id", requestID).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))

		c.Next()

		if query != "" {
			path = path + "?" + query
		}

		status := c.Writer.Status()
		event := logger.Info()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Msg("[HTTP]")
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				zerolog.Ctx(c.Request.Context()).Error().
					Interface("panic", err).
					Str("path", c.Request.URL.Path).
					Msg("[PANIC]")
				c.AbortWithStatusJSON(http.StatusInternalServerError, response.Response{
					Code:    response.CodeServerError,
					Message: "服务器内部错误",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, Idempotency-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// AuthMiddleware 解析 Bearer 令牌并写入 user_id
//
// 令牌缺失或无效时不在这里拦截，业务层拿到空 user_id 会拒绝并记录审计
func AuthMiddleware(auth *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != "" && token != header {
			if userID, err := auth.ParseToken(token); err == nil {
				c.Set(ctxKeyUserID, userID)
			}
		}
		c.Next()
	}
}

// FormRateLimitMiddleware 表单提交节流：固定窗口内按 IP 计数
func FormRateLimitMiddleware(tracker *ratelimit.Tracker, policy ratelimit.Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := "ip:" + c.ClientIP()
		d, err := tracker.Hit(c.Request.Context(), policy, identity)
		if err != nil {
			zerolog.Ctx(c.Request.Context()).Warn().Err(err).Str("identity", identity).Msg("表单限流计数失败")
			c.Next()
			return
		}
		if !d.Allowed {
			response.TooManyRequests(c, service.ErrRateLimited.Error(), gin.H{"blocked_until": d.BlockedUntil})
			return
		}
		c.Next()
	}
}

func currentUserID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}
