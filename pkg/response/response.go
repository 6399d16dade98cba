package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess         = 0
	CodeParamError      = 400
	CodeUnauthorized    = 401
	CodeForbidden       = 403
	CodeNotFound        = 404
	CodeTooManyRequests = 429
	CodeServerError     = 500
	CodeBusinessError   = 1000
)

const (
	CodeOrderNotFound       = 1001
	CodeAlreadyPaid         = 1002
	CodeAmountMismatch      = 1003
	CodeOrderClosed         = 1004
	CodeVerificationExpired = 1005
	CodeVerificationFailed  = 1006
	CodeGatewayUnavailable  = 1007
	CodeInvalidCredentials  = 1008
	CodeMalformedRequest    = 1009
)

type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// ErrorWithData 业务错误附带数据，例如封禁截止时间
func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

// RetryableError 上游暂时不可用，客户端应使用相同幂等键重试
func RetryableError(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:      code,
		Message:   message,
		Data:      data,
		Retryable: true,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func Unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
		Code:    CodeUnauthorized,
		Message: message,
	})
}

// TooManyRequests 限流拒绝，HTTP 状态码同样为 429
func TooManyRequests(c *gin.Context, message string, data interface{}) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, Response{
		Code:    CodeTooManyRequests,
		Message: message,
		Data:    data,
	})
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
