package service

import (
	"errors"
	"fmt"
	"time"
)

// 对外错误分类
//
// 返回给用户的文案刻意比内部分类更模糊：订单不存在与订单不属于调用者使用同一个错误
var (
	ErrUnauthorized        = errors.New("未登录或登录已过期")
	ErrNotFound            = errors.New("订单不存在")
	ErrAmountMismatch      = errors.New("支付金额与订单不一致")
	ErrAlreadyPaid         = errors.New("订单已支付")
	ErrOrderClosed         = errors.New("订单支付已关闭")
	ErrMalformedRequest    = errors.New("请求参数格式错误")
	ErrVerificationExpired = errors.New("支付验证已过期，请重新发起支付")
	ErrSignatureInvalid    = errors.New("支付验证失败")
	ErrTransactionFailed   = errors.New("该笔支付已失败，请重新发起支付")
	ErrGatewayTimeout      = errors.New("支付网关超时，请使用相同的幂等键重试")
	ErrGatewayError        = errors.New("支付网关异常，请使用相同的幂等键重试")
	ErrStoreConflict       = errors.New("并发写入冲突")
	ErrRateLimited         = errors.New("尝试次数过多，请稍后再试")
	ErrInvalidCredentials  = errors.New("邮箱或密码错误")
)

// RateLimitedError 携带封禁截止时间，errors.Is(err, ErrRateLimited) 成立
type RateLimitedError struct {
	Scope        string
	BlockedUntil time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s（%s 前不可用）", ErrRateLimited.Error(), e.BlockedUntil.Format(time.RFC3339))
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// IsRetryable 网关类错误，客户端应保留原幂等键重试
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayTimeout) || errors.Is(err, ErrGatewayError)
}
