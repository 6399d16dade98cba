// Package signature 网关回调签名计算与校验
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Sign 计算 HMAC_SHA256(secret, gatewayOrderID + "|" + gatewayPaymentID)，返回小写十六进制
func Sign(secret, gatewayOrderID, gatewayPaymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gatewayOrderID + "|" + gatewayPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal 常数时间比较
//
// 长度不同直接返回 false；长度相同时逐字节比较完整个串，不因首个差异提前退出
func Equal(expected, actual string) bool {
	if len(expected) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}

// Verify 校验签名，密钥缺失或签名为空一律视为失败
func Verify(secret, gatewayOrderID, gatewayPaymentID, sig string) bool {
	if secret == "" || sig == "" {
		return false
	}
	return Equal(Sign(secret, gatewayOrderID, gatewayPaymentID), sig)
}
