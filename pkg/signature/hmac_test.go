package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSign_MatchesReferenceHMAC(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("order_ABCDEFGHIJKLMN|pay_ABCDEFGHIJKLMN"))
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, Sign("secret", "order_ABCDEFGHIJKLMN", "pay_ABCDEFGHIJKLMN"))
}

func TestVerify(t *testing.T) {
	valid := Sign("secret", "order_ABCDEFGHIJKLMN", "pay_ABCDEFGHIJKLMN")

	tests := []struct {
		name      string
		secret    string
		paymentID string
		sig       string
		want      bool
	}{
		{name: "valid", secret: "secret", paymentID: "pay_ABCDEFGHIJKLMN", sig: valid, want: true},
		{name: "tampered payment id", secret: "secret", paymentID: "pay_ABCDEFGHIJKLMX", sig: valid, want: false},
		{name: "wrong secret", secret: "other", paymentID: "pay_ABCDEFGHIJKLMN", sig: valid, want: false},
		{name: "missing secret fails closed", secret: "", paymentID: "pay_ABCDEFGHIJKLMN", sig: Sign("", "order_ABCDEFGHIJKLMN", "pay_ABCDEFGHIJKLMN"), want: false},
		{name: "empty signature", secret: "secret", paymentID: "pay_ABCDEFGHIJKLMN", sig: "", want: false},
		{name: "truncated signature", secret: "secret", paymentID: "pay_ABCDEFGHIJKLMN", sig: valid[:63], want: false},
		{name: "extended signature", secret: "secret", paymentID: "pay_ABCDEFGHIJKLMN", sig: valid + "0", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Verify(tt.secret, "order_ABCDEFGHIJKLMN", tt.paymentID, tt.sig))
		})
	}
}

func TestEqual_LengthMismatch(t *testing.T) {
	assert.False(t, Equal("abc", "abcd"))
	assert.False(t, Equal("abcd", "abc"))
	assert.True(t, Equal("abcd", "abcd"))
	assert.False(t, Equal("abcd", "abce"))
}
