package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"paysettle/internal/audit"
	"paysettle/internal/model"
	"paysettle/internal/ratelimit"
	"paysettle/internal/repository"
	"paysettle/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthService(t *testing.T) (*AuthService, *repository.AuditRepository) {
	t.Helper()
	db := testutil.NewTestDB(t)
	svc := NewAuthService(db, testConfig(), ratelimit.NewTracker(db), audit.NewGormSink(db))
	return svc, repository.NewAuditRepository(db)
}

func TestLogin_IssuesToken(t *testing.T) {
	svc, audits := newAuthService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, " Buyer@Example.com ", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", user.Email)

	res, err := svc.Login(ctx, "buyer@example.com", "correct-horse", model.NetworkContext{IP: "198.51.100.1"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.UserID)
	assert.NotEmpty(t, res.Token)

	userID, err := svc.ParseToken(res.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)

	n, err := audits.CountByEventType(ctx, audit.EventLoginSuccess)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLogin_UnknownEmailAndWrongPasswordLookTheSame(t *testing.T) {
	svc, _ := newAuthService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "buyer@example.com", "correct-horse")
	require.NoError(t, err)

	_, errWrong := svc.Login(ctx, "buyer@example.com", "battery-staple", model.NetworkContext{})
	_, errUnknown := svc.Login(ctx, "nobody@example.com", "battery-staple", model.NetworkContext{})

	assert.ErrorIs(t, errWrong, ErrInvalidCredentials)
	assert.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	assert.Equal(t, errWrong.Error(), errUnknown.Error())
}

func TestLogin_BlocksAfterRepeatedFailures(t *testing.T) {
	svc, audits := newAuthService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "buyer@example.com", "correct-horse")
	require.NoError(t, err)

	network := model.NetworkContext{IP: "198.51.100.9"}
	for i := 0; i < 5; i++ {
		_, err := svc.Login(ctx, "buyer@example.com", "guess", network)
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// 正确密码也被拒绝
	_, err = svc.Login(ctx, "buyer@example.com", "correct-horse", network)
	require.ErrorIs(t, err, ErrRateLimited)

	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), rl.BlockedUntil, time.Minute)

	n, err := audits.CountByEventType(ctx, audit.EventLoginBlocked)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// IP 维度同样封禁，换账号也无效
	_, err = svc.Register(ctx, "second@example.com", "correct-horse")
	require.NoError(t, err)
	_, err = svc.Login(ctx, "second@example.com", "correct-horse", network)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestLogin_SuccessResetsCounter(t *testing.T) {
	svc, _ := newAuthService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "buyer@example.com", "correct-horse")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := svc.Login(ctx, "buyer@example.com", "guess", model.NetworkContext{})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err = svc.Login(ctx, "buyer@example.com", "correct-horse", model.NetworkContext{})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := svc.Login(ctx, "buyer@example.com", "guess", model.NetworkContext{})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err = svc.Login(ctx, "buyer@example.com", "correct-horse", model.NetworkContext{})
	assert.NoError(t, err)
}

func TestRegister_Validation(t *testing.T) {
	svc, _ := newAuthService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "not-an-email", "correct-horse")
	assert.ErrorIs(t, err, ErrMalformedRequest)
	_, err = svc.Register(ctx, "buyer@example.com", "short")
	assert.ErrorIs(t, err, ErrMalformedRequest)

	_, err = svc.Register(ctx, "buyer@example.com", "correct-horse")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "BUYER@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrStoreConflict)
}

func TestParseToken_RejectsInvalidTokens(t *testing.T) {
	svc, _ := newAuthService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "buyer@example.com", "correct-horse")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := svc.Login(ctx, "buyer@example.com", "correct-horse", model.NetworkContext{})
	require.NoError(t, err)
	svc.now = time.Now

	fresh, err := svc.Login(ctx, "buyer@example.com", "correct-horse", model.NetworkContext{})
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"空令牌", ""},
		{"已过期", expired.Token},
		{"篡改签名", fresh.Token[:len(fresh.Token)-2] + "xx"},
		{"非JWT", "definitely.not.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ParseToken(tt.token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}

	other := &AuthService{jwtSecret: []byte("another-secret"), now: time.Now}
	_, err = other.ParseToken(fresh.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
