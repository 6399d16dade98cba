package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"paysettle/internal/audit"
	"paysettle/internal/config"
	"paysettle/internal/model"
	"paysettle/internal/ratelimit"
	"paysettle/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	tokenIssuer       = "paysettle"
	minPasswordLength = 8
)

// 账号不存在时也跑一次 bcrypt，避免通过响应时间探测邮箱是否注册
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("paysettle-dummy-password"), bcrypt.DefaultCost)

type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
}

// AuthService 登录与令牌
type AuthService struct {
	userRepo  *repository.UserRepository
	tracker   *ratelimit.Tracker
	policy    ratelimit.Policy
	sink      audit.Sink
	jwtSecret []byte
	jwtTTL    time.Duration
	now       func() time.Time
}

func NewAuthService(db *gorm.DB, cfg *config.Config, tracker *ratelimit.Tracker, sink audit.Sink) *AuthService {
	return &AuthService{
		userRepo:  repository.NewUserRepository(db),
		tracker:   tracker,
		policy:    ratelimit.NewPolicy(model.RateLimitScopeLogin, cfg.RateLimit.Login),
		sink:      sink,
		jwtSecret: []byte(cfg.Security.JWTSecret),
		jwtTTL:    cfg.Security.JWTTTL,
		now:       time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register 创建本地用户
func (s *AuthService) Register(ctx context.Context, email, password string) (*model.User, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || len(password) < minPasswordLength {
		return nil, ErrMalformedRequest
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("密码加密失败: %w", err)
	}

	user := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrStoreConflict
		}
		return nil, err
	}
	return user, nil
}

// Login 校验密码并签发令牌
//
// 【关键点】账号维度和 IP 维度分别计数，任一被封禁即拒绝；
// 邮箱不存在与密码错误返回同一个错误
func (s *AuthService) Login(ctx context.Context, email, password string, network model.NetworkContext) (*LoginResult, error) {
	if len(s.jwtSecret) == 0 {
		return nil, errors.New("未配置 JWT 密钥")
	}

	email = normalizeEmail(email)
	identities := []string{"account:" + email}
	if network.IP != "" {
		identities = append(identities, "ip:"+network.IP)
	}

	for _, identity := range identities {
		d, err := s.tracker.CheckAllowed(ctx, s.policy, identity)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("identity", identity).Msg("[Auth] 限流检查失败")
			continue
		}
		if !d.Allowed {
			s.sink.Record(ctx, audit.Event{
				Type:     audit.EventLoginBlocked,
				Identity: identity,
				Detail:   map[string]interface{}{"email": email, "blocked_until": d.BlockedUntil},
				Network:  network,
			})
			rl := &RateLimitedError{Scope: s.policy.Scope}
			if d.BlockedUntil != nil {
				rl.BlockedUntil = *d.BlockedUntil
			}
			return nil, rl
		}
	}

	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}

	hash := dummyHash
	if user != nil {
		hash = []byte(user.PasswordHash)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil || user == nil {
		s.recordFailure(ctx, email, identities, network)
		return nil, ErrInvalidCredentials
	}

	for _, identity := range identities {
		if err := s.tracker.RecordSuccess(ctx, s.policy, identity); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("identity", identity).Msg("[Auth] 重置限流计数失败")
		}
	}

	token, expiresAt, err := s.issueToken(user.ID)
	if err != nil {
		return nil, err
	}

	s.sink.Record(ctx, audit.Event{
		Type:     audit.EventLoginSuccess,
		Identity: user.ID,
		Detail:   map[string]interface{}{"email": email},
		Network:  network,
	})
	return &LoginResult{Token: token, ExpiresAt: expiresAt, UserID: user.ID}, nil
}

func (s *AuthService) recordFailure(ctx context.Context, email string, identities []string, network model.NetworkContext) {
	detail := map[string]interface{}{"email": email}
	for _, identity := range identities {
		d, err := s.tracker.RecordFailure(ctx, s.policy, identity)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("identity", identity).Msg("[Auth] 记录登录失败出错")
			continue
		}
		detail[identity] = map[string]interface{}{
			"state":              d.State,
			"attempts_remaining": d.AttemptsRemaining,
		}
	}
	s.sink.Record(ctx, audit.Event{
		Type:     audit.EventLoginFailed,
		Identity: "account:" + email,
		Detail:   detail,
		Network:  network,
	})
}

func (s *AuthService) issueToken(userID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.jwtTTL)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("签发令牌失败: %w", err)
	}
	return token, expiresAt, nil
}

// ParseToken 校验令牌并返回用户ID
func (s *AuthService) ParseToken(tokenString string) (string, error) {
	if len(s.jwtSecret) == 0 || tokenString == "" {
		return "", ErrUnauthorized
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}
