package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/agent-signing-gateway/internal/domain"
)

// DefaultTTL — время жизни сессионного токена.
const DefaultTTL = time.Hour

var (
	ErrTokenInvalid = errors.New("session: invalid token")
	ErrTokenExpired = errors.New("session: token expired")
)

// TokenService выпускает и проверяет компактные сессионные токены (HS256).
// Токен несет уровень доверия внутри себя, поэтому проверка — чисто
// локальная операция: ни сессионного стора, ни сети. Именно это делает
// обработку запросов дешевой после единственной дорогой trust-резолюции.
type TokenService struct {
	secret []byte
	ttl    time.Duration

	now func() time.Time // Для тестов
}

func NewTokenService(secret []byte, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TokenService{secret: secret, ttl: ttl, now: time.Now}
}

// Issue связывает профиль доверия в подписанный токен.
func (s *TokenService) Issue(profile *domain.TrustProfile) (token string, expiresAt time.Time, err error) {
	now := s.now()
	expiresAt = now.Add(s.ttl)

	claims := &domain.SessionClaims{
		WalletAddress: profile.WalletAddress,
		Tier:          profile.Tier,
		TrustScore:    profile.TrustScore,
		IsOperative:   profile.IsOperative,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "agent-signing-gateway",
			Subject:   profile.AgentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify пересчитывает подпись и проверяет срок действия.
// Сравнение подписи внутри jwt — константное по времени (HMAC).
func (s *TokenService) Verify(tokenStr string) (*domain.SessionClaims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))

	token, err := jwt.ParseWithClaims(tokenStr, &domain.SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil || !token.Valid:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*domain.SessionClaims)
	if !ok {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// TTL — настроенное время жизни (для ответа аутентификации).
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}
