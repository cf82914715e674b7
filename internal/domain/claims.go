package domain

import "github.com/golang-jwt/jwt/v5"

// SessionClaims — полезная нагрузка сессионного токена.
// Subject (sub) — идентификатор агента. Токен самодостаточен:
// проверка валидности не требует ни сессионного стора, ни сети.
type SessionClaims struct {
	WalletAddress string    `json:"addr"`
	Tier          TrustTier `json:"tier"`
	TrustScore    int       `json:"score"`
	IsOperative   bool      `json:"op"`
	jwt.RegisteredClaims
}

// AgentID — удобный доступ к subject.
func (c *SessionClaims) AgentID() string {
	return c.Subject
}
