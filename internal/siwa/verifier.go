package siwa

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/xela07ax/agent-signing-gateway/internal/domain"
)

// DefaultMaxAge — максимальный возраст сообщения с момента Issued At.
const DefaultMaxAge = 5 * time.Minute

// VerifyOptions — контекст проверки со стороны шлюза.
type VerifyOptions struct {
	Domain string        // Собственный домен шлюза
	Nonce  string        // Nonce, который шлюз выдал этому клиенту
	MaxAge time.Duration // 0 -> DefaultMaxAge

	// Now подменяется в тестах для граничных проверок возраста.
	Now func() time.Time
}

// VerifiedIdentity — результат успешной локальной проверки: агент доказал
// контроль над кошельком. Владеет ли кошелек заявленным Agent ID — решает
// уже trust-резолвер по данным реестра.
type VerifiedIdentity struct {
	Address string
	AgentID string
	ChainID int64
	Message *domain.IdentityMessage
}

// Verify выполняет цепочку проверок, обрываясь на первой неудаче:
// парсинг → домен → nonce → свежесть → Expiration Time → подпись.
// Каждая ступень проваливается своей именованной ошибкой.
//
// Операция полностью локальная — ни сети, ни реестров. Дорогие on-chain
// проверки выполняются один раз на сессию в trust-резолвере, а не здесь.
func Verify(message, signature string, opts VerifyOptions) (*VerifiedIdentity, error) {
	parsed, err := Parse(message)
	if err != nil {
		return nil, err
	}

	if parsed.Domain != opts.Domain {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrDomainMismatch, opts.Domain, parsed.Domain)
	}

	if parsed.Nonce != opts.Nonce {
		return nil, fmt.Errorf("%w: possible replay attempt", ErrNonceMismatch)
	}

	now := time.Now()
	if opts.Now != nil {
		now = opts.Now()
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	// Граница включительная: ровно maxAge — еще свежее.
	if age := now.Sub(parsed.IssuedAt); age > maxAge {
		return nil, fmt.Errorf("%w: issued %s ago, max %s", ErrStaleMessage, age.Round(time.Second), maxAge)
	}

	if parsed.HasExpiration() && now.After(parsed.ExpirationAt) {
		return nil, fmt.Errorf("%w: expired at %s", ErrExpiredMessage, parsed.ExpirationAt.Format(time.RFC3339))
	}

	recovered, err := RecoverAddress(message, signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if !strings.EqualFold(recovered, parsed.Address) {
		return nil, fmt.Errorf("%w: recovered %s, claimed %s", ErrSignatureMismatch, recovered, parsed.Address)
	}

	return &VerifiedIdentity{
		Address: parsed.Address,
		AgentID: parsed.AgentID,
		ChainID: parsed.ChainID,
		Message: parsed,
	}, nil
}

// RecoverAddress восстанавливает адрес подписанта из EIP-191 подписи
// (personal_sign: префикс "\x19Ethereum Signed Message:\n" + длина).
func RecoverAddress(message, signature string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return "", fmt.Errorf("bad signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("bad signature length: %d", len(sig))
	}

	// Кошельки отдают V как 27/28, go-ethereum ждет 0/1
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("pubkey recovery failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey).Hex(), nil
}
