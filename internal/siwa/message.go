package siwa

/*
Файл message.go реализует кодек SIWA-сообщений (Sign-In With Agent,
формат EIP-4361, адаптированный для агентских аккаунтов).

Кодек отвечает ровно на один вопрос: корректно ли сообщение СОБРАНО.
Никакой криптографии и никаких мнений о том, стоит ли сообщению доверять —
это зона ответственности verifier.go.

Формат:

	{domain} wants you to sign in with your agent account:
	{address}

	{statement}

	URI: {uri}
	Version: {version}
	Chain ID: {chainId}
	Nonce: {nonce}
	Issued At: {issuedAt}
	Expiration Time: {expirationTime}
	Agent ID: {agentId}
	Agent Registry: {agentRegistry}

Serialize — точная инверсия Parse: подписанное сообщение неизменяемо,
поэтому сериализация обязана побайтово воспроизводить подписанный текст.
*/

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xela07ax/agent-signing-gateway/internal/domain"
)

// DefaultChainID — Base mainnet, сеть по умолчанию если поле Chain ID опущено.
const DefaultChainID int64 = 8453

var (
	intentLineRe = regexp.MustCompile(`^(.+) wants you to sign in with your agent account:$`)
	kvLineRe     = regexp.MustCompile(`^([A-Za-z][A-Za-z ]*?):\s+(.+)$`)
)

// Parse разбирает текст SIWA-сообщения в структуру.
// Ошибка (ErrMalformed) возвращается при: отсутствии intent-строки с доменом,
// некорректном адресе кошелька, отсутствии обязательного KV-поля
// (Nonce, Issued At, Agent ID) или неразбираемом таймстемпе.
func Parse(message string) (*domain.IdentityMessage, error) {
	lines := strings.Split(message, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], "\r")
	}

	if len(lines) < 2 {
		return nil, fmt.Errorf("%w: too few lines", ErrMalformed)
	}

	intent := intentLineRe.FindStringSubmatch(lines[0])
	if intent == nil {
		return nil, fmt.Errorf("%w: missing domain intent line", ErrMalformed)
	}

	address := strings.TrimSpace(lines[1])
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: invalid wallet address %q", ErrMalformed, address)
	}

	fields := make(map[string]string)
	var statement []string
	for _, line := range lines[2:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if kv := kvLineRe.FindStringSubmatch(line); kv != nil {
			key := strings.ToLower(strings.Join(strings.Fields(kv[1]), "_"))
			fields[key] = kv[2]
			continue
		}
		statement = append(statement, line)
	}

	for _, required := range []string{"nonce", "issued_at", "agent_id"} {
		if fields[required] == "" {
			return nil, fmt.Errorf("%w: missing required field %q", ErrMalformed, required)
		}
	}

	issuedAt, err := time.Parse(time.RFC3339, fields["issued_at"])
	if err != nil {
		return nil, fmt.Errorf("%w: bad Issued At timestamp: %v", ErrMalformed, err)
	}

	var expirationAt time.Time
	if raw, ok := fields["expiration_time"]; ok {
		expirationAt, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad Expiration Time timestamp: %v", ErrMalformed, err)
		}
	}

	chainID := DefaultChainID
	if raw, ok := fields["chain_id"]; ok {
		chainID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad Chain ID: %v", ErrMalformed, err)
		}
	}

	return &domain.IdentityMessage{
		Domain:        intent[1],
		Address:       address,
		AgentID:       fields["agent_id"],
		AgentRegistry: fields["agent_registry"],
		ChainID:       chainID,
		Nonce:         fields["nonce"],
		IssuedAt:      issuedAt,
		ExpirationAt:  expirationAt,
		Statement:     strings.Join(statement, " "),
		URI:           fields["uri"],
		Version:       fields["version"],
	}, nil
}

// Serialize собирает каноничный текст сообщения для подписи.
func Serialize(m *domain.IdentityMessage) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s wants you to sign in with your agent account:\n", m.Domain)
	b.WriteString(m.Address)
	b.WriteString("\n")

	if m.Statement != "" {
		fmt.Fprintf(&b, "\n%s\n", m.Statement)
	}
	b.WriteString("\n")

	if m.URI != "" {
		fmt.Fprintf(&b, "URI: %s\n", m.URI)
	}
	if m.Version != "" {
		fmt.Fprintf(&b, "Version: %s\n", m.Version)
	}
	fmt.Fprintf(&b, "Chain ID: %d\n", m.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", m.Nonce)
	fmt.Fprintf(&b, "Issued At: %s\n", m.IssuedAt.Format(time.RFC3339))
	if m.HasExpiration() {
		fmt.Fprintf(&b, "Expiration Time: %s\n", m.ExpirationAt.Format(time.RFC3339))
	}
	if m.AgentRegistry != "" {
		fmt.Fprintf(&b, "Agent Registry: %s\n", m.AgentRegistry)
	}
	fmt.Fprintf(&b, "Agent ID: %s", m.AgentID)

	return b.String()
}
