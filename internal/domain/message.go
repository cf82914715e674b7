package domain

import "time"

// IdentityMessage — структурированное challenge-сообщение (формат EIP-4361,
// адаптированный для агентов), которое агент подписывает своим кошельком.
// После подписи сообщение неизменяемо: сериализация обязана побайтово
// совпадать с тем, что было подписано.
type IdentityMessage struct {
	Domain        string // Чей это шлюз ("api.example.com")
	Address       string // Кошелек агента (EIP-55 checksum не требуем, сравнение case-insensitive)
	AgentID       string // Идентификатор агента в Identity Registry (tokenId)
	AgentRegistry string // Адрес контракта Identity Registry
	ChainID       int64
	Nonce         string
	IssuedAt      time.Time
	ExpirationAt  time.Time // Нулевое значение — поле отсутствует
	Statement     string    // Опциональный свободный текст
	URI           string
	Version       string
}

// HasExpiration — указано ли опциональное поле Expiration Time.
func (m *IdentityMessage) HasExpiration() bool {
	return !m.ExpirationAt.IsZero()
}
