package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// RequestKind — вид запроса на подпись. Закрытое множество: каждый вид
// несет только свои поля, что делает проверки политик исчерпывающими.
type RequestKind string

const (
	KindTransaction   RequestKind = "transaction"
	KindMessage       RequestKind = "message"
	KindTypedData     RequestKind = "typedData"
	KindIdentityProof RequestKind = "siwa"
)

// SigningRequest — то, что авторизуется. Живет ровно одну оценку политики,
// никогда не персистится.
type SigningRequest interface {
	Kind() RequestKind
}

// TransactionRequest — запрос на подпись транзакции.
type TransactionRequest struct {
	To      string // Адрес получателя
	Value   string // Wei, десятичная строка (как отдает агентский SDK)
	Data    string // Calldata, hex с префиксом 0x
	ChainID int64
}

func (r *TransactionRequest) Kind() RequestKind { return KindTransaction }

// ValueUSD оценивает стоимость транзакции в долларах по переданному курсу.
// Курс берется из конфига (в проде — из оракула).
func (r *TransactionRequest) ValueUSD(ethPriceUSD float64) float64 {
	if r.Value == "" {
		return 0
	}
	wei, ok := new(big.Int).SetString(strings.TrimPrefix(r.Value, "0x"), weiBase(r.Value))
	if !ok {
		return 0
	}
	eth := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18))
	usd, _ := new(big.Float).Mul(eth, big.NewFloat(ethPriceUSD)).Float64()
	return usd
}

func weiBase(v string) int {
	if strings.HasPrefix(v, "0x") {
		return 16
	}
	return 10
}

// MessageRequest — подпись произвольного текста (personal_sign).
type MessageRequest struct {
	Message string
}

func (r *MessageRequest) Kind() RequestKind { return KindMessage }

// TypedDataRequest — подпись EIP-712 структуры.
type TypedDataRequest struct {
	TypedJSON string // Сырой JSON typed data, парсится только правилами политики
}

func (r *TypedDataRequest) Kind() RequestKind { return KindTypedData }

// IdentityProofRequest — подпись аутентификационного сообщения.
// Не двигает ценность, политикой одобряется безусловно.
type IdentityProofRequest struct {
	Domain  string
	Address string
	AgentID string
	Nonce   string
}

func (r *IdentityProofRequest) Kind() RequestKind { return KindIdentityProof }

// SignEnvelope — транспортная форма запроса: один JSON-объект с тегом type.
// Decode превращает его в закрытый вариант SigningRequest.
type SignEnvelope struct {
	Type    string `json:"type"`
	To      string `json:"to,omitempty"`
	Value   string `json:"value,omitempty"`
	Data    string `json:"data,omitempty"`
	ChainID int64  `json:"chainId,omitempty"`

	Message string `json:"message,omitempty"`

	TypedData json.RawMessage `json:"typedData,omitempty"`

	Domain   string `json:"domain,omitempty"`
	Address  string `json:"address,omitempty"`
	AgentID  string `json:"agentId,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
	IssuedAt string `json:"issuedAt,omitempty"`
}

// Decode валидирует тег и собирает типизированный запрос.
func (e *SignEnvelope) Decode() (SigningRequest, error) {
	switch RequestKind(e.Type) {
	case KindTransaction:
		return &TransactionRequest{To: e.To, Value: e.Value, Data: e.Data, ChainID: e.ChainID}, nil
	case KindMessage:
		return &MessageRequest{Message: e.Message}, nil
	case KindTypedData:
		return &TypedDataRequest{TypedJSON: string(e.TypedData)}, nil
	case KindIdentityProof:
		return &IdentityProofRequest{Domain: e.Domain, Address: e.Address, AgentID: e.AgentID, Nonce: e.Nonce}, nil
	default:
		return nil, fmt.Errorf("unknown signing request type: %q", e.Type)
	}
}

// AgentKey — ключ агента для счетчиков и аудита.
func (e *SignEnvelope) AgentKey() string {
	if e.Address != "" {
		return strings.ToLower(e.Address)
	}
	if e.AgentID != "" {
		return e.AgentID
	}
	return "unknown"
}
