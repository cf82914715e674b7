package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xela07ax/agent-signing-gateway/internal/domain"
)

// Limits — конфигурация порогов движка.
type Limits struct {
	MaxTransactionValueUSD float64
	MaxDailyTransactions   int64
	AllowedAddresses       []string // Пустой список = allow-list выключен
	BlockedAddresses       []string
	EthPriceUSD            float64 // Грубый курс для оценки value; в проде — оракул
}

// Селектор approve(address,uint256) и "все единицы" — безлимитный аппрув.
const (
	erc20ApproveSelector = "0x095ea7b3"
	maxUint256Hex        = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	maxUint256Dec        = "115792089237316195423570985008687907853269984665640564039457584007913129639935"
)

// Запросы ключевого материала в тексте на подпись.
var keyExportPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)private\s*key`),
	regexp.MustCompile(`(?i)seed\s*phrase`),
	regexp.MustCompile(`(?i)mnemonic`),
	regexp.MustCompile(`(?i)secret\s*key`),
	regexp.MustCompile(`(?i)(?:export|reveal|dump)\s+(?:the\s+)?(?:\w+\s+)?(?:key|wallet)`),
}

// Типовые формулировки prompt-инъекций: переопределение инструкций,
// эскалация полномочий, срочный обход, bulk-вывод, запрос секретов.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:ignore|disregard|override)\s+(?:all\s+)?(?:previous|prior|all)\s+(?:instructions|rules)`),
	regexp.MustCompile(`(?i)(?:you\s+are|you\s+must)\s+(?:now|actually)\s+(?:a|an)\s+(?:admin|root|system)`),
	regexp.MustCompile(`(?i)(?:emergency|urgent)\s+(?:override|bypass|skip)`),
	regexp.MustCompile(`(?i)(?:transfer|send|drain|withdraw)\s+(?:all|entire|max|everything)`),
	regexp.MustCompile(`(?i)(?:export|reveal|show)\s+(?:the\s+)?(?:private\s+key|seed\s+phrase)`),
}

// defaultRules — каноничный набор в фиксированном порядке приоритета.
// Порядок — часть контракта движка: например, запрос, попадающий и под
// блэклист (PL-010), и под потолок суммы (PL-030), обязан отказаться
// именно по PL-010.
func defaultRules(limits Limits) []Rule {
	blocked := lowerSet(limits.BlockedAddresses)
	allowed := lowerSet(limits.AllowedAddresses)

	return []Rule{
		// 1. Identity-proof подписи одобряются без проверок: они доказывают
		// личность и не двигают ценность.
		{ID: "PL-000", Check: func(req domain.SigningRequest, _ *domain.SessionCounters) *domain.PolicyVerdict {
			if _, ok := req.(*domain.IdentityProofRequest); ok {
				return domain.Approve("Identity proof message — auto-approved")
			}
			return nil
		}},

		// 2. Текст со ссылками на ключевой материал.
		{ID: "PL-001", Check: func(req domain.SigningRequest, _ *domain.SessionCounters) *domain.PolicyVerdict {
			msg, ok := req.(*domain.MessageRequest)
			if !ok {
				return nil
			}
			for _, p := range keyExportPatterns {
				if p.MatchString(msg.Message) {
					return domain.Deny("PL-001", "Message contains private key material reference — signing denied", domain.SeverityCritical, 100)
				}
			}
			return nil
		}},

		// 3. Транзакция на заблокированный адрес.
		{ID: "PL-010", Check: func(req domain.SigningRequest, _ *domain.SessionCounters) *domain.PolicyVerdict {
			tx, ok := req.(*domain.TransactionRequest)
			if !ok || tx.To == "" {
				return nil
			}
			if blocked[strings.ToLower(tx.To)] {
				return domain.Deny("PL-010", fmt.Sprintf("Transaction to blacklisted address: %s", tx.To), domain.SeverityCritical, 95)
			}
			return nil
		}},

		// 4. Транзакция вне allow-list (когда список настроен и непуст).
		{ID: "PL-020", Check: func(req domain.SigningRequest, _ *domain.SessionCounters) *domain.PolicyVerdict {
			tx, ok := req.(*domain.TransactionRequest)
			if !ok || tx.To == "" || len(allowed) == 0 {
				return nil
			}
			if !allowed[strings.ToLower(tx.To)] {
				return domain.Deny("PL-020", fmt.Sprintf("Transaction to non-whitelisted address: %s", tx.To), domain.SeverityHigh, 80)
			}
			return nil
		}},

		// 5. Сумма выше потолка в USD-эквиваленте.
		{ID: "PL-030", Check: func(req domain.SigningRequest, _ *domain.SessionCounters) *domain.PolicyVerdict {
			tx, ok := req.(*domain.TransactionRequest)
			if !ok || tx.Value == "" {
				return nil
			}
			if usd := tx.ValueUSD(limits.EthPriceUSD); usd > limits.MaxTransactionValueUSD {
				return domain.Deny("PL-030",
					fmt.Sprintf("Transaction value $%.2f exceeds limit $%.2f", usd, limits.MaxTransactionValueUSD),
					domain.SeverityHigh, 75)
			}
			return nil
		}},

		// 6. Drain-паттерны в calldata: безлимитный approve.
		{ID: "PL-040", Check: func(req domain.SigningRequest, _ *domain.SessionCounters) *domain.PolicyVerdict {
			tx, ok := req.(*domain.TransactionRequest)
			if !ok || tx.Data == "" {
				return nil
			}
			data := strings.ToLower(tx.Data)
			if strings.HasPrefix(data, erc20ApproveSelector) && strings.Contains(data, maxUint256Hex) {
				return domain.Deny("PL-040", "Unlimited token approval detected — use specific amounts", domain.SeverityCritical, 90)
			}
			return nil
		}},

		// 7. Дневной лимит транзакций агента.
		{ID: "PL-050", Check: func(req domain.SigningRequest, counters *domain.SessionCounters) *domain.PolicyVerdict {
			if _, ok := req.(*domain.TransactionRequest); !ok {
				return nil
			}
			if counters.DailyTxCount >= limits.MaxDailyTransactions {
				return domain.Deny("PL-050",
					fmt.Sprintf("Daily transaction limit reached: %d/%d", counters.DailyTxCount, limits.MaxDailyTransactions),
					domain.SeverityMedium, 60)
			}
			return nil
		}},

		// 8. Prompt-инъекции в тексте на подпись.
		{ID: "PL-060", Check: func(req domain.SigningRequest, _ *domain.SessionCounters) *domain.PolicyVerdict {
			msg, ok := req.(*domain.MessageRequest)
			if !ok {
				return nil
			}
			for _, p := range injectionPatterns {
				if p.MatchString(msg.Message) {
					return domain.Deny("PL-060", "Prompt injection pattern detected in message", domain.SeverityCritical, 85)
				}
			}
			return nil
		}},

		// 9. EIP-2612 Permit с безлимитным value в typed data.
		{ID: "PL-070", Check: func(req domain.SigningRequest, _ *domain.SessionCounters) *domain.PolicyVerdict {
			td, ok := req.(*domain.TypedDataRequest)
			if !ok || td.TypedJSON == "" {
				return nil
			}
			var typed struct {
				PrimaryType string `json:"primaryType"`
				Message     struct {
					Value string `json:"value"`
				} `json:"message"`
			}
			if err := json.Unmarshal([]byte(td.TypedJSON), &typed); err != nil {
				return nil // Не JSON — пропускаем, это не наш уровень валидации
			}
			if typed.PrimaryType == "Permit" && typed.Message.Value == maxUint256Dec {
				return domain.Deny("PL-070", "Unlimited Permit detected — this allows anyone to drain your tokens", domain.SeverityCritical, 95)
			}
			return nil
		}},
	}
}

func lowerSet(addrs []string) map[string]bool {
	set := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if a = strings.TrimSpace(a); a != "" {
			set[strings.ToLower(a)] = true
		}
	}
	return set
}
