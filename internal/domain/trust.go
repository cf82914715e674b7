package domain

// TrustTier — упорядоченная классификация доверия агента.
// Порядок имеет значение: каждый следующий уровень расширяет права.
type TrustTier string

const (
	TierBlocked   TrustTier = "BLOCKED"   // Ручная блокировка (kill-switch уровня реестра)
	TierDanger    TrustTier = "DANGER"    // Спуфинг или счет <= 20
	TierWarning   TrustTier = "WARNING"   // Незарегистрирован / счет <= 40
	TierCaution   TrustTier = "CAUTION"   // Нейтральный уровень, счет <= 60
	TierTrusted   TrustTier = "TRUSTED"   // Счет > 60
	TierOperative TrustTier = "OPERATIVE" // Держатель бейджа, перекрывает числовой счет
)

// tierRank задает порядок уровней для сравнения.
var tierRank = map[TrustTier]int{
	TierBlocked:   0,
	TierDanger:    1,
	TierWarning:   2,
	TierCaution:   3,
	TierTrusted:   4,
	TierOperative: 5,
}

// Rank возвращает позицию уровня в иерархии (BLOCKED=0 ... OPERATIVE=5).
func (t TrustTier) Rank() int {
	return tierRank[t]
}

// AtLeast — true, если текущий уровень не ниже требуемого.
func (t TrustTier) AtLeast(min TrustTier) bool {
	return tierRank[t] >= tierRank[min]
}

// ScoreToTier распределяет численный счет (0-100) по уровням.
// Пороговые значения фиксированы, оверрайд Operative применяется отдельно.
func ScoreToTier(score int) TrustTier {
	switch {
	case score <= 20:
		return TierDanger
	case score <= 40:
		return TierWarning
	case score <= 60:
		return TierCaution
	default:
		return TierTrusted
	}
}

// TrustProfile — результат разрешения доверия для одной аутентификации.
// Живет не дольше сессии: при новой аутентификации пересчитывается заново.
type TrustProfile struct {
	AgentID       string    `json:"agent_id"`
	WalletAddress string    `json:"wallet_address"`
	Tier          TrustTier `json:"tier"`
	TrustScore    int       `json:"trust_score"` // 0-100
	IsOperative   bool      `json:"is_operative"`
	StakingTier   string    `json:"staking_tier,omitempty"` // None/Observer/Operative/Senior/Commander

	// Компоненты итогового счета
	ReputationCount int `json:"reputation_count"`
	ReputationScore int `json:"reputation_score"` // 0-100, прокси репутации
	ValidationScore int `json:"validation_score"` // 0-100, бонус от стейкинга
}
