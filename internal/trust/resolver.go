package trust

/*
Файл resolver.go превращает криптографически проверенную личность
(siwa.VerifiedIdentity) в профиль доверия (domain.TrustProfile).

Это единственное место, где шлюз ходит в сеть при аутентификации,
и вызывается оно ровно один раз на новую сессию — дальше уровень
доверия едет внутри сессионного токена.

Каждый под-запрос, кроме проверки владения, best-effort: сбой деградирует
счет до нейтрального дефолта, а не роняет всю резолюцию. Проверка владения —
обязательная: подпись от кошелька, который НЕ владеет заявленным agent ID,
это спуфинг личности, и профиль принудительно падает в DANGER/0 без
дальнейших запросов.
*/

import (
	"context"
	"math/big"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-signing-gateway/internal/domain"
	"github.com/xela07ax/agent-signing-gateway/internal/siwa"
)

// Registry — узкий читающий интерфейс к внешним реестрам.
// Реализуется клиентом erc8004, в тестах — стабом.
type Registry interface {
	OwnerOf(ctx context.Context, agentID *big.Int) (common.Address, error)
	ReputationSummary(ctx context.Context, agentID *big.Int) (count uint64, value *big.Int, decimals uint8, err error)
	IsOperative(ctx context.Context, wallet common.Address) (bool, error)
	StakeTier(ctx context.Context, wallet common.Address) (int, error)
}

// Веса компонент итогового счета. Прокси репутации доминирует,
// стейкинг-валидция добавляет хвост.
const (
	reputationWeight = 0.85
	validationWeight = 0.15
)

// Нейтральные дефолты: отсутствие данных — не ноль.
const (
	defaultReputationScore = 50
	defaultValidationScore = 30
)

// Имена уровней стейкинга в порядке контракта.
var stakingTierNames = []string{"None", "Observer", "Operative", "Senior", "Commander"}

type Resolver struct {
	registry Registry
	logger   *zap.Logger
}

func NewResolver(registry Registry, logger *zap.Logger) *Resolver {
	return &Resolver{
		registry: registry,
		logger:   logger.Named("trust"),
	}
}

// Resolve собирает профиль доверия из четырех реестровых чтений.
// Ошибки не возвращает: любой исход выражается самим профилем.
func (r *Resolver) Resolve(ctx context.Context, identity *siwa.VerifiedIdentity) *domain.TrustProfile {
	profile := &domain.TrustProfile{
		AgentID:         identity.AgentID,
		WalletAddress:   identity.Address,
		Tier:            domain.TierCaution,
		TrustScore:      50,
		ReputationScore: defaultReputationScore,
		ValidationScore: defaultValidationScore,
	}
	wallet := common.HexToAddress(identity.Address)

	// --- Обязательная проверка владения ---
	agentID, ok := new(big.Int).SetString(identity.AgentID, 10)
	if !ok {
		// Нечисловой ID заведомо не зарегистрирован
		profile.Tier = domain.TierWarning
		profile.TrustScore = 20
		return profile
	}

	owner, err := r.ownerOf(ctx, agentID)
	if err != nil {
		// Незарегистрированный ID и недоступный реестр здесь сознательно
		// не различаются: оба деградируют в WARNING, не в DANGER.
		r.logger.Warn("identity registry lookup failed",
			zap.String("agent_id", identity.AgentID), zap.Error(err))
		profile.Tier = domain.TierWarning
		profile.TrustScore = 20
		return profile
	}
	if owner != wallet {
		// Подпись валидна, но кошелек не владеет заявленным agent ID.
		// Спуфинг: дальше не смотрим.
		r.logger.Warn("identity spoofing detected",
			zap.String("agent_id", identity.AgentID),
			zap.String("claimed", identity.Address),
			zap.String("owner", owner.Hex()))
		profile.Tier = domain.TierDanger
		profile.TrustScore = 0
		return profile
	}

	// --- Репутация (best-effort) ---
	if count, value, decimals, err := r.reputation(ctx, agentID); err != nil {
		r.logger.Debug("reputation lookup failed, keeping neutral default", zap.Error(err))
	} else if count > 0 {
		profile.ReputationCount = int(count)
		profile.ReputationScore = clampScore(normalize(value, decimals))
	}

	// --- Operative-бейдж (best-effort) ---
	if operative, err := r.operative(ctx, wallet); err != nil {
		r.logger.Debug("badge lookup failed", zap.Error(err))
	} else {
		profile.IsOperative = operative
	}

	// --- Стейкинг (best-effort) ---
	if tier, err := r.stakeTier(ctx, wallet); err != nil {
		r.logger.Debug("staking lookup failed", zap.Error(err))
	} else if tier > 0 && tier < len(stakingTierNames) {
		profile.StakingTier = stakingTierNames[tier]
		profile.ValidationScore = 50 + tier*10
	}

	// --- Комбинация и распределение по уровням ---
	combined := clampScore(int(
		float64(profile.ReputationScore)*reputationWeight +
			float64(profile.ValidationScore)*validationWeight + 0.5))
	profile.TrustScore = combined
	profile.Tier = domain.ScoreToTier(combined)

	// Оверрайд бейджа применяется последним и перекрывает числовой счет
	if profile.IsOperative {
		profile.Tier = domain.TierOperative
	}

	return profile
}

// --- Обертки чтений с ретраями: реестровые чтения идемпотентны,
// пара повторов скрывает моргание RPC ---

func (r *Resolver) ownerOf(ctx context.Context, agentID *big.Int) (owner common.Address, err error) {
	err = retryRead(ctx, func() error {
		owner, err = r.registry.OwnerOf(ctx, agentID)
		return err
	})
	return owner, err
}

func (r *Resolver) reputation(ctx context.Context, agentID *big.Int) (count uint64, value *big.Int, decimals uint8, err error) {
	err = retryRead(ctx, func() error {
		count, value, decimals, err = r.registry.ReputationSummary(ctx, agentID)
		return err
	})
	return count, value, decimals, err
}

func (r *Resolver) operative(ctx context.Context, wallet common.Address) (op bool, err error) {
	err = retryRead(ctx, func() error {
		op, err = r.registry.IsOperative(ctx, wallet)
		return err
	})
	return op, err
}

func (r *Resolver) stakeTier(ctx context.Context, wallet common.Address) (tier int, err error) {
	err = retryRead(ctx, func() error {
		tier, err = r.registry.StakeTier(ctx, wallet)
		return err
	})
	return tier, err
}

func retryRead(ctx context.Context, fn func() error) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(150*time.Millisecond),
	)
	return r.Do(fn)
}

// normalize переводит fixed-point значение реестра в 0-100.
func normalize(value *big.Int, decimals uint8) int {
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	out := new(big.Int).Quo(value, divisor)
	if !out.IsInt64() {
		if out.Sign() < 0 {
			return 0
		}
		return 100
	}
	return int(out.Int64())
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
