package policy

/*
Файл engine.go — ядро движка политик.

Правила живут в явном упорядоченном списке чистых функций
(request, counters) -> *Verdict. Оценка — short-circuit fold: первое
сработавшее правило выигрывает, дальнейшие не консультируются вовсе.
Добавление правила — это явная вставка на заявленный приоритет,
никакой неупорядоченной регистрации.

Движок ничего не знает о хранилищах: счетчики приходят снапшотом,
аудитом занимается вызывающий.
*/

import (
	"go.uber.org/zap"

	"github.com/xela07ax/agent-signing-gateway/internal/domain"
)

// Rule — одна упорядоченная проверка. Check возвращает nil, если правило
// не применимо, и вердикт (обычно отказ), если сработало.
type Rule struct {
	ID    string
	Check func(req domain.SigningRequest, counters *domain.SessionCounters) *domain.PolicyVerdict
}

type Engine struct {
	rules  []Rule
	logger *zap.Logger
}

// NewEngine собирает движок с каноничным набором правил для переданных лимитов.
func NewEngine(limits Limits, logger *zap.Logger) *Engine {
	return &Engine{
		rules:  defaultRules(limits),
		logger: logger.Named("policy"),
	}
}

// Evaluate прогоняет запрос через правила. Вердикт производится всегда —
// и при одобрении, и при отказе; отказ несет ID сработавшего правила.
func (e *Engine) Evaluate(req domain.SigningRequest, counters *domain.SessionCounters) *domain.PolicyVerdict {
	for _, rule := range e.rules {
		if verdict := rule.Check(req, counters); verdict != nil {
			if !verdict.Approved {
				e.logger.Warn("signing request denied",
					zap.String("rule_id", verdict.RuleID),
					zap.String("kind", string(req.Kind())),
					zap.String("severity", string(verdict.Severity)),
					zap.Int("risk_score", verdict.RiskScore),
				)
			}
			return verdict
		}
	}
	return domain.Approve("All policy checks passed")
}

// Rules отдает копию списка — для health-эндпоинта и интроспекции.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}
