package audit

import "time"

// AuditEntry — одна запись следа: каждый запрос на подпись оставляет ровно
// одну, независимо от исхода. Вердикт денормализован в плоские поля, чтобы
// след читался без джойнов.
type AuditEntry struct {
	ID       string `json:"id"`        // UUID записи
	TraceID  string `json:"trace_id"`  // Сквозной ID запроса
	AgentKey string `json:"agent_key"` // Адрес кошелька или agent_id

	// Что просили подписать
	RequestKind string  `json:"request_kind"` // transaction | message | typedData | siwa
	To          string  `json:"to,omitempty"`
	ValueUSD    float64 `json:"value_usd,omitempty"`

	// Вердикт политики
	Approved  bool   `json:"approved"`
	RuleID    string `json:"rule_id,omitempty"` // Сработавшее правило при отказе
	Reason    string `json:"reason"`
	Severity  string `json:"severity,omitempty"`
	RiskScore int    `json:"risk_score"`

	// Исход форварда: Forwarded — была ли попытка обращения к кейрингу
	// (одобренные запросы), UpstreamError — чем она кончилась
	Forwarded     bool   `json:"forwarded"`
	UpstreamError string `json:"upstream_error,omitempty"`

	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}
