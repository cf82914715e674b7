package domain

// SessionCounters — пер-агентное изменяемое состояние лимитов.
// Дневные поля сбрасываются при смене даты и двигаются только после
// успешного форварда в keyring; пожизненные не сбрасываются никогда
// и считают каждый запрос независимо от исхода.
type SessionCounters struct {
	AgentKey      string  `json:"agent_key"`
	DailyTxCount  int64   `json:"daily_tx_count"`
	DailyValueUSD float64 `json:"daily_value_usd"`
	LastResetDate string  `json:"last_reset_date"` // YYYY-MM-DD

	// Пожизненная статистика (для /health и операторов)
	TotalRequests   int64 `json:"total_requests"`
	BlockedRequests int64 `json:"blocked_requests"`
	SignedRequests  int64 `json:"signed_requests"`
}

// UsageTotals — агрегат по всем агентам для health-эндпоинта.
type UsageTotals struct {
	ActiveAgents    int   `json:"active_agents"`
	TotalRequests   int64 `json:"total_requests"`
	BlockedRequests int64 `json:"blocked_requests"`
	SignedRequests  int64 `json:"signed_requests"`
}
