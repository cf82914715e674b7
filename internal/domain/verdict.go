package domain

// Severity — тяжесть сработавшего правила.
type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// PolicyVerdict — неизменяемый результат одной оценки политики.
// Производится всегда, и при одобрении, и при отказе.
type PolicyVerdict struct {
	Approved  bool     `json:"approved"`
	RuleID    string   `json:"rule_id,omitempty"` // Пусто при одобрении
	Reason    string   `json:"reason"`
	Severity  Severity `json:"severity"`
	RiskScore int      `json:"risk_score"` // 0-100
}

// Approve — стандартный вердикт "все проверки пройдены".
func Approve(reason string) *PolicyVerdict {
	return &PolicyVerdict{
		Approved: true,
		Reason:   reason,
		Severity: SeverityNone,
	}
}

// Deny — отказ с указанием сработавшего правила.
func Deny(ruleID, reason string, sev Severity, risk int) *PolicyVerdict {
	return &PolicyVerdict{
		Approved:  false,
		RuleID:    ruleID,
		Reason:    reason,
		Severity:  sev,
		RiskScore: risk,
	}
}
