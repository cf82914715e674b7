package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/agent-signing-gateway/internal/audit"
)

// AuditRepo пишет аудиторский след в таблицу audit_entries пакетными
// вставками. Схема плоская, под вычитку следа без джойнов:
//
//	CREATE TABLE audit_entries (
//	    id             UUID PRIMARY KEY,
//	    trace_id       TEXT NOT NULL,
//	    agent_key      TEXT NOT NULL,
//	    request_kind   TEXT NOT NULL,
//	    destination    TEXT,
//	    value_usd      DOUBLE PRECISION,
//	    approved       BOOLEAN NOT NULL,
//	    rule_id        TEXT,
//	    reason         TEXT,
//	    severity       TEXT,
//	    risk_score     INT,
//	    forwarded      BOOLEAN NOT NULL,
//	    upstream_error TEXT,
//	    duration_ms    BIGINT,
//	    created_at     TIMESTAMPTZ NOT NULL
//	);
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(connString string) (*AuditRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &AuditRepo{db: db}, nil
}

func (r *AuditRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *AuditRepo) Close() error {
	return r.db.Close()
}

func (r *AuditRepo) WriteBatch(ctx context.Context, entries []audit.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	const numFields = 15
	var sb strings.Builder
	vals := make([]interface{}, 0, len(entries)*numFields)

	// Динамически строим placeholders для пакетной вставки
	for i, e := range entries {
		p := i * numFields
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11, p+12, p+13, p+14, p+15))

		vals = append(vals,
			e.ID, e.TraceID, e.AgentKey, e.RequestKind, e.To, e.ValueUSD,
			e.Approved, e.RuleID, e.Reason, e.Severity, e.RiskScore,
			e.Forwarded, e.UpstreamError, e.DurationMs, e.Timestamp,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO audit_entries (id, trace_id, agent_key, request_kind, destination, value_usd, approved, rule_id, reason, severity, risk_score, forwarded, upstream_error, duration_ms, created_at) VALUES %s",
		strings.TrimSuffix(sb.String(), ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}
