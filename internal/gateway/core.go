package gateway

/*
Файл core.go — оркестрация запроса на подпись.

Порядок шагов фиксирован: снапшот счетчиков -> политика -> форвард.
След пишется ВСЕГДА, независимо от исхода. Счетчики двигаются только
по факту: отказ политики -> blocked, сбой кейринга -> total без daily,
успешный форвард -> signed + дневные лимиты.

Отказ политики и недоступность кейринга — принципиально разные исходы
(403 против 502): агент должен уметь отличить "нельзя" от "не вышло".
*/

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-signing-gateway/internal/audit"
	"github.com/xela07ax/agent-signing-gateway/internal/domain"
	"github.com/xela07ax/agent-signing-gateway/internal/keyring"
	"github.com/xela07ax/agent-signing-gateway/internal/policy"
	"github.com/xela07ax/agent-signing-gateway/internal/session"
)

// Signer — то, что ядро знает про кейринг.
type Signer interface {
	Sign(ctx context.Context, body []byte) (*keyring.SignResult, error)
}

// ErrCountersUnavailable — хранилище счетчиков недоступно. Fail-closed:
// без снапшота дневные лимиты непроверяемы, подписывать вслепую нельзя.
var ErrCountersUnavailable = errors.New("gateway: counters store unavailable")

type Core struct {
	engine      *policy.Engine
	counters    session.CounterStore
	signer      Signer
	trail       audit.Recorder
	metrics     *Metrics
	logger      *zap.Logger
	ethPriceUSD float64
}

func NewCore(engine *policy.Engine, counters session.CounterStore, signer Signer, trail audit.Recorder, metrics *Metrics, ethPriceUSD float64, logger *zap.Logger) *Core {
	return &Core{
		engine:      engine,
		counters:    counters,
		signer:      signer,
		trail:       trail,
		metrics:     metrics,
		logger:      logger.Named("core"),
		ethPriceUSD: ethPriceUSD,
	}
}

// ProcessSign прогоняет один запрос через полный конвейер.
//
// Возвращаемые комбинации:
//   - result, verdict(approved), nil  — подпись получена
//   - nil, verdict(denied), nil       — отказ политики (403)
//   - nil, verdict(approved), err     — одобрено, но кейринг не отдал подпись (502)
//   - nil, nil, err                   — инфраструктурный сбой до оценки (500)
func (c *Core) ProcessSign(ctx context.Context, agentKey string, req domain.SigningRequest, rawBody []byte) (*keyring.SignResult, *domain.PolicyVerdict, error) {
	start := time.Now()
	kind := string(req.Kind())
	c.metrics.TotalRequests.WithLabelValues(kind).Inc()

	status := "success"
	defer func() {
		c.metrics.RequestDuration.WithLabelValues(kind, status).Observe(time.Since(start).Seconds())
	}()

	snapshot, err := c.counters.Snapshot(ctx, agentKey)
	if err != nil {
		status = "counters_error"
		c.logger.Error("counters snapshot failed", zap.String("agent_key", agentKey), zap.Error(err))
		return nil, nil, ErrCountersUnavailable
	}

	verdict := c.engine.Evaluate(req, &snapshot)

	entry := audit.AuditEntry{
		TraceID:     extractTraceID(ctx),
		AgentKey:    agentKey,
		RequestKind: kind,
		Approved:    verdict.Approved,
		RuleID:      verdict.RuleID,
		Reason:      verdict.Reason,
		Severity:    string(verdict.Severity),
		RiskScore:   verdict.RiskScore,
		Timestamp:   start,
	}

	var isTransaction bool
	var valueUSD float64
	if tx, ok := req.(*domain.TransactionRequest); ok {
		isTransaction = true
		valueUSD = tx.ValueUSD(c.ethPriceUSD)
		entry.To = tx.To
		entry.ValueUSD = valueUSD
	}

	if !verdict.Approved {
		status = "denied"
		c.metrics.ErrorTotal.WithLabelValues("policy_deny").Inc()
		if err := c.counters.RecordBlocked(ctx, agentKey); err != nil {
			c.logger.Error("failed to record blocked request", zap.Error(err))
		}
		entry.DurationMs = time.Since(start).Milliseconds()
		c.trail.Record(entry)
		return nil, verdict, nil
	}

	// С этой точки попытка форварда состоялась: Forwarded фиксирует факт
	// обращения к кейрингу, исход несет UpstreamError
	entry.Forwarded = true
	result, signErr := c.signer.Sign(ctx, rawBody)
	entry.DurationMs = time.Since(start).Milliseconds()

	if signErr != nil {
		status = "upstream_failed"
		if errors.Is(signErr, keyring.ErrUnavailable) {
			c.metrics.ErrorTotal.WithLabelValues("upstream_unavailable").Inc()
		} else {
			c.metrics.ErrorTotal.WithLabelValues("upstream_error").Inc()
		}
		if err := c.counters.RecordUpstreamFailure(ctx, agentKey); err != nil {
			c.logger.Error("failed to record upstream failure", zap.Error(err))
		}
		entry.UpstreamError = signErr.Error()
		c.trail.Record(entry)
		return nil, verdict, signErr
	}

	if err := c.counters.RecordSigned(ctx, agentKey, isTransaction, valueUSD); err != nil {
		c.logger.Error("failed to record signed request", zap.Error(err))
	}
	c.trail.Record(entry)
	return result, verdict, nil
}
