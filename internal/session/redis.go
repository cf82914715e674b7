package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/agent-signing-gateway/internal/domain"
)

// Префиксы ключей (изоляция данных шлюза в общем Redis).
const (
	redisNamespace = "asg"

	redisKeyAgents = redisNamespace + ":agents" // SET известных агентов
)

func redisTotalsKey(agentKey string) string {
	return fmt.Sprintf("%s:agent:%s:totals", redisNamespace, agentKey)
}

func redisDailyKey(agentKey, date string) string {
	return fmt.Sprintf("%s:agent:%s:daily:%s", redisNamespace, agentKey, date)
}

// RedisStore — продовая реализация CounterStore.
//
// Дневной сброс не требует явной очистки: дата зашита в ключ, вчерашний
// ключ просто перестает читаться и умирает по TTL. Инкременты — HINCRBY,
// атомарные на стороне Redis, так что конкурентные запросы одного агента
// не теряют обновления и без клиентских локов.
type RedisStore struct {
	rdb *redis.Client

	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func (s *RedisStore) Snapshot(ctx context.Context, agentKey string) (domain.SessionCounters, error) {
	today := dateOf(s.now())

	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, redisKeyAgents, agentKey)
	dailyCmd := pipe.HGetAll(ctx, redisDailyKey(agentKey, today))
	totalsCmd := pipe.HGetAll(ctx, redisTotalsKey(agentKey))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.SessionCounters{}, fmt.Errorf("redis counters snapshot: %w", err)
	}

	daily := dailyCmd.Val()
	totals := totalsCmd.Val()

	return domain.SessionCounters{
		AgentKey:        agentKey,
		DailyTxCount:    parseInt(daily["tx_count"]),
		DailyValueUSD:   parseFloat(daily["value_usd"]),
		LastResetDate:   today,
		TotalRequests:   parseInt(totals["total"]),
		BlockedRequests: parseInt(totals["blocked"]),
		SignedRequests:  parseInt(totals["signed"]),
	}, nil
}

func (s *RedisStore) RecordBlocked(ctx context.Context, agentKey string) error {
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, redisKeyAgents, agentKey)
	pipe.HIncrBy(ctx, redisTotalsKey(agentKey), "total", 1)
	pipe.HIncrBy(ctx, redisTotalsKey(agentKey), "blocked", 1)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RecordSigned(ctx context.Context, agentKey string, isTransaction bool, valueUSD float64) error {
	today := dateOf(s.now())

	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, redisKeyAgents, agentKey)
	pipe.HIncrBy(ctx, redisTotalsKey(agentKey), "total", 1)
	pipe.HIncrBy(ctx, redisTotalsKey(agentKey), "signed", 1)
	if isTransaction {
		dailyKey := redisDailyKey(agentKey, today)
		pipe.HIncrBy(ctx, dailyKey, "tx_count", 1)
		pipe.HIncrByFloat(ctx, dailyKey, "value_usd", valueUSD)
		// 48 часов хватает на чтение "вчера" при любом поясе, дальше — мусор
		pipe.Expire(ctx, dailyKey, 48*time.Hour)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RecordUpstreamFailure(ctx context.Context, agentKey string) error {
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, redisKeyAgents, agentKey)
	pipe.HIncrBy(ctx, redisTotalsKey(agentKey), "total", 1)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Totals(ctx context.Context) (domain.UsageTotals, error) {
	agents, err := s.rdb.SMembers(ctx, redisKeyAgents).Result()
	if err != nil {
		return domain.UsageTotals{}, fmt.Errorf("redis totals: %w", err)
	}

	totals := domain.UsageTotals{ActiveAgents: len(agents)}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(agents))
	for _, agent := range agents {
		cmds = append(cmds, pipe.HGetAll(ctx, redisTotalsKey(agent)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.UsageTotals{}, fmt.Errorf("redis totals: %w", err)
	}

	for _, cmd := range cmds {
		vals := cmd.Val()
		totals.TotalRequests += parseInt(vals["total"])
		totals.BlockedRequests += parseInt(vals["blocked"])
		totals.SignedRequests += parseInt(vals["signed"])
	}
	return totals, nil
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
