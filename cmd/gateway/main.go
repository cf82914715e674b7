package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-signing-gateway/internal/audit"
	"github.com/xela07ax/agent-signing-gateway/internal/erc8004"
	"github.com/xela07ax/agent-signing-gateway/internal/gateway"
	"github.com/xela07ax/agent-signing-gateway/internal/infra"
	"github.com/xela07ax/agent-signing-gateway/internal/keyring"
	"github.com/xela07ax/agent-signing-gateway/internal/policy"
	"github.com/xela07ax/agent-signing-gateway/internal/repository/postgres"
	"github.com/xela07ax/agent-signing-gateway/internal/session"
	"github.com/xela07ax/agent-signing-gateway/internal/siwa"
	"github.com/xela07ax/agent-signing-gateway/internal/trust"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.BuildLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизненного цикла: SIGTERM гасит фоновые горутины
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 2. Аутентификация: nonce-реестр + SIWA + trust-резолюция
	nonces := siwa.NewNonceRegistry(cfg.Auth.NonceTTL, logger)
	go nonces.StartSweeper(appCtx, cfg.Auth.NonceTTL)

	ethClient, err := ethclient.DialContext(appCtx, cfg.Registry.RPCURL)
	if err != nil {
		logger.Fatal("failed to dial registry RPC", zap.Error(err))
	}
	defer ethClient.Close()

	registry := erc8004.NewClient(ethClient, erc8004.Addresses{
		IdentityRegistry:   common.HexToAddress(cfg.Registry.IdentityRegistry),
		ReputationRegistry: common.HexToAddress(cfg.Registry.ReputationRegistry),
		BadgeContract:      common.HexToAddress(cfg.Registry.BadgeContract),
		StakingContract:    common.HexToAddress(cfg.Registry.StakingContract),
	})
	resolver := trust.NewResolver(registry, logger)
	tokens := session.NewTokenService([]byte(cfg.Auth.SessionSecret), cfg.Auth.SessionTTL)

	// 3. Счетчики: Redis в проде, in-memory без него
	var counters session.CounterStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		counters = session.NewRedisStore(rdb)
		logger.Info("using redis counter store", zap.String("addr", cfg.Redis.Addr))
	} else {
		counters = session.NewMemoryStore()
		logger.Info("using in-memory counter store")
	}

	// 4. Аудиторский след: кольцо всегда, Postgres при наличии URL
	recent := audit.NewMemoryStorage(cfg.Audit.MemoryCapacity)
	storage := audit.Storage(recent)
	if cfg.Database.URL != "" {
		repo, err := postgres.NewAuditRepo(cfg.Database.URL)
		if err != nil {
			logger.Fatal("failed to open audit database", zap.Error(err))
		}
		if err := repo.Ping(appCtx); err != nil {
			logger.Fatal("audit database unreachable", zap.Error(err))
		}
		defer repo.Close()
		storage = audit.Tee{recent, repo}
		logger.Info("audit trail persisted to postgres")
	}
	trail := audit.NewTrail(storage, logger)
	trail.Start()
	defer trail.Stop()

	// 5. Политика + кейринг + ядро
	limits := policy.Limits{
		MaxTransactionValueUSD: cfg.Policy.MaxTransactionValueUSD,
		MaxDailyTransactions:   cfg.Policy.MaxDailyTransactions,
		AllowedAddresses:       cfg.Policy.AllowedAddresses,
		BlockedAddresses:       cfg.Policy.BlockedAddresses,
		EthPriceUSD:            cfg.Policy.EthPriceUSD,
	}
	engine := policy.NewEngine(limits, logger)

	signer := keyring.NewClient(keyring.Config{
		URL:       cfg.Keyring.URL,
		Secret:    cfg.Keyring.Secret,
		Timeout:   cfg.Keyring.Timeout,
		RateLimit: cfg.Keyring.RateLimit,
		Burst:     cfg.Keyring.Burst,
	}, logger)

	reg := prometheus.NewRegistry()
	metrics := gateway.NewMetrics(reg)

	core := gateway.NewCore(engine, counters, signer, trail, metrics, cfg.Policy.EthPriceUSD, logger)

	// 6. HTTP-сервер
	srv := gateway.NewServer(gateway.ServerDeps{
		Domain:        cfg.Server.Domain,
		HMACSecret:    cfg.Auth.HMACSecret,
		MessageMaxAge: cfg.Auth.MessageMaxAge,
		Nonces:        nonces,
		Resolver:      resolver,
		Tokens:        tokens,
		Counters:      counters,
		Core:          core,
		Engine:        engine,
		Recent:        recent,
		Trail:         trail,
		Metrics:       metrics,
		Limits:        limits,
		Registry:      reg,
	}, logger)

	if err := srv.Run(appCtx, cfg.Server.Addr()); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("gateway exited properly")
}
