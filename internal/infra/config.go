package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Registry RegistryConfig `mapstructure:"registry"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Keyring  KeyringConfig  `mapstructure:"keyring"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	Domain string `mapstructure:"domain"` // Домен в SIWA intent-строке
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig — SIWA-поток и сессионные токены.
type AuthConfig struct {
	SessionSecret string        `mapstructure:"session_secret"` // HS256 секрет
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	NonceTTL      time.Duration `mapstructure:"nonce_ttl"`
	MessageMaxAge time.Duration `mapstructure:"message_max_age"`
	HMACSecret    string        `mapstructure:"hmac_secret"` // Прямой HMAC-режим агентов
}

// RegistryConfig — адреса ERC-8004 реестров и RPC-узел.
type RegistryConfig struct {
	RPCURL             string `mapstructure:"rpc_url"`
	ChainID            int64  `mapstructure:"chain_id"`
	IdentityRegistry   string `mapstructure:"identity_registry"`
	ReputationRegistry string `mapstructure:"reputation_registry"`
	BadgeContract      string `mapstructure:"badge_contract"`
	StakingContract    string `mapstructure:"staking_contract"`
}

// PolicyConfig — пороги движка политик.
type PolicyConfig struct {
	MaxTransactionValueUSD float64  `mapstructure:"max_transaction_value_usd"`
	MaxDailyTransactions   int64    `mapstructure:"max_daily_transactions"`
	AllowedAddresses       []string `mapstructure:"allowed_addresses"`
	BlockedAddresses       []string `mapstructure:"blocked_addresses"`
	EthPriceUSD            float64  `mapstructure:"eth_price_usd"`
}

// KeyringConfig — канал к внешнему кейрингу.
type KeyringConfig struct {
	URL       string        `mapstructure:"url"`
	Secret    string        `mapstructure:"secret"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
}

// RedisConfig описывает подключение к Redis (пер-агентные счетчики).
// Пустой Addr — шлюз живет на in-memory счетчиках.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig описывает подключение к PostgreSQL (аудиторский след).
// Пустой URL — след живет только в кольцевом буфере.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// AuditConfig — кольцевой буфер следа.
type AuditConfig struct {
	MemoryCapacity int `mapstructure:"memory_capacity"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// ENV перекрывает файл: AUTH_SESSION_SECRET=... перекроет auth.session_secret
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if cfg.Auth.SessionSecret == "" {
		return nil, errors.New("auth.session_secret is required")
	}
	if cfg.Keyring.URL == "" {
		return nil, errors.New("keyring.url is required")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.domain", "gateway.local")

	v.SetDefault("auth.session_ttl", time.Hour)
	v.SetDefault("auth.nonce_ttl", 5*time.Minute)
	v.SetDefault("auth.message_max_age", 5*time.Minute)

	v.SetDefault("registry.chain_id", 8453)

	v.SetDefault("policy.max_transaction_value_usd", 1000.0)
	v.SetDefault("policy.max_daily_transactions", 10)
	v.SetDefault("policy.eth_price_usd", 3000.0)

	v.SetDefault("keyring.timeout", 10*time.Second)
	v.SetDefault("keyring.rate_limit", 50.0)
	v.SetDefault("keyring.burst", 10)

	v.SetDefault("audit.memory_capacity", 1000)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}
