package keyring

/*
Файл client.go — форвардер к внешнему кейрингу.

Кейринг — единственный держатель приватных ключей; шлюз их не видит
никогда. Канал защищен HMAC-SHA256 поверх тела запроса, предохранителем
и лимитером. Автоматических ретраев здесь НЕТ принципиально: подпись не
идемпотентна, повтор после таймаута может породить вторую подпись той
же транзакции. Решение о повторе — за вызывающим агентом.
*/

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultTimeout — предел одного обращения к кейрингу.
const DefaultTimeout = 10 * time.Second

// ErrUnavailable — кейринг недоступен: сеть, таймаут, открытый предохранитель.
// Наверху маппится в 502, а не в отказ политики.
var ErrUnavailable = errors.New("keyring: upstream unavailable")

// UpstreamError — кейринг ответил, но отказал (невалидный ключ, внутренняя
// ошибка подписи). Отличаем от недоступности: ответ был получен.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("keyring: upstream error [%d]: %s", e.StatusCode, e.Message)
}

// SignResult — ответ кейринга на запрос подписи.
type SignResult struct {
	Signature string `json:"signature"`
	KeyID     string `json:"keyId,omitempty"`
}

type Config struct {
	URL       string
	Secret    string // Общий секрет HMAC-канала
	Timeout   time.Duration
	RateLimit float64 // Запросов в секунду; 0 = значение по умолчанию
	Burst     int
}

// Client — HTTP-клиент кейринга с предохранителем и лимитером.
type Client struct {
	cfg     Config
	httpc   *http.Client
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}

	log := logger.Named("keyring")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "keyring",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время до пробного "полузакрытия"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Отказ самого кейринга (4xx/5xx с телом) — не сбой канала,
		// предохранитель на него не реагирует.
		IsSuccessful: func(err error) bool {
			var uErr *UpstreamError
			return err == nil || errors.As(err, &uErr)
		},
	})

	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  log,
	}
}

// Sign пересылает одобренный политикой запрос кейрингу как есть.
func (c *Client) Sign(ctx context.Context, body []byte) (*SignResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.doSign(ctx, body)
	})
	if err != nil {
		var uErr *UpstreamError
		if errors.As(err, &uErr) {
			return nil, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn("keyring call rejected by circuit breaker")
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result.(*SignResult), nil
}

func (c *Client) doSign(ctx context.Context, body []byte) (*SignResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build keyring request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "HMAC "+Sign(c.cfg.Secret, body))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keyring call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errPayload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errPayload)
		if errPayload.Error == "" {
			errPayload.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: errPayload.Error}
	}

	var result SignResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode keyring response: %w", err)
	}
	return &result, nil
}

// Sign считает hex(HMAC-SHA256(secret, body)) — подпись канала шлюз-кейринг.
// Тот же примитив используется для входящей HMAC-аутентификации агентов.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify сравнивает подпись канала за константное время.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
