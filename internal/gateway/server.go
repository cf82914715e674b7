package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-signing-gateway/internal/audit"
	"github.com/xela07ax/agent-signing-gateway/internal/domain"
	"github.com/xela07ax/agent-signing-gateway/internal/keyring"
	"github.com/xela07ax/agent-signing-gateway/internal/policy"
	"github.com/xela07ax/agent-signing-gateway/internal/session"
	"github.com/xela07ax/agent-signing-gateway/internal/siwa"
	"github.com/xela07ax/agent-signing-gateway/internal/trust"
)

// maxBodySize ограничивает тело запроса (typed data бывает объемной).
const maxBodySize = 1 << 20

// Server — HTTP-поверхность шлюза: аутентификация, подпись, наблюдаемость.
type Server struct {
	router *chi.Mux
	logger *zap.Logger

	domain        string        // Собственный домен для SIWA-проверки
	hmacSecret    string        // Общий секрет для HMAC-режима агентов
	messageMaxAge time.Duration // Окно свежести SIWA-сообщения (0 -> дефолт siwa)

	nonces   *siwa.NonceRegistry
	resolver *trust.Resolver
	tokens   *session.TokenService
	counters session.CounterStore
	core     *Core
	engine   *policy.Engine
	recent   *audit.MemoryStorage
	trail    *audit.Trail
	metrics  *Metrics
	limits   policy.Limits
	registry *prometheus.Registry
}

type ServerDeps struct {
	Domain        string
	HMACSecret    string
	MessageMaxAge time.Duration

	Nonces   *siwa.NonceRegistry
	Resolver *trust.Resolver
	Tokens   *session.TokenService
	Counters session.CounterStore
	Core     *Core
	Engine   *policy.Engine
	Recent   *audit.MemoryStorage
	Trail    *audit.Trail
	Metrics  *Metrics
	Limits   policy.Limits
	Registry *prometheus.Registry
}

func NewServer(deps ServerDeps, logger *zap.Logger) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		logger:        logger.Named("gateway-api"),
		domain:        deps.Domain,
		hmacSecret:    deps.HMACSecret,
		messageMaxAge: deps.MessageMaxAge,
		nonces:        deps.Nonces,
		resolver:      deps.Resolver,
		tokens:        deps.Tokens,
		counters:      deps.Counters,
		core:          deps.Core,
		engine:        deps.Engine,
		recent:        deps.Recent,
		trail:         deps.Trail,
		metrics:       deps.Metrics,
		limits:        deps.Limits,
		registry:      deps.Registry,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	// --- Публичные роуты ---
	r.Group(func(r chi.Router) {
		r.Get("/auth/nonce", s.handleNonce)
		r.Post("/auth/siwa", s.handleAuthenticate)
		r.Get("/health", s.handleHealth)
		if s.registry != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		}
	})

	// --- Сессионный периметр ---
	r.Group(func(r chi.Router) {
		r.Get("/auth/me", s.handleMe)
		r.Post("/v1/sign", s.handleSign)
		r.Get("/v1/audit", s.handleAudit)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// --- Аутентификация ---

// handleNonce выдает одноразовый challenge для SIWA-сообщения.
// GET /auth/nonce
func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	nonce, expiresAt, err := s.nonces.Issue()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to issue nonce")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"nonce":     nonce,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
}

type authenticateRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type authenticateResponse struct {
	Token       string `json:"token"`
	AgentID     string `json:"agentId"`
	Wallet      string `json:"wallet"`
	TrustTier   string `json:"trustTier"`
	TrustScore  int    `json:"trustScore"`
	IsOperative bool   `json:"isOperative"`
	StakingTier string `json:"stakingTier,omitempty"`
	ExpiresAt   string `json:"expiresAt"`
}

// handleAuthenticate — полный SIWA-поток: проверка подписи, разрешение
// доверия, выпуск сессионного токена.
// POST /auth/siwa
func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		s.metrics.AuthTotal.WithLabelValues("bad_message").Inc()
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Nonce достаем из самого сообщения и атомарно гасим в реестре:
	// второе предъявление того же сообщения упрется в неизвестный nonce.
	parsed, err := siwa.Parse(req.Message)
	if err != nil {
		s.metrics.AuthTotal.WithLabelValues("bad_message").Inc()
		s.writeError(w, http.StatusUnauthorized, "malformed identity message")
		return
	}
	if !s.nonces.Consume(parsed.Nonce) {
		s.metrics.AuthTotal.WithLabelValues("invalid_signature").Inc()
		s.writeError(w, http.StatusUnauthorized, siwa.ErrNonceUnknown.Error())
		return
	}

	identity, err := siwa.Verify(req.Message, req.Signature, siwa.VerifyOptions{
		Domain: s.domain,
		Nonce:  parsed.Nonce,
		MaxAge: s.messageMaxAge,
	})
	if err != nil {
		s.metrics.AuthTotal.WithLabelValues("invalid_signature").Inc()
		s.logger.Warn("siwa verification failed", zap.Error(err))
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	profile := s.resolver.Resolve(r.Context(), identity)

	// DANGER и ниже сессию не получает: либо спуфинг, либо доверие на дне
	if !profile.Tier.AtLeast(domain.TierWarning) {
		s.metrics.AuthTotal.WithLabelValues("low_trust").Inc()
		s.writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":      "trust tier too low for a session",
			"trustTier":  string(profile.Tier),
			"trustScore": profile.TrustScore,
		})
		return
	}

	token, expiresAt, err := s.tokens.Issue(profile)
	if err != nil {
		s.logger.Error("failed to issue session token", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to issue session token")
		return
	}

	s.metrics.AuthTotal.WithLabelValues("success").Inc()
	s.writeJSON(w, http.StatusOK, authenticateResponse{
		Token:       token,
		AgentID:     profile.AgentID,
		Wallet:      profile.WalletAddress,
		TrustTier:   string(profile.Tier),
		TrustScore:  profile.TrustScore,
		IsOperative: profile.IsOperative,
		StakingTier: profile.StakingTier,
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
	})
}

// handleMe — интроспекция сессии без побочных эффектов.
// GET /auth/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, err := s.tokens.Verify(r.Header.Get("Authorization"))
	if err != nil {
		s.unauthorized(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"agentId":     claims.AgentID(),
		"wallet":      claims.WalletAddress,
		"trustTier":   string(claims.Tier),
		"trustScore":  claims.TrustScore,
		"isOperative": claims.IsOperative,
		"expiresAt":   claims.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// --- Подпись ---

type signResponse struct {
	Signature string `json:"signature"`
	KeyID     string `json:"keyId,omitempty"`
	Reason    string `json:"reason"`
}

type denyResponse struct {
	Error     string `json:"error"`
	RuleID    string `json:"ruleId,omitempty"`
	Reason    string `json:"reason"`
	Severity  string `json:"severity"`
	RiskScore int    `json:"riskScore"`
}

// handleSign — основная операция шлюза.
// POST /v1/sign, авторизация: Bearer <jwt> либо HMAC <hex> поверх тела.
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	defer r.Body.Close()

	agentKey, err := s.authenticateSign(r, body)
	if err != nil {
		s.unauthorized(w, err)
		return
	}

	var envelope domain.SignEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := envelope.Decode()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if agentKey == "" {
		agentKey = envelope.AgentKey()
	}

	result, verdict, procErr := s.core.ProcessSign(r.Context(), agentKey, req, body)

	switch {
	case procErr != nil && verdict == nil:
		s.writeError(w, http.StatusInternalServerError, "internal error")

	case verdict != nil && !verdict.Approved:
		s.writeJSON(w, http.StatusForbidden, denyResponse{
			Error:     "signing denied by policy",
			RuleID:    verdict.RuleID,
			Reason:    verdict.Reason,
			Severity:  string(verdict.Severity),
			RiskScore: verdict.RiskScore,
		})

	case procErr != nil:
		// Одобрено политикой, но подписи нет: это 502, а не отказ
		var uErr *keyring.UpstreamError
		msg := "keyring unavailable"
		if errors.As(procErr, &uErr) {
			msg = uErr.Message
		}
		s.writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":  "keyring failure",
			"detail": msg,
		})

	default:
		s.writeJSON(w, http.StatusOK, signResponse{
			Signature: result.Signature,
			KeyID:     result.KeyID,
			Reason:    verdict.Reason,
		})
	}
}

// authenticateSign выбирает схему по префиксу заголовка Authorization.
// Возвращаемый agentKey пуст для HMAC-режима: там личность берется
// из конверта запроса.
func (s *Server) authenticateSign(r *http.Request, body []byte) (string, error) {
	header := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		claims, err := s.tokens.Verify(header)
		if err != nil {
			return "", err
		}
		return strings.ToLower(claims.WalletAddress), nil

	case strings.HasPrefix(header, "HMAC "):
		sig := strings.TrimSpace(strings.TrimPrefix(header, "HMAC "))
		if s.hmacSecret == "" || !keyring.Verify(s.hmacSecret, body, sig) {
			return "", errors.New("invalid request signature")
		}
		return "", nil

	default:
		return "", errors.New("missing Authorization header")
	}
}

// --- Наблюдаемость ---

// handleHealth отдает живость и агрегированную статистику.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	totals, err := s.counters.Totals(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "counters store unavailable")
		return
	}

	blockRate := 0.0
	if totals.TotalRequests > 0 {
		blockRate = float64(totals.BlockedRequests) / float64(totals.TotalRequests) * 100
	}

	if s.trail != nil {
		s.metrics.AuditBufferFill.Set(float64(s.trail.Pending()))
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"activeAgents": totals.ActiveAgents,
		"requests": map[string]interface{}{
			"total":            totals.TotalRequests,
			"blocked":          totals.BlockedRequests,
			"signed":           totals.SignedRequests,
			"blockRatePercent": blockRate,
		},
		"limits": map[string]interface{}{
			"maxTransactionValueUsd": s.limits.MaxTransactionValueUSD,
			"maxDailyTransactions":   s.limits.MaxDailyTransactions,
			"policyRules":            len(s.engine.Rules()),
		},
	})
}

// handleAudit — последние записи следа, новые первыми.
// GET /v1/audit?limit=N
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if _, err := s.tokens.Verify(r.Header.Get("Authorization")); err != nil {
		s.unauthorized(w, err)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	s.writeJSON(w, http.StatusOK, s.recent.Recent(limit))
}

// --- Хелперы ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) unauthorized(w http.ResponseWriter, err error) {
	s.metrics.ErrorTotal.WithLabelValues("unauthorized").Inc()
	if errors.Is(err, session.ErrTokenExpired) {
		s.writeError(w, http.StatusUnauthorized, "session token expired")
		return
	}
	s.writeError(w, http.StatusUnauthorized, "unauthorized")
}

// Run запускает сервер и блокируется до отмены контекста, после чего
// делает graceful shutdown.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
