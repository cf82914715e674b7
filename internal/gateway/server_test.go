package gateway

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-signing-gateway/internal/audit"
	"github.com/xela07ax/agent-signing-gateway/internal/domain"
	"github.com/xela07ax/agent-signing-gateway/internal/keyring"
	"github.com/xela07ax/agent-signing-gateway/internal/policy"
	"github.com/xela07ax/agent-signing-gateway/internal/session"
	"github.com/xela07ax/agent-signing-gateway/internal/siwa"
	"github.com/xela07ax/agent-signing-gateway/internal/trust"
)

const (
	testDomain     = "gateway.test"
	testHMACSecret = "agent-channel-secret"
	blockedDest    = "0x2222222222222222222222222222222222222222"
)

// fixedRegistry отдает владение любым agent ID указанному кошельку.
type fixedRegistry struct {
	owner common.Address
}

func (f *fixedRegistry) OwnerOf(_ context.Context, _ *big.Int) (common.Address, error) {
	return f.owner, nil
}

func (f *fixedRegistry) ReputationSummary(_ context.Context, _ *big.Int) (uint64, *big.Int, uint8, error) {
	return 10, big.NewInt(8000), 2, nil // репутация 80
}

func (f *fixedRegistry) IsOperative(_ context.Context, _ common.Address) (bool, error) {
	return false, nil
}

func (f *fixedRegistry) StakeTier(_ context.Context, _ common.Address) (int, error) {
	return 0, nil
}

type testEnv struct {
	server  *httptest.Server
	keyring *httptest.Server
	key     *ecdsa.PrivateKey
	wallet  common.Address
}

func newTestEnv(t *testing.T, registryOwner *common.Address, opts ...func(*ServerDeps)) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := crypto.PubkeyToAddress(key.PublicKey)

	owner := wallet
	if registryOwner != nil {
		owner = *registryOwner
	}

	ks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"signature": "0xsigned", "keyId": "k1"}`))
	}))
	t.Cleanup(ks.Close)

	limits := policy.Limits{
		MaxTransactionValueUSD: 1000,
		MaxDailyTransactions:   2,
		BlockedAddresses:       []string{blockedDest},
		EthPriceUSD:            3000,
	}
	engine := policy.NewEngine(limits, logger)
	counters := session.NewMemoryStore()
	tokens := session.NewTokenService([]byte("e2e-session-secret-32-bytes-xxxx"), time.Hour)
	nonces := siwa.NewNonceRegistry(time.Minute, logger)
	resolver := trust.NewResolver(&fixedRegistry{owner: owner}, logger)

	recent := audit.NewMemoryStorage(100)
	trail := audit.NewTrail(recent, logger)
	trail.Start()
	t.Cleanup(trail.Stop)

	signer := keyring.NewClient(keyring.Config{
		URL:     ks.URL,
		Secret:  "upstream-secret",
		Timeout: 2 * time.Second,
	}, logger)

	metrics := NewMetrics(nil)
	core := NewCore(engine, counters, signer, trail, metrics, limits.EthPriceUSD, logger)

	deps := ServerDeps{
		Domain:     testDomain,
		HMACSecret: testHMACSecret,
		Nonces:     nonces,
		Resolver:   resolver,
		Tokens:     tokens,
		Counters:   counters,
		Core:       core,
		Engine:     engine,
		Recent:     recent,
		Trail:      trail,
		Metrics:    metrics,
		Limits:     limits,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv := NewServer(deps, logger)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, keyring: ks, key: key, wallet: wallet}
}

func (e *testEnv) fetchNonce(t *testing.T) string {
	t.Helper()
	resp, err := http.Get(e.server.URL + "/auth/nonce")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Nonce string `json:"nonce"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.NotEmpty(t, payload.Nonce)
	return payload.Nonce
}

func (e *testEnv) signedMessage(t *testing.T, nonce string) (string, string) {
	t.Helper()
	return e.signedMessageAt(t, nonce, time.Now().UTC().Truncate(time.Second))
}

func (e *testEnv) signedMessageAt(t *testing.T, nonce string, issuedAt time.Time) (string, string) {
	t.Helper()
	m := &domain.IdentityMessage{
		Domain:   testDomain,
		Address:  e.wallet.Hex(),
		AgentID:  "42",
		ChainID:  8453,
		Nonce:    nonce,
		IssuedAt: issuedAt,
	}
	text := siwa.Serialize(m)

	sig, err := crypto.Sign(accounts.TextHash([]byte(text)), e.key)
	require.NoError(t, err)
	sig[64] += 27
	return text, "0x" + hex.EncodeToString(sig)
}

func (e *testEnv) authenticate(t *testing.T) string {
	t.Helper()
	message, signature := e.signedMessage(t, e.fetchNonce(t))

	body, _ := json.Marshal(map[string]string{"message": message, "signature": signature})
	resp, err := http.Post(e.server.URL+"/auth/siwa", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Token      string `json:"token"`
		AgentID    string `json:"agentId"`
		TrustTier  string `json:"trustTier"`
		TrustScore int    `json:"trustScore"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "42", payload.AgentID)
	assert.Equal(t, "TRUSTED", payload.TrustTier)
	require.NotEmpty(t, payload.Token)
	return payload.Token
}

func (e *testEnv) postSign(t *testing.T, auth string, envelope map[string]interface{}) *http.Response {
	t.Helper()
	body, _ := json.Marshal(envelope)
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/v1/sign", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestEndToEndAuthAndSign(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.authenticate(t)

	// Интроспекция сессии
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Чистая транзакция проходит до кейринга
	resp = env.postSign(t, "Bearer "+token, map[string]interface{}{
		"type":  "transaction",
		"to":    "0x1111111111111111111111111111111111111111",
		"value": "100000000000000000", // 0.1 ETH = $300
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var signed struct {
		Signature string `json:"signature"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&signed))
	assert.Equal(t, "0xsigned", signed.Signature)
}

func TestEndToEndPolicyDenial(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.authenticate(t)

	resp := env.postSign(t, "Bearer "+token, map[string]interface{}{
		"type": "transaction",
		"to":   blockedDest,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var denial struct {
		RuleID    string `json:"ruleId"`
		Severity  string `json:"severity"`
		RiskScore int    `json:"riskScore"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&denial))
	assert.Equal(t, "PL-010", denial.RuleID)
	assert.Equal(t, "CRITICAL", denial.Severity)
	assert.Equal(t, 95, denial.RiskScore)
}

func TestEndToEndDailyLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.authenticate(t)

	tx := map[string]interface{}{
		"type": "transaction",
		"to":   "0x1111111111111111111111111111111111111111",
	}

	// Лимит 2 в день: две проходят, третья упирается в PL-050
	for i := 0; i < 2; i++ {
		resp := env.postSign(t, "Bearer "+token, tx)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, "tx %d", i+1)
	}

	resp := env.postSign(t, "Bearer "+token, tx)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var denial struct {
		RuleID string `json:"ruleId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&denial))
	assert.Equal(t, "PL-050", denial.RuleID)
}

func TestEndToEndReplayRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	message, signature := env.signedMessage(t, env.fetchNonce(t))
	body, _ := json.Marshal(map[string]string{"message": message, "signature": signature})

	resp, err := http.Post(env.server.URL+"/auth/siwa", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// То же сообщение второй раз: nonce уже погашен
	resp, err = http.Post(env.server.URL+"/auth/siwa", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var payload struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, siwa.ErrNonceUnknown.Error(), payload.Error)
}

func TestEndToEndMessageMaxAge(t *testing.T) {
	// Настроенное минутное окно режет сообщение двухминутной давности
	env := newTestEnv(t, nil, func(d *ServerDeps) {
		d.MessageMaxAge = time.Minute
	})

	issuedAt := time.Now().UTC().Add(-2 * time.Minute).Truncate(time.Second)
	message, signature := env.signedMessageAt(t, env.fetchNonce(t), issuedAt)
	body, _ := json.Marshal(map[string]string{"message": message, "signature": signature})

	resp, err := http.Post(env.server.URL+"/auth/siwa", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var payload struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Contains(t, payload.Error, siwa.ErrStaleMessage.Error())
}

func TestEndToEndMessageDefaultWindow(t *testing.T) {
	// То же двухминутное сообщение при дефолтном пятиминутном окне проходит
	env := newTestEnv(t, nil)

	issuedAt := time.Now().UTC().Add(-2 * time.Minute).Truncate(time.Second)
	message, signature := env.signedMessageAt(t, env.fetchNonce(t), issuedAt)
	body, _ := json.Marshal(map[string]string{"message": message, "signature": signature})

	resp, err := http.Post(env.server.URL+"/auth/siwa", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEndToEndSpoofingRejected(t *testing.T) {
	// Реестр утверждает, что agent ID принадлежит другому кошельку
	other := common.HexToAddress("0x00000000000000000000000000000000DeaDBeef")
	env := newTestEnv(t, &other)

	message, signature := env.signedMessage(t, env.fetchNonce(t))
	body, _ := json.Marshal(map[string]string{"message": message, "signature": signature})

	resp, err := http.Post(env.server.URL+"/auth/siwa", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var payload struct {
		TrustTier  string `json:"trustTier"`
		TrustScore int    `json:"trustScore"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "DANGER", payload.TrustTier)
	assert.Zero(t, payload.TrustScore)
}

func TestEndToEndHMACMode(t *testing.T) {
	env := newTestEnv(t, nil)

	envelope := map[string]interface{}{
		"type":    "message",
		"message": "confirm order #99",
		"agentId": "7",
	}
	body, _ := json.Marshal(envelope)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/v1/sign", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "HMAC "+keyring.Sign(testHMACSecret, body))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEndToEndHMACBadSignature(t *testing.T) {
	env := newTestEnv(t, nil)

	body := []byte(`{"type":"message","message":"x"}`)
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/v1/sign", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "HMAC deadbeef")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEndToEndNoAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.postSign(t, "", map[string]interface{}{"type": "message", "message": "x"})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEndToEndUpstreamFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.authenticate(t)

	// Кейринг умирает: одобренный запрос дает 502, а не 403
	env.keyring.Close()

	resp := env.postSign(t, "Bearer "+token, map[string]interface{}{
		"type":    "message",
		"message": "hello",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	// В следе попытка форварда зафиксирована вместе с причиной сбоя
	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/v1/audit?limit=10", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var entries []audit.AuditEntry
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return false
		}
		return len(entries) == 1 && entries[0].Forwarded && entries[0].UpstreamError != ""
	}, 3*time.Second, 100*time.Millisecond)
}

func TestEndToEndHealthAndAudit(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.authenticate(t)

	ok := env.postSign(t, "Bearer "+token, map[string]interface{}{
		"type": "transaction", "to": "0x1111111111111111111111111111111111111111",
	})
	ok.Body.Close()
	denied := env.postSign(t, "Bearer "+token, map[string]interface{}{
		"type": "transaction", "to": blockedDest,
	})
	denied.Body.Close()

	// Health: счетчики и лимиты
	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status   string `json:"status"`
		Requests struct {
			Total   int64 `json:"total"`
			Blocked int64 `json:"blocked"`
			Signed  int64 `json:"signed"`
		} `json:"requests"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, int64(2), health.Requests.Total)
	assert.Equal(t, int64(1), health.Requests.Blocked)
	assert.Equal(t, int64(1), health.Requests.Signed)

	// След пишется асинхронно: ждем обе записи
	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/v1/audit?limit=10", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var entries []audit.AuditEntry
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return false
		}
		if len(entries) != 2 {
			return false
		}
		// Отказ до форварда не помечается как попытка обращения к кейрингу
		denied, signed := entries[0], entries[1]
		return !denied.Approved && !denied.Forwarded &&
			signed.Approved && signed.Forwarded && signed.UpstreamError == ""
	}, 3*time.Second, 100*time.Millisecond)
}
