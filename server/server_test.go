package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bundlepay/bundlepay/bundler"
	"github.com/bundlepay/bundlepay/chain"
	"github.com/bundlepay/bundlepay/config"
	"github.com/bundlepay/bundlepay/payment"
	"github.com/bundlepay/bundlepay/relay"
	"github.com/bundlepay/bundlepay/signer"
	"github.com/bundlepay/bundlepay/storage"
	"github.com/bundlepay/bundlepay/txcodec"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var testKey, _ = crypto.HexToECDSA(testKeyHex)

// rpcNode is a minimal JSON-RPC chain node backing the gateway during tests.
type rpcNode struct {
	mu           sync.Mutex
	baseFee      *big.Int
	nonce        uint64
	balance      *big.Int
	gasResult    uint64
	estimateFail bool
	requests     int
}

func healthyNode() *rpcNode {
	return &rpcNode{
		baseFee:   big.NewInt(20_000_000_000),
		nonce:     7,
		balance:   new(big.Int).SetUint64(1_000_000_000_000_000_000),
		gasResult: 21_000,
	}
}

func (m *rpcNode) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

func (m *rpcNode) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.requests++
		var result any
		var rpcErr string
		switch req.Method {
		case "eth_getBlockByNumber":
			result = &types.Header{Number: big.NewInt(100), Difficulty: big.NewInt(0), Extra: []byte{}, BaseFee: m.baseFee}
		case "eth_getTransactionCount":
			result = "0x" + strconv.FormatUint(m.nonce, 16)
		case "eth_getBalance":
			result = "0x" + m.balance.Text(16)
		case "eth_estimateGas":
			if m.estimateFail {
				rpcErr = "execution reverted"
			} else {
				result = "0x" + strconv.FormatUint(m.gasResult, 16)
			}
		default:
			rpcErr = "unsupported method " + req.Method
		}
		m.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if rpcErr != "" {
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": -32000, "message": rpcErr},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}
}

// mockRelay answers eth_sendBundle and records request bodies.
type mockRelay struct {
	srv    *httptest.Server
	mu     sync.Mutex
	status int
	result any
	bodies [][]byte
}

func newMockRelay(t *testing.T) *mockRelay {
	t.Helper()
	m := &mockRelay{status: http.StatusOK, result: map[string]string{"bundleHash": "0xmockbundle"}}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.bodies = append(m.bodies, body)
		status := m.status
		result := m.result
		m.mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, "relay unavailable", status)
			return
		}
		var req struct {
			ID uint64 `json:"id"`
		}
		json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockRelay) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bodies)
}

// lastParams returns the params object of the most recent eth_sendBundle.
func (m *mockRelay) lastParams(t *testing.T) map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.bodies)
	var req struct {
		Method string           `json:"method"`
		Params []map[string]any `json:"params"`
	}
	require.NoError(t, json.Unmarshal(m.bodies[len(m.bodies)-1], &req))
	require.Equal(t, "eth_sendBundle", req.Method)
	require.Len(t, req.Params, 1)
	return req.Params[0]
}

func builderAddr(i int) string {
	return "0x" + strings.Repeat(strconv.Itoa(i), 40)
}

// testConfig renders a config document with one builder entry per relay URL
// and flat 0.0002 ETH pricing. extra is appended as further top-level
// sections.
func testConfig(extra string, relayURLs ...string) string {
	var sb strings.Builder
	sb.WriteString(`payment:
  formula: flat
  k2_wei: "200000000000000"
  max_amount_wei: "500000000000000"
  per_bundle_cap_wei: "2000000000000000"
  daily_cap_wei: "500000000000000000"
  emergency_threshold_wei: "0"
builders:
`)
	for i, u := range relayURLs {
		fmt.Fprintf(&sb, "  - name: b%d\n    relay_url: %q\n    payment_address: %q\n", i+1, u, builderAddr(i+1))
	}
	sb.WriteString(extra)
	return sb.String()
}

type testEnv struct {
	router   http.Handler
	backend  *Backend
	gate     *payment.Gate
	kill     *bundler.Killswitch
	store    *storage.Store
	cfgStore *config.Store
	cfgPath  string
}

func newTestEnv(t *testing.T, node *rpcNode, doc string) *testEnv {
	t.Helper()
	t.Setenv(signer.EnvKey, testKeyHex)

	nodeSrv := httptest.NewServer(node.handler())
	t.Cleanup(nodeSrv.Close)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(doc), 0o644))
	cfgStore, err := config.NewStore(cfgPath)
	require.NoError(t, err)
	cfg := cfgStore.Current()

	gw, err := chain.Dial(context.Background(), nodeSrv.URL)
	require.NoError(t, err)
	t.Cleanup(gw.Close)

	store, err := storage.Open(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gate := payment.NewGate(cfg.GateLimits())
	kill := new(bundler.Killswitch)
	svc := bundler.New(gw, signer.EnvProvider{}, gate, kill)
	backend := NewBackend(cfgStore, svc, gate, relay.NewSet(BuildRelayClients(cfg)), relay.NewMonitor(), store)
	return &testEnv{
		router:   backend.Router(),
		backend:  backend,
		gate:     gate,
		kill:     kill,
		store:    store,
		cfgStore: cfgStore,
		cfgPath:  cfgPath,
	}
}

func testRequest(t *testing.T, router http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	var err error

	if payload == nil {
		req, err = http.NewRequest(method, path, nil)
	} else {
		payloadBytes, err2 := json.Marshal(payload)
		require.NoError(t, err2)
		req, err = http.NewRequest(method, path, bytes.NewReader(payloadBytes))
	}
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func signedTransfer(t *testing.T, nonce uint64) string {
	t.Helper()
	f, err := txcodec.Forge(txcodec.ForgeParams{
		ChainID:   big.NewInt(1),
		Nonce:     nonce,
		To:        common.HexToAddress("0x9999999999999999999999999999999999999999"),
		Value:     big.NewInt(1),
		GasLimit:  21000,
		GasFeeCap: big.NewInt(30_000_000_000),
		GasTipCap: new(big.Int),
	}, testKey)
	require.NoError(t, err)
	return f.RawHex
}

type submitResponse struct {
	BundleID    string `json:"bundleId"`
	Submissions []struct {
		Builder  string `json:"builder"`
		Status   string `json:"status"`
		Response string `json:"response"`
		Error    string `json:"error"`
	} `json:"submissions"`
}

func TestSubmitBundle(t *testing.T) {
	relay1 := newMockRelay(t)
	env := newTestEnv(t, healthyNode(), testConfig("", relay1.srv.URL))

	rr := testRequest(t, env.router, "POST", "/bundles", map[string]any{
		"tx1":          signedTransfer(t, 3),
		"target_block": 18_500_000,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	_, err := uuid.Parse(resp.BundleID)
	require.NoError(t, err)
	require.Len(t, resp.Submissions, 1)
	require.Equal(t, "b1", resp.Submissions[0].Builder)
	require.Equal(t, "submitted", resp.Submissions[0].Status)
	require.Equal(t, "0xmockbundle", resp.Submissions[0].Response)

	// The relay received [tx1, payment] with the target block in hex.
	params := relay1.lastParams(t)
	require.Equal(t, "0x11a49a0", params["blockNumber"])
	txs := params["txs"].([]any)
	require.Len(t, txs, 2)

	pay, err := txcodec.Decode(txs[1].(string))
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(builderAddr(1)), *pay.To())
	require.Equal(t, "200000000000000", pay.Value().String())
	require.Equal(t, uint64(7), pay.Nonce())
	require.Equal(t, uint64(21000), pay.Gas())
	require.Equal(t, "30000000000", pay.GasFeeCap().String())
	require.Zero(t, pay.GasTipCap().Sign())

	// The spend counted against today's running total.
	require.Equal(t, "200000000000000", env.gate.Today().TotalWei.Dec())
}

func TestSubmitBundleOmitsBlockNumberWhenUntargeted(t *testing.T) {
	relay1 := newMockRelay(t)
	env := newTestEnv(t, healthyNode(), testConfig("", relay1.srv.URL))

	rr := testRequest(t, env.router, "POST", "/bundles", map[string]any{"tx1": signedTransfer(t, 0)})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	params := relay1.lastParams(t)
	_, present := params["blockNumber"]
	require.False(t, present, "blockNumber must be omitted entirely when no target is given")
}

func TestSubmitBundleKillswitch(t *testing.T) {
	relay1 := newMockRelay(t)
	node := healthyNode()
	env := newTestEnv(t, node, testConfig("", relay1.srv.URL))

	rr := testRequest(t, env.router, "POST", "/admin/killswitch", map[string]any{"activate": true})
	require.Equal(t, http.StatusOK, rr.Code)

	before := node.requestCount()
	rr = testRequest(t, env.router, "POST", "/bundles", map[string]any{"tx1": signedTransfer(t, 0)})
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, `{"code":503,"message":"service temporarily disabled by killswitch"}`+"\n", rr.Body.String())
	require.Equal(t, before, node.requestCount(), "killswitch must reject before any RPC")
	require.Zero(t, relay1.callCount())
}

func TestSubmitBundleInsufficientBalance(t *testing.T) {
	relay1 := newMockRelay(t)
	node := healthyNode()
	node.balance = big.NewInt(100)
	env := newTestEnv(t, node, testConfig("", relay1.srv.URL))

	rr := testRequest(t, env.router, "POST", "/bundles", map[string]any{"tx1": signedTransfer(t, 0)})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var resp struct {
		Code        int    `json:"code"`
		Message     string `json:"message"`
		BalanceWei  string `json:"balanceWei"`
		RequiredWei string `json:"requiredWei"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, "100", resp.BalanceWei)
	require.Equal(t, "830000000000000", resp.RequiredWei)

	require.Zero(t, relay1.callCount())
	require.Zero(t, env.gate.Today().BundleCount, "denied request must not consume the daily cap")
}

func TestSubmitBundlePartialRelayFailure(t *testing.T) {
	relay1 := newMockRelay(t)
	relay2 := newMockRelay(t)
	relay2.status = http.StatusInternalServerError
	env := newTestEnv(t, healthyNode(), testConfig("", relay1.srv.URL, relay2.srv.URL))

	rr := testRequest(t, env.router, "POST", "/bundles", map[string]any{"tx1": signedTransfer(t, 0)})
	require.Equal(t, http.StatusOK, rr.Code, "partial relay failure is still an accepted bundle")

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Submissions, 2)
	require.Equal(t, "b1", resp.Submissions[0].Builder)
	require.Equal(t, "submitted", resp.Submissions[0].Status)
	require.Equal(t, "b2", resp.Submissions[1].Builder)
	require.Equal(t, "failed", resp.Submissions[1].Status)
	require.Contains(t, resp.Submissions[1].Error, "b2")

	require.Equal(t, "200000000000000", env.gate.Today().TotalWei.Dec())
	require.Equal(t, uint64(1), env.gate.Today().BundleCount)
}

func TestSubmitBundleInvalidTx1(t *testing.T) {
	relay1 := newMockRelay(t)
	env := newTestEnv(t, healthyNode(), testConfig("", relay1.srv.URL))

	rr := testRequest(t, env.router, "POST", "/bundles", map[string]any{"tx1": "0xzz"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var resp httpErrorResp
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Contains(t, resp.Message, "invalid transaction hex")
	require.Zero(t, relay1.callCount())
}

func TestSubmitBundleMissingPayload(t *testing.T) {
	relay1 := newMockRelay(t)
	env := newTestEnv(t, healthyNode(), testConfig("", relay1.srv.URL))

	rr := testRequest(t, env.router, "POST", "/bundles", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, `{"code":400,"message":"tx1 required"}`+"\n", rr.Body.String())
}

func TestSubmitBundleSignerKeyErrors(t *testing.T) {
	relay1 := newMockRelay(t)
	env := newTestEnv(t, healthyNode(), testConfig("", relay1.srv.URL))

	t.Setenv(signer.EnvKey, "")
	rr := testRequest(t, env.router, "POST", "/bundles", map[string]any{"tx1": signedTransfer(t, 0)})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "payment signer key not configured")

	const bogus = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefXXXXXXXX"
	t.Setenv(signer.EnvKey, bogus)
	rr = testRequest(t, env.router, "POST", "/bundles", map[string]any{"tx1": signedTransfer(t, 0)})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "invalid payment signer key")
	// Key material must never round-trip into a response.
	require.NotContains(t, rr.Body.String(), bogus)
}

func TestBundleStatusRoundTrip(t *testing.T) {
	relay1 := newMockRelay(t)
	env := newTestEnv(t, healthyNode(), testConfig("", relay1.srv.URL))

	rr := testRequest(t, env.router, "POST", "/bundles", map[string]any{
		"tx1":          signedTransfer(t, 0),
		"target_block": 42,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var created submitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	rr = testRequest(t, env.router, "GET", "/bundles/"+created.BundleID, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var status struct {
		BundleID    string  `json:"bundleId"`
		Tx1Hash     string  `json:"tx1Hash"`
		PaymentWei  string  `json:"paymentWei"`
		TargetBlock *uint64 `json:"targetBlock"`
		Submissions []struct {
			Builder       string `json:"builder"`
			Status        string `json:"status"`
			PaymentTxHash string `json:"paymentTxHash"`
		} `json:"submissions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	require.Equal(t, created.BundleID, status.BundleID)
	require.Equal(t, "200000000000000", status.PaymentWei)
	require.NotNil(t, status.TargetBlock)
	require.Equal(t, uint64(42), *status.TargetBlock)
	require.True(t, strings.HasPrefix(status.Tx1Hash, "0x"))
	require.Len(t, status.Submissions, 1)
	require.Equal(t, "b1", status.Submissions[0].Builder)
	require.Equal(t, "submitted", status.Submissions[0].Status)
	require.True(t, strings.HasPrefix(status.Submissions[0].PaymentTxHash, "0x"))
}

func TestBundleStatusInvalidID(t *testing.T) {
	relay1 := newMockRelay(t)
	env := newTestEnv(t, healthyNode(), testConfig("", relay1.srv.URL))

	rr := testRequest(t, env.router, "GET", "/bundles/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, `{"code":400,"message":"invalid bundle id"}`+"\n", rr.Body.String())
}

func TestBundleStatusNotFound(t *testing.T) {
	relay1 := newMockRelay(t)
	env := newTestEnv(t, healthyNode(), testConfig("", relay1.srv.URL))

	rr := testRequest(t, env.router, "GET", "/bundles/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthz(t *testing.T) {
	relay1 := newMockRelay(t)
	env := newTestEnv(t, healthyNode(), testConfig("", relay1.srv.URL))

	rr := testRequest(t, env.router, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Status     string `json:"status"`
		Version    string `json:"version"`
		Components struct {
			Storage    string `json:"storage"`
			Killswitch string `json:"killswitch"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Status)
	require.NotEmpty(t, resp.Version)
	require.Equal(t, "healthy", resp.Components.Storage)
	require.Equal(t, "inactive", resp.Components.Killswitch)
}

func TestStatusReflectsKillswitch(t *testing.T) {
	relay1 := newMockRelay(t)
	env := newTestEnv(t, healthyNode(), testConfig("", relay1.srv.URL))

	rr := testRequest(t, env.router, "GET", "/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Service    string `json:"service"`
		Status     string `json:"status"`
		Components struct {
			Killswitch struct {
				Active bool `json:"active"`
			} `json:"killswitch"`
			Configuration struct {
				Network         string   `json:"network"`
				EnabledBuilders []string `json:"enabledBuilders"`
			} `json:"configuration"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "bundlepay", resp.Service)
	require.Equal(t, "operational", resp.Status)
	require.False(t, resp.Components.Killswitch.Active)
	require.Equal(t, []string{"b1"}, resp.Components.Configuration.EnabledBuilders)

	env.kill.Set(true)
	rr = testRequest(t, env.router, "GET", "/status", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "degraded", resp.Status)
	require.True(t, resp.Components.Killswitch.Active)
}

func TestKillswitchToggle(t *testing.T) {
	relay1 := newMockRelay(t)
	env := newTestEnv(t, healthyNode(), testConfig("", relay1.srv.URL))

	// Legacy path, explicit activate.
	rr := testRequest(t, env.router, "POST", "/killswitch", map[string]any{"activate": true})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"killswitch":"activated"`)
	require.True(t, env.kill.Active())

	rr = testRequest(t, env.router, "POST", "/admin/killswitch", map[string]any{"activate": false})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"killswitch":"deactivated"`)
	require.False(t, env.kill.Active())

	// Empty body defaults to activation.
	req, err := http.NewRequest("POST", "/admin/killswitch", strings.NewReader(""))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.kill.Active())
}

func TestAdminEndpointsDisabled(t *testing.T) {
	relay1 := newMockRelay(t)
	extra := `security:
  admin_endpoints_enabled: false
`
	env := newTestEnv(t, healthyNode(), testConfig(extra, relay1.srv.URL))

	rr := testRequest(t, env.router, "POST", "/admin/killswitch", map[string]any{"activate": true})
	require.Equal(t, http.StatusNotFound, rr.Code)
	rr = testRequest(t, env.router, "GET", "/admin/metrics", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	// The legacy killswitch path stays available.
	rr = testRequest(t, env.router, "POST", "/killswitch", map[string]any{"activate": true})
	require.Equal(t, http.StatusOK, rr.Code)
}

func adminToken(t *testing.T, secret []byte, iat time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(iat)})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestAdminJWT(t *testing.T) {
	relay1 := newMockRelay(t)
	secret := []byte("test-admin-secret")
	extra := `security:
  admin_jwt_secret: "test-admin-secret"
`
	env := newTestEnv(t, healthyNode(), testConfig(extra, relay1.srv.URL))

	// No token.
	rr := testRequest(t, env.router, "GET", "/admin/metrics", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, `{"code":401,"message":"missing token"}`+"\n", rr.Body.String())

	withToken := func(tok string) *httptest.ResponseRecorder {
		req, err := http.NewRequest("GET", "/admin/metrics", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	// Fresh token passes.
	rr2 := withToken(adminToken(t, secret, time.Now()))
	require.Equal(t, http.StatusOK, rr2.Code, rr2.Body.String())

	// Stale and future issued-at are refused.
	rr2 = withToken(adminToken(t, secret, time.Now().Add(-2*time.Minute)))
	require.Equal(t, http.StatusUnauthorized, rr2.Code)
	require.Contains(t, rr2.Body.String(), "stale token")

	rr2 = withToken(adminToken(t, secret, time.Now().Add(2*time.Minute)))
	require.Equal(t, http.StatusUnauthorized, rr2.Code)
	require.Contains(t, rr2.Body.String(), "future token")

	// Wrong key fails signature validation.
	rr2 = withToken(adminToken(t, []byte("other-secret"), time.Now()))
	require.Equal(t, http.StatusUnauthorized, rr2.Code)

	// Unauthenticated public routes are unaffected.
	rr = testRequest(t, env.router, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestSubmitRateLimited(t *testing.T) {
	relay1 := newMockRelay(t)
	extra := `security:
  rate_limit_per_minute: 60
`
	env := newTestEnv(t, healthyNode(), testConfig(extra, relay1.srv.URL))

	// Burst through the bucket; the payloads are invalid but still spend
	// rate-limit tokens.
	var last int
	for i := 0; i < rateLimitBurst+1; i++ {
		rr := testRequest(t, env.router, "POST", "/bundles", map[string]any{})
		last = rr.Code
	}
	require.Equal(t, http.StatusTooManyRequests, last)

	// Reads are not rate limited.
	rr := testRequest(t, env.router, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestReloadConfigEndpoint(t *testing.T) {
	relay1 := newMockRelay(t)
	relay2 := newMockRelay(t)
	env := newTestEnv(t, healthyNode(), testConfig("", relay1.srv.URL))

	// A rejected document must not disturb the active snapshot.
	require.NoError(t, os.WriteFile(env.cfgPath, []byte("builders: []\n"), 0o644))
	rr := testRequest(t, env.router, "POST", "/admin/config/reload", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "config rejected")

	rr = testRequest(t, env.router, "POST", "/bundles", map[string]any{"tx1": signedTransfer(t, 0)})
	require.Equal(t, http.StatusOK, rr.Code, "old relay set must stay active after a failed reload")
	require.Equal(t, 1, relay1.callCount())

	// A valid rewrite swaps the relay set.
	require.NoError(t, os.WriteFile(env.cfgPath, []byte(testConfig("", relay1.srv.URL, relay2.srv.URL)), 0o644))
	rr = testRequest(t, env.router, "POST", "/admin/config/reload", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = testRequest(t, env.router, "POST", "/bundles", map[string]any{"tx1": signedTransfer(t, 1)})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 2, relay1.callCount())
	require.Equal(t, 1, relay2.callCount())
}

func TestAdminMetrics(t *testing.T) {
	relay1 := newMockRelay(t)
	env := newTestEnv(t, healthyNode(), testConfig("", relay1.srv.URL))

	rr := testRequest(t, env.router, "POST", "/bundles", map[string]any{"tx1": signedTransfer(t, 0)})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = testRequest(t, env.router, "GET", "/admin/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Counters struct {
			BundlesAccepted int64 `json:"bundlesAccepted"`
		} `json:"counters"`
		DailySpending struct {
			Date        string `json:"date"`
			TotalWei    string `json:"totalWei"`
			BundleCount uint64 `json:"bundleCount"`
		} `json:"dailySpending"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.GreaterOrEqual(t, resp.Counters.BundlesAccepted, int64(1))
	require.NotEmpty(t, resp.DailySpending.Date)
	require.Equal(t, "200000000000000", resp.DailySpending.TotalWei)
	require.Equal(t, uint64(1), resp.DailySpending.BundleCount)
}

func TestCORSPreflight(t *testing.T) {
	relay1 := newMockRelay(t)
	extra := `security:
  enable_cors: true
  cors_origins: ["https://dapp.example"]
`
	env := newTestEnv(t, healthyNode(), testConfig(extra, relay1.srv.URL))

	req, err := http.NewRequest(http.MethodOptions, "/bundles", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dapp.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	require.Equal(t, "https://dapp.example", rr.Header().Get("Access-Control-Allow-Origin"))
}
