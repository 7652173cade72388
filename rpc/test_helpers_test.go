package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"liquidationqueue/core"
	"liquidationqueue/core/events"
	"liquidationqueue/crypto"
	"liquidationqueue/native/liquidation"
	"liquidationqueue/services/liquidationd/outbox"
	"liquidationqueue/storage"
)

var testAuth = AuthConfig{
	HMACSecret: "rpc-test-secret",
	Issuer:     "rpc-tests",
	Audience:   "liquidationd",
}

func testAddress(b byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

var (
	ownerAddr   = testAddress(0x01)
	lendingAddr = testAddress(0x02)
	bidderAddr  = testAddress(0x03)
	relayerAddr = testAddress(0x04)
)

type testEnv struct {
	host    *core.Host
	outbox  *outbox.Store
	feed    *events.Feed
	handler http.Handler
}

type testResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func newTestEnv(t *testing.T, limit RateLimit) *testEnv {
	t.Helper()
	store, err := outbox.Open(outbox.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	feed := events.NewFeed(16)
	host := core.NewHost(storage.NewMemDB(), nil, nil)
	host.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	host.AddGuard(store)
	host.AddHook(core.FeedHook(feed))
	_, err = host.InitGenesis(context.Background(), &liquidation.Genesis{
		Params: liquidation.Params{Owner: ownerAddr, LendingSystem: lendingAddr, StableDenom: "uusd"},
		Queues: []liquidation.GenesisQueue{{Asset: "ubtc", MaxPremium: 10}},
	})
	require.NoError(t, err)

	auth, err := NewAuthenticator(testAuth)
	require.NoError(t, err)
	srv, err := NewServer(host, Config{Auth: auth, RateLimit: limit, Outbox: store, Feed: feed})
	require.NoError(t, err)
	return &testEnv{host: host, outbox: store, feed: feed, handler: srv.Handler()}
}

func tokenFor(t *testing.T, addr crypto.Address, scopes ...string) string {
	t.Helper()
	token, err := IssueToken(testAuth, addr.String(), scopes, time.Hour, time.Now())
	require.NoError(t, err)
	return token
}

func (e *testEnv) call(t *testing.T, token, method string, params interface{}) (int, testResponse) {
	t.Helper()
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.post(t, token, body)
}

func (e *testEnv) post(t *testing.T, token string, body []byte) (int, testResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	var resp testResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

// mustCall performs a call that is expected to succeed and decodes its result.
func (e *testEnv) mustCall(t *testing.T, token, method string, params, out interface{}) {
	t.Helper()
	status, resp := e.call(t, token, method, params)
	require.Nil(t, resp.Error, "%s failed: %+v", method, resp.Error)
	require.Equal(t, http.StatusOK, status)
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Result, out))
	}
}

func (e *testEnv) expectError(t *testing.T, token, method string, params interface{}, status, code int) *RPCError {
	t.Helper()
	got, resp := e.call(t, token, method, params)
	require.NotNil(t, resp.Error, "%s unexpectedly succeeded", method)
	require.Equal(t, status, got, resp.Error.Message)
	require.Equal(t, code, resp.Error.Code, resp.Error.Message)
	return resp.Error
}
