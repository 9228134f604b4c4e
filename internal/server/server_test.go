package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capGoblin/aegis402/internal/clearing"
	"github.com/capGoblin/aegis402/internal/config"
	"github.com/capGoblin/aegis402/internal/realtime"
	"github.com/capGoblin/aegis402/internal/registry"
	"github.com/capGoblin/aegis402/pkg/x402"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCore struct {
	subscribeResult clearing.SubscribeResult
	subscribeErr    error
	quoteResult     []clearing.QuotedMerchant
	settleResult    clearing.SettleResult
	settleErr       error
	slashResult     clearing.SlashResult
	slashErr        error
	address         string
}

func (f *fakeCore) Subscribe(_ context.Context, _ clearing.SubscribeRequest) (clearing.SubscribeResult, error) {
	return f.subscribeResult, f.subscribeErr
}
func (f *fakeCore) Quote(_ context.Context, _ string, _ *big.Int) []clearing.QuotedMerchant {
	return f.quoteResult
}
func (f *fakeCore) Settle(_ context.Context, _ string) (clearing.SettleResult, error) {
	return f.settleResult, f.settleErr
}
func (f *fakeCore) Slash(_ context.Context, _, _ string) (clearing.SlashResult, error) {
	return f.slashResult, f.slashErr
}
func (f *fakeCore) Address() string { return f.address }

func (f *fakeCore) CreditHealth() map[string]string { return map[string]string{} }

type fakeFacilitator struct {
	verifyResult *x402.VerifyResult
	settleResult *x402.SettleResult
}

func (f *fakeFacilitator) Verify(_ context.Context, _ x402.PaymentPayload, _ x402.PaymentRequirement) (*x402.VerifyResult, error) {
	return f.verifyResult, nil
}
func (f *fakeFacilitator) Settle(_ context.Context, _ x402.PaymentPayload, _ x402.PaymentRequirement) (*x402.SettleResult, error) {
	return f.settleResult, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		RPCURL:               "https://sepolia.base.org",
		ChainID:              84532,
		CreditManagerAddress: "0xcreditmanager",
		AssetAddress:         "0xasset",
		MinStakeAmount:       "100",
		SlashBondAmount:      "1",
		RequestTimeout:       config.DefaultRequestTimeout,
		HTTPReadTimeout:      config.DefaultHTTPReadTimeout,
		HTTPWriteTimeout:     config.DefaultHTTPWriteTimeout,
		HTTPIdleTimeout:      config.DefaultHTTPIdleTimeout,
	}
}

func newTestServer(t *testing.T, core *fakeCore, fac *fakeFacilitator) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	hub := realtime.NewHub(slog.Default())
	s := New(testConfig(), core, reg, hub, fac, WithLogger(slog.Default()))
	return s, reg
}

func doRequest(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	core := &fakeCore{address: "0xagent"}
	s, _ := newTestServer(t, core, &fakeFacilitator{})

	w := doRequest(s, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "0xagent", resp["agent"])
	assert.Equal(t, "0xcreditmanager", resp["credit_manager"])
}

func TestMerchantsHandler(t *testing.T) {
	core := &fakeCore{}
	s, reg := newTestServer(t, core, &fakeFacilitator{})

	reg.UpsertMerchant(&registry.Merchant{
		Address: "0xmerchant", Endpoint: "https://merchant.example",
		Skills: map[string]struct{}{"translate": {}}, Stake: "1000", CreditLimit: "1750", Exposure: "0", Active: true,
	})

	w := doRequest(s, "GET", "/merchants", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Merchants []merchantView `json:"merchants"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Merchants, 1)
	assert.Equal(t, "0xmerchant", resp.Merchants[0].Address)
}

func TestSubscribeHandler_NoPaymentReturns402(t *testing.T) {
	core := &fakeCore{address: "0xagent"}
	s, _ := newTestServer(t, core, &fakeFacilitator{})

	w := doRequest(s, "POST", "/subscribe", map[string]interface{}{
		"endpoint": "https://merchant.example", "agent_id": "agent-1", "skills": []string{"translate"},
	})
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var resp x402.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Accepts, 1)
	assert.Equal(t, x402.PurposeStake, resp.Accepts[0].Extra.Purpose)
	assert.Equal(t, "0xagent", resp.Accepts[0].PayTo)
}

func TestSubscribeHandler_WithPaymentSucceeds(t *testing.T) {
	core := &fakeCore{
		address:         "0xagent",
		subscribeResult: clearing.SubscribeResult{Success: true, Merchant: "0xclient", CreditLimit: "1750"},
	}
	fac := &fakeFacilitator{
		verifyResult: &x402.VerifyResult{IsValid: true, Payer: "0xclient"},
		settleResult: &x402.SettleResult{Success: true, Payer: "0xclient", Transaction: "0xsettled"},
	}
	s, _ := newTestServer(t, core, fac)

	body := map[string]interface{}{
		"endpoint": "https://merchant.example", "agent_id": "agent-1", "skills": []string{"translate"},
		"payment_payload": x402.PaymentPayload{TxHash: "0xtx1", From: "0xclient"},
		"requirements":    x402.NewStakeRequirement("base-sepolia", "0xasset", "0xagent", "/subscribe", "1000000", 300),
	}
	w := doRequest(s, "POST", "/subscribe", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp clearing.SubscribeResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestSubscribeHandler_MissingFieldsReturns400(t *testing.T) {
	core := &fakeCore{}
	s, _ := newTestServer(t, core, &fakeFacilitator{})

	w := doRequest(s, "POST", "/subscribe", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQuoteHandler_Success(t *testing.T) {
	core := &fakeCore{quoteResult: []clearing.QuotedMerchant{{Address: "0xm1", AvailableCapacity: "500"}}}
	s, _ := newTestServer(t, core, &fakeFacilitator{})

	w := doRequest(s, "POST", "/quote", map[string]interface{}{"skill": "translate", "price": "10"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Merchants []clearing.QuotedMerchant `json:"merchants"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Merchants, 1)
	assert.Equal(t, "0xm1", resp.Merchants[0].Address)
}

func TestQuoteHandler_MissingSkillReturns400(t *testing.T) {
	core := &fakeCore{}
	s, _ := newTestServer(t, core, &fakeFacilitator{})

	w := doRequest(s, "POST", "/quote", map[string]interface{}{"price": "10"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettleHandler_NotFound(t *testing.T) {
	core := &fakeCore{settleResult: clearing.SettleResult{Success: false, Message: clearing.MsgPaymentNotFound}}
	s, _ := newTestServer(t, core, &fakeFacilitator{})

	w := doRequest(s, "POST", "/settle", map[string]interface{}{"tx_hash": "0xmissing"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettleHandler_Success(t *testing.T) {
	core := &fakeCore{settleResult: clearing.SettleResult{Success: true, Merchant: "0xmerchant", Amount: "500"}}
	s, _ := newTestServer(t, core, &fakeFacilitator{})

	w := doRequest(s, "POST", "/settle", map[string]interface{}{"tx_hash": "0xtx1"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSlashHandler_NoPaymentReturns402(t *testing.T) {
	core := &fakeCore{address: "0xagent"}
	s, _ := newTestServer(t, core, &fakeFacilitator{})

	w := doRequest(s, "POST", "/slash", map[string]interface{}{"tx_hash": "0xtx1"})
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var resp x402.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, x402.PurposeSlashBond, resp.Accepts[0].Extra.Purpose)
}

func TestSlashHandler_WithPaymentSucceeds(t *testing.T) {
	core := &fakeCore{
		address:     "0xagent",
		slashResult: clearing.SlashResult{Success: true, Merchant: "0xmerchant", Client: "0xclient"},
	}
	fac := &fakeFacilitator{
		verifyResult: &x402.VerifyResult{IsValid: true, Payer: "0xclient"},
		settleResult: &x402.SettleResult{Success: true, Payer: "0xclient"},
	}
	s, _ := newTestServer(t, core, fac)

	body := map[string]interface{}{
		"tx_hash":         "0xtx1",
		"payment_payload": x402.PaymentPayload{TxHash: "0xbond1", From: "0xclient"},
		"requirements":    x402.NewSlashBondRequirement("base-sepolia", "0xasset", "0xagent", "/slash", "1000000", 300),
	}
	w := doRequest(s, "POST", "/slash", body)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestNotFoundRoute(t *testing.T) {
	core := &fakeCore{}
	s, _ := newTestServer(t, core, &fakeFacilitator{})

	w := doRequest(s, "GET", "/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
