package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"MarginLedger/internal/engine"
	"MarginLedger/internal/observability"
)

var testSecret = []byte("test-secret")

// wallet that always approves transfers
type openWallet struct{}

func (openWallet) Pull(ctx context.Context, account string, amount int64) error { return nil }
func (openWallet) Push(ctx context.Context, account string, amount int64) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	persistChan := make(chan engine.Output, 1024)
	eng := engine.New(0, openWallet{}, engine.NewStaticAccessPolicy([]string{"executor"}),
		"venue", persistChan, nil, nil, nil)

	health := observability.NewHealthChecker()
	health.SetReady(true)

	// Query service is nil-safe to omit here: these tests exercise the
	// command surface, which never touches projections.
	return NewServer(eng, nil, health, testSecret)
}

func signToken(t *testing.T, subject, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, apiClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

var cmdCounter int

func nextCommandID() string {
	cmdCounter++
	return fmt.Sprintf("http-test-%d", cmdCounter)
}

func createOrderBody(conditional bool) map[string]interface{} {
	body := map[string]interface{}{
		"command_id":   nextCommandID(),
		"asset":        "BTC-USD",
		"side":         "long",
		"commission":   "10",
		"margin":       "1000",
		"size":         "5",
		"leverage":     10,
		"timestamp_us": time.Now().UnixMicro(),
	}
	if conditional {
		body["target_price"] = "95.00"
	}
	return body
}

func TestUnauthenticatedRejected(t *testing.T) {
	router := newTestServer(t).Router()
	rec := doJSON(t, router, http.MethodPost, "/v1/orders", "", createOrderBody(false))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestBadTokenRejected(t *testing.T) {
	router := newTestServer(t).Router()
	rec := doJSON(t, router, http.MethodPost, "/v1/orders", "not-a-jwt", createOrderBody(false))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestCreateOrder(t *testing.T) {
	router := newTestServer(t).Router()
	token := signToken(t, "alice", "")

	rec := doJSON(t, router, http.MethodPost, "/v1/orders", token, createOrderBody(false))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp orderCreatedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.OrderID != 1 {
		t.Errorf("order_id = %d, want 1", resp.OrderID)
	}
	if resp.Account != "alice" {
		t.Errorf("account = %q, want alice (from token subject)", resp.Account)
	}
	if resp.Margin != "1000.000000" {
		t.Errorf("margin = %q", resp.Margin)
	}
}

func TestCreateOrderRejectsBadAmount(t *testing.T) {
	router := newTestServer(t).Router()
	token := signToken(t, "alice", "")

	body := createOrderBody(false)
	body["margin"] = "10.0000001" // 7 decimal places
	rec := doJSON(t, router, http.MethodPost, "/v1/orders", token, body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCancelOrderFlow(t *testing.T) {
	router := newTestServer(t).Router()
	alice := signToken(t, "alice", "")

	rec := doJSON(t, router, http.MethodPost, "/v1/orders", alice, createOrderBody(true))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}

	cancel := map[string]interface{}{
		"command_id":   nextCommandID(),
		"timestamp_us": time.Now().UnixMicro(),
	}
	rec = doJSON(t, router, http.MethodDelete, "/v1/orders/1", alice, cancel)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["refund"] != "1010.000000" {
		t.Errorf("refund = %v", resp["refund"])
	}
}

func TestCancelByStrangerForbidden(t *testing.T) {
	router := newTestServer(t).Router()
	alice := signToken(t, "alice", "")
	mallory := signToken(t, "mallory", "")

	doJSON(t, router, http.MethodPost, "/v1/orders", alice, createOrderBody(true))

	cancel := map[string]interface{}{
		"command_id":   nextCommandID(),
		"timestamp_us": time.Now().UnixMicro(),
	}
	rec := doJSON(t, router, http.MethodDelete, "/v1/orders/1", mallory, cancel)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestExecuteRequiresExecutorRole(t *testing.T) {
	router := newTestServer(t).Router()
	alice := signToken(t, "alice", "")

	doJSON(t, router, http.MethodPost, "/v1/orders", alice, createOrderBody(false))

	execute := map[string]interface{}{
		"command_id":   nextCommandID(),
		"open_price":   "100.00",
		"opened_at_us": time.Now().UnixMicro(),
	}
	rec := doJSON(t, router, http.MethodPost, "/v1/orders/1/execute", alice, execute)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestExecuteAndClose(t *testing.T) {
	router := newTestServer(t).Router()
	alice := signToken(t, "alice", "")
	executor := signToken(t, "executor", RoleExecutor)

	doJSON(t, router, http.MethodPost, "/v1/orders", alice, createOrderBody(false))

	execute := map[string]interface{}{
		"command_id":   nextCommandID(),
		"open_price":   "100.00",
		"opened_at_us": time.Now().UnixMicro(),
	}
	rec := doJSON(t, router, http.MethodPost, "/v1/orders/1/execute", executor, execute)
	if rec.Code != http.StatusCreated {
		t.Fatalf("execute: %d %s", rec.Code, rec.Body.String())
	}

	var opened positionOpenedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &opened); err != nil {
		t.Fatal(err)
	}
	if opened.LiquidationPrice != "92.00" {
		t.Errorf("liquidation price = %q, want 92.00", opened.LiquidationPrice)
	}

	closeBody := map[string]interface{}{
		"command_id":         nextCommandID(),
		"pnl":                "-150",
		"closing_commission": "0",
		"timestamp_us":       time.Now().UnixMicro(),
	}
	rec = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/v1/positions/%d/close", opened.PositionID), executor, closeBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("close: %d %s", rec.Code, rec.Body.String())
	}

	var closed map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &closed); err != nil {
		t.Fatal(err)
	}
	if closed["trader_payout"] != "850.000000" {
		t.Errorf("trader_payout = %v", closed["trader_payout"])
	}
}

func TestDuplicateCommandConflict(t *testing.T) {
	router := newTestServer(t).Router()
	alice := signToken(t, "alice", "")

	body := createOrderBody(false)
	if rec := doJSON(t, router, http.MethodPost, "/v1/orders", alice, body); rec.Code != http.StatusCreated {
		t.Fatalf("first create: %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodPost, "/v1/orders", alice, body); rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}
}

func TestReadOrderByID(t *testing.T) {
	router := newTestServer(t).Router()
	alice := signToken(t, "alice", "")
	mallory := signToken(t, "mallory", "")

	doJSON(t, router, http.MethodPost, "/v1/orders", alice, createOrderBody(true))

	rec := doJSON(t, router, http.MethodGet, "/v1/orders/1", alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var view orderView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.TargetPrice != "95.00" {
		t.Errorf("target_price = %q, want 95.00", view.TargetPrice)
	}
	if view.Margin != "1000.000000" {
		t.Errorf("margin = %q", view.Margin)
	}

	if rec := doJSON(t, router, http.MethodGet, "/v1/orders/1", mallory, nil); rec.Code != http.StatusForbidden {
		t.Errorf("stranger read = %d, want 403", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodGet, "/v1/orders/99", alice, nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing order = %d, want 404", rec.Code)
	}
}

func TestReadPositionAndTriggers(t *testing.T) {
	router := newTestServer(t).Router()
	alice := signToken(t, "alice", "")
	executor := signToken(t, "executor", RoleExecutor)

	body := createOrderBody(false)
	body["stop_loss"] = "90.00"
	doJSON(t, router, http.MethodPost, "/v1/orders", alice, body)

	execute := map[string]interface{}{
		"command_id":   nextCommandID(),
		"open_price":   "100.00",
		"opened_at_us": time.Now().UnixMicro(),
	}
	if rec := doJSON(t, router, http.MethodPost, "/v1/orders/1/execute", executor, execute); rec.Code != http.StatusCreated {
		t.Fatalf("execute: %d %s", rec.Code, rec.Body.String())
	}

	rec := doJSON(t, router, http.MethodGet, "/v1/positions/1", alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("position: %d %s", rec.Code, rec.Body.String())
	}
	var pos positionView
	if err := json.Unmarshal(rec.Body.Bytes(), &pos); err != nil {
		t.Fatal(err)
	}
	if pos.Notional != "500.000000" {
		t.Errorf("notional = %q, want 500.000000 (5 @ 100.00)", pos.Notional)
	}
	if pos.LiquidationPrice != "92.00" {
		t.Errorf("liquidation_price = %q, want 92.00", pos.LiquidationPrice)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/positions/1/triggers", alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("triggers: %d %s", rec.Code, rec.Body.String())
	}
	var armed []triggerView
	if err := json.Unmarshal(rec.Body.Bytes(), &armed); err != nil {
		t.Fatal(err)
	}
	kinds := make(map[string]string, len(armed))
	for _, trg := range armed {
		kinds[trg.Kind] = trg.Price
	}
	if len(kinds) != 2 || kinds["stop_loss"] != "90.00" || kinds["liquidation"] != "92.00" {
		t.Errorf("armed triggers = %+v", armed)
	}

	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/v1/triggers/%d", armed[0].TriggerID), alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger by id: %d %s", rec.Code, rec.Body.String())
	}
	var single triggerView
	if err := json.Unmarshal(rec.Body.Bytes(), &single); err != nil {
		t.Fatal(err)
	}
	if single != armed[0] {
		t.Errorf("trigger by id = %+v, want %+v", single, armed[0])
	}
}

func TestPoolReadExecutorOnly(t *testing.T) {
	router := newTestServer(t).Router()
	alice := signToken(t, "alice", "")
	executor := signToken(t, "executor", RoleExecutor)

	if rec := doJSON(t, router, http.MethodGet, "/v1/pool", alice, nil); rec.Code != http.StatusForbidden {
		t.Errorf("trader pool read = %d, want 403", rec.Code)
	}

	rec := doJSON(t, router, http.MethodGet, "/v1/pool", executor, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pool: %d %s", rec.Code, rec.Body.String())
	}
	var pool map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &pool); err != nil {
		t.Fatal(err)
	}
	if pool["balance"] != "0.000000" {
		t.Errorf("pool balance = %v", pool["balance"])
	}
}

func TestJournalReadByStrangerForbidden(t *testing.T) {
	router := newTestServer(t).Router()
	mallory := signToken(t, "mallory", "")

	rec := doJSON(t, router, http.MethodGet, "/v1/accounts/alice/journal", mallory, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestHealthEndpointsOpen(t *testing.T) {
	router := newTestServer(t).Router()
	if rec := doJSON(t, router, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d", rec.Code)
	}
}
