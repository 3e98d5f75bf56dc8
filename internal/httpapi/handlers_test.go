package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"probite/backend/internal/domain"
	"probite/backend/internal/service"
	"probite/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded("PBT")
	svc := service.New(repo, nil, 0)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func loginToken(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func csrfToken(t *testing.T, handler http.Handler) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token fetch failed: %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf response: %v", err)
	}
	return body["csrf_token"]
}

func authedRequest(t *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", csrfToken(t, handler))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "owner",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_RateLimit(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	// The loginLimiter allows 5 attempts per minute.
	// Fire 6 requests from the same "IP" (httptest uses RemoteAddr "192.0.2.1:1234").
	payload, _ := json.Marshal(map[string]string{
		"username": "owner",
		"password": "badpass",
	})

	var lastCode int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		lastCode = rec.Code
	}

	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after 6 attempts, got %d", lastCode)
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_ListSeeded(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "kasir", "kasir123")

	rec := authedRequest(t, handler, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body domain.ProductListResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Products) == 0 {
		t.Fatalf("expected seeded products, got none")
	}
}

func TestHandleProducts_CreateForbiddenForKasir(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "kasir", "kasir123")

	rec := authedRequest(t, handler, http.MethodPost, "/api/v1/products", token, domain.ProductCreateRequest{
		Name:      "Burger Ayam",
		SellPrice: 20000,
		CostPrice: 10000,
		Stock:     5,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleCheckout_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "kasir", "kasir123")

	rec := authedRequest(t, handler, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		Branch: domain.BranchSemarang,
		Lines: []domain.CartLine{
			{ProductID: "prd-coldbrew-01", Qty: 2, UnitPrice: 18000, UnitCost: 10000},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.CheckoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Transaction.SequenceNumber != "PBT-001" {
		t.Fatalf("expected PBT-001, got %s", resp.Transaction.SequenceNumber)
	}
	if resp.Transaction.TotalAmount != 36000 || resp.Transaction.TotalProfit != 16000 {
		t.Fatalf("unexpected totals: %+v", resp.Transaction)
	}
}

func TestHandleCheckout_InsufficientStockDetail(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "kasir", "kasir123")

	// Seeded cold brew stock is 25.
	rec := authedRequest(t, handler, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		Branch: domain.BranchSemarang,
		Lines: []domain.CartLine{
			{ProductID: "prd-coldbrew-01", Qty: 26, UnitPrice: 18000, UnitCost: 10000},
		},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Error  string `json:"error"`
		Detail struct {
			ProductID string `json:"product_id"`
			Requested int    `json:"requested"`
			Available int    `json:"available"`
		} `json:"detail"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Detail.ProductID != "prd-coldbrew-01" || body.Detail.Requested != 26 || body.Detail.Available != 25 {
		t.Fatalf("unexpected shortfall detail: %+v", body.Detail)
	}
}

func TestHandleCheckout_RequiresCSRF(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "kasir", "kasir123")

	payload, _ := json.Marshal(domain.CheckoutRequest{
		Branch: domain.BranchSemarang,
		Lines: []domain.CartLine{
			{ProductID: "prd-coldbrew-01", Qty: 1, UnitPrice: 18000, UnitCost: 10000},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without CSRF token, got %d", rec.Code)
	}
}

func TestHandleTransactionStatus_Toggle(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "kasir", "kasir123")

	checkout := authedRequest(t, handler, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		Branch: domain.BranchSemarang,
		Lines: []domain.CartLine{
			{ProductID: "prd-matcha-01", Qty: 1, UnitPrice: 16000, UnitCost: 8000},
		},
	})
	if checkout.Code != http.StatusCreated {
		t.Fatalf("checkout failed: %d %s", checkout.Code, checkout.Body.String())
	}
	var created domain.CheckoutResponse
	if err := json.NewDecoder(checkout.Body).Decode(&created); err != nil {
		t.Fatalf("decode checkout: %v", err)
	}

	rec := authedRequest(t, handler, http.MethodPatch,
		"/api/v1/transactions/"+created.Transaction.ID+"/status", token,
		domain.PaymentStateRequest{PaymentState: domain.PaymentPaid})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Transaction domain.Transaction `json:"transaction"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Transaction.PaymentState != domain.PaymentPaid {
		t.Fatalf("expected paid, got %s", body.Transaction.PaymentState)
	}
}

func TestHandleTransactionLookupBySequence(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "kasir", "kasir123")

	checkout := authedRequest(t, handler, http.MethodPost, "/api/v1/checkout", token, domain.CheckoutRequest{
		Branch: domain.BranchJogja,
		Lines: []domain.CartLine{
			{ProductID: "prd-wings-01", Qty: 1, UnitPrice: 18000, UnitCost: 12000},
		},
	})
	if checkout.Code != http.StatusCreated {
		t.Fatalf("checkout failed: %d %s", checkout.Code, checkout.Body.String())
	}

	rec := authedRequest(t, handler, http.MethodGet, "/api/v1/transactions/sequence/PBT-001", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Transaction domain.Transaction `json:"transaction"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Transaction.SequenceNumber != "PBT-001" {
		t.Fatalf("expected PBT-001, got %s", body.Transaction.SequenceNumber)
	}
}

func TestHandleSalesReport_OwnerOnly(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	kasirToken := loginToken(t, handler, "kasir", "kasir123")
	rec := authedRequest(t, handler, http.MethodGet, "/api/v1/reports/sales", kasirToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for kasir, got %d", rec.Code)
	}

	ownerToken := loginToken(t, handler, "owner", "owner123")
	rec = authedRequest(t, handler, http.MethodGet, "/api/v1/reports/sales", ownerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for owner, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var summary domain.SalesSummary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHandleSalesReport_CSVExport(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "owner", "owner123")

	rec := authedRequest(t, handler, http.MethodGet, "/api/v1/reports/sales?format=csv", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv; charset=utf-8" {
		t.Fatalf("unexpected content type %s", ct)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("section,key,value")) {
		t.Fatalf("expected CSV header, got %s", rec.Body.String())
	}
}

func TestHandleExpenses_OwnerLifecycle(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "owner", "owner123")

	rec := authedRequest(t, handler, http.MethodPost, "/api/v1/expenses", token, domain.ExpenseCreateRequest{
		Description: "Gas elpiji",
		Qty:         2,
		Unit:        "tabung",
		Amount:      44000,
		Branch:      domain.BranchSemarang,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var created struct {
		Expense domain.Expense `json:"expense"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	list := authedRequest(t, handler, http.MethodGet, "/api/v1/expenses?branch=Semarang", token, nil)
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", list.Code)
	}
	var listBody domain.ExpenseListResponse
	if err := json.NewDecoder(list.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listBody.Expenses) != 1 {
		t.Fatalf("expected 1 expense, got %d", len(listBody.Expenses))
	}

	del := authedRequest(t, handler, http.MethodDelete, "/api/v1/expenses/"+created.Expense.ID, token, nil)
	if del.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", del.Code, del.Body.String())
	}
}

func TestHandleBranchBalance_RoundTrip(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "owner", "owner123")

	set := authedRequest(t, handler, http.MethodPut, "/api/v1/branches/Jogja/balance", token,
		domain.BranchBalanceRequest{Balance: 750000})
	if set.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", set.Code, set.Body.String())
	}

	get := authedRequest(t, handler, http.MethodGet, "/api/v1/branches/Jogja/balance", token, nil)
	if get.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.Code)
	}
	var balance domain.BranchBalance
	if err := json.NewDecoder(get.Body).Decode(&balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.Balance != 750000 {
		t.Fatalf("expected 750000, got %d", balance.Balance)
	}
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes
// (used to confirm test infrastructure is sound).
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
