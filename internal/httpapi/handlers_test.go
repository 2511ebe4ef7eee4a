package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/service"
	"tokoledger/backend/internal/store/memory"
)

const testManagerPIN = "739154"

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded(nil)
	svc := service.New(repo, service.Options{})
	auth := NewAuthManager("test-secret-key", time.Hour, testManagerPIN, repo)

	return New(svc, auth, Config{})
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

// doJSON sends an authenticated request with a fresh CSRF token on writes.
func doJSON(t *testing.T, handler http.Handler, api *API, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", api.generateCSRFToken())
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func loginAs(t *testing.T, api *API, username string, password string) string {
	t.Helper()
	rec := doJSON(t, api.Handler(), api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s failed, status %d (body: %s)", username, rec.Code, rec.Body.String())
	}
	var payload domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	return payload.AccessToken
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
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header to be echoed")
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["access_token"] == "" || body["access_token"] == nil {
		t.Fatalf("expected access_token in response, got %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
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

func TestHandleAvailability_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/availability?item_type=Product&item_id=prd-kopi-susu", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleAvailability_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, handler, api, http.MethodGet, "/api/v1/availability?item_type=Product&item_id=prd-air-mineral", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var availability domain.Availability
	if err := json.NewDecoder(rec.Body).Decode(&availability); err != nil {
		t.Fatalf("decode availability: %v", err)
	}
	if !availability.Available {
		t.Fatalf("expected seeded air mineral to be available, got %+v", availability)
	}

	rec = doJSON(t, handler, api, http.MethodGet, "/api/v1/availability?item_type=Combo&item_id=x", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown item type, got %d", rec.Code)
	}
}

func TestCashierCannotUseAdminRoutes(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, handler, api, http.MethodGet, "/api/v1/audit-logs", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for audit logs as cashier, got %d", rec.Code)
	}
	rec = doJSON(t, handler, api, http.MethodPost, "/api/v1/inventory/adjustments", token, map[string]any{})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for adjustments as cashier, got %d", rec.Code)
	}
}

func TestWritesRequireCSRFToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	body, _ := json.Marshal(domain.OpenShiftRequest{OpenOperationID: "open-no-csrf"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/shifts/open", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", rec.Code)
	}
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, handler, api, http.MethodPost, "/api/v1/shifts/open", token, map[string]any{
		"opening_cash_amount": "100000",
		"open_operation_id":   "open-http-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open shift expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var opened domain.ShiftResponse
	if err := json.NewDecoder(rec.Body).Decode(&opened); err != nil {
		t.Fatalf("decode shift: %v", err)
	}

	rec = doJSON(t, handler, api, http.MethodPost, "/api/v1/shifts/open", token, map[string]any{
		"opening_cash_amount": "100000",
		"open_operation_id":   "open-http-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("replayed open expected 200, got %d", rec.Code)
	}

	sale := map[string]any{
		"shift_id":       opened.Shift.ID,
		"client_sale_id": "pos-1-0001",
		"lines": []map[string]any{
			{"product_id": "prd-roti-bakar", "quantity": "1", "extras": []map[string]any{{"extra_id": "ext-telur", "quantity": "1"}}},
		},
		"payments": []map[string]any{{"method": "cash", "amount": "19000"}},
	}
	rec = doJSON(t, handler, api, http.MethodPost, "/api/v1/sales", token, sale)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created domain.SaleResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if created.Sale.Folio != "MAIN-000001" {
		t.Fatalf("unexpected folio %q", created.Sale.Folio)
	}

	rec = doJSON(t, handler, api, http.MethodPost, "/api/v1/sales", token, sale)
	if rec.Code != http.StatusOK {
		t.Fatalf("replayed sale expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, handler, api, http.MethodGet, "/api/v1/sales/client/pos-1-0001", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup by client id expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, handler, api, http.MethodGet, "/api/v1/inventory/balance?item_type=Extra&item_id=ext-telur", token, nil)
	var balance struct {
		Balance domain.InventoryBalance `json:"balance"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if got := balance.Balance.OnHandQty.StringFixed(3); got != "29.000" {
		t.Fatalf("expected telur 29.000 after sale, got %s", got)
	}

	rec = doJSON(t, handler, api, http.MethodPost, "/api/v1/sales/"+created.Sale.ID+"/void", token, map[string]any{
		"client_void_id": "void-http-1",
		"reason_code":    "customer_cancel",
		"manager_pin":    testManagerPIN,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("void expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, api, http.MethodGet, "/api/v1/shifts/"+opened.Shift.ID+"/preview", token, nil)
	var preview domain.ShiftPreview
	if err := json.NewDecoder(rec.Body).Decode(&preview); err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if got := preview.ExpectedCashAmount.StringFixed(2); got != "100000.00" {
		t.Fatalf("expected voided sale to leave 100000.00 expected, got %s", got)
	}
}

func TestCreateSaleConflictPayload(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, handler, api, http.MethodPost, "/api/v1/shifts/open", token, map[string]any{
		"opening_cash_amount": "0",
		"open_operation_id":   "open-http-2",
	})
	var opened domain.ShiftResponse
	if err := json.NewDecoder(rec.Body).Decode(&opened); err != nil {
		t.Fatalf("decode shift: %v", err)
	}

	rec = doJSON(t, handler, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"shift_id":       opened.Shift.ID,
		"client_sale_id": "pos-2-0001",
		"lines": []map[string]any{
			{"product_id": "prd-kopi-susu", "quantity": "1", "extras": []map[string]any{{"extra_id": "ext-keju", "quantity": "3"}}},
		},
		"payments": []map[string]any{{"method": "cash", "amount": "27000"}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Conflict domain.Conflict `json:"conflict"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	if body.Conflict.Reason != domain.ConflictOutOfStock || body.Conflict.ItemID != "ext-keju" {
		t.Fatalf("unexpected conflict %+v", body.Conflict)
	}
	if body.Conflict.AvailableQty == nil || body.Conflict.AvailableQty.StringFixed(3) != "2.500" {
		t.Fatalf("expected available qty 2.500, got %v", body.Conflict.AvailableQty)
	}
}

func TestPaymentMismatchIsBadRequest(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, handler, api, http.MethodPost, "/api/v1/shifts/open", token, map[string]any{
		"opening_cash_amount": "0",
		"open_operation_id":   "open-http-3",
	})
	var opened domain.ShiftResponse
	if err := json.NewDecoder(rec.Body).Decode(&opened); err != nil {
		t.Fatalf("decode shift: %v", err)
	}

	rec = doJSON(t, handler, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"shift_id":       opened.Shift.ID,
		"client_sale_id": "pos-3-0001",
		"lines":          []map[string]any{{"product_id": "prd-kopi-susu", "quantity": "1"}},
		"payments":       []map[string]any{{"method": "cash", "amount": "10000"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["reason"] != string(domain.ValidationPaymentMismatch) {
		t.Fatalf("expected PaymentMismatch reason, got %v", body["reason"])
	}
}

func TestCreateCashierThenLogin(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, handler, api, http.MethodPost, "/api/v1/users/cashiers", token, domain.CashierCreateRequest{Username: "kasir-sore", Password: "rahasia99"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	loginAs(t, api, "kasir-sore", "rahasia99")

	rec = doJSON(t, handler, api, http.MethodPost, "/api/v1/users/cashiers", token, domain.CashierCreateRequest{Username: "ab", Password: "rahasia99"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short username, got %d", rec.Code)
	}
}

func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "testpass")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("testpass")); err != nil {
		t.Fatalf("hash does not match: %v", err)
	}
}

func TestBatchAvailabilityOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, handler, api, http.MethodGet, "/api/v1/availability?items=Extra:ext-keju,Product:prd-kopi-susu", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Items []domain.Availability `json:"items"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(body.Items) != 2 || body.Items[0].Item.ID != "ext-keju" || body.Items[1].Item.ID != "prd-kopi-susu" {
		t.Fatalf("unexpected batch %+v", body.Items)
	}

	rec = doJSON(t, handler, api, http.MethodGet, "/api/v1/availability?items=Extra", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed item list, got %d", rec.Code)
	}
}

func TestCashierVoidsOnlyOwnSalesOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := loginAs(t, api, "admin", "admin123")
	cashier := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, handler, api, http.MethodPost, "/api/v1/shifts/open", cashier, map[string]any{
		"opening_cash_amount": "0",
		"open_operation_id":   "open-http-own",
	})
	var opened domain.ShiftResponse
	if err := json.NewDecoder(rec.Body).Decode(&opened); err != nil {
		t.Fatalf("decode shift: %v", err)
	}

	createSale := func(token string, clientSaleID string) domain.Sale {
		t.Helper()
		rec := doJSON(t, handler, api, http.MethodPost, "/api/v1/sales", token, map[string]any{
			"shift_id":       opened.Shift.ID,
			"client_sale_id": clientSaleID,
			"lines":          []map[string]any{{"product_id": "prd-nasi-goreng", "quantity": "1"}},
			"payments":       []map[string]any{{"method": "cash", "amount": "25000"}},
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create sale %s expected 201, got %d (body: %s)", clientSaleID, rec.Code, rec.Body.String())
		}
		var resp domain.SaleResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode sale: %v", err)
		}
		return resp.Sale
	}
	voidAs := func(token string, saleID string, clientVoidID string) int {
		t.Helper()
		return doJSON(t, handler, api, http.MethodPost, "/api/v1/sales/"+saleID+"/void", token, map[string]any{
			"client_void_id": clientVoidID,
			"reason_code":    "wrong_item",
			"manager_pin":    testManagerPIN,
		}).Code
	}

	adminSale := createSale(admin, "pos-own-admin")
	ownSale := createSale(cashier, "pos-own-cashier")

	if code := voidAs(cashier, adminSale.ID, "void-own-1"); code != http.StatusForbidden {
		t.Fatalf("cashier voiding admin sale expected 403, got %d", code)
	}
	if code := voidAs(cashier, ownSale.ID, "void-own-2"); code != http.StatusOK {
		t.Fatalf("cashier voiding own sale expected 200, got %d", code)
	}
	if code := voidAs(admin, adminSale.ID, "void-own-3"); code != http.StatusOK {
		t.Fatalf("admin void expected 200, got %d", code)
	}
}
