package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tokoledger/backend/internal/domain"
)

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken hands out the token clients send as X-CSRF-Token on writes.
func (a *API) handleCSRFToken(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"csrf_token": a.generateCSRFToken()})
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleGetSaleByClientID(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSaleByClientID(r.Context(), r.URL.Query().Get("tenant_id"), r.PathValue("clientSaleId"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleVoidSale(w http.ResponseWriter, r *http.Request) {
	saleID := strings.TrimSpace(r.PathValue("id"))
	if saleID == "" {
		writeError(w, http.StatusBadRequest, errors.New("sale id required"))
		return
	}

	var req domain.VoidSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.pinLimiter.Allow("pin:void:" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return
	}
	req.SaleID = saleID

	resp, err := a.service.VoidSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAdjustInventory(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustInventoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.AdjustInventory(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleListAdjustments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var item *domain.ItemRef
	if query.Get("item_type") != "" || query.Get("item_id") != "" {
		ref, err := itemFromQuery(r)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		item = &ref
	}

	adjustments, err := a.service.ListAdjustments(r.Context(), query.Get("store_id"), item, parsePositiveLimit(query.Get("limit"), 100, 500))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"adjustments": adjustments})
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	ref, err := itemFromQuery(r)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	balance, err := a.service.GetBalance(r.Context(), r.URL.Query().Get("store_id"), ref)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ref, err := itemFromQuery(r)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	check, err := a.service.ReconcileBalance(r.Context(), r.URL.Query().Get("store_id"), ref)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (a *API) handleAvailability(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("items")); raw != "" {
		refs, err := parseItemList(raw)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		results, err := a.service.AvailabilityBatch(r.Context(), query.Get("tenant_id"), query.Get("store_id"), refs)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": results})
		return
	}

	ref, err := itemFromQuery(r)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	availability, err := a.service.Availability(r.Context(), query.Get("tenant_id"), query.Get("store_id"), ref)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, availability)
}

func (a *API) handleUpsertCatalogItem(w http.ResponseWriter, r *http.Request) {
	var req domain.CatalogItem
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	item, err := a.service.UpsertCatalogItem(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (a *API) handleTenantOverride(w http.ResponseWriter, r *http.Request) {
	var req domain.TenantOverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	override, err := a.service.SetTenantOverride(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"override": override})
}

func (a *API) handleStoreOverride(w http.ResponseWriter, r *http.Request) {
	var req domain.StoreOverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	override, err := a.service.SetStoreOverride(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"override": override})
}

func (a *API) handleManualAvailability(w http.ResponseWriter, r *http.Request) {
	var req domain.ManualAvailabilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flag, err := a.service.SetManualAvailability(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"availability": flag})
}

func (a *API) handleGetStoreSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := a.service.GetStoreSettings(r.Context(), r.URL.Query().Get("store_id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (a *API) handleUpdateStoreSettings(w http.ResponseWriter, r *http.Request) {
	var req domain.StoreSettingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	settings, err := a.service.UpdateStoreSettings(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (a *API) handleOpenShift(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenShiftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.OpenShift(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleCurrentShift(w http.ResponseWriter, r *http.Request) {
	shift, err := a.service.GetOpenShift(r.Context(), r.URL.Query().Get("store_id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shift": shift})
}

func (a *API) handleGetShift(w http.ResponseWriter, r *http.Request) {
	shift, err := a.service.GetShift(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shift": shift})
}

func (a *API) handleClosePreview(w http.ResponseWriter, r *http.Request) {
	preview, err := a.service.ClosePreview(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (a *API) handleCloseShift(w http.ResponseWriter, r *http.Request) {
	var req domain.CloseShiftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ShiftID = r.PathValue("id")

	resp, err := a.service.CloseShift(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	logs, err := a.service.ListAuditLogs(r.Context(), query.Get("store_id"), query.Get("date"), parsePositiveLimit(query.Get("limit"), 100, 500))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(r.Context())})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cashier, err := a.auth.CreateCashier(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
}

func itemFromQuery(r *http.Request) (domain.ItemRef, error) {
	query := r.URL.Query()
	itemType, ok := domain.ParseItemType(query.Get("item_type"))
	if !ok {
		return domain.ItemRef{}, domain.Invalid("item_type", "must be Product, Extra or OptionItem")
	}
	itemID := strings.TrimSpace(query.Get("item_id"))
	if itemID == "" {
		return domain.ItemRef{}, domain.Invalid("item_id", "is required")
	}
	return domain.ItemRef{Type: itemType, ID: itemID}, nil
}

const maxBatchItems = 100

// parseItemList reads "Type:id,Type:id" as used by the batch availability query.
func parseItemList(raw string) ([]domain.ItemRef, error) {
	parts := strings.Split(raw, ",")
	if len(parts) > maxBatchItems {
		return nil, domain.Invalid("items", fmt.Sprintf("at most %d items per request", maxBatchItems))
	}
	refs := make([]domain.ItemRef, 0, len(parts))
	for i, part := range parts {
		typ, id, ok := strings.Cut(strings.TrimSpace(part), ":")
		itemType, valid := domain.ParseItemType(typ)
		if !ok || !valid || strings.TrimSpace(id) == "" {
			return nil, domain.Invalid(fmt.Sprintf("items[%d]", i), "must look like Type:id")
		}
		refs = append(refs, domain.ItemRef{Type: itemType, ID: strings.TrimSpace(id)})
	}
	return refs, nil
}
