package memory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

// memTx runs while InTx holds the write lock. Each mutation pushes an undo
// step; rollback replays them newest first.
type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetCatalogItem(_ context.Context, tenantID string, item domain.ItemRef) (*domain.CatalogItem, error) {
	return t.s.catalogItem(tenantID, item), nil
}

func (t *memTx) GetTenantOverride(_ context.Context, tenantID string, item domain.ItemRef) (*domain.TenantCatalogOverride, error) {
	return t.s.tenantOverride(tenantID, item), nil
}

func (t *memTx) GetStoreOverride(_ context.Context, storeID string, item domain.ItemRef) (*domain.StoreCatalogOverride, error) {
	return t.s.storeOverride(storeID, item), nil
}

func (t *memTx) GetManualAvailability(_ context.Context, storeID string, item domain.ItemRef) (*domain.StoreCatalogAvailability, error) {
	return t.s.manualFlag(storeID, item), nil
}

func (t *memTx) GetStoreSettings(_ context.Context, storeID string) (*domain.StoreSettings, error) {
	return t.s.storeSettings(storeID), nil
}

func (t *memTx) GetBalance(_ context.Context, storeID string, item domain.ItemRef) (*domain.InventoryBalance, error) {
	return t.s.balance(storeID, item), nil
}

func (t *memTx) LockBalance(_ context.Context, tenantID string, storeID string, item domain.ItemRef) (domain.InventoryBalance, error) {
	key := keyOf(storeID, item)
	if balance, ok := t.s.balances[key]; ok {
		return balance, nil
	}
	balance := domain.InventoryBalance{
		TenantID:  tenantID,
		StoreID:   storeID,
		Item:      item,
		OnHandQty: decimal.Zero,
		UpdatedAt: time.Now().UTC(),
	}
	t.s.balances[key] = balance
	t.undo = append(t.undo, func() { delete(t.s.balances, key) })
	return balance, nil
}

func (t *memTx) SaveBalance(_ context.Context, balance domain.InventoryBalance) (domain.InventoryBalance, error) {
	key := keyOf(balance.StoreID, balance.Item)
	current, ok := t.s.balances[key]
	if !ok || current.Version != balance.Version {
		return domain.InventoryBalance{}, store.ErrConcurrencyConflict
	}
	balance.Version++
	t.s.balances[key] = balance
	t.undo = append(t.undo, func() { t.s.balances[key] = current })
	return balance, nil
}

func (t *memTx) InsertAdjustment(_ context.Context, adjustment domain.InventoryAdjustment) error {
	var refKey referenceKey
	hasRef := adjustment.ReferenceType != "" && adjustment.ReferenceID != ""
	if hasRef {
		refKey = referenceKey{
			refType: adjustment.ReferenceType,
			refID:   adjustment.ReferenceID,
			typ:     adjustment.Item.Type,
			id:      adjustment.Item.ID,
			reason:  adjustment.Reason,
		}
		if _, exists := t.s.adjustmentsByRef[refKey]; exists {
			return store.ErrDuplicate
		}
	}
	opKey := adjustment.StoreID + "|" + adjustment.ClientOperationID
	if adjustment.ClientOperationID != "" {
		if _, exists := t.s.adjustmentsByClientOp[opKey]; exists {
			return store.ErrDuplicate
		}
	}

	index := len(t.s.adjustments)
	t.s.adjustments = append(t.s.adjustments, adjustment)
	if hasRef {
		t.s.adjustmentsByRef[refKey] = index
	}
	if adjustment.ClientOperationID != "" {
		t.s.adjustmentsByClientOp[opKey] = index
	}
	t.undo = append(t.undo, func() {
		t.s.adjustments = t.s.adjustments[:index]
		if hasRef {
			delete(t.s.adjustmentsByRef, refKey)
		}
		if adjustment.ClientOperationID != "" {
			delete(t.s.adjustmentsByClientOp, opKey)
		}
	})
	return nil
}

func (t *memTx) FindAdjustmentByReference(_ context.Context, ref domain.Reference, item domain.ItemRef, reason domain.AdjustmentReason) (*domain.InventoryAdjustment, error) {
	index, ok := t.s.adjustmentsByRef[referenceKey{refType: ref.Type, refID: ref.ID, typ: item.Type, id: item.ID, reason: reason}]
	if !ok {
		return nil, nil
	}
	adj := t.s.adjustments[index]
	return &adj, nil
}

func (t *memTx) FindAdjustmentByClientOperation(_ context.Context, storeID string, clientOperationID string) (*domain.InventoryAdjustment, error) {
	index, ok := t.s.adjustmentsByClientOp[storeID+"|"+clientOperationID]
	if !ok {
		return nil, nil
	}
	adj := t.s.adjustments[index]
	return &adj, nil
}

func (t *memTx) ListAdjustmentsByReference(_ context.Context, ref domain.Reference, reason domain.AdjustmentReason) ([]domain.InventoryAdjustment, error) {
	result := make([]domain.InventoryAdjustment, 0, 4)
	for _, adj := range t.s.adjustments {
		if adj.ReferenceType == ref.Type && adj.ReferenceID == ref.ID && adj.Reason == reason {
			result = append(result, adj)
		}
	}
	return result, nil
}

func (t *memTx) FindSaleByClientID(_ context.Context, tenantID string, clientSaleID string) (*domain.Sale, error) {
	sale, err := t.s.saleByClientID(tenantID, clientSaleID)
	if err != nil {
		return nil, nil
	}
	return sale, nil
}

func (t *memTx) LockSale(_ context.Context, saleID string) (*domain.Sale, error) {
	sale, ok := t.s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	clientKey := sale.TenantID + "|" + sale.ClientSaleID
	if _, exists := t.s.saleIDByClientID[clientKey]; exists {
		return store.ErrDuplicate
	}
	if _, exists := t.s.salesByID[sale.ID]; exists {
		return store.ErrDuplicate
	}

	stored := cloneSale(&sale)
	t.s.salesByID[sale.ID] = stored
	t.s.saleIDByClientID[clientKey] = sale.ID
	previous := t.s.saleIDsByShift[sale.ShiftID]
	t.s.saleIDsByShift[sale.ShiftID] = append(append([]string(nil), previous...), sale.ID)
	t.undo = append(t.undo, func() {
		delete(t.s.salesByID, sale.ID)
		delete(t.s.saleIDByClientID, clientKey)
		t.s.saleIDsByShift[sale.ShiftID] = previous
	})
	return nil
}

func (t *memTx) MarkSaleVoided(_ context.Context, sale domain.Sale) error {
	current, ok := t.s.salesByID[sale.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Status != domain.SaleStatusCompleted {
		return store.ErrConcurrencyConflict
	}
	for _, other := range t.s.salesByID {
		if other.ID != sale.ID && other.TenantID == sale.TenantID && other.ClientVoidID != "" && other.ClientVoidID == sale.ClientVoidID {
			return store.ErrDuplicate
		}
	}

	previous := cloneSale(current)
	updated := cloneSale(current)
	updated.Status = domain.SaleStatusVoid
	updated.VoidedAt = sale.VoidedAt
	updated.VoidReasonCode = sale.VoidReasonCode
	updated.VoidNote = sale.VoidNote
	updated.ClientVoidID = sale.ClientVoidID
	updated.VoidedBy = sale.VoidedBy
	t.s.salesByID[sale.ID] = updated
	t.undo = append(t.undo, func() { t.s.salesByID[sale.ID] = previous })
	return nil
}

func (t *memTx) NextFolio(_ context.Context, storeID string) (int64, error) {
	previous := t.s.folios[storeID]
	t.s.folios[storeID] = previous + 1
	t.undo = append(t.undo, func() { t.s.folios[storeID] = previous })
	return previous + 1, nil
}

func (t *memTx) ShareShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	return t.LockShift(ctx, shiftID)
}

func (t *memTx) LockShift(_ context.Context, shiftID string) (*domain.Shift, error) {
	shift, ok := t.s.shiftsByID[shiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneShift(shift), nil
}

func (t *memTx) LockOpenShift(_ context.Context, storeID string) (*domain.Shift, error) {
	shiftID, ok := t.s.openShiftByStore[storeID]
	if !ok {
		return nil, nil
	}
	return cloneShift(t.s.shiftsByID[shiftID]), nil
}

func (t *memTx) FindShiftByOpenOperation(_ context.Context, storeID string, openOperationID string) (*domain.Shift, error) {
	shiftID, ok := t.s.shiftByOpenOp[storeID+"|"+openOperationID]
	if !ok {
		return nil, nil
	}
	return cloneShift(t.s.shiftsByID[shiftID]), nil
}

func (t *memTx) FindShiftByCloseOperation(_ context.Context, closeOperationID string) (*domain.Shift, error) {
	shiftID, ok := t.s.shiftByCloseOp[closeOperationID]
	if !ok {
		return nil, nil
	}
	return cloneShift(t.s.shiftsByID[shiftID]), nil
}

func (t *memTx) InsertShift(_ context.Context, shift domain.Shift) error {
	if _, open := t.s.openShiftByStore[shift.StoreID]; open {
		return store.ErrDuplicate
	}
	opKey := shift.StoreID + "|" + shift.OpenOperationID
	if _, exists := t.s.shiftByOpenOp[opKey]; exists {
		return store.ErrDuplicate
	}

	t.s.shiftsByID[shift.ID] = *cloneShift(shift)
	t.s.openShiftByStore[shift.StoreID] = shift.ID
	t.s.shiftByOpenOp[opKey] = shift.ID
	t.undo = append(t.undo, func() {
		delete(t.s.shiftsByID, shift.ID)
		delete(t.s.openShiftByStore, shift.StoreID)
		delete(t.s.shiftByOpenOp, opKey)
	})
	return nil
}

func (t *memTx) CloseShift(_ context.Context, shift domain.Shift) error {
	current, ok := t.s.shiftsByID[shift.ID]
	if !ok {
		return store.ErrNotFound
	}
	if !current.IsOpen() {
		return store.ErrConcurrencyConflict
	}
	if _, exists := t.s.shiftByCloseOp[shift.CloseOperationID]; exists {
		return store.ErrDuplicate
	}

	t.s.shiftsByID[shift.ID] = *cloneShift(shift)
	delete(t.s.openShiftByStore, current.StoreID)
	t.s.shiftByCloseOp[shift.CloseOperationID] = shift.ID
	t.undo = append(t.undo, func() {
		t.s.shiftsByID[shift.ID] = current
		t.s.openShiftByStore[current.StoreID] = current.ID
		delete(t.s.shiftByCloseOp, shift.CloseOperationID)
	})
	return nil
}

func (t *memTx) SumCashPayments(_ context.Context, shiftID string) (domain.CashSummary, error) {
	return t.s.cashSummary(shiftID), nil
}
