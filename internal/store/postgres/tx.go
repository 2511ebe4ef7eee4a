package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

type pgTx struct {
	reader
	tx *sqlx.Tx
}

func (t *pgTx) LockBalance(ctx context.Context, tenantID string, storeID string, item domain.ItemRef) (domain.InventoryBalance, error) {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_balances (tenant_id, store_id, item_type, item_id, on_hand_qty, version, updated_at)
		VALUES ($1,$2,$3,$4,0,0,now())
		ON CONFLICT (store_id, item_type, item_id) DO NOTHING
	`, tenantID, storeID, string(item.Type), item.ID); err != nil {
		return domain.InventoryBalance{}, translate(err)
	}

	balance, err := scanBalance(t.tx.QueryRowxContext(ctx, `
		SELECT tenant_id, store_id, item_type, item_id, on_hand_qty, version, updated_at
		FROM inventory_balances
		WHERE store_id = $1 AND item_type = $2 AND item_id = $3
		FOR UPDATE
	`, storeID, string(item.Type), item.ID))
	if err != nil {
		return domain.InventoryBalance{}, translate(err)
	}
	return balance, nil
}

func (t *pgTx) SaveBalance(ctx context.Context, balance domain.InventoryBalance) (domain.InventoryBalance, error) {
	var version int64
	err := t.tx.QueryRowxContext(ctx, `
		UPDATE inventory_balances
		SET on_hand_qty = $4, version = version + 1, updated_at = $5
		WHERE store_id = $1 AND item_type = $2 AND item_id = $3 AND version = $6
		RETURNING version
	`, balance.StoreID, string(balance.Item.Type), balance.Item.ID, balance.OnHandQty, balance.UpdatedAt, balance.Version).Scan(&version)
	if err != nil {
		if isNoRows(err) {
			return domain.InventoryBalance{}, store.ErrConcurrencyConflict
		}
		return domain.InventoryBalance{}, translate(err)
	}
	balance.Version = version
	return balance, nil
}

func (t *pgTx) InsertAdjustment(ctx context.Context, adj domain.InventoryAdjustment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_adjustments (
			id, tenant_id, store_id, item_type, item_id, qty_before, delta_qty, resulting_on_hand_qty,
			reason, reference_type, reference_id, client_operation_id, created_at, created_by
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, adj.ID, adj.TenantID, adj.StoreID, string(adj.Item.Type), adj.Item.ID, adj.QtyBefore, adj.DeltaQty, adj.ResultingOnHandQty,
		string(adj.Reason), nullIfEmpty(adj.ReferenceType), nullIfEmpty(adj.ReferenceID), nullIfEmpty(adj.ClientOperationID), adj.CreatedAt, adj.CreatedBy)
	return translate(err)
}

func (t *pgTx) FindAdjustmentByReference(ctx context.Context, ref domain.Reference, item domain.ItemRef, reason domain.AdjustmentReason) (*domain.InventoryAdjustment, error) {
	return firstAdjustment(ctx, t.tx, fmt.Sprintf(`
		SELECT %s
		FROM inventory_adjustments
		WHERE reference_type = $1 AND reference_id = $2 AND item_type = $3 AND item_id = $4 AND reason = $5
	`, adjustmentColumns), ref.Type, ref.ID, string(item.Type), item.ID, string(reason))
}

func (t *pgTx) FindAdjustmentByClientOperation(ctx context.Context, storeID string, clientOperationID string) (*domain.InventoryAdjustment, error) {
	return firstAdjustment(ctx, t.tx, fmt.Sprintf(`
		SELECT %s
		FROM inventory_adjustments
		WHERE store_id = $1 AND client_operation_id = $2
	`, adjustmentColumns), storeID, clientOperationID)
}

func (t *pgTx) ListAdjustmentsByReference(ctx context.Context, ref domain.Reference, reason domain.AdjustmentReason) ([]domain.InventoryAdjustment, error) {
	return queryAdjustments(ctx, t.tx, fmt.Sprintf(`
		SELECT %s
		FROM inventory_adjustments
		WHERE reference_type = $1 AND reference_id = $2 AND reason = $3
		ORDER BY item_type, item_id
	`, adjustmentColumns), ref.Type, ref.ID, string(reason))
}

func (t *pgTx) FindSaleByClientID(ctx context.Context, tenantID string, clientSaleID string) (*domain.Sale, error) {
	sale, err := loadSaleByClientID(ctx, t.tx, tenantID, clientSaleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return sale, err
}

func (t *pgTx) LockSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return loadSale(ctx, t.tx, "id", saleID, true)
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, tenant_id, store_id, shift_id, folio, occurred_at, subtotal, total, status, client_sale_id, created_by
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, sale.ID, sale.TenantID, sale.StoreID, sale.ShiftID, sale.Folio, sale.OccurredAt, sale.Subtotal, sale.Total,
		string(sale.Status), sale.ClientSaleID, sale.CreatedBy)
	if err != nil {
		return translate(err)
	}

	for _, item := range sale.Items {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, line_no, product_id, product_name, sku, unit_price, quantity, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, sale.ID, item.LineNo, item.ProductID, item.ProductName, item.SKU, item.UnitPrice, item.Quantity, item.LineTotal); err != nil {
			return translate(err)
		}
		for position, extra := range item.Extras {
			if _, err := t.tx.ExecContext(ctx, `
				INSERT INTO sale_item_extras (sale_id, line_no, position, extra_id, name, unit_price, quantity)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, sale.ID, item.LineNo, position, extra.ExtraID, extra.Name, extra.UnitPrice, extra.Quantity); err != nil {
				return translate(err)
			}
		}
		for position, selection := range item.Selections {
			if _, err := t.tx.ExecContext(ctx, `
				INSERT INTO sale_item_selections (sale_id, line_no, position, option_item_id, name, price_delta)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, sale.ID, item.LineNo, position, selection.OptionItemID, selection.Name, selection.PriceDelta); err != nil {
				return translate(err)
			}
		}
	}

	for position, payment := range sale.Payments {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO payments (sale_id, position, method, amount, reference)
			VALUES ($1,$2,$3,$4,$5)
		`, sale.ID, position, string(payment.Method), payment.Amount, nullIfEmpty(payment.Reference)); err != nil {
			return translate(err)
		}
	}
	return nil
}

func (t *pgTx) MarkSaleVoided(ctx context.Context, sale domain.Sale) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET status = 'Void', voided_at = $2, void_reason_code = $3, void_note = $4, client_void_id = $5, voided_by = $6
		WHERE id = $1 AND status = 'Completed'
	`, sale.ID, nullTime(sale.VoidedAt), nullIfEmpty(sale.VoidReasonCode), nullIfEmpty(sale.VoidNote), nullIfEmpty(sale.ClientVoidID), nullIfEmpty(sale.VoidedBy))
	if err != nil {
		return translate(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrConcurrencyConflict
	}
	return nil
}

func (t *pgTx) NextFolio(ctx context.Context, storeID string) (int64, error) {
	var next int64
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO store_folios (store_id, last_value)
		VALUES ($1, 1)
		ON CONFLICT (store_id) DO UPDATE SET last_value = store_folios.last_value + 1
		RETURNING last_value
	`, storeID).Scan(&next)
	if err != nil {
		return 0, translate(err)
	}
	return next, nil
}

func (t *pgTx) ShareShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	return loadShiftSuffix(ctx, t.tx, "WHERE id = $1", "FOR SHARE", shiftID)
}

func (t *pgTx) LockShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	return loadShiftSuffix(ctx, t.tx, "WHERE id = $1", "FOR UPDATE", shiftID)
}

func (t *pgTx) LockOpenShift(ctx context.Context, storeID string) (*domain.Shift, error) {
	return optionalShift(loadShiftSuffix(ctx, t.tx, "WHERE store_id = $1 AND status = 'Open'", "FOR UPDATE", storeID))
}

func (t *pgTx) FindShiftByOpenOperation(ctx context.Context, storeID string, openOperationID string) (*domain.Shift, error) {
	return optionalShift(loadShift(ctx, t.tx, "WHERE store_id = $1 AND open_operation_id = $2", storeID, openOperationID))
}

func (t *pgTx) FindShiftByCloseOperation(ctx context.Context, closeOperationID string) (*domain.Shift, error) {
	return optionalShift(loadShift(ctx, t.tx, "WHERE close_operation_id = $1", closeOperationID))
}

func (t *pgTx) InsertShift(ctx context.Context, shift domain.Shift) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO shifts (id, tenant_id, store_id, status, opened_at, opened_by, opening_cash_amount, open_operation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, shift.ID, shift.TenantID, shift.StoreID, string(shift.Status), shift.OpenedAt, shift.OpenedBy, shift.OpeningCashAmount, shift.OpenOperationID)
	return translate(err)
}

func (t *pgTx) CloseShift(ctx context.Context, shift domain.Shift) error {
	denominations, err := json.Marshal(shift.Denominations)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE shifts
		SET status = 'Closed', closed_at = $2, closed_by = $3, closing_cash_amount = $4, expected_cash_amount = $5,
			cash_difference = $6, denominations = $7, close_reason = $8, close_operation_id = $9
		WHERE id = $1 AND status = 'Open'
	`, shift.ID, nullTime(shift.ClosedAt), nullIfEmpty(shift.ClosedBy), nullDecimal(shift.ClosingCashAmount),
		nullDecimal(shift.ExpectedCashAmount), nullDecimal(shift.CashDifference), string(denominations),
		nullIfEmpty(shift.CloseReason), shift.CloseOperationID)
	if err != nil {
		return translate(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrConcurrencyConflict
	}
	return nil
}

func (t *pgTx) SumCashPayments(ctx context.Context, shiftID string) (domain.CashSummary, error) {
	return sumCashPayments(ctx, t.tx, shiftID)
}

func optionalShift(shift *domain.Shift, err error) (*domain.Shift, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return shift, err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
