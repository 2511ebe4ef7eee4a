package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

// reader serves the catalog read surface from either the pool or an open
// transaction.
type reader struct {
	q sqlx.ExtContext
}

func (r reader) GetCatalogItem(ctx context.Context, tenantID string, item domain.ItemRef) (*domain.CatalogItem, error) {
	var row domain.CatalogItem
	err := sqlx.GetContext(ctx, r.q, &row, `
		SELECT tenant_id, item_type, item_id, name, sku, price, inventory_tracked, active
		FROM catalog_items
		WHERE tenant_id = $1 AND item_type = $2 AND item_id = $3
	`, tenantID, string(item.Type), item.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r reader) GetTenantOverride(ctx context.Context, tenantID string, item domain.ItemRef) (*domain.TenantCatalogOverride, error) {
	override := domain.TenantCatalogOverride{TenantID: tenantID, Item: item}
	err := r.q.QueryRowxContext(ctx, `
		SELECT is_enabled, updated_at
		FROM tenant_catalog_overrides
		WHERE tenant_id = $1 AND item_type = $2 AND item_id = $3
	`, tenantID, string(item.Type), item.ID).Scan(&override.IsEnabled, &override.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	override.UpdatedAt = override.UpdatedAt.UTC()
	return &override, nil
}

func (r reader) GetStoreOverride(ctx context.Context, storeID string, item domain.ItemRef) (*domain.StoreCatalogOverride, error) {
	override := domain.StoreCatalogOverride{StoreID: storeID, Item: item}
	var state string
	err := r.q.QueryRowxContext(ctx, `
		SELECT state, updated_at
		FROM store_catalog_overrides
		WHERE store_id = $1 AND item_type = $2 AND item_id = $3
	`, storeID, string(item.Type), item.ID).Scan(&state, &override.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	override.State = domain.OverrideState(state)
	override.UpdatedAt = override.UpdatedAt.UTC()
	return &override, nil
}

func (r reader) GetManualAvailability(ctx context.Context, storeID string, item domain.ItemRef) (*domain.StoreCatalogAvailability, error) {
	flag := domain.StoreCatalogAvailability{StoreID: storeID, Item: item}
	err := r.q.QueryRowxContext(ctx, `
		SELECT is_available, updated_at
		FROM store_catalog_availability
		WHERE store_id = $1 AND item_type = $2 AND item_id = $3
	`, storeID, string(item.Type), item.ID).Scan(&flag.IsAvailable, &flag.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	flag.UpdatedAt = flag.UpdatedAt.UTC()
	return &flag, nil
}

func (r reader) GetStoreSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error) {
	var settings domain.StoreSettings
	err := r.q.QueryRowxContext(ctx, `
		SELECT tenant_id, store_id, code, show_only_in_stock, cash_difference_threshold
		FROM store_settings
		WHERE store_id = $1
	`, storeID).Scan(&settings.TenantID, &settings.StoreID, &settings.Code, &settings.ShowOnlyInStock, &settings.CashDifferenceThreshold)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &settings, nil
}

func (r reader) GetBalance(ctx context.Context, storeID string, item domain.ItemRef) (*domain.InventoryBalance, error) {
	balance, err := scanBalance(r.q.QueryRowxContext(ctx, `
		SELECT tenant_id, store_id, item_type, item_id, on_hand_qty, version, updated_at
		FROM inventory_balances
		WHERE store_id = $1 AND item_type = $2 AND item_id = $3
	`, storeID, string(item.Type), item.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &balance, nil
}

func scanBalance(row *sqlx.Row) (domain.InventoryBalance, error) {
	var balance domain.InventoryBalance
	var itemType string
	if err := row.Scan(&balance.TenantID, &balance.StoreID, &itemType, &balance.Item.ID, &balance.OnHandQty, &balance.Version, &balance.UpdatedAt); err != nil {
		return domain.InventoryBalance{}, err
	}
	balance.Item.Type = domain.ItemType(itemType)
	balance.UpdatedAt = balance.UpdatedAt.UTC()
	return balance, nil
}

const adjustmentColumns = `id, tenant_id, store_id, item_type, item_id, qty_before, delta_qty, resulting_on_hand_qty,
	reason, COALESCE(reference_type, ''), COALESCE(reference_id, ''), COALESCE(client_operation_id, ''), created_at, created_by`

func queryAdjustments(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) ([]domain.InventoryAdjustment, error) {
	rows, err := q.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.InventoryAdjustment, 0, 16)
	for rows.Next() {
		var adj domain.InventoryAdjustment
		var itemType, reason string
		if err := rows.Scan(
			&adj.ID, &adj.TenantID, &adj.StoreID, &itemType, &adj.Item.ID,
			&adj.QtyBefore, &adj.DeltaQty, &adj.ResultingOnHandQty,
			&reason, &adj.ReferenceType, &adj.ReferenceID, &adj.ClientOperationID,
			&adj.CreatedAt, &adj.CreatedBy,
		); err != nil {
			return nil, err
		}
		adj.Item.Type = domain.ItemType(itemType)
		adj.Reason = domain.AdjustmentReason(reason)
		adj.CreatedAt = adj.CreatedAt.UTC()
		result = append(result, adj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func firstAdjustment(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*domain.InventoryAdjustment, error) {
	adjustments, err := queryAdjustments(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	if len(adjustments) == 0 {
		return nil, nil
	}
	return &adjustments[0], nil
}

const saleColumns = `id, tenant_id, store_id, shift_id, folio, occurred_at, subtotal, total, status, client_sale_id, created_by,
	voided_at, COALESCE(void_reason_code, ''), COALESCE(void_note, ''), COALESCE(client_void_id, ''), COALESCE(voided_by, '')`

func loadSaleByClientID(ctx context.Context, q sqlx.QueryerContext, tenantID string, clientSaleID string) (*domain.Sale, error) {
	var saleID string
	err := q.QueryRowxContext(ctx, `
		SELECT id FROM sales WHERE tenant_id = $1 AND client_sale_id = $2
	`, tenantID, clientSaleID).Scan(&saleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return loadSale(ctx, q, "id", saleID, false)
}

// loadSale reads a sale header and its children. forUpdate locks the header row.
func loadSale(ctx context.Context, q sqlx.QueryerContext, column string, value string, forUpdate bool) (*domain.Sale, error) {
	query := fmt.Sprintf(`SELECT %s FROM sales WHERE %s = $1`, saleColumns, column)
	if forUpdate {
		query += " FOR UPDATE"
	}

	var sale domain.Sale
	var status string
	var voidedAt sql.NullTime
	err := q.QueryRowxContext(ctx, query, value).Scan(
		&sale.ID, &sale.TenantID, &sale.StoreID, &sale.ShiftID, &sale.Folio, &sale.OccurredAt,
		&sale.Subtotal, &sale.Total, &status, &sale.ClientSaleID, &sale.CreatedBy,
		&voidedAt, &sale.VoidReasonCode, &sale.VoidNote, &sale.ClientVoidID, &sale.VoidedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.Status = domain.SaleStatus(status)
	sale.OccurredAt = sale.OccurredAt.UTC()
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}

	if err := loadSaleItems(ctx, q, &sale); err != nil {
		return nil, err
	}
	if err := loadPayments(ctx, q, &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

func loadSaleItems(ctx context.Context, q sqlx.QueryerContext, sale *domain.Sale) error {
	rows, err := q.QueryxContext(ctx, `
		SELECT line_no, product_id, product_name, sku, unit_price, quantity, line_total
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY line_no
	`, sale.ID)
	if err != nil {
		return err
	}
	items := make([]domain.SaleItem, 0, 8)
	index := make(map[int]int, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.LineNo, &item.ProductID, &item.ProductName, &item.SKU, &item.UnitPrice, &item.Quantity, &item.LineTotal); err != nil {
			_ = rows.Close()
			return err
		}
		index[item.LineNo] = len(items)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	extraRows, err := q.QueryxContext(ctx, `
		SELECT line_no, extra_id, name, unit_price, quantity
		FROM sale_item_extras
		WHERE sale_id = $1
		ORDER BY line_no, position
	`, sale.ID)
	if err != nil {
		return err
	}
	for extraRows.Next() {
		var lineNo int
		var extra domain.SaleItemExtra
		if err := extraRows.Scan(&lineNo, &extra.ExtraID, &extra.Name, &extra.UnitPrice, &extra.Quantity); err != nil {
			_ = extraRows.Close()
			return err
		}
		if i, ok := index[lineNo]; ok {
			items[i].Extras = append(items[i].Extras, extra)
		}
	}
	if err := extraRows.Err(); err != nil {
		_ = extraRows.Close()
		return err
	}
	_ = extraRows.Close()

	selectionRows, err := q.QueryxContext(ctx, `
		SELECT line_no, option_item_id, name, price_delta
		FROM sale_item_selections
		WHERE sale_id = $1
		ORDER BY line_no, position
	`, sale.ID)
	if err != nil {
		return err
	}
	defer selectionRows.Close()
	for selectionRows.Next() {
		var lineNo int
		var selection domain.SaleItemSelection
		if err := selectionRows.Scan(&lineNo, &selection.OptionItemID, &selection.Name, &selection.PriceDelta); err != nil {
			return err
		}
		if i, ok := index[lineNo]; ok {
			items[i].Selections = append(items[i].Selections, selection)
		}
	}
	if err := selectionRows.Err(); err != nil {
		return err
	}

	sale.Items = items
	return nil
}

func loadPayments(ctx context.Context, q sqlx.QueryerContext, sale *domain.Sale) error {
	rows, err := q.QueryxContext(ctx, `
		SELECT method, amount, COALESCE(reference, '')
		FROM payments
		WHERE sale_id = $1
		ORDER BY position
	`, sale.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 2)
	for rows.Next() {
		var payment domain.Payment
		var method string
		if err := rows.Scan(&method, &payment.Amount, &payment.Reference); err != nil {
			return err
		}
		payment.Method = domain.PaymentMethod(method)
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	sale.Payments = payments
	return nil
}

const shiftColumns = `id, tenant_id, store_id, status, opened_at, opened_by, opening_cash_amount, open_operation_id,
	closed_at, COALESCE(closed_by, ''), closing_cash_amount, expected_cash_amount, cash_difference,
	denominations, COALESCE(close_reason, ''), COALESCE(close_operation_id, '')`

// loadShift reads one shift matching where; suffix is appended verbatim,
// e.g. a row lock clause.
func loadShift(ctx context.Context, q sqlx.QueryerContext, where string, args ...any) (*domain.Shift, error) {
	return loadShiftSuffix(ctx, q, where, "", args...)
}

func loadShiftSuffix(ctx context.Context, q sqlx.QueryerContext, where string, suffix string, args ...any) (*domain.Shift, error) {
	query := fmt.Sprintf(`SELECT %s FROM shifts %s %s`, shiftColumns, where, suffix)

	var shift domain.Shift
	var status string
	var closedAt sql.NullTime
	var closing, expected, difference decimal.NullDecimal
	var denominations []byte
	err := q.QueryRowxContext(ctx, query, args...).Scan(
		&shift.ID, &shift.TenantID, &shift.StoreID, &status, &shift.OpenedAt, &shift.OpenedBy,
		&shift.OpeningCashAmount, &shift.OpenOperationID,
		&closedAt, &shift.ClosedBy, &closing, &expected, &difference,
		&denominations, &shift.CloseReason, &shift.CloseOperationID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	shift.Status = domain.ShiftStatus(status)
	shift.OpenedAt = shift.OpenedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		shift.ClosedAt = &at
	}
	shift.ClosingCashAmount = fromNullDecimal(closing)
	shift.ExpectedCashAmount = fromNullDecimal(expected)
	shift.CashDifference = fromNullDecimal(difference)
	if len(denominations) > 0 {
		if err := json.Unmarshal(denominations, &shift.Denominations); err != nil {
			return nil, fmt.Errorf("decode denominations for shift %s: %w", shift.ID, err)
		}
	}
	return &shift, nil
}

func fromNullDecimal(val decimal.NullDecimal) *decimal.Decimal {
	if !val.Valid {
		return nil
	}
	d := val.Decimal
	return &d
}

func sumCashPayments(ctx context.Context, q sqlx.QueryerContext, shiftID string) (domain.CashSummary, error) {
	summary := domain.CashSummary{}
	err := q.QueryRowxContext(ctx, `
		SELECT
			COALESCE((
				SELECT SUM(p.amount)
				FROM payments p
				JOIN sales s ON s.id = p.sale_id
				WHERE s.shift_id = $1 AND s.status = 'Completed' AND p.method = 'Cash'
			), 0),
			(SELECT COUNT(*) FROM sales WHERE shift_id = $1 AND status = 'Completed')
	`, shiftID).Scan(&summary.CashAmount, &summary.CompletedSales)
	if err != nil {
		return domain.CashSummary{}, err
	}
	summary.CashAmount = domain.RoundMoney(summary.CashAmount)
	return summary, nil
}
