// Package ledger is the only code path that changes on-hand quantities.
// Every change appends an adjustment row and moves the balance projection in
// the same transaction.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

type Command struct {
	TenantID          string
	StoreID           string
	Item              domain.ItemRef
	Delta             decimal.Decimal
	Reason            domain.AdjustmentReason
	Reference         *domain.Reference
	ClientOperationID string
	UserID            string
	// AllowUntracked lets a reversal through after tracking was switched off.
	AllowUntracked bool
}

type Result struct {
	Adjustment domain.InventoryAdjustment
	Replayed   bool
}

type Ledger struct {
	now func() time.Time
}

func New() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// Adjust applies one signed quantity change. A call whose reference tuple
// (or client operation id) was already recorded returns the stored row.
func (l *Ledger) Adjust(ctx context.Context, tx store.Tx, cmd Command) (Result, error) {
	if !cmd.Reason.Valid() {
		return Result{}, &domain.ValidationError{Reason: domain.ValidationInvalidReason, Field: "reason", Message: fmt.Sprintf("unknown adjustment reason %q", cmd.Reason)}
	}
	delta := domain.RoundQty(cmd.Delta)
	if delta.IsZero() {
		return Result{}, &domain.ValidationError{Reason: domain.ValidationZeroDelta, Field: "delta_qty", Message: "delta must not be zero"}
	}

	item, err := tx.GetCatalogItem(ctx, cmd.TenantID, cmd.Item)
	if err != nil {
		return Result{}, err
	}
	if item == nil {
		if !cmd.AllowUntracked {
			return Result{}, fmt.Errorf("catalog item %s: %w", cmd.Item, store.ErrNotFound)
		}
		item = &domain.CatalogItem{Type: cmd.Item.Type, ID: cmd.Item.ID}
	}
	if !item.Type.Trackable() || (!item.InventoryTracked() && !cmd.AllowUntracked) {
		return Result{}, &domain.Conflict{
			Reason:   domain.ConflictNotInventoryTracked,
			ItemType: item.Type,
			ItemID:   item.ID,
			ItemName: item.Name,
		}
	}

	if cmd.Reference.Present() {
		existing, err := tx.FindAdjustmentByReference(ctx, *cmd.Reference, cmd.Item, cmd.Reason)
		if err != nil {
			return Result{}, err
		}
		if existing != nil {
			return Result{Adjustment: *existing, Replayed: true}, nil
		}
	}
	if cmd.ClientOperationID != "" {
		existing, err := tx.FindAdjustmentByClientOperation(ctx, cmd.StoreID, cmd.ClientOperationID)
		if err != nil {
			return Result{}, err
		}
		if existing != nil {
			if existing.Item != cmd.Item || existing.Reason != cmd.Reason || !existing.DeltaQty.Equal(delta) {
				return Result{}, domain.Invalid("client_operation_id", "already used for a different adjustment")
			}
			return Result{Adjustment: *existing, Replayed: true}, nil
		}
	}

	balance, err := tx.LockBalance(ctx, cmd.TenantID, cmd.StoreID, cmd.Item)
	if err != nil {
		return Result{}, err
	}
	before := balance.OnHandQty
	resulting := domain.RoundQty(before.Add(delta))
	if resulting.IsNegative() {
		available := before
		return Result{}, &domain.Conflict{
			Reason:       domain.ConflictNegativeStockNotAllowed,
			ItemType:     item.Type,
			ItemID:       item.ID,
			ItemName:     item.Name,
			AvailableQty: &available,
		}
	}

	now := l.now()
	adjustment := domain.InventoryAdjustment{
		ID:                 xid.New("adj"),
		TenantID:           cmd.TenantID,
		StoreID:            cmd.StoreID,
		Item:               cmd.Item,
		QtyBefore:          before,
		DeltaQty:           delta,
		ResultingOnHandQty: resulting,
		Reason:             cmd.Reason,
		ClientOperationID:  cmd.ClientOperationID,
		CreatedAt:          now,
		CreatedBy:          cmd.UserID,
	}
	if cmd.Reference.Present() {
		adjustment.ReferenceType = cmd.Reference.Type
		adjustment.ReferenceID = cmd.Reference.ID
	}

	if err := tx.InsertAdjustment(ctx, adjustment); err != nil {
		return Result{}, err
	}
	balance.OnHandQty = resulting
	balance.UpdatedAt = now
	if _, err := tx.SaveBalance(ctx, balance); err != nil {
		return Result{}, err
	}

	return Result{Adjustment: adjustment}, nil
}

// Reverse writes one VoidReversal per SaleConsumption recorded against ref.
// Reversals already present are returned as replays, so a retried void never
// restores stock twice.
func (l *Ledger) Reverse(ctx context.Context, tx store.Tx, tenantID string, ref domain.Reference, userID string) ([]Result, error) {
	consumed, err := tx.ListAdjustmentsByReference(ctx, ref, domain.AdjustSaleConsumption)
	if err != nil {
		return nil, err
	}
	sort.Slice(consumed, func(i, j int) bool {
		return consumed[i].Item.Less(consumed[j].Item)
	})

	results := make([]Result, 0, len(consumed))
	for _, original := range consumed {
		res, err := l.Adjust(ctx, tx, Command{
			TenantID:       tenantID,
			StoreID:        original.StoreID,
			Item:           original.Item,
			Delta:          original.DeltaQty.Abs(),
			Reason:         domain.AdjustVoidReversal,
			Reference:      &ref,
			UserID:         userID,
			AllowUntracked: true,
		})
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Replay sums adjustment deltas in order. The result must equal the balance
// projection for the same key.
func Replay(adjustments []domain.InventoryAdjustment) decimal.Decimal {
	sum := decimal.Zero
	for _, adj := range adjustments {
		sum = sum.Add(adj.DeltaQty)
	}
	return domain.RoundQty(sum)
}
