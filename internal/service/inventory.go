package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/ledger"
	"tokoledger/backend/internal/store"
)

// AdjustInventory applies a manual stock movement. Sale consumption and void
// reversal are reserved for the sale paths.
func (s *Service) AdjustInventory(ctx context.Context, req domain.AdjustInventoryRequest) (domain.AdjustInventoryResponse, error) {
	req.TenantID = s.tenantOrDefault(req.TenantID)
	req.StoreID = s.storeOrDefault(req.StoreID)
	actor := s.actor(ctx)
	if !s.authorizer.CanAdjustInventory(actor, req.StoreID) {
		return domain.AdjustInventoryResponse{}, fmt.Errorf("adjust inventory: %w", ErrForbidden)
	}

	cmd, err := s.adjustCommand(req, actor)
	if err != nil {
		return domain.AdjustInventoryResponse{}, err
	}

	var result ledger.Result
	err = s.inTx(ctx, func(tx store.Tx) error {
		res, err := s.ledger.Adjust(ctx, tx, cmd)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Lost an insert race with the same operation; the winner's row is the answer.
		err = s.inTx(ctx, func(tx store.Tx) error {
			res, err := s.ledger.Adjust(ctx, tx, cmd)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	}
	if err != nil {
		s.countConflict("adjust_inventory", err)
		return domain.AdjustInventoryResponse{}, err
	}

	if !result.Replayed {
		s.afterAdjustments(ctx, req.TenantID, []ledger.Result{result})
		s.log.Info("inventory adjusted",
			zap.String("store_id", req.StoreID),
			zap.String("item", cmd.Item.String()),
			zap.String("delta", result.Adjustment.DeltaQty.String()),
			zap.String("reason", string(cmd.Reason)),
		)
	}
	return domain.AdjustInventoryResponse{Adjustment: result.Adjustment, Replayed: result.Replayed}, nil
}

func (s *Service) adjustCommand(req domain.AdjustInventoryRequest, actor domain.Actor) (ledger.Command, error) {
	itemType, ok := domain.ParseItemType(req.ItemType)
	if !ok {
		return ledger.Command{}, domain.Invalid("item_type", "must be Product, Extra or OptionItem")
	}
	itemID := strings.TrimSpace(req.ItemID)
	if itemID == "" {
		return ledger.Command{}, domain.Invalid("item_id", "is required")
	}

	reason := domain.AdjustmentReason(strings.TrimSpace(req.Reason))
	if !reason.Valid() || reason.System() {
		return ledger.Command{}, &domain.ValidationError{
			Reason:  domain.ValidationInvalidReason,
			Field:   "reason",
			Message: fmt.Sprintf("reason %q is not allowed for manual adjustments", req.Reason),
		}
	}
	if !domain.FitsQty(req.DeltaQty) {
		return ledger.Command{}, domain.Invalid("delta_qty", "at most 3 decimals")
	}

	refType := strings.TrimSpace(req.ReferenceType)
	refID := strings.TrimSpace(req.ReferenceID)
	if (refType == "") != (refID == "") {
		return ledger.Command{}, domain.Invalid("reference", "reference_type and reference_id go together")
	}
	if refType == domain.ReferenceTypeSale {
		return ledger.Command{}, domain.Invalid("reference_type", "Sale references are reserved")
	}

	cmd := ledger.Command{
		TenantID:          req.TenantID,
		StoreID:           req.StoreID,
		Item:              domain.ItemRef{Type: itemType, ID: itemID},
		Delta:             req.DeltaQty,
		Reason:            reason,
		ClientOperationID: strings.TrimSpace(req.ClientOperationID),
		UserID:            actor.Username,
	}
	if refType != "" {
		cmd.Reference = &domain.Reference{Type: refType, ID: refID}
	}
	return cmd, nil
}

// GetBalance returns the on-hand quantity, zero when nothing was recorded yet.
func (s *Service) GetBalance(ctx context.Context, storeID string, item domain.ItemRef) (domain.InventoryBalance, error) {
	storeID = s.storeOrDefault(storeID)
	balance, err := s.repo.GetBalance(ctx, storeID, item)
	if err != nil {
		return domain.InventoryBalance{}, err
	}
	if balance == nil {
		return domain.InventoryBalance{StoreID: storeID, Item: item}, nil
	}
	return *balance, nil
}

func (s *Service) ListAdjustments(ctx context.Context, storeID string, item *domain.ItemRef, limit int) ([]domain.InventoryAdjustment, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAdjustments(ctx, store.AdjustmentFilter{
		StoreID: s.storeOrDefault(storeID),
		Item:    item,
		Limit:   limit,
	})
}

// ReconcileBalance replays the ledger for one key and compares it with the
// projection.
func (s *Service) ReconcileBalance(ctx context.Context, storeID string, item domain.ItemRef) (domain.BalanceReconciliation, error) {
	storeID = s.storeOrDefault(storeID)
	balance, err := s.GetBalance(ctx, storeID, item)
	if err != nil {
		return domain.BalanceReconciliation{}, err
	}
	sum, count, err := s.repo.SumAdjustments(ctx, storeID, item)
	if err != nil {
		return domain.BalanceReconciliation{}, err
	}

	out := domain.BalanceReconciliation{
		StoreID:         storeID,
		Item:            item,
		OnHandQty:       balance.OnHandQty,
		LedgerSum:       domain.RoundQty(sum),
		AdjustmentCount: count,
		Consistent:      domain.RoundQty(sum).Equal(balance.OnHandQty),
	}
	if !out.Consistent {
		s.log.Error("inventory projection drifted from ledger",
			zap.String("store_id", storeID),
			zap.String("item", item.String()),
			zap.String("on_hand", balance.OnHandQty.String()),
			zap.String("ledger_sum", out.LedgerSum.String()),
		)
	}
	return out, nil
}
