package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/events"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

// OpenShift starts a cashier shift. The same openOperationId replays the
// shift it created; any other open shift in the store is a conflict.
func (s *Service) OpenShift(ctx context.Context, req domain.OpenShiftRequest) (domain.ShiftResponse, error) {
	req.TenantID = s.tenantOrDefault(req.TenantID)
	req.StoreID = s.storeOrDefault(req.StoreID)
	req.OpenOperationID = strings.TrimSpace(req.OpenOperationID)
	if req.OpenOperationID == "" {
		return domain.ShiftResponse{}, domain.Invalid("open_operation_id", "is required")
	}
	if req.OpeningCashAmount.IsNegative() || !domain.FitsMoney(req.OpeningCashAmount) {
		return domain.ShiftResponse{}, domain.Invalid("opening_cash_amount", "must be non-negative with at most 2 decimals")
	}
	actor := s.actor(ctx)

	var (
		opened   domain.Shift
		replayed bool
	)
	open := func(tx store.Tx) error {
		existing, err := tx.FindShiftByOpenOperation(ctx, req.StoreID, req.OpenOperationID)
		if err != nil {
			return err
		}
		if existing != nil {
			opened, replayed = *existing, true
			return nil
		}

		current, err := tx.LockOpenShift(ctx, req.StoreID)
		if err != nil {
			return err
		}
		if current != nil {
			return &domain.Conflict{Reason: domain.ConflictShiftAlreadyOpen, Message: fmt.Sprintf("shift %s is still open", current.ID)}
		}

		shift := domain.Shift{
			ID:                xid.New("shift"),
			TenantID:          req.TenantID,
			StoreID:           req.StoreID,
			Status:            domain.ShiftStatusOpen,
			OpenedAt:          s.now(),
			OpenedBy:          actor.Username,
			OpeningCashAmount: req.OpeningCashAmount,
			OpenOperationID:   req.OpenOperationID,
		}
		if err := tx.InsertShift(ctx, shift); err != nil {
			return err
		}
		opened, replayed = shift, false
		return nil
	}

	err := s.inTx(ctx, open)
	if errors.Is(err, store.ErrDuplicate) {
		// Another request opened a shift first. Re-running sorts it into a
		// replay or ShiftAlreadyOpen.
		err = s.inTx(ctx, open)
	}
	if err != nil {
		s.countConflict("open_shift", err)
		return domain.ShiftResponse{}, err
	}
	if replayed {
		return domain.ShiftResponse{Shift: opened, Replayed: true}, nil
	}

	s.logAudit(ctx, opened.TenantID, opened.StoreID, "shift_open", "shift", opened.ID, nil, opened)
	s.publish(ctx, events.TypeShiftOpened, opened.TenantID, opened.StoreID, opened.ID, opened)
	s.log.Info("shift opened", zap.String("shift_id", opened.ID), zap.String("store_id", opened.StoreID))
	return domain.ShiftResponse{Shift: opened}, nil
}

// ClosePreview reports the expected cash of a shift without writing anything.
// A closed shift reports its persisted figures.
func (s *Service) ClosePreview(ctx context.Context, shiftID string) (domain.ShiftPreview, error) {
	shift, err := s.repo.GetShift(ctx, strings.TrimSpace(shiftID))
	if err != nil {
		return domain.ShiftPreview{}, err
	}
	summary, err := s.repo.SumCashPayments(ctx, shift.ID)
	if err != nil {
		return domain.ShiftPreview{}, err
	}

	preview := domain.ShiftPreview{
		ShiftID:            shift.ID,
		OpeningCashAmount:  shift.OpeningCashAmount,
		CashSalesAmount:    domain.RoundMoney(summary.CashAmount),
		ExpectedCashAmount: expectedCash(*shift, summary),
		CompletedSales:     summary.CompletedSales,
		Closed:             !shift.IsOpen(),
	}
	if shift.ExpectedCashAmount != nil {
		preview.ExpectedCashAmount = *shift.ExpectedCashAmount
	}
	return preview, nil
}

// CloseShift reconciles counted cash against the expected amount and closes
// the shift. A difference above the store threshold needs a close reason.
func (s *Service) CloseShift(ctx context.Context, req domain.CloseShiftRequest) (domain.ShiftResponse, error) {
	req.ShiftID = strings.TrimSpace(req.ShiftID)
	req.CloseOperationID = strings.TrimSpace(req.CloseOperationID)
	req.CloseReason = strings.TrimSpace(req.CloseReason)
	if err := validateCloseRequest(req); err != nil {
		return domain.ShiftResponse{}, err
	}
	actor := s.actor(ctx)

	var (
		closed    domain.Shift
		replayed  bool
		threshold decimal.Decimal
	)
	err := s.inTx(ctx, func(tx store.Tx) error {
		existing, err := tx.FindShiftByCloseOperation(ctx, req.CloseOperationID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.ID != req.ShiftID {
				return domain.Invalid("close_operation_id", "already used to close another shift")
			}
			limit, err := cashThreshold(ctx, tx, existing.StoreID)
			if err != nil {
				return err
			}
			closed, replayed, threshold = *existing, true, limit
			return nil
		}

		shift, err := tx.LockShift(ctx, req.ShiftID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("shift %s: %w", req.ShiftID, store.ErrNotFound)
			}
			return err
		}
		if !shift.IsOpen() {
			return &domain.Conflict{Reason: domain.ConflictShiftClosed, Message: fmt.Sprintf("shift %s is already closed", shift.ID)}
		}

		summary, err := tx.SumCashPayments(ctx, shift.ID)
		if err != nil {
			return err
		}
		limit, err := cashThreshold(ctx, tx, shift.StoreID)
		if err != nil {
			return err
		}

		expected := expectedCash(*shift, summary)
		counted := domain.CountedCash(req.Denominations)
		difference := counted.Sub(expected)
		if difference.Abs().GreaterThan(limit) && req.CloseReason == "" {
			return &domain.Conflict{
				Reason:  domain.ConflictCloseReasonRequired,
				Message: fmt.Sprintf("cash difference %s exceeds threshold %s", difference.StringFixed(domain.MoneyPlaces), limit.StringFixed(domain.MoneyPlaces)),
			}
		}

		at := s.now()
		shift.Status = domain.ShiftStatusClosed
		shift.ClosedAt = &at
		shift.ClosedBy = actor.Username
		shift.ClosingCashAmount = &counted
		shift.ExpectedCashAmount = &expected
		shift.CashDifference = &difference
		shift.Denominations = req.Denominations
		shift.CloseReason = req.CloseReason
		shift.CloseOperationID = req.CloseOperationID
		if err := tx.CloseShift(ctx, *shift); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return domain.Invalid("close_operation_id", "already used to close another shift")
			}
			return err
		}
		closed, replayed, threshold = *shift, false, limit
		return nil
	})
	if err != nil {
		s.countConflict("close_shift", err)
		return domain.ShiftResponse{}, err
	}

	within := true
	if closed.CashDifference != nil {
		within = !closed.CashDifference.Abs().GreaterThan(threshold)
	}
	if replayed {
		return domain.ShiftResponse{Shift: closed, Replayed: true, WithinThreshold: &within}, nil
	}

	s.metrics.ShiftsClosed.WithLabelValues(strconv.FormatBool(within)).Inc()
	s.logAudit(ctx, closed.TenantID, closed.StoreID, "shift_close", "shift", closed.ID, nil, closed)
	s.publish(ctx, events.TypeShiftClosed, closed.TenantID, closed.StoreID, closed.ID, closed)
	s.log.Info("shift closed",
		zap.String("shift_id", closed.ID),
		zap.String("expected", closed.ExpectedCashAmount.StringFixed(domain.MoneyPlaces)),
		zap.String("difference", closed.CashDifference.StringFixed(domain.MoneyPlaces)),
		zap.Bool("within_threshold", within),
	)
	return domain.ShiftResponse{Shift: closed, WithinThreshold: &within}, nil
}

func (s *Service) GetShift(ctx context.Context, shiftID string) (domain.Shift, error) {
	shift, err := s.repo.GetShift(ctx, strings.TrimSpace(shiftID))
	if err != nil {
		return domain.Shift{}, err
	}
	return *shift, nil
}

func (s *Service) GetOpenShift(ctx context.Context, storeID string) (domain.Shift, error) {
	shift, err := s.repo.GetOpenShift(ctx, s.storeOrDefault(storeID))
	if err != nil {
		return domain.Shift{}, err
	}
	return *shift, nil
}

func expectedCash(shift domain.Shift, summary domain.CashSummary) decimal.Decimal {
	return domain.RoundMoney(shift.OpeningCashAmount.Add(summary.CashAmount))
}

// cashThreshold is zero when the store has no settings row, so any
// difference needs a reason.
func cashThreshold(ctx context.Context, reader store.CatalogReader, storeID string) (decimal.Decimal, error) {
	settings, err := reader.GetStoreSettings(ctx, storeID)
	if err != nil {
		return decimal.Zero, err
	}
	if settings == nil {
		return decimal.Zero, nil
	}
	return settings.CashDifferenceThreshold, nil
}

func validateCloseRequest(req domain.CloseShiftRequest) error {
	if req.ShiftID == "" {
		return domain.Invalid("shift_id", "is required")
	}
	if req.CloseOperationID == "" {
		return domain.Invalid("close_operation_id", "is required")
	}
	seen := make(map[string]struct{}, len(req.Denominations))
	for i, d := range req.Denominations {
		field := fmt.Sprintf("denominations[%d]", i)
		if !d.Value.IsPositive() || !domain.FitsMoney(d.Value) {
			return domain.Invalid(field+".value", "must be positive with at most 2 decimals")
		}
		if d.Count < 0 {
			return domain.Invalid(field+".count", "must not be negative")
		}
		key := d.Value.StringFixed(domain.MoneyPlaces)
		if _, dup := seen[key]; dup {
			return domain.Invalid(field+".value", "listed twice")
		}
		seen[key] = struct{}{}
	}
	return nil
}
