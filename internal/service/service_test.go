package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/events"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/store/memory"
)

var (
	airMineral = domain.ItemRef{Type: domain.ItemTypeProduct, ID: "prd-air-mineral"}
	rotiBakar  = domain.ItemRef{Type: domain.ItemTypeProduct, ID: "prd-roti-bakar"}
	telur      = domain.ItemRef{Type: domain.ItemTypeExtra, ID: "ext-telur"}
	keju       = domain.ItemRef{Type: domain.ItemTypeExtra, ID: "ext-keju"}
)

func dec(val string) decimal.Decimal {
	return decimal.RequireFromString(val)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func cashierCtx(username string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: username, Role: domain.RoleCashier})
}

func newTestService(t *testing.T) (*Service, *memory.Store, *events.Recorder) {
	t.Helper()
	repo := memory.NewSeeded(nil)
	recorder := &events.Recorder{}
	svc := New(repo, Options{Publisher: recorder})
	return svc, repo, recorder
}

func openShift(t *testing.T, svc *Service, opening string) domain.Shift {
	t.Helper()
	resp, err := svc.OpenShift(adminCtx(), domain.OpenShiftRequest{
		OpeningCashAmount: dec(opening),
		OpenOperationID:   fmt.Sprintf("open-%d", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("open shift failed: %v", err)
	}
	return resp.Shift
}

func cashSale(shiftID string, clientSaleID string, amount string, lines ...domain.SaleLineInput) domain.CreateSaleRequest {
	return domain.CreateSaleRequest{
		ShiftID:      shiftID,
		ClientSaleID: clientSaleID,
		Lines:        lines,
		Payments:     []domain.PaymentInput{{Method: "cash", Amount: dec(amount)}},
	}
}

func line(productID string, qty string) domain.SaleLineInput {
	return domain.SaleLineInput{ProductID: productID, Quantity: dec(qty)}
}

func balanceOf(t *testing.T, svc *Service, ref domain.ItemRef) decimal.Decimal {
	t.Helper()
	balance, err := svc.GetBalance(context.Background(), "", ref)
	if err != nil {
		t.Fatalf("get balance %s: %v", ref, err)
	}
	return balance.OnHandQty
}

func setStock(t *testing.T, svc *Service, ref domain.ItemRef, target string) {
	t.Helper()
	delta := dec(target).Sub(balanceOf(t, svc, ref))
	if delta.IsZero() {
		return
	}
	_, err := svc.AdjustInventory(adminCtx(), domain.AdjustInventoryRequest{
		ItemType: string(ref.Type),
		ItemID:   ref.ID,
		DeltaQty: delta,
		Reason:   string(domain.AdjustStockCount),
	})
	if err != nil {
		t.Fatalf("set stock %s to %s: %v", ref, target, err)
	}
}

func conflictReason(err error) domain.ConflictReason {
	var conflict *domain.Conflict
	if errors.As(err, &conflict) {
		return conflict.Reason
	}
	return ""
}

func TestCreateSaleRequiresShiftID(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateSale(adminCtx(), cashSale("", "sale-no-shift", "18000", line("prd-kopi-susu", "1")))
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateSalePricesExtrasAndSelections(t *testing.T) {
	svc, _, recorder := newTestService(t)
	shift := openShift(t, svc, "0")

	req := cashSale(shift.ID, "sale-priced", "58000", domain.SaleLineInput{
		ProductID:  "prd-kopi-susu",
		Quantity:   dec("2"),
		Extras:     []domain.SaleExtraInput{{ExtraID: "ext-shot", Quantity: dec("1")}},
		Selections: []domain.SaleSelectionInput{{OptionItemID: "opt-oat-milk"}},
	})
	resp, err := svc.CreateSale(adminCtx(), req)
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	sale := resp.Sale
	if !sale.Total.Equal(dec("58000")) {
		t.Fatalf("expected total 58000, got %s", sale.Total)
	}
	if !sale.Items[0].UnitPrice.Equal(dec("29000")) {
		t.Fatalf("expected unit price 29000, got %s", sale.Items[0].UnitPrice)
	}
	if sale.Folio != "MAIN-000001" {
		t.Fatalf("expected first folio MAIN-000001, got %s", sale.Folio)
	}
	if sale.Status != domain.SaleStatusCompleted {
		t.Fatalf("expected Completed, got %s", sale.Status)
	}
	if len(recorder.OfType(events.TypeSaleCreated)) != 1 {
		t.Fatalf("expected one sale.created event")
	}
}

func TestCreateSaleIsIdempotentOnClientSaleID(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, "0")
	req := cashSale(shift.ID, "sale-idem", "10000", line(airMineral.ID, "2"))

	first, err := svc.CreateSale(adminCtx(), req)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := svc.CreateSale(adminCtx(), req)
	if err != nil {
		t.Fatalf("replayed create failed: %v", err)
	}

	if !second.Replayed || second.Sale.ID != first.Sale.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Sale.ID, second)
	}
	if got := balanceOf(t, svc, airMineral); !got.Equal(dec("46")) {
		t.Fatalf("expected stock consumed once (46), got %s", got)
	}

	lookup, err := svc.GetSaleByClientID(context.Background(), "", "sale-idem")
	if err != nil || lookup.ID != first.Sale.ID {
		t.Fatalf("expected lookup by client id, got %v %v", lookup.ID, err)
	}
}

func TestCreateSaleReportsFirstUnavailableItem(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, "0")
	ctx := adminCtx()

	if _, err := svc.SetTenantOverride(ctx, domain.TenantOverrideRequest{ItemType: "OptionItem", ItemID: "opt-less-ice", IsEnabled: false}); err != nil {
		t.Fatalf("tenant override failed: %v", err)
	}
	if _, err := svc.SetStoreOverride(ctx, domain.StoreOverrideRequest{ItemType: "Extra", ItemID: "ext-shot", State: "Disabled"}); err != nil {
		t.Fatalf("store override failed: %v", err)
	}

	req := cashSale(shift.ID, "sale-unavailable", "28000",
		domain.SaleLineInput{
			ProductID:  "prd-kopi-susu",
			Quantity:   dec("1"),
			Extras:     []domain.SaleExtraInput{{ExtraID: "ext-shot", Quantity: dec("1")}},
			Selections: []domain.SaleSelectionInput{{OptionItemID: "opt-less-ice"}},
		},
		line(airMineral.ID, "1"),
	)
	_, err := svc.CreateSale(ctx, req)

	var conflict *domain.Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.Reason != domain.ConflictDisabledByStore || conflict.ItemID != "ext-shot" {
		t.Fatalf("expected extras checked before selections, got %+v", conflict)
	}
	if conflict.ItemName != "Extra Shot Espresso" {
		t.Fatalf("expected item name in conflict, got %q", conflict.ItemName)
	}
	if got := balanceOf(t, svc, airMineral); !got.Equal(dec("48")) {
		t.Fatalf("rejected sale must not touch stock, got %s", got)
	}
}

func TestCreateSaleAggregatesTrackedConsumption(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, "0")

	withKeju := func(qty string) domain.SaleLineInput {
		return domain.SaleLineInput{
			ProductID: "prd-kopi-susu",
			Quantity:  dec("1"),
			Extras:    []domain.SaleExtraInput{{ExtraID: keju.ID, Quantity: dec(qty)}},
		}
	}
	// Each line fits in the 2.5 on hand, together they do not.
	req := cashSale(shift.ID, "sale-keju", "45000", withKeju("1.5"), withKeju("1.5"))
	_, err := svc.CreateSale(adminCtx(), req)

	var conflict *domain.Conflict
	if !errors.As(err, &conflict) || conflict.Reason != domain.ConflictOutOfStock {
		t.Fatalf("expected OutOfStock, got %v", err)
	}
	if conflict.AvailableQty == nil || !conflict.AvailableQty.Equal(dec("2.5")) {
		t.Fatalf("expected available qty 2.5, got %v", conflict.AvailableQty)
	}
	if got := balanceOf(t, svc, keju); !got.Equal(dec("2.5")) {
		t.Fatalf("expected keju untouched, got %s", got)
	}
}

func TestCreateSaleRejectsPaymentMismatch(t *testing.T) {
	svc, repo, _ := newTestService(t)
	shift := openShift(t, svc, "0")

	_, err := svc.CreateSale(adminCtx(), cashSale(shift.ID, "sale-short", "9999.99", line(airMineral.ID, "2")))

	var validation *domain.ValidationError
	if !errors.As(err, &validation) || validation.Reason != domain.ValidationPaymentMismatch {
		t.Fatalf("expected PaymentMismatch, got %v", err)
	}
	if got := balanceOf(t, svc, airMineral); !got.Equal(dec("48")) {
		t.Fatalf("expected rollback of consumption, got %s", got)
	}
	if _, err := repo.FindSaleByClientID(context.Background(), memory.SeedTenantID, "sale-short"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no persisted sale, got %v", err)
	}
}

func TestCreateSaleOnClosedShiftConflicts(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, "0")
	if _, err := svc.CloseShift(adminCtx(), domain.CloseShiftRequest{ShiftID: shift.ID, CloseOperationID: "close-early"}); err != nil {
		t.Fatalf("close shift failed: %v", err)
	}

	_, err := svc.CreateSale(adminCtx(), cashSale(shift.ID, "sale-late", "18000", line("prd-kopi-susu", "1")))
	if conflictReason(err) != domain.ConflictShiftClosed {
		t.Fatalf("expected ShiftClosed, got %v", err)
	}
}

func TestLastUnitRaceHasExactlyOneWinner(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, "0")
	setStock(t, svc, rotiBakar, "1")

	const workers = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		outOfStock int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.CreateSale(adminCtx(), cashSale(shift.ID, fmt.Sprintf("race-%d", i), "15000", line(rotiBakar.ID, "1")))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case conflictReason(err) == domain.ConflictOutOfStock:
				outOfStock++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || outOfStock != workers-1 {
		t.Fatalf("expected 1 winner and %d OutOfStock, got %d and %d", workers-1, successes, outOfStock)
	}
	if got := balanceOf(t, svc, rotiBakar); !got.IsZero() {
		t.Fatalf("expected stock 0, got %s", got)
	}
}

func TestVoidRestoresExtraStockExactlyOnce(t *testing.T) {
	svc, _, recorder := newTestService(t)
	shift := openShift(t, svc, "0")
	setStock(t, svc, telur, "10")

	created, err := svc.CreateSale(adminCtx(), cashSale(shift.ID, "sale-telur", "37000", domain.SaleLineInput{
		ProductID: "prd-nasi-goreng",
		Quantity:  dec("1"),
		Extras:    []domain.SaleExtraInput{{ExtraID: telur.ID, Quantity: dec("3")}},
	}))
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if got := balanceOf(t, svc, telur); !got.Equal(dec("7")) {
		t.Fatalf("expected 7 after sale, got %s", got)
	}

	voidReq := domain.VoidSaleRequest{SaleID: created.Sale.ID, ClientVoidID: "void-telur", ReasonCode: "WRONG_ORDER"}
	voided, err := svc.VoidSale(adminCtx(), voidReq)
	if err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if voided.Sale.Status != domain.SaleStatusVoid || voided.Sale.VoidedAt == nil {
		t.Fatalf("expected Void status with timestamp, got %+v", voided.Sale)
	}
	if got := balanceOf(t, svc, telur); !got.Equal(dec("10")) {
		t.Fatalf("expected 10 after void, got %s", got)
	}

	replayed, err := svc.VoidSale(adminCtx(), voidReq)
	if err != nil {
		t.Fatalf("replayed void failed: %v", err)
	}
	if !replayed.Replayed {
		t.Fatalf("expected replayed void")
	}
	if got := balanceOf(t, svc, telur); !got.Equal(dec("10")) {
		t.Fatalf("replay must not restore twice, got %s", got)
	}

	adjustments, err := svc.ListAdjustments(context.Background(), "", &telur, 100)
	if err != nil {
		t.Fatalf("list adjustments failed: %v", err)
	}
	reversals := 0
	for _, adj := range adjustments {
		if adj.Reason == domain.AdjustVoidReversal {
			reversals++
			if adj.ReferenceID != created.Sale.ID || !adj.DeltaQty.Equal(dec("3")) {
				t.Fatalf("unexpected reversal row %+v", adj)
			}
		}
	}
	if reversals != 1 {
		t.Fatalf("expected exactly one reversal row, got %d", reversals)
	}

	check, err := svc.ReconcileBalance(context.Background(), "", telur)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !check.Consistent {
		t.Fatalf("expected ledger to replay to balance, got %+v", check)
	}
	if len(recorder.OfType(events.TypeSaleVoided)) != 1 {
		t.Fatalf("expected one sale.voided event")
	}
}

func TestVoidWithAnotherClientVoidIDConflicts(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, "0")
	created, err := svc.CreateSale(adminCtx(), cashSale(shift.ID, "sale-double-void", "5000", line(airMineral.ID, "1")))
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if _, err := svc.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: created.Sale.ID, ClientVoidID: "void-a", ReasonCode: "X"}); err != nil {
		t.Fatalf("void failed: %v", err)
	}
	_, err = svc.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: created.Sale.ID, ClientVoidID: "void-b", ReasonCode: "X"})
	if conflictReason(err) != domain.ConflictSaleAlreadyVoided {
		t.Fatalf("expected SaleAlreadyVoided, got %v", err)
	}
	if got := balanceOf(t, svc, airMineral); !got.Equal(dec("48")) {
		t.Fatalf("expected stock restored once, got %s", got)
	}
}

func TestCashierCannotVoidAnotherCashiersSale(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, "0")
	created, err := svc.CreateSale(cashierCtx("cashier"), cashSale(shift.ID, "sale-owned", "5000", line(airMineral.ID, "1")))
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	_, err = svc.VoidSale(cashierCtx("someone-else"), domain.VoidSaleRequest{SaleID: created.Sale.ID, ClientVoidID: "void-foreign", ReasonCode: "X"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := svc.VoidSale(cashierCtx("cashier"), domain.VoidSaleRequest{SaleID: created.Sale.ID, ClientVoidID: "void-own", ReasonCode: "X"}); err != nil {
		t.Fatalf("owner void failed: %v", err)
	}
}

func TestShiftCashReconciliation(t *testing.T) {
	svc, repo, recorder := newTestService(t)
	err := repo.UpsertCatalogItem(context.Background(), domain.CatalogItem{
		TenantID: memory.SeedTenantID,
		Type:     domain.ItemTypeProduct,
		ID:       "prd-teh",
		Name:     "Teh",
		Price:    dec("50"),
		Active:   true,
	})
	if err != nil {
		t.Fatalf("seed item failed: %v", err)
	}
	shift := openShift(t, svc, "100")

	if _, err := svc.CreateSale(adminCtx(), cashSale(shift.ID, "sale-teh", "50", line("prd-teh", "1"))); err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	preview, err := svc.ClosePreview(context.Background(), shift.ID)
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	if !preview.ExpectedCashAmount.Equal(dec("150")) {
		t.Fatalf("expected preview 150, got %s", preview.ExpectedCashAmount)
	}

	resp, err := svc.CloseShift(adminCtx(), domain.CloseShiftRequest{
		ShiftID: shift.ID,
		Denominations: []domain.DenominationCount{
			{Value: dec("100"), Count: 1},
			{Value: dec("50"), Count: 2},
		},
		CloseOperationID: "close-scenario",
	})
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}

	closed := resp.Shift
	if !closed.ExpectedCashAmount.Equal(dec("150")) {
		t.Fatalf("expected 150, got %s", closed.ExpectedCashAmount)
	}
	if !closed.ClosingCashAmount.Equal(dec("200")) {
		t.Fatalf("expected counted 200, got %s", closed.ClosingCashAmount)
	}
	if !closed.CashDifference.Equal(dec("50")) {
		t.Fatalf("expected difference 50, got %s", closed.CashDifference)
	}
	if resp.WithinThreshold == nil || !*resp.WithinThreshold {
		t.Fatalf("expected difference within the seeded threshold")
	}
	if len(recorder.OfType(events.TypeShiftClosed)) != 1 {
		t.Fatalf("expected one shift.closed event")
	}
}

func TestVoidedSaleLeavesExpectedCash(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, "1000")

	kept, err := svc.CreateSale(adminCtx(), cashSale(shift.ID, "sale-kept", "18000", line("prd-kopi-susu", "1")))
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	voided, err := svc.CreateSale(adminCtx(), cashSale(shift.ID, "sale-voided", "25000", line("prd-nasi-goreng", "1")))
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	card := domain.CreateSaleRequest{
		ShiftID:      shift.ID,
		ClientSaleID: "sale-card",
		Lines:        []domain.SaleLineInput{line("prd-kopi-susu", "1")},
		Payments:     []domain.PaymentInput{{Method: "card", Amount: dec("18000"), Reference: "EDC-1"}},
	}
	if _, err := svc.CreateSale(adminCtx(), card); err != nil {
		t.Fatalf("card sale failed: %v", err)
	}
	if _, err := svc.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: voided.Sale.ID, ClientVoidID: "void-cash", ReasonCode: "X"}); err != nil {
		t.Fatalf("void failed: %v", err)
	}

	preview, err := svc.ClosePreview(context.Background(), shift.ID)
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	want := dec("1000").Add(kept.Sale.Total)
	if !preview.ExpectedCashAmount.Equal(want) {
		t.Fatalf("expected %s, got %s", want, preview.ExpectedCashAmount)
	}
	if preview.CompletedSales != 2 {
		t.Fatalf("expected 2 completed sales, got %d", preview.CompletedSales)
	}
}

func TestOpenShiftReplayAndAlreadyOpen(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := domain.OpenShiftRequest{OpeningCashAmount: dec("50000"), OpenOperationID: "open-1"}

	first, err := svc.OpenShift(adminCtx(), req)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	again, err := svc.OpenShift(adminCtx(), req)
	if err != nil {
		t.Fatalf("replayed open failed: %v", err)
	}
	if !again.Replayed || again.Shift.ID != first.Shift.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Shift.ID, again)
	}

	_, err = svc.OpenShift(adminCtx(), domain.OpenShiftRequest{OpeningCashAmount: dec("0"), OpenOperationID: "open-2"})
	if conflictReason(err) != domain.ConflictShiftAlreadyOpen {
		t.Fatalf("expected ShiftAlreadyOpen, got %v", err)
	}

	current, err := svc.GetOpenShift(context.Background(), "")
	if err != nil || current.ID != first.Shift.ID {
		t.Fatalf("expected open shift %s, got %v %v", first.Shift.ID, current.ID, err)
	}
}

func TestCloseShiftNeedsReasonAboveThreshold(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.UpdateStoreSettings(adminCtx(), domain.StoreSettingsRequest{
		Code:                    "MAIN",
		ShowOnlyInStock:         true,
		CashDifferenceThreshold: dec("1000"),
	}); err != nil {
		t.Fatalf("update settings failed: %v", err)
	}
	shift := openShift(t, svc, "100000")

	req := domain.CloseShiftRequest{
		ShiftID:          shift.ID,
		Denominations:    []domain.DenominationCount{{Value: dec("50000"), Count: 1}},
		CloseOperationID: "close-short",
	}
	_, err := svc.CloseShift(adminCtx(), req)
	if conflictReason(err) != domain.ConflictCloseReasonRequired {
		t.Fatalf("expected CloseReasonRequired, got %v", err)
	}
	if open, err := svc.GetShift(context.Background(), shift.ID); err != nil || !open.IsOpen() {
		t.Fatalf("rejected close must leave the shift open")
	}

	req.CloseReason = "float taken to bank"
	resp, err := svc.CloseShift(adminCtx(), req)
	if err != nil {
		t.Fatalf("close with reason failed: %v", err)
	}
	if *resp.WithinThreshold {
		t.Fatalf("expected difference outside threshold")
	}
	if !resp.Shift.CashDifference.Equal(dec("-50000")) {
		t.Fatalf("expected difference -50000, got %s", resp.Shift.CashDifference)
	}

	replay, err := svc.CloseShift(adminCtx(), req)
	if err != nil || !replay.Replayed {
		t.Fatalf("expected replayed close, got %+v %v", replay, err)
	}
	if !replay.Shift.ClosedAt.Equal(*resp.Shift.ClosedAt) {
		t.Fatalf("replay must return the stored close")
	}

	req.CloseOperationID = "close-again"
	_, err = svc.CloseShift(adminCtx(), req)
	if conflictReason(err) != domain.ConflictShiftClosed {
		t.Fatalf("expected ShiftClosed, got %v", err)
	}
}

func TestAdjustInventoryRules(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := adminCtx()

	cases := []struct {
		name     string
		req      domain.AdjustInventoryRequest
		validate domain.ValidationReason
		conflict domain.ConflictReason
	}{
		{
			name:     "system reason",
			req:      domain.AdjustInventoryRequest{ItemType: "Product", ItemID: airMineral.ID, DeltaQty: dec("1"), Reason: "SaleConsumption"},
			validate: domain.ValidationInvalidReason,
		},
		{
			name:     "unknown reason",
			req:      domain.AdjustInventoryRequest{ItemType: "Product", ItemID: airMineral.ID, DeltaQty: dec("1"), Reason: "Gift"},
			validate: domain.ValidationInvalidReason,
		},
		{
			name:     "zero delta",
			req:      domain.AdjustInventoryRequest{ItemType: "Product", ItemID: airMineral.ID, DeltaQty: dec("0"), Reason: "Purchase"},
			validate: domain.ValidationZeroDelta,
		},
		{
			name:     "untracked item",
			req:      domain.AdjustInventoryRequest{ItemType: "Product", ItemID: "prd-kopi-susu", DeltaQty: dec("5"), Reason: "Purchase"},
			conflict: domain.ConflictNotInventoryTracked,
		},
		{
			name:     "option item",
			req:      domain.AdjustInventoryRequest{ItemType: "OptionItem", ItemID: "opt-oat-milk", DeltaQty: dec("5"), Reason: "Purchase"},
			conflict: domain.ConflictNotInventoryTracked,
		},
		{
			name:     "below zero",
			req:      domain.AdjustInventoryRequest{ItemType: "Extra", ItemID: keju.ID, DeltaQty: dec("-3"), Reason: "Waste"},
			conflict: domain.ConflictNegativeStockNotAllowed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.AdjustInventory(ctx, tc.req)
			if tc.validate != "" {
				var validation *domain.ValidationError
				if !errors.As(err, &validation) || validation.Reason != tc.validate {
					t.Fatalf("expected %s, got %v", tc.validate, err)
				}
				return
			}
			if conflictReason(err) != tc.conflict {
				t.Fatalf("expected %s, got %v", tc.conflict, err)
			}
		})
	}

	if got := balanceOf(t, svc, keju); !got.Equal(dec("2.5")) {
		t.Fatalf("rejected adjustments must not move stock, got %s", got)
	}
}

func TestAdjustInventoryReplaysClientOperation(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := domain.AdjustInventoryRequest{
		ItemType:          "Product",
		ItemID:            rotiBakar.ID,
		DeltaQty:          dec("12"),
		Reason:            "Purchase",
		ReferenceType:     "PurchaseOrder",
		ReferenceID:       "PO-77",
		ClientOperationID: "op-po-77",
	}

	first, err := svc.AdjustInventory(adminCtx(), req)
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	second, err := svc.AdjustInventory(adminCtx(), req)
	if err != nil {
		t.Fatalf("replayed adjust failed: %v", err)
	}
	if !second.Replayed || second.Adjustment.ID != first.Adjustment.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Adjustment.ID, second)
	}
	if got := balanceOf(t, svc, rotiBakar); !got.Equal(dec("32")) {
		t.Fatalf("expected 32, got %s", got)
	}
	if !first.Adjustment.QtyBefore.Add(first.Adjustment.DeltaQty).Equal(first.Adjustment.ResultingOnHandQty) {
		t.Fatalf("adjustment arithmetic broken: %+v", first.Adjustment)
	}
}

func TestAdjustInventoryRequiresAdmin(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.AdjustInventory(cashierCtx("cashier"), domain.AdjustInventoryRequest{
		ItemType: "Product",
		ItemID:   airMineral.ID,
		DeltaQty: dec("1"),
		Reason:   "Purchase",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

type countingCache struct {
	mu      sync.Mutex
	entries map[string]domain.Availability
	dropped []string
}

func (c *countingCache) Get(_ context.Context, key string) (*domain.Availability, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	val, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &val, true, nil
}

func (c *countingCache) Set(_ context.Context, key string, value *domain.Availability, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = *value
	return nil
}

func (c *countingCache) Invalidate(_ context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = append(c.dropped, pattern)
	prefix := strings.SplitN(pattern, "*", 2)[0]
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) && strings.HasSuffix(key, pattern[strings.LastIndex(pattern, "*")+1:]) {
			delete(c.entries, key)
		}
	}
	return nil
}

func TestAvailabilityCacheIsInvalidatedOnChange(t *testing.T) {
	repo := memory.NewSeeded(nil)
	cache := &countingCache{entries: map[string]domain.Availability{}}
	svc := New(repo, Options{Cache: cache})
	ref := domain.ItemRef{Type: domain.ItemTypeProduct, ID: "prd-nasi-goreng"}

	first, err := svc.Availability(context.Background(), "", "", ref)
	if err != nil || !first.Available {
		t.Fatalf("expected available, got %+v %v", first, err)
	}

	if _, err := svc.SetManualAvailability(cashierCtx("cashier"), domain.ManualAvailabilityRequest{ItemType: "product", ItemID: ref.ID, IsAvailable: false}); err != nil {
		t.Fatalf("manual toggle failed: %v", err)
	}
	if len(cache.dropped) == 0 {
		t.Fatalf("expected cache invalidation")
	}

	second, err := svc.Availability(context.Background(), "", "", ref)
	if err != nil {
		t.Fatalf("availability failed: %v", err)
	}
	if second.Available || second.Reason != domain.ReasonManualUnavailable {
		t.Fatalf("expected ManualUnavailable after toggle, got %+v", second)
	}
}

func TestStoreSettingsRequireAdmin(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.UpdateStoreSettings(cashierCtx("cashier"), domain.StoreSettingsRequest{Code: "X"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

type brokenAuditRepo struct {
	*memory.Store
}

func (brokenAuditRepo) CreateAuditLog(context.Context, domain.AuditLog) error {
	return errors.New("audit sink unavailable")
}

func TestAuditFailureDoesNotAbortSale(t *testing.T) {
	svc := New(brokenAuditRepo{memory.NewSeeded(nil)}, Options{})
	shift := openShift(t, svc, "0")

	resp, err := svc.CreateSale(adminCtx(), cashSale(shift.ID, "sale-audit-down", "5000", line(airMineral.ID, "1")))
	if err != nil {
		t.Fatalf("sale must succeed without audit, got %v", err)
	}
	if _, err := svc.GetSale(context.Background(), resp.Sale.ID); err != nil {
		t.Fatalf("expected persisted sale, got %v", err)
	}
}

func TestAuditTrailRecordsSaleLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := WithCorrelationID(adminCtx(), "req-123")
	shift := openShift(t, svc, "0")

	created, err := svc.CreateSale(ctx, cashSale(shift.ID, "sale-audited", "5000", line(airMineral.ID, "1")))
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if _, err := svc.VoidSale(ctx, domain.VoidSaleRequest{SaleID: created.Sale.ID, ClientVoidID: "void-audited", ReasonCode: "X"}); err != nil {
		t.Fatalf("void failed: %v", err)
	}

	logs, err := svc.ListAuditLogs(adminCtx(), "", time.Now().UTC().Format("2006-01-02"), 100)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	actions := map[string]bool{}
	for _, entry := range logs {
		actions[entry.Action] = true
		if entry.Action == "sale_void" && (entry.CorrelationID != "req-123" || entry.BeforeJSON == "") {
			t.Fatalf("expected correlation id and before snapshot, got %+v", entry)
		}
	}
	for _, want := range []string{"sale_create", "sale_void", "inventory_adjust", "shift_open"} {
		if !actions[want] {
			t.Fatalf("expected %s in audit trail, got %v", want, actions)
		}
	}

	if _, err := svc.ListAuditLogs(cashierCtx("cashier"), "", "", 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected cashier to be refused audit logs, got %v", err)
	}
}

func TestMixedPaymentCountsOnlyCashPortion(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, "100")

	sale, err := svc.CreateSale(adminCtx(), domain.CreateSaleRequest{
		ShiftID:      shift.ID,
		ClientSaleID: "sale-split",
		Lines:        []domain.SaleLineInput{line("prd-kopi-susu", "1")},
		Payments: []domain.PaymentInput{
			{Method: "cash", Amount: dec("8000")},
			{Method: "card", Amount: dec("10000"), Reference: "EDC-9"},
		},
	})
	if err != nil {
		t.Fatalf("split payment sale failed: %v", err)
	}

	preview, err := svc.ClosePreview(context.Background(), shift.ID)
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	if !preview.ExpectedCashAmount.Equal(dec("8100")) {
		t.Fatalf("expected 8100, got %s", preview.ExpectedCashAmount)
	}

	if _, err := svc.VoidSale(adminCtx(), domain.VoidSaleRequest{SaleID: sale.Sale.ID, ClientVoidID: "void-split", ReasonCode: "customer_cancel"}); err != nil {
		t.Fatalf("void failed: %v", err)
	}
	preview, err = svc.ClosePreview(context.Background(), shift.ID)
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	if !preview.ExpectedCashAmount.Equal(dec("100")) {
		t.Fatalf("expected 100 after void, got %s", preview.ExpectedCashAmount)
	}
}

func TestCreateSaleRejectsExtraConsumptionBeyondQtyPrecision(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, "0")

	cases := []struct {
		lineQty  string
		extraQty string
	}{
		{"0.001", "0.001"},
		{"1.5", "0.005"},
	}
	for i, tc := range cases {
		req := cashSale(shift.ID, fmt.Sprintf("sale-fraction-%d", i), "18000", domain.SaleLineInput{
			ProductID: "prd-kopi-susu",
			Quantity:  dec(tc.lineQty),
			Extras:    []domain.SaleExtraInput{{ExtraID: telur.ID, Quantity: dec(tc.extraQty)}},
		})
		_, err := svc.CreateSale(adminCtx(), req)
		var validation *domain.ValidationError
		if !errors.As(err, &validation) {
			t.Fatalf("line %s x extra %s: expected validation error, got %v", tc.lineQty, tc.extraQty, err)
		}
		if validation.Reason != domain.ValidationInvalidRequest || validation.Field != "lines[0].extras[0].quantity" {
			t.Fatalf("line %s x extra %s: unexpected validation %+v", tc.lineQty, tc.extraQty, validation)
		}
	}
	if got := balanceOf(t, svc, telur); !got.Equal(dec("30")) {
		t.Fatalf("expected telur untouched at 30, got %s", got)
	}
}

func TestAvailabilityBatchKeepsRequestOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	setStock(t, svc, keju, "0")

	items := []domain.ItemRef{keju, airMineral}
	got, err := svc.AvailabilityBatch(context.Background(), "", "", items)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(got) != 2 || got[0].Item != keju || got[1].Item != airMineral {
		t.Fatalf("unexpected batch order %+v", got)
	}
	if got[0].Available || got[0].Reason != domain.ReasonOutOfStock {
		t.Fatalf("expected keju out of stock, got %+v", got[0])
	}
	if !got[1].Available {
		t.Fatalf("expected air mineral available, got %+v", got[1])
	}
}
