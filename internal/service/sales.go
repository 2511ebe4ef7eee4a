package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tokoledger/backend/internal/cache"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/events"
	"tokoledger/backend/internal/ledger"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

// CreateSale records a sale and consumes tracked stock in one transaction.
// A known clientSaleId returns the stored sale unchanged.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (domain.SaleResponse, error) {
	req.TenantID = s.tenantOrDefault(req.TenantID)
	req.StoreID = s.storeOrDefault(req.StoreID)
	req.ClientSaleID = strings.TrimSpace(req.ClientSaleID)
	req.ShiftID = strings.TrimSpace(req.ShiftID)

	payments, err := validateSaleRequest(req)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	actor := s.actor(ctx)

	var (
		created     domain.Sale
		replayed    bool
		adjustments []ledger.Result
	)
	err = s.inTx(ctx, func(tx store.Tx) error {
		existing, err := tx.FindSaleByClientID(ctx, req.TenantID, req.ClientSaleID)
		if err != nil {
			return err
		}
		if existing != nil {
			created, replayed, adjustments = *existing, true, nil
			return nil
		}

		sale, results, err := s.recordSale(ctx, tx, req, payments, actor)
		if err != nil {
			return err
		}
		created, replayed, adjustments = sale, false, results
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		existing, lookupErr := s.repo.FindSaleByClientID(ctx, req.TenantID, req.ClientSaleID)
		if lookupErr == nil {
			created, replayed, err = *existing, true, nil
		}
	}
	if err != nil {
		s.countConflict("create_sale", err)
		s.metrics.Sales.WithLabelValues("rejected").Inc()
		return domain.SaleResponse{}, err
	}

	if replayed {
		s.metrics.Sales.WithLabelValues("replayed").Inc()
		return domain.SaleResponse{Sale: created, Replayed: true}, nil
	}

	s.metrics.Sales.WithLabelValues("created").Inc()
	s.logAudit(ctx, created.TenantID, created.StoreID, "sale_create", "sale", created.ID, nil, saleAuditView(created))
	s.publish(ctx, events.TypeSaleCreated, created.TenantID, created.StoreID, created.ID, created)
	s.afterAdjustments(ctx, created.TenantID, adjustments)

	s.log.Info("sale created",
		zap.String("sale_id", created.ID),
		zap.String("folio", created.Folio),
		zap.String("store_id", created.StoreID),
		zap.String("total", created.Total.StringFixed(domain.MoneyPlaces)),
	)
	return domain.SaleResponse{Sale: created}, nil
}

type resolvedLine struct {
	input      domain.SaleLineInput
	product    domain.CatalogItem
	extras     []domain.CatalogItem
	selections []domain.CatalogItem
}

func (s *Service) recordSale(ctx context.Context, tx store.Tx, req domain.CreateSaleRequest, payments []domain.Payment, actor domain.Actor) (domain.Sale, []ledger.Result, error) {
	shift, err := tx.ShareShift(ctx, req.ShiftID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Sale{}, nil, fmt.Errorf("shift %s: %w", req.ShiftID, store.ErrNotFound)
		}
		return domain.Sale{}, nil, err
	}
	if shift.StoreID != req.StoreID || shift.TenantID != req.TenantID {
		return domain.Sale{}, nil, domain.Invalid("shift_id", "shift belongs to another store")
	}
	if !shift.IsOpen() {
		return domain.Sale{}, nil, &domain.Conflict{Reason: domain.ConflictShiftClosed, Message: fmt.Sprintf("shift %s is closed", shift.ID)}
	}

	lines, err := s.resolveLines(ctx, tx, req)
	if err != nil {
		return domain.Sale{}, nil, err
	}

	saleID := xid.New("sale")
	results, err := s.consumeStock(ctx, tx, req, saleID, lines, actor)
	if err != nil {
		return domain.Sale{}, nil, err
	}

	items, subtotal := priceLines(lines)
	total := subtotal
	paid := decimal.Zero
	for _, payment := range payments {
		paid = paid.Add(payment.Amount)
	}
	if !domain.RoundMoney(paid).Equal(total) {
		return domain.Sale{}, nil, &domain.ValidationError{
			Reason:  domain.ValidationPaymentMismatch,
			Field:   "payments",
			Message: fmt.Sprintf("payments sum %s does not match total %s", domain.RoundMoney(paid).StringFixed(domain.MoneyPlaces), total.StringFixed(domain.MoneyPlaces)),
		}
	}

	folio, err := s.nextFolio(ctx, tx, req.StoreID)
	if err != nil {
		return domain.Sale{}, nil, err
	}

	sale := domain.Sale{
		ID:           saleID,
		TenantID:     req.TenantID,
		StoreID:      req.StoreID,
		ShiftID:      shift.ID,
		Folio:        folio,
		OccurredAt:   s.now(),
		Subtotal:     subtotal,
		Total:        total,
		Status:       domain.SaleStatusCompleted,
		ClientSaleID: req.ClientSaleID,
		CreatedBy:    actor.Username,
		Items:        items,
		Payments:     payments,
	}
	if err := tx.InsertSale(ctx, sale); err != nil {
		return domain.Sale{}, nil, err
	}
	return sale, results, nil
}

// resolveLines loads every referenced item and stops at the first one that
// cannot be sold. Order: lines as sent; within a line the product, then
// extras, then selections. An item is checked once per sale.
func (s *Service) resolveLines(ctx context.Context, tx store.Tx, req domain.CreateSaleRequest) ([]resolvedLine, error) {
	checked := make(map[domain.ItemRef]domain.CatalogItem)
	check := func(ref domain.ItemRef) (domain.CatalogItem, error) {
		if item, ok := checked[ref]; ok {
			return item, nil
		}
		item, err := tx.GetCatalogItem(ctx, req.TenantID, ref)
		if err != nil {
			return domain.CatalogItem{}, err
		}
		if item == nil || !item.Active {
			return domain.CatalogItem{}, fmt.Errorf("catalog item %s: %w", ref, store.ErrNotFound)
		}
		availability, err := s.resolver.ResolveItem(ctx, tx, req.TenantID, req.StoreID, *item)
		if err != nil {
			return domain.CatalogItem{}, err
		}
		if !availability.Available {
			return domain.CatalogItem{}, domain.ItemConflict(availability.Reason, *item)
		}
		checked[ref] = *item
		return *item, nil
	}

	lines := make([]resolvedLine, 0, len(req.Lines))
	for _, input := range req.Lines {
		line := resolvedLine{input: input}
		product, err := check(domain.ItemRef{Type: domain.ItemTypeProduct, ID: input.ProductID})
		if err != nil {
			return nil, err
		}
		line.product = product
		for _, extra := range input.Extras {
			item, err := check(domain.ItemRef{Type: domain.ItemTypeExtra, ID: extra.ExtraID})
			if err != nil {
				return nil, err
			}
			line.extras = append(line.extras, item)
		}
		for _, selection := range input.Selections {
			item, err := check(domain.ItemRef{Type: domain.ItemTypeOptionItem, ID: selection.OptionItemID})
			if err != nil {
				return nil, err
			}
			line.selections = append(line.selections, item)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// consumeStock aggregates tracked quantities per item and writes one
// SaleConsumption per item, in ItemRef order.
func (s *Service) consumeStock(ctx context.Context, tx store.Tx, req domain.CreateSaleRequest, saleID string, lines []resolvedLine, actor domain.Actor) ([]ledger.Result, error) {
	consumed := make(map[domain.ItemRef]decimal.Decimal)
	names := make(map[domain.ItemRef]string)
	add := func(item domain.CatalogItem, qty decimal.Decimal) {
		if !item.InventoryTracked() {
			return
		}
		consumed[item.Ref()] = consumed[item.Ref()].Add(qty)
		names[item.Ref()] = item.Name
	}
	for _, line := range lines {
		add(line.product, line.input.Quantity)
		for i, extra := range line.extras {
			add(extra, line.input.Extras[i].Quantity.Mul(line.input.Quantity))
		}
	}

	refs := make([]domain.ItemRef, 0, len(consumed))
	for ref := range consumed {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })

	reference := &domain.Reference{Type: domain.ReferenceTypeSale, ID: saleID}
	results := make([]ledger.Result, 0, len(refs))
	for _, ref := range refs {
		res, err := s.ledger.Adjust(ctx, tx, ledger.Command{
			TenantID:  req.TenantID,
			StoreID:   req.StoreID,
			Item:      ref,
			Delta:     consumed[ref].Neg(),
			Reason:    domain.AdjustSaleConsumption,
			Reference: reference,
			UserID:    actor.Username,
		})
		if err != nil {
			var conflict *domain.Conflict
			if errors.As(err, &conflict) && conflict.Reason == domain.ConflictNegativeStockNotAllowed {
				return nil, &domain.Conflict{
					Reason:       domain.ConflictOutOfStock,
					ItemType:     ref.Type,
					ItemID:       ref.ID,
					ItemName:     names[ref],
					AvailableQty: conflict.AvailableQty,
				}
			}
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// priceLines snapshots names and prices. Unit price is the product price
// plus extras (price x per-unit qty) plus selection deltas.
func priceLines(lines []resolvedLine) ([]domain.SaleItem, decimal.Decimal) {
	items := make([]domain.SaleItem, 0, len(lines))
	subtotal := decimal.Zero
	for i, line := range lines {
		unit := line.product.Price
		item := domain.SaleItem{
			LineNo:      i + 1,
			ProductID:   line.product.ID,
			ProductName: line.product.Name,
			SKU:         line.product.SKU,
			Quantity:    domain.RoundQty(line.input.Quantity),
		}
		for j, extra := range line.extras {
			qty := domain.RoundQty(line.input.Extras[j].Quantity)
			unit = unit.Add(extra.Price.Mul(qty))
			item.Extras = append(item.Extras, domain.SaleItemExtra{
				ExtraID:   extra.ID,
				Name:      extra.Name,
				UnitPrice: extra.Price,
				Quantity:  qty,
			})
		}
		for _, selection := range line.selections {
			unit = unit.Add(selection.Price)
			item.Selections = append(item.Selections, domain.SaleItemSelection{
				OptionItemID: selection.ID,
				Name:         selection.Name,
				PriceDelta:   selection.Price,
			})
		}
		item.UnitPrice = domain.RoundMoney(unit)
		item.LineTotal = domain.RoundMoney(unit.Mul(item.Quantity))
		subtotal = subtotal.Add(item.LineTotal)
		items = append(items, item)
	}
	return items, domain.RoundMoney(subtotal)
}

func (s *Service) nextFolio(ctx context.Context, tx store.Tx, storeID string) (string, error) {
	seq, err := tx.NextFolio(ctx, storeID)
	if err != nil {
		return "", err
	}
	code := strings.ToUpper(storeID)
	settings, err := tx.GetStoreSettings(ctx, storeID)
	if err != nil {
		return "", err
	}
	if settings != nil && strings.TrimSpace(settings.Code) != "" {
		code = strings.ToUpper(strings.TrimSpace(settings.Code))
	}
	return fmt.Sprintf("%s-%06d", code, seq), nil
}

func validateSaleRequest(req domain.CreateSaleRequest) ([]domain.Payment, error) {
	if req.ClientSaleID == "" {
		return nil, domain.Invalid("client_sale_id", "is required")
	}
	if req.ShiftID == "" {
		return nil, domain.Invalid("shift_id", "is required")
	}
	if len(req.Lines) == 0 {
		return nil, domain.Invalid("lines", "at least one line is required")
	}
	for i, line := range req.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		if strings.TrimSpace(line.ProductID) == "" {
			return nil, domain.Invalid(field+".product_id", "is required")
		}
		if !line.Quantity.IsPositive() || !domain.FitsQty(line.Quantity) {
			return nil, domain.Invalid(field+".quantity", "must be positive with at most 3 decimals")
		}
		for j, extra := range line.Extras {
			if strings.TrimSpace(extra.ExtraID) == "" {
				return nil, domain.Invalid(fmt.Sprintf("%s.extras[%d].extra_id", field, j), "is required")
			}
			if !extra.Quantity.IsPositive() || !domain.FitsQty(extra.Quantity) {
				return nil, domain.Invalid(fmt.Sprintf("%s.extras[%d].quantity", field, j), "must be positive with at most 3 decimals")
			}
			// Per-line consumption is recorded as-is in the ledger.
			if !domain.FitsQty(extra.Quantity.Mul(line.Quantity)) {
				return nil, domain.Invalid(fmt.Sprintf("%s.extras[%d].quantity", field, j), "quantity times line quantity must have at most 3 decimals")
			}
		}
		for j, selection := range line.Selections {
			if strings.TrimSpace(selection.OptionItemID) == "" {
				return nil, domain.Invalid(fmt.Sprintf("%s.selections[%d].option_item_id", field, j), "is required")
			}
		}
	}

	if len(req.Payments) == 0 {
		return nil, domain.Invalid("payments", "at least one payment is required")
	}
	payments := make([]domain.Payment, 0, len(req.Payments))
	for i, input := range req.Payments {
		method, ok := domain.ParsePaymentMethod(input.Method)
		if !ok {
			return nil, domain.Invalid(fmt.Sprintf("payments[%d].method", i), "must be Cash, Card or Transfer")
		}
		if !input.Amount.IsPositive() || !domain.FitsMoney(input.Amount) {
			return nil, domain.Invalid(fmt.Sprintf("payments[%d].amount", i), "must be positive with at most 2 decimals")
		}
		payments = append(payments, domain.Payment{
			Method:    method,
			Amount:    input.Amount,
			Reference: strings.TrimSpace(input.Reference),
		})
	}
	return payments, nil
}

// VoidSale marks a sale void and reverses its stock consumption. Replaying
// the same clientVoidId returns the voided sale without new reversals.
func (s *Service) VoidSale(ctx context.Context, req domain.VoidSaleRequest) (domain.SaleResponse, error) {
	req.SaleID = strings.TrimSpace(req.SaleID)
	req.ClientVoidID = strings.TrimSpace(req.ClientVoidID)
	req.ReasonCode = strings.TrimSpace(req.ReasonCode)
	if req.SaleID == "" {
		return domain.SaleResponse{}, domain.Invalid("sale_id", "is required")
	}
	if req.ClientVoidID == "" {
		return domain.SaleResponse{}, domain.Invalid("client_void_id", "is required")
	}
	if req.ReasonCode == "" {
		return domain.SaleResponse{}, domain.Invalid("reason_code", "is required")
	}
	actor := s.actor(ctx)

	var (
		before    domain.Sale
		voided    domain.Sale
		replayed  bool
		reversals []ledger.Result
	)
	err := s.inTx(ctx, func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, req.SaleID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("sale %s: %w", req.SaleID, store.ErrNotFound)
			}
			return err
		}
		if sale.Status == domain.SaleStatusVoid {
			if sale.ClientVoidID == req.ClientVoidID {
				voided, replayed, reversals = *sale, true, nil
				return nil
			}
			return &domain.Conflict{Reason: domain.ConflictSaleAlreadyVoided, Message: fmt.Sprintf("sale %s was voided by another operation", sale.ID)}
		}
		if !s.authorizer.CanVoid(actor, *sale) {
			return fmt.Errorf("void sale %s: %w", sale.ID, ErrForbidden)
		}

		original := *sale
		results, err := s.ledger.Reverse(ctx, tx, sale.TenantID, domain.Reference{Type: domain.ReferenceTypeSale, ID: sale.ID}, actor.Username)
		if err != nil {
			return err
		}

		at := s.now()
		sale.Status = domain.SaleStatusVoid
		sale.VoidedAt = &at
		sale.VoidReasonCode = req.ReasonCode
		sale.VoidNote = strings.TrimSpace(req.Note)
		sale.ClientVoidID = req.ClientVoidID
		sale.VoidedBy = actor.Username
		if err := tx.MarkSaleVoided(ctx, *sale); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return domain.Invalid("client_void_id", "already used by another sale")
			}
			return err
		}
		before, voided, replayed, reversals = original, *sale, false, results
		return nil
	})
	if err != nil {
		s.countConflict("void_sale", err)
		s.metrics.Voids.WithLabelValues("rejected").Inc()
		return domain.SaleResponse{}, err
	}

	if replayed {
		s.metrics.Voids.WithLabelValues("replayed").Inc()
		return domain.SaleResponse{Sale: voided, Replayed: true}, nil
	}

	s.metrics.Voids.WithLabelValues("voided").Inc()
	s.logAudit(ctx, voided.TenantID, voided.StoreID, "sale_void", "sale", voided.ID, saleAuditView(before), saleAuditView(voided))
	s.publish(ctx, events.TypeSaleVoided, voided.TenantID, voided.StoreID, voided.ID, voided)
	s.afterAdjustments(ctx, voided.TenantID, reversals)
	return domain.SaleResponse{Sale: voided}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	sale, err := s.repo.FindSaleByID(ctx, strings.TrimSpace(saleID))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) GetSaleByClientID(ctx context.Context, tenantID string, clientSaleID string) (domain.Sale, error) {
	sale, err := s.repo.FindSaleByClientID(ctx, s.tenantOrDefault(tenantID), strings.TrimSpace(clientSaleID))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// afterAdjustments runs the post-commit side effects of fresh ledger rows.
func (s *Service) afterAdjustments(ctx context.Context, tenantID string, results []ledger.Result) {
	for _, res := range results {
		if res.Replayed {
			continue
		}
		adj := res.Adjustment
		s.metrics.Adjustments.WithLabelValues(string(adj.Reason)).Inc()
		s.logAudit(ctx, tenantID, adj.StoreID, "inventory_adjust", "inventory_adjustment", adj.ID, nil, adj)
		s.publish(ctx, events.TypeInventoryAdjusted, tenantID, adj.StoreID, adj.ID, adj)
		s.invalidate(ctx, cache.ItemPattern(tenantID, adj.StoreID, adj.Item))
	}
}

type saleAudit struct {
	Folio        string            `json:"folio"`
	Status       domain.SaleStatus `json:"status"`
	Total        decimal.Decimal   `json:"total"`
	ClientSaleID string            `json:"client_sale_id"`
	ClientVoidID string            `json:"client_void_id,omitempty"`
	Lines        int               `json:"lines"`
}

func saleAuditView(sale domain.Sale) saleAudit {
	return saleAudit{
		Folio:        sale.Folio,
		Status:       sale.Status,
		Total:        sale.Total,
		ClientSaleID: sale.ClientSaleID,
		ClientVoidID: sale.ClientVoidID,
		Lines:        len(sale.Items),
	}
}
