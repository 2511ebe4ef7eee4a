package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tokoledger/backend/internal/cache"
	"tokoledger/backend/internal/domain"
)

// Availability answers "can this item be sold here right now" for catalog
// screens. Results are cached briefly; sales resolve again inside their
// transaction.
func (s *Service) Availability(ctx context.Context, tenantID string, storeID string, item domain.ItemRef) (domain.Availability, error) {
	tenantID = s.tenantOrDefault(tenantID)
	storeID = s.storeOrDefault(storeID)
	if !item.Type.Valid() || strings.TrimSpace(item.ID) == "" {
		return domain.Availability{}, domain.Invalid("item", "item_type and item_id are required")
	}

	key := cache.AvailabilityKey(tenantID, storeID, item)
	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("availability cache read failed", zap.String("key", key), zap.Error(err))
	}
	if ok && cached != nil {
		s.metrics.CacheLookups.WithLabelValues("hit").Inc()
		return *cached, nil
	}
	s.metrics.CacheLookups.WithLabelValues("miss").Inc()

	availability, err := s.resolver.Resolve(ctx, s.repo, tenantID, storeID, item)
	if err != nil {
		return domain.Availability{}, err
	}
	if err := s.cache.Set(ctx, key, &availability, s.availabilityTTL); err != nil {
		s.log.Warn("availability cache write failed", zap.String("key", key), zap.Error(err))
	}
	return availability, nil
}

// AvailabilityBatch resolves several items for one store, in request order.
func (s *Service) AvailabilityBatch(ctx context.Context, tenantID string, storeID string, items []domain.ItemRef) ([]domain.Availability, error) {
	out := make([]domain.Availability, 0, len(items))
	for _, item := range items {
		availability, err := s.Availability(ctx, tenantID, storeID, item)
		if err != nil {
			return nil, err
		}
		out = append(out, availability)
	}
	return out, nil
}

func (s *Service) UpsertCatalogItem(ctx context.Context, item domain.CatalogItem) (domain.CatalogItem, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.CatalogItem{}, err
	}
	item.TenantID = s.tenantOrDefault(item.TenantID)
	item.ID = strings.TrimSpace(item.ID)
	item.Name = strings.TrimSpace(item.Name)
	if !item.Type.Valid() {
		return domain.CatalogItem{}, domain.Invalid("item_type", "must be Product, Extra or OptionItem")
	}
	if item.ID == "" {
		return domain.CatalogItem{}, domain.Invalid("item_id", "is required")
	}
	if item.Name == "" {
		return domain.CatalogItem{}, domain.Invalid("name", "is required")
	}
	if !domain.FitsMoney(item.Price) {
		return domain.CatalogItem{}, domain.Invalid("price", "at most 2 decimals")
	}
	if item.Price.IsNegative() && item.Type != domain.ItemTypeOptionItem {
		return domain.CatalogItem{}, domain.Invalid("price", "must not be negative")
	}
	if item.Tracked && !item.Type.Trackable() {
		return domain.CatalogItem{}, domain.Invalid("inventory_tracked", "option items cannot be tracked")
	}

	if err := s.repo.UpsertCatalogItem(ctx, item); err != nil {
		return domain.CatalogItem{}, err
	}
	s.invalidate(ctx, cache.ItemPattern(item.TenantID, "", item.Ref()))
	s.logAudit(ctx, item.TenantID, "", "catalog_item_upsert", "catalog_item", item.Ref().String(), nil, item)
	return item, nil
}

func (s *Service) SetTenantOverride(ctx context.Context, req domain.TenantOverrideRequest) (domain.TenantCatalogOverride, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.TenantCatalogOverride{}, err
	}
	ref, err := parseItemRef(req.ItemType, req.ItemID)
	if err != nil {
		return domain.TenantCatalogOverride{}, err
	}
	override := domain.TenantCatalogOverride{
		TenantID:  s.tenantOrDefault(req.TenantID),
		Item:      ref,
		IsEnabled: req.IsEnabled,
		UpdatedAt: s.now(),
	}
	if err := s.repo.UpsertTenantOverride(ctx, override); err != nil {
		return domain.TenantCatalogOverride{}, err
	}
	s.invalidate(ctx, cache.ItemPattern(override.TenantID, "", ref))
	s.logAudit(ctx, override.TenantID, "", "tenant_override_set", "catalog_item", ref.String(), nil, override)
	return override, nil
}

func (s *Service) SetStoreOverride(ctx context.Context, req domain.StoreOverrideRequest) (domain.StoreCatalogOverride, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.StoreCatalogOverride{}, err
	}
	ref, err := parseItemRef(req.ItemType, req.ItemID)
	if err != nil {
		return domain.StoreCatalogOverride{}, err
	}
	state, ok := domain.ParseOverrideState(req.State)
	if !ok {
		return domain.StoreCatalogOverride{}, domain.Invalid("state", "must be Inherit, Enabled or Disabled")
	}
	override := domain.StoreCatalogOverride{
		StoreID:   s.storeOrDefault(req.StoreID),
		Item:      ref,
		State:     state,
		UpdatedAt: s.now(),
	}
	if err := s.repo.UpsertStoreOverride(ctx, override); err != nil {
		return domain.StoreCatalogOverride{}, err
	}
	s.invalidate(ctx, cache.ItemPattern("", override.StoreID, ref))
	s.logAudit(ctx, s.defaultTenantID, override.StoreID, "store_override_set", "catalog_item", ref.String(), nil, override)
	return override, nil
}

// SetManualAvailability toggles the "offer today" flag. Cashiers may use it.
func (s *Service) SetManualAvailability(ctx context.Context, req domain.ManualAvailabilityRequest) (domain.StoreCatalogAvailability, error) {
	ref, err := parseItemRef(req.ItemType, req.ItemID)
	if err != nil {
		return domain.StoreCatalogAvailability{}, err
	}
	flag := domain.StoreCatalogAvailability{
		StoreID:     s.storeOrDefault(req.StoreID),
		Item:        ref,
		IsAvailable: req.IsAvailable,
		UpdatedAt:   s.now(),
	}
	if err := s.repo.UpsertManualAvailability(ctx, flag); err != nil {
		return domain.StoreCatalogAvailability{}, err
	}
	s.invalidate(ctx, cache.ItemPattern("", flag.StoreID, ref))
	s.logAudit(ctx, s.defaultTenantID, flag.StoreID, "manual_availability_set", "catalog_item", ref.String(), nil, flag)
	return flag, nil
}

func (s *Service) GetStoreSettings(ctx context.Context, storeID string) (domain.StoreSettings, error) {
	storeID = s.storeOrDefault(storeID)
	settings, err := s.repo.GetStoreSettings(ctx, storeID)
	if err != nil {
		return domain.StoreSettings{}, err
	}
	if settings == nil {
		return domain.StoreSettings{TenantID: s.defaultTenantID, StoreID: storeID, CashDifferenceThreshold: decimal.Zero}, nil
	}
	return *settings, nil
}

func (s *Service) UpdateStoreSettings(ctx context.Context, req domain.StoreSettingsRequest) (domain.StoreSettings, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return domain.StoreSettings{}, err
	}
	if req.CashDifferenceThreshold.IsNegative() || !domain.FitsMoney(req.CashDifferenceThreshold) {
		return domain.StoreSettings{}, domain.Invalid("cash_difference_threshold", "must be non-negative with at most 2 decimals")
	}
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		return domain.StoreSettings{}, domain.Invalid("code", "is required")
	}

	settings := domain.StoreSettings{
		TenantID:                s.tenantOrDefault(req.TenantID),
		StoreID:                 s.storeOrDefault(req.StoreID),
		Code:                    code,
		ShowOnlyInStock:         req.ShowOnlyInStock,
		CashDifferenceThreshold: req.CashDifferenceThreshold,
	}
	before, err := s.GetStoreSettings(ctx, settings.StoreID)
	if err != nil {
		return domain.StoreSettings{}, err
	}
	if err := s.repo.UpsertStoreSettings(ctx, settings); err != nil {
		return domain.StoreSettings{}, err
	}
	// ShowOnlyInStock changes the answer for every tracked item.
	s.invalidate(ctx, cache.StorePattern(settings.StoreID))
	s.logAudit(ctx, settings.TenantID, settings.StoreID, "store_settings_update", "store_settings", settings.StoreID, before, settings)
	return settings, nil
}

func parseItemRef(rawType string, rawID string) (domain.ItemRef, error) {
	itemType, ok := domain.ParseItemType(rawType)
	if !ok {
		return domain.ItemRef{}, domain.Invalid("item_type", "must be Product, Extra or OptionItem")
	}
	id := strings.TrimSpace(rawID)
	if id == "" {
		return domain.ItemRef{}, domain.Invalid("item_id", "is required")
	}
	return domain.ItemRef{Type: itemType, ID: id}, nil
}
