// Package catalog decides whether an item can be sold in a store.
//
// Rules are applied in a fixed order and the first match wins:
//
//  1. tenant override disabled       -> DisabledByTenant
//  2. store override disabled        -> DisabledByStore (Enabled short-circuits to Available)
//  3. manual "offer today" flag off  -> ManualUnavailable
//  4. tracked, ShowOnlyInStock, qty<=0 -> OutOfStock
//  5. otherwise                      -> Available
//
// The resolver only reads. It is safe for concurrent use and may be called
// inside or outside a transaction.
package catalog

import (
	"context"
	"fmt"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve looks up the catalog item and applies the precedence rules.
func (r *Resolver) Resolve(ctx context.Context, reader store.CatalogReader, tenantID string, storeID string, ref domain.ItemRef) (domain.Availability, error) {
	item, err := reader.GetCatalogItem(ctx, tenantID, ref)
	if err != nil {
		return domain.Availability{}, err
	}
	if item == nil {
		return domain.Availability{}, fmt.Errorf("catalog item %s: %w", ref, store.ErrNotFound)
	}
	return r.ResolveItem(ctx, reader, tenantID, storeID, *item)
}

// ResolveItem applies the precedence rules to an item already loaded.
func (r *Resolver) ResolveItem(ctx context.Context, reader store.CatalogReader, tenantID string, storeID string, item domain.CatalogItem) (domain.Availability, error) {
	ref := item.Ref()
	result := func(reason domain.AvailabilityReason) domain.Availability {
		return domain.Availability{Item: ref, Available: reason == domain.ReasonAvailable, Reason: reason}
	}

	tenantOverride, err := reader.GetTenantOverride(ctx, tenantID, ref)
	if err != nil {
		return domain.Availability{}, err
	}
	if tenantOverride != nil && !tenantOverride.IsEnabled {
		return result(domain.ReasonDisabledByTenant), nil
	}

	storeOverride, err := reader.GetStoreOverride(ctx, storeID, ref)
	if err != nil {
		return domain.Availability{}, err
	}
	if storeOverride != nil {
		switch storeOverride.State {
		case domain.OverrideDisabled:
			return result(domain.ReasonDisabledByStore), nil
		case domain.OverrideEnabled:
			return result(domain.ReasonAvailable), nil
		}
	}

	manual, err := reader.GetManualAvailability(ctx, storeID, ref)
	if err != nil {
		return domain.Availability{}, err
	}
	if manual != nil && !manual.IsAvailable {
		return result(domain.ReasonManualUnavailable), nil
	}

	if item.InventoryTracked() {
		settings, err := reader.GetStoreSettings(ctx, storeID)
		if err != nil {
			return domain.Availability{}, err
		}
		if settings != nil && settings.ShowOnlyInStock {
			balance, err := reader.GetBalance(ctx, storeID, ref)
			if err != nil {
				return domain.Availability{}, err
			}
			if balance == nil || !balance.OnHandQty.IsPositive() {
				return result(domain.ReasonOutOfStock), nil
			}
		}
	}

	return result(domain.ReasonAvailable), nil
}
