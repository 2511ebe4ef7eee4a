package cache

import (
	"context"
	"fmt"
	"time"

	"tokoledger/backend/internal/domain"
)

// AvailabilityCache holds resolved availability for catalog reads. Sale
// validation never consults it.
type AvailabilityCache interface {
	Get(ctx context.Context, key string) (*domain.Availability, bool, error)
	Set(ctx context.Context, key string, value *domain.Availability, ttl time.Duration) error
	// Invalidate drops every entry matching a glob pattern built by ItemPattern.
	Invalidate(ctx context.Context, pattern string) error
}

// AvailabilityKey is avail:{tenant}:{store}:{type}:{id}.
func AvailabilityKey(tenantID string, storeID string, item domain.ItemRef) string {
	return fmt.Sprintf("avail:%s:%s:%s:%s", tenantID, storeID, item.Type, item.ID)
}

// ItemPattern matches the cached entries of one item. An empty tenantID or
// storeID matches any.
func ItemPattern(tenantID string, storeID string, item domain.ItemRef) string {
	return AvailabilityKey(wildcard(tenantID), wildcard(storeID), item)
}

// StorePattern matches every cached entry of one store.
func StorePattern(storeID string) string {
	return fmt.Sprintf("avail:*:%s:*", storeID)
}

func wildcard(val string) string {
	if val == "" {
		return "*"
	}
	return val
}

type NoopAvailabilityCache struct{}

func (NoopAvailabilityCache) Get(_ context.Context, _ string) (*domain.Availability, bool, error) {
	return nil, false, nil
}

func (NoopAvailabilityCache) Set(_ context.Context, _ string, _ *domain.Availability, _ time.Duration) error {
	return nil
}

func (NoopAvailabilityCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
