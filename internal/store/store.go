package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransaction  = errors.New("invalid transaction")
	ErrDuplicate           = errors.New("duplicate key")
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
)

// CatalogReader is the read surface of the availability resolver and the
// ledger. Optional rows come back as nil without an error.
type CatalogReader interface {
	GetCatalogItem(ctx context.Context, tenantID string, item domain.ItemRef) (*domain.CatalogItem, error)
	GetTenantOverride(ctx context.Context, tenantID string, item domain.ItemRef) (*domain.TenantCatalogOverride, error)
	GetStoreOverride(ctx context.Context, storeID string, item domain.ItemRef) (*domain.StoreCatalogOverride, error)
	GetManualAvailability(ctx context.Context, storeID string, item domain.ItemRef) (*domain.StoreCatalogAvailability, error)
	GetStoreSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error)
	GetBalance(ctx context.Context, storeID string, item domain.ItemRef) (*domain.InventoryBalance, error)
}

// Tx is one atomic unit of work. Everything written through a Tx is committed
// together or not at all.
type Tx interface {
	CatalogReader

	// LockBalance returns the balance row for update, creating it at zero.
	LockBalance(ctx context.Context, tenantID string, storeID string, item domain.ItemRef) (domain.InventoryBalance, error)
	// SaveBalance writes OnHandQty if the stored version still equals
	// balance.Version, and returns ErrConcurrencyConflict otherwise.
	SaveBalance(ctx context.Context, balance domain.InventoryBalance) (domain.InventoryBalance, error)
	InsertAdjustment(ctx context.Context, adjustment domain.InventoryAdjustment) error
	FindAdjustmentByReference(ctx context.Context, ref domain.Reference, item domain.ItemRef, reason domain.AdjustmentReason) (*domain.InventoryAdjustment, error)
	FindAdjustmentByClientOperation(ctx context.Context, storeID string, clientOperationID string) (*domain.InventoryAdjustment, error)
	ListAdjustmentsByReference(ctx context.Context, ref domain.Reference, reason domain.AdjustmentReason) ([]domain.InventoryAdjustment, error)

	FindSaleByClientID(ctx context.Context, tenantID string, clientSaleID string) (*domain.Sale, error)
	LockSale(ctx context.Context, saleID string) (*domain.Sale, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
	MarkSaleVoided(ctx context.Context, sale domain.Sale) error
	NextFolio(ctx context.Context, storeID string) (int64, error)

	// ShareShift locks a shift against concurrent close while a sale is recorded.
	ShareShift(ctx context.Context, shiftID string) (*domain.Shift, error)
	LockShift(ctx context.Context, shiftID string) (*domain.Shift, error)
	LockOpenShift(ctx context.Context, storeID string) (*domain.Shift, error)
	FindShiftByOpenOperation(ctx context.Context, storeID string, openOperationID string) (*domain.Shift, error)
	FindShiftByCloseOperation(ctx context.Context, closeOperationID string) (*domain.Shift, error)
	InsertShift(ctx context.Context, shift domain.Shift) error
	CloseShift(ctx context.Context, shift domain.Shift) error
	SumCashPayments(ctx context.Context, shiftID string) (domain.CashSummary, error)
}

type AdjustmentFilter struct {
	StoreID string
	Item    *domain.ItemRef
	Limit   int
}

type Repository interface {
	CatalogReader

	// InTx runs fn inside one transaction. A non-nil error from fn rolls back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	UpsertCatalogItem(ctx context.Context, item domain.CatalogItem) error
	UpsertTenantOverride(ctx context.Context, override domain.TenantCatalogOverride) error
	UpsertStoreOverride(ctx context.Context, override domain.StoreCatalogOverride) error
	UpsertManualAvailability(ctx context.Context, availability domain.StoreCatalogAvailability) error
	UpsertStoreSettings(ctx context.Context, settings domain.StoreSettings) error

	FindSaleByID(ctx context.Context, saleID string) (*domain.Sale, error)
	FindSaleByClientID(ctx context.Context, tenantID string, clientSaleID string) (*domain.Sale, error)
	ListAdjustments(ctx context.Context, filter AdjustmentFilter) ([]domain.InventoryAdjustment, error)
	// SumAdjustments replays the ledger for one key: Σ delta and row count.
	SumAdjustments(ctx context.Context, storeID string, item domain.ItemRef) (decimal.Decimal, int, error)

	GetShift(ctx context.Context, shiftID string) (*domain.Shift, error)
	GetOpenShift(ctx context.Context, storeID string) (*domain.Shift, error)
	SumCashPayments(ctx context.Context, shiftID string) (domain.CashSummary, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
