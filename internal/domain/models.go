package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ItemType string

const (
	ItemTypeProduct    ItemType = "Product"
	ItemTypeExtra      ItemType = "Extra"
	ItemTypeOptionItem ItemType = "OptionItem"
)

// ParseItemType accepts the canonical names case-insensitively, plus the
// snake_case spelling used by some clients for option items.
func ParseItemType(raw string) (ItemType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "product":
		return ItemTypeProduct, true
	case "extra":
		return ItemTypeExtra, true
	case "optionitem", "option_item":
		return ItemTypeOptionItem, true
	default:
		return "", false
	}
}

func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeProduct, ItemTypeExtra, ItemTypeOptionItem:
		return true
	default:
		return false
	}
}

// Trackable reports whether items of this type may carry inventory at all.
// Option items never do.
func (t ItemType) Trackable() bool {
	return t == ItemTypeProduct || t == ItemTypeExtra
}

// ItemRef identifies any sellable unit uniformly.
type ItemRef struct {
	Type ItemType `json:"item_type"`
	ID   string   `json:"item_id"`
}

func (r ItemRef) String() string {
	return string(r.Type) + ":" + r.ID
}

// Less orders refs by type then id. Balance rows are locked in this order.
func (r ItemRef) Less(other ItemRef) bool {
	if r.Type != other.Type {
		return r.Type < other.Type
	}
	return r.ID < other.ID
}

// CatalogItem is the read-only catalog metadata the core needs.
type CatalogItem struct {
	TenantID string          `json:"tenant_id" db:"tenant_id"`
	Type     ItemType        `json:"item_type" db:"item_type"`
	ID       string          `json:"item_id" db:"item_id"`
	Name     string          `json:"name" db:"name"`
	SKU      string          `json:"sku,omitempty" db:"sku"`
	Price    decimal.Decimal `json:"price" db:"price"`
	Tracked  bool            `json:"inventory_tracked" db:"inventory_tracked"`
	Active   bool            `json:"active" db:"active"`
}

func (c CatalogItem) Ref() ItemRef {
	return ItemRef{Type: c.Type, ID: c.ID}
}

func (c CatalogItem) InventoryTracked() bool {
	return c.Tracked && c.Type.Trackable()
}

type TenantCatalogOverride struct {
	TenantID  string    `json:"tenant_id"`
	Item      ItemRef   `json:"item"`
	IsEnabled bool      `json:"is_enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

type OverrideState string

const (
	OverrideInherit  OverrideState = "Inherit"
	OverrideEnabled  OverrideState = "Enabled"
	OverrideDisabled OverrideState = "Disabled"
)

func ParseOverrideState(raw string) (OverrideState, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "inherit":
		return OverrideInherit, true
	case "enabled":
		return OverrideEnabled, true
	case "disabled":
		return OverrideDisabled, true
	default:
		return "", false
	}
}

type StoreCatalogOverride struct {
	StoreID   string        `json:"store_id"`
	Item      ItemRef       `json:"item"`
	State     OverrideState `json:"state"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StoreCatalogAvailability is the staff-toggled "offer today" flag.
type StoreCatalogAvailability struct {
	StoreID     string    `json:"store_id"`
	Item        ItemRef   `json:"item"`
	IsAvailable bool      `json:"is_available"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type StoreSettings struct {
	TenantID                string          `json:"tenant_id"`
	StoreID                 string          `json:"store_id"`
	Code                    string          `json:"code"`
	ShowOnlyInStock         bool            `json:"show_only_in_stock"`
	CashDifferenceThreshold decimal.Decimal `json:"cash_difference_threshold"`
}

type AvailabilityReason string

const (
	ReasonAvailable         AvailabilityReason = "Available"
	ReasonDisabledByTenant  AvailabilityReason = "DisabledByTenant"
	ReasonDisabledByStore   AvailabilityReason = "DisabledByStore"
	ReasonManualUnavailable AvailabilityReason = "ManualUnavailable"
	ReasonOutOfStock        AvailabilityReason = "OutOfStock"
)

type Availability struct {
	Item      ItemRef            `json:"item"`
	Available bool               `json:"available"`
	Reason    AvailabilityReason `json:"reason"`
}

type TenantOverrideRequest struct {
	TenantID  string `json:"tenant_id"`
	ItemType  string `json:"item_type"`
	ItemID    string `json:"item_id"`
	IsEnabled bool   `json:"is_enabled"`
}

type StoreOverrideRequest struct {
	StoreID  string `json:"store_id"`
	ItemType string `json:"item_type"`
	ItemID   string `json:"item_id"`
	State    string `json:"state"`
}

type ManualAvailabilityRequest struct {
	StoreID     string `json:"store_id"`
	ItemType    string `json:"item_type"`
	ItemID      string `json:"item_id"`
	IsAvailable bool   `json:"is_available"`
}

type StoreSettingsRequest struct {
	TenantID                string          `json:"tenant_id"`
	StoreID                 string          `json:"store_id"`
	Code                    string          `json:"code"`
	ShowOnlyInStock         bool            `json:"show_only_in_stock"`
	CashDifferenceThreshold decimal.Decimal `json:"cash_difference_threshold"`
}

// InventoryBalance is the projection of the adjustment log for one key.
// Version is bumped on every write and checked on save.
type InventoryBalance struct {
	TenantID  string          `json:"tenant_id"`
	StoreID   string          `json:"store_id"`
	Item      ItemRef         `json:"item"`
	OnHandQty decimal.Decimal `json:"on_hand_qty"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type AdjustmentReason string

const (
	AdjustInitialLoad     AdjustmentReason = "InitialLoad"
	AdjustPurchase        AdjustmentReason = "Purchase"
	AdjustCorrection      AdjustmentReason = "Correction"
	AdjustWaste           AdjustmentReason = "Waste"
	AdjustDamage          AdjustmentReason = "Damage"
	AdjustStockCount      AdjustmentReason = "StockCount"
	AdjustSaleConsumption AdjustmentReason = "SaleConsumption"
	AdjustVoidReversal    AdjustmentReason = "VoidReversal"
)

func (r AdjustmentReason) Valid() bool {
	switch r {
	case AdjustInitialLoad, AdjustPurchase, AdjustCorrection, AdjustWaste, AdjustDamage,
		AdjustStockCount, AdjustSaleConsumption, AdjustVoidReversal:
		return true
	default:
		return false
	}
}

// System reasons are written only by the sale and void paths.
func (r AdjustmentReason) System() bool {
	return r == AdjustSaleConsumption || r == AdjustVoidReversal
}

const ReferenceTypeSale = "Sale"

type Reference struct {
	Type string `json:"reference_type"`
	ID   string `json:"reference_id"`
}

func (r *Reference) Present() bool {
	return r != nil && r.Type != "" && r.ID != ""
}

// InventoryAdjustment is append-only. QtyBefore + DeltaQty == ResultingOnHandQty.
type InventoryAdjustment struct {
	ID                 string           `json:"id"`
	TenantID           string           `json:"tenant_id"`
	StoreID            string           `json:"store_id"`
	Item               ItemRef          `json:"item"`
	QtyBefore          decimal.Decimal  `json:"qty_before"`
	DeltaQty           decimal.Decimal  `json:"delta_qty"`
	ResultingOnHandQty decimal.Decimal  `json:"resulting_on_hand_qty"`
	Reason             AdjustmentReason `json:"reason"`
	ReferenceType      string           `json:"reference_type,omitempty"`
	ReferenceID        string           `json:"reference_id,omitempty"`
	ClientOperationID  string           `json:"client_operation_id,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	CreatedBy          string           `json:"created_by"`
}

type AdjustInventoryRequest struct {
	TenantID          string          `json:"tenant_id"`
	StoreID           string          `json:"store_id"`
	ItemType          string          `json:"item_type"`
	ItemID            string          `json:"item_id"`
	DeltaQty          decimal.Decimal `json:"delta_qty"`
	Reason            string          `json:"reason"`
	ReferenceType     string          `json:"reference_type,omitempty"`
	ReferenceID       string          `json:"reference_id,omitempty"`
	ClientOperationID string          `json:"client_operation_id,omitempty"`
}

type AdjustInventoryResponse struct {
	Adjustment InventoryAdjustment `json:"adjustment"`
	Replayed   bool                `json:"replayed"`
}

type BalanceReconciliation struct {
	StoreID         string          `json:"store_id"`
	Item            ItemRef         `json:"item"`
	OnHandQty       decimal.Decimal `json:"on_hand_qty"`
	LedgerSum       decimal.Decimal `json:"ledger_sum"`
	AdjustmentCount int             `json:"adjustment_count"`
	Consistent      bool            `json:"consistent"`
}

type SaleStatus string

const (
	SaleStatusCompleted SaleStatus = "Completed"
	SaleStatusVoid      SaleStatus = "Void"
)

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "Cash"
	PaymentCard     PaymentMethod = "Card"
	PaymentTransfer PaymentMethod = "Transfer"
)

func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cash":
		return PaymentCash, true
	case "card":
		return PaymentCard, true
	case "transfer":
		return PaymentTransfer, true
	default:
		return "", false
	}
}

type Sale struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	StoreID        string          `json:"store_id"`
	ShiftID        string          `json:"shift_id"`
	Folio          string          `json:"folio"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Total          decimal.Decimal `json:"total"`
	Status         SaleStatus      `json:"status"`
	ClientSaleID   string          `json:"client_sale_id"`
	CreatedBy      string          `json:"created_by"`
	VoidedAt       *time.Time      `json:"voided_at,omitempty"`
	VoidReasonCode string          `json:"void_reason_code,omitempty"`
	VoidNote       string          `json:"void_note,omitempty"`
	ClientVoidID   string          `json:"client_void_id,omitempty"`
	VoidedBy       string          `json:"voided_by,omitempty"`
	Items          []SaleItem      `json:"items"`
	Payments       []Payment       `json:"payments"`
}

// SaleItem and its children are snapshots taken at sale time.
type SaleItem struct {
	LineNo      int                 `json:"line_no"`
	ProductID   string              `json:"product_id"`
	ProductName string              `json:"product_name"`
	SKU         string              `json:"sku,omitempty"`
	UnitPrice   decimal.Decimal     `json:"unit_price"`
	Quantity    decimal.Decimal     `json:"quantity"`
	LineTotal   decimal.Decimal     `json:"line_total"`
	Extras      []SaleItemExtra     `json:"extras,omitempty"`
	Selections  []SaleItemSelection `json:"selections,omitempty"`
}

// SaleItemExtra.Quantity is per unit of the parent line.
type SaleItemExtra struct {
	ExtraID   string          `json:"extra_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type SaleItemSelection struct {
	OptionItemID string          `json:"option_item_id"`
	Name         string          `json:"name"`
	PriceDelta   decimal.Decimal `json:"price_delta"`
}

type Payment struct {
	Method    PaymentMethod   `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type CreateSaleRequest struct {
	TenantID     string          `json:"tenant_id"`
	StoreID      string          `json:"store_id"`
	ShiftID      string          `json:"shift_id"`
	ClientSaleID string          `json:"client_sale_id"`
	Lines        []SaleLineInput `json:"lines"`
	Payments     []PaymentInput  `json:"payments"`
}

type SaleLineInput struct {
	ProductID  string               `json:"product_id"`
	Quantity   decimal.Decimal      `json:"quantity"`
	Extras     []SaleExtraInput     `json:"extras,omitempty"`
	Selections []SaleSelectionInput `json:"selections,omitempty"`
}

type SaleExtraInput struct {
	ExtraID  string          `json:"extra_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

type SaleSelectionInput struct {
	OptionItemID string `json:"option_item_id"`
}

type PaymentInput struct {
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type SaleResponse struct {
	Sale     Sale `json:"sale"`
	Replayed bool `json:"replayed"`
}

type VoidSaleRequest struct {
	SaleID       string `json:"-"`
	ClientVoidID string `json:"client_void_id"`
	ReasonCode   string `json:"reason_code"`
	Note         string `json:"note,omitempty"`
	ManagerPIN   string `json:"manager_pin,omitempty"`
}

type ShiftStatus string

const (
	ShiftStatusOpen   ShiftStatus = "Open"
	ShiftStatusClosed ShiftStatus = "Closed"
)

type DenominationCount struct {
	Value decimal.Decimal `json:"value"`
	Count int             `json:"count"`
}

type Shift struct {
	ID                 string              `json:"id"`
	TenantID           string              `json:"tenant_id"`
	StoreID            string              `json:"store_id"`
	Status             ShiftStatus         `json:"status"`
	OpenedAt           time.Time           `json:"opened_at"`
	OpenedBy           string              `json:"opened_by"`
	OpeningCashAmount  decimal.Decimal     `json:"opening_cash_amount"`
	OpenOperationID    string              `json:"open_operation_id"`
	ClosedAt           *time.Time          `json:"closed_at,omitempty"`
	ClosedBy           string              `json:"closed_by,omitempty"`
	ClosingCashAmount  *decimal.Decimal    `json:"closing_cash_amount,omitempty"`
	ExpectedCashAmount *decimal.Decimal    `json:"expected_cash_amount,omitempty"`
	CashDifference     *decimal.Decimal    `json:"cash_difference,omitempty"`
	Denominations      []DenominationCount `json:"denominations,omitempty"`
	CloseReason        string              `json:"close_reason,omitempty"`
	CloseOperationID   string              `json:"close_operation_id,omitempty"`
}

func (s Shift) IsOpen() bool {
	return s.ClosedAt == nil
}

type OpenShiftRequest struct {
	TenantID          string          `json:"tenant_id"`
	StoreID           string          `json:"store_id"`
	OpeningCashAmount decimal.Decimal `json:"opening_cash_amount"`
	OpenOperationID   string          `json:"open_operation_id"`
}

type CloseShiftRequest struct {
	ShiftID          string              `json:"-"`
	Denominations    []DenominationCount `json:"denominations"`
	CloseReason      string              `json:"close_reason,omitempty"`
	CloseOperationID string              `json:"close_operation_id"`
}

type ShiftResponse struct {
	Shift           Shift `json:"shift"`
	Replayed        bool  `json:"replayed"`
	WithinThreshold *bool `json:"within_threshold,omitempty"`
}

type ShiftPreview struct {
	ShiftID            string          `json:"shift_id"`
	OpeningCashAmount  decimal.Decimal `json:"opening_cash_amount"`
	CashSalesAmount    decimal.Decimal `json:"cash_sales_amount"`
	ExpectedCashAmount decimal.Decimal `json:"expected_cash_amount"`
	CompletedSales     int             `json:"completed_sales"`
	Closed             bool            `json:"closed"`
}

// CashSummary is the cash-method total of Completed sales in one shift.
type CashSummary struct {
	CashAmount     decimal.Decimal
	CompletedSales int
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id" db:"id"`
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	StoreID       string    `json:"store_id" db:"store_id"`
	ActorUsername string    `json:"actor_username" db:"actor_username"`
	ActorRole     string    `json:"actor_role" db:"actor_role"`
	Action        string    `json:"action" db:"action"`
	EntityType    string    `json:"entity_type" db:"entity_type"`
	EntityID      string    `json:"entity_id" db:"entity_id"`
	BeforeJSON    string    `json:"before_json,omitempty" db:"before_json"`
	AfterJSON     string    `json:"after_json,omitempty" db:"after_json"`
	CorrelationID string    `json:"correlation_id,omitempty" db:"correlation_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)
