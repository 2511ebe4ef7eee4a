package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

// itemKey scopes an item to a tenant (catalog, tenant overrides) or to a
// store (store overrides, manual flags, balances).
type itemKey struct {
	scope string
	typ   domain.ItemType
	id    string
}

func keyOf(scope string, ref domain.ItemRef) itemKey {
	return itemKey{scope: scope, typ: ref.Type, id: ref.ID}
}

type referenceKey struct {
	refType string
	refID   string
	typ     domain.ItemType
	id      string
	reason  domain.AdjustmentReason
}

type Store struct {
	mu                    sync.RWMutex
	catalog               map[itemKey]domain.CatalogItem
	tenantOverrides       map[itemKey]domain.TenantCatalogOverride
	storeOverrides        map[itemKey]domain.StoreCatalogOverride
	manualAvailability    map[itemKey]domain.StoreCatalogAvailability
	settings              map[string]domain.StoreSettings
	balances              map[itemKey]domain.InventoryBalance
	adjustments           []domain.InventoryAdjustment
	adjustmentsByRef      map[referenceKey]int
	adjustmentsByClientOp map[string]int
	salesByID             map[string]*domain.Sale
	saleIDByClientID      map[string]string
	saleIDsByShift        map[string][]string
	folios                map[string]int64
	shiftsByID            map[string]domain.Shift
	openShiftByStore      map[string]string
	shiftByOpenOp         map[string]string
	shiftByCloseOp        map[string]string
	auditLogs             []domain.AuditLog
	usersByUsername       map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		catalog:               make(map[itemKey]domain.CatalogItem),
		tenantOverrides:       make(map[itemKey]domain.TenantCatalogOverride),
		storeOverrides:        make(map[itemKey]domain.StoreCatalogOverride),
		manualAvailability:    make(map[itemKey]domain.StoreCatalogAvailability),
		settings:              make(map[string]domain.StoreSettings),
		balances:              make(map[itemKey]domain.InventoryBalance),
		adjustmentsByRef:      make(map[referenceKey]int),
		adjustmentsByClientOp: make(map[string]int),
		salesByID:             make(map[string]*domain.Sale),
		saleIDByClientID:      make(map[string]string),
		saleIDsByShift:        make(map[string][]string),
		folios:                make(map[string]int64),
		shiftsByID:            make(map[string]domain.Shift),
		openShiftByStore:      make(map[string]string),
		shiftByOpenOp:         make(map[string]string),
		shiftByCloseOp:        make(map[string]string),
		usersByUsername:       make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the dev accounts. Passwords come from SEED_ADMIN_PASSWORD
// and SEED_CASHIER_PASSWORD, falling back to fixed dev defaults.
func seedUsers(log *zap.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Error("seed user skipped", zap.String("username", u.username), zap.Error(err))
			continue
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

const (
	SeedTenantID = "main-tenant"
	SeedStoreID  = "main-store"
)

// NewSeeded returns a store with one tenant, one store, a small catalog,
// opening stock and the dev users. A nil logger discards seeding warnings.
func NewSeeded(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := New()
	s.usersByUsername = seedUsers(log.Named("memory-store"))

	s.settings[SeedStoreID] = domain.StoreSettings{
		TenantID:                SeedTenantID,
		StoreID:                 SeedStoreID,
		Code:                    "MAIN",
		ShowOnlyInStock:         true,
		CashDifferenceThreshold: decimal.RequireFromString("10000.00"),
	}

	items := []domain.CatalogItem{
		{Type: domain.ItemTypeProduct, ID: "prd-kopi-susu", Name: "Kopi Susu", SKU: "KOPI-SUSU", Price: decimal.RequireFromString("18000.00"), Tracked: false},
		{Type: domain.ItemTypeProduct, ID: "prd-nasi-goreng", Name: "Nasi Goreng", SKU: "NASI-GORENG", Price: decimal.RequireFromString("25000.00"), Tracked: false},
		{Type: domain.ItemTypeProduct, ID: "prd-air-mineral", Name: "Air Mineral 600ml", SKU: "AIR-600", Price: decimal.RequireFromString("5000.00"), Tracked: true},
		{Type: domain.ItemTypeProduct, ID: "prd-roti-bakar", Name: "Roti Bakar", SKU: "ROTI-BAKAR", Price: decimal.RequireFromString("15000.00"), Tracked: true},
		{Type: domain.ItemTypeExtra, ID: "ext-telur", Name: "Telur Ceplok", Price: decimal.RequireFromString("4000.00"), Tracked: true},
		{Type: domain.ItemTypeExtra, ID: "ext-keju", Name: "Keju Parut", Price: decimal.RequireFromString("3000.00"), Tracked: true},
		{Type: domain.ItemTypeExtra, ID: "ext-shot", Name: "Extra Shot Espresso", Price: decimal.RequireFromString("5000.00"), Tracked: false},
		{Type: domain.ItemTypeOptionItem, ID: "opt-pedas-1", Name: "Level Pedas 1", Price: decimal.Zero},
		{Type: domain.ItemTypeOptionItem, ID: "opt-less-ice", Name: "Es Sedikit", Price: decimal.Zero},
		{Type: domain.ItemTypeOptionItem, ID: "opt-oat-milk", Name: "Susu Oat", Price: decimal.RequireFromString("6000.00")},
	}
	for _, item := range items {
		item.TenantID = SeedTenantID
		item.Active = true
		s.catalog[keyOf(SeedTenantID, item.Ref())] = item
	}

	stock := map[domain.ItemRef]string{
		{Type: domain.ItemTypeProduct, ID: "prd-air-mineral"}: "48",
		{Type: domain.ItemTypeProduct, ID: "prd-roti-bakar"}:  "20",
		{Type: domain.ItemTypeExtra, ID: "ext-telur"}:         "30",
		{Type: domain.ItemTypeExtra, ID: "ext-keju"}:          "2.500",
	}
	refs := make([]domain.ItemRef, 0, len(stock))
	for ref := range stock {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	for _, ref := range refs {
		s.seedStock(SeedTenantID, SeedStoreID, ref, decimal.RequireFromString(stock[ref]))
	}

	return s
}

// seedStock records an InitialLoad adjustment so the balance and the log agree.
func (s *Store) seedStock(tenantID string, storeID string, ref domain.ItemRef, qty decimal.Decimal) {
	now := time.Now().UTC()
	key := keyOf(storeID, ref)
	before := s.balances[key].OnHandQty
	resulting := before.Add(qty)
	s.adjustments = append(s.adjustments, domain.InventoryAdjustment{
		ID:                 xid.New("adj"),
		TenantID:           tenantID,
		StoreID:            storeID,
		Item:               ref,
		QtyBefore:          before,
		DeltaQty:           qty,
		ResultingOnHandQty: resulting,
		Reason:             domain.AdjustInitialLoad,
		CreatedAt:          now,
		CreatedBy:          "system",
	})
	s.balances[key] = domain.InventoryBalance{
		TenantID:  tenantID,
		StoreID:   storeID,
		Item:      ref,
		OnHandQty: resulting,
		Version:   s.balances[key].Version + 1,
		UpdatedAt: now,
	}
}

func (s *Store) InTx(_ context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) GetCatalogItem(_ context.Context, tenantID string, item domain.ItemRef) (*domain.CatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalogItem(tenantID, item), nil
}

func (s *Store) GetTenantOverride(_ context.Context, tenantID string, item domain.ItemRef) (*domain.TenantCatalogOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenantOverride(tenantID, item), nil
}

func (s *Store) GetStoreOverride(_ context.Context, storeID string, item domain.ItemRef) (*domain.StoreCatalogOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storeOverride(storeID, item), nil
}

func (s *Store) GetManualAvailability(_ context.Context, storeID string, item domain.ItemRef) (*domain.StoreCatalogAvailability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manualFlag(storeID, item), nil
}

func (s *Store) GetStoreSettings(_ context.Context, storeID string) (*domain.StoreSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storeSettings(storeID), nil
}

func (s *Store) GetBalance(_ context.Context, storeID string, item domain.ItemRef) (*domain.InventoryBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance(storeID, item), nil
}

func (s *Store) UpsertCatalogItem(_ context.Context, item domain.CatalogItem) error {
	if item.TenantID == "" || !item.Type.Valid() || item.ID == "" {
		return store.ErrInvalidTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog[keyOf(item.TenantID, item.Ref())] = item
	return nil
}

func (s *Store) UpsertTenantOverride(_ context.Context, override domain.TenantCatalogOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if override.UpdatedAt.IsZero() {
		override.UpdatedAt = time.Now().UTC()
	}
	s.tenantOverrides[keyOf(override.TenantID, override.Item)] = override
	return nil
}

func (s *Store) UpsertStoreOverride(_ context.Context, override domain.StoreCatalogOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if override.UpdatedAt.IsZero() {
		override.UpdatedAt = time.Now().UTC()
	}
	s.storeOverrides[keyOf(override.StoreID, override.Item)] = override
	return nil
}

func (s *Store) UpsertManualAvailability(_ context.Context, availability domain.StoreCatalogAvailability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if availability.UpdatedAt.IsZero() {
		availability.UpdatedAt = time.Now().UTC()
	}
	s.manualAvailability[keyOf(availability.StoreID, availability.Item)] = availability
	return nil
}

func (s *Store) UpsertStoreSettings(_ context.Context, settings domain.StoreSettings) error {
	if settings.StoreID == "" || settings.TenantID == "" {
		return store.ErrInvalidTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.StoreID] = settings
	return nil
}

func (s *Store) FindSaleByID(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByClientID(_ context.Context, tenantID string, clientSaleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saleByClientID(tenantID, clientSaleID)
}

func (s *Store) ListAdjustments(_ context.Context, filter store.AdjustmentFilter) ([]domain.InventoryAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	result := make([]domain.InventoryAdjustment, 0, limit)
	for i := len(s.adjustments) - 1; i >= 0 && len(result) < limit; i-- {
		adj := s.adjustments[i]
		if filter.StoreID != "" && adj.StoreID != filter.StoreID {
			continue
		}
		if filter.Item != nil && adj.Item != *filter.Item {
			continue
		}
		result = append(result, adj)
	}
	return result, nil
}

func (s *Store) SumAdjustments(_ context.Context, storeID string, item domain.ItemRef) (decimal.Decimal, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	count := 0
	for _, adj := range s.adjustments {
		if adj.StoreID == storeID && adj.Item == item {
			sum = sum.Add(adj.DeltaQty)
			count++
		}
	}
	return sum, count, nil
}

func (s *Store) GetShift(_ context.Context, shiftID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, ok := s.shiftsByID[shiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneShift(shift), nil
}

func (s *Store) GetOpenShift(_ context.Context, storeID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shiftID, ok := s.openShiftByStore[storeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneShift(s.shiftsByID[shiftID]), nil
}

func (s *Store) SumCashPayments(_ context.Context, shiftID string) (domain.CashSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cashSummary(shiftID), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if storeID != "" && entry.StoreID != storeID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("username already exists")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// The helpers below expect s.mu to be held by the caller.

func (s *Store) catalogItem(tenantID string, ref domain.ItemRef) *domain.CatalogItem {
	item, ok := s.catalog[keyOf(tenantID, ref)]
	if !ok {
		return nil
	}
	return &item
}

func (s *Store) tenantOverride(tenantID string, ref domain.ItemRef) *domain.TenantCatalogOverride {
	override, ok := s.tenantOverrides[keyOf(tenantID, ref)]
	if !ok {
		return nil
	}
	return &override
}

func (s *Store) storeOverride(storeID string, ref domain.ItemRef) *domain.StoreCatalogOverride {
	override, ok := s.storeOverrides[keyOf(storeID, ref)]
	if !ok {
		return nil
	}
	return &override
}

func (s *Store) manualFlag(storeID string, ref domain.ItemRef) *domain.StoreCatalogAvailability {
	flag, ok := s.manualAvailability[keyOf(storeID, ref)]
	if !ok {
		return nil
	}
	return &flag
}

func (s *Store) storeSettings(storeID string) *domain.StoreSettings {
	settings, ok := s.settings[storeID]
	if !ok {
		return nil
	}
	return &settings
}

func (s *Store) balance(storeID string, ref domain.ItemRef) *domain.InventoryBalance {
	balance, ok := s.balances[keyOf(storeID, ref)]
	if !ok {
		return nil
	}
	return &balance
}

func (s *Store) saleByClientID(tenantID string, clientSaleID string) (*domain.Sale, error) {
	saleID, ok := s.saleIDByClientID[tenantID+"|"+clientSaleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(s.salesByID[saleID]), nil
}

func (s *Store) cashSummary(shiftID string) domain.CashSummary {
	summary := domain.CashSummary{CashAmount: decimal.Zero}
	for _, saleID := range s.saleIDsByShift[shiftID] {
		sale := s.salesByID[saleID]
		if sale == nil || sale.Status != domain.SaleStatusCompleted {
			continue
		}
		summary.CompletedSales++
		for _, payment := range sale.Payments {
			if payment.Method == domain.PaymentCash {
				summary.CashAmount = summary.CashAmount.Add(payment.Amount)
			}
		}
	}
	summary.CashAmount = domain.RoundMoney(summary.CashAmount)
	return summary
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dst := *src
	if src.VoidedAt != nil {
		at := *src.VoidedAt
		dst.VoidedAt = &at
	}
	dst.Items = make([]domain.SaleItem, len(src.Items))
	for i, item := range src.Items {
		item.Extras = append([]domain.SaleItemExtra(nil), item.Extras...)
		item.Selections = append([]domain.SaleItemSelection(nil), item.Selections...)
		dst.Items[i] = item
	}
	dst.Payments = append([]domain.Payment(nil), src.Payments...)
	return &dst
}

func cloneShift(src domain.Shift) *domain.Shift {
	dst := src
	if src.ClosedAt != nil {
		at := *src.ClosedAt
		dst.ClosedAt = &at
	}
	dst.ClosingCashAmount = cloneDecimal(src.ClosingCashAmount)
	dst.ExpectedCashAmount = cloneDecimal(src.ExpectedCashAmount)
	dst.CashDifference = cloneDecimal(src.CashDifference)
	dst.Denominations = append([]domain.DenominationCount(nil), src.Denominations...)
	return &dst
}

func cloneDecimal(src *decimal.Decimal) *decimal.Decimal {
	if src == nil {
		return nil
	}
	v := *src
	return &v
}
