package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	reader
	db  *sql.DB
	dbx *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	dbx := sqlx.NewDb(db, "pgx")
	return &Store{reader: reader{q: dbx}, db: db, dbx: dbx}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, "migrations")
}

// InTx runs fn in a serializable transaction. Serialization failures and
// deadlocks surface as store.ErrConcurrencyConflict so callers can retry.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.dbx.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		return translate(err)
	}
	return translate(sqlTx.Commit())
}

func (s *Store) UpsertCatalogItem(ctx context.Context, item domain.CatalogItem) error {
	if item.TenantID == "" || !item.Type.Valid() || item.ID == "" || strings.TrimSpace(item.Name) == "" {
		return store.ErrInvalidTransaction
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_items (tenant_id, item_type, item_id, name, sku, price, inventory_tracked, active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (tenant_id, item_type, item_id) DO UPDATE
		SET name = EXCLUDED.name, sku = EXCLUDED.sku, price = EXCLUDED.price,
			inventory_tracked = EXCLUDED.inventory_tracked, active = EXCLUDED.active, updated_at = now()
	`, item.TenantID, string(item.Type), item.ID, item.Name, item.SKU, item.Price, item.InventoryTracked(), item.Active)
	return err
}

func (s *Store) UpsertTenantOverride(ctx context.Context, override domain.TenantCatalogOverride) error {
	if override.UpdatedAt.IsZero() {
		override.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_catalog_overrides (tenant_id, item_type, item_id, is_enabled, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, item_type, item_id) DO UPDATE
		SET is_enabled = EXCLUDED.is_enabled, updated_at = EXCLUDED.updated_at
	`, override.TenantID, string(override.Item.Type), override.Item.ID, override.IsEnabled, override.UpdatedAt)
	return err
}

func (s *Store) UpsertStoreOverride(ctx context.Context, override domain.StoreCatalogOverride) error {
	if override.UpdatedAt.IsZero() {
		override.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_catalog_overrides (store_id, item_type, item_id, state, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (store_id, item_type, item_id) DO UPDATE
		SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`, override.StoreID, string(override.Item.Type), override.Item.ID, string(override.State), override.UpdatedAt)
	return err
}

func (s *Store) UpsertManualAvailability(ctx context.Context, availability domain.StoreCatalogAvailability) error {
	if availability.UpdatedAt.IsZero() {
		availability.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_catalog_availability (store_id, item_type, item_id, is_available, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (store_id, item_type, item_id) DO UPDATE
		SET is_available = EXCLUDED.is_available, updated_at = EXCLUDED.updated_at
	`, availability.StoreID, string(availability.Item.Type), availability.Item.ID, availability.IsAvailable, availability.UpdatedAt)
	return err
}

func (s *Store) UpsertStoreSettings(ctx context.Context, settings domain.StoreSettings) error {
	if settings.StoreID == "" || settings.TenantID == "" {
		return store.ErrInvalidTransaction
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_settings (store_id, tenant_id, code, show_only_in_stock, cash_difference_threshold, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (store_id) DO UPDATE
		SET code = EXCLUDED.code, show_only_in_stock = EXCLUDED.show_only_in_stock,
			cash_difference_threshold = EXCLUDED.cash_difference_threshold, updated_at = now()
	`, settings.StoreID, settings.TenantID, settings.Code, settings.ShowOnlyInStock, domain.RoundMoney(settings.CashDifferenceThreshold))
	return err
}

func (s *Store) FindSaleByID(ctx context.Context, saleID string) (*domain.Sale, error) {
	return loadSale(ctx, s.dbx, "id", saleID, false)
}

func (s *Store) FindSaleByClientID(ctx context.Context, tenantID string, clientSaleID string) (*domain.Sale, error) {
	return loadSaleByClientID(ctx, s.dbx, tenantID, clientSaleID)
}

func (s *Store) ListAdjustments(ctx context.Context, filter store.AdjustmentFilter) ([]domain.InventoryAdjustment, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	conditions := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if filter.StoreID != "" {
		args = append(args, filter.StoreID)
		conditions = append(conditions, fmt.Sprintf("store_id = $%d", len(args)))
	}
	if filter.Item != nil {
		args = append(args, string(filter.Item.Type), filter.Item.ID)
		conditions = append(conditions, fmt.Sprintf("item_type = $%d AND item_id = $%d", len(args)-1, len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s
		FROM inventory_adjustments
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, adjustmentColumns, where, len(args))
	return queryAdjustments(ctx, s.dbx, query, args...)
}

func (s *Store) SumAdjustments(ctx context.Context, storeID string, item domain.ItemRef) (decimal.Decimal, int, error) {
	var sum decimal.Decimal
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta_qty), 0), COUNT(*)
		FROM inventory_adjustments
		WHERE store_id = $1 AND item_type = $2 AND item_id = $3
	`, storeID, string(item.Type), item.ID).Scan(&sum, &count)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return domain.RoundQty(sum), count, nil
}

func (s *Store) GetShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	return loadShift(ctx, s.dbx, "WHERE id = $1", shiftID)
}

func (s *Store) GetOpenShift(ctx context.Context, storeID string) (*domain.Shift, error) {
	return loadShift(ctx, s.dbx, "WHERE store_id = $1 AND status = 'Open'", storeID)
}

func (s *Store) SumCashPayments(ctx context.Context, shiftID string) (domain.CashSummary, error) {
	return sumCashPayments(ctx, s.dbx, shiftID)
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.dbx.NamedExecContext(ctx, `
		INSERT INTO audit_logs (
			id, tenant_id, store_id, actor_username, actor_role, action, entity_type, entity_id,
			before_json, after_json, correlation_id, created_at
		)
		VALUES (
			:id, :tenant_id, :store_id, :actor_username, :actor_role, :action, :entity_type, :entity_id,
			:before_json, :after_json, :correlation_id, :created_at
		)
	`, entry)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	logs := make([]domain.AuditLog, 0, limit)
	err := s.dbx.SelectContext(ctx, &logs, `
		SELECT id, tenant_id, store_id, actor_username, actor_role, action, entity_type, entity_id,
			COALESCE(before_json, '') AS before_json,
			COALESCE(after_json, '') AS after_json,
			COALESCE(correlation_id, '') AS correlation_id,
			created_at
		FROM audit_logs
		WHERE store_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	for i := range logs {
		logs[i].CreatedAt = logs[i].CreatedAt.UTC()
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// translate maps PostgreSQL failures onto store errors and leaves every
// other error untouched.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConcurrencyConflict, pgErr.Message)
		case "23505":
			return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}
