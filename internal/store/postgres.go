package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/broskis-kitchen/broskis/internal/store/migrations"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and checks the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies pending schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	return migrations.Apply(ctx, s.db)
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// pgErr translates driver errors into store sentinels.
func pgErr(err error) error {
	var pqe *pq.Error
	if errors.As(err, &pqe) {
		switch pqe.Code.Name() {
		case "unique_violation":
			return fmt.Errorf("%w: %s", ErrConflict, pqe.Constraint)
		case "check_violation":
			if pqe.Constraint == "menu_drops_sold_range" {
				return fmt.Errorf("%w: %s", ErrTotalBelowSold, pqe.Constraint)
			}
			return fmt.Errorf("%w: %s", ErrConflict, pqe.Constraint)
		}
	}
	return err
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

func mustAffect(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// scanDocs decodes a single JSONB column from each row.
func scanDocs[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func decodeDoc[T any](raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode row: %w", err)
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Menu items
// ---------------------------------------------------------------------------

func (s *PostgresStore) ListItems(ctx context.Context) ([]MenuItem, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM menu_items ORDER BY category, sort_order, id")
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return scanDocs[MenuItem](rows)
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (MenuItem, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM menu_items WHERE id = $1", id).Scan(&raw)
	if err != nil {
		return MenuItem{}, notFound(err, "item", id)
	}
	return decodeDoc[MenuItem](raw)
}

func (s *PostgresStore) PutItem(ctx context.Context, item MenuItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO menu_items (id, category, sort_order, data, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			category = EXCLUDED.category,
			sort_order = EXCLUDED.sort_order,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		item.ID, item.Category, item.SortOrder, data, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put item %s: %w", item.ID, pgErr(err))
	}
	return nil
}

func (s *PostgresStore) DeleteItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM menu_items WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	return mustAffect(res, "item", id)
}

// ---------------------------------------------------------------------------
// Drops
// ---------------------------------------------------------------------------

// Sold lives in its own column so reservations never rewrite the document.
func scanDrop(scan func(dest ...any) error) (Drop, error) {
	var (
		raw         []byte
		total, sold int
	)
	if err := scan(&raw, &total, &sold); err != nil {
		return Drop{}, err
	}
	d, err := decodeDoc[Drop](raw)
	if err != nil {
		return Drop{}, err
	}
	d.Total, d.Sold = total, sold
	return d, nil
}

func (s *PostgresStore) ListDrops(ctx context.Context) ([]Drop, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data, total, sold FROM menu_drops ORDER BY starts_at, id")
	if err != nil {
		return nil, fmt.Errorf("list drops: %w", err)
	}
	defer rows.Close()
	drops := make([]Drop, 0)
	for rows.Next() {
		d, err := scanDrop(rows.Scan)
		if err != nil {
			return nil, err
		}
		drops = append(drops, d)
	}
	return drops, rows.Err()
}

func (s *PostgresStore) GetDrop(ctx context.Context, id string) (Drop, error) {
	d, err := scanDrop(s.db.QueryRowContext(ctx,
		"SELECT data, total, sold FROM menu_drops WHERE id = $1", id).Scan)
	if err != nil {
		return Drop{}, notFound(err, "drop", id)
	}
	return d, nil
}

// PutDrop keeps the stored sold counter on update.
func (s *PostgresStore) PutDrop(ctx context.Context, d Drop) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO menu_drops (id, total, sold, starts_at, ends_at, active, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			total = EXCLUDED.total,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			active = EXCLUDED.active,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		d.ID, d.Total, d.Sold, d.StartsAt, d.EndsAt, d.Active, data, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put drop %s: %w", d.ID, pgErr(err))
	}
	return nil
}

func (s *PostgresStore) DeleteDrop(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM menu_drops WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete drop %s: %w", id, err)
	}
	return mustAffect(res, "drop", id)
}

func (s *PostgresStore) AdjustDropSold(ctx context.Context, id string, delta int) (Drop, error) {
	d, err := scanDrop(s.db.QueryRowContext(ctx, `
		UPDATE menu_drops SET sold = GREATEST(sold + $2, 0), updated_at = NOW()
		WHERE id = $1 AND sold + $2 <= total
		RETURNING data, total, sold`, id, delta).Scan)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Drop{}, fmt.Errorf("adjust drop %s: %w", id, err)
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM menu_drops WHERE id = $1)", id).Scan(&exists); err != nil {
		return Drop{}, fmt.Errorf("adjust drop %s: %w", id, err)
	}
	if !exists {
		return Drop{}, fmt.Errorf("drop %s: %w", id, ErrNotFound)
	}
	return Drop{}, fmt.Errorf("drop %s: %w", id, ErrSoldOut)
}

// ---------------------------------------------------------------------------
// Offers and claims
// ---------------------------------------------------------------------------

func (s *PostgresStore) ListOffers(ctx context.Context) ([]Offer, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM reward_offers ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return scanDocs[Offer](rows)
}

func (s *PostgresStore) GetOffer(ctx context.Context, id string) (Offer, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM reward_offers WHERE id = $1", id).Scan(&raw)
	if err != nil {
		return Offer{}, notFound(err, "offer", id)
	}
	return decodeDoc[Offer](raw)
}

func (s *PostgresStore) PutOffer(ctx context.Context, o Offer) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reward_offers (id, active, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			active = EXCLUDED.active,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		o.ID, o.Active, data, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put offer %s: %w", o.ID, pgErr(err))
	}
	return nil
}

func (s *PostgresStore) DeleteOffer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM reward_offers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete offer %s: %w", id, err)
	}
	return mustAffect(res, "offer", id)
}

func (s *PostgresStore) GetClaimByCode(ctx context.Context, code string) (Claim, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM reward_claims WHERE code = $1", code).Scan(&raw)
	if err != nil {
		return Claim{}, notFound(err, "claim", code)
	}
	return decodeDoc[Claim](raw)
}

func (s *PostgresStore) ListClaims(ctx context.Context, uid string) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM reward_claims WHERE uid = $1 ORDER BY created_at DESC, id", uid)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	return scanDocs[Claim](rows)
}

func (s *PostgresStore) UpdateClaim(ctx context.Context, code string, fn func(*Claim) error) (Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Claim{}, err
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		"SELECT data FROM reward_claims WHERE code = $1 FOR UPDATE", code).Scan(&raw)
	if err != nil {
		return Claim{}, notFound(err, "claim", code)
	}
	c, err := decodeDoc[Claim](raw)
	if err != nil {
		return Claim{}, err
	}
	if err := fn(&c); err != nil {
		return Claim{}, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return Claim{}, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE reward_claims SET used = $2, order_id = $3, data = $4 WHERE code = $1",
		code, c.Used, c.OrderID, data); err != nil {
		return Claim{}, fmt.Errorf("update claim %s: %w", code, err)
	}
	if err := tx.Commit(); err != nil {
		return Claim{}, err
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *PostgresStore) CreateOrder(ctx context.Context, o Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, uid, status, payment_intent_id, created_at, updated_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.UID, string(o.Status), o.PaymentIntentID, o.CreatedAt, o.UpdatedAt, data)
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, pgErr(err))
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (Order, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM orders WHERE id = $1", id).Scan(&raw)
	if err != nil {
		return Order{}, notFound(err, "order", id)
	}
	return decodeDoc[Order](raw)
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, id string, fn func(*Order) error) (Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, err
	}
	defer tx.Rollback()

	var raw []byte
	if err := tx.QueryRowContext(ctx,
		"SELECT data FROM orders WHERE id = $1 FOR UPDATE", id).Scan(&raw); err != nil {
		return Order{}, notFound(err, "order", id)
	}
	o, err := decodeDoc[Order](raw)
	if err != nil {
		return Order{}, err
	}
	if err := fn(&o); err != nil {
		return Order{}, err
	}
	data, err := json.Marshal(o)
	if err != nil {
		return Order{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET uid = $2, status = $3, payment_intent_id = $4, updated_at = $5, data = $6
		WHERE id = $1`,
		id, o.UID, string(o.Status), o.PaymentIntentID, o.UpdatedAt, data); err != nil {
		return Order{}, fmt.Errorf("update order %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.UID != "" {
		args = append(args, f.UID)
		where = append(where, fmt.Sprintf("uid = $%d", len(args)))
	}
	if !f.CreatedBefore.IsZero() {
		args = append(args, f.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	q := "SELECT data FROM orders"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(f.Limit))
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return scanDocs[Order](rows)
}

func (s *PostgresStore) FindOrderByPaymentIntent(ctx context.Context, intentID string) (Order, error) {
	if intentID == "" {
		return Order{}, ErrNotFound
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM orders WHERE payment_intent_id = $1", intentID).Scan(&raw)
	if err != nil {
		return Order{}, notFound(err, "payment intent", intentID)
	}
	return decodeDoc[Order](raw)
}

// ---------------------------------------------------------------------------
// Rewards ledger
// ---------------------------------------------------------------------------

const accountColumns = "uid, email, balance, lifetime, redeemed, created_at, updated_at"

const entryColumns = "id, uid, key, kind, points, balance_after, order_id, reason, actor_uid, code, created_at"

func scanAccount(scan func(dest ...any) error) (Account, error) {
	var a Account
	err := scan(&a.UID, &a.Email, &a.Balance, &a.Lifetime, &a.Redeemed, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func scanEntry(scan func(dest ...any) error) (LedgerEntry, error) {
	var (
		e    LedgerEntry
		kind string
	)
	err := scan(&e.ID, &e.UID, &e.Key, &kind, &e.Points, &e.BalanceAfter,
		&e.OrderID, &e.Reason, &e.ActorUID, &e.Code, &e.CreatedAt)
	e.Kind = LedgerKind(kind)
	return e, err
}

func (s *PostgresStore) GetAccount(ctx context.Context, uid string) (Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM rewards_accounts WHERE uid = $1", uid).Scan)
	if err != nil {
		return Account{}, notFound(err, "account", uid)
	}
	return a, nil
}

func (s *PostgresStore) ApplyLedger(ctx context.Context, uid string, fn func(tx LedgerTx) error) (Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO rewards_accounts (uid) VALUES ($1) ON CONFLICT (uid) DO NOTHING", uid); err != nil {
		return Account{}, fmt.Errorf("ensure account %s: %w", uid, err)
	}
	acct, err := scanAccount(tx.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM rewards_accounts WHERE uid = $1 FOR UPDATE", uid).Scan)
	if err != nil {
		return Account{}, fmt.Errorf("lock account %s: %w", uid, err)
	}

	buf := &ledgerBuffer{
		account: &acct,
		lookup: func(key string) (LedgerEntry, bool, error) {
			e, err := scanEntry(tx.QueryRowContext(ctx,
				"SELECT "+entryColumns+" FROM rewards_ledger WHERE uid = $1 AND key = $2", uid, key).Scan)
			if errors.Is(err, sql.ErrNoRows) {
				return LedgerEntry{}, false, nil
			}
			if err != nil {
				return LedgerEntry{}, false, err
			}
			return e, true, nil
		},
	}
	if err := fn(buf); err != nil {
		return Account{}, err
	}
	if len(buf.entries) == 0 && len(buf.audits) == 0 && len(buf.claims) == 0 {
		return acct, nil
	}
	if err := checkAccount(&acct); err != nil {
		return Account{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE rewards_accounts
		SET email = $2, balance = $3, lifetime = $4, redeemed = $5, created_at = $6, updated_at = $7
		WHERE uid = $1`,
		uid, acct.Email, acct.Balance, acct.Lifetime, acct.Redeemed, acct.CreatedAt, acct.UpdatedAt); err != nil {
		return Account{}, fmt.Errorf("update account %s: %w", uid, pgErr(err))
	}
	for _, e := range buf.entries {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rewards_ledger ("+entryColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
			e.ID, uid, e.Key, string(e.Kind), e.Points, e.BalanceAfter,
			e.OrderID, e.Reason, e.ActorUID, e.Code, e.CreatedAt); err != nil {
			if errors.Is(pgErr(err), ErrConflict) {
				return Account{}, fmt.Errorf("entry %s: %w", e.Key, ErrDuplicateEntry)
			}
			return Account{}, fmt.Errorf("insert entry %s: %w", e.Key, err)
		}
	}
	for _, a := range buf.audits {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rewards_audit (id, actor_uid, target_uid, action, requested, applied,
				balance_before, balance_after, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			a.ID, a.ActorUID, a.TargetUID, a.Action, a.Requested, a.Applied,
			a.BalanceBefore, a.BalanceAfter, a.Reason, a.CreatedAt); err != nil {
			return Account{}, fmt.Errorf("insert audit: %w", err)
		}
	}
	for _, c := range buf.claims {
		data, err := json.Marshal(c)
		if err != nil {
			return Account{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reward_claims (id, code, uid, offer_id, used, order_id, data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, c.Code, c.UID, c.OfferID, c.Used, c.OrderID, data, c.CreatedAt); err != nil {
			return Account{}, fmt.Errorf("insert claim %s: %w", c.Code, pgErr(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return Account{}, fmt.Errorf("commit ledger %s: %w", uid, err)
	}
	return acct, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, uid string, limit int) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM rewards_ledger WHERE uid = $1 ORDER BY created_at DESC, seq DESC LIMIT $2",
		uid, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	entries := make([]LedgerEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	q := `SELECT id, actor_uid, target_uid, action, requested, applied, balance_before, balance_after, reason, created_at
		FROM rewards_audit`
	args := []any{}
	if f.TargetUID != "" {
		args = append(args, f.TargetUID)
		q += " WHERE target_uid = $1"
	}
	args = append(args, limitOrDefault(f.Limit))
	q += fmt.Sprintf(" ORDER BY created_at DESC, seq DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	out := make([]AuditEntry, 0)
	for rows.Next() {
		var a AuditEntry
		if err := rows.Scan(&a.ID, &a.ActorUID, &a.TargetUID, &a.Action, &a.Requested, &a.Applied,
			&a.BalanceBefore, &a.BalanceAfter, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
