// Package store implements the persistence gateway for orders, subscriber
// links and quarantined orders.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"order_engine/internal/core"
	apperrors "order_engine/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const timeFormat = time.RFC3339Nano

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id             TEXT PRIMARY KEY,
	token_in       TEXT NOT NULL,
	token_out      TEXT NOT NULL,
	amount         TEXT NOT NULL,
	kind           TEXT NOT NULL,
	slippage       REAL NOT NULL,
	status         TEXT NOT NULL,
	executed_price TEXT NOT NULL DEFAULT '',
	tx_ref         TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL DEFAULT '',
	last_error     TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriber_links (
	id              TEXT PRIMARY KEY,
	order_id        TEXT NOT NULL,
	is_active       INTEGER NOT NULL,
	connected_at    TEXT NOT NULL,
	disconnected_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_links_order_active ON subscriber_links(order_id, is_active);

CREATE TABLE IF NOT EXISTS quarantined_orders (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id       TEXT NOT NULL,
	original_order TEXT NOT NULL,
	failure_reason TEXT NOT NULL,
	attempts_made  INTEGER NOT NULL,
	failed_at      TEXT NOT NULL,
	last_error     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_quarantine_failed_at ON quarantined_orders(failed_at DESC);
`

// SQLiteStore implements core.IStore on SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath. Use ":memory:"
// for an ephemeral store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	// Status updates read-then-write inside a transaction; a single
	// connection avoids SQLITE_BUSY on the shared file handle.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveOrder(ctx context.Context, order *core.Order) error {
	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, token_in, token_out, amount, kind, slippage, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.Pair.TokenIn, order.Pair.TokenOut, order.Amount.String(),
		string(order.Kind), order.Slippage, string(order.Status),
		order.CreatedAt.UTC().Format(timeFormat), now)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, orderID string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, token_in, token_out, amount, kind, slippage, status,
		       executed_price, tx_ref, source, last_error, created_at
		FROM orders WHERE id = ?`, orderID)
	return scanOrder(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*core.Order, error) {
	var (
		o                           core.Order
		amount, execPrice, createdAt string
	)
	err := row.Scan(&o.ID, &o.Pair.TokenIn, &o.Pair.TokenOut, &amount, &o.Kind,
		&o.Slippage, &o.Status, &execPrice, &o.TxRef, &o.Source, &o.LastError, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to read order: %w", err)
	}

	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	if execPrice != "" {
		if o.ExecutedPrice, err = decimal.NewFromString(execPrice); err != nil {
			return nil, fmt.Errorf("corrupt executed price %q: %w", execPrice, err)
		}
	}
	if o.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at %q: %w", createdAt, err)
	}
	return &o, nil
}

// transition applies a guarded status change plus extra column updates inside
// one transaction
func (s *SQLiteStore) transition(ctx context.Context, orderID string, to core.Status, set string, args ...interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current core.Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, orderID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.ErrOrderNotFound
		}
		return fmt.Errorf("failed to read order status: %w", err)
	}
	if !current.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, current, to)
	}

	query := fmt.Sprintf(`UPDATE orders SET status = ?, updated_at = ?%s WHERE id = ?`, set)
	full := append([]interface{}{string(to), time.Now().UTC().Format(timeFormat)}, args...)
	full = append(full, orderID)
	if _, err := tx.ExecContext(ctx, query, full...); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, orderID string, status core.Status) error {
	return s.transition(ctx, orderID, status, "")
}

func (s *SQLiteStore) ConfirmOrder(ctx context.Context, orderID string, result *core.ExecutionResult) error {
	return s.transition(ctx, orderID, core.StatusConfirmed,
		", executed_price = ?, tx_ref = ?, source = ?, last_error = ''",
		result.ExecutedPrice.String(), result.TxRef, result.Source)
}

func (s *SQLiteStore) FailOrder(ctx context.Context, orderID string, reason string) error {
	return s.transition(ctx, orderID, core.StatusFailed, ", last_error = ?", reason)
}

func (s *SQLiteStore) SaveLink(ctx context.Context, link *core.SubscriberLink) error {
	active := 0
	if link.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriber_links (id, order_id, is_active, connected_at)
		VALUES (?, ?, ?, ?)`,
		link.ID, link.OrderID, active, link.ConnectedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to insert subscriber link: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeactivateLink(ctx context.Context, linkID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriber_links SET is_active = 0, disconnected_at = ?
		WHERE id = ? AND is_active = 1`,
		time.Now().UTC().Format(timeFormat), linkID)
	if err != nil {
		return fmt.Errorf("failed to deactivate subscriber link: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetActiveLink(ctx context.Context, orderID string) (*core.SubscriberLink, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, is_active, connected_at, disconnected_at
		FROM subscriber_links WHERE order_id = ? AND is_active = 1`, orderID)

	link, err := scanLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return link, nil
}

// ListLinks returns every subscriber link ever bound to the order, newest
// first
func (s *SQLiteStore) ListLinks(ctx context.Context, orderID string) ([]*core.SubscriberLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, is_active, connected_at, disconnected_at
		FROM subscriber_links WHERE order_id = ?
		ORDER BY connected_at DESC, id DESC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriber links: %w", err)
	}
	defer rows.Close()

	var out []*core.SubscriberLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

func scanLink(row rowScanner) (*core.SubscriberLink, error) {
	var (
		link                        core.SubscriberLink
		active                      int
		connectedAt, disconnectedAt string
	)
	if err := row.Scan(&link.ID, &link.OrderID, &active, &connectedAt, &disconnectedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read subscriber link: %w", err)
	}
	link.Active = active == 1
	t, err := time.Parse(timeFormat, connectedAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt connected_at %q: %w", connectedAt, err)
	}
	link.ConnectedAt = t
	if disconnectedAt != "" {
		d, err := time.Parse(timeFormat, disconnectedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt disconnected_at %q: %w", disconnectedAt, err)
		}
		link.DisconnectedAt = &d
	}
	return &link, nil
}

func (s *SQLiteStore) SaveQuarantined(ctx context.Context, rec *core.QuarantinedOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantined_orders (order_id, original_order, failure_reason, attempts_made, failed_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.OrderID, rec.OriginalOrder, rec.FailureReason, rec.AttemptsMade,
		rec.FailedAt.UTC().Format(timeFormat), rec.LastError)
	if err != nil {
		return fmt.Errorf("failed to insert quarantine record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListQuarantined(ctx context.Context, limit, offset int) ([]*core.QuarantinedOrder, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, original_order, failure_reason, attempts_made, failed_at, last_error
		FROM quarantined_orders ORDER BY failed_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantined orders: %w", err)
	}
	defer rows.Close()
	return scanQuarantined(rows)
}

func (s *SQLiteStore) ListQuarantinedByReason(ctx context.Context, reason string) ([]*core.QuarantinedOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, original_order, failure_reason, attempts_made, failed_at, last_error
		FROM quarantined_orders WHERE failure_reason LIKE ?
		ORDER BY failed_at DESC, id DESC`, "%"+reason+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantined orders by reason: %w", err)
	}
	defer rows.Close()
	return scanQuarantined(rows)
}

func scanQuarantined(rows *sql.Rows) ([]*core.QuarantinedOrder, error) {
	var out []*core.QuarantinedOrder
	for rows.Next() {
		var (
			rec      core.QuarantinedOrder
			failedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.OriginalOrder, &rec.FailureReason,
			&rec.AttemptsMade, &failedAt, &rec.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan quarantine record: %w", err)
		}
		t, err := time.Parse(timeFormat, failedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt failed_at %q: %w", failedAt, err)
		}
		rec.FailedAt = t
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountQuarantined(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quarantined_orders`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count quarantined orders: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ClearQuarantined(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM quarantined_orders`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear quarantined orders: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
