/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Durable embedded storage for customers, vouchers and the points history.
  The same schema runs on PostgreSQL (store/postgres) with minor dialect
  differences.

KEY TABLES:
  customers: One row per registered sender (balance CHECK >= 0)
  vouchers:  Pre-provisioned single-use codes (state unused|used)
  history:   Append-only points history

INDEXES:
  - idx_history_customer_seq: ordered history per customer (hot path)
  - idx_vouchers_redeemed_by:     vouchers redeemed by a customer

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch the history table
  - Triggers reject UPDATE/DELETE on history issued by anyone else
  - History is read back in seq (insert) order, not created_at order

CONCURRENCY:
  SQLite allows one writer. The pool holds a single connection, so
  transactions queue inside database/sql and give up when their context
  expires. Transactions start with BEGIN IMMEDIATE (_txlock=immediate).

WAL MODE:
  Opened with WAL (Write-Ahead Logging) and a busy timeout so another
  process holding the file does not fail writes instantly.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store, ledger.Config{})

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/loyalty-engine/ledger"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ ledger.Store          = (*Store)(nil)
	_ ledger.VoucherCreator = (*txStore)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: a single writer, and ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)

	store, err := Open(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Open wraps an existing handle and migrates the schema.
func Open(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		registered_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vouchers (
		code TEXT PRIMARY KEY,
		value INTEGER NOT NULL CHECK (value > 0),
		state TEXT NOT NULL DEFAULT 'unused' CHECK (state IN ('unused', 'used')),
		redeemed_by TEXT,
		redeemed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_vouchers_redeemed_by
		ON vouchers(redeemed_by) WHERE redeemed_by IS NOT NULL;

	-- Append-only points history
	CREATE TABLE IF NOT EXISTS history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		voucher_code TEXT,
		delta INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_customer_seq
		ON history(customer_id, seq);

	CREATE TRIGGER IF NOT EXISTS history_no_update
		BEFORE UPDATE ON history
		BEGIN SELECT RAISE(ABORT, 'history is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS history_no_delete
		BEFORE DELETE ON history
		BEGIN SELECT RAISE(ABORT, 'history is append-only'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// ListCustomerIDs returns all customer ids in id order.
func (s *Store) ListCustomerIDs(ctx context.Context) ([]ledger.CustomerID, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM customers ORDER BY id")
	if err != nil {
		return nil, ledger.Unavailable("sqlite: list customers", err)
	}
	defer rows.Close()

	var ids []ledger.CustomerID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ledger.Unavailable("sqlite: scan customer id", err)
		}
		ids = append(ids, ledger.CustomerID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Unavailable("sqlite: list customers", err)
	}
	return ids, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Store interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Unavailable("sqlite: begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return ledger.Unavailable("sqlite: commit", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetCustomer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	var (
		c            ledger.Customer
		registeredAt string
	)
	err := ts.tx.QueryRowContext(ctx,
		"SELECT id, name, balance, registered_at FROM customers WHERE id = ?",
		string(id),
	).Scan(&c.ID, &c.Name, &c.Balance, &registeredAt)

	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Customer{}, ledger.ErrCustomerNotFound
	}
	if err != nil {
		return ledger.Customer{}, ledger.Unavailable("sqlite: get customer", err)
	}

	if c.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return ledger.Customer{}, corrupt("customer registered_at", err, id, "")
	}
	return c, nil
}

func (ts *txStore) PutCustomer(ctx context.Context, c ledger.Customer) error {
	query := `
		INSERT INTO customers (id, name, balance, registered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			balance = excluded.balance,
			registered_at = excluded.registered_at
	`

	_, err := ts.tx.ExecContext(ctx, query,
		string(c.ID), c.Name, c.Balance, formatTime(c.RegisteredAt),
	)
	if err != nil {
		return classify("put customer", err, c.ID, "")
	}
	return nil
}

func (ts *txStore) GetVoucher(ctx context.Context, code ledger.VoucherCode) (ledger.Voucher, error) {
	var (
		v          ledger.Voucher
		state      string
		redeemedBy sql.NullString
		redeemedAt sql.NullString
	)
	err := ts.tx.QueryRowContext(ctx,
		"SELECT code, value, state, redeemed_by, redeemed_at FROM vouchers WHERE code = ?",
		string(code),
	).Scan(&v.Code, &v.Value, &state, &redeemedBy, &redeemedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Voucher{}, ledger.ErrVoucherNotFound
	}
	if err != nil {
		return ledger.Voucher{}, ledger.Unavailable("sqlite: get voucher", err)
	}

	v.State = ledger.VoucherState(state)
	v.RedeemedBy = ledger.CustomerID(redeemedBy.String)
	if redeemedAt.Valid {
		if v.RedeemedAt, err = parseTime(redeemedAt.String); err != nil {
			return ledger.Voucher{}, corrupt("voucher redeemed_at", err, v.RedeemedBy, code)
		}
	}
	return v, nil
}

func (ts *txStore) PutVoucher(ctx context.Context, v ledger.Voucher) error {
	query := `
		INSERT INTO vouchers (code, value, state, redeemed_by, redeemed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			value = excluded.value,
			state = excluded.state,
			redeemed_by = excluded.redeemed_by,
			redeemed_at = excluded.redeemed_at
	`

	var redeemedAt sql.NullString
	if !v.RedeemedAt.IsZero() {
		redeemedAt = sql.NullString{String: formatTime(v.RedeemedAt), Valid: true}
	}

	_, err := ts.tx.ExecContext(ctx, query,
		string(v.Code), v.Value, string(v.State),
		nullString(string(v.RedeemedBy)), redeemedAt,
	)
	if err != nil {
		return classify("put voucher", err, v.RedeemedBy, v.Code)
	}
	return nil
}

// CreateVoucher inserts v unless its code exists; existing rows are untouched.
func (ts *txStore) CreateVoucher(ctx context.Context, v ledger.Voucher) (bool, error) {
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO vouchers (code, value, state)
		VALUES (?, ?, ?)
		ON CONFLICT(code) DO NOTHING
	`, string(v.Code), v.Value, string(ledger.VoucherUnused))
	if err != nil {
		return false, classify("create voucher", err, "", v.Code)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ledger.Unavailable("sqlite: create voucher", err)
	}
	return n == 1, nil
}

func (ts *txStore) AppendHistory(ctx context.Context, e ledger.HistoryEntry) error {
	query := `
		INSERT INTO history (id, customer_id, kind, voucher_code, delta, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := ts.tx.ExecContext(ctx, query,
		e.ID, string(e.CustomerID), string(e.Kind),
		nullString(string(e.VoucherCode)), e.Delta, formatTime(e.At),
	)
	if err != nil {
		return classify("append history", err, e.CustomerID, e.VoucherCode)
	}
	return nil
}

func (ts *txStore) ListHistory(ctx context.Context, id ledger.CustomerID) ([]ledger.HistoryEntry, error) {
	query := `
		SELECT id, customer_id, kind, voucher_code, delta, created_at
		FROM history
		WHERE customer_id = ?
		ORDER BY seq ASC
	`

	rows, err := ts.tx.QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, ledger.Unavailable("sqlite: list history", err)
	}
	defer rows.Close()

	var entries []ledger.HistoryEntry
	for rows.Next() {
		var (
			e         ledger.HistoryEntry
			kind      string
			code      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.CustomerID, &kind, &code, &e.Delta, &createdAt); err != nil {
			return nil, ledger.Unavailable("sqlite: scan history", err)
		}
		e.Kind = ledger.EventKind(kind)
		e.VoucherCode = ledger.VoucherCode(code.String)
		at, err := parseTime(createdAt)
		if err != nil {
			return nil, corrupt("history created_at", err, id, e.VoucherCode)
		}
		e.At = at
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Unavailable("sqlite: list history", err)
	}
	return entries, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// classify turns CHECK/UNIQUE failures into invariant violations and
// everything else into unavailable errors.
func classify(op string, err error, id ledger.CustomerID, code ledger.VoucherCode) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return &ledger.InvariantError{CustomerID: id, VoucherCode: code, Detail: op + ": " + sqliteErr.Error()}
	}
	return ledger.Unavailable("sqlite: "+op, err)
}

// corrupt reports a stored value that cannot be decoded.
func corrupt(field string, err error, id ledger.CustomerID, code ledger.VoucherCode) error {
	return &ledger.InvariantError{CustomerID: id, VoucherCode: code, Detail: "unreadable " + field + ": " + err.Error()}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime accepts timeLayout and plain RFC 3339 (hand-edited rows).
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return time.Time{}, err
		}
	}
	return t.UTC(), nil
}
