// Package postgres implements ledger.Store on PostgreSQL using pgx.
//
// Unlike SQLite, several server processes may share one database, so the
// in-process keyed locks of the Ledger are not enough on their own. Every
// transaction therefore takes transaction-scoped advisory locks on the same
// keys (customer first, then voucher) before reading a row, which also
// covers rows that do not exist yet (first registration).
//
// Voucher imports go through CreateVoucher, which takes no advisory lock:
// INSERT ... ON CONFLICT DO NOTHING never touches an existing row, so large
// batches do not exhaust the shared lock table.
//
// History is returned in seq order. seq is an identity column assigned at
// insert, and inserts for one customer are serialized by its lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/loyalty-engine/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS customers (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	balance       BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	registered_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS vouchers (
	code        TEXT PRIMARY KEY,
	value       BIGINT NOT NULL CHECK (value > 0),
	state       TEXT NOT NULL DEFAULT 'unused' CHECK (state IN ('unused', 'used')),
	redeemed_by TEXT,
	redeemed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS history (
	seq          BIGINT GENERATED ALWAYS AS IDENTITY,
	id           TEXT PRIMARY KEY,
	customer_id  TEXT NOT NULL,
	kind         TEXT NOT NULL,
	voucher_code TEXT,
	delta        BIGINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);

ALTER TABLE history ADD COLUMN IF NOT EXISTS seq BIGINT GENERATED ALWAYS AS IDENTITY;

CREATE UNIQUE INDEX IF NOT EXISTS idx_history_customer_seq
	ON history (customer_id, seq);
`

// Config controls the connection pool.
type Config struct {
	DatabaseURL string
	MaxConns    int32
	MinConns    int32
}

// Store is a PostgreSQL-backed ledger.Store.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ ledger.Store          = (*Store)(nil)
	_ ledger.VoucherCreator = (*txStore)(nil)
)

// New builds a pool, validates connectivity and creates the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := ping(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// poolConfig parses the URL. Non-zero Config limits override pool_max_conns
// and pool_min_conns from the URL.
func poolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	return pcfg, nil
}

func ping(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ListCustomerIDs returns all customer ids in id order.
func (s *Store) ListCustomerIDs(ctx context.Context) ([]ledger.CustomerID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM customers ORDER BY id`)
	if err != nil {
		return nil, ledger.Unavailable("postgres: list customers", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.CustomerID, error) {
		var id string
		err := row.Scan(&id)
		return ledger.CustomerID(id), err
	})
	if err != nil {
		return nil, ledger.Unavailable("postgres: list customers", err)
	}
	return ids, nil
}

// WithTx runs fn in a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return ledger.Unavailable("postgres: begin", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return ledger.Unavailable("postgres: commit", err)
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

// lock takes a transaction-scoped advisory lock, released at commit/rollback.
func (ts *txStore) lock(ctx context.Context, key string) error {
	_, err := ts.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	if err != nil {
		return ledger.Unavailable("postgres: advisory lock", err)
	}
	return nil
}

func (ts *txStore) GetCustomer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	if err := ts.lock(ctx, "customer:"+string(id)); err != nil {
		return ledger.Customer{}, err
	}

	var (
		c          ledger.Customer
		customerID string
	)
	err := ts.tx.QueryRow(ctx, `
		SELECT id, name, balance, registered_at
		FROM customers
		WHERE id = $1
		FOR UPDATE
	`, string(id)).Scan(&customerID, &c.Name, &c.Balance, &c.RegisteredAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Customer{}, ledger.ErrCustomerNotFound
	}
	if err != nil {
		return ledger.Customer{}, ledger.Unavailable("postgres: get customer", err)
	}

	c.ID = ledger.CustomerID(customerID)
	c.RegisteredAt = c.RegisteredAt.UTC()
	return c, nil
}

func (ts *txStore) PutCustomer(ctx context.Context, c ledger.Customer) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO customers (id, name, balance, registered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			balance = EXCLUDED.balance,
			registered_at = EXCLUDED.registered_at
	`, string(c.ID), c.Name, c.Balance, c.RegisteredAt)
	if err != nil {
		return classify("put customer", err, c.ID, "")
	}
	return nil
}

func (ts *txStore) GetVoucher(ctx context.Context, code ledger.VoucherCode) (ledger.Voucher, error) {
	if err := ts.lock(ctx, "voucher:"+string(code)); err != nil {
		return ledger.Voucher{}, err
	}

	var (
		v          ledger.Voucher
		voucher    string
		state      string
		redeemedBy *string
		redeemedAt *time.Time
	)
	err := ts.tx.QueryRow(ctx, `
		SELECT code, value, state, redeemed_by, redeemed_at
		FROM vouchers
		WHERE code = $1
		FOR UPDATE
	`, string(code)).Scan(&voucher, &v.Value, &state, &redeemedBy, &redeemedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Voucher{}, ledger.ErrVoucherNotFound
	}
	if err != nil {
		return ledger.Voucher{}, ledger.Unavailable("postgres: get voucher", err)
	}

	v.Code = ledger.VoucherCode(voucher)
	v.State = ledger.VoucherState(state)
	if redeemedBy != nil {
		v.RedeemedBy = ledger.CustomerID(*redeemedBy)
	}
	if redeemedAt != nil {
		v.RedeemedAt = redeemedAt.UTC()
	}
	return v, nil
}

func (ts *txStore) PutVoucher(ctx context.Context, v ledger.Voucher) error {
	var (
		redeemedBy *string
		redeemedAt *time.Time
	)
	if v.RedeemedBy != "" {
		s := string(v.RedeemedBy)
		redeemedBy = &s
	}
	if !v.RedeemedAt.IsZero() {
		t := v.RedeemedAt
		redeemedAt = &t
	}

	_, err := ts.tx.Exec(ctx, `
		INSERT INTO vouchers (code, value, state, redeemed_by, redeemed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (code) DO UPDATE SET
			value = EXCLUDED.value,
			state = EXCLUDED.state,
			redeemed_by = EXCLUDED.redeemed_by,
			redeemed_at = EXCLUDED.redeemed_at
	`, string(v.Code), v.Value, string(v.State), redeemedBy, redeemedAt)
	if err != nil {
		return classify("put voucher", err, v.RedeemedBy, v.Code)
	}
	return nil
}

// CreateVoucher inserts v unless its code exists. No advisory lock is taken.
func (ts *txStore) CreateVoucher(ctx context.Context, v ledger.Voucher) (bool, error) {
	tag, err := ts.tx.Exec(ctx, `
		INSERT INTO vouchers (code, value, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO NOTHING
	`, string(v.Code), v.Value, string(ledger.VoucherUnused))
	if err != nil {
		return false, classify("create voucher", err, "", v.Code)
	}
	return tag.RowsAffected() == 1, nil
}

func (ts *txStore) AppendHistory(ctx context.Context, e ledger.HistoryEntry) error {
	var code *string
	if e.VoucherCode != "" {
		s := string(e.VoucherCode)
		code = &s
	}

	_, err := ts.tx.Exec(ctx, `
		INSERT INTO history (id, customer_id, kind, voucher_code, delta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, string(e.CustomerID), string(e.Kind), code, e.Delta, e.At)
	if err != nil {
		return classify("append history", err, e.CustomerID, e.VoucherCode)
	}
	return nil
}

func (ts *txStore) ListHistory(ctx context.Context, id ledger.CustomerID) ([]ledger.HistoryEntry, error) {
	rows, err := ts.tx.Query(ctx, `
		SELECT id, customer_id, kind, voucher_code, delta, created_at
		FROM history
		WHERE customer_id = $1
		ORDER BY seq ASC
	`, string(id))
	if err != nil {
		return nil, ledger.Unavailable("postgres: list history", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.HistoryEntry, error) {
		var (
			e          ledger.HistoryEntry
			customerID string
			kind       string
			code       *string
		)
		if err := row.Scan(&e.ID, &customerID, &kind, &code, &e.Delta, &e.At); err != nil {
			return e, err
		}
		e.CustomerID = ledger.CustomerID(customerID)
		e.Kind = ledger.EventKind(kind)
		if code != nil {
			e.VoucherCode = ledger.VoucherCode(*code)
		}
		e.At = e.At.UTC()
		return e, nil
	})
	if err != nil {
		return nil, ledger.Unavailable("postgres: list history", err)
	}
	return entries, nil
}

// classify maps integrity constraint failures (class 23) to invariant
// violations; everything else is unavailable.
func classify(op string, err error, id ledger.CustomerID, code ledger.VoucherCode) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) == 5 && pgErr.Code[:2] == "23" {
		return &ledger.InvariantError{CustomerID: id, VoucherCode: code, Detail: op + ": " + pgErr.Message}
	}
	return ledger.Unavailable("postgres: "+op, err)
}
