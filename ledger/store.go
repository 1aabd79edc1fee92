/*
store.go - Persistence contract for customers, vouchers and history

PURPOSE:
  Defines the interface between the ledger and the database. The Ledger
  never talks to a driver directly; any backend that can run the enclosed
  reads and writes atomically satisfies Store.

KEY INTERFACES:
  Tx:    Reads and writes visible inside one transaction
  Store: Opens transactions and answers maintenance queries

TRANSACTION CONTRACT:
  WithTx runs fn inside a transaction.
  - fn returns nil:   all writes are committed together
  - fn returns error: nothing is written, the error is returned as-is
  - every exit path (including panics) releases the transaction

  Isolation between concurrent transactions on the same customer or voucher
  is provided by the Ledger's keyed locks; backends that serve several
  processes (Postgres) also take row locks.

IMPLEMENTATIONS:
  - ledger/store/memory.go:    In-memory, for tests and dev
  - store/sqlite/sqlite.go:    Embedded SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - ledger.go: The only writer
*/
package ledger

import "context"

// =============================================================================
// TX - Operations available inside a transaction
// =============================================================================

// Tx is the view of the store inside a WithTx callback.
// A Tx must not be used after the callback returns.
type Tx interface {
	// GetCustomer returns ErrCustomerNotFound if id is unknown.
	GetCustomer(ctx context.Context, id CustomerID) (Customer, error)

	// PutCustomer inserts or fully replaces a customer.
	PutCustomer(ctx context.Context, c Customer) error

	// GetVoucher returns ErrVoucherNotFound if code is unknown.
	GetVoucher(ctx context.Context, code VoucherCode) (Voucher, error)

	// PutVoucher inserts or fully replaces a voucher.
	PutVoucher(ctx context.Context, v Voucher) error

	// AppendHistory adds an entry. There is no update or delete.
	AppendHistory(ctx context.Context, e HistoryEntry) error

	// ListHistory returns a customer's entries, oldest first.
	// Unknown customers yield an empty slice.
	ListHistory(ctx context.Context, id CustomerID) ([]HistoryEntry, error)
}

// VoucherCreator is an optional Tx extension for bulk provisioning. It
// inserts without reading or locking the row first, so a batch does not hold
// one lock per code until commit.
type VoucherCreator interface {
	// CreateVoucher inserts v as unused unless its code already exists,
	// in which case the stored voucher is left as it is. It reports whether
	// a row was created.
	CreateVoucher(ctx context.Context, v Voucher) (bool, error)
}

// =============================================================================
// STORE
// =============================================================================

// Store opens transactions over the three record families.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// ListCustomerIDs returns every registered customer id, in id order.
	ListCustomerIDs(ctx context.Context) ([]CustomerID, error)

	// Close releases backend resources.
	Close() error
}
