package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *Store {
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS customers").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := Open(db)
	require.NoError(t, err)
	return store, mock
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestStore_CustomerRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 9, 30, 0, 123456789, time.UTC)

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.PutCustomer(ctx, ledger.Customer{ID: "+100", Name: "Ann", Balance: 7, RegisteredAt: at})
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		c, err := tx.GetCustomer(ctx, "+100")
		require.NoError(t, err)
		assert.Equal(t, "Ann", c.Name)
		assert.Equal(t, int64(7), c.Balance)
		assert.True(t, at.Equal(c.RegisteredAt))

		_, err = tx.GetCustomer(ctx, "+999")
		assert.ErrorIs(t, err, ledger.ErrCustomerNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_VoucherRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.PutVoucher(ctx, ledger.Voucher{Code: "V1", Value: 5, State: ledger.VoucherUnused}); err != nil {
			return err
		}
		return tx.PutVoucher(ctx, ledger.Voucher{Code: "V2", Value: 3, State: ledger.VoucherUsed, RedeemedBy: "+100", RedeemedAt: at})
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		v1, err := tx.GetVoucher(ctx, "V1")
		require.NoError(t, err)
		assert.Equal(t, ledger.VoucherUnused, v1.State)
		assert.Empty(t, v1.RedeemedBy)
		assert.True(t, v1.RedeemedAt.IsZero())

		v2, err := tx.GetVoucher(ctx, "V2")
		require.NoError(t, err)
		assert.Equal(t, ledger.VoucherUsed, v2.State)
		assert.Equal(t, ledger.CustomerID("+100"), v2.RedeemedBy)
		assert.True(t, at.Equal(v2.RedeemedAt))

		_, err = tx.GetVoucher(ctx, "NOPE")
		assert.ErrorIs(t, err, ledger.ErrVoucherNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_HistoryInInsertOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 9, 0, 10, 0, time.UTC)

	// GIVEN: Entries whose timestamps step backwards between inserts
	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		for _, e := range []ledger.HistoryEntry{
			{ID: "03", CustomerID: "+100", Kind: ledger.EventJoin, At: t0},
			{ID: "02", CustomerID: "+100", Kind: ledger.EventVoucherRedeemed, VoucherCode: "V1", Delta: 10, At: t0.Add(-5 * time.Second)},
			{ID: "04", CustomerID: "+200", Kind: ledger.EventJoin, At: t0},
			{ID: "01", CustomerID: "+100", Kind: ledger.EventRewardRedeemed, Delta: -10, At: t0.Add(-time.Minute)},
		} {
			if err := tx.AppendHistory(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	// THEN: They come back in insert order
	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		hist, err := tx.ListHistory(ctx, "+100")
		require.NoError(t, err)
		require.Len(t, hist, 3)
		assert.Equal(t, []string{"03", "02", "01"}, []string{hist[0].ID, hist[1].ID, hist[2].ID})
		assert.Equal(t, ledger.VoucherCode("V1"), hist[1].VoucherCode)
		assert.Equal(t, ledger.VoucherCode(""), hist[0].VoucherCode)
		assert.True(t, t0.Add(-5*time.Second).Equal(hist[1].At))
		return nil
	})
	require.NoError(t, err)
}

func TestStore_CreateVoucherSkipsExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	used := ledger.Voucher{Code: "V1", Value: 5, State: ledger.VoucherUsed, RedeemedBy: "+100", RedeemedAt: time.Now()}
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error { return tx.PutVoucher(ctx, used) }))

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		creator := tx.(ledger.VoucherCreator)

		created, err := creator.CreateVoucher(ctx, ledger.Voucher{Code: "V1", Value: 1})
		require.NoError(t, err)
		assert.False(t, created)

		created, err = creator.CreateVoucher(ctx, ledger.Voucher{Code: "V2", Value: 3})
		require.NoError(t, err)
		assert.True(t, created)

		v1, err := tx.GetVoucher(ctx, "V1")
		require.NoError(t, err)
		assert.Equal(t, ledger.VoucherUsed, v1.State)
		assert.Equal(t, int64(5), v1.Value)

		v2, err := tx.GetVoucher(ctx, "V2")
		require.NoError(t, err)
		assert.Equal(t, ledger.VoucherUnused, v2.State)

		_, err = creator.CreateVoucher(ctx, ledger.Voucher{Code: "V3", Value: 0})
		assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_CorruptTimestampIsInvariant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.PutCustomer(ctx, ledger.Customer{ID: "+100", Name: "Ann", RegisteredAt: time.Now()})
	}))

	_, err := store.db.ExecContext(ctx, "UPDATE customers SET registered_at = 'yesterday' WHERE id = '+100'")
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.GetCustomer(ctx, "+100")
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
	assert.ErrorContains(t, err, "registered_at")
}

func TestStore_ListCustomerIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		for _, id := range []ledger.CustomerID{"+300", "+100", "+200"} {
			if err := tx.PutCustomer(ctx, ledger.Customer{ID: id, Name: "x", RegisteredAt: time.Now()}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	ids, err := store.ListCustomerIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.CustomerID{"+100", "+200", "+300"}, ids)
}

// =============================================================================
// CONSTRAINTS
// =============================================================================

func TestStore_RollbackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.PutCustomer(ctx, ledger.Customer{ID: "+100", Name: "Ann", RegisteredAt: time.Now()}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ids, err := store.ListCustomerIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_NegativeBalanceRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.PutCustomer(ctx, ledger.Customer{ID: "+100", Name: "Ann", Balance: -1, RegisteredAt: time.Now()})
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
	var inv *ledger.InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, ledger.CustomerID("+100"), inv.CustomerID)
}

func TestStore_NonPositiveVoucherRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.PutVoucher(ctx, ledger.Voucher{Code: "ZERO", Value: 0, State: ledger.VoucherUnused})
	})
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
}

func TestStore_DuplicateHistoryIDRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	e := ledger.HistoryEntry{ID: "01", CustomerID: "+100", Kind: ledger.EventJoin, At: time.Now()}

	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error { return tx.AppendHistory(ctx, e) }))
	err := store.WithTx(ctx, func(tx ledger.Tx) error { return tx.AppendHistory(ctx, e) })
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
}

func TestStore_HistoryIsAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	e := ledger.HistoryEntry{ID: "01", CustomerID: "+100", Kind: ledger.EventJoin, At: time.Now()}
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error { return tx.AppendHistory(ctx, e) }))

	_, err := store.db.ExecContext(ctx, "UPDATE history SET delta = 5 WHERE id = '01'")
	assert.ErrorContains(t, err, "append-only")

	_, err = store.db.ExecContext(ctx, "DELETE FROM history WHERE id = '01'")
	assert.ErrorContains(t, err, "append-only")
}

// =============================================================================
// DRIVER FAILURES (sqlmock)
// =============================================================================

func TestStore_QueryFailureIsUnavailable(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name, balance, registered_at FROM customers").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.GetCustomer(ctx, "+100")
		return err
	})

	require.Error(t, err)
	assert.True(t, ledger.IsUnavailable(err))
	assert.False(t, errors.Is(err, ledger.ErrCustomerNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_BeginFailureIsUnavailable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	called := false
	err := store.WithTx(context.Background(), func(ledger.Tx) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.True(t, ledger.IsUnavailable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CommitFailureIsUnavailable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	err := store.WithTx(context.Background(), func(ledger.Tx) error { return nil })

	assert.True(t, ledger.IsUnavailable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ConstraintErrorIsInvariant(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO customers").
		WillReturnError(sqlite3.Error{Code: sqlite3.ErrConstraint})
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.PutCustomer(ctx, ledger.Customer{ID: "+100", Name: "Ann", Balance: -5, RegisteredAt: time.Now()})
	})

	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_MigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("read-only file system"))

	_, err = Open(db)
	assert.ErrorContains(t, err, "migrate")
}

func TestTimeLayout_SortsLexically(t *testing.T) {
	a := formatTime(time.Date(2025, 1, 1, 0, 0, 0, 900000000, time.UTC))
	b := formatTime(time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC))
	assert.Less(t, a, b)

	got, err := parseTime(b)
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC).Equal(got))
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("2025-01-01T10:00:00+02:00")
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC).Equal(got))

	_, err = parseTime("not a time")
	assert.Error(t, err)
}
