package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/ledger"
)

func TestMemory_RollbackOnError(t *testing.T) {
	// GIVEN: A transaction that writes, then fails
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.PutCustomer(ctx, ledger.Customer{ID: "+100", Name: "Ann"}))
		require.NoError(t, tx.AppendHistory(ctx, ledger.HistoryEntry{ID: "01", CustomerID: "+100", Kind: ledger.EventJoin}))
		return boom
	})

	// THEN: Nothing is visible afterwards
	assert.ErrorIs(t, err, boom)
	err = m.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.GetCustomer(ctx, "+100")
		assert.ErrorIs(t, err, ledger.ErrCustomerNotFound)
		hist, err := tx.ListHistory(ctx, "+100")
		assert.NoError(t, err)
		assert.Empty(t, hist)
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_ReadsOwnWrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.PutVoucher(ctx, ledger.Voucher{Code: "V1", Value: 5, State: ledger.VoucherUnused}))
		v, err := tx.GetVoucher(ctx, "V1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), v.Value)
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_HistoryKeepsAppendOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 10, 0, time.UTC)

	// Timestamps go backwards; order must not follow them
	entries := []ledger.HistoryEntry{
		{ID: "03", CustomerID: "+100", At: t0},
		{ID: "01", CustomerID: "+100", At: t0.Add(-5 * time.Second)},
		{ID: "99", CustomerID: "+200", At: t0},
	}
	for _, e := range entries {
		e := e
		require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error { return tx.AppendHistory(ctx, e) }))
	}

	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		// AND: Uncommitted entries follow committed ones
		require.NoError(t, tx.AppendHistory(ctx, ledger.HistoryEntry{ID: "00", CustomerID: "+100", At: t0.Add(-time.Hour)}))

		hist, err := tx.ListHistory(ctx, "+100")
		require.NoError(t, err)
		require.Len(t, hist, 3)
		assert.Equal(t, []string{"03", "01", "00"}, []string{hist[0].ID, hist[1].ID, hist[2].ID})
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_ConflictingWriteAborts(t *testing.T) {
	// GIVEN: Two transactions that both see V1 as missing
	m := NewMemory()
	ctx := context.Background()
	inside := make(chan struct{})
	proceed := make(chan struct{})
	errc := make(chan error, 1)

	go func() {
		errc <- m.WithTx(ctx, func(tx ledger.Tx) error {
			_, err := tx.GetVoucher(ctx, "V1")
			if !errors.Is(err, ledger.ErrVoucherNotFound) {
				return err
			}
			close(inside)
			<-proceed
			return tx.PutVoucher(ctx, ledger.Voucher{Code: "V1", Value: 1, State: ledger.VoucherUnused})
		})
	}()
	<-inside

	// WHEN: The other one commits first, marking V1 used
	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.GetVoucher(ctx, "V1")
		require.ErrorIs(t, err, ledger.ErrVoucherNotFound)
		return tx.PutVoucher(ctx, ledger.Voucher{Code: "V1", Value: 1, State: ledger.VoucherUsed, RedeemedBy: "+100"})
	})
	require.NoError(t, err)
	close(proceed)

	// THEN: The late writer is rejected and V1 stays used
	err = <-errc
	assert.ErrorIs(t, err, ErrWriteConflict)
	assert.True(t, ledger.IsUnavailable(err))

	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
		v, err := tx.GetVoucher(ctx, "V1")
		require.NoError(t, err)
		assert.Equal(t, ledger.VoucherUsed, v.State)
		return nil
	}))
}

func TestMemory_CancelledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.WithTx(ctx, func(ledger.Tx) error { return nil })
	assert.True(t, ledger.IsUnavailable(err))

	_, err = m.ListCustomerIDs(ctx)
	assert.True(t, ledger.IsUnavailable(err))
}
