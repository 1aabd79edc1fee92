package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/ledger"
)

func TestClassify(t *testing.T) {
	check := &pgconn.PgError{Code: "23514", Message: "violates check constraint"}
	err := classify("put customer", fmt.Errorf("exec: %w", check), "+100", "")
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
	assert.Contains(t, err.Error(), "violates check constraint")

	unique := &pgconn.PgError{Code: "23505"}
	assert.ErrorIs(t, classify("append history", unique, "+100", ""), ledger.ErrInvariantViolation)

	serialization := &pgconn.PgError{Code: "40001"}
	err = classify("put voucher", serialization, "+100", "V1")
	assert.True(t, ledger.IsUnavailable(err))
	assert.False(t, errors.Is(err, ledger.ErrInvariantViolation))

	assert.True(t, ledger.IsUnavailable(classify("x", errors.New("conn reset"), "", "")))
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(context.Background(), Config{DatabaseURL: "postgres://loyalty@localhost:notaport/loyalty"})
	assert.Error(t, err)
}

func TestPoolConfig_URLLimitsKeptUnlessOverridden(t *testing.T) {
	url := "postgres://loyalty@localhost:5432/loyalty?pool_max_conns=7&pool_min_conns=3"

	pcfg, err := poolConfig(Config{DatabaseURL: url})
	require.NoError(t, err)
	assert.Equal(t, int32(7), pcfg.MaxConns)
	assert.Equal(t, int32(3), pcfg.MinConns)

	pcfg, err = poolConfig(Config{DatabaseURL: url, MaxConns: 12, MinConns: 2})
	require.NoError(t, err)
	assert.Equal(t, int32(12), pcfg.MaxConns)
	assert.Equal(t, int32(2), pcfg.MinConns)
}

// =============================================================================
// INTEGRATION (requires LOYALTY_TEST_DATABASE_URL)
// =============================================================================

func newIntegrationStore(t *testing.T) *Store {
	url := os.Getenv("LOYALTY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LOYALTY_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	store, err := New(ctx, Config{DatabaseURL: url, MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.pool.Exec(ctx, `TRUNCATE customers, vouchers, history`)
	require.NoError(t, err)
	return store
}

func TestIntegration_ExactlyOnceAcrossConnections(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	// GIVEN: 10 customers and one voucher
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.PutVoucher(ctx, ledger.Voucher{Code: "HOT", Value: 4, State: ledger.VoucherUnused})
	}))

	// Separate ledgers: no shared in-process locks, only the database
	ledgers := make([]*ledger.Ledger, 10)
	for i := range ledgers {
		ledgers[i] = ledger.New(store, ledger.Config{Timeout: 10 * time.Second})
		_, err := ledgers[i].Register(ctx, ledger.CustomerID(fmt.Sprintf("+%d", i)), "C")
		require.NoError(t, err)
	}

	// WHEN: They all redeem the same voucher
	var wg sync.WaitGroup
	var mu sync.Mutex
	redeemed := 0
	for i, l := range ledgers {
		wg.Add(1)
		go func(i int, l *ledger.Ledger) {
			defer wg.Done()
			res, err := l.RedeemVoucher(ctx, ledger.CustomerID(fmt.Sprintf("+%d", i)), "HOT")
			if assert.NoError(t, err) && res.Outcome == ledger.OutcomeRedeemed {
				mu.Lock()
				redeemed++
				mu.Unlock()
			}
		}(i, l)
	}
	wg.Wait()

	// THEN: Exactly one succeeds
	assert.Equal(t, 1, redeemed)
}

func TestIntegration_HistoryInInsertOrder(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 9, 0, 10, 0, time.UTC)

	// Second entry carries an earlier timestamp (clock stepped back)
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.AppendHistory(ctx, ledger.HistoryEntry{ID: "b", CustomerID: "+1", Kind: ledger.EventJoin, At: t0}); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, ledger.HistoryEntry{ID: "a", CustomerID: "+1", Kind: ledger.EventVoucherRedeemed, Delta: 1, At: t0.Add(-5 * time.Second)})
	}))

	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		hist, err := tx.ListHistory(ctx, "+1")
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, []string{"b", "a"}, []string{hist[0].ID, hist[1].ID})
		return nil
	}))
}

func TestIntegration_ImportLargeBatch(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	// GIVEN: One existing, used voucher
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.PutVoucher(ctx, ledger.Voucher{Code: "BULK-1", Value: 1, State: ledger.VoucherUsed, RedeemedBy: "+1", RedeemedAt: time.Now()})
	}))

	// WHEN: Importing more codes than the default lock table holds
	const n = 20000
	var created, skipped int
	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		creator := tx.(ledger.VoucherCreator)
		for i := 1; i <= n; i++ {
			ok, err := creator.CreateVoucher(ctx, ledger.Voucher{Code: ledger.VoucherCode(fmt.Sprintf("BULK-%d", i)), Value: 1})
			if err != nil {
				return err
			}
			if ok {
				created++
			} else {
				skipped++
			}
		}
		return nil
	})

	// THEN: The batch commits and the used voucher is untouched
	require.NoError(t, err)
	assert.Equal(t, n-1, created)
	assert.Equal(t, 1, skipped)
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		v, err := tx.GetVoucher(ctx, "BULK-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.VoucherUsed, v.State)
		return nil
	}))
}

func TestIntegration_NegativeBalanceRejected(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.PutCustomer(ctx, ledger.Customer{ID: "+1", Name: "Ann", Balance: -1, RegisteredAt: time.Now()})
	})
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
}
