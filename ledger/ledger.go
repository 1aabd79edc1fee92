/*
ledger.go - Loyalty points engine

PURPOSE:
  The Ledger is the only component that mutates loyalty state. It exposes
  Register, RedeemVoucher, GetBalance, RedeemForReward, GetHistory and
  Reconcile on top of a Store.

CRITICAL INVARIANTS:
  1. EXACTLY-ONCE: a voucher moves unused -> used once; later attempts get
     VoucherAlreadyUsed and award nothing
  2. NON-NEGATIVE: a balance never drops below zero
  3. RECONCILED: sum(history deltas) == balance for every customer
  4. APPEND-ONLY: one history entry per successful mutation, never edited

CONCURRENCY:
  Each operation:
    1. bounds itself with the configured timeout
    2. takes keyed locks: customer:<id>, then voucher:<code> if needed
    3. runs all reads and writes in one Store.WithTx
  Operations on the same customer are linearized; different customers
  proceed in parallel. Lock order is fixed, so there is no deadlock.

FAILURES:
  Expected outcomes (not registered, invalid voucher, insufficient points)
  are result variants. Only infrastructure failures and aborted
  transactions come back as errors, and they match ErrStoreUnavailable.

SEE ALSO:
  - store.go:   Persistence contract
  - locks.go:   KeyedLocker
  - results.go: Result variants
*/
package ledger

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// CONFIG
// =============================================================================

const (
	// DefaultRewardCost is the number of points a reward costs.
	DefaultRewardCost int64 = 10

	// DefaultTimeout bounds one operation, lock wait included.
	DefaultTimeout = 5 * time.Second
)

// Config tunes a Ledger. Zero values fall back to defaults.
type Config struct {
	RewardCost int64
	Timeout    time.Duration
	Now        func() time.Time
	Logger     logrus.FieldLogger
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store      Store
	locks      *KeyedLocker
	rewardCost int64
	timeout    time.Duration
	now        func() time.Time
	log        logrus.FieldLogger
}

// New creates a Ledger over store.
func New(store Store, cfg Config) *Ledger {
	l := &Ledger{
		store:      store,
		locks:      NewKeyedLocker(),
		rewardCost: cfg.RewardCost,
		timeout:    cfg.Timeout,
		now:        cfg.Now,
		log:        cfg.Logger,
	}
	if l.rewardCost <= 0 {
		l.rewardCost = DefaultRewardCost
	}
	if l.timeout <= 0 {
		l.timeout = DefaultTimeout
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	if l.log == nil {
		l.log = logrus.StandardLogger()
	}
	return l
}

// RewardCost returns the configured cost of one reward.
func (l *Ledger) RewardCost() int64 { return l.rewardCost }

// Timeout returns the bound applied to each operation.
func (l *Ledger) Timeout() time.Duration { return l.timeout }

// run executes fn under the given lock keys inside one transaction.
// Any error that escapes is reported as unavailable.
func (l *Ledger) run(ctx context.Context, op string, keys []string, fn func(ctx context.Context, tx Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	release, err := l.locks.Acquire(ctx, keys...)
	if err != nil {
		return Unavailable(op+": waiting for lock", err)
	}
	defer release()

	err = l.store.WithTx(ctx, func(tx Tx) error {
		return fn(ctx, tx)
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			l.log.WithError(err).WithField("op", op).Error("transaction aborted")
		}
		return Unavailable(op, err)
	}
	return nil
}

func (l *Ledger) newEntry(id CustomerID, kind EventKind, code VoucherCode, delta int64, at time.Time) HistoryEntry {
	return HistoryEntry{
		ID:          ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		CustomerID:  id,
		Kind:        kind,
		VoucherCode: code,
		Delta:       delta,
		At:          at,
	}
}

// =============================================================================
// REGISTER
// =============================================================================

// Register creates a customer with a zero balance. A second call with the
// same id returns AlreadyRegistered with the stored name and changes nothing.
func (l *Ledger) Register(ctx context.Context, id CustomerID, name string) (RegisterResult, error) {
	name = strings.TrimSpace(name)
	if id == "" || name == "" {
		return RegisterResult{}, ErrInvalidArgument
	}

	var res RegisterResult
	err := l.run(ctx, "register", []string{customerKey(id)}, func(ctx context.Context, tx Tx) error {
		existing, err := tx.GetCustomer(ctx, id)
		switch {
		case err == nil:
			res = RegisterResult{Outcome: OutcomeAlreadyRegistered, Name: existing.Name}
			return nil
		case !errors.Is(err, ErrCustomerNotFound):
			return err
		}

		now := l.now()
		if err := tx.PutCustomer(ctx, Customer{ID: id, Name: name, RegisteredAt: now}); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, l.newEntry(id, EventJoin, "", 0, now)); err != nil {
			return err
		}
		res = RegisterResult{Outcome: OutcomeRegistered, Name: name}
		return nil
	})
	if err != nil {
		return RegisterResult{}, err
	}

	l.log.WithFields(logrus.Fields{"customer_id": id, "outcome": res.Outcome}).Debug("register")
	return res, nil
}

// =============================================================================
// REDEEM VOUCHER
// =============================================================================

// RedeemVoucher marks a voucher used and credits its value to the customer.
// Linearizable per voucher code: of N concurrent calls with one code, exactly
// one gets Redeemed and the rest get VoucherAlreadyUsed.
func (l *Ledger) RedeemVoucher(ctx context.Context, id CustomerID, rawCode VoucherCode) (RedeemResult, error) {
	code := NormalizeVoucherCode(string(rawCode))
	if id == "" || code == "" {
		return RedeemResult{}, ErrInvalidArgument
	}

	var res RedeemResult
	keys := []string{customerKey(id), voucherKey(code)}
	err := l.run(ctx, "redeem voucher", keys, func(ctx context.Context, tx Tx) error {
		c, err := tx.GetCustomer(ctx, id)
		if errors.Is(err, ErrCustomerNotFound) {
			res = RedeemResult{Outcome: OutcomeNotRegistered, Code: code}
			return nil
		}
		if err != nil {
			return err
		}

		v, err := tx.GetVoucher(ctx, code)
		if errors.Is(err, ErrVoucherNotFound) {
			res = RedeemResult{Outcome: OutcomeVoucherInvalid, Name: c.Name, Code: code, Balance: c.Balance}
			return nil
		}
		if err != nil {
			return err
		}

		if v.IsUsed() {
			res = RedeemResult{
				Outcome: OutcomeVoucherAlreadyUsed,
				Name:    c.Name,
				Code:    code,
				Balance: c.Balance,
				UsedBy:  v.RedeemedBy,
				UsedAt:  v.RedeemedAt,
			}
			return nil
		}

		if v.Value <= 0 || !v.State.Valid() {
			return &InvariantError{CustomerID: id, VoucherCode: code, Detail: "voucher is malformed"}
		}
		if c.Balance < 0 || c.Balance > math.MaxInt64-v.Value {
			return &InvariantError{CustomerID: id, VoucherCode: code, Detail: "balance out of range"}
		}

		now := l.now()
		v.State = VoucherUsed
		v.RedeemedBy = id
		v.RedeemedAt = now
		c.Balance += v.Value

		if err := tx.PutVoucher(ctx, v); err != nil {
			return err
		}
		if err := tx.PutCustomer(ctx, c); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, l.newEntry(id, EventVoucherRedeemed, code, v.Value, now)); err != nil {
			return err
		}

		res = RedeemResult{Outcome: OutcomeRedeemed, Name: c.Name, Code: code, Balance: c.Balance, Awarded: v.Value}
		return nil
	})
	if err != nil {
		return RedeemResult{}, err
	}

	l.log.WithFields(logrus.Fields{
		"customer_id":  id,
		"voucher_code": code,
		"outcome":      res.Outcome,
	}).Debug("redeem voucher")
	return res, nil
}

// =============================================================================
// BALANCE
// =============================================================================

// GetBalance reads the current balance inside a transaction.
func (l *Ledger) GetBalance(ctx context.Context, id CustomerID) (BalanceResult, error) {
	var res BalanceResult
	err := l.run(ctx, "get balance", []string{customerKey(id)}, func(ctx context.Context, tx Tx) error {
		c, err := tx.GetCustomer(ctx, id)
		if errors.Is(err, ErrCustomerNotFound) {
			res = BalanceResult{Outcome: OutcomeNotRegistered}
			return nil
		}
		if err != nil {
			return err
		}
		res = BalanceResult{Outcome: OutcomeBalance, Name: c.Name, Balance: c.Balance}
		return nil
	})
	if err != nil {
		return BalanceResult{}, err
	}
	return res, nil
}

// =============================================================================
// REDEEM FOR REWARD
// =============================================================================

// RedeemForReward spends cost points. The balance check and the decrement
// happen in the same transaction; a shortfall changes nothing.
func (l *Ledger) RedeemForReward(ctx context.Context, id CustomerID, cost int64) (RewardResult, error) {
	if id == "" || cost <= 0 {
		return RewardResult{}, ErrInvalidArgument
	}

	var res RewardResult
	err := l.run(ctx, "redeem reward", []string{customerKey(id)}, func(ctx context.Context, tx Tx) error {
		c, err := tx.GetCustomer(ctx, id)
		if errors.Is(err, ErrCustomerNotFound) {
			res = RewardResult{Outcome: OutcomeNotRegistered, Cost: cost}
			return nil
		}
		if err != nil {
			return err
		}

		if c.Balance < 0 {
			return &InvariantError{CustomerID: id, Detail: "stored balance is negative"}
		}
		if c.Balance < cost {
			res = RewardResult{Outcome: OutcomeInsufficientPoints, Name: c.Name, Cost: cost, Balance: c.Balance}
			return nil
		}

		now := l.now()
		c.Balance -= cost
		if err := tx.PutCustomer(ctx, c); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, l.newEntry(id, EventRewardRedeemed, "", -cost, now)); err != nil {
			return err
		}
		res = RewardResult{Outcome: OutcomeRedeemed, Name: c.Name, Cost: cost, Balance: c.Balance}
		return nil
	})
	if err != nil {
		return RewardResult{}, err
	}

	l.log.WithFields(logrus.Fields{"customer_id": id, "outcome": res.Outcome}).Debug("redeem reward")
	return res, nil
}

// =============================================================================
// HISTORY
// =============================================================================

// GetHistory returns the customer's history, oldest first. Unknown ids get an
// empty slice, not an error.
func (l *Ledger) GetHistory(ctx context.Context, id CustomerID) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := l.run(ctx, "get history", []string{customerKey(id)}, func(ctx context.Context, tx Tx) error {
		var err error
		entries, err = tx.ListHistory(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	return entries, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile compares the stored balance with the sum of history deltas.
// It only reads; a mismatch is reported, never corrected.
func (l *Ledger) Reconcile(ctx context.Context, id CustomerID) (Reconciliation, error) {
	rec := Reconciliation{CustomerID: id}
	err := l.run(ctx, "reconcile", []string{customerKey(id)}, func(ctx context.Context, tx Tx) error {
		c, err := tx.GetCustomer(ctx, id)
		switch {
		case err == nil:
			rec.Registered = true
			rec.Balance = c.Balance
		case !errors.Is(err, ErrCustomerNotFound):
			return err
		}

		entries, err := tx.ListHistory(ctx, id)
		if err != nil {
			return err
		}
		rec.Entries = len(entries)
		rec.HistorySum = SumDeltas(entries)
		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}
	return rec, nil
}

// CustomerIDs lists every registered customer.
func (l *Ledger) CustomerIDs(ctx context.Context) ([]CustomerID, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ids, err := l.store.ListCustomerIDs(ctx)
	if err != nil {
		return nil, Unavailable("list customers", err)
	}
	return ids, nil
}
