package ledger

import "time"

// =============================================================================
// RESULT VARIANTS - Expected business outcomes (not errors)
// =============================================================================

// Outcome names the variant carried by a result.
type Outcome string

const (
	OutcomeRegistered         Outcome = "registered"
	OutcomeAlreadyRegistered  Outcome = "already_registered"
	OutcomeNotRegistered      Outcome = "not_registered"
	OutcomeVoucherInvalid     Outcome = "voucher_invalid"
	OutcomeVoucherAlreadyUsed Outcome = "voucher_already_used"
	OutcomeRedeemed           Outcome = "redeemed"
	OutcomeBalance            Outcome = "balance"
	OutcomeInsufficientPoints Outcome = "insufficient_points"
)

// RegisterResult is Registered(Name) or AlreadyRegistered(Name).
// For AlreadyRegistered, Name is the name stored at first registration.
type RegisterResult struct {
	Outcome Outcome
	Name    string
}

// RedeemResult is the outcome of RedeemVoucher.
//
//	NotRegistered
//	VoucherInvalid(Name)
//	VoucherAlreadyUsed(Name, UsedBy, UsedAt)
//	Redeemed(Name, Balance, Awarded)
type RedeemResult struct {
	Outcome Outcome
	Name    string
	Code    VoucherCode
	Balance int64
	Awarded int64
	UsedBy  CustomerID
	UsedAt  time.Time
}

// BalanceResult is NotRegistered or Balance(Name, Balance).
type BalanceResult struct {
	Outcome Outcome
	Name    string
	Balance int64
}

// RewardResult is NotRegistered, InsufficientPoints(Balance, Cost) or
// Redeemed(Balance, Cost) where Balance is what remains.
type RewardResult struct {
	Outcome Outcome
	Name    string
	Cost    int64
	Balance int64
}

// Reconciliation compares a customer's stored balance with its history.
type Reconciliation struct {
	CustomerID CustomerID
	Registered bool
	Balance    int64
	HistorySum int64
	Entries    int
}

// Balanced reports whether the reconciliation invariant holds.
func (r Reconciliation) Balanced() bool { return r.Balance == r.HistorySum }
