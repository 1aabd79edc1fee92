/*
Package ledger provides the loyalty points engine.

PURPOSE:
  Owns customer records, voucher state, point balances and the points
  history. Every mutation runs inside one Store transaction, so a voucher
  is consumed at most once and every balance change is auditable.

KEY CONCEPTS IN THIS FILE (types.go):
  - Customer:     A registered chat sender with a point balance
  - Voucher:      A single-use code, pre-provisioned, redeemable for points
  - HistoryEntry: An immutable record of one balance-affecting event
  - Identifiers:  Type-safe ids so customer ids and voucher codes never mix

DESIGN PRINCIPLES:
  1. Store owns state: the Ledger never caches customers or vouchers
  2. Append-only history: entries are never edited or deleted
  3. Integer points: balances and deltas are whole numbers

SEE ALSO:
  - store.go:  Persistence contract
  - ledger.go: Operations (Register, RedeemVoucher, ...)
  - errors.go: Sentinel and structured errors
*/
package ledger

import (
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// CustomerID is the external sender identity (a phone number for WhatsApp).
type CustomerID string

// VoucherCode identifies a voucher. Codes are stored upper-case.
type VoucherCode string

// NormalizeVoucherCode trims whitespace and upper-cases a code as typed by a user.
func NormalizeVoucherCode(raw string) VoucherCode {
	return VoucherCode(strings.ToUpper(strings.TrimSpace(raw)))
}

// =============================================================================
// CUSTOMER
// =============================================================================

// Customer is a registered loyalty member.
// Balance is never negative.
type Customer struct {
	ID           CustomerID
	Name         string
	Balance      int64
	RegisteredAt time.Time
}

// =============================================================================
// VOUCHER
// =============================================================================

// VoucherState is the lifecycle state of a voucher.
type VoucherState string

const (
	VoucherUnused VoucherState = "unused"
	VoucherUsed   VoucherState = "used"
)

// Valid reports whether s is a known state.
func (s VoucherState) Valid() bool {
	return s == VoucherUnused || s == VoucherUsed
}

// Voucher is a single-use code worth Value points.
// Once State is VoucherUsed, RedeemedBy and RedeemedAt never change.
type Voucher struct {
	Code       VoucherCode
	Value      int64
	State      VoucherState
	RedeemedBy CustomerID
	RedeemedAt time.Time
}

// IsUsed reports whether the voucher has been redeemed.
func (v Voucher) IsUsed() bool { return v.State == VoucherUsed }

// =============================================================================
// HISTORY
// =============================================================================

// EventKind classifies a history entry.
type EventKind string

const (
	EventJoin            EventKind = "join"
	EventVoucherRedeemed EventKind = "voucher_redeemed"
	EventRewardRedeemed  EventKind = "reward_redeemed"
)

// HistoryEntry records one successful mutating operation.
// Entries are append-only; the sum of Delta for a customer equals its balance.
type HistoryEntry struct {
	ID          string // ULID, sortable by creation time
	CustomerID  CustomerID
	Kind        EventKind
	VoucherCode VoucherCode // empty unless Kind == EventVoucherRedeemed
	Delta       int64
	At          time.Time
}

// SumDeltas returns the net point change across entries.
func SumDeltas(entries []HistoryEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Delta
	}
	return total
}
