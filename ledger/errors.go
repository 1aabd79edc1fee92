/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. NotFound - customer or voucher absent (expected, mapped to user guidance)
  2. StoreUnavailable - backend I/O failure or timeout (transient)
  3. InvariantViolation - a transaction would break a ledger invariant

  Business conflicts (voucher already used, insufficient points) are NOT
  errors: they are result variants returned by the Ledger operations.

USAGE:
  Backends wrap driver errors so callers can classify them:

    if ledger.IsUnavailable(err) {
        // reply "try again later"
    }

SEE ALSO:
  - ledger.go: Returns these errors
  - store/sqlite/sqlite.go: Wraps driver errors
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCustomerNotFound is returned by Tx.GetCustomer for unknown ids.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrVoucherNotFound is returned by Tx.GetVoucher for unknown codes.
	ErrVoucherNotFound = errors.New("voucher not found")

	// ErrStoreUnavailable is returned when the backend cannot be reached,
	// a lock or transaction wait times out, or a transaction is aborted.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvariantViolation is returned when a write would break a ledger
	// invariant. It aborts the transaction it occurred in.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	// ErrInvalidArgument is returned for empty ids, names, codes or a
	// non-positive reward cost. The command router never sends these.
	ErrInvalidArgument = errors.New("invalid argument")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InvariantError describes which invariant a transaction would have broken.
type InvariantError struct {
	CustomerID  CustomerID
	VoucherCode VoucherCode
	Detail      string
}

func (e *InvariantError) Error() string {
	switch {
	case e.VoucherCode != "":
		return fmt.Sprintf("invariant violation: %s (customer %s, voucher %s)", e.Detail, e.CustomerID, e.VoucherCode)
	default:
		return fmt.Sprintf("invariant violation: %s (customer %s)", e.Detail, e.CustomerID)
	}
}

// Unwrap lets errors.Is match both ErrInvariantViolation and ErrStoreUnavailable:
// an aborted transaction is reported to callers like any other failed write.
func (e *InvariantError) Unwrap() []error {
	return []error{ErrInvariantViolation, ErrStoreUnavailable}
}

// Unavailable wraps a backend error so it matches ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing customer or voucher.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound) || errors.Is(err, ErrVoucherNotFound)
}

// IsUnavailable returns true for infrastructure failures, including aborted
// transactions. Callers should answer with a generic "try again" reply.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
