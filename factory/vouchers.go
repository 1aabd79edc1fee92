/*
Package factory provides voucher batch conversion and import.

PURPOSE:
  Vouchers are provisioned out-of-band: staff print codes and hand them to
  customers. The factory turns a batch definition (YAML or JSON) into
  ledger.Voucher values and imports them into a Store.

BATCH SCHEMA:
  prefix: GAS          # generated codes are GAS-1 ... GAS-<count>
  value: 1             # points per voucher; 0 = factory default
  count: 100
  start: 1             # first generated number (default 1)
  codes: [WELCOME]     # explicit codes, batch value
  vouchers:            # explicit codes with their own value
    - code: BONUS-5
      value: 5

  The same document is accepted as JSON with identical keys.

KEY FEATURES:
  - Codes are normalized (trimmed, upper-cased) like user input
  - Duplicate codes inside a batch are rejected
  - Import never overwrites an existing voucher, so a used voucher can
    never be reset to unused by re-importing a batch

USAGE:
  f := factory.NewVoucherFactory(1)
  vouchers, err := f.ParseFile("vouchers.yaml")
  res, err := factory.Import(ctx, store, vouchers)

SEE ALSO:
  - ledger/types.go: Voucher type
  - api/handlers.go: POST /api/vouchers
*/
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/warp/loyalty-engine/ledger"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// BATCH SCHEMA TYPES
// =============================================================================

// VoucherBatchJSON is the serialized form of a voucher batch.
type VoucherBatchJSON struct {
	Prefix   string        `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Value    int64         `json:"value,omitempty" yaml:"value,omitempty"`
	Count    int           `json:"count,omitempty" yaml:"count,omitempty"`
	Start    int           `json:"start,omitempty" yaml:"start,omitempty"`
	Codes    []string      `json:"codes,omitempty" yaml:"codes,omitempty"`
	Vouchers []VoucherJSON `json:"vouchers,omitempty" yaml:"vouchers,omitempty"`
}

// VoucherJSON is one explicit voucher.
type VoucherJSON struct {
	Code  string `json:"code" yaml:"code"`
	Value int64  `json:"value,omitempty" yaml:"value,omitempty"`
}

// MaxBatchSize caps generated codes per batch.
const MaxBatchSize = 100000

// =============================================================================
// VOUCHER FACTORY
// =============================================================================

// VoucherFactory converts batch definitions into vouchers.
type VoucherFactory struct {
	DefaultValue int64
}

// NewVoucherFactory creates a factory whose vouchers are worth defaultValue
// points unless the batch says otherwise. Non-positive means 1.
func NewVoucherFactory(defaultValue int64) *VoucherFactory {
	if defaultValue <= 0 {
		defaultValue = 1
	}
	return &VoucherFactory{DefaultValue: defaultValue}
}

// ParseJSON parses a JSON batch.
func (f *VoucherFactory) ParseJSON(data []byte) ([]ledger.Voucher, error) {
	var bj VoucherBatchJSON
	if err := json.Unmarshal(data, &bj); err != nil {
		return nil, fmt.Errorf("failed to parse voucher batch JSON: %w", err)
	}
	return f.FromJSON(bj)
}

// ParseYAML parses a YAML batch.
func (f *VoucherFactory) ParseYAML(data []byte) ([]ledger.Voucher, error) {
	var bj VoucherBatchJSON
	if err := yaml.Unmarshal(data, &bj); err != nil {
		return nil, fmt.Errorf("failed to parse voucher batch YAML: %w", err)
	}
	return f.FromJSON(bj)
}

// ParseFile reads a batch file; ".json" is parsed as JSON, anything else as YAML.
func (f *VoucherFactory) ParseFile(path string) ([]ledger.Voucher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read voucher batch: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return f.ParseJSON(data)
	}
	return f.ParseYAML(data)
}

// FromJSON builds unused vouchers from a batch definition.
func (f *VoucherFactory) FromJSON(bj VoucherBatchJSON) ([]ledger.Voucher, error) {
	if bj.Value < 0 {
		return nil, fmt.Errorf("voucher value must not be negative: %d", bj.Value)
	}
	if bj.Count < 0 || bj.Count > MaxBatchSize {
		return nil, fmt.Errorf("voucher count out of range: %d", bj.Count)
	}
	if bj.Count > 0 && strings.TrimSpace(bj.Prefix) == "" {
		return nil, errors.New("voucher count requires a prefix")
	}

	batchValue := bj.Value
	if batchValue == 0 {
		batchValue = f.DefaultValue
	}

	seen := make(map[ledger.VoucherCode]bool)
	var vouchers []ledger.Voucher
	add := func(raw string, value int64) error {
		code := ledger.NormalizeVoucherCode(raw)
		if code == "" {
			return errors.New("voucher code must not be empty")
		}
		if seen[code] {
			return fmt.Errorf("duplicate voucher code in batch: %s", code)
		}
		seen[code] = true
		vouchers = append(vouchers, ledger.Voucher{Code: code, Value: value, State: ledger.VoucherUnused})
		return nil
	}

	start := bj.Start
	if start == 0 {
		start = 1
	}
	for i := 0; i < bj.Count; i++ {
		if err := add(fmt.Sprintf("%s-%d", strings.TrimSpace(bj.Prefix), start+i), batchValue); err != nil {
			return nil, err
		}
	}
	for _, c := range bj.Codes {
		if err := add(c, batchValue); err != nil {
			return nil, err
		}
	}
	for _, vj := range bj.Vouchers {
		value := vj.Value
		switch {
		case value < 0:
			return nil, fmt.Errorf("voucher %s: value must not be negative", vj.Code)
		case value == 0:
			value = batchValue
		}
		if err := add(vj.Code, value); err != nil {
			return nil, err
		}
	}

	if len(vouchers) == 0 {
		return nil, errors.New("voucher batch is empty")
	}
	return vouchers, nil
}

// =============================================================================
// IMPORT
// =============================================================================

// ImportResult counts what an import did.
type ImportResult struct {
	Created []ledger.VoucherCode
	Skipped []ledger.VoucherCode
}

// Import writes vouchers in one transaction. Codes that already exist are
// skipped, whatever their state. Transactions implementing
// ledger.VoucherCreator insert without a read per code.
func Import(ctx context.Context, store ledger.Store, vouchers []ledger.Voucher) (ImportResult, error) {
	var res ImportResult
	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		res = ImportResult{}
		creator, ok := tx.(ledger.VoucherCreator)
		if !ok {
			creator = readThenPut{tx}
		}

		for _, v := range vouchers {
			v.State = ledger.VoucherUnused
			v.RedeemedBy = ""
			v.RedeemedAt = time.Time{}

			created, err := creator.CreateVoucher(ctx, v)
			if err != nil {
				return err
			}
			if created {
				res.Created = append(res.Created, v.Code)
			} else {
				res.Skipped = append(res.Skipped, v.Code)
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	return res, nil
}

// readThenPut creates vouchers through the plain Tx methods.
type readThenPut struct {
	tx ledger.Tx
}

func (r readThenPut) CreateVoucher(ctx context.Context, v ledger.Voucher) (bool, error) {
	_, err := r.tx.GetVoucher(ctx, v.Code)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, ledger.ErrVoucherNotFound):
		return false, err
	}
	if err := r.tx.PutVoucher(ctx, v); err != nil {
		return false, err
	}
	return true, nil
}
