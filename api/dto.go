/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Messages:
    MessageRequest, MessageResponse, twimlResponse

  Customers:
    CustomerDTO, HistoryEntryDTO, ReconciliationDTO

  Vouchers:
    VoucherDTO, ImportVouchersResponse (request body is factory.VoucherBatchJSON)

  Admin:
    ReconciliationRunDTO

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/vouchers.go: VoucherBatchJSON
*/
package api

import (
	"encoding/xml"
	"time"

	"github.com/warp/loyalty-engine/command"
	"github.com/warp/loyalty-engine/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// MessageRequest is one inbound chat message from a non-SMS channel.
type MessageRequest struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// MessageResponse carries the reply text and the outcome label.
type MessageResponse struct {
	Reply   string `json:"reply"`
	Verb    string `json:"verb,omitempty"`
	Outcome string `json:"outcome"`
}

// twimlResponse is the TwiML body answering a Twilio webhook.
type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message"`
}

// CustomerDTO represents a registered customer.
type CustomerDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Balance      int64  `json:"balance"`
	RegisteredAt string `json:"registered_at"`
}

// HistoryEntryDTO represents one points event.
type HistoryEntryDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Label       string `json:"label"`
	VoucherCode string `json:"voucher_code,omitempty"`
	Delta       int64  `json:"delta"`
	At          string `json:"at"`
}

// ReconciliationDTO compares a stored balance with its history.
type ReconciliationDTO struct {
	CustomerID string `json:"customer_id"`
	Registered bool   `json:"registered"`
	Balance    int64  `json:"balance"`
	HistorySum int64  `json:"history_sum"`
	Entries    int    `json:"entries"`
	Balanced   bool   `json:"balanced"`
}

// VoucherDTO represents a voucher and, once used, who used it.
type VoucherDTO struct {
	Code       string `json:"code"`
	Value      int64  `json:"value"`
	State      string `json:"state"`
	RedeemedBy string `json:"redeemed_by,omitempty"`
	RedeemedAt string `json:"redeemed_at,omitempty"`
}

// ImportVouchersResponse lists created and skipped codes.
type ImportVouchersResponse struct {
	Created []string `json:"created"`
	Skipped []string `json:"skipped"`
}

// ReconciliationRunDTO summarizes one scheduler sweep.
type ReconciliationRunDTO struct {
	ID          string              `json:"id"`
	Status      string              `json:"status"`
	StartedAt   string              `json:"started_at"`
	CompletedAt string              `json:"completed_at,omitempty"`
	Checked     int                 `json:"checked"`
	Failed      int                 `json:"failed"`
	Mismatches  []ReconciliationDTO `json:"mismatches"`
	Error       string              `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCustomerDTO(c ledger.Customer) CustomerDTO {
	return CustomerDTO{
		ID:           string(c.ID),
		Name:         c.Name,
		Balance:      c.Balance,
		RegisteredAt: formatTime(c.RegisteredAt),
	}
}

func toHistoryDTOs(entries []ledger.HistoryEntry) []HistoryEntryDTO {
	out := make([]HistoryEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = HistoryEntryDTO{
			ID:          e.ID,
			Kind:        string(e.Kind),
			Label:       command.EventLabel(e.Kind),
			VoucherCode: string(e.VoucherCode),
			Delta:       e.Delta,
			At:          formatTime(e.At),
		}
	}
	return out
}

func toReconciliationDTO(r ledger.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		CustomerID: string(r.CustomerID),
		Registered: r.Registered,
		Balance:    r.Balance,
		HistorySum: r.HistorySum,
		Entries:    r.Entries,
		Balanced:   r.Balanced(),
	}
}

func toVoucherDTO(v ledger.Voucher) VoucherDTO {
	dto := VoucherDTO{
		Code:       string(v.Code),
		Value:      v.Value,
		State:      string(v.State),
		RedeemedBy: string(v.RedeemedBy),
	}
	if !v.RedeemedAt.IsZero() {
		dto.RedeemedAt = formatTime(v.RedeemedAt)
	}
	return dto
}

func toRunDTO(run ReconciliationRun) ReconciliationRunDTO {
	dto := ReconciliationRunDTO{
		ID:         run.ID,
		Status:     run.Status,
		StartedAt:  formatTime(run.StartedAt),
		Checked:    run.Checked,
		Failed:     run.Failed,
		Mismatches: make([]ReconciliationDTO, len(run.Mismatches)),
		Error:      run.Error,
	}
	if !run.CompletedAt.IsZero() {
		dto.CompletedAt = formatTime(run.CompletedAt)
	}
	for i, m := range run.Mismatches {
		dto.Mismatches[i] = toReconciliationDTO(m)
	}
	return dto
}

func codesToStrings(codes []ledger.VoucherCode) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = string(c)
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
