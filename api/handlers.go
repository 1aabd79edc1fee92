/*
handlers.go - HTTP request handlers for the loyalty API

PURPOSE:
  Implements all HTTP endpoint handlers. Each handler:
  1. Parses and validates request
  2. Calls the ledger, command router or store
  3. Returns TwiML or JSON response

ENDPOINTS:
  Messaging:
    POST /webhook/sms        - Twilio webhook (form From, Body), TwiML reply
    POST /api/messages       - JSON {sender, text} for other channels

  Customers:
    GET  /api/customers/{id}                 - Name, balance
    GET  /api/customers/{id}/history         - Points history
    GET  /api/customers/{id}/reconciliation  - Balance vs history sum

  Vouchers:
    POST /api/vouchers        - Provision a batch (JSON or YAML body)
    GET  /api/vouchers/{code} - Voucher state

  Admin:
    GET  /api/reconciliation/runs - Recent scheduler sweeps
    GET  /healthz                 - Store reachability

ERROR HANDLING:
  - 400: Invalid request (bad JSON, missing fields)
  - 404: Customer or voucher not found
  - 429: Sender exceeded its message rate
  - 503: Store unavailable or operation timed out
  - 500: Anything else

  Business outcomes (voucher already used, insufficient points, ...) are
  never errors: the chat endpoints always answer 200 with the reply text.

SEE ALSO:
  - server.go: Route definitions
  - dto.go: Request/response types
  - command/router.go: Chat command dispatch
*/
package api

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/command"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/ledger"
)

// maxBodyBytes bounds request bodies, voucher batches included.
const maxBodyBytes = 4 << 20

// DefaultImportTimeout bounds one voucher import transaction.
const DefaultImportTimeout = time.Minute

// whatsappPrefix is stripped from Twilio senders so one phone number maps to
// one customer whatever the channel.
const whatsappPrefix = "whatsapp:"

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Ledger    *ledger.Ledger
	Commands  *command.Router
	Store     ledger.Store
	Vouchers  *factory.VoucherFactory
	Scheduler *ReconciliationScheduler
	Limiter   *SenderLimiter
	Log       logrus.FieldLogger

	// ImportTimeout bounds POST /api/vouchers. Other direct store reads
	// use the ledger's operation timeout.
	ImportTimeout time.Duration
}

// NewHandler wires a handler around one ledger and its store.
func NewHandler(l *ledger.Ledger, store ledger.Store, vouchers *factory.VoucherFactory, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if vouchers == nil {
		vouchers = factory.NewVoucherFactory(1)
	}
	return &Handler{
		Ledger:   l,
		Commands: command.NewRouter(l, log),
		Store:    store,
		Vouchers: vouchers,
		Log:      log,

		ImportTimeout: DefaultImportTimeout,
	}
}

// =============================================================================
// MESSAGING ENDPOINTS
// =============================================================================

// SMSWebhook answers a Twilio SMS or WhatsApp webhook.
// POST /webhook/sms
func (h *Handler) SMSWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	sender := normalizeSender(r.PostFormValue("From"))
	if sender == "" {
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}
	if !h.Limiter.Allow(sender) {
		rateLimited.Inc()
		h.logger(r).WithField("customer_id", sender).Warn("rate limit exceeded")
		http.Error(w, "too many messages", http.StatusTooManyRequests)
		return
	}

	reply := h.handleMessage(r.Context(), sender, r.PostFormValue("Body"))
	writeTwiML(w, http.StatusOK, reply.Text)
}

// PostMessage answers one chat message sent as JSON.
// POST /api/messages
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.Sender = normalizeSender(req.Sender)
	if req.Sender == "" {
		writeError(w, http.StatusBadRequest, "sender is required", nil)
		return
	}
	if !h.Limiter.Allow(req.Sender) {
		rateLimited.Inc()
		writeError(w, http.StatusTooManyRequests, "Too many messages", nil)
		return
	}

	reply := h.handleMessage(r.Context(), req.Sender, req.Text)
	writeJSON(w, http.StatusOK, MessageResponse{
		Reply:   reply.Text,
		Verb:    string(reply.Verb),
		Outcome: reply.Outcome,
	})
}

func (h *Handler) handleMessage(ctx context.Context, sender, text string) command.Reply {
	reply := h.Commands.Handle(ctx, sender, text)
	observeCommand(reply)
	h.Log.WithFields(logrus.Fields{
		"customer_id": sender,
		"verb":        reply.Verb,
		"outcome":     reply.Outcome,
	}).Info("message handled")
	return reply
}

// =============================================================================
// CUSTOMER ENDPOINTS
// =============================================================================

// GetCustomer returns a registered customer.
// GET /api/customers/{id}
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id := ledger.CustomerID(chi.URLParam(r, "id"))

	ctx, cancel := h.storeContext(r)
	defer cancel()

	var c ledger.Customer
	err := h.Store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		c, err = tx.GetCustomer(ctx, id)
		return err
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// GetHistory returns a customer's history, oldest first. Unknown customers
// get an empty list.
// GET /api/customers/{id}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := ledger.CustomerID(chi.URLParam(r, "id"))

	entries, err := h.Ledger.GetHistory(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get history", err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTOs(entries))
}

// GetReconciliation compares a customer's balance with its history sum.
// GET /api/customers/{id}/reconciliation
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	id := ledger.CustomerID(chi.URLParam(r, "id"))

	rec, err := h.Ledger.Reconcile(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rec))
}

// =============================================================================
// VOUCHER ENDPOINTS
// =============================================================================

// CreateVouchers provisions a batch. Existing codes are skipped.
// POST /api/vouchers
func (h *Handler) CreateVouchers(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var vouchers []ledger.Voucher
	if isYAML(r.Header.Get("Content-Type")) {
		vouchers, err = h.Vouchers.ParseYAML(body)
	} else {
		vouchers, err = h.Vouchers.ParseJSON(body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid voucher batch", err)
		return
	}

	timeout := h.ImportTimeout
	if timeout <= 0 {
		timeout = DefaultImportTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	res, err := factory.Import(ctx, h.Store, vouchers)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to import vouchers", err)
		return
	}

	h.logger(r).WithFields(logrus.Fields{
		"created": len(res.Created),
		"skipped": len(res.Skipped),
	}).Info("vouchers imported")

	writeJSON(w, http.StatusCreated, ImportVouchersResponse{
		Created: codesToStrings(res.Created),
		Skipped: codesToStrings(res.Skipped),
	})
}

// GetVoucher returns a voucher's state.
// GET /api/vouchers/{code}
func (h *Handler) GetVoucher(w http.ResponseWriter, r *http.Request) {
	code := ledger.NormalizeVoucherCode(chi.URLParam(r, "code"))

	ctx, cancel := h.storeContext(r)
	defer cancel()

	var v ledger.Voucher
	err := h.Store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		v, err = tx.GetVoucher(ctx, code)
		return err
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get voucher", err)
		return
	}
	writeJSON(w, http.StatusOK, toVoucherDTO(v))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// ListReconciliationRuns returns recent scheduler sweeps, newest first.
// GET /api/reconciliation/runs
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	dtos := []ReconciliationRunDTO{}
	if h.Scheduler != nil {
		for _, run := range h.Scheduler.Runs() {
			dtos = append(dtos, toRunDTO(run))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerReconciliation runs a sweep now and returns it.
// POST /api/reconciliation/runs
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Reconciliation scheduler not configured", nil)
		return
	}
	run := h.Scheduler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// Healthz reports whether the store accepts transactions.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.storeContext(r)
	defer cancel()

	err := h.Store.WithTx(ctx, func(ledger.Tx) error { return nil })
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// storeContext applies the ledger's operation timeout to direct store access.
func (h *Handler) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.Ledger.Timeout())
}

// normalizeSender trims the sender and drops Twilio's channel prefix.
func normalizeSender(s string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), whatsappPrefix))
}

func (h *Handler) logger(r *http.Request) logrus.FieldLogger {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return h.Log.WithField("request_id", id)
	}
	return h.Log
}

// writeLedgerError maps ledger sentinels to HTTP statuses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, message string, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, message, err)
	case ledger.IsUnavailable(err):
		h.logger(r).WithError(err).Error(message)
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		h.logger(r).WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func isYAML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/yaml" || mt == "application/x-yaml" || mt == "text/yaml"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeTwiML(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, xml.Header)
	xml.NewEncoder(w).Encode(twimlResponse{Message: message})
}
