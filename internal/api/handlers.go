/**
 * @description
 * This file contains the HTTP handlers for the transfer-service API. Handlers
 * parse and validate requests, call into the application service, and map
 * service errors to HTTP status codes. Every response uses the same envelope
 * so internal callers can check a single `success` field.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: Business logic and models.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/transfer-service/internal/app"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

// TransferHandlers bundles the HTTP handlers around the transfer service.
type TransferHandlers struct {
	service *app.Service
}

func NewTransferHandlers(service *app.Service) *TransferHandlers {
	return &TransferHandlers{service: service}
}

// envelope is the uniform response wrapper for every endpoint.
type envelope struct {
	Success      bool        `json:"success"`
	Data         interface{} `json:"data,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

func (h *TransferHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// writeResult reports a submission the service rejected with a result-level
// error code rather than a transport error.
func (h *TransferHandlers) writeResult(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Data: data})
}

// writeError is a helper for writing JSON error responses.
func (h *TransferHandlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, ErrorMessage: message})
}

// mapTransferError folds service errors into HTTP responses.
func mapTransferError(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrWalletOwnership):
		return http.StatusForbidden, "Wallet does not belong to the client."
	case errors.Is(err, store.ErrTransferNotFound):
		return http.StatusNotFound, "Transfer not found."
	case errors.Is(err, app.ErrTransferTerminal):
		return http.StatusConflict, "Transfer is already completed or cancelled."
	}
	var rateLimited *app.RateLimitError
	if errors.As(err, &rateLimited) {
		return http.StatusTooManyRequests, "Too many transfer submissions. Please try again later."
	}
	return http.StatusInternalServerError, "Could not process transfer request."
}

// TransferByPhoneHandler handles new transfer submissions.
func (h *TransferHandlers) TransferByPhoneHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.TransferByPhoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload.")
		return
	}
	if req.ClientIP == "" {
		req.ClientIP = clientIPFromRequest(r)
	}

	result, err := h.service.TransferByPhone(r.Context(), req)
	if err != nil {
		var rateLimited *app.RateLimitError
		if errors.As(err, &rateLimited) && rateLimited.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
		}
		status, msg := mapTransferError(err)
		if status == http.StatusInternalServerError {
			log.Printf("level=error component=api endpoint=transfer_by_phone outcome=failed client_id=%s err=%v", req.ClientID, err)
		}
		h.writeError(w, status, msg)
		return
	}

	if result.ErrorCode != domain.ErrorCodeOK && result.ErrorCode != "" {
		h.writeResult(w, http.StatusBadRequest, result)
		return
	}

	h.writeJSON(w, http.StatusCreated, result)
}

// GetTransferHandler returns one transfer by id.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transferIDFromURL(w, r)
	if !ok {
		return
	}

	t, err := h.service.GetTransfer(r.Context(), id)
	if err != nil {
		status, msg := mapTransferError(err)
		if status == http.StatusInternalServerError {
			log.Printf("level=error component=api endpoint=get_transfer outcome=failed transfer_id=%d err=%v", id, err)
		}
		h.writeError(w, status, msg)
		return
	}

	h.writeJSON(w, http.StatusOK, t)
}

// CancelTransferHandler requests cancellation of a transfer.
func (h *TransferHandlers) CancelTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transferIDFromURL(w, r)
	if !ok {
		return
	}

	t, err := h.service.CancelTransfer(r.Context(), id)
	if err != nil {
		status, msg := mapTransferError(err)
		if status == http.StatusInternalServerError {
			log.Printf("level=error component=api endpoint=cancel_transfer outcome=failed transfer_id=%d err=%v", id, err)
		}
		h.writeError(w, status, msg)
		return
	}

	h.writeJSON(w, http.StatusAccepted, t)
}

// RetryTransferHandler unfreezes a failed transfer.
func (h *TransferHandlers) RetryTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transferIDFromURL(w, r)
	if !ok {
		return
	}

	t, err := h.service.RetryTransfer(r.Context(), id)
	if err != nil {
		status, msg := mapTransferError(err)
		if status == http.StatusInternalServerError {
			log.Printf("level=error component=api endpoint=retry_transfer outcome=failed transfer_id=%d err=%v", id, err)
		}
		h.writeError(w, status, msg)
		return
	}

	h.writeJSON(w, http.StatusAccepted, t)
}

// ResendVerificationHandler re-sends the sender approval challenge.
func (h *TransferHandlers) ResendVerificationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transferIDFromURL(w, r)
	if !ok {
		return
	}

	if err := h.service.ResendVerification(r.Context(), id); err != nil {
		status, msg := mapTransferError(err)
		if status == http.StatusInternalServerError {
			log.Printf("level=error component=api endpoint=resend_verification outcome=failed transfer_id=%d err=%v", id, err)
		}
		h.writeError(w, status, msg)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "verification_resent"})
}

// ListTransfersHandler returns one page of transfer history.
func (h *TransferHandlers) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	q, err := parseTransferQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.service.GetTransfers(r.Context(), q)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_transfers outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Could not retrieve transfers.")
		return
	}

	h.writeJSON(w, http.StatusOK, page)
}

// InProgressHandler returns a client's in-flight totals for one asset.
func (h *TransferHandlers) InProgressHandler(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	asset := strings.TrimSpace(r.URL.Query().Get("asset"))

	summary, err := h.service.GetInProgress(r.Context(), clientID, asset)
	if err != nil {
		status, msg := mapTransferError(err)
		if status == http.StatusInternalServerError {
			log.Printf("level=error component=api endpoint=in_progress outcome=failed client_id=%s asset=%s err=%v", clientID, asset, err)
		}
		h.writeError(w, status, msg)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

func (h *TransferHandlers) transferIDFromURL(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer ID")
		return 0, false
	}
	return id, true
}

// parseTransferQuery extracts list filters from query parameters.
func parseTransferQuery(r *http.Request) (domain.TransferQuery, error) {
	var q domain.TransferQuery
	query := r.URL.Query()

	if raw := strings.TrimSpace(query.Get("last_id")); raw != "" {
		lastID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || lastID < 0 {
			return q, errors.New("invalid last_id")
		}
		q.LastID = lastID
	}
	if raw := strings.TrimSpace(query.Get("batch_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			return q, errors.New("invalid batch_size")
		}
		q.BatchSize = size
	}

	q.WalletID = strings.TrimSpace(query.Get("wallet_id"))
	q.ClientID = strings.TrimSpace(query.Get("client_id"))
	q.TransactionID = strings.TrimSpace(query.Get("transaction_id"))
	q.AssetSymbol = strings.TrimSpace(query.Get("asset"))

	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status := domain.TransferStatus(raw)
		switch status {
		case domain.StatusNew, domain.StatusApprovalPending, domain.StatusPending,
			domain.StatusWaitingForUser, domain.StatusCompleted, domain.StatusCancelled:
			q.Status = &status
		default:
			return q, errors.New("invalid status")
		}
	}

	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, errors.New("invalid from timestamp")
		}
		q.EventDateFrom = &from
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, errors.New("invalid to timestamp")
		}
		q.EventDateTo = &to
	}

	return q, nil
}

// clientIPFromRequest extracts the caller IP, preferring proxy headers.
func clientIPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
