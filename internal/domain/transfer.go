/**
 * @description
 * This file defines the core domain models for the transfer-service.
 * A Transfer is the aggregate root for a phone-number transfer: a sender
 * moves funds to a recipient addressed by phone number, and the recipient
 * may not be a registered client yet.
 *
 * @notes
 * - `Status` tracks business progress while `WorkflowState` tracks retry
 *   bookkeeping; the two axes vary independently and must not be collapsed.
 * - Amounts use shopspring/decimal to avoid floating-point drift with
 *   financial data.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus is the business state of a transfer. Transitions only move
// forward; Completed and Cancelled are terminal.
type TransferStatus string

const (
	StatusNew             TransferStatus = "new"
	StatusApprovalPending TransferStatus = "approval_pending"
	StatusPending         TransferStatus = "pending"
	StatusWaitingForUser  TransferStatus = "waiting_for_user"
	StatusCompleted       TransferStatus = "completed"
	StatusCancelled       TransferStatus = "cancelled"
)

// IsTerminal reports whether no handler will ever move the transfer again.
func (s TransferStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// WorkflowState is the retry/failure bookkeeping axis, orthogonal to Status.
type WorkflowState string

const (
	WorkflowOK       WorkflowState = "ok"
	WorkflowRetrying WorkflowState = "retrying"
	// WorkflowFailed freezes the record: the processor excludes it from every
	// sweep until an explicit retry request resets it.
	WorkflowFailed WorkflowState = "failed"
)

// ErrorCode is the closed set of outcomes the ledger and submission paths
// report to callers.
type ErrorCode string

const (
	ErrorCodeOK             ErrorCode = "ok"
	ErrorCodeInternalError  ErrorCode = "internal_error"
	ErrorCodeLowBalance     ErrorCode = "low_balance"
	ErrorCodeWalletNotFound ErrorCode = "wallet_not_found"
	ErrorCodeInvalidPhone   ErrorCode = "invalid_phone"
)

// Transfer represents one phone-number transfer record. It maps directly to
// the `transfers` table; TransactionID carries the unique idempotency key
// that makes repeated submissions and repeated processor passes safe.
type Transfer struct {
	ID                     int64           `json:"id"`
	BrokerID               string          `json:"broker_id"`
	ClientID               string          `json:"client_id"`
	WalletID               string          `json:"wallet_id"`
	TransactionID          string          `json:"transaction_id"`
	Amount                 decimal.Decimal `json:"amount"`
	AssetSymbol            string          `json:"asset_symbol"`
	SenderPhoneNumber      *string         `json:"sender_phone_number,omitempty"`
	SenderName             *string         `json:"sender_name,omitempty"`
	DestinationPhoneNumber string          `json:"destination_phone_number"`
	DestinationClientID    *string         `json:"destination_client_id,omitempty"`
	DestinationWalletID    *string         `json:"destination_wallet_id,omitempty"`
	Status                 TransferStatus  `json:"status"`
	WorkflowState          WorkflowState   `json:"workflow_state"`
	RetriesCount           int             `json:"retries_count"`
	LastError              *string         `json:"last_error,omitempty"`
	Cancelling             bool            `json:"cancelling"`
	RefundTransactionID    *string         `json:"refund_transaction_id,omitempty"`
	MatchingEngineID       *string         `json:"matching_engine_id,omitempty"`
	ClientLang             string          `json:"client_lang,omitempty"`
	ClientIP               string          `json:"client_ip,omitempty"`
	PhoneModel             string          `json:"phone_model,omitempty"`
	Location               string          `json:"location,omitempty"`
	EventDate              time.Time       `json:"event_date"`
	NotificationTime       *time.Time      `json:"notification_time,omitempty"`
}

// TransferByPhoneRequest is the DTO for incoming transfer submissions.
type TransferByPhoneRequest struct {
	RequestID     string          `json:"request_id,omitempty"`
	BrokerID      string          `json:"broker_id"`
	ClientID      string          `json:"client_id"`
	WalletID      string          `json:"wallet_id"`
	Amount        decimal.Decimal `json:"amount"`
	AssetSymbol   string          `json:"asset_symbol"`
	ToPhoneNumber string          `json:"to_phone_number"`
	PhoneCode     string          `json:"phone_code,omitempty"`
	PhoneNumber   string          `json:"phone_number,omitempty"`
	ClientLang    string          `json:"client_lang,omitempty"`
	ClientIP      string          `json:"client_ip,omitempty"`
	PhoneModel    string          `json:"phone_model,omitempty"`
	Location      string          `json:"location,omitempty"`
}

// TransferByPhoneResult reports the outcome of a submission. A repeated
// submission with the same (request id, wallet) pair returns the id of the
// already-existing record.
type TransferByPhoneResult struct {
	TransferID           string    `json:"transfer_id"`
	ReceiverIsRegistered bool      `json:"receiver_is_registered"`
	ErrorCode            ErrorCode `json:"error_code,omitempty"`
}

// TransferQuery carries the filters for paginated transfer listing. LastID
// is the cursor: only records with id < LastID are returned, newest first.
type TransferQuery struct {
	LastID        int64
	WalletID      string
	ClientID      string
	TransactionID string
	AssetSymbol   string
	Status        *TransferStatus
	EventDateFrom *time.Time
	EventDateTo   *time.Time
	BatchSize     int
}

// TransferPage is one page of query results; IDForNextQuery feeds the next
// request's LastID (0 when the page was empty).
type TransferPage struct {
	Transfers      []Transfer `json:"transfers"`
	IDForNextQuery int64      `json:"id_for_next_query"`
}

// InProgressSummary aggregates a client's in-flight transfers for one asset.
type InProgressSummary struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
	TxCount     int             `json:"tx_count"`
}
