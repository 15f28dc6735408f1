package app

import "strings"

// operationIDSeparator joins the caller's request id with the wallet id into
// the ledger idempotency key. The separator must never appear in request ids
// supplied by clients, which is why it is not a plain ':'.
const operationIDSeparator = "|:|"

const (
	refundPrefix  = "refund"
	releasePrefix = "release"
)

// OperationID builds the idempotency key for the debit/hold operation of a
// transfer. The same (requestID, walletID) pair always yields the same key,
// making repeated submissions collapse onto one ledger operation.
func OperationID(requestID, walletID string) string {
	return requestID + operationIDSeparator + walletID
}

// RefundOperationID derives the refund key from a transfer's operation id.
// Prefixing keeps the refund distinct from the original hold while staying
// deterministic across retries.
func RefundOperationID(operationID string) string {
	return refundPrefix + operationIDSeparator + operationID
}

// ReleaseOperationID derives the key for the buffer-to-recipient leg from a
// transfer's operation id.
func ReleaseOperationID(operationID string) string {
	return releasePrefix + operationIDSeparator + operationID
}

// WalletFromOperationID recovers the wallet id from a stored operation id.
// It returns "" unless the key splits into exactly two parts, so malformed
// or prefixed keys (refund, release) never masquerade as a wallet.
func WalletFromOperationID(operationID string) string {
	parts := strings.Split(operationID, operationIDSeparator)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}
