/**
 * @description
 * This file contains the Executor, the layer that turns workflow decisions
 * into ledger movements. A registered recipient is paid with one direct
 * transfer. When the recipient has no wallet yet, funds travel through a
 * buffer wallet instead: a hold moves them from the sender into the buffer,
 * a release moves them from the buffer to the recipient once known, and a
 * refund moves them from the buffer back to the sender. Each leg carries its
 * own deterministic operation id, so replaying a leg is reported by the
 * ledger as a duplicate and treated as success.
 *
 * @dependencies
 * - internal/domain: Domain models and error codes.
 * - pkg/ledgerclient: The ledger service client.
 */

package app

import (
	"context"
	"fmt"
	"log"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/pkg/ledgerclient"
)

// LedgerAPI is the slice of the ledger client the executor needs.
type LedgerAPI interface {
	Transfer(ctx context.Context, req ledgerclient.TransferRequest) (*ledgerclient.TransferResult, error)
}

// Executor executes the ledger legs of the transfer workflow.
type Executor struct {
	ledger         LedgerAPI
	bufferWalletID string
}

// NewExecutor creates a new Executor.
func NewExecutor(ledger LedgerAPI, bufferWalletID string) *Executor {
	return &Executor{ledger: ledger, bufferWalletID: bufferWalletID}
}

// mapResultCode folds the ledger's result codes into the workflow's error
// codes. A duplicate means the leg already ran, which is success for every
// caller here.
func mapResultCode(code ledgerclient.ResultCode) domain.ErrorCode {
	switch code {
	case ledgerclient.ResultOK, ledgerclient.ResultDuplicate:
		return domain.ErrorCodeOK
	case ledgerclient.ResultLowBalance:
		return domain.ErrorCodeLowBalance
	case ledgerclient.ResultWalletNotFound:
		return domain.ErrorCodeWalletNotFound
	default:
		return domain.ErrorCodeInternalError
	}
}

func (e *Executor) execute(ctx context.Context, leg string, req ledgerclient.TransferRequest) (domain.ErrorCode, string, error) {
	result, err := e.ledger.Transfer(ctx, req)
	if err != nil {
		return "", "", fmt.Errorf("ledger %s leg failed: %w", leg, err)
	}
	code := mapResultCode(result.Result)
	if code != domain.ErrorCodeOK {
		log.Printf("level=warn component=executor leg=%s operation_id=%s result=%s msg=%q", leg, req.OperationID, result.Result, result.ErrorMessage)
	}
	return code, result.TransactionID, nil
}

// Direct moves the transfer amount straight from the sender's wallet to the
// recipient's wallet, used when the recipient is already registered. On
// success the ledger's transaction id is recorded on the transfer.
func (e *Executor) Direct(ctx context.Context, t *domain.Transfer) (domain.ErrorCode, error) {
	if t.DestinationWalletID == nil || *t.DestinationWalletID == "" {
		return "", fmt.Errorf("transfer %d has no destination wallet", t.ID)
	}
	code, ledgerTxID, err := e.execute(ctx, "direct", ledgerclient.TransferRequest{
		OperationID:  t.TransactionID,
		BrokerID:     t.BrokerID,
		ClientID:     t.ClientID,
		FromWalletID: t.WalletID,
		ToWalletID:   *t.DestinationWalletID,
		Amount:       t.Amount,
		AssetSymbol:  t.AssetSymbol,
	})
	if err != nil {
		return "", err
	}
	if code == domain.ErrorCodeOK && ledgerTxID != "" {
		t.MatchingEngineID = &ledgerTxID
	}
	return code, nil
}

// Hold moves the transfer amount from the sender's wallet into the buffer
// wallet, used when the recipient has no wallet yet. On success the ledger's
// transaction id is recorded on the transfer.
func (e *Executor) Hold(ctx context.Context, t *domain.Transfer) (domain.ErrorCode, error) {
	if e.bufferWalletID == "" {
		return "", fmt.Errorf("buffer wallet id is not configured")
	}
	code, ledgerTxID, err := e.execute(ctx, "hold", ledgerclient.TransferRequest{
		OperationID:  t.TransactionID,
		BrokerID:     t.BrokerID,
		ClientID:     t.ClientID,
		FromWalletID: t.WalletID,
		ToWalletID:   e.bufferWalletID,
		Amount:       t.Amount,
		AssetSymbol:  t.AssetSymbol,
	})
	if err != nil {
		return "", err
	}
	if code == domain.ErrorCodeOK && ledgerTxID != "" {
		t.MatchingEngineID = &ledgerTxID
	}
	return code, nil
}

// Release moves the held amount from the buffer wallet to the recipient's
// wallet. The transfer must already carry a destination wallet.
func (e *Executor) Release(ctx context.Context, t *domain.Transfer) (domain.ErrorCode, error) {
	if t.DestinationWalletID == nil || *t.DestinationWalletID == "" {
		return "", fmt.Errorf("transfer %d has no destination wallet", t.ID)
	}
	code, _, err := e.execute(ctx, "release", ledgerclient.TransferRequest{
		OperationID:  ReleaseOperationID(t.TransactionID),
		BrokerID:     t.BrokerID,
		ClientID:     t.ClientID,
		FromWalletID: e.bufferWalletID,
		ToWalletID:   *t.DestinationWalletID,
		Amount:       t.Amount,
		AssetSymbol:  t.AssetSymbol,
	})
	return code, err
}

// Refund moves the held amount from the buffer wallet back to the sender.
// On success the refund's operation id is recorded on the transfer.
func (e *Executor) Refund(ctx context.Context, t *domain.Transfer) (domain.ErrorCode, error) {
	refundID := RefundOperationID(t.TransactionID)
	code, _, err := e.execute(ctx, "refund", ledgerclient.TransferRequest{
		OperationID:  refundID,
		BrokerID:     t.BrokerID,
		ClientID:     t.ClientID,
		FromWalletID: e.bufferWalletID,
		ToWalletID:   t.WalletID,
		Amount:       t.Amount,
		AssetSymbol:  t.AssetSymbol,
	})
	if err != nil {
		return "", err
	}
	if code == domain.ErrorCodeOK {
		t.RefundTransactionID = &refundID
	}
	return code, nil
}
