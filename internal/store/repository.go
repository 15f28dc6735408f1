/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the transfer-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/transfa/transfer-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Write path
	// Insert fails with ErrDuplicateTransfer when transaction_id already exists.
	InsertTransfer(ctx context.Context, t *domain.Transfer) error
	UpdateTransfer(ctx context.Context, t *domain.Transfer) error
	// Batch variant used by the processor at the end of each sweep.
	UpdateTransfers(ctx context.Context, transfers []*domain.Transfer) error

	// Read path
	GetTransferByID(ctx context.Context, id int64) (*domain.Transfer, error)
	GetTransferByTransactionID(ctx context.Context, transactionID string) (*domain.Transfer, error)
	QueryTransfers(ctx context.Context, q domain.TransferQuery) (*domain.TransferPage, error)
	SumInProgress(ctx context.Context, clientID, assetSymbol string) (*domain.InProgressSummary, error)

	// Processor sweeps. All of these exclude records whose workflow_state is
	// failed; a frozen record only moves again through an explicit retry.
	ListByStatus(ctx context.Context, status domain.TransferStatus, limit int) ([]*domain.Transfer, error)
	ListCancelling(ctx context.Context, limit int) ([]*domain.Transfer, error)
	ListExpiring(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Transfer, error)
	ListWaitingForPhone(ctx context.Context, phoneNumber string, limit int) ([]*domain.Transfer, error)
}
