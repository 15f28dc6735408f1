/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the `transfers` table.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/transfer-service/internal/domain"
)

var (
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrDuplicateTransfer = errors.New("transfer with this transaction id already exists")
)

const transferColumns = `id, broker_id, client_id, wallet_id, transaction_id, amount, asset_symbol,
	sender_phone_number, sender_name, destination_phone_number, destination_client_id, destination_wallet_id,
	status, workflow_state, retries_count, last_error, cancelling, refund_transaction_id, matching_engine_id,
	client_lang, client_ip, phone_model, location, event_date, notification_time`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// InsertTransfer persists a new transfer record. The unique index on
// transaction_id is what makes submission idempotent: a concurrent duplicate
// surfaces here as ErrDuplicateTransfer and the caller re-reads the winner.
func (r *PostgresRepository) InsertTransfer(ctx context.Context, t *domain.Transfer) error {
	query := `
		INSERT INTO transfers (
			broker_id, client_id, wallet_id, transaction_id, amount, asset_symbol,
			sender_phone_number, sender_name, destination_phone_number, destination_client_id, destination_wallet_id,
			status, workflow_state, retries_count, last_error, cancelling, refund_transaction_id, matching_engine_id,
			client_lang, client_ip, phone_model, location, event_date, notification_time
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24
		)
		RETURNING id
	`
	err := r.db.QueryRow(ctx, query,
		t.BrokerID, t.ClientID, t.WalletID, t.TransactionID, t.Amount, t.AssetSymbol,
		t.SenderPhoneNumber, t.SenderName, t.DestinationPhoneNumber, t.DestinationClientID, t.DestinationWalletID,
		t.Status, t.WorkflowState, t.RetriesCount, t.LastError, t.Cancelling, t.RefundTransactionID, t.MatchingEngineID,
		t.ClientLang, t.ClientIP, t.PhoneModel, t.Location, t.EventDate, t.NotificationTime,
	).Scan(&t.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTransfer
		}
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	return nil
}

func (r *PostgresRepository) updateArgs(t *domain.Transfer) []any {
	return []any{
		t.Status, t.WorkflowState, t.RetriesCount, t.LastError, t.Cancelling,
		t.RefundTransactionID, t.MatchingEngineID, t.DestinationClientID, t.DestinationWalletID,
		t.SenderPhoneNumber, t.SenderName, t.ClientIP, t.NotificationTime, t.ID,
	}
}

const updateTransferQuery = `
	UPDATE transfers SET
		status = $1, workflow_state = $2, retries_count = $3, last_error = $4, cancelling = $5,
		refund_transaction_id = $6, matching_engine_id = $7, destination_client_id = $8, destination_wallet_id = $9,
		sender_phone_number = $10, sender_name = $11, client_ip = $12, notification_time = $13,
		updated_at = NOW()
	WHERE id = $14
`

// UpdateTransfer writes back the mutable fields of a transfer record.
func (r *PostgresRepository) UpdateTransfer(ctx context.Context, t *domain.Transfer) error {
	result, err := r.db.Exec(ctx, updateTransferQuery, r.updateArgs(t)...)
	if err != nil {
		return fmt.Errorf("failed to update transfer %d: %w", t.ID, err)
	}
	if result.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// UpdateTransfers flushes a sweep's worth of mutations in one round trip.
func (r *PostgresRepository) UpdateTransfers(ctx context.Context, transfers []*domain.Transfer) error {
	if len(transfers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range transfers {
		batch.Queue(updateTransferQuery, r.updateArgs(t)...)
	}
	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for _, t := range transfers {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to update transfer %d in batch: %w", t.ID, err)
		}
	}
	return nil
}

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	err := row.Scan(
		&t.ID, &t.BrokerID, &t.ClientID, &t.WalletID, &t.TransactionID, &t.Amount, &t.AssetSymbol,
		&t.SenderPhoneNumber, &t.SenderName, &t.DestinationPhoneNumber, &t.DestinationClientID, &t.DestinationWalletID,
		&t.Status, &t.WorkflowState, &t.RetriesCount, &t.LastError, &t.Cancelling, &t.RefundTransactionID, &t.MatchingEngineID,
		&t.ClientLang, &t.ClientIP, &t.PhoneModel, &t.Location, &t.EventDate, &t.NotificationTime,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetTransferByID retrieves one transfer by its numeric id.
func (r *PostgresRepository) GetTransferByID(ctx context.Context, id int64) (*domain.Transfer, error) {
	query := fmt.Sprintf(`SELECT %s FROM transfers WHERE id = $1`, transferColumns)
	return scanTransfer(r.db.QueryRow(ctx, query, id))
}

// GetTransferByTransactionID retrieves one transfer by its idempotency key.
func (r *PostgresRepository) GetTransferByTransactionID(ctx context.Context, transactionID string) (*domain.Transfer, error) {
	query := fmt.Sprintf(`SELECT %s FROM transfers WHERE transaction_id = $1`, transferColumns)
	return scanTransfer(r.db.QueryRow(ctx, query, transactionID))
}

func (r *PostgresRepository) listTransfers(ctx context.Context, query string, args ...any) ([]*domain.Transfer, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []*domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// ListByStatus returns the oldest non-frozen transfers in the given status.
func (r *PostgresRepository) ListByStatus(ctx context.Context, status domain.TransferStatus, limit int) ([]*domain.Transfer, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM transfers
		WHERE status = $1 AND workflow_state != $2 AND cancelling = false
		ORDER BY id ASC
		LIMIT $3
	`, transferColumns)
	return r.listTransfers(ctx, query, status, domain.WorkflowFailed, limit)
}

// ListCancelling returns transfers flagged for cancellation that have not
// reached a terminal status yet.
func (r *PostgresRepository) ListCancelling(ctx context.Context, limit int) ([]*domain.Transfer, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM transfers
		WHERE cancelling = true AND status NOT IN ($1, $2) AND workflow_state != $3
		ORDER BY id ASC
		LIMIT $4
	`, transferColumns)
	return r.listTransfers(ctx, query, domain.StatusCompleted, domain.StatusCancelled, domain.WorkflowFailed, limit)
}

// ListExpiring returns transfers stuck at the approval gate whose challenge
// was dispatched before the cutoff and never answered.
func (r *PostgresRepository) ListExpiring(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Transfer, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM transfers
		WHERE status = $1 AND cancelling = false AND workflow_state != $2
		  AND notification_time IS NOT NULL AND notification_time < $3
		ORDER BY id ASC
		LIMIT $4
	`, transferColumns)
	return r.listTransfers(ctx, query, domain.StatusApprovalPending, domain.WorkflowFailed, olderThan, limit)
}

// ListWaitingForPhone returns parked transfers addressed to one phone number,
// used when that number's owner registers.
func (r *PostgresRepository) ListWaitingForPhone(ctx context.Context, phoneNumber string, limit int) ([]*domain.Transfer, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM transfers
		WHERE status = $1 AND cancelling = false AND workflow_state != $2 AND destination_phone_number = $3
		ORDER BY id ASC
		LIMIT $4
	`, transferColumns)
	return r.listTransfers(ctx, query, domain.StatusWaitingForUser, domain.WorkflowFailed, phoneNumber, limit)
}

// QueryTransfers implements cursor pagination over a client's history. The
// cursor is the smallest id of the previous page; pages come back newest
// first.
func (r *PostgresRepository) QueryTransfers(ctx context.Context, q domain.TransferQuery) (*domain.TransferPage, error) {
	cursor := q.LastID
	if cursor <= 0 {
		// An unset cursor means "start from the newest record".
		cursor = math.MaxInt64
	}
	conditions := []string{"id < $1"}
	args := []any{cursor}

	addFilter := func(column string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if q.WalletID != "" {
		addFilter("wallet_id", q.WalletID)
	}
	if q.ClientID != "" {
		addFilter("client_id", q.ClientID)
	}
	if q.TransactionID != "" {
		addFilter("transaction_id", q.TransactionID)
	}
	if q.AssetSymbol != "" {
		addFilter("asset_symbol", q.AssetSymbol)
	}
	if q.Status != nil {
		addFilter("status", *q.Status)
	}
	if q.EventDateFrom != nil {
		args = append(args, *q.EventDateFrom)
		conditions = append(conditions, fmt.Sprintf("event_date >= $%d", len(args)))
	}
	if q.EventDateTo != nil {
		args = append(args, *q.EventDateTo)
		conditions = append(conditions, fmt.Sprintf("event_date <= $%d", len(args)))
	}

	args = append(args, q.BatchSize)
	query := fmt.Sprintf(`
		SELECT %s FROM transfers
		WHERE %s
		ORDER BY id DESC
		LIMIT $%d
	`, transferColumns, strings.Join(conditions, " AND "), len(args))

	transfers, err := r.listTransfers(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	page := &domain.TransferPage{IDForNextQuery: 0}
	for _, t := range transfers {
		page.Transfers = append(page.Transfers, *t)
	}
	if n := len(transfers); n > 0 {
		page.IDForNextQuery = transfers[n-1].ID
	}
	return page, nil
}

// SumInProgress totals a client's in-flight transfers for one asset. Used to
// rebuild the cached in-progress projection after a cache miss.
func (r *PostgresRepository) SumInProgress(ctx context.Context, clientID, assetSymbol string) (*domain.InProgressSummary, error) {
	var summary domain.InProgressSummary
	query := `
		SELECT COALESCE(SUM(amount), 0), COUNT(*)
		FROM transfers
		WHERE client_id = $1 AND asset_symbol = $2
		  AND status NOT IN ($3, $4)
	`
	err := r.db.QueryRow(ctx, query, clientID, assetSymbol, domain.StatusCompleted, domain.StatusCancelled).
		Scan(&summary.TotalAmount, &summary.TxCount)
	if err != nil {
		return nil, fmt.Errorf("failed to sum in-progress transfers: %w", err)
	}
	return &summary, nil
}
