/**
 * @description
 * This file contains the core business logic for the transfer-service. The
 * `Service` struct owns the request-facing operations: submitting a transfer
 * by phone number, reading it back, cancelling, retrying after failure,
 * re-sending the approval challenge, and paginated history queries.
 *
 * Key features:
 * - Submission is idempotent: the (request id, wallet id) pair is the unique
 *   key, and a duplicate submission returns the already-created transfer.
 * - Cancellation only flags the record; the background processor performs
 *   the refund so that the API never races the sweeps over ledger calls.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For request id generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/identityclient, pkg/walletclient, pkg/verifyclient, pkg/rabbitmq:
 *   For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/identityclient"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
	"github.com/transfa/transfer-service/pkg/verifyclient"
	"github.com/transfa/transfer-service/pkg/walletclient"
)

// lastErrorMaxLen caps the stored error text so one huge upstream response
// cannot bloat the row.
const lastErrorMaxLen = 2048

var (
	ErrInvalidRequest   = errors.New("invalid transfer request")
	ErrWalletOwnership  = errors.New("wallet does not belong to the client")
	ErrTransferTerminal = errors.New("transfer is already in a terminal status")
)

// RateLimitError is returned when a client exceeds the submission rate limit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return "too many transfer submissions"
}

// SubmitRateLimiter counts submissions per subject inside a sliding window.
type SubmitRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// IdentityAPI is the slice of the identity client the service needs.
type IdentityAPI interface {
	ResolvePhone(ctx context.Context, brokerID, phoneNumber string) (*identityclient.PhoneOwner, error)
	GetClientContact(ctx context.Context, brokerID, clientID string) (*identityclient.ClientContact, error)
}

// WalletAPI is the slice of the wallet client the service needs.
type WalletAPI interface {
	GetWallet(ctx context.Context, walletID string) (*walletclient.Wallet, error)
	GetDefaultWallet(ctx context.Context, brokerID, clientID string) (*walletclient.Wallet, error)
}

// VerifyAPI is the slice of the verification client the service needs. The
// sent flag is false when the provider declined to re-send within its own
// rate-limit window, which is not an error.
type VerifyAPI interface {
	RequestVerification(ctx context.Context, req verifyclient.VerificationRequest) (sent bool, err error)
}

// ServiceConfig carries the static knobs the service needs at construction.
type ServiceConfig struct {
	BrokerID                 string
	TransferEventExchange    string
	RequireVerification      bool
	SubmitRateLimitPerMinute int
}

// Service provides the request-facing business logic for transfers.
type Service struct {
	repo          store.Repository
	identity      IdentityAPI
	wallets       WalletAPI
	verifier      VerifyAPI
	producer      rabbitmq.Publisher
	inProgress    *InProgressCache
	submitLimiter SubmitRateLimiter
	cfg           ServiceConfig
}

// NewService creates a new transfer service instance. The in-progress cache
// is optional; a nil cache degrades to direct database sums.
func NewService(repo store.Repository, identity IdentityAPI, wallets WalletAPI, verifier VerifyAPI, producer rabbitmq.Publisher, inProgress *InProgressCache, cfg ServiceConfig) *Service {
	return &Service{
		repo:       repo,
		identity:   identity,
		wallets:    wallets,
		verifier:   verifier,
		producer:   producer,
		inProgress: inProgress,
		cfg:        cfg,
	}
}

// SetSubmitRateLimiter installs an optional distributed rate limiter for new
// submissions. Without one, or with a zero limit, submissions are unlimited.
func (s *Service) SetSubmitRateLimiter(limiter SubmitRateLimiter) {
	s.submitLimiter = limiter
}

// truncateError clamps error text to the stored limit.
func truncateError(msg string) string {
	if len(msg) > lastErrorMaxLen {
		return msg[:lastErrorMaxLen]
	}
	return msg
}

// publishStatusEvent emits a lifecycle event for a transfer. The returned
// error lets callers decide whether to roll anything back.
func (s *Service) publishStatusEvent(ctx context.Context, t *domain.Transfer, eventType string) error {
	return publishTransferEvent(ctx, s.producer, s.cfg.TransferEventExchange, eventType, t)
}

// TransferByPhone handles a new transfer submission.
func (s *Service) TransferByPhone(ctx context.Context, req domain.TransferByPhoneRequest) (*domain.TransferByPhoneResult, error) {
	if req.ClientID == "" || req.WalletID == "" {
		return nil, fmt.Errorf("%w: client_id and wallet_id are required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if req.AssetSymbol == "" {
		return nil, fmt.Errorf("%w: asset_symbol is required", ErrInvalidRequest)
	}
	destination := normalizePhone(req.ToPhoneNumber, req.PhoneCode, req.PhoneNumber)
	if destination == "" {
		return nil, fmt.Errorf("%w: destination phone number is required", ErrInvalidRequest)
	}
	brokerID := req.BrokerID
	if brokerID == "" {
		brokerID = s.cfg.BrokerID
	}

	if s.submitLimiter != nil && s.cfg.SubmitRateLimitPerMinute > 0 {
		count, retryAfter, limitErr := s.submitLimiter.ConsumeRateLimit(ctx, "transfer_submit", req.ClientID, s.cfg.SubmitRateLimitPerMinute, time.Minute)
		if limitErr != nil {
			// A broken limiter must not block money movement.
			log.Printf("level=warn component=service op=transfer_by_phone client_id=%s msg=\"rate limiter unavailable; allowing request\" err=%v", req.ClientID, limitErr)
		} else if count > s.cfg.SubmitRateLimitPerMinute {
			return nil, &RateLimitError{RetryAfterSeconds: retryAfter}
		}
	}

	// 1. The submitted wallet must belong to the submitting client.
	wallet, err := s.wallets.GetWallet(ctx, req.WalletID)
	if err != nil {
		if errors.Is(err, walletclient.ErrWalletNotFound) {
			return nil, fmt.Errorf("%w: wallet %s not found", ErrInvalidRequest, req.WalletID)
		}
		return nil, fmt.Errorf("failed to look up wallet: %w", err)
	}
	if wallet.ClientID != req.ClientID {
		return nil, ErrWalletOwnership
	}

	// 2. Build the idempotency key. A missing request id gets a fresh one,
	// which makes the submission effectively non-idempotent by the caller's
	// own choice.
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	transactionID := OperationID(requestID, req.WalletID)

	// 3. Resolve the destination up front so the caller learns immediately
	// whether the recipient is registered.
	owner, err := s.identity.ResolvePhone(ctx, brokerID, destination)
	if err != nil {
		if errors.Is(err, identityclient.ErrAmbiguousPhone) {
			log.Printf("level=warn component=service op=transfer_by_phone client_id=%s msg=\"destination phone matches more than one identity\"", req.ClientID)
			return &domain.TransferByPhoneResult{ErrorCode: domain.ErrorCodeInvalidPhone}, nil
		}
		return nil, fmt.Errorf("failed to resolve destination phone: %w", err)
	}

	t := &domain.Transfer{
		BrokerID:               brokerID,
		ClientID:               req.ClientID,
		WalletID:               req.WalletID,
		TransactionID:          transactionID,
		Amount:                 req.Amount,
		AssetSymbol:            req.AssetSymbol,
		DestinationPhoneNumber: destination,
		Status:                 domain.StatusNew,
		WorkflowState:          domain.WorkflowOK,
		ClientLang:             req.ClientLang,
		ClientIP:               req.ClientIP,
		PhoneModel:             req.PhoneModel,
		Location:               req.Location,
		EventDate:              time.Now().UTC(),
	}
	if owner.IsRegistered {
		clientID := owner.ClientID
		t.DestinationClientID = &clientID
	}

	// Sender contact details are best-effort; the transfer proceeds without
	// them if the identity service cannot provide them.
	if contact, contactErr := s.identity.GetClientContact(ctx, brokerID, req.ClientID); contactErr != nil {
		log.Printf("level=warn component=service op=transfer_by_phone client_id=%s msg=\"failed to fetch sender contact\" err=%v", req.ClientID, contactErr)
	} else {
		if contact.PhoneNumber != "" {
			phone := contact.PhoneNumber
			t.SenderPhoneNumber = &phone
		}
		if contact.Name != "" {
			name := contact.Name
			t.SenderName = &name
		}
	}

	if err := s.repo.InsertTransfer(ctx, t); err != nil {
		if errors.Is(err, store.ErrDuplicateTransfer) {
			existing, getErr := s.repo.GetTransferByTransactionID(ctx, transactionID)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load existing transfer for duplicate submission: %w", getErr)
			}
			log.Printf("level=info component=service op=transfer_by_phone transfer_id=%d msg=\"duplicate submission collapsed onto existing transfer\"", existing.ID)
			return &domain.TransferByPhoneResult{
				TransferID:           strconv.FormatInt(existing.ID, 10),
				ReceiverIsRegistered: owner.IsRegistered,
				ErrorCode:            domain.ErrorCodeOK,
			}, nil
		}
		return nil, fmt.Errorf("failed to create transfer record: %w", err)
	}

	s.invalidateInProgress(ctx, t)

	if err := s.publishStatusEvent(ctx, t, "transfer.created"); err != nil {
		log.Printf("level=warn component=service op=transfer_by_phone transfer_id=%d msg=\"failed to publish created event\" err=%v", t.ID, err)
	}

	return &domain.TransferByPhoneResult{
		TransferID:           strconv.FormatInt(t.ID, 10),
		ReceiverIsRegistered: owner.IsRegistered,
		ErrorCode:            domain.ErrorCodeOK,
	}, nil
}

// normalizePhone prefers the combined field and falls back to code+number.
func normalizePhone(combined, code, number string) string {
	if combined != "" {
		return combined
	}
	if number == "" {
		return ""
	}
	return code + number
}

// GetTransfer returns one transfer by id.
func (s *Service) GetTransfer(ctx context.Context, id int64) (*domain.Transfer, error) {
	return s.repo.GetTransferByID(ctx, id)
}

// CancelTransfer requests cancellation of a transfer. Terminal transfers are
// rejected; in-flight ones are flagged, published immediately so observers
// see the request, and refunded by the processor's next cancellation sweep.
// A repeated cancel of an already-flagged transfer is a harmless no-op.
func (s *Service) CancelTransfer(ctx context.Context, id int64) (*domain.Transfer, error) {
	t, err := s.repo.GetTransferByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, ErrTransferTerminal
	}
	if t.Cancelling {
		return t, nil
	}

	t.Cancelling = true
	manual := "Manual cancel"
	t.LastError = &manual
	if t.WorkflowState == domain.WorkflowFailed {
		// A frozen transfer would never be swept; unfreeze it so the
		// cancellation sweep can refund it.
		t.WorkflowState = domain.WorkflowOK
		t.RetriesCount = 0
	}
	if err := s.repo.UpdateTransfer(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to flag transfer %d for cancellation: %w", id, err)
	}
	if err := s.publishStatusEvent(ctx, t, "transfer.cancel_requested"); err != nil {
		log.Printf("level=warn component=service op=cancel_transfer transfer_id=%d msg=\"failed to publish cancel event\" err=%v", t.ID, err)
	}
	log.Printf("level=info component=service op=cancel_transfer transfer_id=%d status=%s msg=\"cancellation requested\"", t.ID, t.Status)
	return t, nil
}

// RetryTransfer puts a non-terminal transfer back into the sweep rotation,
// which is how an operator revives a frozen one.
func (s *Service) RetryTransfer(ctx context.Context, id int64) (*domain.Transfer, error) {
	t, err := s.repo.GetTransferByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, ErrTransferTerminal
	}

	t.WorkflowState = domain.WorkflowRetrying
	t.RetriesCount = 0
	if err := s.repo.UpdateTransfer(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to reset transfer %d for retry: %w", id, err)
	}
	if err := s.publishStatusEvent(ctx, t, "transfer.retry_requested"); err != nil {
		log.Printf("level=warn component=service op=retry_transfer transfer_id=%d msg=\"failed to publish retry event\" err=%v", t.ID, err)
	}
	log.Printf("level=info component=service op=retry_transfer transfer_id=%d status=%s msg=\"transfer queued for retry\"", t.ID, t.Status)
	return t, nil
}

// ResendVerification re-sends the sender approval challenge. A transfer in
// any status other than approval_pending has nothing to resend, which is a
// no-op success rather than an error. A provider refusal to send again
// inside its rate-limit window also counts as success.
func (s *Service) ResendVerification(ctx context.Context, id int64) error {
	t, err := s.repo.GetTransferByID(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != domain.StatusApprovalPending {
		log.Printf("level=info component=service op=resend_verification transfer_id=%d status=%s msg=\"nothing to resend\"", t.ID, t.Status)
		return nil
	}

	sent, err := s.verifier.RequestVerification(ctx, verificationRequestFor(t))
	if err != nil {
		return fmt.Errorf("failed to resend verification for transfer %d: %w", id, err)
	}
	if sent {
		now := time.Now().UTC()
		t.NotificationTime = &now
		if err := s.repo.UpdateTransfer(ctx, t); err != nil {
			return fmt.Errorf("failed to record verification re-send for transfer %d: %w", id, err)
		}
	}
	return nil
}

// GetTransfers returns one page of a client's transfer history.
func (s *Service) GetTransfers(ctx context.Context, q domain.TransferQuery) (*domain.TransferPage, error) {
	if q.BatchSize <= 0 || q.BatchSize > 100 {
		q.BatchSize = 50
	}
	return s.repo.QueryTransfers(ctx, q)
}

// GetInProgress returns the client's in-flight totals for one asset, from
// the cache when possible.
func (s *Service) GetInProgress(ctx context.Context, clientID, assetSymbol string) (*domain.InProgressSummary, error) {
	if clientID == "" || assetSymbol == "" {
		return nil, fmt.Errorf("%w: client_id and asset_symbol are required", ErrInvalidRequest)
	}
	if s.inProgress == nil {
		return s.repo.SumInProgress(ctx, clientID, assetSymbol)
	}
	return s.inProgress.Get(ctx, clientID, assetSymbol)
}

func (s *Service) invalidateInProgress(ctx context.Context, t *domain.Transfer) {
	if s.inProgress == nil {
		return
	}
	if err := s.inProgress.Invalidate(ctx, t.ClientID, t.AssetSymbol); err != nil {
		log.Printf("level=warn component=service transfer_id=%d msg=\"failed to invalidate in-progress cache\" err=%v", t.ID, err)
	}
}
