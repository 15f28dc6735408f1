package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/identityclient"
	"github.com/transfa/transfer-service/pkg/walletclient"
)

type serviceRepoStub struct {
	store.Repository

	mu        sync.Mutex
	nextID    int64
	inserted  []*domain.Transfer
	updated   []*domain.Transfer
	byID      map[int64]*domain.Transfer
	byTxID    map[string]*domain.Transfer
	insertErr error
}

func newServiceRepoStub() *serviceRepoStub {
	return &serviceRepoStub{
		nextID: 100,
		byID:   map[int64]*domain.Transfer{},
		byTxID: map[string]*domain.Transfer{},
	}
}

func (r *serviceRepoStub) InsertTransfer(ctx context.Context, t *domain.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	if _, exists := r.byTxID[t.TransactionID]; exists {
		return store.ErrDuplicateTransfer
	}
	r.nextID++
	t.ID = r.nextID
	r.inserted = append(r.inserted, t)
	r.byID[t.ID] = t
	r.byTxID[t.TransactionID] = t
	return nil
}

func (r *serviceRepoStub) GetTransferByID(ctx context.Context, id int64) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byID[id]; ok {
		return t, nil
	}
	return nil, store.ErrTransferNotFound
}

func (r *serviceRepoStub) GetTransferByTransactionID(ctx context.Context, transactionID string) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byTxID[transactionID]; ok {
		return t, nil
	}
	return nil, store.ErrTransferNotFound
}

func (r *serviceRepoStub) UpdateTransfer(ctx context.Context, t *domain.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, t)
	return nil
}

type serviceFixture struct {
	service  *Service
	repo     *serviceRepoStub
	identity *identityStub
	wallets  *walletStub
	verifier *verifyStub
	producer *publisherStub
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		repo:     newServiceRepoStub(),
		identity: &identityStub{owner: &identityclient.PhoneOwner{IsRegistered: true, ClientID: "client-2"}},
		wallets:  &walletStub{wallet: &walletclient.Wallet{WalletID: "wallet-1", ClientID: "client-1", BrokerID: "broker-1"}},
		verifier: &verifyStub{sent: true},
		producer: &publisherStub{},
	}
	f.service = NewService(f.repo, f.identity, f.wallets, f.verifier, f.producer, nil, ServiceConfig{
		BrokerID:              "broker-1",
		TransferEventExchange: "transfer_events",
		RequireVerification:   true,
	})
	return f
}

func validRequest() domain.TransferByPhoneRequest {
	return domain.TransferByPhoneRequest{
		RequestID:     "req-1",
		ClientID:      "client-1",
		WalletID:      "wallet-1",
		Amount:        decimal.NewFromInt(100),
		AssetSymbol:   "USD",
		ToPhoneNumber: "+15550001111",
	}
}

func TestTransferByPhoneCreatesNewTransfer(t *testing.T) {
	f := newServiceFixture()

	result, err := f.service.TransferByPhone(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TransferID == "" {
		t.Fatal("expected a transfer id")
	}
	if !result.ReceiverIsRegistered {
		t.Fatal("expected receiver to be reported as registered")
	}

	if len(f.repo.inserted) != 1 {
		t.Fatalf("expected one insert, got %d", len(f.repo.inserted))
	}
	created := f.repo.inserted[0]
	if created.TransactionID != OperationID("req-1", "wallet-1") {
		t.Fatalf("unexpected idempotency key %q", created.TransactionID)
	}
	if created.Status != domain.StatusNew {
		t.Fatalf("expected status new, got %s", created.Status)
	}
	if created.WorkflowState != domain.WorkflowOK {
		t.Fatalf("expected workflow ok, got %s", created.WorkflowState)
	}
	if created.DestinationClientID == nil || *created.DestinationClientID != "client-2" {
		t.Fatalf("expected known recipient to be pre-resolved, got %v", created.DestinationClientID)
	}
}

func TestTransferByPhoneDuplicateReturnsExisting(t *testing.T) {
	f := newServiceFixture()

	first, err := f.service.TransferByPhone(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("unexpected error on first submission: %v", err)
	}
	second, err := f.service.TransferByPhone(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("unexpected error on repeated submission: %v", err)
	}

	if first.TransferID != second.TransferID {
		t.Fatalf("repeated submission must return the same transfer, got %s and %s", first.TransferID, second.TransferID)
	}
	if len(f.repo.inserted) != 1 {
		t.Fatalf("expected a single record, got %d", len(f.repo.inserted))
	}
}

func TestTransferByPhoneDifferentWalletsAreDistinct(t *testing.T) {
	f := newServiceFixture()

	first, err := f.service.TransferByPhone(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := validRequest()
	req.WalletID = "wallet-9"
	f.wallets.wallet = &walletclient.Wallet{WalletID: "wallet-9", ClientID: "client-1", BrokerID: "broker-1"}
	second, err := f.service.TransferByPhone(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.TransferID == second.TransferID {
		t.Fatal("same request id against different wallets must create distinct transfers")
	}
}

func TestTransferByPhoneRejectsForeignWallet(t *testing.T) {
	f := newServiceFixture()
	f.wallets.wallet = &walletclient.Wallet{WalletID: "wallet-1", ClientID: "someone-else", BrokerID: "broker-1"}

	_, err := f.service.TransferByPhone(context.Background(), validRequest())
	if !errors.Is(err, ErrWalletOwnership) {
		t.Fatalf("expected ErrWalletOwnership, got %v", err)
	}
}

func TestTransferByPhoneValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.TransferByPhoneRequest)
	}{
		{"missing client id", func(r *domain.TransferByPhoneRequest) { r.ClientID = "" }},
		{"missing wallet id", func(r *domain.TransferByPhoneRequest) { r.WalletID = "" }},
		{"zero amount", func(r *domain.TransferByPhoneRequest) { r.Amount = decimal.Zero }},
		{"negative amount", func(r *domain.TransferByPhoneRequest) { r.Amount = decimal.NewFromInt(-5) }},
		{"missing asset", func(r *domain.TransferByPhoneRequest) { r.AssetSymbol = "" }},
		{"missing phone", func(r *domain.TransferByPhoneRequest) { r.ToPhoneNumber = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newServiceFixture()
			req := validRequest()
			tc.mutate(&req)
			if _, err := f.service.TransferByPhone(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestTransferByPhoneSplitPhoneFields(t *testing.T) {
	f := newServiceFixture()
	req := validRequest()
	req.ToPhoneNumber = ""
	req.PhoneCode = "+1"
	req.PhoneNumber = "5550001111"

	if _, err := f.service.TransferByPhone(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.repo.inserted[0].DestinationPhoneNumber; got != "+15550001111" {
		t.Fatalf("expected joined phone number, got %q", got)
	}
}

func TestCancelTransferFlagsInFlightRecord(t *testing.T) {
	f := newServiceFixture()
	tr := newTestTransfer(domain.StatusWaitingForUser)
	f.repo.byID[tr.ID] = tr

	got, err := f.service.CancelTransfer(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Cancelling {
		t.Fatal("expected cancelling flag")
	}
	if got.LastError == nil || *got.LastError != "Manual cancel" {
		t.Fatalf("expected Manual cancel marker, got %v", got.LastError)
	}
	if len(f.repo.updated) != 1 {
		t.Fatalf("expected one update, got %d", len(f.repo.updated))
	}
	if len(f.producer.events) != 1 {
		t.Fatalf("expected one cancel event, got %v", f.producer.events)
	}

	again, err := f.service.CancelTransfer(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("unexpected error on repeated cancel: %v", err)
	}
	if !again.Cancelling || len(f.repo.updated) != 1 {
		t.Fatal("repeated cancel must be a no-op")
	}
}

func TestCancelTransferRejectsTerminal(t *testing.T) {
	f := newServiceFixture()
	for _, status := range []domain.TransferStatus{domain.StatusCompleted, domain.StatusCancelled} {
		tr := newTestTransfer(status)
		f.repo.byID[tr.ID] = tr

		if _, err := f.service.CancelTransfer(context.Background(), tr.ID); !errors.Is(err, ErrTransferTerminal) {
			t.Fatalf("expected ErrTransferTerminal for %s, got %v", status, err)
		}
	}
	if len(f.repo.updated) != 0 {
		t.Fatalf("expected no update, got %d", len(f.repo.updated))
	}
}

func TestCancelTransferUnfreezesFailedRecord(t *testing.T) {
	f := newServiceFixture()
	tr := newTestTransfer(domain.StatusWaitingForUser)
	tr.WorkflowState = domain.WorkflowFailed
	tr.RetriesCount = 7
	f.repo.byID[tr.ID] = tr

	got, err := f.service.CancelTransfer(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.WorkflowState != domain.WorkflowOK || got.RetriesCount != 0 {
		t.Fatalf("expected unfrozen record, got state=%s retries=%d", got.WorkflowState, got.RetriesCount)
	}
	if !got.Cancelling {
		t.Fatal("expected cancelling flag")
	}
}

func TestRetryTransferRejectsTerminal(t *testing.T) {
	f := newServiceFixture()
	tr := newTestTransfer(domain.StatusCompleted)
	f.repo.byID[tr.ID] = tr

	if _, err := f.service.RetryTransfer(context.Background(), tr.ID); !errors.Is(err, ErrTransferTerminal) {
		t.Fatalf("expected ErrTransferTerminal, got %v", err)
	}
}

func TestRetryTransferUnfreezesFrozenRecord(t *testing.T) {
	f := newServiceFixture()
	tr := newTestTransfer(domain.StatusPending)
	tr.WorkflowState = domain.WorkflowFailed
	tr.RetriesCount = 9
	f.repo.byID[tr.ID] = tr

	got, err := f.service.RetryTransfer(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.WorkflowState != domain.WorkflowRetrying || got.RetriesCount != 0 {
		t.Fatalf("expected reset record, got state=%s retries=%d", got.WorkflowState, got.RetriesCount)
	}
	if len(f.repo.updated) != 1 {
		t.Fatalf("expected one update, got %d", len(f.repo.updated))
	}
	if len(f.producer.events) != 1 {
		t.Fatalf("expected one retry event, got %v", f.producer.events)
	}
}

func TestResendVerificationOutsideApprovalGateIsNoOp(t *testing.T) {
	f := newServiceFixture()
	tr := newTestTransfer(domain.StatusPending)
	f.repo.byID[tr.ID] = tr

	if err := f.service.ResendVerification(context.Background(), tr.ID); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
	if len(f.verifier.calls) != 0 {
		t.Fatalf("expected no verification request, got %d", len(f.verifier.calls))
	}
}

func TestResendVerificationUpdatesNotificationTime(t *testing.T) {
	f := newServiceFixture()
	tr := newTestTransfer(domain.StatusApprovalPending)
	sender := "+15550009999"
	tr.SenderPhoneNumber = &sender
	stale := time.Now().UTC().Add(-time.Hour)
	tr.NotificationTime = &stale
	f.repo.byID[tr.ID] = tr

	if err := f.service.ResendVerification(context.Background(), tr.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.verifier.calls) != 1 {
		t.Fatalf("expected one verification request, got %d", len(f.verifier.calls))
	}
	if got := f.verifier.calls[0].DestinationPhone; got != tr.DestinationPhoneNumber {
		t.Fatalf("challenge must name the destination phone, got %q", got)
	}
	if tr.NotificationTime == nil || !tr.NotificationTime.After(stale) {
		t.Fatalf("expected notification time to advance, got %v", tr.NotificationTime)
	}
	if len(f.repo.updated) != 1 {
		t.Fatalf("expected the re-send to be persisted, got %d updates", len(f.repo.updated))
	}
}

func TestResendVerificationThrottledByProviderIsSuccess(t *testing.T) {
	f := newServiceFixture()
	f.verifier.sent = false
	tr := newTestTransfer(domain.StatusApprovalPending)
	stale := time.Now().UTC().Add(-time.Hour)
	tr.NotificationTime = &stale
	f.repo.byID[tr.ID] = tr

	if err := f.service.ResendVerification(context.Background(), tr.ID); err != nil {
		t.Fatalf("a throttled re-send must not be an error, got %v", err)
	}
	if !tr.NotificationTime.Equal(stale) {
		t.Fatalf("a throttled re-send must not advance the clock, got %v", tr.NotificationTime)
	}
	if len(f.repo.updated) != 0 {
		t.Fatalf("expected no persistence, got %d updates", len(f.repo.updated))
	}
}

func TestTransferByPhoneRejectsAmbiguousPhone(t *testing.T) {
	f := newServiceFixture()
	f.identity.err = identityclient.ErrAmbiguousPhone

	result, err := f.service.TransferByPhone(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("an ambiguous destination is reported in the result, got error %v", err)
	}
	if result.ErrorCode != domain.ErrorCodeInvalidPhone {
		t.Fatalf("expected %s, got %s", domain.ErrorCodeInvalidPhone, result.ErrorCode)
	}
	if result.TransferID != "" {
		t.Fatalf("no transfer may be created, got id %q", result.TransferID)
	}
	if len(f.repo.inserted) != 0 {
		t.Fatal("an ambiguous destination must not create a transfer")
	}
}

func TestTruncateErrorCapsLength(t *testing.T) {
	long := strings.Repeat("x", lastErrorMaxLen+500)
	if got := truncateError(long); len(got) != lastErrorMaxLen {
		t.Fatalf("expected %d chars, got %d", lastErrorMaxLen, len(got))
	}
	if got := truncateError("short"); got != "short" {
		t.Fatalf("short messages must pass through, got %q", got)
	}
}

type limiterStub struct {
	count      int
	retryAfter int
	err        error
	calls      int
}

func (l *limiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.calls++
	return l.count, l.retryAfter, l.err
}

func TestTransferByPhoneRateLimited(t *testing.T) {
	f := newServiceFixture()
	f.service.cfg.SubmitRateLimitPerMinute = 5
	limiter := &limiterStub{count: 6, retryAfter: 30}
	f.service.SetSubmitRateLimiter(limiter)

	_, err := f.service.TransferByPhone(context.Background(), validRequest())
	var rateLimited *RateLimitError
	if !errors.As(err, &rateLimited) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rateLimited.RetryAfterSeconds != 30 {
		t.Fatalf("expected retry after 30s, got %d", rateLimited.RetryAfterSeconds)
	}
	if len(f.repo.inserted) != 0 {
		t.Fatal("a rate-limited submission must not create a transfer")
	}
}

func TestTransferByPhoneAllowsWhenLimiterBroken(t *testing.T) {
	f := newServiceFixture()
	f.service.cfg.SubmitRateLimitPerMinute = 5
	f.service.SetSubmitRateLimiter(&limiterStub{err: errors.New("redis down")})

	if _, err := f.service.TransferByPhone(context.Background(), validRequest()); err != nil {
		t.Fatalf("a broken limiter must not block submissions, got %v", err)
	}
}

func TestTransferByPhoneSkipsLimiterWhenDisabled(t *testing.T) {
	f := newServiceFixture()
	limiter := &limiterStub{count: 100, retryAfter: 30}
	f.service.SetSubmitRateLimiter(limiter)

	if _, err := f.service.TransferByPhone(context.Background(), validRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 0 {
		t.Fatal("limiter must not be consulted when the limit is zero")
	}
}
