/**
 * @description
 * This file contains the background Processor, the state machine driver for
 * transfers. A timer loop sweeps the table in a fixed order on every tick:
 *
 *   1. expiring   - approval never arrived, close the transfer
 *   2. cancelling - sender asked out, refund held funds and finish
 *   3. new        - request sender approval or pass straight to delivery
 *   4. pending    - pay a registered recipient directly, or hold the funds
 *                   in the buffer wallet and park the transfer
 *
 * Each sweep loads one batch, works the records with bounded parallelism,
 * publishes one event per record, and flushes every touched record back in
 * a single batch update. Handler failures never stop the sweep; they bump
 * the record's retry bookkeeping and the next tick tries again, until the
 * retry ceiling freezes the record. A publish failure rolls the bookkeeping
 * back to its pre-handler values but never the business status, so a ledger
 * effect that already happened is not repeated.
 *
 * Funds sit in the buffer wallet exactly while a transfer is parked in
 * waiting_for_user; every other status either has not moved money yet or
 * has already delivered it.
 *
 * @dependencies
 * - golang.org/x/sync/errgroup: Bounded parallelism inside a sweep.
 * - internal/config: Live processing knobs, re-read on every tick.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/transfa/transfer-service/internal/config"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
)

// Processor drives parked transfers through the workflow.
type Processor struct {
	repo        store.Repository
	executor    *Executor
	identity    IdentityAPI
	wallets     WalletAPI
	verifier    VerifyAPI
	producer    rabbitmq.Publisher
	inProgress  *InProgressCache
	cfg         ServiceConfig
	parallelism int

	// settings and now are swappable for tests.
	settings func() config.ProcessingSettings
	now      func() time.Time
}

// NewProcessor creates a new Processor.
func NewProcessor(repo store.Repository, executor *Executor, identity IdentityAPI, wallets WalletAPI, verifier VerifyAPI, producer rabbitmq.Publisher, inProgress *InProgressCache, cfg ServiceConfig, parallelism int) *Processor {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Processor{
		repo:        repo,
		executor:    executor,
		identity:    identity,
		wallets:     wallets,
		verifier:    verifier,
		producer:    producer,
		inProgress:  inProgress,
		cfg:         cfg,
		parallelism: parallelism,
		settings:    config.Processing,
		now:         time.Now,
	}
}

// Run loops until the context is cancelled. The interval is re-read after
// every tick so configuration changes take effect without a restart.
func (p *Processor) Run(ctx context.Context) {
	log.Printf("level=info component=processor msg=\"processor started\"")
	for {
		s := p.settings()
		timer := time.NewTimer(s.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Printf("level=info component=processor msg=\"processor stopped\"")
			return
		case <-timer.C:
		}
		if err := p.Tick(ctx); err != nil {
			log.Printf("level=error component=processor msg=\"tick failed\" err=%v", err)
		}
	}
}

// Tick runs one full pass over all sweeps in their fixed order.
func (p *Processor) Tick(ctx context.Context) error {
	s := p.settings()

	expiring, err := p.repo.ListExpiring(ctx, p.now().UTC().Add(-s.TransferTTL), s.SweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list expiring transfers: %w", err)
	}
	p.sweep(ctx, "expiring", expiring, s, p.processExpiring)

	cancelling, err := p.repo.ListCancelling(ctx, s.SweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list cancelling transfers: %w", err)
	}
	p.sweep(ctx, "cancelling", cancelling, s, p.processCancelling)

	fresh, err := p.repo.ListByStatus(ctx, domain.StatusNew, s.SweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list new transfers: %w", err)
	}
	p.sweep(ctx, "new", fresh, s, p.processNew)

	pending, err := p.repo.ListByStatus(ctx, domain.StatusPending, s.SweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list pending transfers: %w", err)
	}
	p.sweep(ctx, "pending", pending, s, p.processPending)

	return nil
}

type transferHandler func(ctx context.Context, t *domain.Transfer, s config.ProcessingSettings)

// sweep works one batch with bounded parallelism, publishes every record's
// committed snapshot, and flushes the batch back in a single write. Handlers
// mutate the records in place and never return errors; failures land in the
// records' retry bookkeeping. A failed publish rolls the bookkeeping back to
// its pre-handler values and counts as a handler failure, while the advanced
// status is kept.
func (p *Processor) sweep(ctx context.Context, name string, batch []*domain.Transfer, s config.ProcessingSettings, handle transferHandler) {
	if len(batch) == 0 {
		return
	}

	var mu sync.Mutex
	touched := make([]*domain.Transfer, 0, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for _, t := range batch {
		t := t
		g.Go(func() error {
			prevState, prevRetries, prevLastError := t.WorkflowState, t.RetriesCount, t.LastError
			handle(gctx, t, s)

			if err := publishTransferEvent(gctx, p.producer, p.cfg.TransferEventExchange, eventTypeForStatus(t.Status), t); err != nil {
				t.WorkflowState, t.RetriesCount, t.LastError = prevState, prevRetries, prevLastError
				p.handleError(t, fmt.Errorf("failed to publish transfer event: %w", err), s)
			}
			p.invalidateCache(gctx, t)

			mu.Lock()
			touched = append(touched, t)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := p.repo.UpdateTransfers(ctx, touched); err != nil {
		log.Printf("level=error component=processor sweep=%s count=%d msg=\"failed to flush sweep batch\" err=%v", name, len(touched), err)
		return
	}
	log.Printf("level=info component=processor sweep=%s count=%d msg=\"sweep complete\"", name, len(touched))
}

// handleError records a failed handler attempt. Once the retry ceiling is
// reached the record freezes and leaves every sweep until an explicit retry.
func (p *Processor) handleError(t *domain.Transfer, err error, s config.ProcessingSettings) {
	msg := truncateError(err.Error())
	t.LastError = &msg
	t.RetriesCount++
	if t.RetriesCount >= s.MaxRetries {
		t.WorkflowState = domain.WorkflowFailed
		log.Printf("level=error component=processor transfer_id=%d retries=%d msg=\"retry ceiling reached; transfer frozen\" err=%v", t.ID, t.RetriesCount, err)
		return
	}
	t.WorkflowState = domain.WorkflowRetrying
	log.Printf("level=warn component=processor transfer_id=%d retries=%d msg=\"handler failed; will retry\" err=%v", t.ID, t.RetriesCount, err)
}

// clearBookkeeping resets the retry axis after a successful step.
func clearBookkeeping(t *domain.Transfer) {
	t.WorkflowState = domain.WorkflowOK
	t.RetriesCount = 0
	t.LastError = nil
}

func (p *Processor) invalidateCache(ctx context.Context, t *domain.Transfer) {
	if p.inProgress == nil {
		return
	}
	if err := p.inProgress.Invalidate(ctx, t.ClientID, t.AssetSymbol); err != nil {
		log.Printf("level=warn component=processor transfer_id=%d msg=\"failed to invalidate in-progress cache\" err=%v", t.ID, err)
	}
}

// whitelisted consults the tick's settings, so whitelist changes apply
// without a restart like the other processing knobs.
func whitelisted(phone string, s config.ProcessingSettings) bool {
	phone = strings.TrimSpace(phone)
	for _, w := range s.WhitelistedPhones {
		if w == phone {
			return true
		}
	}
	return false
}

// processNew gates a fresh transfer behind sender approval, or passes it
// straight to delivery when approval is disabled or the destination is
// whitelisted. No money moves here.
func (p *Processor) processNew(ctx context.Context, t *domain.Transfer, s config.ProcessingSettings) {
	if p.cfg.RequireVerification && !whitelisted(t.DestinationPhoneNumber, s) {
		sent, err := p.verifier.RequestVerification(ctx, verificationRequestFor(t))
		if err != nil {
			p.handleError(t, fmt.Errorf("failed to request verification: %w", err), s)
			return
		}
		// The expiry clock starts at the first dispatch. A rate-limited
		// re-send means a code is already out there.
		if sent || t.NotificationTime == nil {
			now := p.now().UTC()
			t.NotificationTime = &now
		}
		t.Status = domain.StatusApprovalPending
		clearBookkeeping(t)
		return
	}

	t.Status = domain.StatusPending
	clearBookkeeping(t)
}

// processPending delivers the funds. A registered recipient is paid with one
// direct transfer; otherwise the funds are held in the buffer wallet and the
// transfer parks until the destination phone number gets an owner.
func (p *Processor) processPending(ctx context.Context, t *domain.Transfer, s config.ProcessingSettings) {
	if t.DestinationClientID == nil {
		owner, err := p.identity.ResolvePhone(ctx, t.BrokerID, t.DestinationPhoneNumber)
		if err != nil {
			p.handleError(t, fmt.Errorf("failed to resolve destination phone: %w", err), s)
			return
		}
		if owner.IsRegistered {
			clientID := owner.ClientID
			t.DestinationClientID = &clientID
		}
	}

	if t.DestinationClientID != nil {
		if t.DestinationWalletID == nil {
			wallet, err := p.wallets.GetDefaultWallet(ctx, t.BrokerID, *t.DestinationClientID)
			if err != nil {
				p.handleError(t, fmt.Errorf("failed to resolve destination wallet: %w", err), s)
				return
			}
			walletID := wallet.WalletID
			t.DestinationWalletID = &walletID
		}

		code, err := p.executor.Direct(ctx, t)
		if err != nil {
			p.handleError(t, err, s)
			return
		}
		if code != domain.ErrorCodeOK {
			p.handleError(t, fmt.Errorf("ledger rejected transfer: %s", code), s)
			return
		}

		t.Status = domain.StatusCompleted
		clearBookkeeping(t)
		return
	}

	code, err := p.executor.Hold(ctx, t)
	if err != nil {
		p.handleError(t, err, s)
		return
	}
	if code != domain.ErrorCodeOK {
		p.handleError(t, fmt.Errorf("ledger rejected hold: %s", code), s)
		return
	}

	t.Status = domain.StatusWaitingForUser
	clearBookkeeping(t)
}

// processCancelling finishes a requested cancellation. Only parked transfers
// hold funds, so only they are refunded; everything else just closes.
func (p *Processor) processCancelling(ctx context.Context, t *domain.Transfer, s config.ProcessingSettings) {
	if t.Status == domain.StatusWaitingForUser {
		code, err := p.executor.Refund(ctx, t)
		if err != nil {
			p.handleError(t, err, s)
			return
		}
		if code != domain.ErrorCodeOK {
			p.handleError(t, fmt.Errorf("ledger rejected refund: %s", code), s)
			return
		}
	}

	t.Status = domain.StatusCancelled
	clearBookkeeping(t)
}

// processExpiring closes a transfer whose approval never arrived. No funds
// have moved yet at the approval gate, so there is nothing to refund. The
// Expired marker distinguishes this from a user cancellation.
func (p *Processor) processExpiring(ctx context.Context, t *domain.Transfer, s config.ProcessingSettings) {
	t.Status = domain.StatusCancelled
	clearBookkeeping(t)
	expired := "Expired"
	t.LastError = &expired
}

// finishEventStep publishes and persists one record moved by an external
// event, applying the same publish-failure rollback as a sweep.
func (p *Processor) finishEventStep(ctx context.Context, t *domain.Transfer, eventType string, prevState domain.WorkflowState, prevRetries int, prevLastError *string, s config.ProcessingSettings) {
	if err := publishTransferEvent(ctx, p.producer, p.cfg.TransferEventExchange, eventType, t); err != nil {
		t.WorkflowState, t.RetriesCount, t.LastError = prevState, prevRetries, prevLastError
		p.handleError(t, fmt.Errorf("failed to publish %s event: %w", eventType, err), s)
	}
	p.invalidateCache(ctx, t)
}

// HandleVerificationApproved moves an approved transfer from the approval
// gate into the delivery path. Approvals for transfers in any other state
// are logged and dropped.
func (p *Processor) HandleVerificationApproved(ctx context.Context, ev domain.VerificationApprovedEvent) error {
	id, err := parseTransferID(ev.TransferID)
	if err != nil {
		log.Printf("level=warn component=processor event=verification_approved msg=\"unparsable transfer id; dropping\" transfer_id=%q", ev.TransferID)
		return nil
	}

	t, err := p.repo.GetTransferByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			log.Printf("level=warn component=processor event=verification_approved transfer_id=%d msg=\"unknown transfer; dropping\"", id)
			return nil
		}
		return fmt.Errorf("failed to load transfer %d: %w", id, err)
	}
	if t.Status != domain.StatusApprovalPending {
		log.Printf("level=info component=processor event=verification_approved transfer_id=%d status=%s msg=\"transfer not awaiting approval; dropping\"", t.ID, t.Status)
		return nil
	}

	s := p.settings()
	prevState, prevRetries, prevLastError := t.WorkflowState, t.RetriesCount, t.LastError
	if ev.ClientIP != "" {
		t.ClientIP = ev.ClientIP
	}
	if t.Cancelling {
		// A cancellation request beats the approval. Nothing is held at the
		// approval gate, so the transfer just closes.
		t.Status = domain.StatusCancelled
		clearBookkeeping(t)
		p.finishEventStep(ctx, t, eventTypeForStatus(t.Status), prevState, prevRetries, prevLastError, s)
	} else {
		t.Status = domain.StatusPending
		clearBookkeeping(t)
		p.finishEventStep(ctx, t, "transfer.approved", prevState, prevRetries, prevLastError, s)
	}

	if err := p.repo.UpdateTransfer(ctx, t); err != nil {
		return fmt.Errorf("failed to persist approval for transfer %d: %w", t.ID, err)
	}
	return nil
}

// HandleIdentityConfirmed completes every transfer parked on a phone number
// whose owner just registered: the held funds are released from the buffer
// wallet into the new client's wallet.
func (p *Processor) HandleIdentityConfirmed(ctx context.Context, ev domain.IdentityConfirmedEvent) error {
	if ev.ClientID == "" || ev.PhoneNumber == "" {
		log.Printf("level=warn component=processor event=identity_confirmed msg=\"incomplete event; dropping\" client_id=%q phone=%q", ev.ClientID, ev.PhoneNumber)
		return nil
	}

	s := p.settings()
	parked, err := p.repo.ListWaitingForPhone(ctx, ev.PhoneNumber, s.SweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list parked transfers for phone: %w", err)
	}
	if len(parked) == 0 {
		return nil
	}

	p.sweep(ctx, "identity_confirmed", parked, s, func(ctx context.Context, t *domain.Transfer, s config.ProcessingSettings) {
		clientID := ev.ClientID
		t.DestinationClientID = &clientID
		if t.DestinationWalletID == nil {
			wallet, walletErr := p.wallets.GetDefaultWallet(ctx, t.BrokerID, clientID)
			if walletErr != nil {
				p.handleError(t, fmt.Errorf("failed to resolve destination wallet: %w", walletErr), s)
				return
			}
			walletID := wallet.WalletID
			t.DestinationWalletID = &walletID
		}

		code, releaseErr := p.executor.Release(ctx, t)
		if releaseErr != nil {
			p.handleError(t, releaseErr, s)
			return
		}
		if code != domain.ErrorCodeOK {
			p.handleError(t, fmt.Errorf("ledger rejected release: %s", code), s)
			return
		}

		t.Status = domain.StatusCompleted
		clearBookkeeping(t)
	})

	log.Printf("level=info component=processor event=identity_confirmed client_id=%s count=%d msg=\"parked transfers released\"", ev.ClientID, len(parked))
	return nil
}
