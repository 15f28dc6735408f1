package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
	"github.com/transfa/transfer-service/pkg/verifyclient"
)

// publishTransferEvent emits one lifecycle event for a transfer. The routing
// key carries the business status so consumers can bind to exactly the
// transitions they care about.
func publishTransferEvent(ctx context.Context, producer rabbitmq.Publisher, exchange, eventType string, t *domain.Transfer) error {
	event := domain.TransferStatusEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		TransferID:    strconv.FormatInt(t.ID, 10),
		BrokerID:      t.BrokerID,
		ClientID:      t.ClientID,
		WalletID:      t.WalletID,
		Status:        t.Status,
		WorkflowState: t.WorkflowState,
		AmountText:    t.Amount.String(),
		AssetSymbol:   t.AssetSymbol,
		ToPhoneNumber: t.DestinationPhoneNumber,
		OccurredAt:    time.Now().UTC(),
	}
	routingKey := "transfer.status." + string(t.Status)
	return producer.Publish(ctx, exchange, routingKey, event)
}

// eventTypeForStatus names the sweep-published event after the business
// status the record carries when it is committed.
func eventTypeForStatus(status domain.TransferStatus) string {
	return "transfer." + string(status)
}

// parseTransferID parses the string transfer id carried by events.
func parseTransferID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid transfer id %q", raw)
	}
	return id, nil
}

// verificationRequestFor builds the approval challenge payload for a
/// transfer: the destination phone the challenge describes, plus the
// submitting device's ip, model, and location.
func verificationRequestFor(t *domain.Transfer) verifyclient.VerificationRequest {
	return verifyclient.VerificationRequest{
		TransferID:       strconv.FormatInt(t.ID, 10),
		BrokerID:         t.BrokerID,
		ClientID:         t.ClientID,
		DestinationPhone: t.DestinationPhoneNumber,
		IPAddress:        t.ClientIP,
		PhoneModel:       t.PhoneModel,
		Location:         t.Location,
		Lang:             t.ClientLang,
		Amount:           t.Amount.String(),
		AssetSymbol:      t.AssetSymbol,
	}
}
