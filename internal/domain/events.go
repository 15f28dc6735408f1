package domain

import "time"

// TransferStatusEvent is published on every status change so downstream
// services (notifications, history) can react without polling.
type TransferStatusEvent struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	TransferID    string         `json:"transfer_id"`
	BrokerID      string         `json:"broker_id"`
	ClientID      string         `json:"client_id"`
	WalletID      string         `json:"wallet_id"`
	Status        TransferStatus `json:"status"`
	WorkflowState WorkflowState  `json:"workflow_state"`
	AmountText    string         `json:"amount"`
	AssetSymbol   string         `json:"asset_symbol"`
	ToPhoneNumber string         `json:"to_phone_number"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// VerificationApprovedEvent arrives when the sender approves the transfer
// out-of-band (push confirmation, SMS code).
type VerificationApprovedEvent struct {
	TransferID string `json:"transfer_id"`
	ClientIP   string `json:"client_ip,omitempty"`
}

// IdentityConfirmedEvent arrives when a client confirms ownership of a phone
// number; transfers parked on that number become claimable.
type IdentityConfirmedEvent struct {
	ClientID    string `json:"client_id"`
	PhoneNumber string `json:"phone_number"`
}
