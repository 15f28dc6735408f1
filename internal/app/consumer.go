package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/transfa/transfer-service/internal/domain"
)

// WorkflowEventConsumer reacts to the two external events that move
// transfers without waiting for a timer tick: the sender approving a
// transfer, and a phone number's owner registering.
type WorkflowEventConsumer struct {
	processor *Processor
}

func NewWorkflowEventConsumer(processor *Processor) *WorkflowEventConsumer {
	return &WorkflowEventConsumer{processor: processor}
}

// Bindings maps routing keys to handlers, in the shape the RabbitMQ
// consumer expects. Returning true acknowledges; false re-queues.
func (c *WorkflowEventConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		"transfer.verification.approved": c.HandleVerificationApproved,
		"client.identity.confirmed":      c.HandleIdentityConfirmed,
	}
}

func (c *WorkflowEventConsumer) HandleVerificationApproved(body []byte) bool {
	var event domain.VerificationApprovedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=workflow_consumer event=verification_approved msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processor.HandleVerificationApproved(ctx, event); err != nil {
		log.Printf("level=error component=workflow_consumer event=verification_approved transfer_id=%s msg=\"processing error; re-queuing\" err=%v", event.TransferID, err)
		return false
	}
	return true
}

func (c *WorkflowEventConsumer) HandleIdentityConfirmed(body []byte) bool {
	var event domain.IdentityConfirmedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=workflow_consumer event=identity_confirmed msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processor.HandleIdentityConfirmed(ctx, event); err != nil {
		log.Printf("level=error component=workflow_consumer event=identity_confirmed client_id=%s msg=\"processing error; re-queuing\" err=%v", event.ClientID, err)
		return false
	}
	return true
}
