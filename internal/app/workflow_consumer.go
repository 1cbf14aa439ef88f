package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/editora/escrow-service/internal/domain"
	"github.com/editora/escrow-service/internal/store"
	"github.com/editora/escrow-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

// WorkflowAdvancer applies order workflow events.
type WorkflowAdvancer interface {
	AdvanceWorkflow(ctx context.Context, ev domain.WorkflowEvent) error
}

// WorkflowConsumer applies order workflow events published by the marketplace services.
type WorkflowConsumer struct {
	ledger WorkflowAdvancer
}

func NewWorkflowConsumer(ledger WorkflowAdvancer) *WorkflowConsumer {
	return &WorkflowConsumer{ledger: ledger}
}

// Bindings returns one handler per workflow routing key.
func (c *WorkflowConsumer) Bindings() map[string]rabbitmq.Handler {
	bindings := make(map[string]rabbitmq.Handler)
	for _, key := range []string{
		domain.EventOrderAccepted,
		domain.EventOrderStarted,
		domain.EventOrderSubmitted,
		domain.EventOrderRejected,
		domain.EventRatingSubmitted,
	} {
		routingKey := key
		bindings[routingKey] = func(body []byte) bool {
			return c.handle(routingKey, body)
		}
	}
	return bindings
}

func (c *WorkflowConsumer) handle(routingKey string, body []byte) bool {
	var event domain.WorkflowEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=workflow_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}
	if event.Type == "" {
		event.Type = routingKey
	}
	if event.OrderID == uuid.Nil {
		log.Printf("level=warn component=workflow_consumer msg=\"missing order id\" type=%s", event.Type)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.ledger.AdvanceWorkflow(ctx, event); err != nil {
		if isFinalWorkflowError(err) {
			log.Printf("level=info component=workflow_consumer msg=\"event not applicable; acknowledging\" type=%s order_id=%s reason=%q", event.Type, event.OrderID, err.Error())
			return true
		}
		log.Printf("level=error component=workflow_consumer msg=\"processing error\" type=%s order_id=%s err=%v", event.Type, event.OrderID, err)
		return false
	}
	return true
}

// isFinalWorkflowError reports errors a redelivery cannot fix.
func isFinalWorkflowError(err error) bool {
	return errors.Is(err, store.ErrStaleTransition) ||
		errors.Is(err, store.ErrOrderNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidOrder) ||
		errors.Is(err, ErrAlreadySettled)
}
