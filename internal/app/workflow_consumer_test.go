package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/editora/escrow-service/internal/domain"
	"github.com/google/uuid"
)

type stubAdvancer struct {
	err    error
	events []domain.WorkflowEvent
}

func (s *stubAdvancer) AdvanceWorkflow(ctx context.Context, ev domain.WorkflowEvent) error {
	s.events = append(s.events, ev)
	return s.err
}

func TestWorkflowConsumerAckDecisions(t *testing.T) {
	orderID := uuid.New()
	body := []byte(fmt.Sprintf(`{"order_id":%q,"actor_id":%q}`, orderID, uuid.New()))

	tests := []struct {
		name string
		err  error
		ack  bool
	}{
		{name: "applied", err: nil, ack: true},
		{name: "already moved", err: ErrStaleTransition, ack: true},
		{name: "unknown order", err: ErrOrderNotFound, ack: true},
		{name: "wrong actor", err: ErrForbidden, ack: true},
		{name: "transient", err: errors.New("connection refused"), ack: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			advancer := &stubAdvancer{err: tt.err}
			consumer := NewWorkflowConsumer(advancer)

			handler := consumer.Bindings()[domain.EventOrderSubmitted]
			if got := handler(body); got != tt.ack {
				t.Fatalf("expected ack=%t, got %t", tt.ack, got)
			}
			if len(advancer.events) != 1 || advancer.events[0].Type != domain.EventOrderSubmitted {
				t.Fatalf("expected the routing key to set the event type, got %+v", advancer.events)
			}
		})
	}
}

func TestWorkflowConsumerDropsMalformedMessages(t *testing.T) {
	advancer := &stubAdvancer{}
	handler := NewWorkflowConsumer(advancer).Bindings()[domain.EventOrderAccepted]

	if !handler([]byte("not json")) {
		t.Fatalf("expected malformed payloads to be acknowledged")
	}
	if !handler([]byte(`{"type":"order.accepted"}`)) {
		t.Fatalf("expected payloads without an order id to be acknowledged")
	}
	if len(advancer.events) != 0 {
		t.Fatalf("expected no events to reach the ledger")
	}
}
