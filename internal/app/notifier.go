/**
 * @description
 * The notifier is the ledger's fire-and-forget side channel. Every money transition posts a
 * system message into the order chat and alerts one or both parties. Messages are
 * published on the escrow events exchange and consumed by the chat and notification
 * services; a publish failure is logged and never fails the transition that caused it.
 *
 * @dependencies
 * - pkg/rabbitmq: Topic exchange publisher.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/editora/escrow-service/internal/domain"
	"github.com/editora/escrow-service/pkg/rabbitmq"
)

const (
	systemMessageRoutingKey = "chat.system_message"
	notificationKeyPrefix   = "notification.order."
)

// Notifier delivers chat system messages and user notifications.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
	PostSystemMessage(ctx context.Context, m domain.SystemMessage)
}

// EventNotifier publishes notifications to RabbitMQ.
type EventNotifier struct {
	publisher rabbitmq.Publisher
	exchange  string
}

// NewEventNotifier creates a notifier that publishes to exchange.
func NewEventNotifier(publisher rabbitmq.Publisher, exchange string) *EventNotifier {
	return &EventNotifier{publisher: publisher, exchange: exchange}
}

func (n *EventNotifier) Notify(ctx context.Context, note domain.Notification) {
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	if err := n.publisher.Publish(ctx, n.exchange, notificationKeyPrefix+string(note.Kind), note); err != nil {
		log.Printf("level=warn component=notifier msg=\"notification publish failed\" order_id=%s user_id=%s kind=%s err=%v", note.OrderID, note.UserID, note.Kind, err)
	}
}

func (n *EventNotifier) PostSystemMessage(ctx context.Context, m domain.SystemMessage) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := n.publisher.Publish(ctx, n.exchange, systemMessageRoutingKey, m); err != nil {
		log.Printf("level=warn component=notifier msg=\"system message publish failed\" order_id=%s event=%s err=%v", m.OrderID, m.Event, err)
	}
}
