// Package events publishes ledger transitions to adjoining systems (notifications, audit).
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types emitted by the ledger.
const (
	TicketAssigned      = "ticket.assigned"
	TicketAccepted      = "ticket.accepted"
	TicketRejected      = "ticket.rejected"
	TicketCancelled     = "ticket.cancelled"
	TicketCredited      = "ticket.credited"
	TicketSourceCreated = "ticket_source.created"
)

// Event is one committed ledger change.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	EntityIDs  []string          `json:"entity_ids"`
	Attributes map[string]string `json:"attributes"`
}

// New builds an event stamped with a fresh id and the current time.
func New(eventType string, entityIDs []string, attributes map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		EntityIDs:  entityIDs,
		Attributes: attributes,
	}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Strings("entity_ids", event.EntityIDs),
		zap.Time("occurred_at", event.OccurredAt),
	}
	for k, v := range event.Attributes {
		fields = append(fields, zap.String(k, v))
	}
	p.logger.Info("Ledger event", fields...)
	return nil
}
