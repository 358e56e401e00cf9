package saf

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"saf-registry/ledger-backend/internal/events"
)

// Assign cuts a Pending ticket of req.Volume from a source owned by the caller.
func (s *Service) Assign(ctx context.Context, callerID, sourceID uuid.UUID, req AssignRequest) (ticket *Ticket, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("assign", start, err) }()

	if err := validateVolume(req.Volume); err != nil {
		return nil, err
	}
	caller, err := s.caller(ctx, callerID)
	if err != nil {
		return nil, err
	}
	client, err := s.counterparty(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}

	// Ownership never changes, so it can be checked before the lock.
	source, err := s.repo.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if source.OwnerEntityID != caller.ID {
		return nil, fmt.Errorf("%w: source %s is not owned by %s", ErrForbidden, sourceID, caller.ID)
	}

	draft := Ticket{
		SupplierEntityID: caller.ID,
		ClientEntityID:   client.ID,
		Status:           TicketPending,
	}
	if err := req.apply(&draft, client); err != nil {
		return nil, err
	}

	err = s.withSourceLock(ctx, []uuid.UUID{sourceID}, func(scope SourceScope) error {
		locked, err := scope.Source(sourceID)
		if err != nil {
			return err
		}
		ticket, err = reserve(ctx, scope, locked, draft, req.Volume)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Ticket assigned",
		zap.String("ticket_id", ticket.ID.String()),
		zap.String("source_id", sourceID.String()),
		zap.String("volume", ticket.Volume.String()),
		zap.String("entity_id", caller.ID.String()),
		zap.String("client_id", client.ID.String()))
	s.metrics.addAssigned(ticket.Volume.InexactFloat64())
	s.afterCommit(ctx, events.TicketAssigned, []uuid.UUID{caller.ID, client.ID}, ticketAttrs(ticket))
	return ticket, nil
}

// GroupAssign spreads req.Volume over the listed sources in the order given, filling each
// source before moving on. Either every ticket is created or none is.
func (s *Service) GroupAssign(ctx context.Context, callerID uuid.UUID, req GroupAssignRequest) (result *GroupAssignResult, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("group_assign", start, err) }()

	if err := validateVolume(req.Volume); err != nil {
		return nil, err
	}
	ids := uniqueIDs(req.SourceIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: ticket_sources_ids is empty", ErrInvalidInput)
	}
	caller, err := s.caller(ctx, callerID)
	if err != nil {
		return nil, err
	}
	client, err := s.counterparty(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		source, err := s.repo.GetSource(ctx, id)
		if err != nil {
			return nil, err
		}
		if source.OwnerEntityID != caller.ID {
			return nil, fmt.Errorf("%w: source %s is not owned by %s", ErrForbidden, id, caller.ID)
		}
	}

	draft := Ticket{
		SupplierEntityID: caller.ID,
		ClientEntityID:   client.ID,
		Status:           TicketPending,
	}
	if err := req.apply(&draft, client); err != nil {
		return nil, err
	}

	var created []*Ticket
	err = s.withSourceLock(ctx, ids, func(scope SourceScope) error {
		created = created[:0]

		sources := make([]*TicketSource, 0, len(ids))
		available := decimal.Zero
		for _, id := range ids {
			source, err := scope.Source(id)
			if err != nil {
				return err
			}
			sources = append(sources, source)
			available = available.Add(source.RemainingVolume())
		}
		if req.Volume.GreaterThan(available) {
			return fmt.Errorf("%w: requested %s, %s remaining across %d sources",
				ErrInsufficientVolume, req.Volume, available, len(sources))
		}

		left := req.Volume
		for _, source := range sources {
			if !left.IsPositive() {
				break
			}
			remaining := source.RemainingVolume()
			if !remaining.IsPositive() {
				continue
			}
			take := decimal.Min(remaining, left)
			ticket, err := reserve(ctx, scope, source, draft, take)
			if err != nil {
				return err
			}
			created = append(created, ticket)
			left = left.Sub(take)
		}
		if !left.IsZero() {
			return fmt.Errorf("%w: %s left unallocated after visiting every source", ErrInvariantViolation, left)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Tickets group-assigned",
		zap.Int("tickets", len(created)),
		zap.String("volume", req.Volume.String()),
		zap.String("entity_id", caller.ID.String()),
		zap.String("client_id", client.ID.String()))
	s.metrics.addAssigned(req.Volume.InexactFloat64())
	for _, ticket := range created {
		s.afterCommit(ctx, events.TicketAssigned, []uuid.UUID{caller.ID, client.ID}, ticketAttrs(ticket))
	}
	return &GroupAssignResult{Tickets: created, AssignedCount: len(created)}, nil
}

// reserve creates a ticket of volume on a locked source and raises its assigned volume.
func reserve(ctx context.Context, scope SourceScope, source *TicketSource, draft Ticket, volume decimal.Decimal) (*Ticket, error) {
	remaining := source.RemainingVolume()
	if volume.GreaterThan(remaining) {
		return nil, fmt.Errorf("%w: requested %s, %s remaining on source %s",
			ErrInsufficientVolume, volume, remaining, source.ID)
	}

	ticket := draft
	ticket.ID = uuid.New()
	ticket.SourceID = source.ID
	ticket.Year = source.Year
	ticket.Volume = volume
	ticket.Durability = source.Durability
	ticket.CreatedAt = time.Now().UTC()

	source.AssignedVolume = source.AssignedVolume.Add(volume)
	if err := source.CheckInvariant(); err != nil {
		return nil, err
	}
	if err := scope.InsertTicket(ctx, &ticket); err != nil {
		return nil, err
	}
	if err := scope.SetAssignedVolume(ctx, source.ID, source.AssignedVolume); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// uniqueIDs drops duplicates and keeps the first occurrence order.
func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func ticketAttrs(t *Ticket) map[string]string {
	return map[string]string{
		"ticket_id": t.ID.String(),
		"source_id": t.SourceID.String(),
		"volume":    t.Volume.String(),
		"status":    string(t.Status),
	}
}
