package saf

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"saf-registry/ledger-backend/internal/directory"
	"saf-registry/ledger-backend/internal/events"
	"saf-registry/ledger-backend/pkg/workflows"
)

// ticketTransitions is the complete table of legal ticket status changes.
var ticketTransitions = workflows.NewStateMachine(map[TicketStatus][]TicketStatus{
	TicketPending:  {TicketAccepted, TicketRejected, TicketCancelled},
	TicketRejected: {TicketCancelled},
	TicketAccepted: {TicketCredited},
})

// CanTransition reports whether a ticket may move from one status to another.
func CanTransition(from, to TicketStatus) bool {
	return ticketTransitions.CanTransition(from, to)
}

type party int

const (
	partySupplier party = iota
	partyClient
)

func checkParty(t *Ticket, caller *directory.Entity, want party) error {
	switch want {
	case partySupplier:
		if t.SupplierEntityID == caller.ID {
			return nil
		}
		return fmt.Errorf("%w: only the supplier of ticket %s may do this", ErrForbidden, t.ID)
	default:
		if t.ClientEntityID == caller.ID {
			return nil
		}
		return fmt.Errorf("%w: only the client of ticket %s may do this", ErrForbidden, t.ID)
	}
}

func guardTransition(t *Ticket, to TicketStatus) error {
	if ticketTransitions.CanTransition(t.Status, to) {
		return nil
	}
	if to == TicketCredited && t.Status == TicketCredited {
		return fmt.Errorf("%w: ticket %s", ErrAlreadyCredited, t.ID)
	}
	if ticketTransitions.IsTerminal(t.Status) {
		return fmt.Errorf("%w: ticket %s is %s, a final status", ErrInvalidTransition, t.ID, t.Status)
	}
	return fmt.Errorf("%w: ticket %s cannot go from %s to %s, only to %v",
		ErrInvalidTransition, t.ID, t.Status, to, ticketTransitions.GetAllowedTransitions(t.Status))
}

// mutateTicket authorizes the caller against the ticket's parties, then re-reads the ticket
// under its source lock, guards the transition and lets apply change it before persisting.
func (s *Service) mutateTicket(ctx context.Context, caller *directory.Entity, ticketID uuid.UUID, who party, to TicketStatus,
	apply func(scope SourceScope, t *Ticket) error) (*Ticket, error) {
	// Parties never change, so authorization needs no lock.
	current, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if err := checkParty(current, caller, who); err != nil {
		return nil, err
	}

	var updated *Ticket
	err = s.withSourceLock(ctx, []uuid.UUID{current.SourceID}, func(scope SourceScope) error {
		t, err := scope.Ticket(ctx, ticketID)
		if err != nil {
			return err
		}
		if err := guardTransition(t, to); err != nil {
			return err
		}
		if apply != nil {
			if err := apply(scope, t); err != nil {
				return err
			}
		}
		t.Status = to
		if err := scope.UpdateTicket(ctx, t); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// release returns a ticket's volume to its locked source.
func release(ctx context.Context, scope SourceScope, t *Ticket) error {
	source, err := scope.Source(t.SourceID)
	if err != nil {
		return err
	}
	source.AssignedVolume = source.AssignedVolume.Sub(t.Volume)
	if err := source.CheckInvariant(); err != nil {
		return err
	}
	return scope.SetAssignedVolume(ctx, source.ID, source.AssignedVolume)
}

// Accept moves a Pending ticket to Accepted. Airline clients must declare an ETS status.
func (s *Service) Accept(ctx context.Context, callerID, ticketID uuid.UUID, req AcceptRequest) (ticket *Ticket, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("accept", start, err) }()

	caller, err := s.caller(ctx, callerID)
	if err != nil {
		return nil, err
	}

	declared, err := parseDate("ets_declaration_date", req.ETSDeclarationDate)
	if err != nil {
		return nil, err
	}
	if caller.Role == directory.RoleAirline {
		if req.ETSStatus == nil {
			return nil, fmt.Errorf("%w: ets_status is required for airlines", ErrInvalidInput)
		}
		if !req.ETSStatus.valid() {
			return nil, fmt.Errorf("%w: unknown ets_status %q", ErrInvalidInput, *req.ETSStatus)
		}
		if err := validateReception(req.ShippingMethod, req.ConsumptionType); err != nil {
			return nil, err
		}
	} else if req.ETSStatus != nil || declared != nil || req.hasReception() {
		return nil, fmt.Errorf("%w: ets and reception fields are only accepted from airlines", ErrInvalidInput)
	}

	ticket, err = s.mutateTicket(ctx, caller, ticketID, partyClient, TicketAccepted, func(_ SourceScope, t *Ticket) error {
		t.ETSStatus = req.ETSStatus
		t.ETSDeclarationDate = declared
		req.fillReception(t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Ticket accepted",
		zap.String("ticket_id", ticket.ID.String()),
		zap.String("source_id", ticket.SourceID.String()),
		zap.String("volume", ticket.Volume.String()),
		zap.String("entity_id", caller.ID.String()))
	s.afterCommit(ctx, events.TicketAccepted, []uuid.UUID{ticket.SupplierEntityID, ticket.ClientEntityID}, ticketAttrs(ticket))
	return ticket, nil
}

// Reject moves a Pending ticket to Rejected and returns its volume to the source.
func (s *Service) Reject(ctx context.Context, callerID, ticketID uuid.UUID, req RejectRequest) (ticket *Ticket, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("reject", start, err) }()

	comment := strings.TrimSpace(req.Comment)
	if comment == "" {
		return nil, fmt.Errorf("%w: comment is required", ErrInvalidInput)
	}
	caller, err := s.caller(ctx, callerID)
	if err != nil {
		return nil, err
	}

	ticket, err = s.mutateTicket(ctx, caller, ticketID, partyClient, TicketRejected, func(scope SourceScope, t *Ticket) error {
		if err := release(ctx, scope, t); err != nil {
			return err
		}
		t.RejectionComment = &comment
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Ticket rejected",
		zap.String("ticket_id", ticket.ID.String()),
		zap.String("source_id", ticket.SourceID.String()),
		zap.String("volume", ticket.Volume.String()),
		zap.String("entity_id", caller.ID.String()))
	s.afterCommit(ctx, events.TicketRejected, []uuid.UUID{ticket.SupplierEntityID, ticket.ClientEntityID}, ticketAttrs(ticket))
	return ticket, nil
}

// Cancel lets the supplier withdraw a Pending ticket or close out a Rejected one.
// Volume is released only from Pending; a Rejected ticket already gave it back.
func (s *Service) Cancel(ctx context.Context, callerID, ticketID uuid.UUID) (ticket *Ticket, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("cancel", start, err) }()

	caller, err := s.caller(ctx, callerID)
	if err != nil {
		return nil, err
	}

	ticket, err = s.mutateTicket(ctx, caller, ticketID, partySupplier, TicketCancelled, func(scope SourceScope, t *Ticket) error {
		if t.Status == TicketPending {
			if err := release(ctx, scope, t); err != nil {
				return err
			}
		}
		t.RejectionComment = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Ticket cancelled",
		zap.String("ticket_id", ticket.ID.String()),
		zap.String("source_id", ticket.SourceID.String()),
		zap.String("volume", ticket.Volume.String()),
		zap.String("entity_id", caller.ID.String()))
	s.afterCommit(ctx, events.TicketCancelled, []uuid.UUID{ticket.SupplierEntityID, ticket.ClientEntityID}, ticketAttrs(ticket))
	return ticket, nil
}

// CreditSource turns an Accepted ticket into a new source owned by its client.
// Each ticket is credited at most once.
func (s *Service) CreditSource(ctx context.Context, callerID, ticketID uuid.UUID) (source *TicketSource, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("credit_source", start, err) }()

	caller, err := s.caller(ctx, callerID)
	if err != nil {
		return nil, err
	}

	// The role policy is checked after the party check so strangers get FORBIDDEN.
	ticket, err := s.mutateTicket(ctx, caller, ticketID, partyClient, TicketCredited, func(scope SourceScope, t *Ticket) error {
		if !slices.Contains(s.opts.CreditRoles, caller.Role) {
			return fmt.Errorf("%w: %s clients cannot credit tickets", ErrInvalidTransition, caller.Role)
		}
		source = &TicketSource{
			ID:             uuid.New(),
			OwnerEntityID:  t.ClientEntityID,
			Year:           t.Year,
			DeliveryPeriod: t.AssignmentPeriod,
			TotalVolume:    t.Volume,
			Origin:         TicketRoot{TicketID: t.ID},
			Durability:     t.Durability,
			CreatedAt:      time.Now().UTC(),
		}
		if err := source.CheckInvariant(); err != nil {
			return err
		}
		return scope.InsertSource(ctx, source)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Ticket credited",
		zap.String("ticket_id", ticket.ID.String()),
		zap.String("source_id", source.ID.String()),
		zap.String("volume", source.TotalVolume.String()),
		zap.String("entity_id", caller.ID.String()))
	attrs := ticketAttrs(ticket)
	attrs["credited_source_id"] = source.ID.String()
	s.afterCommit(ctx, events.TicketCredited, []uuid.UUID{ticket.SupplierEntityID, ticket.ClientEntityID}, attrs)
	return source, nil
}
