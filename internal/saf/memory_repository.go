package saf

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepository keeps the ledger in process memory. Per-source locks give the same
// exclusive-scope semantics as the Postgres row locks; scope writes are staged and
// applied atomically on success.
type MemoryRepository struct {
	mu      sync.RWMutex
	sources map[uuid.UUID]*TicketSource
	tickets map[uuid.UUID]*Ticket
	locks   *sourceLocks
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(lockTimeout time.Duration) *MemoryRepository {
	return &MemoryRepository{
		sources: make(map[uuid.UUID]*TicketSource),
		tickets: make(map[uuid.UUID]*Ticket),
		locks:   newSourceLocks(lockTimeout),
	}
}

func (r *MemoryRepository) GetSource(_ context.Context, id uuid.UUID) (*TicketSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	source, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("ticket source %s: %w", id, ErrNotFound)
	}
	cp := *source
	return &cp, nil
}

func (r *MemoryRepository) GetTicket(_ context.Context, id uuid.UUID) (*Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ticket, ok := r.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	cp := *ticket
	return &cp, nil
}

func (r *MemoryRepository) CreateSource(_ context.Context, source *TicketSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[source.ID]; exists {
		return fmt.Errorf("%w: ticket source %s already exists", ErrInvalidInput, source.ID)
	}
	cp := *source
	r.sources[source.ID] = &cp
	return nil
}

func (r *MemoryRepository) ListSourceTickets(_ context.Context, sourceID uuid.UUID) ([]*Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tickets := make([]*Ticket, 0)
	for _, t := range r.tickets {
		if t.SourceID == sourceID {
			cp := *t
			tickets = append(tickets, &cp)
		}
	}
	sortTickets(tickets)
	return tickets, nil
}

func (r *MemoryRepository) GetSnapshot(_ context.Context, entityID uuid.UUID, year int) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := &Snapshot{}
	for _, s := range r.sources {
		if s.OwnerEntityID != entityID || s.Year != year {
			continue
		}
		if s.RemainingVolume().IsPositive() {
			snapshot.TicketSourcesAvailable++
		} else {
			snapshot.TicketSourcesHistory++
		}
	}
	for _, t := range r.tickets {
		if t.Year != year {
			continue
		}
		if t.SupplierEntityID == entityID {
			switch t.Status {
			case TicketPending:
				snapshot.TicketsAssignedPending++
			case TicketAccepted, TicketCredited:
				snapshot.TicketsAssignedAccepted++
			case TicketRejected:
				snapshot.TicketsAssignedRejected++
			}
		}
		if t.ClientEntityID == entityID {
			switch t.Status {
			case TicketPending:
				snapshot.TicketsReceivedPending++
			case TicketAccepted, TicketCredited:
				snapshot.TicketsReceivedAccepted++
			}
		}
	}
	return snapshot, nil
}

func (r *MemoryRepository) ListSourceBalances(_ context.Context) ([]SourceBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reserved := make(map[uuid.UUID]decimal.Decimal, len(r.sources))
	for _, t := range r.tickets {
		if t.Status.Reserves() {
			reserved[t.SourceID] = reserved[t.SourceID].Add(t.Volume)
		}
	}

	balances := make([]SourceBalance, 0, len(r.sources))
	for _, s := range r.sources {
		balances = append(balances, SourceBalance{
			SourceID:       s.ID,
			TotalVolume:    s.TotalVolume,
			AssignedVolume: s.AssignedVolume,
			ReservedVolume: reserved[s.ID],
		})
	}
	return balances, nil
}

func (r *MemoryRepository) WithSourceLock(ctx context.Context, ids []uuid.UUID, fn func(scope SourceScope) error) error {
	release, err := r.locks.acquire(ctx, ids)
	if err != nil {
		return err
	}
	defer release()

	scope := &memoryScope{
		repo:    r,
		locked:  make(map[uuid.UUID]*TicketSource, len(ids)),
		tickets: make(map[uuid.UUID]*Ticket),
	}

	r.mu.RLock()
	for _, id := range ids {
		source, ok := r.sources[id]
		if !ok {
			r.mu.RUnlock()
			return fmt.Errorf("ticket source %s: %w", id, ErrNotFound)
		}
		cp := *source
		scope.locked[id] = &cp
	}
	r.mu.RUnlock()

	if err := fn(scope); err != nil {
		return err
	}

	scope.commit()
	return nil
}

type memoryScope struct {
	repo       *MemoryRepository
	locked     map[uuid.UUID]*TicketSource
	dirty      []uuid.UUID
	tickets    map[uuid.UUID]*Ticket
	newSources []*TicketSource
}

func (s *memoryScope) Source(id uuid.UUID) (*TicketSource, error) {
	source, ok := s.locked[id]
	if !ok {
		return nil, fmt.Errorf("ticket source %s is not locked in this scope", id)
	}
	cp := *source
	return &cp, nil
}

func (s *memoryScope) Ticket(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	if staged, ok := s.tickets[id]; ok {
		cp := *staged
		return &cp, nil
	}
	return s.repo.GetTicket(ctx, id)
}

func (s *memoryScope) SetAssignedVolume(_ context.Context, sourceID uuid.UUID, assigned decimal.Decimal) error {
	source, ok := s.locked[sourceID]
	if !ok {
		return fmt.Errorf("ticket source %s is not locked in this scope", sourceID)
	}
	if assigned.IsNegative() || assigned.GreaterThan(source.TotalVolume) {
		return fmt.Errorf("%w: assigned volume %s out of bounds for source %s", ErrInvariantViolation, assigned, sourceID)
	}
	source.AssignedVolume = assigned
	s.dirty = append(s.dirty, sourceID)
	return nil
}

func (s *memoryScope) InsertTicket(ctx context.Context, ticket *Ticket) error {
	if _, ok := s.locked[ticket.SourceID]; !ok {
		return fmt.Errorf("ticket source %s is not locked in this scope", ticket.SourceID)
	}
	if _, err := s.repo.GetTicket(ctx, ticket.ID); err == nil {
		return fmt.Errorf("%w: ticket %s already exists", ErrInvalidInput, ticket.ID)
	}
	cp := *ticket
	s.tickets[ticket.ID] = &cp
	return nil
}

func (s *memoryScope) UpdateTicket(_ context.Context, ticket *Ticket) error {
	if _, ok := s.locked[ticket.SourceID]; !ok {
		return fmt.Errorf("ticket source %s is not locked in this scope", ticket.SourceID)
	}
	cp := *ticket
	s.tickets[ticket.ID] = &cp
	return nil
}

func (s *memoryScope) InsertSource(_ context.Context, source *TicketSource) error {
	cp := *source
	s.newSources = append(s.newSources, &cp)
	return nil
}

func (s *memoryScope) commit() {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()

	for _, id := range s.dirty {
		cp := *s.locked[id]
		s.repo.sources[id] = &cp
	}
	for id, t := range s.tickets {
		s.repo.tickets[id] = t
	}
	for _, source := range s.newSources {
		s.repo.sources[source.ID] = source
	}
}

func sortTickets(tickets []*Ticket) {
	slices.SortFunc(tickets, func(a, b *Ticket) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
}
