package saf

import (
	"context"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository is the lineage store: durable ticket sources and tickets plus the
// per-source exclusive scope every volume mutation runs in.
type Repository interface {
	GetSource(ctx context.Context, id uuid.UUID) (*TicketSource, error)
	GetTicket(ctx context.Context, id uuid.UUID) (*Ticket, error)

	// CreateSource stores a lot-rooted source issued by ingestion.
	CreateSource(ctx context.Context, source *TicketSource) error

	ListSourceTickets(ctx context.Context, sourceID uuid.UUID) ([]*Ticket, error)
	GetSnapshot(ctx context.Context, entityID uuid.UUID, year int) (*Snapshot, error)
	ListSourceBalances(ctx context.Context) ([]SourceBalance, error)

	// WithSourceLock runs fn while holding exclusive locks on every listed source.
	// Locks are taken in ascending id order and released on every exit path.
	// Writes made through the scope are committed only when fn returns nil.
	// Returns ErrSourceBusy when a lock cannot be acquired within the configured wait
	// and ErrNotFound when any id does not exist.
	WithSourceLock(ctx context.Context, ids []uuid.UUID, fn func(scope SourceScope) error) error
}

// SourceScope exposes reads and writes valid while the scope's locks are held.
type SourceScope interface {
	// Source returns the locked source. Ids outside the locked set are an error.
	Source(id uuid.UUID) (*TicketSource, error)
	Ticket(ctx context.Context, id uuid.UUID) (*Ticket, error)

	SetAssignedVolume(ctx context.Context, sourceID uuid.UUID, assigned decimal.Decimal) error
	InsertTicket(ctx context.Context, ticket *Ticket) error
	UpdateTicket(ctx context.Context, ticket *Ticket) error
	InsertSource(ctx context.Context, source *TicketSource) error
}

// lockOrder de-duplicates ids and sorts them ascending, the global lock order.
func lockOrder(ids []uuid.UUID) []uuid.UUID {
	ordered := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	slices.SortFunc(ordered, func(a, b uuid.UUID) int {
		return strings.Compare(a.String(), b.String())
	})
	return ordered
}
