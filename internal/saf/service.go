package saf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"saf-registry/ledger-backend/internal/directory"
	"saf-registry/ledger-backend/internal/events"
	"saf-registry/ledger-backend/pkg/cache"
)

// maxLineageDepth bounds the lineage walk; a deeper chain means a cycle.
const maxLineageDepth = 256

// Options tunes ledger policy.
type Options struct {
	// CreditRoles are the client roles allowed to credit an accepted ticket back into a source.
	CreditRoles []directory.Role
	// LockRetries is how many times a SourceBusy failure is retried before it reaches the caller.
	LockRetries       int
	LockRetryInterval time.Duration
	SnapshotTTL       time.Duration
}

// DefaultOptions returns the production policy.
func DefaultOptions() Options {
	return Options{
		CreditRoles:       []directory.Role{directory.RoleOperator, directory.RoleCPO},
		LockRetries:       2,
		LockRetryInterval: 50 * time.Millisecond,
		SnapshotTTL:       30 * time.Second,
	}
}

// Service implements the allocation engine and the ticket lifecycle on top of a Repository.
type Service struct {
	repo      Repository
	directory directory.Directory
	publisher events.Publisher
	metrics   *Metrics
	snapshots *cache.TTLCache[*Snapshot]
	opts      Options
	logger    *zap.Logger
}

// NewService creates a new ledger service
func NewService(repo Repository, dir directory.Directory, publisher events.Publisher, metrics *Metrics, opts Options, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	return &Service{
		repo:      repo,
		directory: dir,
		publisher: publisher,
		metrics:   metrics,
		snapshots: cache.New[*Snapshot](opts.SnapshotTTL),
		opts:      opts,
		logger:    logger,
	}
}

// Close stops background work owned by the service.
func (s *Service) Close() {
	s.snapshots.Stop()
}

// SnapshotCacheStats reports usage of the snapshot cache.
func (s *Service) SnapshotCacheStats() cache.Stats {
	return s.snapshots.Stats()
}

// caller resolves the acting entity. Unknown or disabled callers are forbidden.
func (s *Service) caller(ctx context.Context, id uuid.UUID) (*directory.Entity, error) {
	entity, err := s.directory.GetEntity(ctx, id)
	if err != nil {
		if errors.Is(err, directory.ErrEntityNotFound) {
			return nil, fmt.Errorf("%w: unknown caller %s", ErrForbidden, id)
		}
		return nil, fmt.Errorf("failed to resolve caller: %w", err)
	}
	if !entity.IsEnabled {
		return nil, fmt.Errorf("%w: entity %s is disabled", ErrForbidden, id)
	}
	return entity, nil
}

// counterparty resolves an entity named in a request body.
func (s *Service) counterparty(ctx context.Context, id uuid.UUID) (*directory.Entity, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidInput)
	}
	entity, err := s.directory.GetEntity(ctx, id)
	if err != nil {
		if errors.Is(err, directory.ErrEntityNotFound) {
			return nil, fmt.Errorf("%w: unknown entity %s", ErrInvalidInput, id)
		}
		return nil, fmt.Errorf("failed to resolve entity: %w", err)
	}
	if !entity.IsEnabled {
		return nil, fmt.Errorf("%w: entity %s is disabled", ErrInvalidInput, id)
	}
	return entity, nil
}

// withSourceLock runs fn in a source scope, retrying lock contention with linear backoff.
// fn may run more than once and must only touch the ledger through scope.
func (s *Service) withSourceLock(ctx context.Context, ids []uuid.UUID, fn func(scope SourceScope) error) error {
	for attempt := 0; ; attempt++ {
		err := s.repo.WithSourceLock(ctx, ids, fn)
		if errors.Is(err, ErrInvariantViolation) {
			s.logger.Error("Ledger invariant violated", zap.Error(err))
		}
		if !IsRetryable(err) || attempt >= s.opts.LockRetries {
			return err
		}

		s.logger.Debug("Ticket source busy, retrying", zap.Int("attempt", attempt+1))
		wait := s.opts.LockRetryInterval * time.Duration(attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// afterCommit invalidates cached snapshots and publishes the event. Failures never undo the commit.
func (s *Service) afterCommit(ctx context.Context, eventType string, entities []uuid.UUID, attrs map[string]string) {
	ids := make([]string, 0, len(entities))
	for _, id := range entities {
		s.snapshots.DeleteByPrefix(snapshotPrefix(id))
		ids = append(ids, id.String())
	}

	if err := s.publisher.Publish(ctx, events.New(eventType, ids, attrs)); err != nil {
		s.logger.Warn("Failed to publish ledger event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func snapshotPrefix(entityID uuid.UUID) string {
	return "snapshot:" + entityID.String() + ":"
}

// IngestLot registers a lot-rooted ticket source for its owner.
func (s *Service) IngestLot(ctx context.Context, callerID uuid.UUID, req LotSourceRequest) (source *TicketSource, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("ingest_lot", start, err) }()

	caller, err := s.caller(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if !caller.HasRight(directory.RightIngestLots) {
		return nil, fmt.Errorf("%w: entity %s may not register lots", ErrForbidden, caller.ID)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := s.counterparty(ctx, req.OwnerEntityID); err != nil {
		return nil, err
	}

	source = &TicketSource{
		ID:             uuid.New(),
		OwnerEntityID:  req.OwnerEntityID,
		Year:           req.Year,
		DeliveryPeriod: req.DeliveryPeriod,
		TotalVolume:    req.TotalVolume,
		Origin:         LotRoot{LotID: req.LotID},
		Durability:     req.Durability,
		CreatedAt:      time.Now().UTC(),
	}
	if err := source.CheckInvariant(); err != nil {
		return nil, err
	}
	if err := s.repo.CreateSource(ctx, source); err != nil {
		return nil, err
	}

	s.logger.Info("Ticket source registered",
		zap.String("source_id", source.ID.String()),
		zap.String("lot_id", req.LotID.String()),
		zap.String("entity_id", source.OwnerEntityID.String()),
		zap.String("volume", source.TotalVolume.String()))
	s.afterCommit(ctx, events.TicketSourceCreated, []uuid.UUID{source.OwnerEntityID}, map[string]string{
		"source_id": source.ID.String(),
		"lot_id":    req.LotID.String(),
	})
	return source, nil
}

// GetSource returns a source visible to its owner or the administration.
func (s *Service) GetSource(ctx context.Context, callerID, id uuid.UUID) (*TicketSource, error) {
	caller, err := s.caller(ctx, callerID)
	if err != nil {
		return nil, err
	}
	source, err := s.repo.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if source.OwnerEntityID != caller.ID && !caller.HasRole(directory.RoleAdministration) {
		return nil, fmt.Errorf("%w: source %s belongs to another entity", ErrForbidden, id)
	}
	return source, nil
}

// GetTicket returns a ticket visible to its supplier, its client or the administration.
func (s *Service) GetTicket(ctx context.Context, callerID, id uuid.UUID) (*Ticket, error) {
	caller, err := s.caller(ctx, callerID)
	if err != nil {
		return nil, err
	}
	ticket, err := s.repo.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticket.SupplierEntityID != caller.ID && ticket.ClientEntityID != caller.ID &&
		!caller.HasRole(directory.RoleAdministration) {
		return nil, fmt.Errorf("%w: ticket %s is not addressed to entity %s", ErrForbidden, id, caller.ID)
	}
	return ticket, nil
}

// ListSourceTickets returns every ticket cut from a source, oldest first.
func (s *Service) ListSourceTickets(ctx context.Context, callerID, sourceID uuid.UUID) ([]*Ticket, error) {
	if _, err := s.GetSource(ctx, callerID, sourceID); err != nil {
		return nil, err
	}
	return s.repo.ListSourceTickets(ctx, sourceID)
}

// Snapshot returns the dashboard counters of an entity for a year.
func (s *Service) Snapshot(ctx context.Context, callerID, entityID uuid.UUID, year int) (*Snapshot, error) {
	caller, err := s.caller(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if entityID != caller.ID && !caller.HasRole(directory.RoleAdministration) {
		return nil, fmt.Errorf("%w: snapshot of another entity", ErrForbidden)
	}

	key := fmt.Sprintf("%s%d", snapshotPrefix(entityID), year)
	return s.snapshots.GetOrSet(key, func() (*Snapshot, error) {
		return s.repo.GetSnapshot(ctx, entityID, year)
	})
}

// Lineage walks from a source up to its lot, one node per source.
func (s *Service) Lineage(ctx context.Context, callerID, sourceID uuid.UUID) ([]LineageNode, error) {
	source, err := s.GetSource(ctx, callerID, sourceID)
	if err != nil {
		return nil, err
	}

	chain := make([]LineageNode, 0, 4)
	for depth := 0; ; depth++ {
		if depth >= maxLineageDepth {
			s.logger.Error("Lineage chain too deep", zap.String("source_id", sourceID.String()))
			return nil, fmt.Errorf("%w: lineage of %s exceeds %d hops", ErrInvariantViolation, sourceID, maxLineageDepth)
		}

		node := LineageNode{SourceID: source.ID, OwnerID: source.OwnerEntityID}
		switch origin := source.Origin.(type) {
		case LotRoot:
			lotID := origin.LotID
			node.LotID = &lotID
			return append(chain, node), nil
		case TicketRoot:
			ticketID := origin.TicketID
			node.TicketID = &ticketID
			chain = append(chain, node)

			ticket, err := s.repo.GetTicket(ctx, ticketID)
			if err != nil {
				return nil, fmt.Errorf("failed to follow credited ticket %s: %w", ticketID, err)
			}
			if source, err = s.repo.GetSource(ctx, ticket.SourceID); err != nil {
				return nil, fmt.Errorf("failed to follow source %s: %w", ticket.SourceID, err)
			}
		default:
			return nil, fmt.Errorf("%w: source %s has no origin", ErrInvariantViolation, source.ID)
		}
	}
}
