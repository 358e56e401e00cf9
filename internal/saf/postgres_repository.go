package saf

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Postgres error codes that mean "someone else holds the row".
const (
	pqLockNotAvailable = "55P03"
	pqDeadlockDetected = "40P01"
	pqUniqueViolation  = "23505"
)

// creditedSourceKey is the unique index allowing one source per credited ticket.
const creditedSourceKey = "ticket_sources_parent_ticket_key"

const sourceColumns = `id, owner_entity_id, year, delivery_period, total_volume, assigned_volume,
	parent_lot_id, parent_ticket_id, feedstock, biofuel, country_of_origin, production_country,
	production_site, ghg_reduction, ghg_total, eec, el, ep, etd, eu, esca, eccs, eccr, eee, created_at`

const ticketColumns = `id, source_id, year, volume, supplier_entity_id, client_entity_id, status,
	assignment_period, agreement_reference, agreement_date, free_field, reception_airport,
	shipping_method, consumption_type, ets_status, ets_declaration_date, rejection_comment,
	feedstock, biofuel, country_of_origin, production_country, production_site, ghg_reduction,
	ghg_total, eec, el, ep, etd, eu, esca, eccs, eccr, eee, created_at`

// sourceRow is the storage shape of a TicketSource; the origin union becomes two nullable columns.
type sourceRow struct {
	ID             uuid.UUID       `db:"id"`
	OwnerEntityID  uuid.UUID       `db:"owner_entity_id"`
	Year           int             `db:"year"`
	DeliveryPeriod int             `db:"delivery_period"`
	TotalVolume    decimal.Decimal `db:"total_volume"`
	AssignedVolume decimal.Decimal `db:"assigned_volume"`
	ParentLotID    uuid.NullUUID   `db:"parent_lot_id"`
	ParentTicketID uuid.NullUUID   `db:"parent_ticket_id"`
	Durability
	CreatedAt time.Time `db:"created_at"`
}

func toSourceRow(s *TicketSource) sourceRow {
	row := sourceRow{
		ID:             s.ID,
		OwnerEntityID:  s.OwnerEntityID,
		Year:           s.Year,
		DeliveryPeriod: s.DeliveryPeriod,
		TotalVolume:    s.TotalVolume,
		AssignedVolume: s.AssignedVolume,
		Durability:     s.Durability,
		CreatedAt:      s.CreatedAt,
	}
	switch origin := s.Origin.(type) {
	case LotRoot:
		row.ParentLotID = uuid.NullUUID{UUID: origin.LotID, Valid: true}
	case TicketRoot:
		row.ParentTicketID = uuid.NullUUID{UUID: origin.TicketID, Valid: true}
	}
	return row
}

func (row sourceRow) toSource() (*TicketSource, error) {
	source := &TicketSource{
		ID:             row.ID,
		OwnerEntityID:  row.OwnerEntityID,
		Year:           row.Year,
		DeliveryPeriod: row.DeliveryPeriod,
		TotalVolume:    row.TotalVolume,
		AssignedVolume: row.AssignedVolume,
		Durability:     row.Durability,
		CreatedAt:      row.CreatedAt,
	}
	switch {
	case row.ParentLotID.Valid && !row.ParentTicketID.Valid:
		source.Origin = LotRoot{LotID: row.ParentLotID.UUID}
	case row.ParentTicketID.Valid && !row.ParentLotID.Valid:
		source.Origin = TicketRoot{TicketID: row.ParentTicketID.UUID}
	default:
		return nil, fmt.Errorf("%w: source %s must have exactly one origin", ErrInvariantViolation, row.ID)
	}
	return source, nil
}

// PostgresRepository implements Repository on PostgreSQL. Source locks are row locks
// (SELECT ... FOR UPDATE) bounded by lock_timeout.
type PostgresRepository struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sqlx.DB, lockTimeout time.Duration) *PostgresRepository {
	return &PostgresRepository{db: db, lockTimeout: lockTimeout}
}

func (r *PostgresRepository) GetSource(ctx context.Context, id uuid.UUID) (*TicketSource, error) {
	var row sourceRow
	err := r.db.GetContext(ctx, &row, `SELECT `+sourceColumns+` FROM ticket_sources WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket source %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get ticket source: %w", err)
	}
	return row.toSource()
}

func (r *PostgresRepository) GetTicket(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	return getTicket(ctx, r.db, id)
}

func (r *PostgresRepository) CreateSource(ctx context.Context, source *TicketSource) error {
	return insertSource(ctx, r.db, source)
}

func (r *PostgresRepository) ListSourceTickets(ctx context.Context, sourceID uuid.UUID) ([]*Ticket, error) {
	tickets := []*Ticket{}
	err := r.db.SelectContext(ctx, &tickets,
		`SELECT `+ticketColumns+` FROM tickets WHERE source_id = $1 ORDER BY created_at, id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	return tickets, nil
}

func (r *PostgresRepository) GetSnapshot(ctx context.Context, entityID uuid.UUID, year int) (*Snapshot, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM ticket_sources
				WHERE owner_entity_id = $1 AND year = $2 AND total_volume > assigned_volume) AS ticket_sources_available,
			(SELECT COUNT(*) FROM ticket_sources
				WHERE owner_entity_id = $1 AND year = $2 AND total_volume <= assigned_volume) AS ticket_sources_history,
			COUNT(*) FILTER (WHERE supplier_entity_id = $1 AND status = 'PENDING') AS tickets_assigned_pending,
			COUNT(*) FILTER (WHERE supplier_entity_id = $1 AND status IN ('ACCEPTED', 'CREDITED')) AS tickets_assigned_accepted,
			COUNT(*) FILTER (WHERE supplier_entity_id = $1 AND status = 'REJECTED') AS tickets_assigned_rejected,
			COUNT(*) FILTER (WHERE client_entity_id = $1 AND status = 'PENDING') AS tickets_received_pending,
			COUNT(*) FILTER (WHERE client_entity_id = $1 AND status IN ('ACCEPTED', 'CREDITED')) AS tickets_received_accepted
		FROM tickets
		WHERE year = $2 AND (supplier_entity_id = $1 OR client_entity_id = $1)
	`

	var snapshot Snapshot
	if err := r.db.GetContext(ctx, &snapshot, query, entityID, year); err != nil {
		return nil, fmt.Errorf("failed to compute snapshot: %w", err)
	}
	return &snapshot, nil
}

func (r *PostgresRepository) ListSourceBalances(ctx context.Context) ([]SourceBalance, error) {
	statuses := make([]string, len(ReservingStatuses))
	for i, s := range ReservingStatuses {
		statuses[i] = string(s)
	}

	query := `
		SELECT s.id, s.total_volume, s.assigned_volume,
			COALESCE(SUM(t.volume) FILTER (WHERE t.status = ANY($1)), 0) AS reserved_volume
		FROM ticket_sources s
		LEFT JOIN tickets t ON t.source_id = s.id
		GROUP BY s.id
		ORDER BY s.id
	`

	balances := []SourceBalance{}
	if err := r.db.SelectContext(ctx, &balances, query, pq.Array(statuses)); err != nil {
		return nil, fmt.Errorf("failed to list source balances: %w", err)
	}
	return balances, nil
}

func (r *PostgresRepository) WithSourceLock(ctx context.Context, ids []uuid.UUID, fn func(scope SourceScope) error) (err error) {
	ordered := lockOrder(ids)
	keys := make([]string, len(ordered))
	for i, id := range ordered {
		keys[i] = id.String()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// SET does not accept bind parameters; the value is an integer we format ourselves.
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}

	var rows []sourceRow
	err = tx.SelectContext(ctx, &rows,
		`SELECT `+sourceColumns+` FROM ticket_sources WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`,
		pq.Array(keys))
	if err != nil {
		return translateLockError(err)
	}

	scope := &postgresScope{tx: tx, locked: make(map[uuid.UUID]*TicketSource, len(rows))}
	for _, row := range rows {
		source, convErr := row.toSource()
		if convErr != nil {
			err = convErr
			return err
		}
		scope.locked[source.ID] = source
	}
	for _, id := range ordered {
		if _, ok := scope.locked[id]; !ok {
			err = fmt.Errorf("ticket source %s: %w", id, ErrNotFound)
			return err
		}
	}

	if err = fn(scope); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func translateLockError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqLockNotAvailable, pqDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrSourceBusy, pqErr.Message)
		}
	}
	return fmt.Errorf("failed to lock ticket sources: %w", err)
}

type postgresScope struct {
	tx     *sqlx.Tx
	locked map[uuid.UUID]*TicketSource
}

func (s *postgresScope) Source(id uuid.UUID) (*TicketSource, error) {
	source, ok := s.locked[id]
	if !ok {
		return nil, fmt.Errorf("ticket source %s is not locked in this scope", id)
	}
	cp := *source
	return &cp, nil
}

func (s *postgresScope) Ticket(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	return getTicket(ctx, s.tx, id)
}

// SetAssignedVolume is a conditional update: the bound check runs in the database too.
func (s *postgresScope) SetAssignedVolume(ctx context.Context, sourceID uuid.UUID, assigned decimal.Decimal) error {
	source, ok := s.locked[sourceID]
	if !ok {
		return fmt.Errorf("ticket source %s is not locked in this scope", sourceID)
	}

	res, err := s.tx.ExecContext(ctx, `
		UPDATE ticket_sources SET assigned_volume = $2
		WHERE id = $1 AND $2 >= 0 AND $2 <= total_volume`,
		sourceID, assigned)
	if err != nil {
		return fmt.Errorf("failed to update assigned volume: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update assigned volume: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: assigned volume %s out of bounds for source %s", ErrInvariantViolation, assigned, sourceID)
	}

	source.AssignedVolume = assigned
	return nil
}

func (s *postgresScope) InsertTicket(ctx context.Context, ticket *Ticket) error {
	if _, ok := s.locked[ticket.SourceID]; !ok {
		return fmt.Errorf("ticket source %s is not locked in this scope", ticket.SourceID)
	}

	query := `INSERT INTO tickets (` + ticketColumns + `) VALUES (
		:id, :source_id, :year, :volume, :supplier_entity_id, :client_entity_id, :status,
		:assignment_period, :agreement_reference, :agreement_date, :free_field, :reception_airport,
		:shipping_method, :consumption_type, :ets_status, :ets_declaration_date, :rejection_comment,
		:feedstock, :biofuel, :country_of_origin, :production_country, :production_site, :ghg_reduction,
		:ghg_total, :eec, :el, :ep, :etd, :eu, :esca, :eccs, :eccr, :eee, :created_at
	)`
	if _, err := s.tx.NamedExecContext(ctx, query, ticket); err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}
	return nil
}

// UpdateTicket persists the mutable part of a ticket: status and acceptance/rejection data.
func (s *postgresScope) UpdateTicket(ctx context.Context, ticket *Ticket) error {
	if _, ok := s.locked[ticket.SourceID]; !ok {
		return fmt.Errorf("ticket source %s is not locked in this scope", ticket.SourceID)
	}

	query := `
		UPDATE tickets SET
			status = :status,
			reception_airport = :reception_airport,
			shipping_method = :shipping_method,
			consumption_type = :consumption_type,
			ets_status = :ets_status,
			ets_declaration_date = :ets_declaration_date,
			rejection_comment = :rejection_comment
		WHERE id = :id AND source_id = :source_id`
	res, err := s.tx.NamedExecContext(ctx, query, ticket)
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("ticket %s: %w", ticket.ID, ErrNotFound)
	}
	return nil
}

func (s *postgresScope) InsertSource(ctx context.Context, source *TicketSource) error {
	return insertSource(ctx, s.tx, source)
}

func getTicket(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*Ticket, error) {
	var ticket Ticket
	err := sqlx.GetContext(ctx, q, &ticket, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return &ticket, nil
}

func insertSource(ctx context.Context, e sqlx.ExtContext, source *TicketSource) error {
	query := `INSERT INTO ticket_sources (` + sourceColumns + `) VALUES (
		:id, :owner_entity_id, :year, :delivery_period, :total_volume, :assigned_volume,
		:parent_lot_id, :parent_ticket_id, :feedstock, :biofuel, :country_of_origin, :production_country,
		:production_site, :ghg_reduction, :ghg_total, :eec, :el, :ep, :etd, :eu, :esca, :eccs, :eccr, :eee, :created_at
	)`
	if _, err := sqlx.NamedExecContext(ctx, e, query, toSourceRow(source)); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation && pqErr.Constraint == creditedSourceKey {
			return fmt.Errorf("%w: %s", ErrAlreadyCredited, pqErr.Message)
		}
		return fmt.Errorf("failed to insert ticket source: %w", err)
	}
	return nil
}
