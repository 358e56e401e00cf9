package saf

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ledgerTestDatabaseURL names a Postgres the integration tests may create schemas in.
const ledgerTestDatabaseURL = "LEDGER_TEST_DATABASE_URL"

func TestTranslateLockError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantBusy bool
	}{
		{"lock not available", &pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"}, true},
		{"deadlock", &pq.Error{Code: "40P01", Message: "deadlock detected"}, true},
		{"wrapped lock timeout", fmt.Errorf("select: %w", &pq.Error{Code: "55P03"}), true},
		{"serialization failure", &pq.Error{Code: "40001"}, false},
		{"connection closed", sql.ErrConnDone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translateLockError(tt.err)
			assert.Equal(t, tt.wantBusy, errors.Is(err, ErrSourceBusy))
			assert.Equal(t, tt.wantBusy, IsRetryable(err))
			if !tt.wantBusy {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

// failingExec is a sqlx.ExtContext whose statements all fail with err.
type failingExec struct {
	err   error
	query string
	args  []any
}

func (e *failingExec) DriverName() string         { return "postgres" }
func (e *failingExec) Rebind(query string) string { return sqlx.Rebind(sqlx.DOLLAR, query) }
func (e *failingExec) BindNamed(query string, arg any) (string, []any, error) {
	return sqlx.BindNamed(sqlx.DOLLAR, query, arg)
}

func (e *failingExec) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (e *failingExec) QueryxContext(context.Context, string, ...any) (*sqlx.Rows, error) {
	return nil, errors.New("not supported")
}

func (e *failingExec) QueryRowxContext(context.Context, string, ...any) *sqlx.Row {
	return nil
}

func (e *failingExec) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	e.query = query
	e.args = args
	if e.err != nil {
		return nil, e.err
	}
	return driver.RowsAffected(1), nil
}

func TestInsertSource_ErrorClassification(t *testing.T) {
	credited := &TicketSource{
		ID:             uuid.New(),
		OwnerEntityID:  uuid.New(),
		Year:           2024,
		DeliveryPeriod: 202403,
		TotalVolume:    dec("40"),
		Origin:         TicketRoot{TicketID: uuid.New()},
		CreatedAt:      time.Now().UTC(),
	}

	tests := []struct {
		name          string
		err           error
		wantCredited  bool
		wantUnwrapped error
	}{
		{"success", nil, false, nil},
		{"credited twice", &pq.Error{Code: "23505", Constraint: "ticket_sources_parent_ticket_key"}, true, nil},
		{"duplicate primary key", &pq.Error{Code: "23505", Constraint: "ticket_sources_pkey"}, false, nil},
		{"check violation", &pq.Error{Code: "23514", Constraint: "ticket_sources_assigned_bounds"}, false, nil},
		{"driver failure", driver.ErrBadConn, false, driver.ErrBadConn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &failingExec{err: tt.err}
			err := insertSource(context.Background(), exec, credited)

			assert.Contains(t, exec.query, "INSERT INTO ticket_sources")
			assert.Contains(t, exec.query, "$25")
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantCredited, errors.Is(err, ErrAlreadyCredited))
			if tt.wantUnwrapped != nil {
				assert.ErrorIs(t, err, tt.wantUnwrapped)
			}
		})
	}
}

func TestSourceRow_RoundTrip(t *testing.T) {
	lotID, ticketID := uuid.New(), uuid.New()
	tests := []struct {
		name   string
		origin Origin
	}{
		{"lot rooted", LotRoot{LotID: lotID}},
		{"credit rooted", TicketRoot{TicketID: ticketID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &TicketSource{
				ID:             uuid.New(),
				OwnerEntityID:  uuid.New(),
				Year:           2024,
				DeliveryPeriod: 202405,
				TotalVolume:    dec("120.500"),
				AssignedVolume: dec("20.250"),
				Origin:         tt.origin,
				Durability:     testDurability,
				CreatedAt:      time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
			}

			row := toSourceRow(source)
			assert.Equal(t, source.ParentLotID() != nil, row.ParentLotID.Valid)
			assert.Equal(t, source.ParentTicketID() != nil, row.ParentTicketID.Valid)

			back, err := row.toSource()
			require.NoError(t, err)
			assert.Equal(t, source, back)
		})
	}
}

func TestSourceRow_RejectsMalformedOrigin(t *testing.T) {
	both := sourceRow{
		ID:             uuid.New(),
		ParentLotID:    uuid.NullUUID{UUID: uuid.New(), Valid: true},
		ParentTicketID: uuid.NullUUID{UUID: uuid.New(), Valid: true},
	}
	_, err := both.toSource()
	assert.ErrorIs(t, err, ErrInvariantViolation)

	neither := sourceRow{ID: uuid.New()}
	_, err = neither.toSource()
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

// =====================================================
// Integration tests, run only against a real Postgres
// =====================================================

// openTestDatabase connects to LEDGER_TEST_DATABASE_URL inside a throwaway schema.
func openTestDatabase(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv(ledgerTestDatabaseURL)
	if dsn == "" {
		t.Skipf("%s not set", ledgerTestDatabaseURL)
	}

	admin, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	schema := "ledger_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.Exec("CREATE SCHEMA " + schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec("DROP SCHEMA " + schema + " CASCADE")
		_ = admin.Close()
	})

	// lib/pq sends unknown DSN parameters as run-time settings.
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "search_path=" + schema
	} else {
		dsn += " search_path=" + schema
	}

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(context.Background(), db))
	// Idempotent.
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

type postgresFixture struct {
	*ledgerFixture
	pg  *PostgresRepository
	svc *Service
}

func newPostgresFixture(t *testing.T, lockTimeout time.Duration) *postgresFixture {
	t.Helper()
	db := openTestDatabase(t)
	f := newFixture(t)
	pg := NewPostgresRepository(db, lockTimeout)
	svc := NewService(pg, f.dir, nil, nil, DefaultOptions(), zap.NewNop())
	t.Cleanup(svc.Close)
	return &postgresFixture{ledgerFixture: f, pg: pg, svc: svc}
}

func (f *postgresFixture) seed(t *testing.T, owner uuid.UUID, total string) *TicketSource {
	t.Helper()
	source := newSource(owner, total)
	source.Durability = testDurability
	require.NoError(t, f.pg.CreateSource(context.Background(), source))
	return source
}

func (f *postgresFixture) assignedOn(t *testing.T, id uuid.UUID) decimal.Decimal {
	t.Helper()
	source, err := f.pg.GetSource(context.Background(), id)
	require.NoError(t, err)
	return source.AssignedVolume
}

func TestPostgres_RejectThenCancelReleasesOnce(t *testing.T) {
	f := newPostgresFixture(t, time.Second)
	ctx := context.Background()
	source := f.seed(t, f.supplier.ID, "100")

	ticket, err := f.svc.Assign(ctx, f.supplier.ID, source.ID, assignRequest(f.operator.ID, "40"))
	require.NoError(t, err)
	assertVolume(t, "40", f.assignedOn(t, source.ID))

	rejected, err := f.svc.Reject(ctx, f.operator.ID, ticket.ID, RejectRequest{Comment: "wrong client"})
	require.NoError(t, err)
	assert.Equal(t, TicketRejected, rejected.Status)
	assertVolume(t, "0", f.assignedOn(t, source.ID))

	_, err = f.svc.Cancel(ctx, f.supplier.ID, ticket.ID)
	require.NoError(t, err)
	assertVolume(t, "0", f.assignedOn(t, source.ID))

	stored, err := f.pg.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, TicketCancelled, stored.Status)
	assert.Nil(t, stored.RejectionComment)
	assert.Nil(t, stored.ShippingMethod)
	assert.Nil(t, stored.ETSStatus)
	require.NotNil(t, stored.AgreementDate)
	assert.Equal(t, "2024-02-28", stored.AgreementDate.Format(dateLayout))
	assert.Equal(t, testDurability, stored.Durability)
}

func TestPostgres_CreditExactlyOnce(t *testing.T) {
	f := newPostgresFixture(t, time.Second)
	ctx := context.Background()
	source := f.seed(t, f.supplier.ID, "100")

	ticket, err := f.svc.Assign(ctx, f.supplier.ID, source.ID, assignRequest(f.operator.ID, "40"))
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, f.operator.ID, ticket.ID, AcceptRequest{})
	require.NoError(t, err)

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		credited []*TicketSource
		failures []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.svc.CreditSource(ctx, f.operator.ID, ticket.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			credited = append(credited, s)
		}()
	}
	wg.Wait()

	require.Len(t, credited, 1)
	for _, err := range failures {
		assert.ErrorIs(t, err, ErrAlreadyCredited)
	}

	child, err := f.pg.GetSource(ctx, credited[0].ID)
	require.NoError(t, err)
	assert.Equal(t, TicketRoot{TicketID: ticket.ID}, child.Origin)
	assertVolume(t, "40", child.TotalVolume)
	assertVolume(t, "0", child.AssignedVolume)

	// The unique index backs the status guard.
	again := newSource(f.operator.ID, "40")
	again.Origin = TicketRoot{TicketID: ticket.ID}
	assert.ErrorIs(t, f.pg.CreateSource(ctx, again), ErrAlreadyCredited)
}

func TestPostgres_ConcurrentAssignNeverOvercommits(t *testing.T) {
	f := newPostgresFixture(t, 5*time.Second)
	ctx := context.Background()
	source := f.seed(t, f.supplier.ID, "100")

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Assign(ctx, f.supplier.ID, source.ID, assignRequest(f.operator.ID, "100"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientVolume)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assertVolume(t, "100", f.assignedOn(t, source.ID))

	report, err := NewAuditor(f.pg, nil, zap.NewNop()).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy(), "%+v", report.Findings)
}

func TestPostgres_GroupAssignIsAtomic(t *testing.T) {
	f := newPostgresFixture(t, time.Second)
	ctx := context.Background()
	a := f.seed(t, f.supplier.ID, "10")
	b := f.seed(t, f.supplier.ID, "5")

	_, err := f.svc.GroupAssign(ctx, f.supplier.ID, GroupAssignRequest{
		SourceIDs:          []uuid.UUID{a.ID, b.ID},
		ClientID:           f.operator.ID,
		Volume:             dec("20"),
		AssignmentMetadata: assignRequest(f.operator.ID, "1").AssignmentMetadata,
	})
	assert.ErrorIs(t, err, ErrInsufficientVolume)
	assertVolume(t, "0", f.assignedOn(t, a.ID))
	assertVolume(t, "0", f.assignedOn(t, b.ID))

	result, err := f.svc.GroupAssign(ctx, f.supplier.ID, GroupAssignRequest{
		SourceIDs:          []uuid.UUID{a.ID, b.ID},
		ClientID:           f.operator.ID,
		Volume:             dec("12"),
		AssignmentMetadata: assignRequest(f.operator.ID, "1").AssignmentMetadata,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.AssignedCount)
	assertVolume(t, "10", f.assignedOn(t, a.ID))
	assertVolume(t, "2", f.assignedOn(t, b.ID))
}

func TestPostgres_SetAssignedVolumeIsBoundedInDatabase(t *testing.T) {
	f := newPostgresFixture(t, time.Second)
	ctx := context.Background()
	source := f.seed(t, f.supplier.ID, "10")

	err := f.pg.WithSourceLock(ctx, []uuid.UUID{source.ID}, func(scope SourceScope) error {
		return scope.SetAssignedVolume(ctx, source.ID, dec("10.001"))
	})
	assert.ErrorIs(t, err, ErrInvariantViolation)

	err = f.pg.WithSourceLock(ctx, []uuid.UUID{source.ID}, func(scope SourceScope) error {
		return scope.SetAssignedVolume(ctx, source.ID, dec("-1"))
	})
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assertVolume(t, "0", f.assignedOn(t, source.ID))
}

func TestPostgres_LockTimeoutIsSourceBusy(t *testing.T) {
	f := newPostgresFixture(t, 100*time.Millisecond)
	ctx := context.Background()
	source := f.seed(t, f.supplier.ID, "10")

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = f.pg.WithSourceLock(ctx, []uuid.UUID{source.ID}, func(SourceScope) error {
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked

	err := f.pg.WithSourceLock(ctx, []uuid.UUID{source.ID}, func(SourceScope) error { return nil })
	close(done)
	assert.ErrorIs(t, err, ErrSourceBusy)

	err = f.pg.WithSourceLock(ctx, []uuid.UUID{source.ID, uuid.New()}, func(SourceScope) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_SnapshotAndAirlineFields(t *testing.T) {
	f := newPostgresFixture(t, time.Second)
	ctx := context.Background()
	full := f.seed(t, f.supplier.ID, "10")
	open := f.seed(t, f.supplier.ID, "100")

	_, err := f.svc.Assign(ctx, f.supplier.ID, full.ID, assignRequest(f.operator.ID, "10"))
	require.NoError(t, err)
	rejected, err := f.svc.Assign(ctx, f.supplier.ID, open.ID, assignRequest(f.operator.ID, "20"))
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, f.operator.ID, rejected.ID, RejectRequest{Comment: "volume error"})
	require.NoError(t, err)

	airline, err := f.svc.Assign(ctx, f.supplier.ID, open.ID, assignRequest(f.airline.ID, "30"))
	require.NoError(t, err)
	ets := ETSOutside
	airport := "LFPG"
	shipping := ShippingTruck
	_, err = f.svc.Accept(ctx, f.airline.ID, airline.ID, AcceptRequest{
		ETSStatus:          &ets,
		ETSDeclarationDate: "2024-04-30",
		ReceptionAirport:   &airport,
		ShippingMethod:     &shipping,
	})
	require.NoError(t, err)

	stored, err := f.pg.GetTicket(ctx, airline.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ETSStatus)
	assert.Equal(t, ETSOutside, *stored.ETSStatus)
	require.NotNil(t, stored.ShippingMethod)
	assert.Equal(t, ShippingTruck, *stored.ShippingMethod)
	assert.Nil(t, stored.ConsumptionType)

	snapshot, err := f.pg.GetSnapshot(ctx, f.supplier.ID, 2024)
	require.NoError(t, err)
	assert.Equal(t, Snapshot{
		TicketSourcesAvailable:  1,
		TicketSourcesHistory:    1,
		TicketsAssignedPending:  1,
		TicketsAssignedAccepted: 1,
		TicketsAssignedRejected: 1,
	}, *snapshot)

	tickets, err := f.pg.ListSourceTickets(ctx, open.ID)
	require.NoError(t, err)
	assert.Len(t, tickets, 2)
}
