package saf

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"saf-registry/ledger-backend/internal/directory"
	"saf-registry/ledger-backend/internal/events"
)

// MockPublisher is a mock implementation of events.Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event events.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type ledgerFixture struct {
	svc  *Service
	repo *MemoryRepository
	dir  *directory.StaticDirectory

	supplier directory.Entity
	operator directory.Entity
	airline  directory.Entity
	cpo      directory.Entity
	admin    directory.Entity
}

func newFixture(t *testing.T) *ledgerFixture {
	return newFixtureWith(t, DefaultOptions(), nil)
}

func newFixtureWith(t *testing.T, opts Options, publisher events.Publisher) *ledgerFixture {
	t.Helper()

	f := &ledgerFixture{
		supplier: directory.Entity{ID: uuid.New(), Name: "Raffinerie de Donges", Role: directory.RoleOperator, IsEnabled: true},
		operator: directory.Entity{ID: uuid.New(), Name: "Dépôt Pétrolier de Lyon", Role: directory.RoleOperator, IsEnabled: true},
		airline:  directory.Entity{ID: uuid.New(), Name: "Air Atlantique", Role: directory.RoleAirline, IsEnabled: true},
		cpo:      directory.Entity{ID: uuid.New(), Name: "Borne Express", Role: directory.RoleCPO, IsEnabled: true},
		admin:    directory.Entity{ID: uuid.New(), Name: "DGEC", Role: directory.RoleAdministration, IsEnabled: true},
	}
	f.dir = directory.NewStaticDirectory(f.supplier, f.operator, f.airline, f.cpo, f.admin)
	// Generous wait: contention tests must observe InsufficientVolume, not SourceBusy.
	f.repo = NewMemoryRepository(5 * time.Second)
	if publisher == nil {
		publisher = events.NewLogPublisher(zap.NewNop())
	}
	f.svc = NewService(f.repo, f.dir, publisher, nil, opts, zap.NewNop())
	t.Cleanup(f.svc.Close)
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var testDurability = Durability{
	Feedstock:         "UCO",
	Biofuel:           "HEFA",
	CountryOfOrigin:   "FR",
	ProductionCountry: "FR",
	ProductionSite:    "La Mède",
	GHGReduction:      83.5,
	GHGTotal:          15.5,
	EEC:               0,
	EP:                10.2,
	ETD:               1.3,
	EU:                0,
}

// seedSource registers a lot-rooted source with the given volumes.
func (f *ledgerFixture) seedSource(t *testing.T, owner uuid.UUID, total string) *TicketSource {
	t.Helper()
	source := &TicketSource{
		ID:             uuid.New(),
		OwnerEntityID:  owner,
		Year:           2024,
		DeliveryPeriod: 202401,
		TotalVolume:    dec(total),
		AssignedVolume: decimal.Zero,
		Origin:         LotRoot{LotID: uuid.New()},
		Durability:     testDurability,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, f.repo.CreateSource(context.Background(), source))
	return source
}

func (f *ledgerFixture) assigned(t *testing.T, sourceID uuid.UUID) decimal.Decimal {
	t.Helper()
	source, err := f.repo.GetSource(context.Background(), sourceID)
	require.NoError(t, err)
	return source.AssignedVolume
}

func (f *ledgerFixture) assign(t *testing.T, sourceID, client uuid.UUID, volume string) *Ticket {
	t.Helper()
	ticket, err := f.svc.Assign(context.Background(), f.supplier.ID, sourceID, assignRequest(client, volume))
	require.NoError(t, err)
	return ticket
}

func assignRequest(client uuid.UUID, volume string) AssignRequest {
	return AssignRequest{
		ClientID: client,
		Volume:   dec(volume),
		AssignmentMetadata: AssignmentMetadata{
			AssignmentPeriod:   202403,
			AgreementReference: "CTR-2024-017",
			AgreementDate:      "2024-02-28",
		},
	}
}

func assertVolume(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, got.Equal(dec(want)), "expected volume %s, got %s", want, got)
}
