package saf

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuditor_HealthyAfterMixedOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedSource(t, f.supplier.ID, "100")
	b := f.seedSource(t, f.supplier.ID, "40")

	t1 := f.assign(t, a.ID, f.operator.ID, "30")
	t2 := f.assign(t, a.ID, f.cpo.ID, "20")
	t3 := f.assign(t, b.ID, f.operator.ID, "15")
	_, err := f.svc.GroupAssign(ctx, f.supplier.ID, GroupAssignRequest{
		SourceIDs:          []uuid.UUID{b.ID, a.ID},
		ClientID:           f.airline.ID,
		Volume:             dec("40"),
		AssignmentMetadata: AssignmentMetadata{AssignmentPeriod: 202406},
	})
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, f.operator.ID, t1.ID, RejectRequest{Comment: "duplicate"})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, f.supplier.ID, t1.ID)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, f.supplier.ID, t3.ID)
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, f.cpo.ID, t2.ID, AcceptRequest{})
	require.NoError(t, err)
	_, err = f.svc.CreditSource(ctx, f.cpo.ID, t2.ID)
	require.NoError(t, err)

	// a: 20 credited + 15 from the group; b: 25 from the group.
	assertVolume(t, "35", f.assigned(t, a.ID))
	assertVolume(t, "25", f.assigned(t, b.ID))

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	report, err := NewAuditor(f.repo, metrics, zap.NewNop()).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.Equal(t, 3, report.SourcesChecked)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.auditMismatches))
}

func TestAuditor_ReportsDrift(t *testing.T) {
	f := newFixture(t)
	source := f.seedSource(t, f.supplier.ID, "100")
	f.assign(t, source.ID, f.operator.ID, "40")

	f.repo.mu.Lock()
	f.repo.sources[source.ID].AssignedVolume = dec("55")
	f.repo.mu.Unlock()

	core, logs := observer.New(zap.ErrorLevel)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	report, err := NewAuditor(f.repo, metrics, zap.New(core)).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	finding := report.Findings[0]
	assert.Equal(t, source.ID, finding.SourceID)
	assertVolume(t, "55", finding.AssignedVolume)
	assertVolume(t, "40", finding.ReservedVolume)
	assert.Equal(t, 1, logs.FilterMessage("Ledger invariant violated").Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.auditMismatches))
}

func TestCheckBalance(t *testing.T) {
	tests := []struct {
		name    string
		balance SourceBalance
		problem bool
	}{
		{"consistent", SourceBalance{TotalVolume: dec("10"), AssignedVolume: dec("4"), ReservedVolume: dec("4")}, false},
		{"negative", SourceBalance{TotalVolume: dec("10"), AssignedVolume: dec("-1"), ReservedVolume: dec("-1")}, true},
		{"overcommitted", SourceBalance{TotalVolume: dec("10"), AssignedVolume: dec("11"), ReservedVolume: dec("11")}, true},
		{"drift", SourceBalance{TotalVolume: dec("10"), AssignedVolume: dec("4"), ReservedVolume: dec("3")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.problem, checkBalance(tt.balance) != "")
		})
	}
}

func TestAuditScheduler(t *testing.T) {
	f := newFixture(t)
	f.seedSource(t, f.supplier.ID, "10")

	scheduler, err := NewAuditScheduler(NewAuditor(f.repo, nil, zap.NewNop()), "@every 1s", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, scheduler.Start(context.Background()))
	assert.Error(t, scheduler.Start(context.Background()))

	require.Eventually(t, func() bool {
		return scheduler.LastReport() != nil
	}, 5*time.Second, 20*time.Millisecond)
	scheduler.Stop()
	scheduler.Stop()

	assert.Equal(t, 1, scheduler.LastReport().SourcesChecked)
	assert.True(t, scheduler.LastReport().Healthy())
}

func TestAuditScheduler_InvalidSchedule(t *testing.T) {
	_, err := NewAuditScheduler(NewAuditor(NewMemoryRepository(time.Second), nil, zap.NewNop()), "every tuesday", zap.NewNop())
	assert.Error(t, err)
}
