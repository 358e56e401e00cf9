package saf

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AuditFinding describes one source whose stored counters disagree with its tickets.
type AuditFinding struct {
	SourceID       uuid.UUID       `json:"source_id"`
	TotalVolume    decimal.Decimal `json:"total_volume"`
	AssignedVolume decimal.Decimal `json:"assigned_volume"`
	ReservedVolume decimal.Decimal `json:"reserved_volume"`
	Problem        string          `json:"problem"`
}

// AuditReport is the outcome of one consistency pass.
type AuditReport struct {
	CheckedAt      time.Time      `json:"checked_at"`
	SourcesChecked int            `json:"sources_checked"`
	Findings       []AuditFinding `json:"findings"`
}

func (r *AuditReport) Healthy() bool {
	return len(r.Findings) == 0
}

// Auditor recomputes every source's reserved volume from its tickets and reports drift.
// It never corrects anything.
type Auditor struct {
	repo    Repository
	metrics *Metrics
	logger  *zap.Logger
}

func NewAuditor(repo Repository, metrics *Metrics, logger *zap.Logger) *Auditor {
	return &Auditor{repo: repo, metrics: metrics, logger: logger}
}

// Run performs one pass over all sources.
func (a *Auditor) Run(ctx context.Context) (*AuditReport, error) {
	balances, err := a.repo.ListSourceBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load source balances: %w", err)
	}

	report := &AuditReport{
		CheckedAt:      time.Now().UTC(),
		SourcesChecked: len(balances),
		Findings:       []AuditFinding{},
	}
	for _, b := range balances {
		problem := checkBalance(b)
		if problem == "" {
			continue
		}
		finding := AuditFinding{
			SourceID:       b.SourceID,
			TotalVolume:    b.TotalVolume,
			AssignedVolume: b.AssignedVolume,
			ReservedVolume: b.ReservedVolume,
			Problem:        problem,
		}
		report.Findings = append(report.Findings, finding)
		a.logger.Error("Ledger invariant violated",
			zap.String("source_id", b.SourceID.String()),
			zap.String("total_volume", b.TotalVolume.String()),
			zap.String("assigned_volume", b.AssignedVolume.String()),
			zap.String("reserved_volume", b.ReservedVolume.String()),
			zap.String("problem", problem))
	}

	a.metrics.setAuditMismatches(len(report.Findings))
	a.logger.Info("Ledger audit completed",
		zap.Int("sources_checked", report.SourcesChecked),
		zap.Int("findings", len(report.Findings)))
	return report, nil
}

func checkBalance(b SourceBalance) string {
	switch {
	case b.AssignedVolume.IsNegative():
		return "assigned volume is negative"
	case b.AssignedVolume.GreaterThan(b.TotalVolume):
		return "assigned volume exceeds total volume"
	case !b.AssignedVolume.Equal(b.ReservedVolume):
		return "assigned volume differs from the sum of reserving tickets"
	default:
		return ""
	}
}
