package saf

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// AuditScheduler runs the Auditor on a cron schedule. Overlapping runs are skipped.
type AuditScheduler struct {
	cron    *cron.Cron
	auditor *Auditor
	logger  *zap.Logger

	mu      sync.RWMutex
	ctx     context.Context
	running bool
	last    *AuditReport
}

// NewAuditScheduler accepts standard five-field cron expressions and descriptors such as "@every 5m".
func NewAuditScheduler(auditor *Auditor, schedule string, logger *zap.Logger) (*AuditScheduler, error) {
	s := &AuditScheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		auditor: auditor,
		logger:  logger,
		ctx:     context.Background(),
	}
	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("invalid audit schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start starts the schedule; runs stop early once ctx is done.
func (s *AuditScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("audit scheduler already running")
	}
	s.running = true
	s.ctx = ctx

	s.logger.Info("Starting audit scheduler")
	s.cron.Start()
	return nil
}

// Stop stops the schedule and waits for a running audit to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping audit scheduler")
	<-s.cron.Stop().Done()
}

// LastReport returns the most recent report, nil before the first run.
func (s *AuditScheduler) LastReport() *AuditReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *AuditScheduler) runOnce() {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	report, err := s.auditor.Run(ctx)
	if err != nil {
		s.logger.Error("Ledger audit failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
}
