/*
scheduler.go - Scheduled subscription billing

PURPOSE:
  Bills tontinier subscriptions on a cron schedule (default: 02:00 on the
  first day of each month, in the reporting timezone). Each run bills the
  month containing the run time; the earnings store rejects a second
  subscription earning for the same month, so a restarted server or an
  overlapping manual run never bills twice.

SEE ALSO:
  - ledger/billing.go: Biller.Run
  - cmd/server/main.go: Starts the scheduler when billing.enabled is set
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/warp/tontine-engine/ledger"
)

// runTimeout bounds one billing run.
const runTimeout = 5 * time.Minute

// BillingScheduler runs Biller.Run on a cron schedule.
type BillingScheduler struct {
	Biller   *ledger.Biller
	Schedule string
	Logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewBillingScheduler(biller *ledger.Biller, schedule string, logger *slog.Logger) *BillingScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingScheduler{Biller: biller, Schedule: schedule, Logger: logger.With("module", "scheduler")}
}

// Start registers the billing job and starts the cron loop.
func (s *BillingScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	loc := s.Biller.Calendar.Location
	if loc == nil {
		loc = time.UTC
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.Logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	if _, err := c.AddFunc(s.Schedule, func() { _, _ = s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule billing %q: %w", s.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.Logger.Info("scheduled subscription billing", "schedule", s.Schedule, "timezone", loc.String())
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *BillingScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		s.Logger.Info("billing scheduler stopped")
	}
}

// RunOnce bills the current month.
func (s *BillingScheduler) RunOnce(ctx context.Context) (*ledger.BillingReport, error) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	at := time.Now().UTC()
	if s.Biller.Clock != nil {
		at = s.Biller.Clock.Now()
	}
	report, err := s.Biller.Run(ctx, at)
	if err != nil {
		s.Logger.Error("subscription billing failed", "error", err)
		return nil, err
	}
	return report, nil
}
