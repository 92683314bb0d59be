// Package worker contains background jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plotsense/plotsense-api/internal/config"
	"github.com/plotsense/plotsense-api/internal/repository"
	"github.com/plotsense/plotsense-api/internal/service"
)

// RefreshScheduler periodically trickles small credit grants to
// low-balance accounts and finalizes subscription downgrades whose period
// has ended.
type RefreshScheduler struct {
	repos         *repository.Repositories
	ledger        *service.LedgerService
	subscriptions *service.SubscriptionService
	tiers         *config.TierSettingsLoader

	interval time.Duration
	window   time.Duration
	batch    int

	stop   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// Config holds scheduler configuration.
type Config struct {
	Interval time.Duration // how often the sweep runs
	Window   time.Duration // min gap between grants per account
	Batch    int
}

// New creates a new refresh scheduler.
func New(
	repos *repository.Repositories,
	ledger *service.LedgerService,
	subscriptions *service.SubscriptionService,
	tiers *config.TierSettingsLoader,
	cfg Config,
	logger *slog.Logger,
) *RefreshScheduler {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Window == 0 {
		cfg.Window = 6 * time.Hour
	}
	if cfg.Batch == 0 {
		cfg.Batch = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshScheduler{
		repos:         repos,
		ledger:        ledger,
		subscriptions: subscriptions,
		tiers:         tiers,
		interval:      cfg.Interval,
		window:        cfg.Window,
		batch:         cfg.Batch,
		stop:          make(chan struct{}),
		logger:        logger.With("component", "refresh"),
	}
}

// Start begins the periodic sweep.
func (s *RefreshScheduler) Start(ctx context.Context) {
	s.logger.Info("starting", "interval", s.interval, "window", s.window)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop gracefully stops the scheduler.
func (s *RefreshScheduler) Stop() {
	s.logger.Info("stopping")
	close(s.stop)
	s.wg.Wait()
	s.logger.Info("stopped")
}

func (s *RefreshScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		}
	}
}

// Sweep runs one pass: trickle grants, then downgrade finalization.
// Exported so it can be driven directly in tests and admin tooling.
func (s *RefreshScheduler) Sweep(ctx context.Context, now time.Time) {
	s.tiers.MaybeRefresh(ctx)
	billing := s.tiers.Current()

	if billing.TrickleAmount > 0 {
		s.trickle(ctx, &billing, now)
	}
	s.finalizeDowngrades(ctx, now)
}

func (s *RefreshScheduler) trickle(ctx context.Context, billing *config.BillingConfig, now time.Time) {
	cutoff := now.Add(-s.window)
	accounts, err := s.repos.Account.ListRefreshCandidates(ctx, billing.LowWaterMark, cutoff, s.batch)
	if err != nil {
		s.logger.Error("failed to list refresh candidates", "error", err)
		return
	}

	granted := 0
	for _, account := range accounts {
		key := refreshEventKey(account.ID, now, s.window)
		result, err := s.ledger.Trickle(ctx, account.ID, billing.TrickleAmount, key, now)
		if err != nil {
			if errors.Is(err, repository.ErrConcurrentModification) {
				// Contended account; the next sweep picks it up.
				continue
			}
			s.logger.Error("failed to apply trickle grant", "account_id", account.ID, "error", err)
			continue
		}
		if result.Applied {
			granted++
		}
	}

	if len(accounts) > 0 {
		s.logger.Info("refresh sweep complete", "candidates", len(accounts), "granted", granted)
	}
}

func (s *RefreshScheduler) finalizeDowngrades(ctx context.Context, now time.Time) {
	accounts, err := s.repos.Account.ListPendingDowngrades(ctx, now, s.batch)
	if err != nil {
		s.logger.Error("failed to list pending downgrades", "error", err)
		return
	}

	for _, account := range accounts {
		if err := s.subscriptions.FinalizeDowngrade(ctx, account.ID, now); err != nil {
			s.logger.Error("failed to finalize downgrade", "account_id", account.ID, "error", err)
		}
	}
}

// refreshEventKey derives the idempotency key for a trickle grant from the
// account and the refresh window the sweep falls into.
func refreshEventKey(accountID string, now time.Time, window time.Duration) string {
	windowStart := now.UTC().Truncate(window)
	return fmt.Sprintf("refresh:%s|%s", accountID, windowStart.Format(time.RFC3339))
}
