package worker

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/plotsense/plotsense-api/internal/config"
	"github.com/plotsense/plotsense-api/internal/database/migrations"
	"github.com/plotsense/plotsense-api/internal/models"
	"github.com/plotsense/plotsense-api/internal/repository"
	"github.com/plotsense/plotsense-api/internal/service"
)

func setupScheduler(t *testing.T) (*RefreshScheduler, *repository.Repositories) {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tiers := config.NewTierSettingsLoader(nil, "", "", logger)
	repos := repository.NewRepositories(db, tiers.Current().LogCap)
	ledger := service.NewLedgerService(repos, tiers, logger)
	subscriptions := service.NewSubscriptionService(repos, tiers, logger)

	scheduler := New(repos, ledger, subscriptions, tiers, Config{
		Interval: time.Hour,
		Window:   6 * time.Hour,
		Batch:    50,
	}, logger)
	return scheduler, repos
}

func TestRefreshScheduler_SweepGrantsToLowBalances(t *testing.T) {
	scheduler, repos := setupScheduler(t)
	ctx := context.Background()

	if err := repos.Account.Create(ctx, &models.Account{ID: "user_low", Email: "l@example.com", Balance: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repos.Account.Create(ctx, &models.Account{ID: "user_rich", Email: "r@example.com", Balance: 300}); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	scheduler.Sweep(ctx, now)

	low, _ := repos.Account.GetByID(ctx, "user_low")
	if low.Balance != 8 {
		t.Errorf("low balance = %d, want 8 after trickle of 5", low.Balance)
	}
	if low.LastCreditGrant == nil || !low.LastCreditGrant.Equal(now) {
		t.Errorf("last credit grant = %v, want %v", low.LastCreditGrant, now)
	}

	rich, _ := repos.Account.GetByID(ctx, "user_rich")
	if rich.Balance != 300 {
		t.Errorf("rich balance = %d, want 300 untouched", rich.Balance)
	}
}

func TestRefreshScheduler_SweepIdempotentWithinWindow(t *testing.T) {
	scheduler, repos := setupScheduler(t)
	ctx := context.Background()

	if err := repos.Account.Create(ctx, &models.Account{ID: "user_low", Email: "l@example.com", Balance: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	scheduler.Sweep(ctx, now)
	// A second sweep in the same window changes nothing: the grant
	// timestamp excludes the account and the event key backstops it.
	scheduler.Sweep(ctx, now.Add(time.Minute))

	account, _ := repos.Account.GetByID(ctx, "user_low")
	if account.Balance != 8 {
		t.Errorf("balance = %d, want 8 after duplicate sweep", account.Balance)
	}

	entries, err := repos.Account.ListUsageEntries(ctx, "user_low", 10, 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestRefreshScheduler_SweepGrantsAgainNextWindow(t *testing.T) {
	scheduler, repos := setupScheduler(t)
	ctx := context.Background()

	if err := repos.Account.Create(ctx, &models.Account{ID: "user_low", Email: "l@example.com", Balance: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	scheduler.Sweep(ctx, now)
	scheduler.Sweep(ctx, now.Add(7*time.Hour))

	account, _ := repos.Account.GetByID(ctx, "user_low")
	if account.Balance != 13 {
		t.Errorf("balance = %d, want 13 after two windows", account.Balance)
	}
}

func TestRefreshScheduler_SweepFinalizesDowngrades(t *testing.T) {
	scheduler, repos := setupScheduler(t)
	ctx := context.Background()

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	subID := "sub_1"
	if err := repos.Account.Create(ctx, &models.Account{
		ID: "user_1", Email: "a@example.com", Balance: 50,
		Tier: models.TierPro, SubState: models.SubStateCancelling,
		SubscriptionCancelAtPeriodEnd: true,
		SubscriptionPeriodEnd:         &past,
		StripeSubscriptionID:          &subID,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	scheduler.Sweep(ctx, now)

	account, _ := repos.Account.GetByID(ctx, "user_1")
	if account.Tier != models.TierFree {
		t.Errorf("tier = %q, want free after downgrade", account.Tier)
	}
	if account.SubState != models.SubStateCancelled {
		t.Errorf("state = %q, want cancelled", account.SubState)
	}
}

func TestRefreshEventKey(t *testing.T) {
	now := time.Date(2026, 6, 1, 13, 47, 0, 0, time.UTC)
	key := refreshEventKey("user_1", now, 6*time.Hour)
	want := "refresh:user_1|2026-06-01T12:00:00Z"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}

	// Any time within the window maps to the same key.
	if other := refreshEventKey("user_1", now.Add(time.Hour), 6*time.Hour); other != key {
		t.Errorf("same-window key = %q, want %q", other, key)
	}
}
