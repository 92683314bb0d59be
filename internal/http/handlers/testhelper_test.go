package handlers

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
	"github.com/plotsense/plotsense-api/internal/http/mw"
	"github.com/plotsense/plotsense-api/internal/models"
	"github.com/plotsense/plotsense-api/internal/repository"
	"github.com/plotsense/plotsense-api/internal/service"
)

// testStack wires handlers against an in-memory database.
type testStack struct {
	db         *sql.DB
	cfg        *config.Config
	tiers      *config.TierSettingsLoader
	repos      *repository.Repositories
	accounts   *service.AccountService
	ledger     *service.LedgerService
	activity   *service.ActivityService
	reconciler *service.Reconciler
	logger     *slog.Logger
}

func newTestStack(t *testing.T) *testStack {
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

	accounts := service.NewAccountService(repos, logger)
	ledger := service.NewLedgerService(repos, tiers, logger)
	subscriptions := service.NewSubscriptionService(repos, tiers, logger)
	reconciler := service.NewReconciler(repos, ledger, subscriptions, accounts, logger)
	activity := service.NewActivityService(repos, 64, time.Hour, time.Second, logger)

	return &testStack{
		db: db,
		cfg: &config.Config{
			StripeWebhookSecret: "whsec_test",
			PayPalWebhookID:     "wh_test",
			PayPalMode:          "sandbox",
		},
		tiers:      tiers,
		repos:      repos,
		accounts:   accounts,
		ledger:     ledger,
		activity:   activity,
		reconciler: reconciler,
		logger:     logger,
	}
}

func (s *testStack) createAccount(t *testing.T, id string, balance int64) {
	t.Helper()
	err := s.repos.Account.Create(context.Background(), &models.Account{
		ID:      id,
		Email:   id + "@example.com",
		Balance: balance,
	})
	if err != nil {
		t.Fatalf("failed to create test account: %v", err)
	}
}

// authedCtx returns a context carrying authenticated user claims, the way
// the auth middleware would.
func authedCtx(userID, email string) context.Context {
	return context.WithValue(context.Background(), mw.UserClaimsKey, &mw.UserClaims{
		UserID: userID,
		Email:  email,
	})
}
