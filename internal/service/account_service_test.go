package service

import (
	"context"
	"errors"
	"testing"

	"github.com/plotsense/plotsense-api/internal/models"
	"github.com/plotsense/plotsense-api/internal/repository"
)

func TestAccountService_EnsureCreates(t *testing.T) {
	repos, repo, _ := newTestRepos()
	svc := NewAccountService(repos, testLogger())
	ctx := context.Background()

	account, err := svc.Ensure(ctx, "user_1", "alice@example.com")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if account.Balance != 0 {
		t.Errorf("balance = %d, want 0 for a fresh account", account.Balance)
	}
	if account.Tier != models.TierFree {
		t.Errorf("tier = %q, want free", account.Tier)
	}

	if _, err := repo.GetByID(ctx, "user_1"); err != nil {
		t.Errorf("account not persisted: %v", err)
	}
}

func TestAccountService_EnsureIsIdempotent(t *testing.T) {
	repos, repo, _ := newTestRepos()
	svc := NewAccountService(repos, testLogger())
	ctx := context.Background()

	if _, err := svc.Ensure(ctx, "user_1", "alice@example.com"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	// Mutate the stored account, then Ensure again: the existing row wins.
	if _, err := repo.Commit(ctx, "user_1", func(ctx context.Context, txn repository.Txn) error {
		txn.Account().Balance = 42
		return nil
	}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	account, err := svc.Ensure(ctx, "user_1", "alice@example.com")
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if account.Balance != 42 {
		t.Errorf("balance = %d, want 42 from the existing account", account.Balance)
	}
}

func TestAccountService_GetNotFound(t *testing.T) {
	repos, _, _ := newTestRepos()
	svc := NewAccountService(repos, testLogger())

	_, err := svc.Get(context.Background(), "nope")
	if !errors.Is(err, repository.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
