package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/plotsense/plotsense-api/internal/models"
	"github.com/plotsense/plotsense-api/internal/repository"
)

// AccountService handles account provisioning. Identity lives in Clerk;
// the ledger account is created lazily on first authenticated use or first
// payment, starting at zero balance on the free tier.
type AccountService struct {
	repos  *repository.Repositories
	logger *slog.Logger
}

// NewAccountService creates a new account service.
func NewAccountService(repos *repository.Repositories, logger *slog.Logger) *AccountService {
	return &AccountService{repos: repos, logger: logger}
}

// Ensure returns the account for id, creating it if it does not exist yet.
func (s *AccountService) Ensure(ctx context.Context, id, email string) (*models.Account, error) {
	account, err := s.repos.Account.GetByID(ctx, id)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, err
	}

	account = &models.Account{
		ID:    id,
		Email: email,
		Tier:  models.TierFree,
	}
	if err := s.repos.Account.Create(ctx, account); err != nil {
		// Lost a create race; the other writer's row wins.
		if errors.Is(err, repository.ErrAccountExists) {
			return s.repos.Account.GetByID(ctx, id)
		}
		return nil, err
	}

	s.logger.Info("account provisioned", "account_id", id, "email", email)
	return account, nil
}

// Get returns the account for id.
func (s *AccountService) Get(ctx context.Context, id string) (*models.Account, error) {
	return s.repos.Account.GetByID(ctx, id)
}
