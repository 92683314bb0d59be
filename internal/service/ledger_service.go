// Package service contains the business logic for the credit ledger.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/plotsense/plotsense-api/internal/config"
	"github.com/plotsense/plotsense-api/internal/models"
	"github.com/plotsense/plotsense-api/internal/repository"
)

var (
	// ErrInsufficientBalance indicates the account doesn't have enough credits.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount indicates a non-positive credit or debit amount.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// MutationResult reports the outcome of a credit or debit.
type MutationResult struct {
	// Applied is false when the operation was suppressed as a duplicate
	// of an already-processed external event.
	Applied    bool
	NewBalance int64
}

// LedgerService provides the atomic balance mutation primitives.
type LedgerService struct {
	repos  *repository.Repositories
	tiers  *config.TierSettingsLoader
	logger *slog.Logger
}

// NewLedgerService creates a new ledger service.
func NewLedgerService(repos *repository.Repositories, tiers *config.TierSettingsLoader, logger *slog.Logger) *LedgerService {
	return &LedgerService{
		repos:  repos,
		tiers:  tiers,
		logger: logger,
	}
}

// Credit adds credits to an account. When externalEventKey is non-nil the
// operation is idempotent: a key that was already applied makes this a
// no-op success with Applied=false. purchase marks the grant as counting
// toward total purchased credits.
func (s *LedgerService) Credit(ctx context.Context, accountID string, amount int64, description string, externalEventKey *string, purchase bool, tags map[string]string) (*MutationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	result := &MutationResult{}
	account, err := s.repos.Account.Commit(ctx, accountID, func(ctx context.Context, txn repository.Txn) error {
		a := txn.Account()

		if externalEventKey != nil {
			applied, err := txn.AlreadyApplied(ctx, *externalEventKey)
			if err != nil {
				return err
			}
			if applied {
				result.Applied = false
				result.NewBalance = a.Balance
				return nil
			}
		}

		oldBalance := a.Balance
		a.Balance += amount
		if purchase {
			a.TotalCreditsPurchased += amount
		}

		txn.Append(&models.UsageEntry{
			Kind:             models.EntryCredit,
			Amount:           amount,
			Description:      description,
			ExternalEventKey: externalEventKey,
			Tags:             withBalanceTags(tags, oldBalance, a.Balance),
		})
		result.Applied = true
		result.NewBalance = a.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Applied {
		s.logger.Info("credits added",
			"account_id", accountID,
			"amount", amount,
			"balance", account.Balance,
			"description", description)
	} else {
		s.logger.Info("duplicate credit event suppressed",
			"account_id", accountID,
			"event_key", deref(externalEventKey))
	}
	return result, nil
}

// Debit removes credits from an account. Interactive debits carry no
// external key so they are always applied-or-rejected, never deduplicated.
// A debit that would drive the balance negative fails with
// ErrInsufficientBalance and changes nothing.
func (s *LedgerService) Debit(ctx context.Context, accountID string, amount int64, description string, tags map[string]string) (*MutationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	result := &MutationResult{}
	_, err := s.repos.Account.Commit(ctx, accountID, func(ctx context.Context, txn repository.Txn) error {
		a := txn.Account()

		if a.Balance < amount {
			result.NewBalance = a.Balance
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, a.Balance, amount)
		}

		oldBalance := a.Balance
		a.Balance -= amount

		txn.Append(&models.UsageEntry{
			Kind:        models.EntryDebit,
			Amount:      amount,
			Description: description,
			Tags:        withBalanceTags(tags, oldBalance, a.Balance),
		})
		result.Applied = true
		result.NewBalance = a.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("credits deducted",
		"account_id", accountID,
		"amount", amount,
		"balance", result.NewBalance,
		"description", description)
	return result, nil
}

// Trickle grants a small periodic credit to a low-balance account. The
// refresh-window identity in the event key makes a sweep that runs twice
// in the same window a no-op, and the grant timestamp keeps the account
// out of the next sweep.
func (s *LedgerService) Trickle(ctx context.Context, accountID string, amount int64, eventKey string, now time.Time) (*MutationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	result := &MutationResult{}
	_, err := s.repos.Account.Commit(ctx, accountID, func(ctx context.Context, txn repository.Txn) error {
		a := txn.Account()

		applied, err := txn.AlreadyApplied(ctx, eventKey)
		if err != nil {
			return err
		}
		if applied {
			result.NewBalance = a.Balance
			return nil
		}

		oldBalance := a.Balance
		a.Balance += amount
		grant := now.UTC()
		a.LastCreditGrant = &grant

		txn.Append(&models.UsageEntry{
			Kind:             models.EntryCredit,
			Amount:           amount,
			Description:      "periodic refresh",
			ExternalEventKey: &eventKey,
			Tags:             withBalanceTags(map[string]string{"reason": "trickle"}, oldBalance, a.Balance),
		})
		result.Applied = true
		result.NewBalance = a.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Applied {
		s.logger.Info("trickle grant applied", "account_id", accountID, "amount", amount, "balance", result.NewBalance)
	}
	return result, nil
}

// Refund re-credits a previously debited amount. Refunds are caller-trusted
// and carry no idempotency key.
func (s *LedgerService) Refund(ctx context.Context, accountID string, amount int64, description string) (*MutationResult, error) {
	return s.Credit(ctx, accountID, amount, description, nil, false, map[string]string{"reason": "refund"})
}

// CreditSummary is the balance view returned to interactive callers.
type CreditSummary struct {
	Balance               int64                    `json:"balance"`
	LowBalance            bool                     `json:"low_balance"`
	Tier                  models.SubscriptionTier  `json:"tier"`
	SubscriptionState     models.SubscriptionState `json:"subscription_state"`
	TotalCreditsPurchased int64                    `json:"total_credits_purchased"`
}

// Summary returns the account's balance and tier.
func (s *LedgerService) Summary(ctx context.Context, accountID string) (*CreditSummary, error) {
	account, err := s.repos.Account.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	billing := s.tiers.Current()
	return &CreditSummary{
		Balance:               account.Balance,
		LowBalance:            account.Balance < billing.LowWaterMark,
		Tier:                  account.Tier,
		SubscriptionState:     account.SubState,
		TotalCreditsPurchased: account.TotalCreditsPurchased,
	}, nil
}

// History returns the account's usage log, newest first.
func (s *LedgerService) History(ctx context.Context, accountID string, limit, offset int) ([]*models.UsageEntry, error) {
	return s.repos.Account.ListUsageEntries(ctx, accountID, limit, offset)
}

func withBalanceTags(tags map[string]string, oldBalance, newBalance int64) map[string]string {
	out := make(map[string]string, len(tags)+2)
	for k, v := range tags {
		out[k] = v
	}
	out["previous_balance"] = strconv.FormatInt(oldBalance, 10)
	out["new_balance"] = strconv.FormatInt(newBalance, 10)
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
