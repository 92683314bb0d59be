package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/plotsense/plotsense-api/internal/config"
	"github.com/plotsense/plotsense-api/internal/models"
	"github.com/plotsense/plotsense-api/internal/repository"
)

// ErrUnknownPlan indicates a provider plan id with no tier mapping.
var ErrUnknownPlan = errors.New("unknown subscription plan")

// SubscriptionService maps normalized provider subscription events onto the
// account's subscription state machine and enforces per-tier credit floors.
type SubscriptionService struct {
	repos  *repository.Repositories
	tiers  *config.TierSettingsLoader
	logger *slog.Logger
}

// NewSubscriptionService creates a new subscription service.
func NewSubscriptionService(repos *repository.Repositories, tiers *config.TierSettingsLoader, logger *slog.Logger) *SubscriptionService {
	return &SubscriptionService{
		repos:  repos,
		tiers:  tiers,
		logger: logger,
	}
}

// Activate starts a subscription on a tier. The balance is raised to the
// tier's guaranteed floor, never lowered, and the top-up is recorded as a
// credit entry (possibly zero). Replays of the same provider event are
// no-ops.
func (s *SubscriptionService) Activate(ctx context.Context, accountID string, ev *models.SubscriptionActivated) error {
	key := ev.EventKey()
	billing := s.tiers.Current()
	floor := billing.GetFloor(ev.Tier)

	_, err := s.repos.Account.Commit(ctx, accountID, func(ctx context.Context, txn repository.Txn) error {
		a := txn.Account()

		applied, err := txn.AlreadyApplied(ctx, key)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}

		oldBalance := a.Balance
		a.Tier = ev.Tier
		a.SubState = models.SubStateActive
		a.SetSubscriptionRef(ev.Provider, ev.SubscriptionID)
		a.SubscriptionCancelAtPeriodEnd = false
		if !ev.PeriodEnd.IsZero() {
			end := ev.PeriodEnd
			a.SubscriptionPeriodEnd = &end
		}
		if a.Balance < floor {
			a.Balance = floor
		}

		txn.Append(&models.UsageEntry{
			Kind:             models.EntryCredit,
			Amount:           a.Balance - oldBalance,
			Description:      "subscription activated: " + string(ev.Tier),
			ExternalEventKey: &key,
			Tags: map[string]string{
				"provider":        string(ev.Provider),
				"subscription_id": ev.SubscriptionID,
				"reason":          "subscription_activated",
			},
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("subscription activated",
		"account_id", accountID,
		"provider", ev.Provider,
		"tier", ev.Tier,
		"subscription_id", ev.SubscriptionID)
	return nil
}

// Renew handles a successful recurring charge: the account returns to
// Active and the balance is topped up to the current tier floor.
func (s *SubscriptionService) Renew(ctx context.Context, accountID string, ev *models.SubscriptionRenewed) error {
	key := ev.EventKey()

	_, err := s.repos.Account.Commit(ctx, accountID, func(ctx context.Context, txn repository.Txn) error {
		a := txn.Account()

		applied, err := txn.AlreadyApplied(ctx, key)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}

		billing := s.tiers.Current()
		floor := billing.GetFloor(a.Tier)

		oldBalance := a.Balance
		a.SubState = models.SubStateActive
		if !ev.PeriodEnd.IsZero() {
			end := ev.PeriodEnd
			a.SubscriptionPeriodEnd = &end
		}
		if a.Balance < floor {
			a.Balance = floor
		}

		txn.Append(&models.UsageEntry{
			Kind:             models.EntryCredit,
			Amount:           a.Balance - oldBalance,
			Description:      "subscription renewed: " + string(a.Tier),
			ExternalEventKey: &key,
			Tags: map[string]string{
				"provider":        string(ev.Provider),
				"subscription_id": ev.SubscriptionID,
				"reason":          "subscription_renewed",
			},
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("subscription renewed", "account_id", accountID, "provider", ev.Provider)
	return nil
}

// Cancel ends a subscription. With AtPeriodEnd set the tier survives until
// the period ends and the downgrade is finalized later by the scheduler;
// otherwise the account drops to free immediately. Either way a zero-amount
// debit entry documents the cancellation.
func (s *SubscriptionService) Cancel(ctx context.Context, accountID string, ev *models.SubscriptionCancelled) error {
	key := ev.EventKey()

	_, err := s.repos.Account.Commit(ctx, accountID, func(ctx context.Context, txn repository.Txn) error {
		a := txn.Account()

		applied, err := txn.AlreadyApplied(ctx, key)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}

		if ev.AtPeriodEnd {
			a.SubState = models.SubStateCancelling
			a.SubscriptionCancelAtPeriodEnd = true
			if !ev.PeriodEnd.IsZero() {
				end := ev.PeriodEnd
				a.SubscriptionPeriodEnd = &end
			}
		} else {
			a.Tier = models.TierFree
			a.SubState = models.SubStateCancelled
			a.SubscriptionCancelAtPeriodEnd = false
			a.ClearSubscriptionRef(ev.Provider)
		}

		txn.Append(&models.UsageEntry{
			Kind:             models.EntryDebit,
			Amount:           0,
			Description:      "subscription cancelled",
			ExternalEventKey: &key,
			Tags: map[string]string{
				"provider":        string(ev.Provider),
				"subscription_id": ev.SubscriptionID,
				"reason":          "subscription_cancelled",
				"at_period_end":   boolString(ev.AtPeriodEnd),
			},
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("subscription cancelled",
		"account_id", accountID,
		"provider", ev.Provider,
		"at_period_end", ev.AtPeriodEnd)
	return nil
}

// MarkPastDue records a failed recurring charge. Tier and balance are
// untouched; the grace period is the provider's concern.
func (s *SubscriptionService) MarkPastDue(ctx context.Context, accountID string, ev *models.SubscriptionPastDue) error {
	key := ev.EventKey()

	_, err := s.repos.Account.Commit(ctx, accountID, func(ctx context.Context, txn repository.Txn) error {
		a := txn.Account()

		applied, err := txn.AlreadyApplied(ctx, key)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}

		a.SubState = models.SubStatePastDue

		txn.Append(&models.UsageEntry{
			Kind:             models.EntryDebit,
			Amount:           0,
			Description:      "subscription payment failed",
			ExternalEventKey: &key,
			Tags: map[string]string{
				"provider":        string(ev.Provider),
				"subscription_id": ev.SubscriptionID,
				"reason":          "payment_failed",
			},
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Warn("subscription past due", "account_id", accountID, "provider", ev.Provider)
	return nil
}

// FinalizeDowngrade drops an account whose cancelled subscription period
// has ended back to the free tier. Called by the periodic scheduler.
func (s *SubscriptionService) FinalizeDowngrade(ctx context.Context, accountID string, now time.Time) error {
	_, err := s.repos.Account.Commit(ctx, accountID, func(ctx context.Context, txn repository.Txn) error {
		a := txn.Account()

		// Re-check under the commit; a renewal may have raced the sweep.
		if !a.SubscriptionCancelAtPeriodEnd ||
			a.SubscriptionPeriodEnd == nil || a.SubscriptionPeriodEnd.After(now) {
			return nil
		}

		a.Tier = models.TierFree
		a.SubState = models.SubStateCancelled
		a.SubscriptionCancelAtPeriodEnd = false
		a.StripeSubscriptionID = nil
		a.PayPalSubscriptionID = nil
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("subscription downgrade finalized", "account_id", accountID)
	return nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
