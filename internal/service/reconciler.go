package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/plotsense/plotsense-api/internal/models"
	"github.com/plotsense/plotsense-api/internal/repository"
)

var (
	// ErrUnknownAccount indicates an event that references no resolvable
	// account. Callers should answer with a non-retryable status.
	ErrUnknownAccount = errors.New("event references unknown account")

	// ErrMalformedEvent indicates a recognized event missing required
	// fields. Not retryable.
	ErrMalformedEvent = errors.New("malformed event")
)

// Reconciler dispatches normalized provider events to the ledger and
// subscription services. Provider adapters verify and normalize; the
// reconciler resolves the account and applies the event exactly once.
type Reconciler struct {
	repos         *repository.Repositories
	ledger        *LedgerService
	subscriptions *SubscriptionService
	accounts      *AccountService
	logger        *slog.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(repos *repository.Repositories, ledger *LedgerService, subscriptions *SubscriptionService, accounts *AccountService, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		repos:         repos,
		ledger:        ledger,
		subscriptions: subscriptions,
		accounts:      accounts,
		logger:        logger,
	}
}

// Apply routes a normalized event to the right service. Replays of
// already-applied events succeed as no-ops.
func (r *Reconciler) Apply(ctx context.Context, ev models.BillingEvent) error {
	switch e := ev.(type) {
	case *models.PaymentSucceeded:
		return r.applyPayment(ctx, e)
	case *models.PaymentRefunded:
		return r.applyRefund(ctx, e)
	case *models.SubscriptionActivated:
		account, err := r.resolve(ctx, e.EventBase, true)
		if err != nil {
			return err
		}
		return r.linkAndApply(ctx, account, e.EventBase, func(id string) error {
			return r.subscriptions.Activate(ctx, id, e)
		})
	case *models.SubscriptionRenewed:
		account, err := r.resolveSubscription(ctx, e.EventBase, e.SubscriptionID)
		if err != nil {
			return err
		}
		return r.subscriptions.Renew(ctx, account.ID, e)
	case *models.SubscriptionCancelled:
		account, err := r.resolveSubscription(ctx, e.EventBase, e.SubscriptionID)
		if err != nil {
			return err
		}
		return r.subscriptions.Cancel(ctx, account.ID, e)
	case *models.SubscriptionPastDue:
		account, err := r.resolveSubscription(ctx, e.EventBase, e.SubscriptionID)
		if err != nil {
			return err
		}
		return r.subscriptions.MarkPastDue(ctx, account.ID, e)
	default:
		return fmt.Errorf("%w: unhandled event type %T", ErrMalformedEvent, ev)
	}
}

func (r *Reconciler) applyPayment(ctx context.Context, e *models.PaymentSucceeded) error {
	if e.Credits <= 0 {
		return fmt.Errorf("%w: payment with no credit amount", ErrMalformedEvent)
	}

	// Completed payments provision unknown accounts before crediting.
	account, err := r.resolve(ctx, e.EventBase, true)
	if err != nil {
		return err
	}

	key := e.EventKey()
	return r.linkAndApply(ctx, account, e.EventBase, func(id string) error {
		_, err := r.ledger.Credit(ctx, id, e.Credits, "credit purchase", &key, true, map[string]string{
			"provider": string(e.Provider),
			"currency": e.Currency,
			"reason":   "payment",
		})
		return err
	})
}

func (r *Reconciler) applyRefund(ctx context.Context, e *models.PaymentRefunded) error {
	account, err := r.resolve(ctx, e.EventBase, false)
	if err != nil {
		return err
	}

	key := e.EventKey()
	_, err = r.repos.Account.Commit(ctx, account.ID, func(ctx context.Context, txn repository.Txn) error {
		a := txn.Account()

		applied, err := txn.AlreadyApplied(ctx, key)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}

		// Clawback is capped at the current balance; the ledger never
		// goes negative for money the user already spent.
		amount := e.Credits
		if amount > a.Balance {
			amount = a.Balance
		}
		oldBalance := a.Balance
		a.Balance -= amount

		txn.Append(&models.UsageEntry{
			Kind:             models.EntryDebit,
			Amount:           amount,
			Description:      "payment refunded",
			ExternalEventKey: &key,
			Tags: map[string]string{
				"provider":         string(e.Provider),
				"refunded_payment": e.PaymentID,
				"reason":           "refund",
				"requested":        fmt.Sprintf("%d", e.Credits),
				"previous_balance": fmt.Sprintf("%d", oldBalance),
			},
		})
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("refund applied", "account_id", account.ID, "provider", e.Provider)
	return nil
}

// resolve maps an event's account hints to an account: explicit id first,
// then provider customer reference, then email. When provision is set an
// unknown email gets a fresh zero-balance account.
func (r *Reconciler) resolve(ctx context.Context, base models.EventBase, provision bool) (*models.Account, error) {
	if base.AccountID != "" {
		account, err := r.repos.Account.GetByID(ctx, base.AccountID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, repository.ErrAccountNotFound) {
			return nil, err
		}
	}

	if base.CustomerID != "" {
		account, err := r.repos.Account.GetByProviderCustomer(ctx, base.Provider, base.CustomerID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, repository.ErrAccountNotFound) {
			return nil, err
		}
	}

	if base.Email != "" {
		account, err := r.repos.Account.GetByEmail(ctx, base.Email)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, repository.ErrAccountNotFound) {
			return nil, err
		}
		if provision {
			id := base.AccountID
			if id == "" {
				id = "acct_" + ulid.Make().String()
			}
			r.logger.Info("provisioning account for unknown payer",
				"email", base.Email, "provider", base.Provider)
			return r.accounts.Ensure(ctx, id, base.Email)
		}
	}

	return nil, fmt.Errorf("%w: provider=%s id=%s", ErrUnknownAccount, base.Provider, base.ProviderID)
}

// resolveSubscription resolves lifecycle events, preferring the recorded
// subscription reference over the generic hints. Lifecycle events never
// provision accounts.
func (r *Reconciler) resolveSubscription(ctx context.Context, base models.EventBase, subscriptionID string) (*models.Account, error) {
	if subscriptionID != "" {
		account, err := r.repos.Account.GetBySubscriptionRef(ctx, base.Provider, subscriptionID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, repository.ErrAccountNotFound) {
			return nil, err
		}
	}
	return r.resolve(ctx, base, false)
}

// linkAndApply records the provider customer reference on the account if
// it is new, then runs apply.
func (r *Reconciler) linkAndApply(ctx context.Context, account *models.Account, base models.EventBase, apply func(accountID string) error) error {
	if base.CustomerID != "" && r.customerRef(account, base.Provider) == "" {
		_, err := r.repos.Account.Commit(ctx, account.ID, func(ctx context.Context, txn repository.Txn) error {
			a := txn.Account()
			switch base.Provider {
			case models.ProviderStripe:
				if a.StripeCustomerID == nil {
					a.StripeCustomerID = &base.CustomerID
				}
			case models.ProviderPayPal:
				if a.PayPalPayerID == nil {
					a.PayPalPayerID = &base.CustomerID
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return apply(account.ID)
}

func (r *Reconciler) customerRef(a *models.Account, p models.Provider) string {
	switch p {
	case models.ProviderStripe:
		if a.StripeCustomerID != nil {
			return *a.StripeCustomerID
		}
	case models.ProviderPayPal:
		if a.PayPalPayerID != nil {
			return *a.PayPalPayerID
		}
	}
	return ""
}
