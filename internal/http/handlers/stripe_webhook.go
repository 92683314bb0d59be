// Package handlers contains HTTP request handlers.
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/plotsense/plotsense-api/internal/config"
	"github.com/plotsense/plotsense-api/internal/models"
	"github.com/plotsense/plotsense-api/internal/service"
)

// StripeWebhookHandler handles Stripe webhook events.
type StripeWebhookHandler struct {
	cfg        *config.Config
	tiers      *config.TierSettingsLoader
	reconciler *service.Reconciler
	logger     *slog.Logger
}

// NewStripeWebhookHandler creates a new Stripe webhook handler.
func NewStripeWebhookHandler(cfg *config.Config, tiers *config.TierSettingsLoader, reconciler *service.Reconciler, logger *slog.Logger) *StripeWebhookHandler {
	stripe.Key = cfg.StripeSecretKey

	return &StripeWebhookHandler{
		cfg:        cfg,
		tiers:      tiers,
		reconciler: reconciler,
		logger:     logger,
	}
}

// HandleWebhook processes incoming Stripe webhooks.
// This is a raw HTTP handler since huma doesn't handle raw body verification well.
func (h *StripeWebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	const maxBodySize = 65536 // 64KB

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sigHeader, h.cfg.StripeWebhookSecret)
	if err != nil {
		h.logger.Warn("rejected webhook with bad signature", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	h.logger.Info("received Stripe webhook", "type", event.Type, "id", event.ID)

	normalized, err := h.normalize(event)
	if err != nil {
		h.logger.Warn("malformed webhook event", "type", event.Type, "id", event.ID, "error", err)
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}
	if normalized == nil {
		// Recognized provider, uninteresting event type.
		w.WriteHeader(http.StatusOK)
		return
	}

	writeReconcileResult(w, h.logger, h.reconciler.Apply(r.Context(), normalized), string(event.Type))
}

// normalize maps a verified Stripe event to the internal event type.
// Returns (nil, nil) for event types this system does not consume.
func (h *StripeWebhookHandler) normalize(event stripe.Event) (models.BillingEvent, error) {
	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
		}
		base := h.eventBase(event, session.Metadata["account_id"], customerID(session.Customer), sessionEmail(&session))

		if session.Mode == stripe.CheckoutSessionModeSubscription {
			if session.Subscription == nil {
				return nil, fmt.Errorf("subscription checkout without subscription ref")
			}
			tier, err := h.tierFor(session.Metadata, session.Subscription)
			if err != nil {
				return nil, err
			}
			return &models.SubscriptionActivated{
				EventBase:      base,
				SubscriptionID: session.Subscription.ID,
				Tier:           tier,
				PeriodEnd:      unixTime(session.Subscription.CurrentPeriodEnd),
			}, nil
		}

		billing := h.tiers.Current()
		return &models.PaymentSucceeded{
			EventBase: base,
			Credits:   billing.CreditsForAmount(session.AmountTotal),
			Currency:  string(session.Currency),
			AmountUC:  session.AmountTotal,
		}, nil

	case "invoice.paid":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("failed to unmarshal invoice: %w", err)
		}
		if invoice.Subscription == nil {
			return nil, nil
		}
		return &models.SubscriptionRenewed{
			EventBase:      h.eventBase(event, invoiceAccountID(&invoice), customerID(invoice.Customer), invoice.CustomerEmail),
			SubscriptionID: invoice.Subscription.ID,
			PeriodEnd:      unixTime(invoice.Subscription.CurrentPeriodEnd),
		}, nil

	case "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("failed to unmarshal invoice: %w", err)
		}
		if invoice.Subscription == nil {
			return nil, nil
		}
		return &models.SubscriptionPastDue{
			EventBase:      h.eventBase(event, invoiceAccountID(&invoice), customerID(invoice.Customer), invoice.CustomerEmail),
			SubscriptionID: invoice.Subscription.ID,
		}, nil

	case "customer.subscription.updated":
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		// Only the cancel-at-period-end flip is interesting here.
		if !subscription.CancelAtPeriodEnd {
			return nil, nil
		}
		return &models.SubscriptionCancelled{
			EventBase:      h.eventBase(event, subscription.Metadata["account_id"], customerID(subscription.Customer), ""),
			SubscriptionID: subscription.ID,
			AtPeriodEnd:    true,
			PeriodEnd:      unixTime(subscription.CurrentPeriodEnd),
		}, nil

	case "customer.subscription.deleted":
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		return &models.SubscriptionCancelled{
			EventBase:      h.eventBase(event, subscription.Metadata["account_id"], customerID(subscription.Customer), ""),
			SubscriptionID: subscription.ID,
			AtPeriodEnd:    false,
		}, nil

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("failed to unmarshal charge: %w", err)
		}
		billing := h.tiers.Current()
		paymentID := ""
		if charge.PaymentIntent != nil {
			paymentID = charge.PaymentIntent.ID
		}
		return &models.PaymentRefunded{
			EventBase: h.eventBase(event, charge.Metadata["account_id"], customerID(charge.Customer), ""),
			Credits:   billing.CreditsForAmount(charge.AmountRefunded),
			PaymentID: paymentID,
		}, nil

	default:
		h.logger.Debug("unhandled webhook event type", "type", event.Type)
		return nil, nil
	}
}

func (h *StripeWebhookHandler) eventBase(event stripe.Event, accountID, custID, email string) models.EventBase {
	return models.EventBase{
		Provider:   models.ProviderStripe,
		ProviderID: event.ID,
		OccurredAt: unixTime(event.Created),
		AccountID:  accountID,
		CustomerID: custID,
		Email:      email,
	}
}

// tierFor resolves a tier from checkout metadata, falling back to the
// subscription's price id.
func (h *StripeWebhookHandler) tierFor(metadata map[string]string, sub *stripe.Subscription) (models.SubscriptionTier, error) {
	if name, ok := metadata["tier"]; ok {
		tier := models.SubscriptionTier(name)
		if models.ValidTier(tier) {
			return tier, nil
		}
	}

	billing := h.tiers.Current()
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			if tier, ok := billing.TierForPlan(item.Price.ID); ok {
				return tier, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no tier mapping in metadata or prices", service.ErrUnknownPlan)
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func sessionEmail(s *stripe.CheckoutSession) string {
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}

func invoiceAccountID(inv *stripe.Invoice) string {
	if inv.Subscription != nil && inv.Subscription.Metadata != nil {
		if id := inv.Subscription.Metadata["account_id"]; id != "" {
			return id
		}
	}
	return ""
}

func unixTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
