package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/plotsense/plotsense-api/internal/config"
	"github.com/plotsense/plotsense-api/internal/models"
	"github.com/plotsense/plotsense-api/internal/service"
)

// PayPalWebhookHandler handles PayPal webhook events.
type PayPalWebhookHandler struct {
	cfg        *config.Config
	tiers      *config.TierSettingsLoader
	reconciler *service.Reconciler
	logger     *slog.Logger
}

// NewPayPalWebhookHandler creates a new PayPal webhook handler.
func NewPayPalWebhookHandler(cfg *config.Config, tiers *config.TierSettingsLoader, reconciler *service.Reconciler, logger *slog.Logger) *PayPalWebhookHandler {
	return &PayPalWebhookHandler{
		cfg:        cfg,
		tiers:      tiers,
		reconciler: reconciler,
		logger:     logger,
	}
}

// paypalEnvelope is the outer shape of a PayPal webhook notification.
type paypalEnvelope struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime time.Time       `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

// HandleWebhook processes incoming PayPal webhooks.
func (h *PayPalWebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	const maxBodySize = 65536 // 64KB

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.verifyTransmission(r); err != nil {
		h.logger.Warn("rejected webhook with bad transmission headers", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var envelope paypalEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		h.logger.Warn("malformed webhook envelope", "error", err)
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	h.logger.Info("received PayPal webhook", "type", envelope.EventType, "id", envelope.ID)

	normalized, err := h.normalize(&envelope)
	if err != nil {
		h.logger.Warn("malformed webhook event", "type", envelope.EventType, "id", envelope.ID, "error", err)
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}
	if normalized == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	writeReconcileResult(w, h.logger, h.reconciler.Apply(r.Context(), normalized), envelope.EventType)
}

// verifyTransmission checks that the PayPal transmission headers are
// present and that a webhook id is configured.
//
// TODO: verify the transmission signature against the PayPal cert chain
// (fetch PAYPAL-CERT-URL, validate the chain, check the CRC32 signature
// over transmission_id|timestamp|webhook_id|crc). Header presence alone
// does not authenticate the sender.
func (h *PayPalWebhookHandler) verifyTransmission(r *http.Request) error {
	if h.cfg.PayPalWebhookID == "" {
		return fmt.Errorf("no PayPal webhook id configured")
	}
	for _, header := range []string{
		"Paypal-Transmission-Id",
		"Paypal-Transmission-Sig",
		"Paypal-Transmission-Time",
		"Paypal-Cert-Url",
		"Paypal-Auth-Algo",
	} {
		if r.Header.Get(header) == "" {
			return fmt.Errorf("missing header %s", header)
		}
	}
	return nil
}

// normalize maps a PayPal webhook notification to the internal event type.
// Returns (nil, nil) for event types this system does not consume.
func (h *PayPalWebhookHandler) normalize(envelope *paypalEnvelope) (models.BillingEvent, error) {
	switch envelope.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		var capture struct {
			ID       string `json:"id"`
			CustomID string `json:"custom_id"`
			Amount   struct {
				CurrencyCode string `json:"currency_code"`
				Value        string `json:"value"`
			} `json:"amount"`
			Payer struct {
				PayerID string `json:"payer_id"`
				Email   string `json:"email_address"`
			} `json:"payer"`
		}
		if err := json.Unmarshal(envelope.Resource, &capture); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capture: %w", err)
		}
		minorUnits, err := paypalMinorUnits(capture.Amount.Value)
		if err != nil {
			return nil, err
		}
		billing := h.tiers.Current()
		return &models.PaymentSucceeded{
			EventBase: h.eventBase(envelope, capture.CustomID, capture.Payer.PayerID, capture.Payer.Email),
			Credits:   billing.CreditsForAmount(minorUnits),
			Currency:  capture.Amount.CurrencyCode,
			AmountUC:  minorUnits,
		}, nil

	case "PAYMENT.CAPTURE.REFUNDED":
		var refund struct {
			ID       string `json:"id"`
			CustomID string `json:"custom_id"`
			Amount   struct {
				Value string `json:"value"`
			} `json:"amount"`
			Payer struct {
				PayerID string `json:"payer_id"`
			} `json:"payer"`
		}
		if err := json.Unmarshal(envelope.Resource, &refund); err != nil {
			return nil, fmt.Errorf("failed to unmarshal refund: %w", err)
		}
		minorUnits, err := paypalMinorUnits(refund.Amount.Value)
		if err != nil {
			return nil, err
		}
		billing := h.tiers.Current()
		return &models.PaymentRefunded{
			EventBase: h.eventBase(envelope, refund.CustomID, refund.Payer.PayerID, ""),
			Credits:   billing.CreditsForAmount(minorUnits),
			PaymentID: refund.ID,
		}, nil

	case "BILLING.SUBSCRIPTION.ACTIVATED":
		sub, err := h.parseSubscription(envelope.Resource)
		if err != nil {
			return nil, err
		}
		billing := h.tiers.Current()
		tier, ok := billing.TierForPlan(sub.PlanID)
		if !ok {
			return nil, fmt.Errorf("%w: plan %q", service.ErrUnknownPlan, sub.PlanID)
		}
		return &models.SubscriptionActivated{
			EventBase:      h.eventBase(envelope, sub.CustomID, sub.Subscriber.PayerID, sub.Subscriber.Email),
			SubscriptionID: sub.ID,
			Tier:           tier,
			PeriodEnd:      sub.BillingInfo.NextBillingTime,
		}, nil

	case "PAYMENT.SALE.COMPLETED":
		// Recurring subscription charge.
		var sale struct {
			ID                 string `json:"id"`
			BillingAgreementID string `json:"billing_agreement_id"`
		}
		if err := json.Unmarshal(envelope.Resource, &sale); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sale: %w", err)
		}
		if sale.BillingAgreementID == "" {
			return nil, nil
		}
		return &models.SubscriptionRenewed{
			EventBase:      h.eventBase(envelope, "", "", ""),
			SubscriptionID: sale.BillingAgreementID,
		}, nil

	case "BILLING.SUBSCRIPTION.CANCELLED":
		sub, err := h.parseSubscription(envelope.Resource)
		if err != nil {
			return nil, err
		}
		return &models.SubscriptionCancelled{
			EventBase:      h.eventBase(envelope, sub.CustomID, sub.Subscriber.PayerID, sub.Subscriber.Email),
			SubscriptionID: sub.ID,
			AtPeriodEnd:    !sub.BillingInfo.NextBillingTime.IsZero(),
			PeriodEnd:      sub.BillingInfo.NextBillingTime,
		}, nil

	case "BILLING.SUBSCRIPTION.PAYMENT.FAILED":
		sub, err := h.parseSubscription(envelope.Resource)
		if err != nil {
			return nil, err
		}
		return &models.SubscriptionPastDue{
			EventBase:      h.eventBase(envelope, sub.CustomID, sub.Subscriber.PayerID, sub.Subscriber.Email),
			SubscriptionID: sub.ID,
		}, nil

	default:
		h.logger.Debug("unhandled webhook event type", "type", envelope.EventType)
		return nil, nil
	}
}

// paypalSubscription is the subset of the subscription resource we read.
type paypalSubscription struct {
	ID         string `json:"id"`
	PlanID     string `json:"plan_id"`
	CustomID   string `json:"custom_id"`
	Subscriber struct {
		PayerID string `json:"payer_id"`
		Email   string `json:"email_address"`
	} `json:"subscriber"`
	BillingInfo struct {
		NextBillingTime time.Time `json:"next_billing_time"`
	} `json:"billing_info"`
}

func (h *PayPalWebhookHandler) parseSubscription(raw json.RawMessage) (*paypalSubscription, error) {
	var sub paypalSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("subscription resource missing id")
	}
	return &sub, nil
}

func (h *PayPalWebhookHandler) eventBase(envelope *paypalEnvelope, accountID, payerID, email string) models.EventBase {
	return models.EventBase{
		Provider:   models.ProviderPayPal,
		ProviderID: envelope.ID,
		OccurredAt: envelope.CreateTime,
		AccountID:  accountID,
		CustomerID: payerID,
		Email:      email,
	}
}

// paypalMinorUnits converts PayPal's decimal string amount ("12.34") to
// minor currency units.
func paypalMinorUnits(value string) (int64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return int64(f*100 + 0.5), nil
}
