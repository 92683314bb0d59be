package models

import "time"

// Provider identifies a payment or identity provider.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
)

// BillingEvent is the normalized form of a verified provider webhook.
// Each concrete variant carries exactly the fields the reconciler needs;
// the raw provider payload never crosses this boundary.
//
// The interface is sealed: only the types in this file implement it.
type BillingEvent interface {
	// EventKey returns the idempotency key for this event, unique across
	// providers.
	EventKey() string
	// EventProvider returns the originating provider.
	EventProvider() Provider

	isBillingEvent()
}

// EventBase carries the fields shared by every normalized event.
type EventBase struct {
	Provider   Provider
	ProviderID string // provider-scoped event/payment/subscription id
	OccurredAt time.Time

	// Account resolution hints, in precedence order. At least one is set.
	AccountID  string // our id, when the provider echoes it back
	CustomerID string // provider customer/payer reference
	Email      string
}

func (b EventBase) EventKey() string        { return string(b.Provider) + ":" + b.ProviderID }
func (b EventBase) EventProvider() Provider { return b.Provider }
func (b EventBase) isBillingEvent()         {}

// PaymentSucceeded is a completed one-off credit purchase.
type PaymentSucceeded struct {
	EventBase
	Credits  int64
	Currency string
	AmountUC int64 // provider amount in minor currency units, for audit
}

// PaymentRefunded reverses a prior purchase. Deduction is capped at the
// current balance.
type PaymentRefunded struct {
	EventBase
	Credits   int64
	PaymentID string // provider id of the refunded payment
}

// SubscriptionActivated starts a subscription on a tier.
type SubscriptionActivated struct {
	EventBase
	SubscriptionID string
	Tier           SubscriptionTier
	PeriodEnd      time.Time
}

// SubscriptionRenewed is a successful recurring charge on a live
// subscription.
type SubscriptionRenewed struct {
	EventBase
	SubscriptionID string
	PeriodEnd      time.Time
}

// SubscriptionCancelled ends a subscription. When AtPeriodEnd is set the
// tier survives until PeriodEnd; otherwise the downgrade is immediate.
type SubscriptionCancelled struct {
	EventBase
	SubscriptionID string
	AtPeriodEnd    bool
	PeriodEnd      time.Time
}

// SubscriptionPastDue marks a subscription with a failed recurring charge.
// Credits stop; the tier is retained until the provider resolves or
// cancels.
type SubscriptionPastDue struct {
	EventBase
	SubscriptionID string
}
