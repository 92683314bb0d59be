// Package models defines the domain models for the application.
package models

import "time"

// ========================================
// Subscription tiers
// ========================================

// SubscriptionTier identifies a paid plan level.
type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierPro        SubscriptionTier = "pro"
	TierEnterprise SubscriptionTier = "enterprise"
)

// ValidTier reports whether t is a known tier.
func ValidTier(t SubscriptionTier) bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// ========================================
// Subscription state machine
// ========================================

// SubscriptionState tracks the lifecycle of a provider subscription.
// Transitions are driven by normalized provider events:
//
//	Activating -> Active -> {Renewing -> Active | Cancelling -> Cancelled | PastDue -> Cancelled}
type SubscriptionState string

const (
	SubStateNone       SubscriptionState = ""
	SubStateActive     SubscriptionState = "active"
	SubStatePastDue    SubscriptionState = "past_due"
	SubStateCancelling SubscriptionState = "cancelling"
	SubStateCancelled  SubscriptionState = "cancelled"
)

// ========================================
// Account
// ========================================

// Account is the ledger record for one user: balance, subscription state
// and the bounded usage log. Balance is in whole credits and never negative.
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`

	Balance int64 `json:"balance"`

	// LogBaseline carries the net amount of usage entries evicted from the
	// bounded log, so that balance == baseline + net(visible entries) holds
	// after truncation.
	LogBaseline int64 `json:"log_baseline"`

	// TotalCreditsPurchased is monotonically non-decreasing and counts only
	// purchase/subscription credits, not trickle grants or refunds.
	TotalCreditsPurchased int64 `json:"total_credits_purchased"`

	Tier     SubscriptionTier  `json:"subscription_tier"`
	SubState SubscriptionState `json:"subscription_state"`

	// At most one live subscription id per provider.
	StripeSubscriptionID *string `json:"stripe_subscription_id,omitempty"`
	PayPalSubscriptionID *string `json:"paypal_subscription_id,omitempty"`

	// Provider customer references, used to resolve webhook account hints.
	StripeCustomerID *string `json:"stripe_customer_id,omitempty"`
	PayPalPayerID    *string `json:"paypal_payer_id,omitempty"`

	SubscriptionPeriodEnd         *time.Time `json:"subscription_period_end,omitempty"`
	SubscriptionCancelAtPeriodEnd bool       `json:"subscription_cancel_at_period_end"`

	LastCreditGrant *time.Time `json:"last_credit_grant,omitempty"`

	// Version is the optimistic-concurrency revision. Every successful
	// commit increments it; a write only succeeds when the persisted
	// version still matches the one loaded.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubscriptionRef returns the live subscription id for a provider, if any.
func (a *Account) SubscriptionRef(p Provider) *string {
	switch p {
	case ProviderStripe:
		return a.StripeSubscriptionID
	case ProviderPayPal:
		return a.PayPalSubscriptionID
	}
	return nil
}

// SetSubscriptionRef records the live subscription id for a provider.
func (a *Account) SetSubscriptionRef(p Provider, ref string) {
	switch p {
	case ProviderStripe:
		a.StripeSubscriptionID = &ref
	case ProviderPayPal:
		a.PayPalSubscriptionID = &ref
	}
}

// ClearSubscriptionRef removes the live subscription id for a provider.
func (a *Account) ClearSubscriptionRef(p Provider) {
	switch p {
	case ProviderStripe:
		a.StripeSubscriptionID = nil
	case ProviderPayPal:
		a.PayPalSubscriptionID = nil
	}
}

// ========================================
// Usage entries
// ========================================

// UsageEntryKind distinguishes credits from debits in the usage log.
type UsageEntryKind string

const (
	EntryCredit UsageEntryKind = "credit"
	EntryDebit  UsageEntryKind = "debit"
)

// UsageEntry is one immutable row of an account's append-only usage log.
// Entries are kept newest-first; the log is capped and evicts oldest-first.
type UsageEntry struct {
	ID        string         `json:"id"`
	AccountID string         `json:"account_id"`
	Kind      UsageEntryKind `json:"kind"`
	Amount    int64          `json:"amount"` // always >= 0; Kind carries the sign

	Description string `json:"description"`

	// ExternalEventKey is the idempotency key (provider name + provider
	// event/payment/subscription id). Present for ledger changes triggered
	// by an external event, absent for interactive debits.
	ExternalEventKey *string `json:"external_event_key,omitempty"`

	// Tags carries diagnostic metadata (provider, reason code, balance
	// snapshots). Stored as JSON.
	Tags map[string]string `json:"tags,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// Net returns the entry's signed effect on the balance.
func (e *UsageEntry) Net() int64 {
	if e.Kind == EntryDebit {
		return -e.Amount
	}
	return e.Amount
}

// ========================================
// Activity events
// ========================================

// ActivityEvent is a persisted user-activity record. Events are enqueued
// by request handlers and written by a background consumer; old rows are
// evicted by age.
type ActivityEvent struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
