package config

import "github.com/plotsense/plotsense-api/internal/models"

// BillingConfig holds credit and tier configuration.
type BillingConfig struct {
	// TierFloor defines the guaranteed credit floor per tier. The
	// periodic refresh tops accounts up toward this floor; it never
	// reduces a balance.
	TierFloor map[models.SubscriptionTier]int64

	// TrickleAmount is the number of credits a single refresh sweep adds
	// to an eligible account below its floor.
	TrickleAmount int64

	// LowWaterMark flags accounts whose balance warrants a warning in
	// the credits summary.
	LowWaterMark int64

	// LogCap bounds the per-account usage log. Oldest entries fold into
	// the baseline when the cap is exceeded.
	LogCap int

	// CreditsPerUnit converts provider minor currency units to credits
	// for one-off purchases (credits = amount / CreditsPerUnit).
	CreditsPerUnit int64

	// PlanTier maps provider plan/price identifiers to tiers.
	PlanTier map[string]models.SubscriptionTier
}

// DefaultBillingConfig returns the default billing configuration.
func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		TierFloor: map[models.SubscriptionTier]int64{
			models.TierFree:       0,
			models.TierPro:        100,
			models.TierEnterprise: 500,
		},

		TrickleAmount:  5,
		LowWaterMark:   20,
		LogCap:         1000,
		CreditsPerUnit: 10, // 10 cents per credit

		PlanTier: map[string]models.SubscriptionTier{
			"price_pro_monthly":        models.TierPro,
			"price_pro_yearly":         models.TierPro,
			"price_enterprise_monthly": models.TierEnterprise,
			"price_enterprise_yearly":  models.TierEnterprise,
			"P-PRO-MONTHLY":            models.TierPro,
			"P-ENTERPRISE-MONTHLY":     models.TierEnterprise,
		},
	}
}

// GetFloor returns the guaranteed credit floor for a tier.
func (c *BillingConfig) GetFloor(tier models.SubscriptionTier) int64 {
	if floor, ok := c.TierFloor[tier]; ok {
		return floor
	}
	return 0
}

// TierForPlan resolves a provider plan identifier to a tier.
func (c *BillingConfig) TierForPlan(plan string) (models.SubscriptionTier, bool) {
	tier, ok := c.PlanTier[plan]
	return tier, ok
}

// CreditsForAmount converts a provider amount in minor currency units to
// whole credits, rounding down.
func (c *BillingConfig) CreditsForAmount(amount int64) int64 {
	if c.CreditsPerUnit <= 0 {
		return 0
	}
	return amount / c.CreditsPerUnit
}
