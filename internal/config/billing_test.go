package config

import (
	"context"
	"testing"

	"github.com/plotsense/plotsense-api/internal/models"
)

func TestBillingConfig_GetFloor(t *testing.T) {
	cfg := DefaultBillingConfig()

	if got := cfg.GetFloor(models.TierFree); got != 0 {
		t.Errorf("free floor = %d, want 0", got)
	}
	if got := cfg.GetFloor(models.TierPro); got != 100 {
		t.Errorf("pro floor = %d, want 100", got)
	}
	if got := cfg.GetFloor(models.TierEnterprise); got != 500 {
		t.Errorf("enterprise floor = %d, want 500", got)
	}
	if got := cfg.GetFloor("mystery"); got != 0 {
		t.Errorf("unknown tier floor = %d, want 0", got)
	}
}

func TestBillingConfig_TierForPlan(t *testing.T) {
	cfg := DefaultBillingConfig()

	tier, ok := cfg.TierForPlan("price_pro_monthly")
	if !ok || tier != models.TierPro {
		t.Errorf("price_pro_monthly = %q/%v, want pro/true", tier, ok)
	}
	if _, ok := cfg.TierForPlan("price_mystery"); ok {
		t.Error("unknown plan should not resolve")
	}
}

func TestBillingConfig_CreditsForAmount(t *testing.T) {
	cfg := DefaultBillingConfig()

	cases := []struct {
		amount int64
		want   int64
	}{
		{1000, 100},
		{105, 10}, // rounds down
		{0, 0},
	}
	for _, tc := range cases {
		if got := cfg.CreditsForAmount(tc.amount); got != tc.want {
			t.Errorf("CreditsForAmount(%d) = %d, want %d", tc.amount, got, tc.want)
		}
	}

	cfg.CreditsPerUnit = 0
	if got := cfg.CreditsForAmount(1000); got != 0 {
		t.Errorf("zero conversion rate should yield 0 credits, got %d", got)
	}
}

func TestApplyTierSettings(t *testing.T) {
	cfg := DefaultBillingConfig()

	trickle := int64(10)
	lowWater := int64(50)
	settings := &TierSettings{
		TierFloor: map[string]int64{
			"pro":     200,
			"mystery": 999, // unknown tier, ignored
		},
		TrickleAmount: &trickle,
		LowWaterMark:  &lowWater,
		PlanTier: map[string]string{
			"price_custom": "enterprise",
			"price_bogus":  "mystery", // unknown tier, ignored
		},
	}
	applyTierSettings(&cfg, settings)

	if got := cfg.GetFloor(models.TierPro); got != 200 {
		t.Errorf("pro floor = %d, want 200 override", got)
	}
	if got := cfg.GetFloor("mystery"); got != 0 {
		t.Errorf("unknown tier floor = %d, want 0", got)
	}
	if cfg.TrickleAmount != 10 {
		t.Errorf("trickle = %d, want 10", cfg.TrickleAmount)
	}
	if cfg.LowWaterMark != 50 {
		t.Errorf("low-water mark = %d, want 50", cfg.LowWaterMark)
	}
	if tier, ok := cfg.TierForPlan("price_custom"); !ok || tier != models.TierEnterprise {
		t.Errorf("price_custom = %q/%v, want enterprise/true", tier, ok)
	}
	if _, ok := cfg.TierForPlan("price_bogus"); ok {
		t.Error("plan mapped to an unknown tier should be ignored")
	}
}

func TestTierSettingsLoader_DefaultsWithoutStorage(t *testing.T) {
	loader := NewTierSettingsLoader(nil, "", "", nil)

	cfg := loader.Current()
	if cfg.GetFloor(models.TierPro) != 100 {
		t.Errorf("pro floor = %d, want compiled-in default", cfg.GetFloor(models.TierPro))
	}

	// No client configured: refresh is a no-op, never a panic.
	loader.MaybeRefresh(context.Background())
	refreshed := loader.Current()
	if refreshed.GetFloor(models.TierPro) != 100 {
		t.Error("refresh without storage should keep defaults")
	}
}
