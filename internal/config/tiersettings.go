package config

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/plotsense/plotsense-api/internal/models"
)

// TierSettings is the JSON shape of the S3-hosted override document.
// Absent fields keep their compiled-in defaults.
type TierSettings struct {
	TierFloor     map[string]int64  `json:"tier_floor,omitempty"`
	TrickleAmount *int64            `json:"trickle_amount,omitempty"`
	LowWaterMark  *int64            `json:"low_water_mark,omitempty"`
	PlanTier      map[string]string `json:"plan_tier,omitempty"`
}

// TierSettingsLoader refreshes billing tier settings from an S3-compatible
// bucket with ETag caching. When S3 is not configured it serves the
// compiled-in defaults.
type TierSettingsLoader struct {
	s3Client *s3.Client
	bucket   string
	key      string

	mu           sync.RWMutex
	current      BillingConfig
	etag         string
	lastCheck    time.Time
	lastError    time.Time
	initialized  bool
	cacheTTL     time.Duration
	errorBackoff time.Duration
	logger       *slog.Logger
}

// NewTierSettingsLoader creates a loader seeded with defaults. client may
// be nil, in which case Current always returns defaults.
func NewTierSettingsLoader(client *s3.Client, bucket, key string, logger *slog.Logger) *TierSettingsLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &TierSettingsLoader{
		s3Client:     client,
		bucket:       bucket,
		key:          key,
		current:      DefaultBillingConfig(),
		cacheTTL:     5 * time.Minute,
		errorBackoff: time.Minute,
		logger:       logger.With("component", "tier-settings"),
	}
}

// Current returns the active billing configuration.
func (l *TierSettingsLoader) Current() BillingConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// MaybeRefresh fetches fresh settings from S3 when the cache TTL has
// lapsed. Safe to call on every request; failures fall back to the last
// good configuration with a backoff before the next attempt.
func (l *TierSettingsLoader) MaybeRefresh(ctx context.Context) {
	if l.s3Client == nil {
		return
	}

	l.mu.RLock()
	fresh := l.initialized && time.Since(l.lastCheck) < l.cacheTTL
	backingOff := !l.lastError.IsZero() && time.Since(l.lastError) < l.errorBackoff
	currentEtag := l.etag
	l.mu.RUnlock()
	if fresh || backingOff {
		return
	}

	input := &s3.GetObjectInput{
		Bucket: &l.bucket,
		Key:    &l.key,
	}
	if currentEtag != "" {
		quotedEtag := "\"" + currentEtag + "\""
		input.IfNoneMatch = &quotedEtag
	}

	resp, err := l.s3Client.GetObject(ctx, input)
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			l.mu.Lock()
			wasInitialized := l.initialized
			l.initialized = true
			l.lastCheck = time.Now()
			l.lastError = time.Now()
			l.mu.Unlock()
			if !wasInitialized {
				l.logger.Debug("tier settings object not found, using defaults",
					"bucket", l.bucket, "key", l.key)
			}
			return
		}

		var notModified interface{ ErrorCode() string }
		if errors.As(err, &notModified) && notModified.ErrorCode() == "NotModified" {
			l.mu.Lock()
			l.lastCheck = time.Now()
			l.mu.Unlock()
			return
		}

		l.mu.Lock()
		l.lastError = time.Now()
		l.initialized = true
		l.mu.Unlock()
		l.logger.Error("failed to fetch tier settings",
			"error", err, "bucket", l.bucket, "key", l.key)
		return
	}
	defer resp.Body.Close()

	var settings TierSettings
	if err := json.NewDecoder(resp.Body).Decode(&settings); err != nil {
		l.mu.Lock()
		l.lastError = time.Now()
		l.initialized = true
		l.mu.Unlock()
		l.logger.Error("failed to parse tier settings JSON", "error", err)
		return
	}

	newEtag := ""
	if resp.ETag != nil {
		newEtag = strings.Trim(*resp.ETag, "\"")
	}

	cfg := DefaultBillingConfig()
	applyTierSettings(&cfg, &settings)

	l.mu.Lock()
	l.current = cfg
	l.etag = newEtag
	l.initialized = true
	l.lastCheck = time.Now()
	l.lastError = time.Time{}
	l.mu.Unlock()

	l.logger.Info("tier settings refreshed", "etag", newEtag)
}

func applyTierSettings(cfg *BillingConfig, s *TierSettings) {
	for name, floor := range s.TierFloor {
		tier := models.SubscriptionTier(name)
		if models.ValidTier(tier) && floor >= 0 {
			cfg.TierFloor[tier] = floor
		}
	}
	if s.TrickleAmount != nil && *s.TrickleAmount >= 0 {
		cfg.TrickleAmount = *s.TrickleAmount
	}
	if s.LowWaterMark != nil && *s.LowWaterMark >= 0 {
		cfg.LowWaterMark = *s.LowWaterMark
	}
	for plan, name := range s.PlanTier {
		tier := models.SubscriptionTier(name)
		if models.ValidTier(tier) {
			cfg.PlanTier[plan] = tier
		}
	}
}
