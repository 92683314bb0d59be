package repository

import (
	"context"
	"testing"
	"time"

	"github.com/plotsense/plotsense-api/internal/models"
)

// ========================================
// Activity Repository Tests
// ========================================

func TestActivityRepository_CreateBatchAndGet(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	events := []*models.ActivityEvent{
		{AccountID: "user_1", Kind: "credits.deduct", Detail: "analysis usage", CreatedAt: base},
		{AccountID: "user_1", Kind: "credits.refund", CreatedAt: base.Add(time.Minute)},
		{AccountID: "user_2", Kind: "credits.deduct", CreatedAt: base},
	}
	if err := repos.Activity.CreateBatch(ctx, events); err != nil {
		t.Fatalf("failed to create batch: %v", err)
	}

	got, err := repos.Activity.GetByAccountID(ctx, "user_1", 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Kind != "credits.refund" {
		t.Errorf("first event = %q, want newest first", got[0].Kind)
	}
	if got[1].Detail != "analysis usage" {
		t.Errorf("detail = %q, want analysis usage", got[1].Detail)
	}
}

func TestActivityRepository_CreateBatchEmpty(t *testing.T) {
	repos := setupTestRepos(t)

	if err := repos.Activity.CreateBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch should be a no-op, got %v", err)
	}
}

func TestActivityRepository_DeleteOlderThan(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	events := []*models.ActivityEvent{
		{AccountID: "user_1", Kind: "old", CreatedAt: base.Add(-48 * time.Hour)},
		{AccountID: "user_1", Kind: "older", CreatedAt: base.Add(-72 * time.Hour)},
		{AccountID: "user_1", Kind: "fresh", CreatedAt: base},
	}
	if err := repos.Activity.CreateBatch(ctx, events); err != nil {
		t.Fatalf("failed to create batch: %v", err)
	}

	deleted, err := repos.Activity.DeleteOlderThan(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to delete old events: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	remaining, err := repos.Activity.GetByAccountID(ctx, "user_1", 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Kind != "fresh" {
		t.Errorf("remaining = %v, want only the fresh event", remaining)
	}
}
