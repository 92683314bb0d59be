package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/plotsense/plotsense-api/internal/models"
	"github.com/plotsense/plotsense-api/internal/repository"
	"github.com/plotsense/plotsense-api/internal/service"
)

// CreditsHandler exposes the interactive credit API.
type CreditsHandler struct {
	ledger   *service.LedgerService
	accounts *service.AccountService
	activity *service.ActivityService
	logger   *slog.Logger
}

// NewCreditsHandler creates a new credits handler.
func NewCreditsHandler(ledger *service.LedgerService, accounts *service.AccountService, activity *service.ActivityService, logger *slog.Logger) *CreditsHandler {
	return &CreditsHandler{
		ledger:   ledger,
		accounts: accounts,
		activity: activity,
		logger:   logger,
	}
}

// CheckCreditsOutput is the balance check response.
type CheckCreditsOutput struct {
	Body service.CreditSummary
}

// CheckCredits returns the caller's balance and tier.
func (h *CreditsHandler) CheckCredits(ctx context.Context, input *struct{}) (*CheckCreditsOutput, error) {
	accountID := getUserID(ctx)
	if accountID == "" {
		return nil, huma.Error401Unauthorized("authentication required")
	}

	// Account is created lazily on first authenticated use.
	if _, err := h.accounts.Ensure(ctx, accountID, getUserEmail(ctx)); err != nil {
		h.logger.Error("failed to ensure account", "account_id", accountID, "error", err)
		return nil, huma.Error500InternalServerError("failed to load account")
	}

	summary, err := h.ledger.Summary(ctx, accountID)
	if err != nil {
		h.logger.Error("failed to load credit summary", "account_id", accountID, "error", err)
		return nil, huma.Error500InternalServerError("failed to load account")
	}

	return &CheckCreditsOutput{Body: *summary}, nil
}

// DeductCreditsInput is the interactive debit request.
type DeductCreditsInput struct {
	Body struct {
		Amount      int64  `json:"amount" minimum:"1" doc:"Credits to deduct"`
		Description string `json:"description,omitempty" maxLength:"256" doc:"What the credits were spent on"`
	}
}

// DeductCreditsOutput reports the balance after a debit.
type DeductCreditsOutput struct {
	Body struct {
		Balance int64 `json:"balance"`
	}
}

// DeductCredits debits the caller's account. A debit that would drive the
// balance negative is rejected with 402 and the remaining balance.
func (h *CreditsHandler) DeductCredits(ctx context.Context, input *DeductCreditsInput) (*DeductCreditsOutput, error) {
	accountID := getUserID(ctx)
	if accountID == "" {
		return nil, huma.Error401Unauthorized("authentication required")
	}

	if _, err := h.accounts.Ensure(ctx, accountID, getUserEmail(ctx)); err != nil {
		h.logger.Error("failed to ensure account", "account_id", accountID, "error", err)
		return nil, huma.Error500InternalServerError("failed to load account")
	}

	description := input.Body.Description
	if description == "" {
		description = "analysis usage"
	}

	result, err := h.ledger.Debit(ctx, accountID, input.Body.Amount, description, nil)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInsufficientBalance):
			summary, serr := h.ledger.Summary(ctx, accountID)
			remaining := int64(0)
			if serr == nil {
				remaining = summary.Balance
			}
			return nil, huma.NewError(http.StatusPaymentRequired,
				fmt.Sprintf("insufficient balance: %d credits remaining", remaining))
		case errors.Is(err, service.ErrInvalidAmount):
			return nil, huma.Error400BadRequest("amount must be positive")
		case errors.Is(err, repository.ErrConcurrentModification):
			return nil, huma.Error503ServiceUnavailable("account busy, try again")
		default:
			h.logger.Error("failed to deduct credits", "account_id", accountID, "error", err)
			return nil, huma.Error500InternalServerError("failed to deduct credits")
		}
	}

	h.activity.Record(accountID, "credits.deduct", description)

	out := &DeductCreditsOutput{}
	out.Body.Balance = result.NewBalance
	return out, nil
}

// RefundCreditsInput is the interactive refund request.
type RefundCreditsInput struct {
	Body struct {
		Amount      int64  `json:"amount" minimum:"1" doc:"Credits to re-credit"`
		Description string `json:"description,omitempty" maxLength:"256"`
	}
}

// RefundCreditsOutput reports the balance after a refund.
type RefundCreditsOutput struct {
	Body struct {
		Balance int64 `json:"balance"`
	}
}

// RefundCredits re-credits a previously debited amount. Caller-trusted, no
// idempotency key.
func (h *CreditsHandler) RefundCredits(ctx context.Context, input *RefundCreditsInput) (*RefundCreditsOutput, error) {
	accountID := getUserID(ctx)
	if accountID == "" {
		return nil, huma.Error401Unauthorized("authentication required")
	}

	description := input.Body.Description
	if description == "" {
		description = "usage refund"
	}

	result, err := h.ledger.Refund(ctx, accountID, input.Body.Amount, description)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrAccountNotFound):
			return nil, huma.Error404NotFound("account not found")
		case errors.Is(err, service.ErrInvalidAmount):
			return nil, huma.Error400BadRequest("amount must be positive")
		case errors.Is(err, repository.ErrConcurrentModification):
			return nil, huma.Error503ServiceUnavailable("account busy, try again")
		default:
			h.logger.Error("failed to refund credits", "account_id", accountID, "error", err)
			return nil, huma.Error500InternalServerError("failed to refund credits")
		}
	}

	h.activity.Record(accountID, "credits.refund", description)

	out := &RefundCreditsOutput{}
	out.Body.Balance = result.NewBalance
	return out, nil
}

// CreditHistoryInput selects a page of the usage log.
type CreditHistoryInput struct {
	Limit  int `query:"limit" minimum:"1" maximum:"200" default:"50"`
	Offset int `query:"offset" minimum:"0" default:"0"`
}

// CreditHistoryOutput is a page of usage entries, newest first.
type CreditHistoryOutput struct {
	Body struct {
		Entries []*models.UsageEntry `json:"entries"`
	}
}

// CreditHistory returns the caller's usage log, newest first.
func (h *CreditsHandler) CreditHistory(ctx context.Context, input *CreditHistoryInput) (*CreditHistoryOutput, error) {
	accountID := getUserID(ctx)
	if accountID == "" {
		return nil, huma.Error401Unauthorized("authentication required")
	}

	entries, err := h.ledger.History(ctx, accountID, input.Limit, input.Offset)
	if err != nil {
		h.logger.Error("failed to load credit history", "account_id", accountID, "error", err)
		return nil, huma.Error500InternalServerError("failed to load history")
	}

	out := &CreditHistoryOutput{}
	out.Body.Entries = entries
	if out.Body.Entries == nil {
		out.Body.Entries = []*models.UsageEntry{}
	}
	return out, nil
}

// ActivityInput selects a page of activity events.
type ActivityInput struct {
	Limit  int `query:"limit" minimum:"1" maximum:"200" default:"50"`
	Offset int `query:"offset" minimum:"0" default:"0"`
}

// ActivityOutput is a page of activity events, newest first.
type ActivityOutput struct {
	Body struct {
		Events []*models.ActivityEvent `json:"events"`
	}
}

// RecentActivity returns the caller's recent activity.
func (h *CreditsHandler) RecentActivity(ctx context.Context, input *ActivityInput) (*ActivityOutput, error) {
	accountID := getUserID(ctx)
	if accountID == "" {
		return nil, huma.Error401Unauthorized("authentication required")
	}

	events, err := h.activity.Recent(ctx, accountID, input.Limit, input.Offset)
	if err != nil {
		h.logger.Error("failed to load activity", "account_id", accountID, "error", err)
		return nil, huma.Error500InternalServerError("failed to load activity")
	}

	out := &ActivityOutput{}
	out.Body.Events = events
	if out.Body.Events == nil {
		out.Body.Events = []*models.ActivityEvent{}
	}
	return out, nil
}
