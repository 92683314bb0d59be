package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/plotsense/plotsense-api/internal/config"
	"github.com/plotsense/plotsense-api/internal/repository"
	"github.com/plotsense/plotsense-api/internal/service"
)

// ClerkWebhookHandler handles Clerk webhook events. Identity lives in
// Clerk; this handler provisions the ledger account when a user is
// created and keeps the email in sync.
type ClerkWebhookHandler struct {
	cfg      *config.Config
	accounts *service.AccountService
	repos    *repository.Repositories
	logger   *slog.Logger
}

// NewClerkWebhookHandler creates a new Clerk webhook handler.
func NewClerkWebhookHandler(cfg *config.Config, accounts *service.AccountService, repos *repository.Repositories, logger *slog.Logger) *ClerkWebhookHandler {
	return &ClerkWebhookHandler{
		cfg:      cfg,
		accounts: accounts,
		repos:    repos,
		logger:   logger,
	}
}

// clerkWebhookEvent represents a Clerk webhook event.
type clerkWebhookEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// clerkUserData is the subset of the Clerk user object we read.
type clerkUserData struct {
	ID             string `json:"id"`
	EmailAddresses []struct {
		ID           string `json:"id"`
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
	PrimaryEmailAddressID string `json:"primary_email_address_id"`
}

func (d *clerkUserData) primaryEmail() string {
	for _, e := range d.EmailAddresses {
		if e.ID == d.PrimaryEmailAddressID {
			return e.EmailAddress
		}
	}
	if len(d.EmailAddresses) > 0 {
		return d.EmailAddresses[0].EmailAddress
	}
	return ""
}

// HandleWebhook processes incoming Clerk webhooks.
func (h *ClerkWebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	const maxBodySize = 65536 // 64KB

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	// Verify webhook signature using Svix
	headers := http.Header{}
	headers.Set("svix-id", r.Header.Get("svix-id"))
	headers.Set("svix-timestamp", r.Header.Get("svix-timestamp"))
	headers.Set("svix-signature", r.Header.Get("svix-signature"))

	wh, err := svix.NewWebhook(h.cfg.ClerkWebhookSecret)
	if err != nil {
		h.logger.Error("failed to create webhook verifier", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := wh.Verify(payload, headers); err != nil {
		h.logger.Warn("rejected webhook with bad signature", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var event clerkWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.Warn("malformed webhook payload", "error", err)
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	h.logger.Info("received Clerk webhook", "type", event.Type)

	switch event.Type {
	case "user.created":
		err = h.handleUserCreated(r.Context(), event.Data)
	case "user.updated":
		err = h.handleUserUpdated(r.Context(), event.Data)
	default:
		// Deletion is an external account-management concern; the ledger
		// never deletes accounts.
		h.logger.Debug("unhandled webhook event type", "type", event.Type)
	}
	if err != nil {
		h.logger.Error("failed to handle webhook event", "type", event.Type, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *ClerkWebhookHandler) handleUserCreated(ctx context.Context, data json.RawMessage) error {
	var user clerkUserData
	if err := json.Unmarshal(data, &user); err != nil {
		return err
	}
	_, err := h.accounts.Ensure(ctx, user.ID, user.primaryEmail())
	return err
}

func (h *ClerkWebhookHandler) handleUserUpdated(ctx context.Context, data json.RawMessage) error {
	var user clerkUserData
	if err := json.Unmarshal(data, &user); err != nil {
		return err
	}
	email := user.primaryEmail()
	if email == "" {
		return nil
	}

	_, err := h.repos.Account.Commit(ctx, user.ID, func(ctx context.Context, txn repository.Txn) error {
		txn.Account().Email = email
		return nil
	})
	if errors.Is(err, repository.ErrAccountNotFound) {
		// First contact for this user; provision instead.
		_, err = h.accounts.Ensure(ctx, user.ID, email)
	}
	return err
}
