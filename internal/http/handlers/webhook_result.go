package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/plotsense/plotsense-api/internal/repository"
	"github.com/plotsense/plotsense-api/internal/service"
)

// writeReconcileResult translates a reconciler outcome into the response
// contract the providers' retry policies rely on: 200 for applied or
// idempotent replays, 400 for events that must not be retried, 5xx for
// transient failures that should be.
func writeReconcileResult(w http.ResponseWriter, logger *slog.Logger, err error, eventType string) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)

	case errors.Is(err, service.ErrUnknownAccount),
		errors.Is(err, service.ErrMalformedEvent),
		errors.Is(err, service.ErrUnknownPlan),
		errors.Is(err, service.ErrInvalidAmount):
		logger.Warn("rejected webhook event", "type", eventType, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)

	case errors.Is(err, repository.ErrConcurrentModification):
		logger.Warn("webhook event lost commit race, provider will retry", "type", eventType)
		http.Error(w, "conflict, retry", http.StatusServiceUnavailable)

	default:
		logger.Error("failed to apply webhook event", "type", eventType, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
