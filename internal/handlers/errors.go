package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/tripfare/api/internal/platform/httpx"
	"github.com/tripfare/api/internal/platform/requestctx"
	"github.com/tripfare/api/internal/repositories"
	"github.com/tripfare/api/internal/services"
)

// writeServiceError maps service and repository errors onto the JSON error envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var apiErr httpx.Error
	switch {
	case errors.As(err, &apiErr):
	case errors.Is(err, httpx.ErrInvalidBody):
		apiErr = httpx.NewError("invalid_body", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrPricingInvalidInput),
		errors.Is(err, services.ErrItineraryInvalid),
		errors.Is(err, services.ErrSyncInvalidInput):
		apiErr = httpx.NewError("invalid_input", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrTaxInvalidConfiguration):
		apiErr = httpx.NewError("invalid_tax_configuration", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrRateNotFound):
		apiErr = httpx.NewError("rate_not_found", err.Error(), http.StatusNotFound)
	case repositories.IsNotFound(err):
		apiErr = httpx.NewError("not_found", "resource not found", http.StatusNotFound)
	case repositories.IsUnavailable(err):
		apiErr = httpx.NewError("storage_unavailable", "storage temporarily unavailable", http.StatusServiceUnavailable)
	default:
		requestctx.Logger(ctx).Error("request failed", zap.Error(err))
		apiErr = httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError)
	}
	httpx.WriteError(ctx, w, apiErr)
}

func badRequest(code, message string) httpx.Error {
	return httpx.NewError(code, message, http.StatusBadRequest)
}

func unavailable(component string) httpx.Error {
	return httpx.NewError("service_unavailable", component+" is not configured", http.StatusServiceUnavailable)
}
