package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bcnelson/stack-provisioner/internal/api/middleware"
	"github.com/bcnelson/stack-provisioner/internal/domain"
	"github.com/bcnelson/stack-provisioner/internal/validation"
)

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, &domain.StandardErrorResponse{
		Error: domain.StandardError{Code: code, Message: message},
	})
}

// respondFieldError writes a JSON error response naming the offending field.
func respondFieldError(w http.ResponseWriter, field, message string) {
	respondJSON(w, http.StatusBadRequest, &domain.StandardErrorResponse{
		Error: domain.StandardError{Code: domain.ErrCodeValidationError, Message: message, Field: field},
	})
}

// handleError converts domain errors to HTTP errors.
func handleError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var verrs validation.ValidationErrors
	var verr *validation.ValidationError
	var upstream *domain.UpstreamError

	switch {
	case errors.As(err, &verrs) && len(verrs) > 1:
		respondJSON(w, http.StatusBadRequest, &domain.StandardErrorResponse{
			Error: domain.StandardError{
				Code:    domain.ErrCodeValidationError,
				Message: verrs.Error(),
				Field:   verrs[0].Field,
				Details: map[string]any{"errors": verrs},
			},
		})
	case errors.As(err, &verr):
		code := domain.ErrCodeValidationError
		if errors.Is(verr, domain.ErrUnknownTemplate) {
			code = domain.ErrCodeUnknownTemplate
		}
		respondJSON(w, http.StatusBadRequest, &domain.StandardErrorResponse{
			Error: domain.StandardError{Code: code, Message: verr.Error(), Field: verr.Field},
		})
	case errors.Is(err, domain.ErrUnknownTemplate):
		respondError(w, http.StatusBadRequest, domain.ErrCodeUnknownTemplate, err.Error())
	case errors.Is(err, domain.ErrInvalidName), errors.Is(err, domain.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrForbidden):
		respondError(w, http.StatusForbidden, domain.ErrCodeForbidden, "forbidden")
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, domain.ErrCodeResourceNotFound, "not found")
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrAlreadyExists):
		respondError(w, http.StatusConflict, domain.ErrCodeResourceAlreadyExists, err.Error())
	case errors.Is(err, domain.ErrNoExternalRef):
		respondError(w, http.StatusConflict, domain.ErrCodeNoExternalRef, err.Error())
	case errors.As(err, &upstream):
		logger.Warn("upstream failure", "operation", upstream.Op, "status", upstream.Status, "error", err)
		respondJSON(w, http.StatusBadGateway, &domain.StandardErrorResponse{
			Error: domain.StandardError{
				Code:    domain.ErrCodeUpstreamError,
				Message: err.Error(),
				Details: map[string]any{"operation": upstream.Op, "status": upstream.Status},
			},
		})
	default:
		logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
	}
}

// decodeJSON decodes JSON from request body.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidInput
	}
	return nil
}

// authorize reports whether the caller may act on tenantID, writing a 403
// when it may not.
func authorize(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	if !middleware.GetPrincipal(r.Context()).CanAccess(tenantID) {
		respondError(w, http.StatusForbidden, domain.ErrCodeForbidden, "access to tenant "+tenantID+" denied")
		return false
	}
	return true
}
