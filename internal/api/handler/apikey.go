package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bcnelson/stack-provisioner/internal/auth"
	"github.com/bcnelson/stack-provisioner/internal/domain"
	"github.com/bcnelson/stack-provisioner/internal/storage"
	"github.com/bcnelson/stack-provisioner/internal/validation"
)

// APIKeyHandler handles API key endpoints.
type APIKeyHandler struct {
	store  storage.Storage
	logger *slog.Logger
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(store storage.Storage, logger *slog.Logger) *APIKeyHandler {
	return &APIKeyHandler{store: store, logger: logger}
}

// Create creates a new API key. Keys carrying a tenant_id only reach that
// tenant's stacks.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if req.Name == "" {
		respondFieldError(w, "name", "name is required")
		return
	}
	if req.TenantID != "" {
		if err := validation.ValidateTenantID(req.TenantID); err != nil {
			respondFieldError(w, "tenant_id", err.Error())
			return
		}
	}

	key, hash, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		h.logger.Error("generating API key", "error", err)
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "failed to generate API key")
		return
	}

	apiKey := &domain.APIKey{
		ID:        uuid.NewString(),
		Name:      req.Name,
		KeyHash:   hash,
		KeyPrefix: prefix,
		TenantID:  req.TenantID,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.CreateAPIKey(r.Context(), apiKey); err != nil {
		handleError(w, h.logger, err)
		return
	}

	h.logger.Info("api key created", "key_id", apiKey.ID, "name", apiKey.Name, "tenant_id", apiKey.TenantID)
	respondJSON(w, http.StatusCreated, &domain.CreateAPIKeyResponse{
		ID:        apiKey.ID,
		Name:      apiKey.Name,
		Key:       key, // Only returned on creation
		KeyPrefix: apiKey.KeyPrefix,
		TenantID:  apiKey.TenantID,
		CreatedAt: apiKey.CreatedAt,
	})
}

// List lists all API keys (without the actual key values).
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, keys)
}

// Delete deletes an API key.
func (h *APIKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondFieldError(w, "id", "id is required")
		return
	}

	if err := h.store.DeleteAPIKey(r.Context(), id); err != nil {
		handleError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
