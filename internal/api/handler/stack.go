package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bcnelson/stack-provisioner/internal/api/middleware"
	"github.com/bcnelson/stack-provisioner/internal/domain"
)

const defaultEventLimit = 50

// StackService is the lifecycle controller behind the stack endpoints.
type StackService interface {
	Deploy(ctx context.Context, req *domain.DeployRequest) (*domain.Stack, error)
	Stop(ctx context.Context, id string) (*domain.Stack, error)
	Restart(ctx context.Context, id string) (*domain.Stack, error)
	Delete(ctx context.Context, id string, opts domain.DeleteOptions) error
	Status(ctx context.Context, id string) (*domain.StatusReport, error)
	Logs(ctx context.Context, id string, lines int) (string, error)
	Get(ctx context.Context, id string) (*domain.Stack, error)
	List(ctx context.Context, filter domain.StackFilter) ([]*domain.Stack, error)
	Events(ctx context.Context, id string, limit int) ([]*domain.StackEvent, error)
	Templates() []string
}

// StackHandler handles stack endpoints.
type StackHandler struct {
	svc    StackService
	logger *slog.Logger
}

// NewStackHandler creates a new StackHandler.
func NewStackHandler(svc StackService, logger *slog.Logger) *StackHandler {
	return &StackHandler{svc: svc, logger: logger}
}

// Deploy creates a stack and hands it to the platform. The response is sent
// as soon as the platform accepted the deployment.
func (h *StackHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req domain.DeployRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if p := middleware.GetPrincipal(r.Context()); p != nil && req.TenantID == "" {
		req.TenantID = p.TenantID
	}
	if !authorize(w, r, req.TenantID) {
		return
	}

	stack, err := h.svc.Deploy(r.Context(), &req)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusAccepted, &domain.DeployResponse{
		ID:          stack.ID,
		Status:      stack.Status,
		ExternalRef: stack.ExternalRef,
	})
}

// List lists stacks, optionally filtered by tenant_id and status.
func (h *StackHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := domain.StackFilter{
		TenantID: r.URL.Query().Get("tenant_id"),
		Status:   domain.Status(r.URL.Query().Get("status")),
	}

	if p := middleware.GetPrincipal(r.Context()); p != nil && !p.Admin && p.TenantID != "" {
		if filter.TenantID == "" {
			filter.TenantID = p.TenantID
		}
		if !authorize(w, r, filter.TenantID) {
			return
		}
	}

	stacks, err := h.svc.List(r.Context(), filter)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, stacks)
}

// Get gets a stack by ID.
func (h *StackHandler) Get(w http.ResponseWriter, r *http.Request) {
	stack, ok := h.load(w, r)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, stack)
}

// Stop stops a stack.
func (h *StackHandler) Stop(w http.ResponseWriter, r *http.Request) {
	stack, ok := h.load(w, r)
	if !ok {
		return
	}

	stack, err := h.svc.Stop(r.Context(), stack.ID)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, stack)
}

// Restart restarts a stack.
func (h *StackHandler) Restart(w http.ResponseWriter, r *http.Request) {
	stack, ok := h.load(w, r)
	if !ok {
		return
	}

	stack, err := h.svc.Restart(r.Context(), stack.ID)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, stack)
}

// Delete deletes a stack. delete_volumes=true also removes its volumes.
func (h *StackHandler) Delete(w http.ResponseWriter, r *http.Request) {
	deleteVolumes := false
	if v := r.URL.Query().Get("delete_volumes"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondFieldError(w, "delete_volumes", "delete_volumes must be a boolean")
			return
		}
		deleteVolumes = b
	}

	stack, ok := h.load(w, r)
	if !ok {
		return
	}

	if err := h.svc.Delete(r.Context(), stack.ID, domain.DefaultDeleteOptions(deleteVolumes)); err != nil {
		handleError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Status returns the stored stack merged with its live platform status.
func (h *StackHandler) Status(w http.ResponseWriter, r *http.Request) {
	stack, ok := h.load(w, r)
	if !ok {
		return
	}

	report, err := h.svc.Status(r.Context(), stack.ID)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// Logs returns the last lines of the stack's container logs.
func (h *StackHandler) Logs(w http.ResponseWriter, r *http.Request) {
	lines, ok := intQuery(w, r, "lines")
	if !ok {
		return
	}

	stack, ok := h.load(w, r)
	if !ok {
		return
	}

	logs, err := h.svc.Logs(r.Context(), stack.ID, lines)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

// Events returns the stack's audit trail, newest first.
func (h *StackHandler) Events(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(w, r, "limit")
	if !ok {
		return
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}

	stack, ok := h.load(w, r)
	if !ok {
		return
	}

	events, err := h.svc.Events(r.Context(), stack.ID, limit)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, events)
}

// Templates lists the templates stacks can be deployed from.
func (h *StackHandler) Templates(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"templates": h.svc.Templates()})
}

// load fetches the stack named in the URL and checks the caller may see it.
func (h *StackHandler) load(w http.ResponseWriter, r *http.Request) (*domain.Stack, bool) {
	id := chi.URLParam(r, "stack_id")
	if id == "" {
		respondFieldError(w, "stack_id", "stack_id is required")
		return nil, false
	}

	stack, err := h.svc.Get(r.Context(), id)
	if err != nil {
		handleError(w, h.logger, err)
		return nil, false
	}
	if !authorize(w, r, stack.TenantID) {
		return nil, false
	}
	return stack, true
}

func intQuery(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		respondFieldError(w, name, name+" must be an integer")
		return 0, false
	}
	return n, true
}
