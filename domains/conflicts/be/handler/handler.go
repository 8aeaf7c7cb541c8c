// Package handler exposes conflict review and resolution over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classtab/roster-sync/domains/conflicts/be/service"
	"github.com/classtab/roster-sync/platform/go/logging"
)

const (
	problemTypeValidation = "https://classtab.io/problems/validation-error"
	problemTypeNotFound   = "https://classtab.io/problems/not-found"
	problemTypeInternal   = "https://classtab.io/problems/internal-error"
)

// Handler wires the conflicts service to its HTTP routes.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("conflicts service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Mount attaches the conflict routes under /tenants/{tenantID}/sync/conflicts.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/tenants/{tenantID}/sync/conflicts", func(r chi.Router) {
		r.Get("/", h.ListConflicts)
		r.Get("/{conflictID}", h.GetConflict)
		r.Post("/{conflictID}/resolve", h.ResolveConflict)
	})
}

type listResponse struct {
	Conflicts []conflictDocument `json:"conflicts"`
	Total     int                `json:"total"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
}

// ListConflicts implements GET /tenants/{tenantID}/sync/conflicts?status&limit&offset.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantFromRequest(w, r)
	if !ok {
		return
	}

	opts := service.ListOptions{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := service.Status(raw)
		opts.Status = &status
	}

	conflicts, total, err := h.svc.List(r.Context(), tenantID, opts)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	docs := make([]conflictDocument, 0, len(conflicts))
	for _, c := range conflicts {
		docs = append(docs, toConflictDocument(c))
	}
	h.writeJSON(w, http.StatusOK, listResponse{Conflicts: docs, Total: total, Limit: opts.Limit, Offset: opts.Offset})
}

// GetConflict implements GET /tenants/{tenantID}/sync/conflicts/{conflictID}.
func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantFromRequest(w, r)
	if !ok {
		return
	}
	conflictID, ok := h.conflictIDFromRequest(w, r)
	if !ok {
		return
	}

	c, err := h.svc.Get(r.Context(), tenantID, conflictID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			h.writeProblem(w, r, http.StatusNotFound, problemTypeNotFound, "Conflict not found", "no such conflict for this tenant")
			return
		}
		h.internalError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toConflictDocument(c))
}

type resolveRequest struct {
	Action     service.Action `json:"action"`
	ResolvedBy string         `json:"resolvedBy"`
	Note       string         `json:"note"`
	Winner     *uuid.UUID     `json:"winner"`
}

// ResolveConflict implements POST /tenants/{tenantID}/sync/conflicts/{conflictID}/resolve.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantFromRequest(w, r)
	if !ok {
		return
	}
	conflictID, ok := h.conflictIDFromRequest(w, r)
	if !ok {
		return
	}

	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation, "Invalid request body", err.Error())
		return
	}

	resolved, err := h.svc.Resolve(r.Context(), tenantID, conflictID, service.ResolveInput{
		Action:     body.Action,
		ResolvedBy: body.ResolvedBy,
		Note:       body.Note,
		Winner:     body.Winner,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			h.writeProblem(w, r, http.StatusNotFound, problemTypeNotFound, "Conflict not found", "no such conflict for this tenant")
		case errors.Is(err, service.ErrInvalidAction):
			h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation, "Invalid resolution action", err.Error())
		default:
			h.internalError(w, r, err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, toConflictDocument(resolved))
}

// conflictDocument is the wire shape of one identity conflict.
type conflictDocument struct {
	ID             uuid.UUID        `json:"id"`
	Type           service.Type     `json:"type"`
	Status         service.Status   `json:"status"`
	Severity       service.Severity `json:"severity"`
	KeyA           string           `json:"keyA"`
	KeyB           string           `json:"keyB"`
	CanonicalA     *uuid.UUID       `json:"canonicalA,omitempty"`
	CanonicalB     *uuid.UUID       `json:"canonicalB,omitempty"`
	Description    string           `json:"description,omitempty"`
	DetectedCount  int              `json:"detectedCount"`
	ResolvedBy     string           `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time       `json:"resolvedAt,omitempty"`
	ResolutionNote string           `json:"resolutionNote,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

func toConflictDocument(c service.Conflict) conflictDocument {
	return conflictDocument{
		ID:             c.ID,
		Type:           c.Type,
		Status:         c.Status,
		Severity:       c.Severity,
		KeyA:           c.KeyA,
		KeyB:           c.KeyB,
		CanonicalA:     c.CanonicalA,
		CanonicalB:     c.CanonicalB,
		Description:    c.Description,
		DetectedCount:  c.DetectedCount,
		ResolvedBy:     c.ResolvedBy,
		ResolvedAt:     c.ResolvedAt,
		ResolutionNote: c.ResolutionNote,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func (h *Handler) tenantFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation, "Invalid tenant id", err.Error())
		return uuid.Nil, false
	}
	return tenantID, true
}

func (h *Handler) conflictIDFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	conflictID, err := uuid.Parse(chi.URLParam(r, "conflictID"))
	if err != nil {
		h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation, "Invalid conflict id", err.Error())
		return uuid.Nil, false
	}
	return conflictID, true
}

type problemDocument struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func (h *Handler) writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problemDocument{Type: problemType, Title: title, Detail: detail, Status: status}); err != nil {
		logging.FromRequest(r, h.logger).Error("encode problem response", zap.Error(err))
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	logging.FromRequest(r, h.logger).Error("conflicts handler failure", zap.Error(err))
	h.writeProblem(w, r, http.StatusInternalServerError, problemTypeInternal, "Internal error", "unexpected failure, see server logs")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
