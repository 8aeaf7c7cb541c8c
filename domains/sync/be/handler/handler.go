// Package handler exposes the sync engine over HTTP. Routes are mounted per
// tenant and provider; all bodies are JSON.
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

	"github.com/classtab/roster-sync/domains/sync/be/service"
	"github.com/classtab/roster-sync/platform/go/logging"
	"github.com/classtab/roster-sync/platform/go/provider"
)

const (
	problemTypeValidation = "https://classtab.io/problems/validation-error"
	problemTypeNotFound   = "https://classtab.io/problems/not-found"
	problemTypeConflict   = "https://classtab.io/problems/conflict"
	problemTypeInternal   = "https://classtab.io/problems/internal-error"
)

// Handler wires the sync service to its HTTP routes.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("sync service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Mount attaches the sync routes under /tenants/{tenantID}/providers/{provider}.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/tenants/{tenantID}/providers/{provider}/sync", func(r chi.Router) {
		r.Post("/", h.TriggerSync)
		r.Post("/cancel", h.CancelSync)
		r.Get("/status", h.SyncStatus)
		r.Get("/history", h.SyncHistory)
		r.Get("/history/{runID}", h.GetRun)
	})
}

type triggerRequest struct {
	Full            bool   `json:"full"`
	TriggeredBy     string `json:"triggeredBy"`
	ContinueOnError *bool  `json:"continueOnError"`
}

type triggerResponse struct {
	SyncRunID uuid.UUID `json:"syncRunId"`
	Status    string    `json:"status"`
}

// TriggerSync implements POST /tenants/{tenantID}/providers/{provider}/sync.
// The run is accepted and executed in the background; a second trigger for the
// same scope while one is in flight yields 409.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scopeFromRequest(w, r)
	if !ok {
		return
	}

	var body triggerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation, "Invalid request body", err.Error())
			return
		}
	}

	run, err := h.svc.RunSync(r.Context(), scope, service.TriggerOptions{
		Source:          service.TriggerManual,
		TriggeredBy:     body.TriggeredBy,
		Full:            body.Full,
		ContinueOnError: body.ContinueOnError,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSyncInProgress):
			h.writeProblem(w, r, http.StatusConflict, problemTypeConflict, "Sync already in progress",
				"a sync run is already in flight for this tenant and provider")
		case errors.Is(err, service.ErrUnsupportedProvider):
			h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation, "Unsupported provider", err.Error())
		default:
			h.internalError(w, r, err)
		}
		return
	}

	h.writeJSON(w, http.StatusAccepted, triggerResponse{SyncRunID: run.ID, Status: "started"})
}

// CancelSync implements POST .../sync/cancel. Cancellation is cooperative;
// the run closes as CANCELLED at its next page boundary.
func (h *Handler) CancelSync(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scopeFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.svc.Cancel(scope); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			h.writeProblem(w, r, http.StatusNotFound, problemTypeNotFound, "No sync in progress",
				"nothing is running for this tenant and provider")
			return
		}
		h.internalError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type statusResponse struct {
	Provider         string       `json:"provider"`
	SyncStatus       string       `json:"syncStatus"`
	LastSyncTime     *time.Time   `json:"lastSyncTime,omitempty"`
	LastFullSyncTime *time.Time   `json:"lastFullSyncTime,omitempty"`
	HasDeltaToken    bool         `json:"hasDeltaToken"`
	LastRun          *runDocument `json:"lastRun,omitempty"`
}

// SyncStatus implements GET .../sync/status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scopeFromRequest(w, r)
	if !ok {
		return
	}

	status, err := h.svc.SyncStatus(r.Context(), scope)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	resp := statusResponse{
		Provider:         scope.Provider,
		SyncStatus:       string(status.State.Status),
		LastSyncTime:     status.State.LastSyncTime,
		LastFullSyncTime: status.State.LastFullSyncTime,
		HasDeltaToken:    status.State.LastDeltaToken != "",
	}
	if status.LastRun != nil {
		doc := toRunDocument(*status.LastRun)
		resp.LastRun = &doc
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type historyResponse struct {
	Runs   []runDocument `json:"runs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// SyncHistory implements GET .../sync/history?limit&offset, newest first.
func (h *Handler) SyncHistory(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scopeFromRequest(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	runs, total, err := h.svc.History(r.Context(), scope, limit, offset)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	docs := make([]runDocument, 0, len(runs))
	for _, run := range runs {
		docs = append(docs, toRunDocument(run))
	}
	h.writeJSON(w, http.StatusOK, historyResponse{Runs: docs, Total: total, Limit: limit, Offset: offset})
}

// GetRun implements GET .../sync/history/{runID}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scopeFromRequest(w, r)
	if !ok {
		return
	}

	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation, "Invalid run id", err.Error())
		return
	}

	run, err := h.svc.GetRun(r.Context(), scope.TenantID, runID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			h.writeProblem(w, r, http.StatusNotFound, problemTypeNotFound, "Run not found", "no such sync run for this tenant")
			return
		}
		h.internalError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRunDocument(run))
}

// runDocument is the wire shape of one sync run.
type runDocument struct {
	ID          uuid.UUID                                  `json:"id"`
	Provider    string                                     `json:"provider"`
	Status      service.RunStatus                          `json:"status"`
	FullSync    bool                                       `json:"fullSync"`
	Trigger     service.TriggerSource                      `json:"trigger"`
	TriggeredBy string                                     `json:"triggeredBy,omitempty"`
	Stats       map[provider.EntityType]*service.TypeStats `json:"stats"`
	Errors      []service.RunError                         `json:"errors,omitempty"`
	Warnings    []string                                   `json:"warnings,omitempty"`
	StartedAt   time.Time                                  `json:"startedAt"`
	CompletedAt *time.Time                                 `json:"completedAt,omitempty"`
}

func toRunDocument(run service.Run) runDocument {
	return runDocument{
		ID:          run.ID,
		Provider:    run.Provider,
		Status:      run.Status,
		FullSync:    run.FullSync,
		Trigger:     run.Trigger,
		TriggeredBy: run.TriggeredBy,
		Stats:       run.Stats,
		Errors:      run.Errors,
		Warnings:    run.Warnings,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
}

func (h *Handler) scopeFromRequest(w http.ResponseWriter, r *http.Request) (service.Scope, bool) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation, "Invalid tenant id", err.Error())
		return service.Scope{}, false
	}
	providerName := chi.URLParam(r, "provider")
	if providerName == "" {
		h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation, "Invalid provider", "provider is required")
		return service.Scope{}, false
	}
	return service.Scope{TenantID: tenantID, Provider: providerName}, true
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
	logging.FromRequest(r, h.logger).Error("sync handler failure", zap.Error(err))
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
