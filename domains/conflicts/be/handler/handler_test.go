package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/classtab/roster-sync/domains/conflicts/be/handler"
	"github.com/classtab/roster-sync/domains/conflicts/be/repo"
	"github.com/classtab/roster-sync/domains/conflicts/be/service"
	syncrepo "github.com/classtab/roster-sync/domains/sync/be/repo"
)

func newTestServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()

	svc := service.New(repo.NewMemory(), syncrepo.NewMemory(), zap.NewNop())

	r := chi.NewRouter()
	handler.New(svc, zap.NewNop()).Mount(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, svc
}

func seedConflict(t *testing.T, svc *service.Service, tenantID uuid.UUID) service.Conflict {
	t.Helper()
	c, err := svc.Record(context.Background(), service.Detection{
		TenantID:    tenantID,
		Type:        service.TypeDuplicateEmail,
		KeyA:        "static/u1",
		KeyB:        "static/u2",
		Severity:    service.SeverityHigh,
		Description: "two external ids share shared@example.edu",
	})
	require.NoError(t, err)
	return c
}

func TestListConflicts(t *testing.T) {
	srv, svc := newTestServer(t)
	tenantID := uuid.New()
	seedConflict(t, svc, tenantID)

	var body struct {
		Conflicts []struct {
			ID     uuid.UUID `json:"id"`
			Type   string    `json:"type"`
			Status string    `json:"status"`
		} `json:"conflicts"`
		Total int `json:"total"`
	}

	resp, err := http.Get(fmt.Sprintf("%s/tenants/%s/sync/conflicts?status=OPEN", srv.URL, tenantID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 1, body.Total)
	require.Equal(t, "DUPLICATE_EMAIL", body.Conflicts[0].Type)

	// Filtering on a resolved status excludes the open conflict.
	resp, err = http.Get(fmt.Sprintf("%s/tenants/%s/sync/conflicts?status=DISMISSED", srv.URL, tenantID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Zero(t, body.Total)
}

func TestGetConflict(t *testing.T) {
	srv, svc := newTestServer(t)
	tenantID := uuid.New()
	c := seedConflict(t, svc, tenantID)

	resp, err := http.Get(fmt.Sprintf("%s/tenants/%s/sync/conflicts/%s", srv.URL, tenantID, c.ID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc struct {
		ID   uuid.UUID `json:"id"`
		KeyA string    `json:"keyA"`
		KeyB string    `json:"keyB"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Equal(t, c.ID, doc.ID)
	require.Equal(t, "static/u1", doc.KeyA)

	resp, err = http.Get(fmt.Sprintf("%s/tenants/%s/sync/conflicts/%s", srv.URL, tenantID, uuid.New()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResolveConflict(t *testing.T) {
	srv, svc := newTestServer(t)
	tenantID := uuid.New()
	c := seedConflict(t, svc, tenantID)

	url := fmt.Sprintf("%s/tenants/%s/sync/conflicts/%s/resolve", srv.URL, tenantID, c.ID)
	resp, err := http.Post(url, "application/json",
		strings.NewReader(`{"action":"dismiss","resolvedBy":"ops@classtab.io","note":"known duplicate export"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc struct {
		Status         string `json:"status"`
		ResolvedBy     string `json:"resolvedBy"`
		ResolutionNote string `json:"resolutionNote"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Equal(t, "DISMISSED", doc.Status)
	require.Equal(t, "ops@classtab.io", doc.ResolvedBy)
	require.Equal(t, "known duplicate export", doc.ResolutionNote)
}

func TestResolveConflictRejectsBadAction(t *testing.T) {
	srv, svc := newTestServer(t)
	tenantID := uuid.New()
	c := seedConflict(t, svc, tenantID)

	url := fmt.Sprintf("%s/tenants/%s/sync/conflicts/%s/resolve", srv.URL, tenantID, c.ID)
	resp, err := http.Post(url, "application/json", strings.NewReader(`{"action":"obliterate"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}
