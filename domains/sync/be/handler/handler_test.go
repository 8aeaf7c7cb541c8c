package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	conflictsrepo "github.com/classtab/roster-sync/domains/conflicts/be/repo"
	conflictsvc "github.com/classtab/roster-sync/domains/conflicts/be/service"
	"github.com/classtab/roster-sync/domains/sync/be/handler"
	"github.com/classtab/roster-sync/domains/sync/be/repo"
	"github.com/classtab/roster-sync/domains/sync/be/service"
	"github.com/classtab/roster-sync/platform/go/provider"
)

func newTestServer(t *testing.T, adapter provider.Adapter) (*httptest.Server, *repo.Memory) {
	t.Helper()

	store := repo.NewMemory()
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register("static", provider.Factory{New: func() provider.Adapter { return adapter }}))

	conflictService := conflictsvc.New(conflictsrepo.NewMemory(), store, zap.NewNop())
	svc := service.New(
		service.Config{ContinueOnError: true, Retry: provider.RetryPolicy{InitialInterval: time.Millisecond, MaxTries: 2}},
		service.Deps{
			Registry:  reg,
			Runs:      store,
			Mappings:  store,
			Directory: store,
			Delta:     repo.DeltaView{M: store},
			Conflicts: conflictService,
			Locks:     service.NewLockRegistry(),
			Logger:    zap.NewNop(),
		},
	)

	r := chi.NewRouter()
	handler.New(svc, zap.NewNop()).Mount(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func syncAdapter() *provider.StaticAdapter {
	a := provider.NewStaticAdapter()
	a.Schools = []provider.School{{ExternalID: "s1", Name: "North High", IsActive: true}}
	a.Users = []provider.User{{ExternalID: "u1", Role: provider.UserRoleTeacher, Email: "t@north.edu", GivenName: "Theo", FamilyName: "Frost", IsActive: true}}
	return a
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestTriggerSyncAccepted(t *testing.T) {
	srv, store := newTestServer(t, syncAdapter())
	tenantID := uuid.New()
	base := fmt.Sprintf("%s/tenants/%s/providers/static/sync", srv.URL, tenantID)

	resp := postJSON(t, base, `{"triggeredBy":"ops@classtab.io"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body struct {
		SyncRunID uuid.UUID `json:"syncRunId"`
		Status    string    `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "started", body.Status)
	require.NotEqual(t, uuid.Nil, body.SyncRunID)

	// The accepted run finishes in the background.
	scope := service.Scope{TenantID: tenantID, Provider: "static"}
	require.Eventually(t, func() bool {
		run, err := store.Latest(t.Context(), scope)
		return err == nil && run.Status == service.RunStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
}

// gatedAdapter parks inside the first school fetch until released.
type gatedAdapter struct {
	*provider.StaticAdapter
	started chan struct{}
	release chan struct{}
	blocked bool
}

func (g *gatedAdapter) FetchSchools(ctx context.Context, cursor string) (provider.Page[provider.School], error) {
	if !g.blocked {
		g.blocked = true
		close(g.started)
		<-g.release
	}
	return g.StaticAdapter.FetchSchools(ctx, cursor)
}

func TestTriggerSyncConflictWhileRunning(t *testing.T) {
	adapter := &gatedAdapter{
		StaticAdapter: syncAdapter(),
		started:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	srv, store := newTestServer(t, adapter)
	tenantID := uuid.New()
	base := fmt.Sprintf("%s/tenants/%s/providers/static/sync", srv.URL, tenantID)

	resp := postJSON(t, base, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	<-adapter.started

	second := postJSON(t, base, "")
	require.Equal(t, http.StatusConflict, second.StatusCode)

	var problem struct {
		Title  string `json:"title"`
		Status int    `json:"status"`
	}
	require.NoError(t, json.NewDecoder(second.Body).Decode(&problem))
	require.Equal(t, http.StatusConflict, problem.Status)

	close(adapter.release)
	scope := service.Scope{TenantID: tenantID, Provider: "static"}
	require.Eventually(t, func() bool {
		run, err := store.Latest(t.Context(), scope)
		return err == nil && run.Status == service.RunStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTriggerSyncUnsupportedProvider(t *testing.T) {
	srv, _ := newTestServer(t, syncAdapter())
	tenantID := uuid.New()

	resp := postJSON(t, fmt.Sprintf("%s/tenants/%s/providers/powerschool/sync", srv.URL, tenantID), "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriggerSyncInvalidTenant(t *testing.T) {
	srv, _ := newTestServer(t, syncAdapter())

	resp := postJSON(t, srv.URL+"/tenants/not-a-uuid/providers/static/sync", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestSyncStatusAndHistoryEndpoints(t *testing.T) {
	srv, store := newTestServer(t, syncAdapter())
	tenantID := uuid.New()
	base := fmt.Sprintf("%s/tenants/%s/providers/static/sync", srv.URL, tenantID)

	resp := postJSON(t, base, `{"triggeredBy":"ops"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	scope := service.Scope{TenantID: tenantID, Provider: "static"}
	require.Eventually(t, func() bool {
		run, err := store.Latest(t.Context(), scope)
		return err == nil && run.Status == service.RunStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	var status struct {
		Provider   string `json:"provider"`
		SyncStatus string `json:"syncStatus"`
		LastRun    *struct {
			Status string `json:"status"`
		} `json:"lastRun"`
	}
	resp = getJSON(t, base+"/status", &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "static", status.Provider)
	require.Equal(t, "idle", status.SyncStatus)
	require.NotNil(t, status.LastRun)
	require.Equal(t, "SUCCESS", status.LastRun.Status)

	var history struct {
		Runs []struct {
			ID     uuid.UUID `json:"id"`
			Status string    `json:"status"`
		} `json:"runs"`
		Total int `json:"total"`
	}
	resp = getJSON(t, base+"/history?limit=10", &history)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, history.Total)
	require.Len(t, history.Runs, 1)

	var run struct {
		ID     uuid.UUID `json:"id"`
		Status string    `json:"status"`
	}
	resp = getJSON(t, fmt.Sprintf("%s/history/%s", base, history.Runs[0].ID), &run)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, history.Runs[0].ID, run.ID)

	resp = getJSON(t, fmt.Sprintf("%s/history/%s", base, uuid.New()), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelWithoutRunningSync(t *testing.T) {
	srv, _ := newTestServer(t, syncAdapter())
	tenantID := uuid.New()

	resp := postJSON(t, fmt.Sprintf("%s/tenants/%s/providers/static/sync/cancel", srv.URL, tenantID), "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
