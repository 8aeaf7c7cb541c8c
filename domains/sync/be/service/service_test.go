package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	conflictsrepo "github.com/classtab/roster-sync/domains/conflicts/be/repo"
	conflictsvc "github.com/classtab/roster-sync/domains/conflicts/be/service"
	"github.com/classtab/roster-sync/domains/sync/be/repo"
	"github.com/classtab/roster-sync/domains/sync/be/service"
	"github.com/classtab/roster-sync/platform/go/provider"
)

// harness bundles a fully wired engine over in-memory stores.
type harness struct {
	svc       *service.Service
	store     *repo.Memory
	conflicts *conflictsrepo.Memory
	scope     service.Scope
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	wrapMappings    func(*repo.Memory) service.MappingRepository
	wrapDirectory   func(*repo.Memory) service.DirectoryRepository
	continueOnError bool
	adapters        map[string]provider.Adapter
}

// withMappings wraps the mapping repository (error injection).
func withMappings(wrap func(*repo.Memory) service.MappingRepository) harnessOption {
	return func(c *harnessConfig) { c.wrapMappings = wrap }
}

// withDirectory wraps the directory repository (lookup injection).
func withDirectory(wrap func(*repo.Memory) service.DirectoryRepository) harnessOption {
	return func(c *harnessConfig) { c.wrapDirectory = wrap }
}

func withAbortOnError() harnessOption {
	return func(c *harnessConfig) { c.continueOnError = false }
}

// withAdapter registers an extra provider tag backed by a shared instance.
func withAdapter(tag string, a provider.Adapter) harnessOption {
	return func(c *harnessConfig) { c.adapters[tag] = a }
}

func newHarness(t *testing.T, adapter provider.Adapter, opts ...harnessOption) *harness {
	t.Helper()

	cfg := &harnessConfig{continueOnError: true, adapters: map[string]provider.Adapter{"sis-a": adapter}}
	for _, opt := range opts {
		opt(cfg)
	}

	store := repo.NewMemory()
	var mappings service.MappingRepository = store
	if cfg.wrapMappings != nil {
		mappings = cfg.wrapMappings(store)
	}
	var directory service.DirectoryRepository = store
	if cfg.wrapDirectory != nil {
		directory = cfg.wrapDirectory(store)
	}

	reg := provider.NewRegistry()
	for tag, a := range cfg.adapters {
		shared := a
		require.NoError(t, reg.Register(tag, provider.Factory{New: func() provider.Adapter { return shared }}))
	}

	conflictStore := conflictsrepo.NewMemory()
	conflictService := conflictsvc.New(conflictStore, store, zap.NewNop())

	svc := service.New(
		service.Config{ContinueOnError: cfg.continueOnError, Retry: provider.RetryPolicy{InitialInterval: time.Millisecond, MaxTries: 3}},
		service.Deps{
			Registry:  reg,
			Runs:      store,
			Mappings:  mappings,
			Directory: directory,
			Delta:     repo.DeltaView{M: store},
			Conflicts: conflictService,
			Locks:     service.NewLockRegistry(),
			Logger:    zap.NewNop(),
		},
	)

	return &harness{
		svc:       svc,
		store:     store,
		conflicts: conflictStore,
		scope:     service.Scope{TenantID: uuid.New(), Provider: "sis-a"},
	}
}

func rosterAdapter() *provider.StaticAdapter {
	a := provider.NewStaticAdapter()
	a.Schools = []provider.School{
		{ExternalID: "s1", Name: "North High", IsActive: true},
		{ExternalID: "s2", Name: "South Middle", IsActive: true},
	}
	a.Classes = []provider.Class{
		{ExternalID: "c1", ExternalSchoolID: "s1", Name: "Algebra I", IsActive: true},
	}
	a.Users = []provider.User{
		{ExternalID: "u1", Role: provider.UserRoleTeacher, Email: "t.frost@north.edu", GivenName: "Theo", FamilyName: "Frost", IsActive: true},
		{ExternalID: "u2", Role: provider.UserRoleStudent, Email: "m.reyes@north.edu", GivenName: "Mia", FamilyName: "Reyes", IsActive: true},
	}
	a.Enrollments = []provider.Enrollment{
		{ExternalUserID: "u1", ExternalClassID: "c1", Role: provider.EnrollmentRoleTeacher, Primary: true, IsActive: true},
		{ExternalUserID: "u2", ExternalClassID: "c1", Role: provider.EnrollmentRoleStudent, IsActive: true},
	}
	return a
}

func runAndWait(t *testing.T, h *harness, opts service.TriggerOptions) service.Run {
	t.Helper()
	opts.Wait = true
	run, err := h.svc.RunSync(context.Background(), h.scope, opts)
	require.NoError(t, err)
	return run
}

func TestFullSyncIdempotent(t *testing.T) {
	h := newHarness(t, rosterAdapter())

	first := runAndWait(t, h, service.TriggerOptions{})
	require.Equal(t, service.RunStatusSuccess, first.Status)
	require.True(t, first.FullSync)

	expect := map[provider.EntityType]int{
		provider.EntityTypeSchools:     2,
		provider.EntityTypeClasses:     1,
		provider.EntityTypeUsers:       2,
		provider.EntityTypeEnrollments: 2,
	}
	for et, n := range expect {
		stats := first.Stats[et]
		require.NotNil(t, stats, "missing stats for %s", et)
		require.Equal(t, n, stats.Fetched, "%s fetched", et)
		require.Equal(t, n, stats.Created, "%s created", et)
		require.Zero(t, stats.Updated, "%s updated", et)
		require.Zero(t, stats.Errors, "%s errors", et)
	}

	second := runAndWait(t, h, service.TriggerOptions{})
	require.Equal(t, service.RunStatusSuccess, second.Status)
	for et, n := range expect {
		stats := second.Stats[et]
		require.Zero(t, stats.Created, "%s created on rerun", et)
		require.Equal(t, n, stats.Updated, "%s updated on rerun", et)
		require.Zero(t, stats.Deactivated, "%s deactivated on rerun", et)
	}
}

func TestDeactivationSweep(t *testing.T) {
	adapter := rosterAdapter()
	h := newHarness(t, adapter)

	runAndWait(t, h, service.TriggerOptions{})

	// s1 disappears from the source between runs.
	adapter.Schools = adapter.Schools[1:]

	second := runAndWait(t, h, service.TriggerOptions{})
	require.Equal(t, service.RunStatusSuccess, second.Status)
	require.Equal(t, 1, second.Stats[provider.EntityTypeSchools].Deactivated)

	gone, err := h.store.GetSchoolMapping(context.Background(), h.scope, "s1")
	require.NoError(t, err)
	require.False(t, gone.IsActive)

	kept, err := h.store.GetSchoolMapping(context.Background(), h.scope, "s2")
	require.NoError(t, err)
	require.True(t, kept.IsActive)
}

// flakyMappings fails school writes for one external id.
type flakyMappings struct {
	*repo.Memory
	failID string
}

func (f *flakyMappings) UpsertSchoolMapping(ctx context.Context, m service.SchoolMapping) (service.SchoolMapping, error) {
	if m.ExternalID == f.failID {
		return service.SchoolMapping{}, fmt.Errorf("write refused for %s", m.ExternalID)
	}
	return f.Memory.UpsertSchoolMapping(ctx, m)
}

func TestPartialFailureContainment(t *testing.T) {
	adapter := provider.NewStaticAdapter()
	adapter.Schools = []provider.School{
		{ExternalID: "s1", Name: "One", IsActive: true},
		{ExternalID: "s2", Name: "Two", IsActive: true},
		{ExternalID: "s3", Name: "Three", IsActive: true},
	}

	h := newHarness(t, adapter, withMappings(func(m *repo.Memory) service.MappingRepository {
		return &flakyMappings{Memory: m, failID: "s2"}
	}))

	run := runAndWait(t, h, service.TriggerOptions{})
	require.Equal(t, service.RunStatusPartial, run.Status)

	stats := run.Stats[provider.EntityTypeSchools]
	require.Equal(t, 3, stats.Fetched)
	require.Equal(t, 2, stats.Created)
	require.Equal(t, 1, stats.Errors)

	require.Len(t, run.Errors, 1)
	require.Equal(t, "s2", run.Errors[0].ExternalID)
	require.Equal(t, provider.EntityTypeSchools, run.Errors[0].EntityType)
}

func TestFirstEntityErrorAbortsWhenConfigured(t *testing.T) {
	adapter := provider.NewStaticAdapter()
	adapter.Schools = []provider.School{
		{ExternalID: "s1", Name: "One", IsActive: true},
		{ExternalID: "s2", Name: "Two", IsActive: true},
	}

	h := newHarness(t, adapter, withMappings(func(m *repo.Memory) service.MappingRepository {
		return &flakyMappings{Memory: m, failID: "s1"}
	}), withAbortOnError())

	run := runAndWait(t, h, service.TriggerOptions{})
	require.Equal(t, service.RunStatusFailure, run.Status)
	// Connection-level failures retain no partial stats for the failed type.
	require.Nil(t, run.Stats[provider.EntityTypeSchools])
}

// blockingAdapter parks inside the first school fetch until released.
type blockingAdapter struct {
	*provider.StaticAdapter
	started chan struct{}
	release chan struct{}
	blocked bool
}

func newBlockingAdapter(inner *provider.StaticAdapter) *blockingAdapter {
	return &blockingAdapter{
		StaticAdapter: inner,
		started:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (b *blockingAdapter) FetchSchools(ctx context.Context, cursor string) (provider.Page[provider.School], error) {
	if !b.blocked {
		b.blocked = true
		close(b.started)
		<-b.release
	}
	return b.StaticAdapter.FetchSchools(ctx, cursor)
}

func TestSingleFlightRejectsConcurrentTrigger(t *testing.T) {
	adapter := newBlockingAdapter(rosterAdapter())
	h := newHarness(t, adapter)
	ctx := context.Background()

	first, err := h.svc.RunSync(ctx, h.scope, service.TriggerOptions{Source: service.TriggerManual, TriggeredBy: "ops"})
	require.NoError(t, err)
	<-adapter.started

	_, err = h.svc.RunSync(ctx, h.scope, service.TriggerOptions{Source: service.TriggerManual})
	require.ErrorIs(t, err, service.ErrSyncInProgress)
	require.ErrorContains(t, err, "already in progress")

	// The rejected trigger must not have created a second run row.
	_, total, lerr := h.store.List(ctx, h.scope, 10, 0)
	require.NoError(t, lerr)
	require.Equal(t, 1, total)

	close(adapter.release)
	require.Eventually(t, func() bool {
		run, gerr := h.store.Get(ctx, h.scope.TenantID, first.ID)
		return gerr == nil && run.Status == service.RunStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCancellationClosesRunCancelled(t *testing.T) {
	inner := rosterAdapter()
	inner.PageSize = 1
	adapter := newBlockingAdapter(inner)
	h := newHarness(t, adapter)
	ctx := context.Background()

	run, err := h.svc.RunSync(ctx, h.scope, service.TriggerOptions{Source: service.TriggerManual})
	require.NoError(t, err)
	<-adapter.started

	require.NoError(t, h.svc.Cancel(h.scope))
	close(adapter.release)

	require.Eventually(t, func() bool {
		got, gerr := h.store.Get(ctx, h.scope.TenantID, run.ID)
		return gerr == nil && got.Status == service.RunStatusCancelled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCrossProviderEmailLink(t *testing.T) {
	adapterA := provider.NewStaticAdapter()
	adapterA.Users = []provider.User{
		{ExternalID: "u1", Role: provider.UserRoleStudent, Email: "x@y.edu", GivenName: "Ada", FamilyName: "Li", IsActive: true},
	}
	adapterB := provider.NewStaticAdapter()
	adapterB.Users = []provider.User{
		{ExternalID: "u2", Role: provider.UserRoleStudent, Email: "x@y.edu", GivenName: "Ada", FamilyName: "Li", IsActive: true},
	}

	h := newHarness(t, adapterA, withAdapter("sis-b", adapterB))
	ctx := context.Background()

	runAndWait(t, h, service.TriggerOptions{})

	scopeB := service.Scope{TenantID: h.scope.TenantID, Provider: "sis-b"}
	second, err := h.svc.RunSync(ctx, scopeB, service.TriggerOptions{Wait: true})
	require.NoError(t, err)
	require.Equal(t, service.RunStatusSuccess, second.Status)

	mapA, err := h.store.GetUserMapping(ctx, h.scope, "u1")
	require.NoError(t, err)
	mapB, err := h.store.GetUserMapping(ctx, scopeB, "u2")
	require.NoError(t, err)

	// One canonical user, two mappings.
	require.Equal(t, mapA.CanonicalID, mapB.CanonicalID)

	users, err := h.store.FindUsersByEmail(ctx, h.scope.TenantID, "x@y.edu")
	require.NoError(t, err)
	require.Len(t, users, 1)
}

// gatedMappings parks one provider's first user-mapping write until released,
// holding that run in the window between its email lookup and its writes.
type gatedMappings struct {
	*repo.Memory
	provider string
	reached  chan struct{}
	release  chan struct{}
	parked   bool
}

func (g *gatedMappings) UpsertUserMapping(ctx context.Context, m service.UserMapping) (service.UserMapping, error) {
	if m.Provider == g.provider && !g.parked {
		g.parked = true
		close(g.reached)
		<-g.release
	}
	return g.Memory.UpsertUserMapping(ctx, m)
}

func TestConcurrentEmailFallbackConvergesOnOneCanonicalUser(t *testing.T) {
	adapterA := provider.NewStaticAdapter()
	adapterA.Users = []provider.User{
		{ExternalID: "u1", Role: provider.UserRoleStudent, Email: "j.vu@y.edu", GivenName: "Jun", FamilyName: "Vu", IsActive: true},
	}
	adapterB := provider.NewStaticAdapter()
	adapterB.Users = []provider.User{
		{ExternalID: "u2", Role: provider.UserRoleStudent, Email: "j.vu@y.edu", GivenName: "Jun", FamilyName: "Vu", IsActive: true},
	}

	gate := &gatedMappings{provider: "sis-a", reached: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, adapterA,
		withAdapter("sis-b", adapterB),
		withMappings(func(m *repo.Memory) service.MappingRepository {
			gate.Memory = m
			return gate
		}))
	ctx := context.Background()

	// The sis-a run passes its email lookup empty-handed, then parks just
	// before its writes.
	runA, err := h.svc.RunSync(ctx, h.scope, service.TriggerOptions{})
	require.NoError(t, err)
	<-gate.reached

	// Meanwhile a sis-b run provisions a canonical user for the same address.
	scopeB := service.Scope{TenantID: h.scope.TenantID, Provider: "sis-b"}
	runB, err := h.svc.RunSync(ctx, scopeB, service.TriggerOptions{Wait: true})
	require.NoError(t, err)
	require.Equal(t, service.RunStatusSuccess, runB.Status)

	close(gate.release)
	require.Eventually(t, func() bool {
		got, gerr := h.store.Get(ctx, h.scope.TenantID, runA.ID)
		return gerr == nil && got.Status == service.RunStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	mapA, err := h.store.GetUserMapping(ctx, h.scope, "u1")
	require.NoError(t, err)
	mapB, err := h.store.GetUserMapping(ctx, scopeB, "u2")
	require.NoError(t, err)

	// The late writer must link to whichever canonical user won the insert.
	require.Equal(t, mapB.CanonicalID, mapA.CanonicalID)

	users, err := h.store.FindUsersByEmail(ctx, h.scope.TenantID, "j.vu@y.edu")
	require.NoError(t, err)
	require.Len(t, users, 1)
}

func TestDuplicateEmailFlaggedNotLinked(t *testing.T) {
	adapter := provider.NewStaticAdapter()
	adapter.Users = []provider.User{
		{ExternalID: "u1", Role: provider.UserRoleStudent, Email: "shared@y.edu", GivenName: "Sam", FamilyName: "Ng", IsActive: true},
		{ExternalID: "u2", Role: provider.UserRoleStudent, Email: "shared@y.edu", GivenName: "Sam", FamilyName: "Ng", IsActive: true},
	}
	h := newHarness(t, adapter)
	ctx := context.Background()

	runAndWait(t, h, service.TriggerOptions{})

	mapA, err := h.store.GetUserMapping(ctx, h.scope, "u1")
	require.NoError(t, err)
	mapB, err := h.store.GetUserMapping(ctx, h.scope, "u2")
	require.NoError(t, err)

	// The ambiguous second id gets its own canonical user and a flag.
	require.NotEqual(t, mapA.CanonicalID, mapB.CanonicalID)
	require.True(t, mapB.HasConflict)
	require.Equal(t, "DUPLICATE_EMAIL", mapB.ConflictType)

	status := conflictsvc.StatusOpen
	open, total, err := h.conflicts.List(ctx, h.scope.TenantID, conflictsvc.ListOptions{Status: &status})
	require.NoError(t, err)
	require.GreaterOrEqual(t, total, 1)

	var dupes []conflictsvc.Conflict
	for _, c := range open {
		if c.Type == conflictsvc.TypeDuplicateEmail {
			dupes = append(dupes, c)
		}
	}
	require.Len(t, dupes, 1)

	// Re-detection updates the same row, never duplicates it.
	runAndWait(t, h, service.TriggerOptions{})
	open, _, err = h.conflicts.List(ctx, h.scope.TenantID, conflictsvc.ListOptions{Status: &status})
	require.NoError(t, err)
	count := 0
	for _, c := range open {
		if c.Type == conflictsvc.TypeDuplicateEmail {
			count++
			require.GreaterOrEqual(t, c.DetectedCount, 2)
		}
	}
	require.Equal(t, 1, count)
}

// hidingDirectory makes chosen canonical ids unresolvable, simulating an
// entry hard-deleted out of band.
type hidingDirectory struct {
	*repo.Memory
	hidden map[uuid.UUID]bool
}

func (d *hidingDirectory) GetUser(ctx context.Context, tenantID, id uuid.UUID) (service.CanonicalUser, error) {
	if d.hidden[id] {
		return service.CanonicalUser{}, service.ErrNotFound
	}
	return d.Memory.GetUser(ctx, tenantID, id)
}

func TestOrphanedMappingDetected(t *testing.T) {
	adapter := provider.NewStaticAdapter()
	adapter.Users = []provider.User{
		{ExternalID: "u1", Role: provider.UserRoleStudent, Email: "r.oak@y.edu", GivenName: "Rae", FamilyName: "Oak", IsActive: true},
	}
	dir := &hidingDirectory{hidden: map[uuid.UUID]bool{}}
	h := newHarness(t, adapter, withDirectory(func(m *repo.Memory) service.DirectoryRepository {
		dir.Memory = m
		return dir
	}))
	ctx := context.Background()

	runAndWait(t, h, service.TriggerOptions{})

	m, err := h.store.GetUserMapping(ctx, h.scope, "u1")
	require.NoError(t, err)

	// The canonical user vanishes out from under the mapping between runs.
	dir.hidden[m.CanonicalID] = true

	run := runAndWait(t, h, service.TriggerOptions{})
	require.Equal(t, service.RunStatusSuccess, run.Status)

	all, _, err := h.conflicts.List(ctx, h.scope.TenantID, conflictsvc.ListOptions{})
	require.NoError(t, err)
	var orphans []conflictsvc.Conflict
	for _, c := range all {
		if c.Type == conflictsvc.TypeOrphanedMapping {
			orphans = append(orphans, c)
		}
	}
	require.Len(t, orphans, 1)
	require.Equal(t, conflictsvc.SeverityHigh, orphans[0].Severity)
	require.NotNil(t, orphans[0].CanonicalA)
	require.Equal(t, m.CanonicalID, *orphans[0].CanonicalA)
}

func TestMergeCandidateDetectedOnMatchingIdentity(t *testing.T) {
	adapter := provider.NewStaticAdapter()
	adapter.Users = []provider.User{
		{ExternalID: "u1", Role: provider.UserRoleStudent, Email: "k.ash@y.edu", GivenName: "Kai", FamilyName: "Ash", IsActive: true},
		{ExternalID: "u2", Role: provider.UserRoleStudent, Email: "k.ash@y.edu", GivenName: "Kai", FamilyName: "Ash", IsActive: true},
	}
	h := newHarness(t, adapter)
	ctx := context.Background()

	run := runAndWait(t, h, service.TriggerOptions{})
	require.Equal(t, service.RunStatusSuccess, run.Status)

	mapA, err := h.store.GetUserMapping(ctx, h.scope, "u1")
	require.NoError(t, err)
	mapB, err := h.store.GetUserMapping(ctx, h.scope, "u2")
	require.NoError(t, err)

	all, _, err := h.conflicts.List(ctx, h.scope.TenantID, conflictsvc.ListOptions{})
	require.NoError(t, err)
	var merges []conflictsvc.Conflict
	for _, c := range all {
		if c.Type == conflictsvc.TypeMergeCandidate {
			merges = append(merges, c)
		}
	}
	require.Len(t, merges, 1)
	require.Equal(t, conflictsvc.SeverityLow, merges[0].Severity)

	// The record names both canonical users carrying the identical identity.
	keys := map[string]bool{merges[0].KeyA: true, merges[0].KeyB: true}
	require.True(t, keys[mapA.CanonicalID.String()])
	require.True(t, keys[mapB.CanonicalID.String()])
}

func TestEmailMismatchConflictAndSourceWins(t *testing.T) {
	adapter := provider.NewStaticAdapter()
	adapter.Users = []provider.User{
		{ExternalID: "u1", Role: provider.UserRoleStudent, Email: "old@y.edu", GivenName: "Ona", FamilyName: "Brook", IsActive: true},
	}
	h := newHarness(t, adapter)
	ctx := context.Background()

	runAndWait(t, h, service.TriggerOptions{})

	adapter.Users[0].Email = "new@y.edu"
	run := runAndWait(t, h, service.TriggerOptions{})
	require.Equal(t, service.RunStatusSuccess, run.Status)

	m, err := h.store.GetUserMapping(ctx, h.scope, "u1")
	require.NoError(t, err)
	require.Equal(t, "new@y.edu", m.Email)

	all, _, err := h.conflicts.List(ctx, h.scope.TenantID, conflictsvc.ListOptions{})
	require.NoError(t, err)
	found := false
	for _, c := range all {
		if c.Type == conflictsvc.TypeEmailMismatch {
			found = true
		}
	}
	require.True(t, found, "expected an EMAIL_MISMATCH conflict")
}

func TestDeltaSyncAppliesChangesWithoutSweep(t *testing.T) {
	adapter := rosterAdapter()
	adapter.NextToken = "tok-1"
	h := newHarness(t, adapter)
	ctx := context.Background()

	first := runAndWait(t, h, service.TriggerOptions{})
	require.True(t, first.FullSync)

	state, err := h.store.GetDelta(ctx, h.scope)
	require.NoError(t, err)
	require.Equal(t, service.DeltaStatusIdle, state.Status)
	require.Equal(t, "tok-1", state.LastDeltaToken)

	adapter.NextToken = "tok-2"
	adapter.PendingChanges = []provider.ChangePage{{
		Events: []provider.ChangeEvent{
			{Op: provider.ChangeOpCreate, Type: provider.EntityTypeSchools, School: &provider.School{ExternalID: "s3", Name: "East Elementary", IsActive: true}},
			{Op: provider.ChangeOpDelete, Type: provider.EntityTypeSchools, ExternalID: "s1"},
		},
		NextToken: "tok-2",
	}}

	second := runAndWait(t, h, service.TriggerOptions{})
	require.Equal(t, service.RunStatusSuccess, second.Status)
	require.False(t, second.FullSync)

	created, err := h.store.GetSchoolMapping(ctx, h.scope, "s3")
	require.NoError(t, err)
	require.True(t, created.IsActive)

	deleted, err := h.store.GetSchoolMapping(ctx, h.scope, "s1")
	require.NoError(t, err)
	require.False(t, deleted.IsActive)

	// Absence from the delta page carries no deletion signal.
	untouched, err := h.store.GetSchoolMapping(ctx, h.scope, "s2")
	require.NoError(t, err)
	require.True(t, untouched.IsActive)

	state, err = h.store.GetDelta(ctx, h.scope)
	require.NoError(t, err)
	require.Equal(t, "tok-2", state.LastDeltaToken)
	require.Equal(t, service.DeltaStatusIdle, state.Status)
}

func TestDeltaTokenExpiryFallsBackToFullSync(t *testing.T) {
	adapter := rosterAdapter()
	adapter.NextToken = "tok-1"
	h := newHarness(t, adapter)
	ctx := context.Background()

	runAndWait(t, h, service.TriggerOptions{})

	adapter.TokenExpired = true
	run := runAndWait(t, h, service.TriggerOptions{})
	require.Equal(t, service.RunStatusSuccess, run.Status)
	require.True(t, run.FullSync, "expired token must degrade to a full sync")

	state, err := h.store.GetDelta(ctx, h.scope)
	require.NoError(t, err)
	require.Equal(t, service.DeltaStatusIdle, state.Status)
}

// expiringChangesAdapter serves one change page, then reports the token
// expired on the follow-up call.
type expiringChangesAdapter struct {
	*provider.StaticAdapter
	page   provider.ChangePage
	served bool
}

func (a *expiringChangesAdapter) FetchChanges(ctx context.Context, token string) (provider.ChangePage, error) {
	if token == "" {
		return a.StaticAdapter.FetchChanges(ctx, token)
	}
	if !a.served {
		a.served = true
		return a.page, nil
	}
	return provider.ChangePage{}, provider.ErrDeltaTokenExpired
}

func TestDeltaTokenExpiryMidStreamCountsOnce(t *testing.T) {
	adapter := &expiringChangesAdapter{StaticAdapter: rosterAdapter()}
	adapter.NextToken = "tok-1"
	adapter.page = provider.ChangePage{
		Events: []provider.ChangeEvent{
			{Op: provider.ChangeOpUpdate, Type: provider.EntityTypeSchools, School: &provider.School{ExternalID: "s1", Name: "North High Annex", IsActive: true}},
		},
		NextToken: "tok-2",
		HasMore:   true,
	}
	h := newHarness(t, adapter)

	first := runAndWait(t, h, service.TriggerOptions{})
	require.True(t, first.FullSync)

	run := runAndWait(t, h, service.TriggerOptions{})
	require.Equal(t, service.RunStatusSuccess, run.Status)
	require.True(t, run.FullSync, "mid-stream expiry must degrade to a full sync")

	// Only the full pass contributes to the final counts; the school already
	// applied off the stale cursor is not tallied a second time.
	stats := run.Stats[provider.EntityTypeSchools]
	require.NotNil(t, stats)
	require.Equal(t, 2, stats.Fetched)
	require.Equal(t, 2, stats.Updated)
	require.Zero(t, stats.Created)
	require.Empty(t, run.Errors)
}

func TestConnectionFailureFailsRun(t *testing.T) {
	adapter := provider.NewStaticAdapter()
	adapter.InitializeErr = errors.New("401 from source")
	h := newHarness(t, adapter)

	run := runAndWait(t, h, service.TriggerOptions{})
	require.Equal(t, service.RunStatusFailure, run.Status)
	require.NotEmpty(t, run.Errors)
	require.Empty(t, run.Stats)
}

func TestTransientFetchRetried(t *testing.T) {
	adapter := rosterAdapter()
	adapter.TransientFetches = 2
	h := newHarness(t, adapter)

	run := runAndWait(t, h, service.TriggerOptions{})
	require.Equal(t, service.RunStatusSuccess, run.Status)
}

func TestUnsupportedProviderRejectedWithoutRunRow(t *testing.T) {
	h := newHarness(t, rosterAdapter())
	ctx := context.Background()

	_, err := h.svc.RunSync(ctx, service.Scope{TenantID: h.scope.TenantID, Provider: "powerschool"}, service.TriggerOptions{})
	require.ErrorIs(t, err, service.ErrUnsupportedProvider)
}

func TestSyncStatusAndHistory(t *testing.T) {
	h := newHarness(t, rosterAdapter())
	ctx := context.Background()

	runAndWait(t, h, service.TriggerOptions{Source: service.TriggerManual, TriggeredBy: "ops@classtab.io"})
	runAndWait(t, h, service.TriggerOptions{})

	status, err := h.svc.SyncStatus(ctx, h.scope)
	require.NoError(t, err)
	require.NotNil(t, status.LastRun)
	require.Equal(t, service.RunStatusSuccess, status.LastRun.Status)
	require.Equal(t, service.DeltaStatusIdle, status.State.Status)

	runs, total, err := h.svc.History(ctx, h.scope, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, runs, 2)
	// Newest first.
	require.False(t, runs[0].StartedAt.Before(runs[1].StartedAt))

	page, total, err := h.svc.History(ctx, h.scope, 1, 1)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, page, 1)
	require.Equal(t, service.TriggerManual, page[0].Trigger)
}

func TestWarningsRecordedOnRun(t *testing.T) {
	adapter := rosterAdapter()
	adapter.PageWarnings = []string{"demographics sub-resource returned 404"}
	h := newHarness(t, adapter)

	run := runAndWait(t, h, service.TriggerOptions{})
	require.Equal(t, service.RunStatusSuccess, run.Status)
	require.Contains(t, run.Warnings, "demographics sub-resource returned 404")
}
