package service_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/classtab/roster-sync/domains/conflicts/be/repo"
	"github.com/classtab/roster-sync/domains/conflicts/be/service"
)

type stubReassigner struct {
	from, to uuid.UUID
	moved    int
}

func (r *stubReassigner) ReassignCanonicalUser(_ context.Context, _ uuid.UUID, from, to uuid.UUID) (int, error) {
	r.from, r.to = from, to
	return r.moved, nil
}

func TestRecordIsIdempotentAndSortsKeys(t *testing.T) {
	svc := service.New(repo.NewMemory(), nil, zap.NewNop())
	ctx := context.Background()
	tenant := uuid.New()

	first, err := svc.Record(ctx, service.Detection{
		TenantID: tenant,
		Type:     service.TypeDuplicateEmail,
		KeyA:     "sis/u2",
		KeyB:     "sis/u1",
		Severity: service.SeverityHigh,
	})
	require.NoError(t, err)
	require.Equal(t, service.StatusOpen, first.Status)
	require.Equal(t, 1, first.DetectedCount)
	// Keys normalize to sorted order regardless of detection order.
	require.Equal(t, "sis/u1", first.KeyA)
	require.Equal(t, "sis/u2", first.KeyB)

	second, err := svc.Record(ctx, service.Detection{
		TenantID: tenant,
		Type:     service.TypeDuplicateEmail,
		KeyA:     "sis/u1",
		KeyB:     "sis/u2",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 2, second.DetectedCount)

	_, total, err := svc.List(ctx, tenant, service.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestRecordNeverReopensResolved(t *testing.T) {
	svc := service.New(repo.NewMemory(), nil, zap.NewNop())
	ctx := context.Background()
	tenant := uuid.New()

	c, err := svc.Record(ctx, service.Detection{
		TenantID: tenant,
		Type:     service.TypeEmailMismatch,
		KeyA:     "sis/u1",
		KeyB:     "old@y.edu|new@y.edu",
	})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, tenant, c.ID, service.ResolveInput{Action: service.ActionDismiss, ResolvedBy: "ops"})
	require.NoError(t, err)

	again, err := svc.Record(ctx, service.Detection{
		TenantID: tenant,
		Type:     service.TypeEmailMismatch,
		KeyA:     "sis/u1",
		KeyB:     "old@y.edu|new@y.edu",
	})
	require.NoError(t, err)
	require.Equal(t, service.StatusDismissed, again.Status)
	require.Equal(t, 2, again.DetectedCount)
}

func TestResolveMergeReassignsMappings(t *testing.T) {
	reassigner := &stubReassigner{moved: 3}
	svc := service.New(repo.NewMemory(), reassigner, zap.NewNop())
	ctx := context.Background()
	tenant := uuid.New()

	a, b := uuid.New(), uuid.New()
	c, err := svc.Record(ctx, service.Detection{
		TenantID:   tenant,
		Type:       service.TypeMergeCandidate,
		KeyA:       "sis/u1",
		KeyB:       "sis/u9",
		CanonicalA: &a,
		CanonicalB: &b,
	})
	require.NoError(t, err)

	resolved, err := svc.Resolve(ctx, tenant, c.ID, service.ResolveInput{
		Action:     service.ActionMerge,
		ResolvedBy: "ops@classtab.io",
		Note:       "same student, two exports",
	})
	require.NoError(t, err)
	require.Equal(t, service.StatusResolvedMerged, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	require.Equal(t, "ops@classtab.io", resolved.ResolvedBy)

	// CanonicalA wins by default; B's mappings move over.
	require.Equal(t, *c.CanonicalB, reassigner.from)
	require.Equal(t, *c.CanonicalA, reassigner.to)
}

func TestResolveMergeHonoursWinner(t *testing.T) {
	reassigner := &stubReassigner{}
	svc := service.New(repo.NewMemory(), reassigner, zap.NewNop())
	ctx := context.Background()
	tenant := uuid.New()

	a, b := uuid.New(), uuid.New()
	c, err := svc.Record(ctx, service.Detection{
		TenantID:   tenant,
		Type:       service.TypeMergeCandidate,
		KeyA:       "sis/u1",
		KeyB:       "sis/u9",
		CanonicalA: &a,
		CanonicalB: &b,
	})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, tenant, c.ID, service.ResolveInput{Action: service.ActionMerge, Winner: c.CanonicalB})
	require.NoError(t, err)
	require.Equal(t, *c.CanonicalA, reassigner.from)
	require.Equal(t, *c.CanonicalB, reassigner.to)
}

func TestResolveRejectsUnknownAction(t *testing.T) {
	svc := service.New(repo.NewMemory(), nil, zap.NewNop())
	ctx := context.Background()
	tenant := uuid.New()

	c, err := svc.Record(ctx, service.Detection{
		TenantID: tenant,
		Type:     service.TypeNameMismatch,
		KeyA:     "sis/u1",
		KeyB:     "sis/u2",
	})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, tenant, c.ID, service.ResolveInput{Action: "obliterate"})
	require.ErrorIs(t, err, service.ErrInvalidAction)
}

func TestListFiltersByStatus(t *testing.T) {
	svc := service.New(repo.NewMemory(), nil, zap.NewNop())
	ctx := context.Background()
	tenant := uuid.New()

	open, err := svc.Record(ctx, service.Detection{TenantID: tenant, Type: service.TypeDuplicateEmail, KeyA: "a", KeyB: "b"})
	require.NoError(t, err)
	closed, err := svc.Record(ctx, service.Detection{TenantID: tenant, Type: service.TypeRoleConflict, KeyA: "c", KeyB: "d"})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, tenant, closed.ID, service.ResolveInput{Action: service.ActionKeepSeparate})
	require.NoError(t, err)

	status := service.StatusOpen
	got, total, err := svc.List(ctx, tenant, service.ListOptions{Status: &status})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, got, 1)
	require.Equal(t, open.ID, got[0].ID)
}
