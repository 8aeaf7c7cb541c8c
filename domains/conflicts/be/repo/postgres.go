package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/classtab/roster-sync/domains/conflicts/be/service"
	"github.com/classtab/roster-sync/platform/go/persistence"
)

// Postgres implements the conflict repository over the shared ConflictStore.
type Postgres struct {
	store *persistence.ConflictStore
}

// NewPostgres constructs a repository backed by ConflictStore.
func NewPostgres(store *persistence.ConflictStore) *Postgres {
	if store == nil {
		panic("conflict store is required")
	}
	return &Postgres{store: store}
}

func (r *Postgres) FindByKey(ctx context.Context, tenantID uuid.UUID, t service.Type, keyA, keyB string) (service.Conflict, error) {
	rec, err := r.store.FindByKey(ctx, tenantID, string(t), keyA, keyB)
	if err != nil {
		return service.Conflict{}, mapStoreErr(err)
	}
	return fromRecord(rec), nil
}

func (r *Postgres) Create(ctx context.Context, c service.Conflict) (service.Conflict, error) {
	rec, err := r.store.Create(ctx, toRecord(c))
	if err != nil {
		return service.Conflict{}, mapDuplicate(err)
	}
	return fromRecord(rec), nil
}

func (r *Postgres) Update(ctx context.Context, c service.Conflict) (service.Conflict, error) {
	rec, err := r.store.Update(ctx, toRecord(c))
	if err != nil {
		return service.Conflict{}, mapStoreErr(err)
	}
	return fromRecord(rec), nil
}

func (r *Postgres) Get(ctx context.Context, tenantID, id uuid.UUID) (service.Conflict, error) {
	rec, err := r.store.Get(ctx, tenantID, id)
	if err != nil {
		return service.Conflict{}, mapStoreErr(err)
	}
	return fromRecord(rec), nil
}

func (r *Postgres) List(ctx context.Context, tenantID uuid.UUID, opts service.ListOptions) ([]service.Conflict, int, error) {
	var status *string
	if opts.Status != nil {
		s := string(*opts.Status)
		status = &s
	}

	recs, total, err := r.store.List(ctx, tenantID, status, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}

	conflicts := make([]service.Conflict, 0, len(recs))
	for _, rec := range recs {
		conflicts = append(conflicts, fromRecord(rec))
	}
	return conflicts, total, nil
}

func toRecord(c service.Conflict) persistence.IdentityConflictRecord {
	return persistence.IdentityConflictRecord{
		ID:             c.ID,
		TenantID:       c.TenantID,
		ConflictType:   string(c.Type),
		Status:         string(c.Status),
		Severity:       string(c.Severity),
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

func fromRecord(rec persistence.IdentityConflictRecord) service.Conflict {
	return service.Conflict{
		ID:             rec.ID,
		TenantID:       rec.TenantID,
		Type:           service.Type(rec.ConflictType),
		Status:         service.Status(rec.Status),
		Severity:       service.Severity(rec.Severity),
		KeyA:           rec.KeyA,
		KeyB:           rec.KeyB,
		CanonicalA:     rec.CanonicalA,
		CanonicalB:     rec.CanonicalB,
		Description:    rec.Description,
		DetectedCount:  rec.DetectedCount,
		ResolvedBy:     rec.ResolvedBy,
		ResolvedAt:     rec.ResolvedAt,
		ResolutionNote: rec.ResolutionNote,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func mapStoreErr(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return service.ErrNotFound
	}
	return err
}

// mapDuplicate surfaces a race between two detections of the same conflict.
func mapDuplicate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("conflict already recorded: %w", err)
	}
	return err
}

// Ensure interface compliance.
var _ service.Repository = (*Postgres)(nil)
