package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdentityConflictsTable defines the fully-qualified conflict table.
const IdentityConflictsTable = "roster.identity_conflicts"

// IdentityConflictRecord is one roster.identity_conflicts row. (key_a, key_b)
// arrives pre-sorted from the conflicts service so the unique constraint
// makes re-detection idempotent.
type IdentityConflictRecord struct {
	ID             uuid.UUID  `db:"id"`
	TenantID       uuid.UUID  `db:"tenant_id"`
	ConflictType   string     `db:"conflict_type"`
	Status         string     `db:"status"`
	Severity       string     `db:"severity"`
	KeyA           string     `db:"key_a"`
	KeyB           string     `db:"key_b"`
	CanonicalA     *uuid.UUID `db:"canonical_a"`
	CanonicalB     *uuid.UUID `db:"canonical_b"`
	Description    string     `db:"description"`
	DetectedCount  int        `db:"detected_count"`
	ResolvedBy     string     `db:"resolved_by"`
	ResolvedAt     *time.Time `db:"resolved_at"`
	ResolutionNote string     `db:"resolution_note"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// ConflictStore provides access to the identity conflict table.
type ConflictStore struct {
	pool *pgxpool.Pool
}

// NewConflictStore creates a store; assumes the roster schema already exists.
func NewConflictStore(pool *pgxpool.Pool) (*ConflictStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ConflictStore{pool: pool}, nil
}

const conflictColumns = `id, tenant_id, conflict_type, status, severity, key_a, key_b,
    canonical_a, canonical_b, description, detected_count, resolved_by, resolved_at,
    resolution_note, created_at, updated_at`

func (s *ConflictStore) FindByKey(ctx context.Context, tenantID uuid.UUID, conflictType, keyA, keyB string) (IdentityConflictRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE tenant_id = $1 AND conflict_type = $2 AND key_a = $3 AND key_b = $4`,
		conflictColumns, IdentityConflictsTable)
	return scanConflict(s.pool.QueryRow(ctx, query, tenantID, conflictType, keyA, keyB))
}

func (s *ConflictStore) Create(ctx context.Context, rec IdentityConflictRecord) (IdentityConflictRecord, error) {
	query := fmt.Sprintf(`
        INSERT INTO %s (
            id, tenant_id, conflict_type, status, severity, key_a, key_b,
            canonical_a, canonical_b, description, detected_count, resolved_by,
            resolved_at, resolution_note, created_at, updated_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
        RETURNING %s`, IdentityConflictsTable, conflictColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.ID, rec.TenantID, rec.ConflictType, rec.Status, rec.Severity, rec.KeyA, rec.KeyB,
		rec.CanonicalA, rec.CanonicalB, rec.Description, rec.DetectedCount, rec.ResolvedBy,
		rec.ResolvedAt, rec.ResolutionNote, rec.CreatedAt, rec.UpdatedAt,
	)
	return scanConflict(row)
}

func (s *ConflictStore) Update(ctx context.Context, rec IdentityConflictRecord) (IdentityConflictRecord, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET
            status = $3,
            severity = $4,
            canonical_a = $5,
            canonical_b = $6,
            description = $7,
            detected_count = $8,
            resolved_by = $9,
            resolved_at = $10,
            resolution_note = $11,
            updated_at = $12
        WHERE tenant_id = $1 AND id = $2
        RETURNING %s`, IdentityConflictsTable, conflictColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.TenantID, rec.ID, rec.Status, rec.Severity, rec.CanonicalA, rec.CanonicalB,
		rec.Description, rec.DetectedCount, rec.ResolvedBy, rec.ResolvedAt,
		rec.ResolutionNote, rec.UpdatedAt,
	)
	return scanConflict(row)
}

func (s *ConflictStore) Get(ctx context.Context, tenantID, id uuid.UUID) (IdentityConflictRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND id = $2`,
		conflictColumns, IdentityConflictsTable)
	return scanConflict(s.pool.QueryRow(ctx, query, tenantID, id))
}

// List returns paginated conflicts with an optional status filter, newest
// first, along with the total count for the filter.
func (s *ConflictStore) List(ctx context.Context, tenantID uuid.UUID, status *string, limit, offset int) ([]IdentityConflictRecord, int, error) {
	where := "WHERE tenant_id = $1"
	args := []any{tenantID}
	if status != nil {
		where += " AND status = $2"
		args = append(args, *status)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s %s", IdentityConflictsTable, where)
	var total int
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s %s
        ORDER BY created_at DESC, id DESC
        LIMIT %d OFFSET %d`, conflictColumns, IdentityConflictsTable, where, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []IdentityConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func scanConflict(row pgx.Row) (IdentityConflictRecord, error) {
	var rec IdentityConflictRecord
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.ConflictType, &rec.Status, &rec.Severity,
		&rec.KeyA, &rec.KeyB, &rec.CanonicalA, &rec.CanonicalB, &rec.Description,
		&rec.DetectedCount, &rec.ResolvedBy, &rec.ResolvedAt, &rec.ResolutionNote,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return IdentityConflictRecord{}, mapNoRows(err)
	}
	return rec, nil
}
