package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CanonicalUsersTable defines the fully-qualified canonical user directory.
const CanonicalUsersTable = "roster.canonical_users"

// CanonicalUserRecord is one roster.canonical_users row.
type CanonicalUserRecord struct {
	ID            uuid.UUID `db:"id"`
	TenantID      uuid.UUID `db:"tenant_id"`
	Email         string    `db:"email"`
	GivenName     string    `db:"given_name"`
	FamilyName    string    `db:"family_name"`
	Role          string    `db:"role"`
	StudentNumber string    `db:"student_number"`
	StaffID       string    `db:"staff_id"`
	IsActive      bool      `db:"is_active"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// DirectoryStore provides access to the canonical user directory used for
// email-fallback identity matching.
type DirectoryStore struct {
	pool *pgxpool.Pool
}

// NewDirectoryStore creates a store; assumes the roster schema already exists.
func NewDirectoryStore(pool *pgxpool.Pool) (*DirectoryStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &DirectoryStore{pool: pool}, nil
}

const canonicalUserColumns = `id, tenant_id, email, given_name, family_name, role,
    student_number, staff_id, is_active, created_at, updated_at`

func (s *DirectoryStore) Get(ctx context.Context, tenantID, id uuid.UUID) (CanonicalUserRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND id = $2`,
		canonicalUserColumns, CanonicalUsersTable)
	return scanCanonicalUser(s.pool.QueryRow(ctx, query, tenantID, id))
}

func (s *DirectoryStore) Upsert(ctx context.Context, rec CanonicalUserRecord) (CanonicalUserRecord, error) {
	query := fmt.Sprintf(`
        INSERT INTO %s (
            id, tenant_id, email, given_name, family_name, role,
            student_number, staff_id, is_active, created_at, updated_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (id) DO UPDATE SET
            email = EXCLUDED.email,
            given_name = EXCLUDED.given_name,
            family_name = EXCLUDED.family_name,
            role = EXCLUDED.role,
            student_number = EXCLUDED.student_number,
            staff_id = EXCLUDED.staff_id,
            is_active = EXCLUDED.is_active,
            updated_at = EXCLUDED.updated_at
        RETURNING %s`, CanonicalUsersTable, canonicalUserColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.ID, rec.TenantID, rec.Email, rec.GivenName, rec.FamilyName, rec.Role,
		rec.StudentNumber, rec.StaffID, rec.IsActive, rec.CreatedAt, rec.UpdatedAt,
	)
	out, err := scanCanonicalUser(row)
	if err != nil {
		// Id conflicts are absorbed by the upsert, so the only unique
		// violation left is the active-email index.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return CanonicalUserRecord{}, fmt.Errorf("%w: %s", ErrDuplicateEmail, rec.Email)
		}
		return CanonicalUserRecord{}, err
	}
	return out, nil
}

// FindByEmail matches active directory entries case-insensitively.
func (s *DirectoryStore) FindByEmail(ctx context.Context, tenantID uuid.UUID, email string) ([]CanonicalUserRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE tenant_id = $1 AND lower(email) = lower($2) AND is_active = TRUE
        ORDER BY created_at, id`, canonicalUserColumns, CanonicalUsersTable)
	return scanCanonicalUsers(s.pool.Query(ctx, query, tenantID, email))
}

// FindByNameEmail matches on the (given name, family name, email) triple,
// all case-insensitive. Feeds merge-candidate detection.
func (s *DirectoryStore) FindByNameEmail(ctx context.Context, tenantID uuid.UUID, givenName, familyName, email string) ([]CanonicalUserRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE tenant_id = $1
          AND lower(given_name) = lower($2)
          AND lower(family_name) = lower($3)
          AND lower(email) = lower($4)
          AND is_active = TRUE
        ORDER BY created_at, id`, canonicalUserColumns, CanonicalUsersTable)
	return scanCanonicalUsers(s.pool.Query(ctx, query, tenantID, givenName, familyName, email))
}

// Deactivate soft-deletes one directory entry (merge loser cleanup).
func (s *DirectoryStore) Deactivate(ctx context.Context, tenantID, id uuid.UUID) error {
	query := fmt.Sprintf(`UPDATE %s SET is_active = FALSE, updated_at = now()
        WHERE tenant_id = $1 AND id = $2`, CanonicalUsersTable)
	tag, err := s.pool.Exec(ctx, query, tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCanonicalUser(row pgx.Row) (CanonicalUserRecord, error) {
	var rec CanonicalUserRecord
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Email, &rec.GivenName, &rec.FamilyName,
		&rec.Role, &rec.StudentNumber, &rec.StaffID, &rec.IsActive, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return CanonicalUserRecord{}, mapNoRows(err)
	}
	return rec, nil
}

func scanCanonicalUsers(rows pgx.Rows, err error) ([]CanonicalUserRecord, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CanonicalUserRecord
	for rows.Next() {
		rec, err := scanCanonicalUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
