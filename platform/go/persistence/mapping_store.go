package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Fully-qualified mapping tables.
const (
	SchoolMappingsTable     = "roster.school_mappings"
	ClassMappingsTable      = "roster.class_mappings"
	UserMappingsTable       = "roster.user_mappings"
	EnrollmentMappingsTable = "roster.enrollment_mappings"
)

// SchoolMappingRecord is one roster.school_mappings row.
type SchoolMappingRecord struct {
	ID            uuid.UUID       `db:"id"`
	TenantID      uuid.UUID       `db:"tenant_id"`
	Provider      string          `db:"provider"`
	ExternalID    string          `db:"external_id"`
	CanonicalID   uuid.UUID       `db:"canonical_id"`
	Name          string          `db:"name"`
	SchoolNumber  string          `db:"school_number"`
	IsActive      bool            `db:"is_active"`
	RawPayload    json.RawMessage `db:"raw_payload"`
	LastSyncedAt  time.Time       `db:"last_synced_at"`
	LastSyncRunID *uuid.UUID      `db:"last_sync_run_id"`
	CreatedAt     time.Time       `db:"created_at"`
}

// ClassMappingRecord is one roster.class_mappings row.
type ClassMappingRecord struct {
	ID               uuid.UUID       `db:"id"`
	TenantID         uuid.UUID       `db:"tenant_id"`
	Provider         string          `db:"provider"`
	ExternalID       string          `db:"external_id"`
	CanonicalID      uuid.UUID       `db:"canonical_id"`
	ExternalSchoolID string          `db:"external_school_id"`
	Name             string          `db:"name"`
	Subject          string          `db:"subject"`
	Period           string          `db:"period"`
	Grade            string          `db:"grade"`
	IsActive         bool            `db:"is_active"`
	RawPayload       json.RawMessage `db:"raw_payload"`
	LastSyncedAt     time.Time       `db:"last_synced_at"`
	LastSyncRunID    *uuid.UUID      `db:"last_sync_run_id"`
	CreatedAt        time.Time       `db:"created_at"`
}

// UserMappingRecord is one roster.user_mappings row.
type UserMappingRecord struct {
	ID            uuid.UUID       `db:"id"`
	TenantID      uuid.UUID       `db:"tenant_id"`
	Provider      string          `db:"provider"`
	ExternalID    string          `db:"external_id"`
	CanonicalID   uuid.UUID       `db:"canonical_id"`
	RoleHint      string          `db:"role_hint"`
	Email         string          `db:"email"`
	Username      string          `db:"username"`
	StudentNumber string          `db:"student_number"`
	StaffID       string          `db:"staff_id"`
	LearnerID     *uuid.UUID      `db:"learner_id"`
	HasConflict   bool            `db:"has_conflict"`
	ConflictType  string          `db:"conflict_type"`
	IsActive      bool            `db:"is_active"`
	RawPayload    json.RawMessage `db:"raw_payload"`
	LastSyncedAt  time.Time       `db:"last_synced_at"`
	LastSyncRunID *uuid.UUID      `db:"last_sync_run_id"`
	CreatedAt     time.Time       `db:"created_at"`
}

// EnrollmentMappingRecord is one roster.enrollment_mappings row.
type EnrollmentMappingRecord struct {
	ID              uuid.UUID       `db:"id"`
	TenantID        uuid.UUID       `db:"tenant_id"`
	Provider        string          `db:"provider"`
	ExternalUserID  string          `db:"external_user_id"`
	ExternalClassID string          `db:"external_class_id"`
	CanonicalID     uuid.UUID       `db:"canonical_id"`
	Role            string          `db:"role"`
	IsPrimary       bool            `db:"is_primary"`
	BeginDate       *time.Time      `db:"begin_date"`
	EndDate         *time.Time      `db:"end_date"`
	IsActive        bool            `db:"is_active"`
	RawPayload      json.RawMessage `db:"raw_payload"`
	LastSyncedAt    time.Time       `db:"last_synced_at"`
	LastSyncRunID   *uuid.UUID      `db:"last_sync_run_id"`
	CreatedAt       time.Time       `db:"created_at"`
}

// MappingStore provides access to the four mapping tables.
type MappingStore struct {
	pool *pgxpool.Pool
}

// NewMappingStore creates a store; assumes the roster schema already exists.
func NewMappingStore(pool *pgxpool.Pool) (*MappingStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &MappingStore{pool: pool}, nil
}

const schoolMappingColumns = `id, tenant_id, provider, external_id, canonical_id, name,
    school_number, is_active, raw_payload, last_synced_at, last_sync_run_id, created_at`

func (s *MappingStore) GetSchool(ctx context.Context, tenantID uuid.UUID, provider, externalID string) (SchoolMappingRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE tenant_id = $1 AND provider = $2 AND external_id = $3`,
		schoolMappingColumns, SchoolMappingsTable)
	return scanSchoolMapping(s.pool.QueryRow(ctx, query, tenantID, provider, externalID))
}

func (s *MappingStore) UpsertSchool(ctx context.Context, rec SchoolMappingRecord) (SchoolMappingRecord, error) {
	query := fmt.Sprintf(`
        INSERT INTO %s (
            id, tenant_id, provider, external_id, canonical_id, name,
            school_number, is_active, raw_payload, last_synced_at, last_sync_run_id, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT (tenant_id, provider, external_id) DO UPDATE SET
            name = EXCLUDED.name,
            school_number = EXCLUDED.school_number,
            is_active = EXCLUDED.is_active,
            raw_payload = EXCLUDED.raw_payload,
            last_synced_at = EXCLUDED.last_synced_at,
            last_sync_run_id = EXCLUDED.last_sync_run_id
        RETURNING %s`, SchoolMappingsTable, schoolMappingColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.ID, rec.TenantID, rec.Provider, rec.ExternalID, rec.CanonicalID, rec.Name,
		rec.SchoolNumber, rec.IsActive, rec.RawPayload, rec.LastSyncedAt, rec.LastSyncRunID, rec.CreatedAt,
	)
	return scanSchoolMapping(row)
}

const classMappingColumns = `id, tenant_id, provider, external_id, canonical_id, external_school_id,
    name, subject, period, grade, is_active, raw_payload, last_synced_at, last_sync_run_id, created_at`

func (s *MappingStore) GetClass(ctx context.Context, tenantID uuid.UUID, provider, externalID string) (ClassMappingRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE tenant_id = $1 AND provider = $2 AND external_id = $3`,
		classMappingColumns, ClassMappingsTable)
	return scanClassMapping(s.pool.QueryRow(ctx, query, tenantID, provider, externalID))
}

func (s *MappingStore) UpsertClass(ctx context.Context, rec ClassMappingRecord) (ClassMappingRecord, error) {
	query := fmt.Sprintf(`
        INSERT INTO %s (
            id, tenant_id, provider, external_id, canonical_id, external_school_id,
            name, subject, period, grade, is_active, raw_payload, last_synced_at, last_sync_run_id, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
        ON CONFLICT (tenant_id, provider, external_id) DO UPDATE SET
            external_school_id = EXCLUDED.external_school_id,
            name = EXCLUDED.name,
            subject = EXCLUDED.subject,
            period = EXCLUDED.period,
            grade = EXCLUDED.grade,
            is_active = EXCLUDED.is_active,
            raw_payload = EXCLUDED.raw_payload,
            last_synced_at = EXCLUDED.last_synced_at,
            last_sync_run_id = EXCLUDED.last_sync_run_id
        RETURNING %s`, ClassMappingsTable, classMappingColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.ID, rec.TenantID, rec.Provider, rec.ExternalID, rec.CanonicalID, rec.ExternalSchoolID,
		rec.Name, rec.Subject, rec.Period, rec.Grade, rec.IsActive, rec.RawPayload,
		rec.LastSyncedAt, rec.LastSyncRunID, rec.CreatedAt,
	)
	return scanClassMapping(row)
}

const userMappingColumns = `id, tenant_id, provider, external_id, canonical_id, role_hint, email,
    username, student_number, staff_id, learner_id, has_conflict, conflict_type,
    is_active, raw_payload, last_synced_at, last_sync_run_id, created_at`

func (s *MappingStore) GetUser(ctx context.Context, tenantID uuid.UUID, provider, externalID string) (UserMappingRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE tenant_id = $1 AND provider = $2 AND external_id = $3`,
		userMappingColumns, UserMappingsTable)
	return scanUserMapping(s.pool.QueryRow(ctx, query, tenantID, provider, externalID))
}

func (s *MappingStore) UpsertUser(ctx context.Context, rec UserMappingRecord) (UserMappingRecord, error) {
	query := fmt.Sprintf(`
        INSERT INTO %s (
            id, tenant_id, provider, external_id, canonical_id, role_hint, email,
            username, student_number, staff_id, learner_id, has_conflict, conflict_type,
            is_active, raw_payload, last_synced_at, last_sync_run_id, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
        ON CONFLICT (tenant_id, provider, external_id) DO UPDATE SET
            canonical_id = EXCLUDED.canonical_id,
            role_hint = EXCLUDED.role_hint,
            email = EXCLUDED.email,
            username = EXCLUDED.username,
            student_number = EXCLUDED.student_number,
            staff_id = EXCLUDED.staff_id,
            learner_id = EXCLUDED.learner_id,
            has_conflict = EXCLUDED.has_conflict,
            conflict_type = EXCLUDED.conflict_type,
            is_active = EXCLUDED.is_active,
            raw_payload = EXCLUDED.raw_payload,
            last_synced_at = EXCLUDED.last_synced_at,
            last_sync_run_id = EXCLUDED.last_sync_run_id
        RETURNING %s`, UserMappingsTable, userMappingColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.ID, rec.TenantID, rec.Provider, rec.ExternalID, rec.CanonicalID, rec.RoleHint, rec.Email,
		rec.Username, rec.StudentNumber, rec.StaffID, rec.LearnerID, rec.HasConflict, rec.ConflictType,
		rec.IsActive, rec.RawPayload, rec.LastSyncedAt, rec.LastSyncRunID, rec.CreatedAt,
	)
	return scanUserMapping(row)
}

const enrollmentMappingColumns = `id, tenant_id, provider, external_user_id, external_class_id,
    canonical_id, role, is_primary, begin_date, end_date, is_active, raw_payload,
    last_synced_at, last_sync_run_id, created_at`

func (s *MappingStore) GetEnrollment(ctx context.Context, tenantID uuid.UUID, provider, externalUserID, externalClassID string) (EnrollmentMappingRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE tenant_id = $1 AND provider = $2 AND external_user_id = $3 AND external_class_id = $4`,
		enrollmentMappingColumns, EnrollmentMappingsTable)
	return scanEnrollmentMapping(s.pool.QueryRow(ctx, query, tenantID, provider, externalUserID, externalClassID))
}

func (s *MappingStore) UpsertEnrollment(ctx context.Context, rec EnrollmentMappingRecord) (EnrollmentMappingRecord, error) {
	query := fmt.Sprintf(`
        INSERT INTO %s (
            id, tenant_id, provider, external_user_id, external_class_id,
            canonical_id, role, is_primary, begin_date, end_date, is_active, raw_payload,
            last_synced_at, last_sync_run_id, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
        ON CONFLICT (tenant_id, provider, external_user_id, external_class_id) DO UPDATE SET
            role = EXCLUDED.role,
            is_primary = EXCLUDED.is_primary,
            begin_date = EXCLUDED.begin_date,
            end_date = EXCLUDED.end_date,
            is_active = EXCLUDED.is_active,
            raw_payload = EXCLUDED.raw_payload,
            last_synced_at = EXCLUDED.last_synced_at,
            last_sync_run_id = EXCLUDED.last_sync_run_id
        RETURNING %s`, EnrollmentMappingsTable, enrollmentMappingColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.ID, rec.TenantID, rec.Provider, rec.ExternalUserID, rec.ExternalClassID,
		rec.CanonicalID, rec.Role, rec.IsPrimary, rec.BeginDate, rec.EndDate, rec.IsActive,
		rec.RawPayload, rec.LastSyncedAt, rec.LastSyncRunID, rec.CreatedAt,
	)
	return scanEnrollmentMapping(row)
}

// ListActiveExternalIDs returns the active external ids for a single-id
// mapping table (schools, classes or users), sorted for stable sweeps.
func (s *MappingStore) ListActiveExternalIDs(ctx context.Context, tenantID uuid.UUID, provider, table string) ([]string, error) {
	switch table {
	case SchoolMappingsTable, ClassMappingsTable, UserMappingsTable:
	default:
		return nil, fmt.Errorf("unknown mapping table %q", table)
	}

	query := fmt.Sprintf(`SELECT external_id FROM %s
        WHERE tenant_id = $1 AND provider = $2 AND is_active = TRUE
        ORDER BY external_id`, table)
	return scanStrings(s.pool.Query(ctx, query, tenantID, provider))
}

// ListActiveEnrollmentKeys returns "externalUserID|externalClassID" composites
// for every active enrollment mapping.
func (s *MappingStore) ListActiveEnrollmentKeys(ctx context.Context, tenantID uuid.UUID, provider string) ([]string, error) {
	query := fmt.Sprintf(`SELECT external_user_id || '|' || external_class_id FROM %s
        WHERE tenant_id = $1 AND provider = $2 AND is_active = TRUE
        ORDER BY 1`, EnrollmentMappingsTable)
	return scanStrings(s.pool.Query(ctx, query, tenantID, provider))
}

// DeactivateByExternalID soft-deletes one mapping in a single-id table.
func (s *MappingStore) DeactivateByExternalID(ctx context.Context, tenantID uuid.UUID, provider, table, externalID string) error {
	switch table {
	case SchoolMappingsTable, ClassMappingsTable, UserMappingsTable:
	default:
		return fmt.Errorf("unknown mapping table %q", table)
	}

	query := fmt.Sprintf(`UPDATE %s SET is_active = FALSE, last_synced_at = now()
        WHERE tenant_id = $1 AND provider = $2 AND external_id = $3`, table)
	tag, err := s.pool.Exec(ctx, query, tenantID, provider, externalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateEnrollment soft-deletes one enrollment mapping.
func (s *MappingStore) DeactivateEnrollment(ctx context.Context, tenantID uuid.UUID, provider, externalUserID, externalClassID string) error {
	query := fmt.Sprintf(`UPDATE %s SET is_active = FALSE, last_synced_at = now()
        WHERE tenant_id = $1 AND provider = $2 AND external_user_id = $3 AND external_class_id = $4`,
		EnrollmentMappingsTable)
	tag, err := s.pool.Exec(ctx, query, tenantID, provider, externalUserID, externalClassID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReassignCanonicalUser repoints user mappings from one canonical id to
// another within a tenant. Returns the number of mappings moved.
func (s *MappingStore) ReassignCanonicalUser(ctx context.Context, tenantID, from, to uuid.UUID) (int, error) {
	query := fmt.Sprintf(`UPDATE %s SET canonical_id = $3, last_synced_at = now()
        WHERE tenant_id = $1 AND canonical_id = $2`, UserMappingsTable)
	tag, err := s.pool.Exec(ctx, query, tenantID, from, to)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanSchoolMapping(row pgx.Row) (SchoolMappingRecord, error) {
	var rec SchoolMappingRecord
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Provider, &rec.ExternalID, &rec.CanonicalID,
		&rec.Name, &rec.SchoolNumber, &rec.IsActive, &rec.RawPayload, &rec.LastSyncedAt,
		&rec.LastSyncRunID, &rec.CreatedAt)
	if err != nil {
		return SchoolMappingRecord{}, mapNoRows(err)
	}
	return rec, nil
}

func scanClassMapping(row pgx.Row) (ClassMappingRecord, error) {
	var rec ClassMappingRecord
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Provider, &rec.ExternalID, &rec.CanonicalID,
		&rec.ExternalSchoolID, &rec.Name, &rec.Subject, &rec.Period, &rec.Grade, &rec.IsActive,
		&rec.RawPayload, &rec.LastSyncedAt, &rec.LastSyncRunID, &rec.CreatedAt)
	if err != nil {
		return ClassMappingRecord{}, mapNoRows(err)
	}
	return rec, nil
}

func scanUserMapping(row pgx.Row) (UserMappingRecord, error) {
	var rec UserMappingRecord
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Provider, &rec.ExternalID, &rec.CanonicalID,
		&rec.RoleHint, &rec.Email, &rec.Username, &rec.StudentNumber, &rec.StaffID, &rec.LearnerID,
		&rec.HasConflict, &rec.ConflictType, &rec.IsActive, &rec.RawPayload, &rec.LastSyncedAt,
		&rec.LastSyncRunID, &rec.CreatedAt)
	if err != nil {
		return UserMappingRecord{}, mapNoRows(err)
	}
	return rec, nil
}

func scanEnrollmentMapping(row pgx.Row) (EnrollmentMappingRecord, error) {
	var rec EnrollmentMappingRecord
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Provider, &rec.ExternalUserID, &rec.ExternalClassID,
		&rec.CanonicalID, &rec.Role, &rec.IsPrimary, &rec.BeginDate, &rec.EndDate, &rec.IsActive,
		&rec.RawPayload, &rec.LastSyncedAt, &rec.LastSyncRunID, &rec.CreatedAt)
	if err != nil {
		return EnrollmentMappingRecord{}, mapNoRows(err)
	}
	return rec, nil
}

func scanStrings(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
