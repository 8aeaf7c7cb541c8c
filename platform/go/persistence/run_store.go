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

// SyncRunsTable defines the fully-qualified run history table.
const SyncRunsTable = "roster.sync_runs"

// SyncRunRecord is one roster.sync_runs row. Stats, ErrorLog and Warnings are
// opaque JSON documents owned by the sync service.
type SyncRunRecord struct {
	ID          uuid.UUID  `db:"id"`
	TenantID    uuid.UUID  `db:"tenant_id"`
	Provider    string     `db:"provider"`
	Status      string     `db:"status"`
	FullSync    bool       `db:"full_sync"`
	TriggerSrc  string     `db:"trigger_src"`
	TriggeredBy string     `db:"triggered_by"`
	Stats       []byte     `db:"stats"`
	ErrorLog    []byte     `db:"error_log"`
	Warnings    []byte     `db:"warnings"`
	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// RunStore provides access to the sync run history.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a store; assumes the roster schema already exists.
func NewRunStore(pool *pgxpool.Pool) (*RunStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

const syncRunColumns = `id, tenant_id, provider, status, full_sync, trigger_src,
    triggered_by, stats, error_log, warnings, started_at, completed_at`

func (s *RunStore) Create(ctx context.Context, rec SyncRunRecord) (SyncRunRecord, error) {
	query := fmt.Sprintf(`
        INSERT INTO %s (
            id, tenant_id, provider, status, full_sync, trigger_src,
            triggered_by, stats, error_log, warnings, started_at, completed_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        RETURNING %s`, SyncRunsTable, syncRunColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.ID, rec.TenantID, rec.Provider, rec.Status, rec.FullSync, rec.TriggerSrc,
		rec.TriggeredBy, jsonOrDefault(rec.Stats, "{}"), jsonOrDefault(rec.ErrorLog, "[]"),
		jsonOrDefault(rec.Warnings, "[]"), rec.StartedAt, rec.CompletedAt,
	)
	return scanSyncRun(row)
}

func (s *RunStore) Update(ctx context.Context, rec SyncRunRecord) (SyncRunRecord, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET
            status = $3,
            full_sync = $4,
            stats = $5,
            error_log = $6,
            warnings = $7,
            completed_at = $8
        WHERE tenant_id = $1 AND id = $2
        RETURNING %s`, SyncRunsTable, syncRunColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.TenantID, rec.ID, rec.Status, rec.FullSync,
		jsonOrDefault(rec.Stats, "{}"), jsonOrDefault(rec.ErrorLog, "[]"),
		jsonOrDefault(rec.Warnings, "[]"), rec.CompletedAt,
	)
	return scanSyncRun(row)
}

func (s *RunStore) Get(ctx context.Context, tenantID, id uuid.UUID) (SyncRunRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND id = $2`,
		syncRunColumns, SyncRunsTable)
	return scanSyncRun(s.pool.QueryRow(ctx, query, tenantID, id))
}

// Latest returns the most recently started run for the scope.
func (s *RunStore) Latest(ctx context.Context, tenantID uuid.UUID, provider string) (SyncRunRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE tenant_id = $1 AND provider = $2
        ORDER BY started_at DESC, id DESC
        LIMIT 1`, syncRunColumns, SyncRunsTable)
	return scanSyncRun(s.pool.QueryRow(ctx, query, tenantID, provider))
}

// List returns paginated run history, newest first, with total count.
func (s *RunStore) List(ctx context.Context, tenantID uuid.UUID, provider string, limit, offset int) ([]SyncRunRecord, int, error) {
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant_id = $1 AND provider = $2`, SyncRunsTable)
	var total int
	if err := s.pool.QueryRow(ctx, countQuery, tenantID, provider).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE tenant_id = $1 AND provider = $2
        ORDER BY started_at DESC, id DESC
        LIMIT %d OFFSET %d`, syncRunColumns, SyncRunsTable, limit, offset)

	rows, err := s.pool.Query(ctx, query, tenantID, provider)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []SyncRunRecord
	for rows.Next() {
		rec, err := scanSyncRun(rows)
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

func scanSyncRun(row pgx.Row) (SyncRunRecord, error) {
	var rec SyncRunRecord
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Provider, &rec.Status, &rec.FullSync,
		&rec.TriggerSrc, &rec.TriggeredBy, &rec.Stats, &rec.ErrorLog, &rec.Warnings,
		&rec.StartedAt, &rec.CompletedAt)
	if err != nil {
		return SyncRunRecord{}, mapNoRows(err)
	}
	return rec, nil
}

func jsonOrDefault(doc []byte, fallback string) []byte {
	if len(doc) == 0 {
		return []byte(fallback)
	}
	return doc
}
