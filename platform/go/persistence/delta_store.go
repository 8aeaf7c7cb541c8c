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

// DeltaSyncStateTable defines the fully-qualified incremental sync state table.
const DeltaSyncStateTable = "roster.delta_sync_state"

// DeltaSyncStateRecord is the single roster.delta_sync_state row per
// (tenant, provider). Cursors is an opaque JSON document.
type DeltaSyncStateRecord struct {
	TenantID         uuid.UUID  `db:"tenant_id"`
	Provider         string     `db:"provider"`
	Status           string     `db:"status"`
	LastSyncTime     *time.Time `db:"last_sync_time"`
	LastDeltaToken   string     `db:"last_delta_token"`
	LastFullSyncTime *time.Time `db:"last_full_sync_time"`
	Cursors          []byte     `db:"cursors"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// DeltaStateStore provides access to the incremental sync cursor rows.
type DeltaStateStore struct {
	pool *pgxpool.Pool
}

// NewDeltaStateStore creates a store; assumes the roster schema already exists.
func NewDeltaStateStore(pool *pgxpool.Pool) (*DeltaStateStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &DeltaStateStore{pool: pool}, nil
}

const deltaStateColumns = `tenant_id, provider, status, last_sync_time,
    last_delta_token, last_full_sync_time, cursors, updated_at`

func (s *DeltaStateStore) Get(ctx context.Context, tenantID uuid.UUID, provider string) (DeltaSyncStateRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 AND provider = $2`,
		deltaStateColumns, DeltaSyncStateTable)
	return scanDeltaState(s.pool.QueryRow(ctx, query, tenantID, provider))
}

// Save upserts the cursor row keyed on (tenant_id, provider).
func (s *DeltaStateStore) Save(ctx context.Context, rec DeltaSyncStateRecord) (DeltaSyncStateRecord, error) {
	query := fmt.Sprintf(`
        INSERT INTO %s (
            tenant_id, provider, status, last_sync_time,
            last_delta_token, last_full_sync_time, cursors, updated_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,now())
        ON CONFLICT (tenant_id, provider) DO UPDATE SET
            status = EXCLUDED.status,
            last_sync_time = EXCLUDED.last_sync_time,
            last_delta_token = EXCLUDED.last_delta_token,
            last_full_sync_time = EXCLUDED.last_full_sync_time,
            cursors = EXCLUDED.cursors,
            updated_at = now()
        RETURNING %s`, DeltaSyncStateTable, deltaStateColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.TenantID, rec.Provider, rec.Status, rec.LastSyncTime,
		rec.LastDeltaToken, rec.LastFullSyncTime, jsonOrDefault(rec.Cursors, "{}"),
	)
	return scanDeltaState(row)
}

func scanDeltaState(row pgx.Row) (DeltaSyncStateRecord, error) {
	var rec DeltaSyncStateRecord
	err := row.Scan(&rec.TenantID, &rec.Provider, &rec.Status, &rec.LastSyncTime,
		&rec.LastDeltaToken, &rec.LastFullSyncTime, &rec.Cursors, &rec.UpdatedAt)
	if err != nil {
		return DeltaSyncStateRecord{}, mapNoRows(err)
	}
	return rec, nil
}
