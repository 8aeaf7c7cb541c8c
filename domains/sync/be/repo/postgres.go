package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/classtab/roster-sync/domains/sync/be/service"
	"github.com/classtab/roster-sync/platform/go/persistence"
	"github.com/classtab/roster-sync/platform/go/provider"
)

// PostgresMappings implements the mapping repository over the shared stores.
type PostgresMappings struct {
	store *persistence.MappingStore
}

// NewPostgresMappings constructs a mapping repository backed by MappingStore.
func NewPostgresMappings(store *persistence.MappingStore) *PostgresMappings {
	if store == nil {
		panic("mapping store is required")
	}
	return &PostgresMappings{store: store}
}

func (r *PostgresMappings) GetSchoolMapping(ctx context.Context, scope service.Scope, externalID string) (service.SchoolMapping, error) {
	rec, err := r.store.GetSchool(ctx, scope.TenantID, scope.Provider, externalID)
	if err != nil {
		return service.SchoolMapping{}, mapStoreErr(err)
	}
	return schoolFromRecord(rec), nil
}

func (r *PostgresMappings) UpsertSchoolMapping(ctx context.Context, m service.SchoolMapping) (service.SchoolMapping, error) {
	rec, err := r.store.UpsertSchool(ctx, schoolToRecord(m))
	if err != nil {
		return service.SchoolMapping{}, mapWriteErr(err)
	}
	return schoolFromRecord(rec), nil
}

func (r *PostgresMappings) GetClassMapping(ctx context.Context, scope service.Scope, externalID string) (service.ClassMapping, error) {
	rec, err := r.store.GetClass(ctx, scope.TenantID, scope.Provider, externalID)
	if err != nil {
		return service.ClassMapping{}, mapStoreErr(err)
	}
	return classFromRecord(rec), nil
}

func (r *PostgresMappings) UpsertClassMapping(ctx context.Context, m service.ClassMapping) (service.ClassMapping, error) {
	rec, err := r.store.UpsertClass(ctx, classToRecord(m))
	if err != nil {
		return service.ClassMapping{}, mapWriteErr(err)
	}
	return classFromRecord(rec), nil
}

func (r *PostgresMappings) GetUserMapping(ctx context.Context, scope service.Scope, externalID string) (service.UserMapping, error) {
	rec, err := r.store.GetUser(ctx, scope.TenantID, scope.Provider, externalID)
	if err != nil {
		return service.UserMapping{}, mapStoreErr(err)
	}
	return userFromRecord(rec), nil
}

func (r *PostgresMappings) UpsertUserMapping(ctx context.Context, m service.UserMapping) (service.UserMapping, error) {
	rec, err := r.store.UpsertUser(ctx, userToRecord(m))
	if err != nil {
		return service.UserMapping{}, mapWriteErr(err)
	}
	return userFromRecord(rec), nil
}

func (r *PostgresMappings) GetEnrollmentMapping(ctx context.Context, scope service.Scope, externalUserID, externalClassID string) (service.EnrollmentMapping, error) {
	rec, err := r.store.GetEnrollment(ctx, scope.TenantID, scope.Provider, externalUserID, externalClassID)
	if err != nil {
		return service.EnrollmentMapping{}, mapStoreErr(err)
	}
	return enrollmentFromRecord(rec), nil
}

func (r *PostgresMappings) UpsertEnrollmentMapping(ctx context.Context, m service.EnrollmentMapping) (service.EnrollmentMapping, error) {
	rec, err := r.store.UpsertEnrollment(ctx, enrollmentToRecord(m))
	if err != nil {
		return service.EnrollmentMapping{}, mapWriteErr(err)
	}
	return enrollmentFromRecord(rec), nil
}

func (r *PostgresMappings) ListActiveExternalKeys(ctx context.Context, scope service.Scope, entityType provider.EntityType) ([]string, error) {
	if entityType == provider.EntityTypeEnrollments {
		return r.store.ListActiveEnrollmentKeys(ctx, scope.TenantID, scope.Provider)
	}
	table, err := mappingTable(entityType)
	if err != nil {
		return nil, err
	}
	return r.store.ListActiveExternalIDs(ctx, scope.TenantID, scope.Provider, table)
}

func (r *PostgresMappings) DeactivateMapping(ctx context.Context, scope service.Scope, entityType provider.EntityType, externalKey string) error {
	if entityType == provider.EntityTypeEnrollments {
		userID, classID, ok := strings.Cut(externalKey, "|")
		if !ok {
			return fmt.Errorf("malformed enrollment key %q", externalKey)
		}
		return mapStoreErr(r.store.DeactivateEnrollment(ctx, scope.TenantID, scope.Provider, userID, classID))
	}
	table, err := mappingTable(entityType)
	if err != nil {
		return err
	}
	return mapStoreErr(r.store.DeactivateByExternalID(ctx, scope.TenantID, scope.Provider, table, externalKey))
}

func (r *PostgresMappings) ReassignCanonicalUser(ctx context.Context, tenantID uuid.UUID, from, to uuid.UUID) (int, error) {
	return r.store.ReassignCanonicalUser(ctx, tenantID, from, to)
}

// PostgresDirectory implements the canonical user directory over DirectoryStore.
type PostgresDirectory struct {
	store *persistence.DirectoryStore
}

// NewPostgresDirectory constructs a directory repository backed by DirectoryStore.
func NewPostgresDirectory(store *persistence.DirectoryStore) *PostgresDirectory {
	if store == nil {
		panic("directory store is required")
	}
	return &PostgresDirectory{store: store}
}

func (r *PostgresDirectory) GetUser(ctx context.Context, tenantID, id uuid.UUID) (service.CanonicalUser, error) {
	rec, err := r.store.Get(ctx, tenantID, id)
	if err != nil {
		return service.CanonicalUser{}, mapStoreErr(err)
	}
	return canonicalFromRecord(rec), nil
}

func (r *PostgresDirectory) UpsertUser(ctx context.Context, u service.CanonicalUser) (service.CanonicalUser, error) {
	rec, err := r.store.Upsert(ctx, canonicalToRecord(u))
	if err != nil {
		if errors.Is(err, persistence.ErrDuplicateEmail) {
			return service.CanonicalUser{}, service.ErrEmailTaken
		}
		return service.CanonicalUser{}, mapWriteErr(err)
	}
	return canonicalFromRecord(rec), nil
}

func (r *PostgresDirectory) FindUsersByEmail(ctx context.Context, tenantID uuid.UUID, email string) ([]service.CanonicalUser, error) {
	recs, err := r.store.FindByEmail(ctx, tenantID, email)
	if err != nil {
		return nil, err
	}
	return canonicalsFromRecords(recs), nil
}

func (r *PostgresDirectory) FindUsersByNameEmail(ctx context.Context, tenantID uuid.UUID, givenName, familyName, email string) ([]service.CanonicalUser, error) {
	recs, err := r.store.FindByNameEmail(ctx, tenantID, givenName, familyName, email)
	if err != nil {
		return nil, err
	}
	return canonicalsFromRecords(recs), nil
}

// PostgresRuns implements the run repository over RunStore.
type PostgresRuns struct {
	store *persistence.RunStore
}

// NewPostgresRuns constructs a run repository backed by RunStore.
func NewPostgresRuns(store *persistence.RunStore) *PostgresRuns {
	if store == nil {
		panic("run store is required")
	}
	return &PostgresRuns{store: store}
}

func (r *PostgresRuns) Create(ctx context.Context, run service.Run) (service.Run, error) {
	rec, err := runToRecord(run)
	if err != nil {
		return service.Run{}, err
	}
	out, err := r.store.Create(ctx, rec)
	if err != nil {
		return service.Run{}, mapWriteErr(err)
	}
	return runFromRecord(out)
}

func (r *PostgresRuns) Update(ctx context.Context, run service.Run) (service.Run, error) {
	rec, err := runToRecord(run)
	if err != nil {
		return service.Run{}, err
	}
	out, err := r.store.Update(ctx, rec)
	if err != nil {
		return service.Run{}, mapStoreErr(err)
	}
	return runFromRecord(out)
}

func (r *PostgresRuns) Get(ctx context.Context, tenantID, id uuid.UUID) (service.Run, error) {
	rec, err := r.store.Get(ctx, tenantID, id)
	if err != nil {
		return service.Run{}, mapStoreErr(err)
	}
	return runFromRecord(rec)
}

func (r *PostgresRuns) Latest(ctx context.Context, scope service.Scope) (service.Run, error) {
	rec, err := r.store.Latest(ctx, scope.TenantID, scope.Provider)
	if err != nil {
		return service.Run{}, mapStoreErr(err)
	}
	return runFromRecord(rec)
}

func (r *PostgresRuns) List(ctx context.Context, scope service.Scope, limit, offset int) ([]service.Run, int, error) {
	recs, total, err := r.store.List(ctx, scope.TenantID, scope.Provider, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	runs := make([]service.Run, 0, len(recs))
	for _, rec := range recs {
		run, err := runFromRecord(rec)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, nil
}

// PostgresDelta implements the delta state repository over DeltaStateStore.
type PostgresDelta struct {
	store *persistence.DeltaStateStore
}

// NewPostgresDelta constructs a delta state repository backed by DeltaStateStore.
func NewPostgresDelta(store *persistence.DeltaStateStore) *PostgresDelta {
	if store == nil {
		panic("delta state store is required")
	}
	return &PostgresDelta{store: store}
}

func (r *PostgresDelta) Get(ctx context.Context, scope service.Scope) (service.DeltaState, error) {
	rec, err := r.store.Get(ctx, scope.TenantID, scope.Provider)
	if err != nil {
		return service.DeltaState{}, mapStoreErr(err)
	}
	return deltaFromRecord(rec)
}

func (r *PostgresDelta) Save(ctx context.Context, s service.DeltaState) (service.DeltaState, error) {
	rec, err := deltaToRecord(s)
	if err != nil {
		return service.DeltaState{}, err
	}
	out, err := r.store.Save(ctx, rec)
	if err != nil {
		return service.DeltaState{}, mapWriteErr(err)
	}
	return deltaFromRecord(out)
}

func schoolToRecord(m service.SchoolMapping) persistence.SchoolMappingRecord {
	return persistence.SchoolMappingRecord{
		ID:            m.ID,
		TenantID:      m.TenantID,
		Provider:      m.Provider,
		ExternalID:    m.ExternalID,
		CanonicalID:   m.CanonicalID,
		Name:          m.Name,
		SchoolNumber:  m.Number,
		IsActive:      m.IsActive,
		RawPayload:    m.Raw,
		LastSyncedAt:  m.LastSyncedAt,
		LastSyncRunID: uuidPtr(m.LastSyncRunID),
		CreatedAt:     m.CreatedAt,
	}
}

func schoolFromRecord(rec persistence.SchoolMappingRecord) service.SchoolMapping {
	return service.SchoolMapping{
		ID:            rec.ID,
		TenantID:      rec.TenantID,
		Provider:      rec.Provider,
		ExternalID:    rec.ExternalID,
		CanonicalID:   rec.CanonicalID,
		Name:          rec.Name,
		Number:        rec.SchoolNumber,
		IsActive:      rec.IsActive,
		Raw:           rec.RawPayload,
		LastSyncedAt:  rec.LastSyncedAt,
		LastSyncRunID: uuidVal(rec.LastSyncRunID),
		CreatedAt:     rec.CreatedAt,
	}
}

func classToRecord(m service.ClassMapping) persistence.ClassMappingRecord {
	return persistence.ClassMappingRecord{
		ID:               m.ID,
		TenantID:         m.TenantID,
		Provider:         m.Provider,
		ExternalID:       m.ExternalID,
		CanonicalID:      m.CanonicalID,
		ExternalSchoolID: m.ExternalSchoolID,
		Name:             m.Name,
		Subject:          m.Subject,
		Period:           m.Period,
		Grade:            m.Grade,
		IsActive:         m.IsActive,
		RawPayload:       m.Raw,
		LastSyncedAt:     m.LastSyncedAt,
		LastSyncRunID:    uuidPtr(m.LastSyncRunID),
		CreatedAt:        m.CreatedAt,
	}
}

func classFromRecord(rec persistence.ClassMappingRecord) service.ClassMapping {
	return service.ClassMapping{
		ID:               rec.ID,
		TenantID:         rec.TenantID,
		Provider:         rec.Provider,
		ExternalID:       rec.ExternalID,
		CanonicalID:      rec.CanonicalID,
		ExternalSchoolID: rec.ExternalSchoolID,
		Name:             rec.Name,
		Subject:          rec.Subject,
		Period:           rec.Period,
		Grade:            rec.Grade,
		IsActive:         rec.IsActive,
		Raw:              rec.RawPayload,
		LastSyncedAt:     rec.LastSyncedAt,
		LastSyncRunID:    uuidVal(rec.LastSyncRunID),
		CreatedAt:        rec.CreatedAt,
	}
}

func userToRecord(m service.UserMapping) persistence.UserMappingRecord {
	return persistence.UserMappingRecord{
		ID:            m.ID,
		TenantID:      m.TenantID,
		Provider:      m.Provider,
		ExternalID:    m.ExternalID,
		CanonicalID:   m.CanonicalID,
		RoleHint:      string(m.RoleHint),
		Email:         m.Email,
		Username:      m.Username,
		StudentNumber: m.StudentNumber,
		StaffID:       m.StaffID,
		LearnerID:     m.LearnerID,
		HasConflict:   m.HasConflict,
		ConflictType:  m.ConflictType,
		IsActive:      m.IsActive,
		RawPayload:    m.Raw,
		LastSyncedAt:  m.LastSyncedAt,
		LastSyncRunID: uuidPtr(m.LastSyncRunID),
		CreatedAt:     m.CreatedAt,
	}
}

func userFromRecord(rec persistence.UserMappingRecord) service.UserMapping {
	return service.UserMapping{
		ID:            rec.ID,
		TenantID:      rec.TenantID,
		Provider:      rec.Provider,
		ExternalID:    rec.ExternalID,
		CanonicalID:   rec.CanonicalID,
		RoleHint:      provider.UserRole(rec.RoleHint),
		Email:         rec.Email,
		Username:      rec.Username,
		StudentNumber: rec.StudentNumber,
		StaffID:       rec.StaffID,
		LearnerID:     rec.LearnerID,
		HasConflict:   rec.HasConflict,
		ConflictType:  rec.ConflictType,
		IsActive:      rec.IsActive,
		Raw:           rec.RawPayload,
		LastSyncedAt:  rec.LastSyncedAt,
		LastSyncRunID: uuidVal(rec.LastSyncRunID),
		CreatedAt:     rec.CreatedAt,
	}
}

func enrollmentToRecord(m service.EnrollmentMapping) persistence.EnrollmentMappingRecord {
	return persistence.EnrollmentMappingRecord{
		ID:              m.ID,
		TenantID:        m.TenantID,
		Provider:        m.Provider,
		ExternalUserID:  m.ExternalUserID,
		ExternalClassID: m.ExternalClassID,
		CanonicalID:     m.CanonicalID,
		Role:            string(m.Role),
		IsPrimary:       m.Primary,
		BeginDate:       m.BeginDate,
		EndDate:         m.EndDate,
		IsActive:        m.IsActive,
		RawPayload:      m.Raw,
		LastSyncedAt:    m.LastSyncedAt,
		LastSyncRunID:   uuidPtr(m.LastSyncRunID),
		CreatedAt:       m.CreatedAt,
	}
}

func enrollmentFromRecord(rec persistence.EnrollmentMappingRecord) service.EnrollmentMapping {
	return service.EnrollmentMapping{
		ID:              rec.ID,
		TenantID:        rec.TenantID,
		Provider:        rec.Provider,
		ExternalUserID:  rec.ExternalUserID,
		ExternalClassID: rec.ExternalClassID,
		CanonicalID:     rec.CanonicalID,
		Role:            provider.EnrollmentRole(rec.Role),
		Primary:         rec.IsPrimary,
		BeginDate:       rec.BeginDate,
		EndDate:         rec.EndDate,
		IsActive:        rec.IsActive,
		Raw:             rec.RawPayload,
		LastSyncedAt:    rec.LastSyncedAt,
		LastSyncRunID:   uuidVal(rec.LastSyncRunID),
		CreatedAt:       rec.CreatedAt,
	}
}

func canonicalToRecord(u service.CanonicalUser) persistence.CanonicalUserRecord {
	return persistence.CanonicalUserRecord{
		ID:            u.ID,
		TenantID:      u.TenantID,
		Email:         u.Email,
		GivenName:     u.GivenName,
		FamilyName:    u.FamilyName,
		Role:          string(u.Role),
		StudentNumber: u.StudentNumber,
		StaffID:       u.StaffID,
		IsActive:      u.IsActive,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func canonicalFromRecord(rec persistence.CanonicalUserRecord) service.CanonicalUser {
	return service.CanonicalUser{
		ID:            rec.ID,
		TenantID:      rec.TenantID,
		Email:         rec.Email,
		GivenName:     rec.GivenName,
		FamilyName:    rec.FamilyName,
		Role:          provider.UserRole(rec.Role),
		StudentNumber: rec.StudentNumber,
		StaffID:       rec.StaffID,
		IsActive:      rec.IsActive,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func canonicalsFromRecords(recs []persistence.CanonicalUserRecord) []service.CanonicalUser {
	out := make([]service.CanonicalUser, 0, len(recs))
	for _, rec := range recs {
		out = append(out, canonicalFromRecord(rec))
	}
	return out
}

func runToRecord(run service.Run) (persistence.SyncRunRecord, error) {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return persistence.SyncRunRecord{}, fmt.Errorf("encode run stats: %w", err)
	}
	errorLog, err := json.Marshal(run.Errors)
	if err != nil {
		return persistence.SyncRunRecord{}, fmt.Errorf("encode run errors: %w", err)
	}
	warnings, err := json.Marshal(run.Warnings)
	if err != nil {
		return persistence.SyncRunRecord{}, fmt.Errorf("encode run warnings: %w", err)
	}
	return persistence.SyncRunRecord{
		ID:          run.ID,
		TenantID:    run.TenantID,
		Provider:    run.Provider,
		Status:      string(run.Status),
		FullSync:    run.FullSync,
		TriggerSrc:  string(run.Trigger),
		TriggeredBy: run.TriggeredBy,
		Stats:       stats,
		ErrorLog:    errorLog,
		Warnings:    warnings,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}, nil
}

func runFromRecord(rec persistence.SyncRunRecord) (service.Run, error) {
	run := service.Run{
		ID:          rec.ID,
		TenantID:    rec.TenantID,
		Provider:    rec.Provider,
		Status:      service.RunStatus(rec.Status),
		FullSync:    rec.FullSync,
		Trigger:     service.TriggerSource(rec.TriggerSrc),
		TriggeredBy: rec.TriggeredBy,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
	if len(rec.Stats) > 0 {
		if err := json.Unmarshal(rec.Stats, &run.Stats); err != nil {
			return service.Run{}, fmt.Errorf("decode run stats: %w", err)
		}
	}
	if len(rec.ErrorLog) > 0 {
		if err := json.Unmarshal(rec.ErrorLog, &run.Errors); err != nil {
			return service.Run{}, fmt.Errorf("decode run errors: %w", err)
		}
	}
	if len(rec.Warnings) > 0 {
		if err := json.Unmarshal(rec.Warnings, &run.Warnings); err != nil {
			return service.Run{}, fmt.Errorf("decode run warnings: %w", err)
		}
	}
	return run, nil
}

func deltaToRecord(s service.DeltaState) (persistence.DeltaSyncStateRecord, error) {
	cursors, err := json.Marshal(s.Cursors)
	if err != nil {
		return persistence.DeltaSyncStateRecord{}, fmt.Errorf("encode delta cursors: %w", err)
	}
	return persistence.DeltaSyncStateRecord{
		TenantID:         s.TenantID,
		Provider:         s.Provider,
		Status:           string(s.Status),
		LastSyncTime:     s.LastSyncTime,
		LastDeltaToken:   s.LastDeltaToken,
		LastFullSyncTime: s.LastFullSyncTime,
		Cursors:          cursors,
		UpdatedAt:        s.UpdatedAt,
	}, nil
}

func deltaFromRecord(rec persistence.DeltaSyncStateRecord) (service.DeltaState, error) {
	state := service.DeltaState{
		TenantID:         rec.TenantID,
		Provider:         rec.Provider,
		Status:           service.DeltaStatus(rec.Status),
		LastSyncTime:     rec.LastSyncTime,
		LastDeltaToken:   rec.LastDeltaToken,
		LastFullSyncTime: rec.LastFullSyncTime,
		UpdatedAt:        rec.UpdatedAt,
	}
	if len(rec.Cursors) > 0 {
		if err := json.Unmarshal(rec.Cursors, &state.Cursors); err != nil {
			return service.DeltaState{}, fmt.Errorf("decode delta cursors: %w", err)
		}
	}
	return state, nil
}

func mappingTable(entityType provider.EntityType) (string, error) {
	switch entityType {
	case provider.EntityTypeSchools:
		return persistence.SchoolMappingsTable, nil
	case provider.EntityTypeClasses:
		return persistence.ClassMappingsTable, nil
	case provider.EntityTypeUsers:
		return persistence.UserMappingsTable, nil
	default:
		return "", fmt.Errorf("no mapping table for entity type %q", entityType)
	}
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func uuidVal(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

func mapStoreErr(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return service.ErrNotFound
	}
	return err
}

func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("mapping constraint %s violated: %w", pgErr.ConstraintName, err)
	}
	return err
}

// Ensure interface compliance.
var (
	_ service.MappingRepository    = (*PostgresMappings)(nil)
	_ service.DirectoryRepository  = (*PostgresDirectory)(nil)
	_ service.RunRepository        = (*PostgresRuns)(nil)
	_ service.DeltaStateRepository = (*PostgresDelta)(nil)
)
