// Package service implements the roster reconciliation engine: identity
// resolution, idempotent upserts, deactivation sweeps, delta application,
// sync run tracking and per-provider single-flight scheduling.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	conflictsvc "github.com/classtab/roster-sync/domains/conflicts/be/service"
	"github.com/classtab/roster-sync/platform/go/provider"
)

// Errors returned by the service layer.
var (
	ErrNotFound            = errors.New("not found")
	ErrSyncInProgress      = errors.New("sync already in progress")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrEmailTaken is returned by directory writes that would give two
	// active canonical users the same email within a tenant.
	ErrEmailTaken = errors.New("email already held by another canonical user")
)

// RunStatus is the lifecycle state of one sync run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "PENDING"
	RunStatusInProgress RunStatus = "IN_PROGRESS"
	RunStatusSuccess    RunStatus = "SUCCESS"
	RunStatusPartial    RunStatus = "PARTIAL"
	RunStatusFailure    RunStatus = "FAILURE"
	RunStatusCancelled  RunStatus = "CANCELLED"
)

// TriggerSource records how a run came to be.
type TriggerSource string

const (
	TriggerSchedule TriggerSource = "schedule"
	TriggerManual   TriggerSource = "manual"
)

// TypeStats counts what happened to one entity type during a run.
type TypeStats struct {
	Fetched     int `json:"fetched"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Deactivated int `json:"deactivated"`
	Errors      int `json:"errors"`
}

// RunError is one recoverable per-entity failure captured on the run.
type RunError struct {
	EntityType provider.EntityType `json:"entityType"`
	ExternalID string              `json:"externalId"`
	Message    string              `json:"message"`
}

// Run is the lifecycle record of one synchronization attempt.
type Run struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Provider    string
	Status      RunStatus
	FullSync    bool
	Trigger     TriggerSource
	TriggeredBy string
	Stats       map[provider.EntityType]*TypeStats
	Errors      []RunError
	Warnings    []string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// StatsFor returns the stats bucket for an entity type, allocating on demand.
func (r *Run) StatsFor(t provider.EntityType) *TypeStats {
	if r.Stats == nil {
		r.Stats = make(map[provider.EntityType]*TypeStats)
	}
	s, ok := r.Stats[t]
	if !ok {
		s = &TypeStats{}
		r.Stats[t] = s
	}
	return s
}

// DeltaStatus is the incremental-sync state of a (tenant, provider) pair.
type DeltaStatus string

const (
	DeltaStatusIdle    DeltaStatus = "idle"
	DeltaStatusRunning DeltaStatus = "running"
	DeltaStatusError   DeltaStatus = "error"
)

// DeltaState is the persisted cursor row for one (tenant, provider).
type DeltaState struct {
	TenantID         uuid.UUID
	Provider         string
	Status           DeltaStatus
	LastSyncTime     *time.Time
	LastDeltaToken   string
	LastFullSyncTime *time.Time
	Cursors          map[string]string
	UpdatedAt        time.Time
}

// Scope identifies the (tenant, provider) pair every mapping and run hangs off.
type Scope struct {
	TenantID uuid.UUID
	Provider string
}

// SchoolMapping bridges an external school id to its canonical id.
type SchoolMapping struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Provider      string
	ExternalID    string
	CanonicalID   uuid.UUID
	Name          string
	Number        string
	IsActive      bool
	Raw           json.RawMessage
	LastSyncedAt  time.Time
	LastSyncRunID uuid.UUID
	CreatedAt     time.Time
}

// ClassMapping bridges an external class id to its canonical id.
type ClassMapping struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	Provider         string
	ExternalID       string
	CanonicalID      uuid.UUID
	ExternalSchoolID string
	Name             string
	Subject          string
	Period           string
	Grade            string
	IsActive         bool
	Raw              json.RawMessage
	LastSyncedAt     time.Time
	LastSyncRunID    uuid.UUID
	CreatedAt        time.Time
}

// UserMapping bridges an external user id to a canonical user. The canonical
// id is deliberately not unique per provider: one person may be reachable
// through several external ids across providers.
type UserMapping struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Provider      string
	ExternalID    string
	CanonicalID   uuid.UUID
	RoleHint      provider.UserRole
	Email         string
	Username      string
	StudentNumber string
	StaffID       string
	LearnerID     *uuid.UUID
	HasConflict   bool
	ConflictType  string
	IsActive      bool
	Raw           json.RawMessage
	LastSyncedAt  time.Time
	LastSyncRunID uuid.UUID
	CreatedAt     time.Time
}

// EnrollmentMapping bridges one (external user, external class) pair.
type EnrollmentMapping struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	Provider        string
	ExternalUserID  string
	ExternalClassID string
	CanonicalID     uuid.UUID
	Role            provider.EnrollmentRole
	Primary         bool
	BeginDate       *time.Time
	EndDate         *time.Time
	IsActive        bool
	Raw             json.RawMessage
	LastSyncedAt    time.Time
	LastSyncRunID   uuid.UUID
	CreatedAt       time.Time
}

// CanonicalUser is the engine-owned identity directory entry used for
// fallback matching. Richer profiles live with the wider platform.
type CanonicalUser struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Email         string
	GivenName     string
	FamilyName    string
	Role          provider.UserRole
	StudentNumber string
	StaffID       string
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MappingRepository persists the mapping tables. Enrollment external keys are
// the "userID|classID" composite where a single key string is expected.
type MappingRepository interface {
	GetSchoolMapping(ctx context.Context, scope Scope, externalID string) (SchoolMapping, error)
	UpsertSchoolMapping(ctx context.Context, m SchoolMapping) (SchoolMapping, error)

	GetClassMapping(ctx context.Context, scope Scope, externalID string) (ClassMapping, error)
	UpsertClassMapping(ctx context.Context, m ClassMapping) (ClassMapping, error)

	GetUserMapping(ctx context.Context, scope Scope, externalID string) (UserMapping, error)
	UpsertUserMapping(ctx context.Context, m UserMapping) (UserMapping, error)

	GetEnrollmentMapping(ctx context.Context, scope Scope, externalUserID, externalClassID string) (EnrollmentMapping, error)
	UpsertEnrollmentMapping(ctx context.Context, m EnrollmentMapping) (EnrollmentMapping, error)

	// ListActiveExternalKeys snapshots the active mapping keys for a type,
	// feeding the deactivation sweep.
	ListActiveExternalKeys(ctx context.Context, scope Scope, entityType provider.EntityType) ([]string, error)

	// DeactivateMapping soft-deletes one mapping by its external key.
	DeactivateMapping(ctx context.Context, scope Scope, entityType provider.EntityType, externalKey string) error

	// ReassignCanonicalUser repoints every user mapping from one canonical id
	// to another (conflict merge side effect). Returns the number moved.
	ReassignCanonicalUser(ctx context.Context, tenantID uuid.UUID, from, to uuid.UUID) (int, error)
}

// DirectoryRepository persists the canonical user directory. UpsertUser
// enforces one active entry per (tenant, email) and returns ErrEmailTaken for
// a write that would break that, letting the resolver recover from lookups
// that raced a concurrent provisioning.
type DirectoryRepository interface {
	GetUser(ctx context.Context, tenantID, id uuid.UUID) (CanonicalUser, error)
	UpsertUser(ctx context.Context, u CanonicalUser) (CanonicalUser, error)
	FindUsersByEmail(ctx context.Context, tenantID uuid.UUID, email string) ([]CanonicalUser, error)
	FindUsersByNameEmail(ctx context.Context, tenantID uuid.UUID, givenName, familyName, email string) ([]CanonicalUser, error)
}

// RunRepository persists sync run lifecycle records.
type RunRepository interface {
	Create(ctx context.Context, r Run) (Run, error)
	Update(ctx context.Context, r Run) (Run, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (Run, error)
	Latest(ctx context.Context, scope Scope) (Run, error)
	List(ctx context.Context, scope Scope, limit, offset int) ([]Run, int, error)
}

// DeltaStateRepository persists one cursor row per (tenant, provider).
type DeltaStateRepository interface {
	Get(ctx context.Context, scope Scope) (DeltaState, error)
	Save(ctx context.Context, s DeltaState) (DeltaState, error)
}

// ConflictRecorder receives identity conflict detections during resolution.
type ConflictRecorder interface {
	Record(ctx context.Context, d conflictsvc.Detection) (conflictsvc.Conflict, error)
}

// ProviderConfigSource hands out the per-(tenant, provider) settings document.
// Secrets stay behind the resolver injected into the service.
type ProviderConfigSource interface {
	Settings(ctx context.Context, tenantID uuid.UUID, providerName string) (json.RawMessage, error)
}

// Config tunes the engine.
type Config struct {
	// MaxConcurrentSyncs caps runs in flight across all providers.
	MaxConcurrentSyncs int
	// ContinueOnError is the default for runs that do not override it.
	ContinueOnError bool
	// Retry bounds the page-level fetch retry loop.
	Retry provider.RetryPolicy
}

// Service is the sync engine. All mutable shared state (the lock registry)
// is explicitly constructed and injected; see NewLockRegistry for the
// single-instance caveat.
type Service struct {
	cfg       Config
	registry  *provider.Registry
	configs   ProviderConfigSource
	secrets   provider.SecretResolver
	runs      RunRepository
	mappings  MappingRepository
	directory DirectoryRepository
	delta     DeltaStateRepository
	conflicts ConflictRecorder
	locks     *LockRegistry
	logger    *zap.Logger
	sem       chan struct{}
}

// Deps bundles the service dependencies.
type Deps struct {
	Registry  *provider.Registry
	Configs   ProviderConfigSource
	Secrets   provider.SecretResolver
	Runs      RunRepository
	Mappings  MappingRepository
	Directory DirectoryRepository
	Delta     DeltaStateRepository
	Conflicts ConflictRecorder
	Locks     *LockRegistry
	Logger    *zap.Logger
}

// New constructs the engine.
func New(cfg Config, deps Deps) *Service {
	if deps.Registry == nil {
		panic("provider registry is required")
	}
	if deps.Runs == nil || deps.Mappings == nil || deps.Directory == nil || deps.Delta == nil {
		panic("sync repositories are required")
	}
	if deps.Locks == nil {
		panic("lock registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxConcurrentSyncs <= 0 {
		cfg.MaxConcurrentSyncs = 4
	}
	if cfg.Retry == (provider.RetryPolicy{}) {
		cfg.Retry = provider.DefaultRetryPolicy()
	}

	return &Service{
		cfg:       cfg,
		registry:  deps.Registry,
		configs:   deps.Configs,
		secrets:   deps.Secrets,
		runs:      deps.Runs,
		mappings:  deps.Mappings,
		directory: deps.Directory,
		delta:     deps.Delta,
		conflicts: deps.Conflicts,
		locks:     deps.Locks,
		logger:    deps.Logger,
		sem:       make(chan struct{}, cfg.MaxConcurrentSyncs),
	}
}

// Status reports the delta state and latest run for a (tenant, provider).
type Status struct {
	State   DeltaState
	LastRun *Run
}

// SyncStatus returns the observable state for the status endpoint.
func (s *Service) SyncStatus(ctx context.Context, scope Scope) (Status, error) {
	state, err := s.delta.Get(ctx, scope)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Status{}, err
	}
	if errors.Is(err, ErrNotFound) {
		state = DeltaState{TenantID: scope.TenantID, Provider: scope.Provider, Status: DeltaStatusIdle}
	}

	out := Status{State: state}
	last, err := s.runs.Latest(ctx, scope)
	if err == nil {
		out.LastRun = &last
	} else if !errors.Is(err, ErrNotFound) {
		return Status{}, err
	}
	return out, nil
}

// History lists past runs, newest first.
func (s *Service) History(ctx context.Context, scope Scope, limit, offset int) ([]Run, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.runs.List(ctx, scope, limit, offset)
}

// GetRun fetches one run by id.
func (s *Service) GetRun(ctx context.Context, tenantID, id uuid.UUID) (Run, error) {
	return s.runs.Get(ctx, tenantID, id)
}

// Cancel asks the in-flight run for the scope to stop at its next page
// boundary. Returns ErrNotFound when nothing is running.
func (s *Service) Cancel(scope Scope) error {
	handle, ok := s.locks.Get(scope)
	if !ok {
		return ErrNotFound
	}
	handle.Cancel()
	return nil
}
