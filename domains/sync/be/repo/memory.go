// Package repo provides the persistence implementations for the sync domain:
// an in-memory store for tests and early development, and a Postgres-backed
// store for production.
package repo

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/classtab/roster-sync/domains/sync/be/service"
	"github.com/classtab/roster-sync/platform/go/provider"
)

// Memory implements every sync repository interface over process memory.
type Memory struct {
	mu          sync.RWMutex
	schools     map[string]service.SchoolMapping
	classes     map[string]service.ClassMapping
	users       map[string]service.UserMapping
	enrollments map[string]service.EnrollmentMapping
	directory   map[uuid.UUID]service.CanonicalUser
	runs        map[uuid.UUID]service.Run
	runOrder    []uuid.UUID
	delta       map[string]service.DeltaState
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		schools:     make(map[string]service.SchoolMapping),
		classes:     make(map[string]service.ClassMapping),
		users:       make(map[string]service.UserMapping),
		enrollments: make(map[string]service.EnrollmentMapping),
		directory:   make(map[uuid.UUID]service.CanonicalUser),
		runs:        make(map[uuid.UUID]service.Run),
		delta:       make(map[string]service.DeltaState),
	}
}

func scopeKey(scope service.Scope, externalKey string) string {
	return scope.TenantID.String() + "|" + scope.Provider + "|" + externalKey
}

func (m *Memory) GetSchoolMapping(_ context.Context, scope service.Scope, externalID string) (service.SchoolMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.schools[scopeKey(scope, externalID)]
	if !ok {
		return service.SchoolMapping{}, service.ErrNotFound
	}
	return rec, nil
}

func (m *Memory) UpsertSchoolMapping(_ context.Context, rec service.SchoolMapping) (service.SchoolMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schools[scopeKey(service.Scope{TenantID: rec.TenantID, Provider: rec.Provider}, rec.ExternalID)] = rec
	return rec, nil
}

func (m *Memory) GetClassMapping(_ context.Context, scope service.Scope, externalID string) (service.ClassMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.classes[scopeKey(scope, externalID)]
	if !ok {
		return service.ClassMapping{}, service.ErrNotFound
	}
	return rec, nil
}

func (m *Memory) UpsertClassMapping(_ context.Context, rec service.ClassMapping) (service.ClassMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[scopeKey(service.Scope{TenantID: rec.TenantID, Provider: rec.Provider}, rec.ExternalID)] = rec
	return rec, nil
}

func (m *Memory) GetUserMapping(_ context.Context, scope service.Scope, externalID string) (service.UserMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.users[scopeKey(scope, externalID)]
	if !ok {
		return service.UserMapping{}, service.ErrNotFound
	}
	return rec, nil
}

func (m *Memory) UpsertUserMapping(_ context.Context, rec service.UserMapping) (service.UserMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[scopeKey(service.Scope{TenantID: rec.TenantID, Provider: rec.Provider}, rec.ExternalID)] = rec
	return rec, nil
}

func (m *Memory) GetEnrollmentMapping(_ context.Context, scope service.Scope, externalUserID, externalClassID string) (service.EnrollmentMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.enrollments[scopeKey(scope, externalUserID+"|"+externalClassID)]
	if !ok {
		return service.EnrollmentMapping{}, service.ErrNotFound
	}
	return rec, nil
}

func (m *Memory) UpsertEnrollmentMapping(_ context.Context, rec service.EnrollmentMapping) (service.EnrollmentMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopeKey(service.Scope{TenantID: rec.TenantID, Provider: rec.Provider}, rec.ExternalUserID+"|"+rec.ExternalClassID)
	m.enrollments[key] = rec
	return rec, nil
}

func (m *Memory) ListActiveExternalKeys(_ context.Context, scope service.Scope, entityType provider.EntityType) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := scope.TenantID.String() + "|" + scope.Provider + "|"
	var keys []string

	collect := func(key string, active bool) {
		if active && strings.HasPrefix(key, prefix) {
			keys = append(keys, strings.TrimPrefix(key, prefix))
		}
	}

	switch entityType {
	case provider.EntityTypeSchools:
		for k, rec := range m.schools {
			collect(k, rec.IsActive)
		}
	case provider.EntityTypeClasses:
		for k, rec := range m.classes {
			collect(k, rec.IsActive)
		}
	case provider.EntityTypeUsers:
		for k, rec := range m.users {
			collect(k, rec.IsActive)
		}
	case provider.EntityTypeEnrollments:
		for k, rec := range m.enrollments {
			collect(k, rec.IsActive)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) DeactivateMapping(_ context.Context, scope service.Scope, entityType provider.EntityType, externalKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scopeKey(scope, externalKey)
	switch entityType {
	case provider.EntityTypeSchools:
		rec, ok := m.schools[key]
		if !ok {
			return service.ErrNotFound
		}
		rec.IsActive = false
		m.schools[key] = rec
	case provider.EntityTypeClasses:
		rec, ok := m.classes[key]
		if !ok {
			return service.ErrNotFound
		}
		rec.IsActive = false
		m.classes[key] = rec
	case provider.EntityTypeUsers:
		rec, ok := m.users[key]
		if !ok {
			return service.ErrNotFound
		}
		rec.IsActive = false
		m.users[key] = rec
	case provider.EntityTypeEnrollments:
		rec, ok := m.enrollments[key]
		if !ok {
			return service.ErrNotFound
		}
		rec.IsActive = false
		m.enrollments[key] = rec
	default:
		return service.ErrNotFound
	}
	return nil
}

func (m *Memory) ReassignCanonicalUser(_ context.Context, tenantID uuid.UUID, from, to uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	moved := 0
	for key, rec := range m.users {
		if rec.TenantID == tenantID && rec.CanonicalID == from {
			rec.CanonicalID = to
			m.users[key] = rec
			moved++
		}
	}
	if entry, ok := m.directory[from]; ok && entry.TenantID == tenantID {
		entry.IsActive = false
		m.directory[from] = entry
	}
	return moved, nil
}

func (m *Memory) GetUser(_ context.Context, tenantID, id uuid.UUID) (service.CanonicalUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.directory[id]
	if !ok || entry.TenantID != tenantID {
		return service.CanonicalUser{}, service.ErrNotFound
	}
	return entry, nil
}

func (m *Memory) UpsertUser(_ context.Context, u service.CanonicalUser) (service.CanonicalUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.Email != "" && u.IsActive {
		// Mirror the partial unique index on (tenant_id, lower(email)).
		for id, entry := range m.directory {
			if id != u.ID && entry.TenantID == u.TenantID && entry.IsActive && strings.EqualFold(entry.Email, u.Email) {
				return service.CanonicalUser{}, service.ErrEmailTaken
			}
		}
	}
	m.directory[u.ID] = u
	return u, nil
}

func (m *Memory) FindUsersByEmail(_ context.Context, tenantID uuid.UUID, email string) ([]service.CanonicalUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []service.CanonicalUser
	for _, entry := range m.directory {
		if entry.TenantID == tenantID && strings.EqualFold(entry.Email, email) {
			out = append(out, entry)
		}
	}
	sortUsers(out)
	return out, nil
}

func (m *Memory) FindUsersByNameEmail(_ context.Context, tenantID uuid.UUID, givenName, familyName, email string) ([]service.CanonicalUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []service.CanonicalUser
	for _, entry := range m.directory {
		if entry.TenantID == tenantID &&
			strings.EqualFold(entry.GivenName, givenName) &&
			strings.EqualFold(entry.FamilyName, familyName) &&
			strings.EqualFold(entry.Email, email) {
			out = append(out, entry)
		}
	}
	sortUsers(out)
	return out, nil
}

func sortUsers(users []service.CanonicalUser) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID.String() < users[j].ID.String()
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
}

func (m *Memory) Create(_ context.Context, r service.Run) (service.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = cloneRun(r)
	m.runOrder = append(m.runOrder, r.ID)
	return r, nil
}

func (m *Memory) Update(_ context.Context, r service.Run) (service.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return service.Run{}, service.ErrNotFound
	}
	m.runs[r.ID] = cloneRun(r)
	return r, nil
}

func (m *Memory) Get(_ context.Context, tenantID, id uuid.UUID) (service.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok || r.TenantID != tenantID {
		return service.Run{}, service.ErrNotFound
	}
	return cloneRun(r), nil
}

func (m *Memory) Latest(_ context.Context, scope service.Scope) (service.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		r := m.runs[m.runOrder[i]]
		if r.TenantID == scope.TenantID && r.Provider == scope.Provider {
			return cloneRun(r), nil
		}
	}
	return service.Run{}, service.ErrNotFound
}

func (m *Memory) List(_ context.Context, scope service.Scope, limit, offset int) ([]service.Run, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []service.Run
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		r := m.runs[m.runOrder[i]]
		if r.TenantID == scope.TenantID && r.Provider == scope.Provider {
			matched = append(matched, cloneRun(r))
		}
	}

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func cloneRun(r service.Run) service.Run {
	out := r
	out.Stats = make(map[provider.EntityType]*service.TypeStats, len(r.Stats))
	for t, s := range r.Stats {
		copied := *s
		out.Stats[t] = &copied
	}
	out.Errors = append([]service.RunError(nil), r.Errors...)
	out.Warnings = append([]string(nil), r.Warnings...)
	return out
}

func deltaKey(scope service.Scope) string {
	return scope.TenantID.String() + "|" + scope.Provider
}

func (m *Memory) GetDelta(ctx context.Context, scope service.Scope) (service.DeltaState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.delta[deltaKey(scope)]
	if !ok {
		return service.DeltaState{}, service.ErrNotFound
	}
	return s, nil
}

func (m *Memory) SaveDelta(ctx context.Context, s service.DeltaState) (service.DeltaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delta[deltaKey(service.Scope{TenantID: s.TenantID, Provider: s.Provider})] = s
	return s, nil
}

// Ensure interface compliance.
var (
	_ service.MappingRepository   = (*Memory)(nil)
	_ service.DirectoryRepository = (*Memory)(nil)
	_ service.RunRepository       = (*Memory)(nil)
)

// DeltaView adapts Memory to the DeltaStateRepository interface, whose method
// names collide with the run repository's.
type DeltaView struct{ M *Memory }

func (v DeltaView) Get(ctx context.Context, scope service.Scope) (service.DeltaState, error) {
	return v.M.GetDelta(ctx, scope)
}

func (v DeltaView) Save(ctx context.Context, s service.DeltaState) (service.DeltaState, error) {
	return v.M.SaveDelta(ctx, s)
}

var _ service.DeltaStateRepository = DeltaView{}
