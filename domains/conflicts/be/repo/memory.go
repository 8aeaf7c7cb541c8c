// Package repo provides conflict persistence: an in-memory implementation
// for tests and a Postgres implementation for production.
package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/classtab/roster-sync/domains/conflicts/be/service"
)

// Memory is an in-memory conflict store.
type Memory struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]service.Conflict
}

// NewMemory constructs an empty store.
func NewMemory() *Memory {
	return &Memory{byID: make(map[uuid.UUID]service.Conflict)}
}

func (m *Memory) FindByKey(_ context.Context, tenantID uuid.UUID, t service.Type, keyA, keyB string) (service.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.byID {
		if c.TenantID == tenantID && c.Type == t && c.KeyA == keyA && c.KeyB == keyB {
			return c, nil
		}
	}
	return service.Conflict{}, service.ErrNotFound
}

func (m *Memory) Create(_ context.Context, c service.Conflict) (service.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[c.ID] = c
	return c, nil
}

func (m *Memory) Update(_ context.Context, c service.Conflict) (service.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[c.ID]; !ok {
		return service.Conflict{}, service.ErrNotFound
	}
	m.byID[c.ID] = c
	return c, nil
}

func (m *Memory) Get(_ context.Context, tenantID, id uuid.UUID) (service.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	if !ok || c.TenantID != tenantID {
		return service.Conflict{}, service.ErrNotFound
	}
	return c, nil
}

func (m *Memory) List(_ context.Context, tenantID uuid.UUID, opts service.ListOptions) ([]service.Conflict, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []service.Conflict
	for _, c := range m.byID {
		if c.TenantID != tenantID {
			continue
		}
		if opts.Status != nil && c.Status != *opts.Status {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	offset := opts.Offset
	if offset > total {
		offset = total
	}
	end := total
	if opts.Limit > 0 && offset+opts.Limit < total {
		end = offset + opts.Limit
	}
	return matched[offset:end], total, nil
}

var _ service.Repository = (*Memory)(nil)
