// Package service records identity conflicts detected during roster
// resolution and applies the side effects of their resolution actions.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Errors returned by the service layer.
var (
	ErrNotFound      = errors.New("conflict not found")
	ErrInvalidAction = errors.New("invalid resolution action")
)

// Type classifies one identity conflict.
type Type string

const (
	TypeEmailMismatch   Type = "EMAIL_MISMATCH"
	TypeDuplicateEmail  Type = "DUPLICATE_EMAIL"
	TypeNameMismatch    Type = "NAME_MISMATCH"
	TypeRoleConflict    Type = "ROLE_CONFLICT"
	TypeMultiTenant     Type = "MULTI_TENANT"
	TypeOrphanedMapping Type = "ORPHANED_MAPPING"
	TypeMergeCandidate  Type = "MERGE_CANDIDATE"
)

// Status is the workflow state of a conflict record.
type Status string

const (
	StatusOpen                 Status = "OPEN"
	StatusInvestigating        Status = "INVESTIGATING"
	StatusResolvedMerged       Status = "RESOLVED_MERGED"
	StatusResolvedKeptSeparate Status = "RESOLVED_KEPT_SEPARATE"
	StatusResolvedManual       Status = "RESOLVED_MANUAL"
	StatusDismissed            Status = "DISMISSED"
)

// resolved reports whether a status is terminal.
func (s Status) resolved() bool {
	switch s {
	case StatusResolvedMerged, StatusResolvedKeptSeparate, StatusResolvedManual, StatusDismissed:
		return true
	default:
		return false
	}
}

// Severity grades operator urgency.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Conflict is one recorded identity ambiguity. (KeyA, KeyB) is the sorted
// pair of identifying keys; together with the type it makes re-detection
// idempotent.
type Conflict struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	Type           Type
	Status         Status
	Severity       Severity
	KeyA           string
	KeyB           string
	CanonicalA     *uuid.UUID
	CanonicalB     *uuid.UUID
	Description    string
	DetectedCount  int
	ResolvedBy     string
	ResolvedAt     *time.Time
	ResolutionNote string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Detection is the input the sync engine hands over when it spots a conflict.
// Keys may arrive in any order; Record sorts them.
type Detection struct {
	TenantID    uuid.UUID
	Type        Type
	KeyA        string
	KeyB        string
	CanonicalA  *uuid.UUID
	CanonicalB  *uuid.UUID
	Description string
	Severity    Severity
}

// ListOptions filters conflict listings.
type ListOptions struct {
	Status *Status
	Limit  int
	Offset int
}

// Repository abstracts conflict persistence.
type Repository interface {
	FindByKey(ctx context.Context, tenantID uuid.UUID, t Type, keyA, keyB string) (Conflict, error)
	Create(ctx context.Context, c Conflict) (Conflict, error)
	Update(ctx context.Context, c Conflict) (Conflict, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (Conflict, error)
	List(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]Conflict, int, error)
}

// MappingReassigner repoints user mappings during a merge resolution. The
// sync domain's mapping repository satisfies this.
type MappingReassigner interface {
	ReassignCanonicalUser(ctx context.Context, tenantID uuid.UUID, from, to uuid.UUID) (int, error)
}

// Service provides conflict recording and resolution.
type Service struct {
	repo       Repository
	reassigner MappingReassigner
	logger     *zap.Logger
}

// New constructs a Service. The reassigner may be nil when merge resolution
// is not wired (e.g. read-only tooling).
func New(repo Repository, reassigner MappingReassigner, logger *zap.Logger) *Service {
	if repo == nil {
		panic("conflicts repo is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, reassigner: reassigner, logger: logger}
}

// Record upserts a conflict row for the detection. Re-detection bumps the
// counter and refreshes the description but never duplicates the row and
// never reopens a resolved conflict.
func (s *Service) Record(ctx context.Context, d Detection) (Conflict, error) {
	if d.TenantID == uuid.Nil {
		return Conflict{}, fmt.Errorf("tenant id is required")
	}
	if d.Type == "" || d.KeyA == "" || d.KeyB == "" {
		return Conflict{}, fmt.Errorf("conflict type and both keys are required")
	}

	keyA, keyB := d.KeyA, d.KeyB
	canonA, canonB := d.CanonicalA, d.CanonicalB
	if strings.Compare(keyA, keyB) > 0 {
		keyA, keyB = keyB, keyA
		canonA, canonB = canonB, canonA
	}

	now := time.Now().UTC()

	existing, err := s.repo.FindByKey(ctx, d.TenantID, d.Type, keyA, keyB)
	switch {
	case err == nil:
		existing.DetectedCount++
		existing.UpdatedAt = now
		if !existing.Status.resolved() {
			if d.Description != "" {
				existing.Description = d.Description
			}
			existing.CanonicalA = canonA
			existing.CanonicalB = canonB
		}
		return s.repo.Update(ctx, existing)
	case errors.Is(err, ErrNotFound):
		severity := d.Severity
		if severity == "" {
			severity = SeverityMedium
		}
		c := Conflict{
			ID:            uuid.New(),
			TenantID:      d.TenantID,
			Type:          d.Type,
			Status:        StatusOpen,
			Severity:      severity,
			KeyA:          keyA,
			KeyB:          keyB,
			CanonicalA:    canonA,
			CanonicalB:    canonB,
			Description:   d.Description,
			DetectedCount: 1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.logger.Info("identity conflict detected",
			zap.String("tenant_id", d.TenantID.String()),
			zap.String("type", string(d.Type)),
			zap.String("key_a", keyA),
			zap.String("key_b", keyB),
		)
		return s.repo.Create(ctx, c)
	default:
		return Conflict{}, err
	}
}

// Get fetches a conflict by id.
func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (Conflict, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// List returns conflicts filtered by status.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]Conflict, int, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return s.repo.List(ctx, tenantID, opts)
}

// Action is an externally supplied resolution decision.
type Action string

const (
	ActionMerge        Action = "merge"
	ActionKeepSeparate Action = "keep-separate"
	ActionManual       Action = "manual"
	ActionDismiss      Action = "dismiss"
)

// ResolveInput carries the resolution decision.
type ResolveInput struct {
	Action     Action
	ResolvedBy string
	Note       string
	// Winner selects the surviving canonical id on merge; defaults to the
	// conflict's CanonicalA.
	Winner *uuid.UUID
}

// Resolve applies a resolution action to an open conflict. Merging reassigns
// every mapping of the losing canonical user to the winning one.
func (s *Service) Resolve(ctx context.Context, tenantID, id uuid.UUID, input ResolveInput) (Conflict, error) {
	c, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Conflict{}, err
	}

	now := time.Now().UTC()

	switch input.Action {
	case ActionMerge:
		if c.CanonicalA == nil || c.CanonicalB == nil {
			return Conflict{}, fmt.Errorf("conflict %s has no canonical pair to merge", id)
		}
		if s.reassigner == nil {
			return Conflict{}, fmt.Errorf("merge resolution is not wired")
		}
		winner, loser := *c.CanonicalA, *c.CanonicalB
		if input.Winner != nil && *input.Winner == *c.CanonicalB {
			winner, loser = *c.CanonicalB, *c.CanonicalA
		}
		moved, err := s.reassigner.ReassignCanonicalUser(ctx, tenantID, loser, winner)
		if err != nil {
			return Conflict{}, fmt.Errorf("reassign mappings: %w", err)
		}
		s.logger.Info("conflict merged",
			zap.String("tenant_id", tenantID.String()),
			zap.String("conflict_id", id.String()),
			zap.String("winner", winner.String()),
			zap.Int("mappings_moved", moved),
		)
		c.Status = StatusResolvedMerged
	case ActionKeepSeparate:
		c.Status = StatusResolvedKeptSeparate
	case ActionManual:
		c.Status = StatusResolvedManual
	case ActionDismiss:
		c.Status = StatusDismissed
	default:
		return Conflict{}, fmt.Errorf("%w: %q", ErrInvalidAction, input.Action)
	}

	c.ResolvedBy = input.ResolvedBy
	c.ResolvedAt = &now
	c.ResolutionNote = input.Note
	c.UpdatedAt = now

	return s.repo.Update(ctx, c)
}
