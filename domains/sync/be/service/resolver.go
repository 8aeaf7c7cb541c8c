package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	conflictsvc "github.com/classtab/roster-sync/domains/conflicts/be/service"
	"github.com/classtab/roster-sync/platform/go/provider"
)

// Outcome classifies what identity resolution decided for one entity.
type Outcome string

const (
	// OutcomeCreated means a new canonical entity was provisioned.
	OutcomeCreated Outcome = "created"
	// OutcomeUpdated means the exact mapping already existed.
	OutcomeUpdated Outcome = "updated"
	// OutcomeLinkedExisting means a new mapping was attached to a canonical
	// user found through fallback matching.
	OutcomeLinkedExisting Outcome = "linked_existing"
)

// userResolution is the result of resolving one fetched user.
type userResolution struct {
	Outcome        Outcome
	CanonicalID    uuid.UUID
	Existing       *UserMapping
	IsNewUser      bool
	DuplicateEmail bool
}

// externalKey builds the provider-qualified key used in conflict records.
func externalKey(providerName, externalID string) string {
	return providerName + "/" + externalID
}

// checkDuplicateEmail tracks which external id first claimed each email this
// run. A second, different external id from the same provider reaching the
// same email is ambiguous: it is flagged, never auto-linked.
func (s *Service) checkDuplicateEmail(ctx context.Context, rc *runContext, u provider.User) bool {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if email == "" {
		return false
	}
	prior, seen := rc.emailLinks[email]
	if !seen {
		rc.emailLinks[email] = u.ExternalID
		return false
	}
	if prior == u.ExternalID {
		return false
	}
	s.recordConflict(ctx, rc, conflictsvc.Detection{
		TenantID:    rc.scope.TenantID,
		Type:        conflictsvc.TypeDuplicateEmail,
		KeyA:        externalKey(rc.scope.Provider, prior),
		KeyB:        externalKey(rc.scope.Provider, u.ExternalID),
		Description: fmt.Sprintf("external ids %s and %s share email %s on provider %s", prior, u.ExternalID, email, rc.scope.Provider),
	})
	return true
}

// resolveUser walks the resolution ladder for one fetched user: exact mapping
// lookup, then email fallback across providers, then create. duplicateEmail
// disables the fallback so an ambiguous second id gets its own canonical user.
func (s *Service) resolveUser(ctx context.Context, rc *runContext, u provider.User, duplicateEmail bool) (userResolution, error) {
	scope := rc.scope

	existing, err := s.mappings.GetUserMapping(ctx, scope, u.ExternalID)
	switch {
	case err == nil:
		s.detectMappingConflicts(ctx, rc, existing, u)
		return userResolution{Outcome: OutcomeUpdated, CanonicalID: existing.CanonicalID, Existing: &existing, DuplicateEmail: duplicateEmail}, nil
	case !errors.Is(err, ErrNotFound):
		return userResolution{}, fmt.Errorf("lookup user mapping %s: %w", u.ExternalID, err)
	}

	if email := strings.ToLower(strings.TrimSpace(u.Email)); email != "" && !duplicateEmail {
		candidates, err := s.directory.FindUsersByEmail(ctx, scope.TenantID, email)
		if err != nil {
			return userResolution{}, fmt.Errorf("email fallback %s: %w", u.ExternalID, err)
		}
		if len(candidates) > 0 {
			return userResolution{Outcome: OutcomeLinkedExisting, CanonicalID: candidates[0].ID}, nil
		}
	}

	resolution := userResolution{
		Outcome:        OutcomeCreated,
		CanonicalID:    uuid.New(),
		IsNewUser:      true,
		DuplicateEmail: duplicateEmail,
	}
	s.detectMergeCandidates(ctx, rc, resolution.CanonicalID, u)
	return resolution, nil
}

// resolveEmailCollision recovers from a directory write refused by the unique
// active-email constraint. A brand-new canonical user lost the provisioning
// race: the fallback lookup is re-run and the mapping repointed at whoever won
// the insert. Ambiguous cases (a flagged in-source duplicate, or an update
// colliding with another user's address) keep their canonical id and the
// contested email is withheld from the directory instead.
func (s *Service) resolveEmailCollision(ctx context.Context, rc *runContext, res userResolution, m UserMapping, entry CanonicalUser) error {
	if res.IsNewUser && !res.DuplicateEmail && entry.Email != "" {
		candidates, err := s.directory.FindUsersByEmail(ctx, rc.scope.TenantID, entry.Email)
		if err != nil {
			return fmt.Errorf("email collision lookup %s: %w", m.ExternalID, err)
		}
		if len(candidates) > 0 {
			winner := candidates[0]
			m.CanonicalID = winner.ID
			if _, err := s.mappings.UpsertUserMapping(ctx, m); err != nil {
				return err
			}
			entry.ID = winner.ID
			entry.CreatedAt = winner.CreatedAt
			_, err = s.directory.UpsertUser(ctx, entry)
			return err
		}
	}
	entry.Email = ""
	_, err := s.directory.UpsertUser(ctx, entry)
	return err
}

// detectMappingConflicts inspects an existing mapping against the freshly
// fetched user. Detections never fail the run.
func (s *Service) detectMappingConflicts(ctx context.Context, rc *runContext, existing UserMapping, u provider.User) {
	scope := rc.scope

	if existing.Email != "" && u.Email != "" && !strings.EqualFold(existing.Email, u.Email) {
		canonical := existing.CanonicalID
		s.recordConflict(ctx, rc, conflictsvc.Detection{
			TenantID:    scope.TenantID,
			Type:        conflictsvc.TypeEmailMismatch,
			KeyA:        externalKey(scope.Provider, u.ExternalID),
			KeyB:        canonical.String(),
			CanonicalA:  &canonical,
			Description: fmt.Sprintf("stored email %s differs from fetched email %s for %s", existing.Email, u.Email, externalKey(scope.Provider, u.ExternalID)),
		})
	}

	if _, err := s.directory.GetUser(ctx, scope.TenantID, existing.CanonicalID); errors.Is(err, ErrNotFound) {
		canonical := existing.CanonicalID
		s.recordConflict(ctx, rc, conflictsvc.Detection{
			TenantID:    scope.TenantID,
			Type:        conflictsvc.TypeOrphanedMapping,
			KeyA:        externalKey(scope.Provider, u.ExternalID),
			KeyB:        canonical.String(),
			CanonicalA:  &canonical,
			Severity:    conflictsvc.SeverityHigh,
			Description: fmt.Sprintf("mapping %s references canonical user %s which no longer resolves", externalKey(scope.Provider, u.ExternalID), canonical),
		})
	}
}

// detectMergeCandidates flags distinct canonical users that share identical
// name and email (case differences defeat the exact email fallback).
func (s *Service) detectMergeCandidates(ctx context.Context, rc *runContext, newID uuid.UUID, u provider.User) {
	if u.Email == "" || u.GivenName == "" || u.FamilyName == "" {
		return
	}
	matches, err := s.directory.FindUsersByNameEmail(ctx, rc.scope.TenantID, u.GivenName, u.FamilyName, u.Email)
	if err != nil {
		rc.logger.Warn("merge candidate lookup failed", zap.Error(err))
		return
	}
	for _, match := range matches {
		if match.ID == newID {
			continue
		}
		a, b := newID, match.ID
		s.recordConflict(ctx, rc, conflictsvc.Detection{
			TenantID:    rc.scope.TenantID,
			Type:        conflictsvc.TypeMergeCandidate,
			KeyA:        a.String(),
			KeyB:        b.String(),
			CanonicalA:  &a,
			CanonicalB:  &b,
			Severity:    conflictsvc.SeverityLow,
			Description: fmt.Sprintf("users %s and %s share name %s %s and email %s", a, b, u.GivenName, u.FamilyName, u.Email),
		})
	}
}

// recordConflict forwards a detection to the recorder. Conflicts are not
// errors; recording failures are logged and swallowed.
func (s *Service) recordConflict(ctx context.Context, rc *runContext, d conflictsvc.Detection) {
	if s.conflicts == nil {
		return
	}
	if _, err := s.conflicts.Record(ctx, d); err != nil {
		rc.logger.Warn("record conflict failed",
			zap.String("type", string(d.Type)),
			zap.Error(err),
		)
	}
}
