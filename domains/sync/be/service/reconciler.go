package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classtab/roster-sync/platform/go/provider"
)

// enrollmentKey builds the composite external key for one enrollment.
func enrollmentKey(externalUserID, externalClassID string) string {
	return externalUserID + "|" + externalClassID
}

func splitEnrollmentKey(key string) (userID, classID string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) != 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

// runContext carries the mutable per-run bookkeeping through reconciliation.
type runContext struct {
	scope           Scope
	run             *Run
	handle          *RunHandle
	continueOnError bool
	fullSync        bool

	// observed holds the external keys seen this run, per type; the sweeper
	// diffs it against the pre-run active set.
	observed map[provider.EntityType]map[string]bool

	// emailLinks maps lowercased email to the first external id that claimed
	// it this run, keyed per provider by construction of the run scope.
	emailLinks map[string]string

	logger *zap.Logger
}

func newRunContext(scope Scope, run *Run, handle *RunHandle, continueOnError, fullSync bool, logger *zap.Logger) *runContext {
	return &runContext{
		scope:           scope,
		run:             run,
		handle:          handle,
		continueOnError: continueOnError,
		fullSync:        fullSync,
		observed:        make(map[provider.EntityType]map[string]bool),
		emailLinks:      make(map[string]string),
		logger:          logger,
	}
}

func (rc *runContext) observe(t provider.EntityType, key string) {
	set, ok := rc.observed[t]
	if !ok {
		set = make(map[string]bool)
		rc.observed[t] = set
	}
	set[key] = true
}

// entityError records one recoverable per-entity failure. The returned error
// is non-nil only when the run must abort (continueOnError=false).
func (s *Service) entityError(rc *runContext, t provider.EntityType, externalID string, err error) error {
	stats := rc.run.StatsFor(t)
	stats.Errors++
	rc.run.Errors = append(rc.run.Errors, RunError{EntityType: t, ExternalID: externalID, Message: err.Error()})
	rc.logger.Warn("entity failed",
		zap.String("entity_type", string(t)),
		zap.String("external_id", externalID),
		zap.Error(err),
	)
	if !rc.continueOnError {
		return fmt.Errorf("%s %s: %w", t, externalID, err)
	}
	return nil
}

// reconcileSchools applies one page of schools.
func (s *Service) reconcileSchools(ctx context.Context, rc *runContext, entities []provider.School) error {
	stats := rc.run.StatsFor(provider.EntityTypeSchools)
	for _, e := range entities {
		stats.Fetched++
		rc.observe(provider.EntityTypeSchools, e.ExternalID)
		if err := s.upsertSchool(ctx, rc, e); err != nil {
			if abort := s.entityError(rc, provider.EntityTypeSchools, e.ExternalID, err); abort != nil {
				return abort
			}
		}
	}
	return nil
}

func (s *Service) upsertSchool(ctx context.Context, rc *runContext, e provider.School) error {
	now := time.Now().UTC()
	stats := rc.run.StatsFor(provider.EntityTypeSchools)

	existing, err := s.mappings.GetSchoolMapping(ctx, rc.scope, e.ExternalID)
	switch {
	case err == nil:
		// Source wins: fetched attributes overwrite stored ones.
		existing.Name = e.Name
		existing.Number = e.Number
		existing.IsActive = e.IsActive
		existing.Raw = e.Raw
		existing.LastSyncedAt = now
		existing.LastSyncRunID = rc.run.ID
		if _, err := s.mappings.UpsertSchoolMapping(ctx, existing); err != nil {
			return err
		}
		stats.Updated++
		return nil
	case errors.Is(err, ErrNotFound):
		m := SchoolMapping{
			ID:            uuid.New(),
			TenantID:      rc.scope.TenantID,
			Provider:      rc.scope.Provider,
			ExternalID:    e.ExternalID,
			CanonicalID:   uuid.New(),
			Name:          e.Name,
			Number:        e.Number,
			IsActive:      e.IsActive,
			Raw:           e.Raw,
			LastSyncedAt:  now,
			LastSyncRunID: rc.run.ID,
			CreatedAt:     now,
		}
		if _, err := s.mappings.UpsertSchoolMapping(ctx, m); err != nil {
			return err
		}
		stats.Created++
		return nil
	default:
		return err
	}
}

// reconcileClasses applies one page of classes.
func (s *Service) reconcileClasses(ctx context.Context, rc *runContext, entities []provider.Class) error {
	stats := rc.run.StatsFor(provider.EntityTypeClasses)
	for _, e := range entities {
		stats.Fetched++
		rc.observe(provider.EntityTypeClasses, e.ExternalID)
		if err := s.upsertClass(ctx, rc, e); err != nil {
			if abort := s.entityError(rc, provider.EntityTypeClasses, e.ExternalID, err); abort != nil {
				return abort
			}
		}
	}
	return nil
}

func (s *Service) upsertClass(ctx context.Context, rc *runContext, e provider.Class) error {
	now := time.Now().UTC()
	stats := rc.run.StatsFor(provider.EntityTypeClasses)

	existing, err := s.mappings.GetClassMapping(ctx, rc.scope, e.ExternalID)
	switch {
	case err == nil:
		existing.ExternalSchoolID = e.ExternalSchoolID
		existing.Name = e.Name
		existing.Subject = e.Subject
		existing.Period = e.Period
		existing.Grade = e.Grade
		existing.IsActive = e.IsActive
		existing.Raw = e.Raw
		existing.LastSyncedAt = now
		existing.LastSyncRunID = rc.run.ID
		if _, err := s.mappings.UpsertClassMapping(ctx, existing); err != nil {
			return err
		}
		stats.Updated++
		return nil
	case errors.Is(err, ErrNotFound):
		m := ClassMapping{
			ID:               uuid.New(),
			TenantID:         rc.scope.TenantID,
			Provider:         rc.scope.Provider,
			ExternalID:       e.ExternalID,
			CanonicalID:      uuid.New(),
			ExternalSchoolID: e.ExternalSchoolID,
			Name:             e.Name,
			Subject:          e.Subject,
			Period:           e.Period,
			Grade:            e.Grade,
			IsActive:         e.IsActive,
			Raw:              e.Raw,
			LastSyncedAt:     now,
			LastSyncRunID:    rc.run.ID,
			CreatedAt:        now,
		}
		if _, err := s.mappings.UpsertClassMapping(ctx, m); err != nil {
			return err
		}
		stats.Created++
		return nil
	default:
		return err
	}
}

// reconcileUsers applies one page of users, running the identity resolver
// and the conflict detector for each.
func (s *Service) reconcileUsers(ctx context.Context, rc *runContext, entities []provider.User) error {
	stats := rc.run.StatsFor(provider.EntityTypeUsers)
	for _, e := range entities {
		stats.Fetched++
		rc.observe(provider.EntityTypeUsers, e.ExternalID)
		if err := s.upsertUser(ctx, rc, e); err != nil {
			if abort := s.entityError(rc, provider.EntityTypeUsers, e.ExternalID, err); abort != nil {
				return abort
			}
		}
	}
	return nil
}

func (s *Service) upsertUser(ctx context.Context, rc *runContext, e provider.User) error {
	now := time.Now().UTC()
	stats := rc.run.StatsFor(provider.EntityTypeUsers)

	duplicate := s.checkDuplicateEmail(ctx, rc, e)

	res, err := s.resolveUser(ctx, rc, e, duplicate)
	if err != nil {
		return err
	}

	m := UserMapping{
		ID:            uuid.New(),
		TenantID:      rc.scope.TenantID,
		Provider:      rc.scope.Provider,
		ExternalID:    e.ExternalID,
		CanonicalID:   res.CanonicalID,
		RoleHint:      e.Role,
		Email:         e.Email,
		Username:      e.Username,
		StudentNumber: e.StudentNumber,
		StaffID:       e.StaffID,
		IsActive:      e.IsActive,
		Raw:           e.Raw,
		LastSyncedAt:  now,
		LastSyncRunID: rc.run.ID,
		CreatedAt:     now,
	}
	if res.Existing != nil {
		m.ID = res.Existing.ID
		m.CreatedAt = res.Existing.CreatedAt
		m.LearnerID = res.Existing.LearnerID
		m.HasConflict = res.Existing.HasConflict
		m.ConflictType = res.Existing.ConflictType
	}
	if res.DuplicateEmail {
		m.HasConflict = true
		m.ConflictType = "DUPLICATE_EMAIL"
	}
	if _, err := s.mappings.UpsertUserMapping(ctx, m); err != nil {
		return err
	}

	// The directory entry follows the source as well.
	entry := CanonicalUser{
		ID:            res.CanonicalID,
		TenantID:      rc.scope.TenantID,
		Email:         e.Email,
		GivenName:     e.GivenName,
		FamilyName:    e.FamilyName,
		Role:          e.Role,
		StudentNumber: e.StudentNumber,
		StaffID:       e.StaffID,
		IsActive:      e.IsActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if current, err := s.directory.GetUser(ctx, rc.scope.TenantID, res.CanonicalID); err == nil {
		entry.CreatedAt = current.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, err := s.directory.UpsertUser(ctx, entry); err != nil {
		if !errors.Is(err, ErrEmailTaken) {
			return err
		}
		if err := s.resolveEmailCollision(ctx, rc, res, m, entry); err != nil {
			return err
		}
	}

	switch res.Outcome {
	case OutcomeUpdated:
		stats.Updated++
	default:
		// A brand-new canonical user or a cross-provider link: either way a
		// mapping row came into existence this run.
		stats.Created++
	}
	return nil
}

// reconcileEnrollments applies one page of enrollments.
func (s *Service) reconcileEnrollments(ctx context.Context, rc *runContext, entities []provider.Enrollment) error {
	stats := rc.run.StatsFor(provider.EntityTypeEnrollments)
	for _, e := range entities {
		stats.Fetched++
		key := enrollmentKey(e.ExternalUserID, e.ExternalClassID)
		rc.observe(provider.EntityTypeEnrollments, key)
		if err := s.upsertEnrollment(ctx, rc, e); err != nil {
			if abort := s.entityError(rc, provider.EntityTypeEnrollments, key, err); abort != nil {
				return abort
			}
		}
	}
	return nil
}

func (s *Service) upsertEnrollment(ctx context.Context, rc *runContext, e provider.Enrollment) error {
	now := time.Now().UTC()
	stats := rc.run.StatsFor(provider.EntityTypeEnrollments)

	existing, err := s.mappings.GetEnrollmentMapping(ctx, rc.scope, e.ExternalUserID, e.ExternalClassID)
	switch {
	case err == nil:
		existing.Role = e.Role
		existing.Primary = e.Primary
		existing.BeginDate = e.BeginDate
		existing.EndDate = e.EndDate
		existing.IsActive = e.IsActive
		existing.Raw = e.Raw
		existing.LastSyncedAt = now
		existing.LastSyncRunID = rc.run.ID
		if _, err := s.mappings.UpsertEnrollmentMapping(ctx, existing); err != nil {
			return err
		}
		stats.Updated++
		return nil
	case errors.Is(err, ErrNotFound):
		m := EnrollmentMapping{
			ID:              uuid.New(),
			TenantID:        rc.scope.TenantID,
			Provider:        rc.scope.Provider,
			ExternalUserID:  e.ExternalUserID,
			ExternalClassID: e.ExternalClassID,
			CanonicalID:     uuid.New(),
			Role:            e.Role,
			Primary:         e.Primary,
			BeginDate:       e.BeginDate,
			EndDate:         e.EndDate,
			IsActive:        e.IsActive,
			Raw:             e.Raw,
			LastSyncedAt:    now,
			LastSyncRunID:   rc.run.ID,
			CreatedAt:       now,
		}
		if _, err := s.mappings.UpsertEnrollmentMapping(ctx, m); err != nil {
			return err
		}
		stats.Created++
		return nil
	default:
		return err
	}
}
