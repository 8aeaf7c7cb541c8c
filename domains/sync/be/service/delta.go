package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/classtab/roster-sync/platform/go/provider"
)

// runDelta applies change events since the stored token. The sweeper is never
// involved: deletion only happens through explicit delete events.
func (s *Service) runDelta(ctx context.Context, rc *runContext, adapter provider.DeltaAdapter, state *DeltaState) error {
	token := state.LastDeltaToken

	for {
		if rc.handle.Cancelled() {
			return errCancelled
		}

		page, err := provider.FetchWithRetry(ctx, s.cfg.Retry, func() (provider.ChangePage, error) {
			return adapter.FetchChanges(ctx, token)
		})
		if errors.Is(err, provider.ErrDeltaTokenExpired) {
			// Degrade to a full extraction in this same run; delta state
			// stays in error until that full sync succeeds.
			state.Status = DeltaStatusError
			if _, serr := s.delta.Save(ctx, *state); serr != nil {
				rc.logger.Error("persist delta error state", zap.Error(serr))
			}
			rc.logger.Warn("delta token expired; falling back to full sync")
			// The full pass re-reads everything, so counts and errors from
			// events already applied off the stale cursor would show up twice.
			rc.run.Stats = make(map[provider.EntityType]*TypeStats)
			rc.run.Errors = nil
			rc.fullSync = true
			rc.run.FullSync = true
			return s.runFull(ctx, rc, adapter)
		}
		if err != nil {
			return fmt.Errorf("fetch changes: %w", err)
		}

		rc.run.Warnings = append(rc.run.Warnings, page.Warnings...)

		for _, ev := range page.Events {
			if err := s.applyChange(ctx, rc, ev); err != nil {
				return err
			}
		}

		if page.NextToken != "" {
			token = page.NextToken
		}
		if !page.HasMore {
			break
		}
	}

	state.LastDeltaToken = token
	return nil
}

// applyChange routes one delta event: creates and updates reuse the same
// upsert path as full syncs, deletes soft-delete the mapping directly.
func (s *Service) applyChange(ctx context.Context, rc *runContext, ev provider.ChangeEvent) error {
	stats := rc.run.StatsFor(ev.Type)
	stats.Fetched++

	if ev.Op == provider.ChangeOpDelete {
		key := ev.ExternalID
		if ev.Type == provider.EntityTypeEnrollments {
			key = enrollmentKey(ev.ExternalID, ev.ExternalClassID)
		}
		if err := s.mappings.DeactivateMapping(ctx, rc.scope, ev.Type, key); err != nil {
			if errors.Is(err, ErrNotFound) {
				// Delete for something never mapped: nothing to do.
				return nil
			}
			return s.entityError(rc, ev.Type, key, fmt.Errorf("apply delete: %w", err))
		}
		stats.Deactivated++
		return nil
	}

	var err error
	switch ev.Type {
	case provider.EntityTypeSchools:
		if ev.School == nil {
			err = fmt.Errorf("%s event without school payload", ev.Op)
		} else {
			err = s.upsertSchool(ctx, rc, *ev.School)
		}
	case provider.EntityTypeClasses:
		if ev.Class == nil {
			err = fmt.Errorf("%s event without class payload", ev.Op)
		} else {
			err = s.upsertClass(ctx, rc, *ev.Class)
		}
	case provider.EntityTypeUsers:
		if ev.User == nil {
			err = fmt.Errorf("%s event without user payload", ev.Op)
		} else {
			err = s.upsertUser(ctx, rc, *ev.User)
		}
	case provider.EntityTypeEnrollments:
		if ev.Enrollment == nil {
			err = fmt.Errorf("%s event without enrollment payload", ev.Op)
		} else {
			err = s.upsertEnrollment(ctx, rc, *ev.Enrollment)
		}
	default:
		err = fmt.Errorf("unknown entity type %q", ev.Type)
	}

	if err != nil {
		return s.entityError(rc, ev.Type, ev.ExternalID, err)
	}
	return nil
}
