package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/classtab/roster-sync/platform/go/logging"
	"github.com/classtab/roster-sync/platform/go/provider"

	"github.com/google/uuid"
)

// errCancelled aborts extraction at the next cooperative boundary.
var errCancelled = errors.New("run cancelled")

// TriggerOptions shapes one runSync invocation. Manual and scheduled triggers
// share the same path; only the trigger metadata differs.
type TriggerOptions struct {
	Source      TriggerSource
	TriggeredBy string
	// Full forces a full extraction even when a delta token is available.
	Full bool
	// ContinueOnError overrides the engine default for this run.
	ContinueOnError *bool
	// Wait executes the run inline instead of in the background.
	Wait bool
}

// RunSync triggers a synchronization for the scope. When a run is already in
// flight for the same (tenant, provider) it fails with ErrSyncInProgress and
// creates no run row. Otherwise the run row is returned immediately and the
// extraction proceeds in the background unless opts.Wait is set.
func (s *Service) RunSync(ctx context.Context, scope Scope, opts TriggerOptions) (Run, error) {
	if !s.registry.Has(scope.Provider) {
		return Run{}, fmt.Errorf("%w: %s", ErrUnsupportedProvider, scope.Provider)
	}
	if opts.Source == "" {
		opts.Source = TriggerSchedule
	}

	runID := uuid.New()
	handle, ok := s.locks.Acquire(scope, runID)
	if !ok {
		return Run{}, ErrSyncInProgress
	}

	now := time.Now().UTC()
	run := Run{
		ID:          runID,
		TenantID:    scope.TenantID,
		Provider:    scope.Provider,
		Status:      RunStatusPending,
		FullSync:    true,
		Trigger:     opts.Source,
		TriggeredBy: opts.TriggeredBy,
		Stats:       make(map[provider.EntityType]*TypeStats),
		StartedAt:   now,
	}
	created, err := s.runs.Create(ctx, run)
	if err != nil {
		s.locks.Release(scope)
		return Run{}, fmt.Errorf("create run: %w", err)
	}

	if opts.Wait {
		return s.execute(ctx, scope, created, handle, opts), nil
	}

	bg := context.WithoutCancel(ctx)
	go s.execute(bg, scope, created, handle, opts)
	return created, nil
}

// execute owns the whole run lifecycle: it is the only code path that closes
// the run it created, and it always releases the scope lock.
func (s *Service) execute(ctx context.Context, scope Scope, run Run, handle *RunHandle, opts TriggerOptions) Run {
	defer s.locks.Release(scope)

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	logger := logging.WithRunScope(s.logger, scope.TenantID, scope.Provider, run.ID)
	logger.Info("sync run starting", zap.String("trigger", string(run.Trigger)))

	run.Status = RunStatusInProgress
	if updated, err := s.runs.Update(ctx, run); err != nil {
		logger.Error("persist run transition", zap.Error(err))
	} else {
		run = updated
	}

	continueOnError := s.cfg.ContinueOnError
	if opts.ContinueOnError != nil {
		continueOnError = *opts.ContinueOnError
	}

	adapter, err := s.buildAdapter(ctx, scope)
	if err != nil {
		return s.closeRun(ctx, &run, nil, err, logger)
	}
	defer func() {
		if err := adapter.Cleanup(ctx); err != nil {
			logger.Warn("adapter cleanup", zap.Error(err))
		}
	}()

	if status := adapter.TestConnection(ctx); !status.OK {
		fatal := &provider.ConnectError{Provider: scope.Provider, Message: status.Message}
		return s.closeRun(ctx, &run, nil, fatal, logger)
	}

	state, err := s.delta.Get(ctx, scope)
	if errors.Is(err, ErrNotFound) {
		state = DeltaState{TenantID: scope.TenantID, Provider: scope.Provider, Status: DeltaStatusIdle}
	} else if err != nil {
		return s.closeRun(ctx, &run, nil, fmt.Errorf("load delta state: %w", err), logger)
	}

	deltaAdapter, deltaCapable := adapter.(provider.DeltaAdapter)
	deltaMode := !opts.Full && deltaCapable && state.LastDeltaToken != "" && state.Status != DeltaStatusError
	run.FullSync = !deltaMode

	state.Status = DeltaStatusRunning
	if state, err = s.delta.Save(ctx, state); err != nil {
		return s.closeRun(ctx, &run, nil, fmt.Errorf("mark delta state running: %w", err), logger)
	}

	rc := newRunContext(scope, &run, handle, continueOnError, !deltaMode, logger)

	var fatal error
	if deltaMode {
		fatal = s.runDelta(ctx, rc, deltaAdapter, &state)
	} else {
		fatal = s.runFull(ctx, rc, adapter)
	}

	if fatal == nil && rc.fullSync {
		// A completed full extraction resets the delta baseline.
		now := time.Now().UTC()
		state.LastFullSyncTime = &now
		state.LastSyncTime = &now
		state.Status = DeltaStatusIdle
		if deltaCapable {
			if baseline, err := deltaAdapter.FetchChanges(ctx, ""); err == nil {
				state.LastDeltaToken = baseline.NextToken
			} else {
				logger.Warn("obtain baseline delta token", zap.Error(err))
			}
		}
	} else if fatal == nil {
		now := time.Now().UTC()
		state.LastSyncTime = &now
		state.Status = DeltaStatusIdle
	}

	return s.closeRun(ctx, &run, &state, fatal, logger)
}

// buildAdapter constructs and initializes the adapter for the scope.
func (s *Service) buildAdapter(ctx context.Context, scope Scope) (provider.Adapter, error) {
	var settings []byte
	if s.configs != nil {
		doc, err := s.configs.Settings(ctx, scope.TenantID, scope.Provider)
		if err != nil {
			return nil, fmt.Errorf("load provider settings: %w", err)
		}
		settings = doc
	}

	adapter, err := s.registry.New(scope.Provider, settings)
	if err != nil {
		return nil, err
	}

	cfg := provider.Config{
		TenantID: scope.TenantID,
		Provider: scope.Provider,
		Settings: settings,
		Secrets:  s.secrets,
	}
	if err := adapter.Initialize(ctx, cfg); err != nil {
		return nil, err
	}
	return adapter, nil
}

// runFull extracts every entity type in dependency order, sweeping stale
// mappings after each type completes.
func (s *Service) runFull(ctx context.Context, rc *runContext, adapter provider.Adapter) error {
	for _, t := range provider.EntityTypes() {
		if rc.handle.Cancelled() {
			return errCancelled
		}

		activeBefore, err := s.mappings.ListActiveExternalKeys(ctx, rc.scope, t)
		if err != nil {
			return fmt.Errorf("snapshot active %s: %w", t, err)
		}

		if err := s.fetchAll(ctx, rc, adapter, t); err != nil {
			if !errors.Is(err, errCancelled) {
				// Connection failures retain no partial stats for the type.
				delete(rc.run.Stats, t)
			}
			return err
		}

		if err := s.sweepDeactivations(ctx, rc, t, activeBefore); err != nil {
			return err
		}
	}
	return nil
}

// fetchAll pages through one entity type, reconciling page by page. The
// cancellation flag is observed between pages; mid-page cancellation is not
// supported.
func (s *Service) fetchAll(ctx context.Context, rc *runContext, adapter provider.Adapter, t provider.EntityType) error {
	cursor := ""
	for {
		if rc.handle.Cancelled() {
			return errCancelled
		}

		var (
			warnings []string
			hasMore  bool
			next     string
			err      error
		)

		switch t {
		case provider.EntityTypeSchools:
			page, ferr := provider.FetchWithRetry(ctx, s.cfg.Retry, func() (provider.Page[provider.School], error) {
				return adapter.FetchSchools(ctx, cursor)
			})
			if ferr == nil {
				err = s.reconcileSchools(ctx, rc, page.Entities)
			} else {
				err = ferr
			}
			warnings, hasMore, next = page.Warnings, page.HasMore, page.NextCursor
		case provider.EntityTypeClasses:
			page, ferr := provider.FetchWithRetry(ctx, s.cfg.Retry, func() (provider.Page[provider.Class], error) {
				return adapter.FetchClasses(ctx, cursor)
			})
			if ferr == nil {
				err = s.reconcileClasses(ctx, rc, page.Entities)
			} else {
				err = ferr
			}
			warnings, hasMore, next = page.Warnings, page.HasMore, page.NextCursor
		case provider.EntityTypeUsers:
			page, ferr := provider.FetchWithRetry(ctx, s.cfg.Retry, func() (provider.Page[provider.User], error) {
				return adapter.FetchUsers(ctx, cursor)
			})
			if ferr == nil {
				err = s.reconcileUsers(ctx, rc, page.Entities)
			} else {
				err = ferr
			}
			warnings, hasMore, next = page.Warnings, page.HasMore, page.NextCursor
		case provider.EntityTypeEnrollments:
			page, ferr := provider.FetchWithRetry(ctx, s.cfg.Retry, func() (provider.Page[provider.Enrollment], error) {
				return adapter.FetchEnrollments(ctx, cursor)
			})
			if ferr == nil {
				err = s.reconcileEnrollments(ctx, rc, page.Entities)
			} else {
				err = ferr
			}
			warnings, hasMore, next = page.Warnings, page.HasMore, page.NextCursor
		default:
			return fmt.Errorf("unknown entity type %q", t)
		}

		if err != nil {
			return err
		}

		rc.run.Warnings = append(rc.run.Warnings, warnings...)

		if !hasMore {
			return nil
		}
		cursor = next
	}
}

// closeRun finalizes and persists the run exactly once, along with the delta
// state when the caller threaded one through.
func (s *Service) closeRun(ctx context.Context, run *Run, state *DeltaState, fatal error, logger *zap.Logger) Run {
	now := time.Now().UTC()
	run.CompletedAt = &now

	switch {
	case errors.Is(fatal, errCancelled):
		run.Status = RunStatusCancelled
	case fatal != nil:
		run.Status = RunStatusFailure
		run.Errors = append(run.Errors, RunError{Message: fatal.Error()})
		if state != nil {
			state.Status = DeltaStatusError
		}
	case len(run.Errors) > 0:
		run.Status = RunStatusPartial
	default:
		run.Status = RunStatusSuccess
	}

	if state == nil && fatal != nil {
		// The run failed before delta state was marked running; make sure a
		// stale running row does not linger.
		if current, err := s.delta.Get(ctx, Scope{TenantID: run.TenantID, Provider: run.Provider}); err == nil && current.Status == DeltaStatusRunning {
			current.Status = DeltaStatusError
			state = &current
		}
	}
	if state != nil {
		if run.Status == RunStatusCancelled && state.Status == DeltaStatusRunning {
			state.Status = DeltaStatusIdle
		}
		if _, err := s.delta.Save(ctx, *state); err != nil {
			logger.Error("persist delta state", zap.Error(err))
		}
	}

	updated, err := s.runs.Update(ctx, *run)
	if err != nil {
		logger.Error("persist run close", zap.Error(err))
		updated = *run
	}

	logger.Info("sync run closed",
		zap.String("status", string(updated.Status)),
		zap.Int("errors", len(updated.Errors)),
		zap.Duration("duration", now.Sub(updated.StartedAt)),
	)
	return updated
}
