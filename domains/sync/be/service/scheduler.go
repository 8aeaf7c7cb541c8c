package service

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Schedule declares one recurring sync.
type Schedule struct {
	Scope    Scope
	Interval time.Duration
}

// Scheduler holds one timer per scheduled (tenant, provider) and funnels
// every tick through the same single-flight path manual triggers use.
type Scheduler struct {
	svc     *Service
	entries []Schedule
	logger  *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewScheduler constructs a scheduler; Start launches the timers.
func NewScheduler(svc *Service, entries []Schedule, logger *zap.Logger) *Scheduler {
	if svc == nil {
		panic("sync service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{svc: svc, entries: entries, logger: logger}
}

// Start launches one ticker goroutine per schedule entry. Calling Start twice
// without Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	for _, entry := range s.entries {
		if entry.Interval <= 0 {
			s.logger.Warn("skipping schedule with non-positive interval",
				zap.String("tenant_id", entry.Scope.TenantID.String()),
				zap.String("provider", entry.Scope.Provider),
			)
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, entry)
	}
}

// Stop cancels the timers and waits for tick handlers to return. In-flight
// runs keep executing to completion; only future ticks are stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, entry Schedule) {
	defer s.wg.Done()

	// Stagger startup so schedules sharing an interval do not all fire at
	// once after a deploy.
	jitter := time.Duration(rand.Int64N(int64(entry.Interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(entry.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, entry)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, entry Schedule) {
	// Stop cancels the timer context while a tick may still be inside
	// RunSync. The run must finish and close its row regardless, so it
	// executes detached from the timer's lifetime; Stop's wg.Wait is what
	// holds shutdown until this returns.
	run, err := s.svc.RunSync(context.WithoutCancel(ctx), entry.Scope, TriggerOptions{Source: TriggerSchedule, Wait: true})
	switch {
	case errors.Is(err, ErrSyncInProgress):
		s.logger.Debug("scheduled tick skipped; run already in flight",
			zap.String("tenant_id", entry.Scope.TenantID.String()),
			zap.String("provider", entry.Scope.Provider),
		)
	case err != nil:
		s.logger.Error("scheduled sync failed to start",
			zap.String("tenant_id", entry.Scope.TenantID.String()),
			zap.String("provider", entry.Scope.Provider),
			zap.Error(err),
		)
	default:
		s.logger.Info("scheduled sync finished",
			zap.String("tenant_id", entry.Scope.TenantID.String()),
			zap.String("provider", entry.Scope.Provider),
			zap.String("status", string(run.Status)),
		)
	}
}
