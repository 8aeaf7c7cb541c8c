package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/classtab/roster-sync/platform/go/provider"
)

// sweepDeactivations marks mappings stale after a full extraction: everything
// that was active before the run and absent from what the run observed is
// soft-deactivated. Delta syncs never reach this path; absence from an
// incremental page carries no deletion signal.
func (s *Service) sweepDeactivations(ctx context.Context, rc *runContext, t provider.EntityType, activeBefore []string) error {
	observed := rc.observed[t]
	stats := rc.run.StatsFor(t)

	for _, key := range activeBefore {
		if observed[key] {
			continue
		}
		if err := s.mappings.DeactivateMapping(ctx, rc.scope, t, key); err != nil {
			if abort := s.entityError(rc, t, key, fmt.Errorf("deactivate: %w", err)); abort != nil {
				return abort
			}
			continue
		}
		stats.Deactivated++
		rc.logger.Info("mapping deactivated",
			zap.String("entity_type", string(t)),
			zap.String("external_key", key),
		)
	}
	return nil
}
