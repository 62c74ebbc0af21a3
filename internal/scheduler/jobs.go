package scheduler

import (
	"context"

	"trimatrix/internal/domain"
	"trimatrix/pkg/logger"
)

const (
	JobSettlementSweep = "settlement_sweep"
	JobStaleScan       = "stale_scan"
	JobPlanReload      = "plan_reload"
)

type Sweeper interface {
	RecoverCompleted(ctx context.Context) (int, error)
}

type PlanReloader interface {
	Reload(ctx context.Context) error
}

type StaleLister interface {
	StalePositions(ctx context.Context, limit int) ([]*domain.Position, error)
}

// SettlementSweep settles Complete triangles whose completion event was lost
// or whose settlement was interrupted.
func SettlementSweep(schedule string, sweeper Sweeper, log logger.Logger) Job {
	return Job{
		Name:     JobSettlementSweep,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := sweeper.RecoverCompleted(ctx)
			if n > 0 {
				log.Info("Recovered completed triangles", map[string]interface{}{"settled": n})
			}
			return err
		},
	}
}

// StaleScan reports positions that have waited on a deposit past the stale
// horizon. Nothing is cancelled.
func StaleScan(schedule string, lister StaleLister, log logger.Logger) Job {
	return Job{
		Name:     JobStaleScan,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			stale, err := lister.StalePositions(ctx, 0)
			if err != nil {
				return err
			}
			if len(stale) == 0 {
				return nil
			}
			fields := map[string]interface{}{"count": len(stale)}
			var oldest *domain.Position
			for _, p := range stale {
				if p.AssignedAt != nil && (oldest == nil || p.AssignedAt.Before(*oldest.AssignedAt)) {
					oldest = p
				}
			}
			if oldest != nil {
				fields["oldest_position"] = oldest.ID
				fields["oldest_assigned_at"] = *oldest.AssignedAt
			}
			log.Warn("Positions awaiting deposit past stale horizon", fields)
			return nil
		},
	}
}

// PlanReload refreshes this replica's plan catalog so versions published by
// other processes become resolvable.
func PlanReload(schedule string, reloader PlanReloader) Job {
	return Job{
		Name:       JobPlanReload,
		Schedule:   schedule,
		PerReplica: true,
		Run:        reloader.Reload,
	}
}
