// Package settlement releases payouts and referral bonuses for completed
// triangles and cycles their occupants into the next tier.
package settlement

import (
	"context"
	"fmt"
	"time"

	"trimatrix/internal/allocation"
	"trimatrix/internal/domain"
	"trimatrix/internal/ledger"
	"trimatrix/internal/registry"
	"trimatrix/internal/repository"
	"trimatrix/pkg/errors"
	"trimatrix/pkg/logger"

	"github.com/google/uuid"
)

// BalanceInvalidator drops cached balances once a unit has committed.
type BalanceInvalidator interface {
	Invalidate(ctx context.Context, coin string, userIDs ...uuid.UUID)
}

type Service struct {
	store      repository.Store
	registry   *registry.Registry
	engine     *allocation.Engine
	plans      registry.Plans
	balances   BalanceInvalidator
	logger     logger.Logger
	now        func() time.Time
	sweepBatch int
}

func NewService(
	store repository.Store,
	reg *registry.Registry,
	engine *allocation.Engine,
	plans registry.Plans,
	balances BalanceInvalidator,
	log logger.Logger,
) *Service {
	return &Service{
		store:      store,
		registry:   reg,
		engine:     engine,
		plans:      plans,
		balances:   balances,
		logger:     log,
		now:        time.Now,
		sweepBatch: 100,
	}
}

// Report lists what one settlement produced.
type Report struct {
	TriangleID     uuid.UUID               `json:"triangle_id"`
	AlreadySettled bool                    `json:"already_settled"`
	Payouts        []*domain.Transaction   `json:"payouts"`
	Bonuses        []*domain.Transaction   `json:"bonuses"`
	Cycled         []*allocation.Placement `json:"cycled"`
	NotCycled      []uuid.UUID             `json:"not_cycled,omitempty"`
}

// Settle settles a complete triangle in one unit of work. Settling a settled
// triangle is a no-op; a filling triangle is refused.
func (s *Service) Settle(ctx context.Context, triangleID uuid.UUID) (*Report, error) {
	var report *Report
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		report, err = s.settle(ctx, tx, triangleID)
		return err
	})
	if err != nil {
		s.logger.Error("Settlement failed", map[string]interface{}{
			"triangle_id": triangleID,
			"error":       err.Error(),
		})
		return nil, err
	}
	if report.AlreadySettled {
		return report, nil
	}

	s.invalidate(ctx, report)
	s.logger.Info("Triangle settled", map[string]interface{}{
		"triangle_id": triangleID,
		"payouts":     len(report.Payouts),
		"bonuses":     len(report.Bonuses),
		"cycled":      len(report.Cycled),
	})
	return report, nil
}

func (s *Service) settle(ctx context.Context, tx repository.Tx, triangleID uuid.UUID) (*Report, error) {
	report := &Report{TriangleID: triangleID}

	tri, err := tx.LockTriangle(ctx, triangleID)
	if err != nil {
		return nil, err
	}
	switch tri.Status {
	case domain.TriangleStatusSettled:
		report.AlreadySettled = true
		return report, nil
	case domain.TriangleStatusFilling:
		return nil, errors.Wrap(errors.ErrInvalidState, "triangle is still filling")
	}

	plan, err := s.plans.Version(ctx, tri.Tier, tri.PlanVersion)
	if err != nil {
		return nil, err
	}
	nextTier, cycling := s.nextTier(plan)

	now := s.now().UTC().Truncate(time.Microsecond)
	var entries []*domain.Transaction

	tri.SortPositions()
	for _, p := range tri.Positions {
		if p.Status != domain.PositionStatusFunded || p.OccupantUserID == nil {
			continue
		}
		occupant := *p.OccupantUserID

		if amount := plan.PayoutFor(p.SlotIndex); amount.IsPositive() {
			payout := &domain.Transaction{
				ID:         uuid.New(),
				UserID:     occupant,
				PositionID: &p.ID,
				TriangleID: &tri.ID,
				Kind:       domain.TransactionKindPayout,
				Amount:     amount,
				Coin:       plan.Coin,
				Network:    plan.Network,
				Status:     domain.TransactionStatusPending,
			}
			if err := tx.AppendEvent(ctx, domain.NewPayoutCreated(payout, now)); err != nil {
				return nil, err
			}
			entries = append(entries, payout)
			report.Payouts = append(report.Payouts, payout)
		}

		bonus, err := s.referralBonus(ctx, tx, plan, tri, p, now)
		if err != nil {
			return nil, err
		}
		if bonus != nil {
			entries = append(entries, bonus)
			report.Bonuses = append(report.Bonuses, bonus)
		}

		if !cycling {
			continue
		}
		placed, err := s.engine.Cycle(ctx, tx, tri.ID, occupant, nextTier, p.ReferrerID)
		if errors.Is(err, errors.ErrAlreadyPlaced) {
			s.logger.Warn("Occupant already placed at next tier, not cycled", map[string]interface{}{
				"triangle_id": tri.ID,
				"position_id": p.ID,
				"user_id":     occupant,
				"next_tier":   nextTier,
			})
			report.NotCycled = append(report.NotCycled, p.ID)
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("failed to cycle slot %d", p.SlotIndex))
		}
		if err := s.registry.MarkCycled(ctx, tx, tri, p.ID); err != nil {
			return nil, err
		}
		report.Cycled = append(report.Cycled, placed)
	}

	// Ledger heads are the last locks taken in a unit.
	if err := ledger.Post(ctx, tx, now, entries...); err != nil {
		return nil, err
	}
	if err := s.registry.MarkSettled(ctx, tx, tri); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Service) nextTier(plan *domain.Plan) (int, bool) {
	if plan.NextTier == nil {
		return 0, false
	}
	if _, err := s.plans.Resolve(*plan.NextTier, s.now()); err != nil {
		s.logger.Warn("No plan effective for next tier, cycling disabled", map[string]interface{}{
			"tier":      plan.Tier,
			"next_tier": *plan.NextTier,
		})
		return 0, false
	}
	return *plan.NextTier, true
}

// referralBonus credits the direct referrer of p. Only one level is paid.
func (s *Service) referralBonus(ctx context.Context, tx repository.Tx, plan *domain.Plan, tri *domain.Triangle, p *domain.Position, now time.Time) (*domain.Transaction, error) {
	if p.ReferrerID == nil {
		return nil, nil
	}
	amount := plan.ReferralBonus()
	if !amount.IsPositive() {
		return nil, nil
	}
	referrer := *p.ReferrerID
	referred := *p.OccupantUserID

	if plan.ReferralPolicy == domain.ReferralOncePerParticipant {
		credited, err := tx.HasReferralBonus(ctx, referrer, referred)
		if err != nil {
			return nil, err
		}
		if credited {
			return nil, nil
		}
	}

	return &domain.Transaction{
		ID:             uuid.New(),
		UserID:         referrer,
		PositionID:     &p.ID,
		TriangleID:     &tri.ID,
		ReferredUserID: &referred,
		Kind:           domain.TransactionKindReferralBonus,
		Amount:         amount,
		Coin:           plan.Coin,
		Network:        plan.Network,
		Status:         domain.TransactionStatusConfirmed,
		ConfirmedAt:    &now,
	}, nil
}

func (s *Service) invalidate(ctx context.Context, report *Report) {
	if s.balances == nil {
		return
	}
	for _, group := range [][]*domain.Transaction{report.Payouts, report.Bonuses} {
		for _, e := range group {
			s.balances.Invalidate(ctx, e.Coin, e.UserID)
		}
	}
}

// RecoverCompleted settles every triangle still sitting in Complete, which
// covers lost completion events and crashes between completion and settlement.
func (s *Service) RecoverCompleted(ctx context.Context) (int, error) {
	settled := 0
	for {
		pending, err := s.store.ListTrianglesByStatus(ctx, domain.TriangleStatusComplete, s.sweepBatch)
		if err != nil {
			return settled, err
		}
		if len(pending) == 0 {
			return settled, nil
		}

		progressed := false
		for _, tri := range pending {
			if ctx.Err() != nil {
				return settled, ctx.Err()
			}
			report, err := s.Settle(ctx, tri.ID)
			if err != nil {
				continue
			}
			if !report.AlreadySettled {
				settled++
			}
			progressed = true
		}
		if !progressed || len(pending) < s.sweepBatch {
			if settled > 0 {
				s.logger.Info("Recovered completed triangles", map[string]interface{}{
					"count": settled,
				})
			}
			return settled, nil
		}
	}
}

// HandleEvent settles the triangle named by a TriangleCompleted event and
// ignores every other event type.
func (s *Service) HandleEvent(ctx context.Context, e *domain.Event) error {
	if e.Type != domain.EventTriangleCompleted || e.TriangleID == nil {
		return nil
	}
	_, err := s.Settle(ctx, *e.TriangleID)
	return err
}
