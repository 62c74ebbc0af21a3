// Package registry holds the state machine of triangles and their positions.
// Every operation works on a triangle the caller has already locked inside a
// unit of work and persists its changes through that unit.
package registry

import (
	"context"
	"fmt"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/internal/repository"
	"trimatrix/pkg/errors"

	"github.com/google/uuid"
)

// Plans resolves tier plans.
type Plans interface {
	Resolve(tier int, at time.Time) (*domain.Plan, error)
	Version(ctx context.Context, tier, version int) (*domain.Plan, error)
}

// Addresses issues deposit addresses.
type Addresses interface {
	Issue(positionID uuid.UUID, network string) (string, error)
}

type Registry struct {
	plans     Plans
	addresses Addresses
	now       func() time.Time
}

func New(plans Plans, addresses Addresses) *Registry {
	return &Registry{plans: plans, addresses: addresses, now: time.Now}
}

// WithClock overrides the time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) stamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// OpenPosition returns the open position at slot, creating it when absent.
func (r *Registry) OpenPosition(ctx context.Context, tx repository.RegistryTx, tri *domain.Triangle, slot int) (*domain.Position, error) {
	if slot < 0 || slot >= tri.Capacity {
		return nil, errors.Wrap(errors.ErrCapacityExceeded, fmt.Sprintf("slot %d of %d", slot, tri.Capacity))
	}
	if existing := tri.PositionAt(slot); existing != nil {
		if existing.Status != domain.PositionStatusOpen {
			return nil, errors.Wrap(errors.ErrSlotTaken, fmt.Sprintf("slot %d is %s", slot, existing.Status))
		}
		return existing, nil
	}

	now := r.stamp()
	p := &domain.Position{
		ID:         uuid.New(),
		TriangleID: tri.ID,
		Tier:       tri.Tier,
		SlotIndex:  slot,
		Status:     domain.PositionStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.InsertPosition(ctx, p); err != nil {
		return nil, err
	}
	tri.Positions = append(tri.Positions, p)
	tri.SortPositions()
	return p, nil
}

// AssignOccupant moves an open position to PendingDeposit. Slots are handed
// out in ascending order, so a position with an open slot below it is refused.
func (r *Registry) AssignOccupant(ctx context.Context, tx repository.RegistryTx, tri *domain.Triangle, positionID, userID uuid.UUID, referrerID *uuid.UUID) (*domain.Position, error) {
	if tri.Status != domain.TriangleStatusFilling {
		return nil, errors.Wrap(errors.ErrInvalidState, fmt.Sprintf("triangle is %s", tri.Status))
	}
	p := tri.PositionByID(positionID)
	if p == nil {
		return nil, errors.ErrPositionNotFound
	}
	if p.Status != domain.PositionStatusOpen {
		return nil, errors.Wrap(errors.ErrInvalidState, fmt.Sprintf("position is %s", p.Status))
	}
	if lowest := tri.LowestOpenSlot(); lowest != p.SlotIndex {
		return nil, errors.Wrap(errors.ErrInvalidState, fmt.Sprintf("slot %d is still open", lowest))
	}

	plan, err := r.plans.Version(ctx, tri.Tier, tri.PlanVersion)
	if err != nil {
		return nil, err
	}
	address, err := r.addresses.Issue(p.ID, plan.Network)
	if err != nil {
		return nil, errors.Wrap(err, "failed to issue deposit address")
	}

	now := r.stamp()
	occupant := userID
	p.OccupantUserID = &occupant
	if referrerID != nil {
		ref := *referrerID
		p.ReferrerID = &ref
	}
	p.Status = domain.PositionStatusPendingDeposit
	p.RequiredAmount = plan.RequiredAmount
	p.Coin = plan.Coin
	p.Network = plan.Network
	p.DepositAddress = &address
	p.AssignedAt = &now
	p.UpdatedAt = now

	if err := tx.UpdatePosition(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// MarkFunded moves a pending position to Funded. When that funds the last
// slot the triangle becomes Complete in the same unit and TriangleCompleted
// is queued. Reports whether the triangle completed.
func (r *Registry) MarkFunded(ctx context.Context, tx repository.Tx, tri *domain.Triangle, positionID, transactionID uuid.UUID) (bool, error) {
	p := tri.PositionByID(positionID)
	if p == nil {
		return false, errors.ErrPositionNotFound
	}
	if p.Status != domain.PositionStatusPendingDeposit {
		return false, errors.Wrap(errors.ErrInvalidState, fmt.Sprintf("position is %s", p.Status))
	}

	now := r.stamp()
	txID := transactionID
	p.Status = domain.PositionStatusFunded
	p.DepositTransactionID = &txID
	p.FundedAt = &now
	p.UpdatedAt = now
	if err := tx.UpdatePosition(ctx, p); err != nil {
		return false, err
	}

	if tri.Status != domain.TriangleStatusFilling || !tri.AllFunded() {
		return false, nil
	}

	tri.Status = domain.TriangleStatusComplete
	tri.CompletedAt = &now
	tri.UpdatedAt = now
	if err := tx.UpdateTriangle(ctx, tri); err != nil {
		return false, err
	}
	if err := tx.AppendEvent(ctx, domain.NewTriangleCompleted(tri.ID, now)); err != nil {
		return false, err
	}
	return true, nil
}

// SpawnChild creates a triangle at tier under the plan effective now, with
// every slot open.
func (r *Registry) SpawnChild(ctx context.Context, tx repository.RegistryTx, parentID *uuid.UUID, tier int) (*domain.Triangle, error) {
	now := r.stamp()
	plan, err := r.plans.Resolve(tier, now)
	if err != nil {
		return nil, err
	}

	tri := &domain.Triangle{
		ID:          uuid.New(),
		Tier:        tier,
		PlanVersion: plan.Version,
		Capacity:    plan.Capacity,
		Status:      domain.TriangleStatusFilling,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if parentID != nil {
		parent := *parentID
		tri.ParentTriangleID = &parent
	}
	if err := tx.InsertTriangle(ctx, tri); err != nil {
		return nil, err
	}
	for slot := 0; slot < tri.Capacity; slot++ {
		if _, err := r.OpenPosition(ctx, tx, tri, slot); err != nil {
			return nil, err
		}
	}
	return tri, nil
}

// MarkCycled closes out a funded position whose occupant moved to the next tier.
func (r *Registry) MarkCycled(ctx context.Context, tx repository.RegistryTx, tri *domain.Triangle, positionID uuid.UUID) error {
	p := tri.PositionByID(positionID)
	if p == nil {
		return errors.ErrPositionNotFound
	}
	if p.Status != domain.PositionStatusFunded {
		return errors.Wrap(errors.ErrInvalidState, fmt.Sprintf("position is %s", p.Status))
	}
	p.Status = domain.PositionStatusCycled
	p.UpdatedAt = r.stamp()
	return tx.UpdatePosition(ctx, p)
}

// MarkSettled moves a complete triangle to its terminal state.
func (r *Registry) MarkSettled(ctx context.Context, tx repository.Tx, tri *domain.Triangle) error {
	if tri.Status != domain.TriangleStatusComplete {
		return errors.Wrap(errors.ErrInvalidState, fmt.Sprintf("triangle is %s", tri.Status))
	}
	now := r.stamp()
	tri.Status = domain.TriangleStatusSettled
	tri.SettledAt = &now
	tri.UpdatedAt = now
	if err := tx.UpdateTriangle(ctx, tri); err != nil {
		return err
	}
	return tx.AppendEvent(ctx, domain.NewTriangleSettled(tri.ID, now))
}
