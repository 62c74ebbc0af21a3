// Package allocation places participants into triangle positions. Placement
// is first-fit: the oldest filling triangle at the tier with an open slot
// takes the participant at its lowest open slot.
package allocation

import (
	"context"
	"fmt"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/internal/registry"
	"trimatrix/internal/repository"
	"trimatrix/pkg/errors"
	"trimatrix/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Request asks for a placement. With Promoted set and a referrer given, the
// placement lands at the referrer's highest active tier instead of Tier.
type Request struct {
	UserID     uuid.UUID  `json:"user_id" validate:"required"`
	Tier       int        `json:"tier" validate:"gte=0"`
	ReferrerID *uuid.UUID `json:"referrer_id,omitempty"`
	Promoted   bool       `json:"promoted"`
}

// Placement is what the participant needs to fund the position.
type Placement struct {
	PositionID     uuid.UUID       `json:"position_id"`
	PositionKey    string          `json:"position_key"`
	TriangleID     uuid.UUID       `json:"triangle_id"`
	Tier           int             `json:"tier"`
	SlotIndex      int             `json:"slot_index"`
	DepositAddress string          `json:"deposit_address"`
	RequiredAmount decimal.Decimal `json:"required_amount"`
	Coin           string          `json:"coin"`
	Network        string          `json:"network"`
}

type Engine struct {
	store    repository.Store
	registry *registry.Registry
	plans    registry.Plans
	logger   logger.Logger
	now      func() time.Time
}

func NewEngine(store repository.Store, reg *registry.Registry, plans registry.Plans, log logger.Logger) *Engine {
	return &Engine{store: store, registry: reg, plans: plans, logger: log, now: time.Now}
}

// Place runs a placement in its own unit of work.
func (e *Engine) Place(ctx context.Context, req Request) (*Placement, error) {
	if req.ReferrerID != nil && *req.ReferrerID == req.UserID {
		return nil, errors.ErrInvalidReferrer
	}

	var placement *Placement
	var tier int
	err := e.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		tier, err = e.resolveTier(ctx, tx, req)
		if err != nil {
			return err
		}
		placement, err = e.PlaceTx(ctx, tx, req.UserID, tier, req.ReferrerID)
		return err
	})
	if err != nil {
		e.logger.Warn("Placement rejected", map[string]interface{}{
			"user_id": req.UserID,
			"tier":    req.Tier,
			"error":   err.Error(),
		})
		return nil, err
	}

	e.logger.Info("Participant placed", map[string]interface{}{
		"user_id":      req.UserID,
		"position_key": placement.PositionKey,
		"tier":         tier,
	})
	return placement, nil
}

func (e *Engine) resolveTier(ctx context.Context, tx repository.RegistryTx, req Request) (int, error) {
	tier := req.Tier
	if req.Promoted && req.ReferrerID != nil {
		referrerTier, ok, err := tx.HighestActiveTier(ctx, *req.ReferrerID)
		if err != nil {
			return 0, err
		}
		if ok {
			tier = referrerTier
		}
	}
	if _, err := e.plans.Resolve(tier, e.now()); err != nil {
		return 0, err
	}
	return tier, nil
}

// PlaceTx places userID at tier inside the caller's unit of work. It takes
// the tier lock, so callers holding a triangle lock may only call it for a
// higher tier.
func (e *Engine) PlaceTx(ctx context.Context, tx repository.Tx, userID uuid.UUID, tier int, referrerID *uuid.UUID) (*Placement, error) {
	if err := e.lockEligible(ctx, tx, userID, tier); err != nil {
		return nil, err
	}

	tri, err := tx.OldestFillingTriangle(ctx, tier)
	if errors.Is(err, errors.ErrTriangleNotFound) {
		tri, err = e.registry.SpawnChild(ctx, tx, nil, tier)
	}
	if err != nil {
		return nil, err
	}
	return e.assignLowest(ctx, tx, tri, userID, referrerID)
}

// Cycle moves userID into slot 0 of a fresh child of parent at tier. The
// referrer carries over to the new position.
func (e *Engine) Cycle(ctx context.Context, tx repository.Tx, parentID uuid.UUID, userID uuid.UUID, tier int, referrerID *uuid.UUID) (*Placement, error) {
	if err := e.lockEligible(ctx, tx, userID, tier); err != nil {
		return nil, err
	}
	child, err := e.registry.SpawnChild(ctx, tx, &parentID, tier)
	if err != nil {
		return nil, err
	}
	return e.assignLowest(ctx, tx, child, userID, referrerID)
}

func (e *Engine) lockEligible(ctx context.Context, tx repository.Tx, userID uuid.UUID, tier int) error {
	if err := tx.LockTier(ctx, tier); err != nil {
		return err
	}
	placed, err := tx.HasActivePosition(ctx, userID, tier)
	if err != nil {
		return err
	}
	if placed {
		return errors.Wrap(errors.ErrAlreadyPlaced, fmt.Sprintf("tier %d", tier))
	}
	return nil
}

func (e *Engine) assignLowest(ctx context.Context, tx repository.Tx, tri *domain.Triangle, userID uuid.UUID, referrerID *uuid.UUID) (*Placement, error) {
	slot := tri.LowestOpenSlot()
	if slot < 0 {
		return nil, errors.Wrap(errors.ErrInvalidState, "triangle has no open slot")
	}
	open, err := e.registry.OpenPosition(ctx, tx, tri, slot)
	if err != nil {
		return nil, err
	}
	p, err := e.registry.AssignOccupant(ctx, tx, tri, open.ID, userID, referrerID)
	if err != nil {
		return nil, err
	}

	return &Placement{
		PositionID:     p.ID,
		PositionKey:    domain.PositionKey(tri.Tier, tri.Seq, p.SlotIndex),
		TriangleID:     tri.ID,
		Tier:           tri.Tier,
		SlotIndex:      p.SlotIndex,
		DepositAddress: *p.DepositAddress,
		RequiredAmount: p.RequiredAmount,
		Coin:           p.Coin,
		Network:        p.Network,
	}, nil
}
