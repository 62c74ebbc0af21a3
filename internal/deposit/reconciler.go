// Package deposit turns confirmed on-chain transfers reported by the chain
// observer into ledger entries and funded positions.
package deposit

import (
	"context"
	"fmt"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/internal/ledger"
	"trimatrix/internal/registry"
	"trimatrix/internal/repository"
	"trimatrix/pkg/errors"
	"trimatrix/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Confirmation is one confirmed transfer as reported by the chain observer.
type Confirmation struct {
	DepositAddress string          `json:"deposit_address" validate:"required"`
	Network        string          `json:"network" validate:"required,network"`
	Coin           string          `json:"coin" validate:"required,coin"`
	Amount         decimal.Decimal `json:"amount" validate:"required,gt=0"`
	ExternalRef    string          `json:"external_ref" validate:"required,max=128"`
	ObservedAt     time.Time       `json:"observed_at"`
}

// Result describes what a confirmation did. Duplicate is set when the
// external reference had already been processed and nothing was written.
type Result struct {
	Transaction       *domain.Transaction      `json:"transaction,omitempty"`
	Unmatched         *domain.UnmatchedDeposit `json:"unmatched,omitempty"`
	Duplicate         bool                     `json:"duplicate"`
	TriangleCompleted bool                     `json:"triangle_completed"`

	rejected error
}

// BalanceInvalidator drops cached balances once a unit has committed.
type BalanceInvalidator interface {
	Invalidate(ctx context.Context, coin string, userIDs ...uuid.UUID)
}

type Reconciler struct {
	store    repository.Store
	registry *registry.Registry
	balances BalanceInvalidator
	logger   logger.Logger
	now      func() time.Time
}

func NewReconciler(store repository.Store, reg *registry.Registry, balances BalanceInvalidator, log logger.Logger) *Reconciler {
	return &Reconciler{store: store, registry: reg, balances: balances, logger: log, now: time.Now}
}

// Confirm applies one confirmation. Rejections (unknown address, wrong coin,
// underpayment) are committed before their error is returned, so the caller
// always gets a Result describing the recorded outcome.
func (r *Reconciler) Confirm(ctx context.Context, c Confirmation) (*Result, error) {
	if c.ExternalRef == "" || !c.Amount.IsPositive() {
		return nil, errors.Wrap(errors.ErrInvalidState, "confirmation needs an external reference and a positive amount")
	}

	var result *Result
	err := r.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.LockExternalRef(ctx, c.ExternalRef); err != nil {
			return err
		}
		res, err := r.dedup(ctx, tx, c)
		if err != nil {
			return err
		}
		if res != nil {
			result = res
			return nil
		}

		result, err = r.apply(ctx, tx, c)
		return err
	})
	if err != nil {
		r.logger.Error("Deposit confirmation failed", map[string]interface{}{
			"external_ref": c.ExternalRef,
			"address":      c.DepositAddress,
			"error":        err.Error(),
		})
		return nil, err
	}

	rejected := result.rejected
	if result.Duplicate {
		r.logger.Info("Duplicate deposit confirmation ignored", map[string]interface{}{
			"external_ref": c.ExternalRef,
		})
		return result, rejected
	}

	if result.Transaction != nil && r.balances != nil {
		r.balances.Invalidate(ctx, result.Transaction.Coin, result.Transaction.UserID)
	}
	fields := map[string]interface{}{
		"external_ref": c.ExternalRef,
		"address":      c.DepositAddress,
		"amount":       c.Amount.String(),
	}
	if rejected != nil {
		fields["reason"] = rejected.Error()
		r.logger.Warn("Deposit rejected", fields)
		return result, rejected
	}
	fields["transaction_id"] = result.Transaction.ID
	fields["triangle_completed"] = result.TriangleCompleted
	r.logger.Info("Deposit confirmed", fields)
	return result, nil
}

func (r *Reconciler) dedup(ctx context.Context, tx repository.LedgerTx, c Confirmation) (*Result, error) {
	ref := c.ExternalRef
	existing, err := tx.FindTransactionByExternalRef(ctx, ref)
	if err == nil {
		if existing.Kind == domain.TransactionKindDeposit {
			return &Result{Transaction: existing, Duplicate: true}, nil
		}
		return r.conflict(ctx, tx, c, existing)
	}
	if !errors.Is(err, errors.ErrTransactionNotFound) {
		return nil, err
	}

	unmatched, err := tx.FindUnmatchedByExternalRef(ctx, ref)
	if err == nil {
		return &Result{Unmatched: unmatched, Duplicate: true, rejected: errors.ErrUnknownDeposit}, nil
	}
	if !errors.Is(err, errors.ErrTransactionNotFound) {
		return nil, err
	}
	return nil, nil
}

// conflict handles a transfer whose reference already belongs to a payout or
// withdrawal. It is queued for an operator; a replay finds the queued record.
func (r *Reconciler) conflict(ctx context.Context, tx repository.LedgerTx, c Confirmation, owner *domain.Transaction) (*Result, error) {
	rejected := errors.Wrap(errors.ErrDuplicateExternalRef,
		fmt.Sprintf("reference belongs to %s %s", owner.Kind, owner.ID))

	queued, err := tx.FindUnmatchedByExternalRef(ctx, c.ExternalRef)
	if err == nil {
		return &Result{Unmatched: queued, Duplicate: true, rejected: rejected}, nil
	}
	if !errors.Is(err, errors.ErrTransactionNotFound) {
		return nil, err
	}

	now := r.now().UTC().Truncate(time.Microsecond)
	res, err := r.unmatched(ctx, tx, c, now, domain.ReasonRefConflict, domain.Metadata{
		"transaction_id": owner.ID.String(),
		"kind":           string(owner.Kind),
	})
	if err != nil {
		return nil, err
	}
	res.rejected = rejected
	return res, nil
}

// apply runs the matching protocol after dedup. A rejection is carried on the
// Result so the unit still commits.
func (r *Reconciler) apply(ctx context.Context, tx repository.Tx, c Confirmation) (*Result, error) {
	now := r.now().UTC().Truncate(time.Microsecond)

	pending, err := tx.FindPendingByAddress(ctx, c.DepositAddress, c.Network)
	if errors.Is(err, errors.ErrPositionNotFound) {
		return r.unmatched(ctx, tx, c, now, domain.ReasonNoPendingPosition, nil)
	}
	if err != nil {
		return nil, err
	}

	tri, err := tx.LockTriangle(ctx, pending.TriangleID)
	if err != nil {
		return nil, err
	}
	p := tri.PositionByID(pending.ID)
	if p == nil || p.Status != domain.PositionStatusPendingDeposit ||
		p.DepositAddress == nil || *p.DepositAddress != c.DepositAddress {
		return r.unmatched(ctx, tx, c, now, domain.ReasonNoPendingPosition, nil)
	}

	observed := c.ObservedAt.UTC()
	if c.ObservedAt.IsZero() {
		observed = now
	}
	ref := c.ExternalRef
	entry := &domain.Transaction{
		ID:          uuid.New(),
		UserID:      *p.OccupantUserID,
		PositionID:  &p.ID,
		TriangleID:  &tri.ID,
		Kind:        domain.TransactionKindDeposit,
		Amount:      c.Amount,
		Coin:        c.Coin,
		Network:     c.Network,
		Status:      domain.TransactionStatusConfirmed,
		ExternalRef: &ref,
		ConfirmedAt: &observed,
	}

	var rejected error
	switch {
	case c.Coin != p.Coin:
		entry.Status = domain.TransactionStatusFailed
		entry.StatusReason = domain.ReasonAssetMismatch
		entry.ConfirmedAt = nil
		rejected = errors.Wrap(errors.ErrAssetMismatch, fmt.Sprintf("got %s, position expects %s", c.Coin, p.Coin))
	case c.Amount.LessThan(p.RequiredAmount):
		entry.Status = domain.TransactionStatusFailed
		entry.StatusReason = domain.ReasonUnderpaid
		entry.ConfirmedAt = nil
		rejected = errors.Wrap(errors.ErrUnderpaid, fmt.Sprintf("got %s, required %s", c.Amount, p.RequiredAmount))
	}

	if rejected != nil {
		if err := tx.AppendEvent(ctx, domain.NewDepositRejected(entry, now)); err != nil {
			return nil, err
		}
		if err := ledger.Post(ctx, tx, now, entry); err != nil {
			return nil, err
		}
		return &Result{Transaction: entry, rejected: rejected}, nil
	}

	if err := tx.AppendEvent(ctx, domain.NewPositionFunded(p, entry.ID, now)); err != nil {
		return nil, err
	}
	completed, err := r.registry.MarkFunded(ctx, tx, tri, p.ID, entry.ID)
	if err != nil {
		return nil, err
	}
	if err := ledger.Post(ctx, tx, now, entry); err != nil {
		return nil, err
	}
	return &Result{Transaction: entry, TriangleCompleted: completed}, nil
}

func (r *Reconciler) unmatched(ctx context.Context, tx repository.LedgerTx, c Confirmation, now time.Time, reason string, details domain.Metadata) (*Result, error) {
	observed := c.ObservedAt.UTC()
	if c.ObservedAt.IsZero() {
		observed = now
	}
	u := &domain.UnmatchedDeposit{
		ID:             uuid.New(),
		ExternalRef:    c.ExternalRef,
		DepositAddress: c.DepositAddress,
		Network:        c.Network,
		Coin:           c.Coin,
		Amount:         c.Amount,
		Reason:         reason,
		Details:        details,
		ObservedAt:     observed,
		CreatedAt:      now,
	}
	if err := tx.InsertUnmatchedDeposit(ctx, u); err != nil {
		return nil, err
	}
	return &Result{Unmatched: u, rejected: errors.ErrUnknownDeposit}, nil
}
