// Package repository defines the unit-of-work contract shared by the
// PostgreSQL and in-memory stores.
package repository

import (
	"context"
	"time"

	"trimatrix/internal/domain"

	"github.com/google/uuid"
)

// Store runs units of work and serves committed reads.
type Store interface {
	// InTx runs fn inside one atomic unit. Writes made through tx become
	// visible together when fn returns nil and are discarded otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Reader
}

// Tx is the locked, writable view handed to a unit of work.
type Tx interface {
	RegistryTx
	LedgerTx
	OutboxTx
}

// RegistryTx covers triangle and position state.
type RegistryTx interface {
	// LockTier serialises first-fit allocation for one tier.
	LockTier(ctx context.Context, tier int) error
	// LockTriangle takes the per-triangle exclusive section and loads its positions.
	LockTriangle(ctx context.Context, id uuid.UUID) (*domain.Triangle, error)
	// OldestFillingTriangle locks and returns the oldest filling triangle at
	// tier that still has an open slot. Returns ErrTriangleNotFound if none.
	OldestFillingTriangle(ctx context.Context, tier int) (*domain.Triangle, error)
	InsertTriangle(ctx context.Context, t *domain.Triangle) error
	UpdateTriangle(ctx context.Context, t *domain.Triangle) error
	InsertPosition(ctx context.Context, p *domain.Position) error
	UpdatePosition(ctx context.Context, p *domain.Position) error
	FindPendingByAddress(ctx context.Context, address, network string) (*domain.Position, error)
	HasActivePosition(ctx context.Context, userID uuid.UUID, tier int) (bool, error)
	HighestActiveTier(ctx context.Context, userID uuid.UUID) (int, bool, error)
}

// LedgerTx covers ledger entries and the unmatched-deposit queue.
type LedgerTx interface {
	// LockExternalRef serialises work keyed by one chain reference.
	LockExternalRef(ctx context.Context, ref string) error
	// LockLedgerHead locks the user's hash chain and returns its head.
	LockLedgerHead(ctx context.Context, userID uuid.UUID) (domain.LedgerHead, error)
	SetLedgerHead(ctx context.Context, userID uuid.UUID, head domain.LedgerHead) error
	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	UpdateTransaction(ctx context.Context, t *domain.Transaction) error
	FindTransactionForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	FindTransactionByExternalRef(ctx context.Context, ref string) (*domain.Transaction, error)
	HasReferralBonus(ctx context.Context, referrerID, referredID uuid.UUID) (bool, error)
	UserEntries(ctx context.Context, userID uuid.UUID, coin string) ([]*domain.Transaction, error)
	InsertUnmatchedDeposit(ctx context.Context, u *domain.UnmatchedDeposit) error
	FindUnmatchedByExternalRef(ctx context.Context, ref string) (*domain.UnmatchedDeposit, error)
}

// OutboxTx records events in the same unit as the state change they describe.
type OutboxTx interface {
	AppendEvent(ctx context.Context, e *domain.Event) error
}

// Reader is the side-effect-free query surface over committed state.
type Reader interface {
	GetTriangle(ctx context.Context, id uuid.UUID) (*domain.Triangle, error)
	GetPosition(ctx context.Context, id uuid.UUID) (*domain.Position, error)
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*domain.Triangle, error)
	ListTrianglesByStatus(ctx context.Context, status domain.TriangleStatus, limit int) ([]*domain.Triangle, error)
	ListPositionsByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Position, error)
	ListStalePositions(ctx context.Context, assignedBefore time.Time, limit int) ([]*domain.Position, error)

	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Transaction, error)
	ListTransactionsForTriangle(ctx context.Context, triangleID uuid.UUID) ([]*domain.Transaction, error)
	// ChainEntries returns the user's entries in chain order.
	ChainEntries(ctx context.Context, userID uuid.UUID) ([]*domain.Transaction, error)
	// ListLedgerUsers pages through users owning a ledger chain, ascending by
	// id, starting after the given id.
	ListLedgerUsers(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)
	Balance(ctx context.Context, userID uuid.UUID, coin string) (*domain.Balance, error)
	ListFailedDeposits(ctx context.Context, limit int) ([]*domain.Transaction, error)
	ListUnmatchedDeposits(ctx context.Context, limit int) ([]*domain.UnmatchedDeposit, error)

	PendingEvents(ctx context.Context, maxAttempts, limit int) ([]*domain.Event, error)
	MarkEventDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkEventFailed(ctx context.Context, id uuid.UUID, reason string) error
	CountPendingEvents(ctx context.Context) (int, error)
}
