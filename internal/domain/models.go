// Package domain holds the triangle, position, ledger and plan models shared
// by the engine packages and the repositories.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionStatus represents the lifecycle of a slot inside a triangle.
type PositionStatus string

const (
	PositionStatusOpen           PositionStatus = "open"
	PositionStatusPendingDeposit PositionStatus = "pending_deposit"
	PositionStatusFunded         PositionStatus = "funded"
	PositionStatusCycled         PositionStatus = "cycled"
)

// Occupied reports whether a user holds the slot.
func (s PositionStatus) Occupied() bool {
	return s != PositionStatusOpen
}

// TriangleStatus represents the lifecycle of a matrix instance.
type TriangleStatus string

const (
	TriangleStatusFilling  TriangleStatus = "filling"
	TriangleStatusComplete TriangleStatus = "complete"
	TriangleStatusSettled  TriangleStatus = "settled"
)

// Position is one slot inside a triangle.
type Position struct {
	ID                   uuid.UUID       `json:"id" db:"id"`
	TriangleID           uuid.UUID       `json:"triangle_id" db:"triangle_id"`
	Tier                 int             `json:"tier" db:"tier"`
	SlotIndex            int             `json:"slot_index" db:"slot_index"`
	OccupantUserID       *uuid.UUID      `json:"occupant_user_id,omitempty" db:"occupant_user_id"`
	ReferrerID           *uuid.UUID      `json:"referrer_id,omitempty" db:"referrer_id"`
	Status               PositionStatus  `json:"status" db:"status"`
	RequiredAmount       decimal.Decimal `json:"required_amount" db:"required_amount"`
	Coin                 string          `json:"coin" db:"coin"`
	Network              string          `json:"network" db:"network"`
	DepositAddress       *string         `json:"deposit_address,omitempty" db:"deposit_address"`
	DepositTransactionID *uuid.UUID      `json:"deposit_transaction_id,omitempty" db:"deposit_transaction_id"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	AssignedAt           *time.Time      `json:"assigned_at,omitempty" db:"assigned_at"`
	FundedAt             *time.Time      `json:"funded_at,omitempty" db:"funded_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so staged changes never alias committed state.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.OccupantUserID = cloneUUID(p.OccupantUserID)
	c.ReferrerID = cloneUUID(p.ReferrerID)
	c.DepositTransactionID = cloneUUID(p.DepositTransactionID)
	c.DepositAddress = cloneString(p.DepositAddress)
	c.AssignedAt = cloneTime(p.AssignedAt)
	c.FundedAt = cloneTime(p.FundedAt)
	return &c
}

// Triangle is a fixed-capacity matrix instance that owns its positions.
type Triangle struct {
	ID               uuid.UUID      `json:"id" db:"id"`
	Seq              int64          `json:"seq" db:"seq"`
	Tier             int            `json:"tier" db:"tier"`
	PlanVersion      int            `json:"plan_version" db:"plan_version"`
	Capacity         int            `json:"capacity" db:"capacity"`
	Status           TriangleStatus `json:"status" db:"status"`
	ParentTriangleID *uuid.UUID     `json:"parent_triangle_id,omitempty" db:"parent_triangle_id"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	SettledAt        *time.Time     `json:"settled_at,omitempty" db:"settled_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`

	Positions []*Position `json:"positions" db:"-"`
}

// Clone deep-copies the triangle and its positions.
func (t *Triangle) Clone() *Triangle {
	if t == nil {
		return nil
	}
	c := *t
	c.ParentTriangleID = cloneUUID(t.ParentTriangleID)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.SettledAt = cloneTime(t.SettledAt)
	c.Positions = make([]*Position, 0, len(t.Positions))
	for _, p := range t.Positions {
		c.Positions = append(c.Positions, p.Clone())
	}
	return &c
}

// SortPositions orders positions by slot index.
func (t *Triangle) SortPositions() {
	sort.Slice(t.Positions, func(i, j int) bool {
		return t.Positions[i].SlotIndex < t.Positions[j].SlotIndex
	})
}

// PositionAt returns the position at slot, or nil.
func (t *Triangle) PositionAt(slot int) *Position {
	for _, p := range t.Positions {
		if p.SlotIndex == slot {
			return p
		}
	}
	return nil
}

// PositionByID returns the owned position with id, or nil.
func (t *Triangle) PositionByID(id uuid.UUID) *Position {
	for _, p := range t.Positions {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// LowestOpenSlot returns the smallest slot index still open, or -1 when every
// slot has been assigned.
func (t *Triangle) LowestOpenSlot() int {
	for slot := 0; slot < t.Capacity; slot++ {
		p := t.PositionAt(slot)
		if p == nil || p.Status == PositionStatusOpen {
			return slot
		}
	}
	return -1
}

// AllFunded reports whether every slot up to capacity is funded.
func (t *Triangle) AllFunded() bool {
	if len(t.Positions) < t.Capacity {
		return false
	}
	for slot := 0; slot < t.Capacity; slot++ {
		p := t.PositionAt(slot)
		if p == nil || p.Status != PositionStatusFunded {
			return false
		}
	}
	return true
}

// FillState summarises slot usage for dashboards.
type FillState struct {
	TriangleID     uuid.UUID      `json:"triangle_id"`
	Tier           int            `json:"tier"`
	Status         TriangleStatus `json:"status"`
	Capacity       int            `json:"capacity"`
	Open           int            `json:"open"`
	PendingDeposit int            `json:"pending_deposit"`
	Funded         int            `json:"funded"`
	Cycled         int            `json:"cycled"`
}

// Fill computes the triangle's fill state.
func (t *Triangle) Fill() FillState {
	fs := FillState{TriangleID: t.ID, Tier: t.Tier, Status: t.Status, Capacity: t.Capacity}
	seen := 0
	for _, p := range t.Positions {
		seen++
		switch p.Status {
		case PositionStatusOpen:
			fs.Open++
		case PositionStatusPendingDeposit:
			fs.PendingDeposit++
		case PositionStatusFunded:
			fs.Funded++
		case PositionStatusCycled:
			fs.Cycled++
		}
	}
	if seen < t.Capacity {
		fs.Open += t.Capacity - seen
	}
	return fs
}

// PositionKey is the human-readable label shown next to a deposit request.
func PositionKey(tier int, seq int64, slot int) string {
	return fmt.Sprintf("T%d-%d-%d", tier, seq, slot)
}

// TransactionKind classifies ledger entries.
type TransactionKind string

const (
	TransactionKindDeposit       TransactionKind = "deposit"
	TransactionKindPayout        TransactionKind = "payout"
	TransactionKindReferralBonus TransactionKind = "referral_bonus"
	TransactionKindWithdrawal    TransactionKind = "withdrawal"
)

// Credit reports whether confirmed entries of this kind increase the balance.
func (k TransactionKind) Credit() bool {
	return k != TransactionKindWithdrawal
}

// TransactionStatus represents transaction lifecycle states.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusConfirmed TransactionStatus = "confirmed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Final reports whether the status is terminal.
func (s TransactionStatus) Final() bool {
	return s == TransactionStatusConfirmed || s == TransactionStatusFailed
}

// Status reasons recorded on failed or flagged entries.
const (
	ReasonUnderpaid     = "underpaid"
	ReasonAssetMismatch = "asset_mismatch"
)

// Reasons a transfer lands in the unmatched queue.
const (
	ReasonNoPendingPosition = "no_pending_position"
	ReasonRefConflict       = "external_ref_conflict"
)

// Transaction is an immutable ledger entry. Only Pending entries may move to
// Confirmed or Failed.
type Transaction struct {
	ID                 uuid.UUID         `json:"id" db:"id"`
	UserID             uuid.UUID         `json:"user_id" db:"user_id"`
	PositionID         *uuid.UUID        `json:"position_id,omitempty" db:"position_id"`
	TriangleID         *uuid.UUID        `json:"triangle_id,omitempty" db:"triangle_id"`
	ReferredUserID     *uuid.UUID        `json:"referred_user_id,omitempty" db:"referred_user_id"`
	Kind               TransactionKind   `json:"kind" db:"kind"`
	Amount             decimal.Decimal   `json:"amount" db:"amount"`
	Coin               string            `json:"coin" db:"coin"`
	Network            string            `json:"network" db:"network"`
	Status             TransactionStatus `json:"status" db:"status"`
	StatusReason       string            `json:"status_reason,omitempty" db:"status_reason"`
	ExternalRef        *string           `json:"external_ref,omitempty" db:"external_ref"`
	DestinationAddress *string           `json:"destination_address,omitempty" db:"destination_address"`
	ChainIndex         int64             `json:"chain_index" db:"chain_index"`
	PrevHash           string            `json:"prev_hash" db:"prev_hash"`
	Hash               string            `json:"hash" db:"hash"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
	ConfirmedAt        *time.Time        `json:"confirmed_at,omitempty" db:"confirmed_at"`
	UpdatedAt          time.Time         `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.PositionID = cloneUUID(t.PositionID)
	c.TriangleID = cloneUUID(t.TriangleID)
	c.ReferredUserID = cloneUUID(t.ReferredUserID)
	c.ExternalRef = cloneString(t.ExternalRef)
	c.DestinationAddress = cloneString(t.DestinationAddress)
	c.ConfirmedAt = cloneTime(t.ConfirmedAt)
	return &c
}

// LedgerHead is the tip of a user's hash chain.
type LedgerHead struct {
	Hash   string `db:"head_hash"`
	Length int64  `db:"length"`
}

// Balance is the derived per-coin view of a user's ledger.
type Balance struct {
	UserID             uuid.UUID       `json:"user_id"`
	Coin               string          `json:"coin"`
	Confirmed          decimal.Decimal `json:"confirmed"`
	PendingPayouts     decimal.Decimal `json:"pending_payouts"`
	PendingWithdrawals decimal.Decimal `json:"pending_withdrawals"`
	Available          decimal.Decimal `json:"available"`
}

// BalanceFrom folds ledger entries into a balance for one coin.
func BalanceFrom(userID uuid.UUID, coin string, entries []*Transaction) *Balance {
	b := &Balance{UserID: userID, Coin: coin}
	for _, e := range entries {
		if e.UserID != userID || e.Coin != coin {
			continue
		}
		switch e.Status {
		case TransactionStatusConfirmed:
			if e.Kind.Credit() {
				b.Confirmed = b.Confirmed.Add(e.Amount)
			} else {
				b.Confirmed = b.Confirmed.Sub(e.Amount)
			}
		case TransactionStatusPending:
			switch e.Kind {
			case TransactionKindPayout:
				b.PendingPayouts = b.PendingPayouts.Add(e.Amount)
			case TransactionKindWithdrawal:
				b.PendingWithdrawals = b.PendingWithdrawals.Add(e.Amount)
			}
		}
	}
	b.Available = b.Confirmed.Sub(b.PendingWithdrawals)
	return b
}

// UnmatchedDeposit is a confirmed transfer that matched no pending position.
// It waits in the admin queue for manual reconciliation.
type UnmatchedDeposit struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	ExternalRef    string          `json:"external_ref" db:"external_ref"`
	DepositAddress string          `json:"deposit_address" db:"deposit_address"`
	Network        string          `json:"network" db:"network"`
	Coin           string          `json:"coin" db:"coin"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Reason         string          `json:"reason" db:"reason"`
	Details        Metadata        `json:"details,omitempty" db:"details"`
	ObservedAt     time.Time       `json:"observed_at" db:"observed_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Metadata is a JSON object stored in a JSONB column.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, m)
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
