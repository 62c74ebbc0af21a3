package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names outbound domain events.
type EventType string

const (
	EventTriangleCompleted EventType = "triangle.completed"
	EventTriangleSettled   EventType = "triangle.settled"
	EventPositionFunded    EventType = "position.funded"
	EventPayoutCreated     EventType = "payout.created"
	EventDepositRejected   EventType = "deposit.rejected"
)

// Event is an outbox record. Delivery is at-least-once, so consumers key
// their handling on ID.
type Event struct {
	ID            uuid.UUID        `json:"id" db:"id"`
	Type          EventType        `json:"type" db:"type"`
	TriangleID    *uuid.UUID       `json:"triangle_id,omitempty" db:"triangle_id"`
	PositionID    *uuid.UUID       `json:"position_id,omitempty" db:"position_id"`
	TransactionID *uuid.UUID       `json:"transaction_id,omitempty" db:"transaction_id"`
	UserID        *uuid.UUID       `json:"user_id,omitempty" db:"user_id"`
	Amount        *decimal.Decimal `json:"amount,omitempty" db:"amount"`
	Reason        string           `json:"reason,omitempty" db:"reason"`
	OccurredAt    time.Time        `json:"occurred_at" db:"occurred_at"`
	Attempts      int              `json:"-" db:"attempts"`
	LastError     string           `json:"-" db:"last_error"`
	DispatchedAt  *time.Time       `json:"-" db:"dispatched_at"`
}

func NewTriangleCompleted(triangleID uuid.UUID, at time.Time) *Event {
	return &Event{ID: uuid.New(), Type: EventTriangleCompleted, TriangleID: &triangleID, OccurredAt: at}
}

func NewTriangleSettled(triangleID uuid.UUID, at time.Time) *Event {
	return &Event{ID: uuid.New(), Type: EventTriangleSettled, TriangleID: &triangleID, OccurredAt: at}
}

func NewPositionFunded(p *Position, transactionID uuid.UUID, at time.Time) *Event {
	return &Event{
		ID:            uuid.New(),
		Type:          EventPositionFunded,
		TriangleID:    &p.TriangleID,
		PositionID:    &p.ID,
		TransactionID: &transactionID,
		UserID:        cloneUUID(p.OccupantUserID),
		OccurredAt:    at,
	}
}

func NewPayoutCreated(t *Transaction, at time.Time) *Event {
	amount := t.Amount
	return &Event{
		ID:            uuid.New(),
		Type:          EventPayoutCreated,
		TriangleID:    cloneUUID(t.TriangleID),
		PositionID:    cloneUUID(t.PositionID),
		TransactionID: &t.ID,
		UserID:        &t.UserID,
		Amount:        &amount,
		OccurredAt:    at,
	}
}

func NewDepositRejected(t *Transaction, at time.Time) *Event {
	amount := t.Amount
	return &Event{
		ID:            uuid.New(),
		Type:          EventDepositRejected,
		PositionID:    cloneUUID(t.PositionID),
		TransactionID: &t.ID,
		UserID:        &t.UserID,
		Amount:        &amount,
		Reason:        t.StatusReason,
		OccurredAt:    at,
	}
}
