// Package notification turns outbox events into participant notifications
// and hands them to the external notifier.
package notification

import (
	"context"
	"fmt"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/pkg/logger"

	"github.com/google/uuid"
)

// Priority represents the urgency of the notification.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// Notification is the payload delivered to the external notifier.
type Notification struct {
	ID        uuid.UUID              `json:"id"`
	EventID   uuid.UUID              `json:"event_id"`
	UserID    uuid.UUID              `json:"user_id"`
	Type      domain.EventType       `json:"type"`
	Priority  Priority               `json:"priority"`
	Subject   string                 `json:"subject"`
	Body      string                 `json:"body"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Sender delivers a built notification.
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}

type Service struct {
	sender Sender
	logger logger.Logger
	now    func() time.Time
}

func NewService(sender Sender, log logger.Logger) *Service {
	return &Service{sender: sender, logger: log, now: time.Now}
}

// Build renders the notification for e. Events without a participant, such
// as triangle lifecycle events, produce none.
func (s *Service) Build(e *domain.Event) (*Notification, bool) {
	if e.UserID == nil {
		return nil, false
	}

	var subject, body string
	priority := PriorityNormal
	amount := ""
	if e.Amount != nil {
		amount = e.Amount.String()
	}

	switch e.Type {
	case domain.EventPositionFunded:
		subject = "Deposit confirmed"
		body = "Your deposit was confirmed and your position is now funded."
	case domain.EventPayoutCreated:
		subject = "Payout scheduled"
		body = fmt.Sprintf("A payout of %s has been scheduled for your completed triangle.", amount)
		priority = PriorityHigh
	case domain.EventDepositRejected:
		subject = "Deposit rejected"
		body = fmt.Sprintf("Your deposit of %s was not accepted (%s). Your position is still awaiting funding.", amount, e.Reason)
		priority = PriorityHigh
	default:
		return nil, false
	}

	metadata := map[string]interface{}{}
	if e.PositionID != nil {
		metadata["position_id"] = e.PositionID.String()
	}
	if e.TriangleID != nil {
		metadata["triangle_id"] = e.TriangleID.String()
	}
	if e.TransactionID != nil {
		metadata["transaction_id"] = e.TransactionID.String()
	}
	if amount != "" {
		metadata["amount"] = amount
	}

	return &Notification{
		ID:        uuid.New(),
		EventID:   e.ID,
		UserID:    *e.UserID,
		Type:      e.Type,
		Priority:  priority,
		Subject:   subject,
		Body:      body,
		Metadata:  metadata,
		CreatedAt: s.now().UTC(),
	}, true
}

// Publish makes the service an outbox subscriber.
func (s *Service) Publish(ctx context.Context, e *domain.Event) error {
	n, ok := s.Build(e)
	if !ok {
		return nil
	}
	if err := s.sender.Send(ctx, n); err != nil {
		return err
	}
	s.logger.Info("Notification sent", map[string]interface{}{
		"notification_id": n.ID,
		"event_id":        e.ID,
		"user_id":         n.UserID,
		"type":            n.Type,
		"priority":        n.Priority,
	})
	return nil
}

// LogSender only logs notifications; used when no notifier is configured.
type LogSender struct {
	Logger logger.Logger
}

func (l LogSender) Send(ctx context.Context, n *Notification) error {
	l.Logger.Debug("Notification not delivered, no notifier configured", map[string]interface{}{
		"notification_id": n.ID,
		"user_id":         n.UserID,
		"subject":         n.Subject,
	})
	return nil
}
