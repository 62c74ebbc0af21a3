// Package events drains the transactional outbox to its subscribers.
// Delivery is at-least-once: an event is marked dispatched only after every
// publisher accepted it, so a failing publisher causes redelivery to all.
package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/pkg/logger"

	"github.com/google/uuid"
)

// Publisher delivers one event to a downstream consumer.
type Publisher interface {
	Publish(ctx context.Context, e *domain.Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e *domain.Event) error

func (f PublisherFunc) Publish(ctx context.Context, e *domain.Event) error {
	return f(ctx, e)
}

// Outbox is the part of the store the relay reads and acknowledges through.
type Outbox interface {
	PendingEvents(ctx context.Context, maxAttempts, limit int) ([]*domain.Event, error)
	MarkEventDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkEventFailed(ctx context.Context, id uuid.UUID, reason string) error
	CountPendingEvents(ctx context.Context) (int, error)
}

// Observer receives relay outcomes, typically the metrics package.
type Observer interface {
	RecordRelay(eventType string, err error)
	SetOutboxPending(n int)
}

type subscriber struct {
	name      string
	publisher Publisher
}

type Relay struct {
	outbox      Outbox
	subscribers []subscriber
	batch       int
	maxAttempts int
	observer    Observer
	logger      logger.Logger
	now         func() time.Time
}

func NewRelay(outbox Outbox, batch, maxAttempts int, observer Observer, log logger.Logger) *Relay {
	if batch <= 0 {
		batch = 100
	}
	return &Relay{
		outbox:      outbox,
		batch:       batch,
		maxAttempts: maxAttempts,
		observer:    observer,
		logger:      log,
		now:         time.Now,
	}
}

// Subscribe adds a publisher. Not safe to call once Run has started.
func (r *Relay) Subscribe(name string, p Publisher) {
	r.subscribers = append(r.subscribers, subscriber{name: name, publisher: p})
}

// Dispatch delivers one batch and reports how many events were acknowledged.
func (r *Relay) Dispatch(ctx context.Context) (int, error) {
	pending, err := r.outbox.PendingEvents(ctx, r.maxAttempts, r.batch)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, e := range pending {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}

		var failures []string
		for _, sub := range r.subscribers {
			if err := sub.publisher.Publish(ctx, e); err != nil {
				failures = append(failures, sub.name+": "+err.Error())
			}
		}

		if len(failures) > 0 {
			reason := strings.Join(failures, "; ")
			if err := r.outbox.MarkEventFailed(ctx, e.ID, reason); err != nil {
				return dispatched, err
			}
			r.logger.Warn("Event delivery failed", map[string]interface{}{
				"event_id": e.ID,
				"type":     e.Type,
				"attempts": e.Attempts + 1,
				"reason":   reason,
			})
			r.record(e, errDelivery)
			continue
		}

		if err := r.outbox.MarkEventDispatched(ctx, e.ID, r.now().UTC()); err != nil {
			return dispatched, err
		}
		r.record(e, nil)
		dispatched++
	}

	if r.observer != nil {
		if n, err := r.outbox.CountPendingEvents(ctx); err == nil {
			r.observer.SetOutboxPending(n)
		}
	}
	return dispatched, nil
}

var errDelivery = errors.New("delivery failed")

func (r *Relay) record(e *domain.Event, err error) {
	if r.observer != nil {
		r.observer.RecordRelay(string(e.Type), err)
	}
}

// Run dispatches every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Dispatch(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Outbox relay error", map[string]interface{}{
				"error": err.Error(),
			})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
