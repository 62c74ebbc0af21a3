package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/internal/repository"
	"trimatrix/internal/repository/memory"
	"trimatrix/pkg/logger"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store *memory.Store, n int) []*domain.Event {
	t.Helper()
	var out []*domain.Event
	err := store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		for i := 0; i < n; i++ {
			e := domain.NewTriangleCompleted(uuid.New(), time.Now())
			out = append(out, e)
			if err := tx.AppendEvent(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestDispatchDeliversToEverySubscriber(t *testing.T) {
	store := memory.NewStore()
	seeded := seed(t, store, 3)

	relay := NewRelay(store, 10, 5, nil, logger.NewNop())
	var first, second []uuid.UUID
	relay.Subscribe("first", PublisherFunc(func(ctx context.Context, e *domain.Event) error {
		first = append(first, e.ID)
		return nil
	}))
	relay.Subscribe("second", PublisherFunc(func(ctx context.Context, e *domain.Event) error {
		second = append(second, e.ID)
		return nil
	}))

	n, err := relay.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for i, e := range seeded {
		assert.Equal(t, e.ID, first[i])
		assert.Equal(t, e.ID, second[i])
	}

	pending, err := store.CountPendingEvents(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDispatchRedeliversAfterFailure(t *testing.T) {
	store := memory.NewStore()
	seeded := seed(t, store, 1)

	fail := true
	delivered := 0
	relay := NewRelay(store, 10, 2, nil, logger.NewNop())
	relay.Subscribe("flaky", PublisherFunc(func(ctx context.Context, e *domain.Event) error {
		if fail {
			return fmt.Errorf("broker down")
		}
		delivered++
		return nil
	}))

	n, err := relay.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := store.PendingEvents(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, seeded[0].ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "flaky: broker down")

	fail = false
	n, err = relay.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, delivered)
}

func TestDispatchStopsAfterMaxAttempts(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, 1)

	calls := 0
	relay := NewRelay(store, 10, 2, nil, logger.NewNop())
	relay.Subscribe("broken", PublisherFunc(func(ctx context.Context, e *domain.Event) error {
		calls++
		return fmt.Errorf("rejected")
	}))

	for i := 0; i < 4; i++ {
		_, err := relay.Dispatch(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
}

type MockObserver struct {
	mock.Mock
}

func (m *MockObserver) RecordRelay(eventType string, err error) {
	m.Called(eventType, err)
}

func (m *MockObserver) SetOutboxPending(n int) {
	m.Called(n)
}

func TestDispatchReportsToObserver(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, 2)

	obs := new(MockObserver)
	obs.On("RecordRelay", string(domain.EventTriangleCompleted), nil).Return().Twice()
	obs.On("SetOutboxPending", 0).Return().Once()

	relay := NewRelay(store, 10, 0, obs, logger.NewNop())
	_, err := relay.Dispatch(context.Background())
	require.NoError(t, err)
	obs.AssertExpectations(t)
}

type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable).Error(0)
}

func (m *MockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(exchange, key, msg).Error(0)
}

func (m *MockChannel) Close() error {
	return m.Called().Error(0)
}

func TestAMQPPublisher(t *testing.T) {
	ch := new(MockChannel)
	ch.On("ExchangeDeclare", "triangle.events", amqp.ExchangeTopic, true).Return(nil)

	e := domain.NewTriangleSettled(uuid.New(), time.Now())
	ch.On("PublishWithContext", "triangle.events", "triangle.settled", mock.MatchedBy(func(msg amqp.Publishing) bool {
		var decoded domain.Event
		if err := json.Unmarshal(msg.Body, &decoded); err != nil {
			return false
		}
		return msg.MessageId == e.ID.String() &&
			msg.DeliveryMode == amqp.Persistent &&
			decoded.ID == e.ID
	})).Return(nil).Once()
	ch.On("Close").Return(nil)

	p, err := NewAMQPPublisher(ch, "triangle.events")
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), e))
	require.NoError(t, p.Close())
	ch.AssertExpectations(t)
}

func TestAMQPPublisherDeclareFailure(t *testing.T) {
	ch := new(MockChannel)
	ch.On("ExchangeDeclare", "x", amqp.ExchangeTopic, true).Return(fmt.Errorf("access refused"))

	_, err := NewAMQPPublisher(ch, "x")
	assert.Error(t, err)
}
