package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/pkg/errors"
	"trimatrix/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	args := m.Called(ctx, key, ttl)
	release, _ := args.Get(0).(func())
	return release, args.Error(1)
}

type MockObserver struct {
	mock.Mock
}

func (m *MockObserver) RecordJob(job string, duration time.Duration, err error) {
	m.Called(job, duration, err)
}

type sweeperFunc func(ctx context.Context) (int, error)

func (f sweeperFunc) RecoverCompleted(ctx context.Context) (int, error) { return f(ctx) }

type staleFunc func(ctx context.Context, limit int) ([]*domain.Position, error)

func (f staleFunc) StalePositions(ctx context.Context, limit int) ([]*domain.Position, error) {
	return f(ctx, limit)
}

func TestRunNowHoldsLockAndRecords(t *testing.T) {
	locker := new(MockLocker)
	observer := new(MockObserver)
	s := NewScheduler(locker, time.Minute, observer, logger.NewNop())

	var released, swept int32
	sweeper := sweeperFunc(func(ctx context.Context) (int, error) {
		atomic.AddInt32(&swept, 1)
		return 2, nil
	})
	require.NoError(t, s.Register(SettlementSweep("@every 1m", sweeper, logger.NewNop())))

	locker.On("Acquire", mock.Anything, "job:"+JobSettlementSweep, time.Minute).
		Return(func() { atomic.AddInt32(&released, 1) }, nil).Once()
	observer.On("RecordJob", JobSettlementSweep, mock.AnythingOfType("time.Duration"), nil).Once()

	require.NoError(t, s.RunNow(context.Background(), JobSettlementSweep))
	assert.EqualValues(t, 1, atomic.LoadInt32(&swept))
	assert.EqualValues(t, 1, atomic.LoadInt32(&released))
	locker.AssertExpectations(t)
	observer.AssertExpectations(t)
}

func TestRunNowSkipsWhenLockHeld(t *testing.T) {
	locker := new(MockLocker)
	observer := new(MockObserver)
	s := NewScheduler(locker, time.Minute, observer, logger.NewNop())

	called := false
	require.NoError(t, s.Register(SettlementSweep("@every 1m", sweeperFunc(func(ctx context.Context) (int, error) {
		called = true
		return 0, nil
	}), logger.NewNop())))

	locker.On("Acquire", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.Wrap(errors.ErrLockHeld, "job:"+JobSettlementSweep)).Once()

	err := s.RunNow(context.Background(), JobSettlementSweep)
	assert.True(t, errors.Is(err, errors.ErrLockHeld))
	assert.False(t, called)
	observer.AssertNotCalled(t, "RecordJob", mock.Anything, mock.Anything, mock.Anything)
}

func TestFailedJobIsRecorded(t *testing.T) {
	observer := new(MockObserver)
	s := NewScheduler(nil, time.Minute, observer, logger.NewNop())
	boom := fmt.Errorf("database unavailable")

	require.NoError(t, s.Register(StaleScan("@every 1m", staleFunc(func(ctx context.Context, limit int) ([]*domain.Position, error) {
		return nil, boom
	}), logger.NewNop())))
	observer.On("RecordJob", JobStaleScan, mock.Anything, boom).Once()

	assert.ErrorIs(t, s.RunNow(context.Background(), JobStaleScan), boom)
	observer.AssertExpectations(t)
}

func TestRegisterRejectsBadJobs(t *testing.T) {
	s := NewScheduler(nil, time.Minute, nil, logger.NewNop())
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, s.Register(Job{Name: "", Schedule: "@every 1m", Run: noop}))
	assert.Error(t, s.Register(Job{Name: "bad", Schedule: "not a schedule", Run: noop}))
	require.NoError(t, s.Register(Job{Name: "ok", Schedule: "@every 1m", Run: noop}))
	assert.Error(t, s.Register(Job{Name: "ok", Schedule: "@every 1m", Run: noop}))
	assert.Error(t, s.RunNow(context.Background(), "missing"))
}

func TestStaleScanPassesDefaultLimit(t *testing.T) {
	assigned := time.Now().Add(-96 * time.Hour)
	var gotLimit = -1
	job := StaleScan("@every 1m", staleFunc(func(ctx context.Context, limit int) ([]*domain.Position, error) {
		gotLimit = limit
		return []*domain.Position{{ID: uuid.New(), AssignedAt: &assigned}, {ID: uuid.New()}}, nil
	}), logger.NewNop())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 0, gotLimit)
}

type reloadFunc func(ctx context.Context) error

func (f reloadFunc) Reload(ctx context.Context) error { return f(ctx) }

func TestPlanReloadRunsWithoutLock(t *testing.T) {
	locker := new(MockLocker)
	observer := new(MockObserver)
	s := NewScheduler(locker, time.Minute, observer, logger.NewNop())

	var reloads int32
	require.NoError(t, s.Register(PlanReload("@every 30s", reloadFunc(func(ctx context.Context) error {
		atomic.AddInt32(&reloads, 1)
		return nil
	}))))
	observer.On("RecordJob", JobPlanReload, mock.AnythingOfType("time.Duration"), nil).Twice()

	require.NoError(t, s.RunNow(context.Background(), JobPlanReload))
	require.NoError(t, s.RunNow(context.Background(), JobPlanReload))

	assert.Equal(t, int32(2), atomic.LoadInt32(&reloads))
	locker.AssertNotCalled(t, "Acquire", mock.Anything, mock.Anything, mock.Anything)
	observer.AssertExpectations(t)
}

func TestScheduledRunFires(t *testing.T) {
	s := NewScheduler(nil, time.Minute, nil, logger.NewNop())
	var runs int32
	require.NoError(t, s.Register(Job{
		Name:     "tick",
		Schedule: "@every 1s",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}))

	s.Start()
	defer s.Stop(context.Background())
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) > 0 }, 3*time.Second, 50*time.Millisecond)
}
