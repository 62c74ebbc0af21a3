package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/internal/repository"
	pkgerrors "trimatrix/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTriangle(t *testing.T, s *Store, tier int) *domain.Triangle {
	t.Helper()
	tri := &domain.Triangle{
		ID:          uuid.New(),
		Tier:        tier,
		PlanVersion: 1,
		Capacity:    3,
		Status:      domain.TriangleStatusFilling,
		CreatedAt:   time.Now(),
	}
	err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		if err := tx.InsertTriangle(ctx, tri); err != nil {
			return err
		}
		for slot := 0; slot < tri.Capacity; slot++ {
			p := &domain.Position{
				ID:         uuid.New(),
				TriangleID: tri.ID,
				Tier:       tier,
				SlotIndex:  slot,
				Status:     domain.PositionStatusOpen,
				CreatedAt:  tri.CreatedAt,
			}
			if err := tx.InsertPosition(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return tri
}

func TestInTxRollbackDiscardsWrites(t *testing.T) {
	s := NewStore()
	tri := seedTriangle(t, s, 1)

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		locked, err := tx.LockTriangle(ctx, tri.ID)
		require.NoError(t, err)
		locked.Status = domain.TriangleStatusComplete
		require.NoError(t, tx.UpdateTriangle(ctx, locked))
		require.NoError(t, tx.AppendEvent(ctx, domain.NewTriangleCompleted(tri.ID, time.Now())))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetTriangle(context.Background(), tri.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TriangleStatusFilling, got.Status)
	assert.Len(t, got.Positions, 3)

	n, err := s.CountPendingEvents(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertPositionRejectsTakenSlot(t *testing.T) {
	s := NewStore()
	tri := seedTriangle(t, s, 1)

	err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertPosition(ctx, &domain.Position{ID: uuid.New(), TriangleID: tri.ID, SlotIndex: 0})
	})
	assert.ErrorIs(t, err, pkgerrors.ErrSlotTaken)
}

func TestOldestFillingTriangleOrdersBySeq(t *testing.T) {
	s := NewStore()
	first := seedTriangle(t, s, 2)
	seedTriangle(t, s, 2)
	seedTriangle(t, s, 3)

	err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		got, err := tx.OldestFillingTriangle(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)

		_, err = tx.OldestFillingTriangle(ctx, 9)
		assert.ErrorIs(t, err, pkgerrors.ErrTriangleNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestTriangleLockSerialisesUnits(t *testing.T) {
	s := NewStore()
	tri := seedTriangle(t, s, 1)

	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
				if _, err := tx.LockTriangle(ctx, tri.ID); err != nil {
					return err
				}
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestLockHonoursContext(t *testing.T) {
	s := NewStore()
	tri := seedTriangle(t, s, 1)

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			_, err := tx.LockTriangle(ctx, tri.ID)
			close(held)
			<-done
			return err
		})
	}()
	<-held
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := tx.LockTriangle(ctx, tri.ID)
		return err
	})
	assert.ErrorIs(t, err, pkgerrors.ErrStorageConflict)
}

func TestExternalRefUniqueness(t *testing.T) {
	s := NewStore()
	ref := "0xabc"
	user := uuid.New()
	entry := func() *domain.Transaction {
		return &domain.Transaction{
			ID:          uuid.New(),
			UserID:      user,
			Kind:        domain.TransactionKindDeposit,
			Amount:      decimal.NewFromInt(10),
			Coin:        "USDT",
			Status:      domain.TransactionStatusConfirmed,
			ExternalRef: &ref,
		}
	}

	err := s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertTransaction(ctx, entry())
	})
	require.NoError(t, err)

	err = s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.InsertTransaction(ctx, entry())
	})
	assert.ErrorIs(t, err, pkgerrors.ErrDuplicateExternalRef)

	err = s.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		found, err := tx.FindTransactionByExternalRef(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, user, found.UserID)
		return nil
	})
	require.NoError(t, err)
}

func TestBalanceAndHistoryReadCommittedState(t *testing.T) {
	s := NewStore()
	user := uuid.New()
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		for i, kind := range []domain.TransactionKind{
			domain.TransactionKindDeposit,
			domain.TransactionKindReferralBonus,
			domain.TransactionKindWithdrawal,
		} {
			status := domain.TransactionStatusConfirmed
			if kind == domain.TransactionKindWithdrawal {
				status = domain.TransactionStatusPending
			}
			if err := tx.InsertTransaction(ctx, &domain.Transaction{
				ID:         uuid.New(),
				UserID:     user,
				Kind:       kind,
				Amount:     decimal.NewFromInt(int64(10 * (i + 1))),
				Coin:       "USDT",
				Status:     status,
				ChainIndex: int64(i + 1),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	bal, err := s.Balance(ctx, user, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Confirmed.Equal(decimal.NewFromInt(30)))
	assert.True(t, bal.PendingWithdrawals.Equal(decimal.NewFromInt(30)))
	assert.True(t, bal.Available.IsZero())

	history, err := s.ListTransactionsByUser(ctx, user, 2, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.TransactionKindWithdrawal, history[0].Kind)

	chain, err := s.ChainEntries(ctx, user)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, int64(1), chain[0].ChainIndex)
}

func TestOutboxLifecycle(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	ev := domain.NewTriangleCompleted(uuid.New(), time.Now())

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.AppendEvent(ctx, ev)
	}))

	pending, err := s.PendingEvents(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkEventFailed(ctx, ev.ID, "broker down"))
	pending, err = s.PendingEvents(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker down", pending[0].LastError)

	require.NoError(t, s.MarkEventDispatched(ctx, ev.ID, time.Now()))
	n, err := s.CountPendingEvents(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStalePositions(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	tri := seedTriangle(t, s, 1)
	user := uuid.New()
	old := time.Now().Add(-96 * time.Hour)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		locked, err := tx.LockTriangle(ctx, tri.ID)
		if err != nil {
			return err
		}
		p := locked.PositionAt(0)
		p.OccupantUserID = &user
		p.Status = domain.PositionStatusPendingDeposit
		p.AssignedAt = &old
		return tx.UpdatePosition(ctx, p)
	}))

	stale, err := s.ListStalePositions(ctx, time.Now().Add(-72*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, user, *stale[0].OccupantUserID)

	tier, ok, err := func() (int, bool, error) {
		var tier int
		var ok bool
		err := s.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			var err error
			tier, ok, err = tx.HighestActiveTier(ctx, user)
			return err
		})
		return tier, ok, err
	}()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, tier)
}
