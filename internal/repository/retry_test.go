package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	pkgerrors "trimatrix/pkg/errors"

	"github.com/stretchr/testify/assert"
)

type flakyStore struct {
	Store
	failures int
	calls    int
	err      error
}

func (s *flakyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	return fn(ctx, nil)
}

func TestRetryingStoreRecoversFromConflicts(t *testing.T) {
	inner := &flakyStore{failures: 2, err: pkgerrors.Wrap(pkgerrors.ErrStorageConflict, "serialization failure")}
	var observed []int
	s := NewRetryingStore(inner, 5, time.Millisecond, func(attempt int, err error) {
		observed = append(observed, attempt)
	})

	ran := false
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		ran = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, []int{1, 2}, observed)
}

func TestRetryingStoreGivesUp(t *testing.T) {
	inner := &flakyStore{failures: 10, err: pkgerrors.ErrStorageConflict}
	s := NewRetryingStore(inner, 3, time.Millisecond, nil)

	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error { return nil })

	assert.ErrorIs(t, err, pkgerrors.ErrStorageConflict)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingStoreDoesNotRetryOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	inner := &flakyStore{failures: 1, err: boom}
	s := NewRetryingStore(inner, 3, time.Millisecond, nil)

	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error { return nil })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, inner.calls)
}
