package repository

import (
	"context"
	"time"

	pkgerrors "trimatrix/pkg/errors"
)

// ConflictObserver is told about every storage conflict that triggers a retry.
type ConflictObserver func(attempt int, err error)

// RetryingStore retries units of work that fail with ErrStorageConflict,
// backing off exponentially. The final conflict is returned wrapped so callers
// can report a transient failure.
type RetryingStore struct {
	Store
	attempts int
	backoff  time.Duration
	observe  ConflictObserver
}

// NewRetryingStore wraps store. attempts counts the first try.
func NewRetryingStore(store Store, attempts int, backoff time.Duration, observe ConflictObserver) *RetryingStore {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryingStore{Store: store, attempts: attempts, backoff: backoff, observe: observe}
}

func (s *RetryingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var lastErr error
	delay := s.backoff
	for i := 0; i < s.attempts; i++ {
		err := s.Store.InTx(ctx, fn)
		if err == nil || !pkgerrors.Is(err, pkgerrors.ErrStorageConflict) {
			return err
		}
		lastErr = err
		if s.observe != nil {
			s.observe(i+1, err)
		}
		if i == s.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return pkgerrors.Wrap(lastErr, "unit of work exhausted conflict retries")
}
