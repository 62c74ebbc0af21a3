package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trimatrix/internal/repository"
	pkgerrors "trimatrix/pkg/errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Postgres error codes mapped onto engine errors.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
)

// Store implements repository.Store on PostgreSQL. A unit of work is one SQL
// transaction; exclusive sections are row locks taken with FOR UPDATE.
type Store struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

var _ repository.Store = (*Store)(nil)

func NewStore(db *sqlx.DB, lockTimeout time.Duration) *Store {
	return &Store{db: db, lockTimeout: lockTimeout}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err, "failed to begin transaction")
	}

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			_ = sqlTx.Rollback()
			return classify(err, "failed to set lock timeout")
		}
	}

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return classify(err, "")
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(err, "failed to commit transaction")
	}
	return nil
}

// classify maps driver errors onto engine sentinels. Errors that already carry
// a sentinel pass through unchanged.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeQueryCanceled:
			return pkgerrors.Wrap(pkgerrors.ErrStorageConflict, pqErr.Message)
		case codeUniqueViolation:
			if pqErr.Constraint == "uq_transactions_external_ref" || pqErr.Constraint == "unmatched_deposits_external_ref_key" {
				return pkgerrors.ErrDuplicateExternalRef
			}
			if pqErr.Constraint == "positions_triangle_id_slot_index_key" {
				return pkgerrors.ErrSlotTaken
			}
			if pqErr.Constraint == "uq_positions_active_occupant" {
				return pkgerrors.ErrAlreadyPlaced
			}
			if pqErr.Constraint == "plan_versions_pkey" {
				return pkgerrors.Wrap(pkgerrors.ErrStorageConflict, "plan version already published")
			}
		}
	}
	if message == "" {
		return err
	}
	return pkgerrors.Wrap(err, message)
}
