package postgres

import (
	"context"
	"fmt"
	"time"

	"trimatrix/internal/domain"
	pkgerrors "trimatrix/pkg/errors"

	"github.com/google/uuid"
)

const eventColumns = `id, type, triangle_id, position_id, transaction_id, user_id, amount, reason,
	occurred_at, attempts, last_error, dispatched_at`

func (t *pgTx) AppendEvent(ctx context.Context, e *domain.Event) error {
	query := `
		INSERT INTO matrix.event_outbox (` + eventColumns + `) VALUES (
			:id, :type, :triangle_id, :position_id, :transaction_id, :user_id, :amount, :reason,
			:occurred_at, :attempts, :last_error, :dispatched_at
		)`

	_, err := t.tx.NamedExecContext(ctx, query, e)
	return classify(err, "failed to append event")
}

func (s *Store) PendingEvents(ctx context.Context, maxAttempts, limit int) ([]*domain.Event, error) {
	events := []*domain.Event{}
	err := s.db.SelectContext(ctx, &events, `
		SELECT `+eventColumns+` FROM matrix.event_outbox
		WHERE dispatched_at IS NULL AND ($1 = 0 OR attempts < $1)
		ORDER BY seq
		LIMIT NULLIF($2, 0)`, maxAttempts, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read outbox")
	}
	return events, nil
}

func (s *Store) MarkEventDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE matrix.event_outbox SET dispatched_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to mark event dispatched")
	}
	return expectRow(res.RowsAffected, id)
}

func (s *Store) MarkEventFailed(ctx context.Context, id uuid.UUID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE matrix.event_outbox SET attempts = attempts + 1, last_error = $1 WHERE id = $2`, reason, id)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to mark event failed")
	}
	return expectRow(res.RowsAffected, id)
}

func (s *Store) CountPendingEvents(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM matrix.event_outbox WHERE dispatched_at IS NULL`)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to count outbox")
	}
	return n, nil
}

func expectRow(rowsAffected func() (int64, error), id uuid.UUID) error {
	n, err := rowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return fmt.Errorf("event %s not found", id)
	}
	return nil
}
