package postgres

import (
	"context"
	"database/sql"
	"time"

	"trimatrix/internal/domain"
	pkgerrors "trimatrix/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const triangleColumns = `id, seq, tier, plan_version, capacity, status, parent_triangle_id,
	created_at, completed_at, settled_at, updated_at`

const positionColumns = `id, triangle_id, tier, slot_index, occupant_user_id, referrer_id, status,
	required_amount, coin, network, deposit_address, deposit_transaction_id,
	created_at, assigned_at, funded_at, updated_at`

// pgTx is the repository.Tx view of one SQL transaction.
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockTier(ctx context.Context, tier int) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO matrix.allocation_cursors (tier) VALUES ($1)
		ON CONFLICT (tier) DO NOTHING`, tier)
	if err != nil {
		return classify(err, "failed to create allocation cursor")
	}
	var locked int
	err = t.tx.GetContext(ctx, &locked,
		`SELECT tier FROM matrix.allocation_cursors WHERE tier = $1 FOR UPDATE`, tier)
	return classify(err, "failed to lock tier")
}

func (t *pgTx) loadPositions(ctx context.Context, tri *domain.Triangle) error {
	var positions []*domain.Position
	err := t.tx.SelectContext(ctx, &positions,
		`SELECT `+positionColumns+` FROM matrix.positions WHERE triangle_id = $1 ORDER BY slot_index`, tri.ID)
	if err != nil {
		return classify(err, "failed to load positions")
	}
	tri.Positions = positions
	return nil
}

func (t *pgTx) LockTriangle(ctx context.Context, id uuid.UUID) (*domain.Triangle, error) {
	var tri domain.Triangle
	err := t.tx.GetContext(ctx, &tri,
		`SELECT `+triangleColumns+` FROM matrix.triangles WHERE id = $1 FOR UPDATE`, id)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrTriangleNotFound
	}
	if err != nil {
		return nil, classify(err, "failed to lock triangle")
	}
	if err := t.loadPositions(ctx, &tri); err != nil {
		return nil, err
	}
	return &tri, nil
}

func (t *pgTx) OldestFillingTriangle(ctx context.Context, tier int) (*domain.Triangle, error) {
	var tri domain.Triangle
	err := t.tx.GetContext(ctx, &tri, `
		SELECT `+triangleColumns+` FROM matrix.triangles t
		WHERE t.tier = $1 AND t.status = 'filling'
		  AND EXISTS (
			SELECT 1 FROM matrix.positions p
			WHERE p.triangle_id = t.id AND p.status = 'open'
		  )
		ORDER BY t.seq ASC
		LIMIT 1
		FOR UPDATE OF t`, tier)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrTriangleNotFound
	}
	if err != nil {
		return nil, classify(err, "failed to find filling triangle")
	}
	if err := t.loadPositions(ctx, &tri); err != nil {
		return nil, err
	}
	return &tri, nil
}

func (t *pgTx) InsertTriangle(ctx context.Context, tri *domain.Triangle) error {
	query := `
		INSERT INTO matrix.triangles (
			id, tier, plan_version, capacity, status, parent_triangle_id,
			created_at, completed_at, settled_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq`

	err := t.tx.QueryRowxContext(ctx, query,
		tri.ID, tri.Tier, tri.PlanVersion, tri.Capacity, tri.Status, tri.ParentTriangleID,
		tri.CreatedAt, tri.CompletedAt, tri.SettledAt, tri.UpdatedAt,
	).Scan(&tri.Seq)
	return classify(err, "failed to create triangle")
}

func (t *pgTx) UpdateTriangle(ctx context.Context, tri *domain.Triangle) error {
	query := `
		UPDATE matrix.triangles SET
			status = $1, completed_at = $2, settled_at = $3, updated_at = $4
		WHERE id = $5`

	_, err := t.tx.ExecContext(ctx, query,
		tri.Status, tri.CompletedAt, tri.SettledAt, tri.UpdatedAt, tri.ID)
	return classify(err, "failed to update triangle")
}

func (t *pgTx) InsertPosition(ctx context.Context, p *domain.Position) error {
	query := `
		INSERT INTO matrix.positions (` + positionColumns + `) VALUES (
			:id, :triangle_id, :tier, :slot_index, :occupant_user_id, :referrer_id, :status,
			:required_amount, :coin, :network, :deposit_address, :deposit_transaction_id,
			:created_at, :assigned_at, :funded_at, :updated_at
		)`

	_, err := t.tx.NamedExecContext(ctx, query, p)
	return classify(err, "failed to create position")
}

func (t *pgTx) UpdatePosition(ctx context.Context, p *domain.Position) error {
	query := `
		UPDATE matrix.positions SET
			occupant_user_id = $1, referrer_id = $2, status = $3, required_amount = $4,
			coin = $5, network = $6, deposit_address = $7, deposit_transaction_id = $8,
			assigned_at = $9, funded_at = $10, updated_at = $11
		WHERE id = $12`

	_, err := t.tx.ExecContext(ctx, query,
		p.OccupantUserID, p.ReferrerID, p.Status, p.RequiredAmount,
		p.Coin, p.Network, p.DepositAddress, p.DepositTransactionID,
		p.AssignedAt, p.FundedAt, p.UpdatedAt, p.ID,
	)
	return classify(err, "failed to update position")
}

func (t *pgTx) FindPendingByAddress(ctx context.Context, address, network string) (*domain.Position, error) {
	var p domain.Position
	err := t.tx.GetContext(ctx, &p, `
		SELECT `+positionColumns+` FROM matrix.positions
		WHERE deposit_address = $1 AND network = $2 AND status = 'pending_deposit'`,
		address, network)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrPositionNotFound
	}
	if err != nil {
		return nil, classify(err, "failed to find position by address")
	}
	return &p, nil
}

func (t *pgTx) HasActivePosition(ctx context.Context, userID uuid.UUID, tier int) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM matrix.positions
			WHERE occupant_user_id = $1 AND tier = $2 AND status IN ('pending_deposit', 'funded')
		)`, userID, tier)
	if err != nil {
		return false, classify(err, "failed to check active position")
	}
	return exists, nil
}

func (t *pgTx) HighestActiveTier(ctx context.Context, userID uuid.UUID) (int, bool, error) {
	var tier sql.NullInt64
	err := t.tx.GetContext(ctx, &tier, `
		SELECT MAX(tier) FROM matrix.positions
		WHERE occupant_user_id = $1 AND status IN ('pending_deposit', 'funded')`, userID)
	if err != nil {
		return 0, false, classify(err, "failed to find highest tier")
	}
	if !tier.Valid {
		return 0, false, nil
	}
	return int(tier.Int64), true, nil
}

// --- Reader ---

func (s *Store) GetTriangle(ctx context.Context, id uuid.UUID) (*domain.Triangle, error) {
	var tri domain.Triangle
	err := s.db.GetContext(ctx, &tri,
		`SELECT `+triangleColumns+` FROM matrix.triangles WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrTriangleNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to find triangle")
	}
	if err := s.attachPositions(ctx, []*domain.Triangle{&tri}); err != nil {
		return nil, err
	}
	return &tri, nil
}

// attachPositions loads the positions of every triangle in one query.
func (s *Store) attachPositions(ctx context.Context, triangles []*domain.Triangle) error {
	if len(triangles) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(triangles))
	byID := make(map[uuid.UUID]*domain.Triangle, len(triangles))
	for _, tri := range triangles {
		ids = append(ids, tri.ID)
		byID[tri.ID] = tri
		tri.Positions = nil
	}

	query, args, err := sqlx.In(
		`SELECT `+positionColumns+` FROM matrix.positions WHERE triangle_id IN (?) ORDER BY slot_index`, ids)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to build position query")
	}
	var positions []*domain.Position
	if err := s.db.SelectContext(ctx, &positions, s.db.Rebind(query), args...); err != nil {
		return pkgerrors.Wrap(err, "failed to load positions")
	}
	for _, p := range positions {
		if tri, ok := byID[p.TriangleID]; ok {
			tri.Positions = append(tri.Positions, p)
		}
	}
	return nil
}

func (s *Store) GetPosition(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	var p domain.Position
	err := s.db.GetContext(ctx, &p,
		`SELECT `+positionColumns+` FROM matrix.positions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrPositionNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to find position")
	}
	return &p, nil
}

func (s *Store) listTriangles(ctx context.Context, query string, args ...interface{}) ([]*domain.Triangle, error) {
	var triangles []*domain.Triangle
	if err := s.db.SelectContext(ctx, &triangles, query, args...); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list triangles")
	}
	if err := s.attachPositions(ctx, triangles); err != nil {
		return nil, err
	}
	return triangles, nil
}

func (s *Store) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*domain.Triangle, error) {
	return s.listTriangles(ctx,
		`SELECT `+triangleColumns+` FROM matrix.triangles WHERE parent_triangle_id = $1 ORDER BY seq`, parentID)
}

func (s *Store) ListTrianglesByStatus(ctx context.Context, status domain.TriangleStatus, limit int) ([]*domain.Triangle, error) {
	return s.listTriangles(ctx,
		`SELECT `+triangleColumns+` FROM matrix.triangles WHERE status = $1 ORDER BY seq LIMIT NULLIF($2, 0)`, status, limit)
}

func (s *Store) ListPositionsByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Position, error) {
	var positions []*domain.Position
	err := s.db.SelectContext(ctx, &positions, `
		SELECT `+positionColumns+` FROM matrix.positions
		WHERE occupant_user_id = $1 ORDER BY created_at, slot_index`, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list user positions")
	}
	return positions, nil
}

func (s *Store) ListStalePositions(ctx context.Context, assignedBefore time.Time, limit int) ([]*domain.Position, error) {
	var positions []*domain.Position
	err := s.db.SelectContext(ctx, &positions, `
		SELECT `+positionColumns+` FROM matrix.positions
		WHERE status = 'pending_deposit' AND assigned_at < $1
		ORDER BY assigned_at
		LIMIT NULLIF($2, 0)`, assignedBefore, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list stale positions")
	}
	return positions, nil
}
