package postgres

import (
	"context"
	"database/sql"

	"trimatrix/internal/domain"
	pkgerrors "trimatrix/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const transactionColumns = `id, user_id, position_id, triangle_id, referred_user_id, kind, amount,
	coin, network, status, status_reason, external_ref, destination_address,
	chain_index, prev_hash, hash, created_at, confirmed_at, updated_at`

const unmatchedColumns = `id, external_ref, deposit_address, network, coin, amount, reason, details, observed_at, created_at`

func (t *pgTx) LockExternalRef(ctx context.Context, ref string) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('ref:' || $1))`, ref)
	return classify(err, "failed to lock external reference")
}

func (t *pgTx) LockLedgerHead(ctx context.Context, userID uuid.UUID) (domain.LedgerHead, error) {
	var head domain.LedgerHead
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO matrix.ledger_heads (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return head, classify(err, "failed to create ledger head")
	}
	err = t.tx.GetContext(ctx, &head,
		`SELECT head_hash, length FROM matrix.ledger_heads WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return head, classify(err, "failed to lock ledger head")
	}
	return head, nil
}

func (t *pgTx) SetLedgerHead(ctx context.Context, userID uuid.UUID, head domain.LedgerHead) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE matrix.ledger_heads SET head_hash = $1, length = $2, updated_at = NOW()
		WHERE user_id = $3`, head.Hash, head.Length, userID)
	return classify(err, "failed to advance ledger head")
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *domain.Transaction) error {
	query := `
		INSERT INTO matrix.transactions (` + transactionColumns + `) VALUES (
			:id, :user_id, :position_id, :triangle_id, :referred_user_id, :kind, :amount,
			:coin, :network, :status, :status_reason, :external_ref, :destination_address,
			:chain_index, :prev_hash, :hash, :created_at, :confirmed_at, :updated_at
		)`

	_, err := t.tx.NamedExecContext(ctx, query, tr)
	return classify(err, "failed to create transaction")
}

// UpdateTransaction persists a status move. Chain fields are immutable and
// are not written.
func (t *pgTx) UpdateTransaction(ctx context.Context, tr *domain.Transaction) error {
	query := `
		UPDATE matrix.transactions SET
			status = $1, status_reason = $2, external_ref = $3, confirmed_at = $4, updated_at = $5
		WHERE id = $6`

	_, err := t.tx.ExecContext(ctx, query,
		tr.Status, tr.StatusReason, tr.ExternalRef, tr.ConfirmedAt, tr.UpdatedAt, tr.ID)
	return classify(err, "failed to update transaction")
}

func (t *pgTx) FindTransactionForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	var tr domain.Transaction
	err := t.tx.GetContext(ctx, &tr,
		`SELECT `+transactionColumns+` FROM matrix.transactions WHERE id = $1 FOR UPDATE`, id)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if err != nil {
		return nil, classify(err, "failed to lock transaction")
	}
	return &tr, nil
}

func (t *pgTx) FindTransactionByExternalRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	var tr domain.Transaction
	err := t.tx.GetContext(ctx, &tr,
		`SELECT `+transactionColumns+` FROM matrix.transactions WHERE external_ref = $1`, ref)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if err != nil {
		return nil, classify(err, "failed to find transaction by reference")
	}
	return &tr, nil
}

func (t *pgTx) HasReferralBonus(ctx context.Context, referrerID, referredID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM matrix.transactions
			WHERE kind = 'referral_bonus' AND user_id = $1 AND referred_user_id = $2
			  AND status <> 'failed'
		)`, referrerID, referredID)
	if err != nil {
		return false, classify(err, "failed to check referral bonus")
	}
	return exists, nil
}

func (t *pgTx) UserEntries(ctx context.Context, userID uuid.UUID, coin string) ([]*domain.Transaction, error) {
	var entries []*domain.Transaction
	err := t.tx.SelectContext(ctx, &entries, `
		SELECT `+transactionColumns+` FROM matrix.transactions
		WHERE user_id = $1 AND coin = $2
		ORDER BY chain_index`, userID, coin)
	if err != nil {
		return nil, classify(err, "failed to load user entries")
	}
	return entries, nil
}

func (t *pgTx) InsertUnmatchedDeposit(ctx context.Context, u *domain.UnmatchedDeposit) error {
	query := `
		INSERT INTO matrix.unmatched_deposits (` + unmatchedColumns + `) VALUES (
			:id, :external_ref, :deposit_address, :network, :coin, :amount, :reason, :details, :observed_at, :created_at
		)`

	_, err := t.tx.NamedExecContext(ctx, query, u)
	return classify(err, "failed to record unmatched deposit")
}

func (t *pgTx) FindUnmatchedByExternalRef(ctx context.Context, ref string) (*domain.UnmatchedDeposit, error) {
	var u domain.UnmatchedDeposit
	err := t.tx.GetContext(ctx, &u,
		`SELECT `+unmatchedColumns+` FROM matrix.unmatched_deposits WHERE external_ref = $1`, ref)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if err != nil {
		return nil, classify(err, "failed to find unmatched deposit")
	}
	return &u, nil
}

// --- Reader ---

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	var tr domain.Transaction
	err := s.db.GetContext(ctx, &tr,
		`SELECT `+transactionColumns+` FROM matrix.transactions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to find transaction")
	}
	return &tr, nil
}

func (s *Store) selectTransactions(ctx context.Context, message, query string, args ...interface{}) ([]*domain.Transaction, error) {
	entries := []*domain.Transaction{}
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, pkgerrors.Wrap(err, message)
	}
	return entries, nil
}

func (s *Store) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Transaction, error) {
	return s.selectTransactions(ctx, "failed to list transactions", `
		SELECT `+transactionColumns+` FROM matrix.transactions
		WHERE user_id = $1
		ORDER BY chain_index DESC
		LIMIT NULLIF($2, 0) OFFSET $3`, userID, limit, offset)
}

func (s *Store) ListTransactionsForTriangle(ctx context.Context, triangleID uuid.UUID) ([]*domain.Transaction, error) {
	return s.selectTransactions(ctx, "failed to list triangle transactions", `
		SELECT `+transactionColumns+` FROM matrix.transactions
		WHERE triangle_id = $1
		ORDER BY created_at`, triangleID)
}

func (s *Store) ChainEntries(ctx context.Context, userID uuid.UUID) ([]*domain.Transaction, error) {
	return s.selectTransactions(ctx, "failed to read ledger chain", `
		SELECT `+transactionColumns+` FROM matrix.transactions
		WHERE user_id = $1
		ORDER BY chain_index ASC`, userID)
}

func (s *Store) ListLedgerUsers(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	if err := s.db.SelectContext(ctx, &ids, `
		SELECT user_id FROM matrix.ledger_heads
		WHERE user_id > $1
		ORDER BY user_id
		LIMIT NULLIF($2, 0)`, after, limit); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list ledger users")
	}
	return ids, nil
}

func (s *Store) ListFailedDeposits(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	return s.selectTransactions(ctx, "failed to list failed deposits", `
		SELECT `+transactionColumns+` FROM matrix.transactions
		WHERE kind = 'deposit' AND status = 'failed'
		ORDER BY created_at
		LIMIT NULLIF($1, 0)`, limit)
}

type balanceRow struct {
	Confirmed          decimal.Decimal `db:"confirmed"`
	PendingPayouts     decimal.Decimal `db:"pending_payouts"`
	PendingWithdrawals decimal.Decimal `db:"pending_withdrawals"`
}

func (s *Store) Balance(ctx context.Context, userID uuid.UUID, coin string) (*domain.Balance, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE
				WHEN status = 'confirmed' AND kind = 'withdrawal' THEN -amount
				WHEN status = 'confirmed' THEN amount
				ELSE 0 END), 0) AS confirmed,
			COALESCE(SUM(CASE
				WHEN status = 'pending' AND kind = 'payout' THEN amount
				ELSE 0 END), 0) AS pending_payouts,
			COALESCE(SUM(CASE
				WHEN status = 'pending' AND kind = 'withdrawal' THEN amount
				ELSE 0 END), 0) AS pending_withdrawals
		FROM matrix.transactions
		WHERE user_id = $1 AND coin = $2`

	var row balanceRow
	if err := s.db.GetContext(ctx, &row, query, userID, coin); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to compute balance")
	}
	return &domain.Balance{
		UserID:             userID,
		Coin:               coin,
		Confirmed:          row.Confirmed,
		PendingPayouts:     row.PendingPayouts,
		PendingWithdrawals: row.PendingWithdrawals,
		Available:          row.Confirmed.Sub(row.PendingWithdrawals),
	}, nil
}

func (s *Store) ListUnmatchedDeposits(ctx context.Context, limit int) ([]*domain.UnmatchedDeposit, error) {
	deposits := []*domain.UnmatchedDeposit{}
	err := s.db.SelectContext(ctx, &deposits, `
		SELECT `+unmatchedColumns+` FROM matrix.unmatched_deposits
		ORDER BY created_at
		LIMIT NULLIF($1, 0)`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list unmatched deposits")
	}
	return deposits, nil
}
