// Package ledger owns the append-only transaction ledger: hash-chained
// posting, disbursement status moves, withdrawals and derived balances.
package ledger

import (
	"context"
	"fmt"
	"time"

	"trimatrix/internal/domain"
	"trimatrix/internal/repository"
	"trimatrix/pkg/errors"
	"trimatrix/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceCache is an optional read-through cache. It is never authoritative.
type BalanceCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Service struct {
	store    repository.Store
	cache    BalanceCache
	cacheTTL time.Duration
	logger   logger.Logger
	now      func() time.Time
}

func NewService(store repository.Store, cache BalanceCache, cacheTTL time.Duration, log logger.Logger) *Service {
	return &Service{
		store:    store,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   log,
		now:      time.Now,
	}
}

func balanceKey(userID uuid.UUID, coin string) string {
	return fmt.Sprintf("balance:%s:%s", userID, coin)
}

// Balance returns the derived balance for one coin.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID, coin string) (*domain.Balance, error) {
	key := balanceKey(userID, coin)
	if s.cache != nil {
		var cached domain.Balance
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return &cached, nil
		}
	}

	bal, err := s.store.Balance(ctx, userID, coin)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, bal, s.cacheTTL); err != nil {
			s.logger.Warn("Failed to cache balance", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
	}
	return bal, nil
}

// Invalidate drops cached balances after a committed unit touched them.
func (s *Service) Invalidate(ctx context.Context, coin string, userIDs ...uuid.UUID) {
	if s.cache == nil {
		return
	}
	for _, id := range userIDs {
		if err := s.cache.Delete(ctx, balanceKey(id, coin)); err != nil {
			s.logger.Warn("Failed to invalidate balance", map[string]interface{}{
				"user_id": id,
				"error":   err.Error(),
			})
		}
	}
}

// History returns the user's entries, newest first.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListTransactionsByUser(ctx, userID, limit, offset)
}

// VerifyChain recomputes the user's hash chain.
func (s *Service) VerifyChain(ctx context.Context, userID uuid.UUID) (*ChainReport, error) {
	entries, err := s.store.ChainEntries(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ledger")
	}
	report := Verify(userID, entries)
	if !report.Valid {
		s.logger.Error("Ledger chain broken", map[string]interface{}{
			"user_id":   userID,
			"broken_at": report.BrokenAt,
			"reason":    report.Reason,
		})
	}
	return report, nil
}

// AuditReport summarises a verification pass over every ledger chain.
type AuditReport struct {
	Checked int            `json:"checked"`
	Broken  []*ChainReport `json:"broken"`
}

// AuditChains verifies every user's chain, batch users at a time.
func (s *Service) AuditChains(ctx context.Context, batch int) (*AuditReport, error) {
	if batch <= 0 {
		batch = 500
	}
	report := &AuditReport{Broken: []*ChainReport{}}
	after := uuid.Nil
	for {
		users, err := s.store.ListLedgerUsers(ctx, after, batch)
		if err != nil {
			return report, err
		}
		for _, id := range users {
			chain, err := s.VerifyChain(ctx, id)
			if err != nil {
				return report, err
			}
			report.Checked++
			if !chain.Valid {
				report.Broken = append(report.Broken, chain)
			}
		}
		if len(users) < batch {
			return report, nil
		}
		after = users[len(users)-1]
	}
}

func disbursable(kind domain.TransactionKind) bool {
	return kind == domain.TransactionKindPayout || kind == domain.TransactionKindWithdrawal
}

// ConfirmDisbursement records that a pending payout or withdrawal was paid
// out under externalRef. Replaying the same reference is a no-op.
func (s *Service) ConfirmDisbursement(ctx context.Context, transactionID uuid.UUID, externalRef string) (*domain.Transaction, error) {
	if externalRef == "" {
		return nil, errors.Wrap(errors.ErrInvalidState, "external reference required")
	}

	var result *domain.Transaction
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		entry, err := tx.FindTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if !disbursable(entry.Kind) {
			return errors.Wrap(errors.ErrInvalidState, fmt.Sprintf("%s entries are not disbursed", entry.Kind))
		}
		if entry.Status == domain.TransactionStatusConfirmed && entry.ExternalRef != nil && *entry.ExternalRef == externalRef {
			result = entry
			return nil
		}
		if entry.Status != domain.TransactionStatusPending {
			return errors.Wrap(errors.ErrInvalidState, fmt.Sprintf("transaction is %s", entry.Status))
		}

		if err := tx.LockExternalRef(ctx, externalRef); err != nil {
			return err
		}
		if other, err := tx.FindTransactionByExternalRef(ctx, externalRef); err == nil && other.ID != entry.ID {
			return errors.ErrDuplicateExternalRef
		} else if err != nil && !errors.Is(err, errors.ErrTransactionNotFound) {
			return err
		}

		now := s.now().UTC()
		entry.Status = domain.TransactionStatusConfirmed
		entry.ExternalRef = &externalRef
		entry.ConfirmedAt = &now
		entry.UpdatedAt = now
		if err := tx.UpdateTransaction(ctx, entry); err != nil {
			return err
		}
		result = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Invalidate(ctx, result.Coin, result.UserID)
	s.logger.Info("Disbursement confirmed", map[string]interface{}{
		"transaction_id": result.ID,
		"kind":           result.Kind,
		"external_ref":   externalRef,
	})
	return result, nil
}

// FailDisbursement marks a pending payout or withdrawal as failed.
func (s *Service) FailDisbursement(ctx context.Context, transactionID uuid.UUID, reason string) (*domain.Transaction, error) {
	var result *domain.Transaction
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		entry, err := tx.FindTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if !disbursable(entry.Kind) || entry.Status != domain.TransactionStatusPending {
			return errors.Wrap(errors.ErrInvalidState, fmt.Sprintf("%s %s entry cannot fail", entry.Status, entry.Kind))
		}

		now := s.now().UTC()
		entry.Status = domain.TransactionStatusFailed
		entry.StatusReason = reason
		entry.UpdatedAt = now
		if err := tx.UpdateTransaction(ctx, entry); err != nil {
			return err
		}
		result = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Invalidate(ctx, result.Coin, result.UserID)
	s.logger.Warn("Disbursement failed", map[string]interface{}{
		"transaction_id": result.ID,
		"reason":         reason,
	})
	return result, nil
}

// WithdrawalRequest asks for a payout of confirmed funds to an external address.
type WithdrawalRequest struct {
	UserID      uuid.UUID
	Coin        string
	Network     string
	Amount      decimal.Decimal
	Destination string
}

// RequestWithdrawal records a pending withdrawal if the available balance
// covers it. The user's ledger head is held for the whole check so two
// requests cannot spend the same funds.
func (s *Service) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*domain.Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, errors.Wrap(errors.ErrInvalidState, "withdrawal amount must be positive")
	}

	var result *domain.Transaction
	err := s.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.LockLedgerHead(ctx, req.UserID); err != nil {
			return err
		}
		entries, err := tx.UserEntries(ctx, req.UserID, req.Coin)
		if err != nil {
			return err
		}
		bal := domain.BalanceFrom(req.UserID, req.Coin, entries)
		if req.Amount.GreaterThan(bal.Available) {
			return errors.ErrInsufficientBalance
		}

		destination := req.Destination
		entry := &domain.Transaction{
			ID:                 uuid.New(),
			UserID:             req.UserID,
			Kind:               domain.TransactionKindWithdrawal,
			Amount:             req.Amount,
			Coin:               req.Coin,
			Network:            req.Network,
			Status:             domain.TransactionStatusPending,
			DestinationAddress: &destination,
		}
		if err := Post(ctx, tx, s.now(), entry); err != nil {
			return err
		}
		result = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Invalidate(ctx, req.Coin, req.UserID)
	s.logger.Info("Withdrawal requested", map[string]interface{}{
		"transaction_id": result.ID,
		"user_id":        req.UserID,
		"amount":         req.Amount.String(),
		"coin":           req.Coin,
	})
	return result, nil
}
